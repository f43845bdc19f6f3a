package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	charmlog "github.com/charmbracelet/log"

	"github.com/chainkiln/kiln/internal"
)

// Default containerd socket address.
const defaultAddress = "/run/containerd/containerd.sock"

// Represents the root command for the kiln CLI.
var RootCmd struct {
	Quiet     bool       `short:"q" help:"Suppress informational output."`
	Verbose   bool       `short:"v" help:"Enable verbose output."`
	Debug     bool       `short:"d" help:"Enable debug output."`
	Address   string     `short:"a" help:"Containerd socket address." placeholder:"PATH" default:"${address}"`
	Namespace string     `short:"n" help:"Containerd namespace." default:"kiln"`
	Build     BuildCmd   `cmd:"" help:"Build pipeline targets at a pinned revision."`
	Render    RenderCmd  `cmd:"" help:"Render the pipeline manifest as a Dockerfile."`
	Version   VersionCmd `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Packages pre-built node binaries into runtime images.\n\nExecutes a staged pipeline manifest against containerd, tagging every produced image with the exact source revision it was built from."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
			"address": defaultAddress,
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Configures the global logger based on CLI flags.
func configureLogger() {
	handler, ok := slog.Default().Handler().(*charmlog.Logger)
	if !ok {
		return // Not a charm handler, nothing to configure
	}

	debug := RootCmd.Debug || internal.IsDebug()
	quiet := RootCmd.Quiet || internal.IsQuiet()
	verbose := RootCmd.Verbose || internal.IsVerbose()

	if debug {
		handler.SetLevel(charmlog.DebugLevel)
	} else if quiet {
		handler.SetLevel(charmlog.WarnLevel)
	} else {
		handler.SetLevel(charmlog.InfoLevel)
	}

	handler.SetReportCaller(verbose)
	handler.SetOutput(os.Stderr)
}
