package main

import (
	"log/slog"
	"os"

	charmlog "github.com/charmbracelet/log"

	"github.com/chainkiln/kiln/internal"
	"github.com/chainkiln/kiln/internal/cli"
)

// The entry point for the kiln CLI.
//
// Initializes logging, logs startup information, and executes the root
// command. If any error occurs during execution, it exits with a non-zero
// code; the error text comes from the failing stage or tool unchanged.
func main() {
	slog.SetDefault(slog.New(logHandler()))

	slog.Debug("build", "version", internal.VersionString())

	slog.Debug("kiln is running",
		"pid", os.Getpid(),
		"cwd", cwd(),
		"args", os.Args,
	)

	if err := cli.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// Creates a log handler seeded from build-time linker flags.
//
// The handler is reconfigured after flag parsing via cli.Execute.
func logHandler() *charmlog.Logger {
	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: false,
		Prefix:          internal.Name,
	})
	handler.SetLevel(logLevel())
	return handler
}

// Returns the log level derived from build-time linker flags.
func logLevel() charmlog.Level {
	if internal.IsDebug() {
		return charmlog.DebugLevel
	}
	if internal.IsQuiet() {
		return charmlog.WarnLevel
	}
	return charmlog.InfoLevel
}

// Returns the current working directory or "(unknown)".
func cwd() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "(unknown)"
	}
	return cwd
}
