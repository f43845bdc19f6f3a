package cli

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/chainkiln/kiln/internal/build"
	"github.com/chainkiln/kiln/internal/manifest"
	"github.com/chainkiln/kiln/internal/paths"
	"github.com/chainkiln/kiln/internal/revision"
	"github.com/chainkiln/kiln/internal/runtime"
)

// Represents the 'kiln build' command.
type BuildCmd struct {
	Manifest string            `short:"f" default:"kiln.yaml" help:"Path to the pipeline manifest." placeholder:"PATH"`
	Revision string            `short:"r" help:"Git revision to build. Defaults to HEAD of the repository containing the manifest." placeholder:"REV"`
	Arg      map[string]string `help:"Build argument values." placeholder:"NAME=VALUE"`
	Output   string            `short:"o" help:"Directory for exported image archives." placeholder:"DIR"`
	Platform []string          `short:"p" help:"Target platforms (e.g. linux/amd64). Defaults to the host." placeholder:"OS/ARCH"`
	Targets  []string          `arg:"" optional:"" help:"Targets to build. Defaults to every target in the manifest."`
}

// Executes the build command.
//
// The manifest is loaded and validated, the revision is resolved against
// the repository containing the manifest, and the pipeline is executed
// against containerd. When no revision is given and the manifest does not
// live inside a git repository, the command fails before any stage runs:
// building an unpinned checkout would produce images whose tags describe
// nothing.
func (c *BuildCmd) Run(ctx context.Context) error {
	p, err := manifest.Load(c.Manifest)
	if err != nil {
		return err
	}

	dir := filepath.Dir(c.Manifest)

	rev, err := revision.ResolveRef(dir, c.Revision)
	if err != nil {
		return err
	}

	output := c.Output
	if output == "" {
		output = paths.OutputRoot()
	}

	rt, err := runtime.New(RootCmd.Address, RootCmd.Namespace)
	if err != nil {
		return err
	}
	defer rt.Close()

	result, err := build.Run(ctx, rt, build.Options{
		Pipeline:  p,
		Targets:   c.Targets,
		Revision:  rev,
		Args:      c.Arg,
		Output:    output,
		Root:      dir,
		Platforms: c.Platform,
	})
	if err != nil {
		return err
	}

	slog.Info("build complete",
		"revision", revision.Short(rev),
		"output", result.Output,
		"tags", result.Tags,
	)
	return nil
}
