package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/chainkiln/kiln/internal/manifest"
	"github.com/chainkiln/kiln/internal/paths"
	"github.com/chainkiln/kiln/internal/render"
)

// Represents the 'kiln render' command.
type RenderCmd struct {
	Manifest string   `short:"f" default:"kiln.yaml" help:"Path to the pipeline manifest." placeholder:"PATH"`
	Output   string   `short:"o" help:"Write the Dockerfile to a file instead of stdout." placeholder:"PATH"`
	Targets  []string `arg:"" optional:"" help:"Targets to render. Defaults to every stage."`
}

// Executes the render command.
//
// Loads the manifest, renders it as a Dockerfile, and checks the result
// against BuildKit's Dockerfile parser before writing it out.
func (c *RenderCmd) Run(ctx context.Context) error {
	p, err := manifest.Load(c.Manifest)
	if err != nil {
		return err
	}

	out, err := render.Render(p, c.Targets...)
	if err != nil {
		return err
	}

	if err := render.Verify(out); err != nil {
		return err
	}

	if c.Output == "" {
		fmt.Print(out)
		return nil
	}

	return os.WriteFile(c.Output, []byte(out), paths.DefaultFileMode)
}
