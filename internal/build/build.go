package build

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"

	"github.com/chainkiln/kiln/internal/manifest"
	"github.com/chainkiln/kiln/internal/paths"
	"github.com/chainkiln/kiln/internal/runtime"
)

// Controls pipeline execution.
type Options struct {
	Pipeline  *manifest.Pipeline // Validated pipeline to execute.
	Targets   []string           // Target subset to produce. Empty builds every target.
	Revision  string             // Resolved source revision, injected as the GIT_SHA argument and used in tags.
	Args      map[string]string  // Values for the pipeline's declared build arguments.
	Output    string             // Directory for exported image archives.
	Root      string             // Directory containing the manifest, root for resolving copy sources.
	Platforms []string           // Target platforms (e.g., ["linux/amd64"]). Defaults to host.
}

// Returned after successful pipeline execution.
type Result struct {
	Output string   // Directory containing the exported image archives.
	Tags   []string // Image tags recorded in the containerd store.
}

// Executes a pipeline against the container runtime.
//
// Build arguments (including the pinned revision) are substituted first,
// then the requested targets are resolved to an ordered stage plan: the
// transitive dependency closure of the selected targets, in build order.
// Each planned stage starts a container from its base, executes its steps,
// and target stages are committed with their image configuration and
// exported to the output directory. Tags are recorded only after every
// target on every platform has been committed and exported, so a failed
// build publishes nothing.
func Run(ctx context.Context, rt *runtime.Runtime, opts Options) (*Result, error) {
	if opts.Revision == "" {
		return nil, wrapf(ErrBuild, "no revision")
	}
	if len(opts.Platforms) == 0 {
		opts.Platforms = []string{runtime.DefaultPlatform()}
	}

	values := make(map[string]string, len(opts.Args)+1)
	maps.Copy(values, opts.Args)
	values[manifest.RevisionArg] = opts.Revision

	pipeline, err := opts.Pipeline.ExpandArgs(values)
	if err != nil {
		return nil, err
	}

	plan, err := pipeline.TargetStages(opts.Targets)
	if err != nil {
		return nil, err
	}

	selected := opts.Targets
	if len(selected) == 0 {
		selected = pipeline.Targets()
	}

	slog.Info("executing pipeline",
		"revision", opts.Revision,
		"targets", selected,
		"stages", len(plan),
		"output", opts.Output,
		"platforms", opts.Platforms,
	)

	if err := os.MkdirAll(opts.Output, paths.DefaultDirMode); err != nil {
		return nil, wrap(ErrFileSystemOperation, err)
	}

	return newPipelineBuild(rt, opts, plan, selected).build(ctx)
}

// Converts a target stage's image metadata to the configuration applied at
// commit time. Environment entries are emitted in sorted key order so the
// committed config is identical across invocations.
func imageMutation(img *manifest.ImageSpec) runtime.ConfigMutation {
	m := runtime.ConfigMutation{
		Entrypoint: img.Entrypoint,
		Cmd:        img.Cmd,
	}
	for _, k := range slices.Sorted(maps.Keys(img.Env)) {
		m.Env = append(m.Env, k+"="+img.Env[k])
	}
	for _, port := range img.Expose {
		m.ExposedPorts = append(m.ExposedPorts, fmt.Sprintf("%d/tcp", port))
	}
	return m
}

// Returns the tags recorded for a target image: one pinned to the revision
// and one floating alias that follows the most recent successful build.
// Multi-platform builds suffix each tag with the platform slug to keep the
// per-platform images distinguishable.
func imageTags(img *manifest.ImageSpec, revision, platform string, multi bool) []string {
	suffix := ""
	if multi {
		suffix = "-" + platformSlug(platform)
	}
	return []string{
		fmt.Sprintf("%s:%s-%s%s", img.Repository, img.Kind, revision, suffix),
		fmt.Sprintf("%s:%s-latest%s", img.Repository, img.Kind, suffix),
	}
}
