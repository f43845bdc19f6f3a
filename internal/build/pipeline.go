package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/chainkiln/kiln/internal/manifest"
	"github.com/chainkiln/kiln/internal/paths"
	"github.com/chainkiln/kiln/internal/runtime"
)

// Repository prefix for intermediate stage images. Stages used as the base
// of a later stage are committed under this prefix so the dependent stage
// can start from the committed filesystem. The records double as a local
// build cache and are overwritten by the next build.
const stageImageRepo = "kiln.local/stages"

// Holds shared state for building all planned stages of a pipeline.
type pipelineBuild struct {
	rt         *runtime.Runtime     // Container runtime for image and container operations.
	plan       []manifest.Stage     // Stages to execute, in build order.
	selected   []string             // Target stages to finalize and export.
	revision   string               // Resolved source revision, used in image tags.
	output     string               // Output directory for exported archives.
	context    string               // Directory containing the manifest, root for resolving copy sources.
	platforms  []string             // Target platforms to build for.
	containers []*runtime.Container // All stage containers across all platforms, destroyed after the build completes.
	pending    []pendingTag         // Tags recorded only after the whole build has succeeded.
}

// A tag set awaiting publication.
type pendingTag struct {
	target ocispec.Descriptor
	names  []string
}

// Creates a new [pipelineBuild] from the given options and stage plan.
func newPipelineBuild(rt *runtime.Runtime, opts Options, plan []manifest.Stage, selected []string) *pipelineBuild {
	return &pipelineBuild{
		rt:        rt,
		plan:      plan,
		selected:  selected,
		revision:  opts.Revision,
		output:    opts.Output,
		context:   opts.Root,
		platforms: opts.Platforms,
	}
}

// Builds the pipeline end-to-end against the container runtime.
//
// Each target platform is built independently. Stages are built in plan
// order for each platform, and every selected target is committed and
// exported to the platform's output directory. Only once all platforms
// have succeeded are the collected tags recorded, so an aborted build
// leaves no tag behind, neither a new revision tag nor a moved alias.
// All stage containers are destroyed when the build completes.
func (b *pipelineBuild) build(ctx context.Context) (*Result, error) {
	defer b.destroyContainers(ctx)

	for _, platform := range b.platforms {
		if err := b.buildPlatform(ctx, platform); err != nil {
			return nil, err
		}
	}

	tags, err := b.recordTags(ctx)
	if err != nil {
		return nil, err
	}

	return &Result{Output: b.output, Tags: tags}, nil
}

// Builds all planned stages for a single platform.
//
// Each platform maintains its own set of named stage containers for stage
// base commits and cross-stage copy lookups. The output is written to a
// platform-specific subdirectory when building for multiple platforms.
func (b *pipelineBuild) buildPlatform(ctx context.Context, platform string) error {
	slog.Info("building platform", "platform", platform)

	output := b.platformOutput(platform)
	if err := os.MkdirAll(output, paths.DefaultDirMode); err != nil {
		return wrap(ErrFileSystemOperation, err)
	}

	stages := make(map[string]*runtime.Container)

	for i, stage := range b.plan {
		if err := b.buildStage(ctx, stage, i, platform, output, stages); err != nil {
			return wrapf(ErrBuild, "platform %s, stage %q: %w", platform, stage.Name, err)
		}
	}

	return nil
}

// Builds a single stage for a specific platform.
//
// Resolves the stage's base to an image in the store (pulling external
// bases, committing stage bases), starts a build container with the
// stage's cache mounts, and executes the stage's steps. Selected target
// stages are then committed with their image configuration and exported.
func (b *pipelineBuild) buildStage(ctx context.Context, stage manifest.Stage, index int, platform, output string, stages map[string]*runtime.Container) error {
	slog.Info(fmt.Sprintf("building stage %q", stage.Name), "platform", platform)

	ref, err := b.stageBase(ctx, stage, platform, stages)
	if err != nil {
		return err
	}

	mounts, err := b.cacheMounts(stage)
	if err != nil {
		return err
	}

	ctr, err := b.rt.StartContainer(ctx, runtime.StartOptions{
		Image:    ref,
		ID:       b.containerID(stage.Name, platform),
		Platform: platform,
		Mounts:   mounts,
	})
	if err != nil {
		return err
	}

	b.containers = append(b.containers, ctr)
	stages[stage.Name] = ctr

	if err := executeSteps(ctx, ctr, stage.Steps, newStepState(), b.context, stages); err != nil {
		return err
	}

	if stage.Image != nil && slices.Contains(b.selected, stage.Name) {
		return b.finalizeTarget(ctx, stage, ctr, index, platform, output)
	}

	return nil
}

// Resolves a stage's base to an image reference present in the store.
//
// External bases are digest-pinned references and are pulled from the
// registry. Stage bases are resolved by committing the providing stage's
// container and tagging the commit under an intermediate name. The
// providing container keeps running; between steps its only process is
// the idle task, so the snapshot is quiescent when the diff is taken.
func (b *pipelineBuild) stageBase(ctx context.Context, stage manifest.Stage, platform string, stages map[string]*runtime.Container) (string, error) {
	src, err := stage.ParseFrom()
	if err != nil {
		return "", err
	}

	if src.Ref != "" {
		return b.rt.PullImage(ctx, src.Ref, platform)
	}

	parent, ok := stages[src.Stage]
	if !ok {
		return "", wrapf(ErrBuild, "base stage %q has not been built", src.Stage)
	}

	target, err := parent.Commit(ctx, runtime.ConfigMutation{})
	if err != nil {
		return "", err
	}

	ref := fmt.Sprintf("%s/%s:%s", stageImageRepo, src.Stage, platformSlug(platform))
	if err := b.rt.Tag(ctx, target, ref); err != nil {
		return "", err
	}

	return ref, nil
}

// Commits a selected target stage and exports it to the output directory.
//
// The container is stopped first so the final filesystem state is settled,
// then committed with the stage's image configuration applied. A target
// that later planned stages still read from (as a base or a cross-stage
// copy source) is kept running, since stopping would delete the task its
// copies execute through; its snapshot is quiescent between steps like any
// stage base. The archive is written as <stage>.tar and the stage's tags
// are queued; nothing is recorded in the image store until the whole build
// has succeeded.
func (b *pipelineBuild) finalizeTarget(ctx context.Context, stage manifest.Stage, ctr *runtime.Container, index int, platform, output string) error {
	if !b.hasDependents(stage.Name, index) {
		if err := ctr.Stop(ctx); err != nil {
			return err
		}
	}

	target, err := ctr.Commit(ctx, imageMutation(stage.Image))
	if err != nil {
		return err
	}

	tags := imageTags(stage.Image, b.revision, platform, len(b.platforms) > 1)

	path := filepath.Join(output, stage.Name+".tar")
	if err := b.rt.Export(ctx, target, tags[0], path, platform); err != nil {
		return err
	}

	b.pending = append(b.pending, pendingTag{target: target, names: tags})
	return nil
}

// Reports whether any stage planned after the given position still reads
// from the named stage, either as its base or as a cross-stage copy source.
func (b *pipelineBuild) hasDependents(name string, index int) bool {
	for _, stage := range b.plan[index+1:] {
		if src, err := stage.ParseFrom(); err == nil && src.Stage == name {
			return true
		}
		if slices.Contains(copySources(stage.Steps), name) {
			return true
		}
	}
	return false
}

// Gathers the stage names referenced as copy sources in a step tree.
func copySources(steps []manifest.Step) []string {
	var out []string
	for _, step := range steps {
		if step.Copy != "" {
			if fields := strings.Fields(step.Copy); len(fields) > 0 {
				if stage, _, ok := manifest.SplitStageRef(fields[0]); ok {
					out = append(out, stage)
				}
			}
		}
		out = append(out, copySources(step.Steps)...)
	}
	return out
}

// Records all queued tags in the image store.
func (b *pipelineBuild) recordTags(ctx context.Context) ([]string, error) {
	var tags []string
	for _, p := range b.pending {
		if err := b.rt.Tag(ctx, p.target, p.names...); err != nil {
			return nil, err
		}
		tags = append(tags, p.names...)
	}
	return tags, nil
}

// Builds the bind mounts for a stage's declared caches.
//
// Each cache is backed by a host directory derived from the cache name,
// created on first use. The directory persists across invocations; a
// build must produce equivalent output when it starts empty.
func (b *pipelineBuild) cacheMounts(stage manifest.Stage) ([]specs.Mount, error) {
	var mounts []specs.Mount
	for _, c := range stage.Caches {
		hostDir, err := paths.CacheMount(c.Name)
		if err != nil {
			return nil, wrap(ErrBuild, err)
		}
		if err := os.MkdirAll(hostDir, paths.DefaultDirMode); err != nil {
			return nil, wrap(ErrFileSystemOperation, err)
		}
		mounts = append(mounts, runtime.CacheMount(hostDir, c.Path))
	}
	return mounts, nil
}

// Destroys all stage containers.
func (b *pipelineBuild) destroyContainers(ctx context.Context) {
	for _, ctr := range b.containers {
		ctr.Destroy(ctx)
	}
}

// Returns a unique container ID for a stage, scoped to this platform.
// Stage names are validated to be unique within a pipeline.
func (b *pipelineBuild) containerID(name, platform string) string {
	return fmt.Sprintf("kiln-%s-%s", platformSlug(platform), name)
}

// Returns the output directory for a specific platform.
//
// When building for a single platform, the output directory is left as-is.
// For multi-platform builds, each platform gets a subdirectory (e.g.,
// {output}/linux-amd64).
func (b *pipelineBuild) platformOutput(platform string) string {
	if len(b.platforms) == 1 {
		return b.output
	}
	return filepath.Join(b.output, platformSlug(platform))
}

// Converts a platform string to a filesystem- and tag-safe slug.
//
// Replaces slashes with dashes (e.g., "linux/amd64" becomes "linux-amd64").
func platformSlug(platform string) string {
	return strings.ReplaceAll(platform, "/", "-")
}
