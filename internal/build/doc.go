// Package build orchestrates pipeline execution against container runtimes.
//
// A pipeline is an ordered sequence of named stages, each backed by a
// container created from a base image or from the committed filesystem of
// an earlier stage. The build resolves the requested targets to a stage
// plan (the transitive dependency closure of the targets, in build order),
// starts a container for each planned stage with its declared cache
// mounts, dispatches its steps (shell commands, file copies, and
// inter-stage transfers), and commits each target stage with its image
// configuration. Committed targets are exported as OCI archives to the
// output directory and tagged with the pinned revision plus a floating
// alias. Tags are recorded only once the whole build has succeeded, so an
// aborted build publishes nothing. Multi-platform builds repeat the
// pipeline per platform, writing each result to a platform-specific
// subdirectory.
//
// Container operations are delegated to the runtime package. Step state
// (environment variables, working directory, shell) is accumulated across
// steps within a stage and reset between stages.
//
// Example usage:
//
//	result, err := build.Run(ctx, rt, build.Options{
//	    Pipeline: pipeline,
//	    Targets:  []string{"runtime"},
//	    Revision: "6d1195547b1ea33c6a4cbdb68b6a2e8558149ab9",
//	    Output:   "dist",
//	    Root:     ".",
//	})
//	if err != nil {
//	    return err
//	}
package build
