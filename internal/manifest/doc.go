// Package manifest defines the declarative pipeline description consumed
// by the build pipeline.
//
// A pipeline is a set of named stages. Each stage starts from a base image
// or from another stage, runs a sequence of steps (shell commands, file
// copies, and modifier steps carrying shell/workdir/env state), and may
// attach persistent cache mounts. Stages carrying an image section are
// buildable targets: their committed filesystem becomes a tagged OCI image
// with the section's entrypoint, environment, and exposed ports.
//
// External base images must be pinned by content digest so that a pipeline
// run is reproducible independent of a tag's moving tip. Stage references
// (the "stage:" prefix in from and copy sources) form the dependency graph;
// loading rejects unknown references and cycles, and produces a
// deterministic build order.
//
// Build arguments declared in the manifest are expanded into run commands
// and environment values before execution. The revision argument GIT_SHA is
// always supplied by the caller, so the manifest can pin its source
// checkout to the exact commit the resulting image is tagged with.
package manifest
