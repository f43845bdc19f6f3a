// Package render converts pipeline manifests to Dockerfiles.
//
// The rendered Dockerfile is a best-effort translation for inspection and
// for building with external tooling; kiln executes manifests directly
// and never goes through this representation. Rendered output is checked
// against BuildKit's Dockerfile parser.
package render
