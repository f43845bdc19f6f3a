package build

import (
	"slices"
	"testing"

	"github.com/chainkiln/kiln/internal/manifest"
)

func TestImageMutation(t *testing.T) {
	img := &manifest.ImageSpec{
		Repository: "ghcr.io/chainkiln/ledger",
		Kind:       "indexer",
		Cmd:        []string{"/usr/local/bin/ledger-node"},
		Env:        map[string]string{"RUST_BACKTRACE": "1", "A": "2"},
		Expose:     []int{8000, 6180, 9101, 6186},
	}

	m := imageMutation(img)

	if !slices.Equal(m.Cmd, []string{"/usr/local/bin/ledger-node"}) {
		t.Fatalf("cmd = %v", m.Cmd)
	}
	// Env entries come out in key order.
	if !slices.Equal(m.Env, []string{"A=2", "RUST_BACKTRACE=1"}) {
		t.Fatalf("env = %v", m.Env)
	}
	want := []string{"8000/tcp", "6180/tcp", "9101/tcp", "6186/tcp"}
	if !slices.Equal(m.ExposedPorts, want) {
		t.Fatalf("exposed ports = %v, want %v", m.ExposedPorts, want)
	}
}

func TestImageTags(t *testing.T) {
	img := &manifest.ImageSpec{Repository: "ghcr.io/chainkiln/ledger", Kind: "indexer"}
	rev := "6d1195547b1ea33c6a4cbdb68b6a2e8558149ab9"

	tags := imageTags(img, rev, "linux/amd64", false)
	want := []string{
		"ghcr.io/chainkiln/ledger:indexer-" + rev,
		"ghcr.io/chainkiln/ledger:indexer-latest",
	}
	if !slices.Equal(tags, want) {
		t.Fatalf("tags = %v, want %v", tags, want)
	}
}

func TestImageTagsMultiPlatform(t *testing.T) {
	img := &manifest.ImageSpec{Repository: "ghcr.io/chainkiln/ledger", Kind: "node"}

	tags := imageTags(img, "abc123", "linux/arm64", true)
	want := []string{
		"ghcr.io/chainkiln/ledger:node-abc123-linux-arm64",
		"ghcr.io/chainkiln/ledger:node-latest-linux-arm64",
	}
	if !slices.Equal(tags, want) {
		t.Fatalf("tags = %v, want %v", tags, want)
	}
}

func TestHasDependents(t *testing.T) {
	b := &pipelineBuild{plan: []manifest.Stage{
		{Name: "toolchain"},
		{Name: "builder", From: "stage:toolchain", Image: &manifest.ImageSpec{Repository: "r", Kind: "tools"}},
		{Name: "runtime", Steps: []manifest.Step{
			{Steps: []manifest.Step{
				{Copy: "builder:/out/node /usr/local/bin/node"},
			}},
		}},
	}}

	// builder is a target, but runtime still copies from it: its container
	// must stay running when builder is finalized.
	if !b.hasDependents("builder", 1) {
		t.Fatal("builder has a downstream copy consumer, hasDependents = false")
	}
	if !b.hasDependents("toolchain", 0) {
		t.Fatal("toolchain is builder's base, hasDependents = false")
	}
	if b.hasDependents("runtime", 2) {
		t.Fatal("nothing depends on the last stage, hasDependents = true")
	}

	// Only stages after the given position count.
	if b.hasDependents("builder", 2) {
		t.Fatal("dependents before the position counted")
	}
}

func TestCopySources(t *testing.T) {
	steps := []manifest.Step{
		{Copy: "builder:/out/a /usr/local/bin/a"},
		{Copy: "config.yaml /etc/config.yaml"},
		{Steps: []manifest.Step{
			{Copy: "toolchain:/usr/bin/tool /usr/bin/tool"},
		}},
	}

	got := copySources(steps)
	if !slices.Equal(got, []string{"builder", "toolchain"}) {
		t.Fatalf("copySources = %v, want [builder toolchain]", got)
	}
}

func TestPlatformSlug(t *testing.T) {
	if got := platformSlug("linux/amd64"); got != "linux-amd64" {
		t.Fatalf("platformSlug(linux/amd64) = %q", got)
	}
	if got := platformSlug("linux/arm/v7"); got != "linux-arm-v7" {
		t.Fatalf("platformSlug(linux/arm/v7) = %q", got)
	}
}

func TestContainerID(t *testing.T) {
	b := &pipelineBuild{}
	if got := b.containerID("builder", "linux/amd64"); got != "kiln-linux-amd64-builder" {
		t.Fatalf("containerID = %q", got)
	}
}

func TestPlatformOutput(t *testing.T) {
	single := &pipelineBuild{output: "dist", platforms: []string{"linux/amd64"}}
	if got := single.platformOutput("linux/amd64"); got != "dist" {
		t.Fatalf("single-platform output = %q, want dist", got)
	}

	multi := &pipelineBuild{output: "dist", platforms: []string{"linux/amd64", "linux/arm64"}}
	if got := multi.platformOutput("linux/arm64"); got != "dist/linux-arm64" {
		t.Fatalf("multi-platform output = %q, want dist/linux-arm64", got)
	}
}
