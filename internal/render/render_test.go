package render

import (
	"strings"
	"testing"

	"github.com/chainkiln/kiln/internal/manifest"
)

const pinnedBase = "docker.io/library/debian:bullseye-slim@sha256:5a9bd693d054f0ef6b941563f129fcbfb1b9a4bf26db23cfa6696891c2e9d5cf"

func testPipeline(t *testing.T) *manifest.Pipeline {
	t.Helper()
	p, err := manifest.Parse([]byte(`
args:
  - GIT_SHA
stages:
  - name: toolchain
    from: ` + pinnedBase + `
    steps:
      - run: apt-get update
  - name: builder
    from: stage:toolchain
    caches:
      - name: cargo-registry
        path: /usr/local/cargo/registry
    steps:
      - workdir: /build
      - run: git reset --hard $GIT_SHA
      - run: mkdir -p /out
  - name: runtime
    from: ` + pinnedBase + `
    steps:
      - copy: builder:/out/node /usr/local/bin/node
    image:
      repository: ghcr.io/chainkiln/ledger
      kind: indexer
      cmd: ["/usr/local/bin/node"]
      env:
        RUST_BACKTRACE: "1"
      expose: [8000, 6180]
`))
	if err != nil {
		t.Fatalf("parsing fixture: %v", err)
	}
	return p
}

func TestRender(t *testing.T) {
	out, err := Render(testPipeline(t))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	for _, want := range []string{
		"ARG GIT_SHA",
		"FROM " + pinnedBase + " AS toolchain",
		"FROM toolchain AS builder",
		"WORKDIR /build",
		"RUN --mount=type=cache,id=cargo-registry,target=/usr/local/cargo/registry git reset --hard $GIT_SHA",
		"FROM " + pinnedBase + " AS runtime",
		"COPY --from=builder /out/node /usr/local/bin/node",
		`ENV RUST_BACKTRACE="1"`,
		"EXPOSE 8000",
		"EXPOSE 6180",
		`CMD ["/usr/local/bin/node"]`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered Dockerfile missing %q:\n%s", want, out)
		}
	}
}

func TestRenderRedeclaresArgsPerStage(t *testing.T) {
	out, err := Render(testPipeline(t))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	// The builder stage references $GIT_SHA, so ARG must appear again
	// after its FROM (ARG scope resets at each FROM).
	builder := out[strings.Index(out, "AS builder"):]
	builder = builder[:strings.Index(builder, "FROM ")]
	if !strings.Contains(builder, "ARG GIT_SHA") {
		t.Fatalf("builder stage missing ARG re-declaration:\n%s", out)
	}
}

func TestRenderTargetClosure(t *testing.T) {
	p, err := manifest.Parse([]byte(`
stages:
  - name: base
    from: ` + pinnedBase + `
  - name: unrelated
    from: ` + pinnedBase + `
    image:
      repository: ghcr.io/chainkiln/other
      kind: tool
  - name: app
    from: stage:base
    image:
      repository: ghcr.io/chainkiln/ledger
      kind: node
`))
	if err != nil {
		t.Fatal(err)
	}

	out, err := Render(p, "app")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	if !strings.Contains(out, "AS base") || !strings.Contains(out, "AS app") {
		t.Fatalf("missing closure stages:\n%s", out)
	}
	if strings.Contains(out, "AS unrelated") {
		t.Fatalf("unrelated stage rendered:\n%s", out)
	}
}

func TestRenderUnknownTarget(t *testing.T) {
	if _, err := Render(testPipeline(t), "nope"); err == nil {
		t.Fatal("expected error for unknown target")
	}
}

func TestRenderDeterministic(t *testing.T) {
	a, err := Render(testPipeline(t))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Render(testPipeline(t))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("rendering the same pipeline twice produced different output")
	}
}

func TestRenderedOutputParses(t *testing.T) {
	out, err := Render(testPipeline(t))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if err := Verify(out); err != nil {
		t.Fatalf("Verify: %v\n%s", err, out)
	}
}

func TestRenderReferenceManifest(t *testing.T) {
	p, err := manifest.Load("../../kiln.yaml")
	if err != nil {
		t.Fatalf("loading reference manifest: %v", err)
	}

	out, err := Render(p)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if err := Verify(out); err != nil {
		t.Fatalf("Verify: %v\n%s", err, out)
	}

	for _, want := range []string{
		"FROM toolchain AS builder",
		"COPY --from=builder /out/ledger-node /usr/local/bin/ledger-node",
		"EXPOSE 9101",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered Dockerfile missing %q", want)
		}
	}
}

func TestVerifyRejectsBadEscapeDirective(t *testing.T) {
	if err := Verify("# escape=x\nFROM scratch\n"); err == nil {
		t.Fatal("expected parse error")
	}
}
