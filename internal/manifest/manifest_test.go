package manifest

import (
	"errors"
	"slices"
	"strings"
	"testing"
)

const pinnedBase = "docker.io/library/debian:bullseye-slim@sha256:5a9bd693d054f0ef6b941563f129fcbfb1b9a4bf26db23cfa6696891c2e9d5cf"

// A minimal three-stage pipeline mirroring the toolchain/builder/runtime
// chain most manifests take.
func testPipeline() string {
	return `
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
      expose: [8000]
`
}

func TestParseValidPipeline(t *testing.T) {
	p, err := Parse([]byte(testPipeline()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Stages) != 3 {
		t.Fatalf("len(stages) = %d, want 3", len(p.Stages))
	}
	if got := p.Targets(); !slices.Equal(got, []string{"runtime"}) {
		t.Fatalf("Targets = %v, want [runtime]", got)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	in := strings.Replace(testPipeline(), "caches:", "cachez:", 1)
	if _, err := Parse([]byte(in)); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseFrom(t *testing.T) {
	tests := []struct {
		name      string
		from      string
		wantStage string
		wantRef   string
		wantErr   bool
	}{
		{name: "stage base", from: "stage:toolchain", wantStage: "toolchain"},
		{name: "pinned image", from: pinnedBase, wantRef: pinnedBase},
		{name: "mutable tag rejected", from: "docker.io/library/debian:bullseye-slim", wantErr: true},
		{name: "bare name rejected", from: "debian", wantErr: true},
		{name: "empty", from: "", wantErr: true},
		{name: "empty stage name", from: "stage: ", wantErr: true},
		{name: "garbage reference", from: ":::", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Stage{Name: "x", From: tt.from}
			src, err := s.ParseFrom()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseFrom(%q) succeeded, want error", tt.from)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if src.Stage != tt.wantStage || src.Ref != tt.wantRef {
				t.Fatalf("ParseFrom(%q) = %+v", tt.from, src)
			}
		})
	}
}

func TestSplitStageRef(t *testing.T) {
	tests := []struct {
		src       string
		wantStage string
		wantPath  string
		wantOK    bool
	}{
		{src: "builder:/out/node", wantStage: "builder", wantPath: "/out/node", wantOK: true},
		{src: "builder:relative/path", wantStage: "builder", wantPath: "relative/path", wantOK: true},
		{src: "/abs/path", wantOK: false},
		{src: "/foo:bar", wantOK: false},
		{src: ":nothing", wantOK: false},
		{src: "plainfile.txt", wantOK: false},
	}

	for _, tt := range tests {
		stage, path, ok := SplitStageRef(tt.src)
		if ok != tt.wantOK || stage != tt.wantStage || path != tt.wantPath {
			t.Errorf("SplitStageRef(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.src, stage, path, ok, tt.wantStage, tt.wantPath, tt.wantOK)
		}
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(string) string
	}{
		{
			name:   "unknown stage base",
			mutate: func(s string) string { return strings.Replace(s, "stage:toolchain", "stage:missing", 1) },
		},
		{
			name:   "self base",
			mutate: func(s string) string { return strings.Replace(s, "stage:toolchain", "stage:builder", 1) },
		},
		{
			name:   "unknown copy stage",
			mutate: func(s string) string { return strings.Replace(s, "builder:/out/node", "ghost:/out/node", 1) },
		},
		{
			name:   "duplicate stage name",
			mutate: func(s string) string { return strings.Replace(s, "name: runtime", "name: builder", 1) },
		},
		{
			name:   "relative cache path",
			mutate: func(s string) string { return strings.Replace(s, "/usr/local/cargo/registry", "registry", 1) },
		},
		{
			name:   "invalid port",
			mutate: func(s string) string { return strings.Replace(s, "expose: [8000]", "expose: [0]", 1) },
		},
		{
			name:   "missing repository",
			mutate: func(s string) string { return strings.Replace(s, "repository: ghcr.io/chainkiln/ledger", "repository: \"\"", 1) },
		},
		{
			name:   "invalid arg name",
			mutate: func(s string) string { return strings.Replace(s, "- GIT_SHA", "- 1GIT-SHA", 1) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.mutate(testPipeline())))
			if !errors.Is(err, ErrManifest) {
				t.Fatalf("err = %v, want ErrManifest", err)
			}
		})
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	in := `
stages:
  - name: a
    from: stage:b
  - name: b
    from: stage:a
`
	if _, err := Parse([]byte(in)); !errors.Is(err, ErrManifest) {
		t.Fatalf("err = %v, want ErrManifest for cycle", err)
	}
}

func TestBuildOrder(t *testing.T) {
	p, err := Parse([]byte(testPipeline()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	order, err := p.BuildOrder()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(order, []string{"toolchain", "runtime", "builder"}) &&
		!slices.Equal(order, []string{"toolchain", "builder", "runtime"}) {
		t.Fatalf("order = %v", order)
	}
	// builder precedes runtime in every valid order: runtime copies from it.
	if slices.Index(order, "builder") > slices.Index(order, "runtime") {
		t.Fatalf("builder ordered after runtime: %v", order)
	}
}

func TestTargetStages(t *testing.T) {
	p, err := Parse([]byte(testPipeline()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	plan, err := p.TargetStages(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var names []string
	for _, s := range plan {
		names = append(names, s.Name)
	}
	if !slices.Equal(names, []string{"toolchain", "builder", "runtime"}) {
		t.Fatalf("plan = %v", names)
	}

	if _, err := p.TargetStages([]string{"builder"}); !errors.Is(err, ErrTarget) {
		t.Fatalf("selecting a non-target stage: err = %v, want ErrTarget", err)
	}
	if _, err := p.TargetStages([]string{"nope"}); !errors.Is(err, ErrTarget) {
		t.Fatalf("unknown target: err = %v, want ErrTarget", err)
	}
}

func TestTargetStagesPrunesUnrelated(t *testing.T) {
	in := testPipeline() + `
  - name: sidecar
    from: ` + pinnedBase + `
    image:
      repository: ghcr.io/chainkiln/sidecar
      kind: probe
`
	p, err := Parse([]byte(in))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	plan, err := p.TargetStages([]string{"runtime"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, s := range plan {
		if s.Name == "sidecar" {
			t.Fatal("plan includes unrelated stage sidecar")
		}
	}
}

func TestExpandArgs(t *testing.T) {
	p, err := Parse([]byte(testPipeline()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expanded, err := p.ExpandArgs(map[string]string{"GIT_SHA": "abc123"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	builder, ok := expanded.Stage("builder")
	if !ok {
		t.Fatal("builder stage missing after expansion")
	}
	found := false
	for _, step := range builder.Steps {
		if step.Run == "git reset --hard abc123" {
			found = true
		}
		if strings.Contains(step.Run, "$GIT_SHA") {
			t.Fatalf("unexpanded reference in %q", step.Run)
		}
	}
	if !found {
		t.Fatal("expanded reset step not found")
	}

	// The original pipeline is untouched.
	orig, _ := p.Stage("builder")
	if !strings.Contains(orig.Steps[1].Run, "$GIT_SHA") {
		t.Fatal("ExpandArgs mutated the receiver")
	}
}

func TestExpandArgsSameRevisionDeterministic(t *testing.T) {
	p, err := Parse([]byte(testPipeline()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a, err := p.ExpandArgs(map[string]string{"GIT_SHA": "abc123"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := p.ExpandArgs(map[string]string{"GIT_SHA": "abc123"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sa, _ := a.Stage("builder")
	sb, _ := b.Stage("builder")
	for i := range sa.Steps {
		if sa.Steps[i].Run != sb.Steps[i].Run {
			t.Fatalf("step %d differs between identical expansions", i+1)
		}
	}
}

func TestExpandArgsMissingValue(t *testing.T) {
	p, err := Parse([]byte(testPipeline()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := p.ExpandArgs(nil); !errors.Is(err, ErrManifest) {
		t.Fatalf("err = %v, want ErrManifest for unset GIT_SHA", err)
	}
}

func TestExpandArgsUndeclaredReference(t *testing.T) {
	in := strings.Replace(testPipeline(), "$GIT_SHA", "$MYSTERY", 1)
	p, err := Parse([]byte(in))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := p.ExpandArgs(map[string]string{"GIT_SHA": "abc123"}); !errors.Is(err, ErrManifest) {
		t.Fatalf("err = %v, want ErrManifest for undeclared reference", err)
	}
}

// Cache mountpoints exist for the whole life of a stage container, created
// before any step runs. A cache mounted under a stage's working directory
// leaves it non-empty, which breaks cloning into it. The shipped pipeline
// must keep every cache clear of its stage's working directories.
func TestReferenceManifestCachesOutsideWorkdirs(t *testing.T) {
	p, err := Load("../../kiln.yaml")
	if err != nil {
		t.Fatalf("loading reference manifest: %v", err)
	}

	for _, s := range p.Stages {
		for _, wd := range stepWorkdirs(s.Steps) {
			for _, c := range s.Caches {
				if c.Path == wd || strings.HasPrefix(c.Path, wd+"/") {
					t.Errorf("stage %q cache %q mounted at %q inside workdir %q", s.Name, c.Name, c.Path, wd)
				}
			}
		}
	}
}

func stepWorkdirs(steps []Step) []string {
	var out []string
	for _, step := range steps {
		if step.Workdir != "" {
			out = append(out, step.Workdir)
		}
		out = append(out, stepWorkdirs(step.Steps)...)
	}
	return out
}
