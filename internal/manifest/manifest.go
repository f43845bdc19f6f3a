package manifest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/distribution/reference"
)

var (
	ErrManifest = errors.New("invalid manifest")
	ErrTarget   = errors.New("unknown target")
)

// Prefix marking a base image or copy source as a reference to another stage.
const stageRefPrefix = "stage:"

// The build argument carrying the pinned source revision. It is injected by
// the caller on every build and does not need to be declared.
const RevisionArg = "GIT_SHA"

// A complete pipeline description.
type Pipeline struct {
	Args   []string `yaml:"args,omitempty"`   // Build arguments the stages may reference.
	Stages []Stage  `yaml:"stages"`           // Stages in declaration order.
}

// One stage of the pipeline.
type Stage struct {
	Name   string     `yaml:"name"`             // Unique stage name.
	From   string     `yaml:"from"`             // Digest-pinned image reference, or "stage:<name>".
	Steps  []Step     `yaml:"steps,omitempty"`  // Steps executed in order inside the stage container.
	Caches []Cache    `yaml:"caches,omitempty"` // Persistent cache mounts attached to this stage only.
	Image  *ImageSpec `yaml:"image,omitempty"`  // Present when the stage is a buildable target.
}

// One step of a stage.
//
// A step either performs an operation (run or copy), persists modifiers
// (shell, workdir, env), or groups nested steps under shared modifiers.
type Step struct {
	Run     string            `yaml:"run,omitempty"`     // Shell command to execute.
	Copy    string            `yaml:"copy,omitempty"`    // "src dest" host copy or "stage:src dest" cross-stage copy.
	Shell   string            `yaml:"shell,omitempty"`   // Shell override.
	Workdir string            `yaml:"workdir,omitempty"` // Working directory override.
	Env     map[string]string `yaml:"env,omitempty"`     // Environment variable overrides.
	Steps   []Step            `yaml:"steps,omitempty"`   // Nested steps sharing this step's modifiers.
}

// A persistent cache mount.
//
// The host directory backing the cache survives across invocations purely
// as a performance optimization; the build must produce equivalent output
// with an empty cache.
type Cache struct {
	Name string `yaml:"name"` // Host-side cache identity, shared across invocations.
	Path string `yaml:"path"` // Absolute mount path inside the stage container.
}

// Image metadata applied to a target stage's committed filesystem.
type ImageSpec struct {
	Repository string            `yaml:"repository"`           // Image repository (e.g. "ghcr.io/chainkiln/node").
	Kind       string            `yaml:"kind"`                 // Variant label used in tags (<kind>-<revision>, <kind>-latest).
	Entrypoint []string          `yaml:"entrypoint,omitempty"` // OCI entrypoint.
	Cmd        []string          `yaml:"cmd,omitempty"`        // Default command.
	Env        map[string]string `yaml:"env,omitempty"`        // Environment appended to the image config.
	Expose     []int             `yaml:"expose,omitempty"`     // Ports documented as intended-for-use.
}

// The resolved base of a stage.
type Source struct {
	Stage string // Name of the providing stage, when the base is a stage.
	Ref   string // Normalized image reference otherwise.
}

// Parses the stage's from field.
//
// A "stage:<name>" value resolves to a stage base. Anything else must be a
// valid image reference pinned by digest: mutable tags would make the
// runtime foundation drift between invocations.
func (s *Stage) ParseFrom() (Source, error) {
	from := strings.TrimSpace(s.From)
	if from == "" {
		return Source{}, fmt.Errorf("%w: stage %q has no base", ErrManifest, s.Name)
	}

	if name, ok := strings.CutPrefix(from, stageRefPrefix); ok {
		name = strings.TrimSpace(name)
		if name == "" {
			return Source{}, fmt.Errorf("%w: stage %q has an empty stage base", ErrManifest, s.Name)
		}
		return Source{Stage: name}, nil
	}

	named, err := reference.ParseNamed(from)
	if err != nil {
		return Source{}, fmt.Errorf("%w: stage %q base %q: %v", ErrManifest, s.Name, from, err)
	}
	if _, ok := named.(reference.Canonical); !ok {
		return Source{}, fmt.Errorf("%w: stage %q base %q is not digest-pinned", ErrManifest, s.Name, from)
	}

	return Source{Ref: named.String()}, nil
}

// Splits a copy source of the form "<stage>:<path>".
//
// Returns the stage name, the path within the stage, and true when the
// source uses the cross-stage form. Host paths return false; a colon after
// a path separator is not a stage prefix (e.g. "/foo:bar").
func SplitStageRef(src string) (stage, path string, ok bool) {
	i := strings.IndexByte(src, ':')
	if i < 1 {
		return "", "", false
	}
	if strings.ContainsRune(src[:i], '/') {
		return "", "", false
	}
	return src[:i], src[i+1:], true
}

// Returns the names of all buildable targets in declaration order.
func (p *Pipeline) Targets() []string {
	var names []string
	for _, s := range p.Stages {
		if s.Image != nil {
			names = append(names, s.Name)
		}
	}
	return names
}

// Looks up a stage by name.
func (p *Pipeline) Stage(name string) (Stage, bool) {
	for _, s := range p.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}
