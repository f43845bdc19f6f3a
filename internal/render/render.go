package render

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/moby/buildkit/frontend/dockerfile/parser"

	"github.com/chainkiln/kiln/internal/manifest"
)

var ErrRender = errors.New("render failed")

// Produces a Dockerfile equivalent of the pipeline.
//
// The output is meant for inspection and for building with external
// tooling; kiln itself executes the manifest directly. Build arguments
// become ARG instructions, stages become FROM ... AS blocks, cache mounts
// become --mount flags on the stage's RUN instructions, and target image
// metadata becomes ENV, EXPOSE, ENTRYPOINT, and CMD instructions.
//
// Persistent step modifiers map to WORKDIR, ENV, and SHELL instructions.
// Modifiers scoped to a single run step are inlined into the command,
// since a Dockerfile has no scoped equivalent. Modifiers on a step group
// apply to the remainder of the stage.
//
// When targets are given, only their transitive dependency closure is
// rendered, in build order. With no targets every stage is rendered in
// declaration order.
func Render(p *manifest.Pipeline, targets ...string) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}

	stages := p.Stages
	if len(targets) > 0 {
		plan, err := p.TargetStages(targets)
		if err != nil {
			return "", err
		}
		stages = plan
	}

	var w dockerfileWriter

	args := slices.Clone(p.Args)
	if !slices.Contains(args, manifest.RevisionArg) {
		args = append(args, manifest.RevisionArg)
	}
	for _, arg := range args {
		w.linef("ARG %s", arg)
	}

	for _, stage := range stages {
		w.blank()
		if err := renderStage(&w, stage, args); err != nil {
			return "", err
		}
	}

	return w.String(), nil
}

// Checks that a rendered Dockerfile is syntactically valid.
//
// The output of [Render] is fed through BuildKit's Dockerfile frontend
// parser, the same parser a later docker build would use.
func Verify(dockerfile string) error {
	if _, err := parser.Parse(strings.NewReader(dockerfile)); err != nil {
		return fmt.Errorf("%w: %w", ErrRender, err)
	}
	return nil
}

// Renders a single stage as a FROM block.
func renderStage(w *dockerfileWriter, stage manifest.Stage, args []string) error {
	src, err := stage.ParseFrom()
	if err != nil {
		return err
	}

	base := src.Ref
	if src.Stage != "" {
		base = src.Stage
	}
	w.linef("FROM %s AS %s", base, stage.Name)

	// ARG scope resets at each FROM; re-declare the arguments this
	// stage references.
	for _, arg := range args {
		if stageReferencesArg(stage, arg) {
			w.linef("ARG %s", arg)
		}
	}

	mounts := renderCacheMounts(stage.Caches)
	renderSteps(w, stage.Steps, mounts)

	if stage.Image != nil {
		renderImage(w, stage.Image)
	}

	return nil
}

// Renders a step list, tracking persistent modifier state.
func renderSteps(w *dockerfileWriter, steps []manifest.Step, mounts string) {
	for _, step := range steps {
		renderStep(w, step, mounts)
	}
}

// Renders a single step.
func renderStep(w *dockerfileWriter, step manifest.Step, mounts string) {
	hasOp := step.Run != "" || step.Copy != ""

	if len(step.Steps) > 0 {
		renderModifiers(w, step)
		renderSteps(w, step.Steps, mounts)
		return
	}

	if hasOp {
		renderOperation(w, step, mounts)
		return
	}

	renderModifiers(w, step)
}

// Renders persistent modifiers as WORKDIR, ENV, and SHELL instructions.
func renderModifiers(w *dockerfileWriter, step manifest.Step) {
	if step.Shell != "" {
		w.linef(`SHELL ["%s", "-c"]`, step.Shell)
	}
	if step.Workdir != "" {
		w.linef("WORKDIR %s", step.Workdir)
	}
	for _, k := range slices.Sorted(maps.Keys(step.Env)) {
		w.linef("ENV %s=%q", k, step.Env[k])
	}
}

// Renders a run or copy operation.
//
// Modifiers attached to the operation are scoped to it, which a
// Dockerfile cannot express directly: a scoped workdir becomes a leading
// cd, scoped env becomes leading variable assignments.
func renderOperation(w *dockerfileWriter, step manifest.Step, mounts string) {
	switch {
	case step.Run != "":
		cmd := step.Run
		for _, k := range slices.Sorted(maps.Keys(step.Env)) {
			cmd = fmt.Sprintf("%s=%q %s", k, step.Env[k], cmd)
		}
		if step.Workdir != "" {
			cmd = fmt.Sprintf("cd %s && %s", step.Workdir, cmd)
		}
		if mounts != "" {
			w.linef("RUN %s %s", mounts, cmd)
		} else {
			w.linef("RUN %s", cmd)
		}

	case step.Copy != "":
		src, dest, ok := strings.Cut(step.Copy, " ")
		if !ok {
			w.linef("COPY %s", step.Copy)
			return
		}
		if stage, path, isStage := manifest.SplitStageRef(src); isStage {
			w.linef("COPY --from=%s %s %s", stage, path, dest)
			return
		}
		w.linef("COPY %s %s", src, dest)
	}
}

// Renders a stage's cache declarations as RUN --mount flags.
func renderCacheMounts(caches []manifest.Cache) string {
	var flags []string
	for _, c := range caches {
		flags = append(flags, fmt.Sprintf("--mount=type=cache,id=%s,target=%s", c.Name, c.Path))
	}
	return strings.Join(flags, " ")
}

// Renders a target stage's image metadata.
func renderImage(w *dockerfileWriter, img *manifest.ImageSpec) {
	for _, k := range slices.Sorted(maps.Keys(img.Env)) {
		w.linef("ENV %s=%q", k, img.Env[k])
	}
	for _, port := range img.Expose {
		w.linef("EXPOSE %d", port)
	}
	if len(img.Entrypoint) > 0 {
		w.linef("ENTRYPOINT %s", jsonList(img.Entrypoint))
	}
	if len(img.Cmd) > 0 {
		w.linef("CMD %s", jsonList(img.Cmd))
	}
}

// Formats a command as a Dockerfile exec-form list.
func jsonList(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// Reports whether any run command or env value in the stage references the
// named argument as $NAME or ${NAME}.
func stageReferencesArg(stage manifest.Stage, name string) bool {
	return slices.ContainsFunc(collectStrings(stage.Steps), func(s string) bool {
		return strings.Contains(s, "$"+name) || strings.Contains(s, "${"+name+"}")
	})
}

// Gathers every substitutable string from a step tree.
func collectStrings(steps []manifest.Step) []string {
	var out []string
	for _, step := range steps {
		if step.Run != "" {
			out = append(out, step.Run)
		}
		for _, v := range step.Env {
			out = append(out, v)
		}
		out = append(out, collectStrings(step.Steps)...)
	}
	return out
}

// Accumulates Dockerfile lines.
type dockerfileWriter struct {
	b strings.Builder
}

func (w *dockerfileWriter) linef(format string, args ...any) {
	fmt.Fprintf(&w.b, format+"\n", args...)
}

func (w *dockerfileWriter) blank() {
	w.b.WriteByte('\n')
}

func (w *dockerfileWriter) String() string {
	return w.b.String()
}
