package manifest

import (
	"fmt"
	"maps"
	"os"
	"slices"
)

// Substitutes build arguments into the pipeline.
//
// Run commands and environment values (step and image) may reference
// declared arguments as $NAME or ${NAME}. Every declared argument must
// have a value and every referenced name must be declared: a builder stage
// checking out ${GIT_SHA} with the argument unset would silently build
// whatever the default branch points at, which is exactly the
// nondeterminism pinned revisions exist to prevent. The receiver is not
// modified; a deep copy with substitutions applied is returned.
func (p *Pipeline) ExpandArgs(values map[string]string) (*Pipeline, error) {
	declared := slices.Clone(p.Args)
	if !slices.Contains(declared, RevisionArg) {
		declared = append(declared, RevisionArg)
	}

	for _, name := range declared {
		if _, ok := values[name]; !ok {
			return nil, fmt.Errorf("%w: argument %s has no value", ErrManifest, name)
		}
	}

	sub := func(s string, where string) (string, error) {
		var expandErr error
		expanded := os.Expand(s, func(name string) string {
			if !slices.Contains(declared, name) {
				if expandErr == nil {
					expandErr = fmt.Errorf("%w: %s references undeclared argument %s", ErrManifest, where, name)
				}
				return ""
			}
			return values[name]
		})
		return expanded, expandErr
	}

	out := &Pipeline{
		Args:   slices.Clone(p.Args),
		Stages: make([]Stage, 0, len(p.Stages)),
	}

	for _, s := range p.Stages {
		expanded := Stage{
			Name:   s.Name,
			From:   s.From,
			Caches: slices.Clone(s.Caches),
		}

		steps, err := expandSteps(s.Steps, s.Name, sub)
		if err != nil {
			return nil, err
		}
		expanded.Steps = steps

		if s.Image != nil {
			img := *s.Image
			img.Entrypoint = slices.Clone(s.Image.Entrypoint)
			img.Cmd = slices.Clone(s.Image.Cmd)
			img.Expose = slices.Clone(s.Image.Expose)
			img.Env = make(map[string]string, len(s.Image.Env))
			for k, v := range s.Image.Env {
				ev, err := sub(v, fmt.Sprintf("target %q env %s", s.Name, k))
				if err != nil {
					return nil, err
				}
				img.Env[k] = ev
			}
			expanded.Image = &img
		}

		out.Stages = append(out.Stages, expanded)
	}

	return out, nil
}

// Expands a step list, recursing into grouped steps.
func expandSteps(steps []Step, stage string, sub func(string, string) (string, error)) ([]Step, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	out := make([]Step, 0, len(steps))
	for i, step := range steps {
		where := fmt.Sprintf("stage %q step %d", stage, i+1)

		expanded := step
		expanded.Env = maps.Clone(step.Env)

		if step.Run != "" {
			run, err := sub(step.Run, where)
			if err != nil {
				return nil, err
			}
			expanded.Run = run
		}
		for k, v := range step.Env {
			ev, err := sub(v, where)
			if err != nil {
				return nil, err
			}
			expanded.Env[k] = ev
		}

		nested, err := expandSteps(step.Steps, stage, sub)
		if err != nil {
			return nil, err
		}
		expanded.Steps = nested

		out = append(out, expanded)
	}
	return out, nil
}
