package manifest

import (
	"fmt"
	"slices"
	"strings"

	"github.com/chainkiln/kiln/internal/dag"
)

// Validates the pipeline's structure.
//
// Checks stage naming and bases, step shapes, cache declarations, image
// sections, and argument names, then builds the stage graph to reject
// unknown stage references and cycles.
func (p *Pipeline) Validate() error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("%w: no stages", ErrManifest)
	}

	seen := make(map[string]bool, len(p.Stages))
	for _, s := range p.Stages {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("%w: unnamed stage", ErrManifest)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: duplicate stage %q", ErrManifest, s.Name)
		}
		seen[s.Name] = true
	}

	for _, arg := range p.Args {
		if !validArgName(arg) {
			return fmt.Errorf("%w: invalid argument name %q", ErrManifest, arg)
		}
	}

	for _, s := range p.Stages {
		if err := p.validateStage(s, seen); err != nil {
			return err
		}
	}

	_, err := p.BuildOrder()
	return err
}

// Validates a single stage against the set of declared stage names.
func (p *Pipeline) validateStage(s Stage, stages map[string]bool) error {
	src, err := s.ParseFrom()
	if err != nil {
		return err
	}
	if src.Stage != "" {
		if src.Stage == s.Name {
			return fmt.Errorf("%w: stage %q uses itself as base", ErrManifest, s.Name)
		}
		if !stages[src.Stage] {
			return fmt.Errorf("%w: stage %q bases on unknown stage %q", ErrManifest, s.Name, src.Stage)
		}
	}

	if err := validateSteps(s.Name, s.Steps, stages); err != nil {
		return err
	}

	cacheNames := make(map[string]bool, len(s.Caches))
	for _, c := range s.Caches {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("%w: stage %q has an unnamed cache", ErrManifest, s.Name)
		}
		if cacheNames[c.Name] {
			return fmt.Errorf("%w: stage %q declares cache %q twice", ErrManifest, s.Name, c.Name)
		}
		cacheNames[c.Name] = true
		if !strings.HasPrefix(c.Path, "/") {
			return fmt.Errorf("%w: stage %q cache %q path %q is not absolute", ErrManifest, s.Name, c.Name, c.Path)
		}
	}

	if s.Image != nil {
		if err := validateImage(s.Name, s.Image); err != nil {
			return err
		}
	}
	return nil
}

// Validates a step list, recursing into grouped steps.
func validateSteps(stage string, steps []Step, stages map[string]bool) error {
	for i, step := range steps {
		if step.Run != "" && step.Copy != "" {
			return fmt.Errorf("%w: stage %q step %d has both run and copy", ErrManifest, stage, i+1)
		}
		if len(step.Steps) > 0 && (step.Run != "" || step.Copy != "") {
			return fmt.Errorf("%w: stage %q step %d mixes an operation with nested steps", ErrManifest, stage, i+1)
		}
		if step.Copy != "" {
			if from, _, ok := SplitStageRef(copySource(step.Copy)); ok && !stages[from] {
				return fmt.Errorf("%w: stage %q copies from unknown stage %q", ErrManifest, stage, from)
			}
		}
		if err := validateSteps(stage, step.Steps, stages); err != nil {
			return err
		}
	}
	return nil
}

// Validates a target stage's image section.
func validateImage(stage string, img *ImageSpec) error {
	if strings.TrimSpace(img.Repository) == "" {
		return fmt.Errorf("%w: target %q has no repository", ErrManifest, stage)
	}
	if strings.TrimSpace(img.Kind) == "" {
		return fmt.Errorf("%w: target %q has no kind", ErrManifest, stage)
	}
	for _, port := range img.Expose {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%w: target %q exposes invalid port %d", ErrManifest, stage, port)
		}
	}
	return nil
}

// Builds the stage dependency graph.
//
// An edge runs from a providing stage to each stage that bases on it or
// copies from it.
func (p *Pipeline) graph() (*dag.Graph, error) {
	g := dag.New()
	for _, s := range p.Stages {
		g.AddNode(s.Name)
	}
	for _, s := range p.Stages {
		src, err := s.ParseFrom()
		if err != nil {
			return nil, err
		}
		if src.Stage != "" {
			g.AddEdge(src.Stage, s.Name)
		}
		for _, dep := range copyDependencies(s.Steps) {
			if dep != s.Name && g.Has(dep) {
				g.AddEdge(dep, s.Name)
			}
		}
	}
	return g, nil
}

// Collects the stage names referenced by cross-stage copies in a step list.
func copyDependencies(steps []Step) []string {
	var deps []string
	for _, step := range steps {
		if step.Copy != "" {
			if from, _, ok := SplitStageRef(copySource(step.Copy)); ok && !slices.Contains(deps, from) {
				deps = append(deps, from)
			}
		}
		deps = append(deps, copyDependencies(step.Steps)...)
	}
	return deps
}

// Returns the source token of a "src dest" copy string.
func copySource(copyStr string) string {
	fields := strings.Fields(copyStr)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Returns all stage names in a deterministic dependency-respecting order.
func (p *Pipeline) BuildOrder() ([]string, error) {
	g, err := p.graph()
	if err != nil {
		return nil, err
	}
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifest, err)
	}
	return order, nil
}

// Resolves the requested target subset to an ordered stage plan.
//
// An empty request selects every buildable target. The returned stages are
// the transitive dependency closure of the selected targets, in build
// order, so unrelated stages are never executed.
func (p *Pipeline) TargetStages(names []string) ([]Stage, error) {
	targets := p.Targets()
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no buildable targets", ErrManifest)
	}

	if len(names) == 0 {
		names = targets
	}
	for _, name := range names {
		if !slices.Contains(targets, name) {
			return nil, fmt.Errorf("%w: %q (targets: %s)", ErrTarget, name, strings.Join(targets, ", "))
		}
	}

	needed, err := p.closure(names)
	if err != nil {
		return nil, err
	}

	order, err := p.BuildOrder()
	if err != nil {
		return nil, err
	}

	var plan []Stage
	for _, name := range order {
		if !needed[name] {
			continue
		}
		s, ok := p.Stage(name)
		if !ok {
			return nil, fmt.Errorf("%w: stage %q vanished from the pipeline", ErrManifest, name)
		}
		plan = append(plan, s)
	}
	return plan, nil
}

// Computes the transitive dependency closure of the given stage names.
func (p *Pipeline) closure(names []string) (map[string]bool, error) {
	needed := make(map[string]bool)
	queue := slices.Clone(names)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if needed[name] {
			continue
		}
		needed[name] = true

		s, ok := p.Stage(name)
		if !ok {
			return nil, fmt.Errorf("%w: stage %q not found", ErrManifest, name)
		}
		src, err := s.ParseFrom()
		if err != nil {
			return nil, err
		}
		if src.Stage != "" {
			queue = append(queue, src.Stage)
		}
		queue = append(queue, copyDependencies(s.Steps)...)
	}
	return needed, nil
}

// Reports whether name is usable as a build argument.
func validArgName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_':
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
