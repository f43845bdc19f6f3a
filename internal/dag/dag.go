// Package dag provides topological ordering and cycle detection for the
// stage dependency graph of a build pipeline. Nodes are stage names; an
// edge from A to B means stage A must be built before stage B.
package dag

import (
	"fmt"
	"slices"
	"strings"
)

// Indicates that the graph contains a cycle, preventing topological ordering.
type CycleError struct {
	Cycle []string // Nodes remaining on the cycle, in insertion order.
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle involving: %s", strings.Join(e.Cycle, ", "))
}

// A directed graph over string-named nodes.
type Graph struct {
	edges map[string][]string // Outgoing neighbors per node.
	nodes []string            // All nodes in insertion order, for deterministic output.
	seen  map[string]bool     // Node existence lookup.
}

// Creates an empty [Graph].
func New() *Graph {
	return &Graph{
		edges: make(map[string][]string),
		seen:  make(map[string]bool),
	}
}

// Adds a node to the graph. Adding an existing node is a no-op.
func (g *Graph) AddNode(name string) {
	if g.seen[name] {
		return
	}
	g.seen[name] = true
	g.nodes = append(g.nodes, name)
}

// Adds a directed edge meaning from must be ordered before to.
//
// Both nodes are implicitly added. Duplicate edges are collapsed.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	if slices.Contains(g.edges[from], to) {
		return
	}
	g.edges[from] = append(g.edges[from], to)
}

// Reports whether the graph contains the named node.
func (g *Graph) Has(name string) bool {
	return g.seen[name]
}

// Returns a valid execution order using Kahn's algorithm.
//
// The order is deterministic: nodes at the same depth appear in the order
// they were first added. Returns [CycleError] when the graph has a cycle.
func (g *Graph) TopologicalSort() ([]string, error) {
	if len(g.nodes) == 0 {
		return nil, nil
	}

	inDegree := make(map[string]int, len(g.nodes))
	for _, n := range g.nodes {
		inDegree[n] = 0
	}
	for _, neighbors := range g.edges {
		for _, n := range neighbors {
			inDegree[n]++
		}
	}

	var queue []string
	for _, n := range g.nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	order := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)

		for _, next := range g.edges[n] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(g.nodes) {
		var cycle []string
		for _, n := range g.nodes {
			if inDegree[n] > 0 {
				cycle = append(cycle, n)
			}
		}
		return nil, &CycleError{Cycle: cycle}
	}

	return order, nil
}
