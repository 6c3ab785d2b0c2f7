package coordinator

import (
	"errors"
	"fmt"
	"sort"

	"github.com/forgeline/gaffer/pkg/models"
)

// ErrCycleDetected indicates a circular dependency among epics.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph is a directed acyclic graph of epic dependencies. Edges
// point from an epic to the epics it is blocked by.
type DependencyGraph struct {
	nodes map[string]*models.Epic
	edges map[string][]string
	// order preserves the declaration order of the epics, so traversal and
	// the resulting sort are deterministic and follow the plan's own order
	// wherever dependencies permit.
	order []string
	// syntheticEdges counts the cross-repository edges the conservative
	// policy injected, for reporting.
	syntheticEdges int
}

// NewDependencyGraph creates an empty graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		nodes: make(map[string]*models.Epic),
		edges: make(map[string][]string),
	}
}

// Build constructs the graph from the epics' declared DependsOn edges, then
// applies the conservative dependency policy: when epics target more than
// one repository, synthetic edges serialise epics across repositories in
// their given order, so two repositories are never modified concurrently.
// Returns ErrCycleDetected when the combined graph has a cycle.
func (g *DependencyGraph) Build(epics []*models.Epic) error {
	for _, epic := range epics {
		if _, seen := g.nodes[epic.ID]; !seen {
			g.order = append(g.order, epic.ID)
		}
		g.nodes[epic.ID] = epic
		g.edges[epic.ID] = nil
	}

	for _, epic := range epics {
		for _, depID := range epic.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("epic %s depends on unknown epic %s", epic.ID, depID)
			}
			g.edges[epic.ID] = append(g.edges[epic.ID], depID)
		}
	}

	g.applyConservativePolicy(epics)

	if g.HasCycle() {
		return ErrCycleDetected
	}
	return nil
}

// applyConservativePolicy injects a depends-on edge from each epic to the
// previous epic on a different repository, chaining cross-repo epics into
// the order they were declared.
func (g *DependencyGraph) applyConservativePolicy(epics []*models.Epic) {
	repos := map[string]bool{}
	for _, epic := range epics {
		repos[epic.Repository] = true
	}
	if len(repos) < 2 {
		return
	}

	for i := 1; i < len(epics); i++ {
		epic := epics[i]
		prev := epics[i-1]
		if epic.Repository == prev.Repository {
			continue
		}
		if containsID(g.edges[epic.ID], prev.ID) {
			continue
		}
		g.edges[epic.ID] = append(g.edges[epic.ID], prev.ID)
		g.syntheticEdges++
	}
}

// SyntheticEdges reports how many edges the conservative policy added.
func (g *DependencyGraph) SyntheticEdges() int { return g.syntheticEdges }

// HasCycle reports whether the graph contains a circular dependency, using
// depth-first search with three-color marking to detect back edges.
func (g *DependencyGraph) HasCycle() bool {
	// 0 = unvisited, 1 = in progress, 2 = done.
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for _, id := range g.order {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// TopologicalSort returns epic IDs with every dependency before its
// dependents. Traversal follows declaration order, so the result is
// deterministic and stays close to the planned order.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	if g.HasCycle() {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool, len(g.nodes))
	var result []string

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		deps := append([]string{}, g.edges[id]...)
		sort.Strings(deps)
		for _, depID := range deps {
			visit(depID)
		}
		result = append(result, id)
	}

	for _, id := range g.order {
		visit(id)
	}
	return result, nil
}

// Epic returns the epic for an id, or nil.
func (g *DependencyGraph) Epic(id string) *models.Epic { return g.nodes[id] }

// Size returns the number of epics in the graph.
func (g *DependencyGraph) Size() int { return len(g.nodes) }

// Dependencies returns the IDs the given epic is blocked by.
func (g *DependencyGraph) Dependencies(id string) []string { return g.edges[id] }

func containsID(list []string, v string) bool {
	for _, it := range list {
		if it == v {
			return true
		}
	}
	return false
}
