package coordinator

import (
	"errors"
	"testing"

	"github.com/forgeline/gaffer/pkg/models"
)

func epic(id, repo string, deps ...string) *models.Epic {
	return &models.Epic{ID: id, Repository: repo, DependsOn: deps}
}

func TestBuildRejectsUnknownDependency(t *testing.T) {
	g := NewDependencyGraph()
	err := g.Build([]*models.Epic{epic("e1", "app", "ghost")})
	if err == nil {
		t.Fatal("unknown dependency accepted")
	}
}

func TestBuildRejectsCycle(t *testing.T) {
	g := NewDependencyGraph()
	err := g.Build([]*models.Epic{
		epic("e1", "app", "e2"),
		epic("e2", "app", "e1"),
	})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("err = %v, want ErrCycleDetected", err)
	}
}

func TestTopologicalSortRespectsDependencies(t *testing.T) {
	g := NewDependencyGraph()
	if err := g.Build([]*models.Epic{
		epic("e1", "app"),
		epic("e2", "app", "e3"),
		epic("e3", "app", "e1"),
	}); err != nil {
		t.Fatalf("build: %v", err)
	}

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("sort: %v", err)
	}
	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	if pos["e1"] > pos["e3"] || pos["e3"] > pos["e2"] {
		t.Errorf("order %v violates e1 < e3 < e2", order)
	}
}

func TestTopologicalSortIsDeterministic(t *testing.T) {
	build := func() []string {
		g := NewDependencyGraph()
		if err := g.Build([]*models.Epic{
			epic("e1", "app"),
			epic("e2", "app"),
			epic("e3", "app"),
		}); err != nil {
			t.Fatalf("build: %v", err)
		}
		order, err := g.TopologicalSort()
		if err != nil {
			t.Fatalf("sort: %v", err)
		}
		return order
	}

	first := build()
	for i := 0; i < 10; i++ {
		again := build()
		for j := range first {
			if first[j] != again[j] {
				t.Fatalf("order changed between runs: %v vs %v", first, again)
			}
		}
	}
}

func TestConservativePolicySerialisesCrossRepoEpics(t *testing.T) {
	g := NewDependencyGraph()
	if err := g.Build([]*models.Epic{
		epic("e1", "app"),
		epic("e2", "api"),
		epic("e3", "app"),
	}); err != nil {
		t.Fatalf("build: %v", err)
	}

	if g.SyntheticEdges() != 2 {
		t.Errorf("synthetic edges = %d, want 2", g.SyntheticEdges())
	}

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("sort: %v", err)
	}
	want := []string{"e1", "e2", "e3"}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestConservativePolicySkipsSingleRepo(t *testing.T) {
	g := NewDependencyGraph()
	if err := g.Build([]*models.Epic{
		epic("e1", "app"),
		epic("e2", "app"),
	}); err != nil {
		t.Fatalf("build: %v", err)
	}
	if g.SyntheticEdges() != 0 {
		t.Errorf("synthetic edges = %d on a single repo, want 0", g.SyntheticEdges())
	}
}
