package graph

import (
	"cmp"
	"slices"

	"github.com/kolkov/ctmiddle/internal/ct/report"
	"github.com/pkg/errors"
)

// Edge is a dependency edge From -> To.
type Edge struct {
	From TaskID
	To   TaskID
}

// Graph is the arena owning every task of one reconstruction run.
//
// Edges may name a task that does not exist yet (a create edge to a child
// context that has not been born). Such edges are held as pending and are
// applied to both endpoints as soon as the missing task is added, so a task
// never carries a one-sided edge.
//
// Thread Safety: NOT safe for concurrent use. The middle layer is a single
// sequential pass and the arena is owned by the session.
type Graph struct {
	tasks map[TaskID]*Task

	// pending maps a missing endpoint to the edges waiting on it.
	pending map[TaskID][]Edge
}

// New creates an empty task arena.
func New() *Graph {
	return &Graph{
		tasks:   make(map[TaskID]*Task),
		pending: make(map[TaskID][]Edge),
	}
}

// Add inserts a task into the arena and resolves pending edges naming it.
//
// Returns an error wrapping report.ErrDuplicateTask if a task with the same
// ID already exists.
func (g *Graph) Add(t *Task) error {
	if _, exists := g.tasks[t.ID]; exists {
		return errors.Wrapf(report.ErrDuplicateTask, "task %s", t.ID)
	}
	g.tasks[t.ID] = t

	waiting := g.pending[t.ID]
	delete(g.pending, t.ID)
	for _, e := range waiting {
		if err := g.Link(e.From, e.To); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the task with the given ID.
func (g *Graph) Get(id TaskID) (*Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// Len returns the number of tasks currently owned by the arena.
func (g *Graph) Len() int {
	return len(g.tasks)
}

// Link adds the dependency edge from -> to.
//
// Both sides are updated together: to gains from as a predecessor and from
// gains to as a successor. If either task is not in the arena yet, the edge
// is held until it is added. Adding an existing edge is a no-op.
//
// Returns an error wrapping report.ErrInconsistentGraph for a self edge.
func (g *Graph) Link(from, to TaskID) error {
	if from == to {
		return errors.Wrapf(report.ErrInconsistentGraph, "self edge on task %s", from)
	}

	src, okFrom := g.tasks[from]
	dst, okTo := g.tasks[to]
	switch {
	case !okFrom:
		g.pending[from] = append(g.pending[from], Edge{From: from, To: to})
		return nil
	case !okTo:
		g.pending[to] = append(g.pending[to], Edge{From: from, To: to})
		return nil
	}

	src.succs = insertSorted(src.succs, to)
	dst.preds = insertSorted(dst.preds, from)
	return nil
}

// Pending returns the edges still waiting for a missing endpoint, sorted.
//
// A non-empty result after the whole trace was consumed means some edge
// names a task that was never created.
func (g *Graph) Pending() []Edge {
	var edges []Edge
	for _, waiting := range g.pending {
		edges = append(edges, waiting...)
	}
	slices.SortFunc(edges, func(a, b Edge) int {
		if a.From != b.From {
			return cmp.Compare(a.From, b.From)
		}
		return cmp.Compare(a.To, b.To)
	})
	return edges
}

// IDs returns the IDs of all tasks in the arena, in TaskID order.
func (g *Graph) IDs() []TaskID {
	ids := make([]TaskID, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Take removes a task from the arena and hands ownership to the caller.
//
// A task can be taken only once: the second call returns false.
func (g *Graph) Take(id TaskID) (*Task, bool) {
	t, ok := g.tasks[id]
	if ok {
		delete(g.tasks, id)
	}
	return t, ok
}

// Verify checks the structural invariants of the graph:
//   - no pending (dangling) edges
//   - no self edges
//   - every edge endpoint exists in the arena
//   - edge symmetry: A in B.preds iff B in A.succs
//
// Returns the first violation found, wrapping report.ErrInconsistentGraph.
func (g *Graph) Verify() error {
	if pending := g.Pending(); len(pending) > 0 {
		e := pending[0]
		return errors.Wrapf(report.ErrInconsistentGraph,
			"%d dangling edge(s), first %s -> %s", len(pending), e.From, e.To)
	}

	for _, id := range g.IDs() {
		t := g.tasks[id]
		for _, p := range t.preds {
			if p == id {
				return errors.Wrapf(report.ErrInconsistentGraph, "task %s is its own predecessor", id)
			}
			other, ok := g.tasks[p]
			if !ok {
				return errors.Wrapf(report.ErrInconsistentGraph, "task %s has unknown predecessor %s", id, p)
			}
			if !other.HasSuccessor(id) {
				return errors.Wrapf(report.ErrInconsistentGraph, "edge %s -> %s missing successor side", p, id)
			}
		}
		for _, s := range t.succs {
			if s == id {
				return errors.Wrapf(report.ErrInconsistentGraph, "task %s is its own successor", id)
			}
			other, ok := g.tasks[s]
			if !ok {
				return errors.Wrapf(report.ErrInconsistentGraph, "task %s has unknown successor %s", id, s)
			}
			if !other.HasPredecessor(id) {
				return errors.Wrapf(report.ErrInconsistentGraph, "edge %s -> %s missing predecessor side", id, s)
			}
		}
	}
	return nil
}
