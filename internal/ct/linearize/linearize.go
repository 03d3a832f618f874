// Package linearize writes the completed task graph in dependency order.
//
// Algorithm (predecessor counting with a ready queue):
//
//	remaining[t] = |t.preds| for every task t
//	ready = {root}
//	while ready is not empty:
//	    t = pop task with the earliest start time (tie-break: TaskID)
//	    write t
//	    for s in t.succs:
//	        remaining[s]--
//	        if remaining[s] == 0: push s
//
// Every task is written after all its predecessors. Ordering the ready queue
// by start time keeps the output close to time order without a full sort.
// A task that is never written has a dangling or cyclic edge.
package linearize

import (
	"cmp"
	"container/heap"

	"github.com/kolkov/ctmiddle/internal/ct/graph"
	"github.com/kolkov/ctmiddle/internal/ct/report"
	"github.com/pkg/errors"
)

// Sink receives the tasks in output order.
type Sink interface {
	// Offset returns the position the next task will be written at.
	Offset() uint64

	// WriteTask writes one task. Ownership of t passes to the sink.
	WriteTask(t *graph.Task) error
}

// Result summarizes a linearization.
type Result struct {
	// Written is the number of tasks handed to the sink.
	Written int
}

// Check reports the defects of g that are visible before anything is
// written: edges naming a task that was never created, and a missing root or
// a root with predecessors. A cycle is only found by Linearize.
//
// Returns an error wrapping report.ErrInconsistentGraph.
func Check(g *graph.Graph, root graph.TaskID) error {
	if pending := g.Pending(); len(pending) > 0 {
		e := pending[0]
		return errors.Wrapf(report.ErrInconsistentGraph,
			"%d edge(s) name a task that was never created, first %s -> %s", len(pending), e.From, e.To)
	}
	rootTask, ok := g.Get(root)
	if !ok {
		return errors.Wrapf(report.ErrInconsistentGraph, "root task %s is missing", root)
	}
	if len(rootTask.Predecessors()) != 0 {
		return errors.Wrapf(report.ErrInconsistentGraph, "root task %s has predecessors", root)
	}
	return nil
}

// Linearize moves every task of g into sink, starting from root.
//
// Each written task is taken out of the arena, so a task cannot be written
// twice. On success g is empty.
//
// Returns an error wrapping report.ErrInconsistentGraph if Check fails, or
// if tasks remain unwritten when the ready queue drains.
func Linearize(g *graph.Graph, root graph.TaskID, sink Sink) (Result, error) {
	var res Result
	if err := Check(g, root); err != nil {
		return res, err
	}
	rootTask, _ := g.Get(root)

	total := g.Len()
	remaining := make(map[graph.TaskID]int, total)
	for _, id := range g.IDs() {
		t, _ := g.Get(id)
		remaining[id] = len(t.Predecessors())
	}

	ready := &queue{}
	heap.Push(ready, entry{start: rootTask.StartTime, id: root})
	for ready.Len() > 0 {
		e := heap.Pop(ready).(entry) //nolint:forcetypeassert // queue holds only entries
		t, ok := g.Take(e.id)
		if !ok {
			return res, errors.Wrapf(report.ErrInconsistentGraph, "task %s queued twice", e.id)
		}

		for _, succ := range t.Successors() {
			n, known := remaining[succ]
			if !known {
				return res, errors.Wrapf(report.ErrInconsistentGraph, "task %s has unknown successor %s", t.ID, succ)
			}
			n--
			remaining[succ] = n
			if n == 0 {
				s, _ := g.Get(succ)
				heap.Push(ready, entry{start: s.StartTime, id: succ})
			}
		}

		t.FileOffset = sink.Offset()
		if err := sink.WriteTask(t); err != nil {
			return res, errors.Wrapf(err, "writing task %s", t.ID)
		}
		res.Written++
	}

	if res.Written != total {
		left := g.IDs()
		return res, errors.Wrapf(report.ErrInconsistentGraph,
			"%d of %d tasks never became ready, first %s", len(left), total, left[0])
	}
	return res, nil
}

// entry is one ready task, keyed by its start time.
type entry struct {
	start uint64
	id    graph.TaskID
}

// queue is a min-heap of ready tasks ordered by (start, id).
type queue []entry

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if c := cmp.Compare(q[i].start, q[j].start); c != 0 {
		return c < 0
	}
	return q[i].id < q[j].id
}

func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *queue) Push(x any) { *q = append(*q, x.(entry)) } //nolint:forcetypeassert // heap only pushes entries

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	*q = old[:n-1]
	return e
}
