// Package barrier coordinates barrier rendezvous between contexts.
//
// One rendezvous accepts arrivals per barrier address at a time. Every
// context that arrives at the barrier gets an edge to a single shared barrier
// task; every context that leaves it gets a continuation depending on that
// task.
//
// Rendezvous Lifecycle:
//
//	Enter(A) -> opens the rendezvous, creates barrier task B = A.Next()
//	Enter(C) -> C -> B
//	Exit(A)  -> returns B, rendezvous starts draining (A owns B)
//	Enter(A) -> opens a new rendezvous with barrier task B' = A'.Next()
//	Exit(C)  -> returns B, last participant left, B is done
//
// The first exit resolves the rendezvous: later arrivals at the same
// address belong to the next episode even while slower participants are
// still leaving the previous one.
//
// The barrier task takes its ID from the first arriving task, so the first
// arriving context is the owner of the barrier: it adopts the task into its
// own task list and its continuation ID follows the barrier task.
package barrier

import (
	"slices"

	"github.com/kolkov/ctmiddle/internal/ct/graph"
	"github.com/kolkov/ctmiddle/internal/ct/report"
	"github.com/pkg/errors"
)

// rendezvous is the state of one open barrier episode.
type rendezvous struct {
	task graph.TaskID

	// waiting holds the contexts that arrived and have not left yet.
	waiting map[graph.ContextID]bool
}

// Tracker holds the rendezvous of every barrier address.
//
// Thread Safety: NOT safe for concurrent use. The tracker is owned by the
// session and mutated only during event dispatch.
type Tracker struct {
	// open holds the rendezvous still accepting arrivals.
	open map[uint64]*rendezvous

	// draining holds resolved rendezvous whose participants have not all
	// left yet, oldest first.
	draining map[uint64][]*rendezvous
}

// New creates a tracker with no open rendezvous.
func New() *Tracker {
	return &Tracker{
		open:     make(map[uint64]*rendezvous),
		draining: make(map[uint64][]*rendezvous),
	}
}

// Enter records the arrival of task at the barrier at addr at time t.
//
// The first arrival opens a rendezvous and creates its barrier task in g,
// with ID arriving.ID.Next(); created reports that case so the caller can
// reserve that ID in the owning context. The barrier task starts when the
// last participant arrives.
//
// Every arriving task gets an edge to the barrier task.
func (tr *Tracker) Enter(g *graph.Graph, addr uint64, arriving *graph.Task, t uint64) (b *graph.Task, created bool, err error) {
	r, ok := tr.open[addr]
	if !ok {
		b = graph.NewTask(arriving.ID.Next(), graph.KindBarrier)
		b.StartTime = t
		if err := g.Add(b); err != nil {
			return nil, false, errors.Wrapf(err, "barrier 0x%x", addr)
		}
		r = &rendezvous{task: b.ID, waiting: make(map[graph.ContextID]bool)}
		tr.open[addr] = r
		created = true
	} else {
		b, _ = g.Get(r.task)
	}

	if t > b.StartTime {
		b.StartTime = t
	}
	if err := g.Link(arriving.ID, b.ID); err != nil {
		return nil, false, err
	}
	r.waiting[arriving.ID.Context()] = true
	return b, created, nil
}

// Exit records the departure of ctx from the barrier at addr at time t and
// returns the shared barrier task.
//
// The first departure resolves the open rendezvous: it stops accepting
// arrivals and the next arrival at addr opens a new one. The rendezvous is
// done when every arrived participant has left.
//
// Returns an error wrapping report.ErrBarrierOrder if ctx is not waiting in
// any rendezvous at addr.
func (tr *Tracker) Exit(g *graph.Graph, addr uint64, ctx graph.ContextID, t uint64) (*graph.Task, error) {
	r := tr.leaving(addr, ctx)
	if r == nil {
		if _, ok := tr.open[addr]; !ok && len(tr.draining[addr]) == 0 {
			return nil, errors.Wrapf(report.ErrBarrierOrder, "no open rendezvous at 0x%x", addr)
		}
		return nil, errors.Wrapf(report.ErrBarrierOrder, "context %d leaves barrier 0x%x without arriving", ctx, addr)
	}
	b, ok := g.Get(r.task)
	if !ok {
		return nil, errors.Wrapf(report.ErrInconsistentGraph, "barrier task %s left the arena", r.task)
	}

	b.Finish(t)
	delete(r.waiting, ctx)
	if len(r.waiting) == 0 {
		tr.done(addr, r)
	}
	return b, nil
}

// leaving returns the rendezvous at addr ctx is waiting in. A context
// leaving the open rendezvous moves it to the draining list.
func (tr *Tracker) leaving(addr uint64, ctx graph.ContextID) *rendezvous {
	for _, r := range tr.draining[addr] {
		if r.waiting[ctx] {
			return r
		}
	}
	r, ok := tr.open[addr]
	if !ok || !r.waiting[ctx] {
		return nil
	}
	delete(tr.open, addr)
	tr.draining[addr] = append(tr.draining[addr], r)
	return r
}

// done drops the draining rendezvous r at addr.
func (tr *Tracker) done(addr uint64, r *rendezvous) {
	list := slices.DeleteFunc(tr.draining[addr], func(x *rendezvous) bool { return x == r })
	if len(list) == 0 {
		delete(tr.draining, addr)
		return
	}
	tr.draining[addr] = list
}

// Open returns the number of rendezvous some participant has not left yet,
// whether still accepting arrivals or draining.
func (tr *Tracker) Open() int {
	n := len(tr.open)
	for _, list := range tr.draining {
		n += len(list)
	}
	return n
}

// Unfinished returns the barrier tasks of the rendezvous counted by Open.
func (tr *Tracker) Unfinished() []graph.TaskID {
	var ids []graph.TaskID
	for _, r := range tr.open {
		ids = append(ids, r.task)
	}
	for _, list := range tr.draining {
		for _, r := range list {
			ids = append(ids, r.task)
		}
	}
	slices.Sort(ids)
	return ids
}

// Owner returns the context owning barrier task b: the context whose
// continuation ID follows b.
func Owner(b *graph.Task) graph.ContextID {
	return b.ID.Context()
}
