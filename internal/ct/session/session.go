// Package session implements the event interpreter of the middle layer.
//
// A Session consumes the trace one event at a time, in trace order, and is
// the only mutator of the reconstruction state: the task arena, the started
// contexts, the sync owner table and the barrier tracker. Its lifetime is
// exactly one trace-processing run.
//
// Event Handling:
//
//	basic-block  -> actions appended to the active task
//	task-create  -> create task + edge to the child, or the birth of a context
//	sync         -> sync task, edge from the previous owner of the address
//	task-join    -> exit of this context, or join task + edge from the target
//	barrier      -> arrival at / departure from a shared barrier task
//	memory       -> malloc/free actions appended to the active task
//
// Every other event kind is skipped. Any violated ordering invariant stops
// the run with a report.Diagnostic.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/kolkov/ctmiddle/internal/ct/barrier"
	"github.com/kolkov/ctmiddle/internal/ct/graph"
	"github.com/kolkov/ctmiddle/internal/ct/report"
	"github.com/kolkov/ctmiddle/internal/ct/syncowner"
	"github.com/kolkov/ctmiddle/internal/ct/trace"
	"github.com/pkg/errors"
)

// syncPowSize is the size class recorded for the address of a sync
// primitive: 1<<3 = 8 bytes.
const syncPowSize = 3

// Source yields trace events in order, and io.EOF at the end.
type Source interface {
	Next() (*trace.Event, error)
}

// Stats summarizes a session.
type Stats struct {
	// Events is the number of events read, including skipped ones.
	Events uint64
	// Skipped is the number of events that did not affect the graph.
	Skipped uint64
	// Contexts is the number of started contexts.
	Contexts int
	// Tasks is the number of tasks in the arena.
	Tasks int
	// OpenBarriers counts barrier episodes some participant never left.
	OpenBarriers int
}

// Session is the reconstruction state of one run.
type Session struct {
	g        *graph.Graph
	contexts map[graph.ContextID]*Context
	owners   *syncowner.Table
	barriers *barrier.Tracker

	// spawned maps a child context to the create task of its parent.
	spawned map[graph.ContextID]graph.TaskID

	log     *slog.Logger
	index   uint64
	skipped uint64
}

// New creates a session with context 0 started and its first task open.
//
// A nil logger discards all output.
func New(logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Session{
		g:        graph.New(),
		contexts: make(map[graph.ContextID]*Context),
		owners:   syncowner.New(),
		barriers: barrier.New(),
		spawned:  make(map[graph.ContextID]graph.TaskID),
		log:      logger,
	}

	// Context 0 has no create event: it exists from the start.
	root := graph.NewTask(graph.NewTaskID(0, 0), graph.KindBasicBlocks)
	_ = s.g.Add(root) // empty arena, cannot collide
	s.contexts[0] = newContext(root, 0)
	return s
}

// Graph returns the task arena.
func (s *Session) Graph() *graph.Graph {
	return s.g
}

// Root returns the first task of context 0.
func (s *Session) Root() graph.TaskID {
	return graph.NewTaskID(0, 0)
}

// Context returns the state of a started context.
func (s *Session) Context(id graph.ContextID) (*Context, bool) {
	c, ok := s.contexts[id]
	return c, ok
}

// Owners returns the sync owner table.
func (s *Session) Owners() *syncowner.Table {
	return s.owners
}

// Stats returns the counters of the session so far.
func (s *Session) Stats() Stats {
	return Stats{
		Events:   s.index,
		Skipped:  s.skipped,
		Contexts: len(s.contexts),
		Tasks:    s.g.Len(),

		OpenBarriers: s.barriers.Open(),
	}
}

// Consume runs the pre-pass and then processes every remaining event of src.
func (s *Session) Consume(src Source) error {
	if err := s.Start(src); err != nil {
		return err
	}
	for {
		ev, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return s.diagnose(err, nil)
		}
		if err := s.Process(ev); err != nil {
			return err
		}
	}
	s.log.Debug("processed events", "events", s.index, "skipped", s.skipped, "tasks", s.g.Len())
	return nil
}

// Start scans src up to the first task-create event of context 0 targeting
// context 0. Its start time is the global zero of the trace. Events before
// it are discarded.
//
// Returns a diagnostic of kind report.ErrMalformedTrace if the stream ends
// first, or report.ErrEmptyTrace if it holds no event at all.
func (s *Session) Start(src Source) error {
	for {
		ev, err := src.Next()
		if errors.Is(err, io.EOF) {
			if s.index == 0 {
				return report.New(report.ErrEmptyTrace, 0, nil, "no events before end of stream")
			}
			return report.New(report.ErrMalformedTrace, s.index, nil,
				"no task-create event of context 0 in %d events", s.index)
		}
		if err != nil {
			return s.diagnose(err, nil)
		}
		s.index++

		if ev.Kind == trace.KindTaskCreate && ev.Context == 0 && ev.Other == 0 {
			s.contexts[0].TimeOffset = ev.Start
			s.log.Debug("global offset", "offset", ev.Start)
			return nil
		}
		s.skipped++
	}
}

// Process interprets one event.
func (s *Session) Process(ev *trace.Event) error {
	s.index++

	switch ev.Kind {
	case trace.KindTaskCreate, trace.KindSync, trace.KindBarrier,
		trace.KindTaskJoin, trace.KindBasicBlock, trace.KindMemory:
	default:
		// Informational events.
		s.skipped++
		return nil
	}

	id := graph.ContextID(ev.Context)
	c, ok := s.contexts[id]
	if !ok {
		// New context ids only appear on their own birth.
		if ev.Kind != trace.KindTaskCreate {
			return report.New(report.ErrUnknownContext, s.index, ev,
				"context %d has no create event", id)
		}
		return s.diagnose(s.birth(ev), ev)
	}

	var start, end uint64
	if ev.HasTime() {
		start, end = c.normalize(ev.Start), c.normalize(ev.End)
	}

	var err error
	switch ev.Kind {
	case trace.KindBasicBlock:
		err = s.basicBlock(c, ev)
	case trace.KindTaskCreate:
		err = s.spawn(c, ev, start, end)
	case trace.KindSync:
		err = s.sync(c, ev, start, end)
	case trace.KindTaskJoin:
		if ev.IsExit {
			err = s.exit(c, start, end)
		} else {
			err = s.join(c, ev, start, end)
		}
	case trace.KindBarrier:
		if ev.OnEnter {
			err = s.barrierEnter(c, ev, start, end)
		} else {
			err = s.barrierExit(c, ev, start, end)
		}
	case trace.KindMemory:
		err = s.memory(c, ev)
	}
	return s.diagnose(err, ev)
}

// active returns the active task of c.
func (s *Session) active(c *Context) (*graph.Task, error) {
	t, ok := s.g.Get(c.active)
	if !ok {
		return nil, errors.Wrapf(report.ErrInconsistentGraph, "active task %s of context %d is missing", c.active, c.ID)
	}
	return t, nil
}

func (s *Session) basicBlock(c *Context, ev *trace.Event) error {
	t, err := s.active(c)
	if err != nil {
		return err
	}
	t.RecordBasicBlock(ev.BlockID)
	for _, op := range ev.MemOps {
		t.RecordMemOp(op.IsWrite, op.PowSize, op.Addr)
	}
	return nil
}

// spawn handles a task-create event of a started context: it created the
// context named by ev.Other.
func (s *Session) spawn(c *Context, ev *trace.Event, start, end uint64) error {
	child := graph.ContextID(ev.Other)
	if child == c.ID {
		// A repeated birth marker, nothing was created.
		s.log.Debug("ignoring self create", "context", c.ID, "start", start)
		s.skipped++
		return nil
	}

	create, err := c.createContinuation(s.g, graph.KindCreate, start, end)
	if err != nil {
		return err
	}
	childFirst := graph.NewTaskID(child, 0)
	if err := s.g.Link(create.ID, childFirst); err != nil {
		return err
	}
	s.spawned[child] = create.ID

	if _, err := c.createBasicBlockContinuation(s.g); err != nil {
		return err
	}
	s.narrate(create.ID, "created", childFirst, start, end)
	return nil
}

// birth handles the task-create event of a context that has not started:
// the event is the context's own birth, and ev.Other is its parent.
func (s *Session) birth(ev *trace.Event) error {
	id := graph.ContextID(ev.Context)
	parent, ok := s.contexts[graph.ContextID(ev.Other)]
	if !ok {
		return report.New(report.ErrUnknownContext, s.index, ev,
			"context %d was created by context %d, which has not started", id, ev.Other)
	}

	offset := parent.TimeOffset + uint64(ev.Skew) //nolint:gosec // G115: skew wraps like the raw clock.
	start, end := ev.Start-offset, ev.End-offset

	first := graph.NewTask(graph.NewTaskID(id, 0), graph.KindBasicBlocks)
	first.StartTime = end
	// Adding the task resolves the create edge of the parent, if it was seen.
	if err := s.g.Add(first); err != nil {
		return err
	}
	s.contexts[id] = newContext(first, offset)

	// The parent's create event has not been seen yet: depend on what the
	// parent is running now. Its create task will link again when it comes.
	if _, spawned := s.spawned[id]; !spawned {
		if err := s.g.Link(parent.active, first.ID); err != nil {
			return err
		}
	}

	s.narrate(first.ID, "started by", parent.active, start, end)
	s.log.Debug("context skew", "context", id, "skew", ev.Skew, "offset", offset)
	return nil
}

// sync handles an operation on a lock, condition variable or user primitive.
func (s *Session) sync(c *Context, ev *trace.Event, start, end uint64) error {
	t, err := c.createContinuation(s.g, graph.KindSync, start, end)
	if err != nil {
		return err
	}
	t.RecordMemOp(true, syncPowSize, ev.Addr)

	// A wait does not hold the primitive: it depends on the owner but does
	// not replace it.
	if owner, ok := s.owners.Touch(ev.Addr, t.ID, ev.SyncType == trace.SyncCondWait); ok {
		if err := s.g.Link(owner, t.ID); err != nil {
			return err
		}
	}
	t.SyncKind = classify(ev.SyncType)

	if _, err := c.createBasicBlockContinuation(s.g); err != nil {
		return err
	}
	s.log.Debug("synced", "task", t.ID.String(), "addr", ev.Addr, "op", ev.SyncType.String(), "start", start, "end", end)
	return nil
}

// classify maps a sync operation to the sync kind of its task.
func classify(op trace.SyncType) graph.SyncKind {
	switch op {
	case trace.SyncAcquire, trace.SyncRelease:
		return graph.SyncLock
	case trace.SyncCondWait, trace.SyncCondSignal:
		return graph.SyncConditionVariable
	default:
		return graph.SyncUserDefined
	}
}

// exit handles the exit of context c. No continuation is opened.
func (s *Session) exit(c *Context, start, end uint64) error {
	t, err := s.active(c)
	if err != nil {
		return err
	}
	t.Finish(start)
	c.EndTime = start
	s.log.Debug("exited", "task", t.ID.String(), "start", start, "end", end)
	return nil
}

// join handles context c joining the context named by ev.Other.
func (s *Session) join(c *Context, ev *trace.Event, start, end uint64) error {
	target, ok := s.contexts[graph.ContextID(ev.Other)]
	if !ok || !target.Ended() {
		// The front end guarantees the exit is traced before the join.
		return report.New(report.ErrJoinOrder, s.index, ev,
			"context %d joins context %d before it exited", c.ID, ev.Other)
	}
	last := target.active

	j, err := c.createContinuation(s.g, graph.KindJoin, start, end)
	if err != nil {
		return err
	}
	if err := s.g.Link(last, j.ID); err != nil {
		return err
	}
	// The join starts once both sides reached it.
	j.StartTime = max(target.EndTime, start)

	if _, err := c.createBasicBlockContinuation(s.g); err != nil {
		return err
	}
	s.narrate(j.ID, "joined with", last, start, end)
	return nil
}

func (s *Session) barrierEnter(c *Context, ev *trace.Event, start, end uint64) error {
	t, err := s.active(c)
	if err != nil {
		return err
	}
	t.Finish(start)

	b, created, err := s.barriers.Enter(s.g, ev.Addr, t, start)
	if err != nil {
		return err
	}
	if created {
		// The barrier task took the next ID of this context.
		c.reserve(b.ID)
	}
	s.narrate(t.ID, "arrived at barrier", b.ID, start, end)
	return nil
}

func (s *Session) barrierExit(c *Context, ev *trace.Event, start, end uint64) error {
	b, err := s.barriers.Exit(s.g, ev.Addr, c.ID, end)
	if err != nil {
		return err
	}

	var cont *graph.Task
	if barrier.Owner(b) == c.ID {
		// The owner writes the barrier task out, and its continuation ID
		// comes right after the barrier task.
		c.adopt(b.ID)
		cont, err = c.open(s.g, graph.KindBasicBlocks)
	} else {
		cont, err = c.createBasicBlockContinuation(s.g)
	}
	if err != nil {
		return err
	}
	cont.StartTime = end
	if err := s.g.Link(b.ID, cont.ID); err != nil {
		return err
	}
	s.narrate(cont.ID, "left barrier", b.ID, start, end)
	return nil
}

func (s *Session) memory(c *Context, ev *trace.Event) error {
	t, err := s.active(c)
	if err != nil {
		return err
	}
	if ev.IsAllocate {
		t.RecordMalloc(ev.Addr, ev.Size)
	} else {
		t.RecordFree(ev.Addr)
	}
	return nil
}

// Verify checks the graph invariants and that every task is owned by
// exactly one context.
//
// The barrier task of a rendezvous its owner has not left yet is counted as
// owned by that context: a barrier left open at the end of the trace is not
// an inconsistency.
func (s *Session) Verify() error {
	if err := s.g.Verify(); err != nil {
		return err
	}
	owned := make(map[graph.TaskID]graph.ContextID, s.g.Len())
	for id, c := range s.contexts {
		for _, t := range c.tasks {
			if other, dup := owned[t]; dup {
				return errors.Wrapf(report.ErrInconsistentGraph,
					"task %s owned by contexts %d and %d", t, other, id)
			}
			owned[t] = id
		}
	}
	for _, b := range s.barriers.Unfinished() {
		if _, ok := owned[b]; !ok {
			owned[b] = b.Context()
		}
	}
	for _, id := range s.g.IDs() {
		if _, ok := owned[id]; !ok {
			return errors.Wrapf(report.ErrInconsistentGraph, "task %s is not owned by any context", id)
		}
		if err := s.verifyJoin(id); err != nil {
			return err
		}
	}
	return nil
}

// verifyJoin checks that a join task starts no earlier than the end of
// every task it joins.
func (s *Session) verifyJoin(id graph.TaskID) error {
	t, _ := s.g.Get(id)
	if t.Kind != graph.KindJoin {
		return nil
	}
	for _, p := range t.Predecessors() {
		pred, ok := s.g.Get(p)
		if !ok {
			continue
		}
		if pred.EndTime > t.StartTime {
			return errors.Wrapf(report.ErrInconsistentGraph,
				"join %s starts at %d before predecessor %s ends at %d", id, t.StartTime, p, pred.EndTime)
		}
	}
	return nil
}

// diagnose turns err into a report.Diagnostic tied to ev.
func (s *Session) diagnose(err error, ev *trace.Event) error {
	if err == nil {
		return nil
	}
	var d *report.Diagnostic
	if errors.As(err, &d) {
		return err
	}
	kind := report.Kind(err)
	if kind == nil {
		kind = report.ErrMalformedTrace
	}
	var subject fmt.Stringer
	if ev != nil {
		subject = ev
	}
	return report.New(kind, s.index, subject, "%s", report.Detail(err))
}

// narrate logs one dependency-relevant step at debug level.
func (s *Session) narrate(first graph.TaskID, verb string, second graph.TaskID, start, end uint64) {
	if !s.log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	s.log.Debug(verb, "task", first.String(), "other", second.String(), "start", start, "end", end)
}
