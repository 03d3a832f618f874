package session

import (
	"github.com/kolkov/ctmiddle/internal/ct/graph"
)

// Context is the reconstruction state of one started execution context.
//
// A Context exists only once its context has started: a context that has
// not been born yet has no entry in the session at all, so no event other
// than its own birth can reach it.
//
// Invariant: active always names a task of g that belongs to this context,
// and nextSeq is greater than the sequence number of every task ID this
// context has allocated or reserved.
type Context struct {
	// ID is the context identifier from the trace.
	ID graph.ContextID

	// TimeOffset is subtracted from every raw timestamp of this context to
	// normalize it to the global zero.
	TimeOffset uint64

	// EndTime is the normalized exit time, 0 while the context runs.
	EndTime uint64

	// tasks lists the tasks owned by this context, in creation order.
	tasks []graph.TaskID

	// active is the task new actions and edges attach to.
	active graph.TaskID

	nextSeq uint32
}

// newContext starts a context whose first task is first.
func newContext(first *graph.Task, offset uint64) *Context {
	return &Context{
		ID:         first.ID.Context(),
		TimeOffset: offset,
		tasks:      []graph.TaskID{first.ID},
		active:     first.ID,
		nextSeq:    first.ID.Seq() + 1,
	}
}

// Active returns the ID of the active task.
func (c *Context) Active() graph.TaskID {
	return c.active
}

// Tasks returns the IDs of the tasks owned by this context, in creation order.
func (c *Context) Tasks() []graph.TaskID {
	return c.tasks
}

// Ended reports whether the context has recorded its exit.
func (c *Context) Ended() bool {
	return c.EndTime != 0
}

// normalize converts a raw timestamp of this context to global time.
func (c *Context) normalize(raw uint64) uint64 {
	return raw - c.TimeOffset
}

// reserve makes sure id is never allocated by this context.
func (c *Context) reserve(id graph.TaskID) {
	if id.Seq() >= c.nextSeq {
		c.nextSeq = id.Seq() + 1
	}
}

// adopt appends a task created elsewhere (a barrier task) to the owned list.
func (c *Context) adopt(id graph.TaskID) {
	c.tasks = append(c.tasks, id)
}

// open creates the next task of this context as a continuation of the
// active task and makes it the new active task.
func (c *Context) open(g *graph.Graph, kind graph.Kind) (*graph.Task, error) {
	id := graph.NewTaskID(c.ID, c.nextSeq)
	t := graph.NewTask(id, kind)
	if err := g.Add(t); err != nil {
		return nil, err
	}
	if err := g.Link(c.active, id); err != nil {
		return nil, err
	}
	c.nextSeq++
	c.tasks = append(c.tasks, id)
	c.active = id
	return t, nil
}

// createContinuation opens a task for a dependency-relevant event spanning
// [start, end]. The previous active task ends when the event starts.
func (c *Context) createContinuation(g *graph.Graph, kind graph.Kind, start, end uint64) (*graph.Task, error) {
	if prev, ok := g.Get(c.active); ok && prev.EndTime == 0 {
		prev.Finish(start)
	}
	t, err := c.open(g, kind)
	if err != nil {
		return nil, err
	}
	t.StartTime = start
	t.Finish(end)
	return t, nil
}

// createBasicBlockContinuation opens the basic-block task that follows a
// dependency-relevant event. It starts when the previous task ended.
func (c *Context) createBasicBlockContinuation(g *graph.Graph) (*graph.Task, error) {
	var start uint64
	if prev, ok := g.Get(c.active); ok {
		start = prev.EndTime
	}
	t, err := c.open(g, graph.KindBasicBlocks)
	if err != nil {
		return nil, err
	}
	t.StartTime = start
	return t, nil
}
