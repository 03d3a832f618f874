// Package syncowner tracks the last task that touched each synchronization
// primitive.
//
// Lock-ordering edges are synthesized from this table: when a sync task
// operates on an address, the previous owner of that address becomes its
// predecessor, and the sync task becomes the new owner.
//
// Owner Hand-off:
//
//	acquire(m) by A:   owner[m] = A
//	release(m) by A':  A -> A',  owner[m] = A'
//	acquire(m) by B:   A' -> B,  owner[m] = B
//	cond_wait(m) by C: B -> C,   owner[m] stays B
//
// A condition wait does not hold the primitive, so it never becomes the
// owner; a later signal still links from the last non-wait access.
package syncowner

import "github.com/kolkov/ctmiddle/internal/ct/graph"

// Table maps sync primitive addresses to their last owning task.
//
// Memory Model:
//   - Key: uint64 (address of the primitive in the traced program)
//   - Value: graph.TaskID (a reference into the task arena, not ownership)
//
// Thread Safety: NOT safe for concurrent use. The table is owned by the
// session and mutated only during event dispatch.
type Table struct {
	owners map[uint64]graph.TaskID
}

// New creates an empty owner table.
func New() *Table {
	return &Table{owners: make(map[uint64]graph.TaskID)}
}

// Owner returns the last task that took ownership of addr.
func (t *Table) Owner(addr uint64) (graph.TaskID, bool) {
	id, ok := t.owners[addr]
	return id, ok
}

// Touch records an access to addr by task and returns the previous owner.
//
// Unless wait is set, task becomes the new owner. The caller links
// prev -> task when ok is true.
//
// Example:
//
//	prev, ok := table.Touch(0x1000, syncTask, false)
//	if ok {
//		g.Link(prev, syncTask)
//	}
func (t *Table) Touch(addr uint64, task graph.TaskID, wait bool) (prev graph.TaskID, ok bool) {
	prev, ok = t.owners[addr]
	if !wait {
		t.owners[addr] = task
	}
	return prev, ok
}

// Len returns the number of primitives with an owner.
func (t *Table) Len() int {
	return len(t.owners)
}
