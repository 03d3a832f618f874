// Package graph implements the task graph produced by the middle layer.
//
// The graph is a DAG whose nodes are tasks (maximal sequential units of work
// in one execution context) and whose edges encode create/join, lock,
// barrier and thread start/exit dependencies.
//
// All tasks live in a single arena ([Graph]) keyed by [TaskID]. Every
// cross-reference (predecessors, successors, the active task of a context,
// the owner of a barrier) is a TaskID lookup into that arena, never a live
// pointer held across components.
package graph

import "fmt"

// ContextID identifies one execution context (thread) of the traced program.
//
// Context 0 is the initial context of the program. It has no create event
// and is considered started from the beginning of the trace.
type ContextID uint32

// TaskID is a 64-bit task identifier encoding both context and sequence number.
// Layout: [Context:32][Seq:32]
//
// The encoding keeps TaskIDs totally ordered: first by context, then by
// sequence number. This order is used as the tie-break of the linearizer.
//
// Example: 0x0000000500000003 represents context 5, sequence 3.
type TaskID uint64

const (
	// SeqBits is the number of bits allocated for the sequence number.
	SeqBits = 32

	// SeqMask is the bitmask for extracting the sequence number.
	SeqMask = (1 << SeqBits) - 1
)

// NewTaskID creates a TaskID from a context and a sequence number.
func NewTaskID(ctx ContextID, seq uint32) TaskID {
	return TaskID(uint64(ctx)<<SeqBits | uint64(seq))
}

// Context returns the context the task belongs to.
func (id TaskID) Context() ContextID {
	//nolint:gosec // G115: top 32 bits are the context by construction.
	return ContextID(id >> SeqBits)
}

// Seq returns the sequence number of the task inside its context.
func (id TaskID) Seq() uint32 {
	//nolint:gosec // G115: intentional truncation to the bottom 32 bits.
	return uint32(id & SeqMask)
}

// Next returns the identifier that follows id in the same context.
//
// The sequence number wraps at 2^32 without touching the context bits.
func (id TaskID) Next() TaskID {
	return NewTaskID(id.Context(), id.Seq()+1)
}

// String returns the "ctx:seq" form used in diagnostics and dumps.
func (id TaskID) String() string {
	return fmt.Sprintf("%d:%d", id.Context(), id.Seq())
}
