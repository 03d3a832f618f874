package graph

import "slices"

// Kind classifies what a task represents.
type Kind uint8

const (
	// KindBasicBlocks is a run of basic blocks with no dependency boundary.
	KindBasicBlocks Kind = iota
	// KindCreate is the creation of another context.
	KindCreate
	// KindSync is a synchronization operation on a sync primitive.
	KindSync
	// KindBarrier is the shared task of one barrier rendezvous.
	KindBarrier
	// KindJoin is the join of another context.
	KindJoin
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case KindBasicBlocks:
		return "basic-blocks"
	case KindCreate:
		return "create"
	case KindSync:
		return "sync"
	case KindBarrier:
		return "barrier"
	case KindJoin:
		return "join"
	default:
		return "unknown"
	}
}

// SyncKind classifies a sync task. It is only meaningful for KindSync.
type SyncKind uint8

const (
	// SyncNone marks tasks that are not sync tasks.
	SyncNone SyncKind = iota
	// SyncLock covers acquire and release.
	SyncLock
	// SyncConditionVariable covers condition waits and signals.
	SyncConditionVariable
	// SyncUserDefined covers every other sync type.
	SyncUserDefined
)

// String returns the string representation of a SyncKind.
func (s SyncKind) String() string {
	switch s {
	case SyncNone:
		return "none"
	case SyncLock:
		return "lock"
	case SyncConditionVariable:
		return "condition-variable"
	case SyncUserDefined:
		return "user-defined"
	default:
		return "unknown"
	}
}

// ActionType is the type of an action recorded inside a task.
type ActionType uint8

const (
	// ActionBasicBlock records that a basic block executed.
	ActionBasicBlock ActionType = iota
	// ActionMemRead is a memory read.
	ActionMemRead
	// ActionMemWrite is a memory write.
	ActionMemWrite
	// ActionMalloc is an allocation.
	ActionMalloc
	// ActionFree is a deallocation.
	ActionFree
)

// String returns the string representation of an ActionType.
func (a ActionType) String() string {
	switch a {
	case ActionBasicBlock:
		return "block"
	case ActionMemRead:
		return "read"
	case ActionMemWrite:
		return "write"
	case ActionMalloc:
		return "malloc"
	case ActionFree:
		return "free"
	default:
		return "unknown"
	}
}

// Action is one event recorded inside a task, in append order.
//
// Field usage by type:
//   - ActionBasicBlock: BlockID
//   - ActionMemRead, ActionMemWrite: PowSize (access size is 1<<PowSize bytes), Addr
//   - ActionMalloc: Addr, Size
//   - ActionFree: Addr
type Action struct {
	Type    ActionType
	BlockID uint32
	PowSize uint8
	Addr    uint64
	Size    uint64
}

// Task is one node of the task graph.
//
// Edges are never stored one-sided: they are only added through
// [Graph.Link], which updates both endpoints at once.
type Task struct {
	// ID is the unique identifier of the task. Immutable once assigned.
	ID TaskID

	Kind Kind

	// SyncKind is only meaningful when Kind == KindSync.
	SyncKind SyncKind

	// StartTime and EndTime are normalized to the global zero of the trace.
	// EndTime is 0 until the task completes.
	StartTime uint64
	EndTime   uint64

	// Actions recorded in this task, in append order.
	Actions []Action

	// FileOffset is assigned by the linearizer when the task is written.
	FileOffset uint64

	preds []TaskID // sorted, unique
	succs []TaskID // sorted, unique
}

// NewTask creates an empty task of the given kind.
func NewTask(id TaskID, kind Kind) *Task {
	return &Task{ID: id, Kind: kind}
}

// Predecessors returns the tasks this task depends on, in TaskID order.
//
// The returned slice must not be modified.
func (t *Task) Predecessors() []TaskID {
	return t.preds
}

// Successors returns the tasks depending on this task, in TaskID order.
//
// The returned slice must not be modified.
func (t *Task) Successors() []TaskID {
	return t.succs
}

// HasPredecessor reports whether id is a predecessor of t.
func (t *Task) HasPredecessor(id TaskID) bool {
	_, ok := slices.BinarySearch(t.preds, id)
	return ok
}

// HasSuccessor reports whether id is a successor of t.
func (t *Task) HasSuccessor(id TaskID) bool {
	_, ok := slices.BinarySearch(t.succs, id)
	return ok
}

// Finish records the end time of the task.
//
// The end time only moves forward: a value earlier than the recorded one
// is ignored.
func (t *Task) Finish(end uint64) {
	if end > t.EndTime {
		t.EndTime = end
	}
}

// RecordBasicBlock appends a basic-block action.
func (t *Task) RecordBasicBlock(id uint32) {
	t.Actions = append(t.Actions, Action{Type: ActionBasicBlock, BlockID: id})
}

// RecordMemOp appends a memory-access action.
func (t *Task) RecordMemOp(isWrite bool, powSize uint8, addr uint64) {
	typ := ActionMemRead
	if isWrite {
		typ = ActionMemWrite
	}
	t.Actions = append(t.Actions, Action{Type: typ, PowSize: powSize, Addr: addr})
}

// RecordMalloc appends an allocation action.
func (t *Task) RecordMalloc(addr, size uint64) {
	t.Actions = append(t.Actions, Action{Type: ActionMalloc, Addr: addr, Size: size})
}

// RecordFree appends a deallocation action.
func (t *Task) RecordFree(addr uint64) {
	t.Actions = append(t.Actions, Action{Type: ActionFree, Addr: addr})
}

// insertSorted adds id to a sorted set, keeping it sorted and unique.
func insertSorted(set []TaskID, id TaskID) []TaskID {
	i, found := slices.BinarySearch(set, id)
	if found {
		return set
	}
	return slices.Insert(set, i, id)
}
