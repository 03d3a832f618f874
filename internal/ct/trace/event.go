// Package trace reads and writes the event stream emitted by an instrumented
// program.
//
// The stream is a linear sequence of events, each tagged with the context
// (thread) that produced it. Events of different contexts are interleaved;
// events of one context appear in program order.
//
// Stream Layout (little-endian):
//
//	header:  "CTEV" | u8 len | version (semver, "v1.x.y")
//	event:   u8 kind | u32 context | u32 payload length | payload
//
// The payload length makes every frame skippable, so kinds this package does
// not know are returned as [KindUnknown] events instead of failing the read.
//
// Compression: [Open] accepts both plain and gzip streams and tells them apart
// by peeking at the first two bytes (0x1f 0x8b) without consuming them.
package trace

import "fmt"

// Kind is the discriminator of an event.
type Kind uint8

const (
	// KindUnknown is any kind not listed below. Such events carry no payload
	// fields and are skipped by the interpreter.
	KindUnknown Kind = 0
	// KindTaskCreate: a context created another one, or a context was born.
	KindTaskCreate Kind = 1
	// KindSync: an operation on a lock, condition variable or user primitive.
	KindSync Kind = 2
	// KindBarrier: entry into or exit from a barrier.
	KindBarrier Kind = 3
	// KindTaskJoin: a context exited, or joined another context.
	KindTaskJoin Kind = 4
	// KindBasicBlock: a basic block executed, with its memory operations.
	KindBasicBlock Kind = 5
	// KindMemory: an allocation or deallocation.
	KindMemory Kind = 6
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case KindTaskCreate:
		return "task-create"
	case KindSync:
		return "sync"
	case KindBarrier:
		return "barrier"
	case KindTaskJoin:
		return "task-join"
	case KindBasicBlock:
		return "basic-block"
	case KindMemory:
		return "memory"
	default:
		return "unknown"
	}
}

// SyncType is the operation of a sync event.
type SyncType uint8

const (
	SyncAcquire SyncType = iota
	SyncRelease
	SyncCondWait
	SyncCondSignal
	SyncUser
)

// String returns the string representation of a SyncType.
func (s SyncType) String() string {
	switch s {
	case SyncAcquire:
		return "acquire"
	case SyncRelease:
		return "release"
	case SyncCondWait:
		return "cond-wait"
	case SyncCondSignal:
		return "cond-signal"
	case SyncUser:
		return "user"
	default:
		return fmt.Sprintf("sync(%d)", uint8(s))
	}
}

// MemOp is one memory operation of a basic block.
type MemOp struct {
	IsWrite bool
	// PowSize is the size class: the access covers 1<<PowSize bytes.
	PowSize uint8
	Addr    uint64
}

// Event is one record of the trace.
//
// Field usage by kind:
//   - KindTaskCreate: Other, Start, End, Skew
//   - KindSync:       Addr, SyncType, Start, End
//   - KindBarrier:    Addr, OnEnter, Start, End
//   - KindTaskJoin:   Other, IsExit, Start, End
//   - KindBasicBlock: BlockID, MemOps
//   - KindMemory:     IsAllocate, Addr, Size
//
// RawKind keeps the on-disk kind byte, which differs from Kind for
// KindUnknown events.
type Event struct {
	Kind    Kind
	RawKind uint8
	Context uint32

	Other uint32
	Start uint64
	End   uint64
	Skew  int64

	Addr     uint64
	SyncType SyncType
	OnEnter  bool
	IsExit   bool

	BlockID uint32
	MemOps  []MemOp

	IsAllocate bool
	Size       uint64
}

// HasTime reports whether the event carries a start/end timestamp pair.
func (e *Event) HasTime() bool {
	switch e.Kind {
	case KindTaskCreate, KindSync, KindBarrier, KindTaskJoin:
		return true
	default:
		return false
	}
}

// String returns a one-line description of the event for diagnostics.
func (e *Event) String() string {
	switch e.Kind {
	case KindTaskCreate:
		return fmt.Sprintf("task-create ctx=%d other=%d start=%d end=%d skew=%d",
			e.Context, e.Other, e.Start, e.End, e.Skew)
	case KindSync:
		return fmt.Sprintf("sync ctx=%d addr=0x%x type=%s start=%d end=%d",
			e.Context, e.Addr, e.SyncType, e.Start, e.End)
	case KindBarrier:
		return fmt.Sprintf("barrier ctx=%d addr=0x%x enter=%t start=%d end=%d",
			e.Context, e.Addr, e.OnEnter, e.Start, e.End)
	case KindTaskJoin:
		return fmt.Sprintf("task-join ctx=%d other=%d exit=%t start=%d end=%d",
			e.Context, e.Other, e.IsExit, e.Start, e.End)
	case KindBasicBlock:
		return fmt.Sprintf("basic-block ctx=%d id=%d memops=%d",
			e.Context, e.BlockID, len(e.MemOps))
	case KindMemory:
		if e.IsAllocate {
			return fmt.Sprintf("malloc ctx=%d addr=0x%x size=%d", e.Context, e.Addr, e.Size)
		}
		return fmt.Sprintf("free ctx=%d addr=0x%x", e.Context, e.Addr)
	default:
		return fmt.Sprintf("unknown(%d) ctx=%d", e.RawKind, e.Context)
	}
}
