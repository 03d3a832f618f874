// Package taskfile writes and reads the task-graph stream produced by the
// middle layer.
//
// Stream Layout (little-endian):
//
//	header: "CTTG" | u8 len | version | run id (16 bytes, UUID)
//	record: u32 ctx | u32 seq | u8 kind | u8 syncKind
//	        u64 start | u64 end | u64 file offset
//	        u32 nActions | actions
//	        u32 nPreds | nPreds x (u32 ctx, u32 seq)
//	        u32 nSuccs | nSuccs x (u32 ctx, u32 seq)
//	action: u8 type, then
//	        block:  u32 id
//	        read/write: u8 powSize, u64 addr
//	        malloc: u64 addr, u64 size
//	        free:   u64 addr
//
// The file offset of a record is its byte position in the uncompressed
// stream, header included. Records appear in linearization order: every
// record comes after the records of its predecessors.
package taskfile

import (
	"github.com/kolkov/ctmiddle/internal/ct/graph"
)

const (
	// Magic opens every task-graph stream.
	Magic = "CTTG"

	// Version is the format version written by [Writer].
	Version = "v1.0.0"
)

// Record is one decoded task.
type Record struct {
	ID           graph.TaskID
	Kind         graph.Kind
	SyncKind     graph.SyncKind
	StartTime    uint64
	EndTime      uint64
	FileOffset   uint64
	Actions      []graph.Action
	Predecessors []graph.TaskID
	Successors   []graph.TaskID
}

// FromTask copies the fields of t into a Record.
func FromTask(t *graph.Task) Record {
	return Record{
		ID:           t.ID,
		Kind:         t.Kind,
		SyncKind:     t.SyncKind,
		StartTime:    t.StartTime,
		EndTime:      t.EndTime,
		FileOffset:   t.FileOffset,
		Actions:      t.Actions,
		Predecessors: t.Predecessors(),
		Successors:   t.Successors(),
	}
}
