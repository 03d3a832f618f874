package middle

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/kolkov/ctmiddle/internal/ct/graph"
	"github.com/kolkov/ctmiddle/internal/ct/taskfile"
	"github.com/kolkov/ctmiddle/internal/ct/trace"
	"github.com/pkg/errors"
)

// base is the raw clock value of the first event of context 0.
const base = 1000

func create(ctx, other uint32, start, end uint64, skew int64) *trace.Event {
	return &trace.Event{Kind: trace.KindTaskCreate, Context: ctx, Other: other,
		Start: base + start, End: base + end, Skew: skew}
}

func sync(ctx uint32, op trace.SyncType, addr, start, end uint64) *trace.Event {
	return &trace.Event{Kind: trace.KindSync, Context: ctx, SyncType: op, Addr: addr,
		Start: base + start, End: base + end}
}

func barrierAt(ctx uint32, enter bool, addr, start, end uint64) *trace.Event {
	return &trace.Event{Kind: trace.KindBarrier, Context: ctx, OnEnter: enter, Addr: addr,
		Start: base + start, End: base + end}
}

func join(ctx, other uint32, exit bool, start, end uint64) *trace.Event {
	return &trace.Event{Kind: trace.KindTaskJoin, Context: ctx, Other: other, IsExit: exit,
		Start: base + start, End: base + end}
}

func block(ctx, id uint32, ops ...trace.MemOp) *trace.Event {
	return &trace.Event{Kind: trace.KindBasicBlock, Context: ctx, BlockID: id, MemOps: ops}
}

// twoContexts starts context 0 and spawns context 1 with zero skew.
func twoContexts() []*trace.Event {
	return []*trace.Event{
		create(0, 0, 0, 0, 0),
		create(0, 1, 10, 12, 0),
		create(1, 0, 11, 13, 0),
	}
}

// encode writes events into an in-memory trace stream.
func encode(t *testing.T, events []*trace.Event) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w, err := trace.NewWriter(&buf)
	if err != nil {
		t.Fatalf("trace.NewWriter: %v", err)
	}
	for _, ev := range events {
		if err := w.Write(ev); err != nil {
			t.Fatalf("Write(%s): %v", ev, err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	return &buf
}

// decode reads every record of a task-graph stream.
func decode(t *testing.T, r io.Reader) []taskfile.Record {
	t.Helper()
	tr, err := taskfile.NewReader(r)
	if err != nil {
		t.Fatalf("taskfile.NewReader: %v", err)
	}
	var recs []taskfile.Record
	for {
		rec, err := tr.Next()
		if err == io.EOF {
			return recs
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		recs = append(recs, *rec)
	}
}

// run reconstructs events with verification on and decodes the output.
func run(t *testing.T, events []*trace.Event) (Stats, []taskfile.Record) {
	t.Helper()
	var out bytes.Buffer
	stats, err := Run(encode(t, events), &out, Options{Verify: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return stats, decode(t, &out)
}

func byID(recs []taskfile.Record) map[graph.TaskID]taskfile.Record {
	m := make(map[graph.TaskID]taskfile.Record, len(recs))
	for _, r := range recs {
		m[r.ID] = r
	}
	return m
}

func position(recs []taskfile.Record) map[graph.TaskID]int {
	m := make(map[graph.TaskID]int, len(recs))
	for i, r := range recs {
		m[r.ID] = i
	}
	return m
}

func ofKind(recs []taskfile.Record, kind graph.Kind) []taskfile.Record {
	var out []taskfile.Record
	for _, r := range recs {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func tid(ctx graph.ContextID, seq uint32) graph.TaskID {
	return graph.NewTaskID(ctx, seq)
}

// TestRun_CreateEdge verifies one create task links to the child's first
// task and is written before it.
func TestRun_CreateEdge(t *testing.T) {
	stats, recs := run(t, twoContexts())

	creates := ofKind(recs, graph.KindCreate)
	if len(creates) != 1 {
		t.Fatalf("got %d create tasks, want 1", len(creates))
	}
	c := creates[0]
	if c.ID.Context() != 0 {
		t.Errorf("create task %s not in context 0", c.ID)
	}
	if diff := cmp.Diff([]graph.TaskID{tid(0, 2), tid(1, 0)}, c.Successors); diff != "" {
		t.Errorf("create successors mismatch (-want +got):\n%s", diff)
	}

	pos := position(recs)
	if pos[c.ID] > pos[tid(1, 0)] {
		t.Errorf("create task written at %d, after child's first task at %d", pos[c.ID], pos[tid(1, 0)])
	}

	child := byID(recs)[tid(1, 0)]
	if child.StartTime != 13 {
		t.Errorf("child StartTime = %d, want 13", child.StartTime)
	}
	if stats.Contexts != 2 || stats.Tasks != len(recs) || stats.Written != len(recs) {
		t.Errorf("stats = %+v, want 2 contexts and %d tasks written", stats, len(recs))
	}
}

// TestRun_SyncEdge verifies a second acquire depends on the first.
func TestRun_SyncEdge(t *testing.T) {
	events := append(twoContexts(),
		sync(0, trace.SyncAcquire, 0x1000, 20, 21),
		sync(1, trace.SyncAcquire, 0x1000, 30, 31),
	)
	_, recs := run(t, events)

	syncs := ofKind(recs, graph.KindSync)
	if len(syncs) != 2 {
		t.Fatalf("got %d sync tasks, want 2", len(syncs))
	}
	var a, b taskfile.Record
	for _, s := range syncs {
		if s.ID.Context() == 0 {
			a = s
		} else {
			b = s
		}
	}
	if !contains(a.Successors, b.ID) || !contains(b.Predecessors, a.ID) {
		t.Errorf("missing edge %s -> %s", a.ID, b.ID)
	}
	if b.SyncKind != graph.SyncLock {
		t.Errorf("SyncKind = %s, want lock", b.SyncKind)
	}
	wantAddr := graph.Action{Type: graph.ActionMemWrite, PowSize: 3, Addr: 0x1000}
	if diff := cmp.Diff([]graph.Action{wantAddr}, b.Actions); diff != "" {
		t.Errorf("sync actions mismatch (-want +got):\n%s", diff)
	}
}

// TestRun_Barrier verifies both contexts share one barrier task.
func TestRun_Barrier(t *testing.T) {
	events := append(twoContexts(),
		barrierAt(0, true, 0x2000, 20, 21),
		barrierAt(1, true, 0x2000, 25, 26),
		barrierAt(0, false, 0x2000, 30, 32),
		barrierAt(1, false, 0x2000, 31, 33),
	)
	_, recs := run(t, events)

	barriers := ofKind(recs, graph.KindBarrier)
	if len(barriers) != 1 {
		t.Fatalf("got %d barrier tasks, want 1", len(barriers))
	}
	b := barriers[0]
	// Context 0 arrived first: the barrier takes its next ID and its
	// continuation comes right after.
	if b.ID != tid(0, 3) {
		t.Errorf("barrier ID = %s, want 0:3", b.ID)
	}
	if diff := cmp.Diff([]graph.TaskID{tid(0, 2), tid(1, 0)}, b.Predecessors); diff != "" {
		t.Errorf("barrier predecessors mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]graph.TaskID{tid(0, 4), tid(1, 1)}, b.Successors); diff != "" {
		t.Errorf("barrier successors mismatch (-want +got):\n%s", diff)
	}
	if b.StartTime != 25 || b.EndTime != 33 {
		t.Errorf("barrier span = [%d, %d], want [25, 33]", b.StartTime, b.EndTime)
	}
}

// TestRun_BarrierLoop verifies a context that leaves a barrier and arrives
// again before the other participant left starts the next episode.
func TestRun_BarrierLoop(t *testing.T) {
	events := append(twoContexts(),
		barrierAt(0, true, 0x2000, 20, 20),
		barrierAt(1, true, 0x2000, 21, 21),
		barrierAt(1, false, 0x2000, 22, 22),
		barrierAt(1, true, 0x2000, 23, 23),
		barrierAt(0, false, 0x2000, 24, 24),
		barrierAt(0, true, 0x2000, 25, 25),
		barrierAt(1, false, 0x2000, 26, 26),
		barrierAt(0, false, 0x2000, 27, 27),
	)
	stats, recs := run(t, events)
	if stats.Written != 10 {
		t.Errorf("Written = %d, want 10", stats.Written)
	}

	got := byID(ofKind(recs, graph.KindBarrier))
	want := []struct {
		id           graph.TaskID
		preds, succs []graph.TaskID
	}{
		{tid(0, 3), []graph.TaskID{tid(0, 2), tid(1, 0)}, []graph.TaskID{tid(0, 4), tid(1, 1)}},
		{tid(1, 2), []graph.TaskID{tid(0, 4), tid(1, 1)}, []graph.TaskID{tid(0, 5), tid(1, 3)}},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d barrier tasks, want %d", len(got), len(want))
	}
	for _, w := range want {
		b, ok := got[w.id]
		if !ok {
			t.Errorf("barrier %s missing", w.id)
			continue
		}
		if diff := cmp.Diff(w.preds, b.Predecessors); diff != "" {
			t.Errorf("%s predecessors mismatch (-want +got):\n%s", w.id, diff)
		}
		if diff := cmp.Diff(w.succs, b.Successors); diff != "" {
			t.Errorf("%s successors mismatch (-want +got):\n%s", w.id, diff)
		}
	}
	pos := position(recs)
	if pos[tid(0, 3)] > pos[tid(1, 2)] {
		t.Error("second barrier written before the first")
	}
}

// TestRun_JoinStart verifies a join starts when the joined context exited.
func TestRun_JoinStart(t *testing.T) {
	events := append(twoContexts(),
		join(1, 0, true, 100, 100),
		join(0, 1, false, 90, 101),
	)
	_, recs := run(t, events)

	joins := ofKind(recs, graph.KindJoin)
	if len(joins) != 1 {
		t.Fatalf("got %d join tasks, want 1", len(joins))
	}
	j := joins[0]
	if j.StartTime != 100 {
		t.Errorf("join StartTime = %d, want 100", j.StartTime)
	}
	if !contains(j.Predecessors, tid(1, 0)) {
		t.Errorf("join predecessors %v lack the last task of context 1", j.Predecessors)
	}
}

// TestRun_UnknownContext verifies an event of a context that was never
// created is fatal and produces no output.
func TestRun_UnknownContext(t *testing.T) {
	events := append(twoContexts(), block(5, 1))
	var out bytes.Buffer

	_, err := Run(encode(t, events), &out, Options{})
	if !errors.Is(err, ErrUnknownContext) {
		t.Fatalf("Run error = %v, want ErrUnknownContext", err)
	}
	var d *Diagnostic
	if !errors.As(err, &d) {
		t.Fatalf("Run error %T is not a *Diagnostic", err)
	}
	if d.Index != 4 {
		t.Errorf("Diagnostic.Index = %d, want 4", d.Index)
	}
	if out.Len() != 0 {
		t.Errorf("wrote %d bytes on failure, want none", out.Len())
	}
}

// TestRun_JoinBeforeExit verifies joining a running context is fatal.
func TestRun_JoinBeforeExit(t *testing.T) {
	events := append(twoContexts(), join(0, 1, false, 90, 101))
	_, err := Run(encode(t, events), io.Discard, Options{})
	if !errors.Is(err, ErrJoinOrder) {
		t.Errorf("Run error = %v, want ErrJoinOrder", err)
	}
}

// TestRun_EmptyTrace verifies streams without events are rejected.
func TestRun_EmptyTrace(t *testing.T) {
	tests := []struct {
		name  string
		input *bytes.Buffer
	}{
		{"no bytes", &bytes.Buffer{}},
		{"header only", encode(t, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Run(tt.input, io.Discard, Options{})
			if !errors.Is(err, ErrEmptyTrace) {
				t.Errorf("Run error = %v, want ErrEmptyTrace", err)
			}
		})
	}
}

// TestRun_Invariants runs a trace touching every event kind and checks
// edge symmetry, completeness and ordering on the written graph.
func TestRun_Invariants(t *testing.T) {
	events := append(twoContexts(),
		block(0, 1, trace.MemOp{IsWrite: true, PowSize: 2, Addr: 0x10}),
		&trace.Event{Kind: trace.KindMemory, Context: 1, IsAllocate: true, Addr: 0x500, Size: 32},
		sync(1, trace.SyncAcquire, 0x1000, 14, 15),
		sync(1, trace.SyncRelease, 0x1000, 16, 17),
		sync(0, trace.SyncAcquire, 0x1000, 18, 19),
		barrierAt(1, true, 0x2000, 20, 21),
		barrierAt(0, true, 0x2000, 22, 23),
		barrierAt(0, false, 0x2000, 24, 26),
		barrierAt(1, false, 0x2000, 25, 27),
		join(1, 0, true, 40, 40),
		join(0, 1, false, 41, 45),
		&trace.Event{Kind: trace.KindUnknown, RawKind: 99, Context: 0},
	)
	stats, recs := run(t, events)

	if stats.Written != stats.Tasks {
		t.Errorf("wrote %d of %d tasks", stats.Written, stats.Tasks)
	}
	if stats.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", stats.Skipped)
	}

	seen := byID(recs)
	if len(seen) != len(recs) {
		t.Errorf("%d records but %d distinct tasks", len(recs), len(seen))
	}
	pos := position(recs)
	for _, r := range recs {
		for _, s := range r.Successors {
			if !contains(seen[s].Predecessors, r.ID) {
				t.Errorf("edge %s -> %s missing on the successor side", r.ID, s)
			}
		}
		for _, p := range r.Predecessors {
			if !contains(seen[p].Successors, r.ID) {
				t.Errorf("edge %s -> %s missing on the predecessor side", p, r.ID)
			}
			if pos[p] > pos[r.ID] {
				t.Errorf("task %s written before its predecessor %s", r.ID, p)
			}
		}
	}
	if last := recs[len(recs)-1]; stats.Bytes <= last.FileOffset {
		t.Errorf("Bytes = %d, not past the last record at %d", stats.Bytes, last.FileOffset)
	}
}

// TestRun_ClockNormalization verifies a child's clock is shifted by its
// parent's offset plus the reported skew.
func TestRun_ClockNormalization(t *testing.T) {
	events := []*trace.Event{
		create(0, 0, 0, 0, 0),
		create(0, 1, 10, 12, 0),
		// Context 1's clock runs 500 ahead of context 0's.
		{Kind: trace.KindTaskCreate, Context: 1, Other: 0, Start: base + 511, End: base + 513, Skew: 500},
		{Kind: trace.KindSync, Context: 1, SyncType: trace.SyncAcquire, Addr: 0x1000, Start: base + 520, End: base + 521},
	}
	_, recs := run(t, events)

	seen := byID(recs)
	if got := seen[tid(1, 0)].StartTime; got != 13 {
		t.Errorf("child first task StartTime = %d, want 13", got)
	}
	if got := seen[tid(1, 1)]; got.StartTime != 20 || got.EndTime != 21 {
		t.Errorf("child sync span = [%d, %d], want [20, 21]", got.StartTime, got.EndTime)
	}
}

// TestReconstruct_Gzip verifies compressed traces are detected.
func TestReconstruct_Gzip(t *testing.T) {
	var zbuf bytes.Buffer
	zw := gzip.NewWriter(&zbuf)
	if _, err := zw.Write(encode(t, twoContexts()).Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	g, err := Reconstruct(&zbuf, Options{})
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if !g.Stats().Compressed {
		t.Error("Compressed = false for a gzip trace")
	}
}

// TestGraph_WriteFile verifies the run id and a second write.
func TestGraph_WriteFile(t *testing.T) {
	runID := uuid.MustParse("0b9e1c2a-7f3d-4e55-8a61-2c4d6e8f0a13")
	g, err := Reconstruct(encode(t, twoContexts()), Options{RunID: runID})
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	path := filepath.Join(t.TempDir(), "graph.ctg")
	stats, err := g.WriteFile(path, true)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if stats.Written != 4 {
		t.Errorf("Written = %d, want 4", stats.Written)
	}

	f, err := taskfile.Open(path)
	if err != nil {
		t.Fatalf("taskfile.Open: %v", err)
	}
	defer f.Close()
	if f.RunID() != runID {
		t.Errorf("RunID = %s, want %s", f.RunID(), runID)
	}

	if _, err := g.Write(io.Discard); err == nil {
		t.Error("second write succeeded")
	}
}

func TestGetInfo(t *testing.T) {
	want := Info{Version: Version, TraceFormat: trace.Version, GraphFormat: taskfile.Version}
	if diff := cmp.Diff(want, GetInfo()); diff != "" {
		t.Errorf("GetInfo mismatch (-want +got):\n%s", diff)
	}
}

func contains(ids []graph.TaskID, id graph.TaskID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
