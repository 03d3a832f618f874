package taskfile

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/kolkov/ctmiddle/internal/ct/graph"
	"github.com/kolkov/ctmiddle/internal/ct/report"
	"github.com/pkg/errors"
)

var testRun = uuid.MustParse("6f0c6b34-5d0e-4b8a-9f55-3a1d2b7c9e01")

// sampleGraph returns a root with one sync child, linked both ways.
func sampleGraph(t *testing.T) (*graph.Graph, []graph.TaskID) {
	t.Helper()
	g := graph.New()

	root := graph.NewTask(graph.NewTaskID(0, 0), graph.KindBasicBlocks)
	root.RecordBasicBlock(7)
	root.RecordMemOp(false, 2, 0x1000)
	root.RecordMemOp(true, 3, 0x1008)
	root.Finish(40)

	lock := graph.NewTask(graph.NewTaskID(0, 1), graph.KindSync)
	lock.SyncKind = graph.SyncLock
	lock.StartTime = 40
	lock.RecordMalloc(0x2000, 64)
	lock.RecordFree(0x2000)
	lock.Finish(55)

	for _, task := range []*graph.Task{root, lock} {
		if err := g.Add(task); err != nil {
			t.Fatalf("Add(%s): %v", task.ID, err)
		}
	}
	if err := g.Link(root.ID, lock.ID); err != nil {
		t.Fatalf("Link: %v", err)
	}
	return g, []graph.TaskID{root.ID, lock.ID}
}

func writeAll(t *testing.T, w *Writer, g *graph.Graph, ids []graph.TaskID) []Record {
	t.Helper()
	var want []Record
	for _, tid := range ids {
		task, _ := g.Get(tid)
		task.FileOffset = w.Offset()
		if err := w.WriteTask(task); err != nil {
			t.Fatalf("WriteTask(%s): %v", tid, err)
		}
		want = append(want, FromTask(task))
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	return want
}

func readAll(t *testing.T, r *Reader) []Record {
	t.Helper()
	var got []Record
	for {
		off := r.Offset()
		rec, err := r.Next()
		if err == io.EOF {
			return got
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if rec.FileOffset != off {
			t.Errorf("record %s FileOffset = %d, read at %d", rec.ID, rec.FileOffset, off)
		}
		got = append(got, *rec)
	}
}

// TestWriter_RoundTrip verifies records decode to the tasks they were written from,
// and that each record's offset matches its position in the stream.
func TestWriter_RoundTrip(t *testing.T) {
	g, ids := sampleGraph(t)
	var buf bytes.Buffer

	w, err := NewWriter(&buf, testRun)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	headerLen := w.Offset()
	want := writeAll(t, w, g, ids)

	if want[0].FileOffset != headerLen {
		t.Errorf("first record at %d, want right after the %d-byte header", want[0].FileOffset, headerLen)
	}
	if w.Offset() != uint64(buf.Len()) {
		t.Errorf("Offset() = %d after flush, stream holds %d bytes", w.Offset(), buf.Len())
	}
	if w.Tasks() != 2 {
		t.Errorf("Tasks() = %d, want 2", w.Tasks())
	}

	r, err := NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if r.RunID() != testRun {
		t.Errorf("RunID() = %s, want %s", r.RunID(), testRun)
	}
	if r.Version() != Version {
		t.Errorf("Version() = %q, want %q", r.Version(), Version)
	}
	got := readAll(t, r)
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

// TestReader_Truncated verifies a record cut short is malformed, not EOF.
func TestReader_Truncated(t *testing.T) {
	g, ids := sampleGraph(t)
	var buf bytes.Buffer
	w, err := NewWriter(&buf, testRun)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	writeAll(t, w, g, ids)

	cut := buf.Bytes()[:buf.Len()-3]
	r, err := NewReader(bytes.NewReader(cut))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if _, err := r.Next(); err != nil {
		t.Fatalf("first record: %v", err)
	}
	_, err = r.Next()
	if errors.Cause(err) != report.ErrMalformedTrace {
		t.Errorf("Next error = %v, want ErrMalformedTrace", err)
	}
}

// TestReader_BadHeader verifies a trace stream is not accepted as a task graph.
func TestReader_BadHeader(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  error
	}{
		{"empty", nil, report.ErrEmptyTrace},
		{"wrong magic", []byte("CTEV\x06v1.0.0"), report.ErrMalformedTrace},
		{"missing run id", []byte("CTTG\x06v1.0.0\x01\x02"), report.ErrMalformedTrace},
		{"future major", []byte("CTTG\x06v2.0.0"), report.ErrMalformedTrace},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(bytes.NewReader(tt.input))
			if errors.Cause(err) != tt.want {
				t.Errorf("NewReader error = %v, want %v", err, tt.want)
			}
		})
	}
}

// TestCreate_Compressed verifies a gzip file reads back through Open
// with offsets counted in the uncompressed stream.
func TestCreate_Compressed(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "gzip"
		}
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out.ctg")
			g, ids := sampleGraph(t)

			f, err := Create(path, compress, testRun)
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			want := writeAll(t, f.Writer, g, ids)
			if err := f.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			raw, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			isGzip := len(raw) > 2 && raw[0] == 0x1f && raw[1] == 0x8b
			if isGzip != compress {
				t.Errorf("gzip magic present = %v, want %v", isGzip, compress)
			}
			if f.BytesWritten() != int64(len(raw)) {
				t.Errorf("BytesWritten() = %d, file holds %d", f.BytesWritten(), len(raw))
			}

			in, err := Open(path)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer in.Close()
			if in.Compressed() != compress {
				t.Errorf("Compressed() = %v, want %v", in.Compressed(), compress)
			}
			got := readAll(t, in.Reader)
			if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("records mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFile_Discard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.ctg")
	f, err := Create(path, true, testRun)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.Discard(); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("file still exists after Discard: %v", err)
	}
}
