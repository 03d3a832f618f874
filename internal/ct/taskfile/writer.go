package taskfile

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/kolkov/ctmiddle/internal/ct/graph"
	"github.com/kolkov/ctmiddle/internal/ct/trace"
	"github.com/pkg/errors"
)

// Writer encodes task records. It implements linearize.Sink.
type Writer struct {
	w      *bufio.Writer
	offset uint64
	tasks  int
	buf    []byte
}

// NewWriter writes the stream header, stamped with runID.
func NewWriter(w io.Writer, runID uuid.UUID) (*Writer, error) {
	bw := bufio.NewWriter(w)
	if err := trace.WriteHeader(bw, Magic, Version); err != nil {
		return nil, err
	}
	if _, err := bw.Write(runID[:]); err != nil {
		return nil, errors.Wrap(err, "writing run id")
	}
	return &Writer{
		w:      bw,
		offset: uint64(len(Magic) + 1 + len(Version) + len(runID)),
	}, nil
}

// Offset returns the stream position of the next record.
func (w *Writer) Offset() uint64 {
	return w.offset
}

// Tasks returns the number of records written.
func (w *Writer) Tasks() int {
	return w.tasks
}

// WriteTask encodes t at the current offset.
func (w *Writer) WriteTask(t *graph.Task) error {
	return w.WriteRecord(FromTask(t))
}

// WriteRecord encodes r at the current offset.
func (w *Writer) WriteRecord(r Record) error {
	le := binary.LittleEndian
	b := w.buf[:0]
	b = le.AppendUint32(b, uint32(r.ID.Context()))
	b = le.AppendUint32(b, r.ID.Seq())
	b = append(b, byte(r.Kind), byte(r.SyncKind))
	b = le.AppendUint64(b, r.StartTime)
	b = le.AppendUint64(b, r.EndTime)
	b = le.AppendUint64(b, r.FileOffset)

	b = le.AppendUint32(b, uint32(len(r.Actions))) //nolint:gosec // G115: action counts fit in 32 bits.
	for _, a := range r.Actions {
		b = append(b, byte(a.Type))
		switch a.Type {
		case graph.ActionBasicBlock:
			b = le.AppendUint32(b, a.BlockID)
		case graph.ActionMemRead, graph.ActionMemWrite:
			b = append(b, a.PowSize)
			b = le.AppendUint64(b, a.Addr)
		case graph.ActionMalloc:
			b = le.AppendUint64(b, a.Addr)
			b = le.AppendUint64(b, a.Size)
		case graph.ActionFree:
			b = le.AppendUint64(b, a.Addr)
		}
	}
	b = appendIDs(b, r.Predecessors)
	b = appendIDs(b, r.Successors)
	w.buf = b

	if _, err := w.w.Write(b); err != nil {
		return errors.Wrapf(err, "writing task %s", r.ID)
	}
	w.offset += uint64(len(b))
	w.tasks++
	return nil
}

// Flush writes buffered records to the underlying writer.
func (w *Writer) Flush() error {
	return errors.Wrap(w.w.Flush(), "flushing task graph")
}

func appendIDs(b []byte, ids []graph.TaskID) []byte {
	le := binary.LittleEndian
	b = le.AppendUint32(b, uint32(len(ids))) //nolint:gosec // G115: edge counts fit in 32 bits.
	for _, id := range ids {
		b = le.AppendUint32(b, uint32(id.Context()))
		b = le.AppendUint32(b, id.Seq())
	}
	return b
}

// countingWriter counts the bytes that reached the underlying writer.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// File is a task-graph stream opened for writing.
type File struct {
	*Writer

	counter *countingWriter
	gz      *gzip.Writer
	file    *os.File
	path    string
}

// Create opens path for writing a task graph. trace.Stdio writes to
// os.Stdout. With compress set the stream is gzip-compressed.
func Create(path string, compress bool, runID uuid.UUID) (*File, error) {
	f := &File{}
	var dst io.Writer = os.Stdout
	if path != trace.Stdio {
		file, err := os.Create(path)
		if err != nil {
			return nil, errors.Wrap(err, "creating task graph")
		}
		f.file = file
		f.path = path
		dst = file
	}
	f.counter = &countingWriter{w: dst}
	dst = f.counter
	if compress {
		f.gz = gzip.NewWriter(dst)
		dst = f.gz
	}

	var err error
	f.Writer, err = NewWriter(dst, runID)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

// BytesWritten returns the number of bytes that reached the destination,
// after compression.
func (f *File) BytesWritten() int64 {
	return f.counter.n
}

// Close flushes the records, finishes the gzip stream and closes the file.
func (f *File) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if f.Writer != nil {
		keep(f.Writer.Flush())
	}
	if f.gz != nil {
		keep(f.gz.Close())
	}
	if f.file != nil {
		keep(f.file.Close())
	}
	return errors.Wrap(first, "closing task graph")
}

// Discard closes the stream and removes the file. Standard output cannot be
// taken back and is only closed.
func (f *File) Discard() error {
	err := f.Close()
	if f.path == "" {
		return err
	}
	if rmErr := os.Remove(f.path); rmErr != nil {
		return errors.Wrap(rmErr, "removing task graph")
	}
	return err
}
