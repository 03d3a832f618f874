package taskfile

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/kolkov/ctmiddle/internal/ct/graph"
	"github.com/kolkov/ctmiddle/internal/ct/report"
	"github.com/kolkov/ctmiddle/internal/ct/trace"
	"github.com/pkg/errors"
)

// maxCount bounds the action and edge counts of one record. Larger counts
// are treated as corruption rather than allocated.
const maxCount = 1 << 24

// Reader decodes records from a task-graph stream.
type Reader struct {
	r       *bufio.Reader
	version string
	runID   uuid.UUID
	offset  uint64
}

// NewReader reads and validates the stream header.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	version, err := trace.ReadHeader(br, Magic, Version)
	if err != nil {
		return nil, err
	}
	rd := &Reader{r: br, version: version}
	if _, err := io.ReadFull(br, rd.runID[:]); err != nil {
		return nil, errors.Wrap(report.ErrMalformedTrace, "truncated run id")
	}
	rd.offset = uint64(len(Magic) + 1 + len(version) + len(rd.runID))
	return rd, nil
}

// Version returns the format version of the stream.
func (r *Reader) Version() string {
	return r.version
}

// RunID returns the run id stamped by the writer.
func (r *Reader) RunID() uuid.UUID {
	return r.runID
}

// Offset returns the stream position of the next record.
func (r *Reader) Offset() uint64 {
	return r.offset
}

// Next decodes the next record. It returns io.EOF at a clean end of stream
// and an error wrapping report.ErrMalformedTrace on truncation.
func (r *Reader) Next() (*Record, error) {
	if _, err := r.r.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "reading task graph")
	}

	d := &recordDecoder{r: r.r}
	rec := &Record{}
	rec.ID = d.id()
	rec.Kind = graph.Kind(d.u8())
	rec.SyncKind = graph.SyncKind(d.u8())
	rec.StartTime = d.u64()
	rec.EndTime = d.u64()
	rec.FileOffset = d.u64()

	n := d.count()
	for i := uint32(0); i < n && d.err == nil; i++ {
		a := graph.Action{Type: graph.ActionType(d.u8())}
		switch a.Type {
		case graph.ActionBasicBlock:
			a.BlockID = d.u32()
		case graph.ActionMemRead, graph.ActionMemWrite:
			a.PowSize = d.u8()
			a.Addr = d.u64()
		case graph.ActionMalloc:
			a.Addr = d.u64()
			a.Size = d.u64()
		case graph.ActionFree:
			a.Addr = d.u64()
		default:
			d.fail(errors.Errorf("unknown action type %d", a.Type))
		}
		rec.Actions = append(rec.Actions, a)
	}
	rec.Predecessors = d.ids()
	rec.Successors = d.ids()

	if d.err != nil {
		return nil, errors.Wrapf(report.ErrMalformedTrace, "record at offset %d: %v", r.offset, d.err)
	}
	r.offset += d.n
	return rec, nil
}

// recordDecoder reads fixed-width fields and keeps the first error.
type recordDecoder struct {
	r   *bufio.Reader
	buf [8]byte
	n   uint64
	err error
}

func (d *recordDecoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *recordDecoder) read(size int) []byte {
	if d.err != nil {
		return make([]byte, size)
	}
	b := d.buf[:size]
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.fail(errors.New("truncated record"))
		return make([]byte, size)
	}
	d.n += uint64(size)
	return b
}

func (d *recordDecoder) u8() uint8 { return d.read(1)[0] }

func (d *recordDecoder) u32() uint32 { return binary.LittleEndian.Uint32(d.read(4)) }

func (d *recordDecoder) u64() uint64 { return binary.LittleEndian.Uint64(d.read(8)) }

func (d *recordDecoder) id() graph.TaskID {
	ctx := d.u32()
	return graph.NewTaskID(graph.ContextID(ctx), d.u32())
}

func (d *recordDecoder) count() uint32 {
	n := d.u32()
	if n > maxCount {
		d.fail(errors.Errorf("count %d out of range", n))
		return 0
	}
	return n
}

func (d *recordDecoder) ids() []graph.TaskID {
	n := d.count()
	var ids []graph.TaskID
	for i := uint32(0); i < n && d.err == nil; i++ {
		ids = append(ids, d.id())
	}
	return ids
}

// OpenFile is a task-graph stream opened for reading.
type OpenFile struct {
	*Reader

	compressed bool
	closers    []io.Closer
}

// Open opens a task graph for reading. trace.Stdio reads from os.Stdin.
// Gzip streams are detected and decompressed on the fly.
func Open(path string) (*OpenFile, error) {
	var src io.ReadCloser = os.Stdin
	if path != trace.Stdio {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "opening task graph")
		}
		src = f
	}

	r, compressed, closer, err := trace.Decompress(src)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	of := &OpenFile{compressed: compressed}
	if closer != nil {
		of.closers = append(of.closers, closer)
	}
	if path != trace.Stdio {
		of.closers = append(of.closers, src)
	}

	of.Reader, err = NewReader(r)
	if err != nil {
		_ = of.Close()
		return nil, err
	}
	return of, nil
}

// Compressed reports whether the stream was gzip-compressed.
func (f *OpenFile) Compressed() bool {
	return f.compressed
}

// Close releases the decompressor and the underlying file.
func (f *OpenFile) Close() error {
	var first error
	for _, c := range f.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return errors.Wrap(first, "closing task graph")
}
