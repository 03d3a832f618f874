package trace

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/kolkov/ctmiddle/internal/ct/report"
	"github.com/pkg/errors"
	"golang.org/x/mod/semver"
)

const (
	// Magic opens every trace stream.
	Magic = "CTEV"

	// Version is the format version written by [Writer]. Readers accept any
	// stream with the same major version.
	Version = "v1.0.0"

	// frameHeaderSize is u8 kind + u32 context + u32 payload length.
	frameHeaderSize = 9

	// maxPayload bounds a single frame. Larger lengths are treated as
	// corruption rather than allocated.
	maxPayload = 64 << 20

	// memOpSize is u8 isWrite + u8 powSize + u64 addr.
	memOpSize = 10
)

// Reader decodes events from a trace stream.
type Reader struct {
	r       *bufio.Reader
	version string
	header  [frameHeaderSize]byte
	payload []byte
}

// NewReader reads and validates the stream header.
//
// Returns an error wrapping report.ErrEmptyTrace if the stream holds no
// bytes at all, and report.ErrMalformedTrace if the header is invalid or
// its major version is not supported.
func NewReader(r io.Reader) (*Reader, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	version, err := ReadHeader(br, Magic, Version)
	if err != nil {
		return nil, err
	}
	return &Reader{r: br, version: version}, nil
}

// Version returns the format version found in the stream header.
func (r *Reader) Version() string {
	return r.version
}

// Next decodes the next event.
//
// Returns io.EOF when the stream ends cleanly on a frame boundary. A stream
// cut inside a frame returns an error wrapping report.ErrMalformedTrace.
func (r *Reader) Next() (*Event, error) {
	if _, err := io.ReadFull(r.r, r.header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errors.Wrap(report.ErrMalformedTrace, "truncated event frame")
	}

	raw := r.header[0]
	ctx := binary.LittleEndian.Uint32(r.header[1:5])
	n := binary.LittleEndian.Uint32(r.header[5:9])
	if n > maxPayload {
		return nil, errors.Wrapf(report.ErrMalformedTrace, "event payload of %d bytes", n)
	}
	if cap(r.payload) < int(n) {
		r.payload = make([]byte, n)
	}
	r.payload = r.payload[:n]
	if _, err := io.ReadFull(r.r, r.payload); err != nil {
		return nil, errors.Wrap(report.ErrMalformedTrace, "truncated event payload")
	}

	ev := &Event{Kind: Kind(raw), RawKind: raw, Context: ctx}
	if err := decodePayload(ev, r.payload); err != nil {
		return nil, err
	}
	return ev, nil
}

// decodePayload fills the kind-specific fields of ev.
func decodePayload(ev *Event, p []byte) error {
	d := decoder{b: p}
	switch ev.Kind {
	case KindTaskCreate:
		ev.Other = d.u32()
		ev.Start = d.u64()
		ev.End = d.u64()
		ev.Skew = int64(d.u64()) //nolint:gosec // G115: two's complement on the wire.
	case KindSync:
		ev.SyncType = SyncType(d.u8())
		ev.Addr = d.u64()
		ev.Start = d.u64()
		ev.End = d.u64()
	case KindBarrier:
		ev.OnEnter = d.u8() != 0
		ev.Addr = d.u64()
		ev.Start = d.u64()
		ev.End = d.u64()
	case KindTaskJoin:
		ev.IsExit = d.u8() != 0
		ev.Other = d.u32()
		ev.Start = d.u64()
		ev.End = d.u64()
	case KindBasicBlock:
		ev.BlockID = d.u32()
		n := d.u32()
		if uint64(n)*memOpSize > uint64(len(d.b)) {
			return errors.Wrapf(report.ErrMalformedTrace, "basic block with %d memory ops in %d bytes", n, len(p))
		}
		ev.MemOps = make([]MemOp, n)
		for i := range ev.MemOps {
			ev.MemOps[i] = MemOp{IsWrite: d.u8() != 0, PowSize: d.u8(), Addr: d.u64()}
		}
	case KindMemory:
		ev.IsAllocate = d.u8() != 0
		ev.Addr = d.u64()
		ev.Size = d.u64()
	default:
		// Forward compatibility: the frame was consumed, fields stay zero.
		ev.Kind = KindUnknown
		return nil
	}
	if d.short {
		return errors.Wrapf(report.ErrMalformedTrace, "%s payload of %d bytes is too short", ev.Kind, len(p))
	}
	return nil
}

// decoder reads little-endian fields and remembers if it ran out of bytes.
type decoder struct {
	b     []byte
	short bool
}

func (d *decoder) u8() uint8 {
	if len(d.b) < 1 {
		d.short = true
		return 0
	}
	v := d.b[0]
	d.b = d.b[1:]
	return v
}

func (d *decoder) u32() uint32 {
	if len(d.b) < 4 {
		d.short = true
		return 0
	}
	v := binary.LittleEndian.Uint32(d.b)
	d.b = d.b[4:]
	return v
}

func (d *decoder) u64() uint64 {
	if len(d.b) < 8 {
		d.short = true
		return 0
	}
	v := binary.LittleEndian.Uint64(d.b)
	d.b = d.b[8:]
	return v
}

// Writer encodes events into a trace stream.
//
// The instrumentation runtime owns the production encoder; this one exists
// for tools and tests that synthesize traces.
type Writer struct {
	w   *bufio.Writer
	buf []byte
}

// NewWriter writes the stream header and returns a Writer.
func NewWriter(w io.Writer) (*Writer, error) {
	bw := bufio.NewWriter(w)
	if err := WriteHeader(bw, Magic, Version); err != nil {
		return nil, err
	}
	return &Writer{w: bw}, nil
}

// Write encodes one event. KindUnknown events are written with their
// RawKind and an empty payload.
func (w *Writer) Write(ev *Event) error {
	p := w.buf[:0]
	le := binary.LittleEndian
	switch ev.Kind {
	case KindTaskCreate:
		p = le.AppendUint32(p, ev.Other)
		p = le.AppendUint64(p, ev.Start)
		p = le.AppendUint64(p, ev.End)
		p = le.AppendUint64(p, uint64(ev.Skew)) //nolint:gosec // G115: two's complement on the wire.
	case KindSync:
		p = append(p, byte(ev.SyncType))
		p = le.AppendUint64(p, ev.Addr)
		p = le.AppendUint64(p, ev.Start)
		p = le.AppendUint64(p, ev.End)
	case KindBarrier:
		p = append(p, boolByte(ev.OnEnter))
		p = le.AppendUint64(p, ev.Addr)
		p = le.AppendUint64(p, ev.Start)
		p = le.AppendUint64(p, ev.End)
	case KindTaskJoin:
		p = append(p, boolByte(ev.IsExit))
		p = le.AppendUint32(p, ev.Other)
		p = le.AppendUint64(p, ev.Start)
		p = le.AppendUint64(p, ev.End)
	case KindBasicBlock:
		p = le.AppendUint32(p, ev.BlockID)
		p = le.AppendUint32(p, uint32(len(ev.MemOps))) //nolint:gosec // G115: bounded by maxPayload.
		for _, op := range ev.MemOps {
			p = append(p, boolByte(op.IsWrite), op.PowSize)
			p = le.AppendUint64(p, op.Addr)
		}
	case KindMemory:
		p = append(p, boolByte(ev.IsAllocate))
		p = le.AppendUint64(p, ev.Addr)
		p = le.AppendUint64(p, ev.Size)
	}
	w.buf = p

	raw := uint8(ev.Kind)
	if ev.Kind == KindUnknown {
		raw = ev.RawKind
	}
	return w.WriteRaw(raw, ev.Context, p)
}

// WriteRaw writes a frame with an arbitrary kind byte and payload.
func (w *Writer) WriteRaw(kind uint8, ctx uint32, payload []byte) error {
	var hdr [frameHeaderSize]byte
	hdr[0] = kind
	binary.LittleEndian.PutUint32(hdr[1:5], ctx)
	binary.LittleEndian.PutUint32(hdr[5:9], uint32(len(payload))) //nolint:gosec // G115: bounded by maxPayload.
	if _, err := w.w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "writing event frame")
	}
	if _, err := w.w.Write(payload); err != nil {
		return errors.Wrap(err, "writing event payload")
	}
	return nil
}

// Flush writes buffered data to the underlying writer.
func (w *Writer) Flush() error {
	return errors.Wrap(w.w.Flush(), "flushing trace")
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// ReadHeader reads "magic | u8 len | version" and checks the major version.
func ReadHeader(r io.Reader, magic, want string) (string, error) {
	got := make([]byte, len(magic)+1)
	n, err := io.ReadFull(r, got)
	if n == 0 && errors.Is(err, io.EOF) {
		return "", errors.Wrap(report.ErrEmptyTrace, "stream holds no data")
	}
	if err != nil {
		return "", errors.Wrap(report.ErrMalformedTrace, "truncated stream header")
	}
	if string(got[:len(magic)]) != magic {
		return "", errors.Wrapf(report.ErrMalformedTrace, "bad magic %q, want %q", got[:len(magic)], magic)
	}

	version := make([]byte, got[len(magic)])
	if _, err := io.ReadFull(r, version); err != nil {
		return "", errors.Wrap(report.ErrMalformedTrace, "truncated stream version")
	}
	v := string(version)
	if !semver.IsValid(v) || semver.Major(v) != semver.Major(want) {
		return "", errors.Wrapf(report.ErrMalformedTrace, "unsupported format version %q, want %s.x", v, semver.Major(want))
	}
	return v, nil
}

// WriteHeader writes "magic | u8 len | version".
func WriteHeader(w io.Writer, magic, version string) error {
	b := make([]byte, 0, len(magic)+1+len(version))
	b = append(b, magic...)
	b = append(b, byte(len(version)))
	b = append(b, version...)
	if _, err := w.Write(b); err != nil {
		return errors.Wrap(err, "writing stream header")
	}
	return nil
}
