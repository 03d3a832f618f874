package trace

import (
	"bufio"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// gzipMagic are the first two bytes of every gzip stream.
// False positives are possible (a plain stream starting with these bytes)
// but false negatives are not.
var gzipMagic = [2]byte{0x1f, 0x8b}

// Stdio is the path naming the standard input or output stream.
const Stdio = "-"

// File is an open trace stream with transparent decompression.
type File struct {
	*Reader

	compressed bool
	closers    []io.Closer
}

// Open opens a trace for reading. Stdio reads from os.Stdin.
//
// Gzip streams are detected by a two-byte probe and decompressed on the fly.
func Open(path string) (*File, error) {
	var src io.ReadCloser = os.Stdin
	if path != Stdio {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "opening trace")
		}
		src = f
	}

	r, compressed, closer, err := Decompress(src)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	tf := &File{compressed: compressed}
	if closer != nil {
		tf.closers = append(tf.closers, closer)
	}
	if path != Stdio {
		tf.closers = append(tf.closers, src)
	}

	tf.Reader, err = NewReader(r)
	if err != nil {
		_ = tf.Close()
		return nil, err
	}
	return tf, nil
}

// Compressed reports whether the stream was gzip-compressed.
func (f *File) Compressed() bool {
	return f.compressed
}

// Close releases the decompressor and the underlying file.
func (f *File) Close() error {
	var first error
	for _, c := range f.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	f.closers = nil
	return errors.Wrap(first, "closing trace")
}

// Decompress wraps r so that gzip and plain streams read the same way.
//
// The probe uses bufio.Reader.Peek, so no byte of a plain stream is lost.
// The returned closer is non-nil only for compressed streams and must be
// closed by the caller; it does not close r.
func Decompress(r io.Reader) (io.Reader, bool, io.Closer, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(gzipMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, false, nil, errors.Wrap(err, "probing stream")
	}
	if len(magic) < len(gzipMagic) || magic[0] != gzipMagic[0] || magic[1] != gzipMagic[1] {
		return br, false, nil, nil
	}

	zr, err := gzip.NewReader(br)
	if err != nil {
		return nil, true, nil, errors.Wrap(err, "opening gzip stream")
	}
	return bufio.NewReader(zr), true, zr, nil
}
