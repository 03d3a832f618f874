package middle

import (
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kolkov/ctmiddle/internal/ct/linearize"
	"github.com/kolkov/ctmiddle/internal/ct/report"
	"github.com/kolkov/ctmiddle/internal/ct/session"
	"github.com/kolkov/ctmiddle/internal/ct/taskfile"
	"github.com/kolkov/ctmiddle/internal/ct/trace"
	"github.com/pkg/errors"
)

// Diagnostic describes the condition that stopped a run.
type Diagnostic = report.Diagnostic

// Error kinds. Every error returned by this package wraps one of them.
var (
	ErrEmptyTrace        = report.ErrEmptyTrace
	ErrMalformedTrace    = report.ErrMalformedTrace
	ErrUnknownContext    = report.ErrUnknownContext
	ErrJoinOrder         = report.ErrJoinOrder
	ErrBarrierOrder      = report.ErrBarrierOrder
	ErrDuplicateTask     = report.ErrDuplicateTask
	ErrInconsistentGraph = report.ErrInconsistentGraph
)

// errWritten is returned when a graph is written a second time.
var errWritten = errors.New("task graph already written")

// Options configures a run. The zero value is ready to use.
type Options struct {
	// Logger receives progress at info level and every dependency-relevant
	// event at debug level. Nil discards all output.
	Logger *slog.Logger

	// Verify checks the graph invariants before anything is written.
	Verify bool

	// RunID stamps the task-graph header. A random id is used when nil.
	RunID uuid.UUID
}

// Stats summarizes a run.
type Stats struct {
	// Events is the number of trace events read.
	Events uint64

	// Skipped is the number of events that did not change the graph.
	Skipped uint64

	// Contexts is the number of contexts that started.
	Contexts int

	// Tasks is the number of tasks reconstructed.
	Tasks int

	// Written is the number of task records written.
	Written int

	// Bytes is the size of the task-graph stream before compression.
	Bytes uint64

	// Compressed reports whether the trace was gzip-compressed.
	Compressed bool
}

// Graph is a reconstructed task graph waiting to be written.
//
// A Graph can be written once: writing moves every task out of it.
type Graph struct {
	s     *session.Session
	log   *slog.Logger
	runID uuid.UUID
	stats Stats
}

// Stats returns the counters gathered so far.
func (g *Graph) Stats() Stats {
	return g.stats
}

// RunID returns the id stamped into the written task graph.
func (g *Graph) RunID() uuid.UUID {
	return g.runID
}

// Reconstruct reads a whole trace and builds its task graph. Gzip input is
// detected and decompressed.
//
// The returned error is a *Diagnostic on any inconsistency in the trace.
func Reconstruct(in io.Reader, opts Options) (*Graph, error) {
	r, compressed, closer, err := trace.Decompress(in)
	if err != nil {
		return nil, fatal(err)
	}
	if closer != nil {
		defer closer.Close()
	}
	src, err := trace.NewReader(r)
	if err != nil {
		return nil, fatal(err)
	}
	return reconstruct(src, compressed, opts)
}

// ReconstructFile is Reconstruct on the trace at path. trace path "-"
// reads standard input.
func ReconstructFile(path string, opts Options) (*Graph, error) {
	f, err := trace.Open(path)
	if err != nil {
		return nil, fatal(err)
	}
	defer f.Close()
	return reconstruct(f.Reader, f.Compressed(), opts)
}

func reconstruct(src *trace.Reader, compressed bool, opts Options) (*Graph, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	runID := opts.RunID
	if runID == uuid.Nil {
		runID = uuid.New()
	}
	logger.Debug("reading trace", "version", src.Version(), "compressed", compressed)

	s := session.New(logger)
	if err := s.Consume(src); err != nil {
		return nil, err
	}
	if opts.Verify {
		if err := s.Verify(); err != nil {
			return nil, fatal(err)
		}
	}

	st := s.Stats()
	g := &Graph{
		s:     s,
		log:   logger,
		runID: runID,
		stats: Stats{
			Events:     st.Events,
			Skipped:    st.Skipped,
			Contexts:   st.Contexts,
			Tasks:      st.Tasks,
			Compressed: compressed,
		},
	}
	if st.OpenBarriers > 0 {
		logger.Warn("barriers left open at end of trace", "count", st.OpenBarriers)
	}
	logger.Info("trace interpreted", "events", st.Events, "skipped", st.Skipped,
		"contexts", st.Contexts, "tasks", st.Tasks)
	return g, nil
}

// Write linearizes the graph into out as an uncompressed task-graph stream.
func (g *Graph) Write(out io.Writer) (Stats, error) {
	if g.written() {
		return g.stats, errWritten
	}
	if err := g.check(); err != nil {
		return g.stats, err
	}
	w, err := taskfile.NewWriter(out, g.runID)
	if err != nil {
		return g.stats, err
	}
	if err := g.emit(w); err != nil {
		return g.stats, err
	}
	return g.stats, w.Flush()
}

// WriteFile linearizes the graph into a new file at path, gzip-compressed
// if compress is set. Path "-" writes standard output. The file is not
// created for a graph with a dangling edge, and is removed if writing fails.
func (g *Graph) WriteFile(path string, compress bool) (Stats, error) {
	if g.written() {
		return g.stats, errWritten
	}
	if err := g.check(); err != nil {
		return g.stats, err
	}
	f, err := taskfile.Create(path, compress, g.runID)
	if err != nil {
		return g.stats, err
	}
	if err := g.emit(f.Writer); err != nil {
		_ = f.Discard()
		return g.stats, err
	}
	if err := f.Close(); err != nil {
		return g.stats, err
	}
	g.log.Info("task graph written", "path", path, "compressed", compress,
		"stored", f.BytesWritten())
	return g.stats, nil
}

func (g *Graph) written() bool {
	return g.s.Graph().Len() == 0 && g.stats.Written > 0
}

// check rejects a graph with a dangling edge before any output is created.
func (g *Graph) check() error {
	if err := linearize.Check(g.s.Graph(), g.s.Root()); err != nil {
		return fatal(err)
	}
	return nil
}

func (g *Graph) emit(w *taskfile.Writer) error {
	if g.written() {
		return errWritten
	}
	res, err := linearize.Linearize(g.s.Graph(), g.s.Root(), w)
	g.stats.Written = res.Written
	g.stats.Bytes = w.Offset()
	if err != nil {
		return fatal(err)
	}
	g.log.Info("tasks written", "tasks", res.Written, "bytes", g.stats.Bytes, "run", g.runID.String())
	return nil
}

// Run reconstructs the task graph of the trace read from in and writes it
// to out, uncompressed. Nothing is written if the trace is inconsistent.
func Run(in io.Reader, out io.Writer, opts Options) (Stats, error) {
	g, err := Reconstruct(in, opts)
	if err != nil {
		return Stats{}, err
	}
	return g.Write(out)
}

// fatal turns an error of the internal packages into a Diagnostic not
// tied to any event.
func fatal(err error) error {
	var d *Diagnostic
	if errors.As(err, &d) {
		return err
	}
	kind := report.Kind(err)
	if kind == nil {
		return err
	}
	return report.New(kind, 0, nil, "%s", report.Detail(err))
}
