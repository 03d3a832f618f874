// Package report defines the fatal error kinds of the middle layer and the
// diagnostic printed when a run is aborted.
//
// Every corruption detected while rebuilding the task graph is fatal: once an
// ordering invariant of the trace is broken, nothing downstream can be
// trusted. Library code returns these errors; only the command terminates
// the process.
//
// Usage:
//
//	if err := s.Process(ev); err != nil {
//		var d *report.Diagnostic
//		if errors.As(err, &d) {
//			d.Format(os.Stderr)
//		}
//		os.Exit(1)
//	}
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Error kinds. Use errors.Cause or errors.Is to classify a returned error.
var (
	// ErrEmptyTrace: the input holds no data.
	ErrEmptyTrace = errors.New("empty trace")

	// ErrMalformedTrace: the input cannot be decoded, or it ends before the
	// initial offset event of context 0.
	ErrMalformedTrace = errors.New("malformed trace")

	// ErrUnknownContext: an event names a context that was never created.
	ErrUnknownContext = errors.New("event from unknown context")

	// ErrJoinOrder: a join was seen before the joined context exited.
	ErrJoinOrder = errors.New("join before exit")

	// ErrBarrierOrder: a barrier exit with no open rendezvous at its address.
	ErrBarrierOrder = errors.New("barrier exit before entry")

	// ErrDuplicateTask: two tasks were created with the same TaskID.
	ErrDuplicateTask = errors.New("duplicate task id")

	// ErrInconsistentGraph: the task graph has a dangling or cyclic edge.
	ErrInconsistentGraph = errors.New("inconsistent task graph")
)

// Diagnostic describes a fatal condition found while processing an event.
type Diagnostic struct {
	// Kind is one of the Err* sentinels of this package.
	Kind error

	// Index is the 1-based position of the event in the trace, 0 if the
	// condition is not tied to an event.
	Index uint64

	// Event describes the offending event. It may be nil.
	Event fmt.Stringer

	// Detail explains the condition.
	Detail string
}

// New creates a Diagnostic for the event at the given index.
func New(kind error, index uint64, event fmt.Stringer, format string, args ...any) *Diagnostic {
	return &Diagnostic{
		Kind:   kind,
		Index:  index,
		Event:  event,
		Detail: fmt.Sprintf(format, args...),
	}
}

// Error implements error.
func (d *Diagnostic) Error() string {
	var b strings.Builder
	b.WriteString(d.Kind.Error())
	if d.Detail != "" {
		b.WriteString(": ")
		b.WriteString(d.Detail)
	}
	if d.Event != nil {
		fmt.Fprintf(&b, " (event #%d: %s)", d.Index, d.Event)
	}
	return b.String()
}

// Cause returns the error kind, so errors.Cause classifies a Diagnostic.
func (d *Diagnostic) Cause() error {
	return d.Kind
}

// Unwrap returns the error kind, so errors.Is classifies a Diagnostic.
func (d *Diagnostic) Unwrap() error {
	return d.Kind
}

// Format writes the framed, human-readable form of the diagnostic:
//
//	==================
//	FATAL: event from unknown context
//	Saw an event from a new context before seeing a create event for that context.
//	Either the trace is corrupt or the trace file is missing a create event for the new context.
//	  event #12: sync ctx=5 addr=0x1000 type=acquire start=40 end=41
//	==================
//
//nolint:errcheck // Error handling omitted for stderr output formatting
func (d *Diagnostic) Format(w io.Writer) {
	fmt.Fprintf(w, "==================\n")
	fmt.Fprintf(w, "FATAL: %s\n", d.Kind)
	for _, line := range explain(d.Kind) {
		fmt.Fprintln(w, line)
	}
	if d.Detail != "" {
		fmt.Fprintf(w, "  %s\n", d.Detail)
	}
	if d.Event != nil {
		fmt.Fprintf(w, "  event #%d: %s\n", d.Index, d.Event)
	}
	fmt.Fprintf(w, "==================\n")
}

// String returns the framed form produced by Format.
func (d *Diagnostic) String() string {
	var buf strings.Builder
	d.Format(&buf)
	return buf.String()
}

// explain returns the fixed explanation printed for an error kind.
func explain(kind error) []string {
	switch kind {
	case ErrUnknownContext:
		return []string{
			"Saw an event from a new context before seeing a create event for that context.",
			"Either the trace is corrupt or the trace file is missing a create event for the new context.",
		}
	case ErrJoinOrder:
		return []string{"The front end guarantees a context exits before it is joined; the trace breaks that order."}
	case ErrMalformedTrace:
		return []string{"The trace could not be decoded, or it ended before the initial event of context 0."}
	case ErrInconsistentGraph:
		return []string{"The task graph could not be fully linearized: some edge is dangling or cyclic."}
	default:
		return nil
	}
}

// Kind returns the Err* sentinel an error was built from, or nil if err
// does not come from this package.
func Kind(err error) error {
	for _, k := range []error{
		ErrEmptyTrace, ErrMalformedTrace, ErrUnknownContext, ErrJoinOrder,
		ErrBarrierOrder, ErrDuplicateTask, ErrInconsistentGraph,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Detail returns the message of err without the text of its kind, which a
// Diagnostic prints in its own right.
func Detail(err error) string {
	msg := err.Error()
	kind := Kind(err)
	if kind == nil {
		return msg
	}
	if msg == kind.Error() {
		return ""
	}
	return strings.TrimSuffix(msg, ": "+kind.Error())
}
