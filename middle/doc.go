// Package middle reconstructs the task graph of a traced parallel program.
//
// The input is the event trace recorded by an instrumented program: a
// time-ordered stream of basic-block, memory, synchronization, create,
// join and barrier events from every execution context. The output is a
// task graph: each task is a span of work in one context, and each edge
// says one task must happen before another. Tasks are written in an order
// where every task follows all of its predecessors.
//
// # Quick Start
//
//	stats, err := middle.Run(traceFile, graphFile, middle.Options{})
//	if err != nil {
//		var d *middle.Diagnostic
//		if errors.As(err, &d) {
//			d.Format(os.Stderr)
//		}
//		return err
//	}
//	fmt.Printf("%d tasks written\n", stats.Written)
//
// The two phases can also be run separately:
//
//	g, err := middle.Reconstruct(traceFile, middle.Options{Verify: true})
//	if err != nil {
//		return err
//	}
//	stats, err := g.Write(out)
//
// # How It Works
//
// Every context owns a chain of tasks. A task ends and a new one begins at
// each dependency-relevant event:
//
//	create   edge create task -> first task of the child context
//	sync     edge previous owner of the address -> sync task
//	join     edge last task of the joined context -> join task
//	barrier  edge every arrival -> shared barrier task -> every continuation
//
// Timestamps of every context are normalized to the start of context 0,
// using the skew recorded at each context's creation.
//
// # Errors
//
// Inconsistent traces stop the run. The returned error is a *Diagnostic
// carrying the failing event, and errors.Is classifies it against the
// Err* sentinels of this package. Nothing is written when the trace
// cannot be interpreted.
//
// # Thread Safety
//
// A run is single-threaded. Separate runs share no state and may execute
// concurrently.
package middle
