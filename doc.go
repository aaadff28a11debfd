// Package flows provides a reactive computation engine for Go: observable
// value cells ("flows") and derived values ("computed flows") that stay
// consistent with their dependencies.
//
// A flow is a value cell that can be read synchronously and subscribed to.
// A computed flow is a flow whose value comes from a getter that reads
// other flows; the engine tracks exactly which flows a getter read on its
// last run and recomputes lazily, only when a dependency has actually
// changed and the value is next observed.
//
// # Core Types
//
// Source[T] - a writable flow; the mutation primitive everything else
// depends on.
//
// Flow[T] - the read/subscribe contract shared by sources and computed
// flows.
//
// computed flows (NewComputed, NewComputedParam) - lazily memoized
// derived values with diamond-safe invalidation.
//
// AsyncFlow[T] / async computed flows (NewAsyncComputed,
// NewAsyncComputedGen) - promise- and generator-style derived values with
// concurrent-computation reconciliation, cancellation, and pending-data
// preservation.
//
// # Example
//
//	x := flows.NewSource(2)
//	a := flows.NewComputed(func(c *flows.Ctx) int { return flows.Get(c, x) - 1 })
//	b := flows.NewComputed(func(c *flows.Ctx) int { return flows.Get(c, x) + flows.Get(c, a) })
//	cFlow := flows.NewComputed(func(c *flows.Ctx) string {
//	    return fmt.Sprintf("c: %d", flows.Get(c, b))
//	})
//
//	v, _ := cFlow.Get() // "c: 3"
//	x.Set(4)
//	v, _ = cFlow.Get() // "c: 7", b recomputed exactly once
//
// # Dependency tracking
//
// Unlike a global cooperative stack, dependencies are captured through an
// explicit *Ctx/*AsyncCtx argument threaded into the getter. Calling
// flows.Get(ctx, dep) both reads dep and registers it as a dependency for
// the current run; conditional branches therefore track exactly the
// flows actually touched on a given run, not a fixed superset.
//
// # Concurrency
//
// Source and computed flow instances are individually safe for concurrent
// use. Async computed flows may have multiple in-flight computations at
// once; only the most recently started (highest epoch) can become the
// authoritative cache.
//
// # Memory safety
//
// Subscriptions return an Unsubscribe function that must be called to
// avoid leaking callbacks. Parameterised computed flows
// (NewComputedParam, NewAsyncComputedParam) are memoized in a
// weak-reference cache: an unreferenced, unsubscribed instance is
// eligible for garbage collection without explicit disposal.
package flows
