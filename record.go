package flows

import (
	"fmt"
	"sync"
)

// anyFlow is satisfied by every concrete flow type (source, readonlyFlow,
// computedFlow) and lets the engine re-read a dependency's current value
// without knowing its static type V, needed for the pull-based staleness
// check in computed.go.
type anyFlow interface {
	rawGet() (any, error)
}

// anySubscriber lets the engine subscribe to a dependency without
// knowing its static type V.
type anySubscriber interface {
	subscribeAny(fn func()) Unsubscribe
}

// trackedFlow is implemented by computed flows so that nested reads can
// carry the synchronous ancestor chain through for cycle detection.
type trackedFlow[V any] interface {
	evaluateTracked(ancestors []any) (V, error)
}

// propagatedErr wraps an error surfaced from a dependency's Get call so
// the record runner's recover() can distinguish "a source I read failed"
// from an arbitrary getter panic.
type propagatedErr struct{ err error }

// bookkeeping is the type-erased half of a computation record: the
// sources read and the values observed from them. Shared shape between
// the synchronous record[T] and the asynchronous asyncRecord[T] so that
// Ctx/AsyncCtx and the staleness check logic do not need to be
// generic over T.
//
// mu guards sources/sourceSet/observed specifically for the async case:
// an asynchronous computation still in flight keeps calling addSource
// from its own goroutine while a concurrent GetSnapshot/AsPromise call
// may call stale() on the very same bookkeeping to decide whether that
// in-flight run already needs superseding.
type bookkeeping struct {
	mu        sync.Mutex
	sources   []any
	sourceSet map[any]struct{}
	observed  map[any]any
	finalized bool
}

func newBookkeeping() *bookkeeping {
	return &bookkeeping{
		sourceSet: make(map[any]struct{}),
		observed:  make(map[any]any),
	}
}

func (b *bookkeeping) addSource(key any, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return
	}
	if _, seen := b.sourceSet[key]; !seen {
		b.sourceSet[key] = struct{}{}
		b.sources = append(b.sources, key)
		globalTracker.begin(key)
	}
	b.observed[key] = value
}

func (b *bookkeeping) releaseTracking() {
	b.mu.Lock()
	sources := append([]any{}, b.sources...)
	b.mu.Unlock()
	for _, src := range sources {
		globalTracker.end(src)
	}
}

// stale reports whether any source's current value differs, by
// reference identity, from the value observed when this record ran:
// compare each source's current value to its recorded observed value
// using reference identity, not the configured equals (which applies
// only to outputs).
func (b *bookkeeping) stale() bool {
	b.mu.Lock()
	sources := append([]any{}, b.sources...)
	observed := make(map[any]any, len(b.observed))
	for k, v := range b.observed {
		observed[k] = v
	}
	b.mu.Unlock()

	for _, src := range sources {
		af, ok := src.(anyFlow)
		if !ok {
			continue
		}
		cur, err := af.rawGet()
		if err != nil {
			return true
		}
		if !valuesEqual(cur, observed[src]) {
			return true
		}
	}
	return false
}

// record is a synchronous computation record: the per-run context
// capturing the sources read, the values observed from them, and the
// outcome.
type record[T any] struct {
	*bookkeeping
	value T
	err   error
}

func newRecord[T any]() *record[T] {
	return &record[T]{bookkeeping: newBookkeeping()}
}

func (r *record[T]) result() (T, error) { return r.value, r.err }

// Ctx is the context a synchronous computed-flow getter receives. Use
// Get(ctx, flow) to read a dependency; use ctx.Skip() to abort the
// current run.
type Ctx struct {
	self      any
	ancestors []any
	book      *bookkeeping
}

// Skip aborts the current computation run. With a prior cached value,
// the prior value is kept; otherwise InitialValue (if configured) is
// published; otherwise an AbortError surfaces.
func (c *Ctx) Skip() { panic(skipSentinel{}) }

// Get reads flow, recording it as a dependency of the computation
// currently running under ctx.
func Get[V any](ctx *Ctx, flow Flow[V]) V {
	if tf, ok := flow.(trackedFlow[V]); ok {
		v, err := tf.evaluateTracked(append(append([]any{}, ctx.ancestors...), ctx.self))
		if err != nil {
			panic(propagatedErr{err})
		}
		ctx.book.addSource(any(flow), any(v))
		return v
	}
	v, err := flow.Get()
	if err != nil {
		panic(propagatedErr{err})
	}
	ctx.book.addSource(any(flow), any(v))
	return v
}

// valuesEqual compares two dynamically-typed values with ==, treating
// types whose dynamic comparison panics (maps, slices, funcs) as always
// different — a safe default that triggers a recompute rather than a
// runtime panic.
func valuesEqual(a, b any) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}

func recoverToError(r any) error {
	switch x := r.(type) {
	case skipSentinel:
		return &AbortError{}
	case propagatedErr:
		return x.err
	case *CycleError:
		return x
	case error:
		return &ComputationFailureError{Err: x}
	default:
		return &ComputationFailureError{Err: fmt.Errorf("%v", x)}
	}
}
