package flows

import (
	"context"
	"sync"
)

// ComputedOptions configures a computed flow created by NewComputed.
type ComputedOptions[T any] struct {
	// Equal, if set, is used to decide whether a freshly computed value
	// should replace the previous one. When equal, the previous value's
	// identity is preserved (useful for structural types compared by
	// value so that downstream consumers relying on reference identity
	// are not invalidated spuriously).
	Equal EqualFunc[T]

	// InitialValue, if HasInitialValue is true, is published when the
	// very first run is skipped and there is no prior cache.
	InitialValue    T
	HasInitialValue bool

	// OnPanic, if set, receives the value of a panicking subscriber
	// callback. Without it, recovered failures are joined into one error
	// that the notifying call panics with.
	OnPanic func(recovered any)
}

// computedFlow is the internal implementation of a lazily memoized,
// diamond-safe computed flow.
type computedFlow[T any] struct {
	mu      sync.Mutex
	getter  func(*Ctx) T
	equal   EqualFunc[T]
	hasInit bool
	initVal T
	onPanic func(any)

	cached      *record[T]
	subscribed  bool
	unsubs      []Unsubscribe
	subscribers map[uint64]func()
	nextID      uint64
	dirty       bool
}

// NewComputed creates a read-only flow whose value is produced by
// getter, which reads its dependencies through the provided *Ctx.
// Dependencies are discovered dynamically on every run (fine-grained
// tracking, including conditional branches) — there is no separate
// "deps" argument list.
func NewComputed[T any](getter func(*Ctx) T, opts ...ComputedOptions[T]) Flow[T] {
	c := &computedFlow[T]{
		getter:      getter,
		subscribers: make(map[uint64]func()),
	}
	if len(opts) > 0 {
		c.equal = opts[0].Equal
		c.hasInit = opts[0].HasInitialValue
		c.initVal = opts[0].InitialValue
		c.onPanic = opts[0].OnPanic
	}
	return c
}

func (c *computedFlow[T]) Get() (T, error) { return c.evaluateTracked(nil) }

func (c *computedFlow[T]) rawGet() (any, error) { return c.Get() }

func (c *computedFlow[T]) subscribeAny(fn func()) Unsubscribe { return c.SubscribeForever(fn) }

// evaluateTracked is the shared entry point for both the public Get()
// (ancestors == nil) and nested reads from another computation's getter
// (ancestors carries the synchronous call chain for cycle detection).
func (c *computedFlow[T]) evaluateTracked(ancestors []any) (T, error) {
	if ancestorsContain(ancestors, any(c)) {
		var zero T
		return zero, &CycleError{Chain: append(append([]any{}, ancestors...), any(c))}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	childAncestors := append(append([]any{}, ancestors...), any(c))

	if c.subscribed {
		if c.cached != nil && !c.dirty {
			return c.cached.result()
		}
		return c.recomputeLocked(childAncestors)
	}

	if c.cached != nil && !c.cached.stale() {
		return c.cached.result()
	}
	return c.recomputeLocked(childAncestors)
}

// recomputeLocked runs the getter in a fresh record and installs the
// outcome, applying the skip/initialValue/error rules.
// Must be called with c.mu held.
func (c *computedFlow[T]) recomputeLocked(ancestors []any) (T, error) {
	rec := newRecord[T]()
	ctx := &Ctx{self: any(c), ancestors: ancestors, book: rec.bookkeeping}

	var result T
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = recoverToError(r)
			}
		}()
		result = c.getter(ctx)
	}()
	rec.finalized = true
	rec.releaseTracking()

	if runErr != nil {
		if isAbort(runErr) {
			if c.cached != nil && c.cached.err == nil {
				// A prior successful cache exists: keep it untouched and
				// discard this run's (partial) dependency set entirely.
				c.dirty = false
				return c.cached.result()
			}
			if c.hasInit {
				rec.value = c.initVal
				c.installRecordLocked(rec)
				return rec.result()
			}
			rec.err = runErr
			c.installRecordLocked(rec)
			return rec.result()
		}
		// Non-abort error: retain sources captured so far so that a later
		// change to any of them can clear the error.
		rec.err = runErr
		c.installRecordLocked(rec)
		return rec.result()
	}

	if c.cached != nil && c.cached.err == nil && c.equal != nil && c.equal(c.cached.value, result) {
		result = c.cached.value // preserve identity
	}
	rec.value = result
	c.installRecordLocked(rec)
	return rec.result()
}

// installRecordLocked swaps in rec as the authoritative cache. If
// subscribed, it subscribes to rec's sources before unsubscribing from
// the previous record's sources, so a source shared between both never
// falls dormant.
func (c *computedFlow[T]) installRecordLocked(rec *record[T]) {
	if c.subscribed {
		newUnsubs := make([]Unsubscribe, 0, len(rec.sources))
		for _, src := range rec.sources {
			if as, ok := src.(anySubscriber); ok {
				newUnsubs = append(newUnsubs, as.subscribeAny(c.onSourceChanged))
			}
		}
		old := c.unsubs
		c.unsubs = newUnsubs
		for _, u := range old {
			u()
		}
	}
	c.cached = rec
	c.dirty = false
}

// subscribeToCachedLocked subscribes to the existing cached record's
// sources without recomputing — used when a first subscriber arrives
// and the cache is still valid (deliberately does not force an eager
// re-run when already cached from a prior subscription-less read).
func (c *computedFlow[T]) subscribeToCachedLocked() {
	rec := c.cached
	newUnsubs := make([]Unsubscribe, 0, len(rec.sources))
	for _, src := range rec.sources {
		if as, ok := src.(anySubscriber); ok {
			newUnsubs = append(newUnsubs, as.subscribeAny(c.onSourceChanged))
		}
	}
	c.unsubs = newUnsubs
}

// onSourceChanged marks the flow dirty and notifies subscribers at most
// once between Get calls. Recomputation itself is deferred to the next
// Get call; a pending-data-style double notification cannot happen here
// because this path never recomputes.
func (c *computedFlow[T]) onSourceChanged() {
	c.mu.Lock()
	alreadyDirty := c.dirty
	c.dirty = true
	var subs []func()
	if !alreadyDirty {
		subs = make([]func(), 0, len(c.subscribers))
		for _, fn := range c.subscribers {
			subs = append(subs, fn)
		}
	}
	c.mu.Unlock()

	if alreadyDirty {
		return
	}
	if err := notifySubscribersSync(subs, c.onPanic); err != nil {
		panic(err)
	}
}

func (c *computedFlow[T]) Subscribe(ctx context.Context, fn func()) Unsubscribe {
	c.mu.Lock()
	firstSubscriber := !c.subscribed
	id := c.nextID
	c.nextID++
	c.subscribers[id] = fn
	c.subscribed = true

	if firstSubscriber {
		if c.cached != nil && !c.cached.stale() {
			c.subscribeToCachedLocked()
		} else {
			c.recomputeLocked(nil)
		}
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.unsubscribe(id, done)
		case <-done:
		}
	}()

	return func() { c.unsubscribe(id, done) }
}

func (c *computedFlow[T]) unsubscribe(id uint64, done chan struct{}) {
	c.mu.Lock()
	if _, ok := c.subscribers[id]; ok {
		delete(c.subscribers, id)
	}
	last := len(c.subscribers) == 0
	var old []Unsubscribe
	if last {
		c.subscribed = false
		old = c.unsubs
		c.unsubs = nil
	}
	c.mu.Unlock()

	for _, u := range old {
		u()
	}

	select {
	case <-done:
	default:
		close(done)
	}
}

func (c *computedFlow[T]) SubscribeForever(fn func()) Unsubscribe {
	return c.Subscribe(context.Background(), fn)
}
