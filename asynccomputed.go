package flows

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// errSuperseded is the cancellation cause fired at an in-flight
// computation when a newer epoch starts before it finishes.
var errSuperseded = errors.New("flows: computation superseded by a newer epoch")

// errDisposed is the cancellation cause fired at every in-flight
// computation when an asynchronous computed flow loses its last
// subscriber.
var errDisposed = errors.New("flows: flow disposed (lost all subscribers)")

// PromiseGetter is an asynchronous computed-flow getter that suspends, if
// at all, at a single await point represented by a blocking call such as
// WatchAsync. After its first suspension, further dependency reads are
// no longer tracked.
type PromiseGetter[T any] func(ctx *AsyncCtx) (T, error)

// GeneratorGetter has the same shape as PromiseGetter but may suspend
// and resume tracking multiple times across its run, once per yield.
type GeneratorGetter[T any] func(ctx *AsyncCtx) (T, error)

// AsyncComputedOptions configures a flow created by NewAsyncComputed or
// NewAsyncComputedGen.
type AsyncComputedOptions[T any] struct {
	// Equal, if set, preserves the previous Data's identity across a
	// fresh success that compares equal.
	Equal EqualFunc[T]

	// OnPanic, if set, is invoked instead of logging when a subscriber
	// callback panics.
	OnPanic func(recovered any)
}

// asyncRecord is an asynchronous computation record: the epoch, the
// cancellation signal and tracked sources (asyncRecordBase), and the
// eventual outcome.
type asyncRecord[T any] struct {
	*asyncRecordBase
}

// asyncComputedFlow is the internal implementation of AsyncFlow[T] with
// epoch-based concurrent-computation reconciliation.
type asyncComputedFlow[T any] struct {
	mu        sync.Mutex
	getter    func(*AsyncCtx) (T, error)
	generator bool
	equal     EqualFunc[T]
	onPanic   func(any)

	state          AsyncState[T]
	hasStarted     bool
	latestEpoch    uint64
	nextEpoch      uint64
	latestSettled  bool
	inFlight       map[uint64]*asyncRecord[T]
	cachedBook     *bookkeeping

	subscribed  bool
	unsubs      []Unsubscribe
	subscribers map[uint64]func()
	nextSubID   uint64

	promise *Future[T]
}

func newAsyncComputedFlow[T any](getter func(*AsyncCtx) (T, error), generator bool, opts ...AsyncComputedOptions[T]) *asyncComputedFlow[T] {
	c := &asyncComputedFlow[T]{
		getter:      getter,
		generator:   generator,
		inFlight:    make(map[uint64]*asyncRecord[T]),
		subscribers: make(map[uint64]func()),
		state:       AsyncState[T]{Status: StatusPending},
	}
	if len(opts) > 0 {
		c.equal = opts[0].Equal
		c.onPanic = opts[0].OnPanic
	}
	return c
}

// NewAsyncComputed creates an asynchronous computed flow whose getter
// suspends at most once (tracking turns off permanently after the first
// await), mirroring a plain async function.
func NewAsyncComputed[T any](getter PromiseGetter[T], opts ...AsyncComputedOptions[T]) AsyncFlow[T] {
	return newAsyncComputedFlow[T](func(c *AsyncCtx) (T, error) { return getter(c) }, false, opts...)
}

// NewAsyncComputedGen creates an asynchronous computed flow whose getter
// may suspend and resume tracking repeatedly, mirroring a generator that
// yields at each await point.
func NewAsyncComputedGen[T any](getter GeneratorGetter[T], opts ...AsyncComputedOptions[T]) AsyncFlow[T] {
	return newAsyncComputedFlow[T](func(c *AsyncCtx) (T, error) { return getter(c) }, true, opts...)
}

func (c *asyncComputedFlow[T]) GetSnapshot() AsyncState[T] {
	c.mu.Lock()
	c.ensureFreshLocked()
	state := c.state
	c.mu.Unlock()
	return state
}

// ensureFreshLocked starts a new epoch in pull mode (no subscribers) when
// nothing has ever run yet, when the cached authoritative sources have
// gone stale with nothing in flight to supersede them, or when the
// still-running latest epoch has itself already read a source that has
// since changed — without this last check, a dependency change observed
// only through GetSnapshot/AsPromise could never supersede a computation
// that was started in pull mode and is still in flight, so its (stale)
// result would still become authoritative once it finally settles. Must
// be called with c.mu held.
func (c *asyncComputedFlow[T]) ensureFreshLocked() {
	if c.subscribed {
		return
	}
	needStart := !c.hasStarted
	if !needStart {
		if rec, running := c.inFlight[c.latestEpoch]; running {
			needStart = rec.bookkeeping.stale()
		} else if c.cachedBook != nil && c.cachedBook.stale() {
			needStart = true
		}
	}
	if needStart {
		c.startEpochLocked()
	}
}

func (c *asyncComputedFlow[T]) subscribeAny(fn func()) Unsubscribe { return c.SubscribeForever(fn) }

// stateUnchanged reports whether a newly assigned pending state carries
// the same status and data as before, so the "pending -> pending without
// any change" case from the notification economy rule can be silenced.
func stateUnchanged[T any](eq EqualFunc[T], a, b AsyncState[T]) bool {
	if a.Status != b.Status || a.HasData != b.HasData {
		return false
	}
	if a.HasData {
		if eq != nil {
			if !eq(a.Data, b.Data) {
				return false
			}
		} else if !valuesEqual(any(a.Data), any(b.Data)) {
			return false
		}
	}
	return true
}

// startEpochLocked begins a new computation: it fires the cancellation
// signal of every still-running older epoch (supersession), transitions
// the observable state to pending (carrying forward the last known
// data), and spawns the getter in its own goroutine. Must be called with
// c.mu held.
func (c *asyncComputedFlow[T]) startEpochLocked() {
	for _, old := range c.inFlight {
		old.cancelFn(errSuperseded)
	}

	if c.promise != nil && c.promise.isSettled() {
		c.promise = nil // a settled promise belongs to the previous epoch
	}

	c.nextEpoch++
	epoch := c.nextEpoch
	c.latestEpoch = epoch
	c.latestSettled = false
	c.hasStarted = true
	c.state = AsyncState[T]{Status: StatusPending, Data: c.state.Data, HasData: c.state.HasData}

	ctx, cancel := context.WithCancelCause(context.Background())
	rec := &asyncRecord[T]{asyncRecordBase: &asyncRecordBase{
		bookkeeping:     newBookkeeping(),
		epoch:           epoch,
		runID:           uuid.NewString(),
		ctx:             ctx,
		cancelFn:        cancel,
		trackingEnabled: true,
		generator:       c.generator,
	}}
	c.inFlight[epoch] = rec

	go c.runEpoch(rec)
}

func (c *asyncComputedFlow[T]) runEpoch(rec *asyncRecord[T]) {
	actx := &AsyncCtx{rec: rec.asyncRecordBase}

	var result T
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = recoverToError(r)
			}
		}()
		result, runErr = c.getter(actx)
	}()

	if runErr != nil && !isAbort(runErr) && rec.ctx.Err() != nil {
		runErr = &AbortError{Reason: context.Cause(rec.ctx)}
	}

	rec.finalized = true
	rec.releaseTracking()
	c.reconcile(rec, result, runErr)
}

// reconcile applies the outcome of one computation record to the
// observable state, following epoch order. The latest epoch's outcome is
// authoritative when it is a success or an error; an outdated epoch's
// success can still update the pending data field (progress in start
// order); an outdated epoch's error surfaces only when nothing better has
// settled yet; aborts of outdated epochs are always silent. An abort
// caused by supersession or disposal never changes observable state (the
// replacement epoch already notified, or no subscribers are left). A
// skip() in the latest epoch leaves the state as it is when an earlier
// authoritative outcome exists; otherwise the flow settles with the
// AbortError.
func (c *asyncComputedFlow[T]) reconcile(rec *asyncRecord[T], result T, runErr error) {
	c.mu.Lock()

	delete(c.inFlight, rec.epoch)
	outdated := rec.epoch < c.latestEpoch

	if abortErr, ok := runErr.(*AbortError); ok && (errors.Is(abortErr.Reason, errSuperseded) || errors.Is(abortErr.Reason, errDisposed)) {
		// Routine engine-driven cancellation (a newer epoch already
		// started, or the flow was disposed): no state change, no notify.
		c.mu.Unlock()
		return
	}

	prevState := c.state
	changed := false

	switch {
	case outdated && c.latestSettled:
		// A newer epoch already produced an authoritative result; this
		// late arrival carries no new information.
	case outdated && isAbort(runErr):
		// An outdated epoch that skipped is as silent as a cancelled one.
	case outdated && runErr != nil:
		c.state = AsyncState[T]{Status: StatusError, Err: runErr, Data: prevState.Data, HasData: prevState.HasData}
		changed = true
	case outdated:
		data := result
		if c.equal != nil && prevState.HasData && c.equal(prevState.Data, data) {
			data = prevState.Data
		}
		c.state = AsyncState[T]{Status: StatusPending, Data: data, HasData: true}
		changed = !stateUnchanged(c.equal, prevState, c.state)
	case isAbort(runErr) && c.cachedBook != nil:
		// skip() in the latest epoch after an earlier authoritative
		// outcome: the observable state is left as it is.
	case runErr != nil:
		c.latestSettled = true
		c.state = AsyncState[T]{Status: StatusError, Err: runErr, Data: prevState.Data, HasData: prevState.HasData}
		c.installAuthoritativeLocked(rec)
		changed = true
		log.Debug().Str("run_id", rec.runID).Uint64("epoch", rec.epoch).Err(runErr).Msg("flows: async computation settled with an error")
	default:
		c.latestSettled = true
		data := result
		if c.equal != nil && prevState.HasData && c.equal(prevState.Data, data) {
			data = prevState.Data
		}
		c.state = AsyncState[T]{Status: StatusSuccess, Data: data, HasData: true}
		c.installAuthoritativeLocked(rec)
		changed = true
	}

	finalState := c.state
	var subs []func()
	if changed {
		subs = c.snapshotSubscribersLocked()
	}
	promise := c.settlePromiseLocked(finalState)
	c.mu.Unlock()

	if changed {
		notifySubscribersAsync(subs, c.onPanic)
	}
	if promise != nil {
		if finalState.Status == StatusSuccess {
			promise.settle(finalState.Data, nil)
		} else if finalState.Status == StatusError {
			var zero T
			promise.settle(zero, finalState.Err)
		}
	}
}

// installAuthoritativeLocked makes rec's bookkeeping the cache used for
// staleness revalidation and, if subscribed, re-subscribes to its
// sources (subscribing to the new set before unsubscribing the old one,
// so a dependency shared between runs never falls dormant).
func (c *asyncComputedFlow[T]) installAuthoritativeLocked(rec *asyncRecord[T]) {
	c.cachedBook = rec.bookkeeping
	if !c.subscribed {
		return
	}
	newUnsubs := make([]Unsubscribe, 0, len(rec.sources))
	for _, src := range rec.sources {
		if as, ok := src.(anySubscriber); ok {
			newUnsubs = append(newUnsubs, as.subscribeAny(c.onDepChanged))
		}
	}
	old := c.unsubs
	c.unsubs = newUnsubs
	for _, u := range old {
		u()
	}
}

// settlePromiseLocked returns the outstanding promise to settle outside
// the lock, if there is one and it has not already settled.
func (c *asyncComputedFlow[T]) settlePromiseLocked(state AsyncState[T]) *Future[T] {
	if c.promise == nil || c.promise.isSettled() {
		return nil
	}
	if state.Status == StatusSuccess || state.Status == StatusError {
		return c.promise
	}
	return nil
}

func (c *asyncComputedFlow[T]) snapshotSubscribersLocked() []func() {
	subs := make([]func(), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	return subs
}

// onDepChanged is invoked when a dependency notifies while this flow is
// subscribed. A new epoch starts immediately: asynchronous work should
// begin as soon as a dependency is known to have changed, rather than
// waiting for the next read.
func (c *asyncComputedFlow[T]) onDepChanged() {
	c.mu.Lock()
	prev := c.state
	c.startEpochLocked()
	next := c.state
	var subs []func()
	if !stateUnchanged(c.equal, prev, next) {
		subs = c.snapshotSubscribersLocked()
	}
	c.mu.Unlock()

	if subs != nil {
		notifySubscribersAsync(subs, c.onPanic)
	}
}

func (c *asyncComputedFlow[T]) Subscribe(ctx context.Context, fn func()) Unsubscribe {
	c.mu.Lock()
	first := !c.subscribed
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	c.subscribed = true

	if first {
		if c.cachedBook != nil && !c.cachedBook.stale() && len(c.inFlight) == 0 {
			newUnsubs := make([]Unsubscribe, 0, len(c.cachedBook.sources))
			for _, src := range c.cachedBook.sources {
				if as, ok := src.(anySubscriber); ok {
					newUnsubs = append(newUnsubs, as.subscribeAny(c.onDepChanged))
				}
			}
			c.unsubs = newUnsubs
		} else {
			c.startEpochLocked()
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

func (c *asyncComputedFlow[T]) unsubscribe(id uint64, done chan struct{}) {
	c.mu.Lock()
	delete(c.subscribers, id)
	last := len(c.subscribers) == 0
	var old []Unsubscribe
	var stale []*asyncRecord[T]
	if last {
		c.subscribed = false
		old = c.unsubs
		c.unsubs = nil
		for _, r := range c.inFlight {
			stale = append(stale, r)
		}
	}
	c.mu.Unlock()

	for _, u := range old {
		u()
	}
	for _, r := range stale {
		r.cancelFn(errDisposed)
	}

	select {
	case <-done:
	default:
		close(done)
	}
}

func (c *asyncComputedFlow[T]) SubscribeForever(fn func()) Unsubscribe {
	return c.Subscribe(context.Background(), fn)
}

// AsPromise returns a Future tracking the current (or next) authoritative
// outcome. The same reference is returned to every caller during a
// single pending period; a settled reference is reused until the next
// epoch starts.
func (c *asyncComputedFlow[T]) AsPromise() *Future[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureFreshLocked()

	switch c.state.Status {
	case StatusSuccess:
		if c.promise == nil || !c.promise.isSettled() {
			c.promise = newSettledFuture[T](c.state.Data, nil)
		}
		return c.promise
	case StatusError:
		if c.promise == nil || !c.promise.isSettled() {
			var zero T
			c.promise = newSettledFuture[T](zero, c.state.Err)
		}
		return c.promise
	default:
		if c.promise == nil || c.promise.isSettled() {
			c.promise = newPendingFuture[T]()
		}
		return c.promise
	}
}
