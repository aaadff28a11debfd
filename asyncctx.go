package flows

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// asyncRecordBase is the type-erased half of an asynchronous computation
// record: its epoch, its cancellation signal, and the bookkeeping of
// sources read so far. runID identifies this particular run in logs,
// independent of epoch (which is scoped to a single flow).
type asyncRecordBase struct {
	*bookkeeping

	epoch    uint64
	runID    string
	ctx      context.Context
	cancelFn context.CancelCauseFunc

	trackMu         sync.Mutex
	trackingEnabled bool
	generator       bool
}

// trackingAllowed reports whether the current suspension state permits
// recording new dependencies.
func (r *asyncRecordBase) trackingAllowed() bool {
	r.trackMu.Lock()
	defer r.trackMu.Unlock()
	return r.trackingEnabled
}

// beginSuspend disables tracking for the duration of an awaited promise.
func (r *asyncRecordBase) beginSuspend() {
	r.trackMu.Lock()
	r.trackingEnabled = false
	r.trackMu.Unlock()
}

// endSuspend re-enables tracking after a suspension resumes, but only
// for the generator variant: the promise variant permanently disables
// tracking after its first suspension.
func (r *asyncRecordBase) endSuspend() {
	if !r.generator {
		return
	}
	r.trackMu.Lock()
	r.trackingEnabled = true
	r.trackMu.Unlock()
}

// AsyncCtx is the context an asynchronous computed-flow getter receives.
// Use Watch/WatchAsync/WatchAll/WatchAllSettled/WatchAny/WatchRace to
// read dependencies, Skip to abort the run, and Signal to observe
// cancellation.
type AsyncCtx struct {
	rec *asyncRecordBase
}

// Signal returns the cancellation context for the current computation.
// It is done when this computation has been superseded by a newer
// epoch, or when the owning flow has been disposed (lost all
// subscribers). Getter code that cannot complete silently should check
// it between operations.
func (c *AsyncCtx) Signal() context.Context { return c.rec.ctx }

// Skip aborts the current asynchronous computation run.
func (c *AsyncCtx) Skip() { panic(skipSentinel{}) }

func (c *AsyncCtx) track(key, value any) {
	if c.rec.trackingAllowed() {
		c.rec.addSource(key, value)
	}
}

// abortIfCancelled converts a wait error into an AbortError if it was
// caused by this computation's own cancellation: engine-issued errors
// that originate from a signal firing are treated as abort errors.
func (c *AsyncCtx) abortIfCancelled(err error) error {
	if err == nil {
		return nil
	}
	if c.rec.ctx.Err() != nil {
		return &AbortError{Reason: context.Cause(c.rec.ctx)}
	}
	return err
}

// Watch synchronously reads a plain Flow, tracking it as a dependency if
// the computation is currently in a trackable (non-suspended, or
// generator-resumed) window.
func Watch[V any](c *AsyncCtx, flow Flow[V]) V {
	v, err := flow.Get()
	if err != nil {
		panic(propagatedErr{err})
	}
	c.track(any(flow), any(v))
	return v
}

// WatchAsync reads an AsyncFlow. A Success state resolves synchronously
// to its Data; a Pending state suspends (tracking off) until the flow's
// AsPromise settles; an Error state panics with the underlying error. The
// flow is tracked as a dependency regardless of which state it was in.
func WatchAsync[V any](c *AsyncCtx, flow AsyncFlow[V]) V {
	snap := flow.GetSnapshot()
	c.track(any(flow), any(snap.Data))

	switch snap.Status {
	case StatusSuccess:
		return snap.Data
	case StatusError:
		panic(propagatedErr{snap.Err})
	default:
		c.rec.beginSuspend()
		data, err := flow.AsPromise().Wait(c.rec.ctx)
		c.rec.endSuspend()
		if err != nil {
			panic(propagatedErr{c.abortIfCancelled(err)})
		}
		return data
	}
}

func awaitOne[V any](c *AsyncCtx, flow AsyncFlow[V]) (V, error) {
	snap := flow.GetSnapshot()
	switch snap.Status {
	case StatusSuccess:
		return snap.Data, nil
	case StatusError:
		return snap.Data, snap.Err
	default:
		return flow.AsPromise().Wait(c.rec.ctx)
	}
}

// WatchAll awaits every flow concurrently and returns their data in
// order, failing fast on the first error (like errgroup.Group). Every
// flow is tracked as a dependency regardless of outcome.
func WatchAll[V any](c *AsyncCtx, flows []AsyncFlow[V]) ([]V, error) {
	for _, f := range flows {
		snap := f.GetSnapshot()
		c.track(any(f), any(snap.Data))
	}

	c.rec.beginSuspend()
	defer c.rec.endSuspend()

	results := make([]V, len(flows))
	g, gctx := errgroup.WithContext(c.rec.ctx)
	for i, f := range flows {
		i, f := i, f
		g.Go(func() error {
			var v V
			var err error
			switch snap := f.GetSnapshot(); snap.Status {
			case StatusSuccess:
				v = snap.Data
			case StatusError:
				err = snap.Err
			default:
				// gctx is cancelled as soon as another flow fails.
				v, err = f.AsPromise().Wait(gctx)
			}
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, c.abortIfCancelled(err)
	}
	return results, nil
}

// WatchAllSettled awaits every flow concurrently and returns the settled
// AsyncState of each, never failing the aggregate itself.
func WatchAllSettled[V any](c *AsyncCtx, flows []AsyncFlow[V]) []AsyncState[V] {
	for _, f := range flows {
		snap := f.GetSnapshot()
		c.track(any(f), any(snap.Data))
	}

	c.rec.beginSuspend()
	defer c.rec.endSuspend()

	out := make([]AsyncState[V], len(flows))
	var wg sync.WaitGroup
	wg.Add(len(flows))
	for i, f := range flows {
		i, f := i, f
		go func() {
			defer wg.Done()
			v, err := awaitOne(&AsyncCtx{rec: c.rec}, f)
			if err != nil {
				out[i] = AsyncState[V]{Status: StatusError, Err: err}
			} else {
				out[i] = AsyncState[V]{Status: StatusSuccess, Data: v, HasData: true}
			}
		}()
	}
	wg.Wait()
	return out
}

type asyncRaceResult[V any] struct {
	v   V
	err error
}

// WatchAny awaits every flow concurrently and returns the first
// successful result, or the last error if every flow failed.
func WatchAny[V any](c *AsyncCtx, flows []AsyncFlow[V]) (V, error) {
	for _, f := range flows {
		snap := f.GetSnapshot()
		c.track(any(f), any(snap.Data))
	}

	c.rec.beginSuspend()
	defer c.rec.endSuspend()

	ch := make(chan asyncRaceResult[V], len(flows))
	for _, f := range flows {
		f := f
		go func() {
			v, err := awaitOne(&AsyncCtx{rec: c.rec}, f)
			ch <- asyncRaceResult[V]{v, err}
		}()
	}

	var lastErr error
	for range flows {
		r := <-ch
		if r.err == nil {
			return r.v, nil
		}
		lastErr = r.err
	}
	var zero V
	return zero, c.abortIfCancelled(lastErr)
}

// WatchRace awaits every flow concurrently and returns whichever settles
// first, success or failure.
func WatchRace[V any](c *AsyncCtx, flows []AsyncFlow[V]) (V, error) {
	for _, f := range flows {
		snap := f.GetSnapshot()
		c.track(any(f), any(snap.Data))
	}

	c.rec.beginSuspend()
	defer c.rec.endSuspend()

	ch := make(chan asyncRaceResult[V], len(flows))
	for _, f := range flows {
		f := f
		go func() {
			v, err := awaitOne(&AsyncCtx{rec: c.rec}, f)
			ch <- asyncRaceResult[V]{v, err}
		}()
	}

	r := <-ch
	return r.v, c.abortIfCancelled(r.err)
}
