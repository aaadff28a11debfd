package flows

import (
	"context"
	"sync"
	"time"
)

// MapFlow derives a new flow from src by applying fn to every value. It
// is a thin wrapper over NewComputed, not part of the reactive core
// itself.
func MapFlow[T, U any](src Flow[T], fn func(T) U, opts ...ComputedOptions[U]) Flow[U] {
	return NewComputed(func(ctx *Ctx) U {
		return fn(Get(ctx, src))
	}, opts...)
}

// FilterAsyncFlow derives an asynchronous flow that only accepts values
// from src matching pred; values that don't match skip the run. After an
// earlier outcome a skipped run leaves the state as it is; when the very
// first run skips, the flow settles with an AbortError.
func FilterAsyncFlow[T any](src AsyncFlow[T], pred func(T) bool, opts ...AsyncComputedOptions[T]) AsyncFlow[T] {
	return NewAsyncComputed(func(c *AsyncCtx) (T, error) {
		v := WatchAsync(c, src)
		if !pred(v) {
			c.Skip()
		}
		return v, nil
	}, opts...)
}

// TakeLatest starts fn with the current trigger value on every change,
// cancelling any still-running previous call: every dependency change on
// trigger begins a new epoch and fires the old one's cancellation signal.
func TakeLatest[P, T any](trigger Flow[P], fn func(ctx context.Context, param P) (T, error)) AsyncFlow[T] {
	return NewAsyncComputed(func(c *AsyncCtx) (T, error) {
		param := Watch(c, trigger)
		return fn(c.Signal(), param)
	})
}

// sourceAsyncAdapter exposes a Source[AsyncState[T]] as an AsyncFlow[T],
// used by TakeLeading, whose "ignore triggers while busy" semantics
// don't fit the epoch-reconciled asyncComputedFlow (there is never more
// than one computation in flight to reconcile).
type sourceAsyncAdapter[T any] struct {
	src Source[AsyncState[T]]
}

func (a *sourceAsyncAdapter[T]) GetSnapshot() AsyncState[T] {
	v, _ := a.src.Get()
	return v
}

func (a *sourceAsyncAdapter[T]) Subscribe(ctx context.Context, fn func()) Unsubscribe {
	return a.src.Subscribe(ctx, fn)
}

func (a *sourceAsyncAdapter[T]) AsPromise() *Future[T] {
	snap, _ := a.src.Get()
	switch snap.Status {
	case StatusSuccess:
		return newSettledFuture[T](snap.Data, nil)
	case StatusError:
		var zero T
		return newSettledFuture[T](zero, snap.Err)
	default:
		fut := newPendingFuture[T]()
		var unsub Unsubscribe
		unsub = a.src.Subscribe(context.Background(), func() {
			s, _ := a.src.Get()
			if s.Status == StatusPending {
				return
			}
			if s.Status == StatusSuccess {
				fut.settle(s.Data, nil)
			} else {
				var zero T
				fut.settle(zero, s.Err)
			}
			if unsub != nil {
				unsub()
			}
		})
		return fut
	}
}

// TakeLeading runs fn with the trigger's current value each time the
// trigger changes and ignores every change that arrives while a call is
// still in flight, unlike TakeLatest's cancel-and-restart (mirrors the
// "leading call owns the slot until done" hand-off-less variant of a
// futureCache acquire). Nothing runs for the trigger's initial value: the
// flow stays pending until the trigger first changes.
func TakeLeading[P, T any](trigger Flow[P], fn func(ctx context.Context, param P) (T, error)) AsyncFlow[T] {
	out := NewSource(AsyncState[T]{Status: StatusPending})
	var mu sync.Mutex
	busy := false

	trigger.Subscribe(context.Background(), func() {
		mu.Lock()
		if busy {
			mu.Unlock()
			return
		}
		busy = true
		param, _ := trigger.Get()
		mu.Unlock()

		go func() {
			v, err := fn(context.Background(), param)
			mu.Lock()
			busy = false
			mu.Unlock()
			if err != nil {
				out.Set(AsyncState[T]{Status: StatusError, Err: err})
			} else {
				out.Set(AsyncState[T]{Status: StatusSuccess, Data: v, HasData: true})
			}
		}()
	})

	return &sourceAsyncAdapter[T]{src: out}
}

// Debounce republishes src's value delay after the most recent change,
// restarting the wait on every intervening change: the timer is the
// effect, stopping the previous one before starting the next is the
// cleanup, the same effect-with-cleanup idiom generalized from an
// arbitrary side effect to a flow combinator.
func Debounce[T any](src Flow[T], delay time.Duration) Flow[T] {
	initial, _ := src.Get()
	out := NewSource(initial)

	var mu sync.Mutex
	var timer *time.Timer

	src.Subscribe(context.Background(), func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(delay, func() {
			if v, err := src.Get(); err == nil {
				out.Set(v)
			}
		})
		mu.Unlock()
	})

	return out.AsReadonly()
}

// Throttle republishes src's value at most once per interval: a change
// during the cooldown window is remembered and applied on the trailing
// edge once the cooldown elapses.
func Throttle[T any](src Flow[T], interval time.Duration) Flow[T] {
	initial, _ := src.Get()
	out := NewSource(initial)

	var mu sync.Mutex
	var cooling bool
	var pending bool
	var fire func()

	fire = func() {
		if v, err := src.Get(); err == nil {
			out.Set(v)
		}
		time.AfterFunc(interval, func() {
			mu.Lock()
			cooling = false
			trailing := pending
			pending = false
			mu.Unlock()
			if trailing {
				mu.Lock()
				cooling = true
				mu.Unlock()
				fire()
			}
		})
	}

	src.Subscribe(context.Background(), func() {
		mu.Lock()
		if cooling {
			pending = true
			mu.Unlock()
			return
		}
		cooling = true
		mu.Unlock()
		fire()
	})

	return out.AsReadonly()
}
