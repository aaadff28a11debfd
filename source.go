package flows

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// source is the internal implementation of Source[T]. Adapted from the
// map-based subscriber storage of a conventional signal implementation:
// a map keyed by an incrementing id gives O(1) unsubscribe without index
// shifting.
type source[T any] struct {
	mu          sync.RWMutex
	value       T
	equal       EqualFunc[T]
	subscribers map[uint64]func()
	nextID      uint64
	onPanic     func(any)
}

// SourceOption configures a Source created by NewSource.
type SourceOption[T any] struct {
	// Equal, if set, suppresses Set/Update notifications when the new
	// value compares equal to the old one.
	Equal EqualFunc[T]

	// OnPanic, if set, receives the value of a panicking subscriber
	// callback. Without it, recovered failures are joined into one error
	// that Set/Update panics with.
	OnPanic func(recovered any)
}

// NewSource creates a writable flow with the given initial value.
func NewSource[T any](initial T, opts ...SourceOption[T]) Source[T] {
	s := &source[T]{
		value:       initial,
		subscribers: make(map[uint64]func()),
	}
	if len(opts) > 0 {
		s.equal = opts[0].Equal
		s.onPanic = opts[0].OnPanic
	}
	return s
}

func (s *source[T]) Get() (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value, nil
}

// rawGet satisfies the internal anyFlow interface used for staleness
// checks, erasing the static type to any.
func (s *source[T]) rawGet() (any, error) {
	v, err := s.Get()
	return v, err
}

func (s *source[T]) Set(newValue T) {
	if s.equal != nil {
		s.mu.RLock()
		eq := valuesEqualTyped(s.equal, s.value, newValue)
		s.mu.RUnlock()
		if eq {
			return
		}
	}

	if err := globalTracker.checkMutation(any(s)); err != nil {
		panic(err)
	}

	s.mu.Lock()
	s.value = newValue
	callbacks := make([]func(), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		callbacks = append(callbacks, fn)
	}
	s.mu.Unlock()

	if err := notifySubscribersSync(callbacks, s.onPanic); err != nil {
		panic(err)
	}
}

func (s *source[T]) Update(fn func(T) T) {
	s.mu.Lock()
	old := s.value
	next := fn(old)
	if s.equal != nil && s.equal(old, next) {
		s.mu.Unlock()
		return
	}

	if err := globalTracker.checkMutation(any(s)); err != nil {
		s.mu.Unlock()
		panic(err)
	}

	s.value = next
	callbacks := make([]func(), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		callbacks = append(callbacks, fn)
	}
	s.mu.Unlock()

	if err := notifySubscribersSync(callbacks, s.onPanic); err != nil {
		panic(err)
	}
}

func (s *source[T]) Emit(value T) { s.Set(value) }

func (s *source[T]) Subscribe(ctx context.Context, fn func()) Unsubscribe {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subscribers[id] = fn
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
			close(done)
		case <-done:
		}
	}()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
		select {
		case <-done:
		default:
			close(done)
		}
	}
}

func (s *source[T]) SubscribeForever(fn func()) Unsubscribe {
	return s.Subscribe(context.Background(), fn)
}

func (s *source[T]) subscribeAny(fn func()) Unsubscribe { return s.SubscribeForever(fn) }

func (s *source[T]) AsReadonly() Flow[T] { return &readonlyFlow[T]{source: s} }

// readonlyFlow hides Set/Update/Emit from a Source, exposing only Flow[T].
type readonlyFlow[T any] struct {
	source Flow[T]
}

func (r *readonlyFlow[T]) Get() (T, error) { return r.source.Get() }

func (r *readonlyFlow[T]) Subscribe(ctx context.Context, fn func()) Unsubscribe {
	return r.source.Subscribe(ctx, fn)
}

func (r *readonlyFlow[T]) rawGet() (any, error) { return r.source.Get() }

func (r *readonlyFlow[T]) subscribeAny(fn func()) Unsubscribe { return r.source.Subscribe(context.Background(), fn) }

// notifySubscribersSync invokes every callback with panic recovery so one
// panicking subscriber never prevents the others from running, then joins
// every recovered failure into a single error for the caller to throw from
// the emit that triggered this notification. With onPanic set, the caller
// has opted into handling failures itself and none are joined.
func notifySubscribersSync(callbacks []func(), onPanic func(any)) error {
	var errs []error
	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					if onPanic != nil {
						onPanic(r)
						return
					}
					errs = append(errs, recoverToError(r))
				}
			}()
			fn()
		}()
	}
	return errors.Join(errs...)
}

// notifySubscribersAsync invokes every callback with panic recovery, so one
// panicking subscriber never prevents the others from running. Unlike the
// sync variant, failures are never aggregated or surfaced to a caller:
// each is logged individually, since there is no synchronous emit call to
// throw from.
func notifySubscribersAsync(callbacks []func(), onPanic func(any)) {
	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					if onPanic != nil {
						onPanic(r)
						return
					}
					log.Warn().Err(recoverToError(r)).Msg("failed to call flow listener")
				}
			}()
			fn()
		}()
	}
}

// valuesEqualTyped calls a typed EqualFunc safely; kept as a tiny
// indirection so the call site above reads uniformly with
// valuesEqual (used for untyped staleness comparisons in computed.go).
func valuesEqualTyped[T any](eq EqualFunc[T], a, b T) bool {
	return eq(a, b)
}
