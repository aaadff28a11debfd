package flows

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestAsyncComputed_PullModeResolves(t *testing.T) {
	c := NewAsyncComputed(func(ctx *AsyncCtx) (int, error) {
		time.Sleep(5 * time.Millisecond)
		return 42, nil
	})

	snap := c.GetSnapshot()
	require.True(t, snap.Pending())

	waitUntil(t, time.Second, func() bool { return c.GetSnapshot().Success() })
	snap = c.GetSnapshot()
	require.Equal(t, 42, snap.Data)
	require.True(t, snap.HasData)
}

func TestAsyncComputed_ErrorSurfaces(t *testing.T) {
	boom := errors.New("boom")
	c := NewAsyncComputed(func(ctx *AsyncCtx) (int, error) {
		return 0, boom
	})

	waitUntil(t, time.Second, func() bool { return c.GetSnapshot().Failed() })
	snap := c.GetSnapshot()
	require.ErrorIs(t, snap.Err, boom)
}

func TestAsyncComputed_AsPromiseWaits(t *testing.T) {
	c := NewAsyncComputed(func(ctx *AsyncCtx) (string, error) {
		time.Sleep(5 * time.Millisecond)
		return "done", nil
	})

	v, err := c.AsPromise().Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "done", v)
}

func TestAsyncComputed_AsPromiseSameReferenceWhilePending(t *testing.T) {
	c := NewAsyncComputed(func(ctx *AsyncCtx) (int, error) {
		time.Sleep(20 * time.Millisecond)
		return 1, nil
	})

	p1 := c.AsPromise()
	p2 := c.AsPromise()
	require.Same(t, p1, p2)

	_, _ = p1.Wait(context.Background())

	p3 := c.AsPromise()
	require.Same(t, p1, p3, "a settled promise is reused until a new epoch starts")
}

// TestAsyncComputed_SupersessionPreservesPendingData verifies that when a
// dependency changes after a computation has settled, the flow
// transitions back to pending while carrying forward the last known data,
// and the new computation's outcome then becomes authoritative.
func TestAsyncComputed_SupersessionPreservesPendingData(t *testing.T) {
	id := NewSource(1)
	var cancelled int32
	c := NewAsyncComputed(func(ctx *AsyncCtx) (int, error) {
		n := Watch(ctx, id)
		select {
		case <-time.After(60 * time.Millisecond):
			return n * 100, nil
		case <-ctx.Signal().Done():
			cancelled++
			return 0, ctx.Signal().Err()
		}
	})

	unsub := c.Subscribe(context.Background(), func() {})
	defer unsub()

	waitUntil(t, time.Second, func() bool { return c.GetSnapshot().Success() && c.GetSnapshot().Data == 100 })

	id.Set(2)
	snap := c.GetSnapshot()
	require.True(t, snap.Pending())
	require.Equal(t, 100, snap.Data, "pending-data keeps the last authoritative value")

	waitUntil(t, time.Second, func() bool { return c.GetSnapshot().Success() && c.GetSnapshot().Data == 200 })
}

func TestAsyncComputed_SkipAbortsWithNoFallback(t *testing.T) {
	c := NewAsyncComputed(func(ctx *AsyncCtx) (int, error) {
		ctx.Skip()
		return 0, nil
	})

	waitUntil(t, time.Second, func() bool { return c.GetSnapshot().Failed() })
	snap := c.GetSnapshot()
	var abortErr *AbortError
	require.ErrorAs(t, snap.Err, &abortErr)
}

func TestWatchAsync_ResolvesOnSuccess(t *testing.T) {
	dep := NewAsyncComputed(func(ctx *AsyncCtx) (int, error) {
		time.Sleep(5 * time.Millisecond)
		return 9, nil
	})
	c := NewAsyncComputed(func(ctx *AsyncCtx) (int, error) {
		v := WatchAsync(ctx, dep)
		return v + 1, nil
	})

	v, err := c.AsPromise().Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, v)
}

func TestWatchAll_Aggregates(t *testing.T) {
	ok1 := NewAsyncComputed(func(ctx *AsyncCtx) (int, error) { return 1, nil })
	ok2 := NewAsyncComputed(func(ctx *AsyncCtx) (int, error) {
		time.Sleep(5 * time.Millisecond)
		return 2, nil
	})

	sum := NewAsyncComputed(func(ctx *AsyncCtx) (int, error) {
		results, err := WatchAll(ctx, []AsyncFlow[int]{ok1, ok2})
		if err != nil {
			return 0, err
		}
		total := 0
		for _, r := range results {
			total += r
		}
		return total, nil
	})

	v, err := sum.AsPromise().Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, v)
}

func TestWatchAll_FailFast(t *testing.T) {
	boom := errors.New("dep failed")
	bad := NewAsyncComputed(func(ctx *AsyncCtx) (int, error) { return 0, boom })
	good := NewAsyncComputed(func(ctx *AsyncCtx) (int, error) {
		time.Sleep(20 * time.Millisecond)
		return 1, nil
	})

	agg := NewAsyncComputed(func(ctx *AsyncCtx) (int, error) {
		_, err := WatchAll(ctx, []AsyncFlow[int]{bad, good})
		return 0, err
	})

	_, err := agg.AsPromise().Wait(context.Background())
	require.Error(t, err)
}

func TestWatchAny_FirstSuccessWins(t *testing.T) {
	fast := NewAsyncComputed(func(ctx *AsyncCtx) (int, error) {
		time.Sleep(2 * time.Millisecond)
		return 1, nil
	})
	slow := NewAsyncComputed(func(ctx *AsyncCtx) (int, error) {
		time.Sleep(30 * time.Millisecond)
		return 2, nil
	})

	agg := NewAsyncComputed(func(ctx *AsyncCtx) (int, error) {
		return WatchAny(ctx, []AsyncFlow[int]{fast, slow})
	})

	v, err := agg.AsPromise().Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestWatchAllSettled_NeverFails(t *testing.T) {
	boom := errors.New("bad")
	bad := NewAsyncComputed(func(ctx *AsyncCtx) (int, error) { return 0, boom })
	good := NewAsyncComputed(func(ctx *AsyncCtx) (int, error) { return 5, nil })

	agg := NewAsyncComputed(func(ctx *AsyncCtx) ([]AsyncState[int], error) {
		return WatchAllSettled(ctx, []AsyncFlow[int]{bad, good}), nil
	})

	v, err := agg.AsPromise().Wait(context.Background())
	require.NoError(t, err)
	require.Len(t, v, 2)
	require.True(t, v[0].Failed())
	require.True(t, v[1].Success())
	require.Equal(t, 5, v[1].Data)
}

// externalFutureSpy hands out a fresh, externally-settled *Future[int]
// each time the getter under test awaits, so a scenario can resolve
// specific epochs out of order.
type externalFutureSpy struct {
	mu      sync.Mutex
	futures []*Future[int]
}

func (s *externalFutureSpy) next() *Future[int] {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := newPendingFuture[int]()
	s.futures = append(s.futures, f)
	return f
}

func (s *externalFutureSpy) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.futures)
}

func (s *externalFutureSpy) at(i int) *Future[int] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.futures[i]
}

// TestAsyncComputed_ConcurrentReconciliation_FirstStartsFirstEnds covers
// scenario S3: in pull mode, each poll after a dependency change
// supersedes the still-running epoch with a new one. With two epochs in
// flight (triggered by x=1 then x=2), settling the older epoch's
// externally-controlled promise first only updates the pending data
// field; settling the newer epoch's promise afterwards becomes the
// authoritative success.
func TestAsyncComputed_ConcurrentReconciliation_FirstStartsFirstEnds(t *testing.T) {
	x := NewSource(0)
	spy := &externalFutureSpy{}

	c := NewAsyncComputed(func(ctx *AsyncCtx) (int, error) {
		Watch(ctx, x)
		return spy.next().Wait(context.Background())
	})

	c.GetSnapshot() // starts the epoch reading x=0
	waitUntil(t, time.Second, func() bool { return spy.count() == 1 })

	x.Set(1)
	c.GetSnapshot() // observes staleness, supersedes with an epoch reading x=1
	waitUntil(t, time.Second, func() bool { return spy.count() == 2 })

	x.Set(2)
	c.GetSnapshot() // observes staleness again, supersedes with an epoch reading x=2
	waitUntil(t, time.Second, func() bool { return spy.count() == 3 })

	spy.at(1).settle(1, nil) // the epoch started by x=1, the "first" of the two
	waitUntil(t, time.Second, func() bool {
		s := c.GetSnapshot()
		return s.Pending() && s.HasData && s.Data == 1
	})

	spy.at(2).settle(2, nil) // the epoch started by x=2, the "second" of the two
	waitUntil(t, time.Second, func() bool {
		s := c.GetSnapshot()
		return s.Success() && s.Data == 2
	})
}

// TestAsyncComputed_ConcurrentReconciliation_FirstStartsLastEnds covers
// scenario S4: same two epochs as S3, but the newer one's promise
// settles first (becoming authoritative immediately); the older one
// settling afterwards must not change the observable state or the
// asPromise reference.
func TestAsyncComputed_ConcurrentReconciliation_FirstStartsLastEnds(t *testing.T) {
	x := NewSource(0)
	spy := &externalFutureSpy{}

	c := NewAsyncComputed(func(ctx *AsyncCtx) (int, error) {
		Watch(ctx, x)
		return spy.next().Wait(context.Background())
	})

	c.GetSnapshot()
	waitUntil(t, time.Second, func() bool { return spy.count() == 1 })

	x.Set(1)
	c.GetSnapshot()
	waitUntil(t, time.Second, func() bool { return spy.count() == 2 })

	x.Set(2)
	c.GetSnapshot()
	waitUntil(t, time.Second, func() bool { return spy.count() == 3 })

	spy.at(2).settle(2, nil) // the epoch started by x=2 settles first
	waitUntil(t, time.Second, func() bool { return c.GetSnapshot().Success() })
	p1 := c.AsPromise()

	spy.at(1).settle(1, nil) // the epoch started by x=1 settles afterwards
	time.Sleep(10 * time.Millisecond)

	snap := c.GetSnapshot()
	require.True(t, snap.Success())
	require.Equal(t, 2, snap.Data, "an outdated success after the latest epoch settled must not change state")

	p2 := c.AsPromise()
	require.Same(t, p1, p2, "the asPromise reference must be unchanged by the outdated settle")
}

// TestAsyncComputed_AsPromise_StableAcrossSupersession covers scenario
// S6: calling asPromise() in pull mode while dependency changes keep
// superseding the in-flight epoch must always return the same
// reference, and that reference must eventually resolve to the last
// (correct) epoch's value, not an earlier superseded one.
func TestAsyncComputed_AsPromise_StableAcrossSupersession(t *testing.T) {
	x := NewSource(0)
	spy := &externalFutureSpy{}

	c := NewAsyncComputed(func(ctx *AsyncCtx) (int, error) {
		Watch(ctx, x)
		return spy.next().Wait(context.Background())
	})

	p1 := c.AsPromise()
	waitUntil(t, time.Second, func() bool { return spy.count() == 1 })

	x.Set(1)
	p2 := c.AsPromise()
	require.Same(t, p1, p2)
	waitUntil(t, time.Second, func() bool { return spy.count() == 2 })

	x.Set(2)
	p3 := c.AsPromise()
	require.Same(t, p1, p3)
	waitUntil(t, time.Second, func() bool { return spy.count() == 3 })

	spy.at(0).settle(0, nil) // the earliest, long-superseded epoch settling must not matter
	spy.at(1).settle(1, nil) // the middle, superseded epoch settling must not matter either
	spy.at(2).settle(2, nil) // only the latest epoch is authoritative

	v, err := p3.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, v, "the stable promise must resolve to the last epoch's value, not an earlier superseded one")
}
