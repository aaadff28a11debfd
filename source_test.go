package flows

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSource_GetSet(t *testing.T) {
	s := NewSource(42)
	v, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, 42, v)

	s.Set(7)
	v, _ = s.Get()
	require.Equal(t, 7, v)
}

func TestSource_Update(t *testing.T) {
	s := NewSource(5)
	s.Update(func(v int) int { return v * 2 })
	v, _ := s.Get()
	require.Equal(t, 10, v)
}

func TestSource_SubscribeForever(t *testing.T) {
	s := NewSource(0)
	var calls int32
	unsub := s.SubscribeForever(func() { atomic.AddInt32(&calls, 1) })
	defer unsub()

	s.Set(1)
	s.Set(2)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestSource_Unsubscribe(t *testing.T) {
	s := NewSource(0)
	var calls int32
	unsub := s.SubscribeForever(func() { atomic.AddInt32(&calls, 1) })

	s.Set(1)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	unsub()
	s.Set(2)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSource_ContextCancel(t *testing.T) {
	s := NewSource(0)
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	s.Subscribe(ctx, func() { atomic.AddInt32(&calls, 1) })

	s.Set(1)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	cancel()
	time.Sleep(10 * time.Millisecond)

	s.Set(2)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSource_EqualSuppressesNotify(t *testing.T) {
	s := NewSource([]int{1, 2, 3}, SourceOption[[]int]{
		Equal: func(a, b []int) bool { return len(a) == len(b) },
	})
	var calls int32
	s.SubscribeForever(func() { atomic.AddInt32(&calls, 1) })

	s.Set([]int{4, 5, 6})
	require.Equal(t, int32(0), atomic.LoadInt32(&calls))

	s.Set([]int{1, 2})
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSource_PanicRecovery(t *testing.T) {
	s := NewSource(0)
	var panicked, good int32
	s.SubscribeForever(func() {
		atomic.AddInt32(&panicked, 1)
		panic("boom")
	})
	s.SubscribeForever(func() { atomic.AddInt32(&good, 1) })

	require.Panics(t, func() { s.Set(1) }, "a failing listener must still surface from the emit that triggered it")
	require.Equal(t, int32(1), atomic.LoadInt32(&panicked))
	require.Equal(t, int32(1), atomic.LoadInt32(&good), "every other listener still runs despite one failing")

	v, _ := s.Get()
	require.Equal(t, 1, v, "the value update itself is unaffected by a listener failure")
}

func TestSource_PanicRecovery_AggregatesMultipleFailures(t *testing.T) {
	s := NewSource(0)
	s.SubscribeForever(func() { panic("first") })
	s.SubscribeForever(func() { panic("second") })

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		s.Set(1)
	}()

	err, ok := recovered.(error)
	require.True(t, ok, "the panic value must be the joined listener error, not a raw string")
	require.ErrorContains(t, err, "first")
	require.ErrorContains(t, err, "second")
}

func TestSource_CustomOnPanic(t *testing.T) {
	var captured any
	s := NewSource(0, SourceOption[int]{
		OnPanic: func(r any) { captured = r },
	})
	s.SubscribeForever(func() { panic("custom") })
	s.Set(1)
	require.Equal(t, "custom", captured)
}

func TestSource_AsReadonly(t *testing.T) {
	s := NewSource(42)
	ro := s.AsReadonly()

	v, _ := ro.Get()
	require.Equal(t, 42, v)

	var calls int32
	unsub := ro.Subscribe(context.Background(), func() { atomic.AddInt32(&calls, 1) })
	defer unsub()

	s.Set(100)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	v, _ = ro.Get()
	require.Equal(t, 100, v)
}

func TestSource_MutationDuringReadIsSideEffectError(t *testing.T) {
	s := NewSource(1)
	c := NewComputed(func(ctx *Ctx) int {
		v := Get(ctx, s)
		s.Set(v + 1) // mutating a dependency while reading it
		return v
	})

	_, err := c.Get()
	require.Error(t, err)
	var cf *ComputationFailureError
	require.ErrorAs(t, err, &cf)
	var se *SideEffectError
	require.ErrorAs(t, err, &se)
}

func TestSource_ConcurrentReadsWrites(t *testing.T) {
	s := NewSource(0)
	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func() {
			for j := 0; j < 50; j++ {
				_, _ = s.Get()
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 50; i++ {
		go func() {
			s.Update(func(v int) int { return v + 1 })
			done <- struct{}{}
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}
	v, _ := s.Get()
	require.Equal(t, 50, v)
}
