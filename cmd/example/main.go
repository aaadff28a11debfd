package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coregx/flows"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	demoDiamond()
	demoSkipAndInitialValue()
	demoAsyncPendingData()
	demoAsyncPromiseStability()
	demoAsyncAggregates()

	fmt.Println("\n=== Demo Complete ===")
}

// demoDiamond shows lazy memoized diamond-safe evaluation: a and b both
// derive from x, and c derives from both a and b. c.Get() must read x's
// current value exactly once per recomputation, never twice.
func demoDiamond() {
	fmt.Println("=== Diamond dependency, shared recomputation ===")

	reads := 0
	x := flows.NewSource(1)
	a := flows.NewComputed(func(ctx *flows.Ctx) int {
		reads++
		return flows.Get(ctx, x) * 2
	})
	b := flows.NewComputed(func(ctx *flows.Ctx) int {
		return flows.Get(ctx, x) * 3
	})
	c := flows.NewComputed(func(ctx *flows.Ctx) int {
		return flows.Get(ctx, a) + flows.Get(ctx, b)
	})

	v, _ := c.Get()
	fmt.Printf("c = %d (x reads via a: %d)\n", v, reads)

	x.Set(5)
	v, _ = c.Get()
	fmt.Printf("after x=5: c = %d (x reads via a: %d)\n", v, reads)
}

// demoSkipAndInitialValue shows a computed flow that skips its first run
// and falls back to InitialValue, then later produces a real value.
func demoSkipAndInitialValue() {
	fmt.Println("\n=== Skip + InitialValue ===")

	ready := flows.NewSource(false)
	amount := flows.NewSource(0)

	total := flows.NewComputed(func(ctx *flows.Ctx) int {
		if !flows.Get(ctx, ready) {
			ctx.Skip()
		}
		return flows.Get(ctx, amount) * 100
	}, flows.ComputedOptions[int]{InitialValue: -1, HasInitialValue: true})

	v, _ := total.Get()
	fmt.Printf("before ready: total = %d\n", v)

	ready.Set(true)
	amount.Set(3)
	v, _ = total.Get()
	fmt.Printf("after ready+amount: total = %d\n", v)
}

// fakeFetch simulates a slow upstream call.
func fakeFetch(ctx context.Context, ms time.Duration, result int, fail bool) (int, error) {
	select {
	case <-time.After(ms * time.Millisecond):
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	if fail {
		return 0, errors.New("upstream failed")
	}
	return result, nil
}

// demoAsyncPendingData shows an async computed flow whose in-flight
// computation is superseded by a newer trigger before it can finish,
// and how the last known data survives across the pending interval.
func demoAsyncPendingData() {
	fmt.Println("\n=== Async epoch supersession + pending-data preservation ===")

	userID := flows.NewSource(1)
	profile := flows.NewAsyncComputed(func(c *flows.AsyncCtx) (int, error) {
		id := flows.Watch(c, userID)
		return fakeFetch(c.Signal(), 40, id*1000, false)
	})

	unsub := profile.Subscribe(context.Background(), func() {
		snap := profile.GetSnapshot()
		fmt.Printf("  notified: status=%s data=%v hasData=%v\n", snap.Status, snap.Data, snap.HasData)
	})
	defer unsub()

	time.Sleep(10 * time.Millisecond)
	userID.Set(2) // supersedes the in-flight fetch for user 1
	time.Sleep(80 * time.Millisecond)

	final := profile.GetSnapshot()
	fmt.Printf("final: status=%s data=%v\n", final.Status, final.Data)
}

// demoAsyncPromiseStability shows that AsPromise returns the same
// *Future reference to every caller during one pending period.
func demoAsyncPromiseStability() {
	fmt.Println("\n=== AsPromise reference stability ===")

	seconds := flows.NewSource(20)
	slow := flows.NewAsyncComputed(func(c *flows.AsyncCtx) (string, error) {
		ms := flows.Watch(c, seconds)
		v, err := fakeFetch(c.Signal(), time.Duration(ms), 42, false)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("answer-%d", v), nil
	})

	p1 := slow.AsPromise()
	p2 := slow.AsPromise()
	fmt.Printf("same reference while pending: %v\n", p1 == p2)

	v, err := p1.Wait(context.Background())
	fmt.Printf("resolved: %q err=%v\n", v, err)

	p3 := slow.AsPromise()
	fmt.Printf("same reference once settled: %v\n", p1 == p3)
}

// demoAsyncAggregates shows WatchAll and WatchAny composing several
// async flows inside one getter.
func demoAsyncAggregates() {
	fmt.Println("\n=== WatchAll / WatchAny ===")

	fast := flows.NewAsyncComputed(func(c *flows.AsyncCtx) (int, error) {
		return fakeFetch(c.Signal(), 5, 1, false)
	})
	slow := flows.NewAsyncComputed(func(c *flows.AsyncCtx) (int, error) {
		return fakeFetch(c.Signal(), 30, 2, false)
	})

	sum := flows.NewAsyncComputed(func(c *flows.AsyncCtx) (int, error) {
		results, err := flows.WatchAll(c, []flows.AsyncFlow[int]{fast, slow})
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
	if err != nil {
		log.Error().Err(err).Msg("sum failed")
		return
	}
	fmt.Printf("fast+slow sum = %d\n", v)

	winner := flows.NewAsyncComputed(func(c *flows.AsyncCtx) (int, error) {
		return flows.WatchAny(c, []flows.AsyncFlow[int]{fast, slow})
	})
	w, _ := winner.AsPromise().Wait(context.Background())
	fmt.Printf("fastest to answer = %d\n", w)
}
