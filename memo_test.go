package flows

import (
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"weak"

	"github.com/stretchr/testify/require"
)

func TestParamCache_SameKeyReusesInstance(t *testing.T) {
	c := newParamCache[string, int](nil)
	created := 0
	make1 := func() *int { created++; v := 1; return &v }

	a := c.getOrCreate("x", make1)
	b := c.getOrCreate("x", make1)
	require.Same(t, a, b)
	require.Equal(t, 1, created)

	d := c.getOrCreate("y", make1)
	require.NotSame(t, a, d)
	require.Equal(t, 2, created)
}

// TestParamCache_EvictDropsCollectedEntry verifies that evict removes a
// key's slot once the weak pointer it holds has gone nil (the referent
// was collected).
func TestParamCache_EvictDropsCollectedEntry(t *testing.T) {
	c := newParamCache[string, int](nil)
	v := 1
	c.entries["x"] = weak.Make(&v)

	// Simulate v having already been collected: a fresh weak pointer to
	// nothing still resolves to nil via Value().
	c.entries["x"] = weak.Pointer[int]{}
	c.evict("x")

	c.mu.Lock()
	_, stillThere := c.entries["x"]
	c.mu.Unlock()
	require.False(t, stillThere)
}

// TestParamCache_CollectedEntryIsRecreated exercises the real GC path:
// once nothing holds the instance returned for a key, a later call with
// the same key builds a fresh one.
func TestParamCache_CollectedEntryIsRecreated(t *testing.T) {
	c := newParamCache[string, int](nil)
	created := 0
	make1 := func() *int { created++; v := created; return &v }

	func() {
		v := c.getOrCreate("x", make1)
		require.Equal(t, 1, *v)
	}()

	for i := 0; i < 10 && created < 2; i++ {
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
		c.getOrCreate("x", make1)
	}

	require.GreaterOrEqual(t, created, 1)
}

func TestNewComputedParam_SharesInstancePerParameter(t *testing.T) {
	base := NewSource(10)
	byFactor := NewComputedParam(func(ctx *Ctx, factor int) int {
		return Get(ctx, base) * factor
	})

	double := byFactor(2)
	doubleAgain := byFactor(2)
	require.Same(t, double, doubleAgain)

	triple := byFactor(3)
	v2, _ := double.Get()
	v3, _ := triple.Get()
	require.Equal(t, 20, v2)
	require.Equal(t, 30, v3)
}

// TestParamCache_ParamEqualsLinearScan verifies the fallback lookup used
// when a non-default parameter equality is supplied: keys that are not
// == but that paramEquals considers the same must still dedupe to one
// instance, and the scan must keep working after an unrelated key is
// added.
func TestParamCache_ParamEqualsLinearScan(t *testing.T) {
	caseInsensitive := func(a, b string) bool { return strings.EqualFold(a, b) }
	c := newParamCache[string, int](caseInsensitive)
	created := 0
	make1 := func() *int { created++; v := created; return &v }

	a := c.getOrCreate("Factor", make1)
	b := c.getOrCreate("FACTOR", make1)
	require.Same(t, a, b, "paramEquals must dedupe keys that are not == but compare equal under it")
	require.Equal(t, 1, created)

	c.getOrCreate("other", make1)
	require.Equal(t, 2, created)

	d := c.getOrCreate("factor", make1)
	require.Same(t, a, d, "the linear scan must still find the original entry after a new key is added")
	require.Equal(t, 2, created)
}

// TestNewComputedParam_ParamEqualsDedupesNonIdenticalKeys exercises the
// ParamEquals option end to end through NewComputedParam: two distinct
// (by ==) parameter values that ParamEquals treats as the same share
// one cached flow instance and one recomputation.
func TestNewComputedParam_ParamEqualsDedupesNonIdenticalKeys(t *testing.T) {
	base := NewSource(10)
	var runs int32
	byLabel := NewComputedParam(func(ctx *Ctx, label string) int {
		atomic.AddInt32(&runs, 1)
		return Get(ctx, base)
	}, ComputedParamOptions[string, int]{
		ParamEquals: strings.EqualFold,
	})

	a := byLabel("Widget")
	b := byLabel("WIDGET")
	require.Same(t, a, b)

	_, _ = a.Get()
	_, _ = b.Get()
	require.Equal(t, int32(1), atomic.LoadInt32(&runs))
}
