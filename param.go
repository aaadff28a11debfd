package flows

// ComputedParamOptions configures a flow family created by
// NewComputedParam.
type ComputedParamOptions[P any, T any] struct {
	ComputedOptions[T]

	// ParamEquals, if set, replaces the default direct map lookup by
	// parameter value with a linear scan over live entries comparing
	// each against the requested parameter via this function — needed
	// whenever P's own == is not the equality under which two
	// parameters should share a cached flow instance.
	ParamEquals func(a, b P) bool
}

// AsyncComputedParamOptions configures a flow family created by
// NewAsyncComputedParam or NewAsyncComputedParamGen.
type AsyncComputedParamOptions[P any, T any] struct {
	AsyncComputedOptions[T]

	// ParamEquals, if set, replaces the default direct map lookup by
	// parameter value with a linear scan over live entries comparing
	// each against the requested parameter via this function.
	ParamEquals func(a, b P) bool
}

// NewComputedParam builds a family of computed flows indexed by a
// comparable parameter: calling the returned function with the same
// parameter twice returns the very same Flow[T] instance (so two
// callers share one cached computation and one set of subscriptions),
// while distinct parameters get independent instances. Instances that
// nothing references any longer are eligible for garbage collection;
// a later call with the same parameter simply builds a fresh one. With
// ParamEquals set, "the same parameter" is decided by that function
// (via a linear scan) instead of by direct map lookup.
func NewComputedParam[P comparable, T any](getter func(ctx *Ctx, param P) T, opts ...ComputedParamOptions[P, T]) func(P) Flow[T] {
	var opt ComputedParamOptions[P, T]
	if len(opts) > 0 {
		opt = opts[0]
	}
	cache := newParamCache[P, computedFlow[T]](opt.ParamEquals)
	return func(p P) Flow[T] {
		cf := cache.getOrCreate(p, func() *computedFlow[T] {
			flow := NewComputed(func(ctx *Ctx) T { return getter(ctx, p) }, opt.ComputedOptions)
			return flow.(*computedFlow[T])
		})
		return cf
	}
}

// NewAsyncComputedParam is the asynchronous counterpart of
// NewComputedParam, built on PromiseGetter.
func NewAsyncComputedParam[P comparable, T any](getter func(ctx *AsyncCtx, param P) (T, error), opts ...AsyncComputedParamOptions[P, T]) func(P) AsyncFlow[T] {
	var opt AsyncComputedParamOptions[P, T]
	if len(opts) > 0 {
		opt = opts[0]
	}
	cache := newParamCache[P, asyncComputedFlow[T]](opt.ParamEquals)
	return func(p P) AsyncFlow[T] {
		cf := cache.getOrCreate(p, func() *asyncComputedFlow[T] {
			return newAsyncComputedFlow[T](func(c *AsyncCtx) (T, error) { return getter(c, p) }, false, opt.AsyncComputedOptions)
		})
		return cf
	}
}

// NewAsyncComputedParamGen is the generator-variant counterpart of
// NewAsyncComputedParam.
func NewAsyncComputedParamGen[P comparable, T any](getter func(ctx *AsyncCtx, param P) (T, error), opts ...AsyncComputedParamOptions[P, T]) func(P) AsyncFlow[T] {
	var opt AsyncComputedParamOptions[P, T]
	if len(opts) > 0 {
		opt = opts[0]
	}
	cache := newParamCache[P, asyncComputedFlow[T]](opt.ParamEquals)
	return func(p P) AsyncFlow[T] {
		cf := cache.getOrCreate(p, func() *asyncComputedFlow[T] {
			return newAsyncComputedFlow[T](func(c *AsyncCtx) (T, error) { return getter(c, p) }, true, opt.AsyncComputedOptions)
		})
		return cf
	}
}
