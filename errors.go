package flows

import "fmt"

// SideEffectError is raised when a source flow is mutated while a
// computation that reads it (transitively) is still running.
type SideEffectError struct {
	// Source identifies the flow that was mutated re-entrantly, for
	// diagnostics only.
	Source any
}

func (e *SideEffectError) Error() string {
	return "flows: side effect detected: source mutated while a computation reading it is running"
}

// AbortError signals that a computation was cancelled or called skip().
// Reason is the cancellation cause when the abort came from supersession
// or disposal, and nil when it came from an explicit skip().
type AbortError struct {
	Reason error
}

func (e *AbortError) Error() string {
	if e.Reason != nil {
		return fmt.Sprintf("flows: computation aborted: %v", e.Reason)
	}
	return "flows: computation aborted (skip)"
}

func (e *AbortError) Unwrap() error { return e.Reason }

// CycleError is raised when a computation transitively reads a flow that
// is already being computed earlier in the same synchronous call chain.
type CycleError struct {
	// Chain lists the flows involved in the cycle, outermost first, for
	// diagnostics only.
	Chain []any
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("flows: cyclic dependency detected (%d flows in chain)", len(e.Chain))
}

// ComputationFailureError wraps any non-abort error thrown by a getter or
// by a source read during a computation.
type ComputationFailureError struct {
	Err error
}

func (e *ComputationFailureError) Error() string {
	return fmt.Sprintf("flows: computation failed: %v", e.Err)
}

func (e *ComputationFailureError) Unwrap() error { return e.Err }

// isAbort reports whether err is an *AbortError. An *AbortError wrapped
// inside another error is not recognised.
func isAbort(err error) bool {
	_, ok := err.(*AbortError)
	return ok
}

// skipSentinel is panicked by Ctx.Skip/AsyncCtx.Skip to unwind out of a
// running getter. It is always recovered by the record runner and never
// escapes to caller code.
type skipSentinel struct{}
