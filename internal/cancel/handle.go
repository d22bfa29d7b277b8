// Package cancel implements the two-level graceful/hard cancellation
// handle shared by the scheduler and driver: a small struct wrapping
// two context.Contexts rather than an exception-based mechanism.
// Readers select on whichever level they care about and are never
// unwound.
package cancel

import "context"

// Reason records why a handle was cancelled, carried along for logging
// and for the driver's terminal-error message.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonPause    Reason = "pause"
	ReasonShutdown Reason = "shutdown"
	ReasonCancel   Reason = "cancel"
	ReasonFailure  Reason = "failure"
)

// Handle carries the two cancellation levels side by side. Graceful()
// fires on Pause/Shutdown and lets in-flight work finish; Hard() fires
// on Cancel, on unrecoverable errors, or when a graceful shutdown's
// drain window expires, and aborts in-flight work. A hard cancel also
// cancels the graceful level, never the other way around.
type Handle struct {
	gracefulCtx context.Context
	gracefulFn  context.CancelFunc
	hardCtx     context.Context
	hardFn      context.CancelFunc
	reason      Reason
}

// New derives a Handle from a parent context.
func New(parent context.Context) *Handle {
	gctx, gcancel := context.WithCancel(parent)
	hctx, hcancel := context.WithCancel(parent)
	return &Handle{gracefulCtx: gctx, gracefulFn: gcancel, hardCtx: hctx, hardFn: hcancel}
}

// Graceful returns the context cancelled on Pause, Shutdown, or any
// hard cancel.
func (h *Handle) Graceful() context.Context { return h.gracefulCtx }

// Hard returns the context that is cancelled on Cancel or escalation;
// Done() fires only on a hard cancel, never on a bare graceful one.
func (h *Handle) Hard() context.Context { return h.hardCtx }

// CancelGraceful signals the graceful level. The current in-flight
// article is allowed to complete; callers observe this at their next
// suspension point.
func (h *Handle) CancelGraceful(reason Reason) {
	h.reason = reason
	h.gracefulFn()
}

// CancelHard signals both levels immediately, aborting outstanding
// fetches and closing their connections.
func (h *Handle) CancelHard(reason Reason) {
	h.reason = reason
	h.hardFn()
	h.gracefulFn()
}

// Reason reports why this handle was cancelled, or ReasonNone if it
// hasn't been.
func (h *Handle) Reason() Reason { return h.reason }

// IsGracefullyCancelled reports whether Graceful().Done() has fired.
func (h *Handle) IsGracefullyCancelled() bool {
	select {
	case <-h.gracefulCtx.Done():
		return true
	default:
		return false
	}
}

// IsHardCancelled reports whether Hard().Done() has fired.
func (h *Handle) IsHardCancelled() bool {
	select {
	case <-h.hardCtx.Done():
		return true
	default:
		return false
	}
}
