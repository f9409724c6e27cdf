package forwarder

import (
	"context"
	"time"
)

// ============================================================================
// Execute Hook Context Types
// ============================================================================

// ExecuteContext contains information passed to execute hooks
type ExecuteContext struct {
	Ctx       context.Context
	Caller    Caller
	Request   ForwardRequest
	Signature []byte
	Timestamp time.Time
}

// ExecuteResultContext contains a committed execution and its context
type ExecuteResultContext struct {
	ExecuteContext
	Result   ExecuteResult
	Duration time.Duration
}

// ExecuteFailureContext contains an aborted execution and its context
type ExecuteFailureContext struct {
	ExecuteContext
	Error    error
	Duration time.Duration
}

// ============================================================================
// Execute Hook Result Types
// ============================================================================

// BeforeHookResult represents the result of a "before" hook
// If Abort is true, the operation is rejected with the given Reason
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// ============================================================================
// Execute Hook Function Types
// ============================================================================

// BeforeExecuteHook is called before the forwarder takes its lock.
// If it returns a result with Abort=true, Execute fails with execution_aborted
// and nothing is changed.
type BeforeExecuteHook func(ExecuteContext) (*BeforeHookResult, error)

// AfterExecuteHook is called after a committed execution.
// Any error returned will be logged but will not affect the result
type AfterExecuteHook func(ExecuteResultContext) error

// OnExecuteFailureHook is called when an execution aborts.
// Any error returned will be logged; the original error is still returned
type OnExecuteFailureHook func(ExecuteFailureContext) error

// OnBeforeExecute registers a hook run before every Execute
func (f *Forwarder) OnBeforeExecute(hook BeforeExecuteHook) *Forwarder {
	f.hooksMu.Lock()
	defer f.hooksMu.Unlock()
	f.beforeExecuteHooks = append(f.beforeExecuteHooks, hook)
	return f
}

// OnAfterExecute registers a hook run after every committed Execute
func (f *Forwarder) OnAfterExecute(hook AfterExecuteHook) *Forwarder {
	f.hooksMu.Lock()
	defer f.hooksMu.Unlock()
	f.afterExecuteHooks = append(f.afterExecuteHooks, hook)
	return f
}

// OnExecuteFailure registers a hook run after every aborted Execute
func (f *Forwarder) OnExecuteFailure(hook OnExecuteFailureHook) *Forwarder {
	f.hooksMu.Lock()
	defer f.hooksMu.Unlock()
	f.onExecuteFailureHooks = append(f.onExecuteFailureHooks, hook)
	return f
}

func (f *Forwarder) hooks() ([]BeforeExecuteHook, []AfterExecuteHook, []OnExecuteFailureHook) {
	f.hooksMu.RLock()
	defer f.hooksMu.RUnlock()
	return f.beforeExecuteHooks, f.afterExecuteHooks, f.onExecuteFailureHooks
}
