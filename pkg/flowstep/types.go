package flowstep

import (
	"github.com/flowstep/flowstep-go/internal/fn"
	"github.com/flowstep/flowstep-go/internal/middleware"
)

// Aliases surfacing the shared vocabulary to callers of the public API.
type (
	// Event is a triggering or sent event payload.
	Event = fn.Event
	// FunctionContext carries the triggering event and run metadata into a
	// handler.
	FunctionContext = fn.Context
	// Handler is a durable function's business logic.
	Handler = fn.Handler
	// FunctionOpts configures a function's identity, retries, and
	// scheduling constraints.
	FunctionOpts = fn.Opts
	// Trigger starts runs from an event name, cron schedule, or filter
	// expression.
	Trigger = fn.Trigger
	// Function is a registered durable function.
	Function = fn.ServableFunction
	// NonRetriableError marks a permanent failure.
	NonRetriableError = fn.NonRetriableError

	// ConcurrencyLimit, RateLimit, Throttle, Debounce, Singleton, Timeouts,
	// Priority and CancelOn mirror the scheduling constraints the Executor
	// enforces.
	ConcurrencyLimit = fn.ConcurrencyLimit
	RateLimit        = fn.RateLimit
	Throttle         = fn.Throttle
	Debounce         = fn.Debounce
	Singleton        = fn.Singleton
	Timeouts         = fn.Timeouts
	Priority         = fn.Priority
	CancelOn         = fn.CancelOn
)

// Middleware hook surface. Implement Middleware plus any subset of the hook
// interfaces; the pipeline discovers supported hooks by type assertion.
type (
	Middleware = middleware.Middleware

	FunctionInfo  = middleware.FunctionInfo
	FunctionInput = middleware.FunctionInput

	OnFunctionRunHook     = middleware.OnFunctionRunHook
	OnFunctionSuccessHook = middleware.OnFunctionSuccessHook
	OnFunctionErrorHook   = middleware.OnFunctionErrorHook
	OnStepStartHook       = middleware.OnStepStartHook
	OnStepEndHook         = middleware.OnStepEndHook
	OnStepErrorHook       = middleware.OnStepErrorHook
	OnMemoizationEndHook  = middleware.OnMemoizationEndHook

	TransformFunctionInputHook  = middleware.TransformFunctionInputHook
	TransformStepInputHook      = middleware.TransformStepInputHook
	TransformFunctionOutputHook = middleware.TransformFunctionOutputHook
	TransformStepOutputHook     = middleware.TransformStepOutputHook
	TransformSendEventHook      = middleware.TransformSendEventHook

	WrapRequestHook         = middleware.WrapRequestHook
	WrapFunctionHandlerHook = middleware.WrapFunctionHandlerHook
	WrapStepHook            = middleware.WrapStepHook
	WrapStepHandlerHook     = middleware.WrapStepHandlerHook
	WrapSendEventHook       = middleware.WrapSendEventHook
)
