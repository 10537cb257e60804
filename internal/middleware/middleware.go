// Package middleware implements the onion-composed middleware pipeline
// of the execution protocol: lifecycle hooks fire and forget, transform hooks pipeline
// with propagating errors, and wrap hooks nest like net/http middleware.
//
// Middleware authors only implement the hooks they need. Rather than one
// fat interface with no-op defaults, each hook is its own small interface
// and the Manager discovers which ones a given Middleware supports via a
// type assertion — the same optional-capability idiom the standard library
// uses for http.Hijacker/http.Flusher.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/flowstep/flowstep-go/internal/fn"
	"github.com/flowstep/flowstep-go/internal/sdkrequest"
)

// FunctionInfo describes the function whose handler is about to run, for
// lifecycle and transform hooks that need more than a step's StepMeta.
type FunctionInfo struct {
	ID   string
	Name string
}

// FunctionInput is what TransformFunctionInput may rewrite: the event
// context and the ctx.Extensions map a later middleware or the handler
// itself will read.
type FunctionInput struct {
	Event      fn.Event
	Events     []fn.Event
	Extensions map[string]any
}

// Middleware is the marker every hook interface embeds. Name identifies the
// middleware for the reentrancy guard: a middleware's own wrap hook never
// re-wraps a step that middleware itself caused to be created.
type Middleware interface {
	Name() string
}

type OnFunctionRunHook interface {
	Middleware
	OnFunctionRun(ctx context.Context, fn FunctionInfo)
}

type OnFunctionSuccessHook interface {
	Middleware
	OnFunctionSuccess(ctx context.Context, fn FunctionInfo, output json.RawMessage)
}

type OnFunctionErrorHook interface {
	Middleware
	OnFunctionError(ctx context.Context, fn FunctionInfo, err *sdkrequest.SerializedError)
}

type OnStepStartHook interface {
	Middleware
	OnStepStart(ctx context.Context, step sdkrequest.StepMeta)
}

type OnStepEndHook interface {
	Middleware
	OnStepEnd(ctx context.Context, step sdkrequest.StepMeta, data json.RawMessage)
}

type OnStepErrorHook interface {
	Middleware
	OnStepError(ctx context.Context, step sdkrequest.StepMeta, err *sdkrequest.SerializedError, final bool)
}

type OnMemoizationEndHook interface {
	Middleware
	OnMemoizationEnd(ctx context.Context)
}

type TransformFunctionInputHook interface {
	Middleware
	TransformFunctionInput(ctx context.Context, input FunctionInput) (FunctionInput, error)
}

type TransformStepInputHook interface {
	Middleware
	TransformStepInput(ctx context.Context, userID string, opts map[string]any) (string, map[string]any, error)
}

type TransformFunctionOutputHook interface {
	Middleware
	TransformFunctionOutput(ctx context.Context, output json.RawMessage, ferr error) (json.RawMessage, error)
}

type TransformStepOutputHook interface {
	Middleware
	TransformStepOutput(ctx context.Context, step sdkrequest.StepMeta, data json.RawMessage, serr *sdkrequest.SerializedError) (json.RawMessage, *sdkrequest.SerializedError)
}

// WrapStepHook wraps every step resolution, memoized replay and fresh
// execution alike. It must call next() exactly once, or return an error to
// abort the step without calling it.
type WrapStepHook interface {
	Middleware
	WrapStep(ctx context.Context, step sdkrequest.StepMeta, next func() (json.RawMessage, *sdkrequest.SerializedError)) (json.RawMessage, *sdkrequest.SerializedError)
}

// WrapStepHandlerHook wraps only the fresh (non-memoized) execution of a
// step's user code, not its memoized replay.
type WrapStepHandlerHook interface {
	Middleware
	WrapStepHandler(ctx context.Context, step sdkrequest.StepMeta, next func() (json.RawMessage, *sdkrequest.SerializedError)) (json.RawMessage, *sdkrequest.SerializedError)
}

// WrapRequestHook wraps the whole HTTP request, outermost in the onion. It
// follows the standard net/http middleware shape so implementations can
// short-circuit (auth failures, request metrics) without knowing anything
// about the execution protocol.
type WrapRequestHook interface {
	Middleware
	WrapRequest(next http.Handler) http.Handler
}

// WrapFunctionHandlerHook wraps the invocation of the user's handler. It
// resolves only when the handler returns a final value, so it is the right
// place for context propagation that must span every step of a request.
type WrapFunctionHandlerHook interface {
	Middleware
	WrapFunctionHandler(ctx context.Context, next func() (json.RawMessage, error)) (json.RawMessage, error)
}

// TransformSendEventHook rewrites outgoing event payloads before they are
// sent, pipelined in registration order.
type TransformSendEventHook interface {
	Middleware
	TransformSendEvent(ctx context.Context, events []fn.Event) ([]fn.Event, error)
}

// WrapSendEventHook wraps the act of sending events to the Executor's event
// API, whether from step.SendEvent or the client's top-level send.
type WrapSendEventHook interface {
	Middleware
	WrapSendEvent(ctx context.Context, events []fn.Event, next func() ([]string, error)) ([]string, error)
}
