package middleware

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/flowstep/flowstep-go/internal/fn"
	"github.com/flowstep/flowstep-go/internal/sdkrequest"
)

// Manager composes a registered-order list of Middleware into the onion
// pipeline. One Manager is shared across every request served by a Client;
// it carries no per-request state itself (each call takes the request's
// context.Context explicitly).
type Manager struct {
	chain []Middleware
}

// New builds a Manager from a registered-order middleware chain. Lifecycle
// and transform hooks (input and output alike) run in registration order;
// wrap hooks nest with the first-registered middleware outermost.
func New(chain []Middleware) *Manager {
	return &Manager{chain: chain}
}

// activeWrapsKey carries the set of middleware names currently inside their
// own WrapStep/WrapStepHandler frame, per request by construction: the set
// travels on the request's context, so a middleware that injects steps from
// inside its own wrap never re-wraps those injections, while other
// middlewares (and other requests) are unaffected.
type activeWrapsKey struct{}

func isWrapActive(ctx context.Context, name string) bool {
	set, _ := ctx.Value(activeWrapsKey{}).(map[string]bool)
	return set[name]
}

func withWrapActive(ctx context.Context, name string) context.Context {
	prev, _ := ctx.Value(activeWrapsKey{}).(map[string]bool)
	next := make(map[string]bool, len(prev)+1)
	for k := range prev {
		next[k] = true
	}
	next[name] = true
	return context.WithValue(ctx, activeWrapsKey{}, next)
}

// --- lifecycle hooks: fire-and-forget, errors logged and swallowed ---

func (m *Manager) FireFunctionRun(ctx context.Context, fn FunctionInfo) {
	for _, mw := range m.chain {
		if h, ok := mw.(OnFunctionRunHook); ok {
			safeCall(mw.Name(), func() { h.OnFunctionRun(ctx, fn) })
		}
	}
}

func (m *Manager) FireFunctionSuccess(ctx context.Context, fn FunctionInfo, output json.RawMessage) {
	for _, mw := range m.chain {
		if h, ok := mw.(OnFunctionSuccessHook); ok {
			safeCall(mw.Name(), func() { h.OnFunctionSuccess(ctx, fn, output) })
		}
	}
}

func (m *Manager) FireFunctionError(ctx context.Context, fn FunctionInfo, err *sdkrequest.SerializedError) {
	for _, mw := range m.chain {
		if h, ok := mw.(OnFunctionErrorHook); ok {
			safeCall(mw.Name(), func() { h.OnFunctionError(ctx, fn, err) })
		}
	}
}

func (m *Manager) FireMemoizationEnd(ctx context.Context) {
	for _, mw := range m.chain {
		if h, ok := mw.(OnMemoizationEndHook); ok {
			safeCall(mw.Name(), func() { h.OnMemoizationEnd(ctx) })
		}
	}
}

// FireStepStart implements sdkrequest.StepWrapper.
func (m *Manager) FireStepStart(info sdkrequest.StepMeta) {
	for _, mw := range m.chain {
		if h, ok := mw.(OnStepStartHook); ok {
			safeCall(mw.Name(), func() { h.OnStepStart(context.Background(), info) })
		}
	}
}

// FireStepEnd implements sdkrequest.StepWrapper.
func (m *Manager) FireStepEnd(info sdkrequest.StepMeta, data json.RawMessage) {
	for _, mw := range m.chain {
		if h, ok := mw.(OnStepEndHook); ok {
			safeCall(mw.Name(), func() { h.OnStepEnd(context.Background(), info, data) })
		}
	}
}

// FireStepError implements sdkrequest.StepWrapper.
func (m *Manager) FireStepError(info sdkrequest.StepMeta, err *sdkrequest.SerializedError, final bool) {
	for _, mw := range m.chain {
		if h, ok := mw.(OnStepErrorHook); ok {
			safeCall(mw.Name(), func() { h.OnStepError(context.Background(), info, err, final) })
		}
	}
}

func safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("middleware %q lifecycle hook panicked: %v", name, r)
		}
	}()
	fn()
}

// --- transform hooks: pipelined, errors propagate ---

func (m *Manager) TransformFunctionInput(ctx context.Context, input FunctionInput) (FunctionInput, error) {
	var err error
	for _, mw := range m.chain {
		if h, ok := mw.(TransformFunctionInputHook); ok {
			input, err = h.TransformFunctionInput(ctx, input)
			if err != nil {
				return input, err
			}
		}
	}
	return input, nil
}

// TransformStepInput implements sdkrequest.StepWrapper. It is called
// without a request ctx parameter because step tools call it before they
// have finished assembling one; callers needing ctx-aware transforms should
// prefer TransformStepInputCtx.
func (m *Manager) TransformStepInput(userID string, opts map[string]any) (string, map[string]any, error) {
	return m.TransformStepInputCtx(context.Background(), userID, opts)
}

func (m *Manager) TransformStepInputCtx(ctx context.Context, userID string, opts map[string]any) (string, map[string]any, error) {
	var err error
	for _, mw := range m.chain {
		if h, ok := mw.(TransformStepInputHook); ok {
			userID, opts, err = h.TransformStepInput(ctx, userID, opts)
			if err != nil {
				return userID, opts, err
			}
		}
	}
	return userID, opts, nil
}

func (m *Manager) TransformFunctionOutput(ctx context.Context, output json.RawMessage, ferr error) (json.RawMessage, error) {
	for _, mw := range m.chain {
		if h, ok := mw.(TransformFunctionOutputHook); ok {
			output, ferr = h.TransformFunctionOutput(ctx, output, ferr)
		}
	}
	return output, ferr
}

// TransformStepOutputWire implements sdkrequest.StepWrapper for call sites
// that have no request context of their own.
func (m *Manager) TransformStepOutputWire(step sdkrequest.StepMeta, data json.RawMessage, serr *sdkrequest.SerializedError) (json.RawMessage, *sdkrequest.SerializedError) {
	return m.TransformStepOutput(context.Background(), step, data, serr)
}

func (m *Manager) TransformStepOutput(ctx context.Context, step sdkrequest.StepMeta, data json.RawMessage, serr *sdkrequest.SerializedError) (json.RawMessage, *sdkrequest.SerializedError) {
	for _, mw := range m.chain {
		if h, ok := mw.(TransformStepOutputHook); ok {
			data, serr = h.TransformStepOutput(ctx, step, data, serr)
		}
	}
	return data, serr
}

// --- wrap hooks: onion, must call next() exactly once ---

// stepCall is one composed layer of a step wrap chain, threading the
// request context so the reentrancy set follows the call.
type stepCall func(ctx context.Context) (json.RawMessage, *sdkrequest.SerializedError)

// WrapStep implements sdkrequest.StepWrapper: it nests every WrapStepHook in
// registration order around the innermost resolution/execution logic. A
// middleware already inside its own wrap frame on this request is skipped,
// so steps it injects from within WrapStep are not wrapped by it again.
func (m *Manager) WrapStep(ctx context.Context, info sdkrequest.StepMeta, next func() (json.RawMessage, *sdkrequest.SerializedError)) (json.RawMessage, *sdkrequest.SerializedError) {
	call := stepCall(func(context.Context) (json.RawMessage, *sdkrequest.SerializedError) {
		return next()
	})
	for i := len(m.chain) - 1; i >= 0; i-- {
		h, ok := m.chain[i].(WrapStepHook)
		if !ok {
			continue
		}
		inner := call
		hook := h
		name := m.chain[i].Name()
		call = func(ctx context.Context) (json.RawMessage, *sdkrequest.SerializedError) {
			if isWrapActive(ctx, name) {
				return inner(ctx)
			}
			hctx := withWrapActive(ctx, name)
			return hook.WrapStep(hctx, info, func() (json.RawMessage, *sdkrequest.SerializedError) {
				return inner(hctx)
			})
		}
	}
	return call(ctx)
}

// WrapRequest nests every WrapRequestHook around the comm handler's inner
// http.Handler, first-registered outermost.
func (m *Manager) WrapRequest(inner http.Handler) http.Handler {
	h := inner
	for i := len(m.chain) - 1; i >= 0; i-- {
		if hook, ok := m.chain[i].(WrapRequestHook); ok {
			h = hook.WrapRequest(h)
		}
	}
	return h
}

// WrapFunctionHandler nests every WrapFunctionHandlerHook around the user
// handler invocation.
func (m *Manager) WrapFunctionHandler(ctx context.Context, next func() (json.RawMessage, error)) (json.RawMessage, error) {
	call := next
	for i := len(m.chain) - 1; i >= 0; i-- {
		h, ok := m.chain[i].(WrapFunctionHandlerHook)
		if !ok {
			continue
		}
		inner := call
		hook := h
		call = func() (json.RawMessage, error) {
			return hook.WrapFunctionHandler(ctx, inner)
		}
	}
	return call()
}

// TransformSendEvent implements sdkrequest.StepWrapper: pipelines outgoing
// event rewrites in registration order, aborting on the first error.
func (m *Manager) TransformSendEvent(ctx context.Context, events []fn.Event) ([]fn.Event, error) {
	var err error
	for _, mw := range m.chain {
		if h, ok := mw.(TransformSendEventHook); ok {
			events, err = h.TransformSendEvent(ctx, events)
			if err != nil {
				return events, err
			}
		}
	}
	return events, nil
}

// WrapSendEvent implements sdkrequest.StepWrapper: nests every
// WrapSendEventHook around the actual event API call.
func (m *Manager) WrapSendEvent(ctx context.Context, events []fn.Event, next func() ([]string, error)) ([]string, error) {
	call := next
	for i := len(m.chain) - 1; i >= 0; i-- {
		h, ok := m.chain[i].(WrapSendEventHook)
		if !ok {
			continue
		}
		inner := call
		hook := h
		call = func() ([]string, error) {
			return hook.WrapSendEvent(ctx, events, inner)
		}
	}
	return call()
}

// WrapStepHandler implements sdkrequest.StepWrapper: like WrapStep but only
// invoked around a step's fresh (non-memoized) execution.
func (m *Manager) WrapStepHandler(ctx context.Context, info sdkrequest.StepMeta, next func() (json.RawMessage, *sdkrequest.SerializedError)) (json.RawMessage, *sdkrequest.SerializedError) {
	call := stepCall(func(context.Context) (json.RawMessage, *sdkrequest.SerializedError) {
		return next()
	})
	for i := len(m.chain) - 1; i >= 0; i-- {
		h, ok := m.chain[i].(WrapStepHandlerHook)
		if !ok {
			continue
		}
		inner := call
		hook := h
		name := m.chain[i].Name()
		call = func(ctx context.Context) (json.RawMessage, *sdkrequest.SerializedError) {
			if isWrapActive(ctx, name) {
				return inner(ctx)
			}
			hctx := withWrapActive(ctx, name)
			return hook.WrapStepHandler(hctx, info, func() (json.RawMessage, *sdkrequest.SerializedError) {
				return inner(hctx)
			})
		}
	}
	return call(ctx)
}
