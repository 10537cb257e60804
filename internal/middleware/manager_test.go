package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/flowstep/flowstep-go/internal/sdkrequest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMW struct {
	name string

	wrapStep func(ctx context.Context, step sdkrequest.StepMeta, next func() (json.RawMessage, *sdkrequest.SerializedError)) (json.RawMessage, *sdkrequest.SerializedError)

	transformStepInput func(ctx context.Context, userID string, opts map[string]any) (string, map[string]any, error)

	onFunctionRunCalled *bool
	onFunctionRunPanics bool
}

func (f *fakeMW) Name() string { return f.name }

func (f *fakeMW) WrapStep(ctx context.Context, step sdkrequest.StepMeta, next func() (json.RawMessage, *sdkrequest.SerializedError)) (json.RawMessage, *sdkrequest.SerializedError) {
	return f.wrapStep(ctx, step, next)
}

func (f *fakeMW) TransformStepInput(ctx context.Context, userID string, opts map[string]any) (string, map[string]any, error) {
	return f.transformStepInput(ctx, userID, opts)
}

func (f *fakeMW) OnFunctionRun(ctx context.Context, fn FunctionInfo) {
	if f.onFunctionRunPanics {
		panic("boom")
	}
	*f.onFunctionRunCalled = true
}

func TestWrapStepOnionOrdering(t *testing.T) {
	var order []string
	wrap := func(label string) func(ctx context.Context, step sdkrequest.StepMeta, next func() (json.RawMessage, *sdkrequest.SerializedError)) (json.RawMessage, *sdkrequest.SerializedError) {
		return func(ctx context.Context, step sdkrequest.StepMeta, next func() (json.RawMessage, *sdkrequest.SerializedError)) (json.RawMessage, *sdkrequest.SerializedError) {
			order = append(order, label+":before")
			data, err := next()
			order = append(order, label+":after")
			return data, err
		}
	}

	outer := &fakeMW{name: "outer", wrapStep: wrap("outer")}
	inner := &fakeMW{name: "inner", wrapStep: wrap("inner")}
	mgr := New([]Middleware{outer, inner})

	data, serr := mgr.WrapStep(context.Background(), sdkrequest.StepMeta{HashedID: "h"}, func() (json.RawMessage, *sdkrequest.SerializedError) {
		order = append(order, "core")
		return json.RawMessage(`1`), nil
	})

	require.Nil(t, serr)
	assert.Equal(t, json.RawMessage(`1`), data)
	assert.Equal(t, []string{"outer:before", "inner:before", "core", "inner:after", "outer:after"}, order)
}

func TestTransformStepInputPropagatesAndPipelines(t *testing.T) {
	first := &fakeMW{name: "first", transformStepInput: func(ctx context.Context, userID string, opts map[string]any) (string, map[string]any, error) {
		return userID + "-a", opts, nil
	}}
	second := &fakeMW{name: "second", transformStepInput: func(ctx context.Context, userID string, opts map[string]any) (string, map[string]any, error) {
		return userID + "-b", opts, nil
	}}
	mgr := New([]Middleware{first, second})

	id, _, err := mgr.TransformStepInput("x", nil)
	require.NoError(t, err)
	assert.Equal(t, "x-a-b", id)
}

func TestTransformStepInputErrorAborts(t *testing.T) {
	wantErr := errors.New("rejected")
	mw := &fakeMW{name: "rejecting", transformStepInput: func(ctx context.Context, userID string, opts map[string]any) (string, map[string]any, error) {
		return userID, opts, wantErr
	}}
	mgr := New([]Middleware{mw})

	_, _, err := mgr.TransformStepInput("x", nil)
	assert.ErrorIs(t, err, wantErr)
}

func TestLifecycleHookPanicIsSwallowed(t *testing.T) {
	called := false
	mw := &fakeMW{name: "panics", onFunctionRunPanics: true, onFunctionRunCalled: &called}
	mgr := New([]Middleware{mw})

	assert.NotPanics(t, func() {
		mgr.FireFunctionRun(context.Background(), FunctionInfo{ID: "f"})
	})
	assert.False(t, called)
}

func TestWrapStepReentrancyGuard(t *testing.T) {
	var calls int
	var mgr *Manager
	selfCall := &fakeMW{name: "self", wrapStep: func(ctx context.Context, step sdkrequest.StepMeta, next func() (json.RawMessage, *sdkrequest.SerializedError)) (json.RawMessage, *sdkrequest.SerializedError) {
		calls++
		if calls == 1 {
			// Simulate this middleware injecting a nested step of its own:
			// re-entering the same Manager's WrapStep with the ctx this
			// hook was handed must not re-wrap, to avoid infinite
			// self-nesting.
			return mgr.WrapStep(ctx, step, next)
		}
		return next()
	}}
	mgr = New([]Middleware{selfCall})

	data, serr := mgr.WrapStep(context.Background(), sdkrequest.StepMeta{HashedID: "h"}, func() (json.RawMessage, *sdkrequest.SerializedError) {
		return json.RawMessage(`1`), nil
	})

	require.Nil(t, serr)
	assert.Equal(t, json.RawMessage(`1`), data)
	assert.Equal(t, 1, calls)
}

func TestWrapStepGuardIsPerRequestContext(t *testing.T) {
	// Two wrap chains with independent contexts must each be wrapped: the
	// guard follows the request, not the process-wide Manager.
	var calls int
	mw := &fakeMW{name: "counted", wrapStep: func(ctx context.Context, step sdkrequest.StepMeta, next func() (json.RawMessage, *sdkrequest.SerializedError)) (json.RawMessage, *sdkrequest.SerializedError) {
		calls++
		return next()
	}}
	mgr := New([]Middleware{mw})

	core := func() (json.RawMessage, *sdkrequest.SerializedError) { return json.RawMessage(`1`), nil }
	mgr.WrapStep(context.Background(), sdkrequest.StepMeta{HashedID: "a"}, core)
	mgr.WrapStep(context.Background(), sdkrequest.StepMeta{HashedID: "b"}, core)

	assert.Equal(t, 2, calls)
}
