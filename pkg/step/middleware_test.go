package step_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/flowstep/flowstep-go/internal/engine"
	"github.com/flowstep/flowstep-go/internal/fn"
	"github.com/flowstep/flowstep-go/internal/hashing"
	"github.com/flowstep/flowstep-go/internal/sdkrequest"
	"github.com/flowstep/flowstep-go/pkg/step"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bookendMW injects a step.Run before and after every step it wraps. Its
// own injections are not re-wrapped: the reentrancy guard keeps the
// middleware out of the wrap chain for steps created inside its own frame.
type bookendMW struct{}

func (bookendMW) Name() string { return "bookend" }

func (bookendMW) WrapStep(ctx context.Context, s sdkrequest.StepMeta, next func() (json.RawMessage, *sdkrequest.SerializedError)) (json.RawMessage, *sdkrequest.SerializedError) {
	if _, err := step.Run(ctx, "before", func(ctx context.Context) (string, error) {
		return "pre", nil
	}); err != nil {
		return nil, &sdkrequest.SerializedError{Name: "Error", Message: err.Error()}
	}

	data, serr := next()
	if serr != nil {
		return data, serr
	}

	if _, err := step.Run(ctx, "after", func(ctx context.Context) (string, error) {
		return "post", nil
	}); err != nil {
		return nil, &sdkrequest.SerializedError{Name: "Error", Message: err.Error()}
	}
	return data, serr
}

// TestBookendMiddlewareInjectsStepsInOrder drives a run with one user step
// ("main") and a bookend middleware to completion: the injected steps are
// discovered and executed in before → main → after order, and the
// middleware never wraps its own injections.
func TestBookendMiddlewareInjectsStepsInOrder(t *testing.T) {
	handler := func(ctx context.Context, fctx fn.Context) (any, error) {
		v, err := step.Run(ctx, "main", func(ctx context.Context) (string, error) {
			return "work", nil
		})
		if err != nil {
			return nil, err
		}
		return v, nil
	}

	state := map[string]sdkrequest.IncomingOp{}
	var executed []string
	for i := 0; i < 4; i++ {
		res := exec(t, handler, &sdkrequest.Request{Steps: state}, engine.Options{}, bookendMW{})
		if res.Kind == engine.ResultFunctionResolved {
			assert.JSONEq(t, `"work"`, string(res.Data))
			break
		}
		require.Equal(t, engine.ResultStepRan, res.Kind, "invocation %d", i)
		require.Len(t, res.Ops, 1)
		executed = append(executed, res.Ops[0].ID)
		state[res.Ops[0].ID] = sdkrequest.IncomingOp{Data: res.Ops[0].Data, HasData: true}
	}

	assert.Equal(t, []string{
		hashing.HashInput("before"),
		hashing.HashInput("main"),
		hashing.HashInput("after"),
	}, executed)
}

// lifecycleMW records step lifecycle hook firings.
type lifecycleMW struct {
	starts, ends, errs *int
	memoEnds           *int
}

func (lifecycleMW) Name() string { return "lifecycle" }

func (m lifecycleMW) OnStepStart(ctx context.Context, s sdkrequest.StepMeta) { *m.starts++ }

func (m lifecycleMW) OnStepEnd(ctx context.Context, s sdkrequest.StepMeta, data json.RawMessage) {
	*m.ends++
}

func (m lifecycleMW) OnStepError(ctx context.Context, s sdkrequest.StepMeta, err *sdkrequest.SerializedError, final bool) {
	*m.errs++
}

func (m lifecycleMW) OnMemoizationEnd(ctx context.Context) { *m.memoEnds++ }

func TestStepLifecycleHooksFireOnFreshExecutionOnly(t *testing.T) {
	handler := func(ctx context.Context, fctx fn.Context) (any, error) {
		v, err := step.Run(ctx, "a", func(ctx context.Context) (int, error) { return 7, nil })
		if err != nil {
			return nil, err
		}
		return v, nil
	}

	var starts, ends, errs, memoEnds int
	mw := lifecycleMW{starts: &starts, ends: &ends, errs: &errs, memoEnds: &memoEnds}

	// Fresh execution: start and end fire once, error never.
	res := exec(t, handler, &sdkrequest.Request{RequestedRunStep: hashing.HashInput("a")}, engine.Options{}, mw)
	require.Equal(t, engine.ResultStepRan, res.Kind)
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, ends)
	assert.Equal(t, 0, errs)
	assert.Equal(t, 1, memoEnds)

	// Memoized replay: no step lifecycle hooks, one memoization end.
	starts, ends, errs, memoEnds = 0, 0, 0, 0
	req := &sdkrequest.Request{
		Steps: memoized(map[string]json.RawMessage{
			hashing.HashInput("a"): json.RawMessage(`7`),
		}),
	}
	res = exec(t, handler, req, engine.Options{}, mw)
	require.Equal(t, engine.ResultFunctionResolved, res.Kind)
	assert.Equal(t, 0, starts)
	assert.Equal(t, 0, ends)
	assert.Equal(t, 0, errs)
	assert.Equal(t, 1, memoEnds)
}

// renamingMW rewrites step IDs in TransformStepInput, which must happen
// before collision disambiguation so the rewritten ID is the one that
// collides.
type renamingMW struct{}

func (renamingMW) Name() string { return "renaming" }

func (renamingMW) TransformStepInput(ctx context.Context, userID string, opts map[string]any) (string, map[string]any, error) {
	return "renamed-" + userID, opts, nil
}

func TestTransformStepInputRunsBeforeCollisionResolution(t *testing.T) {
	handler := func(ctx context.Context, fctx fn.Context) (any, error) {
		if _, err := step.Run(ctx, "x", func(ctx context.Context) (int, error) { return 1, nil }); err != nil {
			return nil, err
		}
		if _, err := step.Run(ctx, "x", func(ctx context.Context) (int, error) { return 2, nil }); err != nil {
			return nil, err
		}
		return "done", nil
	}

	// First step hashes the renamed ID; the repeat collides on the renamed
	// ID and gets the :1 suffix applied to it.
	req := &sdkrequest.Request{
		DisableImmediateExecution: true,
		Steps: memoized(map[string]json.RawMessage{
			hashing.HashInput("renamed-x"): json.RawMessage(`1`),
		}),
	}
	res := exec(t, handler, req, engine.Options{}, renamingMW{})

	require.Equal(t, engine.ResultStepsFound, res.Kind)
	require.Len(t, res.Ops, 1)
	assert.Equal(t, hashing.HashInput("renamed-x:1"), res.Ops[0].ID)
}
