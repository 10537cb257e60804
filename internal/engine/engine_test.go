package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/flowstep/flowstep-go/internal/fn"
	"github.com/flowstep/flowstep-go/internal/middleware"
	"github.com/flowstep/flowstep-go/internal/sdkrequest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runStep(t *testing.T, ctx context.Context, id string, want int) int {
	t.Helper()
	rs, ok := sdkrequest.FromContext(ctx)
	require.True(t, ok)

	hashedID := rs.Manager.HashStep(id)
	outcome := rs.Manager.Resolve(sdkrequest.StepMeta{HashedID: hashedID, UserID: id}, func(execCtx context.Context) (json.RawMessage, *sdkrequest.SerializedError) {
		b, _ := json.Marshal(want)
		return b, nil
	})
	if outcome.Fulfilled {
		var got int
		_ = json.Unmarshal(outcome.Data, &got)
		return got
	}

	SettleFromContext(ctx)()
	<-ctx.Done()
	return 0
}

func noopMW() *middleware.Manager { return middleware.New(nil) }

func runEngine(h fn.Handler, req *sdkrequest.Request, timeout time.Duration) Result {
	return Run(context.Background(), Options{
		Handler:             h,
		FnCtx:               fn.Context{},
		Req:                 req,
		MW:                  noopMW(),
		FnInfo:              middleware.FunctionInfo{ID: "f"},
		StepNotFoundTimeout: timeout,
	})
}

func TestEngineEmptyHandlerResolvesDirectly(t *testing.T) {
	h := func(ctx context.Context, fctx fn.Context) (any, error) {
		return "done", nil
	}
	res := runEngine(h, &sdkrequest.Request{}, time.Second)

	require.Equal(t, ResultFunctionResolved, res.Kind)
	assert.JSONEq(t, `"done"`, string(res.Data))
}

func TestEngineHandlerErrorIsRetriableByDefault(t *testing.T) {
	h := func(ctx context.Context, fctx fn.Context) (any, error) {
		return nil, errors.New("boom")
	}
	res := runEngine(h, &sdkrequest.Request{}, time.Second)

	require.Equal(t, ResultFunctionRejected, res.Kind)
	assert.True(t, res.Retriable)
	assert.Equal(t, "boom", res.Err.Message)
}

func TestEngineNonRetriableHandlerError(t *testing.T) {
	h := func(ctx context.Context, fctx fn.Context) (any, error) {
		return nil, &fn.NonRetriableError{Err: errors.New("no")}
	}
	res := runEngine(h, &sdkrequest.Request{}, time.Second)

	require.Equal(t, ResultFunctionRejected, res.Kind)
	assert.False(t, res.Retriable)
	assert.Equal(t, "NonRetriableError", res.Err.Name)
}

func TestEngineDiscoversNewStepAndExecutesOpportunistically(t *testing.T) {
	h := func(ctx context.Context, fctx fn.Context) (any, error) {
		v := runStep(t, ctx, "a", 42)
		return v, nil
	}
	res := runEngine(h, &sdkrequest.Request{}, time.Second)

	require.Equal(t, ResultStepRan, res.Kind)
	require.Len(t, res.Ops, 1)
	assert.JSONEq(t, `42`, string(res.Ops[0].Data))
}

func TestEngineDisableImmediateExecutionReportsInsteadOfRunning(t *testing.T) {
	h := func(ctx context.Context, fctx fn.Context) (any, error) {
		v := runStep(t, ctx, "a", 42)
		return v, nil
	}
	res := runEngine(h, &sdkrequest.Request{DisableImmediateExecution: true}, time.Second)

	require.Equal(t, ResultStepsFound, res.Kind)
	require.Len(t, res.Ops, 1)
	assert.Nil(t, res.Ops[0].Data)
}

func TestEngineReplaysMemoizedStepAndCompletes(t *testing.T) {
	h := func(ctx context.Context, fctx fn.Context) (any, error) {
		v := runStep(t, ctx, "a", 42)
		return v, nil
	}

	mgr := sdkrequest.NewManager(nil, "")
	hashedID := mgr.HashStep("a")

	req := &sdkrequest.Request{
		Steps: map[string]sdkrequest.IncomingOp{
			hashedID: {Data: json.RawMessage(`42`), HasData: true},
		},
	}
	res := runEngine(h, req, time.Second)

	require.Equal(t, ResultFunctionResolved, res.Kind)
	assert.JSONEq(t, `42`, string(res.Data))
}

func TestEngineRequestedStepBehindUnmemoizedStepIsNotFound(t *testing.T) {
	h := func(ctx context.Context, fctx fn.Context) (any, error) {
		a := runStep(t, ctx, "a", 1)
		b := runStep(t, ctx, "b", 2)
		return a + b, nil
	}

	probe := sdkrequest.NewManager(nil, "")
	_ = probe.HashStep("a")
	hashB := probe.HashStep("b")

	req := &sdkrequest.Request{RequestedRunStep: hashB}
	res := runEngine(h, req, 300*time.Millisecond)

	// "b" is requested but "a" is discovered first and is unmemoized, so the
	// handler blocks at "a" before ever reaching "b": the requested step
	// never shows up and the engine times out into step-not-found.
	require.Equal(t, ResultStepNotFound, res.Kind)
	require.Len(t, res.Ops, 1)
	assert.Equal(t, hashB, res.Ops[0].ID)
}

func TestEngineStepNotFoundTimeout(t *testing.T) {
	h := func(ctx context.Context, fctx fn.Context) (any, error) {
		_ = runStep(t, ctx, "a", 1)
		return nil, nil
	}
	req := &sdkrequest.Request{RequestedRunStep: "does-not-exist"}
	start := time.Now()
	res := runEngine(h, req, 50*time.Millisecond)
	elapsed := time.Since(start)

	assert.Equal(t, ResultStepNotFound, res.Kind)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}

func TestEngineStepsFoundWinsOverFunctionResolved(t *testing.T) {
	h := func(ctx context.Context, fctx fn.Context) (any, error) {
		rs, _ := sdkrequest.FromContext(ctx)
		hashedID := rs.Manager.HashStep("background")
		rs.Manager.Resolve(sdkrequest.StepMeta{HashedID: hashedID, UserID: "background"}, func(execCtx context.Context) (json.RawMessage, *sdkrequest.SerializedError) {
			return json.RawMessage(`1`), nil
		})
		// Deliberately not awaited: the handler proceeds and completes
		// without blocking on this step's result.
		return "done", nil
	}
	res := runEngine(h, &sdkrequest.Request{}, time.Second)

	require.Equal(t, ResultStepRan, res.Kind)
	require.Len(t, res.Ops, 1)
}

func TestRunnerIsIdempotent(t *testing.T) {
	calls := 0
	h := func(ctx context.Context, fctx fn.Context) (any, error) {
		calls++
		return "once", nil
	}
	r := NewRunner(Options{
		Handler: h,
		Req:     &sdkrequest.Request{},
		MW:      noopMW(),
		FnInfo:  middleware.FunctionInfo{ID: "f"},
	})

	first := r.Run(context.Background())
	second := r.Run(context.Background())

	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)
}
