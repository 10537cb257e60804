package step_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/flowstep/flowstep-go/internal/engine"
	"github.com/flowstep/flowstep-go/internal/enums"
	"github.com/flowstep/flowstep-go/internal/fn"
	"github.com/flowstep/flowstep-go/internal/hashing"
	"github.com/flowstep/flowstep-go/internal/middleware"
	"github.com/flowstep/flowstep-go/internal/sdkrequest"
	"github.com/flowstep/flowstep-go/pkg/step"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exec drives one invocation of handler the way the comm handler would.
func exec(t *testing.T, handler fn.Handler, req *sdkrequest.Request, opts engine.Options, mws ...middleware.Middleware) engine.Result {
	t.Helper()
	if req == nil {
		req = &sdkrequest.Request{}
	}
	opts.Handler = handler
	opts.Req = req
	opts.MW = middleware.New(mws)
	opts.FnInfo = middleware.FunctionInfo{ID: "fn"}
	opts.StepNotFoundTimeout = 2 * time.Second
	return engine.Run(context.Background(), opts)
}

func memoized(entries map[string]json.RawMessage) map[string]sdkrequest.IncomingOp {
	out := make(map[string]sdkrequest.IncomingOp, len(entries))
	for id, data := range entries {
		out[id] = sdkrequest.IncomingOp{Data: data, HasData: true}
	}
	return out
}

func TestFirstInvocationReportsPlannedStep(t *testing.T) {
	handler := func(ctx context.Context, fctx fn.Context) (any, error) {
		v, err := step.Run(ctx, "a", func(ctx context.Context) (int, error) { return 42, nil })
		if err != nil {
			return nil, err
		}
		return v, nil
	}

	res := exec(t, handler, &sdkrequest.Request{DisableImmediateExecution: true}, engine.Options{})

	require.Equal(t, engine.ResultStepsFound, res.Kind)
	require.Len(t, res.Ops, 1)
	assert.Equal(t, hashing.HashInput("a"), res.Ops[0].ID)
	assert.Equal(t, enums.OpcodeStepPlanned, res.Ops[0].Op)
	assert.Equal(t, "a", res.Ops[0].Name)
}

func TestRequestedStepExecutes(t *testing.T) {
	handler := func(ctx context.Context, fctx fn.Context) (any, error) {
		v, err := step.Run(ctx, "a", func(ctx context.Context) (int, error) { return 42, nil })
		if err != nil {
			return nil, err
		}
		return v, nil
	}

	res := exec(t, handler, &sdkrequest.Request{RequestedRunStep: hashing.HashInput("a")}, engine.Options{})

	require.Equal(t, engine.ResultStepRan, res.Kind)
	require.Len(t, res.Ops, 1)
	assert.Equal(t, hashing.HashInput("a"), res.Ops[0].ID)
	assert.Equal(t, enums.OpcodeStepRun, res.Ops[0].Op)
	assert.JSONEq(t, `42`, string(res.Ops[0].Data))
}

func TestMemoizedStepResumesAndCompletes(t *testing.T) {
	handler := func(ctx context.Context, fctx fn.Context) (any, error) {
		v, err := step.Run(ctx, "a", func(ctx context.Context) (int, error) { return 0, errors.New("must not re-run") })
		if err != nil {
			return nil, err
		}
		return map[string]int{"result": v}, nil
	}

	req := &sdkrequest.Request{
		Steps: memoized(map[string]json.RawMessage{
			hashing.HashInput("a"): json.RawMessage(`42`),
		}),
	}
	res := exec(t, handler, req, engine.Options{})

	require.Equal(t, engine.ResultFunctionResolved, res.Kind)
	assert.JSONEq(t, `{"result":42}`, string(res.Data))
}

func TestCollidingStepIDsGetIndexSuffix(t *testing.T) {
	handler := func(ctx context.Context, fctx fn.Context) (any, error) {
		one, err := step.Run(ctx, "x", func(ctx context.Context) (int, error) { return 1, nil })
		if err != nil {
			return nil, err
		}
		two, err := step.Run(ctx, "x", func(ctx context.Context) (int, error) { return 2, nil })
		if err != nil {
			return nil, err
		}
		return one + two, nil
	}

	// First invocation discovers only the first "x".
	res := exec(t, handler, &sdkrequest.Request{DisableImmediateExecution: true}, engine.Options{})
	require.Equal(t, engine.ResultStepsFound, res.Kind)
	require.Len(t, res.Ops, 1)
	assert.Equal(t, hashing.HashInput("x"), res.Ops[0].ID)

	// With the first memoized, the repeat is reported under the hashed
	// "x:1" while keeping the user-visible name "x".
	req := &sdkrequest.Request{
		DisableImmediateExecution: true,
		Steps: memoized(map[string]json.RawMessage{
			hashing.HashInput("x"): json.RawMessage(`1`),
		}),
	}
	res = exec(t, handler, req, engine.Options{})
	require.Equal(t, engine.ResultStepsFound, res.Kind)
	require.Len(t, res.Ops, 1)
	assert.Equal(t, hashing.HashInput("x:1"), res.Ops[0].ID)
	assert.Equal(t, "x", res.Ops[0].Name)

	// Both memoized: the handler completes.
	req = &sdkrequest.Request{
		Steps: memoized(map[string]json.RawMessage{
			hashing.HashInput("x"):   json.RawMessage(`1`),
			hashing.HashInput("x:1"): json.RawMessage(`2`),
		}),
	}
	res = exec(t, handler, req, engine.Options{})
	require.Equal(t, engine.ResultFunctionResolved, res.Kind)
	assert.JSONEq(t, `3`, string(res.Data))
}

func TestNonRetriableStepError(t *testing.T) {
	handler := func(ctx context.Context, fctx fn.Context) (any, error) {
		_, err := step.Run(ctx, "a", func(ctx context.Context) (int, error) {
			return 0, step.NoRetry(errors.New("no"))
		})
		if err != nil {
			return nil, err
		}
		return "unreachable", nil
	}

	// Execution reports the serialized failure on the outgoing op.
	res := exec(t, handler, &sdkrequest.Request{RequestedRunStep: hashing.HashInput("a")}, engine.Options{})
	require.Equal(t, engine.ResultStepRan, res.Kind)
	require.Len(t, res.Ops, 1)
	require.NotNil(t, res.Ops[0].Error)
	assert.Equal(t, "NonRetriableError", res.Ops[0].Error.Name)
	assert.Equal(t, "no", res.Ops[0].Error.Message)
	assert.NotEmpty(t, res.Ops[0].Error.Stack)

	// Replaying the memoized error rejects the handler non-retriably.
	req := &sdkrequest.Request{
		Steps: map[string]sdkrequest.IncomingOp{
			hashing.HashInput("a"): {
				Err:    &sdkrequest.SerializedError{Name: "NonRetriableError", Message: "no"},
				HasErr: true,
			},
		},
	}
	res = exec(t, handler, req, engine.Options{})
	require.Equal(t, engine.ResultFunctionRejected, res.Kind)
	assert.False(t, res.Retriable)
	assert.Equal(t, "NonRetriableError", res.Err.Name)
}

func TestHandlerCanCatchReplayedStepError(t *testing.T) {
	handler := func(ctx context.Context, fctx fn.Context) (any, error) {
		_, err := step.Run(ctx, "a", func(ctx context.Context) (int, error) { return 0, nil })
		if err != nil {
			var se *step.StepError
			if errors.As(err, &se) {
				return "caught: " + se.Message, nil
			}
			return nil, err
		}
		return "no error", nil
	}

	req := &sdkrequest.Request{
		Steps: map[string]sdkrequest.IncomingOp{
			hashing.HashInput("a"): {
				Err:    &sdkrequest.SerializedError{Name: "Error", Message: "boom"},
				HasErr: true,
			},
		},
	}
	res := exec(t, handler, req, engine.Options{})

	require.Equal(t, engine.ResultFunctionResolved, res.Kind)
	assert.JSONEq(t, `"caught: boom"`, string(res.Data))
}

func TestSleepDiscoveryAndReplay(t *testing.T) {
	handler := func(ctx context.Context, fctx fn.Context) (any, error) {
		if err := step.Sleep(ctx, "nap", "1h30m"); err != nil {
			return nil, err
		}
		return "rested", nil
	}

	res := exec(t, handler, nil, engine.Options{})
	require.Equal(t, engine.ResultStepsFound, res.Kind)
	require.Len(t, res.Ops, 1)
	assert.Equal(t, enums.OpcodeSleep, res.Ops[0].Op)
	assert.Equal(t, "1h30m", res.Ops[0].Opts["duration"])

	req := &sdkrequest.Request{
		Steps: memoized(map[string]json.RawMessage{
			hashing.HashInput("nap"): json.RawMessage(`null`),
		}),
	}
	res = exec(t, handler, req, engine.Options{})
	require.Equal(t, engine.ResultFunctionResolved, res.Kind)
	assert.JSONEq(t, `"rested"`, string(res.Data))
}

func TestWaitForEventMatchAndTimeout(t *testing.T) {
	type payout struct {
		Name string         `json:"name"`
		Data map[string]any `json:"data"`
	}
	handler := func(ctx context.Context, fctx fn.Context) (any, error) {
		evt, err := step.WaitForEvent[payout](ctx, "paid", step.WaitForEventOpts{
			Event:   "order/paid",
			Timeout: "24h",
			Match:   "data.orderId",
		})
		if errors.Is(err, step.ErrEventNotReceived) {
			return "timed out", nil
		}
		if err != nil {
			return nil, err
		}
		return evt.Name, nil
	}

	res := exec(t, handler, nil, engine.Options{})
	require.Equal(t, engine.ResultStepsFound, res.Kind)
	require.Len(t, res.Ops, 1)
	assert.Equal(t, enums.OpcodeWaitForEvent, res.Ops[0].Op)
	assert.Equal(t, "order/paid", res.Ops[0].Opts["event"])
	assert.Equal(t, "24h", res.Ops[0].Opts["timeout"])
	assert.Equal(t, "event.data.orderId == async.data.orderId", res.Ops[0].Opts["if"])

	// A memoized event payload resolves with the event.
	req := &sdkrequest.Request{
		Steps: memoized(map[string]json.RawMessage{
			hashing.HashInput("paid"): json.RawMessage(`{"name":"order/paid","data":{"orderId":"o1"}}`),
		}),
	}
	res = exec(t, handler, req, engine.Options{})
	require.Equal(t, engine.ResultFunctionResolved, res.Kind)
	assert.JSONEq(t, `"order/paid"`, string(res.Data))

	// A memoized null is the timeout signal.
	req = &sdkrequest.Request{
		Steps: memoized(map[string]json.RawMessage{
			hashing.HashInput("paid"): json.RawMessage(`null`),
		}),
	}
	res = exec(t, handler, req, engine.Options{})
	require.Equal(t, engine.ResultFunctionResolved, res.Kind)
	assert.JSONEq(t, `"timed out"`, string(res.Data))
}

type fakeSender struct {
	sent [][]fn.Event
	ids  []string
}

func (f *fakeSender) Send(ctx context.Context, events []fn.Event) ([]string, error) {
	f.sent = append(f.sent, events)
	return f.ids, nil
}

func TestSendEventExecutesThroughBackend(t *testing.T) {
	sender := &fakeSender{ids: []string{"evt-1"}}
	handler := func(ctx context.Context, fctx fn.Context) (any, error) {
		res, err := step.SendEvent(ctx, "notify", fn.Event{Name: "user/notified"})
		if err != nil {
			return nil, err
		}
		return res.IDs, nil
	}

	res := exec(t, handler, &sdkrequest.Request{RequestedRunStep: hashing.HashInput("notify")}, engine.Options{Events: sender})
	require.Equal(t, engine.ResultStepRan, res.Kind)
	assert.JSONEq(t, `{"ids":["evt-1"]}`, string(res.Ops[0].Data))
	require.Len(t, sender.sent, 1)

	// Replay does not re-send.
	req := &sdkrequest.Request{
		Steps: memoized(map[string]json.RawMessage{
			hashing.HashInput("notify"): json.RawMessage(`{"ids":["evt-1"]}`),
		}),
	}
	sender2 := &fakeSender{}
	res = exec(t, handler, req, engine.Options{Events: sender2})
	require.Equal(t, engine.ResultFunctionResolved, res.Kind)
	assert.JSONEq(t, `["evt-1"]`, string(res.Data))
	assert.Empty(t, sender2.sent)
}

type fakePublisher struct {
	topics []string
}

func (f *fakePublisher) Publish(topic string, data json.RawMessage) error {
	f.topics = append(f.topics, topic)
	return nil
}

func TestPublishStep(t *testing.T) {
	hub := &fakePublisher{}
	handler := func(ctx context.Context, fctx fn.Context) (any, error) {
		out, err := step.Publish(ctx, "progress", "run-1", map[string]any{"pct": 50})
		if err != nil {
			return nil, err
		}
		return out, nil
	}

	res := exec(t, handler, &sdkrequest.Request{RequestedRunStep: hashing.HashInput("progress")}, engine.Options{Realtime: hub})
	require.Equal(t, engine.ResultStepRan, res.Kind)
	assert.JSONEq(t, `{"published":true}`, string(res.Ops[0].Data))
	assert.Equal(t, []string{"run-1"}, hub.topics)
}

type fakeInference struct {
	resp json.RawMessage
}

func (f *fakeInference) Infer(ctx context.Context, opts json.RawMessage) (json.RawMessage, error) {
	return f.resp, nil
}

func TestAIInferStep(t *testing.T) {
	backend := &fakeInference{resp: json.RawMessage(`{"choices":[{"message":{"content":"hi"}}]}`)}
	handler := func(ctx context.Context, fctx fn.Context) (any, error) {
		raw, err := step.AIInfer(ctx, "greet", step.InferOpts{
			Model:    "gpt-4o-mini",
			Messages: []step.AIMessage{{Role: "user", Content: "say hi"}},
		})
		if err != nil {
			return nil, err
		}
		return json.RawMessage(raw), nil
	}

	res := exec(t, handler, &sdkrequest.Request{RequestedRunStep: hashing.HashInput("greet")}, engine.Options{Inference: backend})
	require.Equal(t, engine.ResultStepRan, res.Kind)
	assert.JSONEq(t, string(backend.resp), string(res.Ops[0].Data))
}

func TestParallelReportsAllBranchesThenResumes(t *testing.T) {
	handler := func(ctx context.Context, fctx fn.Context) (any, error) {
		results, err := step.Parallel(ctx,
			func(ctx context.Context) (any, error) {
				return step.Run(ctx, "left", func(ctx context.Context) (int, error) { return 1, nil })
			},
			func(ctx context.Context) (any, error) {
				return step.Run(ctx, "right", func(ctx context.Context) (int, error) { return 2, nil })
			},
		)
		if err != nil {
			return nil, err
		}
		return results, nil
	}

	// Both branches are reported as a batch; neither runs opportunistically.
	res := exec(t, handler, nil, engine.Options{})
	require.Equal(t, engine.ResultStepsFound, res.Kind)
	require.Len(t, res.Ops, 2)
	ids := []string{res.Ops[0].ID, res.Ops[1].ID}
	assert.ElementsMatch(t, []string{hashing.HashInput("left"), hashing.HashInput("right")}, ids)

	// With both memoized the fan-out resolves in argument order.
	req := &sdkrequest.Request{
		Steps: memoized(map[string]json.RawMessage{
			hashing.HashInput("left"):  json.RawMessage(`1`),
			hashing.HashInput("right"): json.RawMessage(`2`),
		}),
	}
	res = exec(t, handler, req, engine.Options{})
	require.Equal(t, engine.ResultFunctionResolved, res.Kind)
	assert.JSONEq(t, `[1,2]`, string(res.Data))
}
