package step

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowstep/flowstep-go/internal/enums"
)

// InferOpts configures an AIInfer step: the model, the prompt messages, and
// optional generation parameters, passed through to the configured AI
// router as-is.
type InferOpts struct {
	Model       string      `json:"model"`
	Messages    []AIMessage `json:"messages"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Temperature float32     `json:"temperature,omitempty"`
}

// AIMessage is one chat message in an inference request.
type AIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AIInfer performs one chat-completion call through the client's AI router
// as a durable step: the raw provider response is memoized, so replays never
// re-bill the inference.
func AIInfer(ctx context.Context, id string, opts InferOpts) (json.RawMessage, error) {
	if opts.Model == "" {
		return nil, fmt.Errorf("ai infer %q: a model is required", id)
	}
	optsRaw, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("ai infer %q: marshaling options: %w", id, err)
	}

	rs, meta, err := preflight(ctx, id, enums.OpcodeStepPlanned, enums.StepTypeAIInfer, map[string]any{
		"model": opts.Model,
	})
	if err != nil {
		return nil, err
	}

	thunk := execThunk(rs, meta, func(execCtx context.Context) (json.RawMessage, error) {
		if rs.Inference == nil {
			return nil, fmt.Errorf("ai infer %q: no AI router configured", id)
		}
		return rs.Inference.Infer(execCtx, optsRaw)
	})

	return resolveStep(ctx, rs, meta, thunk)
}

// AIWrap memoizes a handler-supplied function that calls an AI client
// directly, bookending the call the same way any other step execution is
// bookended. Use it when AIInfer's request shape is too narrow for the
// provider call you need.
func AIWrap[T any](ctx context.Context, id string, f func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	rs, meta, err := preflight(ctx, id, enums.OpcodeStepPlanned, enums.StepTypeAIWrap, nil)
	if err != nil {
		return zero, err
	}

	thunk := execThunk(rs, meta, func(execCtx context.Context) (json.RawMessage, error) {
		out, err := f(execCtx)
		if err != nil {
			return nil, err
		}
		b, merr := json.Marshal(out)
		if merr != nil {
			return nil, fmt.Errorf("marshaling result of ai step %q: %w", id, merr)
		}
		return b, nil
	})

	data, err := resolveStep(ctx, rs, meta, thunk)
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("unmarshaling memoized result of ai step %q: %w", id, err)
	}
	return out, nil
}
