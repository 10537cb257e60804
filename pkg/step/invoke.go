package step

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowstep/flowstep-go/internal/durationutil"
	"github.com/flowstep/flowstep-go/internal/enums"
)

// InvokeOpts configures an Invoke step.
type InvokeOpts struct {
	// FunctionID is the fully-qualified ID of the function to invoke.
	FunctionID string
	// Data is the payload passed as the invoked function's event data.
	Data any
	// Timeout optionally bounds how long the invocation may take before the
	// step fails: a "1w2d3h4m5s" string, time.Duration, or milliseconds.
	Timeout any
}

// Invoke runs another registered function as a step and resolves with its
// return value. The Executor mediates the call: this invocation suspends
// and resumes once the invoked run completes.
func Invoke[T any](ctx context.Context, id string, opts InvokeOpts) (T, error) {
	var zero T
	if opts.FunctionID == "" {
		return zero, fmt.Errorf("invoke %q: a function ID is required", id)
	}

	payload, err := json.Marshal(opts.Data)
	if err != nil {
		return zero, fmt.Errorf("invoke %q: marshaling payload: %w", id, err)
	}

	stepOpts := map[string]any{
		"function_id": opts.FunctionID,
		"payload":     json.RawMessage(payload),
	}
	if opts.Timeout != nil {
		d, err := durationutil.Parse(opts.Timeout)
		if err != nil {
			return zero, fmt.Errorf("invoke %q: %w", id, err)
		}
		stepOpts["timeout"] = durationutil.Format(d)
	}

	rs, meta, err := preflight(ctx, id, enums.OpcodeInvokeFunction, enums.StepTypeInvoke, stepOpts)
	if err != nil {
		return zero, err
	}

	data, err := resolveStep(ctx, rs, meta, nil)
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("unmarshaling result of invoked function for step %q: %w", id, err)
	}
	return out, nil
}
