package step

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowstep/flowstep-go/internal/durationutil"
	"github.com/flowstep/flowstep-go/internal/enums"
	"github.com/flowstep/flowstep-go/internal/exprutil"
)

// WaitForEventOpts configures a WaitForEvent step.
type WaitForEventOpts struct {
	// Event is the name of the event to wait for.
	Event string
	// Timeout bounds the wait: a "1w2d3h4m5s" string, a time.Duration, or
	// an integer millisecond count.
	Timeout any
	// If is a CEL expression over `event` (the triggering event) and
	// `async` (the candidate) that must evaluate true for a match.
	If string
	// Match is a dot-path shorthand: the named field must be equal in the
	// triggering and candidate events. Mutually exclusive with If.
	Match string
}

// WaitForEvent suspends the run until a matching event arrives, resolving
// with its payload, or returns ErrEventNotReceived once the timeout elapses
// with no match.
func WaitForEvent[T any](ctx context.Context, id string, opts WaitForEventOpts) (T, error) {
	var zero T
	if opts.Event == "" {
		return zero, fmt.Errorf("waitForEvent %q: an event name is required", id)
	}

	timeout, err := durationutil.Parse(opts.Timeout)
	if err != nil {
		return zero, fmt.Errorf("waitForEvent %q: %w", id, err)
	}

	expr := opts.If
	if opts.Match != "" {
		if expr != "" {
			return zero, fmt.Errorf("waitForEvent %q: If and Match are mutually exclusive", id)
		}
		expr = exprutil.MatchExpression(opts.Match)
	}
	if expr != "" {
		if err := exprutil.Validate(expr); err != nil {
			return zero, fmt.Errorf("waitForEvent %q: %w", id, err)
		}
	}

	stepOpts := map[string]any{
		"event":   opts.Event,
		"timeout": durationutil.Format(timeout),
	}
	if expr != "" {
		stepOpts["if"] = expr
	}

	rs, meta, err := preflight(ctx, id, enums.OpcodeWaitForEvent, enums.StepTypeWaitForEvent, stepOpts)
	if err != nil {
		return zero, err
	}

	data, err := resolveStep(ctx, rs, meta, nil)
	if err != nil {
		return zero, err
	}
	// A null payload is the timeout signal: the wait expired unmatched.
	if len(data) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return zero, ErrEventNotReceived
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("unmarshaling matched event for step %q: %w", id, err)
	}
	return out, nil
}
