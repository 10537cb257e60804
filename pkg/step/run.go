package step

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowstep/flowstep-go/internal/enums"
)

// Run executes f at most once across every invocation of the run and
// returns its memoized result thereafter. The error return carries either a
// replayed step failure (inspectable, swallowable) or ErrInterrupted, which
// the handler must propagate so the invocation can finish.
func Run[T any](ctx context.Context, id string, f func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	rs, meta, err := preflight(ctx, id, enums.OpcodeStepPlanned, enums.StepTypeRun, nil)
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
			return nil, fmt.Errorf("marshaling result of step %q: %w", id, merr)
		}
		return b, nil
	})

	data, err := resolveStep(ctx, rs, meta, thunk)
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("unmarshaling memoized result of step %q: %w", id, err)
	}
	return out, nil
}
