// Package step exposes the durable operations a flowstep handler awaits:
// Run, Sleep, SleepUntil, WaitForEvent, Invoke, SendEvent, Publish, and the
// AI tools. Each call either replays a memoized result from the incoming
// request or records the step as newly discovered and suspends the handler
// until the Executor schedules another invocation.
package step

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/flowstep/flowstep-go/internal/engine"
	"github.com/flowstep/flowstep-go/internal/enums"
	"github.com/flowstep/flowstep-go/internal/fn"
	"github.com/flowstep/flowstep-go/internal/sdkrequest"
)

// preflight fetches the run state and pushes the step's identity through the
// input-transform pipeline before hashing, so a middleware-rewritten ID
// participates in same-run collision disambiguation.
func preflight(ctx context.Context, userID string, op enums.Opcode, stepType enums.StepType, opts map[string]any) (*sdkrequest.RunState, sdkrequest.StepMeta, error) {
	rs, ok := sdkrequest.FromContext(ctx)
	if !ok {
		return nil, sdkrequest.StepMeta{}, ErrNotInFunction
	}

	id, opts, err := rs.Wrap.TransformStepInput(userID, opts)
	if err != nil {
		return nil, sdkrequest.StepMeta{}, fmt.Errorf("transforming step input for %q: %w", userID, err)
	}

	meta := sdkrequest.StepMeta{
		HashedID:    rs.Manager.HashStep(id),
		UserID:      id,
		DisplayName: id,
		Op:          op,
		StepType:    stepType,
		Opts:        opts,
	}
	meta.Memoized = rs.Manager.MemoizedFor(meta.HashedID)
	return rs, meta, nil
}

// interruptedName marks the sentinel a suspended resolution produces inside
// the wrap onion; resolveStep converts it back to ErrInterrupted on the way
// out so handlers never observe the wire shape.
const interruptedName = "FlowstepInterrupted"

// resolveStep is the shared resolution path of every tool: it runs the
// WrapStep onion in the handler's own goroutine (so middleware can inject
// further steps from inside its wrap frame), and the innermost layer either
// replays the memoized outcome or registers the step and parks the branch.
func resolveStep(ctx context.Context, rs *sdkrequest.RunState, meta sdkrequest.StepMeta, thunk sdkrequest.ThunkFunc) (json.RawMessage, error) {
	data, serr := rs.Wrap.WrapStep(ctx, meta, func() (json.RawMessage, *sdkrequest.SerializedError) {
		outcome := rs.Manager.Resolve(meta, thunk)
		if !outcome.Fulfilled {
			// Newly discovered: settle out of the engine's quiescence
			// tracking and park until the invocation is torn down.
			engine.SettleFromContext(ctx)()
			<-ctx.Done()
			return nil, &sdkrequest.SerializedError{Name: interruptedName}
		}
		return outcome.Data, outcome.Err
	})
	if serr != nil {
		if serr.Name == interruptedName {
			return nil, ErrInterrupted
		}
		return nil, reconstructError(serr)
	}
	return data, nil
}

// execThunk builds the ThunkFunc the engine invokes when this step is the
// one chosen to run: the fresh-execution lifecycle hooks, the
// WrapStepHandler onion around the user's code, and the output transform on
// the way out. WrapStep is not part of the thunk — it wraps the resolution
// on the handler side, memoized and fresh alike.
func execThunk(rs *sdkrequest.RunState, meta sdkrequest.StepMeta, f func(ctx context.Context) (json.RawMessage, error)) sdkrequest.ThunkFunc {
	return func(execCtx context.Context) (json.RawMessage, *sdkrequest.SerializedError) {
		rs.Wrap.FireStepStart(meta)
		data, serr := rs.Wrap.WrapStepHandler(execCtx, meta, func() (json.RawMessage, *sdkrequest.SerializedError) {
			out, err := f(execCtx)
			if err != nil {
				return nil, serializeStepError(err)
			}
			return out, nil
		})
		data, serr = rs.Wrap.TransformStepOutputWire(meta, data, serr)
		if serr != nil {
			rs.Wrap.FireStepError(meta, serr, isFinalAttempt(rs, serr))
			return nil, serr
		}
		rs.Wrap.FireStepEnd(meta, data)
		return data, nil
	}
}

func isFinalAttempt(rs *sdkrequest.RunState, serr *sdkrequest.SerializedError) bool {
	if serr != nil && serr.Name == "NonRetriableError" {
		return true
	}
	return rs.Attempt >= rs.Retries
}

// serializeStepError converts a user error into the wire shape, capturing
// the stack at the failure site and walking the cause chain.
func serializeStepError(err error) *sdkrequest.SerializedError {
	name := "Error"
	if fn.IsNonRetriable(err) {
		name = "NonRetriableError"
	}
	serr := &sdkrequest.SerializedError{
		Name:    name,
		Message: err.Error(),
		Stack:   string(debug.Stack()),
	}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		if cause := u.Unwrap(); cause != nil {
			serr.Cause = serializeCause(cause)
		}
	}
	return serr
}

func serializeCause(err error) *sdkrequest.SerializedError {
	serr := &sdkrequest.SerializedError{Name: "Error", Message: err.Error()}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		if cause := u.Unwrap(); cause != nil {
			serr.Cause = serializeCause(cause)
		}
	}
	return serr
}
