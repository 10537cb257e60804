package step

import (
	"errors"
	"fmt"

	"github.com/flowstep/flowstep-go/internal/fn"
	"github.com/flowstep/flowstep-go/internal/sdkrequest"
)

// ErrNotInFunction is returned when a step tool is called with a context
// that did not originate from a flowstep invocation.
var ErrNotInFunction = errors.New("flowstep: step tool called outside of a function handler")

// ErrInterrupted is returned by a step tool whose result is not yet
// available: the step has been reported to the Executor and this invocation
// is done. Handlers must propagate it (`if err != nil { return nil, err }`);
// the run resumes in a later invocation with the step memoized.
var ErrInterrupted = errors.New("flowstep: handler interrupted pending step completion")

// ErrEventNotReceived is returned by WaitForEvent when the wait timed out
// without a matching event.
var ErrEventNotReceived = errors.New("flowstep: event not received before timeout")

// StepError is a replayed step failure: the error a previous invocation's
// step execution produced, reconstructed with its original name, message,
// stack, and cause chain so handlers can inspect or swallow it.
type StepError struct {
	Name    string
	Message string
	Stack   string
	Cause   *StepError
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func (e *StepError) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// NoRetry marks err as permanent: the Executor will record the failure
// without scheduling another attempt.
func NoRetry(err error) error {
	return &fn.NonRetriableError{Err: err}
}

// reconstructError converts a memoized wire error back into the error a
// handler awaits. A non-retriable failure keeps its marker through the
// round-trip so retry classification survives replay.
func reconstructError(serr *sdkrequest.SerializedError) error {
	se := &StepError{
		Name:    serr.Name,
		Message: serr.Message,
		Stack:   serr.Stack,
		Cause:   reconstructCause(serr.Cause),
	}
	if serr.Name == "NonRetriableError" {
		return &fn.NonRetriableError{Err: se}
	}
	return se
}

func reconstructCause(serr *sdkrequest.SerializedError) *StepError {
	if serr == nil {
		return nil
	}
	return &StepError{
		Name:    serr.Name,
		Message: serr.Message,
		Stack:   serr.Stack,
		Cause:   reconstructCause(serr.Cause),
	}
}
