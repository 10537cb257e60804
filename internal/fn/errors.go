package fn

import "errors"

// NonRetriableError marks an error the Executor must not retry. Step and
// function failures are retriable by default; wrapping one in
// NonRetriableError (or returning an error whose chain contains one) tells
// the Executor the failure is permanent.
type NonRetriableError struct {
	Err error
}

func (e *NonRetriableError) Error() string {
	if e.Err == nil {
		return "non-retriable error"
	}
	return e.Err.Error()
}

func (e *NonRetriableError) Unwrap() error { return e.Err }

// IsNonRetriable reports whether err's chain contains a NonRetriableError.
func IsNonRetriable(err error) bool {
	var nre *NonRetriableError
	return errors.As(err, &nre)
}
