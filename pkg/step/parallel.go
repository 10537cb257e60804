package step

import (
	"context"
	"errors"
	"sync"

	"github.com/flowstep/flowstep-go/internal/engine"
	"github.com/flowstep/flowstep-go/internal/sdkrequest"
)

// BranchFunc is one arm of a Parallel fan-out.
type BranchFunc func(ctx context.Context) (any, error)

// Parallel runs the given closures concurrently, each discovering its own
// steps. If every branch resolves from memoized state the results are
// returned in argument order; if any branch reaches an unresolved step the
// whole fan-out suspends and resumes on a later invocation.
//
// While a fan-out is in flight the engine reports every newly discovered
// step as a batch instead of executing one opportunistically, keeping
// discovery deterministic across branches.
func Parallel(ctx context.Context, fns ...BranchFunc) ([]any, error) {
	rs, ok := sdkrequest.FromContext(ctx)
	if !ok {
		return nil, ErrNotInFunction
	}
	if len(fns) == 0 {
		return nil, nil
	}

	rs.Manager.EnterParallel()
	defer rs.Manager.ExitParallel()

	type branchResult struct {
		val any
		err error
	}
	type branch struct {
		done   chan branchResult
		parked chan struct{}
	}

	branches := make([]*branch, len(fns))
	for i, f := range fns {
		b := &branch{done: make(chan branchResult, 1), parked: make(chan struct{})}
		branches[i] = b

		branchSettle := rs.AddBranch()
		var parkOnce sync.Once
		settle := func() {
			branchSettle()
			parkOnce.Do(func() { close(b.parked) })
		}
		bctx := engine.WithSettle(ctx, settle)

		go func(f BranchFunc, b *branch) {
			defer branchSettle()
			val, err := f(bctx)
			b.done <- branchResult{val: val, err: err}
		}(f, b)
	}

	results := make([]any, len(fns))
	var errs []error
	suspended := false
	for i, b := range branches {
		select {
		case r := <-b.done:
			if errors.Is(r.err, ErrInterrupted) {
				suspended = true
				continue
			}
			results[i] = r.val
			if r.err != nil {
				errs = append(errs, r.err)
			}
		case <-b.parked:
			suspended = true
		}
	}

	if suspended {
		// At least one branch is parked on an unresolved step: park the
		// parent too and resume the whole fan-out next invocation.
		engine.SettleFromContext(ctx)()
		<-ctx.Done()
		return nil, ErrInterrupted
	}
	return results, errors.Join(errs...)
}
