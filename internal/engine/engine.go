// Package engine implements the checkpoint-driven core loop: the handler
// runs in its own goroutine, step tools suspend by registering a pending
// step and settling out of the WaitGroup the engine watches, and the loop
// decides — once every branch has settled — whether to execute one step,
// report the discovered batch, or keep waiting for an Executor-requested
// step that hasn't shown up yet.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/flowstep/flowstep-go/internal/enums"
	"github.com/flowstep/flowstep-go/internal/fn"
	"github.com/flowstep/flowstep-go/internal/middleware"
	"github.com/flowstep/flowstep-go/internal/sdkrequest"
)

// ResultKind is the outcome the core loop reached for one invocation.
type ResultKind string

const (
	ResultFunctionResolved ResultKind = "function-resolved"
	ResultFunctionRejected ResultKind = "function-rejected"
	ResultStepsFound       ResultKind = "steps-found"
	ResultStepRan          ResultKind = "step-ran"
	ResultStepNotFound     ResultKind = "step-not-found"
)

// Result is what Run returns for the comm handler to serialize as an HTTP
// response. Retriable is only meaningful for ResultFunctionRejected.
type Result struct {
	Kind      ResultKind
	Data      json.RawMessage
	Err       *sdkrequest.SerializedError
	Ops       []sdkrequest.OutgoingOp
	Retriable bool
}

type checkpointKind int

const (
	cpFunctionResolved checkpointKind = iota
	cpFunctionRejected
	cpQuiescent
)

type checkpoint struct {
	kind checkpointKind
	data json.RawMessage
	err  error
}

// StepNotFoundTimeoutDefault is used when a Client doesn't override it.
const StepNotFoundTimeoutDefault = 10 * time.Second

// settleKey threads the per-branch "I've made all the progress I can this
// request" callback through context.Context, so the step tools' shared
// resolution path in pkg/step can call it without the engine needing to
// intercept every step tool call.
type settleKey struct{}

// WithSettle attaches a settle callback to ctx. Step tools look this up via
// SettleFromContext and call it exactly once before blocking on an
// unresolved step.
func WithSettle(ctx context.Context, settle func()) context.Context {
	return context.WithValue(ctx, settleKey{}, settle)
}

// SettleFromContext retrieves the settle callback WithSettle attached, or a
// no-op if none was attached (e.g. a step tool called outside of a managed
// invocation).
func SettleFromContext(ctx context.Context) func() {
	if f, ok := ctx.Value(settleKey{}).(func()); ok {
		return f
	}
	return func() {}
}

// Options configures one invocation.
type Options struct {
	Handler fn.Handler
	FnCtx   fn.Context
	Req     *sdkrequest.Request
	MW      *middleware.Manager
	FnInfo  middleware.FunctionInfo

	// StepNotFoundTimeout bounds how long the loop waits for an
	// Executor-requested step to be discovered before giving up. Zero means
	// StepNotFoundTimeoutDefault.
	StepNotFoundTimeout time.Duration

	// Retries is the function's configured retry budget.
	Retries int

	// Backends Executor-facing step tools reach through the RunState.
	Events    sdkrequest.EventSender
	Inference sdkrequest.Inferencer
	Realtime  sdkrequest.Publisher
}

// Runner drives one invocation. Run is idempotent: concurrent or repeated
// calls share a single execution and return the same Result.
type Runner struct {
	opts   Options
	once   sync.Once
	result Result
}

// NewRunner builds a Runner for one incoming request.
func NewRunner(opts Options) *Runner {
	return &Runner{opts: opts}
}

// Run drives the invocation to a terminal Result, executing at most once per
// Runner regardless of how many times it is called.
func (r *Runner) Run(ctx context.Context) Result {
	r.once.Do(func() {
		r.result = run(ctx, r.opts)
	})
	return r.result
}

// Run drives one invocation of opts.Handler to completion, dispatching
// through the checkpoint model until a terminal Result is reached.
func Run(ctx context.Context, opts Options) Result {
	return NewRunner(opts).Run(ctx)
}

func run(ctx context.Context, opts Options) Result {
	timeoutLen := opts.StepNotFoundTimeout
	if timeoutLen <= 0 {
		timeoutLen = StepNotFoundTimeoutDefault
	}

	req := opts.Req
	mw := opts.MW

	mgr := sdkrequest.NewManager(req.Steps, req.RequestedRunStep)
	if req.DisableImmediateExecution {
		mgr.DisableImmediateExecution()
	}
	ch := make(chan checkpoint, 8)
	var wg sync.WaitGroup

	// Any handler goroutine still parked on an unresolved step once this
	// invocation reaches a Result is abandoned: cancelling here unblocks it
	// so it can exit instead of leaking for the life of the process.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rs := &sdkrequest.RunState{
		Manager: mgr,
		Wrap:    mw,
		AddBranch: func() func() {
			wg.Add(1)
			return onceSettle(&wg)
		},
		RunID:     req.RunID,
		Attempt:   req.Attempt,
		Retries:   opts.Retries,
		Events:    opts.Events,
		Inference: opts.Inference,
		Realtime:  opts.Realtime,
	}
	runCtx = sdkrequest.WithRunState(runCtx, rs)

	wg.Add(1)
	topSettled := onceSettle(&wg)
	runCtx = WithSettle(runCtx, topSettled)

	input, terr := mw.TransformFunctionInput(ctx, middleware.FunctionInput{
		Event:      opts.FnCtx.Event,
		Events:     opts.FnCtx.Events,
		Extensions: opts.FnCtx.Extensions,
	})
	if terr != nil {
		serr := SerializeError(terr)
		mw.FireFunctionError(ctx, opts.FnInfo, serr)
		return Result{Kind: ResultFunctionRejected, Err: serr, Retriable: !fn.IsNonRetriable(terr)}
	}
	fctx := opts.FnCtx
	fctx.Event = input.Event
	fctx.Events = input.Events
	fctx.Extensions = input.Extensions
	if fctx.Extensions == nil {
		fctx.Extensions = map[string]any{}
	}

	// onRunStart fires once per run: on the first attempt, before any state
	// has been memoized.
	if req.Attempt == 0 && len(req.Steps) == 0 {
		mw.FireFunctionRun(ctx, opts.FnInfo)
	}

	go func() {
		defer topSettled()
		data, err := mw.WrapFunctionHandler(runCtx, func() (json.RawMessage, error) {
			val, err := opts.Handler(runCtx, fctx)
			if err != nil {
				return nil, err
			}
			b, merr := json.Marshal(val)
			if merr != nil {
				return nil, fmt.Errorf("marshaling handler result: %w", merr)
			}
			return b, nil
		})
		if err != nil {
			ch <- checkpoint{kind: cpFunctionRejected, err: err}
			return
		}
		ch <- checkpoint{kind: cpFunctionResolved, data: data}
	}()

	go func() {
		wg.Wait()
		select {
		case ch <- checkpoint{kind: cpQuiescent}:
		default:
		}
	}()

	timeout := time.NewTimer(timeoutLen)
	defer timeout.Stop()

	var resolved *checkpoint
	for {
		select {
		case cp := <-ch:
			cpCopy := cp
			switch cp.kind {
			case cpFunctionResolved, cpFunctionRejected:
				resolved = &cpCopy
			case cpQuiescent:
				if resolved != nil {
					return finalize(ctx, mw, opts.FnInfo, mgr, *resolved)
				}
				if r, done := decide(ctx, mw, mgr); done {
					return r
				}
				// requestedRunStep set but not found among the pending
				// set: nothing more will happen until the timeout fires,
				// since every branch has already settled.
			}
		case <-timeout.C:
			if resolved != nil {
				return finalize(ctx, mw, opts.FnInfo, mgr, *resolved)
			}
			return stepNotFound(req.RequestedRunStep)
		}
	}
}

func onceSettle(wg *sync.WaitGroup) func() {
	var once sync.Once
	return func() {
		once.Do(wg.Done)
	}
}

func stepNotFound(requested string) Result {
	return Result{
		Kind: ResultStepNotFound,
		Ops: []sdkrequest.OutgoingOp{{
			ID: requested,
			Op: enums.OpcodeStepNotFound,
		}},
	}
}

// decide implements the one-step-per-request rule: execute the
// Executor-requested step if it has been discovered, or opportunistically
// run the single new plannable step when nothing suppresses early execution.
// Otherwise report the full discovered batch.
func decide(ctx context.Context, mw *middleware.Manager, mgr *sdkrequest.Manager) (Result, bool) {
	pending := mgr.PendingSteps()
	if len(pending) == 0 {
		return Result{}, false
	}

	if requested := mgr.RequestedRunStep(); requested != "" {
		fs, ok := mgr.ByHash(requested)
		if !ok || fs.Thunk == nil {
			// Not discovered yet (or a protocol violation naming a step
			// the engine can't execute): keep waiting for the timeout.
			return Result{}, false
		}
		return executeStep(ctx, mw, mgr, fs), true
	}

	if len(pending) == 1 && pending[0].Thunk != nil && !mgr.InParallel() && mgr.MemoizedRemaining() == 0 {
		return executeStep(ctx, mw, mgr, pending[0]), true
	}

	if remaining := mgr.MemoizedRemaining(); remaining > 0 {
		// New steps surfaced before all prior state was replayed. Not
		// necessarily wrong (a mid-run redeploy reorders code legitimately),
		// but worth a trace when debugging nondeterministic handlers.
		log.Printf("flowstep: discovered %d new step(s) with %d memoized step(s) unconsumed; handler may be nondeterministic", len(pending), remaining)
	}

	maybeFireMemoizationEnd(mw, ctx, mgr)
	ops := make([]sdkrequest.OutgoingOp, 0, len(pending))
	for _, fs := range pending {
		ops = append(ops, sdkrequest.OutgoingOp{
			ID:          fs.HashedID,
			Op:          fs.Op,
			Name:        fs.DisplayName,
			DisplayName: fs.DisplayName,
			Opts:        fs.Opts,
		})
	}
	return Result{Kind: ResultStepsFound, Ops: ops}, true
}

func executeStep(ctx context.Context, mw *middleware.Manager, mgr *sdkrequest.Manager, fs *sdkrequest.FoundStep) Result {
	// Reaching an executable step means replay is over, even if some
	// memoized entries were never consumed this request.
	maybeFireMemoizationEnd(mw, ctx, mgr)

	if already := fs.MarkExecuted(); already {
		log.Printf("flowstep: step %s already executed this request, ignoring duplicate", fs.HashedID)
		return Result{Kind: ResultStepsFound}
	}
	data, serr := fs.Thunk(ctx)
	return Result{Kind: ResultStepRan, Ops: []sdkrequest.OutgoingOp{{
		ID:          fs.HashedID,
		Op:          enums.OpcodeStepRun,
		Name:        fs.DisplayName,
		DisplayName: fs.DisplayName,
		Data:        data,
		Error:       serr,
	}}}
}

func finalize(ctx context.Context, mw *middleware.Manager, fnInfo middleware.FunctionInfo, mgr *sdkrequest.Manager, cp checkpoint) Result {
	if pending := mgr.PendingSteps(); len(pending) > 0 {
		// Steps-found wins over function completion in the same request:
		// the Executor will schedule further invocations and the handler
		// completes again once every step is memoized.
		if r, done := decide(ctx, mw, mgr); done {
			return r
		}
	}

	maybeFireMemoizationEnd(mw, ctx, mgr)

	if cp.kind == cpFunctionRejected {
		serr := SerializeError(cp.err)
		mw.FireFunctionError(ctx, fnInfo, serr)
		return Result{Kind: ResultFunctionRejected, Err: serr, Retriable: !fn.IsNonRetriable(cp.err)}
	}

	data, ferr := mw.TransformFunctionOutput(ctx, cp.data, nil)
	if ferr != nil {
		serr := SerializeError(ferr)
		mw.FireFunctionError(ctx, fnInfo, serr)
		return Result{Kind: ResultFunctionRejected, Err: serr, Retriable: !fn.IsNonRetriable(ferr)}
	}
	mw.FireFunctionSuccess(ctx, fnInfo, data)
	return Result{Kind: ResultFunctionResolved, Data: data}
}

func maybeFireMemoizationEnd(mw *middleware.Manager, ctx context.Context, mgr *sdkrequest.Manager) {
	if mgr.MarkMemoizationEnd() {
		mw.FireMemoizationEnd(ctx)
	}
}

// SerializeError converts a Go error into the wire {name,message,stack}
// shape, preserving an existing SerializedError and unwrapping cause chains.
func SerializeError(err error) *sdkrequest.SerializedError {
	if err == nil {
		return nil
	}
	if serr, ok := err.(*sdkrequest.SerializedError); ok {
		return serr
	}
	name := "Error"
	if fn.IsNonRetriable(err) {
		name = "NonRetriableError"
	}
	serr := &sdkrequest.SerializedError{Name: name, Message: err.Error()}
	if cause := unwrapCause(err); cause != nil {
		serr.Cause = SerializeError(cause)
	}
	return serr
}

func unwrapCause(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return u.Unwrap()
	}
	return nil
}
