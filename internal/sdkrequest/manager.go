package sdkrequest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/flowstep/flowstep-go/internal/enums"
	"github.com/flowstep/flowstep-go/internal/fn"
	"github.com/flowstep/flowstep-go/internal/hashing"
)

// StepMeta describes a discovered step independent of its execution outcome:
// enough for middleware to be told about it and for the engine to decide
// whether it is eligible for opportunistic execution.
type StepMeta struct {
	HashedID    string
	UserID      string
	DisplayName string
	Op          enums.Opcode
	StepType    enums.StepType
	Opts        map[string]any
	Memoized    bool
}

// ThunkFunc performs the fresh (non-memoized) execution of a step. It is
// only set for step kinds the SDK itself can execute (run, sendEvent,
// ai.infer, ai.wrap, realtime.publish); sleep/waitForEvent/invoke are always
// Executor-mediated and carry a nil thunk.
type ThunkFunc func(ctx context.Context) (json.RawMessage, *SerializedError)

// FoundStep is the per-run record of one discovered step. Once
// registered it is immutable except for its executed flag, which
// MarkExecuted sets.
type FoundStep struct {
	StepMeta
	Thunk ThunkFunc

	mu       sync.Mutex
	executed bool
}

// Outcome is what Manager.Resolve returns: either a memoized result ready to
// hand back to the caller, or an indication that the step was freshly
// registered and the caller must suspend.
type Outcome struct {
	Fulfilled bool
	Data      json.RawMessage
	Err       *SerializedError
}

// Manager owns the per-request bookkeeping a Context's step tools consult:
// the hasher, the memoized state from the incoming request, and the
// in-order list of steps discovered fresh this invocation.
type Manager struct {
	hasher   *hashing.IDHasher
	memoized map[string]IncomingOp
	unseen   map[string]struct{}

	mu      sync.Mutex
	pending []*FoundStep
	byHash  map[string]*FoundStep

	requestedRunStep string
	parallelDepth    int32
	memoEndFired     bool
	noImmediate      bool
}

// DisableImmediateExecution turns off opportunistic single-step execution
// for this request. The engine calls it when the Executor's request ctx
// sets disable_immediate_execution.
func (m *Manager) DisableImmediateExecution() {
	m.mu.Lock()
	m.noImmediate = true
	m.mu.Unlock()
}

// NewManager builds a Manager for one incoming execution request.
func NewManager(memoized map[string]IncomingOp, requestedRunStep string) *Manager {
	unseen := make(map[string]struct{}, len(memoized))
	for id := range memoized {
		unseen[id] = struct{}{}
	}
	return &Manager{
		hasher:           hashing.New(),
		memoized:         memoized,
		unseen:           unseen,
		byHash:           make(map[string]*FoundStep),
		requestedRunStep: requestedRunStep,
	}
}

// RequestedRunStep returns the hashed ID the Executor asked this invocation
// to execute, or "" in pure discovery mode.
func (m *Manager) RequestedRunStep() string { return m.requestedRunStep }

// HashStep computes the hashed ID for a user-supplied step ID, applying
// same-run collision disambiguation.
func (m *Manager) HashStep(userID string) string { return m.hasher.Hash(userID) }

// MemoizedRemaining reports how many memoized entries from the incoming
// request have not yet been looked up by a step tool call this invocation.
// It reaches zero once the handler has replayed past every piece of prior
// state; the engine requires zero before executing a step opportunistically.
func (m *Manager) MemoizedRemaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.unseen)
}

// MemoizedFor reports whether a fulfilled memoized entry exists for the
// given hashed ID, without consuming it from the unseen set.
func (m *Manager) MemoizedFor(hashedID string) bool {
	op, ok := m.memoized[hashedID]
	return ok && op.Fulfilled()
}

// MarkMemoizationEnd flips the per-request memoization-end flag, returning
// true only on the first call so the corresponding lifecycle hook fires
// exactly once per request.
func (m *Manager) MarkMemoizationEnd() (first bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.memoEndFired {
		return false
	}
	m.memoEndFired = true
	return true
}

// EnterParallel/ExitParallel bracket a step.Parallel fan-out; while the
// depth is above zero the engine suppresses opportunistic single-step early
// execution, since more than one step may legitimately be discovered new in
// the same invocation.
func (m *Manager) EnterParallel() {
	m.mu.Lock()
	m.parallelDepth++
	m.mu.Unlock()
}

func (m *Manager) ExitParallel() {
	m.mu.Lock()
	m.parallelDepth--
	m.mu.Unlock()
}

func (m *Manager) InParallel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parallelDepth > 0 || m.noImmediate
}

// Resolve looks up hashedID against the memoized state. If a fulfilled
// result exists it is returned immediately. Otherwise the step is recorded
// as newly discovered (in discovery order) with its thunk for possible
// opportunistic execution, and Fulfilled=false is returned so the caller
// suspends.
func (m *Manager) Resolve(meta StepMeta, thunk ThunkFunc) Outcome {
	m.mu.Lock()
	delete(m.unseen, meta.HashedID)
	m.mu.Unlock()

	if op, ok := m.memoized[meta.HashedID]; ok && op.Fulfilled() {
		return Outcome{Fulfilled: true, Data: op.Data, Err: op.Err}
	}

	m.mu.Lock()
	if _, ok := m.byHash[meta.HashedID]; ok {
		m.mu.Unlock()
		return Outcome{Fulfilled: false}
	}
	fs := &FoundStep{StepMeta: meta, Thunk: thunk}
	m.byHash[meta.HashedID] = fs
	m.pending = append(m.pending, fs)
	m.mu.Unlock()
	return Outcome{Fulfilled: false}
}

// PendingSteps returns the steps discovered fresh this invocation, in
// discovery order.
func (m *Manager) PendingSteps() []*FoundStep {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*FoundStep, len(m.pending))
	copy(out, m.pending)
	return out
}

// ByHash looks up a discovered step by its hashed ID, used by the engine to
// find the Executor-requested step among the pending set.
func (m *Manager) ByHash(hashedID string) (*FoundStep, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs, ok := m.byHash[hashedID]
	return fs, ok
}

// MarkExecuted records that the engine has run this step's thunk, so a
// protocol violation (two execution attempts for one step in one request)
// is caught rather than silently double-invoking user code.
func (fs *FoundStep) MarkExecuted() (already bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	already = fs.executed
	fs.executed = true
	return already
}

// EventSender delivers events to the Executor's event ingest API, returning
// the assigned event IDs. Implemented by internal/apiclient.
type EventSender interface {
	Send(ctx context.Context, events []fn.Event) ([]string, error)
}

// Inferencer performs one AI chat-completion call. Implemented by
// internal/airouter.
type Inferencer interface {
	Infer(ctx context.Context, opts json.RawMessage) (json.RawMessage, error)
}

// Publisher fans a message out to realtime subscribers of a topic.
// Implemented by internal/realtime's Hub.
type Publisher interface {
	Publish(topic string, data json.RawMessage) error
}

// RunState bundles the values a step tool call needs that don't belong on
// context.Context's key-value store individually: the Manager, the
// middleware entry point, the backends Executor-facing tools reach, and the
// per-branch settle callback used by step.Parallel (and the top-level
// handler invocation) to tell the engine "this goroutine has made all the
// progress it can make this request."
type RunState struct {
	Manager *Manager
	Wrap    StepWrapper

	// AddBranch registers one more concurrent handler branch with the
	// engine's quiescence tracking and returns that branch's settle
	// callback. The top-level handler's branch is registered by the engine
	// itself; step.Parallel registers one per closure.
	AddBranch func() (settle func())

	RunID   string
	Attempt int

	// Retries is the function's configured retry budget, used to decide
	// whether a failing attempt is the final one when firing error hooks.
	Retries int

	Events    EventSender
	Inference Inferencer
	Realtime  Publisher
}

// StepWrapper is the subset of middleware.Manager a step tool needs,
// expressed as an interface here to avoid an import cycle between
// internal/sdkrequest and internal/middleware.
type StepWrapper interface {
	TransformStepInput(userID string, opts map[string]any) (string, map[string]any, error)
	WrapStep(ctx context.Context, info StepMeta, next func() (json.RawMessage, *SerializedError)) (json.RawMessage, *SerializedError)
	WrapStepHandler(ctx context.Context, info StepMeta, next func() (json.RawMessage, *SerializedError)) (json.RawMessage, *SerializedError)
	FireStepStart(info StepMeta)
	FireStepEnd(info StepMeta, data json.RawMessage)
	FireStepError(info StepMeta, err *SerializedError, final bool)
	TransformSendEvent(ctx context.Context, events []fn.Event) ([]fn.Event, error)
	WrapSendEvent(ctx context.Context, events []fn.Event, next func() ([]string, error)) ([]string, error)
	TransformStepOutputWire(info StepMeta, data json.RawMessage, serr *SerializedError) (json.RawMessage, *SerializedError)
}

type runStateKey struct{}

// WithRunState attaches a RunState to ctx for step tools to retrieve.
func WithRunState(ctx context.Context, rs *RunState) context.Context {
	return context.WithValue(ctx, runStateKey{}, rs)
}

// FromContext retrieves the RunState attached by the engine, or ok=false if
// ctx did not originate from a flowstep invocation (e.g. a step tool called
// outside of a handler).
func FromContext(ctx context.Context) (*RunState, bool) {
	rs, ok := ctx.Value(runStateKey{}).(*RunState)
	return rs, ok
}
