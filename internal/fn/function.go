// Package fn holds the types shared between the public flowstep API and the
// engine/comm internals: the event shape, the handler signature, and
// function registration options. It has no dependency on sdkrequest,
// middleware, or engine, so every other internal package can depend on it
// without creating an import cycle.
package fn

import (
	"context"
	"encoding/json"
	"time"
)

// SDKLanguage and SDKVersion identify this SDK on the wire (headers,
// introspection, registration).
const (
	SDKLanguage = "go"
	SDKVersion  = "0.1.0"
)

// Event is a triggering or sent event, matching the wire shape the
// Executor's event ingest API accepts and emits.
type Event struct {
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data,omitempty"`
	User      json.RawMessage `json:"user,omitempty"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"ts,omitempty"`
	Version   string          `json:"v,omitempty"`
}

// Context is the input to a registered function's handler: the triggering
// event(s), run metadata, and an Extensions map middleware's
// TransformFunctionInput hook may populate (spec's "dynamic ctx extension"
// design note — a strongly-typed struct plus a type-erased map, rather than
// an ever-growing set of named fields).
type Context struct {
	Event      Event
	Events     []Event
	RunID      string
	Attempt    int
	Extensions map[string]any
}

// Handler is a registered function's business logic. ctx carries
// cancellation/deadlines and is the context.Context step tools read their
// run state from; fctx carries the triggering event and run metadata.
type Handler func(ctx context.Context, fctx Context) (any, error)

// ConcurrencyLimit bounds how many runs of a function may execute at once,
// optionally scoped by a key expression.
type ConcurrencyLimit struct {
	Scope string `json:"scope,omitempty"`
	Key   string `json:"key,omitempty"`
	Limit int    `json:"limit"`
}

// RateLimit bounds how many runs start within a rolling period.
type RateLimit struct {
	Limit  int           `json:"limit"`
	Period time.Duration `json:"period"`
	Key    string        `json:"key,omitempty"`
}

// Throttle bounds run start rate with an allowed burst, distinct from
// RateLimit in that excess triggers queue rather than drop.
type Throttle struct {
	Limit  int           `json:"limit"`
	Period time.Duration `json:"period"`
	Burst  int           `json:"burst,omitempty"`
	Key    string        `json:"key,omitempty"`
}

// Debounce delays execution until no new matching event has arrived for
// Period, collapsing a burst of triggers into one run.
type Debounce struct {
	Period time.Duration `json:"period"`
	Key    string        `json:"key,omitempty"`
}

// Singleton ensures at most one run matching Key is in flight at a time.
type Singleton struct {
	Key  string `json:"key,omitempty"`
	Mode string `json:"mode"`
}

// Timeouts bound how long a run may wait to start or to finish.
type Timeouts struct {
	Start  time.Duration `json:"start,omitempty"`
	Finish time.Duration `json:"finish,omitempty"`
}

// Priority adjusts queue ordering via a CEL expression evaluated against the
// triggering event.
type Priority struct {
	Run string `json:"run,omitempty"`
}

// CancelOn cancels an in-flight run when a matching event arrives.
type CancelOn struct {
	Event   string        `json:"event"`
	If      string        `json:"if,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Opts configures a registered function: identity, retry policy, and the
// full set of scheduling constraints the Executor enforces.
type Opts struct {
	ID          string
	Name        string
	Retries     int
	Concurrency []ConcurrencyLimit
	RateLimit   *RateLimit
	Throttle    *Throttle
	Debounce    *Debounce
	Singleton   *Singleton
	Timeouts    *Timeouts
	Priority    *Priority
	CancelOn    []CancelOn
}

// Trigger is one event name, cron schedule, or (alongside Event) a CEL
// filter expression that starts a run of the function.
type Trigger struct {
	Event      string `json:"event,omitempty"`
	Cron       string `json:"cron,omitempty"`
	Expression string `json:"expression,omitempty"`
}

// ServableFunction is anything the comm handler can register and dispatch
// runs to.
type ServableFunction interface {
	Config() Opts
	Triggers() []Trigger
	Handle(ctx context.Context, fctx Context) (any, error)
}
