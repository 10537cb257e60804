package sdkrequest

import (
	"encoding/json"
	"fmt"

	"github.com/flowstep/flowstep-go/internal/fn"
)

// callCtx is the execution-context object of a request body: run identity,
// attempt counter, and the Executor's view of the step stack.
type callCtx struct {
	RunID   string `json:"run_id"`
	Attempt int    `json:"attempt"`
	Stack   *struct {
		Current []string `json:"current"`
	} `json:"stack,omitempty"`
	DisableImmediateExecution bool `json:"disable_immediate_execution,omitempty"`
}

// wireRequest is the raw JSON body the Executor POSTs to invoke a function:
// event context, the full batch for batched triggers, prior step state, and
// execution metadata.
type wireRequest struct {
	Ctx          callCtx                    `json:"ctx"`
	Event        fn.Event                   `json:"event"`
	Events       []fn.Event                 `json:"events"`
	Steps        map[string]json.RawMessage `json:"steps"`
	StepsVersion string                     `json:"steps_version,omitempty"`
	UseAPI       bool                       `json:"use_api"`
}

// Request is the parsed, normalized execution request for one invocation.
// RequestedRunStep is the hashed step ID the Executor wants this invocation
// to execute, taken from the query string (`?stepId=`); it is "" in pure
// discovery mode.
type Request struct {
	Event   fn.Event
	Events  []fn.Event
	RunID   string
	Attempt int
	Steps   map[string]IncomingOp
	Stack   []string
	UseAPI  bool

	RequestedRunStep          string
	DisableImmediateExecution bool
}

// ParseRequest decodes and normalizes an execution request body, handling
// both the V0 and V1/V2 step-state wire schemas.
func ParseRequest(body []byte) (*Request, error) {
	var wire wireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decoding execution request: %w", err)
	}

	version := StepStateV1
	if wire.StepsVersion == "0" {
		version = StepStateV0
	}

	steps, err := ParseStepState(wire.Steps, version)
	if err != nil {
		return nil, err
	}

	events := wire.Events
	if len(events) == 0 && wire.Event.Name != "" {
		events = []fn.Event{wire.Event}
	}

	var stack []string
	if wire.Ctx.Stack != nil {
		stack = wire.Ctx.Stack.Current
	}

	return &Request{
		Event:                     wire.Event,
		Events:                    events,
		RunID:                     wire.Ctx.RunID,
		Attempt:                   wire.Ctx.Attempt,
		Steps:                     steps,
		Stack:                     stack,
		UseAPI:                    wire.UseAPI,
		DisableImmediateExecution: wire.Ctx.DisableImmediateExecution,
	}, nil
}
