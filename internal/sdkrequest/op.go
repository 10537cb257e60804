package sdkrequest

import (
	"encoding/json"
	"fmt"

	"github.com/flowstep/flowstep-go/internal/enums"
)

// SerializedError is the wire representation of a step or function error
// on the wire: name, message, stack and an optional cause chain are preserved
// so a replaying handler can reconstruct an equivalent error to reject with.
type SerializedError struct {
	Name    string           `json:"name"`
	Message string           `json:"message"`
	Stack   string           `json:"stack,omitempty"`
	Cause   *SerializedError `json:"cause,omitempty"`
}

func (e *SerializedError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// stepStateV1 is the tagged-union shape used by execution versions V1/V2
//: exactly one of Data/Error/Input is populated, discriminated by
// Type.
type stepStateV1 struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *SerializedError `json:"error,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// IncomingOp is a normalized memoized step entry, independent of whichever
// wire schema (V0 or V1/V2) it arrived in. Exactly one of Data/Err is
// non-nil, unless the step is merely input-recorded (HasInput true, Data and
// Err both nil), in which case it is eligible to run this request.
type IncomingOp struct {
	Data    json.RawMessage
	Err     *SerializedError
	Input   json.RawMessage
	HasData bool
	HasErr  bool
	HasInput bool
}

// Fulfilled reports whether this memoized entry carries a usable result
// (either success data or an error) that a step tool can resolve from
// without re-execution.
func (op IncomingOp) Fulfilled() bool {
	return op.HasData || op.HasErr
}

// StepStateVersion selects which wire schema StepState values are encoded
// in. V0 is a legacy compatibility shim; V1/V2 is the default.
type StepStateVersion int

const (
	// StepStateV1 is the tagged-union {type,data|error|input} schema and is
	// the default for new requests.
	StepStateV1 StepStateVersion = iota
	// StepStateV0 is the legacy schema where the raw JSON value under a
	// step's hashed ID *is* its memoized data, with no wrapper.
	StepStateV0
)

// ParseStepState normalizes the Steps map of an execution request body into
// hashedID -> IncomingOp, dispatching on the wire schema version.
func ParseStepState(raw map[string]json.RawMessage, version StepStateVersion) (map[string]IncomingOp, error) {
	out := make(map[string]IncomingOp, len(raw))
	for id, msg := range raw {
		switch version {
		case StepStateV0:
			out[id] = IncomingOp{Data: msg, HasData: true}
		default:
			op, err := parseV1(msg)
			if err != nil {
				return nil, fmt.Errorf("parsing step state for %q: %w", id, err)
			}
			out[id] = op
		}
	}
	return out, nil
}

func parseV1(msg json.RawMessage) (IncomingOp, error) {
	var tagged stepStateV1
	if err := json.Unmarshal(msg, &tagged); err != nil {
		return IncomingOp{}, err
	}
	switch tagged.Type {
	case "data":
		// A null data value is a valid, fulfilled result.
		return IncomingOp{Data: orNullJSON(tagged.Data), HasData: true}, nil
	case "error":
		return IncomingOp{Err: tagged.Error, HasErr: true}, nil
	case "input":
		return IncomingOp{Input: tagged.Input, HasInput: true}, nil
	case "":
		// A raw value with no discriminator (e.g. produced by sleep /
		// waitForEvent) is normalized into a data entry.
		return IncomingOp{Data: orNullJSON(msg), HasData: true}, nil
	default:
		return IncomingOp{}, fmt.Errorf("unknown step state type %q", tagged.Type)
	}
}

func orNullJSON(msg json.RawMessage) json.RawMessage {
	if len(msg) == 0 {
		return json.RawMessage("null")
	}
	return msg
}

// UnhashedOp is the pre-hash description of a step operation: the user ID,
// op code and any display options, before collision disambiguation is
// applied by the hashing package.
type UnhashedOp struct {
	ID   string
	Op   enums.Opcode
	Name string
	Opts map[string]any
}

// OutgoingOp is sent back to the Executor describing either a newly
// discovered step, an executed step's result, or a not-found signal (spec
// §3, §6).
type OutgoingOp struct {
	ID          string           `json:"id"`
	Op          enums.Opcode     `json:"op"`
	Name        string           `json:"name,omitempty"`
	DisplayName string           `json:"displayName,omitempty"`
	Opts        map[string]any   `json:"opts,omitempty"`
	Data        json.RawMessage  `json:"data,omitempty"`
	Error       *SerializedError `json:"error,omitempty"`
}
