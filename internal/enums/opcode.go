// Package enums holds the small fixed vocabularies shared across the engine,
// step tooling, and comm handler: step op codes and step types.
package enums

// Opcode identifies the kind of operation a discovered or executed step
// represents, mirroring the OutgoingOp.op values in the wire protocol.
type Opcode string

const (
	OpcodeStepRun        Opcode = "Step"
	OpcodeStepPlanned    Opcode = "StepPlanned"
	OpcodeSleep          Opcode = "Sleep"
	OpcodeWaitForEvent   Opcode = "WaitForEvent"
	OpcodeInvokeFunction Opcode = "InvokeFunction"
	OpcodeAIGateway      Opcode = "AIGateway"
	OpcodeStepNotFound   Opcode = "StepNotFound"
	OpcodeStepError      Opcode = "StepError"
)

// StepType is the coarse category surfaced to middleware via StepInfo, used
// to tell apart user-invoked tools from SDK-internal HTTP plumbing.
type StepType string

const (
	StepTypeRun             StepType = "run"
	StepTypeSendEvent       StepType = "sendEvent"
	StepTypeSleep           StepType = "sleep"
	StepTypeWaitForEvent    StepType = "waitForEvent"
	StepTypeInvoke          StepType = "invoke"
	StepTypeAIInfer         StepType = "ai.infer"
	StepTypeAIWrap          StepType = "ai.wrap"
	StepTypeRealtimePublish StepType = "realtime.publish"
	StepTypeFetch           StepType = "fetch"
	StepTypeUnknown         StepType = "unknown"
)
