package step

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowstep/flowstep-go/internal/enums"
	"github.com/flowstep/flowstep-go/internal/fn"
)

// SendEventResult carries the IDs the Executor assigned to sent events.
type SendEventResult struct {
	IDs []string `json:"ids"`
}

// SendEvent delivers one or more events to the Executor's event ingest API
// as a durable step: the send happens at most once, and replays resolve
// with the originally assigned event IDs.
func SendEvent(ctx context.Context, id string, events ...fn.Event) (SendEventResult, error) {
	var zero SendEventResult
	if len(events) == 0 {
		return zero, fmt.Errorf("sendEvent %q: at least one event is required", id)
	}

	rs, meta, err := preflight(ctx, id, enums.OpcodeStepPlanned, enums.StepTypeSendEvent, map[string]any{
		"type": "step.sendEvent",
	})
	if err != nil {
		return zero, err
	}

	thunk := execThunk(rs, meta, func(execCtx context.Context) (json.RawMessage, error) {
		if rs.Events == nil {
			return nil, fmt.Errorf("sendEvent %q: no event API configured", id)
		}
		evts, err := rs.Wrap.TransformSendEvent(execCtx, events)
		if err != nil {
			return nil, err
		}
		ids, err := rs.Wrap.WrapSendEvent(execCtx, evts, func() ([]string, error) {
			return rs.Events.Send(execCtx, evts)
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(SendEventResult{IDs: ids})
	})

	data, err := resolveStep(ctx, rs, meta, thunk)
	if err != nil {
		return zero, err
	}
	var out SendEventResult
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("unmarshaling sendEvent result for step %q: %w", id, err)
	}
	return out, nil
}
