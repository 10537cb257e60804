package step

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowstep/flowstep-go/internal/enums"
)

// PublishResult reports a realtime publish step's outcome.
type PublishResult struct {
	Published bool `json:"published"`
}

// Publish fans data out to any realtime subscriber currently connected to
// the given topic, as a durable step. Delivery is best-effort: subscribers
// that connect later do not see the message, and the memoized result only
// records that the fan-out happened.
func Publish(ctx context.Context, id, topic string, data any) (PublishResult, error) {
	var zero PublishResult
	payload, err := json.Marshal(data)
	if err != nil {
		return zero, fmt.Errorf("publish %q: marshaling payload: %w", id, err)
	}

	rs, meta, err := preflight(ctx, id, enums.OpcodeStepPlanned, enums.StepTypeRealtimePublish, map[string]any{
		"topic": topic,
	})
	if err != nil {
		return zero, err
	}

	thunk := execThunk(rs, meta, func(execCtx context.Context) (json.RawMessage, error) {
		if rs.Realtime == nil {
			return nil, fmt.Errorf("publish %q: no realtime hub configured", id)
		}
		if err := rs.Realtime.Publish(topic, payload); err != nil {
			return nil, fmt.Errorf("publishing to %q: %w", topic, err)
		}
		return json.Marshal(PublishResult{Published: true})
	})

	resolved, err := resolveStep(ctx, rs, meta, thunk)
	if err != nil {
		return zero, err
	}
	var out PublishResult
	if err := json.Unmarshal(resolved, &out); err != nil {
		return zero, fmt.Errorf("unmarshaling publish result for step %q: %w", id, err)
	}
	return out, nil
}
