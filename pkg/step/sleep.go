package step

import (
	"context"
	"time"

	"github.com/flowstep/flowstep-go/internal/durationutil"
	"github.com/flowstep/flowstep-go/internal/enums"
)

// Sleep suspends the run for the given duration: a "1w2d3h4m5s" string, a
// time.Duration, or an integer millisecond count. The Executor wakes the run
// once the duration has elapsed; the memoized result is always null.
func Sleep(ctx context.Context, id string, duration any) error {
	d, err := durationutil.Parse(duration)
	if err != nil {
		return err
	}
	return sleepFor(ctx, id, durationutil.Format(d))
}

// SleepUntil suspends the run until an absolute wall-clock time.
func SleepUntil(ctx context.Context, id string, until time.Time) error {
	return sleepFor(ctx, id, durationutil.Until(until))
}

func sleepFor(ctx context.Context, id string, duration string) error {
	rs, meta, err := preflight(ctx, id, enums.OpcodeSleep, enums.StepTypeSleep, map[string]any{
		"duration": duration,
	})
	if err != nil {
		return err
	}

	// Sleeps are Executor-mediated: there is nothing the SDK could execute,
	// so the thunk is nil and discovery always suspends.
	_, err = resolveStep(ctx, rs, meta, nil)
	return err
}
