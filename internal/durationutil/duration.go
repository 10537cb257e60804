// Package durationutil parses and formats the time strings the wire protocol
// uses for sleeps and wait timeouts: "1w2d3h4m5s" with any component optional
// and the order fixed, plus raw millisecond counts.
package durationutil

import (
	"fmt"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
)

// Parse accepts the forms a sleep duration may arrive in: a "1w2d3h4m5s"
// string, a time.Duration, or an integer millisecond count.
func Parse(v any) (time.Duration, error) {
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case string:
		dur, err := str2duration.ParseDuration(d)
		if err != nil {
			return 0, fmt.Errorf("parsing duration %q: %w", d, err)
		}
		return dur, nil
	case int:
		return time.Duration(d) * time.Millisecond, nil
	case int64:
		return time.Duration(d) * time.Millisecond, nil
	case float64:
		return time.Duration(d) * time.Millisecond, nil
	default:
		return 0, fmt.Errorf("unsupported duration type %T", v)
	}
}

// Format renders a duration in the protocol's "1w2d3h4m5s" grammar,
// truncating to whole seconds since the Executor's scheduler has no finer
// resolution.
func Format(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Truncate(time.Second)
	if d == 0 {
		return "0s"
	}
	return str2duration.String(d)
}

// Until renders the span from now to t in the protocol grammar, clamped at
// zero for past times.
func Until(t time.Time) string {
	return Format(time.Until(t))
}
