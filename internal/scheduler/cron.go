package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// maxTickScan bounds the walk from a stale next_due to the present so a
// pathological expression (every second, disabled for a month) cannot spin.
const maxTickScan = 100000

// parseCron validates and compiles a standard 5-field cron expression.
func parseCron(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// lastTickAtOrBefore walks the schedule forward from a known tick and returns
// the most recent tick that is not after now. This is the catch-up run's
// scheduled_time: one planned instant, never a backlog.
func lastTickAtOrBefore(sched cron.Schedule, from, now time.Time) time.Time {
	tick := from
	for i := 0; i < maxTickScan; i++ {
		next := sched.Next(tick)
		if next.After(now) {
			return tick
		}
		tick = next
	}
	return tick
}
