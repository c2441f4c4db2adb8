// Package scheduler computes when the next cleanup run fires and sleeps
// until then without blocking cancellation.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser supports standard 5-field cron expressions and descriptors like
// @hourly or @every 15m.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parse parses a cron expression into a Schedule.
func Parse(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// Every returns a Schedule firing at a fixed interval.
func Every(interval time.Duration) cron.Schedule {
	return cron.Every(interval)
}

// Next returns the next fire time after the given time.
func Next(schedule cron.Schedule, after time.Time) time.Time {
	return schedule.Next(after)
}

// Wait sleeps until the deadline or until the context is cancelled,
// whichever comes first. A past deadline returns immediately.
func Wait(ctx context.Context, until time.Time) error {
	d := time.Until(until)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
