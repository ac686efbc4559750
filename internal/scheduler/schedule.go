package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	cron "github.com/netresearch/go-cron"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule says when compaction passes run.
type Schedule struct {
	expr  string
	sched cron.Schedule
}

// ParseSchedule accepts a 5-field cron expression ("*/15 * * * *") or a
// descriptor ("@hourly", "@every 10m").
func ParseSchedule(expr string) (*Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty compaction schedule")
	}
	sched, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("compaction schedule %q: %w", expr, err)
	}
	return &Schedule{expr: expr, sched: sched}, nil
}

// Next returns the first activation strictly after t.
func (s *Schedule) Next(t time.Time) time.Time { return s.sched.Next(t) }

// Upcoming returns the next n activations after t.
func (s *Schedule) Upcoming(t time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	for range n {
		t = s.sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

func (s *Schedule) String() string { return s.expr }
