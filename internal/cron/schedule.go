package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Schedule is a parsed cron expression such as "0 4 * * *" or
// "@every 30s", optionally evaluated in a time zone.
type Schedule struct {
	Expr     string
	Timezone string

	sched cron.Schedule
	loc   *time.Location
}

// ParseSchedule validates expr. An empty timezone evaluates the
// expression in the caller's clock location.
func ParseSchedule(expr, timezone string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Schedule{}, fmt.Errorf("schedule is required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	s := Schedule{Expr: expr, Timezone: strings.TrimSpace(timezone), sched: sched}
	if s.Timezone != "" {
		loc, err := time.LoadLocation(s.Timezone)
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
		}
		s.loc = loc
	}
	return s, nil
}

// Next returns the first activation strictly after now.
func (s Schedule) Next(now time.Time) time.Time {
	if s.sched == nil {
		return time.Time{}
	}
	if s.loc != nil {
		now = now.In(s.loc)
	}
	return s.sched.Next(now)
}
