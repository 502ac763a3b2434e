package retention

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
)

// Schedule is when sweeps run: a cron expression ("*/15 * * * *",
// "@hourly") or a plain interval ("10m").
type Schedule struct {
	Kind     string
	CronExpr string
	Interval time.Duration
}

func ParseSchedule(raw string) (Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Schedule{}, fmt.Errorf("empty sweep schedule")
	}

	if d, err := time.ParseDuration(raw); err == nil {
		if d <= 0 {
			return Schedule{}, fmt.Errorf("sweep interval must be positive, got %v", d)
		}
		return Schedule{Kind: KindInterval, Interval: d}, nil
	}

	if !gronx.New().IsValid(raw) {
		return Schedule{}, fmt.Errorf("invalid sweep schedule: not a duration or cron expression: %s", raw)
	}
	return Schedule{Kind: KindCron, CronExpr: raw}, nil
}

// Next returns the first run strictly after now.
func (s Schedule) Next(now time.Time) (time.Time, error) {
	switch s.Kind {
	case KindInterval:
		return now.Add(s.Interval), nil
	case KindCron:
		next, err := gronx.NextTickAfter(s.CronExpr, now, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("next tick of %q: %w", s.CronExpr, err)
		}
		return next, nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
}

func (s Schedule) String() string {
	if s.Kind == KindInterval {
		return "every " + s.Interval.String()
	}
	return s.CronExpr
}

// NextRun parses expr and returns its first run after now.
func NextRun(expr string, now time.Time) (time.Time, error) {
	s, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(now)
}
