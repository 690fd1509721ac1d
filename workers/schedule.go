package workers

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule computes the next run time of a worker.
type Schedule interface {
	Next(time.Time) time.Time
}

type cronSchedule struct {
	schedule cron.Schedule
}

func (cs *cronSchedule) Next(t time.Time) time.Time {
	return cs.schedule.Next(t)
}

// ParseSchedule accepts cron expressions (5 or 6 field) and Go duration
// strings ("15m", "1h30m").
func ParseSchedule(schedule string) (Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("schedule string is empty")
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cronSched, err := parser.Parse(schedule)
	if err == nil {
		return &cronSchedule{schedule: cronSched}, nil
	}

	duration, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q as cron expression or duration: %w", schedule, err)
	}
	return &cronSchedule{schedule: cron.ConstantDelaySchedule{Delay: duration}}, nil
}
