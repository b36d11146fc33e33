package cycle

import (
	"fmt"
	"time"

	"github.com/iurnickita/offerbilling/internal/model"
)

// Schedule maps instants to billing periods. A period is one calendar day in
// the configured timezone that starts at the cutover time of day.
type Schedule struct {
	loc    *time.Location
	hour   int
	minute int
}

func NewSchedule(cutover string, timezone string) (Schedule, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return Schedule{}, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	at, err := time.Parse("15:04", cutover)
	if err != nil {
		return Schedule{}, fmt.Errorf("parse cutover %q: %w", cutover, err)
	}
	return Schedule{loc: loc, hour: at.Hour(), minute: at.Minute()}, nil
}

func (s Schedule) cutoverOn(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, s.hour, s.minute, 0, 0, s.loc)
}

// PeriodAt returns the period that contains t.
func (s Schedule) PeriodAt(t time.Time) string {
	local := t.In(s.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	if t.Before(s.cutoverOn(local.Year(), local.Month(), local.Day())) {
		day = day.AddDate(0, 0, -1)
	}
	return day.Format(model.PeriodLayout)
}

// NextCutover returns the first cutover instant strictly after t.
func (s Schedule) NextCutover(t time.Time) time.Time {
	local := t.In(s.loc)
	next := s.cutoverOn(local.Year(), local.Month(), local.Day())
	if !next.After(t) {
		next = s.cutoverOn(local.Year(), local.Month(), local.Day()+1)
	}
	return next
}

// PeriodStart returns the cutover instant that opens the period.
func (s Schedule) PeriodStart(period string) (time.Time, error) {
	day, err := time.Parse(model.PeriodLayout, period)
	if err != nil {
		return time.Time{}, err
	}
	return s.cutoverOn(day.Year(), day.Month(), day.Day()), nil
}
