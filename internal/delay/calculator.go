// Package delay computes the next eligible execution instant for delay
// nodes. All functions are pure: identical inputs always yield identical
// outputs, so a retried step can safely recompute its due time without
// double-delaying.
package delay

import (
	"fmt"
	"time"

	"github.com/relaycrm/campaign-engine/pkg/types"
)

// defaultBusinessDays is used when a business-hours window lists no days.
var defaultBusinessDays = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
}

// window is a parsed business-hours window.
type window struct {
	startMin int // Minutes since midnight.
	endMin   int
	days     map[time.Weekday]bool
}

func parseWindow(bh *types.BusinessHours) (*window, error) {
	if bh == nil {
		// 9-5 Mon-Fri when a delay asks for business hours but the
		// workflow configured none.
		bh = &types.BusinessHours{Start: "09:00", End: "17:00"}
	}
	start, err := parseClock(bh.Start)
	if err != nil {
		return nil, fmt.Errorf("business hours start: %w", err)
	}
	end, err := parseClock(bh.End)
	if err != nil {
		return nil, fmt.Errorf("business hours end: %w", err)
	}
	if end <= start {
		return nil, fmt.Errorf("business hours end %q not after start %q", bh.End, bh.Start)
	}
	days := bh.Days
	if len(days) == 0 {
		days = defaultBusinessDays
	}
	set := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		set[d] = true
	}
	return &window{startMin: start, endMin: end, days: set}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse clock value %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// DueAt computes when an enrollment waiting on the given delay becomes
// eligible again. The base instant is when the delay node executed;
// settings supply the workflow timezone and business-hours window.
func DueAt(base time.Time, cfg types.DelayConfig, settings types.Settings) (time.Time, error) {
	loc := time.UTC
	if settings.Timezone != "" {
		l, err := time.LoadLocation(settings.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("load timezone %q: %w", settings.Timezone, err)
		}
		loc = l
	}
	due := base.In(loc)

	if cfg.Unit == types.UnitBusinessHours {
		w, err := parseWindow(settings.BusinessHours)
		if err != nil {
			return time.Time{}, err
		}
		due = addBusinessMinutes(due, cfg.Amount*60, w)
	} else {
		var err error
		due, err = addNaive(due, cfg.Amount, cfg.Unit)
		if err != nil {
			return time.Time{}, err
		}
	}

	if cfg.SpecificTimeOfDay != "" {
		clock, err := parseClock(cfg.SpecificTimeOfDay)
		if err != nil {
			return time.Time{}, err
		}
		due = snapToClock(due, clock)
	}

	if cfg.SkipWeekends {
		for due.Weekday() == time.Saturday || due.Weekday() == time.Sunday {
			due = due.AddDate(0, 0, 1)
		}
	}

	if cfg.BusinessHoursOnly && cfg.Unit != types.UnitBusinessHours {
		w, err := parseWindow(settings.BusinessHours)
		if err != nil {
			return time.Time{}, err
		}
		due = rollIntoWindow(due, w)
	}

	return due.UTC(), nil
}

// addNaive adds amount of unit to t. Days and weeks use calendar
// arithmetic so a one-day delay lands at the same wall-clock time across
// DST transitions.
func addNaive(t time.Time, amount int, unit types.DelayUnit) (time.Time, error) {
	switch unit {
	case types.UnitMinutes:
		return t.Add(time.Duration(amount) * time.Minute), nil
	case types.UnitHours:
		return t.Add(time.Duration(amount) * time.Hour), nil
	case types.UnitDays:
		return t.AddDate(0, 0, amount), nil
	case types.UnitWeeks:
		return t.AddDate(0, 0, 7*amount), nil
	}
	return t, fmt.Errorf("unknown delay unit %q", unit)
}

// snapToClock moves t forward to the next occurrence of the given
// minutes-since-midnight clock value, at or after t.
func snapToClock(t time.Time, clockMin int) time.Time {
	snapped := time.Date(t.Year(), t.Month(), t.Day(), clockMin/60, clockMin%60, 0, 0, t.Location())
	if snapped.Before(t) {
		snapped = snapped.AddDate(0, 0, 1)
	}
	return snapped
}

// minutesIntoDay returns t's offset from midnight in minutes.
func minutesIntoDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// rollIntoWindow moves t forward to the start of the next open window if
// t falls outside one. A t already inside an open window is returned as is.
func rollIntoWindow(t time.Time, w *window) time.Time {
	if w.days[t.Weekday()] {
		m := minutesIntoDay(t)
		if m >= w.startMin && m < w.endMin {
			return t
		}
		if m < w.startMin {
			return startOfWindow(t, w)
		}
	}
	for i := 0; i < 8; i++ { // A week of days always contains an open one.
		t = t.AddDate(0, 0, 1)
		if w.days[t.Weekday()] {
			return startOfWindow(t, w)
		}
	}
	return t
}

func startOfWindow(t time.Time, w *window) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), w.startMin/60, w.startMin%60, 0, 0, t.Location())
}

// addBusinessMinutes advances t by the given number of countable minutes,
// counting only time inside the open window.
func addBusinessMinutes(t time.Time, minutes int, w *window) time.Time {
	cur := rollIntoWindow(t, w)
	remaining := minutes
	for remaining > 0 {
		closeAt := time.Date(cur.Year(), cur.Month(), cur.Day(), w.endMin/60, w.endMin%60, 0, 0, cur.Location())
		available := int(closeAt.Sub(cur) / time.Minute)
		if available >= remaining {
			return cur.Add(time.Duration(remaining) * time.Minute)
		}
		remaining -= available
		cur = rollIntoWindow(closeAt, w)
	}
	return cur
}
