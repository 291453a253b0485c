// Package clock evaluates standard 5-field cron expressions against a
// per-user timezone, the math consumed by the Scheduled-job and Briefing
// pollers (SPEC_FULL.md §4, C4).
package clock

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// parser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Location resolves a timezone name to a *time.Location, defaulting to
// UTC for an empty name and surfacing a wrapped error for an unknown one.
func Location(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return loc, nil
}

// NextRun returns the next time the cron expression fires at or after
// after, evaluated in loc. A schedule like "0 9 * * *" fires at 09:00 in
// loc's wall-clock time regardless of the server's own zone.
func NextRun(cronExpr string, loc *time.Location, after time.Time) (time.Time, error) {
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(after.In(loc)), nil
}

// IsDue reports whether a schedule last fired at lastRun (the zero Time
// if it has never fired) should fire again at or before now. Missed
// fires while the daemon was down coalesce into a single trigger: IsDue
// only reports whether at least one occurrence has passed, not how many.
func IsDue(cronExpr string, loc *time.Location, lastRun, now time.Time) (bool, time.Time, error) {
	anchor := lastRun
	if anchor.IsZero() {
		// Never fired: the anchor is far enough in the past that the very
		// first scheduled occurrence counts as due, rather than waiting a
		// full period from job-creation time.
		anchor = now.Add(-366 * 24 * time.Hour)
	}
	next, err := NextRun(cronExpr, loc, anchor)
	if err != nil {
		return false, time.Time{}, err
	}
	if next.After(now) {
		return false, next, nil
	}
	return true, next, nil
}

// Validate reports whether a cron expression parses, used to reject a
// malformed expression at ScheduledJob creation time rather than at the
// next tick.
func Validate(cronExpr string) error {
	_, err := parser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return nil
}
