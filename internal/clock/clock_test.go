package clock

import (
	"testing"
	"time"
)

func TestNextRunEvaluatesInLocation(t *testing.T) {
	loc, err := Location("America/New_York")
	if err != nil {
		t.Fatalf("Location: %v", err)
	}
	// 9am every day, starting from midnight UTC (which is 7pm the prior
	// day in New York during EDT).
	after := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	next, err := NextRun("0 9 * * *", loc, after)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	if next.In(loc).Hour() != 9 {
		t.Errorf("expected 9am in location, got %v", next.In(loc))
	}
}

func TestIsDueNeverFiredCountsFirstOccurrenceAsDue(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	due, next, err := IsDue("* * * * *", time.UTC, time.Time{}, now)
	if err != nil {
		t.Fatalf("IsDue: %v", err)
	}
	if !due {
		t.Errorf("expected a job that has never fired to be due")
	}
	if next.After(now) {
		t.Errorf("expected next run not after now, got %v", next)
	}
}

func TestIsDueRespectsLastRun(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	lastRun := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	due, _, err := IsDue("0 9 * * *", time.UTC, lastRun, now)
	if err != nil {
		t.Fatalf("IsDue: %v", err)
	}
	if due {
		t.Errorf("expected a daily 9am job that ran at noon today not to be due again before tomorrow")
	}
}

func TestIsDueFiresAfterMissedWindow(t *testing.T) {
	lastRun := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	due, next, err := IsDue("0 9 * * *", time.UTC, lastRun, now)
	if err != nil {
		t.Fatalf("IsDue: %v", err)
	}
	if !due {
		t.Errorf("expected job with a missed fire to be due")
	}
	if next.After(now) {
		t.Errorf("expected coalesced next run not after now, got %v", next)
	}
}

func TestValidateRejectsMalformedExpression(t *testing.T) {
	if err := Validate("not a cron expression"); err == nil {
		t.Errorf("expected an error for a malformed cron expression")
	}
	if err := Validate("0 9 * * *"); err != nil {
		t.Errorf("expected valid expression to pass, got %v", err)
	}
}
