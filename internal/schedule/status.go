package schedule

import (
	"time"

	"cadence/internal/domain"
)

// Classify buckets a due date relative to now. Comparison is by calendar day
// in now's location: a date due today is DueSoon, never Overdue, and the
// DueSoon window [today, today+windowDays] is inclusive on both ends.
// Negative windows are treated as zero.
func Classify(nextDue *time.Time, now time.Time, windowDays int) domain.Status {
	if nextDue == nil {
		return domain.StatusUnknown
	}
	if windowDays < 0 {
		windowDays = 0
	}
	today := civilUTC(now)
	due := civilUTC(nextDue.In(now.Location()))
	switch {
	case due.Before(today):
		// Overdue only from the day after the due date; a due time earlier
		// today is still DueSoon.
		return domain.StatusOverdue
	case !due.After(today.AddDate(0, 0, windowDays)):
		return domain.StatusDueSoon
	default:
		return domain.StatusOK
	}
}

// DaysUntil is the signed calendar-day distance from now to nextDue.
func DaysUntil(nextDue *time.Time, now time.Time) *int {
	if nextDue == nil {
		return nil
	}
	from := civilUTC(now)
	to := civilUTC(nextDue.In(now.Location()))
	days := int(to.Sub(from).Hours() / 24)
	return &days
}

// Evaluation is the derived scheduling state of one obligation.
type Evaluation struct {
	NextDueAt *time.Time    `json:"next_due_at,omitempty" format:"date-time"`
	DaysUntil *int          `json:"days_until,omitempty"`
	Status    domain.Status `json:"status"`
}

// Evaluate derives next due date and status for o, using now's location for
// calendar arithmetic.
func Evaluate(o domain.Obligation, now time.Time, windowDays int) Evaluation {
	next := NextDueIn(o, now.Location())
	return Evaluation{
		NextDueAt: next,
		DaysUntil: DaysUntil(next, now),
		Status:    Classify(next, now, windowDays),
	}
}

// civilUTC maps the local calendar date of t onto UTC midnight so that
// subtraction yields whole days regardless of DST transitions.
func civilUTC(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
