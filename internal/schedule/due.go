package schedule

import (
	"time"

	"cadence/internal/domain"
)

// NextDue returns when an obligation is next due, or nil when nothing can be
// computed. A manual due date always wins. Interval arithmetic is in calendar
// days in the location of lastCompletedAt, so wall-clock time survives DST.
// An interval obligation that was never completed has no due date.
func NextDue(lastCompletedAt *time.Time, intervalDays *int, manualDueAt *time.Time) *time.Time {
	if manualDueAt != nil {
		due := *manualDueAt
		return &due
	}
	if intervalDays == nil || *intervalDays <= 0 || lastCompletedAt == nil {
		return nil
	}
	due := lastCompletedAt.AddDate(0, 0, *intervalDays)
	return &due
}

// NextDueIn computes NextDue for o with calendar arithmetic done in loc.
func NextDueIn(o domain.Obligation, loc *time.Location) *time.Time {
	last := o.LastCompletedAt
	if last != nil && loc != nil {
		l := last.In(loc)
		last = &l
	}
	return NextDue(last, o.IntervalDays, o.ManualDueAt)
}
