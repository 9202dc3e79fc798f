package schedule

import (
	"fmt"
	"strings"
	"time"

	"cadence/internal/domain"
)

// Completion is one "done" action against an obligation.
type Completion struct {
	At   time.Time
	Note string
	Cost *float64
	// AsOf is the current time. When set, completions after it are rejected.
	AsOf time.Time
}

// RecordCompletion returns the updated obligation and the log entry to append.
// The completion must not predate the obligation and must strictly advance
// last_completed_at; recording the same instant twice is rejected. The manual
// override is consumed. Group membership is left alone. A completion later
// than c.AsOf is rejected.
func RecordCompletion(o domain.Obligation, c Completion, newID IDFunc) (domain.Obligation, domain.CompletionLogEntry, error) {
	if !c.AsOf.IsZero() && c.At.After(c.AsOf) {
		return o, domain.CompletionLogEntry{}, fmt.Errorf("%w: completed %s, now %s",
			ErrFutureCompletion, c.At.UTC().Format(time.RFC3339), c.AsOf.UTC().Format(time.RFC3339))
	}
	if c.At.Before(o.CreatedAt) {
		return o, domain.CompletionLogEntry{}, fmt.Errorf("%w: completed %s, created %s",
			ErrCompletionBeforeCreation, c.At.UTC().Format(time.RFC3339), o.CreatedAt.UTC().Format(time.RFC3339))
	}
	if o.LastCompletedAt != nil && !c.At.After(*o.LastCompletedAt) {
		return o, domain.CompletionLogEntry{}, fmt.Errorf("%w: completed %s, last completion %s",
			ErrStaleCompletion, c.At.UTC().Format(time.RFC3339), o.LastCompletedAt.UTC().Format(time.RFC3339))
	}
	updated := clone(o)
	at := c.At
	updated.LastCompletedAt = &at
	updated.ManualDueAt = nil

	entry := domain.CompletionLogEntry{
		ID:           newID.Next(),
		ObligationID: o.ID,
		CompletedAt:  at,
		Note:         strings.TrimSpace(c.Note),
	}
	if c.Cost != nil {
		cost := *c.Cost
		entry.Cost = &cost
	}
	return updated, entry, nil
}

// clone copies o so that no pointer field is shared with the input.
func clone(o domain.Obligation) domain.Obligation {
	out := o
	if o.IntervalDays != nil {
		v := *o.IntervalDays
		out.IntervalDays = &v
	}
	if o.ManualDueAt != nil {
		v := *o.ManualDueAt
		out.ManualDueAt = &v
	}
	if o.LastCompletedAt != nil {
		v := *o.LastCompletedAt
		out.LastCompletedAt = &v
	}
	if o.GroupID != nil {
		v := *o.GroupID
		out.GroupID = &v
	}
	if o.SequenceNumber != nil {
		v := *o.SequenceNumber
		out.SequenceNumber = &v
	}
	return out
}
