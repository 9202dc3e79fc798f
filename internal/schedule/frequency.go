package schedule

import (
	"fmt"
	"strings"
	"time"

	"cadence/internal/domain"
)

// RuleKind says which input produces due dates for an obligation.
type RuleKind string

const (
	RuleInterval RuleKind = "interval"
	RuleManual   RuleKind = "manual"
	RuleLabel    RuleKind = "label"
	RuleNone     RuleKind = "none"
)

// Frequency is the normalized recurrence rule of an obligation.
// A rule without an interval is always one-off.
type Frequency struct {
	IntervalDays *int
	Label        string
	OneOff       bool
}

// NewFrequency validates raw recurrence input. The label is descriptive only.
func NewFrequency(intervalDays *int, label string, manualDue *time.Time, oneOff bool) (Frequency, error) {
	label = strings.TrimSpace(label)
	if intervalDays != nil {
		if *intervalDays <= 0 {
			return Frequency{}, fmt.Errorf("%w: interval_days must be positive, got %d", ErrInvalidFrequency, *intervalDays)
		}
		if *intervalDays > MaxIntervalDays {
			return Frequency{}, fmt.Errorf("%w: interval_days must be at most %d, got %d", ErrInvalidFrequency, MaxIntervalDays, *intervalDays)
		}
		if oneOff {
			return Frequency{}, fmt.Errorf("%w: one-off obligations cannot have interval_days", ErrInvalidFrequency)
		}
		d := *intervalDays
		return Frequency{IntervalDays: &d, Label: label}, nil
	}
	if manualDue == nil && !oneOff {
		return Frequency{}, fmt.Errorf("%w: interval_days or manual_due_date required unless one-off", ErrInvalidFrequency)
	}
	return Frequency{Label: label, OneOff: true}, nil
}

// FrequencyOf reads the stored rule of an obligation without validating it.
func FrequencyOf(o domain.Obligation) Frequency {
	f := Frequency{Label: o.FrequencyLabel, OneOff: o.OneOff}
	if o.IntervalDays != nil {
		d := *o.IntervalDays
		f.IntervalDays = &d
	}
	return f
}

// Apply writes the rule onto a copy of o.
func (f Frequency) Apply(o domain.Obligation) domain.Obligation {
	o.FrequencyLabel = f.Label
	o.OneOff = f.OneOff
	o.IntervalDays = nil
	if f.IntervalDays != nil {
		d := *f.IntervalDays
		o.IntervalDays = &d
	}
	return o
}

// Kind reports how due dates are produced given the current override.
func (f Frequency) Kind(manualDue *time.Time) RuleKind {
	switch {
	case manualDue != nil:
		return RuleManual
	case f.IntervalDays != nil:
		return RuleInterval
	case f.Label != "":
		return RuleLabel
	default:
		return RuleNone
	}
}

// Validate checks the stored recurrence of an existing obligation.
func Validate(o domain.Obligation) error {
	if strings.TrimSpace(o.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidObligation)
	}
	if o.IntervalDays != nil {
		if *o.IntervalDays <= 0 {
			return fmt.Errorf("%w: interval_days must be positive, got %d", ErrInvalidFrequency, *o.IntervalDays)
		}
		if *o.IntervalDays > MaxIntervalDays {
			return fmt.Errorf("%w: interval_days must be at most %d, got %d", ErrInvalidFrequency, MaxIntervalDays, *o.IntervalDays)
		}
		if o.OneOff {
			return fmt.Errorf("%w: one-off obligations cannot have interval_days", ErrInvalidFrequency)
		}
		return nil
	}
	if !o.OneOff && o.ManualDueAt == nil {
		return fmt.Errorf("%w: interval_days or manual_due_date required unless one-off", ErrInvalidFrequency)
	}
	return nil
}
