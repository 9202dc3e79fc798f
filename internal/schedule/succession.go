package schedule

import (
	"fmt"
	"strings"
	"time"

	"cadence/internal/domain"
)

// Expand generates count one-off obligations from template, due every
// intervalWeeks starting at firstDate, all sharing a fresh group id.
// Descriptive fields are copied; the template's interval is not, since
// members never recur. Either every member is returned or none is.
func Expand(template domain.Obligation, firstDate time.Time, intervalWeeks, count int, newID IDFunc) ([]domain.Obligation, error) {
	if count < 1 || count > MaxSuccessionCount {
		return nil, fmt.Errorf("%w: count must be between 1 and %d, got %d", ErrInvalidSuccessionParameters, MaxSuccessionCount, count)
	}
	if intervalWeeks < 1 || intervalWeeks > MaxSuccessionWeeks {
		return nil, fmt.Errorf("%w: interval_weeks must be between 1 and %d, got %d", ErrInvalidSuccessionParameters, MaxSuccessionWeeks, intervalWeeks)
	}
	if firstDate.IsZero() {
		return nil, fmt.Errorf("%w: first_date is required", ErrInvalidSuccessionParameters)
	}
	if strings.TrimSpace(template.Name) == "" {
		return nil, fmt.Errorf("%w: template name is required", ErrInvalidObligation)
	}
	if template.IntervalDays != nil && (*template.IntervalDays <= 0 || *template.IntervalDays > MaxIntervalDays) {
		return nil, fmt.Errorf("%w: template interval_days must be between 1 and %d, got %d", ErrInvalidFrequency, MaxIntervalDays, *template.IntervalDays)
	}

	groupID := newID.Next()
	members := make([]domain.Obligation, 0, count)
	for i := 0; i < count; i++ {
		due := firstDate.AddDate(0, 0, i*intervalWeeks*7)
		seq := i + 1
		gid := groupID
		m := domain.Obligation{
			ID:             newID.Next(),
			Category:       template.Category,
			Name:           template.Name,
			Description:    template.Description,
			Notes:          template.Notes,
			FrequencyLabel: template.FrequencyLabel,
			OneOff:         true,
			ManualDueAt:    &due,
			GroupID:        &gid,
			SequenceNumber: &seq,
			CreatedAt:      template.CreatedAt,
			UpdatedAt:      template.CreatedAt,
		}
		if err := Validate(m); err != nil {
			return nil, fmt.Errorf("member %d: %w", seq, err)
		}
		members = append(members, m)
	}
	return members, nil
}

// CancelGroup splits obligations into survivors and the ids of every member
// of groupID. No members means ErrGroupNotFound and nothing is removed.
func CancelGroup(obligations []domain.Obligation, groupID string) ([]domain.Obligation, []string, error) {
	var (
		kept    []domain.Obligation
		removed []string
	)
	for _, o := range obligations {
		if groupID != "" && o.GroupID != nil && *o.GroupID == groupID {
			removed = append(removed, o.ID)
			continue
		}
		kept = append(kept, o)
	}
	if len(removed) == 0 {
		return obligations, nil, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	return kept, removed, nil
}
