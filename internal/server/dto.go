package server

import (
	"time"

	"cadence/internal/domain"
	"cadence/internal/engine"
)

// Request payloads

type CreateObligationRequest struct {
	ID             string     `json:"id,omitempty"`
	Category       string     `json:"category,omitempty" example:"equipment"`
	Name           string     `json:"name" example:"Replace bike chain"`
	Description    string     `json:"description,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	IntervalDays   *int       `json:"interval_days,omitempty" maximum:"36500" example:"90"`
	FrequencyLabel string     `json:"frequency_label,omitempty" example:"every 3 months"`
	OneOff         bool       `json:"one_off,omitempty"`
	ManualDueAt    *time.Time `json:"manual_due_at,omitempty" format:"date-time"`
}

type UpdateObligationRequest struct {
	Name           *string `json:"name,omitempty"`
	Category       *string `json:"category,omitempty"`
	Description    *string `json:"description,omitempty"`
	Notes          *string `json:"notes,omitempty"`
	IntervalDays   *int    `json:"interval_days,omitempty" maximum:"36500"`
	ClearInterval  bool    `json:"clear_interval,omitempty"`
	FrequencyLabel *string `json:"frequency_label,omitempty"`
	OneOff         *bool   `json:"one_off,omitempty"`
}

type SetManualDueRequest struct {
	DueAt time.Time `json:"due_at" format:"date-time"`
}

type CompleteRequest struct {
	CompletedAt *time.Time `json:"completed_at,omitempty" format:"date-time"`
	Note        string     `json:"note,omitempty"`
	Cost        *float64   `json:"cost,omitempty"`
}

type ExpandSuccessionRequest struct {
	Category       string    `json:"category,omitempty" example:"garden"`
	Name           string    `json:"name" example:"Sow lettuce"`
	Description    string    `json:"description,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	FrequencyLabel string    `json:"frequency_label,omitempty"`
	FirstDate      time.Time `json:"first_date" format:"date-time"`
	IntervalWeeks  int       `json:"interval_weeks" maximum:"520" example:"2"`
	Count          int       `json:"count" maximum:"520" example:"4"`
}

// Response payloads

type obligationList struct {
	Items []engine.ObligationView `json:"items"`
}

type CancelGroupResponse struct {
	GroupID    string   `json:"group_id"`
	RemovedIDs []string `json:"removed_ids"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}
