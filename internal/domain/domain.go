package domain

import "time"

// UncategorizedBucket is the roll-up key for obligations without a category.
const UncategorizedBucket = "uncategorized"

type Status string

const (
	StatusOK      Status = "ok"
	StatusDueSoon Status = "due_soon"
	StatusOverdue Status = "overdue"
	StatusUnknown Status = "unknown"
)

// Obligation is a tracked recurring or one-off item. Next due date and status
// are derived on read and never stored.
type Obligation struct {
	ID              string     `json:"id"`
	Category        string     `json:"category,omitempty"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	IntervalDays    *int       `json:"interval_days,omitempty"`
	FrequencyLabel  string     `json:"frequency_label,omitempty"`
	OneOff          bool       `json:"one_off"`
	ManualDueAt     *time.Time `json:"manual_due_at,omitempty" format:"date-time"`
	LastCompletedAt *time.Time `json:"last_completed_at,omitempty" format:"date-time"`
	GroupID         *string    `json:"group_id,omitempty"`
	SequenceNumber  *int       `json:"sequence_number,omitempty"`
	CreatedAt       time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt       time.Time  `json:"updated_at" format:"date-time"`
}

// CompletionLogEntry is an immutable record of one completion.
type CompletionLogEntry struct {
	ID           string    `json:"id"`
	ObligationID string    `json:"obligation_id"`
	CompletedAt  time.Time `json:"completed_at" format:"date-time"`
	Note         string    `json:"note,omitempty"`
	Cost         *float64  `json:"cost,omitempty"`
}

type CompletionSummary struct {
	Count     int     `json:"count"`
	TotalCost float64 `json:"total_cost"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
