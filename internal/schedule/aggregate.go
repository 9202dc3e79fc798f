package schedule

import (
	"strings"
	"time"

	"cadence/internal/domain"
)

// Windows maps categories to due-soon windows in days.
type Windows struct {
	Default    int
	ByCategory map[string]int
}

// For returns the window for category, falling back to Default.
func (w Windows) For(category string) int {
	if d, ok := w.ByCategory[Bucket(category)]; ok {
		return d
	}
	return w.Default
}

// Bucket is the roll-up key for a category.
func Bucket(category string) string {
	category = strings.TrimSpace(category)
	if category == "" {
		return domain.UncategorizedBucket
	}
	return category
}

type Counts struct {
	Total   int `json:"total"`
	Overdue int `json:"overdue"`
	DueSoon int `json:"due_soon"`
	OK      int `json:"ok"`
	Unknown int `json:"unknown"`
}

// Aggregate classifies every obligation with its category's window and folds
// the results per category. Uncategorized obligations land in their own bucket.
func Aggregate(obligations []domain.Obligation, now time.Time, windows Windows) map[string]Counts {
	out := make(map[string]Counts)
	for _, o := range obligations {
		key := Bucket(o.Category)
		c := out[key]
		c.Total++
		switch Evaluate(o, now, windows.For(o.Category)).Status {
		case domain.StatusOverdue:
			c.Overdue++
		case domain.StatusDueSoon:
			c.DueSoon++
		case domain.StatusOK:
			c.OK++
		default:
			c.Unknown++
		}
		out[key] = c
	}
	return out
}
