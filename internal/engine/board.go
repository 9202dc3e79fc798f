package engine

import (
	"context"
	"sort"
	"time"

	"cadence/internal/domain"
	"cadence/internal/repo"
	"cadence/internal/schedule"
)

type BoardFilters struct {
	Category string
	GroupID  string
	Status   domain.Status
}

var statusRank = map[domain.Status]int{
	domain.StatusOverdue: 0,
	domain.StatusDueSoon: 1,
	domain.StatusOK:      2,
	domain.StatusUnknown: 3,
}

// Board lists obligations with derived status, most urgent first: by status,
// then by next due date, then by name.
func (e Engine) Board(ctx context.Context, f BoardFilters) ([]ObligationView, error) {
	list, err := e.Repo.ListObligations(ctx, repo.ObligationFilters{Category: f.Category, GroupID: f.GroupID})
	if err != nil {
		return nil, err
	}
	now := e.clock()
	windows := e.cfg().DueSoonWindows()
	views := make([]ObligationView, 0, len(list))
	for _, o := range list {
		v := e.viewAt(o, now, windows)
		if f.Status != "" && v.Status != f.Status {
			continue
		}
		views = append(views, v)
	}
	sort.SliceStable(views, func(i, j int) bool {
		a, b := views[i], views[j]
		if statusRank[a.Status] != statusRank[b.Status] {
			return statusRank[a.Status] < statusRank[b.Status]
		}
		switch {
		case a.NextDueAt != nil && b.NextDueAt != nil && !a.NextDueAt.Equal(*b.NextDueAt):
			return a.NextDueAt.Before(*b.NextDueAt)
		case (a.NextDueAt == nil) != (b.NextDueAt == nil):
			return a.NextDueAt != nil
		}
		return a.Name < b.Name
	})
	return views, nil
}

type SummaryFilters struct {
	Category string
}

type Summary struct {
	AsOf       time.Time                  `json:"as_of" format:"date-time"`
	Timezone   string                     `json:"timezone"`
	Categories map[string]schedule.Counts `json:"categories"`
	Total      schedule.Counts            `json:"total"`
}

// Summary rolls obligations up per category with each category's window.
func (e Engine) Summary(ctx context.Context, f SummaryFilters) (Summary, error) {
	list, err := e.Repo.ListObligations(ctx, repo.ObligationFilters{Category: f.Category})
	if err != nil {
		return Summary{}, err
	}
	cfg := e.cfg()
	now := e.clock()
	counts := schedule.Aggregate(list, now, cfg.DueSoonWindows())
	var total schedule.Counts
	for _, c := range counts {
		total.Total += c.Total
		total.Overdue += c.Overdue
		total.DueSoon += c.DueSoon
		total.OK += c.OK
		total.Unknown += c.Unknown
	}
	return Summary{AsOf: now, Timezone: now.Location().String(), Categories: counts, Total: total}, nil
}

type History struct {
	ObligationID string                      `json:"obligation_id"`
	Entries      []domain.CompletionLogEntry `json:"entries"`
	Summary      domain.CompletionSummary    `json:"summary"`
}

// History returns the completion log of an obligation, newest first. The log
// of a deleted obligation is still returned.
func (e Engine) History(ctx context.Context, id string, limit int) (History, error) {
	entries, err := e.Repo.ListCompletions(ctx, id, limit)
	if err != nil {
		return History{}, err
	}
	summary, err := e.Repo.CompletionSummary(ctx, id)
	if err != nil {
		return History{}, err
	}
	return History{ObligationID: id, Entries: entries, Summary: summary}, nil
}

// Log returns audit events newest first.
func (e Engine) Log(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}
