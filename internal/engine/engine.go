package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"cadence/internal/config"
	"cadence/internal/domain"
	"cadence/internal/events"
	"cadence/internal/repo"
	"cadence/internal/schedule"
)

const entityObligation = "obligation"

type Engine struct {
	DB     *sqlx.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Live
	Now    func() time.Time
	NewID  schedule.IDFunc
	Logger *slog.Logger
}

func New(conn *sqlx.DB, cfg *config.Live) Engine {
	return Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Events: events.Writer{Now: time.Now},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) cfg() *config.Config {
	return e.Config.Load()
}

// clock is now in the configured timezone; all calendar-day math uses it.
func (e Engine) clock() time.Time {
	return e.now().In(e.cfg().Location())
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (e Engine) eventWriter() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// ObligationView is an obligation with its derived schedule as of now.
type ObligationView struct {
	domain.Obligation
	schedule.Evaluation
	Rule       schedule.RuleKind `json:"rule"`
	WindowDays int               `json:"window_days"`
}

// View derives next due date and status for o from the active config.
func (e Engine) View(o domain.Obligation) ObligationView {
	return e.viewAt(o, e.clock(), e.cfg().DueSoonWindows())
}

func (e Engine) viewAt(o domain.Obligation, now time.Time, windows schedule.Windows) ObligationView {
	window := windows.For(o.Category)
	return ObligationView{
		Obligation: o,
		Evaluation: schedule.Evaluate(o, now, window),
		Rule:       schedule.FrequencyOf(o).Kind(o.ManualDueAt),
		WindowDays: window,
	}
}

// CreateOptions are parameters for creating an obligation.
type CreateOptions struct {
	ID             string
	Category       string
	Name           string
	Description    string
	Notes          string
	IntervalDays   *int
	FrequencyLabel string
	OneOff         bool
	ManualDueAt    *time.Time
	ActorID        string
}

func (e Engine) CreateObligation(ctx context.Context, opts CreateOptions) (ObligationView, error) {
	freq, err := schedule.NewFrequency(opts.IntervalDays, opts.FrequencyLabel, opts.ManualDueAt, opts.OneOff)
	if err != nil {
		e.log().Debug("obligation rejected", "name", opts.Name, "err", err)
		return ObligationView{}, err
	}
	now := e.now().UTC()
	id := opts.ID
	if id == "" {
		id = e.NewID.Next()
	}
	o := freq.Apply(domain.Obligation{
		ID:          id,
		Category:    strings.TrimSpace(opts.Category),
		Name:        strings.TrimSpace(opts.Name),
		Description: opts.Description,
		Notes:       opts.Notes,
		ManualDueAt: copyTime(opts.ManualDueAt),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err := schedule.Validate(o); err != nil {
		e.log().Debug("obligation rejected", "name", opts.Name, "err", err)
		return ObligationView{}, err
	}
	err = e.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := e.Repo.InsertObligationTx(ctx, tx, o); err != nil {
			return fmt.Errorf("insert obligation: %w", err)
		}
		return e.eventWriter().Append(ctx, tx, events.ObligationCreated, entityObligation, o.ID, opts.ActorID, events.EventPayload{
			"name":          o.Name,
			"category":      o.Category,
			"interval_days": o.IntervalDays,
			"one_off":       o.OneOff,
		})
	})
	if err != nil {
		return ObligationView{}, err
	}
	e.log().Info("obligation created", "id", o.ID, "category", o.Category)
	return e.View(o), nil
}

// UpdateOptions changes descriptive fields and the recurrence rule. Nil
// fields are left as they are. Setting IntervalDays makes the obligation
// recurring; ClearInterval or OneOff=true makes it one-off.
type UpdateOptions struct {
	ID             string
	Name           *string
	Category       *string
	Description    *string
	Notes          *string
	IntervalDays   *int
	ClearInterval  bool
	FrequencyLabel *string
	OneOff         *bool
	ActorID        string
}

func (e Engine) UpdateObligation(ctx context.Context, opts UpdateOptions) (ObligationView, error) {
	var updated domain.Obligation
	err := e.withTx(ctx, func(tx *sqlx.Tx) error {
		o, err := e.getTx(ctx, tx, opts.ID)
		if err != nil {
			return err
		}
		changed := map[string]any{}
		if opts.Name != nil {
			o.Name = strings.TrimSpace(*opts.Name)
			changed["name"] = o.Name
		}
		if opts.Category != nil {
			o.Category = strings.TrimSpace(*opts.Category)
			changed["category"] = o.Category
		}
		if opts.Description != nil {
			o.Description = *opts.Description
			changed["description"] = o.Description
		}
		if opts.Notes != nil {
			o.Notes = *opts.Notes
			changed["notes"] = o.Notes
		}

		interval := o.IntervalDays
		oneOff := o.OneOff
		label := o.FrequencyLabel
		if opts.FrequencyLabel != nil {
			label = *opts.FrequencyLabel
			changed["frequency_label"] = label
		}
		if opts.ClearInterval || (opts.OneOff != nil && *opts.OneOff) {
			interval = nil
			oneOff = true
		}
		if opts.OneOff != nil && !*opts.OneOff {
			oneOff = false
		}
		if opts.IntervalDays != nil {
			interval = opts.IntervalDays
			oneOff = false
			changed["interval_days"] = *opts.IntervalDays
		}
		if interval == nil && o.IntervalDays != nil {
			changed["interval_days"] = nil
		}
		freq, err := schedule.NewFrequency(interval, label, o.ManualDueAt, oneOff)
		if err != nil {
			return err
		}
		o = freq.Apply(o)
		changed["one_off"] = o.OneOff
		if err := schedule.Validate(o); err != nil {
			return err
		}
		o.UpdatedAt = e.now().UTC()
		if err := e.Repo.UpdateObligationTx(ctx, tx, o); err != nil {
			return fmt.Errorf("update obligation: %w", err)
		}
		if err := e.eventWriter().Append(ctx, tx, events.ObligationUpdated, entityObligation, o.ID, opts.ActorID, changed); err != nil {
			return err
		}
		updated = o
		return nil
	})
	if err != nil {
		e.log().Debug("obligation update rejected", "id", opts.ID, "err", err)
		return ObligationView{}, err
	}
	e.log().Info("obligation updated", "id", updated.ID)
	return e.View(updated), nil
}

// SetManualDue sets the override when due is non-nil and clears it otherwise.
func (e Engine) SetManualDue(ctx context.Context, id string, due *time.Time, actorID string) (ObligationView, error) {
	var updated domain.Obligation
	err := e.withTx(ctx, func(tx *sqlx.Tx) error {
		o, err := e.getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		o.ManualDueAt = copyTime(due)
		if err := schedule.Validate(o); err != nil {
			return err
		}
		o.UpdatedAt = e.now().UTC()
		if err := e.Repo.UpdateObligationTx(ctx, tx, o); err != nil {
			return fmt.Errorf("update obligation: %w", err)
		}
		evtType := events.ObligationOverrideCleared
		payload := events.EventPayload{}
		if due != nil {
			evtType = events.ObligationOverrideSet
			payload["manual_due_at"] = due.UTC().Format(time.RFC3339)
		}
		if err := e.eventWriter().Append(ctx, tx, evtType, entityObligation, o.ID, actorID, payload); err != nil {
			return err
		}
		updated = o
		return nil
	})
	if err != nil {
		return ObligationView{}, err
	}
	e.log().Info("manual due date changed", "id", id, "cleared", due == nil)
	return e.View(updated), nil
}

// CompleteOptions records one completion. A nil At means now.
type CompleteOptions struct {
	ID      string
	At      *time.Time
	Note    string
	Cost    *float64
	ActorID string
}

type CompletionResult struct {
	Obligation ObligationView            `json:"obligation"`
	Entry      domain.CompletionLogEntry `json:"entry"`
}

func (e Engine) Complete(ctx context.Context, opts CompleteOptions) (CompletionResult, error) {
	now := e.now()
	at := now
	if opts.At != nil {
		at = *opts.At
	}
	var (
		updated domain.Obligation
		entry   domain.CompletionLogEntry
	)
	err := e.withTx(ctx, func(tx *sqlx.Tx) error {
		o, err := e.getTx(ctx, tx, opts.ID)
		if err != nil {
			return err
		}
		updated, entry, err = schedule.RecordCompletion(o, schedule.Completion{At: at, Note: opts.Note, Cost: opts.Cost, AsOf: now}, e.NewID)
		if err != nil {
			return err
		}
		updated.UpdatedAt = e.now().UTC()
		if err := e.Repo.UpdateObligationTx(ctx, tx, updated); err != nil {
			return fmt.Errorf("update obligation: %w", err)
		}
		if err := e.Repo.InsertCompletionTx(ctx, tx, entry); err != nil {
			return fmt.Errorf("insert completion: %w", err)
		}
		payload := events.EventPayload{
			"completion_id": entry.ID,
			"completed_at":  entry.CompletedAt.UTC().Format(time.RFC3339),
		}
		if o.ManualDueAt != nil {
			payload["override_consumed"] = true
		}
		if entry.Cost != nil {
			payload["cost"] = *entry.Cost
		}
		return e.eventWriter().Append(ctx, tx, events.CompletionRecorded, entityObligation, o.ID, opts.ActorID, payload)
	})
	if err != nil {
		e.log().Debug("completion rejected", "id", opts.ID, "err", err)
		return CompletionResult{}, err
	}
	e.log().Info("completion recorded", "id", updated.ID, "completion_id", entry.ID)
	return CompletionResult{Obligation: e.View(updated), Entry: entry}, nil
}

// DeleteObligation removes one obligation. Siblings in its group and its
// completion log are kept.
func (e Engine) DeleteObligation(ctx context.Context, id, actorID string) error {
	err := e.withTx(ctx, func(tx *sqlx.Tx) error {
		o, err := e.getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := e.Repo.DeleteObligationTx(ctx, tx, id); err != nil {
			return err
		}
		payload := events.EventPayload{"name": o.Name}
		if o.GroupID != nil {
			payload["group_id"] = *o.GroupID
		}
		return e.eventWriter().Append(ctx, tx, events.ObligationDeleted, entityObligation, id, actorID, payload)
	})
	if err != nil {
		return err
	}
	e.log().Info("obligation deleted", "id", id)
	return nil
}

// SuccessionOptions describe the template and cadence of a series.
type SuccessionOptions struct {
	Category       string
	Name           string
	Description    string
	Notes          string
	FrequencyLabel string
	FirstDate      time.Time
	IntervalWeeks  int
	Count          int
	ActorID        string
}

type Succession struct {
	GroupID string           `json:"group_id"`
	Members []ObligationView `json:"members"`
}

// ExpandSuccession stores every member of a new series or none of them.
func (e Engine) ExpandSuccession(ctx context.Context, opts SuccessionOptions) (Succession, error) {
	template := domain.Obligation{
		Category:       strings.TrimSpace(opts.Category),
		Name:           strings.TrimSpace(opts.Name),
		Description:    opts.Description,
		Notes:          opts.Notes,
		FrequencyLabel: strings.TrimSpace(opts.FrequencyLabel),
		OneOff:         true,
		CreatedAt:      e.now().UTC(),
	}
	members, err := schedule.Expand(template, opts.FirstDate, opts.IntervalWeeks, opts.Count, e.NewID)
	if err != nil {
		e.log().Debug("succession rejected", "name", opts.Name, "err", err)
		return Succession{}, err
	}
	groupID := *members[0].GroupID
	err = e.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, m := range members {
			if err := e.Repo.InsertObligationTx(ctx, tx, m); err != nil {
				return fmt.Errorf("insert member %d: %w", *m.SequenceNumber, err)
			}
		}
		return e.eventWriter().Append(ctx, tx, events.SuccessionExpanded, "succession", groupID, opts.ActorID, events.EventPayload{
			"name":           template.Name,
			"count":          len(members),
			"interval_weeks": opts.IntervalWeeks,
			"first_date":     opts.FirstDate.UTC().Format(time.RFC3339),
		})
	})
	if err != nil {
		return Succession{}, err
	}
	e.log().Info("succession expanded", "group_id", groupID, "count", len(members))
	now := e.clock()
	windows := e.cfg().DueSoonWindows()
	res := Succession{GroupID: groupID, Members: make([]ObligationView, 0, len(members))}
	for _, m := range members {
		res.Members = append(res.Members, e.viewAt(m, now, windows))
	}
	return res, nil
}

// CancelGroup deletes every member of a series in one transaction and
// returns their ids. An unknown group is ErrGroupNotFound.
func (e Engine) CancelGroup(ctx context.Context, groupID, actorID string) ([]string, error) {
	var removed []string
	err := e.withTx(ctx, func(tx *sqlx.Tx) error {
		members, err := e.Repo.ListGroupTx(ctx, tx, groupID)
		if err != nil {
			return fmt.Errorf("list group: %w", err)
		}
		_, ids, err := schedule.CancelGroup(members, groupID)
		if err != nil {
			return err
		}
		n, err := e.Repo.DeleteObligationsTx(ctx, tx, ids)
		if err != nil {
			return fmt.Errorf("delete group members: %w", err)
		}
		if n != int64(len(ids)) {
			return fmt.Errorf("delete group members: removed %d of %d", n, len(ids))
		}
		if err := e.eventWriter().Append(ctx, tx, events.SuccessionCancelled, "succession", groupID, actorID, events.EventPayload{
			"obligation_ids": ids,
		}); err != nil {
			return err
		}
		removed = ids
		return nil
	})
	if err != nil {
		e.log().Debug("cancel group failed", "group_id", groupID, "err", err)
		return nil, err
	}
	e.log().Info("succession cancelled", "group_id", groupID, "count", len(removed))
	return removed, nil
}

func (e Engine) Get(ctx context.Context, id string) (ObligationView, error) {
	o, err := e.Repo.GetObligation(ctx, id)
	if err != nil {
		return ObligationView{}, notFound(id, err)
	}
	return e.View(o), nil
}

func (e Engine) getTx(ctx context.Context, tx *sqlx.Tx, id string) (domain.Obligation, error) {
	o, err := e.Repo.GetObligationTx(ctx, tx, id)
	if err != nil {
		return domain.Obligation{}, notFound(id, err)
	}
	return o, nil
}

func notFound(id string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("obligation %s: %w", id, repo.ErrNotFound)
	}
	return err
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
