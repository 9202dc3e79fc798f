package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"cadence/internal/db"
	"cadence/internal/domain"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Repo struct {
	DB *sqlx.DB
}

var ErrNotFound = errors.New("not found")

var obligationColumns = []string{
	"id", "category", "name", "description", "notes", "interval_days", "frequency_label", "one_off",
	"manual_due_at", "last_completed_at", "group_id", "sequence_number", "created_at", "updated_at",
}

type obligationRow struct {
	ID              string         `db:"id"`
	Category        string         `db:"category"`
	Name            string         `db:"name"`
	Description     sql.NullString `db:"description"`
	Notes           sql.NullString `db:"notes"`
	IntervalDays    sql.NullInt64  `db:"interval_days"`
	FrequencyLabel  sql.NullString `db:"frequency_label"`
	OneOff          bool           `db:"one_off"`
	ManualDueAt     sql.NullString `db:"manual_due_at"`
	LastCompletedAt sql.NullString `db:"last_completed_at"`
	GroupID         sql.NullString `db:"group_id"`
	SequenceNumber  sql.NullInt64  `db:"sequence_number"`
	CreatedAt       string         `db:"created_at"`
	UpdatedAt       string         `db:"updated_at"`
}

func (row obligationRow) toDomain() (domain.Obligation, error) {
	o := domain.Obligation{
		ID:             row.ID,
		Category:       row.Category,
		Name:           row.Name,
		Description:    row.Description.String,
		Notes:          row.Notes.String,
		FrequencyLabel: row.FrequencyLabel.String,
		OneOff:         row.OneOff,
	}
	if row.IntervalDays.Valid {
		v := int(row.IntervalDays.Int64)
		o.IntervalDays = &v
	}
	if row.SequenceNumber.Valid {
		v := int(row.SequenceNumber.Int64)
		o.SequenceNumber = &v
	}
	if row.GroupID.Valid {
		v := row.GroupID.String
		o.GroupID = &v
	}
	var err error
	if o.ManualDueAt, err = parseNullTime(row.ManualDueAt); err != nil {
		return o, fmt.Errorf("obligation %s manual_due_at: %w", row.ID, err)
	}
	if o.LastCompletedAt, err = parseNullTime(row.LastCompletedAt); err != nil {
		return o, fmt.Errorf("obligation %s last_completed_at: %w", row.ID, err)
	}
	if o.CreatedAt, err = parseTime(row.CreatedAt); err != nil {
		return o, fmt.Errorf("obligation %s created_at: %w", row.ID, err)
	}
	if o.UpdatedAt, err = parseTime(row.UpdatedAt); err != nil {
		return o, fmt.Errorf("obligation %s updated_at: %w", row.ID, err)
	}
	return o, nil
}

func obligationValues(o domain.Obligation) []any {
	return []any{
		o.ID, o.Category, o.Name, nullable(o.Description), nullable(o.Notes), nullableIntPtr(o.IntervalDays),
		nullable(o.FrequencyLabel), o.OneOff, nullableTime(o.ManualDueAt), nullableTime(o.LastCompletedAt),
		nullableStringPtr(o.GroupID), nullableIntPtr(o.SequenceNumber), formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
	}
}

func (r Repo) InsertObligationTx(ctx context.Context, tx *sqlx.Tx, o domain.Obligation) error {
	query, args, err := db.Builder(tx.DriverName()).
		Insert("obligations").
		Columns(obligationColumns...).
		Values(obligationValues(o)...).
		ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

// UpdateObligationTx overwrites every mutable column of o.
func (r Repo) UpdateObligationTx(ctx context.Context, tx *sqlx.Tx, o domain.Obligation) error {
	values := obligationValues(o)
	set := sq.Eq{}
	for i, col := range obligationColumns {
		if col == "id" || col == "created_at" {
			continue
		}
		set[col] = values[i]
	}
	query, args, err := db.Builder(tx.DriverName()).
		Update("obligations").
		SetMap(set).
		Where(sq.Eq{"id": o.ID}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetObligation(ctx context.Context, id string) (domain.Obligation, error) {
	return getObligation(ctx, r.DB, id)
}

func (r Repo) GetObligationTx(ctx context.Context, tx *sqlx.Tx, id string) (domain.Obligation, error) {
	return getObligation(ctx, tx, id)
}

func getObligation(ctx context.Context, q sqlx.ExtContext, id string) (domain.Obligation, error) {
	query, args, err := db.Builder(q.DriverName()).
		Select(obligationColumns...).
		From("obligations").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return domain.Obligation{}, err
	}
	var row obligationRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Obligation{}, ErrNotFound
		}
		return domain.Obligation{}, err
	}
	return row.toDomain()
}

type ObligationFilters struct {
	Category string
	GroupID  string
	Limit    int
}

func (r Repo) ListObligations(ctx context.Context, f ObligationFilters) ([]domain.Obligation, error) {
	return listObligations(ctx, r.DB, f)
}

// ListGroupTx returns the members of a succession group in sequence order.
func (r Repo) ListGroupTx(ctx context.Context, tx *sqlx.Tx, groupID string) ([]domain.Obligation, error) {
	return listObligations(ctx, tx, ObligationFilters{GroupID: groupID})
}

func listObligations(ctx context.Context, q sqlx.ExtContext, f ObligationFilters) ([]domain.Obligation, error) {
	sb := db.Builder(q.DriverName()).
		Select(obligationColumns...).
		From("obligations")
	if f.Category != "" {
		sb = sb.Where(sq.Eq{"category": f.Category})
	}
	if f.GroupID != "" {
		sb = sb.Where(sq.Eq{"group_id": f.GroupID}).OrderBy("sequence_number ASC", "id ASC")
	} else {
		sb = sb.OrderBy("category ASC", "name ASC", "id ASC")
	}
	if f.Limit > 0 {
		sb = sb.Limit(uint64(f.Limit))
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []obligationRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, err
	}
	res := make([]domain.Obligation, 0, len(rows))
	for _, row := range rows {
		o, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, nil
}

func (r Repo) DeleteObligationTx(ctx context.Context, tx *sqlx.Tx, id string) error {
	n, err := r.DeleteObligationsTx(ctx, tx, []string{id})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteObligationsTx removes all ids in one statement and reports how many went.
func (r Repo) DeleteObligationsTx(ctx context.Context, tx *sqlx.Tx, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := db.Builder(tx.DriverName()).
		Delete("obligations").
		Where(sq.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type completionRow struct {
	ID           string          `db:"id"`
	ObligationID string          `db:"obligation_id"`
	CompletedAt  string          `db:"completed_at"`
	Note         sql.NullString  `db:"note"`
	Cost         sql.NullFloat64 `db:"cost"`
}

func (r Repo) InsertCompletionTx(ctx context.Context, tx *sqlx.Tx, c domain.CompletionLogEntry) error {
	query, args, err := db.Builder(tx.DriverName()).
		Insert("completions").
		Columns("id", "obligation_id", "completed_at", "note", "cost").
		Values(c.ID, c.ObligationID, formatTime(c.CompletedAt), nullable(c.Note), nullableFloatPtr(c.Cost)).
		ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

// ListCompletions returns an obligation's log newest first. It still answers
// after the obligation itself is deleted.
func (r Repo) ListCompletions(ctx context.Context, obligationID string, limit int) ([]domain.CompletionLogEntry, error) {
	sb := db.Builder(r.DB.DriverName()).
		Select("id", "obligation_id", "completed_at", "note", "cost").
		From("completions").
		Where(sq.Eq{"obligation_id": obligationID}).
		OrderBy("completed_at DESC", "id DESC")
	if limit > 0 {
		sb = sb.Limit(uint64(limit))
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []completionRow
	if err := r.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	res := make([]domain.CompletionLogEntry, 0, len(rows))
	for _, row := range rows {
		at, err := parseTime(row.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("completion %s: %w", row.ID, err)
		}
		entry := domain.CompletionLogEntry{
			ID:           row.ID,
			ObligationID: row.ObligationID,
			CompletedAt:  at,
			Note:         row.Note.String,
		}
		if row.Cost.Valid {
			v := row.Cost.Float64
			entry.Cost = &v
		}
		res = append(res, entry)
	}
	return res, nil
}

func (r Repo) CompletionSummary(ctx context.Context, obligationID string) (domain.CompletionSummary, error) {
	query, args, err := db.Builder(r.DB.DriverName()).
		Select("COUNT(*)", "COALESCE(SUM(cost), 0)").
		From("completions").
		Where(sq.Eq{"obligation_id": obligationID}).
		ToSql()
	if err != nil {
		return domain.CompletionSummary{}, err
	}
	var s domain.CompletionSummary
	if err := r.DB.QueryRowxContext(ctx, query, args...).Scan(&s.Count, &s.TotalCost); err != nil {
		return domain.CompletionSummary{}, err
	}
	return s, nil
}

type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
	// Before returns only events with an id lower than this cursor.
	Before int64
}

// LatestEvents returns matching events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	sb := eventSelect(r.DB.DriverName())
	if f.Type != "" {
		sb = sb.Where(sq.Eq{"type": f.Type})
	}
	if f.EntityKind != "" {
		sb = sb.Where(sq.Eq{"entity_kind": f.EntityKind})
	}
	if f.EntityID != "" {
		sb = sb.Where(sq.Eq{"entity_id": f.EntityID})
	}
	if f.Before > 0 {
		sb = sb.Where(sq.Lt{"id": f.Before})
	}
	return r.selectEvents(ctx, sb.OrderBy("id DESC").Limit(uint64(f.Limit)))
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	sb := eventSelect(r.DB.DriverName())
	if cursor > 0 {
		sb = sb.Where(sq.Gt{"id": cursor})
	}
	return r.selectEvents(ctx, sb.OrderBy("id ASC").Limit(uint64(limit)))
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.GetContext(ctx, &id, `SELECT COALESCE(MAX(id), 0) FROM events`)
	return id, err
}

type eventRow struct {
	ID         int64          `db:"id"`
	TS         string         `db:"ts"`
	Type       string         `db:"type"`
	EntityKind string         `db:"entity_kind"`
	EntityID   sql.NullString `db:"entity_id"`
	ActorID    string         `db:"actor_id"`
	Payload    string         `db:"payload_json"`
}

func eventSelect(driver string) sq.SelectBuilder {
	return db.Builder(driver).
		Select("id", "ts", "type", "entity_kind", "entity_id", "actor_id", "payload_json").
		From("events")
}

func (r Repo) selectEvents(ctx context.Context, sb sq.SelectBuilder) ([]domain.Event, error) {
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []eventRow
	if err := r.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	res := make([]domain.Event, 0, len(rows))
	for _, row := range rows {
		res = append(res, domain.Event{
			ID:         row.ID,
			TS:         row.TS,
			Type:       row.Type,
			EntityKind: row.EntityKind,
			EntityID:   row.EntityID.String,
			ActorID:    row.ActorID,
			Payload:    row.Payload,
		})
	}
	return res, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return formatTime(*v)
}
