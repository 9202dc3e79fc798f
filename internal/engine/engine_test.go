package engine_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/config"
	"cadence/internal/db"
	"cadence/internal/domain"
	"cadence/internal/engine"
	"cadence/internal/migrate"
	"cadence/internal/repo"
	"cadence/internal/schedule"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Live   *config.Live
	now    *time.Time
}

func (env testEnv) advance(d time.Duration) {
	*env.now = env.now.Add(d)
}

func (env testEnv) set(t time.Time) {
	*env.now = t
}

var epoch = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	cfg.Windows.Categories["test"] = 7
	live := config.NewLive(cfg)
	now := epoch
	eng := engine.New(conn, live)
	eng.Now = func() time.Time { return now }
	eng.Events.Now = eng.Now
	return testEnv{Engine: eng, Ctx: context.Background(), Live: live, now: &now}
}

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func TestIntervalThirtyWindowSeven(t *testing.T) {
	env := newTestEnv(t)
	o, err := env.Engine.CreateObligation(env.Ctx, engine.CreateOptions{
		Category: "test", Name: "Oil change", IntervalDays: intPtr(30), ActorID: "tester",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnknown, o.Status, "never completed")
	assert.Equal(t, schedule.RuleInterval, o.Rule)

	_, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{ID: o.ID, ActorID: "tester"})
	require.NoError(t, err)

	cases := []struct {
		day  int
		want domain.Status
	}{
		{22, domain.StatusOK},
		{23, domain.StatusDueSoon},
		{30, domain.StatusDueSoon},
		{31, domain.StatusOverdue},
	}
	for _, tc := range cases {
		env.set(epoch.AddDate(0, 0, tc.day))
		v, err := env.Engine.Get(env.Ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, tc.want, v.Status, "day %d", tc.day)
		require.NotNil(t, v.NextDueAt)
		assert.True(t, v.NextDueAt.Equal(epoch.AddDate(0, 0, 30)))
	}
}

func TestCreateRejectsInvalidFrequency(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateObligation(env.Ctx, engine.CreateOptions{Name: "Bad", IntervalDays: intPtr(0)})
	require.ErrorIs(t, err, schedule.ErrInvalidFrequency)

	_, err = env.Engine.CreateObligation(env.Ctx, engine.CreateOptions{Name: "Nothing"})
	require.ErrorIs(t, err, schedule.ErrInvalidFrequency)

	_, err = env.Engine.CreateObligation(env.Ctx, engine.CreateOptions{Name: " ", OneOff: true})
	require.ErrorIs(t, err, schedule.ErrInvalidObligation)

	board, err := env.Engine.Board(env.Ctx, engine.BoardFilters{})
	require.NoError(t, err)
	assert.Empty(t, board)
}

func TestLabelOnlyObligationIsOneOff(t *testing.T) {
	env := newTestEnv(t)
	o, err := env.Engine.CreateObligation(env.Ctx, engine.CreateOptions{Name: "Gutters", FrequencyLabel: " every spring ", OneOff: true})
	require.NoError(t, err)
	assert.True(t, o.OneOff)
	assert.Equal(t, "every spring", o.FrequencyLabel)
	assert.Equal(t, schedule.RuleLabel, o.Rule)
	assert.Equal(t, domain.StatusUnknown, o.Status)
}

func TestManualOverrideConsumedByCompletion(t *testing.T) {
	env := newTestEnv(t)
	o, err := env.Engine.CreateObligation(env.Ctx, engine.CreateOptions{Category: "test", Name: "Filter", IntervalDays: intPtr(90)})
	require.NoError(t, err)

	due := epoch.AddDate(0, 0, 3)
	v, err := env.Engine.SetManualDue(env.Ctx, o.ID, &due, "tester")
	require.NoError(t, err)
	assert.Equal(t, schedule.RuleManual, v.Rule)
	assert.Equal(t, domain.StatusDueSoon, v.Status)
	require.NotNil(t, v.NextDueAt)
	assert.True(t, v.NextDueAt.Equal(due))

	env.advance(24 * time.Hour)
	res, err := env.Engine.Complete(env.Ctx, engine.CompleteOptions{ID: o.ID, Note: "swapped", Cost: floatPtr(12.5)})
	require.NoError(t, err)
	assert.Nil(t, res.Obligation.ManualDueAt)
	require.NotNil(t, res.Obligation.NextDueAt)
	assert.True(t, res.Obligation.NextDueAt.Equal(epoch.AddDate(0, 0, 91)))
	assert.Equal(t, domain.StatusOK, res.Obligation.Status)

	stored, err := env.Engine.Get(env.Ctx, o.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.ManualDueAt)

	evts, err := env.Engine.Log(env.Ctx, repo.EventFilters{EntityID: o.ID})
	require.NoError(t, err)
	require.Len(t, evts, 3)
	assert.Equal(t, "completion.recorded", evts[0].Type)
	assert.Equal(t, "obligation.override.set", evts[1].Type)
	assert.Equal(t, "obligation.created", evts[2].Type)
}

func TestClearManualDue(t *testing.T) {
	env := newTestEnv(t)
	due := epoch.AddDate(0, 0, 10)
	o, err := env.Engine.CreateObligation(env.Ctx, engine.CreateOptions{Name: "Dentist", Category: "medical", ManualDueAt: &due})
	require.NoError(t, err)
	assert.True(t, o.OneOff)
	assert.Equal(t, domain.StatusDueSoon, o.Status)

	v, err := env.Engine.SetManualDue(env.Ctx, o.ID, nil, "tester")
	require.NoError(t, err)
	assert.Nil(t, v.ManualDueAt)
	assert.Equal(t, domain.StatusUnknown, v.Status)
}

func TestCompletionOrdering(t *testing.T) {
	env := newTestEnv(t)
	o, err := env.Engine.CreateObligation(env.Ctx, engine.CreateOptions{Name: "Run", IntervalDays: intPtr(2)})
	require.NoError(t, err)

	_, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{ID: o.ID, At: timePtr(epoch.Add(-time.Hour))})
	require.ErrorIs(t, err, schedule.ErrCompletionBeforeCreation)

	at := epoch.Add(2 * time.Hour)
	_, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{ID: o.ID, At: &at})
	require.ErrorIs(t, err, schedule.ErrFutureCompletion)

	env.set(epoch.Add(3 * time.Hour))
	_, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{ID: o.ID, At: &at})
	require.NoError(t, err)

	_, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{ID: o.ID, At: &at})
	require.ErrorIs(t, err, schedule.ErrStaleCompletion)
	_, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{ID: o.ID, At: timePtr(at.Add(-time.Minute))})
	require.ErrorIs(t, err, schedule.ErrStaleCompletion)

	h, err := env.Engine.History(env.Ctx, o.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Summary.Count)
	require.Len(t, h.Entries, 1)
	assert.True(t, h.Entries[0].CompletedAt.Equal(at))

	_, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{ID: "missing"})
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestOneOffRevertsToUnknownAfterCompletion(t *testing.T) {
	env := newTestEnv(t)
	due := epoch.AddDate(0, 0, 1)
	o, err := env.Engine.CreateObligation(env.Ctx, engine.CreateOptions{Name: "Vaccination", ManualDueAt: &due})
	require.NoError(t, err)
	res, err := env.Engine.Complete(env.Ctx, engine.CompleteOptions{ID: o.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnknown, res.Obligation.Status)
	assert.Nil(t, res.Obligation.NextDueAt)
}

func TestUpdateObligation(t *testing.T) {
	env := newTestEnv(t)
	o, err := env.Engine.CreateObligation(env.Ctx, engine.CreateOptions{Name: "Mow", Category: "garden", IntervalDays: intPtr(7)})
	require.NoError(t, err)

	name := "Mow lawn"
	v, err := env.Engine.UpdateObligation(env.Ctx, engine.UpdateOptions{ID: o.ID, Name: &name, IntervalDays: intPtr(10)})
	require.NoError(t, err)
	assert.Equal(t, "Mow lawn", v.Name)
	require.NotNil(t, v.IntervalDays)
	assert.Equal(t, 10, *v.IntervalDays)

	_, err = env.Engine.UpdateObligation(env.Ctx, engine.UpdateOptions{ID: o.ID, IntervalDays: intPtr(-1)})
	require.ErrorIs(t, err, schedule.ErrInvalidFrequency)

	v, err = env.Engine.UpdateObligation(env.Ctx, engine.UpdateOptions{ID: o.ID, ClearInterval: true})
	require.NoError(t, err)
	assert.Nil(t, v.IntervalDays)
	assert.True(t, v.OneOff)

	stored, err := env.Engine.Get(env.Ctx, o.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.IntervalDays)
	assert.Equal(t, "Mow lawn", stored.Name)

	_, err = env.Engine.UpdateObligation(env.Ctx, engine.UpdateOptions{ID: "missing", Name: &name})
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestSuccessionRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	first := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	s, err := env.Engine.ExpandSuccession(env.Ctx, engine.SuccessionOptions{
		Category: "garden", Name: "Sow lettuce", FirstDate: first, IntervalWeeks: 2, Count: 4, ActorID: "tester",
	})
	require.NoError(t, err)
	require.Len(t, s.Members, 4)

	members, err := env.Engine.Board(env.Ctx, engine.BoardFilters{GroupID: s.GroupID})
	require.NoError(t, err)
	require.Len(t, members, 4)
	want := []string{"2025-03-01", "2025-03-15", "2025-03-29", "2025-04-12"}
	byDate := map[string]int{}
	for _, m := range members {
		require.NotNil(t, m.ManualDueAt)
		require.NotNil(t, m.GroupID)
		assert.Equal(t, s.GroupID, *m.GroupID)
		byDate[m.ManualDueAt.UTC().Format("2006-01-02")] = *m.SequenceNumber
	}
	for i, d := range want {
		assert.Equal(t, i+1, byDate[d], d)
	}

	other, err := env.Engine.ExpandSuccession(env.Ctx, engine.SuccessionOptions{Name: "Sow peas", FirstDate: first, IntervalWeeks: 1, Count: 2})
	require.NoError(t, err)
	assert.NotEqual(t, s.GroupID, other.GroupID)

	removed, err := env.Engine.CancelGroup(env.Ctx, s.GroupID, "tester")
	require.NoError(t, err)
	assert.Len(t, removed, 4)

	rest, err := env.Engine.Board(env.Ctx, engine.BoardFilters{})
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	_, err = env.Engine.CancelGroup(env.Ctx, s.GroupID, "tester")
	require.ErrorIs(t, err, schedule.ErrGroupNotFound)
}

func TestExpandRejectsBadParameters(t *testing.T) {
	env := newTestEnv(t)
	first := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := env.Engine.ExpandSuccession(env.Ctx, engine.SuccessionOptions{Name: "x", FirstDate: first, IntervalWeeks: 1, Count: 0})
	require.ErrorIs(t, err, schedule.ErrInvalidSuccessionParameters)
	_, err = env.Engine.ExpandSuccession(env.Ctx, engine.SuccessionOptions{Name: "x", FirstDate: first, IntervalWeeks: 0, Count: 3})
	require.ErrorIs(t, err, schedule.ErrInvalidSuccessionParameters)

	board, err := env.Engine.Board(env.Ctx, engine.BoardFilters{})
	require.NoError(t, err)
	assert.Empty(t, board)
}

func TestDeleteMemberDoesNotCascade(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.ExpandSuccession(env.Ctx, engine.SuccessionOptions{
		Name: "Sow beans", FirstDate: epoch, IntervalWeeks: 1, Count: 3,
	})
	require.NoError(t, err)
	victim := s.Members[1].ID
	_, err = env.Engine.Complete(env.Ctx, engine.CompleteOptions{ID: victim, Note: "sown"})
	require.NoError(t, err)

	require.NoError(t, env.Engine.DeleteObligation(env.Ctx, victim, "tester"))
	require.ErrorIs(t, env.Engine.DeleteObligation(env.Ctx, victim, "tester"), repo.ErrNotFound)

	left, err := env.Engine.Board(env.Ctx, engine.BoardFilters{GroupID: s.GroupID})
	require.NoError(t, err)
	require.Len(t, left, 2)
	for _, m := range left {
		assert.Equal(t, s.GroupID, *m.GroupID)
	}

	h, err := env.Engine.History(env.Ctx, victim, 10)
	require.NoError(t, err)
	require.Len(t, h.Entries, 1)
	assert.Equal(t, "sown", h.Entries[0].Note)
}

func TestBoardAndSummary(t *testing.T) {
	env := newTestEnv(t)
	overdue := epoch.AddDate(0, 0, -2)
	soon := epoch.AddDate(0, 0, 3)
	later := epoch.AddDate(0, 0, 60)
	_, err := env.Engine.CreateObligation(env.Ctx, engine.CreateOptions{Name: "Later", Category: "home", ManualDueAt: &later})
	require.NoError(t, err)
	_, err = env.Engine.CreateObligation(env.Ctx, engine.CreateOptions{Name: "Late", Category: "home", ManualDueAt: &overdue})
	require.NoError(t, err)
	_, err = env.Engine.CreateObligation(env.Ctx, engine.CreateOptions{Name: "Soon", ManualDueAt: &soon})
	require.NoError(t, err)
	_, err = env.Engine.CreateObligation(env.Ctx, engine.CreateOptions{Name: "Never", IntervalDays: intPtr(5)})
	require.NoError(t, err)

	board, err := env.Engine.Board(env.Ctx, engine.BoardFilters{})
	require.NoError(t, err)
	var names []string
	for _, v := range board {
		names = append(names, v.Name)
	}
	assert.Equal(t, []string{"Late", "Soon", "Later", "Never"}, names)

	overdueOnly, err := env.Engine.Board(env.Ctx, engine.BoardFilters{Status: domain.StatusOverdue})
	require.NoError(t, err)
	require.Len(t, overdueOnly, 1)

	sum, err := env.Engine.Summary(env.Ctx, engine.SummaryFilters{})
	require.NoError(t, err)
	assert.Equal(t, schedule.Counts{Total: 2, Overdue: 1, OK: 1}, sum.Categories["home"])
	assert.Equal(t, schedule.Counts{Total: 2, DueSoon: 1, Unknown: 1}, sum.Categories[domain.UncategorizedBucket])
	assert.Equal(t, 4, sum.Total.Total)
	assert.Equal(t, "UTC", sum.Timezone)
}

func TestConfigReloadChangesWindows(t *testing.T) {
	env := newTestEnv(t)
	due := epoch.AddDate(0, 0, 20)
	o, err := env.Engine.CreateObligation(env.Ctx, engine.CreateOptions{Name: "Checkup", Category: "test", ManualDueAt: &due})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOK, o.Status)

	cfg := config.Default()
	cfg.Windows.Categories["test"] = 30
	env.Live.Store(cfg)

	v, err := env.Engine.Get(env.Ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDueSoon, v.Status)
	assert.Equal(t, 30, v.WindowDays)
}

func floatPtr(v float64) *float64 { return &v }

var memberColumns = []string{
	"id", "category", "name", "description", "notes", "interval_days", "frequency_label", "one_off",
	"manual_due_at", "last_completed_at", "group_id", "sequence_number", "created_at", "updated_at",
}

func mockEngine(t *testing.T) (engine.Engine, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	conn := sqlx.NewDb(mockDB, db.DriverSQLite)
	eng := engine.New(conn, config.NewLive(config.Default()))
	eng.Now = func() time.Time { return epoch }
	return eng, mock
}

func groupRows() *sqlmock.Rows {
	ts := "2025-01-01T09:00:00.000000000Z"
	return sqlmock.NewRows(memberColumns).
		AddRow("m1", "garden", "Sow", nil, nil, nil, nil, true, "2025-03-01T00:00:00.000000000Z", nil, "g1", 1, ts, ts).
		AddRow("m2", "garden", "Sow", nil, nil, nil, nil, true, "2025-03-15T00:00:00.000000000Z", nil, "g1", 2, ts, ts)
}

func TestCancelGroupRollsBackWhenDeleteFails(t *testing.T) {
	eng, mock := mockEngine(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM obligations WHERE group_id = ?")).
		WithArgs("g1").
		WillReturnRows(groupRows())
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM obligations WHERE id IN (?,?)")).
		WithArgs("m1", "m2").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	removed, err := eng.CancelGroup(context.Background(), "g1", "tester")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.Nil(t, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelGroupRollsBackWhenEventFails(t *testing.T) {
	eng, mock := mockEngine(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM obligations WHERE group_id = ?")).
		WithArgs("g1").
		WillReturnRows(groupRows())
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM obligations WHERE id IN (?,?)")).
		WithArgs("m1", "m2").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO events")).
		WillReturnError(errors.New("constraint failed"))
	mock.ExpectRollback()

	_, err := eng.CancelGroup(context.Background(), "g1", "tester")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelGroupUnknownRemovesNothing(t *testing.T) {
	eng, mock := mockEngine(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM obligations WHERE group_id = ?")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(memberColumns))
	mock.ExpectRollback()

	_, err := eng.CancelGroup(context.Background(), "nope", "tester")
	require.ErrorIs(t, err, schedule.ErrGroupNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
