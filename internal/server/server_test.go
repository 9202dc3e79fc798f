package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/config"
	"cadence/internal/db"
	"cadence/internal/domain"
	"cadence/internal/engine"
	"cadence/internal/migrate"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, auth AuthConfig) *httptest.Server {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	e := engine.New(conn, config.NewLive(config.Default()))
	e.Now = func() time.Time { return testNow }
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return srv
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func TestObligationLifecycle(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/obligations", map[string]any{
		"name": "Oil change", "category": "equipment", "interval_days": 30,
	}, map[string]string{"X-Actor-Id": "alice"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created engine.ObligationView
	require.NoError(t, json.Unmarshal(data, &created))
	assert.Equal(t, domain.StatusUnknown, created.Status)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/obligations/"+created.ID+"/completions", map[string]any{
		"note": "done", "cost": 45.5,
	}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var completed engine.CompletionResult
	require.NoError(t, json.Unmarshal(data, &completed))
	assert.Equal(t, domain.StatusOK, completed.Obligation.Status)
	require.NotNil(t, completed.Obligation.DaysUntil)
	assert.Equal(t, 30, *completed.Obligation.DaysUntil)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/obligations/"+created.ID+"/completions", map[string]any{
		"completed_at": testNow.Add(-time.Hour),
	}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "completion_before_creation", decodeError(t, data).Code)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/obligations/"+created.ID+"/completions", map[string]any{
		"completed_at": testNow.AddDate(0, 0, 1),
	}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "future_completion", decodeError(t, data).Code)

	res, data = doJSON(t, http.MethodPut, srv.URL+"/v0/obligations/"+created.ID+"/manual-due", map[string]any{
		"due_at": testNow.AddDate(0, 0, 2),
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var overridden engine.ObligationView
	require.NoError(t, json.Unmarshal(data, &overridden))
	assert.Equal(t, domain.StatusDueSoon, overridden.Status)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/obligations?status=due_soon", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list obligationList
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 1)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/obligations/"+created.ID+"/completions", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var history engine.History
	require.NoError(t, json.Unmarshal(data, &history))
	assert.Equal(t, domain.CompletionSummary{Count: 1, TotalCost: 45.5}, history.Summary)

	res, _ = doJSON(t, http.MethodDelete, srv.URL+"/v0/obligations/"+created.ID, nil, nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/obligations/"+created.ID, nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, data).Code)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/events?entity_kind=obligation&limit=2", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var evts paginatedEvents
	require.NoError(t, json.Unmarshal(data, &evts))
	require.Len(t, evts.Items, 2)
	assert.Equal(t, "obligation.deleted", evts.Items[0].Type)
	assert.NotEmpty(t, evts.NextCursor)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/events?entity_kind=obligation&cursor="+evts.NextCursor, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var older paginatedEvents
	require.NoError(t, json.Unmarshal(data, &older))
	require.Len(t, older.Items, 2)
	assert.Equal(t, "obligation.created", older.Items[1].Type)
	assert.Equal(t, "alice", older.Items[1].ActorID)
}

func TestInvalidFrequencyIsBadRequest(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/obligations", map[string]any{
		"name": "Broken", "interval_days": 0,
	}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "invalid_frequency", decodeError(t, data).Code)
}

func TestSuccessionEndpoints(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/successions", map[string]any{
		"name": "Sow lettuce", "category": "garden", "first_date": "2025-03-01T00:00:00Z", "interval_weeks": 2, "count": 4,
	}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var s engine.Succession
	require.NoError(t, json.Unmarshal(data, &s))
	require.Len(t, s.Members, 4)
	assert.Equal(t, "2025-04-12", s.Members[3].ManualDueAt.UTC().Format("2006-01-02"))

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/summary", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var sum engine.Summary
	require.NoError(t, json.Unmarshal(data, &sum))
	assert.Equal(t, 4, sum.Categories["garden"].Total)
	assert.Equal(t, 1, sum.Categories["garden"].DueSoon, "first sowing is due today")
	assert.Equal(t, 3, sum.Categories["garden"].OK)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/successions", map[string]any{
		"name": "Sow peas", "first_date": "2025-03-01T00:00:00Z", "interval_weeks": 1, "count": 0,
	}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "invalid_succession_parameters", decodeError(t, data).Code)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/successions", map[string]any{
		"name": "Sow peas", "first_date": "2025-03-01T00:00:00Z", "interval_weeks": 1, "count": 1 << 40,
	}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, http.MethodDelete, srv.URL+"/v0/successions/"+s.GroupID, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var cancelled CancelGroupResponse
	require.NoError(t, json.Unmarshal(data, &cancelled))
	assert.Len(t, cancelled.RemovedIDs, 4)

	res, data = doJSON(t, http.MethodDelete, srv.URL+"/v0/successions/"+s.GroupID, nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "group_not_found", decodeError(t, data).Code)
}

func TestBearerAuth(t *testing.T) {
	secret := "s3cret"
	srv := newTestServer(t, AuthConfig{JWTSecret: secret})

	res, _ := doJSON(t, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/obligations", nil, map[string]string{"X-Actor-Id": "mallory"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Code)

	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/obligations", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "bob",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	headers := map[string]string{"Authorization": "Bearer " + token}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/obligations", map[string]any{"name": "Dentist", "one_off": true}, headers)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/events", nil, headers)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var evts paginatedEvents
	require.NoError(t, json.Unmarshal(data, &evts))
	require.NotEmpty(t, evts.Items)
	assert.Equal(t, "bob", evts.Items[0].ActorID)
}

func TestOpenAPIServed(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "x"})
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v0/obligations")
	assert.Contains(t, paths, "/v0/successions/{group_id}")
}

func TestHandleErrorFallsBackToInternal(t *testing.T) {
	err := handleError(context.DeadlineExceeded)
	require.NotNil(t, err)
	assert.Equal(t, http.StatusInternalServerError, err.GetStatus())
}
