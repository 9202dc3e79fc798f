package cadencesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal cadence HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Obligation is the API obligation model with its derived schedule.
type Obligation struct {
	ID              string     `json:"id"`
	Category        string     `json:"category,omitempty"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	IntervalDays    *int       `json:"interval_days,omitempty"`
	FrequencyLabel  string     `json:"frequency_label,omitempty"`
	OneOff          bool       `json:"one_off"`
	ManualDueAt     *time.Time `json:"manual_due_at,omitempty"`
	LastCompletedAt *time.Time `json:"last_completed_at,omitempty"`
	GroupID         *string    `json:"group_id,omitempty"`
	SequenceNumber  *int       `json:"sequence_number,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	NextDueAt       *time.Time `json:"next_due_at,omitempty"`
	DaysUntil       *int       `json:"days_until,omitempty"`
	Status          string     `json:"status"`
	Rule            string     `json:"rule"`
	WindowDays      int        `json:"window_days"`
}

// NewObligation is the create payload. Leave IntervalDays nil for one-offs.
type NewObligation struct {
	Category       string     `json:"category,omitempty"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	IntervalDays   *int       `json:"interval_days,omitempty"`
	FrequencyLabel string     `json:"frequency_label,omitempty"`
	OneOff         bool       `json:"one_off,omitempty"`
	ManualDueAt    *time.Time `json:"manual_due_at,omitempty"`
}

type CompletionEntry struct {
	ID           string    `json:"id"`
	ObligationID string    `json:"obligation_id"`
	CompletedAt  time.Time `json:"completed_at"`
	Note         string    `json:"note,omitempty"`
	Cost         *float64  `json:"cost,omitempty"`
}

type Completion struct {
	Obligation Obligation      `json:"obligation"`
	Entry      CompletionEntry `json:"entry"`
}

// CompleteRequest records a completion; a nil CompletedAt means now.
type CompleteRequest struct {
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Note        string     `json:"note,omitempty"`
	Cost        *float64   `json:"cost,omitempty"`
}

type SuccessionRequest struct {
	Category       string    `json:"category,omitempty"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	FrequencyLabel string    `json:"frequency_label,omitempty"`
	FirstDate      time.Time `json:"first_date"`
	IntervalWeeks  int       `json:"interval_weeks"`
	Count          int       `json:"count"`
}

type Succession struct {
	GroupID string       `json:"group_id"`
	Members []Obligation `json:"members"`
}

type Counts struct {
	Total   int `json:"total"`
	Overdue int `json:"overdue"`
	DueSoon int `json:"due_soon"`
	OK      int `json:"ok"`
	Unknown int `json:"unknown"`
}

type Summary struct {
	AsOf       time.Time         `json:"as_of"`
	Timezone   string            `json:"timezone"`
	Categories map[string]Counts `json:"categories"`
	Total      Counts            `json:"total"`
}

// ListFilters narrow ListObligations. Empty fields are ignored.
type ListFilters struct {
	Category string
	GroupID  string
	Status   string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) CreateObligation(ctx context.Context, in NewObligation) (Obligation, error) {
	var resp Obligation
	err := c.do(ctx, http.MethodPost, "obligations", in, &resp)
	return resp, err
}

func (c *Client) GetObligation(ctx context.Context, id string) (Obligation, error) {
	var resp Obligation
	err := c.do(ctx, http.MethodGet, "obligations/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListObligations returns obligations, most urgent first.
func (c *Client) ListObligations(ctx context.Context, f ListFilters) ([]Obligation, error) {
	q := url.Values{}
	if f.Category != "" {
		q.Set("category", f.Category)
	}
	if f.GroupID != "" {
		q.Set("group_id", f.GroupID)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	endpoint := "obligations"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Obligation `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Complete(ctx context.Context, id string, in CompleteRequest) (Completion, error) {
	var resp Completion
	err := c.do(ctx, http.MethodPost, "obligations/"+url.PathEscape(id)+"/completions", in, &resp)
	return resp, err
}

// SetManualDue sets the override, or clears it when due is nil.
func (c *Client) SetManualDue(ctx context.Context, id string, due *time.Time) (Obligation, error) {
	endpoint := "obligations/" + url.PathEscape(id) + "/manual-due"
	var resp Obligation
	if due == nil {
		err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
		return resp, err
	}
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"due_at": due.UTC()}, &resp)
	return resp, err
}

func (c *Client) ExpandSuccession(ctx context.Context, in SuccessionRequest) (Succession, error) {
	var resp Succession
	err := c.do(ctx, http.MethodPost, "successions", in, &resp)
	return resp, err
}

// CancelGroup removes every member of a series and returns their ids.
func (c *Client) CancelGroup(ctx context.Context, groupID string) ([]string, error) {
	var resp struct {
		RemovedIDs []string `json:"removed_ids"`
	}
	err := c.do(ctx, http.MethodDelete, "successions/"+url.PathEscape(groupID), nil, &resp)
	return resp.RemovedIDs, err
}

func (c *Client) Summary(ctx context.Context, category string) (Summary, error) {
	endpoint := "summary"
	if category != "" {
		endpoint += "?category=" + url.QueryEscape(category)
	}
	var resp Summary
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
