package revlinesdk

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

// Client is a minimal revline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Run is the API workflow run model (partial).
type Run struct {
	ID          string         `json:"id"`
	Type        string         `json:"workflow_type"`
	BookID      string         `json:"book_id"`
	PlanID      string         `json:"plan_id,omitempty"`
	Status      string         `json:"status"`
	CurrentStep string         `json:"current_step"`
	Data        map[string]any `json:"data"`
	LastError   string         `json:"last_error,omitempty"`
	Version     int            `json:"version"`
}

type GateOption struct {
	Label         string  `json:"label"`
	RequiresInput bool    `json:"requires_input,omitempty"`
	NextStep      *string `json:"next_step"`
}

type Gate struct {
	Prompt  string       `json:"prompt"`
	Context []string     `json:"context,omitempty"`
	Options []GateOption `json:"options"`
}

type Decision struct {
	ID        int64  `json:"id"`
	Step      string `json:"step"`
	Option    string `json:"option"`
	Input     string `json:"input,omitempty"`
	NextStep  string `json:"next_step,omitempty"`
	DecidedAt string `json:"decided_at"`
}

type Rejection struct {
	ID            string `json:"id"`
	WorkflowRunID string `json:"workflow_run_id"`
	Type          string `json:"rejection_type"`
	Reason        string `json:"reason"`
	RetryCount    int    `json:"retry_count"`
	Resolved      bool   `json:"resolved"`
	CreatedAt     string `json:"created_at"`
}

// RunStatus is a run with its gate, decisions and rejections.
type RunStatus struct {
	Run        Run         `json:"run"`
	Next       string      `json:"next"`
	Gate       *Gate       `json:"gate,omitempty"`
	Decisions  []Decision  `json:"decisions"`
	Rejections []Rejection `json:"rejections"`
}

// StepResult is returned by gate decisions and resumes.
type StepResult struct {
	Run      Run    `json:"run"`
	Step     string `json:"step"`
	Outcome  string `json:"outcome"`
	NextStep string `json:"next_step,omitempty"`
}

type Area struct {
	AreaID         string   `json:"area_id"`
	Name           string   `json:"name"`
	Type           string   `json:"type"`
	TargetChapters []string `json:"target_chapters"`
	Priority       int      `json:"priority"`
	Status         string   `json:"status"`
	CurrentCycle   int      `json:"current_cycle"`
	DeltaTarget    float64  `json:"delta_target"`
}

// Plan is the strategic plan model (partial).
type Plan struct {
	ID     string `json:"id"`
	BookID string `json:"book_id"`
	Status string `json:"status"`
	Areas  []Area `json:"areas"`
	State  struct {
		Phase           string   `json:"current_phase"`
		CurrentRun      int      `json:"current_run"`
		MaxRuns         int      `json:"max_runs"`
		CurrentOverall  *float64 `json:"current_overall,omitempty"`
		CumulativeDelta float64  `json:"cumulative_delta"`
	} `json:"state"`
	Version int `json:"version"`
}

type RoutingStats struct {
	TotalRouted int            `json:"total_routed"`
	ByType      map[string]int `json:"by_type"`
	Escalations int            `json:"escalations"`
	ByHandler   map[string]int `json:"by_handler"`
}

// Event is one line of the event log.
type Event struct {
	ID             string         `json:"id"`
	TS             string         `json:"ts"`
	Worktree       string         `json:"worktree"`
	Table          string         `json:"table"`
	Op             string         `json:"op"`
	Data           map[string]any `json:"data,omitempty"`
	Key            string         `json:"key,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// Evaluation is the metrics verdict (partial).
type Evaluation struct {
	Approved        bool     `json:"approved"`
	Rule            int      `json:"rule"`
	Reasoning       string   `json:"reasoning"`
	Recommendations []string `json:"recommendations"`
	Confidence      string   `json:"confidence"`
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
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) Plans(ctx context.Context, bookID string) ([]Plan, error) {
	var resp struct {
		Items []Plan `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("plans", url.Values{"book_id": {bookID}}), nil, &resp)
	return resp.Items, err
}

func (c *Client) Plan(ctx context.Context, id string) (Plan, error) {
	var resp Plan
	err := c.do(ctx, http.MethodGet, "plans/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) Runs(ctx context.Context, bookID, status string) ([]Run, error) {
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("runs", url.Values{"book_id": {bookID}, "status": {status}}), nil, &resp)
	return resp.Items, err
}

// RunStatus fetches a run with its pending gate, if any.
func (c *Client) RunStatus(ctx context.Context, runID string) (RunStatus, error) {
	var resp RunStatus
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

// Decide answers a pending human gate.
func (c *Client) Decide(ctx context.Context, runID, option, input string) (StepResult, error) {
	body := map[string]any{"option": option}
	if input != "" {
		body["input"] = input
	}
	var resp StepResult
	err := c.do(ctx, http.MethodPost, "runs/"+url.PathEscape(runID)+"/gate", body, &resp)
	return resp, err
}

func (c *Client) Resume(ctx context.Context, runID string) (StepResult, error) {
	var resp StepResult
	err := c.do(ctx, http.MethodPost, "runs/"+url.PathEscape(runID)+"/resume", nil, &resp)
	return resp, err
}

func (c *Client) Rejections(ctx context.Context, runID string, unresolved bool) ([]Rejection, error) {
	q := url.Values{"run_id": {runID}}
	if unresolved {
		q.Set("unresolved", "true")
	}
	var resp struct {
		Items []Rejection `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("rejections", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) RoutingStats(ctx context.Context, runID string) (RoutingStats, error) {
	var resp RoutingStats
	err := c.do(ctx, http.MethodGet, withQuery("routing/stats", url.Values{"run_id": {runID}}), nil, &resp)
	return resp, err
}

// Events returns the most recent events, optionally for one table.
func (c *Client) Events(ctx context.Context, table string, limit int) ([]Event, error) {
	q := url.Values{"table": {table}}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp.Items, err
}

// Evaluate compares two metrics documents. Both are sent as-is.
func (c *Client) Evaluate(ctx context.Context, baseline, updated json.RawMessage) (Evaluation, error) {
	var resp Evaluation
	err := c.do(ctx, http.MethodPost, "metrics/evaluate", map[string]any{"baseline": baseline, "updated": updated}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(p string, q url.Values) string {
	for k, v := range q {
		if len(v) == 0 || v[0] == "" {
			q.Del(k)
		}
	}
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
