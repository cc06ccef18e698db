package runsapi

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

	"github.com/zsprackett/runwatch/internal/run"
)

const userAgent = "runwatch/1"

// FetchError reports a failed snapshot read: either the request never
// completed (StatusCode 0) or the backend answered with a non-2xx status.
type FetchError struct {
	RunID      string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch run %s: http %d: %v", e.RunID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch run %s: %v", e.RunID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Client talks to the run-state HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	now     func() time.Time
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

// SetNow replaces the clock that stamps FetchedAt. Used in tests only.
func (c *Client) SetNow(fn func() time.Time) {
	c.now = fn
}

func (c *Client) runURL(runID string) string {
	return c.baseURL + "/runs/" + url.PathEscape(runID)
}

// Fetch reads the full current state of a run. A run without metrics is not
// an error; Metrics is nil.
func (c *Client) Fetch(ctx context.Context, runID string) (run.Snapshot, error) {
	body, status, err := c.do(ctx, http.MethodGet, c.runURL(runID), nil)
	if err != nil {
		return run.Snapshot{}, &FetchError{RunID: runID, Err: err}
	}
	if status < 200 || status > 299 {
		return run.Snapshot{}, &FetchError{
			RunID:      runID,
			StatusCode: status,
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(body))),
		}
	}
	fetchedAt := c.now()

	var rr runResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return run.Snapshot{}, &FetchError{RunID: runID, StatusCode: status, Err: fmt.Errorf("parse response: %w", err)}
	}
	snap := rr.snapshot(runID)
	snap.FetchedAt = fetchedAt
	return snap, nil
}

// List returns the runs known to the backend, newest first.
func (c *Client) List(ctx context.Context) ([]RunSummary, error) {
	body, status, err := c.do(ctx, http.MethodGet, c.baseURL+"/runs", nil)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("list runs: API returned %d: %s", status, strings.TrimSpace(string(body)))
	}
	var rows []runResponse
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	out := make([]RunSummary, 0, len(rows))
	for _, r := range rows {
		snap := r.snapshot(r.idString())
		out = append(out, RunSummary{
			ID:        snap.RunID,
			Name:      r.Name,
			Status:    snap.Status,
			CreatedAt: snap.CreatedAt,
			UpdatedAt: snap.UpdatedAt,
		})
	}
	return out, nil
}

// Create registers a new queued run and returns its id.
func (c *Client) Create(ctx context.Context, name string) (string, error) {
	var resp struct {
		RunID string `json:"run_id"`
	}
	if err := c.send(ctx, http.MethodPost, c.baseURL+"/runs", map[string]string{"name": name}, &resp); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return resp.RunID, nil
}

// AppendEvent records an event against a run and returns its sequence.
func (c *Client) AppendEvent(ctx context.Context, runID string, e EventInput) (int64, error) {
	var resp struct {
		ID int64 `json:"id"`
	}
	if err := c.send(ctx, http.MethodPost, c.runURL(runID)+"/events", e, &resp); err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return resp.ID, nil
}

// SetStatus updates a run's status and, when metrics is non-nil, its metrics.
func (c *Client) SetStatus(ctx context.Context, runID string, status run.Status, metrics json.RawMessage) error {
	body := statusInput{Status: string(status), Metrics: metrics}
	if err := c.send(ctx, http.MethodPut, c.runURL(runID)+"/status", body, nil); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, u string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	body, status, err := c.do(ctx, method, u, data)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("API returned %d: %s", status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, u string, payload []byte) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}
