package runsapi

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/zsprackett/runwatch/internal/run"
)

// runResponse accepts both camelCase and snake_case timestamps.
type runResponse struct {
	ID         json.RawMessage `json:"id"`
	Name       string          `json:"name"`
	Status     string          `json:"status"`
	Metrics    json.RawMessage `json:"metrics"`
	CreatedAt  string          `json:"createdAt"`
	CreatedAt2 string          `json:"created_at"`
	UpdatedAt  string          `json:"updatedAt"`
	UpdatedAt2 string          `json:"updated_at"`
}

func (r runResponse) idString() string {
	raw := bytes.TrimSpace(r.ID)
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (r runResponse) snapshot(runID string) run.Snapshot {
	snap := run.Snapshot{
		RunID:     runID,
		Status:    run.ParseStatus(r.Status),
		CreatedAt: parseTime(r.CreatedAt, r.CreatedAt2),
		UpdatedAt: parseTime(r.UpdatedAt, r.UpdatedAt2),
	}
	m := bytes.TrimSpace(r.Metrics)
	if len(m) > 0 && !bytes.Equal(m, []byte("null")) {
		snap.Metrics = append(json.RawMessage(nil), m...)
	}
	return snap
}

// parseTime returns the first parseable value, or the zero time.
func parseTime(values ...string) time.Time {
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		if t, err := run.ParseTime(v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// RunSummary is one row of the run list.
type RunSummary struct {
	ID        string
	Name      string
	Status    run.Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EventInput is the body of an event append.
type EventInput struct {
	Level  string  `json:"level"`
	Title  string  `json:"title"`
	Detail *string `json:"detail,omitempty"`
}

type statusInput struct {
	Status  string          `json:"status"`
	Metrics json.RawMessage `json:"metrics,omitempty"`
}
