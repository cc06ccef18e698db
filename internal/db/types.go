package db

import (
	"encoding/json"
	"time"
)

// Run is one row of the runs table. Status holds the wire string
// ("queued", "running", "completed", "failed").
type Run struct {
	ID        string
	Name      string
	Status    string
	Metrics   json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RunEvent is one row of run_events. ID doubles as the event's sequence.
// Status is set on rows recording a status transition.
type RunEvent struct {
	ID     int64
	RunID  string
	Ts     time.Time
	Level  string
	Title  string
	Detail *string
	Status string
}
