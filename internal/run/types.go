package run

import (
	"encoding/json"
	"strings"
	"time"
)

type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ParseStatus maps a wire status to a Status. Unrecognised values are
// StatusUnknown.
func ParseStatus(s string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusQueued:
		return StatusQueued
	case StatusRunning:
		return StatusRunning
	case StatusCompleted:
		return StatusCompleted
	case StatusFailed:
		return StatusFailed
	default:
		return StatusUnknown
	}
}

// Terminal reports whether no further updates are expected for the run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Rank orders statuses along the run lifecycle. Both terminal states share
// the highest rank.
func (s Status) Rank() int {
	switch s {
	case StatusQueued:
		return 1
	case StatusRunning:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	default:
		return 0
	}
}

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel defaults to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Event is one immutable observation of something that happened during a run.
type Event struct {
	RunID       string
	Sequence    int64
	HasSequence bool
	Timestamp   time.Time
	Level       Level
	Title       string
	Detail      string
	HasDetail   bool
	// Status is the lifecycle state the event implies, if it names one.
	Status Status
}

// Identity is the deduplication key of an Event. It is comparable and can be
// used as a map key.
type Identity struct {
	RunID    string
	Sequence int64
	HasSeq   bool
	TsNano   int64
	Title    string
	Detail   string
}

// Identity returns (runID, sequence) when the event carries a sequence and
// falls back to the (runID, timestamp, title, detail) fingerprint otherwise.
func (e Event) Identity() Identity {
	if e.HasSequence {
		return Identity{RunID: e.RunID, Sequence: e.Sequence, HasSeq: true}
	}
	var ts int64
	if !e.Timestamp.IsZero() {
		ts = e.Timestamp.UnixNano()
	}
	return Identity{RunID: e.RunID, TsNano: ts, Title: e.Title, Detail: e.Detail}
}

// SameText reports whether two events with the same identity also agree on
// their human-readable content.
func (e Event) SameText(o Event) bool {
	return e.Title == o.Title && e.Detail == o.Detail && e.Level == o.Level
}

// Snapshot is a point-in-time full read of a run. A nil Metrics means the
// backend has not reported any yet.
type Snapshot struct {
	RunID     string
	Status    Status
	Metrics   json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
	// FetchedAt is when the response finished arriving.
	FetchedAt time.Time
	// Final marks the authoritative read taken after a terminal status.
	Final bool
}

// Projection is the merged view of a run handed to consumers. Events is a
// copy and may be retained.
type Projection struct {
	RunID    string
	Events   []Event
	Status   Status
	Metrics  json.RawMessage
	State    string
	Degraded bool
	// Final is set on the last projection a subscription delivers, once the
	// run is terminal and the authoritative read has settled.
	Final bool
}
