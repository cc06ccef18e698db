// Package reconciler merges pushed events and polled snapshots of one run
// into a single ordered, de-duplicated timeline with a status that never
// moves backwards.
//
// A Reconciler is not safe for concurrent use. The monitor drives each one
// from a single goroutine.
package reconciler

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/zsprackett/runwatch/internal/run"
)

const DefaultWindow = 1024

type Reconciler struct {
	runID   string
	events  []run.Event
	status  run.Status
	metrics json.RawMessage

	seen   map[run.Identity]struct{}
	recent []run.Identity
	window int

	lastApplied time.Time
	now         func() time.Time
	logger      *slog.Logger
}

// New returns an empty Reconciler for runID that remembers at most window
// event identities.
func New(runID string, window int, logger *slog.Logger) *Reconciler {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		runID:  runID,
		status: run.StatusUnknown,
		seen:   make(map[run.Identity]struct{}),
		window: window,
		now:    time.Now,
		logger: logger,
	}
}

// SetNow replaces the clock used to stamp event arrivals. Used in tests only.
func (r *Reconciler) SetNow(fn func() time.Time) {
	r.now = fn
}

// IngestEvent merges one pushed event. It reports whether the projection
// changed. Re-delivering an event with a known identity never changes the
// timeline.
func (r *Reconciler) IngestEvent(e run.Event) bool {
	if e.RunID == "" {
		e.RunID = r.runID
	}
	id := e.Identity()
	if _, dup := r.seen[id]; dup {
		r.logDivergent(id, e)
		return false
	}

	pos := len(r.events)
	if e.HasSequence {
		var dup bool
		pos, dup = r.sequencePosition(e.Sequence)
		if dup {
			return false
		}
	}
	r.events = append(r.events, run.Event{})
	copy(r.events[pos+1:], r.events[pos:])
	r.events[pos] = e
	r.remember(id)

	r.lastApplied = r.now()

	implied := e.Status
	if implied == "" {
		implied = run.StatusRunning
	}
	r.applyStatus(implied, false)
	return true
}

// sequencePosition finds where an event with seq belongs. It scans from the
// tail past unsequenced events and events with a greater sequence, so the
// sequenced events stay sorted. Meeting an equal sequence means the event is
// already in the timeline even if its identity left the window.
func (r *Reconciler) sequencePosition(seq int64) (int, bool) {
	pos := len(r.events)
	for pos > 0 {
		prev := r.events[pos-1]
		if prev.HasSequence {
			if prev.Sequence == seq {
				return pos - 1, true
			}
			if prev.Sequence < seq {
				break
			}
		}
		pos--
	}
	return pos, false
}

func (r *Reconciler) remember(id run.Identity) {
	r.seen[id] = struct{}{}
	r.recent = append(r.recent, id)
	for len(r.recent) > r.window {
		delete(r.seen, r.recent[0])
		r.recent = r.recent[1:]
	}
}

// logDivergent notes a duplicate delivery whose text differs from the
// accepted event. The first accepted text is kept.
func (r *Reconciler) logDivergent(id run.Identity, e run.Event) {
	if !id.HasSeq {
		return
	}
	for i := len(r.events) - 1; i >= 0; i-- {
		kept := r.events[i]
		if kept.HasSequence && kept.Sequence == e.Sequence {
			if !kept.SameText(e) {
				r.logger.Debug("reconciler: duplicate event with different text ignored",
					"run", r.runID,
					"seq", e.Sequence,
					"kept", kept.Title,
					"dropped", e.Title,
				)
			}
			return
		}
	}
}

// IngestSnapshot merges a polled snapshot. Snapshots that completed before
// the last applied update are stale and ignored, unless marked Final. It
// reports whether the projection changed.
func (r *Reconciler) IngestSnapshot(s run.Snapshot) bool {
	fetched := s.FetchedAt
	if fetched.IsZero() {
		fetched = r.now()
	}
	if !s.Final && fetched.Before(r.lastApplied) {
		r.logger.Debug("reconciler: stale snapshot ignored",
			"run", r.runID,
			"status", string(s.Status),
			"fetched", fetched,
			"last_applied", r.lastApplied,
		)
		return false
	}
	if fetched.After(r.lastApplied) {
		r.lastApplied = fetched
	}

	changed := r.applyStatus(s.Status, s.Final)
	if s.Metrics != nil && !bytes.Equal(s.Metrics, r.metrics) {
		r.metrics = append(json.RawMessage(nil), s.Metrics...)
		changed = true
	}
	return changed
}

// applyStatus moves the status forward along the lifecycle. A terminal status
// is only ever replaced by another terminal status from an authoritative read.
func (r *Reconciler) applyStatus(next run.Status, authoritative bool) bool {
	if next == "" || next == run.StatusUnknown || next == r.status {
		return false
	}
	if r.status.Terminal() {
		if authoritative && next.Terminal() {
			r.status = next
			return true
		}
		return false
	}
	if next.Rank() <= r.status.Rank() {
		return false
	}
	r.status = next
	return true
}

// Status returns the best-known status.
func (r *Reconciler) Status() run.Status {
	return r.status
}

// Len returns the number of events in the timeline.
func (r *Reconciler) Len() int {
	return len(r.events)
}

// Projection returns a copy of the merged view. It has no side effects.
func (r *Reconciler) Projection() run.Projection {
	p := run.Projection{
		RunID:  r.runID,
		Events: make([]run.Event, len(r.events)),
		Status: r.status,
	}
	copy(p.Events, r.events)
	if r.metrics != nil {
		p.Metrics = append(json.RawMessage(nil), r.metrics...)
	}
	return p
}
