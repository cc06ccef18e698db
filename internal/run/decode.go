package run

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseError reports a pushed payload that cannot be turned into an Event.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse event: %s: %v", e.Reason, e.Err)
	}
	return "parse event: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

type wireEvent struct {
	ID     json.RawMessage `json:"id"`
	Seq    json.RawMessage `json:"seq"`
	Ts     json.RawMessage `json:"ts"`
	Level  string          `json:"level"`
	Title  string          `json:"title"`
	Detail *string         `json:"detail"`
	Status string          `json:"status"`
}

// DecodeEvent turns one pushed message into an Event for runID. The sequence
// is taken from "seq", falling back to the backend row "id".
func DecodeEvent(runID string, data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, &ParseError{Reason: "invalid json", Err: err}
	}
	if strings.TrimSpace(w.Title) == "" {
		return Event{}, &ParseError{Reason: "missing title"}
	}

	e := Event{
		RunID: runID,
		Level: ParseLevel(w.Level),
		Title: w.Title,
	}
	if w.Detail != nil {
		e.Detail = *w.Detail
		e.HasDetail = true
	}
	if w.Status != "" {
		if s := ParseStatus(w.Status); s != StatusUnknown {
			e.Status = s
		}
	}

	seqRaw := w.Seq
	if isAbsent(seqRaw) {
		seqRaw = w.ID
	}
	if !isAbsent(seqRaw) {
		seq, err := parseSequence(seqRaw)
		if err != nil {
			return Event{}, &ParseError{Reason: "bad sequence", Err: err}
		}
		e.Sequence = seq
		e.HasSequence = true
	}

	if !isAbsent(w.Ts) {
		ts, err := parseTimestamp(w.Ts)
		if err != nil {
			return Event{}, &ParseError{Reason: "bad timestamp", Err: err}
		}
		e.Timestamp = ts
	}
	return e, nil
}

func isAbsent(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func parseSequence(raw json.RawMessage) (int64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	if f != float64(int64(f)) {
		return 0, fmt.Errorf("non-integer sequence %s", n)
	}
	return int64(f), nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return ParseTime(s)
	}
	var ms json.Number
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, err
	}
	v, err := ms.Int64()
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(v).UTC(), nil
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTime accepts RFC 3339 timestamps and zone-less ISO timestamps, which
// are taken to be UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
