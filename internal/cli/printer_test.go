package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/zsprackett/runwatch/internal/run"
)

func ev(seq int64, title string) run.Event {
	return run.Event{
		RunID:       "r1",
		Sequence:    seq,
		HasSequence: true,
		Level:       run.LevelInfo,
		Title:       title,
		Timestamp:   time.Date(2026, 1, 1, 9, 30, int(seq), 0, time.UTC),
	}
}

func TestPrinterPrintsEachEventOnce(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, time.UTC)

	p.Print(run.Projection{RunID: "r1", State: "live", Status: run.StatusRunning, Events: []run.Event{ev(1, "start")}})
	p.Print(run.Projection{RunID: "r1", State: "live", Status: run.StatusRunning, Events: []run.Event{ev(1, "start"), ev(2, "epoch 1")}})

	want := "-- push channel live\n" +
		"09:30:01 INFO  #1 start\n" +
		"== status running\n" +
		"09:30:02 INFO  #2 epoch 1\n"
	if buf.String() != want {
		t.Errorf("got:\n%s\nwant:\n%s", buf.String(), want)
	}
}

func TestPrinterReportsDegradedAndMetrics(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, time.UTC)

	detail := ev(1, "oom")
	detail.Level = run.LevelError
	detail.Detail = "cuda out of memory\nat step 12"
	detail.HasDetail = true

	p.Print(run.Projection{State: "live"})
	p.Print(run.Projection{State: "degraded", Degraded: true})
	p.Print(run.Projection{
		State:   "closed",
		Status:  run.StatusFailed,
		Events:  []run.Event{detail},
		Metrics: json.RawMessage(`{"step":12}`),
	})

	out := buf.String()
	for _, want := range []string{
		"-- push channel down, polling\n",
		"09:30:01 ERROR #1 oom\n    cuda out of memory\n    at step 12\n",
		"== status failed\n",
		`== metrics {"step":12}` + "\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintRuns(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	err := printRuns(&buf, nil, now)
	if err != nil || buf.String() != "no runs\n" {
		t.Errorf("empty list: %q %v", buf.String(), err)
	}
}
