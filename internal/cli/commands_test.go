package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zsprackett/runwatch/internal/monitor"
	"github.com/zsprackett/runwatch/internal/run"
	"github.com/zsprackett/runwatch/internal/runsapi"
	"github.com/zsprackett/runwatch/internal/transport"
	"github.com/zsprackett/runwatch/internal/webserver"
)

func devServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := openDB(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts := httptest.NewServer(webserver.New(store, webserver.Config{PushInterval: 50 * time.Millisecond}, logger).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestSetStatusValidates(t *testing.T) {
	c := runsapi.New("http://127.0.0.1:1", time.Second)
	if err := setStatus(context.Background(), c, "r1", "paused", ""); err == nil || !strings.Contains(err.Error(), "invalid status") {
		t.Errorf("expected invalid status error, got %v", err)
	}
	if err := setStatus(context.Background(), c, "r1", "completed", "{nope"); err == nil || !strings.Contains(err.Error(), "JSON") {
		t.Errorf("expected JSON error, got %v", err)
	}
}

func TestRunsListing(t *testing.T) {
	ts := devServer(t)
	c := runsapi.New(ts.URL, time.Second)
	ctx := context.Background()
	id, err := c.Create(ctx, "resnet")
	if err != nil {
		t.Fatal(err)
	}

	runs, err := c.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := printRuns(&buf, runs, time.Now().Add(150*time.Second)); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"ID", id, "resnet", "queued", "2 minutes ago"} {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %q:\n%s", want, out)
		}
	}
}

func TestWatchLinesUntilFailure(t *testing.T) {
	ts := devServer(t)
	c := runsapi.New(ts.URL, time.Second)
	ctx := context.Background()
	id, _ := c.Create(ctx, "")
	c.AppendEvent(ctx, id, runsapi.EventInput{Title: "start"})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dialer := transport.NewDialer(transport.Config{BaseURL: "ws" + strings.TrimPrefix(ts.URL, "http")}, logger)
	mon := monitor.New(monitor.NewWebsocketTransport(dialer), c, monitor.Config{LivePoll: time.Hour, DegradedPoll: 50 * time.Millisecond}, logger)
	defer mon.Close()

	go func() {
		time.Sleep(100 * time.Millisecond)
		setStatus(ctx, c, id, "failed", `{"step":3}`)
	}()

	var out bytes.Buffer
	watchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := watchLines(watchCtx, mon, id, &out)
	if err == nil || !strings.Contains(err.Error(), "failed") {
		t.Fatalf("expected failure error, got %v", err)
	}
	if watchCtx.Err() != nil {
		t.Fatal("watch should end on the terminal status, not the timeout")
	}
	text := out.String()
	for _, want := range []string{"start", "run failed", "== status failed"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []run.Projection
}

func (n *recordingNotifier) NotifyTerminal(p run.Projection) {
	n.mu.Lock()
	n.calls = append(n.calls, p)
	n.mu.Unlock()
}

func (n *recordingNotifier) projections() []run.Projection {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]run.Projection(nil), n.calls...)
}

func TestWatchLinesWaitsForFinalReadAndNotifies(t *testing.T) {
	ts := devServer(t)
	c := runsapi.New(ts.URL, time.Second)
	ctx := context.Background()
	id, _ := c.Create(ctx, "")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dialer := transport.NewDialer(transport.Config{BaseURL: "ws" + strings.TrimPrefix(ts.URL, "http")}, logger)
	mon := monitor.New(monitor.NewWebsocketTransport(dialer), c, monitor.Config{LivePoll: time.Hour, DegradedPoll: 50 * time.Millisecond}, logger)
	notifier := &recordingNotifier{}
	mon.SetNotifier(notifier)

	go func() {
		time.Sleep(200 * time.Millisecond)
		setStatus(ctx, c, id, "completed", `{"acc":0.91}`)
	}()

	var out bytes.Buffer
	watchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := watchLines(watchCtx, mon, id, &out); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if watchCtx.Err() != nil {
		t.Fatal("watch should end on the final projection, not the timeout")
	}
	mon.Close()

	got := notifier.projections()
	if len(got) != 1 {
		t.Fatalf("notifications: got %d want 1", len(got))
	}
	if got[0].Status != run.StatusCompleted {
		t.Errorf("notified status: got %q", got[0].Status)
	}
	if string(got[0].Metrics) != `{"acc":0.91}` {
		t.Errorf("notified metrics should come from the final read, got %s", got[0].Metrics)
	}
	if !strings.Contains(out.String(), "acc") {
		t.Errorf("output missing final metrics:\n%s", out.String())
	}
}
