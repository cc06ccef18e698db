package monitor_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsprackett/runwatch/internal/monitor"
	"github.com/zsprackett/runwatch/internal/run"
	"github.com/zsprackett/runwatch/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeChannel struct {
	h      transport.Handlers
	closed atomic.Bool
}

func (c *fakeChannel) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeChannel) send(t *testing.T, raw string) {
	t.Helper()
	c.h.OnMessage(json.RawMessage(raw))
}

func (c *fakeChannel) drop() {
	c.h.OnClose(&transport.TransportError{Op: "read", Err: errors.New("connection reset")})
}

type fakeTransport struct {
	fail  atomic.Bool
	opens chan *fakeChannel
	calls atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{opens: make(chan *fakeChannel, 32)}
}

func (f *fakeTransport) Open(ctx context.Context, runID string, h transport.Handlers) (io.Closer, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return nil, &transport.TransportError{Op: "dial", RunID: runID, Err: errors.New("refused")}
	}
	ch := &fakeChannel{h: h}
	f.opens <- ch
	return ch, nil
}

func (f *fakeTransport) next(t *testing.T) *fakeChannel {
	t.Helper()
	select {
	case ch := <-f.opens:
		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel open")
		return nil
	}
}

type fakeFetcher struct {
	mu    sync.Mutex
	snap  run.Snapshot
	err   error
	calls int
	gate  chan struct{}
}

func (f *fakeFetcher) set(status run.Status, metrics string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = run.Snapshot{RunID: "r1", Status: status}
	if metrics != "" {
		f.snap.Metrics = json.RawMessage(metrics)
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, runID string) (run.Snapshot, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	snap := f.snap
	snap.RunID = runID
	snap.FetchedAt = time.Now()
	return snap, f.err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type updates struct {
	mu   sync.Mutex
	list []run.Projection
	at   []time.Time
}

func (u *updates) record(p run.Projection) {
	u.mu.Lock()
	u.list = append(u.list, p)
	u.at = append(u.at, time.Now())
	u.mu.Unlock()
}

// transition returns the time between the first delivery in state from and
// the next delivery in state to.
func (u *updates) transition(from, to string) (time.Duration, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	start := -1
	for i, p := range u.list {
		switch {
		case start < 0 && p.State == from:
			start = i
		case start >= 0 && p.State == to:
			return u.at[i].Sub(u.at[start]), true
		}
	}
	return 0, false
}

func (u *updates) snapshot() []run.Projection {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]run.Projection(nil), u.list...)
}

func (u *updates) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.list)
}

func (u *updates) last() run.Projection {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.list) == 0 {
		return run.Projection{}
	}
	return u.list[len(u.list)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig() monitor.Config {
	return monitor.Config{
		LivePoll:       time.Hour,
		DegradedPoll:   20 * time.Millisecond,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
		DedupWindow:    64,
	}
}

func seqs(p run.Projection) []int64 {
	var out []int64
	for _, e := range p.Events {
		out = append(out, e.Sequence)
	}
	return out
}

func TestReconnectResumesWithoutDuplicates(t *testing.T) {
	tr := newFakeTransport()
	f := &fakeFetcher{}
	f.set(run.StatusRunning, "")
	cfg := testConfig()
	mon := monitor.New(tr, f, cfg, discardLogger())
	mon.SetJitter(func() float64 { return 1 })

	u := &updates{}
	dispose := mon.Subscribe("r1", u.record)
	defer dispose()

	ch := tr.next(t)
	ch.send(t, `{"id":1,"title":"start"}`)
	ch.send(t, `{"id":2,"title":"epoch 1"}`)
	ch.send(t, `{"id":3,"title":"epoch 2"}`)
	waitFor(t, "three events", func() bool { return len(u.last().Events) == 3 })

	ch.drop()
	waitFor(t, "degraded flag", func() bool { return u.last().Degraded })
	waitFor(t, "lost channel closed", ch.closed.Load)

	ch2 := tr.next(t)
	waitFor(t, "reconnect attempt", func() bool {
		_, ok := u.transition("degraded", "connecting")
		return ok
	})
	if gap, _ := u.transition("degraded", "connecting"); gap > cfg.MaxBackoff+50*time.Millisecond {
		t.Errorf("degraded to connecting took %v, max backoff %v", gap, cfg.MaxBackoff)
	}

	// The server replays from the start.
	ch2.send(t, `{"id":1,"title":"start"}`)
	ch2.send(t, `{"id":2,"title":"epoch 1"}`)
	ch2.send(t, `{"id":3,"title":"epoch 2"}`)
	ch2.send(t, `{"id":4,"title":"epoch 3"}`)
	waitFor(t, "fourth event", func() bool { return len(u.last().Events) == 4 })
	waitFor(t, "live again", func() bool { return !u.last().Degraded })

	got := seqs(u.last())
	want := []int64{1, 2, 3, 4}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("got %v want %v", got, want)
	}
}

func TestScenarioDropPollRedeliver(t *testing.T) {
	tr := newFakeTransport()
	f := &fakeFetcher{}
	f.set(run.StatusRunning, "")
	mon := monitor.New(tr, f, testConfig(), discardLogger())

	u := &updates{}
	dispose := mon.Subscribe("r1", u.record)
	defer dispose()

	ch := tr.next(t)
	ch.send(t, `{"seq":1,"title":"start"}`)
	ch.send(t, `{"seq":2,"title":"epoch 1"}`)
	ch.drop()

	// Degraded polling keeps reading {status: running}.
	before := f.callCount()
	waitFor(t, "degraded poll", func() bool { return f.callCount() > before })

	ch2 := tr.next(t)
	ch2.send(t, `{"seq":2,"title":"epoch 1"}`)
	ch2.send(t, `{"seq":3,"title":"epoch 2"}`)
	waitFor(t, "third event", func() bool { return len(u.last().Events) == 3 })

	p := u.last()
	if fmt.Sprint(seqs(p)) != "[1 2 3]" {
		t.Errorf("got %v want [1 2 3]", seqs(p))
	}
	if p.Status != run.StatusRunning {
		t.Errorf("status: got %q want running", p.Status)
	}
}

func TestDegradedPollingWhenPushUnavailable(t *testing.T) {
	tr := newFakeTransport()
	tr.fail.Store(true)
	f := &fakeFetcher{}
	f.set(run.StatusQueued, `{"step":0}`)
	mon := monitor.New(tr, f, testConfig(), discardLogger())

	u := &updates{}
	dispose := mon.Subscribe("r1", u.record)
	defer dispose()

	waitFor(t, "several polls", func() bool { return f.callCount() >= 3 })
	waitFor(t, "several reconnect attempts", func() bool { return tr.calls.Load() >= 2 })

	p := u.last()
	if p.Status != run.StatusQueued {
		t.Errorf("status: got %q want queued", p.Status)
	}
	if !p.Degraded {
		t.Error("expected degraded flag while push is down")
	}
	if string(p.Metrics) != `{"step":0}` {
		t.Errorf("metrics: got %s", p.Metrics)
	}
}

func TestPollFailuresAreAbsorbed(t *testing.T) {
	tr := newFakeTransport()
	f := &fakeFetcher{err: errors.New("boom")}
	mon := monitor.New(tr, f, testConfig(), discardLogger())

	u := &updates{}
	dispose := mon.Subscribe("r1", u.record)
	defer dispose()

	ch := tr.next(t)
	ch.send(t, `{"seq":1,"title":"still here"}`)
	waitFor(t, "event despite failing polls", func() bool { return len(u.last().Events) == 1 })
	if mon.Active() != 1 {
		t.Errorf("subscription should stay active, got %d", mon.Active())
	}
}

func TestDisposeStopsDeliveryAndReleasesResources(t *testing.T) {
	tr := newFakeTransport()
	gate := make(chan struct{})
	f := &fakeFetcher{gate: gate}
	f.set(run.StatusRunning, `{"loss":1}`)
	mon := monitor.New(tr, f, testConfig(), discardLogger())

	u := &updates{}
	dispose := mon.Subscribe("r1", u.record)
	ch := tr.next(t)
	waitFor(t, "live", func() bool { return u.last().State == "live" })
	n := u.count()

	dispose()
	if !ch.closed.Load() {
		t.Error("dispose must close the channel synchronously")
	}
	if mon.Active() != 0 {
		t.Errorf("active subscriptions: got %d want 0", mon.Active())
	}

	// In-flight responses and late pushes arrive after disposal.
	close(gate)
	ch.send(t, `{"seq":1,"title":"late"}`)
	time.Sleep(100 * time.Millisecond)

	if got := u.count(); got != n {
		t.Errorf("expected no updates after dispose, got %d more", got-n)
	}
	dispose() // idempotent
}

func TestDisposeFromInsideCallback(t *testing.T) {
	tr := newFakeTransport()
	f := &fakeFetcher{}
	f.set(run.StatusUnknown, "")
	mon := monitor.New(tr, f, testConfig(), discardLogger())

	var calls atomic.Int32
	var dispose monitor.Dispose
	ready := make(chan struct{})
	dispose = mon.Subscribe("r1", func(p run.Projection) {
		calls.Add(1)
		<-ready
		dispose()
	})
	close(ready)

	ch := tr.next(t)
	ch.send(t, `{"seq":1,"title":"one"}`)
	waitFor(t, "disposal", func() bool { return mon.Active() == 0 })
	ch.send(t, `{"seq":2,"title":"two"}`)
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 1 {
		t.Errorf("expected exactly one callback, got %d", calls.Load())
	}
}

type countingNotifier struct {
	mu    sync.Mutex
	calls []run.Projection
	block chan struct{}
}

func (n *countingNotifier) NotifyTerminal(p run.Projection) {
	if n.block != nil {
		<-n.block
	}
	n.mu.Lock()
	n.calls = append(n.calls, p)
	n.mu.Unlock()
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func TestTerminalEventClosesAndTakesFinalRead(t *testing.T) {
	tr := newFakeTransport()
	f := &fakeFetcher{}
	f.set(run.StatusRunning, "")
	mon := monitor.New(tr, f, testConfig(), discardLogger())
	notifier := &countingNotifier{}
	mon.SetNotifier(notifier)

	u := &updates{}
	dispose := mon.Subscribe("r1", u.record)
	defer dispose()

	ch := tr.next(t)
	ch.send(t, `{"seq":1,"title":"start"}`)
	waitFor(t, "first event", func() bool { return len(u.last().Events) == 1 })

	f.set(run.StatusCompleted, `{"acc":0.93}`)
	ch.send(t, `{"seq":2,"title":"finished","status":"completed"}`)

	waitFor(t, "final projection", func() bool { return u.last().Final })
	p := u.last()
	if string(p.Metrics) != `{"acc":0.93}` {
		t.Errorf("metrics: got %s", p.Metrics)
	}
	if p.Status != run.StatusCompleted {
		t.Errorf("status: got %q", p.Status)
	}
	if p.State != monitor.StateClosed.String() {
		t.Errorf("state: got %q want closed", p.State)
	}
	all := u.snapshot()
	for _, q := range all[:len(all)-1] {
		if q.Final {
			t.Error("only the last projection may be final")
		}
	}
	if !ch.closed.Load() {
		t.Error("channel should be released on terminal status")
	}
	waitFor(t, "notification", func() bool { return notifier.count() == 1 })
	waitFor(t, "finished subscription released", func() bool { return mon.Active() == 0 })

	// Nothing more is expected; later traffic is ignored.
	n := u.count()
	ch.send(t, `{"seq":3,"title":"ghost"}`)
	time.Sleep(50 * time.Millisecond)
	if u.count() != n {
		t.Error("closed subscription delivered another update")
	}
}

func TestFinalReadFailureStillFinishes(t *testing.T) {
	tr := newFakeTransport()
	f := &fakeFetcher{}
	f.set(run.StatusRunning, "")
	cfg := testConfig()
	cfg.FinalFetchAttempts = 2
	mon := monitor.New(tr, f, cfg, discardLogger())
	notifier := &countingNotifier{}
	mon.SetNotifier(notifier)

	u := &updates{}
	dispose := mon.Subscribe("r1", u.record)
	defer dispose()

	ch := tr.next(t)
	waitFor(t, "live", func() bool { return u.last().State == "live" })
	f.mu.Lock()
	f.err = errors.New("backend down")
	f.mu.Unlock()
	ch.send(t, `{"seq":1,"title":"crashed","status":"failed"}`)

	waitFor(t, "final projection", func() bool { return u.last().Final })
	if got := u.last().Status; got != run.StatusFailed {
		t.Errorf("status: got %q want pushed failed", got)
	}
	waitFor(t, "notification", func() bool { return notifier.count() == 1 })
	waitFor(t, "finished subscription released", func() bool { return mon.Active() == 0 })
}

func TestCloseWaitsForNotifications(t *testing.T) {
	tr := newFakeTransport()
	f := &fakeFetcher{}
	f.set(run.StatusCompleted, "")
	mon := monitor.New(tr, f, testConfig(), discardLogger())
	release := make(chan struct{})
	notifier := &countingNotifier{block: release}
	mon.SetNotifier(notifier)

	u := &updates{}
	mon.Subscribe("r1", u.record)
	waitFor(t, "final projection", func() bool { return u.last().Final })

	closed := make(chan struct{})
	go func() {
		mon.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while a notification was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the notification finished")
	}
	if notifier.count() != 1 {
		t.Errorf("notifications: got %d want 1", notifier.count())
	}
}

func TestTerminalSnapshotNeverRegresses(t *testing.T) {
	tr := newFakeTransport()
	f := &fakeFetcher{}
	f.set(run.StatusCompleted, "")
	mon := monitor.New(tr, f, testConfig(), discardLogger())

	u := &updates{}
	dispose := mon.Subscribe("r1", u.record)
	defer dispose()

	waitFor(t, "completed", func() bool { return u.last().Status == run.StatusCompleted })
	ch := tr.next(t)
	ch.send(t, `{"seq":1,"title":"stale","status":"running"}`)
	time.Sleep(50 * time.Millisecond)
	if got := u.last().Status; got != run.StatusCompleted {
		t.Errorf("status regressed to %q", got)
	}
}

func TestConsumerPanicIsIsolated(t *testing.T) {
	tr := newFakeTransport()
	f := &fakeFetcher{}
	f.set(run.StatusUnknown, "")
	mon := monitor.New(tr, f, testConfig(), discardLogger())

	u := &updates{}
	var first atomic.Bool
	dispose := mon.Subscribe("r1", func(p run.Projection) {
		if first.CompareAndSwap(false, true) {
			panic("render failed")
		}
		u.record(p)
	})
	defer dispose()

	ch := tr.next(t)
	ch.send(t, `{"seq":1,"title":"one"}`)
	ch.send(t, `{"seq":2,"title":"two"}`)
	waitFor(t, "delivery after panic", func() bool { return len(u.last().Events) == 2 })
}

func TestMalformedPushIsDropped(t *testing.T) {
	tr := newFakeTransport()
	f := &fakeFetcher{}
	f.set(run.StatusUnknown, "")
	mon := monitor.New(tr, f, testConfig(), discardLogger())

	u := &updates{}
	dispose := mon.Subscribe("r1", u.record)
	defer dispose()

	ch := tr.next(t)
	ch.send(t, `{"seq":1}`)
	ch.send(t, `{"seq":2,"title":"ok"}`)
	waitFor(t, "valid event", func() bool { return len(u.last().Events) == 1 })
	if u.last().Events[0].Title != "ok" {
		t.Errorf("unexpected event %+v", u.last().Events[0])
	}
}

func TestSubscribeAsReplacesPrevious(t *testing.T) {
	tr := newFakeTransport()
	f := &fakeFetcher{}
	f.set(run.StatusRunning, "")
	mon := monitor.New(tr, f, testConfig(), discardLogger())

	first := &updates{}
	mon.SubscribeAs("view-1", "r1", first.record)
	ch1 := tr.next(t)
	waitFor(t, "first live", func() bool { return first.last().State == "live" })

	second := &updates{}
	dispose := mon.SubscribeAs("view-1", "r1", second.record)
	defer dispose()
	ch2 := tr.next(t)

	if !ch1.closed.Load() {
		t.Error("previous subscription's channel should be closed")
	}
	if mon.Active() != 1 {
		t.Errorf("active: got %d want 1", mon.Active())
	}

	// A different run for the same consumer is independent.
	other := mon.SubscribeAs("view-1", "r2", func(run.Projection) {})
	defer other()
	tr.next(t)
	if mon.Active() != 2 {
		t.Errorf("active: got %d want 2", mon.Active())
	}
	if ch2.closed.Load() {
		t.Error("current subscription's channel should stay open")
	}
}

func TestBackoffBoundedWithJitter(t *testing.T) {
	b := monitor.Backoff{Initial: 100 * time.Millisecond, Max: time.Second}
	for attempt := 0; attempt < 20; attempt++ {
		d := b.Delay(attempt)
		if d > time.Second {
			t.Fatalf("attempt %d: delay %v exceeds max", attempt, d)
		}
		if d < 50*time.Millisecond {
			t.Fatalf("attempt %d: delay %v below half the initial delay", attempt, d)
		}
	}

	full := monitor.Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Rand: func() float64 { return 1 }}
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		if got := full.Delay(i); got != w*time.Millisecond {
			t.Errorf("attempt %d: got %v want %v", i, got, w*time.Millisecond)
		}
	}

	low := monitor.Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Rand: func() float64 { return 0 }}
	if got := low.Delay(2); got != 200*time.Millisecond {
		t.Errorf("zero jitter: got %v want 200ms", got)
	}
}
