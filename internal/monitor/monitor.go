// Package monitor keeps a live, reconciled view of remote runs. Each
// subscription owns one push channel and one poll timer and feeds both into
// its own reconciler; consumers only ever see the merged projection.
package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsprackett/runwatch/internal/run"
	"github.com/zsprackett/runwatch/internal/transport"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateLive
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transport opens push channels. The returned Closer must be safe to close
// more than once.
type Transport interface {
	Open(ctx context.Context, runID string, h transport.Handlers) (io.Closer, error)
}

// Fetcher reads full run snapshots.
type Fetcher interface {
	Fetch(ctx context.Context, runID string) (run.Snapshot, error)
}

// Notifier is told once when a subscription sees its run finish.
type Notifier interface {
	NotifyTerminal(p run.Projection)
}

type websocketTransport struct {
	d *transport.Dialer
}

// NewWebsocketTransport adapts a transport.Dialer to Transport.
func NewWebsocketTransport(d *transport.Dialer) Transport {
	return websocketTransport{d: d}
}

func (w websocketTransport) Open(ctx context.Context, runID string, h transport.Handlers) (io.Closer, error) {
	ch, err := w.d.Open(ctx, runID, h)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

type Config struct {
	// LivePoll is the poll interval while the push channel is healthy.
	LivePoll time.Duration
	// DegradedPoll is the poll interval while connecting or disconnected.
	DegradedPoll   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	DedupWindow    int
	// FinalFetchAttempts bounds retries of the authoritative read taken after
	// a terminal status.
	FinalFetchAttempts int
}

func DefaultConfig() Config {
	return Config{
		LivePoll:           15 * time.Second,
		DegradedPoll:       3 * time.Second,
		InitialBackoff:     500 * time.Millisecond,
		MaxBackoff:         30 * time.Second,
		DedupWindow:        1024,
		FinalFetchAttempts: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LivePoll <= 0 {
		c.LivePoll = d.LivePoll
	}
	if c.DegradedPoll <= 0 {
		c.DegradedPoll = d.DegradedPoll
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.FinalFetchAttempts <= 0 {
		c.FinalFetchAttempts = d.FinalFetchAttempts
	}
	return c
}

// OnUpdate receives every accepted change to a run's projection. It is
// called from the subscription's goroutine, one call at a time.
type OnUpdate func(p run.Projection)

// Dispose ends a subscription. It is idempotent and may be called from
// inside OnUpdate.
type Dispose func()

// ConsumerError wraps a panic raised by an OnUpdate callback.
type ConsumerError struct {
	RunID string
	Panic any
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("consumer of run %s panicked: %v", e.RunID, e.Panic)
}

type subKey struct {
	consumer string
	runID    string
}

type Monitor struct {
	transport Transport
	fetcher   Fetcher
	cfg       Config
	backoff   Backoff
	notifier  Notifier
	logger    *slog.Logger

	mu   sync.Mutex
	subs map[subKey]*subscription

	notifying sync.WaitGroup
}

func New(t Transport, f Fetcher, cfg Config, logger *slog.Logger) *Monitor {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		transport: t,
		fetcher:   f,
		cfg:       cfg,
		backoff:   Backoff{Initial: cfg.InitialBackoff, Max: cfg.MaxBackoff},
		logger:    logger,
		subs:      make(map[subKey]*subscription),
	}
}

// SetNotifier installs a Notifier for runs reaching a terminal status.
func (m *Monitor) SetNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

// SetJitter replaces the jitter source. Used in tests only.
func (m *Monitor) SetJitter(fn func() float64) {
	m.backoff.Rand = fn
}

// Subscribe starts observing runID for an anonymous consumer.
func (m *Monitor) Subscribe(runID string, onUpdate OnUpdate) Dispose {
	return m.SubscribeAs(uuid.NewString(), runID, onUpdate)
}

// SubscribeAs starts observing runID on behalf of consumer. An existing
// subscription for the same consumer and run is disposed first.
func (m *Monitor) SubscribeAs(consumer, runID string, onUpdate OnUpdate) Dispose {
	key := subKey{consumer: consumer, runID: runID}
	s := newSubscription(m, key, onUpdate)

	m.mu.Lock()
	prev := m.subs[key]
	m.subs[key] = s
	m.mu.Unlock()

	if prev != nil {
		m.logger.Debug("monitor: replacing subscription", "run", runID, "consumer", consumer)
		prev.dispose()
	}
	s.start()
	return s.dispose
}

// Active returns the number of subscriptions that have not been disposed.
func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Close disposes every subscription and waits for notifications already
// handed to the Notifier.
func (m *Monitor) Close() {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()
	for _, s := range subs {
		s.dispose()
	}
	m.notifying.Wait()
}

func (m *Monitor) remove(s *subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[s.key] == s {
		delete(m.subs, s.key)
	}
}

func (m *Monitor) notifyTerminal(p run.Projection) {
	m.mu.Lock()
	n := m.notifier
	m.mu.Unlock()
	if n == nil {
		return
	}
	m.notifying.Add(1)
	go func() {
		defer m.notifying.Done()
		n.NotifyTerminal(p)
	}()
}
