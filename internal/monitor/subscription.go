package monitor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsprackett/runwatch/internal/reconciler"
	"github.com/zsprackett/runwatch/internal/run"
	"github.com/zsprackett/runwatch/internal/transport"
)

// work runs on the subscription goroutine with mu held and reports whether
// the projection changed.
type work func() bool

type subscription struct {
	m        *Monitor
	key      subKey
	runID    string
	onUpdate OnUpdate
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan work
	done   chan struct{}
	exited chan struct{}
	once   sync.Once

	mu             sync.Mutex
	rec            *reconciler.Reconciler
	state          State
	channel        io.Closer
	gen            int
	attempt        int
	pollTimer      *time.Timer
	reconnectTimer *time.Timer
	fetching       bool
	finalPending   bool
	finalTries     int

	deliverMu  sync.Mutex
	disposed   atomic.Bool
	inCallback atomic.Bool
}

func newSubscription(m *Monitor, key subKey, onUpdate OnUpdate) *subscription {
	id := uuid.NewString()
	logger := m.logger.With("run", key.runID, "sub", id[:8])
	ctx, cancel := context.WithCancel(context.Background())
	return &subscription{
		m:        m,
		key:      key,
		runID:    key.runID,
		onUpdate: onUpdate,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		inbox:    make(chan work, 64),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
		rec:      reconciler.New(key.runID, m.cfg.DedupWindow, logger),
		state:    StateIdle,
	}
}

func (s *subscription) start() {
	s.mu.Lock()
	s.connectLocked()
	s.startFetchLocked()
	s.armPollLocked()
	s.mu.Unlock()
	go s.loop()
}

func (s *subscription) loop() {
	defer close(s.exited)
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.inbox:
			s.mu.Lock()
			changed := fn()
			var p run.Projection
			if changed {
				p = s.projectionLocked()
			}
			finished := s.state == StateClosed && !s.finalPending
			s.mu.Unlock()

			if changed {
				s.deliver(p)
			}
			if finished {
				s.logger.Debug("monitor: subscription finished")
				s.cancel()
				s.m.remove(s)
				return
			}
		}
	}
}

// post queues fn for the subscription goroutine. It reports false once the
// subscription is gone.
func (s *subscription) post(fn work) bool {
	select {
	case <-s.done:
		return false
	case <-s.exited:
		return false
	default:
	}
	select {
	case s.inbox <- fn:
		return true
	case <-s.done:
		return false
	case <-s.exited:
		return false
	}
}

func (s *subscription) deliver(p run.Projection) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.disposed.Load() {
		return
	}
	s.inCallback.Store(true)
	defer s.inCallback.Store(false)
	defer func() {
		if r := recover(); r != nil {
			err := &ConsumerError{RunID: s.runID, Panic: r}
			s.logger.Error("monitor: consumer callback failed", "err", err)
		}
	}()
	s.onUpdate(p)
}

func (s *subscription) projectionLocked() run.Projection {
	p := s.rec.Projection()
	p.State = s.state.String()
	// Reconnect attempts still count as degraded until a channel is live.
	p.Degraded = s.state == StateDegraded || (s.state == StateConnecting && s.attempt > 0)
	p.Final = s.state == StateClosed && !s.finalPending
	return p
}

// connectLocked starts a dial for a new channel generation.
func (s *subscription) connectLocked() {
	s.gen++
	gen := s.gen
	s.state = StateConnecting
	s.logger.Debug("monitor: connecting", "attempt", s.attempt)

	handlers := transport.Handlers{
		OnMessage: func(payload json.RawMessage) {
			s.post(func() bool { return s.onMessage(payload) })
		},
		OnClose: func(err error) {
			s.post(func() bool { return s.onChannelClosed(gen, err) })
		},
	}
	go func() {
		ch, err := s.m.transport.Open(s.ctx, s.runID, handlers)
		delivered := s.post(func() bool { return s.onOpened(gen, ch, err) })
		if !delivered && ch != nil {
			ch.Close()
		}
	}()
}

func (s *subscription) onOpened(gen int, ch io.Closer, err error) bool {
	if s.state == StateClosed || gen != s.gen {
		if ch != nil {
			ch.Close()
		}
		return false
	}
	if err != nil {
		s.logger.Warn("monitor: push connect failed", "err", err)
		return s.degradeLocked()
	}
	s.channel = ch
	s.state = StateLive
	s.attempt = 0
	s.armPollLocked()
	s.logger.Info("monitor: push channel live")
	return true
}

func (s *subscription) onChannelClosed(gen int, err error) bool {
	if s.state == StateClosed || gen != s.gen {
		return false
	}
	s.logger.Warn("monitor: push channel lost", "err", err)
	return s.degradeLocked()
}

// degradeLocked drops the current channel, shortens polling and schedules a
// reconnect.
func (s *subscription) degradeLocked() bool {
	s.gen++
	if s.channel != nil {
		s.channel.Close()
		s.channel = nil
	}
	s.state = StateDegraded
	delay := s.m.backoff.Delay(s.attempt)
	s.attempt++
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.post(s.onReconnectDue)
	})
	s.armPollLocked()
	s.logger.Info("monitor: degraded", "retry_in", delay, "attempt", s.attempt)
	return true
}

func (s *subscription) onReconnectDue() bool {
	if s.state != StateDegraded {
		return false
	}
	s.reconnectTimer = nil
	s.connectLocked()
	return true
}

func (s *subscription) armPollLocked() {
	if s.pollTimer != nil {
		s.pollTimer.Stop()
	}
	interval := s.m.cfg.DegradedPoll
	if s.state == StateLive {
		interval = s.m.cfg.LivePoll
	}
	s.pollTimer = time.AfterFunc(interval, func() {
		s.post(s.onPollDue)
	})
}

func (s *subscription) onPollDue() bool {
	if s.state == StateClosed {
		return false
	}
	s.startFetchLocked()
	s.armPollLocked()
	return false
}

// startFetchLocked issues a poll unless one is already in flight.
func (s *subscription) startFetchLocked() {
	if s.fetching {
		s.logger.Debug("monitor: poll still in flight, skipping")
		return
	}
	s.fetching = true
	go func() {
		snap, err := s.m.fetcher.Fetch(s.ctx, s.runID)
		s.post(func() bool { return s.onFetched(snap, err) })
	}()
}

func (s *subscription) onFetched(snap run.Snapshot, err error) bool {
	s.fetching = false
	if s.state == StateClosed {
		return false
	}
	if err != nil {
		s.logger.Warn("monitor: poll failed", "err", err)
		return false
	}
	changed := s.rec.IngestSnapshot(snap)
	if s.rec.Status().Terminal() {
		// A full read that already shows the terminal status is the final one.
		s.closeLocked()
		s.m.notifyTerminal(s.projectionLocked())
		return true
	}
	return changed
}

func (s *subscription) onMessage(payload json.RawMessage) bool {
	if s.state == StateClosed {
		return false
	}
	e, err := run.DecodeEvent(s.runID, payload)
	if err != nil {
		s.logger.Warn("monitor: dropping malformed event", "err", err)
		return false
	}
	changed := s.rec.IngestEvent(e)
	if s.rec.Status().Terminal() {
		s.closeLocked()
		s.finalPending = true
		s.startFinalFetchLocked()
		return true
	}
	return changed
}

// startFinalFetchLocked takes the authoritative read after a terminal status
// was seen on the push channel.
func (s *subscription) startFinalFetchLocked() {
	s.finalTries++
	go func() {
		snap, err := s.m.fetcher.Fetch(s.ctx, s.runID)
		s.post(func() bool { return s.onFinalFetched(snap, err) })
	}()
}

func (s *subscription) onFinalFetched(snap run.Snapshot, err error) bool {
	if err != nil {
		if s.finalTries < s.m.cfg.FinalFetchAttempts {
			delay := s.m.backoff.Delay(s.finalTries - 1)
			s.logger.Warn("monitor: final read failed, retrying", "err", err, "retry_in", delay)
			time.AfterFunc(delay, func() {
				s.post(func() bool {
					s.startFinalFetchLocked()
					return false
				})
			})
			return false
		}
		s.logger.Warn("monitor: final read failed, keeping pushed state", "err", err)
		s.finalPending = false
		s.m.notifyTerminal(s.projectionLocked())
		return true
	}
	snap.Final = true
	s.rec.IngestSnapshot(snap)
	s.finalPending = false
	s.m.notifyTerminal(s.projectionLocked())
	return true
}

// closeLocked moves to Closed and releases the channel and timers.
func (s *subscription) closeLocked() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.gen++
	if s.channel != nil {
		s.channel.Close()
		s.channel = nil
	}
	if s.pollTimer != nil {
		s.pollTimer.Stop()
		s.pollTimer = nil
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.logger.Info("monitor: closed", "status", string(s.rec.Status()))
}

func (s *subscription) dispose() {
	s.once.Do(func() {
		s.disposed.Store(true)
		s.mu.Lock()
		s.finalPending = false
		s.closeLocked()
		s.mu.Unlock()
		s.cancel()
		close(s.done)
		s.m.remove(s)
		// Wait out a delivery running on another goroutine. From inside the
		// callback itself this would deadlock.
		if !s.inCallback.Load() {
			s.deliverMu.Lock()
			s.deliverMu.Unlock()
		}
	})
}
