// Package transport owns the push connection for a single run. It knows how
// to connect, read and close; whether to reconnect is the caller's decision.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// TransportError reports a failed connect or an unexpected end of the push
// stream. It is always recoverable.
type TransportError struct {
	Op    string
	RunID string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.RunID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Handlers receive the output of a Channel. OnMessage is called from the
// channel's read goroutine in received order. OnClose is called at most once,
// only when the stream ends without the owner having called Close.
type Handlers struct {
	OnMessage func(payload json.RawMessage)
	OnClose   func(err error)
}

type Config struct {
	// BaseURL is the ws:// or wss:// origin serving /ws/runs/{runId}.
	BaseURL          string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	MaxMessageSize   int64
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 2 * c.PingInterval
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
	return c
}

type Dialer struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	cfg = cfg.withDefaults()
	return &Dialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  1024,
		},
		logger: logger,
	}
}

// URL returns the push endpoint for runID.
func (d *Dialer) URL(runID string) string {
	return strings.TrimRight(d.cfg.BaseURL, "/") + "/ws/runs/" + url.PathEscape(runID)
}

// Open establishes one push connection for runID. The handlers are in place
// before the first read, so no message is missed.
func (d *Dialer) Open(ctx context.Context, runID string, h Handlers) (*Channel, error) {
	addr := d.URL(runID)
	conn, resp, err := d.dialer.DialContext(ctx, addr, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (http %d)", err, resp.StatusCode)
		}
		return nil, &TransportError{Op: "dial", RunID: runID, Err: err}
	}

	c := &Channel{
		runID:    runID,
		conn:     conn,
		handlers: h,
		cfg:      d.cfg,
		logger:   d.logger,
		done:     make(chan struct{}),
	}
	conn.SetReadLimit(d.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(d.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(d.cfg.ReadTimeout))
	})

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()
	d.logger.Debug("transport: connected", "run", runID, "url", addr)
	return c, nil
}

// Channel is one open push connection.
type Channel struct {
	runID    string
	conn     *websocket.Conn
	handlers Handlers
	cfg      Config
	logger   *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
	done      chan struct{}
	wg        sync.WaitGroup
}

func (c *Channel) readLoop() {
	defer c.wg.Done()
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		if !json.Valid(data) {
			c.logger.Warn("transport: dropping malformed message",
				"run", c.runID,
				"bytes", len(data),
			)
			continue
		}
		if c.isClosed() {
			return
		}
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(json.RawMessage(data))
		}
	}
}

func (c *Channel) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.PingInterval/2))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// finish reports an unexpected end of stream to the owner.
func (c *Channel) finish(err error) {
	c.mu.Lock()
	ownerClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	c.shutdown()
	if ownerClosed {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		err = errors.New("server closed the stream")
	}
	c.logger.Debug("transport: stream ended", "run", c.runID, "err", err)
	if c.handlers.OnClose != nil {
		c.handlers.OnClose(&TransportError{Op: "read", RunID: c.runID, Err: err})
	}
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.conn.Close()
	})
}

// Close releases the connection. It is safe to call more than once and on a
// nil Channel. OnClose is not invoked for an owner-initiated close.
func (c *Channel) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.shutdown()
	return nil
}

// Wait blocks until the channel's goroutines have exited.
func (c *Channel) Wait() {
	if c == nil {
		return
	}
	c.wg.Wait()
}
