package webserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsprackett/runwatch/internal/db"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeWait = 10 * time.Second

// handlePush streams a run's stored events in id order. A client may resume
// with ?after=<id>; otherwise every event is sent from the start.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetRun(id); errors.Is(err, db.ErrNotFound) {
		writeError(w, 404, "Run not found")
		return
	}
	var last int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, 400, "invalid after")
			return
		}
		last = n
	}

	// Listen before upgrading so no append between the first read and the
	// wait is missed.
	wake, stop := s.hub.Listen(id)
	defer stop()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	logger := s.logger.With("run", id, "remote", r.RemoteAddr)
	logger.Debug("webserver: push client connected", "after", last)

	// Read loop: only control frames and close detection.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.PushInterval)
	defer ticker.Stop()

	for {
		evts, err := s.store.EventsAfter(id, last, 500)
		if err != nil {
			logger.Error("webserver: read events", "err", err)
			return
		}
		for _, e := range evts {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(toEventMessage(e)); err != nil {
				logger.Debug("webserver: push client gone", "err", err)
				return
			}
			last = e.ID
		}
		if len(evts) == 500 {
			continue
		}
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			logger.Debug("webserver: push client disconnected")
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}
