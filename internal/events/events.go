package events

import "sync"

// Event is a change to a stored run.
type Event struct {
	Type    string `json:"type"` // "event_appended" or "status_changed"
	RunID   string `json:"run_id"`
	Status  string `json:"status,omitempty"`
	EventID int64  `json:"event_id,omitempty"`
}

const (
	TypeEventAppended = "event_appended"
	TypeStatusChanged = "status_changed"
)

// Broadcaster sends events to connected push clients.
// A nil Broadcaster is safe to use -- Broadcast becomes a no-op.
type Broadcaster interface {
	Broadcast(e Event)
}

// Hub fans events out to per-run listeners. Sends never block: a listener
// that is behind only needs to know something changed.
type Hub struct {
	mu        sync.Mutex
	listeners map[string]map[chan struct{}]struct{}
}

func NewHub() *Hub {
	return &Hub{listeners: make(map[string]map[chan struct{}]struct{})}
}

// Listen returns a wake-up channel for runID and a func to stop listening.
func (h *Hub) Listen(runID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	set := h.listeners[runID]
	if set == nil {
		set = make(map[chan struct{}]struct{})
		h.listeners[runID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(set, ch)
			if len(set) == 0 {
				delete(h.listeners, runID)
			}
		})
	}
}

func (h *Hub) Broadcast(e Event) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.listeners[e.RunID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Listeners returns how many listeners are attached to runID.
func (h *Hub) Listeners(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners[runID])
}
