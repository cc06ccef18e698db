package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/zsprackett/runwatch/internal/run"
)

// Config holds notification settings.
type Config struct {
	Enabled bool   `json:"enabled"`
	Webhook string `json:"webhook"`
	NtfyURL string `json:"ntfy"`
}

// Notifier posts a webhook and/or an ntfy message when a run finishes.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

// NotifyTerminal reports a run that reached completed or failed. Failures are
// logged, never returned.
func (n *Notifier) NotifyTerminal(p run.Projection) {
	if !n.cfg.Enabled || !p.Status.Terminal() {
		return
	}
	if n.cfg.Webhook != "" {
		n.sendWebhook(p)
	}
	if n.cfg.NtfyURL != "" {
		n.sendNtfy(p)
	}
}

type webhookPayload struct {
	Run       string          `json:"run"`
	Status    string          `json:"status"`
	Events    int             `json:"events"`
	Metrics   json.RawMessage `json:"metrics,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (n *Notifier) sendWebhook(p run.Projection) {
	payload := webhookPayload{
		Run:       p.RunID,
		Status:    string(p.Status),
		Events:    len(p.Events),
		Metrics:   p.Metrics,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	n.post("webhook", n.cfg.Webhook, payload)
}

type ntfyPayload struct {
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority int      `json:"priority"`
	Tags     []string `json:"tags"`
}

func (n *Notifier) sendNtfy(p run.Projection) {
	payload := ntfyPayload{
		Title:    fmt.Sprintf("run %s %s", p.RunID, p.Status),
		Message:  lastTitle(p),
		Priority: 3,
		Tags:     []string{"white_check_mark"},
	}
	if p.Status == run.StatusFailed {
		payload.Priority = 4
		payload.Tags = []string{"rotating_light"}
	}
	n.post("ntfy", n.cfg.NtfyURL, payload)
}

func (n *Notifier) post(kind, url string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		n.logger.Warn("notify: marshal failed", "kind", kind, "err", err)
		return
	}
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		n.logger.Warn("notify: "+kind+" failed", "err", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn("notify: "+kind+" rejected", "status", resp.StatusCode)
	}
}

func lastTitle(p run.Projection) string {
	if len(p.Events) == 0 {
		return "no events"
	}
	return p.Events[len(p.Events)-1].Title
}
