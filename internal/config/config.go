package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsprackett/runwatch/internal/monitor"
)

type PollConfig struct {
	LivePollMs       int `json:"livePollMs" yaml:"livePollMs"`
	DegradedPollMs   int `json:"degradedPollMs" yaml:"degradedPollMs"`
	InitialBackoffMs int `json:"initialBackoffMs" yaml:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs" yaml:"maxBackoffMs"`
	DedupWindow      int `json:"dedupWindow" yaml:"dedupWindow"`
}

// Durations converts the millisecond settings into a monitor configuration.
func (p PollConfig) Durations() monitor.Config {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return monitor.Config{
		LivePoll:       ms(p.LivePollMs),
		DegradedPoll:   ms(p.DegradedPollMs),
		InitialBackoff: ms(p.InitialBackoffMs),
		MaxBackoff:     ms(p.MaxBackoffMs),
		DedupWindow:    p.DedupWindow,
	}
}

type ServerConfig struct {
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port" yaml:"port"`
	PushIntervalMs int    `json:"pushIntervalMs" yaml:"pushIntervalMs"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s ServerConfig) PushInterval() time.Duration {
	return time.Duration(s.PushIntervalMs) * time.Millisecond
}

type NotificationsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Webhook string `json:"webhook" yaml:"webhook"`
	NtfyURL string `json:"ntfy" yaml:"ntfy"`
}

type Config struct {
	API           string              `json:"api" yaml:"api"`
	WS            string              `json:"ws" yaml:"ws"`
	LogDir        string              `json:"logDir" yaml:"logDir"`
	LogLevel      string              `json:"logLevel" yaml:"logLevel"`
	Poll          PollConfig          `json:"poll" yaml:"poll"`
	Server        ServerConfig        `json:"server" yaml:"server"`
	Notifications NotificationsConfig `json:"notifications" yaml:"notifications"`
}

func Defaults() Config {
	return Config{
		API:      "http://localhost:8000",
		LogDir:   filepath.Join(baseDir(), "logs"),
		LogLevel: "info",
		Poll: PollConfig{
			LivePollMs:       15000,
			DegradedPollMs:   3000,
			InitialBackoffMs: 500,
			MaxBackoffMs:     30000,
			DedupWindow:      1024,
		},
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8000,
			PushIntervalMs: 2000,
		},
	}
}

func baseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".runwatch")
}

func DefaultPath() string {
	return filepath.Join(baseDir(), "config.json")
}

func DBPath() string {
	return filepath.Join(baseDir(), "runs.db")
}

// Load reads path over Defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// WSBase returns the push channel base URL, deriving it from API when WS is
// not set.
func (c Config) WSBase() (string, error) {
	if c.WS != "" {
		return strings.TrimRight(c.WS, "/"), nil
	}
	u, err := url.Parse(c.API)
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("api url %q: unsupported scheme %q", c.API, u.Scheme)
	}
	return strings.TrimRight(u.String(), "/"), nil
}
