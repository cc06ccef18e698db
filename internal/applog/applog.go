package applog

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultPrefix names the log files runwatch writes.
const DefaultPrefix = "runwatch"

// DailyRotator is an io.Writer that writes to <prefix>-YYYY-MM-DD.log in dir
// and starts a new file each calendar day. Files beyond maxDays are pruned.
type DailyRotator struct {
	mu      sync.Mutex
	dir     string
	prefix  string
	date    string
	file    *os.File
	maxDays int
	now     func() time.Time
}

func NewDailyRotator(dir, prefix string, maxDays int) *DailyRotator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &DailyRotator{
		dir:     dir,
		prefix:  prefix,
		maxDays: maxDays,
		now:     time.Now,
	}
}

// SetNow replaces the time source. Used in tests only.
func (r *DailyRotator) SetNow(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = fn
}

// FileName returns the log file used for the given day.
func (r *DailyRotator) FileName(day time.Time) string {
	return filepath.Join(r.dir, r.prefix+"-"+day.Format("2006-01-02")+".log")
}

func (r *DailyRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if today := now.Format("2006-01-02"); today != r.date {
		if err := r.rotate(now); err != nil {
			return 0, err
		}
	}
	return r.file.Write(p)
}

func (r *DailyRotator) rotate(day time.Time) error {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	f, err := os.OpenFile(r.FileName(day), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	r.file = f
	r.date = day.Format("2006-01-02")
	r.prune()
	return nil
}

func (r *DailyRotator) prune() {
	if r.maxDays <= 0 {
		return
	}
	matches, err := filepath.Glob(filepath.Join(r.dir, r.prefix+"-*.log"))
	if err != nil || len(matches) <= r.maxDays {
		return
	}
	sort.Strings(matches)
	for _, f := range matches[:len(matches)-r.maxDays] {
		os.Remove(f)
	}
}

func (r *DailyRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

// InitConfig holds configuration for Init.
type InitConfig struct {
	LogDir   string
	LogLevel string
	// Format is "text" (default) or "json".
	Format string
	// Prefix overrides DefaultPrefix for file names.
	Prefix string
	// MaxDays is the number of daily files kept. Zero means 7.
	MaxDays int
	// Echo, when set, also receives every record. The line-mode watcher
	// passes os.Stderr here; the full-screen view must not.
	Echo io.Writer
}

// Init sets up file-backed structured logging. It redirects both slog.Default
// and the stdlib log package to a daily-rotating file in cfg.LogDir.
// The returned io.Closer must be deferred by the caller.
func Init(cfg InitConfig) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	maxDays := cfg.MaxDays
	if maxDays <= 0 {
		maxDays = 7
	}
	rotator := NewDailyRotator(cfg.LogDir, cfg.Prefix, maxDays)

	var out io.Writer = rotator
	if cfg.Echo != nil {
		out = io.MultiWriter(rotator, cfg.Echo)
	}
	logger := slog.New(NewHandler(out, cfg.Format, ParseLevel(cfg.LogLevel)))
	slog.SetDefault(logger)
	log.SetOutput(out)
	log.SetFlags(0)
	return logger, rotator, nil
}

// NewHandler builds a text or JSON slog handler writing to w.
func NewHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel converts a level string to slog.Level. Defaults to LevelInfo.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
