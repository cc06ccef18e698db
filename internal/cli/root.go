// Package cli wires the runwatch commands.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsprackett/runwatch/internal/applog"
	"github.com/zsprackett/runwatch/internal/config"
	"github.com/zsprackett/runwatch/internal/runsapi"
)

type rootFlags struct {
	ConfigPath string
	API        string
	LogLevel   string
	Timeout    time.Duration
}

var rf rootFlags

func Execute() error {
	rootCmd := &cobra.Command{
		Use:           "runwatch",
		Short:         "Live observer for remote training runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&rf.ConfigPath, "config", config.DefaultPath(), "Config file (.json, .yaml or .yml)")
	rootCmd.PersistentFlags().StringVar(&rf.API, "api", os.Getenv("RUNWATCH_API"), "Run API base URL (overrides config; defaults to RUNWATCH_API)")
	rootCmd.PersistentFlags().StringVar(&rf.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().DurationVar(&rf.Timeout, "timeout", 10*time.Second, "HTTP request timeout")

	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(emitCmd())
	rootCmd.AddCommand(finishCmd())
	rootCmd.AddCommand(serveCmd())

	return rootCmd.Execute()
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(rf.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if rf.API != "" {
		cfg.API = rf.API
	}
	if rf.LogLevel != "" {
		cfg.LogLevel = rf.LogLevel
	}
	return cfg, nil
}

// initLogging sets up the rotating log file. When the log directory is
// unusable it falls back to slog.Default.
func initLogging(cfg config.Config, echo io.Writer) (*slog.Logger, func()) {
	logger, closer, err := applog.Init(applog.InitConfig{
		LogDir:   cfg.LogDir,
		LogLevel: cfg.LogLevel,
		Echo:     echo,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not init log file: %v\n", err)
		return slog.Default(), func() {}
	}
	return logger, func() { closer.Close() }
}

func apiClient(cfg config.Config) *runsapi.Client {
	return runsapi.New(cfg.API, rf.Timeout)
}
