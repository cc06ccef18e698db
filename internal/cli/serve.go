package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zsprackett/runwatch/internal/config"
	"github.com/zsprackett/runwatch/internal/db"
	"github.com/zsprackett/runwatch/internal/webserver"
)

func serveCmd() *cobra.Command {
	var dbPath, host string
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the development run-state server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			logger, closeLog := initLogging(cfg, os.Stderr)
			defer closeLog()

			store, err := openDB(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := webserver.New(store, webserver.Config{
				Host:         cfg.Server.Host,
				Port:         cfg.Server.Port,
				PushInterval: cfg.Server.PushInterval(),
			}, logger)
			fmt.Fprintf(cmd.OutOrStdout(), "serving runs on http://%s\n", cfg.Server.Addr())
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", config.DBPath(), "SQLite database path (:memory: for a throwaway store)")
	cmd.Flags().StringVar(&host, "host", "", "Listen host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides config)")
	return cmd
}

func openDB(path string) (*db.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	store, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}
