package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zsprackett/runwatch/internal/monitor"
	"github.com/zsprackett/runwatch/internal/notify"
	"github.com/zsprackett/runwatch/internal/run"
	"github.com/zsprackett/runwatch/internal/transport"
	"github.com/zsprackett/runwatch/internal/ui"
)

func watchCmd() *cobra.Command {
	var plain bool
	cmd := &cobra.Command{
		Use:   "watch <runId>",
		Short: "Follow a run live (full-screen on a terminal, line output otherwise)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			interactive := !plain && term.IsTerminal(int(os.Stdout.Fd()))

			var echo io.Writer
			if !interactive {
				echo = os.Stderr
			}
			logger, closeLog := initLogging(cfg, echo)
			defer closeLog()

			wsBase, err := cfg.WSBase()
			if err != nil {
				return err
			}
			dialer := transport.NewDialer(transport.Config{BaseURL: wsBase}, logger)
			mon := monitor.New(monitor.NewWebsocketTransport(dialer), apiClient(cfg), cfg.Poll.Durations(), logger)
			defer mon.Close()
			if cfg.Notifications.Enabled {
				mon.SetNotifier(notify.New(notify.Config{
					Enabled: cfg.Notifications.Enabled,
					Webhook: cfg.Notifications.Webhook,
					NtfyURL: cfg.Notifications.NtfyURL,
				}, logger))
			}

			if interactive {
				return ui.NewApp(mon, runID, logger).Run()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watchLines(ctx, mon, runID, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "Line output even on a terminal")
	return cmd
}

// watchLines prints the run until its final projection arrives or ctx is
// cancelled. A failed run is reported as an error so scripts can check the
// exit code.
func watchLines(ctx context.Context, mon *monitor.Monitor, runID string, w io.Writer) error {
	p := NewPrinter(w, time.Local)
	finished := make(chan run.Projection, 1)
	dispose := mon.SubscribeAs("lines", runID, func(proj run.Projection) {
		p.Print(proj)
		if proj.Final {
			select {
			case finished <- proj:
			default:
			}
		}
	})
	defer dispose()

	select {
	case <-ctx.Done():
		return nil
	case proj := <-finished:
		if proj.Status == run.StatusFailed {
			return fmt.Errorf("run %s failed", runID)
		}
		return nil
	}
}
