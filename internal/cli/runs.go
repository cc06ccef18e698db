package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/zsprackett/runwatch/internal/run"
	"github.com/zsprackett/runwatch/internal/runsapi"
)

func runsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			runs, err := apiClient(cfg).List(cmd.Context())
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), runs, time.Now())
		},
	}
}

func printRuns(w io.Writer, runs []runsapi.RunSummary, now time.Time) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "no runs")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tCREATED\tUPDATED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, orDash(r.Name), r.Status, age(r.CreatedAt, now), age(r.UpdatedAt, now))
	}
	return tw.Flush()
}

func age(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create [name]",
		Short: "Create a queued run and print its id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			id, err := apiClient(cfg).Create(cmd.Context(), name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func emitCmd() *cobra.Command {
	var level, detail string
	cmd := &cobra.Command{
		Use:   "emit <runId> <title>",
		Short: "Append an event to a run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			in := runsapi.EventInput{Level: string(run.ParseLevel(level)), Title: args[1]}
			if cmd.Flags().Changed("detail") {
				in.Detail = &detail
			}
			id, err := apiClient(cfg).AppendEvent(cmd.Context(), args[0], in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "event %d\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&level, "level", "info", "Event level: info, warn, error")
	cmd.Flags().StringVar(&detail, "detail", "", "Event detail text")
	return cmd
}

func finishCmd() *cobra.Command {
	var status, metrics string
	cmd := &cobra.Command{
		Use:   "finish <runId>",
		Short: "Set a run's status (completed by default) and optional metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return setStatus(cmd.Context(), apiClient(cfg), args[0], status, metrics)
		},
	}
	cmd.Flags().StringVar(&status, "status", string(run.StatusCompleted), "Status: queued, running, completed, failed")
	cmd.Flags().StringVar(&metrics, "metrics", "", "Metrics as a JSON object")
	return cmd
}

func setStatus(ctx context.Context, c *runsapi.Client, runID, status, metrics string) error {
	s := run.ParseStatus(status)
	if s == run.StatusUnknown {
		return fmt.Errorf("invalid status %q", status)
	}
	var raw json.RawMessage
	if metrics != "" {
		if !json.Valid([]byte(metrics)) {
			return fmt.Errorf("metrics is not valid JSON")
		}
		raw = json.RawMessage(metrics)
	}
	return c.SetStatus(ctx, runID, s, raw)
}
