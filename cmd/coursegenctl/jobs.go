package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/kiranshivaraju/coursegen/internal/app"
	"github.com/kiranshivaraju/coursegen/internal/config"
	"github.com/kiranshivaraju/coursegen/internal/observability"
	"github.com/spf13/cobra"
)

var sweepStaleness time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Recover jobs stuck in processing",
	Long: `Requeue jobs whose processing started longer ago than --staleness, failing those
that already used every attempt, and re-dispatch pending jobs that lost their outbox row.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *app.App) error {
			staleness := sweepStaleness
			if staleness <= 0 {
				staleness = a.Config.Jobs.SweepStaleness
			}
			report, err := a.Sweeper.Sweep(cmd.Context(), staleness)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		})
	},
}

var reprocessCmd = &cobra.Command{
	Use:   "reprocess",
	Short: "Sweep, then run every pending job sequentially",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *app.App) error {
			report, err := a.Reprocessor.Reprocess(cmd.Context())
			if report != nil {
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
					return perr
				}
			}
			return err
		})
	},
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepStaleness, "staleness", 0, "processing age after which a job counts as stuck (default SWEEP_STALENESS)")
}

// withApp opens the full stack, runs fn and tears everything down.
func withApp(cmd *cobra.Command, fn func(a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdown, err := observability.InitTracing(cmd.Context(), cfg.Tracing, cfg.Server.Env)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdown(cmd.Context())

	a, closeApp, err := app.Open(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeApp()

	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
