// Command coursegenctl is the operator CLI: schema migrations, manual recovery and
// API key provisioning.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "coursegenctl",
	Short: "Operate a coursegen deployment",
	Long: `coursegenctl - operator tooling for the coursegen job service.

Examples:
  coursegenctl migrate                              # Apply database migrations
  coursegenctl sweep --staleness 5m                 # Recover jobs stuck in processing
  coursegenctl reprocess                            # Drain every outstanding job now
  coursegenctl keys create --owner <uuid> --name ci # Issue an API key`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(reprocessCmd)
	rootCmd.AddCommand(keysCmd)
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
