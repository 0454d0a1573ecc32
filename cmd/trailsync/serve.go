package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/trailsync/internal/events"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep every enabled athlete in sync until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		sub := eng.manager.Subscribe(0)
		go logEvents(sub)
		defer eng.manager.Unsubscribe(sub)

		logger.Info("trailsync is running", "current_athlete", cfg.CurrentAthlete)
		err = eng.manager.Run(ctx)
		logger.Info("shutting down gracefully")
		return err
	},
}

// logEvents reports job events until sub is closed
func logEvents(sub *events.Subscription) {
	for e := range sub.C() {
		switch e.Type {
		case events.TypeError:
			logger.Warn("sync error", "athlete_id", e.AthleteID, "job_id", e.JobID, "error", e.Error)
		case events.TypeRateLimited:
			if e.RateLimit != nil && e.RateLimit.Suspended {
				logger.Info("sync suspended by rate limit", "athlete_id", e.AthleteID, "until", e.RateLimit.Until)
			}
		case events.TypeProgress:
			if e.Counts != nil {
				logger.Debug("sync progress",
					"athlete_id", e.AthleteID,
					"total", e.Counts.Total,
					"imported", e.Counts.Imported,
					"processed", e.Counts.Processed)
			}
		case events.TypeStatus:
			logger.Debug("sync status", "athlete_id", e.AthleteID, "status", e.Status)
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
