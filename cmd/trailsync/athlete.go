package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/trailsync/internal/db"
	"github.com/livinlefevreloca/trailsync/internal/events"
	"github.com/livinlefevreloca/trailsync/internal/manifest"
	"github.com/livinlefevreloca/trailsync/internal/syncjob"
)

var athleteCmd = &cobra.Command{
	Use:   "athlete",
	Short: "Manage tracked athletes",
	Long: `Add, enable, disable, refresh, purge and inspect tracked athletes.

Examples:
  trailsync athlete add 1234 --name "Pat" --ftp 250 --enable
  trailsync athlete refresh 1234 --no-scan
  trailsync athlete invalidate 1234 --group local --stage peaks
  trailsync athlete status`,
}

var (
	addName    string
	addGender  string
	addMaxHR   float64
	addFTP     float64
	addWeight  float64
	addEnabled bool

	refreshNoScan  bool
	refreshNoFetch bool
	refreshForce   bool

	invalidateGroup    string
	invalidateStage    string
	invalidateActivity int64
)

// withEngine runs fn against a freshly built engine
func withEngine(fn func(ctx context.Context, eng *engine) error) error {
	ctx := context.Background()
	eng, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()
	return fn(ctx, eng)
}

var athleteAddCmd = &cobra.Command{
	Use:   "add <athlete-id>",
	Short: "Add an athlete or update its profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseAthleteID(args[0])
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		a := &db.Athlete{ID: id, Name: addName, Gender: addGender, MaxHR: addMaxHR, Enabled: addEnabled}
		if addFTP > 0 {
			a.FTPHistory = a.FTPHistory.Set(now, addFTP)
		}
		if addWeight > 0 {
			a.WeightHistory = a.WeightHistory.Set(now, addWeight)
		}
		return withEngine(func(ctx context.Context, eng *engine) error {
			if _, err := eng.manager.AddAthlete(ctx, a); err != nil {
				return err
			}
			if addEnabled {
				return eng.manager.Enable(ctx, id)
			}
			return nil
		})
	},
}

var athleteEnableCmd = &cobra.Command{
	Use:   "enable <athlete-id>",
	Short: "Enable syncing for an athlete",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseAthleteID(args[0])
		if err != nil {
			return err
		}
		return withEngine(func(ctx context.Context, eng *engine) error {
			return eng.manager.Enable(ctx, id)
		})
	},
}

var athleteDisableCmd = &cobra.Command{
	Use:   "disable <athlete-id>",
	Short: "Disable syncing for an athlete",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseAthleteID(args[0])
		if err != nil {
			return err
		}
		return withEngine(func(ctx context.Context, eng *engine) error {
			return eng.manager.Disable(ctx, id)
		})
	},
}

var athleteRefreshCmd = &cobra.Command{
	Use:   "refresh <athlete-id>",
	Short: "Sync an athlete now and wait for the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseAthleteID(args[0])
		if err != nil {
			return err
		}
		opts := syncjob.Options{
			NoActivityScan:      refreshNoScan,
			NoStreamsFetch:      refreshNoFetch,
			ForceActivityUpdate: refreshForce,
		}
		return withEngine(func(ctx context.Context, eng *engine) error {
			sub := eng.manager.Subscribe(id)
			defer eng.manager.Unsubscribe(sub)
			go printProgress(sub)
			return eng.manager.SyncNow(ctx, id, opts)
		})
	},
}

// printProgress writes progress counts to stderr until sub is closed
func printProgress(sub *events.Subscription) {
	for e := range sub.C() {
		if e.Type == events.TypeProgress && e.Counts != nil {
			c := e.Counts
			fmt.Fprintf(os.Stderr, "total %d  imported %d  unavailable %d  processed %d  unprocessable %d\n",
				c.Total, c.Imported, c.Unavailable, c.Processed, c.Unprocessable)
		}
	}
}

var athletePurgeCmd = &cobra.Command{
	Use:   "purge <athlete-id>",
	Short: "Delete all activities, streams and peaks of an athlete",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseAthleteID(args[0])
		if err != nil {
			return err
		}
		return withEngine(func(ctx context.Context, eng *engine) error {
			n, err := eng.manager.PurgeAthleteData(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("purged %d activities\n", n)
			return nil
		})
	},
}

var athleteInvalidateCmd = &cobra.Command{
	Use:   "invalidate <athlete-id>",
	Short: "Clear sync state so stages run again on the next sync",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseAthleteID(args[0])
		if err != nil {
			return err
		}
		group := manifest.Group(invalidateGroup)
		return withEngine(func(ctx context.Context, eng *engine) error {
			if invalidateActivity != 0 {
				return eng.manager.InvalidateActivitySyncState(ctx, invalidateActivity, group, invalidateStage)
			}
			return eng.manager.InvalidateAthleteSyncState(ctx, id, group, invalidateStage)
		})
	},
}

// athleteStatus is the status command output for one athlete
type athleteStatus struct {
	*db.Athlete
	Activities events.Counts `json:"activities"`
	Current    bool          `json:"current"`
}

var athleteStatusCmd = &cobra.Command{
	Use:   "status [athlete-id]",
	Short: "Show sync bookkeeping and activity counts",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		var athletes []*db.Athlete
		if len(args) == 1 {
			id, err := parseAthleteID(args[0])
			if err != nil {
				return err
			}
			a, err := database.GetAthlete(ctx, id)
			if err != nil {
				return fmt.Errorf("athlete %d: %w", id, err)
			}
			athletes = []*db.Athlete{a}
		} else if athletes, err = database.GetAllAthletes(ctx); err != nil {
			return err
		}

		reg, err := newRegistry()
		if err != nil {
			return err
		}
		reg.Seal()
		hash := reg.VersionHash()

		out := make([]athleteStatus, 0, len(athletes))
		for _, a := range athletes {
			acts, err := database.GetActivitiesForAthlete(ctx, a.ID, db.ActivityQuery{})
			if err != nil {
				return err
			}
			out = append(out, athleteStatus{
				Athlete:    a,
				Activities: syncjob.ComputeCounts(reg, acts),
				Current:    a.LastSyncVersionHash == hash && a.LastSyncActivityListVersion == syncjob.ActivityListVersion,
			})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	athleteAddCmd.Flags().StringVar(&addName, "name", "", "display name")
	athleteAddCmd.Flags().StringVar(&addGender, "gender", "", "gender (male or female)")
	athleteAddCmd.Flags().Float64Var(&addMaxHR, "max-hr", 0, "maximum heart rate")
	athleteAddCmd.Flags().Float64Var(&addFTP, "ftp", 0, "functional threshold power, effective now")
	athleteAddCmd.Flags().Float64Var(&addWeight, "weight", 0, "weight in kg, effective now")
	athleteAddCmd.Flags().BoolVar(&addEnabled, "enable", false, "enable syncing")

	athleteRefreshCmd.Flags().BoolVar(&refreshNoScan, "no-scan", false, "skip activity discovery")
	athleteRefreshCmd.Flags().BoolVar(&refreshNoFetch, "no-fetch", false, "skip stream fetches")
	athleteRefreshCmd.Flags().BoolVar(&refreshForce, "force", false, "rescan the full activity history")

	athleteInvalidateCmd.Flags().StringVar(&invalidateGroup, "group", string(manifest.GroupLocal), "stage group (remote or local)")
	athleteInvalidateCmd.Flags().StringVar(&invalidateStage, "stage", "", "stage name; empty clears the whole group")
	athleteInvalidateCmd.Flags().Int64Var(&invalidateActivity, "activity", 0, "only this activity")

	athleteCmd.AddCommand(athleteAddCmd, athleteEnableCmd, athleteDisableCmd, athleteRefreshCmd,
		athletePurgeCmd, athleteInvalidateCmd, athleteStatusCmd)
	rootCmd.AddCommand(athleteCmd)
}
