// Package integrity finds and repairs activities whose sync state
// disagrees with the streams actually stored.
package integrity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/livinlefevreloca/trailsync/internal/db"
	"github.com/livinlefevreloca/trailsync/internal/manifest"
)

// TimeStream is the stream every fetched activity is expected to hold
const TimeStream = "time"

// Store is the subset of the record store a check reads and repairs
type Store interface {
	GetActivitiesForAthlete(ctx context.Context, athleteID int64, q db.ActivityQuery) ([]*db.Activity, error)
	GetStreamActivityIDs(ctx context.Context, athleteID int64, stream string) ([]int64, error)
	GetStreamedActivityIDs(ctx context.Context, athleteID int64) ([]int64, error)
	SaveSyncStates(ctx context.Context, activities []*db.Activity) error
	DeleteStreamsForActivities(ctx context.Context, activityIDs []int64) error
}

// Options select which problems are fixed
type Options struct {
	// Repair resets the sync state of missing and false-error activities
	Repair bool

	// Prune deletes streams that belong to no activity
	Prune bool
}

// Report lists the activity ids found in each problem set
type Report struct {
	AthleteID int64 `json:"athlete_id"`

	// Missing activities claim fetched streams but hold no time stream
	Missing []int64 `json:"missing"`

	// FalseError activities hold a remote error but do have streams
	FalseError []int64 `json:"false_error"`

	// Detached ids hold streams but have no activity
	Detached []int64 `json:"detached"`

	Repaired int `json:"repaired"`
	Pruned   int `json:"pruned"`
}

// Clean reports whether no problem was found
func (r Report) Clean() bool {
	return len(r.Missing) == 0 && len(r.FalseError) == 0 && len(r.Detached) == 0
}

// Check compares the sync state of athleteID's activities against their stored streams
func Check(ctx context.Context, store Store, reg *manifest.Registry, athleteID int64, opts Options, logger *slog.Logger) (Report, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "integrity", "athlete_id", athleteID)
	report := Report{AthleteID: athleteID}

	acts, err := store.GetActivitiesForAthlete(ctx, athleteID, db.ActivityQuery{})
	if err != nil {
		return report, fmt.Errorf("load activities: %w", err)
	}
	withTime, err := store.GetStreamActivityIDs(ctx, athleteID, TimeStream)
	if err != nil {
		return report, fmt.Errorf("load stream ids: %w", err)
	}
	streamed, err := store.GetStreamedActivityIDs(ctx, athleteID)
	if err != nil {
		return report, fmt.Errorf("load stream ids: %w", err)
	}

	hasTime := toSet(withTime)
	known := make(map[int64]bool, len(acts))
	remote := reg.Stages(manifest.GroupRemote)

	var dirty []*db.Activity
	for _, a := range acts {
		known[a.ID] = true
		switch {
		case !hasTime[a.ID] && fetched(a.SyncState, remote):
			report.Missing = append(report.Missing, a.ID)
			if opts.Repair {
				a.SyncState.ClearGroup(manifest.GroupRemote)
				a.SyncState.ClearGroup(manifest.GroupLocal)
				dirty = append(dirty, a)
			}
		case hasTime[a.ID] && reg.HasErrors(a.SyncState, manifest.GroupRemote):
			report.FalseError = append(report.FalseError, a.ID)
			if opts.Repair {
				for _, s := range remote {
					if a.SyncState.HasError(s) {
						a.SyncState.SetSuccess(s)
					}
				}
				a.SyncState.ClearGroup(manifest.GroupLocal)
				dirty = append(dirty, a)
			}
		}
	}

	for _, id := range streamed {
		if !known[id] {
			report.Detached = append(report.Detached, id)
		}
	}
	sort.Slice(report.Detached, func(i, j int) bool { return report.Detached[i] < report.Detached[j] })

	if len(dirty) > 0 {
		if err := store.SaveSyncStates(ctx, dirty); err != nil {
			return report, fmt.Errorf("save repaired sync state: %w", err)
		}
		report.Repaired = len(dirty)
		logger.Info("repaired sync state", "activities", len(dirty))
	}
	if opts.Prune && len(report.Detached) > 0 {
		if err := store.DeleteStreamsForActivities(ctx, report.Detached); err != nil {
			return report, fmt.Errorf("prune detached streams: %w", err)
		}
		report.Pruned = len(report.Detached)
		logger.Info("pruned detached streams", "activities", len(report.Detached))
	}

	if !report.Clean() {
		logger.Warn("integrity problems found",
			"missing", len(report.Missing),
			"false_error", len(report.FalseError),
			"detached", len(report.Detached))
	}
	return report, nil
}

// fetched reports whether some remote stage claims to have stored data
func fetched(states manifest.States, remote []*manifest.Stage) bool {
	for _, s := range remote {
		if states.IsCurrent(s) && !states.IsNotApplicable(s) {
			return true
		}
	}
	return false
}

func toSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
