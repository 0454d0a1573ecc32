package syncjob

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/livinlefevreloca/trailsync/internal/db"
	"github.com/livinlefevreloca/trailsync/internal/events"
	"github.com/livinlefevreloca/trailsync/internal/manifest"
	"github.com/livinlefevreloca/trailsync/internal/remote"
)

// fetchStreams runs every eligible remote stage of each activity, newest
// first, and hands activities whose remote group completed to the local
// pipeline. Nothing is written once ctx is cancelled.
func (j *Job) fetchStreams(ctx context.Context, activities []*db.Activity, out chan<- *db.Activity) error {
	sort.SliceStable(activities, func(a, b int) bool {
		return activities[a].TS.After(activities[b].TS)
	})

	reg := j.deps.Registry
	for _, a := range activities {
		tried := make(map[*manifest.Stage]bool)
		for {
			stage := reg.NextEligible(a.SyncState, manifest.GroupRemote, j.deps.Clock.Now())
			if stage == nil || tried[stage] {
				break
			}
			tried[stage] = true
			data, err := j.fetchOne(ctx, a, stage)
			if ctx.Err() != nil {
				j.logger.Info("stream fetch cancelled")
				return nil
			}
			if err := j.recordFetch(ctx, a, stage, data, err); err != nil {
				return err
			}
			j.progress()
		}

		j.statesMu.Lock()
		complete := reg.IsComplete(a.SyncState, manifest.GroupRemote)
		j.statesMu.Unlock()
		if !complete {
			continue
		}
		select {
		case out <- a:
		case <-ctx.Done():
			return nil
		}
	}
	j.logger.Info("completed streams fetch", "activities", len(activities))
	return nil
}

// recordFetch stores the outcome of one remote stage. A nil data map with
// a nil error means the remote side has nothing for this activity.
func (j *Job) recordFetch(ctx context.Context, a *db.Activity, stage *manifest.Stage, data map[string][]float64, fetchErr error) error {
	if fetchErr == nil && len(data) > 0 {
		streams := make([]*db.Stream, 0, len(data))
		for name, series := range data {
			streams = append(streams, &db.Stream{
				ActivityID: a.ID,
				AthleteID:  a.AthleteID,
				Name:       name,
				Data:       series,
			})
		}
		if err := j.deps.Store.PutStreams(ctx, streams); err != nil {
			return fmt.Errorf("save streams for %d: %w", a.ID, err)
		}
	}

	j.statesMu.Lock()
	if a.SyncState == nil {
		a.SyncState = manifest.States{}
	}
	switch {
	case fetchErr != nil:
		j.logger.Warn("fetch streams error (will retry later)",
			"activity_id", a.ID,
			"stage", stage.Qualifier(),
			"error", fetchErr)
		a.SyncState.SetError(stage, fetchErr.Error(), j.deps.Clock.Now())
	case len(data) == 0:
		a.SyncState.SetNotApplicable(stage)
		a.SyncState.ClearGroup(manifest.GroupLocal)
	default:
		a.SyncState.SetSuccess(stage)
		a.SyncState.ClearGroup(manifest.GroupLocal)
	}
	j.statesMu.Unlock()

	if err := j.deps.Store.SaveSyncStates(ctx, []*db.Activity{a}); err != nil {
		return fmt.Errorf("save sync state for %d: %w", a.ID, err)
	}
	return nil
}

// fetchOne performs one rate limited stream request. A not-found response
// returns nil data and no error. Throttled responses are retried with a
// growing delay.
func (j *Job) fetchOne(ctx context.Context, a *db.Activity, stage *manifest.Stage) (map[string][]float64, error) {
	for attempt := 1; ; attempt++ {
		suspend := j.deps.Limiter.WillSuspendFor()
		announce := suspend > j.cfg.RateLimitNotify
		if announce {
			j.logger.Info("rate limited", "suspend_for", suspend)
			j.publish(events.Event{
				Type: events.TypeRateLimited,
				RateLimit: &events.RateLimit{
					Suspended: true,
					Until:     j.deps.Clock.Now().Add(suspend),
				},
			})
		}
		if err := j.deps.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
		if announce {
			j.publish(events.Event{Type: events.TypeRateLimited, RateLimit: &events.RateLimit{}})
		}

		j.logger.Debug("fetching streams", "activity_id", a.ID, "ts", a.TS)
		data, err := j.deps.Source.ActivityStreams(ctx, a.ID, stage.Streams)
		switch {
		case err == nil:
			return data, nil
		case errors.Is(err, remote.ErrNotFound):
			return nil, nil
		case errors.Is(err, remote.ErrThrottled) && attempt <= j.cfg.MaxThrottleRetries:
			delay := j.cfg.ThrottleBackoff * time.Duration(attempt)
			j.logger.Warn("hit throttle limits, delaying next request", "delay", delay)
			if err := j.deps.Clock.Sleep(ctx, delay); err != nil {
				return nil, err
			}
			j.logger.Info("resuming after throttle period")
		default:
			return nil, err
		}
	}
}
