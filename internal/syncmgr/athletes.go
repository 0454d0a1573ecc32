package syncmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/livinlefevreloca/trailsync/internal/db"
	"github.com/livinlefevreloca/trailsync/internal/events"
	"github.com/livinlefevreloca/trailsync/internal/manifest"
	"github.com/livinlefevreloca/trailsync/internal/syncjob"
)

// UpdateAthlete applies fn to the stored record of id and saves it. Every
// athlete read-modify-write goes through here so concurrent writers never
// lose each other's fields.
func (m *Manager) UpdateAthlete(ctx context.Context, id int64, fn func(*db.Athlete) error) (*db.Athlete, error) {
	m.athleteMu.Lock()
	defer m.athleteMu.Unlock()

	a, err := m.store.GetAthlete(ctx, id)
	if db.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAthlete, id)
	}
	if err != nil {
		return nil, err
	}
	if err := fn(a); err != nil {
		return nil, err
	}
	if err := m.store.UpdateAthlete(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to save athlete %d: %w", id, err)
	}
	return a, nil
}

func (m *Manager) athleteUpdater(id int64) syncjob.AthleteUpdater {
	return func(ctx context.Context, fn func(*db.Athlete)) error {
		_, err := m.UpdateAthlete(ctx, id, func(a *db.Athlete) error {
			fn(a)
			return nil
		})
		return err
	}
}

// AddAthlete creates a, or updates the profile of an existing athlete
// while keeping its sync bookkeeping
func (m *Manager) AddAthlete(ctx context.Context, a *db.Athlete) (*db.Athlete, error) {
	if a.ID == 0 {
		return nil, fmt.Errorf("athlete id required")
	}

	m.athleteMu.Lock()
	existing, err := m.store.GetAthlete(ctx, a.ID)
	switch {
	case db.IsNotFound(err):
		err = m.store.CreateAthlete(ctx, a)
		m.athleteMu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("failed to create athlete %d: %w", a.ID, err)
		}
		m.logger.Info("athlete added", "athlete_id", a.ID, "enabled", a.Enabled)
		m.signal(MsgAthleteChanged, a.ID)
		return a, nil
	case err != nil:
		m.athleteMu.Unlock()
		return nil, err
	}

	existing.Name = a.Name
	existing.Gender = a.Gender
	existing.MaxHR = a.MaxHR
	existing.FTPHistory = a.FTPHistory
	existing.WeightHistory = a.WeightHistory
	err = m.store.UpdateAthlete(ctx, existing)
	m.athleteMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to update athlete %d: %w", a.ID, err)
	}
	m.signal(MsgAthleteChanged, a.ID)
	return existing, nil
}

// Enable turns on syncing for id and resets its bookkeeping so the next
// sync starts from scratch
func (m *Manager) Enable(ctx context.Context, id int64) error {
	_, err := m.UpdateAthlete(ctx, id, func(a *db.Athlete) error {
		a.Enabled = true
		a.LastSync = time.Time{}
		a.LastSyncError = time.Time{}
		a.LastSyncVersionHash = ""
		a.LastSyncActivityListVersion = 0
		return nil
	})
	if err != nil {
		return err
	}
	m.signal(MsgAthleteChanged, id)
	m.bus.Publish(events.Event{Type: events.TypeEnabled, AthleteID: id})
	return nil
}

// Disable turns off syncing for id and cancels its active job
func (m *Manager) Disable(ctx context.Context, id int64) error {
	_, err := m.UpdateAthlete(ctx, id, func(a *db.Athlete) error {
		a.Enabled = false
		return nil
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	aj := m.active[id]
	delete(m.requests, id)
	m.mu.Unlock()
	if aj != nil {
		aj.job.Cancel()
	}

	m.signal(MsgAthleteChanged, id)
	m.bus.Publish(events.Event{Type: events.TypeDisabled, AthleteID: id})
	return nil
}

// PurgeAthleteData deletes every activity, stream and peak of id. The
// athlete record stays; its discovery bookkeeping is reset so a later
// sync rebuilds the history.
func (m *Manager) PurgeAthleteData(ctx context.Context, id int64) (int64, error) {
	var deleted int64
	err := m.withHold(ctx, id, func() error {
		var err error
		deleted, err = m.store.DeleteActivitiesForAthlete(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to purge athlete %d: %w", id, err)
		}
		_, err = m.UpdateAthlete(ctx, id, func(a *db.Athlete) error {
			a.ActivitySentinel = time.Time{}
			a.LastSyncActivityListVersion = 0
			return nil
		})
		return err
	})
	if err != nil {
		return deleted, err
	}
	m.logger.Info("athlete data purged", "athlete_id", id, "activities", deleted)
	return deleted, nil
}

// stagesFor resolves a group and optional stage name
func (m *Manager) stagesFor(group manifest.Group, name string) ([]*manifest.Stage, error) {
	reg := m.deps.Registry
	if name == "" {
		stages := reg.Stages(group)
		if len(stages) == 0 {
			return nil, fmt.Errorf("no stages in group %q", group)
		}
		return stages, nil
	}
	s, ok := reg.Stage(group, name)
	if !ok {
		return nil, fmt.Errorf("unknown stage %s", manifest.Qualifier(group, name))
	}
	return []*manifest.Stage{s}, nil
}

func invalidateOptions(group manifest.Group) syncjob.Options {
	return syncjob.Options{
		NoActivityScan: true,
		NoStreamsFetch: group == manifest.GroupLocal,
	}
}

// InvalidateAthleteSyncState clears one stage, or a whole group when name
// is empty, on every activity of id and resyncs without a scan
func (m *Manager) InvalidateAthleteSyncState(ctx context.Context, id int64, group manifest.Group, name string) error {
	stages, err := m.stagesFor(group, name)
	if err != nil {
		return err
	}
	athlete, err := m.store.GetAthlete(ctx, id)
	if db.IsNotFound(err) {
		return fmt.Errorf("%w: %d", ErrUnknownAthlete, id)
	}
	if err != nil {
		return err
	}
	err = m.withHold(ctx, id, func() error {
		acts, err := m.store.GetActivitiesForAthlete(ctx, id, db.ActivityQuery{})
		if err != nil {
			return err
		}
		for _, a := range acts {
			for _, s := range stages {
				a.SyncState.Clear(s)
			}
		}
		if err := m.store.SaveSyncStates(ctx, acts); err != nil {
			return fmt.Errorf("failed to save sync state: %w", err)
		}
		m.logger.Info("invalidated sync state",
			"athlete_id", id,
			"group", string(group),
			"stage", name,
			"activities", len(acts))
		return nil
	})
	if err != nil {
		return err
	}

	if athlete.Enabled {
		return m.RefreshRequest(id, invalidateOptions(group))
	}
	return nil
}

// InvalidateActivitySyncState clears one stage, or a whole group when name
// is empty, on a single activity and resyncs its athlete without a scan
func (m *Manager) InvalidateActivitySyncState(ctx context.Context, activityID int64, group manifest.Group, name string) error {
	stages, err := m.stagesFor(group, name)
	if err != nil {
		return err
	}
	a, err := m.store.GetActivity(ctx, activityID)
	if err != nil {
		return fmt.Errorf("failed to load activity %d: %w", activityID, err)
	}
	athlete, err := m.store.GetAthlete(ctx, a.AthleteID)
	if db.IsNotFound(err) {
		return fmt.Errorf("%w: %d", ErrUnknownAthlete, a.AthleteID)
	}
	if err != nil {
		return err
	}
	err = m.withHold(ctx, a.AthleteID, func() error {
		// re-read: the cancelled job may have saved this activity
		cur, err := m.store.GetActivity(ctx, activityID)
		if err != nil {
			return err
		}
		for _, s := range stages {
			cur.SyncState.Clear(s)
		}
		if err := m.store.SaveSyncStates(ctx, []*db.Activity{cur}); err != nil {
			return fmt.Errorf("failed to save sync state: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if athlete.Enabled {
		return m.RefreshRequest(a.AthleteID, invalidateOptions(group))
	}
	return nil
}
