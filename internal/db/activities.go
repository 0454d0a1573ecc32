package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/livinlefevreloca/trailsync/internal/manifest"
)

// =============================================================================
// Activity Operations
// =============================================================================

const activityColumns = `id, athlete_id, ts, category, type, name, sync_state, stats`

// PutActivities upserts activity metadata keyed by id. Sync state and stats
// of existing rows are preserved so discovery can safely re-run.
func (db *DB) PutActivities(ctx context.Context, activities []*Activity) error {
	if len(activities) == 0 {
		return nil
	}
	return db.WithTransaction(ctx, func(tx *Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO activities (`+activityColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				athlete_id = excluded.athlete_id,
				ts = excluded.ts,
				category = excluded.category,
				type = excluded.type,
				name = excluded.name
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, a := range activities {
			args, err := activityArgs(a)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("failed to put activity %d: %w", a.ID, err)
			}
		}
		return nil
	})
}

// ReplaceActivities writes full activity records including sync state.
// Used by bulk import.
func (db *DB) ReplaceActivities(ctx context.Context, activities []*Activity) error {
	if len(activities) == 0 {
		return nil
	}
	return db.WithTransaction(ctx, func(tx *Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO activities (`+activityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, a := range activities {
			args, err := activityArgs(a)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("failed to replace activity %d: %w", a.ID, err)
			}
		}
		return nil
	})
}

// SaveSyncStates persists the sync state and stats of each activity
func (db *DB) SaveSyncStates(ctx context.Context, activities []*Activity) error {
	if len(activities) == 0 {
		return nil
	}
	return db.WithTransaction(ctx, func(tx *Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE activities SET sync_state = ?, stats = ? WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, a := range activities {
			state, err := json.Marshal(nonNilStates(a.SyncState))
			if err != nil {
				return err
			}
			stats, err := json.Marshal(nonNilStats(a.Stats))
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, string(state), string(stats), a.ID); err != nil {
				return fmt.Errorf("failed to save sync state for %d: %w", a.ID, err)
			}
		}
		return nil
	})
}

// GetActivity retrieves an activity by ID
func (db *DB) GetActivity(ctx context.Context, id int64) (*Activity, error) {
	query := `SELECT ` + activityColumns + ` FROM activities WHERE id = ?`
	a, err := scanActivity(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

// GetActivitiesForAthlete runs an ordered range query over (athlete_id, ts)
func (db *DB) GetActivitiesForAthlete(ctx context.Context, athleteID int64, q ActivityQuery) ([]*Activity, error) {
	var sb strings.Builder
	args := []any{athleteID}

	sb.WriteString(`SELECT ` + activityColumns + ` FROM activities WHERE athlete_id = ?`)
	if !q.Start.IsZero() {
		sb.WriteString(` AND ts >= ?`)
		args = append(args, q.Start.UnixMilli())
	}
	if !q.End.IsZero() {
		sb.WriteString(` AND ts < ?`)
		args = append(args, q.End.UnixMilli())
	}
	if q.Reverse {
		sb.WriteString(` ORDER BY ts DESC, id DESC`)
	} else {
		sb.WriteString(` ORDER BY ts ASC, id ASC`)
	}
	if q.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}

	rows, err := db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	activities := []*Activity{}
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		activities = append(activities, a)
	}
	return activities, rows.Err()
}

// GetActivityIDsForAthlete lists the ids of an athlete's activities
func (db *DB) GetActivityIDsForAthlete(ctx context.Context, athleteID int64) ([]int64, error) {
	return db.queryIDs(ctx, `SELECT id FROM activities WHERE athlete_id = ? ORDER BY ts`, athleteID)
}

// CountActivitiesForAthlete counts activities without loading them
func (db *DB) CountActivitiesForAthlete(ctx context.Context, athleteID int64) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities WHERE athlete_id = ?`, athleteID).Scan(&n)
	return n, err
}

// OldestActivityForAthlete returns the earliest activity, or ErrNotFound
func (db *DB) OldestActivityForAthlete(ctx context.Context, athleteID int64) (*Activity, error) {
	acts, err := db.GetActivitiesForAthlete(ctx, athleteID, ActivityQuery{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(acts) == 0 {
		return nil, ErrNotFound
	}
	return acts[0], nil
}

// DeleteActivitiesForAthlete removes activities, streams and peaks of an athlete
func (db *DB) DeleteActivitiesForAthlete(ctx context.Context, athleteID int64) (int64, error) {
	var deleted int64
	err := db.WithTransaction(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM streams WHERE athlete_id = ?`, athleteID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM peaks WHERE athlete_id = ?`, athleteID); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM activities WHERE athlete_id = ?`, athleteID)
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

func (db *DB) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func activityArgs(a *Activity) ([]any, error) {
	state, err := json.Marshal(nonNilStates(a.SyncState))
	if err != nil {
		return nil, err
	}
	stats, err := json.Marshal(nonNilStats(a.Stats))
	if err != nil {
		return nil, err
	}
	category := a.Category
	if category == "" {
		category = CategoryUnknown
	}
	return []any{a.ID, a.AthleteID, a.TS.UnixMilli(), string(category), a.Type, a.Name, string(state), string(stats)}, nil
}

func scanActivity(row rowScanner) (*Activity, error) {
	a := &Activity{}
	var (
		ts           int64
		category     string
		state, stats string
	)
	if err := row.Scan(&a.ID, &a.AthleteID, &ts, &category, &a.Type, &a.Name, &state, &stats); err != nil {
		return nil, err
	}

	a.TS = fromMillis(sql.NullInt64{Int64: ts, Valid: true})
	a.Category = Category(category)

	a.SyncState = manifest.States{}
	if err := json.Unmarshal([]byte(state), &a.SyncState); err != nil {
		return nil, fmt.Errorf("activity %d: bad sync_state: %w", a.ID, err)
	}
	a.Stats = map[string]float64{}
	if err := json.Unmarshal([]byte(stats), &a.Stats); err != nil {
		return nil, fmt.Errorf("activity %d: bad stats: %w", a.ID, err)
	}
	return a, nil
}

func nonNilStates(s manifest.States) manifest.States {
	if s == nil {
		return manifest.States{}
	}
	return s
}

func nonNilStats(s map[string]float64) map[string]float64 {
	if s == nil {
		return map[string]float64{}
	}
	return s
}
