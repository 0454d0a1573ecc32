package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// Stream Operations
// =============================================================================

// PutStreams inserts or overwrites streams keyed by (activity_id, stream)
func (db *DB) PutStreams(ctx context.Context, streams []*Stream) error {
	if len(streams) == 0 {
		return nil
	}
	return db.WithTransaction(ctx, func(tx *Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO streams (activity_id, stream, athlete_id, data) VALUES (?, ?, ?, ?)
			ON CONFLICT(activity_id, stream) DO UPDATE SET
				athlete_id = excluded.athlete_id,
				data = excluded.data
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, s := range streams {
			data, err := json.Marshal(s.Data)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, s.ActivityID, s.Name, s.AthleteID, string(data)); err != nil {
				return fmt.Errorf("failed to put stream %s for %d: %w", s.Name, s.ActivityID, err)
			}
		}
		return nil
	})
}

// GetStreams returns an activity's streams by name. With no names every
// stream is returned.
func (db *DB) GetStreams(ctx context.Context, activityID int64, names ...string) (map[string][]float64, error) {
	query := `SELECT stream, data FROM streams WHERE activity_id = ?`
	args := []any{activityID}
	if len(names) > 0 {
		query += ` AND stream IN (?` + strings.Repeat(", ?", len(names)-1) + `)`
		for _, n := range names {
			args = append(args, n)
		}
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]float64{}
	for rows.Next() {
		var name, data string
		if err := rows.Scan(&name, &data); err != nil {
			return nil, err
		}
		var series []float64
		if err := json.Unmarshal([]byte(data), &series); err != nil {
			return nil, fmt.Errorf("stream %s for %d: %w", name, activityID, err)
		}
		out[name] = series
	}
	return out, rows.Err()
}

// GetStreamActivityIDs lists activities of an athlete that hold the named stream
func (db *DB) GetStreamActivityIDs(ctx context.Context, athleteID int64, stream string) ([]int64, error) {
	return db.queryIDs(ctx, `SELECT activity_id FROM streams WHERE athlete_id = ? AND stream = ?`, athleteID, stream)
}

// GetStreamedActivityIDs lists every activity id of an athlete holding any stream.
// Ids may belong to activities that no longer exist.
func (db *DB) GetStreamedActivityIDs(ctx context.Context, athleteID int64) ([]int64, error) {
	return db.queryIDs(ctx, `SELECT DISTINCT activity_id FROM streams WHERE athlete_id = ? ORDER BY activity_id`, athleteID)
}

// DeleteStreamsForActivities removes all streams for the given activities
func (db *DB) DeleteStreamsForActivities(ctx context.Context, activityIDs []int64) error {
	if len(activityIDs) == 0 {
		return nil
	}
	return db.WithTransaction(ctx, func(tx *Tx) error {
		for _, id := range activityIDs {
			if _, err := tx.ExecContext(ctx, `DELETE FROM streams WHERE activity_id = ?`, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// ScanStreams calls fn for every stream of an athlete in key order.
// fn must not use the database.
func (db *DB) ScanStreams(ctx context.Context, athleteID int64, fn func(*Stream) error) error {
	rows, err := db.QueryContext(ctx, `
		SELECT activity_id, stream, athlete_id, data FROM streams
		WHERE athlete_id = ? ORDER BY activity_id, stream
	`, athleteID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		s := &Stream{}
		var data string
		if err := rows.Scan(&s.ActivityID, &s.Name, &s.AthleteID, &data); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(data), &s.Data); err != nil {
			return fmt.Errorf("stream %s for %d: %w", s.Name, s.ActivityID, err)
		}
		if err := fn(s); err != nil {
			return err
		}
	}
	return rows.Err()
}
