package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// Athlete Operations
// =============================================================================

const athleteColumns = `id, name, gender, enabled, max_hr, ftp_history, weight_history,
	last_sync, last_sync_error, last_sync_version_hash, last_sync_activity_list_version,
	activity_sentinel, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateAthlete inserts a new athlete
func (db *DB) CreateAthlete(ctx context.Context, a *Athlete) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	args, err := athleteArgs(a)
	if err != nil {
		return err
	}

	query := `INSERT INTO athletes (` + athleteColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		if IsDuplicate(err) {
			return fmt.Errorf("%w: athlete %d", ErrDuplicate, a.ID)
		}
		return err
	}
	return nil
}

// GetAthlete retrieves an athlete by ID
func (db *DB) GetAthlete(ctx context.Context, id int64) (*Athlete, error) {
	query := `SELECT ` + athleteColumns + ` FROM athletes WHERE id = ?`
	a, err := scanAthlete(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

// UpdateAthlete overwrites every mutable field of an athlete
func (db *DB) UpdateAthlete(ctx context.Context, a *Athlete) error {
	a.UpdatedAt = time.Now().UTC()

	ftp, err := json.Marshal(nonNilHistory(a.FTPHistory))
	if err != nil {
		return err
	}
	weight, err := json.Marshal(nonNilHistory(a.WeightHistory))
	if err != nil {
		return err
	}

	query := `
		UPDATE athletes SET
			name = ?, gender = ?, enabled = ?, max_hr = ?, ftp_history = ?, weight_history = ?,
			last_sync = ?, last_sync_error = ?, last_sync_version_hash = ?,
			last_sync_activity_list_version = ?, activity_sentinel = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := db.ExecContext(ctx, query,
		a.Name, a.Gender, a.Enabled, a.MaxHR, string(ftp), string(weight),
		toMillis(a.LastSync), toMillis(a.LastSyncError), a.LastSyncVersionHash,
		a.LastSyncActivityListVersion, toMillis(a.ActivitySentinel), a.UpdatedAt.UnixMilli(),
		a.ID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// PutAthletes inserts or replaces athletes. Used by bulk import.
func (db *DB) PutAthletes(ctx context.Context, athletes []*Athlete) error {
	if len(athletes) == 0 {
		return nil
	}
	return db.WithTransaction(ctx, func(tx *Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO athletes (`+athleteColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for _, a := range athletes {
			if a.CreatedAt.IsZero() {
				a.CreatedAt = now
			}
			a.UpdatedAt = now
			args, err := athleteArgs(a)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("failed to put athlete %d: %w", a.ID, err)
			}
		}
		return nil
	})
}

// GetAllAthletes retrieves every athlete ordered by id
func (db *DB) GetAllAthletes(ctx context.Context) ([]*Athlete, error) {
	return db.queryAthletes(ctx, `SELECT `+athleteColumns+` FROM athletes ORDER BY id`)
}

// GetEnabledAthletes retrieves athletes eligible for scheduling
func (db *DB) GetEnabledAthletes(ctx context.Context) ([]*Athlete, error) {
	return db.queryAthletes(ctx, `SELECT `+athleteColumns+` FROM athletes WHERE enabled = 1 ORDER BY id`)
}

// DeleteAthlete removes the athlete record itself
func (db *DB) DeleteAthlete(ctx context.Context, id int64) error {
	result, err := db.ExecContext(ctx, `DELETE FROM athletes WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) queryAthletes(ctx context.Context, query string, args ...any) ([]*Athlete, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	athletes := []*Athlete{}
	for rows.Next() {
		a, err := scanAthlete(rows)
		if err != nil {
			return nil, err
		}
		athletes = append(athletes, a)
	}
	return athletes, rows.Err()
}

func athleteArgs(a *Athlete) ([]any, error) {
	ftp, err := json.Marshal(nonNilHistory(a.FTPHistory))
	if err != nil {
		return nil, err
	}
	weight, err := json.Marshal(nonNilHistory(a.WeightHistory))
	if err != nil {
		return nil, err
	}
	return []any{
		a.ID, a.Name, a.Gender, a.Enabled, a.MaxHR, string(ftp), string(weight),
		toMillis(a.LastSync), toMillis(a.LastSyncError), a.LastSyncVersionHash,
		a.LastSyncActivityListVersion, toMillis(a.ActivitySentinel),
		a.CreatedAt.UnixMilli(), a.UpdatedAt.UnixMilli(),
	}, nil
}

func scanAthlete(row rowScanner) (*Athlete, error) {
	a := &Athlete{}
	var (
		ftp, weight                 string
		lastSync, lastErr, sentinel sql.NullInt64
		created, updated            int64
	)

	err := row.Scan(
		&a.ID, &a.Name, &a.Gender, &a.Enabled, &a.MaxHR, &ftp, &weight,
		&lastSync, &lastErr, &a.LastSyncVersionHash, &a.LastSyncActivityListVersion,
		&sentinel, &created, &updated,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(ftp), &a.FTPHistory); err != nil {
		return nil, fmt.Errorf("athlete %d: bad ftp_history: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(weight), &a.WeightHistory); err != nil {
		return nil, fmt.Errorf("athlete %d: bad weight_history: %w", a.ID, err)
	}

	a.LastSync = fromMillis(lastSync)
	a.LastSyncError = fromMillis(lastErr)
	a.ActivitySentinel = fromMillis(sentinel)
	a.CreatedAt = time.UnixMilli(created).UTC()
	a.UpdatedAt = time.UnixMilli(updated).UTC()
	return a, nil
}

func nonNilHistory(h History) History {
	if h == nil {
		return History{}
	}
	return h
}
