package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// =============================================================================
// Peak Operations
// =============================================================================

// PutPeaks replaces the peaks of the activities they belong to
func (db *DB) PutPeaks(ctx context.Context, peaks []*Peak) error {
	if len(peaks) == 0 {
		return nil
	}
	return db.WithTransaction(ctx, func(tx *Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO peaks (activity_id, type, period, athlete_id, value, ts)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, p := range peaks {
			if _, err := stmt.ExecContext(ctx, p.ActivityID, p.Type, p.Period, p.AthleteID, p.Value, p.TS.UnixMilli()); err != nil {
				return fmt.Errorf("failed to put peak %s/%d for %d: %w", p.Type, p.Period, p.ActivityID, err)
			}
		}
		return nil
	})
}

// GetPeaksForAthlete returns the best values for one peak type and period
func (db *DB) GetPeaksForAthlete(ctx context.Context, athleteID int64, typ string, period, limit int) ([]*Peak, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.QueryContext(ctx, `
		SELECT activity_id, type, period, athlete_id, value, ts FROM peaks
		WHERE athlete_id = ? AND type = ? AND period = ?
		ORDER BY value DESC LIMIT ?
	`, athleteID, typ, period, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	peaks := []*Peak{}
	for rows.Next() {
		p := &Peak{}
		var ts int64
		if err := rows.Scan(&p.ActivityID, &p.Type, &p.Period, &p.AthleteID, &p.Value, &ts); err != nil {
			return nil, err
		}
		p.TS = fromMillis(sql.NullInt64{Int64: ts, Valid: true})
		peaks = append(peaks, p)
	}
	return peaks, rows.Err()
}

// =============================================================================
// Rate Limiter Ledgers
// =============================================================================

// LoadLedgerState returns the raw persisted ledger for a limiter label
func (db *DB) LoadLedgerState(ctx context.Context, label string) ([]byte, error) {
	var state string
	err := db.QueryRowContext(ctx, `SELECT state FROM rate_limiter_ledgers WHERE label = ?`, label).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(state), nil
}

// SaveLedgerState persists the raw ledger for a limiter label
func (db *DB) SaveLedgerState(ctx context.Context, label string, state []byte) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO rate_limiter_ledgers (label, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(label) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
	`, label, string(state), time.Now().UnixMilli())
	return err
}
