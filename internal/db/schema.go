package db

import (
	"sort"
	"time"

	"github.com/livinlefevreloca/trailsync/internal/manifest"
)

// Category is the coarse activity type
type Category string

const (
	CategoryRide    Category = "ride"
	CategoryRun     Category = "run"
	CategorySwim    Category = "swim"
	CategorySki     Category = "ski"
	CategoryEbike   Category = "ebike"
	CategoryWorkout Category = "workout"
	CategoryUnknown Category = "unknown"
)

// HistoryValue is a value that took effect at TS
type HistoryValue struct {
	TS    time.Time `json:"ts"`
	Value float64   `json:"value"`
}

// History is a list of values kept in ascending TS order
type History []HistoryValue

// ValueAt returns the value in effect at t. Before the first entry the
// earliest known value is used.
func (h History) ValueAt(t time.Time) (float64, bool) {
	if len(h) == 0 {
		return 0, false
	}
	v := h[0].Value
	for _, x := range h {
		if x.TS.After(t) {
			break
		}
		v = x.Value
	}
	return v, true
}

// Set records value at ts, replacing an entry with the same ts
func (h History) Set(ts time.Time, value float64) History {
	for i := range h {
		if h[i].TS.Equal(ts) {
			h[i].Value = value
			return h
		}
	}
	h = append(h, HistoryValue{TS: ts, Value: value})
	sort.Slice(h, func(i, j int) bool { return h[i].TS.Before(h[j].TS) })
	return h
}

// Athlete is a tracked entity and its sync bookkeeping
type Athlete struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	Gender        string  `json:"gender,omitempty"`
	Enabled       bool    `json:"enabled"`
	MaxHR         float64 `json:"max_hr,omitempty"`
	FTPHistory    History `json:"ftp_history,omitempty"`
	WeightHistory History `json:"weight_history,omitempty"`

	LastSync                    time.Time `json:"last_sync,omitzero"`
	LastSyncError               time.Time `json:"last_sync_error,omitzero"`
	LastSyncVersionHash         string    `json:"last_sync_version_hash,omitempty"`
	LastSyncActivityListVersion int       `json:"last_sync_activity_list_version,omitempty"`

	// ActivitySentinel marks the start of history once a backfill has
	// exhausted it. Zero means the backfill has not completed.
	ActivitySentinel time.Time `json:"activity_sentinel,omitzero"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Activity is one remote activity and its per-stage sync state
type Activity struct {
	ID        int64              `json:"id"`
	AthleteID int64              `json:"athlete_id"`
	TS        time.Time          `json:"ts"`
	Category  Category           `json:"category"`
	Type      string             `json:"type,omitempty"`
	Name      string             `json:"name,omitempty"`
	SyncState manifest.States    `json:"sync_state,omitempty"`
	Stats     map[string]float64 `json:"stats,omitempty"`
}

// Stream is one named time series of an activity
type Stream struct {
	ActivityID int64     `json:"activity_id"`
	AthleteID  int64     `json:"athlete_id"`
	Name       string    `json:"stream"`
	Data       []float64 `json:"data"`
}

// Peak is the best rolling average of a stream over Period seconds
type Peak struct {
	ActivityID int64     `json:"activity_id"`
	AthleteID  int64     `json:"athlete_id"`
	Type       string    `json:"type"`
	Period     int       `json:"period"`
	Value      float64   `json:"value"`
	TS         time.Time `json:"ts"`
}

// ActivityQuery bounds a range query over one athlete's activities.
// Zero Start or End leaves that side open.
type ActivityQuery struct {
	Start   time.Time
	End     time.Time
	Reverse bool
	Limit   int
}
