package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/livinlefevreloca/trailsync/internal/db"
)

// Summary is activity metadata as seen by discovery
type Summary struct {
	ID        int64
	AthleteID int64
	TS        time.Time
	Category  db.Category
	Type      string
	Name      string
}

// Page is one page of the athlete's own activity list
type Page struct {
	Models  []Summary
	Total   int
	PerPage int
}

type pageJSON struct {
	Models []struct {
		ID        int64  `json:"id"`
		StartTime string `json:"start_time"`
		Type      string `json:"type"`
		Name      string `json:"name"`
	} `json:"models"`
	Total   int `json:"total"`
	PerPage int `json:"perPage"`
}

// ActivityPage fetches one page of the current athlete's activities
func (c *Client) ActivityPage(ctx context.Context, page int) (*Page, error) {
	q := url.Values{}
	q.Set("new_activity_only", "false")
	q.Set("page", strconv.Itoa(page))

	body, err := c.Fetch(ctx, "/athlete/training_activities", q)
	if err != nil {
		return nil, err
	}

	var raw pageJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("remote: decode activity page %d: %w", page, err)
	}

	out := &Page{Total: raw.Total, PerPage: raw.PerPage, Models: make([]Summary, 0, len(raw.Models))}
	for _, m := range raw.Models {
		ts, err := time.Parse(time.RFC3339, m.StartTime)
		if err != nil {
			c.logger.Warn("skipping activity with bad start time", "activity_id", m.ID, "start_time", m.StartTime)
			continue
		}
		out.Models = append(out.Models, Summary{
			ID:       m.ID,
			TS:       ts.UTC(),
			Category: CategoryForType(m.Type),
			Type:     m.Type,
			Name:     m.Name,
		})
	}
	return out, nil
}

// CategoryForType maps an activity type name to a coarse category
func CategoryForType(typ string) db.Category {
	switch {
	case strings.Contains(typ, "Ride"):
		return db.CategoryRide
	case strings.Contains(typ, "Run"), strings.Contains(typ, "Hike"), strings.Contains(typ, "Walk"):
		return db.CategoryRun
	case strings.Contains(typ, "Swim"):
		return db.CategorySwim
	default:
		return db.CategoryUnknown
	}
}

// ActivityStreams fetches the requested streams of one activity. A missing
// activity or an empty bundle returns ErrNotFound; that outcome is final.
func (c *Client) ActivityStreams(ctx context.Context, activityID int64, types []string) (map[string][]float64, error) {
	q := url.Values{}
	for _, t := range types {
		q.Add("stream_types[]", t)
	}

	body, err := c.Fetch(ctx, fmt.Sprintf("/activities/%d/streams", activityID), q)
	if err != nil {
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("remote: decode streams for %d: %w", activityID, err)
	}

	out := make(map[string][]float64, len(raw))
	for name, data := range raw {
		series, err := decodeSeries(data)
		if err != nil {
			c.logger.Debug("skipping undecodable stream", "activity_id", activityID, "stream", name, "error", err)
			continue
		}
		out[name] = series
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("remote: activity %d has no streams: %w", activityID, ErrNotFound)
	}
	return out, nil
}

// decodeSeries accepts a flat numeric array or an array of tuples; tuples
// are flattened in order (lat, lng, lat, lng, ...).
func decodeSeries(data json.RawMessage) ([]float64, error) {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil, errors.New("null stream")
	}

	var flat []float64
	if err := json.Unmarshal(data, &flat); err == nil {
		return flat, nil
	}

	var nested [][]float64
	if err := json.Unmarshal(data, &nested); err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(nested)*2)
	for _, tuple := range nested {
		out = append(out, tuple...)
	}
	return out, nil
}
