// Package exchange moves athletes, activities and streams in and out of
// the record store as size-bounded batches of self-describing records.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/trailsync/internal/db"
)

// Store names used in records
const (
	StoreAthletes   = "athletes"
	StoreActivities = "activities"
	StoreStreams    = "streams"
)

// Size estimates in bytes used to bound a batch
const (
	athleteSize      = 1000
	activitySize     = 1500
	streamSize       = 100
	streamSampleSize = 6.4
)

// Config bounds export batches and import buffering
type Config struct {
	// Export batches are emitted once their size estimate reaches this
	BatchSize int64 `toml:"batch_size"`

	// Import writes buffered records once more than this many are pending
	FlushThreshold int `toml:"flush_threshold"`
}

// DefaultConfig returns exchange defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:      10 * 1024 * 1024,
		FlushThreshold: 1000,
	}
}

// ValidateConfig checks exchange settings
func ValidateConfig(cfg Config) error {
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("exchange batch_size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.FlushThreshold <= 0 {
		return fmt.Errorf("exchange flush_threshold must be positive, got %d", cfg.FlushThreshold)
	}
	return nil
}

// Record is one stored object tagged with the store it belongs to
type Record struct {
	Store string          `json:"store"`
	Data  json.RawMessage `json:"data"`
}

// Batch is one unit of export output
type Batch struct {
	ID      string   `json:"id"`
	Records []Record `json:"records"`
}

// Source is what an export reads
type Source interface {
	GetAthlete(ctx context.Context, id int64) (*db.Athlete, error)
	GetAllAthletes(ctx context.Context) ([]*db.Athlete, error)
	GetActivitiesForAthlete(ctx context.Context, athleteID int64, q db.ActivityQuery) ([]*db.Activity, error)
	ScanStreams(ctx context.Context, athleteID int64, fn func(*db.Stream) error) error
}

// Sink is what an import writes
type Sink interface {
	PutAthletes(ctx context.Context, athletes []*db.Athlete) error
	ReplaceActivities(ctx context.Context, activities []*db.Activity) error
	PutStreams(ctx context.Context, streams []*db.Stream) error
}

// =============================================================================
// Export
// =============================================================================

// Exporter writes store contents as batches
type Exporter struct {
	cfg    Config
	source Source
	logger *slog.Logger
}

// NewExporter creates an exporter
func NewExporter(cfg Config, source Source, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{cfg: cfg, source: source, logger: logger.With("component", "exchange")}
}

type batcher struct {
	limit    int64
	estimate float64
	records  []Record
	emit     func(Batch) error
	batches  int
}

func (b *batcher) add(store string, v any, size float64) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", store, err)
	}
	b.records = append(b.records, Record{Store: store, Data: data})
	b.estimate += size
	if b.estimate >= float64(b.limit) {
		return b.flush()
	}
	return nil
}

func (b *batcher) flush() error {
	if len(b.records) == 0 {
		return nil
	}
	batch := Batch{ID: uuid.New().String(), Records: b.records}
	b.records = nil
	b.estimate = 0
	b.batches++
	return b.emit(batch)
}

// Export emits every record of athleteID, or of all athletes when
// athleteID is 0. Athletes come first, then activities, then streams.
// emit must not use the store.
func (e *Exporter) Export(ctx context.Context, athleteID int64, emit func(Batch) error) error {
	var athletes []*db.Athlete
	if athleteID != 0 {
		a, err := e.source.GetAthlete(ctx, athleteID)
		if err != nil {
			return fmt.Errorf("load athlete %d: %w", athleteID, err)
		}
		athletes = []*db.Athlete{a}
	} else {
		all, err := e.source.GetAllAthletes(ctx)
		if err != nil {
			return fmt.Errorf("load athletes: %w", err)
		}
		athletes = all
	}

	b := &batcher{limit: e.cfg.BatchSize, emit: emit}
	for _, a := range athletes {
		if err := b.add(StoreAthletes, a, athleteSize); err != nil {
			return err
		}
	}

	var activities, streams int
	for _, a := range athletes {
		acts, err := e.source.GetActivitiesForAthlete(ctx, a.ID, db.ActivityQuery{})
		if err != nil {
			return fmt.Errorf("load activities for %d: %w", a.ID, err)
		}
		for _, act := range acts {
			if err := b.add(StoreActivities, act, activitySize); err != nil {
				return err
			}
		}
		activities += len(acts)
	}
	for _, a := range athletes {
		err := e.source.ScanStreams(ctx, a.ID, func(s *db.Stream) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			streams++
			return b.add(StoreStreams, s, streamSize+float64(len(s.Data))*streamSampleSize)
		})
		if err != nil {
			return fmt.Errorf("export streams for %d: %w", a.ID, err)
		}
	}
	if err := b.flush(); err != nil {
		return err
	}

	e.logger.Info("export complete",
		"athletes", len(athletes),
		"activities", activities,
		"streams", streams,
		"batches", b.batches)
	return nil
}

// =============================================================================
// Import
// =============================================================================

// Importer buffers records and writes them per store
type Importer struct {
	cfg    Config
	sink   Sink
	logger *slog.Logger

	athletes   []*db.Athlete
	activities []*db.Activity
	streams    []*db.Stream
	imported   int
}

// NewImporter creates an importer
func NewImporter(cfg Config, sink Sink, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{cfg: cfg, sink: sink, logger: logger.With("component", "exchange")}
}

func (im *Importer) pending() int {
	return len(im.athletes) + len(im.activities) + len(im.streams)
}

// Imported is the number of records written so far
func (im *Importer) Imported() int {
	return im.imported
}

// Import decodes and buffers records, writing them once more than the
// flush threshold are pending. Call Flush after the last Import.
func (im *Importer) Import(ctx context.Context, records []Record) error {
	for i, r := range records {
		var err error
		switch r.Store {
		case StoreAthletes:
			a := &db.Athlete{}
			if err = json.Unmarshal(r.Data, a); err == nil {
				im.athletes = append(im.athletes, a)
			}
		case StoreActivities:
			a := &db.Activity{}
			if err = json.Unmarshal(r.Data, a); err == nil {
				im.activities = append(im.activities, a)
			}
		case StoreStreams:
			s := &db.Stream{}
			if err = json.Unmarshal(r.Data, s); err == nil {
				im.streams = append(im.streams, s)
			}
		default:
			err = fmt.Errorf("unknown store %q", r.Store)
		}
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	if im.pending() > im.cfg.FlushThreshold {
		return im.Flush(ctx)
	}
	return nil
}

// Flush writes every buffered record. Athletes are written before the
// activities and streams that refer to them.
func (im *Importer) Flush(ctx context.Context) error {
	n := im.pending()
	if n == 0 {
		return nil
	}
	if err := im.sink.PutAthletes(ctx, im.athletes); err != nil {
		return fmt.Errorf("import athletes: %w", err)
	}
	im.athletes = nil
	if err := im.sink.ReplaceActivities(ctx, im.activities); err != nil {
		return fmt.Errorf("import activities: %w", err)
	}
	im.activities = nil
	if err := im.sink.PutStreams(ctx, im.streams); err != nil {
		return fmt.Errorf("import streams: %w", err)
	}
	im.streams = nil
	im.imported += n
	im.logger.Debug("import flushed", "records", n)
	return nil
}
