package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/trailsync/internal/db"
	"github.com/livinlefevreloca/trailsync/internal/remote"
)

// Config defines how far and how wide discovery scans
type Config struct {
	// Upper bound on pages or month windows fetched per round
	MaxConcurrency int `toml:"max_concurrency"`

	// Empty month windows in one round that mark the start of history
	MinEmptyWindows int `toml:"min_empty_windows"`

	// Month windows with nothing new in one round that end a peer scan
	MinRedundantWindows int `toml:"min_redundant_windows"`

	// Hard cap on month windows per peer pass
	MaxWindows int `toml:"max_windows"`
}

// DefaultConfig returns discovery defaults
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:      25,
		MinEmptyWindows:     12,
		MinRedundantWindows: 2,
		MaxWindows:          12 * 50,
	}
}

// ValidateConfig checks discovery settings
func ValidateConfig(cfg Config) error {
	if cfg.MaxConcurrency <= 0 {
		return fmt.Errorf("discovery max_concurrency must be positive, got %d", cfg.MaxConcurrency)
	}
	if cfg.MinEmptyWindows <= 0 {
		return fmt.Errorf("discovery min_empty_windows must be positive, got %d", cfg.MinEmptyWindows)
	}
	if cfg.MinRedundantWindows <= 0 {
		return fmt.Errorf("discovery min_redundant_windows must be positive, got %d", cfg.MinRedundantWindows)
	}
	if cfg.MaxWindows < cfg.MinEmptyWindows {
		return fmt.Errorf("discovery max_windows (%d) must be at least min_empty_windows (%d)",
			cfg.MaxWindows, cfg.MinEmptyWindows)
	}
	return nil
}

// Source lists activity metadata from the remote side
type Source interface {
	ActivityPage(ctx context.Context, page int) (*remote.Page, error)
	IntervalMonth(ctx context.Context, athleteID int64, year int, month time.Month) ([]remote.Summary, error)
}

// Store is the subset of the record store discovery writes to
type Store interface {
	GetActivityIDsForAthlete(ctx context.Context, athleteID int64) ([]int64, error)
	PutActivities(ctx context.Context, activities []*db.Activity) error
	OldestActivityForAthlete(ctx context.Context, athleteID int64) (*db.Activity, error)
}

// Result summarizes one discovery run
type Result struct {
	Added  int
	Rounds int

	// Sentinel is the first day of the oldest scanned month when a peer scan
	// ran past the start of the athlete's history. The caller persists it.
	Sentinel time.Time
}

// SentinelSet reports whether the scan found the start of history
func (r Result) SentinelSet() bool {
	return !r.Sentinel.IsZero()
}

// Discoverer finds activities the store does not know about yet
type Discoverer struct {
	cfg    Config
	source Source
	store  Store
	logger *slog.Logger

	now func() time.Time
}

// New creates a discoverer
func New(cfg Config, source Source, store Store, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{
		cfg:    cfg,
		source: source,
		store:  store,
		logger: logger.With("component", "discovery"),
		now:    time.Now,
	}
}

func (d *Discoverer) knownIDs(ctx context.Context, athleteID int64, force bool) (map[int64]struct{}, error) {
	known := make(map[int64]struct{})
	if force {
		return known, nil
	}
	ids, err := d.store.GetActivityIDsForAthlete(ctx, athleteID)
	if err != nil {
		return nil, fmt.Errorf("failed to load known activity ids: %w", err)
	}
	for _, id := range ids {
		known[id] = struct{}{}
	}
	return known, nil
}

func (d *Discoverer) nextConcurrency(c int) int {
	return min(c*2, d.cfg.MaxConcurrency)
}

func toActivity(s remote.Summary, athleteID int64) *db.Activity {
	return &db.Activity{
		ID:        s.ID,
		AthleteID: athleteID,
		TS:        s.TS,
		Category:  s.Category,
		Type:      s.Type,
		Name:      s.Name,
	}
}

// Self pages through the current athlete's own activity list. Each round
// fetches twice as many pages as the last. The scan ends once a round adds
// nothing and the store holds at least the reported total, or when the pages
// run out.
func (d *Discoverer) Self(ctx context.Context, athlete *db.Athlete, force bool) (Result, error) {
	var res Result
	known, err := d.knownIDs(ctx, athlete.ID, force)
	if err != nil {
		return res, err
	}

	page, pageCount, total := 1, -1, -1
	for concurrency := 1; ; concurrency = d.nextConcurrency(concurrency) {
		var pages []int
		for i := 0; page == 1 || (page <= pageCount && i < concurrency); i++ {
			pages = append(pages, page)
			page++
		}
		if len(pages) == 0 {
			break
		}
		res.Rounds++

		results := make([]*remote.Page, len(pages))
		g, gctx := errgroup.WithContext(ctx)
		for i, p := range pages {
			g.Go(func() error {
				r, err := d.source.ActivityPage(gctx, p)
				if err != nil {
					return fmt.Errorf("failed to fetch activity page %d: %w", p, err)
				}
				results[i] = r
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return res, err
		}

		var adding []*db.Activity
		for _, r := range results {
			if total < 0 {
				total = r.Total
				pageCount = 0
				if r.PerPage > 0 {
					pageCount = (r.Total + r.PerPage - 1) / r.PerPage
				}
			}
			for _, m := range r.Models {
				if _, ok := known[m.ID]; ok {
					continue
				}
				known[m.ID] = struct{}{}
				adding = append(adding, toActivity(m, athlete.ID))
			}
		}

		if len(adding) > 0 {
			if err := d.store.PutActivities(ctx, adding); err != nil {
				return res, fmt.Errorf("failed to store discovered activities: %w", err)
			}
			res.Added += len(adding)
			d.logger.Info("discovered activities", "athlete_id", athlete.ID, "count", len(adding), "force", force)
		} else if len(known) >= total {
			break
		}
	}
	return res, nil
}

// Peer scans another athlete's history one calendar month at a time,
// backward from now. If a previous backfill never reached the start of
// history, a second pass resumes from the oldest stored activity. A found
// sentinel is written to athlete.ActivitySentinel and returned in Result.
func (d *Discoverer) Peer(ctx context.Context, athlete *db.Athlete, force bool) (Result, error) {
	var res Result
	known, err := d.knownIDs(ctx, athlete.ID, force)
	if err != nil {
		return res, err
	}

	if err := d.scanMonths(ctx, athlete.ID, d.now(), known, &res); err != nil {
		return res, err
	}
	if res.SentinelSet() {
		athlete.ActivitySentinel = res.Sentinel
		return res, nil
	}
	if !athlete.ActivitySentinel.IsZero() {
		return res, nil
	}

	oldest, err := d.store.OldestActivityForAthlete(ctx, athlete.ID)
	if db.IsNotFound(err) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("failed to load oldest activity: %w", err)
	}
	d.logger.Info("resuming incomplete backfill", "athlete_id", athlete.ID, "from", oldest.TS)
	if err := d.scanMonths(ctx, athlete.ID, oldest.TS, known, &res); err != nil {
		return res, err
	}
	if res.SentinelSet() {
		athlete.ActivitySentinel = res.Sentinel
	}
	return res, nil
}

type monthCursor struct {
	year  int
	month time.Month
}

func newMonthCursor(t time.Time) *monthCursor {
	t = t.UTC()
	return &monthCursor{year: t.Year(), month: t.Month()}
}

func (c *monthCursor) next() (int, time.Month) {
	y, m := c.year, c.month
	c.month--
	if c.month < time.January {
		c.month = time.December
		c.year--
	}
	return y, m
}

func (d *Discoverer) scanMonths(ctx context.Context, athleteID int64, start time.Time, known map[int64]struct{}, res *Result) error {
	cursor := newMonthCursor(start)
	windows := 0

	for concurrency := 1; windows < d.cfg.MaxWindows; concurrency = d.nextConcurrency(concurrency) {
		n := min(concurrency, d.cfg.MaxWindows-windows)
		type window struct {
			year  int
			month time.Month
		}
		batch := make([]window, n)
		for i := range batch {
			batch[i].year, batch[i].month = cursor.next()
		}
		windows += n
		res.Rounds++

		results := make([][]remote.Summary, n)
		g, gctx := errgroup.WithContext(ctx)
		for i, w := range batch {
			g.Go(func() error {
				r, err := d.source.IntervalMonth(gctx, athleteID, w.year, w.month)
				if err != nil {
					return fmt.Errorf("failed to fetch %04d-%02d: %w", w.year, int(w.month), err)
				}
				results[i] = r
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		var adding []*db.Activity
		empty, redundant := 0, 0
		for _, r := range results {
			if len(r) == 0 {
				empty++
				continue
			}
			foundNew := false
			for _, s := range r {
				if _, ok := known[s.ID]; ok {
					continue
				}
				known[s.ID] = struct{}{}
				adding = append(adding, toActivity(s, athleteID))
				foundNew = true
			}
			if !foundNew {
				redundant++
			}
		}

		switch {
		case len(adding) > 0:
			if err := d.store.PutActivities(ctx, adding); err != nil {
				return fmt.Errorf("failed to store discovered activities: %w", err)
			}
			res.Added += len(adding)
			d.logger.Info("discovered activities", "athlete_id", athleteID, "count", len(adding))
		case empty >= d.cfg.MinEmptyWindows && empty >= concurrency:
			oldest := batch[n-1]
			res.Sentinel = time.Date(oldest.year, oldest.month, 1, 0, 0, 0, 0, time.UTC)
			d.logger.Info("reached start of history", "athlete_id", athleteID, "sentinel", res.Sentinel)
			return nil
		case redundant >= d.cfg.MinRedundantWindows && redundant >= concurrency:
			return nil
		}
	}
	d.logger.Warn("month window cap reached", "athlete_id", athleteID, "max_windows", d.cfg.MaxWindows)
	return nil
}
