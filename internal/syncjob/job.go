package syncjob

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/trailsync/internal/db"
	"github.com/livinlefevreloca/trailsync/internal/discovery"
	"github.com/livinlefevreloca/trailsync/internal/events"
	"github.com/livinlefevreloca/trailsync/internal/manifest"
	"github.com/livinlefevreloca/trailsync/internal/processor"
	"github.com/livinlefevreloca/trailsync/internal/ratelimit"
)

// ActivityListVersion is bumped whenever discovery changes in a way that
// requires every athlete to be rescanned
const ActivityListVersion = 1

// Config tunes a job's pipelines
type Config struct {
	// Local batch sizing: start small so progress shows early, then grow
	InitialBatch int     `toml:"initial_batch"`
	MaxBatch     int     `toml:"max_batch"`
	BatchGrowth  float64 `toml:"batch_growth"`

	// Capacity of the channel between the fetch and local pipelines
	HandoffBuffer int `toml:"handoff_buffer"`

	// Projected rate limiter waits above this are announced as events
	RateLimitNotify time.Duration `toml:"rate_limit_notify"`

	// A throttled fetch sleeps ThrottleBackoff times the attempt number
	ThrottleBackoff    time.Duration `toml:"throttle_backoff"`
	MaxThrottleRetries int           `toml:"max_throttle_retries"`
}

// DefaultConfig returns job defaults
func DefaultConfig() Config {
	return Config{
		InitialBatch:       20,
		MaxBatch:           500,
		BatchGrowth:        1.3,
		HandoffBuffer:      100,
		RateLimitNotify:    10 * time.Second,
		ThrottleBackoff:    60 * time.Second,
		MaxThrottleRetries: 10,
	}
}

// ValidateConfig checks job settings
func ValidateConfig(cfg Config) error {
	if cfg.InitialBatch <= 0 {
		return fmt.Errorf("sync initial_batch must be positive, got %d", cfg.InitialBatch)
	}
	if cfg.MaxBatch < cfg.InitialBatch {
		return fmt.Errorf("sync max_batch (%d) must be at least initial_batch (%d)", cfg.MaxBatch, cfg.InitialBatch)
	}
	if cfg.BatchGrowth < 1 {
		return fmt.Errorf("sync batch_growth must be at least 1, got %v", cfg.BatchGrowth)
	}
	if cfg.HandoffBuffer <= 0 {
		return fmt.Errorf("sync handoff_buffer must be positive, got %d", cfg.HandoffBuffer)
	}
	if cfg.ThrottleBackoff < 0 {
		return fmt.Errorf("sync throttle_backoff cannot be negative")
	}
	if cfg.MaxThrottleRetries < 0 {
		return fmt.Errorf("sync max_throttle_retries cannot be negative")
	}
	return nil
}

// Options select which phases of a job run
type Options struct {
	NoActivityScan      bool
	NoStreamsFetch      bool
	ForceActivityUpdate bool
}

// Store is the record store a job reads and writes
type Store interface {
	discovery.Store
	processor.Store
	SaveSyncStates(ctx context.Context, activities []*db.Activity) error
}

// StreamSource fetches activity streams from the remote side
type StreamSource interface {
	ActivityStreams(ctx context.Context, activityID int64, types []string) (map[string][]float64, error)
}

// Scanner discovers activities for an athlete
type Scanner interface {
	Self(ctx context.Context, athlete *db.Athlete, force bool) (discovery.Result, error)
	Peer(ctx context.Context, athlete *db.Athlete, force bool) (discovery.Result, error)
}

// Limiter gates remote requests
type Limiter interface {
	Wait(ctx context.Context) error
	WillSuspendFor() time.Duration
}

// Publisher receives job events
type Publisher interface {
	Publish(e events.Event)
}

// AthleteUpdater applies fn to the stored athlete record under the
// caller's athlete lock
type AthleteUpdater func(ctx context.Context, fn func(*db.Athlete)) error

// Deps are the collaborators shared by every job
type Deps struct {
	Registry *manifest.Registry
	Store    Store
	Source   StreamSource
	Scanner  Scanner
	Limiter  Limiter
	Pool     processor.Executor
	Events   Publisher
	Clock    ratelimit.Clock
	Logger   *slog.Logger
}

// Job is one sync run for one athlete
type Job struct {
	ID string

	cfg     Config
	deps    Deps
	athlete *db.Athlete
	isSelf  bool
	update  AthleteUpdater
	logger  *slog.Logger

	// activities loaded for data sync; sync state reads and writes that
	// cross pipelines hold statesMu
	activities []*db.Activity
	statesMu   sync.Mutex

	// both pipelines report progress; progressMu keeps publish order
	progressMu sync.Mutex

	mu         sync.Mutex
	state      State
	counts     events.Counts
	lastCounts *events.Counts
	cancel     context.CancelFunc
	cancelled  bool
	started    bool
	err        error
	done       chan struct{}

	recorder *StateRecorder
}

// New creates a job. athlete is owned by the job until it finishes.
func New(cfg Config, deps Deps, athlete *db.Athlete, isSelf bool, update AthleteUpdater) *Job {
	if deps.Clock == nil {
		deps.Clock = ratelimit.RealClock
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Job{
		ID:      id,
		cfg:     cfg,
		deps:    deps,
		athlete: athlete,
		isSelf:  isSelf,
		update:  update,
		logger:  logger.With("athlete_id", athlete.ID, "job_id", id),
		state:   &InitState{},
		done:    make(chan struct{}),
	}
}

// Start runs the job in the background. A job can only be started once.
func (j *Job) Start(ctx context.Context, opts Options) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return
	}
	j.started = true
	ctx, j.cancel = context.WithCancel(ctx)
	if j.cancelled {
		j.cancel()
	}
	j.publish(events.Event{Type: events.TypeStatus, Status: j.state.Name()})
	go j.run(ctx, opts)
}

// Wait blocks until the job finishes. A cancelled job returns nil.
func (j *Job) Wait() error {
	<-j.done
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Done is closed when the job finishes
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Cancel stops the job at its next suspension point
func (j *Job) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancelled = true
	if j.cancel != nil {
		j.cancel()
	}
}

// Cancelled reports whether Cancel was called
func (j *Job) Cancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// Status is the name of the current state
func (j *Job) Status() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state.Name()
}

// Counts is the latest progress snapshot
func (j *Job) Counts() events.Counts {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.counts
}

// Athlete returns the job's athlete
func (j *Job) Athlete() *db.Athlete {
	return j.athlete
}

func (j *Job) publish(e events.Event) {
	if j.deps.Events == nil {
		return
	}
	e.AthleteID = j.athlete.ID
	e.JobID = j.ID
	j.deps.Events.Publish(e)
}

func (j *Job) transitionTo(newState State) {
	j.mu.Lock()
	old := j.state.Name()
	j.state = newState
	j.mu.Unlock()

	if j.recorder != nil {
		j.recorder.Record(newState)
	}
	j.logger.Debug("state transition", "from", old, "to", newState.Name())
	j.publish(events.Event{Type: events.TypeStatus, Status: newState.Name()})
}

func (j *Job) fail(err error) {
	j.mu.Lock()
	j.err = err
	j.mu.Unlock()
}

// run is the main job loop
func (j *Job) run(ctx context.Context, opts Options) {
	defer close(j.done)
	defer j.cancel()
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("sync job panic recovered", "panic", r)
			j.fail(fmt.Errorf("sync job panicked: %v", r))
			j.transitionTo(&ErrorState{})
		}
	}()

	for {
		switch s := j.state.(type) {
		case *InitState:
			switch {
			case ctx.Err() != nil:
				j.transitionTo(s.ToComplete())
			case opts.NoActivityScan:
				j.transitionTo(s.ToDataSync())
			default:
				j.transitionTo(s.ToActivityScan())
			}
		case *ActivityScanState:
			j.runActivityScan(ctx, s, opts)
		case *DataSyncState:
			j.runDataSync(ctx, s, opts)
		case *ErrorState:
			j.logger.Warn("sync job failed", "error", j.err)
			return
		case *CompleteState:
			j.logger.Debug("sync job complete", "cancelled", ctx.Err() != nil)
			return
		default:
			j.logger.Error("unknown state type", "state", fmt.Sprintf("%T", j.state))
			j.fail(fmt.Errorf("unknown state %T", j.state))
			j.transitionTo(&ErrorState{})
		}
	}
}

func (j *Job) runActivityScan(ctx context.Context, s *ActivityScanState, opts Options) {
	scan := j.deps.Scanner.Peer
	if j.isSelf {
		scan = j.deps.Scanner.Self
	}
	res, err := scan(ctx, j.athlete, opts.ForceActivityUpdate)
	if ctx.Err() != nil {
		j.transitionTo(s.ToComplete())
		return
	}
	if err != nil {
		j.fail(fmt.Errorf("activity scan: %w", err))
		j.transitionTo(s.ToError())
		return
	}
	j.logger.Info("activity scan finished", "added", res.Added, "rounds", res.Rounds)

	if j.update != nil {
		err := j.update(ctx, func(a *db.Athlete) {
			a.LastSyncActivityListVersion = ActivityListVersion
			if res.SentinelSet() {
				a.ActivitySentinel = res.Sentinel
			}
		})
		if err != nil {
			j.fail(fmt.Errorf("save athlete after scan: %w", err))
			j.transitionTo(s.ToError())
			return
		}
	}
	j.transitionTo(s.ToDataSync())
}

func (j *Job) runDataSync(ctx context.Context, s *DataSyncState, opts Options) {
	if err := j.syncData(ctx, opts); err != nil && ctx.Err() == nil {
		j.fail(err)
		j.transitionTo(s.ToError())
		return
	}
	j.transitionTo(s.ToComplete())
}

// syncData splits activities into fetch and local work and runs both
// pipelines until they drain
func (j *Job) syncData(ctx context.Context, opts Options) error {
	all, err := j.deps.Store.GetActivitiesForAthlete(ctx, j.athlete.ID, db.ActivityQuery{})
	if err != nil {
		return fmt.Errorf("load activities: %w", err)
	}
	j.activities = all

	reg := j.deps.Registry
	now := j.deps.Clock.Now()
	var unfetched, ready []*db.Activity
	deferred := 0
	for _, a := range all {
		switch {
		case reg.IsComplete(a.SyncState, manifest.GroupRemote):
			if reg.IsComplete(a.SyncState, manifest.GroupLocal) {
				continue
			}
			if reg.NextEligible(a.SyncState, manifest.GroupLocal, now) != nil {
				ready = append(ready, a)
			} else {
				deferred++
			}
		case reg.NextEligible(a.SyncState, manifest.GroupRemote, now) != nil:
			unfetched = append(unfetched, a)
		default:
			deferred++
		}
	}
	if deferred > 0 {
		j.logger.Warn("deferring activities due to errors", "count", deferred)
	}

	fetch := len(unfetched) > 0 && !opts.NoStreamsFetch
	if !fetch && len(ready) == 0 {
		j.logger.Debug("no activity sync required")
		j.progress()
		return nil
	}

	handoff := make(chan *db.Activity, j.cfg.HandoffBuffer)
	g, gctx := errgroup.WithContext(ctx)
	if fetch {
		g.Go(func() error {
			defer close(handoff)
			return j.fetchStreams(gctx, unfetched, handoff)
		})
	} else {
		close(handoff)
	}
	g.Go(func() error {
		return j.processLocal(gctx, ready, handoff)
	})
	err = g.Wait()
	j.progress()
	if err != nil {
		return err
	}
	j.logger.Debug("activity sync completed")
	return nil
}

// progress recomputes counts and publishes them when they changed
func (j *Job) progress() {
	j.progressMu.Lock()
	defer j.progressMu.Unlock()

	j.statesMu.Lock()
	counts := ComputeCounts(j.deps.Registry, j.activities)
	j.statesMu.Unlock()

	j.mu.Lock()
	changed := j.lastCounts == nil || *j.lastCounts != counts
	j.counts = counts
	j.lastCounts = &counts
	j.mu.Unlock()

	if changed {
		j.publish(events.Event{Type: events.TypeProgress, Counts: &counts})
	}
}
