package syncmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/trailsync/internal/db"
	"github.com/livinlefevreloca/trailsync/internal/events"
	"github.com/livinlefevreloca/trailsync/internal/inbox"
	"github.com/livinlefevreloca/trailsync/internal/manifest"
	"github.com/livinlefevreloca/trailsync/internal/ratelimit"
	"github.com/livinlefevreloca/trailsync/internal/syncjob"
)

// ActivityListVersion is the discovery version athletes are synced against
const ActivityListVersion = syncjob.ActivityListVersion

// ErrUnknownAthlete is returned for operations on an athlete id that is not stored
var ErrUnknownAthlete = errors.New("syncmgr: unknown athlete")

// Store is the record store the manager and its jobs use
type Store interface {
	syncjob.Store
	CreateAthlete(ctx context.Context, a *db.Athlete) error
	GetAthlete(ctx context.Context, id int64) (*db.Athlete, error)
	UpdateAthlete(ctx context.Context, a *db.Athlete) error
	GetEnabledAthletes(ctx context.Context) ([]*db.Athlete, error)
	GetActivity(ctx context.Context, id int64) (*db.Activity, error)
	DeleteActivitiesForAthlete(ctx context.Context, athleteID int64) (int64, error)
}

// JobStatus describes an athlete's current sync job
type JobStatus struct {
	Active bool          `json:"active"`
	JobID  string        `json:"job_id,omitempty"`
	Status string        `json:"status,omitempty"`
	Counts events.Counts `json:"counts"`
}

type activeJob struct {
	job  *syncjob.Job
	done chan struct{}
}

// Manager schedules one sync job per enabled athlete
type Manager struct {
	cfg     Config
	jobCfg  syncjob.Config
	deps    syncjob.Deps
	store   Store
	bus     *events.Bus
	clock   ratelimit.Clock
	logger  *slog.Logger
	selfID  int64
	inbox   *inbox.Inbox[Message]

	// athleteMu serializes athlete read-modify-writes
	athleteMu sync.Mutex

	mu          sync.Mutex
	active      map[int64]*activeJob
	held        map[int64]int
	requests    map[int64]syncjob.Options
	versionHash string
	wg          sync.WaitGroup
}

// New creates a manager. deps.Store and deps.Events are replaced with
// store and the manager's event bus. selfID is the athlete whose own
// activity list is readable; every other athlete is scanned as a peer.
func New(cfg Config, jobCfg syncjob.Config, deps syncjob.Deps, store Store, selfID int64, logger *slog.Logger) (*Manager, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if err := syncjob.ValidateConfig(jobCfg); err != nil {
		return nil, err
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("manager requires a stage registry")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "syncmgr")
	if deps.Clock == nil {
		deps.Clock = ratelimit.RealClock
	}
	if deps.Logger == nil {
		deps.Logger = logger
	}

	bus := events.NewBus(cfg.EventBufferSize, logger)
	deps.Store = store
	deps.Events = bus

	return &Manager{
		cfg:      cfg,
		jobCfg:   jobCfg,
		deps:     deps,
		store:    store,
		bus:      bus,
		clock:    deps.Clock,
		logger:   logger,
		selfID:   selfID,
		inbox:    inbox.New[Message](cfg.InboxBufferSize, time.Second, logger),
		active:   make(map[int64]*activeJob),
		held:     make(map[int64]int),
		requests: make(map[int64]syncjob.Options),
	}, nil
}

// Run is the refresh loop. It returns once ctx is cancelled and every
// active job has finished.
func (m *Manager) Run(ctx context.Context) error {
	hash := m.seal()
	m.logger.Info("starting sync manager", "version_hash", hash, "self_id", m.selfID)

	backoff := m.cfg.LoopErrorBackoff
	for {
		if ctx.Err() != nil {
			return m.shutdown()
		}

		wait, err := m.iteration(ctx, hash)
		if err != nil {
			if ctx.Err() != nil {
				return m.shutdown()
			}
			backoff = min(m.cfg.MaxLoopErrorBackoff, time.Duration(float64(backoff)*1.5))
			m.logger.Error("refresh failed", "error", err, "retry_in", backoff)
			wait = backoff
		} else {
			backoff = m.cfg.LoopErrorBackoff
		}

		m.processInbox()
		m.sleep(ctx, wait)
	}
}

// sleep blocks until wait elapses, a message arrives, or ctx is done
func (m *Manager) sleep(ctx context.Context, wait time.Duration) {
	m.logger.Debug("next refresh", "in", wait)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case msg, ok := <-m.inbox.C():
		if ok {
			m.handleMessage(msg)
		}
	}
}

// processInbox drains all available messages from the inbox
func (m *Manager) processInbox() int {
	n := 0
	for {
		msg, ok := m.inbox.TryReceive()
		if !ok {
			return n
		}
		m.handleMessage(msg)
		n++
	}
}

func (m *Manager) handleMessage(msg Message) {
	switch msg.Type {
	case MsgJobFinished:
		m.logger.Debug("job finished", "athlete_id", msg.AthleteID, "job_id", msg.JobID, "error", msg.Err)
	case MsgRefresh, MsgAthleteChanged:
		m.logger.Debug("refresh signaled", "athlete_id", msg.AthleteID, "type", msg.Type.String())
	default:
		m.logger.Warn("unknown message type", "type", msg.Type.String())
	}
}

func (m *Manager) signal(t MessageType, athleteID int64) {
	if !m.inbox.TrySend(Message{Type: t, AthleteID: athleteID}) {
		// a full inbox already guarantees the loop wakes
		m.logger.Debug("manager inbox full", "type", t.String())
	}
}

// iteration starts a job for every due athlete and returns how long the
// loop may sleep before the next athlete becomes due. The loop wakes at
// least once per refresh interval so athletes enabled by another process
// are picked up.
func (m *Manager) iteration(ctx context.Context, hash string) (time.Duration, error) {
	athletes, err := m.store.GetEnabledAthletes(ctx)
	if err != nil {
		return 0, fmt.Errorf("load enabled athletes: %w", err)
	}
	if len(athletes) == 0 {
		m.logger.Debug("no athletes enabled for sync")
	}

	now := m.clock.Now()
	next := m.cfg.RefreshInterval
	for _, a := range athletes {
		if m.busy(a.ID) {
			continue
		}
		opts, dueAt, requested := m.due(a, hash, now)
		if requested || !dueAt.After(now) {
			if m.startJob(ctx, a, opts, hash) == nil && requested {
				// claimed since busy was checked; the claimer wakes the loop
				m.mu.Lock()
				m.requests[a.ID] = opts
				m.mu.Unlock()
			}
			continue
		}
		next = min(next, dueAt.Sub(now))
	}
	return next, nil
}

// due returns when a should next sync and whether a refresh was
// requested. A requested refresh runs at once; every other trigger waits
// out the refresh error backoff.
func (m *Manager) due(a *db.Athlete, hash string, now time.Time) (syncjob.Options, time.Time, bool) {
	forceScan := a.LastSyncActivityListVersion != ActivityListVersion

	m.mu.Lock()
	opts, requested := m.requests[a.ID]
	if requested {
		delete(m.requests, a.ID)
	}
	m.mu.Unlock()
	opts.ForceActivityUpdate = opts.ForceActivityUpdate || forceScan

	dueAt := a.LastSync.Add(m.cfg.RefreshInterval)
	if forceScan || a.LastSyncVersionHash != hash {
		dueAt = now
	}
	if m.deferred(a, now) {
		if retry := a.LastSyncError.Add(m.cfg.RefreshErrorBackoff); retry.After(dueAt) {
			dueAt = retry
		}
	}
	return opts, dueAt, requested
}

func (m *Manager) deferred(a *db.Athlete, now time.Time) bool {
	return !a.LastSyncError.IsZero() && now.Sub(a.LastSyncError) < m.cfg.RefreshErrorBackoff
}

// busy reports whether id has an active job or is held
func (m *Manager) busy(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id] != nil || m.held[id] > 0
}

// startJob claims id and starts its job. It returns nil when id already
// has an active job or is held.
func (m *Manager) startJob(ctx context.Context, a *db.Athlete, opts syncjob.Options, hash string) *activeJob {
	job := syncjob.New(m.jobCfg, m.deps, a, a.ID == m.selfID, m.athleteUpdater(a.ID))
	aj := &activeJob{job: job, done: make(chan struct{})}

	m.mu.Lock()
	if m.active[a.ID] != nil || m.held[a.ID] > 0 {
		m.mu.Unlock()
		return nil
	}
	m.active[a.ID] = aj
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("starting sync job",
		"athlete_id", a.ID,
		"job_id", job.ID,
		"no_activity_scan", opts.NoActivityScan,
		"no_streams_fetch", opts.NoStreamsFetch,
		"force_activity_update", opts.ForceActivityUpdate)
	m.bus.Publish(events.Event{Type: events.TypeActive, AthleteID: a.ID, JobID: job.ID, Active: true})

	job.Start(ctx, opts)
	go m.runJob(ctx, aj, hash)
	return aj
}

// runJob waits for a job and records its outcome on the athlete
func (m *Manager) runJob(ctx context.Context, aj *activeJob, hash string) {
	defer m.wg.Done()
	start := time.Now()
	job := aj.job
	id := job.Athlete().ID

	jobErr := job.Wait()
	now := m.clock.Now()

	// bookkeeping is saved even when the manager is shutting down
	saveCtx := context.WithoutCancel(ctx)
	_, err := m.UpdateAthlete(saveCtx, id, func(a *db.Athlete) error {
		a.LastSync = now
		switch {
		case jobErr != nil:
			a.LastSyncError = now
		case !job.Cancelled():
			a.LastSyncVersionHash = hash
		}
		return nil
	})
	if err != nil {
		m.logger.Error("failed to save sync result", "athlete_id", id, "error", err)
	}
	if jobErr != nil {
		m.logger.Warn("sync job failed", "athlete_id", id, "job_id", job.ID, "error", jobErr)
		m.bus.Publish(events.Event{Type: events.TypeError, AthleteID: id, JobID: job.ID, Error: jobErr.Error()})
	}

	m.mu.Lock()
	if m.active[id] == aj {
		delete(m.active, id)
	}
	m.mu.Unlock()
	close(aj.done)

	m.bus.Publish(events.Event{Type: events.TypeActive, AthleteID: id, JobID: job.ID, Active: false})
	m.inbox.TrySend(Message{Type: MsgJobFinished, AthleteID: id, JobID: job.ID, Err: jobErr})
	m.logger.Debug("sync completed", "athlete_id", id, "elapsed", time.Since(start))
}

func (m *Manager) shutdown() error {
	m.mu.Lock()
	for _, aj := range m.active {
		aj.job.Cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
	m.inbox.Close()
	m.logger.Info("sync manager stopped")
	return nil
}

// =============================================================================
// Commands
// =============================================================================

// RefreshRequest schedules a sync for id as soon as it is not active
func (m *Manager) RefreshRequest(id int64, opts syncjob.Options) error {
	if id == 0 {
		return fmt.Errorf("athlete id required")
	}
	m.mu.Lock()
	m.requests[id] = opts
	m.mu.Unlock()
	m.signal(MsgRefresh, id)
	return nil
}

// CancelAndWait cancels the active job of id and waits for it to finish.
// It reports whether a job was active.
func (m *Manager) CancelAndWait(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	aj := m.active[id]
	m.mu.Unlock()
	if aj == nil {
		return false, nil
	}

	aj.job.Cancel()
	select {
	case <-aj.done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// withHold cancels id's active job and runs fn while no new job can start
// for id. The loop is signaled once the hold is released.
func (m *Manager) withHold(ctx context.Context, id int64, fn func() error) error {
	m.mu.Lock()
	m.held[id]++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.held[id]--; m.held[id] <= 0 {
			delete(m.held, id)
		}
		m.mu.Unlock()
		m.signal(MsgAthleteChanged, id)
	}()

	if _, err := m.CancelAndWait(ctx, id); err != nil {
		return err
	}
	return fn()
}

// Status returns the state of id's active job, if any
func (m *Manager) Status(id int64) JobStatus {
	m.mu.Lock()
	aj := m.active[id]
	m.mu.Unlock()
	if aj == nil {
		return JobStatus{}
	}
	return JobStatus{
		Active: true,
		JobID:  aj.job.ID,
		Status: aj.job.Status(),
		Counts: aj.job.Counts(),
	}
}

// Subscribe returns events for id, or for every athlete when id is 0
func (m *Manager) Subscribe(id int64) *events.Subscription {
	return m.bus.Subscribe(id)
}

// Unsubscribe releases a subscription
func (m *Manager) Unsubscribe(sub *events.Subscription) {
	m.bus.Unsubscribe(sub)
}

// Registry returns the stage registry jobs run against
func (m *Manager) Registry() *manifest.Registry {
	return m.deps.Registry
}

// seal freezes the registry and records its hash
func (m *Manager) seal() string {
	m.deps.Registry.Seal()
	hash := m.deps.Registry.VersionHash()
	m.mu.Lock()
	m.versionHash = hash
	m.mu.Unlock()
	return hash
}

// SyncNow runs one job for id in the calling goroutine's lifetime and
// returns its error. It is meant for one-shot use without Run.
func (m *Manager) SyncNow(ctx context.Context, id int64, opts syncjob.Options) error {
	hash := m.seal()
	a, err := m.store.GetAthlete(ctx, id)
	if db.IsNotFound(err) {
		return fmt.Errorf("%w: %d", ErrUnknownAthlete, id)
	}
	if err != nil {
		return err
	}
	if a.LastSyncActivityListVersion != ActivityListVersion {
		opts.ForceActivityUpdate = true
	}

	aj := m.startJob(ctx, a, opts, hash)
	if aj == nil {
		return fmt.Errorf("athlete %d already has an active sync", id)
	}
	<-aj.done
	return aj.job.Wait()
}

// VersionHash is the registry hash the loop compares athletes against
func (m *Manager) VersionHash() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.versionHash == "" {
		return m.deps.Registry.VersionHash()
	}
	return m.versionHash
}
