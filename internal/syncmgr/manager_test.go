package syncmgr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/trailsync/internal/db"
	"github.com/livinlefevreloca/trailsync/internal/discovery"
	"github.com/livinlefevreloca/trailsync/internal/events"
	"github.com/livinlefevreloca/trailsync/internal/manifest"
	"github.com/livinlefevreloca/trailsync/internal/processor"
	"github.com/livinlefevreloca/trailsync/internal/remote"
	"github.com/livinlefevreloca/trailsync/internal/syncjob"
	"github.com/livinlefevreloca/trailsync/internal/testutil"
)

// ==============================================================================
// Test Helpers
// ==============================================================================

var baseTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu    sync.Mutex
	calls int
	block chan struct{}
}

func (f *fakeSource) ActivityStreams(ctx context.Context, id int64, _ []string) (map[string][]float64, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if id%2 == 0 {
		return nil, remote.ErrNotFound
	}
	return map[string][]float64{"time": {0, 1, 2}, "heartrate": {120, 130, 140}}, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeScanner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *fakeScanner) Self(ctx context.Context, a *db.Athlete, force bool) (discovery.Result, error) {
	return s.Peer(ctx, a, force)
}

func (s *fakeScanner) Peer(context.Context, *db.Athlete, bool) (discovery.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return discovery.Result{}, s.err
}

func (s *fakeScanner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeScanner) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

type noLimit struct{}

func (noLimit) Wait(ctx context.Context) error  { return ctx.Err() }
func (noLimit) WillSuspendFor() time.Duration { return 0 }

type harness struct {
	t       *testing.T
	store   *db.DB
	source  *fakeSource
	scanner *fakeScanner
	clock   *testutil.MockClock
	logger  *testutil.TestLogger
	mgr     *Manager

	localRuns atomic.Int32
	cancel    context.CancelFunc
	done      chan error
}

func newHarness(t *testing.T, enabled bool) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		store:   testutil.NewTestDB(t),
		source:  &fakeSource{},
		scanner: &fakeScanner{},
		clock:   testutil.NewMockClock(baseTime),
		logger:  testutil.NewTestLogger(),
	}
	ctx := context.Background()
	require.NoError(t, h.store.CreateAthlete(ctx, &db.Athlete{ID: 1, Name: "Test Athlete", Enabled: enabled}))
	var acts []*db.Activity
	for i := 1; i <= 4; i++ {
		acts = append(acts, &db.Activity{
			ID:        int64(i),
			AthleteID: 1,
			TS:        baseTime.Add(-time.Duration(i) * time.Hour),
			Category:  db.CategoryRun,
		})
	}
	require.NoError(t, h.store.PutActivities(ctx, acts))

	reg := manifest.NewRegistry()
	require.NoError(t, reg.Register(manifest.Stage{
		Group:        manifest.GroupRemote,
		Name:         "streams",
		Version:      1,
		ErrorBackoff: time.Hour,
		Streams:      []string{"time", "heartrate"},
	}))
	require.NoError(t, reg.Register(manifest.Stage{
		Group:        manifest.GroupLocal,
		Name:         "count",
		Version:      1,
		ErrorBackoff: time.Hour,
		Unit: processor.Func(func(_ context.Context, _ *processor.Env, b *processor.Batch) error {
			h.localRuns.Add(int32(len(b.Activities)))
			return nil
		}),
	}))

	deps := syncjob.Deps{
		Registry: reg,
		Source:   h.source,
		Scanner:  h.scanner,
		Limiter:  noLimit{},
		Clock:    h.clock,
	}
	mgr, err := New(DefaultConfig(), syncjob.DefaultConfig(), deps, h.store, 99, h.logger.Logger())
	require.NoError(t, err)
	h.mgr = mgr
	return h
}

func (h *harness) run() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.mgr.Run(ctx) }()
	h.t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.done:
		assert.NoError(h.t, err)
	case <-time.After(5 * time.Second):
		h.t.Error("manager did not stop")
	}
}

func (h *harness) athlete() *db.Athlete {
	a, err := h.store.GetAthlete(context.Background(), 1)
	require.NoError(h.t, err)
	return a
}

// waitFinished blocks until sub reports n finished jobs
func waitFinished(t *testing.T, sub *events.Subscription, n int) []events.Event {
	t.Helper()
	var seen []events.Event
	timeout := time.After(5 * time.Second)
	for finished := 0; finished < n; {
		select {
		case e := <-sub.C():
			seen = append(seen, e)
			if e.Type == events.TypeActive && !e.Active {
				finished++
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %d finished jobs", n)
		}
	}
	return seen
}

func hasType(evs []events.Event, typ events.Type) bool {
	for _, e := range evs {
		if e.Type == typ {
			return true
		}
	}
	return false
}

// ==============================================================================
// Refresh loop
// ==============================================================================

func TestManager_EnableTriggersSync(t *testing.T) {
	h := newHarness(t, false)
	sub := h.mgr.Subscribe(1)
	h.run()

	require.NoError(t, h.mgr.Enable(context.Background(), 1))
	evs := waitFinished(t, sub, 1)

	assert.True(t, hasType(evs, events.TypeEnabled))
	assert.True(t, hasType(evs, events.TypeStatus))
	assert.Equal(t, 1, h.scanner.callCount())
	assert.Equal(t, 4, h.source.callCount())
	assert.Equal(t, int32(4), h.localRuns.Load(), "unavailable activities still run local stages")

	a := h.athlete()
	assert.Equal(t, h.mgr.VersionHash(), a.LastSyncVersionHash)
	assert.Equal(t, ActivityListVersion, a.LastSyncActivityListVersion)
	assert.True(t, a.LastSync.Equal(baseTime))
	assert.True(t, a.LastSyncError.IsZero())

	streams, err := h.store.GetStreams(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, streams, 2)
}

func TestManager_SyncedAthleteIsNotRerun(t *testing.T) {
	h := newHarness(t, true)
	sub := h.mgr.Subscribe(1)
	h.run()
	waitFinished(t, sub, 1)

	// a profile change wakes the loop without making the athlete due
	_, err := h.mgr.AddAthlete(context.Background(), &db.Athlete{ID: 1, Name: "Renamed"})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, h.scanner.callCount())
	a := h.athlete()
	assert.Equal(t, "Renamed", a.Name)
	assert.True(t, a.Enabled, "profile update keeps bookkeeping")
	assert.Equal(t, h.mgr.VersionHash(), a.LastSyncVersionHash)
}

func TestManager_FailedSyncBacksOff(t *testing.T) {
	h := newHarness(t, true)
	h.scanner.setErr(errors.New("remote down"))
	sub := h.mgr.Subscribe(1)
	h.run()

	evs := waitFinished(t, sub, 1)
	assert.True(t, hasType(evs, events.TypeError))

	a := h.athlete()
	assert.True(t, a.LastSyncError.Equal(baseTime))
	assert.Empty(t, a.LastSyncVersionHash, "failed sync stores no hash")
	assert.True(t, h.logger.HasMessage("WARN", "sync job failed"))

	// still inside the error backoff
	_, err := h.mgr.AddAthlete(context.Background(), &db.Athlete{ID: 1, Name: "Test Athlete"})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.scanner.callCount())

	h.scanner.setErr(nil)
	h.clock.Advance(DefaultConfig().RefreshErrorBackoff + time.Minute)
	_, err = h.mgr.AddAthlete(context.Background(), &db.Athlete{ID: 1, Name: "Test Athlete"})
	require.NoError(t, err)
	waitFinished(t, sub, 1)

	assert.Equal(t, 2, h.scanner.callCount())
	assert.Equal(t, h.mgr.VersionHash(), h.athlete().LastSyncVersionHash)
}

func TestManager_RefreshRequestHonorsOptions(t *testing.T) {
	h := newHarness(t, true)
	sub := h.mgr.Subscribe(1)
	h.run()
	waitFinished(t, sub, 1)
	fetched := h.source.callCount()

	require.NoError(t, h.mgr.RefreshRequest(1, syncjob.Options{NoActivityScan: true, NoStreamsFetch: true}))
	waitFinished(t, sub, 1)

	assert.Equal(t, 1, h.scanner.callCount(), "scan skipped")
	assert.Equal(t, fetched, h.source.callCount(), "fetch skipped")
}

func TestManager_RefreshRequestRequiresID(t *testing.T) {
	h := newHarness(t, true)
	assert.Error(t, h.mgr.RefreshRequest(0, syncjob.Options{}))
}

func TestManager_CancelAndWait(t *testing.T) {
	h := newHarness(t, true)
	h.source.block = make(chan struct{})
	h.run()

	testutil.WaitFor(t, func() bool { return h.source.callCount() > 0 }, 5*time.Second)
	status := h.mgr.Status(1)
	assert.True(t, status.Active)
	assert.NotEmpty(t, status.JobID)

	wasActive, err := h.mgr.CancelAndWait(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, wasActive)

	// the unfinished sync is rescheduled and blocks again until shutdown
	a := h.athlete()
	assert.True(t, a.LastSync.Equal(baseTime))
	assert.True(t, a.LastSyncError.IsZero(), "cancel is not an error")
	assert.Empty(t, a.LastSyncVersionHash, "cancelled sync stores no hash")

	wasActive, err = h.mgr.CancelAndWait(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, wasActive)
}

func TestManager_CancelledJobKeepsCurrentHash(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	hash := h.mgr.seal()
	_, err := h.mgr.UpdateAthlete(ctx, 1, func(a *db.Athlete) error {
		a.LastSyncVersionHash = hash
		a.LastSyncActivityListVersion = ActivityListVersion
		return nil
	})
	require.NoError(t, err)

	h.source.block = make(chan struct{})
	aj := h.mgr.startJob(ctx, h.athlete(), syncjob.Options{NoActivityScan: true}, hash)
	require.NotNil(t, aj)
	testutil.WaitFor(t, func() bool { return h.source.callCount() > 0 }, 5*time.Second)

	wasActive, err := h.mgr.CancelAndWait(ctx, 1)
	require.NoError(t, err)
	assert.True(t, wasActive)

	// the hash from the last good sync stays, so the athlete waits the interval
	a := h.athlete()
	assert.Equal(t, hash, a.LastSyncVersionHash)
	assert.True(t, a.LastSync.Equal(baseTime))
	_, dueAt, requested := h.mgr.due(a, hash, baseTime)
	assert.False(t, requested)
	assert.Equal(t, baseTime.Add(DefaultConfig().RefreshInterval), dueAt)
}

func TestManager_StartJobClaimsOnce(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	hash := h.mgr.seal()
	h.source.block = make(chan struct{})
	a := h.athlete()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var started []*activeJob
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if aj := h.mgr.startJob(ctx, a, syncjob.Options{NoActivityScan: true}, hash); aj != nil {
				mu.Lock()
				started = append(started, aj)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, started, 1, "only one job may claim the athlete")

	err := h.mgr.SyncNow(ctx, 1, syncjob.Options{NoActivityScan: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has an active sync")

	close(h.source.block)
	select {
	case <-started[0].done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish")
	}
	assert.False(t, h.mgr.busy(1))
}

func TestManager_HoldBlocksNewJobs(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	hash := h.mgr.seal()
	require.NoError(t, h.mgr.RefreshRequest(1, syncjob.Options{NoActivityScan: true}))

	err := h.mgr.withHold(ctx, 1, func() error {
		assert.True(t, h.mgr.busy(1))
		assert.Nil(t, h.mgr.startJob(ctx, h.athlete(), syncjob.Options{}, hash))

		_, err := h.mgr.iteration(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, JobStatus{}, h.mgr.Status(1), "loop must not start a held athlete")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, h.mgr.busy(1))

	// the pending request survives the held pass
	_, _, requested := h.mgr.due(h.athlete(), hash, baseTime)
	assert.True(t, requested)
}

func TestManager_DisableCancelsJob(t *testing.T) {
	h := newHarness(t, true)
	h.source.block = make(chan struct{})
	sub := h.mgr.Subscribe(1)
	h.run()

	testutil.WaitFor(t, func() bool { return h.source.callCount() > 0 }, 5*time.Second)
	require.NoError(t, h.mgr.Disable(context.Background(), 1))
	evs := waitFinished(t, sub, 1)

	assert.True(t, hasType(evs, events.TypeDisabled))
	assert.False(t, h.athlete().Enabled)
}

func TestManager_InvalidateLocalRerunsLocalOnly(t *testing.T) {
	h := newHarness(t, true)
	sub := h.mgr.Subscribe(1)
	h.run()
	waitFinished(t, sub, 1)
	fetched := h.source.callCount()
	require.Equal(t, int32(4), h.localRuns.Load())

	require.NoError(t, h.mgr.InvalidateAthleteSyncState(context.Background(), 1, manifest.GroupLocal, "count"))
	waitFinished(t, sub, 1)

	assert.Equal(t, int32(8), h.localRuns.Load())
	assert.Equal(t, fetched, h.source.callCount())
	assert.Equal(t, 1, h.scanner.callCount())
}

func TestManager_InvalidateRemoteRefetches(t *testing.T) {
	h := newHarness(t, true)
	sub := h.mgr.Subscribe(1)
	h.run()
	waitFinished(t, sub, 1)

	require.NoError(t, h.mgr.InvalidateActivitySyncState(context.Background(), 3, manifest.GroupRemote, ""))
	waitFinished(t, sub, 1)

	assert.Equal(t, 5, h.source.callCount())
	assert.Equal(t, int32(5), h.localRuns.Load())
}

func TestManager_InvalidateUnknownStage(t *testing.T) {
	h := newHarness(t, true)
	h.mgr.Registry().Seal()

	err := h.mgr.InvalidateAthleteSyncState(context.Background(), 1, manifest.GroupLocal, "nope")
	assert.Error(t, err)

	err = h.mgr.InvalidateAthleteSyncState(context.Background(), 42, manifest.GroupLocal, "")
	assert.ErrorIs(t, err, ErrUnknownAthlete)
}

func TestManager_PurgeAthleteData(t *testing.T) {
	h := newHarness(t, true)
	sub := h.mgr.Subscribe(1)
	h.run()
	waitFinished(t, sub, 1)

	deleted, err := h.mgr.PurgeAthleteData(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), deleted)

	acts, err := h.store.GetActivitiesForAthlete(context.Background(), 1, db.ActivityQuery{})
	require.NoError(t, err)
	assert.Empty(t, acts)

	a := h.athlete()
	assert.True(t, a.ActivitySentinel.IsZero())
	assert.Zero(t, a.LastSyncActivityListVersion)
}

func TestManager_SyncNow(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	require.NoError(t, h.mgr.SyncNow(ctx, 1, syncjob.Options{}))
	assert.Equal(t, 1, h.scanner.callCount())
	assert.Equal(t, 4, h.source.callCount())
	assert.Equal(t, h.mgr.VersionHash(), h.athlete().LastSyncVersionHash)
	assert.True(t, h.mgr.Registry().Sealed())

	h.scanner.setErr(errors.New("remote down"))
	assert.Error(t, h.mgr.SyncNow(ctx, 1, syncjob.Options{}))
	assert.False(t, h.athlete().LastSyncError.IsZero())

	assert.ErrorIs(t, h.mgr.SyncNow(ctx, 42, syncjob.Options{}), ErrUnknownAthlete)
}

func TestManager_UpdateUnknownAthlete(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.mgr.UpdateAthlete(context.Background(), 42, func(*db.Athlete) error { return nil })
	assert.ErrorIs(t, err, ErrUnknownAthlete)
	assert.ErrorIs(t, h.mgr.Enable(context.Background(), 42), ErrUnknownAthlete)
}

// ==============================================================================
// Due times
// ==============================================================================

func TestManager_Due(t *testing.T) {
	h := newHarness(t, true)
	cfg := DefaultConfig()
	now := baseTime
	hash := "abc"

	synced := func() *db.Athlete {
		return &db.Athlete{
			ID:                          1,
			LastSync:                    now.Add(-time.Hour),
			LastSyncVersionHash:         hash,
			LastSyncActivityListVersion: ActivityListVersion,
		}
	}

	t.Run("fresh athlete waits for the interval", func(t *testing.T) {
		opts, dueAt, requested := h.mgr.due(synced(), hash, now)
		assert.False(t, requested)
		assert.False(t, opts.ForceActivityUpdate)
		assert.Equal(t, now.Add(cfg.RefreshInterval-time.Hour), dueAt)
	})

	t.Run("never synced is due", func(t *testing.T) {
		_, dueAt, _ := h.mgr.due(&db.Athlete{ID: 1, LastSyncActivityListVersion: ActivityListVersion}, hash, now)
		assert.False(t, dueAt.After(now))
	})

	t.Run("hash change is due now", func(t *testing.T) {
		a := synced()
		a.LastSyncVersionHash = "old"
		_, dueAt, _ := h.mgr.due(a, hash, now)
		assert.Equal(t, now, dueAt)
	})

	t.Run("list version change forces a full scan", func(t *testing.T) {
		a := synced()
		a.LastSyncActivityListVersion = 0
		opts, dueAt, _ := h.mgr.due(a, hash, now)
		assert.Equal(t, now, dueAt)
		assert.True(t, opts.ForceActivityUpdate)
	})

	t.Run("recent error defers the hash trigger", func(t *testing.T) {
		a := synced()
		a.LastSyncVersionHash = "old"
		a.LastSyncError = now.Add(-10 * time.Minute)
		_, dueAt, _ := h.mgr.due(a, hash, now)
		assert.Equal(t, a.LastSyncError.Add(cfg.RefreshErrorBackoff), dueAt)
	})

	t.Run("request is consumed once", func(t *testing.T) {
		require.NoError(t, h.mgr.RefreshRequest(1, syncjob.Options{NoStreamsFetch: true}))
		opts, _, requested := h.mgr.due(synced(), hash, now)
		assert.True(t, requested)
		assert.True(t, opts.NoStreamsFetch)

		_, _, requested = h.mgr.due(synced(), hash, now)
		assert.False(t, requested)
	})
}

func TestValidateConfig(t *testing.T) {
	require.NoError(t, ValidateConfig(DefaultConfig()))

	cfg := DefaultConfig()
	cfg.RefreshInterval = 0
	assert.Error(t, ValidateConfig(cfg))

	cfg = DefaultConfig()
	cfg.MaxLoopErrorBackoff = time.Millisecond
	assert.Error(t, ValidateConfig(cfg))

	cfg = DefaultConfig()
	cfg.InboxBufferSize = 0
	assert.Error(t, ValidateConfig(cfg))
}

func TestMessageType_String(t *testing.T) {
	assert.Equal(t, "Refresh", MsgRefresh.String())
	assert.Equal(t, "JobFinished", MsgJobFinished.String())
	assert.Equal(t, "AthleteChanged", MsgAthleteChanged.String())
	assert.Equal(t, "Unknown", MessageType(99).String())
}
