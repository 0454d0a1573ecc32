package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/livinlefevreloca/trailsync/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNoLedger = errors.New("no ledger")

type memStore struct {
	mu     sync.Mutex
	states map[string][]byte
	saves  int
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string][]byte)}
}

func (m *memStore) LoadLedgerState(_ context.Context, label string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[label]
	if !ok {
		return nil, errNoLedger
	}
	return s, nil
}

func (m *memStore) SaveLedgerState(_ context.Context, label string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[label] = append([]byte(nil), state...)
	m.saves++
	return nil
}

var epoch = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

// assertWindowed fails when any half-open window of length period holds more
// than limit reservations.
func assertWindowed(t *testing.T, stamps []time.Time, period time.Duration, limit int) {
	t.Helper()
	for i := range stamps {
		n := 0
		for j := i; j < len(stamps) && stamps[j].Sub(stamps[i]) < period; j++ {
			n++
		}
		require.LessOrEqual(t, n, limit, "window starting at %v holds %d reservations", stamps[i], n)
	}
}

// =============================================================================
// Limiter behavior
// =============================================================================

func TestWait_BurstThenBlock(t *testing.T) {
	clock := testutil.NewMockClock(epoch)
	g, err := NewGroup(context.Background(), []Spec{{Label: "burst", Period: time.Minute, Limit: 3}}, nil, clock, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, g.Wait(ctx))
	}
	assert.Equal(t, time.Duration(0), clock.Slept(), "burst within quota must not sleep")
	assert.Equal(t, time.Minute, g.WillSuspendFor())

	require.NoError(t, g.Wait(ctx))
	assert.Equal(t, time.Minute, clock.Slept())
}

func TestWait_SpreadPacesEvenly(t *testing.T) {
	clock := testutil.NewMockClock(epoch)
	g, err := NewGroup(context.Background(), []Spec{{Label: "spread", Period: time.Minute, Limit: 6, Spread: true}}, nil, clock, nil)
	require.NoError(t, err)

	ctx := context.Background()
	var stamps []time.Time
	for i := 0; i < 4; i++ {
		require.NoError(t, g.Wait(ctx))
		stamps = append(stamps, clock.Now())
	}
	for i := 1; i < len(stamps); i++ {
		assert.Equal(t, 10*time.Second, stamps[i].Sub(stamps[i-1]))
	}
}

func TestWillSuspendFor_LongestMember(t *testing.T) {
	clock := testutil.NewMockClock(epoch)
	g, err := NewGroup(context.Background(), []Spec{
		{Label: "short", Period: time.Minute, Limit: 1},
		{Label: "long", Period: time.Hour, Limit: 1},
	}, nil, clock, nil)
	require.NoError(t, err)

	assert.Equal(t, time.Duration(0), g.WillSuspendFor())
	g.Increment(context.Background())
	assert.Equal(t, time.Hour, g.WillSuspendFor())

	clock.Advance(30 * time.Minute)
	assert.Equal(t, 30*time.Minute, g.WillSuspendFor())
}

func TestWait_Cancelled(t *testing.T) {
	clock := testutil.NewMockClock(epoch)
	g, err := NewGroup(context.Background(), []Spec{{Label: "one", Period: time.Hour, Limit: 1}}, nil, clock, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, g.Wait(ctx))
	cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.Canceled)
}

func TestWait_RealClockHonorsCancellation(t *testing.T) {
	g, err := NewGroup(context.Background(), []Spec{{Label: "one", Period: time.Hour, Limit: 1}}, nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, g.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

// =============================================================================
// Persistence
// =============================================================================

func TestQuotaSurvivesRestart(t *testing.T) {
	const limit = 5
	period := time.Minute
	specs := []Spec{{Label: "quota", Period: period, Limit: limit}}

	clock := testutil.NewMockClock(epoch)
	store := newMemStore()
	ctx := context.Background()

	var stamps []time.Time
	run := func(n int) {
		g, err := NewGroup(ctx, specs, store, clock, nil)
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			require.NoError(t, g.Wait(ctx))
			stamps = append(stamps, clock.Now())
			clock.Advance(7 * time.Second)
		}
	}

	// Three process lifetimes sharing one persisted ledger.
	run(4)
	run(6)
	run(9)

	assert.Len(t, stamps, 19)
	assertWindowed(t, stamps, period, limit)
	assert.GreaterOrEqual(t, store.saves, 19)
}

func TestRandomizedWindows(t *testing.T) {
	specs := []Spec{
		{Label: "min", Period: 65 * time.Second, Limit: 3, Spread: true},
		{Label: "hour", Period: 10 * time.Minute, Limit: 8},
	}
	clock := testutil.NewMockClock(epoch)
	store := newMemStore()
	ctx := context.Background()

	var stamps []time.Time
	for restart := 0; restart < 4; restart++ {
		g, err := NewGroup(ctx, specs, store, clock, nil)
		require.NoError(t, err)
		for i := 0; i < 7; i++ {
			require.NoError(t, g.Wait(ctx))
			stamps = append(stamps, clock.Now())
			clock.Advance(time.Duration(i%3) * time.Second)
		}
	}

	assertWindowed(t, stamps, 65*time.Second, 3)
	assertWindowed(t, stamps, 10*time.Minute, 8)
}

func TestCorruptLedgerStartsEmpty(t *testing.T) {
	store := newMemStore()
	store.states["quota"] = []byte("{not json")
	logger := testutil.NewTestLogger()

	clock := testutil.NewMockClock(epoch)
	g, err := NewGroup(context.Background(), []Spec{{Label: "quota", Period: time.Minute, Limit: 1}}, store, clock, logger.Logger())
	require.NoError(t, err)

	assert.Equal(t, time.Duration(0), g.WillSuspendFor())
	assert.True(t, logger.HasMessage("WARN", "discarding corrupt ledger"))
}

func TestExpiredLedgerEntriesArePruned(t *testing.T) {
	store := newMemStore()
	clock := testutil.NewMockClock(epoch)
	ctx := context.Background()
	specs := []Spec{{Label: "quota", Period: time.Minute, Limit: 1}}

	g, err := NewGroup(ctx, specs, store, clock, nil)
	require.NoError(t, err)
	require.NoError(t, g.Wait(ctx))

	clock.Advance(2 * time.Minute)
	g2, err := NewGroup(ctx, specs, store, clock, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), g2.WillSuspendFor())
}

func TestValidateSpecs(t *testing.T) {
	assert.NoError(t, ValidateSpecs(DefaultSpecs()))
	assert.Error(t, ValidateSpecs([]Spec{{Label: "", Period: time.Second, Limit: 1}}))
	assert.Error(t, ValidateSpecs([]Spec{{Label: "a", Period: 0, Limit: 1}}))
	assert.Error(t, ValidateSpecs([]Spec{{Label: "a", Period: time.Second, Limit: 0}}))
	assert.Error(t, ValidateSpecs([]Spec{
		{Label: "a", Period: time.Second, Limit: 1},
		{Label: "a", Period: time.Minute, Limit: 1},
	}))
}
