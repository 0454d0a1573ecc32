package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Registration
// =============================================================================

func TestRegister_DeclarationOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Stage{Group: GroupLocal, Name: "a", Version: 1}))
	require.NoError(t, r.Register(Stage{Group: GroupLocal, Name: "b", Version: 1, Depends: []string{"a"}}))
	require.NoError(t, r.Register(Stage{Group: GroupLocal, Name: "c", Version: 2}))
	require.NoError(t, r.Register(Stage{Group: GroupRemote, Name: "streams", Version: 1}))

	var names []string
	for _, s := range r.Stages(GroupLocal) {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
	assert.Len(t, r.Stages(GroupRemote), 1)

	s, ok := r.Stage(GroupLocal, "b")
	require.True(t, ok)
	assert.Equal(t, "local/b", s.Qualifier())

	_, ok = r.Stage(GroupRemote, "b")
	assert.False(t, ok)
}

func TestRegister_Errors(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Stage{Group: GroupLocal, Name: "a", Version: 1}))

	err := r.Register(Stage{Group: GroupLocal, Name: "a", Version: 2})
	assert.True(t, errors.Is(err, ErrDuplicateStage), "got %v", err)

	// Same name in another group is fine.
	assert.NoError(t, r.Register(Stage{Group: GroupRemote, Name: "a", Version: 1}))

	err = r.Register(Stage{Group: GroupLocal, Name: "b", Version: 1, Depends: []string{"missing"}})
	assert.True(t, errors.Is(err, ErrUnknownDependency), "got %v", err)

	err = r.Register(Stage{Group: GroupLocal, Name: "c", Version: 0})
	assert.True(t, errors.Is(err, ErrInvalidStage), "got %v", err)

	err = r.Register(Stage{Group: "other", Name: "d", Version: 1})
	assert.True(t, errors.Is(err, ErrInvalidStage), "got %v", err)

	r.Seal()
	err = r.Register(Stage{Group: GroupLocal, Name: "late", Version: 1})
	assert.ErrorIs(t, err, ErrSealed)
}

func TestVersionHash(t *testing.T) {
	build := func(version int) *Registry {
		r := NewRegistry()
		require.NoError(t, r.Register(Stage{Group: GroupRemote, Name: "streams", Version: 1}))
		require.NoError(t, r.Register(Stage{Group: GroupLocal, Name: "stats", Version: version}))
		return r
	}

	assert.Equal(t, build(3).VersionHash(), build(3).VersionHash())
	assert.NotEqual(t, build(3).VersionHash(), build(4).VersionHash())
	assert.Len(t, build(3).VersionHash(), 64)
}

// =============================================================================
// Eligibility
// =============================================================================

func TestNextEligible_Dependencies(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Stage{Group: GroupLocal, Name: "extra", Version: 1}))
	require.NoError(t, r.Register(Stage{Group: GroupLocal, Name: "zones", Version: 1}))
	require.NoError(t, r.Register(Stage{Group: GroupLocal, Name: "stats", Version: 3, Depends: []string{"extra", "zones"}}))

	now := time.Now()
	states := States{}

	next := r.NextEligible(states, GroupLocal, now)
	require.NotNil(t, next)
	assert.Equal(t, "extra", next.Name)

	extra, _ := r.Stage(GroupLocal, "extra")
	states.SetSuccess(extra)
	next = r.NextEligible(states, GroupLocal, now)
	require.NotNil(t, next)
	assert.Equal(t, "zones", next.Name)

	zones, _ := r.Stage(GroupLocal, "zones")
	states.SetSuccess(zones)
	next = r.NextEligible(states, GroupLocal, now)
	require.NotNil(t, next)
	assert.Equal(t, "stats", next.Name)

	stats, _ := r.Stage(GroupLocal, "stats")
	states.SetSuccess(stats)
	assert.Nil(t, r.NextEligible(states, GroupLocal, now))
	assert.True(t, r.IsComplete(states, GroupLocal))
}

func TestNextEligible_ErrorBackoff(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Stage{Group: GroupRemote, Name: "streams", Version: 1, ErrorBackoff: time.Hour}))
	s, _ := r.Stage(GroupRemote, "streams")

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	states := States{}
	states.SetError(s, "boom", now)

	assert.True(t, states.HasError(s))
	assert.Nil(t, r.NextEligible(states, GroupRemote, now.Add(59*time.Minute)))
	assert.NotNil(t, r.NextEligible(states, GroupRemote, now.Add(61*time.Minute)))

	// Second failure doubles the window.
	states.SetError(s, "boom again", now)
	assert.Nil(t, r.NextEligible(states, GroupRemote, now.Add(119*time.Minute)))
	assert.NotNil(t, r.NextEligible(states, GroupRemote, now.Add(121*time.Minute)))
	assert.Equal(t, 2, states[s.Qualifier()].ErrorCount)

	states.SetSuccess(s)
	assert.False(t, states.HasError(s))
	assert.Equal(t, 0, states[s.Qualifier()].ErrorCount)
}

func TestNotApplicableIsCurrent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Stage{Group: GroupRemote, Name: "streams", Version: 1}))
	s, _ := r.Stage(GroupRemote, "streams")

	states := States{}
	states.SetNotApplicable(s)
	assert.True(t, states.IsCurrent(s))
	assert.True(t, states.IsNotApplicable(s))
	assert.False(t, states.HasError(s))
	assert.True(t, r.IsComplete(states, GroupRemote))
}

func TestStates_JSONOmitsUnsetErrorTime(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Stage{Group: GroupRemote, Name: "streams", Version: 1}))
	s, _ := r.Stage(GroupRemote, "streams")

	states := States{}
	states.SetSuccess(s)
	b, err := json.Marshal(states)
	require.NoError(t, err)
	assert.JSONEq(t, `{"remote/streams":{"version":1,"outcome":"ok"}}`, string(b))

	failedAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	states.SetError(s, "boom", failedAt)
	b, err = json.Marshal(states)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"error_time"`)

	var decoded States
	require.NoError(t, json.Unmarshal(b, &decoded))
	got, _ := decoded.Get(s)
	assert.True(t, got.ErrorTime.Equal(failedAt))
	assert.Equal(t, 1, got.ErrorCount)
}

func TestVersionBumpOnlyRecomputesThatStage(t *testing.T) {
	old := NewRegistry()
	require.NoError(t, old.Register(Stage{Group: GroupLocal, Name: "stats", Version: 3}))
	require.NoError(t, old.Register(Stage{Group: GroupLocal, Name: "load", Version: 4, Depends: []string{"stats"}}))

	states := States{}
	for _, s := range old.Stages(GroupLocal) {
		states.SetSuccess(s)
	}
	require.True(t, old.IsComplete(states, GroupLocal))

	bumped := NewRegistry()
	require.NoError(t, bumped.Register(Stage{Group: GroupLocal, Name: "stats", Version: 4}))
	require.NoError(t, bumped.Register(Stage{Group: GroupLocal, Name: "load", Version: 4, Depends: []string{"stats"}}))

	now := time.Now()
	next := bumped.NextEligible(states, GroupLocal, now)
	require.NotNil(t, next)
	assert.Equal(t, "stats", next.Name)

	states.SetSuccess(next)
	assert.Nil(t, bumped.NextEligible(states, GroupLocal, now), "dependents stay current")
}

// TestNextEligible_RandomGraphs runs random manifests to completion with a
// random mix of failures and checks that no stage ever runs before its
// dependencies are current.
func TestNextEligible_RandomGraphs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	now := time.Now()

	for iter := 0; iter < 200; iter++ {
		r := NewRegistry()
		n := 2 + rng.Intn(8)
		for i := 0; i < n; i++ {
			var deps []string
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					deps = append(deps, fmt.Sprintf("s%d", j))
				}
			}
			backoff := time.Duration(0)
			if rng.Intn(2) == 0 {
				backoff = time.Hour
			}
			require.NoError(t, r.Register(Stage{
				Group:        GroupLocal,
				Name:         fmt.Sprintf("s%d", i),
				Version:      1 + rng.Intn(3),
				Depends:      deps,
				ErrorBackoff: backoff,
			}))
		}

		activities := make([]States, 1+rng.Intn(5))
		for i := range activities {
			activities[i] = States{}
		}

		for step := 0; step < 500; step++ {
			idx := rng.Intn(len(activities))
			states := activities[idx]
			s := r.NextEligible(states, GroupLocal, now)
			if s == nil {
				continue
			}
			for _, dep := range s.Depends {
				d, _ := r.Stage(GroupLocal, dep)
				require.True(t, states.IsCurrent(d), "stage %s ran before %s was current", s.Name, dep)
			}
			if rng.Intn(4) == 0 {
				states.SetError(s, "random failure", now)
			} else {
				states.SetSuccess(s)
			}
		}
	}
}
