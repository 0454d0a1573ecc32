package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Spec describes one limiter window
type Spec struct {
	Label  string        `toml:"label"`
	Period time.Duration `toml:"period"`
	Limit  int           `toml:"limit"`
	Spread bool          `toml:"spread"`
}

// DefaultSpecs are the quotas applied to stream fetches
func DefaultSpecs() []Spec {
	return []Spec{
		{Label: "streams-min", Period: 65 * time.Second, Limit: 30, Spread: true},
		{Label: "streams-hour", Period: 4100 * time.Second, Limit: 200},
		{Label: "streams-day", Period: 90000 * time.Second, Limit: 700},
	}
}

func validateSpec(s Spec) error {
	if s.Label == "" {
		return fmt.Errorf("rate limit label must be specified")
	}
	if s.Period <= 0 {
		return fmt.Errorf("rate limit %s period must be positive, got %v", s.Label, s.Period)
	}
	if s.Limit <= 0 {
		return fmt.Errorf("rate limit %s limit must be positive, got %d", s.Label, s.Limit)
	}
	return nil
}

// ValidateSpecs checks a limiter set for usable values and unique labels
func ValidateSpecs(specs []Spec) error {
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if err := validateSpec(s); err != nil {
			return err
		}
		if seen[s.Label] {
			return fmt.Errorf("duplicate rate limit label: %s", s.Label)
		}
		seen[s.Label] = true
	}
	return nil
}

// Store persists limiter ledgers between process runs
type Store interface {
	LoadLedgerState(ctx context.Context, label string) ([]byte, error)
	SaveLedgerState(ctx context.Context, label string, state []byte) error
}

// Clock abstracts time so tests can run quotas without sleeping
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RealClock is the wall clock
var RealClock Clock = realClock{}

// Limiter enforces one window. Its ledger holds the timestamps of the
// reservations still inside the window, oldest first.
type Limiter struct {
	spec Spec

	mu     sync.Mutex
	ledger []time.Time
}

// Label returns the limiter label
func (l *Limiter) Label() string { return l.spec.Label }

// suspendFor reports how long until one more unit is allowed. Caller holds mu.
func (l *Limiter) suspendFor(now time.Time) time.Duration {
	l.prune(now)

	var wait time.Duration
	if len(l.ledger) >= l.spec.Limit {
		oldest := l.ledger[len(l.ledger)-l.spec.Limit]
		wait = oldest.Add(l.spec.Period).Sub(now)
	}
	if l.spec.Spread && len(l.ledger) > 0 {
		interval := l.spec.Period / time.Duration(l.spec.Limit)
		last := l.ledger[len(l.ledger)-1]
		if d := last.Add(interval).Sub(now); d > wait {
			wait = d
		}
	}
	if wait < 0 {
		return 0
	}
	return wait
}

func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.spec.Period)
	i := 0
	for i < len(l.ledger) && !l.ledger[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.ledger = append(l.ledger[:0], l.ledger[i:]...)
	}
}

func (l *Limiter) record(now time.Time) {
	l.ledger = append(l.ledger, now)
}

func (l *Limiter) snapshot() []byte {
	stamps := make([]int64, len(l.ledger))
	for i, t := range l.ledger {
		stamps[i] = t.UnixNano()
	}
	b, _ := json.Marshal(stamps)
	return b
}

func decodeLedger(b []byte) ([]time.Time, error) {
	var stamps []int64
	if err := json.Unmarshal(b, &stamps); err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, len(stamps))
	for i, v := range stamps {
		t := time.Unix(0, v)
		if i > 0 && t.Before(out[len(out)-1]) {
			return nil, errors.New("ledger is not ordered")
		}
		out = append(out, t)
	}
	return out, nil
}

// Group gates callers on every member limiter at once
type Group struct {
	limiters []*Limiter
	store    Store
	clock    Clock
	logger   *slog.Logger

	mu        sync.Mutex
	persistMu sync.Mutex
}

// NewGroup builds a group and reloads persisted ledgers. Missing or corrupt
// ledgers start empty.
func NewGroup(ctx context.Context, specs []Spec, store Store, clock Clock, logger *slog.Logger) (*Group, error) {
	if err := ValidateSpecs(specs); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = RealClock
	}
	if logger == nil {
		logger = slog.Default()
	}

	g := &Group{store: store, clock: clock, logger: logger.With("component", "ratelimit")}
	for _, spec := range specs {
		l := &Limiter{spec: spec}
		if store != nil {
			l.ledger = g.load(ctx, spec.Label)
		}
		g.limiters = append(g.limiters, l)
	}
	return g, nil
}

func (g *Group) load(ctx context.Context, label string) []time.Time {
	raw, err := g.store.LoadLedgerState(ctx, label)
	if err != nil {
		g.logger.Debug("no persisted ledger", "label", label, "error", err)
		return nil
	}
	ledger, err := decodeLedger(raw)
	if err != nil {
		g.logger.Warn("discarding corrupt ledger", "label", label, "error", err)
		return nil
	}
	return ledger
}

// Limiters returns the member limiters
func (g *Group) Limiters() []*Limiter {
	return g.limiters
}

// WillSuspendFor reports the longest projected wait across members without
// reserving anything.
func (g *Group) WillSuspendFor() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.suspendFor(g.clock.Now())
}

func (g *Group) suspendFor(now time.Time) time.Duration {
	var longest time.Duration
	for _, l := range g.limiters {
		l.mu.Lock()
		d := l.suspendFor(now)
		l.mu.Unlock()
		if d > longest {
			longest = d
		}
	}
	return longest
}

// Increment records one unit against every member unconditionally
func (g *Group) Increment(ctx context.Context) {
	g.mu.Lock()
	now := g.clock.Now()
	for _, l := range g.limiters {
		l.mu.Lock()
		l.prune(now)
		l.record(now)
		l.mu.Unlock()
	}
	g.mu.Unlock()
	g.persist(ctx)
}

// Wait blocks until every member permits one more unit and then reserves it
// on all of them. The reservation is persisted before Wait returns.
func (g *Group) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		g.mu.Lock()
		now := g.clock.Now()
		d := g.suspendFor(now)
		if d == 0 {
			for _, l := range g.limiters {
				l.mu.Lock()
				l.record(now)
				l.mu.Unlock()
			}
			g.mu.Unlock()
			g.persist(ctx)
			return nil
		}
		g.mu.Unlock()

		if err := g.clock.Sleep(ctx, d); err != nil {
			return err
		}
	}
}

// persist writes every ledger. A failed write is logged; the reservation
// already happened in memory.
func (g *Group) persist(ctx context.Context) {
	if g.store == nil {
		return
	}
	// Snapshots are taken and written in order so a stale ledger never
	// overwrites a newer one.
	g.persistMu.Lock()
	defer g.persistMu.Unlock()
	for _, l := range g.limiters {
		l.mu.Lock()
		state := l.snapshot()
		l.mu.Unlock()
		// Persist even when the caller was cancelled right after reserving.
		if err := g.store.SaveLedgerState(context.WithoutCancel(ctx), l.spec.Label, state); err != nil {
			g.logger.Warn("failed to persist ledger", "label", l.spec.Label, "error", err)
		}
	}
}
