package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/trailsync/internal/inbox"
)

// Type identifies the kind of event
type Type int

const (
	TypeStatus Type = iota
	TypeProgress
	TypeRateLimited
	TypeError
	TypeActive
	TypeEnabled
	TypeDisabled
)

func (t Type) String() string {
	switch t {
	case TypeStatus:
		return "status"
	case TypeProgress:
		return "progress"
	case TypeRateLimited:
		return "rate-limited"
	case TypeError:
		return "error"
	case TypeActive:
		return "active"
	case TypeEnabled:
		return "enabled"
	case TypeDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Counts summarizes an athlete's sync progress
type Counts struct {
	Total         int `json:"total"`
	Imported      int `json:"imported"`
	Unavailable   int `json:"unavailable"`
	Processed     int `json:"processed"`
	Unprocessable int `json:"unprocessable"`
}

// RateLimit describes a suspension caused by the rate limiter. A zero
// Until with Suspended false means the job resumed.
type RateLimit struct {
	Suspended bool      `json:"suspended"`
	Until     time.Time `json:"until,omitzero"`
}

// Event is one notification about an athlete's sync
type Event struct {
	Type      Type       `json:"type"`
	AthleteID int64      `json:"athlete_id"`
	JobID     string     `json:"job_id,omitempty"`
	Status    string     `json:"status,omitempty"`
	Counts    *Counts    `json:"counts,omitempty"`
	RateLimit *RateLimit `json:"rate_limit,omitempty"`
	Error     string     `json:"error,omitempty"`
	Active    bool       `json:"active,omitempty"`
	Time      time.Time  `json:"time"`
}

// Subscription receives events for one athlete, or for all athletes when
// its athlete id is 0
type Subscription struct {
	athleteID int64
	inbox     *inbox.Inbox[Event]
}

// C returns the channel events arrive on. It is closed on Unsubscribe.
func (s *Subscription) C() <-chan Event {
	return s.inbox.C()
}

// Stats returns delivery statistics, including dropped events
func (s *Subscription) Stats() inbox.Stats {
	return s.inbox.Stats()
}

func (s *Subscription) wants(e Event) bool {
	return s.athleteID == 0 || s.athleteID == e.AthleteID
}

// Bus fans events out to subscribers. Publish never blocks.
type Bus struct {
	mu         sync.RWMutex
	subs       map[*Subscription]struct{}
	bufferSize int
	logger     *slog.Logger
	now        func() time.Time
}

// NewBus creates a bus whose subscribers buffer up to bufferSize events
func NewBus(bufferSize int, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{
		subs:       make(map[*Subscription]struct{}),
		bufferSize: bufferSize,
		logger:     logger,
		now:        time.Now,
	}
}

// Subscribe registers a subscriber. athleteID 0 receives every event.
func (b *Bus) Subscribe(athleteID int64) *Subscription {
	sub := &Subscription{
		athleteID: athleteID,
		inbox:     inbox.New[Event](b.bufferSize, 0, b.logger),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if ok {
		sub.inbox.Close()
	}
}

// Publish delivers e to every interested subscriber. A subscriber whose
// buffer is full misses the event.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.wants(e) {
			continue
		}
		if !sub.inbox.TrySend(e) {
			b.logger.Debug("event dropped",
				"type", e.Type.String(),
				"athlete_id", e.AthleteID)
		}
	}
}

// Subscribers returns the number of live subscriptions
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
