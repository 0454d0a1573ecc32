package inbox

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Inbox is a typed, buffered message channel with send timeouts and
// usage accounting. T is the message type.
type Inbox[T any] struct {
	ch      chan T
	timeout time.Duration
	logger  *slog.Logger

	sent     atomic.Int64
	received atomic.Int64
	timeouts atomic.Int64
	dropped  atomic.Int64
	maxDepth atomic.Int64

	closeOnce sync.Once
	closeMu   sync.RWMutex
	closed    bool
}

// Stats tracks inbox usage
type Stats struct {
	TotalSent     int64
	TotalReceived int64
	TimeoutCount  int64
	DroppedCount  int64
	CurrentDepth  int
	MaxDepthSeen  int
}

// New creates an inbox with the given buffer size. timeout bounds Send;
// TrySend never waits.
func New[T any](bufferSize int, timeout time.Duration, logger *slog.Logger) *Inbox[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox[T]{
		ch:      make(chan T, bufferSize),
		timeout: timeout,
		logger:  logger,
	}
}

func (ib *Inbox[T]) recordDepth() {
	depth := int64(len(ib.ch))
	for {
		old := ib.maxDepth.Load()
		if depth <= old || ib.maxDepth.CompareAndSwap(old, depth) {
			return
		}
	}
}

// Send delivers msg, waiting up to the inbox timeout for buffer space.
// It returns false on timeout or when the inbox is closed.
func (ib *Inbox[T]) Send(msg T) bool {
	ib.closeMu.RLock()
	defer ib.closeMu.RUnlock()
	if ib.closed {
		return false
	}

	timer := time.NewTimer(ib.timeout)
	defer timer.Stop()

	select {
	case ib.ch <- msg:
		ib.sent.Add(1)
		ib.recordDepth()
		return true
	case <-timer.C:
		ib.timeouts.Add(1)
		ib.logger.Warn("inbox send timeout",
			"timeout", ib.timeout,
			"current_depth", len(ib.ch))
		return false
	}
}

// TrySend delivers msg only if buffer space is available. A full or
// closed inbox drops the message and counts the drop.
func (ib *Inbox[T]) TrySend(msg T) bool {
	ib.closeMu.RLock()
	defer ib.closeMu.RUnlock()
	if ib.closed {
		ib.dropped.Add(1)
		return false
	}

	select {
	case ib.ch <- msg:
		ib.sent.Add(1)
		ib.recordDepth()
		return true
	default:
		ib.dropped.Add(1)
		return false
	}
}

// TryReceive returns a message if one is buffered
func (ib *Inbox[T]) TryReceive() (T, bool) {
	select {
	case msg, ok := <-ib.ch:
		if ok {
			ib.received.Add(1)
		}
		return msg, ok
	default:
		var zero T
		return zero, false
	}
}

// Receive blocks until a message is available. ok is false once the inbox
// is closed and drained.
func (ib *Inbox[T]) Receive() (T, bool) {
	msg, ok := <-ib.ch
	if ok {
		ib.received.Add(1)
	}
	return msg, ok
}

// C exposes the channel for use in select statements. Messages taken from
// it directly are not counted as received.
func (ib *Inbox[T]) C() <-chan T {
	return ib.ch
}

// Stats returns a snapshot of inbox usage
func (ib *Inbox[T]) Stats() Stats {
	return Stats{
		TotalSent:     ib.sent.Load(),
		TotalReceived: ib.received.Load(),
		TimeoutCount:  ib.timeouts.Load(),
		DroppedCount:  ib.dropped.Load(),
		CurrentDepth:  len(ib.ch),
		MaxDepthSeen:  int(ib.maxDepth.Load()),
	}
}

// Len returns the number of buffered messages
func (ib *Inbox[T]) Len() int {
	return len(ib.ch)
}

// Close closes the channel. Later sends fail; it is safe to call twice.
func (ib *Inbox[T]) Close() {
	ib.closeOnce.Do(func() {
		ib.closeMu.Lock()
		ib.closed = true
		close(ib.ch)
		ib.closeMu.Unlock()
	})
}
