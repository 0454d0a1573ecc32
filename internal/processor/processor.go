package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/trailsync/internal/db"
	"github.com/livinlefevreloca/trailsync/internal/manifest"
)

// ErrClosed is returned when input is offered to a finished offload
var ErrClosed = errors.New("processor: offload closed")

// Store is the subset of the record store local stages read and write
type Store interface {
	GetStreams(ctx context.Context, activityID int64, names ...string) (map[string][]float64, error)
	PutStreams(ctx context.Context, streams []*db.Stream) error
	PutPeaks(ctx context.Context, peaks []*db.Peak) error
	GetActivitiesForAthlete(ctx context.Context, athleteID int64, q db.ActivityQuery) ([]*db.Activity, error)
}

// Executor runs CPU-bound operations off the calling goroutine
type Executor interface {
	Execute(ctx context.Context, op string, args any) (any, error)
}

// Env is what a unit of work may use
type Env struct {
	Store  Store
	Pool   Executor
	Logger *slog.Logger
}

// Batch is a set of activities handed to one stage.
//
// A unit reports per-activity failures with Fail. Every activity it does not
// fail is marked current for the stage when the batch is applied, including
// activities the unit skipped because there was nothing to do.
type Batch struct {
	Stage      *manifest.Stage
	Athlete    *db.Athlete
	Activities []*db.Activity

	mu     sync.Mutex
	failed map[int64]string
}

// NewBatch creates a batch for one stage
func NewBatch(stage *manifest.Stage, athlete *db.Athlete, activities []*db.Activity) *Batch {
	return &Batch{Stage: stage, Athlete: athlete, Activities: activities}
}

// Fail records a failure for one activity
func (b *Batch) Fail(activityID int64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failed == nil {
		b.failed = make(map[int64]string)
	}
	b.failed[activityID] = err.Error()
}

// Failures returns the recorded failures by activity id
func (b *Batch) Failures() map[int64]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[int64]string, len(b.failed))
	for k, v := range b.failed {
		out[k] = v
	}
	return out
}

// Apply writes the batch outcome into each activity's sync state
func (b *Batch) Apply(now time.Time) {
	MarkDone(b.Stage, b.Activities, b.Failures(), now)
}

// MarkDone sets the stage current on every activity without an entry in
// failures and records an error on the rest
func MarkDone(stage *manifest.Stage, activities []*db.Activity, failures map[int64]string, now time.Time) {
	for _, a := range activities {
		if a.SyncState == nil {
			a.SyncState = manifest.States{}
		}
		if msg, ok := failures[a.ID]; ok {
			a.SyncState.SetError(stage, msg, now)
			continue
		}
		a.SyncState.SetSuccess(stage)
	}
}

// MarkFailed records the same error on every activity
func MarkFailed(stage *manifest.Stage, activities []*db.Activity, err error, now time.Time) {
	for _, a := range activities {
		if a.SyncState == nil {
			a.SyncState = manifest.States{}
		}
		a.SyncState.SetError(stage, err.Error(), now)
	}
}

// Func is a unit that runs synchronously on the pipeline goroutine
type Func func(ctx context.Context, env *Env, b *Batch) error

// Kind implements manifest.Unit
func (Func) Kind() manifest.UnitKind { return manifest.UnitInline }

// Run calls f and converts a panic into an error
func (f Func) Run(ctx context.Context, env *Env, b *Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", b.Stage.Qualifier(), r)
		}
	}()
	return f(ctx, env, b)
}

// =============================================================================
// Offload
// =============================================================================

// OffloadUnit is a unit that runs in its own goroutine for the lifetime of
// a job. Input is accumulated until ChunkSize activities are waiting or the
// offload is flushed.
type OffloadUnit struct {
	Process   Func
	ChunkSize int
}

// Kind implements manifest.Unit
func (*OffloadUnit) Kind() manifest.UnitKind { return manifest.UnitOffload }

// Finished is output collected from an offload
type Finished struct {
	Activities []*db.Activity
	Errors     map[int64]string
}

// Offload is one running instance of an OffloadUnit
type Offload struct {
	unit    *OffloadUnit
	stage   *manifest.Stage
	athlete *db.Athlete
	env     *Env
	notify  chan<- struct{}
	wake    chan struct{}

	mu       sync.Mutex
	incoming []*db.Activity
	inflight []*db.Activity
	finished []*db.Activity
	errors   map[int64]string
	flushing bool
	done     bool
	err      error
}

// Start launches an offload. notify receives a non-blocking signal whenever
// output becomes available or the offload exits.
func (u *OffloadUnit) Start(ctx context.Context, env *Env, stage *manifest.Stage, athlete *db.Athlete, notify chan<- struct{}) *Offload {
	o := &Offload{
		unit:    u,
		stage:   stage,
		athlete: athlete,
		env:     env,
		notify:  notify,
		wake:    make(chan struct{}, 1),
		errors:  make(map[int64]string),
	}
	go o.run(ctx)
	return o
}

// Stage returns the stage this offload serves
func (o *Offload) Stage() *manifest.Stage {
	return o.stage
}

// PutIncoming queues activities. It fails with ErrClosed once the offload
// has exited.
func (o *Offload) PutIncoming(activities []*db.Activity) error {
	o.mu.Lock()
	if o.done {
		o.mu.Unlock()
		return ErrClosed
	}
	o.incoming = append(o.incoming, activities...)
	o.mu.Unlock()
	o.poke()
	return nil
}

// GetBatch removes up to limit finished activities
func (o *Offload) GetBatch(limit int) Finished {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := min(limit, len(o.finished))
	if n <= 0 {
		return Finished{}
	}
	out := Finished{Activities: o.finished[:n:n], Errors: make(map[int64]string)}
	o.finished = o.finished[n:]
	for _, a := range out.Activities {
		if msg, ok := o.errors[a.ID]; ok {
			out.Errors[a.ID] = msg
			delete(o.errors, a.ID)
		}
	}
	return out
}

// Flush processes whatever input is waiting and exits once it is drained
func (o *Offload) Flush() {
	o.mu.Lock()
	o.flushing = true
	o.mu.Unlock()
	o.poke()
}

// Size is the number of finished activities waiting to be collected
func (o *Offload) Size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.finished)
}

// Done reports whether the offload goroutine has exited
func (o *Offload) Done() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

// Err is the failure that stopped the offload, if any
func (o *Offload) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Pending returns activities accepted but never finished
func (o *Offload) Pending() []*db.Activity {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*db.Activity, 0, len(o.inflight)+len(o.incoming))
	out = append(out, o.inflight...)
	return append(out, o.incoming...)
}

func (o *Offload) poke() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Offload) signal() {
	if o.notify == nil {
		return
	}
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *Offload) chunkSize() int {
	if o.unit.ChunkSize <= 0 {
		return 1
	}
	return o.unit.ChunkSize
}

// next blocks until a chunk is ready. It returns false when the offload
// should exit; in that case done is already set.
func (o *Offload) next(ctx context.Context) ([]*db.Activity, bool) {
	size := o.chunkSize()
	for {
		o.mu.Lock()
		n := len(o.incoming)
		if n > 0 && (n >= size || o.flushing) {
			take := min(n, size)
			chunk := o.incoming[:take:take]
			o.incoming = o.incoming[take:]
			o.inflight = chunk
			o.mu.Unlock()
			return chunk, true
		}
		if o.flushing && n == 0 {
			o.done = true
			o.mu.Unlock()
			return nil, false
		}
		o.mu.Unlock()

		select {
		case <-o.wake:
		case <-ctx.Done():
			o.mu.Lock()
			o.done = true
			o.mu.Unlock()
			return nil, false
		}
	}
}

func (o *Offload) run(ctx context.Context) {
	logger := o.env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("stage", o.stage.Qualifier())

	defer func() {
		if r := recover(); r != nil {
			o.mu.Lock()
			o.err = fmt.Errorf("%s panicked: %v", o.stage.Qualifier(), r)
			o.mu.Unlock()
			logger.Error("offload panicked", "error", r)
		}
		o.mu.Lock()
		o.done = true
		o.mu.Unlock()
		o.signal()
	}()

	for {
		chunk, ok := o.next(ctx)
		if !ok {
			logger.Debug("offload finished")
			return
		}

		b := NewBatch(o.stage, o.athlete, chunk)
		if err := o.unit.Process(ctx, o.env, b); err != nil {
			o.mu.Lock()
			o.err = err
			o.mu.Unlock()
			logger.Warn("offload failed", "error", err, "activities", len(chunk))
			return
		}

		failures := b.Failures()
		o.mu.Lock()
		o.finished = append(o.finished, chunk...)
		for id, msg := range failures {
			o.errors[id] = msg
		}
		o.inflight = nil
		o.mu.Unlock()
		o.signal()
	}
}
