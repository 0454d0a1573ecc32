package syncjob

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/livinlefevreloca/trailsync/internal/db"
	"github.com/livinlefevreloca/trailsync/internal/manifest"
	"github.com/livinlefevreloca/trailsync/internal/processor"
)

// localRun is the state of one local pipeline
type localRun struct {
	job    *Job
	env    *processor.Env
	limit  int
	queue  []*db.Activity
	batch  []*db.Activity
	notify chan struct{}

	// offloads holds every offload until it is drained; active maps a stage
	// to the instance still accepting input
	offloads []*processor.Offload
	active   map[*manifest.Stage]*processor.Offload
}

// processLocal runs local stages over ready activities and everything that
// arrives on in, until in is closed and every offload has drained
func (j *Job) processLocal(ctx context.Context, ready []*db.Activity, in <-chan *db.Activity) error {
	r := &localRun{
		job: j,
		env: &processor.Env{
			Store:  j.deps.Store,
			Pool:   j.deps.Pool,
			Logger: j.logger,
		},
		limit:  j.cfg.InitialBatch,
		queue:  append([]*db.Activity(nil), ready...),
		notify: make(chan struct{}, 1),
		active: make(map[*manifest.Stage]*processor.Offload),
	}

	for ctx.Err() == nil {
		in = r.drain(in)
		if in == nil && len(r.queue) == 0 && len(r.offloads) == 0 {
			return nil
		}

		if len(r.queue) == 0 && !r.offloadReady() {
			if in == nil {
				for _, o := range r.offloads {
					j.logger.Debug("flushing offload processor", "stage", o.Stage().Qualifier())
					o.Flush()
				}
			}
			select {
			case a, ok := <-in:
				if !ok {
					in = nil
				} else {
					r.queue = append(r.queue, a)
				}
			case <-r.notify:
			case <-ctx.Done():
				return nil
			}
			continue
		}

		if err := r.collect(ctx); err != nil {
			return err
		}
		r.fill()
		r.limit = min(j.cfg.MaxBatch, int(math.Ceil(float64(r.limit)*j.cfg.BatchGrowth)))

		if err := r.process(ctx); err != nil {
			return err
		}
	}
	return nil
}

// drain moves whatever is buffered on in to the queue without blocking.
// It returns nil once in is closed.
func (r *localRun) drain(in <-chan *db.Activity) <-chan *db.Activity {
	for in != nil {
		select {
		case a, ok := <-in:
			if !ok {
				return nil
			}
			r.queue = append(r.queue, a)
		default:
			return in
		}
	}
	return nil
}

func (r *localRun) offloadReady() bool {
	for _, o := range r.offloads {
		if o.Size() > 0 || o.Done() {
			return true
		}
	}
	return false
}

// collect moves finished offload output into the batch and retires
// offloads that exited
func (r *localRun) collect(ctx context.Context) error {
	j := r.job
	kept := r.offloads[:0]
	for _, o := range r.offloads {
		if room := r.limit - len(r.batch); room > 0 {
			fin := o.GetBatch(room)
			if len(fin.Activities) > 0 {
				processor.MarkDone(o.Stage(), fin.Activities, fin.Errors, j.deps.Clock.Now())
				if err := j.deps.Store.SaveSyncStates(ctx, fin.Activities); err != nil {
					return fmt.Errorf("save %s results: %w", o.Stage().Qualifier(), err)
				}
				r.batch = append(r.batch, fin.Activities...)
			}
		}

		if !o.Done() || o.Size() > 0 {
			kept = append(kept, o)
			continue
		}
		if r.active[o.Stage()] == o {
			delete(r.active, o.Stage())
		}
		if err := o.Err(); err != nil && ctx.Err() == nil {
			pending := o.Pending()
			j.logger.Warn("offload processing error",
				"stage", o.Stage().Qualifier(),
				"activities", len(pending),
				"error", err)
			processor.MarkFailed(o.Stage(), pending, err, j.deps.Clock.Now())
			if err := j.deps.Store.SaveSyncStates(ctx, pending); err != nil {
				return fmt.Errorf("save %s errors: %w", o.Stage().Qualifier(), err)
			}
		}
		j.logger.Debug("offload processor finished", "stage", o.Stage().Qualifier())
	}
	r.offloads = kept
	return nil
}

// fill tops the batch up from the queue
func (r *localRun) fill() {
	n := min(len(r.queue), r.limit-len(r.batch))
	if n <= 0 {
		return
	}
	r.batch = append(r.batch, r.queue[:n]...)
	r.queue = r.queue[n:]
}

// process advances every activity of the batch through as many inline
// stages as are eligible. Activities with offloaded stages leave the batch
// and come back through collect.
func (r *localRun) process(ctx context.Context) error {
	j := r.job
	reg := j.deps.Registry
	prev := make(map[int64]*manifest.Stage)

	for len(r.batch) > 0 && ctx.Err() == nil {
		now := j.deps.Clock.Now()
		groups := make(map[*manifest.Stage][]*db.Activity)
		var order []*manifest.Stage
		for _, a := range r.batch {
			s := reg.NextEligible(a.SyncState, manifest.GroupLocal, now)
			if s == nil {
				continue
			}
			if prev[a.ID] == s {
				j.logger.Warn("local stage did not advance", "activity_id", a.ID, "stage", s.Qualifier())
				continue
			}
			prev[a.ID] = s
			if _, ok := groups[s]; !ok {
				order = append(order, s)
			}
			groups[s] = append(groups[s], a)
		}
		r.batch = nil

		for _, s := range order {
			acts := groups[s]
			if err := r.runStage(ctx, s, acts); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
		}
		j.progress()
	}
	return nil
}

func (r *localRun) runStage(ctx context.Context, s *manifest.Stage, acts []*db.Activity) error {
	j := r.job
	switch u := s.Unit.(type) {
	case *processor.OffloadUnit:
		return r.offload(ctx, u, s, acts)

	case processor.Func:
		start := time.Now()
		b := processor.NewBatch(s, j.athlete, acts)
		err := u.Run(ctx, r.env, b)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			j.logger.Warn("local processing error",
				"stage", s.Qualifier(),
				"version", s.Version,
				"activities", len(acts),
				"error", err)
			processor.MarkFailed(s, acts, err, j.deps.Clock.Now())
		} else {
			b.Apply(j.deps.Clock.Now())
		}
		if err := j.deps.Store.SaveSyncStates(ctx, acts); err != nil {
			return fmt.Errorf("save %s results: %w", s.Qualifier(), err)
		}
		j.logger.Debug("local stage finished",
			"stage", s.Qualifier(),
			"activities", len(acts),
			"elapsed", time.Since(start))
		r.batch = append(r.batch, acts...)
		return nil

	default:
		err := fmt.Errorf("stage %s has no runnable unit", s.Qualifier())
		processor.MarkFailed(s, acts, err, j.deps.Clock.Now())
		if err := j.deps.Store.SaveSyncStates(ctx, acts); err != nil {
			return fmt.Errorf("save %s errors: %w", s.Qualifier(), err)
		}
		return nil
	}
}

func (r *localRun) offload(ctx context.Context, u *processor.OffloadUnit, s *manifest.Stage, acts []*db.Activity) error {
	j := r.job
	for attempt := 0; attempt < 2; attempt++ {
		o := r.active[s]
		if o == nil {
			j.logger.Info("creating offload processor", "stage", s.Qualifier())
			o = u.Start(ctx, r.env, s, j.athlete, r.notify)
			r.active[s] = o
			r.offloads = append(r.offloads, o)
		}
		err := o.PutIncoming(acts)
		if err == nil {
			j.logger.Debug("enqueued activities", "stage", s.Qualifier(), "activities", len(acts))
			return nil
		}
		if !errors.Is(err, processor.ErrClosed) {
			return err
		}
		delete(r.active, s)
	}
	return fmt.Errorf("offload %s closed twice", s.Qualifier())
}
