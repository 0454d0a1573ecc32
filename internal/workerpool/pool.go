package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Config holds worker pool settings
type Config struct {
	MaxWorkers  int           `toml:"max_workers"`
	IdleTimeout time.Duration `toml:"idle_timeout"`
}

// DefaultConfig sizes the pool at twice the available parallelism
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  2 * runtime.GOMAXPROCS(0),
		IdleTimeout: 10 * time.Second,
	}
}

// ValidateConfig checks worker pool settings
func ValidateConfig(cfg Config) error {
	if cfg.MaxWorkers <= 0 {
		return fmt.Errorf("max_workers must be positive, got %d", cfg.MaxWorkers)
	}
	if cfg.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive, got %v", cfg.IdleTimeout)
	}
	return nil
}

// Operation is a CPU-bound function executed on a worker. Args must be
// treated as read-only.
type Operation func(ctx context.Context, args any) (any, error)

// Request is the message sent to a worker
type Request struct {
	Op     string
	Args   any
	CallID uint64
}

// Response is the message a worker sends back. Value is set on success,
// Error otherwise.
type Response struct {
	CallID  uint64
	Success bool
	Value   any
	Error   string

	fatal  bool
	worker *worker
}

// CallError is returned when an operation fails on the worker
type CallError struct {
	Op      string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("workerpool: %s: %s", e.Op, e.Message)
}

// Standard errors
var (
	ErrClosed     = errors.New("workerpool: closed")
	ErrWorkerDied = errors.New("workerpool: worker died")
)

// Stats is a snapshot of pool usage
type Stats struct {
	Idle    int
	Busy    int
	Spawned int64
	Dead    int64
	Calls   int64
}

// Pool executes operations on a bounded set of worker goroutines
type Pool struct {
	cfg    Config
	ops    map[string]Operation
	logger *slog.Logger

	slots     *semaphore.Weighted
	responses chan Response
	nextID    atomic.Uint64

	mu      sync.Mutex
	idle    []*worker
	busy    map[*worker]struct{}
	pending map[uint64]chan Response
	closed  bool

	spawned atomic.Int64
	dead    atomic.Int64
	calls   atomic.Int64

	done chan struct{}
	wg   sync.WaitGroup
}

type worker struct {
	id       int64
	requests chan Request
}

// New creates a pool. Workers are spawned on demand.
func New(cfg Config, ops map[string]Operation, logger *slog.Logger) (*Pool, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		cfg:       cfg,
		ops:       ops,
		logger:    logger.With("component", "workerpool"),
		slots:     semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		responses: make(chan Response, cfg.MaxWorkers),
		busy:      make(map[*worker]struct{}),
		pending:   make(map[uint64]chan Response),
		done:      make(chan struct{}),
	}

	p.wg.Add(1)
	go p.dispatch()
	return p, nil
}

// Execute runs op on a worker and returns its value. It blocks while every
// worker is busy. Cancelling ctx stops the wait but not the running call.
func (p *Pool) Execute(ctx context.Context, op string, args any) (any, error) {
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	id := p.nextID.Add(1)
	ch := make(chan Response, 1)

	w, err := p.acquire(id, ch)
	if err != nil {
		p.slots.Release(1)
		return nil, err
	}
	p.calls.Add(1)

	w.requests <- Request{Op: op, Args: args, CallID: id}

	select {
	case resp := <-ch:
		if resp.fatal {
			return nil, fmt.Errorf("%w: %s: %s", ErrWorkerDied, op, resp.Error)
		}
		if !resp.Success {
			return nil, &CallError{Op: op, Message: resp.Error}
		}
		return resp.Value, nil
	case <-ctx.Done():
		// The dispatcher still releases the worker when it answers.
		return nil, ctx.Err()
	}
}

func (p *Pool) acquire(id uint64, ch chan Response) (*worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}

	var w *worker
	if n := len(p.idle); n > 0 {
		w = p.idle[n-1]
		p.idle = p.idle[:n-1]
	} else {
		w = &worker{
			id:       p.spawned.Add(1),
			requests: make(chan Request, 1),
		}
		p.wg.Add(1)
		go p.run(w)
		p.logger.Debug("spawned worker", "worker_id", w.id)
	}

	p.busy[w] = struct{}{}
	p.pending[id] = ch
	return w, nil
}

// dispatch routes responses from every worker back to their callers
func (p *Pool) dispatch() {
	defer p.wg.Done()
	for {
		select {
		case resp := <-p.responses:
			p.route(resp)
		case <-p.done:
			return
		}
	}
}

func (p *Pool) route(resp Response) {
	p.mu.Lock()
	ch := p.pending[resp.CallID]
	delete(p.pending, resp.CallID)
	delete(p.busy, resp.worker)
	if resp.fatal {
		p.dead.Add(1)
		close(resp.worker.requests)
	} else if p.closed {
		close(resp.worker.requests)
	} else {
		p.idle = append(p.idle, resp.worker)
	}
	p.mu.Unlock()

	p.slots.Release(1)
	if ch != nil {
		ch <- resp
	}
}

// retire removes w from the idle set. It reports false when w was handed a
// new call in the meantime.
func (p *Pool) retire(w *worker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, iw := range p.idle {
		if iw == w {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) run(w *worker) {
	defer p.wg.Done()

	timer := time.NewTimer(p.cfg.IdleTimeout)
	defer timer.Stop()

	for {
		select {
		case req, ok := <-w.requests:
			if !ok {
				return
			}
			resp := p.call(w, req)
			p.responses <- resp
			if resp.fatal {
				p.logger.Warn("worker died", "worker_id", w.id, "op", req.Op, "error", resp.Error)
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.cfg.IdleTimeout)

		case <-timer.C:
			if p.retire(w) {
				p.logger.Debug("idle worker exited", "worker_id", w.id)
				return
			}
			timer.Reset(p.cfg.IdleTimeout)

		case <-p.done:
			return
		}
	}
}

func (p *Pool) call(w *worker, req Request) (resp Response) {
	resp = Response{CallID: req.CallID, worker: w}

	defer func() {
		if r := recover(); r != nil {
			resp.Success = false
			resp.Value = nil
			resp.Error = fmt.Sprint(r)
			resp.fatal = true
		}
	}()

	op, ok := p.ops[req.Op]
	if !ok {
		resp.Error = fmt.Sprintf("unknown operation %q", req.Op)
		return resp
	}

	value, err := op(context.Background(), req.Args)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Success = true
	resp.Value = value
	return resp
}

// Stats returns a snapshot of pool usage
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:    len(p.idle),
		Busy:    len(p.busy),
		Spawned: p.spawned.Load(),
		Dead:    p.dead.Load(),
		Calls:   p.calls.Load(),
	}
}

// Close stops idle workers and rejects new calls. Busy workers finish their
// current call first.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, w := range p.idle {
		close(w.requests)
	}
	p.idle = nil
	busy := len(p.busy)
	p.mu.Unlock()

	p.logger.Debug("closing worker pool", "busy", busy)

	// Wait for busy workers to answer before stopping the dispatcher.
	for {
		p.mu.Lock()
		n := len(p.busy)
		p.mu.Unlock()
		if n == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(p.done)
	p.wg.Wait()
}
