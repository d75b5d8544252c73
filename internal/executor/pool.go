package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	rtsup "uploadcast/internal/runtime/supervisor"
	logx "uploadcast/pkg/logx"
)

var (
	ErrStopped    = errors.New("executor stopped")
	ErrNotStarted = errors.New("executor not started")
	ErrBadConfig  = errors.New("executor: invalid config")
)

const (
	MinWorkers       = 1
	MaxWorkers       = 10
	defaultQueueSize = 64
)

type Config struct {
	Workers   int
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	return c
}

func (c Config) validate() error {
	if c.Workers < MinWorkers || c.Workers > MaxWorkers {
		return fmt.Errorf("%w: workers must be between %d and %d, got %d", ErrBadConfig, MinWorkers, MaxWorkers, c.Workers)
	}
	return nil
}

// Job is one unit of work. Run receives the context passed to Submit,
// further cancelled with cause ErrStopped when the pool's workers are
// stopped. Recover, if set, is called instead when Run panics or when the
// pool is forced down before the job got a worker.
type Job struct {
	Name    string
	Run     func(ctx context.Context)
	Recover func(err error)
}

// PanicError wraps a value recovered from a panicking job.
type PanicError struct {
	Job   string
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("job %s panicked: %v", e.Job, e.Value) }

// Handle tracks one Submit call.
type Handle struct {
	left atomic.Int64
	done chan struct{}
}

func newHandle(n int) *Handle {
	h := &Handle{done: make(chan struct{})}
	h.left.Store(int64(n))
	if n == 0 {
		close(h.done)
	}
	return h
}

func (h *Handle) finish() {
	if h.left.Add(-1) == 0 {
		close(h.done)
	}
}

// Done is closed once every job of the submission has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until Done or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type item struct {
	ctx context.Context
	job Job
	h   *Handle
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers int   `json:"workers"`
	Queued  int   `json:"queued"`
	Active  int64 `json:"active"`
	Pending int64 `json:"pending"`
}

// Pool runs jobs on a fixed set of workers. Jobs are started in
// submission order; at most Workers of them run at once.
type Pool struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	sup      *rtsup.Supervisor
	queue    chan item
	feedMu   sync.Mutex
	pending  sync.WaitGroup
	npending atomic.Int64
	active   atomic.Int64
	closed   bool
	stopped  bool
}

func New(cfg Config, log logx.Logger) (*Pool, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{cfg: cfg, log: log}, nil
}

// Start launches the workers. Start on a running pool is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup != nil || p.stopped {
		return
	}
	p.startLocked(ctx)
}

func (p *Pool) startLocked(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	// Workers outlive the caller's request context; only Stop ends them.
	ctx = context.WithoutCancel(ctx)
	cfg := p.cfg
	p.queue = make(chan item, cfg.QueueSize)
	p.closed = false
	p.stopped = false
	p.sup = rtsup.New(ctx, rtsup.WithLogger(p.log))
	queue := p.queue
	for i := 0; i < cfg.Workers; i++ {
		idx := i
		p.sup.Go0(fmt.Sprintf("executor.worker.%d", idx), func(ctx context.Context) {
			p.worker(ctx, queue)
		})
	}
	p.log.Info("executor started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

func (p *Pool) worker(ctx context.Context, queue <-chan item) {
	for {
		// stop wins over queued work
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case it, ok := <-queue:
			if !ok {
				return
			}
			p.exec(ctx, it)
		}
	}
}

func (p *Pool) exec(wctx context.Context, it item) {
	jctx, cancel := context.WithCancelCause(it.ctx)
	stop := context.AfterFunc(wctx, func() { cancel(ErrStopped) })
	defer func() {
		stop()
		cancel(nil)
	}()

	p.active.Add(1)
	start := time.Now()
	defer func() {
		p.active.Add(-1)
		if r := recover(); r != nil {
			p.log.Error("job panicked", logx.String("job", it.job.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			if it.job.Recover != nil {
				p.safeRecover(it.job, &PanicError{Job: it.job.Name, Value: r})
			}
		}
		p.done(it)
		p.log.Trace("job finished", logx.String("job", it.job.Name), logx.Duration("took", time.Since(start)))
	}()
	if it.job.Run != nil {
		it.job.Run(jctx)
	}
}

func (p *Pool) safeRecover(j Job, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("job recover hook panicked", logx.String("job", j.Name), logx.Any("panic", r))
		}
	}()
	j.Recover(err)
}

func (p *Pool) done(it item) {
	it.h.finish()
	p.npending.Add(-1)
	p.pending.Done()
}

// abandon resolves an item that never reached a worker.
func (p *Pool) abandon(it item) {
	if it.job.Recover != nil {
		p.safeRecover(it.job, ErrStopped)
	}
	p.done(it)
}

// Submit queues jobs in order and returns immediately. ctx is handed to
// every job's Run; cancelling it does not unqueue anything, jobs are
// expected to notice and return quickly.
func (p *Pool) Submit(ctx context.Context, jobs []Job) (*Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopped || p.closed {
		p.mu.Unlock()
		return nil, ErrStopped
	}
	if p.sup == nil {
		p.mu.Unlock()
		return nil, ErrNotStarted
	}
	h := newHandle(len(jobs))
	if len(jobs) == 0 {
		p.mu.Unlock()
		return h, nil
	}
	p.pending.Add(len(jobs))
	p.npending.Add(int64(len(jobs)))
	queue := p.queue
	sup := p.sup
	p.mu.Unlock()

	items := make([]item, len(jobs))
	for i, j := range jobs {
		items[i] = item{ctx: ctx, job: j, h: h}
	}
	sup.Go0("executor.feeder", func(sctx context.Context) {
		// One feeder at a time keeps submissions from interleaving.
		p.feedMu.Lock()
		defer p.feedMu.Unlock()
		for i, it := range items {
			select {
			case queue <- it:
			case <-sctx.Done():
				for _, rest := range items[i:] {
					p.abandon(rest)
				}
				return
			}
		}
	})
	return h, nil
}

// Apply replaces the pool with one built from cfg. It stops accepting
// work, drains everything already submitted, stops the old workers and
// starts new ones.
func (p *Pool) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.sup == nil {
		p.cfg = cfg
		p.mu.Unlock()
		return nil
	}
	if p.closed {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.cfg == cfg {
		p.mu.Unlock()
		return nil
	}
	prev := p.cfg
	p.closed = true
	p.mu.Unlock()

	if err := p.drain(ctx); err != nil {
		p.mu.Lock()
		p.closed = false
		p.mu.Unlock()
		return err
	}

	p.mu.Lock()
	sup, queue := p.detachLocked()
	p.mu.Unlock()
	// Drained workers are idle, so this only fails on an expired ctx; the
	// old workers are cancelled either way.
	if err := p.release(ctx, sup, queue); err != nil {
		p.log.Warn("executor resize: old workers still exiting", logx.Err(err))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	p.cfg = cfg
	p.startLocked(ctx)
	p.log.Info("executor resized", logx.Int("from", prev.Workers), logx.Int("to", cfg.Workers))
	return nil
}

// Stop drains submitted work and releases the workers. If ctx ends first
// the workers are cancelled, running jobs see their context cancelled and
// queued jobs are resolved through Recover with ErrStopped; Stop then
// returns ctx.Err() without waiting for them. Submit after Stop returns
// ErrStopped.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.sup == nil {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	err := p.drain(ctx)

	p.mu.Lock()
	sup, queue := p.detachLocked()
	p.stopped = true
	p.mu.Unlock()

	if rerr := p.release(ctx, sup, queue); err == nil {
		err = rerr
	}
	p.log.Info("executor stopped", logx.Bool("forced", err != nil))
	return err
}

func (p *Pool) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// detachLocked cancels the current workers and forgets them. The caller
// finishes with release after dropping p.mu.
func (p *Pool) detachLocked() (*rtsup.Supervisor, chan item) {
	sup, queue := p.sup, p.queue
	p.sup, p.queue = nil, nil
	if sup != nil {
		sup.Cancel()
	}
	return sup, queue
}

// release waits for cancelled workers and feeders to return, then resolves
// whatever is left in queue. If ctx ends first it returns ctx.Err() and the
// rest happens in the background.
func (p *Pool) release(ctx context.Context, sup *rtsup.Supervisor, queue chan item) error {
	if sup == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sup.Wait(context.Background())
		// No feeder is left to send, so the queue only shrinks from here.
	drain:
		for {
			select {
			case it := <-queue:
				p.abandon(it)
			default:
				break drain
			}
		}
		if err := sup.Err(); err != nil {
			p.log.Warn("executor supervisor reported error", logx.Err(err))
		}
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Workers returns the configured worker count.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Workers
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	s := Stats{Workers: p.cfg.Workers, Queued: len(p.queue)}
	p.mu.Unlock()
	s.Active = p.active.Load()
	s.Pending = p.npending.Load()
	return s
}
