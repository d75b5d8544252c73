package upload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"uploadcast/internal/executor"
	logx "uploadcast/pkg/logx"
)

// Orchestrator plans runs, executes them on a bounded pool and aggregates
// their results. At most one run (or retry cycle) is active at a time.
type Orchestrator struct {
	mu sync.Mutex

	log       logx.Logger
	obs       Observer
	rec       Recorder
	limits    Limits
	queueSize int

	ctrl *Controller
	pool *executor.Pool
	agg  *Aggregator

	tasks  []*Task
	active *Run
	closed bool
}

type Option func(*Orchestrator)

func WithLogger(log logx.Logger) Option { return func(o *Orchestrator) { o.log = log } }

// WithObserver registers the single event consumer.
func WithObserver(obs Observer) Option { return func(o *Orchestrator) { o.obs = obs } }

func WithRecorder(rec Recorder) Option { return func(o *Orchestrator) { o.rec = rec } }

func WithLimits(l Limits) Option { return func(o *Orchestrator) { o.limits = l } }

// WithQueueSize sets the executor queue depth.
func WithQueueSize(n int) Option { return func(o *Orchestrator) { o.queueSize = n } }

// New builds an orchestrator around tr and starts its worker pool.
func New(tr Transport, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{limits: DefaultLimits()}
	for _, opt := range opts {
		opt(o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	o.log = o.log.With(logx.String("comp", "upload"))
	if err := o.limits.Validate(); err != nil {
		return nil, err
	}

	pool, err := executor.New(executor.Config{Workers: o.limits.MaxConcurrentUploads, QueueSize: o.queueSize}, o.log.With(logx.String("comp", "executor")))
	if err != nil {
		return nil, err
	}
	pool.Start(context.Background())

	o.pool = pool
	o.ctrl = NewController(tr, o.log, o.rec)
	o.ctrl.SetRate(o.limits.RatePerSec)
	o.agg = newAggregator(o.log, o.obs)
	return o, nil
}

// Limits returns the limits the next run will use.
func (o *Orchestrator) Limits() Limits {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.limits
}

// Configure validates l and, between runs, resizes the pool to match.
func (o *Orchestrator) Configure(ctx context.Context, l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.active != nil {
		return ErrRunInProgress
	}
	if err := o.pool.Apply(ctx, executor.Config{Workers: l.MaxConcurrentUploads, QueueSize: o.queueSize}); err != nil {
		return fmt.Errorf("resize pool: %w", err)
	}
	o.ctrl.SetRate(l.RatePerSec)
	if o.limits != l {
		o.log.Info("limits updated",
			logx.Int("max_concurrent_uploads", l.MaxConcurrentUploads),
			logx.Int("max_retry_attempts", l.MaxRetryAttempts),
			logx.Int("rate_per_sec", l.RatePerSec),
		)
	}
	o.limits = l
	return nil
}

// RunUpload uploads every file to every endpoint. It returns once the run
// is queued; use the returned Run to wait for it.
func (o *Orchestrator) RunUpload(ctx context.Context, files []FileHandle, endpoints []Endpoint) (*Run, error) {
	if len(files) == 0 {
		return nil, &ValidationError{Field: "files", Err: ErrNoFiles}
	}
	if len(endpoints) == 0 {
		return nil, &ValidationError{Field: "endpoints", Err: ErrNoEndpoints}
	}
	if err := checkEndpointIDs(endpoints); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkIdleLocked(); err != nil {
		return nil, err
	}

	tasks := Plan(DedupFiles(files), endpoints)
	run := o.newRunLocked(false, len(tasks))
	o.tasks = tasks
	o.agg.reset(run.ID, tasks)

	o.log.Info("upload run started",
		logx.String("run", run.ID),
		logx.Int("files", len(tasks)/len(endpoints)),
		logx.Int("endpoints", len(endpoints)),
		logx.Int("tasks", len(tasks)),
	)
	if err := o.startLocked(ctx, run, tasks); err != nil {
		return nil, err
	}
	return run, nil
}

// RetryFailed resubmits only the tasks that ended Failed in the last run.
// Successful tasks and the total stay untouched.
func (o *Orchestrator) RetryFailed(ctx context.Context) (*Run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkIdleLocked(); err != nil {
		return nil, err
	}

	var failed []*Task
	for _, t := range o.tasks {
		if t.Status == StatusFailed {
			t.Attempt = 0
			failed = append(failed, t)
		}
	}
	if len(failed) == 0 {
		return nil, ErrNothingToRetry
	}

	run := o.newRunLocked(true, len(o.tasks))
	o.agg.setRunID(run.ID)
	o.log.Info("retrying failed uploads", logx.String("run", run.ID), logx.Int("tasks", len(failed)))
	if err := o.startLocked(ctx, run, failed); err != nil {
		return nil, err
	}
	return run, nil
}

// checkEndpointIDs rejects endpoint lists whose ids would collide as task
// keys.
func checkEndpointIDs(endpoints []Endpoint) error {
	seen := make(map[string]struct{}, len(endpoints))
	for _, ep := range endpoints {
		if ep.ID == "" {
			return &ValidationError{Field: "endpoints", Err: ErrEndpointID}
		}
		if _, ok := seen[ep.ID]; ok {
			return &ValidationError{Field: "endpoints", Err: fmt.Errorf("%w: %s", ErrDuplicateID, ep.ID)}
		}
		seen[ep.ID] = struct{}{}
	}
	return nil
}

func (o *Orchestrator) checkIdleLocked() error {
	if o.closed {
		return ErrClosed
	}
	if o.active != nil {
		return ErrRunInProgress
	}
	return nil
}

func (o *Orchestrator) newRunLocked(retry bool, total int) *Run {
	return &Run{
		ID:        uuid.NewString(),
		Retry:     retry,
		Total:     total,
		StartedAt: time.Now(),
		agg:       o.agg,
		done:      make(chan struct{}),
	}
}

func (o *Orchestrator) startLocked(ctx context.Context, run *Run, tasks []*Task) error {
	maxRetries := o.limits.MaxRetryAttempts
	jobs := make([]executor.Job, len(tasks))
	for i, t := range tasks {
		t := t
		jobs[i] = executor.Job{
			Name: t.File.Name + " -> " + t.Endpoint.DisplayName(),
			Run: func(ctx context.Context) {
				o.ctrl.Run(ctx, run.ID, t, maxRetries, o.agg.Emit)
			},
			Recover: func(err error) {
				o.ctrl.Fail(run.ID, t, err, o.agg.Emit)
			},
		}
	}

	o.agg.open(len(tasks))
	h, err := o.pool.Submit(ctx, jobs)
	if err != nil {
		o.agg.close()
		return fmt.Errorf("submit: %w", err)
	}
	o.active = run
	go o.finish(run, h)
	return nil
}

func (o *Orchestrator) finish(run *Run, h *executor.Handle) {
	<-h.Done()
	o.agg.close()

	sum := o.agg.Summary()
	o.mu.Lock()
	o.active = nil
	o.mu.Unlock()

	run.complete(sum)
	fields := []logx.Field{
		logx.String("run", run.ID),
		logx.Bool("retry", run.Retry),
		logx.Int("success", sum.Success),
		logx.Int("failed", sum.Failure),
		logx.Int("total", sum.Total),
		logx.Duration("took", time.Since(run.StartedAt)),
	}
	if sum.Failure > 0 {
		o.log.Warn("upload run finished with failures", fields...)
	} else {
		o.log.Info("upload run finished", fields...)
	}
}

// Active returns the run in progress, if any.
func (o *Orchestrator) Active() *Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Summary returns the counters of the current or last run.
func (o *Orchestrator) Summary() Summary { return o.agg.Summary() }

// Tasks returns snapshots of the current or last run's tasks in plan order.
func (o *Orchestrator) Tasks() []Task { return o.agg.Tasks() }

// Stats exposes the executor state.
func (o *Orchestrator) Stats() executor.Stats { return o.pool.Stats() }

// Close stops accepting runs, lets queued work drain and releases the
// workers. When ctx ends first, in-flight attempts are cancelled and their
// tasks end "Upload canceled"; Close returns ctx.Err() without waiting.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	active := o.active
	o.mu.Unlock()

	err := o.pool.Stop(ctx)
	if active != nil {
		select {
		case <-active.Done():
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
	}
	return err
}

// Run is a handle on one upload run or retry cycle.
type Run struct {
	ID        string
	Retry     bool
	Total     int
	StartedAt time.Time

	agg  *Aggregator
	done chan struct{}

	mu       sync.Mutex
	final    *Summary
	finished time.Time
}

func (r *Run) complete(sum Summary) {
	r.mu.Lock()
	r.final = &sum
	r.finished = time.Now()
	r.mu.Unlock()
	close(r.done)
}

// Done is closed when every task of the run has resolved.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run resolves or ctx ends.
func (r *Run) Wait(ctx context.Context) (Summary, error) {
	select {
	case <-r.done:
		return r.Summary(), nil
	case <-ctx.Done():
		return r.Summary(), ctx.Err()
	}
}

// Summary returns live counters while running and the final ones after.
func (r *Run) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final != nil {
		return *r.final
	}
	return r.agg.Summary()
}

// Tasks returns the current task snapshots.
func (r *Run) Tasks() []Task { return r.agg.Tasks() }

// Duration is the wall time of a finished run, or the time so far.
func (r *Run) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.finished.Sub(r.StartedAt)
}

// StatusMessage renders the one-line outcome shown after a run.
func (r *Run) StatusMessage() string {
	select {
	case <-r.done:
	default:
		return "Uploading..."
	}
	s := r.Summary()
	return fmt.Sprintf("Upload completed: %d success, %d failed", s.Success, s.Failure)
}
