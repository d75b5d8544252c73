package upload

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	logx "uploadcast/pkg/logx"
)

// Attempt outcome labels reported to a Recorder.
const (
	OutcomeSuccess        = "success"
	OutcomeHTTPError      = "http_error"
	OutcomeTransportError = "transport_error"
	OutcomeCanceled       = "canceled"
)

// Recorder receives attempt telemetry. All methods must be safe for
// concurrent use.
type Recorder interface {
	AttemptStarted(endpoint string)
	AttemptFinished(endpoint, outcome string, took time.Duration)
	TaskResolved(endpoint string, status Status)
}

type nopRecorder struct{}

func (nopRecorder) AttemptStarted(string)                        {}
func (nopRecorder) AttemptFinished(string, string, time.Duration) {}
func (nopRecorder) TaskResolved(string, Status)                  {}

// machine is the per-task state machine. Each transition mutates the task
// and emits exactly one event.
//
//	Pending|Failed --start--> InProgress(1)
//	InProgress|Retrying --succeed--> Success
//	InProgress|Retrying --failAttempt--> Failed
//	Failed --retry--> Retrying(n+1)       while attempt <= max
//	Failed --exhaust--> Failed("Upload failed after n attempts")
//	any non-terminal --cancel--> Failed("Upload canceled: ...")
type machine struct {
	task       *Task
	maxRetries int
	runID      string
	emit       func(Event)
	now        func() time.Time
}

var errIllegalTransition = errors.New("illegal transition")

func (m *machine) touch(st Status, msg string) {
	m.task.Status = st
	m.task.Message = msg
	m.task.UpdatedAt = m.now()
	m.emit(newEvent(m.runID, m.task))
}

func (m *machine) start() error {
	switch m.task.Status {
	case StatusPending, StatusFailed:
	default:
		return fmt.Errorf("%w: start from %s", errIllegalTransition, m.task.Status)
	}
	m.task.Attempt = 1
	m.task.StatusCode = 0
	m.task.ResponseBody = ""
	m.task.Progress = 0
	m.touch(StatusInProgress, "Uploading...")
	return nil
}

// canRetry reports whether another attempt is allowed after the current one.
func (m *machine) canRetry() bool { return m.task.Attempt <= m.maxRetries }

func (m *machine) retry() error {
	if m.task.Status != StatusFailed {
		return fmt.Errorf("%w: retry from %s", errIllegalTransition, m.task.Status)
	}
	if !m.canRetry() {
		return fmt.Errorf("%w: attempt %d exceeds %d retries", errIllegalTransition, m.task.Attempt, m.maxRetries)
	}
	m.task.Attempt++
	m.task.Progress = 0
	m.touch(StatusRetrying, fmt.Sprintf("Retry attempt %d of %d", m.task.Attempt, m.maxRetries))
	return nil
}

func (m *machine) inFlight() bool {
	return m.task.Status == StatusInProgress || m.task.Status == StatusRetrying
}

func (m *machine) succeed(o Outcome) error {
	if !m.inFlight() {
		return fmt.Errorf("%w: succeed from %s", errIllegalTransition, m.task.Status)
	}
	m.task.StatusCode = o.StatusCode
	m.task.ResponseBody = truncateBody(o.Body)
	m.task.Progress = 1
	m.touch(StatusSuccess, "Upload successful")
	return nil
}

// failAttempt resolves the current attempt as failed. err is either a
// *ProtocolError or a transport failure.
func (m *machine) failAttempt(err error) error {
	if !m.inFlight() {
		return fmt.Errorf("%w: fail from %s", errIllegalTransition, m.task.Status)
	}
	var pe *ProtocolError
	msg := "Error: " + err.Error()
	if errors.As(err, &pe) {
		m.task.StatusCode = pe.StatusCode
		m.task.ResponseBody = truncateBody(pe.Body)
		msg = pe.Error()
	} else {
		m.task.StatusCode = 0
		m.task.ResponseBody = ""
	}
	m.task.Progress = 1
	m.touch(StatusFailed, msg)
	return nil
}

func (m *machine) exhaust() error {
	if m.task.Status != StatusFailed {
		return fmt.Errorf("%w: exhaust from %s", errIllegalTransition, m.task.Status)
	}
	m.touch(StatusFailed, fmt.Sprintf("Upload failed after %d attempts", m.task.Attempt))
	return nil
}

func (m *machine) cancel(cause error) error {
	if m.task.Status == StatusSuccess {
		return fmt.Errorf("%w: cancel from %s", errIllegalTransition, m.task.Status)
	}
	if m.task.Attempt < 1 {
		m.task.Attempt = 1
	}
	m.task.Progress = 1
	reason := "canceled"
	if cause != nil {
		reason = cause.Error()
	}
	m.touch(StatusFailed, "Upload canceled: "+reason)
	return nil
}

func truncateBody(s string) string {
	if len(s) <= maxBodyBytes {
		return s
	}
	return s[:maxBodyBytes]
}

// Controller drives tasks through their attempts against a Transport.
type Controller struct {
	transport Transport
	log       logx.Logger
	rec       Recorder
	limiter   atomic.Pointer[rate.Limiter]
	now       func() time.Time
}

// NewController returns a controller using tr for every attempt.
// A nil rec disables telemetry.
func NewController(tr Transport, log logx.Logger, rec Recorder) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Controller{transport: tr, log: log, rec: rec, now: time.Now}
}

// SetRate caps attempt starts per second across all tasks. 0 removes the cap.
func (c *Controller) SetRate(perSec int) {
	if perSec <= 0 {
		c.limiter.Store(nil)
		return
	}
	c.limiter.Store(rate.NewLimiter(rate.Limit(perSec), perSec))
}

// Run executes t until it resolves. Every transition is handed to emit
// before Run moves on, so events of one task are ordered. Run never
// returns an error: per-task failures end up on the task.
func (c *Controller) Run(ctx context.Context, runID string, t *Task, maxRetries int, emit func(Event)) {
	m := &machine{task: t, maxRetries: maxRetries, runID: runID, emit: emit, now: c.now}
	log := c.log.With(logx.String("run", runID), logx.String("file", t.File.Name), logx.String("endpoint", t.Endpoint.DisplayName()))

	if err := context.Cause(ctx); err != nil {
		c.canceled(m, log, err)
		return
	}
	if err := m.start(); err != nil {
		log.Error("task not startable", logx.Err(err))
		return
	}

	for {
		if err := c.waitRate(ctx); err != nil {
			if cause := context.Cause(ctx); cause != nil {
				err = cause
			}
			c.canceled(m, log, err)
			return
		}

		o, err := c.attempt(ctx, t)
		if err == nil && o.OK() {
			_ = m.succeed(o)
			log.Info("upload successful", logx.Int("attempt", t.Attempt), logx.Int("code", o.StatusCode))
			c.rec.TaskResolved(t.Endpoint.ID, StatusSuccess)
			return
		}
		if err == nil {
			err = &ProtocolError{StatusCode: o.StatusCode, Status: o.Status, Body: o.Body}
		}
		if cause := context.Cause(ctx); cause != nil {
			c.canceled(m, log, cause)
			return
		}

		_ = m.failAttempt(err)
		log.Warn("upload attempt failed", logx.Int("attempt", t.Attempt), logx.Err(err))

		if !m.canRetry() {
			break
		}
		_ = m.retry()
		log.Info("retrying upload", logx.Int("attempt", t.Attempt))
	}

	_ = m.exhaust()
	log.Warn("upload failed", logx.Int("attempts", t.Attempt), logx.Err(ErrRetriesExhausted))
	c.rec.TaskResolved(t.Endpoint.ID, StatusFailed)
}

// Fail forces t into Failed, e.g. after a panic in the worker running it.
func (c *Controller) Fail(runID string, t *Task, reason error, emit func(Event)) {
	m := &machine{task: t, runID: runID, emit: emit, now: c.now}
	if t.Status == StatusSuccess {
		return
	}
	if t.Attempt < 1 {
		t.Attempt = 1
	}
	t.Progress = 1
	m.touch(StatusFailed, "Error: "+reason.Error())
	c.rec.TaskResolved(t.Endpoint.ID, StatusFailed)
}

func (c *Controller) canceled(m *machine, log logx.Logger, cause error) {
	_ = m.cancel(cause)
	log.Warn("upload canceled", logx.Int("attempt", m.task.Attempt), logx.Err(cause))
	c.rec.TaskResolved(m.task.Endpoint.ID, StatusFailed)
}

func (c *Controller) waitRate(ctx context.Context) error {
	lim := c.limiter.Load()
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

func (c *Controller) attempt(ctx context.Context, t *Task) (Outcome, error) {
	ep := t.Endpoint.ID
	c.rec.AttemptStarted(ep)
	start := c.now()
	o, err := c.transport.Attempt(ctx, t.Endpoint, t.File)
	took := c.now().Sub(start)

	outcome := OutcomeSuccess
	switch {
	case ctx.Err() != nil:
		outcome = OutcomeCanceled
	case err != nil:
		outcome = OutcomeTransportError
	case !o.OK():
		outcome = OutcomeHTTPError
	}
	c.rec.AttemptFinished(ep, outcome, took)
	return o, err
}
