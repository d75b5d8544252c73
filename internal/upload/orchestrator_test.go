package upload

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "uploadcast/pkg/logx"
)

func waitRun(t *testing.T, r *Run) Summary {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := r.Wait(ctx)
	require.NoError(t, err)
	return s
}

func newOrch(t *testing.T, tr Transport, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(tr, append([]Option{WithLogger(logx.Nop())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close(context.Background()) })
	return o
}

type funcTransport func(ctx context.Context, ep Endpoint, f FileHandle) (Outcome, error)

func (fn funcTransport) Attempt(ctx context.Context, ep Endpoint, f FileHandle) (Outcome, error) {
	return fn(ctx, ep, f)
}

func TestRunUploadValidation(t *testing.T) {
	o := newOrch(t, funcTransport(func(context.Context, Endpoint, FileHandle) (Outcome, error) {
		t.Fatal("transport must not be called")
		return Outcome{}, nil
	}))

	_, err := o.RunUpload(context.Background(), nil, endpoints("a"))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.ErrorIs(t, err, ErrNoFiles)

	_, err = o.RunUpload(context.Background(), files("f"), nil)
	require.ErrorIs(t, err, ErrNoEndpoints)
	require.Nil(t, o.Active())
}

func TestRunUploadRejectsCollidingEndpointIDs(t *testing.T) {
	var calls atomic.Int32
	o := newOrch(t, funcTransport(func(context.Context, Endpoint, FileHandle) (Outcome, error) {
		calls.Add(1)
		return Outcome{StatusCode: 200, Status: "OK"}, nil
	}))

	dup := []Endpoint{{ID: "x", URL: "http://a"}, {ID: "x", URL: "http://b"}}
	_, err := o.RunUpload(context.Background(), files("f"), dup)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "endpoints", ve.Field)
	require.ErrorIs(t, err, ErrDuplicateID)

	_, err = o.RunUpload(context.Background(), files("f"), []Endpoint{{URL: "http://a"}})
	require.ErrorIs(t, err, ErrEndpointID)
	require.Nil(t, o.Active())
	require.Zero(t, calls.Load())

	// Every task of an accepted run is accounted for once it resolves.
	run, err := o.RunUpload(context.Background(), files("f"), endpoints("x", "y"))
	require.NoError(t, err)
	sum := waitRun(t, run)
	require.Equal(t, sum.Total, sum.Success+sum.Failure)
	for _, tk := range run.Tasks() {
		require.Equal(t, StatusSuccess, tk.Status)
	}
}

func TestConcurrencyNeverExceedsLimit(t *testing.T) {
	var cur, peak atomic.Int32
	tr := funcTransport(func(context.Context, Endpoint, FileHandle) (Outcome, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(3 * time.Millisecond)
		cur.Add(-1)
		return Outcome{StatusCode: 200}, nil
	})
	o := newOrch(t, tr, WithLimits(Limits{MaxConcurrentUploads: 2, MaxRetryAttempts: 0}))

	run, err := o.RunUpload(context.Background(), files("1", "2", "3", "4", "5"), endpoints("a", "b", "c"))
	require.NoError(t, err)
	s := waitRun(t, run)
	require.Equal(t, 15, s.Success)
	require.LessOrEqual(t, peak.Load(), int32(2))
	require.Equal(t, "Upload completed: 15 success, 0 failed", run.StatusMessage())
}

func TestRunInProgressRejectsSecondRun(t *testing.T) {
	release := make(chan struct{})
	tr := funcTransport(func(context.Context, Endpoint, FileHandle) (Outcome, error) {
		<-release
		return Outcome{StatusCode: 200}, nil
	})
	o := newOrch(t, tr)

	run, err := o.RunUpload(context.Background(), files("f"), endpoints("a"))
	require.NoError(t, err)
	require.Equal(t, "Uploading...", run.StatusMessage())

	_, err = o.RunUpload(context.Background(), files("g"), endpoints("a"))
	require.ErrorIs(t, err, ErrRunInProgress)
	_, err = o.RetryFailed(context.Background())
	require.ErrorIs(t, err, ErrRunInProgress)
	require.ErrorIs(t, o.Configure(context.Background(), Limits{MaxConcurrentUploads: 5, MaxRetryAttempts: 1}), ErrRunInProgress)

	close(release)
	waitRun(t, run)
	require.Nil(t, o.Active())
}

func TestRetryFailedResubmitsOnlyFailed(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]int{}
	healthy := atomic.Bool{}
	tr := funcTransport(func(_ context.Context, ep Endpoint, f FileHandle) (Outcome, error) {
		mu.Lock()
		calls[f.Name+"@"+ep.ID]++
		mu.Unlock()
		if ep.ID == "bad" && !healthy.Load() {
			return Outcome{}, errors.New("unreachable")
		}
		return Outcome{StatusCode: 200, Status: "OK"}, nil
	})
	o := newOrch(t, tr, WithLimits(Limits{MaxConcurrentUploads: 3, MaxRetryAttempts: 1}))

	run, err := o.RunUpload(context.Background(), files("x", "y"), endpoints("good", "bad"))
	require.NoError(t, err)
	s := waitRun(t, run)
	require.Equal(t, Summary{Success: 2, Failure: 2, Total: 4, Progress: 1}, s)
	require.Equal(t, "Upload completed: 2 success, 2 failed", run.StatusMessage())
	require.Equal(t, 2, calls["x@bad"])

	healthy.Store(true)
	retry, err := o.RetryFailed(context.Background())
	require.NoError(t, err)
	require.True(t, retry.Retry)
	s = waitRun(t, retry)
	require.Equal(t, Summary{Success: 4, Failure: 0, Total: 4, Progress: 1}, s)

	mu.Lock()
	require.Equal(t, 1, calls["x@good"])
	require.Equal(t, 1, calls["y@good"])
	require.Equal(t, 3, calls["x@bad"])
	require.Equal(t, 3, calls["y@bad"])
	mu.Unlock()

	for _, tk := range o.Tasks() {
		require.Equal(t, StatusSuccess, tk.Status)
		require.Equal(t, 1, tk.Attempt)
	}

	_, err = o.RetryFailed(context.Background())
	require.ErrorIs(t, err, ErrNothingToRetry)
}

func TestRetryFailedWithoutRun(t *testing.T) {
	o := newOrch(t, funcTransport(func(context.Context, Endpoint, FileHandle) (Outcome, error) {
		return Outcome{StatusCode: 200}, nil
	}))
	_, err := o.RetryFailed(context.Background())
	require.ErrorIs(t, err, ErrNothingToRetry)
}

func TestObserverSeesOrderedEventsPerTask(t *testing.T) {
	var mu sync.Mutex
	perTask := map[TaskKey][]Event{}
	obs := ObserverFunc(func(ev Event) {
		mu.Lock()
		perTask[ev.Key()] = append(perTask[ev.Key()], ev)
		mu.Unlock()
	})
	var n atomic.Int32
	tr := funcTransport(func(context.Context, Endpoint, FileHandle) (Outcome, error) {
		if n.Add(1)%2 == 0 {
			return Outcome{StatusCode: 502, Status: "Bad Gateway"}, nil
		}
		return Outcome{StatusCode: 200}, nil
	})
	o := newOrch(t, tr, WithObserver(obs), WithLimits(Limits{MaxConcurrentUploads: 4, MaxRetryAttempts: 3}))

	run, err := o.RunUpload(context.Background(), files("a", "b", "c"), endpoints("1", "2"))
	require.NoError(t, err)
	waitRun(t, run)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, perTask, 6)
	for key, evs := range perTask {
		require.Equal(t, StatusInProgress, evs[0].Status, "%v", key)
		last := evs[len(evs)-1]
		require.True(t, last.Status.Terminal())
		require.GreaterOrEqual(t, last.Attempt, 1)
		require.LessOrEqual(t, last.Attempt, 4)
		for i := 1; i < len(evs); i++ {
			require.GreaterOrEqual(t, evs[i].Attempt, evs[i-1].Attempt)
			require.Equal(t, run.ID, evs[i].RunID)
		}
	}
}

func TestPanickingTransportFailsTask(t *testing.T) {
	tr := funcTransport(func(_ context.Context, ep Endpoint, _ FileHandle) (Outcome, error) {
		if ep.ID == "boom" {
			panic("bad transport")
		}
		return Outcome{StatusCode: 200}, nil
	})
	o := newOrch(t, tr)
	run, err := o.RunUpload(context.Background(), files("f"), endpoints("ok", "boom"))
	require.NoError(t, err)
	s := waitRun(t, run)
	require.Equal(t, 1, s.Success)
	require.Equal(t, 1, s.Failure)

	for _, tk := range run.Tasks() {
		if tk.Endpoint.ID == "boom" {
			require.Equal(t, StatusFailed, tk.Status)
			require.Contains(t, tk.Message, "panicked")
		}
	}
}

func TestCloseDeadlineCancelsInFlight(t *testing.T) {
	started := make(chan struct{}, 1)
	tr := funcTransport(func(ctx context.Context, _ Endpoint, _ FileHandle) (Outcome, error) {
		started <- struct{}{}
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return Outcome{StatusCode: 200}, nil
		}
	})
	o, err := New(tr, WithLogger(logx.Nop()), WithLimits(Limits{MaxConcurrentUploads: 1, MaxRetryAttempts: 0}))
	require.NoError(t, err)

	run, err := o.RunUpload(context.Background(), files("f"), endpoints("e"))
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	begin := time.Now()
	require.ErrorIs(t, o.Close(ctx), context.DeadlineExceeded)
	require.Less(t, time.Since(begin), time.Second)

	s := waitRun(t, run)
	require.Equal(t, 1, s.Failure)
	require.Equal(t, "Upload canceled: executor stopped", run.Tasks()[0].Message)
}

func TestCanceledRunIsRetryable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 16)
	tr := funcTransport(func(ctx context.Context, _ Endpoint, _ FileHandle) (Outcome, error) {
		started <- struct{}{}
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	})
	o := newOrch(t, tr, WithLimits(Limits{MaxConcurrentUploads: 1, MaxRetryAttempts: 2}))

	run, err := o.RunUpload(ctx, files("a", "b"), endpoints("e"))
	require.NoError(t, err)
	<-started
	cancel()
	s := waitRun(t, run)
	require.Equal(t, 2, s.Failure)
	for _, tk := range run.Tasks() {
		require.Equal(t, "Upload canceled: context canceled", tk.Message)
		require.Equal(t, 1, tk.Attempt)
	}

	// The failed tasks are retryable with a fresh context.
	o.ctrl.transport = funcTransport(func(context.Context, Endpoint, FileHandle) (Outcome, error) {
		return Outcome{StatusCode: 200}, nil
	})
	retry, err := o.RetryFailed(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, waitRun(t, retry).Success)
}

func TestConfigureResizesBetweenRuns(t *testing.T) {
	o := newOrch(t, funcTransport(func(context.Context, Endpoint, FileHandle) (Outcome, error) {
		return Outcome{StatusCode: 200}, nil
	}))
	require.Equal(t, DefaultLimits(), o.Limits())

	var ve *ValidationError
	require.ErrorAs(t, o.Configure(context.Background(), Limits{MaxConcurrentUploads: 0}), &ve)

	want := Limits{MaxConcurrentUploads: 7, MaxRetryAttempts: 4}
	require.NoError(t, o.Configure(context.Background(), want))
	require.Equal(t, want, o.Limits())
	require.Equal(t, 7, o.Stats().Workers)
}

func TestClosedOrchestratorRejectsRuns(t *testing.T) {
	o := newOrch(t, funcTransport(func(context.Context, Endpoint, FileHandle) (Outcome, error) {
		return Outcome{StatusCode: 200}, nil
	}))
	require.NoError(t, o.Close(context.Background()))
	_, err := o.RunUpload(context.Background(), files("f"), endpoints("a"))
	require.ErrorIs(t, err, ErrClosed)
}
