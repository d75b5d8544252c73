package executor

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

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newPool(t *testing.T, workers int) *Pool {
	t.Helper()
	p, err := New(Config{Workers: workers}, logx.Nop())
	require.NoError(t, err)
	p.Start(context.Background())
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p
}

func TestNewRejectsWorkerCount(t *testing.T) {
	for _, n := range []int{0, -1, 11} {
		_, err := New(Config{Workers: n}, logx.Nop())
		require.ErrorIs(t, err, ErrBadConfig, "workers=%d", n)
	}
}

func TestConcurrencyCap(t *testing.T) {
	ctx := testCtx(t)
	p := newPool(t, 3)

	var cur, peak atomic.Int32
	jobs := make([]Job, 20)
	for i := range jobs {
		jobs[i] = Job{Name: "j", Run: func(context.Context) {
			n := cur.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			cur.Add(-1)
		}}
	}
	h, err := p.Submit(ctx, jobs)
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))
	require.LessOrEqual(t, peak.Load(), int32(3))
	require.Equal(t, int32(0), cur.Load())
}

func TestSubmissionOrderWithOneWorker(t *testing.T) {
	ctx := testCtx(t)
	p := newPool(t, 1)

	var mu sync.Mutex
	var got []int
	jobs := make([]Job, 10)
	for i := range jobs {
		i := i
		jobs[i] = Job{Run: func(context.Context) {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}}
	}
	h, err := p.Submit(ctx, jobs)
	require.NoError(t, err)
	<-h.Done()
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestPanicIsolated(t *testing.T) {
	ctx := testCtx(t)
	p := newPool(t, 2)

	var recovered atomic.Value
	var ran atomic.Int32
	jobs := []Job{
		{Name: "bad", Run: func(context.Context) { panic("kaboom") }, Recover: func(err error) { recovered.Store(err) }},
		{Name: "good", Run: func(context.Context) { ran.Add(1) }},
		{Name: "good", Run: func(context.Context) { ran.Add(1) }},
	}
	h, err := p.Submit(ctx, jobs)
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))
	require.Equal(t, int32(2), ran.Load())

	var pe *PanicError
	require.ErrorAs(t, recovered.Load().(error), &pe)
	require.Equal(t, "bad", pe.Job)

	// Workers survive the panic.
	h, err = p.Submit(ctx, []Job{{Run: func(context.Context) { ran.Add(1) }}})
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))
	require.Equal(t, int32(3), ran.Load())
}

func TestApplyDrainsThenResizes(t *testing.T) {
	ctx := testCtx(t)
	p := newPool(t, 1)

	var finished atomic.Int32
	release := make(chan struct{})
	h, err := p.Submit(ctx, []Job{{Run: func(context.Context) {
		<-release
		finished.Add(1)
	}}})
	require.NoError(t, err)

	applied := make(chan error, 1)
	go func() { applied <- p.Apply(ctx, Config{Workers: 4}) }()

	require.Eventually(t, func() bool {
		_, err := p.Submit(ctx, nil)
		return errors.Is(err, ErrStopped)
	}, time.Second, time.Millisecond)

	close(release)
	require.NoError(t, <-applied)
	require.NoError(t, h.Wait(ctx))
	require.Equal(t, int32(1), finished.Load())
	require.Equal(t, 4, p.Workers())

	h, err = p.Submit(ctx, []Job{{Run: func(context.Context) { finished.Add(1) }}})
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))
	require.Equal(t, int32(2), finished.Load())
}

func TestStopRejectsSubmit(t *testing.T) {
	ctx := testCtx(t)
	p := newPool(t, 2)
	var ran atomic.Int32
	h, err := p.Submit(ctx, []Job{{Run: func(context.Context) { ran.Add(1) }}})
	require.NoError(t, err)

	require.NoError(t, p.Stop(ctx))
	<-h.Done()
	require.Equal(t, int32(1), ran.Load())

	_, err = p.Submit(ctx, []Job{{Run: func(context.Context) {}}})
	require.ErrorIs(t, err, ErrStopped)
	require.ErrorIs(t, p.Apply(ctx, Config{Workers: 2}), ErrStopped)
}

func TestForcedStopAbandonsQueued(t *testing.T) {
	ctx := testCtx(t)
	p := newPool(t, 1)

	block := make(chan struct{})
	var abandoned atomic.Int32
	jobs := []Job{{Run: func(context.Context) { <-block }}}
	for i := 0; i < 3; i++ {
		jobs = append(jobs, Job{
			Run:     func(context.Context) {},
			Recover: func(err error) {
				if errors.Is(err, ErrStopped) {
					abandoned.Add(1)
				}
			},
		})
	}
	h, err := p.Submit(ctx, jobs)
	require.NoError(t, err)

	stopCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(block)
	}()
	require.ErrorIs(t, p.Stop(stopCtx), context.DeadlineExceeded)
	require.NoError(t, h.Wait(ctx))
	require.Equal(t, int32(3), abandoned.Load())
}

func TestStopDeadlineCancelsRunningJob(t *testing.T) {
	ctx := testCtx(t)
	p := newPool(t, 1)

	started := make(chan struct{})
	cause := make(chan error, 1)
	h, err := p.Submit(context.Background(), []Job{{Run: func(jctx context.Context) {
		close(started)
		select {
		case <-jctx.Done():
			cause <- context.Cause(jctx)
		case <-time.After(5 * time.Second):
			cause <- nil
		}
	}}})
	require.NoError(t, err)
	<-started

	stopCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	begin := time.Now()
	require.ErrorIs(t, p.Stop(stopCtx), context.DeadlineExceeded)
	require.Less(t, time.Since(begin), time.Second)

	// The pool lock is not held while workers exit.
	_ = p.Stats()

	require.ErrorIs(t, <-cause, ErrStopped)
	require.NoError(t, h.Wait(ctx))
}

func TestSubmitBeforeStart(t *testing.T) {
	p, err := New(Config{Workers: 1}, logx.Nop())
	require.NoError(t, err)
	_, err = p.Submit(context.Background(), nil)
	require.ErrorIs(t, err, ErrNotStarted)
}
