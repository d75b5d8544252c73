package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"uploadcast/internal/eventbus"
	"uploadcast/internal/upload"
	logx "uploadcast/pkg/logx"
)

// RunUpload uploads paths to the endpoints named by ids (all endpoints when
// ids is empty). Paths naming the same file are uploaded once. ctx bounds the whole run; canceling it cancels in-flight
// attempts.
func (a *App) RunUpload(ctx context.Context, paths []string, ids []string) (*upload.Run, error) {
	if a.sup == nil {
		return nil, ErrNotStarted
	}
	files := make([]upload.FileHandle, 0, len(paths))
	for _, p := range paths {
		fh, err := upload.NewFileHandle(p)
		if err != nil {
			return nil, err
		}
		files = append(files, fh)
	}
	files = upload.DedupFiles(files)
	eps, err := a.selectEndpoints(ids)
	if err != nil {
		return nil, err
	}

	run, err := a.orch.RunUpload(ctx, files, eps)
	if err != nil {
		return nil, err
	}
	a.track(ctx, run)
	return run, nil
}

// RetryFailed re-runs the failed tasks of the last run. It returns
// upload.ErrNothingToRetry when there are none.
func (a *App) RetryFailed(ctx context.Context) (*upload.Run, error) {
	if a.sup == nil {
		return nil, ErrNotStarted
	}
	run, err := a.orch.RetryFailed(ctx)
	if err != nil {
		return nil, err
	}
	a.track(ctx, run)
	return run, nil
}

// Tasks returns the task snapshots of the current or last run.
func (a *App) Tasks() []upload.Task { return a.orch.Tasks() }

func (a *App) selectEndpoints(ids []string) ([]upload.Endpoint, error) {
	all, err := a.Endpoints()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return all, nil
	}
	byID := make(map[string]upload.Endpoint, len(all))
	for _, ep := range all {
		byID[ep.ID] = ep
	}
	out := make([]upload.Endpoint, 0, len(ids))
	picked := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		ep, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, id)
		}
		if _, dup := picked[id]; dup {
			continue
		}
		picked[id] = struct{}{}
		out = append(out, ep)
	}
	return out, nil
}

// track publishes run lifecycle events and applies limit changes parked
// during the run once it resolves.
func (a *App) track(ctx context.Context, run *upload.Run) {
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeRunStarted, Data: eventbus.RunInfo{
		RunID: run.ID,
		Retry: run.Retry,
		Total: run.Total,
	}})

	// Runs always resolve, even on Stop (queued jobs are failed), so this
	// waits on the run alone.
	a.sup.Go0("run.finish", func(context.Context) {
		<-run.Done()
		c := context.WithoutCancel(ctx)
		sum := run.Summary()
		took := run.Duration()
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeRunFinished, Data: eventbus.RunInfo{
			RunID:   run.ID,
			Retry:   run.Retry,
			Total:   sum.Total,
			Success: sum.Success,
			Failure: sum.Failure,
			Took:    took,
		}})

		a.log.Info("run finished",
			logx.String("run", run.ID),
			logx.Bool("retry", run.Retry),
			logx.Int("success", sum.Success),
			logx.Int("failure", sum.Failure),
			logx.Bool("canceled", errors.Is(ctx.Err(), context.Canceled)),
			logx.Duration("took", took),
		)

		a.mu.Lock()
		if a.pending != nil {
			a.applyLimitsLocked(c)
		}
		a.mu.Unlock()
	})
}
