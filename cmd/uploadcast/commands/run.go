package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"uploadcast/internal/app"
	"uploadcast/internal/eventbus"
	"uploadcast/internal/upload"
)

func newRunCmd() *cobra.Command {
	var (
		endpointIDs []string
		retryRounds int
		quiet       bool
	)
	cmd := &cobra.Command{
		Use:   "run FILE...",
		Short: "Upload files to the configured endpoints",
		Long: `Upload every FILE to every selected endpoint (all endpoints by default).

Progress lines are printed as tasks change state, followed by a task table
and the run summary. Exits with status 2 when any task failed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if retryRounds < 0 {
				return fmt.Errorf("--retry-rounds must be >= 0")
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return runUpload(ctx, cmd.OutOrStdout(), a, args, endpointIDs, retryRounds, quiet)
			})
		},
	}
	cmd.Flags().StringSliceVarP(&endpointIDs, "endpoint", "e", nil, "endpoint id to upload to (repeatable; default all)")
	cmd.Flags().IntVar(&retryRounds, "retry-rounds", 0, "extra rounds that re-run failed tasks")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the summary")
	return cmd
}

// lockedWriter serializes progress lines from the event printer with the
// command's own output.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func runUpload(ctx context.Context, w io.Writer, a *app.App, files, ids []string, retryRounds int, quiet bool) error {
	out := &lockedWriter{w: w}
	events, unsub := a.Bus().Subscribe(1024, eventbus.TypeTask)
	defer unsub()
	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		for ev := range events {
			if !quiet {
				printEvent(out, ev.Data.(upload.Event))
			}
		}
	}()

	run, err := a.RunUpload(ctx, files, ids)
	if err != nil {
		return err
	}
	sum, err := run.Wait(ctx)
	for round := 1; err == nil && round <= retryRounds && sum.Failure > 0; round++ {
		fmt.Fprintf(out, "Retrying %d failed upload(s) (round %d of %d)\n", sum.Failure, round, retryRounds)
		next, rerr := a.RetryFailed(ctx)
		if rerr != nil {
			err = rerr
			break
		}
		run = next
		sum, err = run.Wait(ctx)
	}
	if errors.Is(err, upload.ErrNothingToRetry) {
		err = nil
	}

	// Drain what the bus already delivered before printing the table.
	unsub()
	<-printerDone

	if err != nil {
		if ctx.Err() != nil {
			// Let canceled tasks settle so the table shows them.
			wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, _ = run.Wait(wctx)
			cancel()
			printTasks(out, a.Tasks())
			fmt.Fprintln(out, run.StatusMessage())
		}
		return err
	}

	printTasks(out, a.Tasks())
	fmt.Fprintf(out, "%s (%s)\n", run.StatusMessage(), run.Duration().Round(time.Millisecond))
	if sum.Failure > 0 {
		return &ExitError{Code: 2}
	}
	return nil
}

func printEvent(w io.Writer, ev upload.Event) {
	line := fmt.Sprintf("[%s] %s: %s", ev.EndpointName, ev.FileName, ev.Status)
	if ev.Message != "" {
		line += " - " + ev.Message
	}
	fmt.Fprintln(w, line)
}

func printTasks(w io.Writer, tasks []upload.Task) {
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		code := ""
		if t.StatusCode != 0 {
			code = strconv.Itoa(t.StatusCode)
		}
		rows = append(rows, []string{
			t.File.Name,
			t.File.FormattedSize(),
			t.Endpoint.DisplayName(),
			t.Status.String(),
			strconv.Itoa(t.Attempt),
			code,
			t.Message,
		})
	}
	printTable(w, []string{"File", "Size", "Endpoint", "Status", "Attempts", "Code", "Message"}, rows)
}
