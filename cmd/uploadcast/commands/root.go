// Package commands implements the uploadcast CLI.
package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"uploadcast/internal/app"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
)

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

var cfgPath string

// NewRootCmd builds the command tree. out receives command output.
func NewRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "uploadcast",
		Short: "Upload files to many HTTP endpoints at once",
		Long: `uploadcast uploads every given file to every configured endpoint as a
multipart POST, with bounded concurrency and per-task retries.

Examples:
  # Add an endpoint and upload two files to it
  uploadcast endpoints add --name backup --url https://backup.example.com/upload --auth bearer --token s3cret
  uploadcast run report.pdf data.csv

  # Upload to selected endpoints, retrying failures twice more
  uploadcast run --endpoint 4f0c... --retry-rounds 2 image.png`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "path to config file (json or yaml)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newEndpointsCmd())
	root.AddCommand(newProfileCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the CLI with ctx canceled on SIGINT/SIGTERM.
func Execute(ctx context.Context) error {
	return NewRootCmd(nil).ExecuteContext(ctx)
}

// withApp builds and starts the app for one command and always stops it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	runErr := fn(ctx, a)

	reason := app.StopCommandEnd
	if ctx.Err() != nil {
		reason = app.StopSignal
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	return runErr
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "uploadcast %s (commit: %s)\n", version, commit)
		},
	}
}
