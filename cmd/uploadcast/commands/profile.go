package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"uploadcast/internal/app"
)

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show, change, import or export the upload profile",
		Long: `The profile holds the upload limits and the endpoint list. Files are
JSON, or YAML when the path ends in .yaml/.yml.`,
	}
	cmd.AddCommand(newProfileShowCmd(), newProfileSetCmd(), newProfileExportCmd(), newProfileImportCmd())
	return cmd
}

func newProfileShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(_ context.Context, a *app.App) error {
				p := a.Profile()
				printTable(cmd.OutOrStdout(), []string{"Setting", "Value"}, [][]string{
					{"max_concurrent_uploads", fmt.Sprint(p.MaxConcurrentUploads)},
					{"max_retry_attempts", fmt.Sprint(p.MaxRetryAttempts)},
					{"endpoints", fmt.Sprint(len(p.Endpoints))},
				})
				return nil
			})
		},
	}
}

func newProfileSetCmd() *cobra.Command {
	var maxConcurrent, maxRetries int
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change upload limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				p := a.Profile()
				if cmd.Flags().Changed("max-concurrent") {
					p.MaxConcurrentUploads = maxConcurrent
				}
				if cmd.Flags().Changed("max-retries") {
					p.MaxRetryAttempts = maxRetries
				}
				if err := a.SetLimits(ctx, p.MaxConcurrentUploads, p.MaxRetryAttempts); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Limits saved: %d concurrent, %d retries\n", p.MaxConcurrentUploads, p.MaxRetryAttempts)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "maximum concurrent uploads (1-10)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "maximum retry attempts (0-5)")
	return cmd
}

func newProfileExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export PATH",
		Short: "Write the profile to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(_ context.Context, a *app.App) error {
				if err := a.ExportProfile(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Profile exported to %s\n", args[0])
				return nil
			})
		},
	}
}

func newProfileImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import PATH",
		Short: "Replace the profile with a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				p, err := a.ImportProfile(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Profile imported: %d endpoint(s)\n", len(p.Endpoints))
				return nil
			})
		},
	}
}
