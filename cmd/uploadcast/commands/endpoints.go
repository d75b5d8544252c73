package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"uploadcast/internal/app"
	"uploadcast/internal/config"
)

func newEndpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "endpoints",
		Aliases: []string{"endpoint", "ep"},
		Short:   "Manage upload endpoints",
	}
	cmd.AddCommand(newEndpointsListCmd(), newEndpointsAddCmd(), newEndpointsUpdateCmd(), newEndpointsRemoveCmd())
	return cmd
}

func newEndpointsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(_ context.Context, a *app.App) error {
				p := a.Profile()
				out := cmd.OutOrStdout()
				if len(p.Endpoints) == 0 {
					fmt.Fprintln(out, "No endpoints configured.")
					return nil
				}
				rows := make([][]string, 0, len(p.Endpoints))
				for _, ec := range p.Endpoints {
					auth := ec.Auth.Type
					if auth == "" {
						auth = "none"
					}
					rows = append(rows, []string{ec.ID, ec.Name, ec.URL, auth})
				}
				printTable(out, []string{"ID", "Name", "URL", "Auth"}, rows)
				return nil
			})
		},
	}
}

type endpointFlags struct {
	id, name, url, auth, token, username, password string
}

func (f *endpointFlags) register(cmd *cobra.Command, withID bool) {
	if withID {
		cmd.Flags().StringVar(&f.id, "id", "", "endpoint id (default: generated)")
	}
	cmd.Flags().StringVar(&f.name, "name", "", "display name")
	cmd.Flags().StringVar(&f.url, "url", "", "upload URL")
	cmd.Flags().StringVar(&f.auth, "auth", "", "auth type: none, bearer, basic, basic_base64")
	cmd.Flags().StringVar(&f.token, "token", "", "bearer token")
	cmd.Flags().StringVar(&f.username, "username", "", "basic auth username")
	cmd.Flags().StringVar(&f.password, "password", "", "basic auth password")
}

// apply copies the flags the user set onto ec.
func (f *endpointFlags) apply(cmd *cobra.Command, ec *config.EndpointConfig) {
	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	set("name", &ec.Name, f.name)
	set("url", &ec.URL, f.url)
	set("auth", &ec.Auth.Type, f.auth)
	set("token", &ec.Auth.Token, f.token)
	set("username", &ec.Auth.Username, f.username)
	set("password", &ec.Auth.Password, f.password)
}

func newEndpointsAddCmd() *cobra.Command {
	var f endpointFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ec := config.EndpointConfig{ID: f.id}
			f.apply(cmd, &ec)
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				added, err := a.AddEndpoint(ctx, ec)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Endpoint %q added (id %s)\n", added.Name, added.ID)
				return nil
			})
		},
	}
	f.register(cmd, true)
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func newEndpointsUpdateCmd() *cobra.Command {
	var f endpointFlags
	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Change an endpoint; only the given flags are updated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				var ec config.EndpointConfig
				found := false
				for _, cur := range a.Profile().Endpoints {
					if cur.ID == id {
						ec, found = cur, true
						break
					}
				}
				if !found {
					return fmt.Errorf("%w: %s", app.ErrUnknownEndpoint, id)
				}
				f.apply(cmd, &ec)
				if err := a.UpdateEndpoint(ctx, ec); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Endpoint %s updated\n", id)
				return nil
			})
		},
	}
	f.register(cmd, false)
	return cmd
}

func newEndpointsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove ID",
		Aliases: []string{"rm"},
		Short:   "Remove an endpoint",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.RemoveEndpoint(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Endpoint %s removed\n", args[0])
				return nil
			})
		},
	}
}
