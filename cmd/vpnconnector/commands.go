package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/vpnconnector"
	"github.com/loykin/vpnconnector/pkg/client"
)

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "vpnconnector",
		Short: "Supervise OpenVPN and SSL-VPN client connections",
		Long: `vpnconnector runs VPN client processes on behalf of organizations and
exposes their lifecycle over an HTTP API.

Examples:
  vpnconnector serve --config=/etc/vpnconnector/vpnconnector.toml
  vpnconnector upload office.ovpn --username=alice --password=secret --org-id=7 --user-email=ops@example.com
  vpnconnector connect 3f2a1c9e-8b7d-4e6f-a5c4-0d1e2f3a4b5c --org-id=7 --user-email=ops@example.com
  vpnconnector status  3f2a1c9e-8b7d-4e6f-a5c4-0d1e2f3a4b5c --org-id=7 --user-email=ops@example.com`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (serve)")
	pf.StringVar(&flags.APIUrl, "api-url", client.DefaultConfig().BaseURL, "API base URL")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	pf.Int64Var(&flags.OrgID, "org-id", 0, "organization id sent as X-Org-ID")
	pf.StringVar(&flags.UserEmail, "user-email", "", "user email sent as X-User-Email")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification")
	pf.StringVar(&flags.CACert, "ca-cert", "", "CA certificate for a TLS API")

	root.AddCommand(
		createServeCommand(flags),
		createUploadCommand(flags),
		createDeleteCommand(flags),
		createConnectCommand(flags),
		createDisconnectCommand(flags),
		createStatusCommand(flags),
		createInterfaceCommand(flags),
		createListCommand(flags),
	)
	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the connector API server",
		Long: `Run the connector API server. Configuration comes from the TOML file
(--config or first argument) with VPNCONNECTOR_* environment overrides.
All supervised VPN clients are stopped on SIGINT/SIGTERM.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, path, serveFlags)
		},
	}
	cmd.Flags().DurationVar(&serveFlags.ShutdownTimeout, "shutdown-timeout", 0, "override server.shutdown_timeout")
	return cmd
}

// runServe blocks until ctx is done, then shuts the service down.
func runServe(ctx context.Context, path string, flags *ServeFlags) error {
	cfg, err := vpnconnector.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	svc, err := vpnconnector.NewService(ctx, cfg)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		_ = svc.Shutdown(context.Background())
		return err
	}
	svc.Logger().Info("vpnconnector started", "api", svc.APIAddr(), "metrics", svc.MetricsAddr())

	<-ctx.Done()
	timeout := cfg.Server.ShutdownTimeout
	if flags.ShutdownTimeout > 0 {
		timeout = flags.ShutdownTimeout
	}
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	svc.Logger().Info("shutting down", "timeout", timeout)
	return svc.Shutdown(sctx)
}

func createUploadCommand(globalFlags *GlobalFlags) *cobra.Command {
	uf := &UploadFlags{}
	cmd := &cobra.Command{
		Use:   "upload <config-file>",
		Short: "Upload a VPN client configuration with credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filepath.Clean(args[0]))
			if err != nil {
				return err
			}
			out, err := globalFlags.client().Upload(cmd.Context(), client.UploadRequest{
				Filename:       filepath.Base(args[0]),
				Config:         data,
				Name:           uf.Name,
				Username:       uf.Username,
				Password:       uf.Password,
				ConnectionType: uf.ConnectionType,
				Host:           uf.Host,
				Port:           uf.Port,
				TrustedCert:    uf.TrustedCert,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&uf.Name, "name", "", "display name (defaults to file name)")
	cmd.Flags().StringVar(&uf.Username, "username", "", "VPN username")
	cmd.Flags().StringVar(&uf.Password, "password", "", "VPN password")
	cmd.Flags().StringVar(&uf.ConnectionType, "type", "openvpn", "connection type: openvpn or fortinet_ssl")
	cmd.Flags().StringVar(&uf.Host, "host", "", "SSL-VPN gateway host")
	cmd.Flags().IntVar(&uf.Port, "port", 0, "SSL-VPN gateway port")
	cmd.Flags().StringVar(&uf.TrustedCert, "trusted-cert", "", "SSL-VPN gateway certificate digest")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

// idCommand builds a subcommand that takes one configuration id.
func idCommand(use, short string, run func(ctx context.Context, c *client.Client, id string) (any, error), globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <config-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := run(cmd.Context(), globalFlags.client(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func createConnectCommand(f *GlobalFlags) *cobra.Command {
	return idCommand("connect", "Start a VPN connection", func(ctx context.Context, c *client.Client, id string) (any, error) {
		return c.Connect(ctx, id)
	}, f)
}

func createDisconnectCommand(f *GlobalFlags) *cobra.Command {
	return idCommand("disconnect", "Stop a VPN connection", func(ctx context.Context, c *client.Client, id string) (any, error) {
		return c.Disconnect(ctx, id)
	}, f)
}

func createStatusCommand(f *GlobalFlags) *cobra.Command {
	return idCommand("status", "Show connection status and traffic counters", func(ctx context.Context, c *client.Client, id string) (any, error) {
		return c.Status(ctx, id)
	}, f)
}

func createInterfaceCommand(f *GlobalFlags) *cobra.Command {
	return idCommand("interface", "Show tunnel interface details", func(ctx context.Context, c *client.Client, id string) (any, error) {
		return c.Interface(ctx, id)
	}, f)
}

func createDeleteCommand(f *GlobalFlags) *cobra.Command {
	return idCommand("delete", "Delete a configuration (disconnects first)", func(ctx context.Context, c *client.Client, id string) (any, error) {
		if err := c.Delete(ctx, id); err != nil {
			return nil, err
		}
		return map[string]string{"config_id": id, "message": "VPN configuration deleted"}, nil
	}, f)
}

func createListCommand(f *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List supervised connections of the organization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := f.client().List(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
