package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atinyakov/GophSession/internal/client/authstate"
	"github.com/atinyakov/GophSession/internal/config"
	"github.com/atinyakov/GophSession/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	ServerURL  string
	StorePath  string
	Format     string // "json" | "text"
	Timeout    time.Duration

	client *config.ClientOptions
	log    *zap.Logger
}

// validFormats defines the allowed output formats.
var validFormats = []string{"text", "json"}

func newRootCommand(out io.Writer) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "gophsession",
		Short:        "Client-side identity and session coordinator",
		Version:      fmt.Sprintf("%s (built %s)", cmp.Or(version, "N/A"), cmp.Or(buildDate, "N/A")),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return opts.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.log != nil {
				_ = opts.log.Sync()
			}
		},
	}
	cmd.SetOut(out)

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "client.yaml", "path to client config file")
	cmd.PersistentFlags().StringVar(&opts.ServerURL, "server", "", "identity service base URL (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.StorePath, "store", "", "shared store file (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "how long to wait for the identity to resolve")

	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newLoginCommand(opts))
	cmd.AddCommand(newSSOCommand(opts))
	cmd.AddCommand(newCallbackCommand(opts))
	cmd.AddCommand(newLogoutCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))

	return cmd
}

func (o *rootOptions) load() error {
	client, err := config.LoadClient(o.ConfigPath)
	if err != nil {
		return err
	}
	if o.ServerURL != "" {
		client.ServerURL = o.ServerURL
	}
	if o.StorePath != "" {
		client.StorePath = o.StorePath
	}
	o.client = client

	l := logger.New()
	if err := l.Init(client.LogLevel); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	o.log = l.Log
	return nil
}

// run starts an instance, waits for it to resolve and hands it to fn.
func (o *rootOptions) run(cmd *cobra.Command, callbackURL string, fn func(ctx context.Context, a *app, snap authstate.Snapshot) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := startApp(ctx, o.client, callbackURL, cmd.OutOrStdout(), o.log)
	if err != nil {
		return err
	}
	defer a.close()

	waitCtx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()
	snap, err := a.resolved(waitCtx)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	return fn(ctx, a, snap)
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the current identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "", func(_ context.Context, _ *app, snap authstate.Snapshot) error {
				return printSnapshot(cmd.OutOrStdout(), opts.Format, snap)
			})
		},
	}
}

func newLoginCommand(opts *rootOptions) *cobra.Command {
	var provider string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with an OAuth provider",
		Long: `Start an OAuth sign-in. The provider URL is printed; once the provider
redirects back, pass the final URL to "callback".

Examples:
  gophsession login --provider github
  gophsession callback 'http://localhost/callback?code=...'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "", func(ctx context.Context, a *app, _ authstate.Snapshot) error {
				return a.machine.SignInWithOAuth(ctx, provider)
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "OAuth provider name")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func newSSOCommand(opts *rootOptions) *cobra.Command {
	var domain string
	cmd := &cobra.Command{
		Use:   "sso",
		Short: "Sign in through enterprise SSO",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "", func(ctx context.Context, a *app, _ authstate.Snapshot) error {
				return a.machine.SignInWithSSO(ctx, domain)
			})
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "organisation domain or SSO provider id")
	_ = cmd.MarkFlagRequired("domain")
	return cmd
}

func newCallbackCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "callback <url>",
		Short: "Complete a sign-in from the provider's return URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, args[0], func(_ context.Context, _ *app, snap authstate.Snapshot) error {
				if err := printSnapshot(cmd.OutOrStdout(), opts.Format, snap); err != nil {
					return err
				}
				if !snap.Identity.LoggedIn() {
					return errors.New("sign-in did not complete")
				}
				return nil
			})
		},
	}
}

func newLogoutCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out on every instance sharing the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "", func(ctx context.Context, a *app, _ authstate.Snapshot) error {
				if err := a.machine.SignOut(ctx); err != nil {
					return err
				}
				waitCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
				defer cancel()
				snap, err := a.resolved(waitCtx)
				if err != nil {
					return fmt.Errorf("resolve identity: %w", err)
				}
				return printSnapshot(cmd.OutOrStdout(), opts.Format, snap)
			})
		},
	}
}

func newWatchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print every identity change until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "", func(ctx context.Context, a *app, _ authstate.Snapshot) error {
				return watch(ctx, cmd.OutOrStdout(), opts.Format, a.machine)
			})
		},
	}
}

// watch prints snapshots from m until ctx is done or m stops.
func watch(ctx context.Context, w io.Writer, format string, m *authstate.Machine) error {
	updates, cancel := m.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if err := printSnapshot(w, format, snap); err != nil {
				return err
			}
		}
	}
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range validFormats {
		if f == format {
			return true
		}
	}
	return false
}
