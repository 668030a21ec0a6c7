package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/codewiresh/cmdrelay/internal/auth"
	"github.com/codewiresh/cmdrelay/internal/config"
	"github.com/codewiresh/cmdrelay/internal/relay"
)

var (
	dataDirFlag  string
	logLevelFlag string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "cmdrelay",
		Short:         "Relay run requests between controllers and remote targets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(logLevelFlag)
		},
	}
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Directory holding relay.toml, agent.toml and audit.db (default: ~/.cmdrelay)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(
		relayCmd(),
		agentCmd(),
		targetsCmd(),
		runCmd(),
		watchCmd(),
		eventsCmd(),
		keygenCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "[cmdrelay] error:", err)
		os.Exit(1)
	}
}

// setupLogging installs the process-wide slog handler: text on a terminal,
// JSON otherwise.
func setupLogging(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	if isTerminal(os.Stderr) {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func dataDir() string {
	if dataDirFlag != "" {
		return dataDirFlag
	}
	home := os.Getenv("HOME")
	if home == "" {
		fmt.Fprintln(os.Stderr, "[cmdrelay] WARNING: $HOME is not set, using /tmp/.cmdrelay")
		return "/tmp/.cmdrelay"
	}
	return filepath.Join(home, ".cmdrelay")
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(what string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintf(os.Stderr, "[cmdrelay] %s shutting down...\n", what)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// ---------------------------------------------------------------------------
// relayCmd
// ---------------------------------------------------------------------------

func relayCmd() *cobra.Command {
	var (
		listen      string
		clientKey   string
		adminKey    string
		strictRoles bool
		audit       bool
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := dataDir()
			cfg, err := config.LoadRelayConfig(dir)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			if clientKey != "" {
				cfg.ClientKey = clientKey
			}
			if adminKey != "" {
				cfg.AdminKey = adminKey
			}
			if cmd.Flags().Changed("strict-roles") {
				cfg.StrictRoles = strictRoles
			}
			if cmd.Flags().Changed("audit") {
				cfg.Audit = audit
			}

			if cfg.Audit {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("creating data dir: %w", err)
				}
			}

			ctx, cancel := signalContext("relay")
			defer cancel()
			return relay.RunRelay(ctx, cfg, dir)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:3030", "HTTP listen address")
	cmd.Flags().StringVar(&clientKey, "client-key", "", "Shared secret for targets (overrides relay.toml)")
	cmd.Flags().StringVar(&adminKey, "admin-key", "", "Shared secret for controllers (overrides relay.toml)")
	cmd.Flags().BoolVar(&strictRoles, "strict-roles", false, "Require a controller for run_request and a target for run_response")
	cmd.Flags().BoolVar(&audit, "audit", false, "Record connection and routing events in audit.db")

	return cmd
}

// ---------------------------------------------------------------------------
// agentCmd
// ---------------------------------------------------------------------------

func agentCmd() *cobra.Command {
	var (
		relayURL string
		identity string
		appKey   string
		allow    []string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Connect to a relay as a target and run modules on request",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgentConfig(dataDir())
			if err != nil {
				return err
			}
			if relayURL != "" {
				cfg.RelayURL = relayURL
			}
			if identity != "" {
				if err := config.ValidateIdentity(identity); err != nil {
					return err
				}
				cfg.Identity = identity
			}
			if appKey != "" {
				cfg.AppKey = appKey
			}
			if len(allow) > 0 {
				cfg.AllowedCommands = allow
			}
			if cfg.RelayURL == "" {
				return fmt.Errorf("--relay-url is required (or relay_url in agent.toml)")
			}
			if cfg.AppKey == "" {
				return fmt.Errorf("--app-key is required (or app_key in agent.toml)")
			}

			ctx, cancel := signalContext("agent")
			defer cancel()
			slog.Info("starting agent", "identity", cfg.Identity, "relay", cfg.RelayURL, "allowed_commands", cfg.AllowedCommands)
			relay.RunAgent(ctx, cfg)
			return nil
		},
	}

	cmd.Flags().StringVar(&relayURL, "relay-url", "", "Relay base URL (e.g. http://127.0.0.1:3030)")
	cmd.Flags().StringVar(&identity, "identity", "", "Identity to claim (default: hostname)")
	cmd.Flags().StringVar(&appKey, "app-key", "", "Client key used to authenticate as a target")
	cmd.Flags().StringSliceVar(&allow, "allow", nil, "Commands the exec module may run (repeatable)")

	return cmd
}

// ---------------------------------------------------------------------------
// keygenCmd
// ---------------------------------------------------------------------------

func keygenCmd() *cobra.Command {
	var write bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a client key and an admin key",
		RunE: func(cmd *cobra.Command, args []string) error {
			clientKey, err := auth.GenerateKey()
			if err != nil {
				return err
			}
			adminKey, err := auth.GenerateKey()
			if err != nil {
				return err
			}

			if write {
				dir := dataDir()
				cfg, err := config.LoadRelayConfig(dir)
				if err != nil {
					return err
				}
				cfg.ClientKey = clientKey
				cfg.AdminKey = adminKey
				if err := cfg.Save(dir); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "[cmdrelay] keys written to %s\n", filepath.Join(dir, "relay.toml"))
			}

			fmt.Printf("client_key = %q\n", clientKey)
			fmt.Printf("admin_key  = %q\n", adminKey)
			return nil
		},
	}

	cmd.Flags().BoolVar(&write, "write", false, "Also store the keys in relay.toml")
	return cmd
}
