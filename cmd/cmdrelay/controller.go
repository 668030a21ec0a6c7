package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/codewiresh/cmdrelay/internal/auth"
	"github.com/codewiresh/cmdrelay/internal/client"
	"github.com/codewiresh/cmdrelay/internal/config"
	"github.com/codewiresh/cmdrelay/internal/protocol"
	"github.com/codewiresh/cmdrelay/internal/relay"
	"github.com/codewiresh/cmdrelay/internal/store"
	"github.com/codewiresh/cmdrelay/internal/terminal"
)

const defaultRelayURL = "http://127.0.0.1:3030"

// controllerFlags are shared by every command that connects as a controller.
type controllerFlags struct {
	relayURL string
	identity string
	adminKey string
	timeout  time.Duration
}

func (f *controllerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.relayURL, "relay-url", "", "Relay base URL (default: $CMDRELAY_RELAY_URL or "+defaultRelayURL+")")
	cmd.Flags().StringVar(&f.identity, "identity", "", "Controller identity (default: random)")
	cmd.Flags().StringVar(&f.adminKey, "admin-key", "", "Admin key (default: $CMDRELAY_ADMIN_KEY, then prompt)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 30*time.Second, "How long to wait for the relay and the target")
}

// dial resolves the flags and connects as an authenticated controller.
func (f *controllerFlags) dial(ctx context.Context) (*client.Controller, error) {
	relayURL := f.relayURL
	if relayURL == "" {
		relayURL = os.Getenv("CMDRELAY_RELAY_URL")
	}
	if relayURL == "" {
		relayURL = defaultRelayURL
	}

	identity := f.identity
	if identity == "" {
		suffix, err := auth.GenerateKey()
		if err != nil {
			return nil, err
		}
		identity = "ctl-" + strings.ToLower(suffix[:8])
	}
	if err := config.ValidateIdentity(identity); err != nil {
		return nil, err
	}

	adminKey := f.adminKey
	if adminKey == "" {
		adminKey = os.Getenv("CMDRELAY_ADMIN_KEY")
	}
	if adminKey == "" {
		if !isTerminal(os.Stdin) {
			return nil, errors.New("--admin-key or CMDRELAY_ADMIN_KEY is required")
		}
		key, err := promptPassword("Admin key: ")
		if err != nil {
			return nil, err
		}
		adminKey = key
	}

	return client.Dial(ctx, relayURL, identity, adminKey)
}

func noReply(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w (no reply; check the admin key and the target)", err)
	}
	return err
}

// ---------------------------------------------------------------------------
// targetsCmd
// ---------------------------------------------------------------------------

func targetsCmd() *cobra.Command {
	var flags controllerFlags

	cmd := &cobra.Command{
		Use:   "targets",
		Short: "List the targets connected to the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
			defer cancel()

			ctl, err := flags.dial(ctx)
			if err != nil {
				return err
			}
			defer ctl.Close()

			targets, err := ctl.Targets(ctx)
			if err != nil {
				return noReply(err)
			}
			if len(targets) == 0 {
				fmt.Fprintln(os.Stderr, "no targets connected")
				return nil
			}
			for _, t := range targets {
				fmt.Println(t)
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

// ---------------------------------------------------------------------------
// runCmd
// ---------------------------------------------------------------------------

func runCmd() *cobra.Command {
	var (
		flags controllerFlags
		tty   bool
	)

	cmd := &cobra.Command{
		Use:   "run <target> <module> [params-json]",
		Short: "Run a module on a target and print its result",
		Example: `  cmdrelay run bot1 echo '{"hello":"world"}'
  cmdrelay run bot1 exec '{"command":"uptime"}'`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, module := args[0], args[1]
			var params json.RawMessage
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return fmt.Errorf("params must be valid JSON")
				}
				params = json.RawMessage(args[2])
			}
			if tty {
				if module != "exec" {
					return fmt.Errorf("--tty only applies to the exec module")
				}
				p, err := withTTY(params)
				if err != nil {
					return err
				}
				params = p
			}

			ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
			defer cancel()

			ctl, err := flags.dial(ctx)
			if err != nil {
				return err
			}
			defer ctl.Close()

			res, err := ctl.Run(ctx, target, module, params)
			if err != nil {
				return noReply(err)
			}
			return printRunResult(module, res)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&tty, "tty", false, "Run exec under a pseudo-terminal sized like this one")
	return cmd
}

// withTTY sets tty, and cols and rows when stdout is a terminal, on exec
// params.
func withTTY(params json.RawMessage) (json.RawMessage, error) {
	obj := map[string]any{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &obj); err != nil || obj == nil {
			return nil, fmt.Errorf("exec params must be a JSON object")
		}
	}
	obj["tty"] = true
	if cols, rows, ok := terminal.Size(os.Stdout); ok {
		obj["cols"] = cols
		obj["rows"] = rows
	}
	return json.Marshal(obj)
}

// printRunResult writes exec output as plain stdout/stderr and anything else
// as indented JSON. A non-zero exit code is returned as an error.
func printRunResult(module string, res *protocol.RunResult) error {
	if res.Error != "" {
		return fmt.Errorf("%s failed: %s", module, res.Error)
	}

	if module == "exec" {
		var out relay.ExecResult
		if err := json.Unmarshal(res.Output, &out); err == nil {
			fmt.Fprint(os.Stdout, out.Stdout)
			fmt.Fprint(os.Stderr, out.Stderr)
			if out.Truncated {
				fmt.Fprintln(os.Stderr, "[cmdrelay] output truncated")
			}
			if out.ExitCode != 0 {
				return fmt.Errorf("exit status %d", out.ExitCode)
			}
			return nil
		}
	}

	var pretty any
	if err := json.Unmarshal(res.Output, &pretty); err != nil {
		fmt.Println(string(res.Output))
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(pretty)
}

// ---------------------------------------------------------------------------
// watchCmd
// ---------------------------------------------------------------------------

func watchCmd() *cobra.Command {
	var flags controllerFlags

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print presence changes and run responses as they arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			dialCtx, cancelDial := context.WithTimeout(context.Background(), flags.timeout)
			ctl, err := flags.dial(dialCtx)
			cancelDial()
			if err != nil {
				return err
			}
			defer ctl.Close()

			ctx, cancel := signalContext("watch")
			defer cancel()

			// Start from the current target list.
			targets, err := ctl.Targets(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s targets: %s\n", time.Now().Format(time.TimeOnly), strings.Join(targets, ", "))

			for {
				env, err := ctl.Next(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				ts := time.Now().Format(time.TimeOnly)
				if targets, ok, err := client.DecodeClientsUpdate(env); ok && err == nil {
					fmt.Printf("%s targets: %s\n", ts, strings.Join(targets, ", "))
					continue
				}
				fmt.Printf("%s %s %s\n", ts, env.Action, env.Data)
			}
		},
	}
	flags.register(cmd)
	return cmd
}

// ---------------------------------------------------------------------------
// eventsCmd
// ---------------------------------------------------------------------------

func eventsCmd() *cobra.Command {
	var (
		identity string
		typ      string
		since    time.Duration
		limit    int
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List audit events recorded by a relay running with --audit",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.NewSQLiteStore(dataDir())
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close()

			filter := store.EventFilter{
				Identity: identity,
				Type:     store.EventType(typ),
				Limit:    limit,
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			events, err := st.EventList(cmd.Context(), filter)
			if err != nil {
				return err
			}

			if asJSON || !isTerminal(os.Stdout) {
				enc := json.NewEncoder(os.Stdout)
				for _, ev := range events {
					if err := enc.Encode(ev); err != nil {
						return err
					}
				}
				return nil
			}

			if len(events) == 0 {
				fmt.Fprintln(os.Stderr, "no events")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tTYPE\tIDENTITY\tDETAIL")
			for _, ev := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					ev.Timestamp.Local().Format(time.DateTime), ev.Type, ev.Identity, ev.Detail)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&identity, "identity", "", "Only events for this identity")
	cmd.Flags().StringVar(&typ, "type", "", "Only events of this type (e.g. auth.rejected)")
	cmd.Flags().DurationVar(&since, "since", 0, "Only events newer than this (e.g. 1h)")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of events")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON lines")

	return cmd
}
