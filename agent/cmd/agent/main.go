// Package main is the entry point for the shuttersense-agent binary.
//
// Startup sequence for `run`:
//  1. Load configuration (flags, SSENSE_* environment, agent.yaml)
//  2. Build logger
//  3. Load the persisted identity (agent-state.json); refuse to run unregistered
//  4. Build tool registry, credential vault, executor, polling loop
//  5. Block until SIGINT/SIGTERM or a terminal loop condition
//
// Exit codes: 0 OK, 1 argument or usage error, 2 connection or authentication
// failure, 3 precondition not met (e.g. not registered), 4 fatal runtime
// (consecutive-failure threshold exceeded).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/agent/internal/client"
	"github.com/fabrice-guiot/shuttersense/agent/internal/config"
	"github.com/fabrice-guiot/shuttersense/agent/internal/executor"
	"github.com/fabrice-guiot/shuttersense/agent/internal/poller"
	"github.com/fabrice-guiot/shuttersense/agent/internal/storage"
	"github.com/fabrice-guiot/shuttersense/agent/internal/tools"
	"github.com/fabrice-guiot/shuttersense/agent/internal/vault"
	"github.com/fabrice-guiot/shuttersense/shared/guid"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes shared by every subcommand.
const (
	exitOK           = 0
	exitUsage        = 1
	exitConnection   = 2
	exitPrecondition = 3
	exitFatal        = 4
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("error:"), err)
		os.Exit(exitUsage)
	}
}

type flags struct {
	configPath string
	serverURL  string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "shuttersense-agent",
		Short: "ShutterSense agent — runs photo-collection analyses on this host",
		Long: `ShutterSense agent polls the control server for analysis jobs,
executes them against local or remote photo collections, and reports
signed results back. Remote-storage credentials configured on this
agent never leave the machine.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&f.configPath, "config", "", "Path to agent.yaml (default: <state-dir>/agent.yaml)")
	root.PersistentFlags().StringVar(&f.serverURL, "server", "", "Control server base URL (overrides config)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	root.AddCommand(
		newRegisterCmd(f),
		newRunCmd(f),
		newSyncCmd(f),
		newTestCmd(f),
		newSelfTestCmd(f),
		newConnectorsCmd(f),
		newUpdateCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("shuttersense-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// ─── register ────────────────────────────────────────────────────────────────

func newRegisterCmd(f *flags) *cobra.Command {
	var token, name string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this agent with the control server",
		Long: `Register presents a short-lived registration token to the server and
persists the returned identity (agent GUID and API key) to agent-state.json.
Obtain a token from an operator on the server side.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(f)
			if err != nil {
				return err
			}
			if token == "" {
				return errors.New("--token is required")
			}
			if name != "" {
				cfg.Name = name
			}

			state, err := config.LoadState(cfg.StateDir)
			if err != nil {
				return err
			}
			if state.Registered() {
				fmt.Println(yellow("already registered"), "as", state.AgentGUID, "— remove", filepath.Join(cfg.StateDir, "agent-state.json"), "to re-register")
				os.Exit(exitPrecondition)
			}

			api := client.New(cfg.ServerURL, "", logger)
			resp, err := api.Register(cmd.Context(), registerRequest(cfg, token))
			if err != nil {
				fmt.Println(red("registration failed:"), err)
				os.Exit(exitConnection)
			}

			if err := config.SaveState(cfg.StateDir, config.State{
				AgentGUID: resp.GUID,
				APIKey:    resp.APIKey,
				TeamGUID:  resp.TeamGUID,
				Name:      resp.Name,
			}); err != nil {
				return err
			}
			fmt.Println(green("registered"), "as", resp.GUID, "(team", resp.TeamGUID+")")
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Registration token issued by the server")
	cmd.Flags().StringVar(&name, "name", "", "Display name for this agent (default: hostname)")
	return cmd
}

// ─── run ─────────────────────────────────────────────────────────────────────

func newRunCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the polling loop until shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(f)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			state, err := config.LoadState(cfg.StateDir)
			if err != nil {
				return err
			}
			if !state.Registered() {
				fmt.Println(red("not registered"), "— run `shuttersense-agent register --token <token>` first")
				os.Exit(exitPrecondition)
			}

			logger.Info("starting shuttersense agent",
				zap.String("version", version),
				zap.String("agent", state.AgentGUID),
				zap.String("server", cfg.ServerURL),
				zap.String("state_dir", cfg.StateDir),
			)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			api := client.New(cfg.ServerURL, state.APIKey, logger)
			store := vault.New(filepath.Join(cfg.StateDir, "vault"))
			registry := tools.NewRegistry()
			exec := executor.New(api, store, registry, cfg.AuthorizedRoots, logger)

			loop := poller.New(api, exec, capabilitiesFunc(registry, store, logger),
				cfg.AuthorizedRoots, cfg.StateDir, cfg.PollInterval, cfg.MaxPollFailures, logger)

			go func() {
				<-ctx.Done()
				loop.RequestShutdown()
			}()

			code := loop.Run(ctx)
			logger.Info("shuttersense agent stopped", zap.Int("exit_code", code))
			logger.Sync() //nolint:errcheck
			os.Exit(code)
			return nil
		},
	}
}

// capabilitiesFunc merges tool and connector capabilities. Evaluated per
// claim/heartbeat so newly configured connectors are picked up live.
func capabilitiesFunc(registry *tools.Registry, store *vault.Store, logger *zap.Logger) func() []string {
	return func() []string {
		caps := registry.Capabilities()
		connectorCaps, err := store.Capabilities()
		if err != nil {
			logger.Warn("listing vault capabilities failed", zap.Error(err))
		} else {
			caps = append(caps, connectorCaps...)
		}
		sort.Strings(caps)
		return caps
	}
}

// ─── sync ────────────────────────────────────────────────────────────────────

func newSyncCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Re-report connector capabilities and refresh the cached team configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, api, store, err := setupRegistered(f)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			guids, err := store.List()
			if err != nil {
				return err
			}
			for _, g := range guids {
				resp, err := api.ReportConnectorCapability(cmd.Context(), g, true)
				if err != nil {
					fmt.Println(red("✗"), g, "—", err)
					os.Exit(exitConnection)
				}
				status := "acknowledged"
				if resp.CredentialLocationUpdated {
					status = "credential location updated"
				}
				fmt.Println(green("✓"), g, "—", status)
			}

			teamCfg, err := api.TeamConfig(cmd.Context())
			if err != nil {
				fmt.Println(red("team configuration fetch failed:"), err)
				os.Exit(exitConnection)
			}
			if err := writeTeamConfigCache(cfg.StateDir, teamCfg); err != nil {
				return err
			}
			fmt.Println(green("✓"), "team configuration cached")
			return nil
		},
	}
}

// teamConfigCache is the on-disk cache written by sync. FetchedAt lets
// readers apply a TTL.
type teamConfigCache struct {
	FetchedAt time.Time `json:"fetched_at"`
	Config    any       `json:"config"`
}

func writeTeamConfigCache(stateDir string, cfg any) error {
	data, err := json.MarshalIndent(teamConfigCache{FetchedAt: time.Now().UTC(), Config: cfg}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal team config cache: %w", err)
	}
	path := filepath.Join(stateDir, "team-config.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write team config cache: %w", err)
	}
	return os.Rename(tmp, path)
}

// ─── test / self-test ────────────────────────────────────────────────────────

func newTestCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Test connectivity and authentication against the control server",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, api, _, err := setupRegistered(f)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			start := time.Now()
			if _, err := api.TeamConfig(cmd.Context()); err != nil {
				fmt.Println(red("✗ server unreachable or credential rejected:"), err)
				os.Exit(exitConnection)
			}
			fmt.Println(green("✓"), "server reachable, credential accepted", fmt.Sprintf("(%s)", time.Since(start).Round(time.Millisecond)))
			return nil
		},
	}
}

func newSelfTestCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "self-test",
		Short: "Check the local environment without contacting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(f)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			failed := false
			check := func(name string, err error) {
				if err != nil {
					failed = true
					fmt.Println(red("✗"), name+":", err)
					return
				}
				fmt.Println(green("✓"), name)
			}

			check("state directory writable", probeWritable(cfg.StateDir))

			state, err := config.LoadState(cfg.StateDir)
			check("state file readable", err)
			if err == nil && !state.Registered() {
				fmt.Println(yellow("!"), "not registered yet")
			}

			registry := tools.NewRegistry()
			fmt.Println(green("✓"), "tools:", strings.Join(registry.Capabilities(), ", "))

			store := vault.New(filepath.Join(cfg.StateDir, "vault"))
			guids, err := store.List()
			check("credential vault readable", err)
			if err == nil {
				fmt.Printf("  %d connector credential(s) held\n", len(guids))
			}

			for _, root := range cfg.AuthorizedRoots {
				info, err := os.Stat(root)
				if err != nil || !info.IsDir() {
					failed = true
					fmt.Println(red("✗"), "authorized root", root, "is not a readable directory")
				} else {
					fmt.Println(green("✓"), "authorized root", root)
				}
			}
			if len(cfg.AuthorizedRoots) == 0 {
				fmt.Println(yellow("!"), "no authorized roots configured — local collections will be rejected")
			}

			if failed {
				os.Exit(exitPrecondition)
			}
			return nil
		},
	}
}

func probeWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return err
	}
	return os.Remove(probe)
}

// ─── connectors ──────────────────────────────────────────────────────────────

func newConnectorsCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connectors",
		Short: "Manage agent-held connector credentials",
		Long: `Connector credentials configured here are sealed in the agent's local
vault and never sent to the server. The server only learns that this agent
can reach the connector, via a capability report.`,
	}
	cmd.AddCommand(
		newConnectorsListCmd(f),
		newConnectorsConfigureCmd(f),
		newConnectorsTestCmd(f),
		newConnectorsRemoveCmd(f),
		newConnectorsShowCmd(f),
	)
	return cmd
}

func newConnectorsListCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List connectors with credentials held on this agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(f)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			store := vault.New(filepath.Join(cfg.StateDir, "vault"))
			guids, err := store.List()
			if err != nil {
				return err
			}
			if len(guids) == 0 {
				fmt.Println("no connector credentials held")
				return nil
			}
			for _, g := range guids {
				meta, err := store.GetMetadata(g)
				if err != nil || meta == nil {
					fmt.Println(g)
					continue
				}
				fmt.Printf("%s  type=%s  name=%s\n", g, meta["type"], meta["name"])
			}
			return nil
		},
	}
}

func newConnectorsConfigureCmd(f *flags) *cobra.Command {
	var connectorType, name string
	var sets []string

	cmd := &cobra.Command{
		Use:   "configure <connector-guid>",
		Short: "Store credentials for a connector in the local vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			connectorGUID := args[0]
			if _, err := guid.Validate(connectorGUID, guid.PrefixConnector); err != nil {
				return fmt.Errorf("invalid connector guid: %w", err)
			}
			creds := map[string]string{}
			for _, kv := range sets {
				key, value, ok := strings.Cut(kv, "=")
				if !ok || key == "" {
					return fmt.Errorf("invalid --set %q, want key=value", kv)
				}
				creds[key] = value
			}
			if len(creds) == 0 {
				return errors.New("at least one --set key=value is required")
			}

			cfg, logger, err := setup(f)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			store := vault.New(filepath.Join(cfg.StateDir, "vault"))
			meta := map[string]string{"type": connectorType, "name": name}
			if err := store.Store(connectorGUID, creds, meta); err != nil {
				return err
			}
			fmt.Println(green("✓"), "credentials stored for", connectorGUID)

			// Best-effort capability report; `sync` repeats it later if the
			// server is unreachable now.
			state, err := config.LoadState(cfg.StateDir)
			if err == nil && state.Registered() {
				api := client.New(cfg.ServerURL, state.APIKey, logger)
				if _, err := api.ReportConnectorCapability(cmd.Context(), connectorGUID, true); err != nil {
					fmt.Println(yellow("!"), "capability report failed (will retry on sync):", err)
				} else {
					fmt.Println(green("✓"), "capability reported to server")
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&connectorType, "type", "", "Connector type: s3, gcs, or smb")
	cmd.Flags().StringVar(&name, "name", "", "Connector display name (informational)")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Credential field as key=value (repeatable)")
	cmd.MarkFlagRequired("type") //nolint:errcheck
	return cmd
}

func newConnectorsTestCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "test <connector-guid>",
		Short: "Test stored credentials against the remote storage system",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(f)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			store := vault.New(filepath.Join(cfg.StateDir, "vault"))
			creds, err := store.Get(args[0])
			if err != nil {
				return err
			}
			if creds == nil {
				fmt.Println(red("✗"), "no credentials held for", args[0])
				os.Exit(exitPrecondition)
			}
			meta, _ := store.GetMetadata(args[0])

			adapter, err := adapterFor(cmd.Context(), meta["type"], creds)
			if err != nil {
				return err
			}
			ok, msg := adapter.TestConnection(cmd.Context())
			if !ok {
				fmt.Println(red("✗"), msg)
				os.Exit(exitConnection)
			}
			fmt.Println(green("✓"), msg)
			return nil
		},
	}
}

func adapterFor(ctx context.Context, connectorType string, creds map[string]string) (storage.Adapter, error) {
	switch connectorType {
	case "s3":
		return storage.NewS3(ctx, storage.S3CredsFromMap(creds), creds["bucket"])
	case "gcs":
		return storage.NewGCS(ctx, storage.GCSCredsFromMap(creds), creds["bucket"])
	case "smb":
		return storage.NewSMB(storage.SMBCredsFromMap(creds)), nil
	}
	return nil, fmt.Errorf("unknown connector type %q (want s3, gcs, or smb)", connectorType)
}

func newConnectorsRemoveCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <connector-guid>",
		Short: "Remove stored credentials for a connector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(f)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			store := vault.New(filepath.Join(cfg.StateDir, "vault"))
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Println(green("✓"), "credentials removed for", args[0])

			state, err := config.LoadState(cfg.StateDir)
			if err == nil && state.Registered() {
				api := client.New(cfg.ServerURL, state.APIKey, logger)
				if _, err := api.ReportConnectorCapability(cmd.Context(), args[0], false); err != nil {
					fmt.Println(yellow("!"), "capability report failed:", err)
				}
			}
			return nil
		},
	}
}

func newConnectorsShowCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <connector-guid>",
		Short: "Show metadata for stored credentials (never the secrets)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(f)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			store := vault.New(filepath.Join(cfg.StateDir, "vault"))
			meta, err := store.GetMetadata(args[0])
			if err != nil {
				return err
			}
			if meta == nil {
				fmt.Println(red("✗"), "no credentials held for", args[0])
				os.Exit(exitPrecondition)
			}
			fmt.Println("connector:", args[0])
			keys := make([]string, 0, len(meta))
			for k := range meta {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("  %s: %s\n", k, meta[k])
			}
			return nil
		},
	}
}

// ─── update ──────────────────────────────────────────────────────────────────

func newUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Check for a newer agent build",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("shuttersense-agent %s (%s/%s)\n", version, runtime.GOOS, runtime.GOARCH)
			fmt.Println("this build has no self-update channel; upgrade through your package manager or the release archive")
			return nil
		},
	}
}

// ─── wiring helpers ──────────────────────────────────────────────────────────

// setup loads configuration and builds the logger, applying flag overrides.
func setup(f *flags) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, nil, err
	}
	if f.serverURL != "" {
		cfg.ServerURL = f.serverURL
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, logger, nil
}

// setupRegistered is setup plus a registered identity and an authenticated
// client; it exits with the precondition code when the agent never registered.
func setupRegistered(f *flags) (*config.Config, *zap.Logger, *client.Client, *vault.Store, error) {
	cfg, logger, err := setup(f)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	state, err := config.LoadState(cfg.StateDir)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if !state.Registered() {
		fmt.Println(red("not registered"), "— run `shuttersense-agent register --token <token>` first")
		os.Exit(exitPrecondition)
	}
	api := client.New(cfg.ServerURL, state.APIKey, logger)
	store := vault.New(filepath.Join(cfg.StateDir, "vault"))
	return cfg, logger, api, store, nil
}

func registerRequest(cfg *config.Config, token string) types.RegisterRequest {
	return types.RegisterRequest{
		Name:         cfg.Name,
		Token:        token,
		Platform:     runtime.GOOS + "/" + runtime.GOARCH,
		Checksum:     commit,
		Capabilities: tools.NewRegistry().Capabilities(),
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}
