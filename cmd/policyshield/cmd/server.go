package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/policyshield/policyshield/internal/adapter/inbound/http"
	"github.com/policyshield/policyshield/internal/adapter/outbound/memory"
	"github.com/policyshield/policyshield/internal/adapter/outbound/notify"
	tracestore "github.com/policyshield/policyshield/internal/adapter/outbound/trace"
	"github.com/policyshield/policyshield/internal/config"
	"github.com/policyshield/policyshield/internal/domain/approval"
	"github.com/policyshield/policyshield/internal/domain/auth"
	"github.com/policyshield/policyshield/internal/domain/trace"
	"github.com/policyshield/policyshield/internal/service"
	"github.com/policyshield/policyshield/internal/telemetry"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the policy enforcement sidecar",
	Long: `Run the PolicyShield sidecar.

The server loads a YAML rules file and answers decision requests on a local
HTTP API. The agent harness calls POST /api/v1/check before each tool call
and POST /api/v1/post-check on each result.

Examples:
  # Enforce rules.yaml on the default port
  policyshield server --rules rules.yaml

  # Audit-only mode with hot reload and a JSONL trace
  policyshield server --rules rules.yaml --mode audit --watch --trace traces.jsonl

  # Explicit config file
  policyshield --config /etc/policyshield/policyshield.yaml server`,
	RunE: runServer,
}

func init() {
	registerServerFlags(serverCmd)
	rootCmd.AddCommand(serverCmd)
}

// registerServerFlags defines the server flags. Split out so tests can build
// a throwaway command with the same flag set.
func registerServerFlags(cmd *cobra.Command) {
	cmd.Flags().String("rules", "", "path to the rules YAML file")
	cmd.Flags().Int("port", 8100, "listen port")
	cmd.Flags().String("host", "127.0.0.1", "listen host")
	cmd.Flags().String("mode", "", "operating mode: enforce, audit or disabled")
	cmd.Flags().String("trace", "", "JSONL trace file path")
	cmd.Flags().Bool("watch", false, "reload rules when the file changes")
}

// applyFlagOverrides copies explicitly set CLI flags over the loaded config.
// Precedence: flags > environment > config file > defaults.
func applyFlagOverrides(cfg *config.Config, cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("rules") {
		cfg.Rules.Path, _ = flags.GetString("rules")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("mode") {
		cfg.Mode, _ = flags.GetString("mode")
	}
	if flags.Changed("trace") {
		cfg.Trace.Path, _ = flags.GetString("trace")
	}
	if flags.Changed("watch") {
		cfg.Rules.Watch, _ = flags.GetBool("watch")
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load without validation so CLI flags can land first.
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlagOverrides(cfg, cmd)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	return run(ctx, cfg, logger)
}

// run wires all components together and blocks until shutdown.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	verifier, err := auth.NewVerifier(cfg.Auth.Token, cfg.Auth.TokenHash)
	if err != nil {
		return fmt.Errorf("failed to configure auth: %w", err)
	}
	if !verifier.Enabled() {
		logger.Warn("no API token configured, the API accepts unauthenticated requests")
	}

	rulesets, err := service.NewRulesetService(cfg.Rules.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	snap := rulesets.Snapshot()
	logger.Info("rules loaded",
		"path", cfg.Rules.Path,
		"shield", snap.Rules.ShieldName,
		"rules", len(snap.Rules.Rules),
		"hash", snap.Rules.Hash,
	)

	if cfg.Rules.Watch {
		watcher := service.NewWatcher(rulesets, logger)
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start rules watcher: %w", err)
		}
		defer watcher.Stop()
	}

	sessions := memory.NewSessionStoreWithConfig(
		config.Duration(cfg.Session.TTL, memory.DefaultSessionTTL),
		cfg.Session.RingCapacity,
		memory.DefaultCleanupInterval,
	)
	sessions.StartCleanup(ctx)
	defer sessions.Stop()

	approvalOpts := []approval.Option{
		approval.WithMaxAge(config.Duration(cfg.Approval.MaxAge, time.Hour)),
		approval.WithLogger(logger),
	}
	if cfg.Telegram.Enabled() {
		approvalOpts = append(approvalOpts, approval.WithNotifier(
			notify.NewTelegramNotifier(notify.TelegramConfig{
				Token:  cfg.Telegram.Token,
				ChatID: cfg.Telegram.ChatID,
			}),
		))
		logger.Info("telegram approval notifications enabled", "chat_id", cfg.Telegram.ChatID)
	}
	approvals := approval.NewManager(approvalOpts...)
	approvals.StartCleanup(ctx)
	defer approvals.Stop()

	recorder, err := buildRecorder(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to configure trace recorder: %w", err)
	}
	defer func() { _ = recorder.Close() }()

	otelProvider, err := telemetry.New(telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Metrics:     cfg.Telemetry.Metrics,
		ServiceName: "policyshield",
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to configure telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	engine := service.NewEngine(rulesets, sessions, approvals, recorder, logger,
		service.WithMode(service.Mode(cfg.Mode)),
		service.WithFailMode(service.FailMode(cfg.FailMode)),
		service.WithMaxResultBytes(cfg.PostCheck.MaxResultBytes),
	)

	srv := httpapi.NewServer(engine, rulesets, sessions, approvals,
		httpapi.WithAddr(cfg.Server.Addr()),
		httpapi.WithVerifier(verifier),
		httpapi.WithLogger(logger),
		httpapi.WithTelemetry(otelProvider),
		httpapi.WithReadTimeout(config.Duration(cfg.Server.ReadTimeout, 10*time.Second)),
		httpapi.WithWriteTimeout(config.Duration(cfg.Server.WriteTimeout, 30*time.Second)),
		httpapi.WithShutdownTimeout(config.Duration(cfg.Server.ShutdownTimeout, 10*time.Second)),
	)

	logger.Info("policyshield starting",
		"version", Version,
		"addr", cfg.Server.Addr(),
		"mode", cfg.Mode,
		"fail_mode", cfg.FailMode,
		"shield", snap.Rules.ShieldName,
		"rules", len(snap.Rules.Rules),
		"watch", cfg.Rules.Watch,
		"auth", verifier.Enabled(),
	)
	printBanner(Version, cfg.Server.Addr(), cfg.Mode, snap.Rules.ShieldName, len(snap.Rules.Rules), verifier.Enabled())

	if err := srv.Start(ctx); err != nil {
		return err
	}

	logger.Info("policyshield stopped")
	return nil
}

// buildRecorder assembles the trace pipeline from config: JSONL file,
// SQLite, both fanned out, or a no-op when tracing is off.
func buildRecorder(cfg *config.Config, logger *slog.Logger) (trace.Recorder, error) {
	var sinks []trace.Recorder

	if cfg.Trace.Path != "" {
		fr, err := tracestore.NewFileRecorder(tracestore.FileConfig{
			Path:          cfg.Trace.Path,
			FlushInterval: config.Duration(cfg.Trace.FlushInterval, tracestore.DefaultFlushInterval),
			MaxBuffered:   cfg.Trace.BufferSize,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		sinks = append(sinks, fr)
		logger.Info("trace sink enabled", "kind", "jsonl", "path", cfg.Trace.Path)
	}

	if cfg.Trace.DBPath != "" {
		sr, err := tracestore.NewSQLiteRecorder(cfg.Trace.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("open trace database: %w", err)
		}
		sinks = append(sinks, sr)
		logger.Info("trace sink enabled", "kind", "sqlite", "path", cfg.Trace.DBPath)
	}

	switch len(sinks) {
	case 0:
		return tracestore.Nop{}, nil
	case 1:
		return sinks[0], nil
	default:
		return tracestore.NewFanout(sinks...), nil
	}
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printBanner prints a formatted startup banner to stderr with version,
// address, mode, and rule counts.
func printBanner(version, addr, mode, shield string, ruleCount int, authOn bool) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	apiURL := fmt.Sprintf("http://%s/api/v1", addr)

	modeStr := green + mode + reset
	if mode != "enforce" {
		modeStr = yellow + mode + reset
	}

	authStr := green + "bearer token" + reset
	if !authOn {
		authStr = yellow + "open" + reset + dim + " (no token)" + reset
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%s PolicyShield %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-10s %s\n", "API:", apiURL)
	fmt.Fprintf(os.Stderr, "  %-10s %s\n", "Mode:", modeStr)
	fmt.Fprintf(os.Stderr, "  %-10s %s\n", "Auth:", authStr)
	fmt.Fprintf(os.Stderr, "  %-10s %s\n", "Shield:", shield)
	fmt.Fprintf(os.Stderr, "  %-10s %d active\n", "Rules:", ruleCount)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}
