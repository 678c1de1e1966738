package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/piefi/oracle/internal/apperr"
	"github.com/piefi/oracle/internal/audit"
	"github.com/piefi/oracle/internal/bus"
	"github.com/piefi/oracle/internal/config"
	"github.com/piefi/oracle/internal/cron"
	"github.com/piefi/oracle/internal/engine"
	"github.com/piefi/oracle/internal/gateway"
	"github.com/piefi/oracle/internal/notify"
	"github.com/piefi/oracle/internal/oracle"
	otelPkg "github.com/piefi/oracle/internal/otel"
	"github.com/piefi/oracle/internal/persistence"
	"github.com/piefi/oracle/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the oracle HTTP API",
		Long: `Start the HTTP API, the realtime hub and the housekeeping scheduler.

On an interactive terminal logs go only to <home>/logs/system.jsonl unless
--verbose is set; otherwise they are also written to stdout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "also log to stdout on a terminal")
	return cmd
}

func runServe(cmd *cobra.Command, verbose bool) error {
	ctx, cancelRun := context.WithCancel(cmd.Context())
	defer cancelRun()
	interactive := isTerminal(cmd.OutOrStdout())

	cfg, err := loadConfig(cmd)
	if err != nil {
		return startupFailure(ctx, nil, "E_CONFIG_LOAD", err)
	}

	// Audit comes up before the logger so logger failures are audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		return startupFailure(ctx, nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive && !verbose)
	if err != nil {
		return startupFailure(ctx, nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())
	if cfg.NeedsGenesis {
		logger.Warn("no config.yaml found; running with defaults", "path", config.ConfigPath(cfg.HomeDir))
	}
	if !cfg.Auth.Enabled {
		logger.Warn("auth is disabled; callers are anonymous and keyed by IP")
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return startupFailure(ctx, logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return startupFailure(ctx, logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.DatabasePath(), eventBus)
	if err != nil {
		return startupFailure(ctx, logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DatabasePath())

	reporter := apperr.NewReporter(store, eventBus, logger)

	completer := newCompleter(ctx, cfg, logger, otelProvider, metrics)
	svc := oracle.NewService(store, completer, logger,
		oracle.WithTracer(otelProvider.Tracer),
		oracle.WithMetrics(metrics),
		oracle.WithReporter(reporter),
		oracle.WithPublisher(eventBus),
		oracle.WithTemperature(cfg.LLM.Temperature),
		oracle.WithSystemPrompt(cfg.SystemPrompt),
	)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; ORACLE.md edits need a restart", "error", err)
	} else {
		go reloadPrompts(watcher.Events(), svc, cfg.HomeDir, logger)
	}

	hub := notify.NewHub(cfg.CORS.AllowedOrigins, logger)
	hubDone := hub.Attach(ctx, eventBus)

	tg, err := notify.NewTelegramNotifier(cfg.Telegram, logger)
	if err != nil {
		logger.Warn("telegram notifier disabled", "error", err)
		tg, _ = notify.NewTelegramNotifier(config.TelegramConfig{}, logger)
	}
	tgDone := tg.Attach(ctx, eventBus)

	limiter := newLimiter(cfg.RateLimit, store)
	sched, err := cron.NewScheduler(cron.Config{
		Evictor:  limiter,
		Retainer: store,
		Policy: persistence.RetentionPolicy{
			OracleLogDays: cfg.Retention.OracleLogsDays,
			ErrorLogDays:  cfg.Retention.ErrorLogsDays,
			AuditLogDays:  cfg.Retention.AuditLogDays,
		},
		RetentionSchedule: cfg.Retention.Schedule,
		Logger:            logger,
	})
	if err != nil {
		return startupFailure(ctx, logger, "E_CRON_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	gw := gateway.New(gateway.Config{
		Oracle:            svc,
		Store:             store,
		Hub:               hub,
		Auth:              cfg.Auth,
		CORS:              cfg.CORS,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		Limiter:           limiter,
		Reporter:          reporter,
		Logger:            logger,
		Tracer:            otelProvider.Tracer,
		Metrics:           metrics,
		ConfigFingerprint: cfg.Fingerprint(),
		Version:           Version,
	})
	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		return startupFailure(ctx, logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if interactive {
		printReport(cmd.OutOrStdout(), true, "PieFi Oracle "+Version, []row{
			{"listening", "http://" + ln.Addr().String()},
			{"provider", cfg.LLM.Provider},
			{"database", cfg.DatabasePath()},
			{"rate limit", rateLimitLabel(cfg.RateLimit)},
			{"auth", enabledLabel(cfg.Auth.Enabled)},
			{"telegram", enabledLabel(tg.Enabled())},
		})
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	drain := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if drain <= 0 {
		drain = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("drain timeout elapsed; closing remaining connections", "error", err)
		_ = server.Close()
	}
	cancelRun()
	<-hubDone
	<-tgDone
	logger.Info("shutdown complete")
	return nil
}

// newCompleter builds the genkit provider behind the retry policy from cfg.
func newCompleter(ctx context.Context, cfg config.Config, logger *slog.Logger, p *otelPkg.Provider, m *otelPkg.Metrics) engine.Completer {
	model := cfg.LLM.Model
	if model == "" {
		model = engine.DefaultModel(cfg.LLM.Provider)
	}
	gk := engine.NewGenkitCompleter(ctx, engine.GenkitConfig{
		Provider:       cfg.LLM.Provider,
		Model:          model,
		APIKey:         cfg.ProviderAPIKey(cfg.LLM.Provider),
		BaseURL:        cfg.ProviderBaseURL(cfg.LLM.Provider),
		CompatibleName: cfg.LLM.CompatibleName,
	}, logger)
	if !gk.Enabled() {
		logger.Warn("no API key for provider; oracle requests will fail until one is configured", "provider", cfg.LLM.Provider)
	}
	policy := engine.RetryPolicy{
		MaxAttempts:       cfg.LLM.MaxAttempts,
		BaseDelay:         time.Duration(cfg.LLM.BackoffBaseMS) * time.Millisecond,
		MaxDelay:          time.Duration(cfg.LLM.BackoffCapMS) * time.Millisecond,
		PerAttemptTimeout: time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
	}
	return engine.NewRetryCompleter(gk, policy, logger,
		engine.WithRetryTracer(p.Tracer),
		engine.WithRetryMetrics(m),
		engine.WithModelLabel(engine.ModelName(cfg.LLM.Provider, model)),
	)
}

// newLimiter returns nil when rate limiting is disabled.
func newLimiter(cfg config.RateLimitConfig, store *persistence.Store) gateway.Limiter {
	if !cfg.Enabled {
		return nil
	}
	window := time.Duration(cfg.WindowSeconds) * time.Second
	if cfg.Backend == "store" {
		return gateway.NewStoreLimiter(store, cfg.Max, window)
	}
	return gateway.NewFixedWindowLimiter(cfg.Max, window)
}

type promptSetter interface {
	SetSystemPrompt(p string)
}

// reloadPrompts applies ORACLE.md edits until events closes. Other config
// changes only take effect on restart.
func reloadPrompts(events <-chan config.ReloadEvent, svc promptSetter, homeDir string, logger *slog.Logger) {
	for ev := range events {
		if !ev.IsPrompt() {
			logger.Warn("config.yaml changed; restart to apply", "path", ev.Path)
			continue
		}
		p := config.ReadPrompt(homeDir)
		svc.SetSystemPrompt(p)
		logger.Info("system prompt reloaded", "chars", len(p), "default", p == "")
	}
}

func rateLimitLabel(c config.RateLimitConfig) string {
	if !c.Enabled {
		return "off"
	}
	return fmt.Sprintf("%d per %ds (%s)", c.Max, c.WindowSeconds, c.Backend)
}

func enabledLabel(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// startupFailure records a structured fatal event with a reason code and
// returns the error for cobra to report.
func startupFailure(ctx context.Context, logger *slog.Logger, reasonCode string, err error) error {
	audit.Record(ctx, "fatal", "runtime.startup", reasonCode+": "+err.Error(), "")
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", err)
	} else {
		fmt.Fprintf(os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, err.Error())
	}
	return fmt.Errorf("%s: %w", reasonCode, err)
}
