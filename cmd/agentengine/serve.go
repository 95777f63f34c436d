package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Strob0t/agentengine/internal/adapter/a2a"
	"github.com/Strob0t/agentengine/internal/adapter/chat"
	aehttp "github.com/Strob0t/agentengine/internal/adapter/http"
	"github.com/Strob0t/agentengine/internal/adapter/litellm"
	"github.com/Strob0t/agentengine/internal/adapter/lua"
	"github.com/Strob0t/agentengine/internal/adapter/mcp"
	aenats "github.com/Strob0t/agentengine/internal/adapter/nats"
	"github.com/Strob0t/agentengine/internal/adapter/natskv"
	"github.com/Strob0t/agentengine/internal/adapter/opa"
	aeotel "github.com/Strob0t/agentengine/internal/adapter/otel"
	"github.com/Strob0t/agentengine/internal/adapter/ristretto"
	"github.com/Strob0t/agentengine/internal/adapter/tiered"
	"github.com/Strob0t/agentengine/internal/adapter/workspace"
	"github.com/Strob0t/agentengine/internal/adapter/ws"
	"github.com/Strob0t/agentengine/internal/domain/budget"
	"github.com/Strob0t/agentengine/internal/domain/hook"
	"github.com/Strob0t/agentengine/internal/middleware"
	"github.com/Strob0t/agentengine/internal/pool"
	"github.com/Strob0t/agentengine/internal/port/action"
	"github.com/Strob0t/agentengine/internal/port/cache"
	"github.com/Strob0t/agentengine/internal/port/messagequeue"
	"github.com/Strob0t/agentengine/internal/port/notifier"
	"github.com/Strob0t/agentengine/internal/resilience"
	"github.com/Strob0t/agentengine/internal/service"
)

const (
	auditBuffer   = 1024
	l1Expire      = 5 * time.Minute
	shutdownGrace = 15 * time.Second
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, closer, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	defer closer.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"store", cfg.Store.Driver,
		"log_level", cfg.Logging.Level,
		"recovery_mode", cfg.Engine.RecoveryMode,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// --- Observability ---

	shutdownOTEL, err := aeotel.Setup(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		if err := shutdownOTEL(context.Background()); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := aeotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	store, closeStore, err := openStore(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer closeStore()

	var nq *aenats.Queue
	var queue messagequeue.Queue
	if cfg.NATS.URL != "" {
		nq, err = aenats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = nq.Close() }()
		queue = nq
		slog.Info("nats connected", "url", cfg.NATS.URL)
	}

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer l1.Close()
	var l2 cache.Cache
	if nq != nil && cfg.Cache.L2Bucket != "" {
		kv, err := nq.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
		if err != nil {
			slog.Warn("shared cache unavailable, using in-process cache only", "bucket", cfg.Cache.L2Bucket, "error", err)
		} else {
			l2 = natskv.New(kv)
		}
	}
	execCache := tiered.New(l1, l2, l1Expire)

	// --- Oracles ---

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	breaker.OnChange(func(from, to resilience.BreakerState) {
		slog.Warn("oracle circuit breaker", "from", from, "to", to)
	})
	llm := litellm.NewClient(cfg.LiteLLM.URL, cfg.LiteLLM.MasterKey, cfg.LiteLLM.PlannerModel, cfg.LiteLLM.Timeout)
	llm.SetModels(cfg.LiteLLM.PlannerModel, cfg.LiteLLM.JudgeModel)
	llm.SetBreaker(breaker)
	llm.SetRetry(cfg.Retry.Attempts, cfg.Retry.Backoff)

	rules, err := opa.NewEngine(ctx, cfg.Hooks.ProtectedBranches)
	if err != nil {
		return fmt.Errorf("policy engine: %w", err)
	}

	// --- Actions ---

	files := workspace.NewFiles(cfg.Workspace.Root)
	var executor action.Executor
	if queue != nil {
		dispatcher := service.NewActionDispatcher(queue)
		if err := dispatcher.Start(ctx); err != nil {
			return fmt.Errorf("action dispatcher: %w", err)
		}
		defer dispatcher.Stop()
		executor = dispatcher
	} else {
		slog.Warn("nats not configured, executing file actions in-process", "workspace", cfg.Workspace.Root)
		executor = workspace.NewExecutor(files)
	}

	// --- Notifications and dashboards ---

	origins := aehttp.SplitOrigins(cfg.Server.CORSOrigin)
	hub := ws.NewHub(origins...)
	defer hub.Close()

	sinks := []notifier.Notifier{ws.NewNotifier(hub)}
	if nq != nil {
		sinks = append(sinks, aenats.NewNotifier(nq))
	}
	if cfg.Notify.SlackWebhook != "" {
		sinks = append(sinks, chat.NewNotifier(chat.FormatSlack, cfg.Notify.SlackWebhook))
	}
	if cfg.Notify.DiscordWebhook != "" {
		sinks = append(sinks, chat.NewNotifier(chat.FormatDiscord, cfg.Notify.DiscordWebhook))
	}
	notify := service.NewNotificationFanout(cfg.Notify.MinLevel, sinks...)

	// --- Services ---

	auditLog := service.NewAuditLogger(store, auditBuffer)
	defer auditLog.Close()

	registry := service.NewHookRegistry(store)
	fileHooks, err := hook.LoadFromDirectory(cfg.Hooks.Dir)
	if err != nil {
		return fmt.Errorf("hooks: %w", err)
	}
	builtins := hook.Builtins(cfg.Hooks.LargeFileBytes)
	if err := registry.Load(ctx, builtins, fileHooks); err != nil {
		return fmt.Errorf("hooks: %w", err)
	}
	slog.Info("hooks loaded", "builtin", len(builtins), "file", len(fileHooks), "effective", len(registry.List("")))

	pipeline := service.NewHookPipeline(registry, service.HookPipelineDeps{
		Rules:    rules,
		Judge:    llm,
		Rewriter: llm,
		Scripts:  lua.NewRunner(cfg.Hooks.ScriptsDir, notify),
		Notifier: notify,
		Audit:    auditLog,
		Metrics:  metrics,
	})

	budgetGate := service.NewBudgetGate(store, budget.Rates{
		InputPer1K:  cfg.Budget.InputPer1K,
		OutputPer1K: cfg.Budget.OutputPer1K,
	}, cfg.Budget.DefaultDaily, cfg.Budget.DefaultMonthly)
	budgetGate.SetBroadcaster(hub)

	workers := pool.New(cfg.Engine.RecoveryWorkers)
	checkpoints := service.NewCheckpointService(store, store, files, workers, cfg.Engine.AutoCheckpointRetention)

	streams := service.NewStreamHub(cfg.Engine.StreamBuffer)
	defer streams.Close()
	events := service.NewEventPublisher(queue, streams, hub)
	if err := events.Start(ctx); err != nil {
		return fmt.Errorf("event publisher: %w", err)
	}
	defer events.Stop()

	engine := service.NewEngine(cfg.Engine, service.EngineDeps{
		Store:       store,
		Planner:     llm,
		Executor:    executor,
		Classifier:  rules,
		Hooks:       pipeline,
		Checkpoints: checkpoints,
		Budget:      budgetGate,
		Audit:       auditLog,
		Events:      events,
		Cache:       execCache,
		Metrics:     metrics,
	})
	replays := service.NewReplayService(engine, auditLog)

	report, err := service.NewRecovery(store, engine, cfg.Engine.RecoveryMode, cfg.Engine.RecoveryWorkers).Run(ctx)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	slog.Info("recovery finished",
		"resumed", report.Resumed,
		"failed", report.Failed,
		"parked", report.Parked,
		"errors", report.Errors,
	)

	// --- MCP ---

	var mcpServer *mcp.Server
	if cfg.MCP.Enabled {
		mcpServer = mcp.NewServer(mcp.ServerConfig{
			Addr:    cfg.MCP.Addr,
			Name:    "agentengine",
			Version: version,
			APIKey:  cfg.MCP.APIKey,
		}, mcp.ServerDeps{
			Executions: engine,
			Replay:     replays,
			Audit:      auditLog,
			Hooks:      registry,
			Budget:     budgetGate,
		})
		if err := mcpServer.Start(); err != nil {
			return fmt.Errorf("mcp: %w", err)
		}
	}

	// --- HTTP ---

	health := []aehttp.HealthCheck{{Name: "store", Check: store.Ping}}
	if nq != nil {
		health = append(health, aehttp.HealthCheck{Name: "nats", Check: func(context.Context) error {
			if !nq.IsConnected() {
				return errors.New("disconnected")
			}
			return nil
		}})
	}

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	limiter.StartCleanup(ctx, cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)

	serviceName := ""
	if cfg.OTEL.Enabled {
		serviceName = cfg.OTEL.ServiceName
	}
	r := aehttp.NewRouter(aehttp.RouterConfig{
		CORSOrigin:  cfg.Server.CORSOrigin,
		APIKey:      cfg.Server.APIKey,
		ServiceName: serviceName,
		RateLimiter: limiter,
		Idempotency: execCache,
		A2A:         a2a.NewHandler(cfg.Server.BaseURL, version, engine),
	}, &aehttp.Handlers{
		Executions:   engine,
		Replay:       replays,
		Hooks:        registry,
		HookTest:     pipeline,
		Audit:        auditLog,
		Budget:       budgetGate,
		Stream:       ws.NewStream(engine, streams, origins...),
		HealthChecks: health,
		BreakerState: breaker.State,
		Version:      version,
	})
	// Dashboard feed for budget warnings and hook notifications.
	r.Get("/ws", hub.HandleWS)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: /stream keeps its connection open.
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	serveErr := make(chan error, 1)

	go func() {
		slog.Info("starting server", "addr", addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-done:
	case err := <-serveErr:
		slog.Error("server failed", "error", err)
	case <-ctx.Done():
	}
	slog.Info("shutting down", "running_executions", engine.Running())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if mcpServer != nil {
		if err := mcpServer.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("mcp: %w", err))
		}
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	if nq != nil {
		if err := nq.Drain(); err != nil {
			slog.Warn("nats drain", "error", err)
		}
	}
	return errors.Join(errs...)
}
