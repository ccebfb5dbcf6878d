// Iris supervises long-lived agent child processes for configured teams:
// it routes tell/wake/sleep calls, persists conversation sessions, and
// serves the dashboard plus the agent-facing MCP endpoints from one HTTP
// listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/iris-hq/iris/internal/cache"
	"github.com/iris-hq/iris/internal/claude"
	"github.com/iris-hq/iris/internal/common/config"
	"github.com/iris-hq/iris/internal/common/logger"
	"github.com/iris-hq/iris/internal/db"
	"github.com/iris-hq/iris/internal/events"
	"github.com/iris-hq/iris/internal/fork"
	"github.com/iris-hq/iris/internal/gateway"
	gwws "github.com/iris-hq/iris/internal/gateway/websocket"
	"github.com/iris-hq/iris/internal/mcpserver"
	"github.com/iris-hq/iris/internal/orchestrator"
	"github.com/iris-hq/iris/internal/permissions"
	"github.com/iris-hq/iris/internal/pool"
	"github.com/iris-hq/iris/internal/session"
	"github.com/iris-hq/iris/internal/teams"
	"github.com/iris-hq/iris/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults to ./, ~/.iris/, /etc/iris/)")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	log.Info("starting iris",
		zap.Int("port", cfg.Server.Port),
		zap.String("teams_config", cfg.Teams.ConfigPath),
		zap.String("database", cfg.Database.Dialect))

	registry, err := teams.Load(cfg.Teams.ConfigPath)
	if err != nil {
		log.Fatal("failed to load team registry", zap.Error(err))
	}
	log.Info("team registry loaded", zap.Strings("teams", registry.Names()))

	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to connect event bus", zap.Error(err))
	}
	defer func() { _ = closeBus() }()

	dbPool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer func() { _ = dbPool.Close() }()

	store, err := session.NewStore(dbPool)
	if err != nil {
		log.Fatal("failed to init session store", zap.Error(err))
	}
	sessions := session.NewManager(store, log)

	// Crash hygiene: no child survived the previous supervisor, so no row
	// may claim a live process state.
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := sessions.ResetProcessStates(bootCtx); err != nil {
		bootCancel()
		log.Fatal("failed to reset process states", zap.Error(err))
	}
	bootCancel()

	caches := cache.NewRegistry()
	builder := claude.NewBuilder(cfg.Server.Port)

	procPool := pool.New(pool.Options{
		MaxProcesses:        cfg.Pool.MaxProcesses,
		SessionInitTimeout:  cfg.Pool.SessionInitTimeoutDuration(),
		GracefulTimeout:     cfg.Pool.GracefulTimeoutDuration(),
		HealthCheckInterval: cfg.Pool.HealthCheckIntervalDuration(),
		Recorder:            sessions,
	}, registry, builder, caches, eventBus, log)
	procPool.Start()
	defer procPool.Stop()

	orch := orchestrator.New(orchestrator.Options{
		DefaultTellTimeout: cfg.Tell.DefaultTimeoutDuration(),
		WakeParallelism:    int64(cfg.Tell.WakeParallelism),
	}, registry, sessions, procPool, caches, log)

	broker := permissions.NewBroker(cfg.Permissions.RequestTimeoutDuration(), eventBus, log)
	forks := fork.NewManager(registry, sessions, builder, cfg.Pool.GracefulTimeoutDuration(), log)

	mcpSrv := mcpserver.New(orch, broker, registry, log)

	hub := gwws.NewHub(caches, log)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	go hub.Run(hubCtx)

	bridge := gateway.NewBridge(eventBus, hub, log)
	if err := bridge.Start(); err != nil {
		log.Fatal("failed to start event bridge", zap.Error(err))
	}
	defer bridge.Stop()

	gw := gateway.New(orch, broker, forks, hub, mcpSrv.GinHandler(), log)
	router := gw.Router(cfg.Logging.Level == "debug")

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening",
			zap.String("addr", server.Addr),
			zap.String("api", "/api/v1"),
			zap.String("websocket", "/ws"),
			zap.String("mcp", "/mcp/:sessionId"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down iris")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	forks.CloseAll(shutdownCtx)
	if err := procPool.TerminateAll(shutdownCtx); err != nil {
		log.Error("pool terminate error", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("iris stopped")
}
