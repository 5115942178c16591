// Package main is the entry point for the coderelay session server.
// A single binary hosts the operator HTTP API, the subscriber WebSocket
// endpoint, and the session actors with their sandbox controller.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/httpmw"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/common/tracing"
	"github.com/coderelay/coderelay/internal/db"
	"github.com/coderelay/coderelay/internal/events"
	gateway "github.com/coderelay/coderelay/internal/gateway/websocket"
	"github.com/coderelay/coderelay/internal/session/actor"
	"github.com/coderelay/coderelay/internal/session/artifacts"
	"github.com/coderelay/coderelay/internal/session/handlers"
	"github.com/coderelay/coderelay/internal/session/sandbox"
	"github.com/coderelay/coderelay/internal/session/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting coderelay...", zap.String("workspace", cfg.Workspace.ID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Error("Tracing shutdown error", zap.Error(err))
		}
	}()

	// Storage: Postgres when a DSN is configured, embedded SQLite otherwise.
	var pool *db.Pool
	if cfg.Database.PostgresDSN != "" {
		log.Info("Connecting to Postgres...")
		pool, err = db.OpenPostgresPool(cfg.Database.PostgresDSN, cfg.Database.MaxConns, cfg.Database.MinConns)
	} else {
		log.Info("Opening SQLite database", zap.String("path", cfg.Database.Path))
		pool, err = db.OpenSQLitePool(cfg.Database.Path)
	}
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()

	st, err := store.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}

	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() {
		if err := closeBus(); err != nil {
			log.Error("Event bus close error", zap.Error(err))
		}
	}()

	sandboxClient := sandbox.NewClient(
		cfg.Sandbox.BaseURL,
		cfg.Sandbox.APISecret,
		cfg.Sandbox.CommandTimeoutDuration(),
		cfg.Sandbox.CommandRetries,
		log,
	)
	controller := sandbox.NewController(
		st,
		sandboxClient,
		eventBus,
		cfg.Sandbox.StartRetries,
		cfg.Sandbox.HeartbeatThresholdDuration(),
		log,
	)

	registry := actor.NewRegistry(st, eventBus, controller, sandboxClient, cfg, log)
	defer registry.Close()

	files, err := artifacts.NewStorage(cfg.Artifacts.Dir, cfg.Artifacts.BaseURL)
	if err != nil {
		log.Fatal("Failed to initialize artifact storage", zap.Error(err))
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "coderelay"))
	router.Use(httpmw.OtelTracing("coderelay"))

	handlers.RegisterRoutes(router, registry, st, files, cfg, log)

	hub := gateway.NewHub(log)
	wsHandler := gateway.NewHandler(hub, registry, cfg, log)
	router.GET("/ws/sessions/:id", wsHandler.HandleConnection)

	broadcaster := gateway.RegisterSessionStreamNotifications(ctx, eventBus, hub, log)
	defer broadcaster.Close()

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		controller.Run(gctx, cfg.Sandbox.HeartbeatThresholdDuration()/3)
		return nil
	})

	g.Go(func() error {
		log.Info("Server listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/ws/sessions/:id"),
			zap.String("operator", "/internal"),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			log.Info("Shutting down...", zap.String("signal", sig.String()))
		case <-gctx.Done():
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
		os.Exit(1)
	}

	log.Info("coderelay stopped")
}
