// Package main is the entry point for the orchestration server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orchestratord/internal/adapter"
	"github.com/kandev/orchestratord/internal/config"
	"github.com/kandev/orchestratord/internal/engine"
	"github.com/kandev/orchestratord/internal/eventbus"
	"github.com/kandev/orchestratord/internal/httpapi"
	"github.com/kandev/orchestratord/internal/logging"
	"github.com/kandev/orchestratord/internal/preview"
	"github.com/kandev/orchestratord/internal/repository"
	"github.com/kandev/orchestratord/internal/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logging.SetDefault(log)

	log.Info("starting orchestration server")

	// 3. Open the store
	pool, err := openPool(cfg)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	st, err := store.Open(pool)
	if err != nil {
		log.Fatal("failed to initialize schema", zap.Error(err))
	}
	defer st.Close()
	log.Info("store ready", zap.String("driver", cfg.Database.Driver))

	// 4. Build the repository, event hub, and preview supervisor
	repo := repository.New(st)
	hub := eventbus.New(repo, log)

	if cfg.Events.NatsURL != "" {
		mirror, err := eventbus.NewNatsMirror(cfg.Events.NatsURL, cfg.Events.Namespace, log)
		if err != nil {
			log.Error("failed to connect nats mirror; continuing without it", zap.Error(err))
		} else {
			hub.SetMirror(mirror)
			defer mirror.Close()
			log.Info("nats event mirror active", zap.String("url", cfg.Events.NatsURL))
		}
	}

	prev := preview.New(repo, hub, log, preview.Config{
		RingBufferLines: cfg.Preview.RingBufferLines,
		ConnectTimeout:  time.Duration(cfg.Preview.ConnectTimeoutMs) * time.Millisecond,
		ReadyTimeout:    time.Duration(cfg.Preview.ReadyTimeoutMs) * time.Millisecond,
		PollInterval:    time.Duration(cfg.Preview.PollIntervalMs) * time.Millisecond,
		StopGrace:       time.Duration(cfg.Preview.StopGraceMs) * time.Millisecond,
	})

	// 5. Select the agent adapter
	ad := selectAdapter(cfg, log)
	log.Info("adapter selected", zap.String("kind", ad.Kind()))

	// 6. Build the run engine and HTTP surface
	eng := engine.New(repo, hub, prev, ad, log, 0, cfg.Adapter.WorkDir)
	handler := httpapi.New(repo, hub, eng, prev, ad, cfg.Adapter.AllowMockRuns, log)
	router := httpapi.NewRouter(handler, log)

	// 7. Create the HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 8. Start server in goroutine
	go func() {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 9. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down orchestration server")

	// 10. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	log.Info("orchestration server stopped")
}

func openPool(cfg *config.Config) (*store.Pool, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return store.OpenPostgresPool(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
	default:
		return store.OpenSQLitePool(cfg.Database.Path)
	}
}

func selectAdapter(cfg *config.Config, log *logging.Logger) adapter.AgentAdapter {
	if cfg.Adapter.BaseURL == "" {
		return adapter.NewMockAdapter()
	}
	return adapter.NewLiveAdapter(cfg.Adapter.BaseURL, cfg.Adapter.SharedSecret, &http.Client{}, log)
}
