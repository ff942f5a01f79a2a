package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/releaseplane/engine/internal/api/handlers"
	"github.com/releaseplane/engine/internal/app"
	"github.com/releaseplane/engine/internal/queue/tasks"
	"github.com/releaseplane/engine/pkg/config"
	"github.com/releaseplane/engine/pkg/database"
	"github.com/releaseplane/engine/pkg/logger"
)

func main() {
	cfg := config.MustLoad()

	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	log.Info("starting release engine api",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.HTTPAddr),
		zap.String("store", cfg.StoreDriver),
		zap.String("event_bus", cfg.EventBus),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer closeStore()

	opts := app.Options{Config: cfg, Store: store}
	if cfg.EventBus == "asynq" {
		rdb, err := database.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			log.Fatal("redis connection failed", zap.Error(err))
		}
		defer rdb.Close()
		client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer client.Close()
		opts.Publisher = tasks.NewPublisher(client)
		opts.Checks = map[string]handlers.Check{
			"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		}
	}
	if len(cfg.JWTSecret) == 0 {
		log.Warn("JWT_SECRET not set, bearer tokens are ignored")
	}

	engine := app.New(opts)

	errCh := make(chan error, 2)
	// Without a queue the api process reconciles its own events.
	if engine.Bus != nil {
		go func() {
			if err := engine.Run(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	} else {
		log.Info("server exited gracefully")
	}
}
