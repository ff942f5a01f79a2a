package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/releaseplane/engine/internal/app"
	"github.com/releaseplane/engine/internal/lock"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := database.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}
	defer rdb.Close()

	store, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer closeStore()

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
	client := asynq.NewClient(redisOpt)
	defer client.Close()

	engine := app.New(app.Options{
		Config:    cfg,
		Store:     store,
		Publisher: tasks.NewPublisher(client),
		Mutex:     lock.NewRedisMutex(rdb, "engine:target:", cfg.TargetMutexTTL),
	})

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues:      map[string]int{tasks.QueueEvents: 1},
	})
	mux := asynq.NewServeMux()
	tasks.NewEventTaskHandler(engine.Controller).Register(mux)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		logger.L().Info("asynq worker starting", zap.Int("concurrency", cfg.AsynqConcurrency))
		if err := srv.Start(mux); err != nil {
			return err
		}
		<-gctx.Done()
		logger.L().Info("shutdown signal received")
		srv.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.L().Error("worker stopped with error", zap.Error(err))
	}
}
