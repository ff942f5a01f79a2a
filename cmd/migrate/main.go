package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/releaseplane/engine/internal/repository"
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

	if cfg.StoreDriver != "postgres" {
		log.Fatal("migrations need STORE_DRIVER=postgres", zap.String("store", cfg.StoreDriver))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := database.OpenPostgres(ctx, cfg.DatabaseURL, database.Options{Verbose: true})
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}

	if err := repository.Migrate(ctx, db); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}

	fmt.Fprintf(os.Stdout, "migrations completed (%d tables)\n", len(repository.Models()))
}
