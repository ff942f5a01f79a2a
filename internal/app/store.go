package app

import (
	"context"

	"go.uber.org/zap"

	"github.com/releaseplane/engine/internal/repository"
	"github.com/releaseplane/engine/internal/repository/memory"
	"github.com/releaseplane/engine/pkg/config"
	"github.com/releaseplane/engine/pkg/database"
	"github.com/releaseplane/engine/pkg/logger"
)

// OpenStore opens the store selected by STORE_DRIVER. The postgres schema is
// migrated before the store is returned.
func OpenStore(ctx context.Context, cfg *config.Config) (repository.Store, func(), error) {
	if cfg.StoreDriver == "memory" {
		logger.L().Warn("using in-memory store; state is lost on exit")
		return memory.New(), func() {}, nil
	}
	db, err := database.OpenPostgres(ctx, cfg.DatabaseURL, database.Options{Verbose: cfg.AppEnv == "development"})
	if err != nil {
		return nil, nil, err
	}
	if err := repository.Migrate(ctx, db); err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if sqlDB, err := db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				logger.L().Warn("close database", zap.Error(err))
			}
		}
	}
	return repository.NewStore(db), closeFn, nil
}
