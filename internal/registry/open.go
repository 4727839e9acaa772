package registry

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/GeminiLight/OverLink/internal/config"
)

// Open builds the configured store. The returned close function releases
// any database pool and is safe to call for the file backend.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, func(), error) {
	switch cfg.Registry.Backend {
	case config.RegistryPostgres:
		pool, err := pgxpool.New(ctx, cfg.Registry.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		store, err := NewPostgresStore(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	default:
		return NewFileStore(cfg.Paths.RegistryFile, logger), func() {}, nil
	}
}
