package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
	"github.com/xkilldash9x/emulate-cli/internal/config"
)

// Open returns the report store selected by storage.backend. dir is used by
// the file backend when storage.dir is unset. The returned func releases the
// store's resources and is never nil.
func Open(ctx context.Context, cfg config.Interface, dir string, logger *zap.Logger) (schemas.ReportStore, func(), error) {
	storage := cfg.Storage()
	switch storage.Backend {
	case "", "file":
		if storage.Dir != "" {
			dir = storage.Dir
		}
		fs, err := NewFileStore(dir, logger)
		if err != nil {
			return nil, func() {}, err
		}
		return fs, func() {}, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database().URL)
		if err != nil {
			return nil, func() {}, fmt.Errorf("failed to create database pool: %w", err)
		}
		s, err := New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, func() {}, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, func() {}, err
		}
		return s, pool.Close, nil

	default:
		return nil, func() {}, fmt.Errorf("unknown storage backend %q", storage.Backend)
	}
}
