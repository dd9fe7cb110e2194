package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/crosslink/internal/postgres"
	"github.com/ramiqadoumi/crosslink/internal/queue"
	redisstore "github.com/ramiqadoumi/crosslink/internal/redis"
	"github.com/ramiqadoumi/crosslink/internal/sqlite"
	"github.com/ramiqadoumi/crosslink/pkg/retry"
	"github.com/ramiqadoumi/crosslink/services/crosslink/config"
)

// connectRetry covers backends that start alongside the service.
var connectRetry = retry.Config{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond}

var errUnknownBackend = errors.New("unknown store_backend")

// openStore connects the configured task store, retrying while the backend
// comes up.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (queue.Store, error) {
	rc := connectRetry
	rc.Retryable = func(err error) bool { return !errors.Is(err, errUnknownBackend) }
	rc.OnRetry = func(attempt int, err error) {
		logger.Warn("task store not reachable, retrying",
			slog.String("backend", cfg.StoreBackend),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	var store queue.Store
	err := retry.Do(ctx, rc, func() error {
		s, err := dialStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		store = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("task store ready", slog.String("backend", cfg.StoreBackend))
	return store, nil
}

func dialStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (queue.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return queue.NewMemoryStore(), nil

	case config.BackendSQLite, "":
		return sqlite.Open(ctx, sqlite.Config{Path: cfg.SQLitePath, Logger: logger})

	case config.BackendPostgres:
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		pool, err := postgres.NewPool(pingCtx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return postgres.NewRepository(pool), nil

	case config.BackendRedis:
		store := redisstore.NewTaskStore(redisstore.NewClient(cfg.RedisAddr))
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil

	default:
		return nil, fmt.Errorf("%w %q", errUnknownBackend, cfg.StoreBackend)
	}
}
