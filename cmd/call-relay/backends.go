package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"

	"github.com/carenet/call-relay/internal/config"
	"github.com/carenet/call-relay/internal/httpserver"
	"github.com/carenet/call-relay/internal/presence"
	"github.com/carenet/call-relay/internal/store"
	"github.com/carenet/call-relay/internal/store/sqlstore"
)

// backends holds the external dependencies selected by configuration.
type backends struct {
	Store  store.Store
	Mirror presence.Mirror

	redis  *redis.Client
	mirror *presence.RedisMirror
}

func openBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backends, error) {
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	b := &backends{Store: st}

	if cfg.RedisEnabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		mirror := presence.NewRedisMirror(client, cfg.PresenceTTL)

		pctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		defer cancel()
		if err := mirror.Ping(pctx); err != nil {
			_ = client.Close()
			_ = st.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		b.Mirror = mirror
		b.mirror = mirror
		b.redis = client
		logger.Info("presence mirror enabled", "redis_addr", cfg.RedisAddr, "ttl", cfg.PresenceTTL)
	}
	return b, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	var dialect sqlstore.Dialect
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		return store.NewMemory(), nil
	case config.StoreDriverPostgres:
		dialect = sqlstore.DialectPostgres
	case config.StoreDriverSQLite:
		dialect = sqlstore.DialectSQLite
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}

	octx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()
	st, err := sqlstore.Open(octx, dialect, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Checks returns a readiness check for every configured backend.
func (b *backends) Checks() []httpserver.Check {
	checks := []httpserver.Check{{Name: "store", Ping: b.Store.Ping}}
	if b.mirror != nil {
		checks = append(checks, httpserver.Check{Name: "redis", Ping: b.mirror.Ping})
	}
	return checks
}

func (b *backends) Close() error {
	var errs []error
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	errs = append(errs, b.Store.Close())
	return errors.Join(errs...)
}
