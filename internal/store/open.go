package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Driver        string
	Path          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
	// ReadOnly opens existing state for inspection without creating or migrating it.
	ReadOnly bool
}

// Open builds the Store selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		if cfg.ReadOnly {
			return OpenSQLiteReadOnly(cfg.Path)
		}
		return OpenSQLite(cfg.Path)
	case "badger":
		if cfg.ReadOnly {
			return OpenBadgerReadOnly(cfg.Path)
		}
		return OpenBadger(cfg.Path)
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
		s := NewRedis(rdb, cfg.KeyPrefix)
		s.owned = true
		return s, nil
	case "memory":
		if cfg.ReadOnly {
			return nil, ErrNotPersistent
		}
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
