package kvstore

import (
	"context"
	"strings"
)

// NewStore picks a backend from the store URL:
//
//	""                          in-memory (nothing survives a restart)
//	postgres://, postgresql://  PostgreSQL
//	redis://, rediss://         Redis
//	sqlite://path or a path     SQLite file
func NewStore(ctx context.Context, storeURL string) (Store, error) {
	storeURL = strings.TrimSpace(storeURL)
	switch {
	case storeURL == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(storeURL, "postgres://"), strings.HasPrefix(storeURL, "postgresql://"):
		return NewPostgresStore(ctx, storeURL)
	case strings.HasPrefix(storeURL, "redis://"), strings.HasPrefix(storeURL, "rediss://"):
		return NewRedisStoreFromURL(ctx, storeURL)
	default:
		return NewSQLiteStore(ctx, strings.TrimPrefix(storeURL, "sqlite://"))
	}
}
