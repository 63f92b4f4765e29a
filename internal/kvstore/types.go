package kvstore

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a store after Close.
var ErrClosed = errors.New("kvstore: closed")

// Store is a durable string key/value map. Get reports ok=false for a
// missing key; Delete of a missing key is not an error.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
