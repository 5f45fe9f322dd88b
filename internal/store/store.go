// Package store provides the durable key-value backends that hold active
// session records.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("store: not found")

// KV is a durable string store. Set and Delete must not return until the
// write is durable.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Pruner is implemented by stores that can drop entries last written before
// a cutoff.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int, error)
}
