package checkpointcams

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("cache item not found")
)

// Well-known cache keys. All cached values derive from the same upstream poll.
const (
	KeyAllImages        = "all_images"
	KeyCheckpointImages = "checkpoint_images"
)

// Cache stores arbitrary values under a single cache-wide TTL. Expired entries
// are logically absent: Get and LastUpdated return ErrNotFound for them.
type Cache interface {
	Get(ctx context.Context, k string) (any, error)
	Set(ctx context.Context, k string, v any) error
	Invalidate(ctx context.Context, k string) error
	Clear(ctx context.Context) error
	LastUpdated(ctx context.Context, k string) (time.Time, error)
}
