package local

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	checkpointcams "github.com/dgduncan/go-checkpoint-cams"
	"github.com/dgduncan/go-checkpoint-cams/caches"
)

// CacheEntry is the value stored for a single key.
type CacheEntry struct {
	Value    any
	StoredAt time.Time
}

// BasicCache is an in-process TTL cache guarded by a single mutex. Expired
// entries are removed on the read that finds them.
type BasicCache struct {
	cache map[string]CacheEntry
	ttl   time.Duration

	now    func() time.Time
	logger *slog.Logger

	lock sync.Mutex
}

var _ checkpointcams.Cache = (*BasicCache)(nil)

// Get returns the value for key if it was set less than ttl ago.
func (bc *BasicCache) Get(ctx context.Context, key string) (any, error) {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	entry, found := bc.cache[key]
	if !found {
		return nil, checkpointcams.ErrNotFound
	}

	if bc.expired(entry) {
		bc.logger.DebugContext(ctx, "cache item expired", "key", key)
		delete(bc.cache, key)
		return nil, checkpointcams.ErrNotFound
	}

	bc.logger.DebugContext(ctx, "cache hit", "key", key)
	return entry.Value, nil
}

// Set stores v under key and resets its timestamp.
func (bc *BasicCache) Set(ctx context.Context, key string, v any) error {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	bc.cache[key] = CacheEntry{Value: v, StoredAt: bc.now()}
	bc.logger.DebugContext(ctx, "cache set", "key", key)

	return nil
}

func (bc *BasicCache) Invalidate(ctx context.Context, key string) error {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	delete(bc.cache, key)
	bc.logger.DebugContext(ctx, "cache invalidated", "key", key)

	return nil
}

func (bc *BasicCache) Clear(ctx context.Context) error {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	clear(bc.cache)
	bc.logger.DebugContext(ctx, "cache cleared")

	return nil
}

// LastUpdated reports when key was last set. It never changes expiry.
func (bc *BasicCache) LastUpdated(_ context.Context, key string) (time.Time, error) {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	entry, found := bc.cache[key]
	if !found || bc.expired(entry) {
		return time.Time{}, checkpointcams.ErrNotFound
	}

	return entry.StoredAt, nil
}

// Len returns the number of physically stored entries, expired ones included.
func (bc *BasicCache) Len() int {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	return len(bc.cache)
}

// StartJanitor removes expired entries every interval until ctx is done.
// Lazy eviction in Get keeps reads correct without it.
func (bc *BasicCache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = caches.DefaultExpiredTaskTimer
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				bc.deleteExpired(ctx)
			}
		}
	}()
}

func (bc *BasicCache) deleteExpired(ctx context.Context) {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	for k, entry := range bc.cache {
		if bc.expired(entry) {
			delete(bc.cache, k)
			bc.logger.DebugContext(ctx, "cache item swept", "key", k)
		}
	}
}

func (bc *BasicCache) expired(entry CacheEntry) bool {
	return bc.now().Sub(entry.StoredAt) >= bc.ttl
}

// NewBasicCache creates a cache whose entries live for ttl. A non-positive ttl
// uses caches.DefaultTTL and a nil logger discards output.
func NewBasicCache(ttl time.Duration, logger *slog.Logger) *BasicCache {
	return NewBasicCacheWithTimeFunc(ttl, time.Now, logger)
}

// NewBasicCacheWithTimeFunc is NewBasicCache with an injectable clock.
func NewBasicCacheWithTimeFunc(ttl time.Duration, now func() time.Time, logger *slog.Logger) *BasicCache {
	if ttl <= 0 {
		ttl = caches.DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &BasicCache{
		cache:  make(map[string]CacheEntry),
		ttl:    ttl,
		now:    now,
		logger: logger,
	}
}
