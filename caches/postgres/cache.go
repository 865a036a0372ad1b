package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"io"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	checkpointcams "github.com/dgduncan/go-checkpoint-cams"
	"github.com/dgduncan/go-checkpoint-cams/caches"
)

var (
	// ErrPingFailed is returned if the initial ping to the database returns an error
	ErrPingFailed = errors.New("ping returned error")
)

var (
	//go:embed create_table.sql
	queryCreateTable string
	//go:embed delete_expired.sql
	queryDeleteExpired string
	//go:embed delete_expired_key.sql
	queryDeleteExpiredKey string
	//go:embed fetch_by_key.sql
	queryFetchByKey string
	//go:embed fetch_stored_at.sql
	queryFetchStoredAt string
	//go:embed upsert_item.sql
	queryUpsertItem string
	//go:embed delete_item.sql
	queryDeleteItem string
	//go:embed delete_all.sql
	queryDeleteAll string
)

// Config defines the configuration options for the PostgreSQL cache implementation.
type Config struct {
	// TTL is how long an item stays visible after it was set.
	TTL time.Duration

	// DeleteExpiredItems enables automatic cleanup of expired cache entries
	// through a background task.
	DeleteExpiredItems bool

	// ExpiredTaskTimer defines the interval at which the cleanup task runs.
	// Shorter durations may impact database performance.
	ExpiredTaskTimer time.Duration

	Logger *slog.Logger
}

// Cache implements the checkpointcams.Cache interface using PostgreSQL as the
// storage backend, letting several bot replicas share one upstream poll.
// Values are gob encoded.
type Cache struct {
	db *sql.DB

	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

var _ checkpointcams.Cache = (*Cache)(nil)

// Get retrieves a value from PostgreSQL by its key. An expired row is removed
// and reported as checkpointcams.ErrNotFound.
func (p *Cache) Get(ctx context.Context, k string) (any, error) {
	now := p.now().UTC()

	var value []byte
	err := p.db.QueryRowContext(ctx, queryFetchByKey, k, now).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		if _, delErr := p.db.ExecContext(ctx, queryDeleteExpiredKey, k, now); delErr != nil {
			p.logger.WarnContext(ctx, "error deleting expired item", "key", k, "error", delErr)
		}
		return nil, checkpointcams.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return caches.Decode(value)
}

// Set upserts v under k and resets its timestamp.
func (p *Cache) Set(ctx context.Context, k string, v any) error {
	b, err := caches.Encode(v)
	if err != nil {
		return err
	}

	now := p.now().UTC()
	_, err = p.db.ExecContext(ctx, queryUpsertItem, k, b, now, now.Add(p.ttl))
	return err
}

func (p *Cache) Invalidate(ctx context.Context, k string) error {
	_, err := p.db.ExecContext(ctx, queryDeleteItem, k)
	return err
}

func (p *Cache) Clear(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, queryDeleteAll)
	return err
}

func (p *Cache) LastUpdated(ctx context.Context, k string) (time.Time, error) {
	var storedAt time.Time
	err := p.db.QueryRowContext(ctx, queryFetchStoredAt, k, p.now().UTC()).Scan(&storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, checkpointcams.ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return storedAt, nil
}

func createTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, queryCreateTable)
	return err
}

func (p *Cache) deleteExpiredItems(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, queryDeleteExpired, p.now().UTC())
	return err
}

func (p *Cache) expiredTask(ctx context.Context, interval time.Duration) {
	t := time.NewTimer(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.DebugContext(ctx, "expired item task stopped")
			return
		case <-t.C:
			if err := p.deleteExpiredItems(ctx); err != nil {
				p.logger.WarnContext(ctx, "error deleting expired items", "error", err)
			}
			_ = t.Reset(interval)
		}
	}
}

// New creates a new PostgreSQL cache instance with the provided configuration.
// It verifies the database connection, creates the necessary table structure, and
// optionally starts the cleanup task for expired items, which runs until ctx is done.
//
// Returns an error if:
// - The database handle is nil
// - The database connection test fails
// - Table creation fails
func New(ctx context.Context, db *sql.DB, config *Config) (*Cache, error) {
	if db == nil {
		return nil, caches.ValidationError{Reason: "nil db"}
	}
	if config == nil {
		config = &Config{}
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(ErrPingFailed, err)
	}

	if err := createTable(ctx, db); err != nil {
		return nil, err
	}

	ttl := config.TTL
	if ttl <= 0 {
		ttl = caches.DefaultTTL
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Cache{
		db:     db,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}

	if config.DeleteExpiredItems {
		interval := config.ExpiredTaskTimer
		if interval <= 0 {
			interval = caches.DefaultExpiredTaskTimer
		}
		go c.expiredTask(ctx, interval)
	}

	return c, nil
}
