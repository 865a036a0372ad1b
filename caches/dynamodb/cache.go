package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	checkpointcams "github.com/dgduncan/go-checkpoint-cams"
	"github.com/dgduncan/go-checkpoint-cams/caches"
)

const (
	defaultTableWait = 2 * time.Minute

	attrKey       = "cache_key"
	attrExpiredAt = "expired_at"

	// batchWriteLimit is the maximum number of requests in one BatchWriteItem call.
	batchWriteLimit  = 25
	maxBatchAttempts = 3
)

// API is the subset of *dynamodb.Client the cache uses.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

// Config defines the configuration options for the DynamoDB cache implementation.
type Config struct {
	DeleteExpiredItems bool // Controls if the expired_at TTL property is put in the database to allow automatic deletion of expired items

	TTL    time.Duration // How long an item stays visible after it was set
	Table  string
	Logger *slog.Logger
}

// Cache implements the checkpointcams.Cache interface using Amazon DynamoDB as
// the storage backend. Values are gob encoded.
type Cache struct {
	client API

	table         string
	ttl           time.Duration
	writeExpireAt bool
	now           func() time.Time
	logger        *slog.Logger
}

var _ checkpointcams.Cache = (*Cache)(nil)

type cacheItem struct {
	Key       string `json:"cache_key" dynamodbav:"cache_key"`
	Value     []byte `json:"value" dynamodbav:"value"`
	StoredAt  int64  `json:"stored_at" dynamodbav:"stored_at"` // unix nanoseconds
	ExpiredAt int64  `json:"expired_at,omitempty" dynamodbav:"expired_at,omitempty"`
}

func (c *Cache) keyOf(k string) (map[string]types.AttributeValue, error) {
	key, err := attributevalue.Marshal(k)
	if err != nil {
		return nil, err
	}
	return map[string]types.AttributeValue{attrKey: key}, nil
}

// fetch returns the stored item for k, or ErrNotFound if it is missing or
// expired. Expired items are deleted.
func (c *Cache) fetch(ctx context.Context, k string, evict bool) (*cacheItem, error) {
	key, err := c.keyOf(k)
	if err != nil {
		return nil, err
	}

	output, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		Key:            key,
		ConsistentRead: aws.Bool(true),
		TableName:      aws.String(c.table),
	})
	if err != nil {
		return nil, err
	}

	if output.Item == nil {
		return nil, checkpointcams.ErrNotFound
	}

	var item cacheItem
	if err := attributevalue.UnmarshalMap(output.Item, &item); err != nil {
		return nil, err
	}

	if c.now().Sub(time.Unix(0, item.StoredAt)) >= c.ttl {
		if evict {
			if delErr := c.Invalidate(ctx, k); delErr != nil {
				c.logger.WarnContext(ctx, "error deleting expired item", "key", k, "error", delErr)
			}
		}
		return nil, errors.Join(checkpointcams.ErrNotFound, caches.ErrCacheItemExpired)
	}

	return &item, nil
}

// Get retrieves a value from DynamoDB by its key.
func (c *Cache) Get(ctx context.Context, k string) (any, error) {
	item, err := c.fetch(ctx, k, true)
	if err != nil {
		return nil, err
	}
	return caches.Decode(item.Value)
}

// Set stores v under k with the current time as its timestamp.
func (c *Cache) Set(ctx context.Context, k string, v any) error {
	storedAt := c.now()

	enc, err := caches.Encode(v)
	if err != nil {
		return err
	}

	i := cacheItem{
		Key:      k,
		Value:    enc,
		StoredAt: storedAt.UnixNano(),
	}
	if c.writeExpireAt {
		i.ExpiredAt = storedAt.Add(c.ttl).Unix()
	}

	av, err := attributevalue.MarshalMap(i)
	if err != nil {
		return err
	}

	_, err = c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item:      av,
	})
	return err
}

func (c *Cache) Invalidate(ctx context.Context, k string) error {
	key, err := c.keyOf(k)
	if err != nil {
		return err
	}

	_, err = c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.table),
		Key:       key,
	})
	return err
}

// Clear deletes every item in the table.
func (c *Cache) Clear(ctx context.Context) error {
	var startKey map[string]types.AttributeValue

	for {
		out, err := c.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(c.table),
			ProjectionExpression: aws.String(attrKey),
			ExclusiveStartKey:    startKey,
			ConsistentRead:       aws.Bool(true),
		})
		if err != nil {
			return err
		}

		for start := 0; start < len(out.Items); start += batchWriteLimit {
			end := min(start+batchWriteLimit, len(out.Items))
			if err := c.deleteBatch(ctx, out.Items[start:end]); err != nil {
				return err
			}
		}

		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (c *Cache) deleteBatch(ctx context.Context, keys []map[string]types.AttributeValue) error {
	requests := make([]types.WriteRequest, 0, len(keys))
	for _, k := range keys {
		requests = append(requests, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{Key: k},
		})
	}

	pending := map[string][]types.WriteRequest{c.table: requests}
	for attempt := 0; attempt < maxBatchAttempts; attempt++ {
		out, err := c.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return err
		}
		if len(out.UnprocessedItems[c.table]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems
	}

	return fmt.Errorf("%d delete requests left unprocessed", len(pending[c.table]))
}

// LastUpdated reports when k was set. It does not delete expired items.
func (c *Cache) LastUpdated(ctx context.Context, k string) (time.Time, error) {
	item, err := c.fetch(ctx, k, false)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, item.StoredAt), nil
}

// New creates a new DynamoDB cache instance with the provided configuration.
// It validates the configuration and sets default values where appropriate.
// Returns an error if the client is nil or if the configuration is invalid.
func New(_ context.Context, client API, config *Config) (*Cache, error) {
	if client == nil {
		return nil, caches.ValidationError{
			Reason: "nil client",
		}
	}
	if config == nil || config.Table == "" {
		return nil, caches.ValidationError{
			Reason: "missing table",
		}
	}

	ttl := config.TTL
	if ttl <= 0 {
		ttl = caches.DefaultTTL
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Cache{
		client: client,

		table:         config.Table,
		ttl:           ttl,
		writeExpireAt: config.DeleteExpiredItems,
		now:           time.Now,
		logger:        logger,
	}, nil
}
