package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	_ "github.com/lib/pq"

	checkpointcams "github.com/dgduncan/go-checkpoint-cams"
	"github.com/dgduncan/go-checkpoint-cams/caches/dynamodb"
	"github.com/dgduncan/go-checkpoint-cams/caches/local"
	"github.com/dgduncan/go-checkpoint-cams/caches/postgres"
)

// newCache builds the configured backend. The returned close func releases
// any connection it opened.
func newCache(ctx context.Context, cfg appConfig, logger *slog.Logger) (checkpointcams.Cache, func(), error) {
	switch cfg.Backend {
	case backendPostgres:
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		c, err := postgres.New(ctx, db, &postgres.Config{
			TTL:                cfg.cacheTTL(),
			DeleteExpiredItems: true,
			Logger:             logger,
		})
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return c, func() { db.Close() }, nil

	case backendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Dynamo.Region))
		if err != nil {
			return nil, nil, fmt.Errorf("loading aws config: %w", err)
		}
		client := awsdynamodb.NewFromConfig(awsCfg, func(o *awsdynamodb.Options) {
			if cfg.Dynamo.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Dynamo.Endpoint)
			}
		})
		if cfg.Dynamo.CreateTable {
			created, err := dynamodb.EnsureTable(ctx, client, cfg.Dynamo.Table, true)
			if err != nil {
				return nil, nil, err
			}
			if created {
				logger.InfoContext(ctx, "created dynamodb cache table", "table", cfg.Dynamo.Table)
			}
		}
		c, err := dynamodb.New(ctx, client, &dynamodb.Config{
			Table:              cfg.Dynamo.Table,
			TTL:                cfg.cacheTTL(),
			DeleteExpiredItems: true,
			Logger:             logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, func() {}, nil

	default:
		c := local.NewBasicCache(cfg.cacheTTL(), logger)
		c.StartJanitor(ctx, 0)
		return c, func() {}, nil
	}
}
