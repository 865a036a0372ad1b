package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	checkpointcams "github.com/dgduncan/go-checkpoint-cams"
	"github.com/dgduncan/go-checkpoint-cams/caches"
)

const envPrefix = "CHECKPOINTCAMS"

const (
	backendMemory   = "memory"
	backendPostgres = "postgres"
	backendDynamoDB = "dynamodb"
)

type appConfig struct {
	Client      checkpointcams.Config
	Checkpoints []checkpointcams.Checkpoint

	Backend     string
	PostgresDSN string
	Dynamo      dynamoConfig

	MetricsAddr string
	LogLevel    slog.Level
}

type dynamoConfig struct {
	Table       string
	Region      string
	Endpoint    string
	CreateTable bool
}

type checkpointEntry struct {
	Name     string  `mapstructure:"name"`
	CameraID string  `mapstructure:"camera_id"`
	Lat      float64 `mapstructure:"lat"`
	Lon      float64 `mapstructure:"lon"`
}

// loadConfig reads CHECKPOINTCAMS_* environment variables and, when path is
// set, a config file. Environment wins over the file.
func loadConfig(v *viper.Viper, path string) (appConfig, error) {
	v.SetDefault("api_url", checkpointcams.DefaultAPIURL)
	v.SetDefault("api_key", "")
	v.SetDefault("cache.backend", backendMemory)
	v.SetDefault("cache.ttl", caches.DefaultTTL)
	v.SetDefault("request_timeout", checkpointcams.DefaultRequestTimeout)
	v.SetDefault("retry.max", checkpointcams.DefaultRetryPolicy().MaxRetries)
	v.SetDefault("retry.base_delay", checkpointcams.DefaultRetryPolicy().BaseDelay)
	v.SetDefault("retry.max_delay", checkpointcams.DefaultRetryPolicy().MaxDelay)
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("dynamodb.table", "checkpoint_cache")
	v.SetDefault("dynamodb.region", "ap-southeast-1")
	v.SetDefault("dynamodb.endpoint", "")
	v.SetDefault("dynamodb.create_table", true)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return appConfig{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	apiKey := v.GetString("api_key")
	if apiKey == "" {
		return appConfig{}, errors.New(envPrefix + "_API_KEY is required")
	}

	retry := checkpointcams.RetryPolicy{
		MaxRetries: v.GetInt("retry.max"),
		BaseDelay:  v.GetDuration("retry.base_delay"),
		MaxDelay:   v.GetDuration("retry.max_delay"),
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log_level"))); err != nil {
		return appConfig{}, fmt.Errorf("log_level: %w", err)
	}

	cfg := appConfig{
		Client: checkpointcams.Config{
			APIURL:            v.GetString("api_url"),
			APIKey:            apiKey,
			CacheTTL:          v.GetDuration("cache.ttl"),
			RequestTimeout:    v.GetDuration("request_timeout"),
			Retry:             &retry,
			TimestampLocation: checkpointcams.DefaultLocation,
		},
		Backend:     strings.ToLower(v.GetString("cache.backend")),
		PostgresDSN: v.GetString("postgres.dsn"),
		Dynamo: dynamoConfig{
			Table:       v.GetString("dynamodb.table"),
			Region:      v.GetString("dynamodb.region"),
			Endpoint:    v.GetString("dynamodb.endpoint"),
			CreateTable: v.GetBool("dynamodb.create_table"),
		},
		MetricsAddr: v.GetString("metrics_addr"),
		LogLevel:    level,
	}

	switch cfg.Backend {
	case backendMemory, backendDynamoDB:
	case backendPostgres:
		if cfg.PostgresDSN == "" {
			return appConfig{}, errors.New("postgres backend needs postgres.dsn")
		}
	default:
		return appConfig{}, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}

	var entries []checkpointEntry
	if err := v.UnmarshalKey("checkpoints", &entries); err != nil {
		return appConfig{}, fmt.Errorf("checkpoints: %w", err)
	}
	for _, e := range entries {
		cfg.Checkpoints = append(cfg.Checkpoints, checkpointcams.Checkpoint{
			Name:       e.Name,
			CameraID:   e.CameraID,
			Coordinate: checkpointcams.Coordinate{Lat: e.Lat, Lon: e.Lon},
		})
	}

	return cfg, nil
}

// registry returns the configured checkpoints, or the defaults when none are
// configured.
func (c appConfig) registry() (*checkpointcams.Registry, error) {
	if len(c.Checkpoints) == 0 {
		return checkpointcams.DefaultRegistry(), nil
	}
	return checkpointcams.NewRegistry(c.Checkpoints...)
}

func (c appConfig) cacheTTL() time.Duration {
	if c.Client.CacheTTL <= 0 {
		return caches.DefaultTTL
	}
	return c.Client.CacheTTL
}
