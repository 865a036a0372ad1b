package checkpointcams

import (
	"time"

	"github.com/dgduncan/go-checkpoint-cams/caches"
)

const (
	// DefaultAPIURL is the transit authority's traffic image endpoint.
	DefaultAPIURL = "http://datamall2.mytransport.sg/ltaodataservice/Traffic-Imagesv2"

	DefaultRequestTimeout = 10 * time.Second
)

// DefaultLocation is the zone timestamps are rendered in (UTC+8).
var DefaultLocation = time.FixedZone("SGT", 8*60*60)

type Config struct {
	// APIURL is the upstream camera list endpoint.
	APIURL string

	// APIKey is sent as the AccountKey header on metadata requests.
	APIKey string

	// CacheTTL is the cache-wide expiry used when a backend is built from
	// this configuration.
	CacheTTL time.Duration

	// RequestTimeout bounds every outbound request, retries included.
	RequestTimeout time.Duration

	// Retry controls the retrying transport. nil means DefaultRetryPolicy.
	Retry *RetryPolicy

	// TimestampLocation is the zone freshness timestamps are formatted in.
	TimestampLocation *time.Location
}

// RetryPolicy bounds how often and how quickly a failed request is retried.
type RetryPolicy struct {
	MaxRetries int           // eg. 2 means up to 3 attempts
	BaseDelay  time.Duration // delay before the first retry, doubled per attempt
	MaxDelay   time.Duration // cap on a single delay
}

// DefaultRetryPolicy returns a policy with sensible defaults
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  250 * time.Millisecond,
		MaxDelay:   2 * time.Second,
	}
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	retry := DefaultRetryPolicy()
	return Config{
		APIURL:            DefaultAPIURL,
		CacheTTL:          caches.DefaultTTL,
		RequestTimeout:    DefaultRequestTimeout,
		Retry:             &retry,
		TimestampLocation: DefaultLocation,
	}
}

// withDefaults fills every zero field from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.APIURL == "" {
		c.APIURL = d.APIURL
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.Retry == nil {
		c.Retry = d.Retry
	}
	if c.TimestampLocation == nil {
		c.TimestampLocation = d.TimestampLocation
	}
	return c
}
