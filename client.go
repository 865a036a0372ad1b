package checkpointcams

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/dgduncan/go-checkpoint-cams/metrics"
)

const (
	headerAccountKey = "AccountKey"
	headerAccept     = "accept"

	// maxImageBytes caps a single image download. Larger bodies fail with
	// ErrImageTooLarge.
	maxImageBytes = 10 << 20

	endpointMetadata = "metadata"
	endpointImage    = "image"

	logSampleIDs = 10
)

// CameraRecord is one camera entry from the upstream list.
type CameraRecord struct {
	CameraID   string `json:"CameraID"`
	ImageURL   string `json:"ImageLink"`
	CapturedAt string `json:"Timestamp"`
}

type cameraListResponse struct {
	Value []CameraRecord `json:"value"`
}

func init() {
	// External cache backends gob-encode cached values.
	gob.Register([]CameraRecord(nil))
	gob.Register(map[string]CameraRecord(nil))
}

// Client fetches camera metadata and images from the upstream API, caching
// the camera list and the per-checkpoint view of it.
type Client struct {
	cache    Cache
	registry *Registry
	http     *http.Client
	logger   *slog.Logger
	metrics  *metrics.Metrics

	c Config
}

type ClientOption func(*Client)

// WithHTTPClient replaces the default client. Its Timeout is left untouched.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient creates a Client backed by cache for the checkpoints in registry.
//
// If 'opts' is nil, DefaultConfig is used; zero fields of a non-nil config
// fall back to their defaults. If the 'logger' is nil, a no-op logger writing
// to io.Discard will be used. Unless WithHTTPClient is given, requests go
// through a RetryTransport and are bounded by Config.RequestTimeout.
func NewClient(cache Cache, registry *Registry, opts *Config, logger *slog.Logger, options ...ClientOption) (*Client, error) {
	if cache == nil {
		return nil, errors.New("nil cache")
	}
	if registry == nil {
		return nil, errors.New("nil registry")
	}

	c := Config{}
	if opts == nil {
		c = DefaultConfig()
	} else {
		c = opts.withDefaults()
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	client := &Client{
		cache:    cache,
		registry: registry,
		logger:   logger,
		c:        c,
		http: &http.Client{
			Timeout:   c.RequestTimeout,
			Transport: NewRetryTransport(*c.Retry, logger)(http.DefaultTransport),
		},
	}
	for _, o := range options {
		o(client)
	}

	return client, nil
}

// Registry returns the checkpoints this client filters for.
func (c *Client) Registry() *Registry {
	return c.registry
}

// FetchAllCameraRecords returns the full upstream camera list. On any upstream
// failure it returns an empty list and caches nothing; an empty result means
// the list is unavailable, not that no cameras exist. The slice is a copy and
// may be modified by the caller.
func (c *Client) FetchAllCameraRecords(ctx context.Context) []CameraRecord {
	records, _ := c.fetchAll(ctx)
	return slices.Clone(records)
}

// fetchAll is FetchAllCameraRecords that also reports the upstream cause of a
// degraded (empty) result.
func (c *Client) fetchAll(ctx context.Context) ([]CameraRecord, error) {
	if v, ok := c.cached(ctx, KeyAllImages); ok {
		if records, ok := v.([]CameraRecord); ok {
			c.logger.InfoContext(ctx, "returning cached traffic images")
			return records, nil
		}
		c.logger.WarnContext(ctx, "unexpected cached value type", "key", KeyAllImages, "type", fmt.Sprintf("%T", v))
	}

	c.logger.InfoContext(ctx, "fetching traffic images", "url", c.c.APIURL)

	start := time.Now()
	records, err := c.requestCameraList(ctx)
	c.metrics.ObserveUpstream(endpointMetadata, start, err)
	if err != nil {
		c.logger.ErrorContext(ctx, "error fetching traffic images", "url", c.c.APIURL, "error", err)
		return []CameraRecord{}, err
	}

	c.logger.InfoContext(ctx, "received traffic images", "count", len(records))
	c.logger.DebugContext(ctx, "available camera ids", "sample", sampleIDs(records, logSampleIDs))

	if setErr := c.cache.Set(ctx, KeyAllImages, records); setErr != nil {
		c.logger.WarnContext(ctx, "error caching traffic images", "error", setErr)
	}

	return records, nil
}

func (c *Client) requestCameraList(ctx context.Context) ([]CameraRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.c.APIURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(headerAccountKey, c.c.APIKey)
	req.Header.Set(headerAccept, "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: c.c.APIURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &NetworkError{URL: c.c.APIURL, StatusCode: resp.StatusCode}
	}

	var payload cameraListResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &NetworkError{URL: c.c.APIURL, Err: fmt.Errorf("decoding camera list: %w", err)}
	}
	if payload.Value == nil {
		payload.Value = []CameraRecord{}
	}

	return payload.Value, nil
}

// FetchCheckpointRecords maps each configured checkpoint to its camera record.
// Checkpoints whose camera is missing upstream are absent from the result.
// The map is a copy and may be modified by the caller.
func (c *Client) FetchCheckpointRecords(ctx context.Context) map[string]CameraRecord {
	records, _ := c.fetchCheckpoints(ctx)
	return maps.Clone(records)
}

func (c *Client) fetchCheckpoints(ctx context.Context) (map[string]CameraRecord, error) {
	if v, ok := c.cached(ctx, KeyCheckpointImages); ok {
		if records, ok := v.(map[string]CameraRecord); ok {
			c.logger.InfoContext(ctx, "returning cached checkpoint images")
			return records, nil
		}
		c.logger.WarnContext(ctx, "unexpected cached value type", "key", KeyCheckpointImages, "type", fmt.Sprintf("%T", v))
	}

	all, fetchErr := c.fetchAll(ctx)

	c.logger.InfoContext(ctx, "filtering images for checkpoint cameras", "checkpoints", c.registry.Len())

	matched := make(map[string]CameraRecord, c.registry.Len())
	for _, cp := range c.registry.All() {
		record, ok := findCamera(all, cp.CameraID)
		if !ok {
			c.logger.WarnContext(ctx, "camera id not found in api response",
				"checkpoint", cp.Name, "camera_id", cp.CameraID)
			continue
		}
		c.logger.DebugContext(ctx, "found image for checkpoint", "checkpoint", cp.Name)
		matched[cp.Name] = record
	}

	if setErr := c.cache.Set(ctx, KeyCheckpointImages, matched); setErr != nil {
		c.logger.WarnContext(ctx, "error caching checkpoint images", "error", setErr)
	}

	c.logger.InfoContext(ctx, "found checkpoint images", "count", len(matched))
	return matched, fetchErr
}

func findCamera(records []CameraRecord, cameraID string) (CameraRecord, bool) {
	for _, r := range records {
		if r.CameraID == cameraID {
			return r, true
		}
	}
	return CameraRecord{}, false
}

// FetchImageBytes downloads url without caching. Failures are *NetworkError,
// including bodies over the 10 MiB limit.
func (c *Client) FetchImageBytes(ctx context.Context, url string) ([]byte, error) {
	start := time.Now()
	b, err := c.download(ctx, url)
	c.metrics.ObserveUpstream(endpointImage, start, err)
	return b, err
}

func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}

	c.logger.InfoContext(ctx, "downloading image", "url", url)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &NetworkError{URL: url, StatusCode: resp.StatusCode}
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	if len(b) > maxImageBytes {
		return nil, &NetworkError{URL: url, Err: ErrImageTooLarge}
	}

	return b, nil
}

// ForceRefresh empties the cache so the next fetch goes upstream.
func (c *Client) ForceRefresh(ctx context.Context) error {
	if err := c.cache.Clear(ctx); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	c.metrics.IncrementForceRefresh()
	c.logger.InfoContext(ctx, "forced refresh of all cached data")
	return nil
}

// LastUpdated reports when the value under key was fetched.
func (c *Client) LastUpdated(ctx context.Context, key string) (time.Time, bool) {
	t, err := c.cache.LastUpdated(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.WarnContext(ctx, "error reading cache timestamp", "key", key, "error", err)
		}
		return time.Time{}, false
	}
	return t, true
}

// cached reads key, treating backend failures as a miss.
func (c *Client) cached(ctx context.Context, key string) (any, bool) {
	v, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.WarnContext(ctx, "error reading cache", "key", key, "error", err)
		}
		c.metrics.CacheMiss(key)
		return nil, false
	}
	c.metrics.CacheHit(key)
	return v, true
}

func sampleIDs(records []CameraRecord, n int) string {
	ids := make([]string, 0, n)
	for _, r := range records {
		if len(ids) == n {
			break
		}
		if r.CameraID != "" {
			ids = append(ids, r.CameraID)
		}
	}
	return strings.Join(ids, ", ")
}
