package checkpointcams_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	checkpointcams "github.com/dgduncan/go-checkpoint-cams"
	"github.com/dgduncan/go-checkpoint-cams/caches/local"
	"github.com/dgduncan/go-checkpoint-cams/metrics"
)

func testTime() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}

// upstream is a fake camera list API that counts requests.
type upstream struct {
	server  *httptest.Server
	calls   atomic.Int32
	status  atomic.Int32
	records []checkpointcams.CameraRecord
	headers chan http.Header
}

func newUpstream(t *testing.T, records ...checkpointcams.CameraRecord) *upstream {
	t.Helper()

	u := &upstream{records: records, headers: make(chan http.Header, 16)}
	u.status.Store(http.StatusOK)
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		select {
		case u.headers <- r.Header.Clone():
		default:
		}

		status := int(u.status.Load())
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"value": u.records})
	}))
	t.Cleanup(u.server.Close)

	return u
}

func testRegistry(t *testing.T, checkpoints ...checkpointcams.Checkpoint) *checkpointcams.Registry {
	t.Helper()

	r, err := checkpointcams.NewRegistry(checkpoints...)
	require.NoError(t, err)
	return r
}

func testConfig(url string) *checkpointcams.Config {
	noRetry := checkpointcams.RetryPolicy{}
	return &checkpointcams.Config{
		APIURL:         url,
		APIKey:         "secret-key",
		RequestTimeout: 2 * time.Second,
		Retry:          &noRetry,
	}
}

func newTestClient(t *testing.T, url string, registry *checkpointcams.Registry, options ...checkpointcams.ClientOption) (*checkpointcams.Client, *local.BasicCache) {
	t.Helper()

	baseTime := testTime()
	cache := local.NewBasicCacheWithTimeFunc(time.Minute, func() time.Time { return baseTime }, discardLogger())

	client, err := checkpointcams.NewClient(cache, registry, testConfig(url), discardLogger(), options...)
	require.NoError(t, err)

	return client, cache
}

func TestNewClientValidation(t *testing.T) {
	registry := checkpointcams.DefaultRegistry()
	cache := local.NewBasicCache(time.Minute, nil)

	_, err := checkpointcams.NewClient(nil, registry, nil, nil)
	assert.Error(t, err)

	_, err = checkpointcams.NewClient(cache, nil, nil, nil)
	assert.Error(t, err)

	client, err := checkpointcams.NewClient(cache, registry, nil, nil)
	require.NoError(t, err)
	assert.Same(t, registry, client.Registry())
}

func TestFetchAllCameraRecordsSendsHeaders(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, checkpointcams.CameraRecord{CameraID: "101"})
	client, _ := newTestClient(t, u.server.URL, testRegistry(t))

	client.FetchAllCameraRecords(context.Background())

	h := <-u.headers
	assert.Equal(t, "secret-key", h.Get("AccountKey"))
	assert.Equal(t, "application/json", h.Get("accept"))
}

func TestFetchAllCameraRecordsUsesCache(t *testing.T) {
	t.Parallel()

	records := []checkpointcams.CameraRecord{
		{CameraID: "101", ImageURL: "http://x/101.jpg", CapturedAt: "2024-01-01T00:00:00+08:00"},
		{CameraID: "102", ImageURL: "http://x/102.jpg", CapturedAt: "2024-01-01T00:00:00+08:00"},
	}
	u := newUpstream(t, records...)
	client, cache := newTestClient(t, u.server.URL, testRegistry(t))
	ctx := context.Background()

	first := client.FetchAllCameraRecords(ctx)
	second := client.FetchAllCameraRecords(ctx)

	assert.Equal(t, records, first)
	assert.Equal(t, records, second)
	assert.Equal(t, int32(1), u.calls.Load())

	stored, err := cache.LastUpdated(ctx, checkpointcams.KeyAllImages)
	require.NoError(t, err)
	assert.Equal(t, testTime(), stored)
}

func TestForceRefreshBypassesCache(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, checkpointcams.CameraRecord{CameraID: "101"})
	client, _ := newTestClient(t, u.server.URL, testRegistry(t))
	ctx := context.Background()

	client.FetchAllCameraRecords(ctx)
	require.NoError(t, client.ForceRefresh(ctx))
	client.FetchAllCameraRecords(ctx)

	assert.Equal(t, int32(2), u.calls.Load())
}

func TestFetchAllCameraRecordsDegradesToEmpty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
	}{
		{name: "server error", status: http.StatusInternalServerError},
		{name: "unauthorized", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			u := newUpstream(t, checkpointcams.CameraRecord{CameraID: "101"})
			u.status.Store(int32(tt.status))
			client, cache := newTestClient(t, u.server.URL, testRegistry(t))
			ctx := context.Background()

			records := client.FetchAllCameraRecords(ctx)
			assert.NotNil(t, records)
			assert.Empty(t, records)

			_, err := cache.Get(ctx, checkpointcams.KeyAllImages)
			assert.ErrorIs(t, err, checkpointcams.ErrNotFound)

			// the failure is not cached, recovery is picked up immediately
			u.status.Store(http.StatusOK)
			assert.Len(t, client.FetchAllCameraRecords(ctx), 1)
			assert.Equal(t, int32(2), u.calls.Load())
		})
	}
}

func TestFetchAllCameraRecordsTransportFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	client, _ := newTestClient(t, url, testRegistry(t))

	records := client.FetchAllCameraRecords(context.Background())
	assert.Empty(t, records)
}

func TestFetchAllCameraRecordsMalformedBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("{not json"))
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL, testRegistry(t))

	assert.Empty(t, client.FetchAllCameraRecords(context.Background()))
}

func TestFetchCheckpointRecords(t *testing.T) {
	t.Parallel()

	u := newUpstream(t,
		checkpointcams.CameraRecord{CameraID: "900", ImageURL: "http://x/900.jpg"},
		checkpointcams.CameraRecord{CameraID: "101", ImageURL: "http://x/101-first.jpg"},
		checkpointcams.CameraRecord{CameraID: "101", ImageURL: "http://x/101-second.jpg"},
		checkpointcams.CameraRecord{CameraID: "202", ImageURL: "http://x/202.jpg"},
	)
	registry := testRegistry(t,
		checkpointcams.Checkpoint{Name: "A", CameraID: "101"},
		checkpointcams.Checkpoint{Name: "B", CameraID: "202"},
		checkpointcams.Checkpoint{Name: "Missing", CameraID: "303"},
	)
	client, cache := newTestClient(t, u.server.URL, registry)
	ctx := context.Background()

	got := client.FetchCheckpointRecords(ctx)

	require.Len(t, got, 2)
	assert.Equal(t, "http://x/101-first.jpg", got["A"].ImageURL)
	assert.Equal(t, "http://x/202.jpg", got["B"].ImageURL)
	assert.NotContains(t, got, "Missing")

	// the filtered view is cached independently of the raw list
	require.NoError(t, cache.Invalidate(ctx, checkpointcams.KeyAllImages))
	again := client.FetchCheckpointRecords(ctx)
	assert.Equal(t, got, again)
	assert.Equal(t, int32(1), u.calls.Load())
}

func TestFetchCheckpointRecordsSharesUpstreamFetch(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, checkpointcams.CameraRecord{CameraID: "101"})
	registry := testRegistry(t, checkpointcams.Checkpoint{Name: "A", CameraID: "101"})
	client, _ := newTestClient(t, u.server.URL, registry)
	ctx := context.Background()

	client.FetchAllCameraRecords(ctx)
	client.FetchCheckpointRecords(ctx)

	assert.Equal(t, int32(1), u.calls.Load())
}

func TestFetchCheckpointRecordsLogsMissingCamera(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, checkpointcams.CameraRecord{CameraID: "101"})
	registry := testRegistry(t,
		checkpointcams.Checkpoint{Name: "A", CameraID: "101"},
		checkpointcams.Checkpoint{Name: "Missing", CameraID: "303"},
	)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	client, err := checkpointcams.NewClient(local.NewBasicCache(time.Minute, nil), registry, testConfig(u.server.URL), logger)
	require.NoError(t, err)

	got := client.FetchCheckpointRecords(context.Background())
	require.Len(t, got, 1)

	var warning string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, "camera id not found in api response") {
			warning = line
		}
	}
	require.NotEmpty(t, warning, "no warning logged for missing camera")
	assert.Contains(t, warning, "level=WARN")
	assert.Contains(t, warning, "checkpoint=Missing")
	assert.Contains(t, warning, "camera_id=303")
	assert.NotContains(t, buf.String(), "camera_id=101")
}

func TestFetchResultsAreCopies(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, checkpointcams.CameraRecord{CameraID: "101", ImageURL: "http://x/101.jpg"})
	registry := testRegistry(t, checkpointcams.Checkpoint{Name: "A", CameraID: "101"})
	client, _ := newTestClient(t, u.server.URL, registry)
	ctx := context.Background()

	all := client.FetchAllCameraRecords(ctx)
	require.Len(t, all, 1)
	all[0].ImageURL = "http://elsewhere/"

	matched := client.FetchCheckpointRecords(ctx)
	require.Contains(t, matched, "A")
	delete(matched, "A")

	assert.Equal(t, "http://x/101.jpg", client.FetchAllCameraRecords(ctx)[0].ImageURL)
	assert.Equal(t, "http://x/101.jpg", client.FetchCheckpointRecords(ctx)["A"].ImageURL)
	assert.Equal(t, int32(1), u.calls.Load())
}

func TestFetchImageBytes(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/img.jpg" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.Empty(t, r.Header.Get("AccountKey"))
		w.Write([]byte{0xFF, 0xD8})
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL, testRegistry(t))
	ctx := context.Background()

	b, err := client.FetchImageBytes(ctx, server.URL+"/img.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, b)

	_, err = client.FetchImageBytes(ctx, server.URL+"/missing.jpg")
	require.Error(t, err)
	assert.ErrorIs(t, err, checkpointcams.ErrNetwork)

	var netErr *checkpointcams.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, http.StatusNotFound, netErr.StatusCode)
}

func TestFetchImageBytesSizeLimit(t *testing.T) {
	t.Parallel()

	const limit = 10 << 20
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		size := limit
		if r.URL.Path == "/large.jpg" {
			size = limit + 5
		}
		w.Write(bytes.Repeat([]byte{0xAB}, size))
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL, testRegistry(t))
	ctx := context.Background()

	b, err := client.FetchImageBytes(ctx, server.URL+"/exact.jpg")
	require.NoError(t, err)
	assert.Len(t, b, limit)

	b, err = client.FetchImageBytes(ctx, server.URL+"/large.jpg")
	assert.Nil(t, b)
	assert.ErrorIs(t, err, checkpointcams.ErrNetwork)
	assert.ErrorIs(t, err, checkpointcams.ErrImageTooLarge)

	var netErr *checkpointcams.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, server.URL+"/large.jpg", netErr.URL)
}

func TestFetchImageBytesTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	cache := local.NewBasicCache(time.Minute, nil)
	cfg := testConfig(server.URL)
	cfg.RequestTimeout = 50 * time.Millisecond
	client, err := checkpointcams.NewClient(cache, testRegistry(t), cfg, nil)
	require.NoError(t, err)

	_, err = client.FetchImageBytes(context.Background(), server.URL+"/slow.jpg")
	assert.ErrorIs(t, err, checkpointcams.ErrNetwork)
}

func TestClientRecordsMetrics(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, checkpointcams.CameraRecord{CameraID: "101"})
	m := metrics.New(prometheus.NewRegistry())
	client, _ := newTestClient(t, u.server.URL, testRegistry(t), checkpointcams.WithMetrics(m))
	ctx := context.Background()

	client.FetchAllCameraRecords(ctx)
	client.FetchAllCameraRecords(ctx)
	require.NoError(t, client.ForceRefresh(ctx))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues(checkpointcams.KeyAllImages, "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues(checkpointcams.KeyAllImages, "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UpstreamRequests.WithLabelValues("metadata", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ForceRefreshTotal))
}
