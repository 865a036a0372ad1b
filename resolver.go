package checkpointcams

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dgduncan/go-checkpoint-cams/metrics"
)

// DefaultBatchConcurrency bounds parallel resolutions in ResolveAll.
const DefaultBatchConcurrency = 4

// ResolvedImage is a downloaded checkpoint image and when it was fetched.
type ResolvedImage struct {
	Bytes          []byte
	Timestamp      string
	CheckpointName string
}

// Status summarises upstream connectivity for a health report.
type Status struct {
	// Available is false when the camera list could not be fetched.
	Available             bool
	TotalCameras          int
	ConfiguredCheckpoints int
	// MatchedCheckpoints is in registry order.
	MatchedCheckpoints []string
}

// BatchResult is the outcome for one checkpoint of ResolveAll. Exactly one of
// Image and Err is set.
type BatchResult struct {
	Checkpoint string
	Image      *ResolvedImage
	Err        error
}

// Resolver answers "image and freshness for checkpoint X". Every failure is
// returned as a *ResolutionError. It is safe for concurrent use.
type Resolver struct {
	client   *Client
	registry *Registry
	loc      *time.Location
	logger   *slog.Logger
	metrics  *metrics.Metrics

	concurrency int
}

// NewResolver creates a Resolver over client. If the 'logger' is nil, a
// no-op logger writing to io.Discard will be used.
func NewResolver(client *Client, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Resolver{
		client:      client,
		registry:    client.Registry(),
		loc:         client.c.TimestampLocation,
		logger:      logger,
		metrics:     client.metrics,
		concurrency: DefaultBatchConcurrency,
	}
}

// Resolve fetches the current image for checkpoint name.
//
// The process follows these steps:
// 1. Rejects names not in the registry (KindUnknownCheckpoint)
// 2. Looks the checkpoint up in the cached or freshly fetched records (KindNoImageAvailable)
// 3. Picks the batch fetch time as the timestamp, falling back to the record's own
// 4. Downloads the image (KindImageDownloadFailed).
func (r *Resolver) Resolve(ctx context.Context, name string) (*ResolvedImage, error) {
	img, err := r.resolve(ctx, name)

	outcome := "ok"
	var re *ResolutionError
	if errors.As(err, &re) {
		outcome = re.Kind.String()
	}
	r.metrics.Resolution(outcome)

	return img, err
}

func (r *Resolver) resolve(ctx context.Context, name string) (*ResolvedImage, error) {
	r.logger.InfoContext(ctx, "getting image for checkpoint", "checkpoint", name)

	if _, ok := r.registry.Lookup(name); !ok {
		r.logger.ErrorContext(ctx, "checkpoint not found in configuration", "checkpoint", name)
		return nil, &ResolutionError{Kind: KindUnknownCheckpoint, Checkpoint: name}
	}

	records, fetchErr := r.client.fetchCheckpoints(ctx)
	record, ok := records[name]
	if !ok {
		r.logger.WarnContext(ctx, "no image data found for checkpoint", "checkpoint", name)
		return nil, &ResolutionError{Kind: KindNoImageAvailable, Checkpoint: name, Cause: fetchErr}
	}

	timestamp := r.fetchTimestamp(ctx, record)

	b, err := r.client.FetchImageBytes(ctx, record.ImageURL)
	if err != nil {
		r.logger.ErrorContext(ctx, "error fetching image", "checkpoint", name, "url", record.ImageURL, "error", err)
		return nil, &ResolutionError{Kind: KindImageDownloadFailed, Checkpoint: name, Cause: err}
	}

	return &ResolvedImage{
		Bytes:          b,
		Timestamp:      timestamp,
		CheckpointName: name,
	}, nil
}

// fetchTimestamp reports when the record was fetched upstream. The camera
// list is stored just before the checkpoint view, so its entry can expire
// while the view is still served; the view's own timestamp covers that gap.
// The authority timestamp is used only when the cache keeps no fetch times.
func (r *Resolver) fetchTimestamp(ctx context.Context, record CameraRecord) string {
	for _, key := range []string{KeyAllImages, KeyCheckpointImages} {
		if fetchedAt, ok := r.client.LastUpdated(ctx, key); ok {
			return FormatTimestamp(fetchedAt, r.loc)
		}
	}
	return record.CapturedAt
}

// ResolveAll resolves every checkpoint, in registry order, optionally after a
// force refresh. A failing checkpoint does not stop the others. Checkpoints
// resolved in parallel may observe different fetch times.
func (r *Resolver) ResolveAll(ctx context.Context, force bool) ([]BatchResult, error) {
	if force {
		if err := r.ForceRefresh(ctx); err != nil {
			return nil, err
		}
	}

	names := r.registry.Names()
	results := make([]BatchResult, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	// Each goroutine writes only its own index.
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			img, err := r.Resolve(gctx, name)
			results[i] = BatchResult{Checkpoint: name, Image: img, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

// ListCheckpoints returns the checkpoint names in registry order.
func (r *Resolver) ListCheckpoints() []string {
	return r.registry.Names()
}

// Location returns the coordinate of checkpoint name.
func (r *Resolver) Location(name string) (Coordinate, error) {
	coord, ok := r.registry.CoordinateOf(name)
	if !ok {
		return Coordinate{}, &ResolutionError{Kind: KindUnknownCheckpoint, Checkpoint: name}
	}
	return coord, nil
}

func (r *Resolver) ForceRefresh(ctx context.Context) error {
	return r.client.ForceRefresh(ctx)
}

// Status reports how many cameras upstream lists and which checkpoints match.
func (r *Resolver) Status(ctx context.Context) Status {
	all := r.client.FetchAllCameraRecords(ctx)
	matched := r.client.FetchCheckpointRecords(ctx)

	names := make([]string, 0, len(matched))
	for _, name := range r.registry.Names() {
		if _, ok := matched[name]; ok {
			names = append(names, name)
		}
	}

	return Status{
		Available:             len(all) > 0,
		TotalCameras:          len(all),
		ConfiguredCheckpoints: r.registry.Len(),
		MatchedCheckpoints:    names,
	}
}

// MissingCameraIDs returns configured camera IDs absent from records, in
// registry order.
func (r *Resolver) MissingCameraIDs(records []CameraRecord) []string {
	var missing []string
	for _, cp := range r.registry.All() {
		if _, ok := findCamera(records, cp.CameraID); !ok {
			missing = append(missing, cp.CameraID)
		}
	}
	return missing
}

// FormatTimestamp renders t in the authority's RFC 3339 style, in loc.
func FormatTimestamp(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = DefaultLocation
	}
	return t.In(loc).Format(time.RFC3339)
}
