package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	checkpointcams "github.com/dgduncan/go-checkpoint-cams"
	"github.com/dgduncan/go-checkpoint-cams/metrics"
)

const usage = `usage: checkpointcams [-config file] <command> [args]

commands:
  list                          list configured checkpoints
  status                        report upstream connectivity
  check                         startup diagnostic of configured camera ids
  fetch [-o file] [-force] name download the current image of a checkpoint
  location name                 print a checkpoint's coordinates
  refresh-all [-force] [-dir d] download every checkpoint image
  watch [-interval d] [-dir d]  refresh all checkpoints periodically
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("checkpointcams", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file (yaml, json or toml)")
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	cfg, err := loadConfig(viper.New(), *configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	registry, err := cfg.registry()
	if err != nil {
		return err
	}

	cache, closeCache, err := newCache(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating %s cache: %w", cfg.Backend, err)
	}
	defer closeCache()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, reg, logger)
	}

	client, err := checkpointcams.NewClient(cache, registry, &cfg.Client, logger, checkpointcams.WithMetrics(m))
	if err != nil {
		return err
	}
	resolver := checkpointcams.NewResolver(client, logger)

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "list":
		return listCommand(resolver, out)
	case "status":
		return statusCommand(ctx, resolver, out)
	case "check":
		return checkCommand(ctx, client, resolver, logger)
	case "fetch":
		return fetchCommand(ctx, resolver, cmdArgs, out)
	case "location":
		return locationCommand(resolver, cmdArgs, out)
	case "refresh-all":
		return refreshAllCommand(ctx, resolver, cmdArgs, out)
	case "watch":
		return watchCommand(ctx, resolver, cmdArgs, out, logger)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	logger.InfoContext(ctx, "serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.ErrorContext(ctx, "metrics server failed", "error", err)
	}
}

func listCommand(r *checkpointcams.Resolver, out io.Writer) error {
	for _, name := range r.ListCheckpoints() {
		coord, _ := r.Location(name)
		fmt.Fprintf(out, "%s\t%.4f,%.4f\n", name, coord.Lat, coord.Lon)
	}
	return nil
}

func statusCommand(ctx context.Context, r *checkpointcams.Resolver, out io.Writer) error {
	s := r.Status(ctx)
	if !s.Available {
		fmt.Fprintln(out, "connection issue: the upstream API returned no cameras, check the API key")
		return errors.New("upstream unavailable")
	}

	fmt.Fprintf(out, "connection ok\ntotal images available: %d\ncheckpoint cameras found: %d/%d\n",
		s.TotalCameras, len(s.MatchedCheckpoints), s.ConfiguredCheckpoints)
	for _, name := range s.MatchedCheckpoints {
		fmt.Fprintf(out, "- %s\n", name)
	}
	if len(s.MatchedCheckpoints) == 0 {
		fmt.Fprintln(out, "no configured checkpoint cameras found, check the configured camera ids")
	}
	return nil
}

func checkCommand(ctx context.Context, c *checkpointcams.Client, r *checkpointcams.Resolver, logger *slog.Logger) error {
	records := c.FetchAllCameraRecords(ctx)
	if len(records) == 0 {
		logger.WarnContext(ctx, "no images returned from api")
		return errors.New("api check failed")
	}

	ids := make([]string, 0, 20)
	for _, rec := range records[:min(20, len(records))] {
		ids = append(ids, rec.CameraID)
	}
	logger.InfoContext(ctx, "available camera ids", "first", strings.Join(ids, ", "), "total", len(records))

	if missing := r.MissingCameraIDs(records); len(missing) > 0 {
		logger.WarnContext(ctx, "some configured checkpoint ids are not available", "missing", strings.Join(missing, ", "))
	}
	return nil
}

func fetchCommand(ctx context.Context, r *checkpointcams.Resolver, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	output := fs.String("o", "", "output file, defaults to <checkpoint>.jpg")
	force := fs.Bool("force", false, "bypass the cache")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("fetch needs exactly one checkpoint name")
	}
	name := fs.Arg(0)

	if *force {
		if err := r.ForceRefresh(ctx); err != nil {
			return err
		}
	}

	img, err := r.Resolve(ctx, name)
	if err != nil {
		return errors.New(describe(err))
	}

	path := *output
	if path == "" {
		path = fileName(name)
	}
	if err := os.WriteFile(path, img.Bytes, 0o644); err != nil {
		return err
	}

	fmt.Fprintf(out, "%s\tlast updated %s\t%s\n", img.CheckpointName, img.Timestamp, path)
	return nil
}

func locationCommand(r *checkpointcams.Resolver, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("location needs exactly one checkpoint name")
	}

	coord, err := r.Location(args[0])
	if err != nil {
		return errors.New(describe(err))
	}

	fmt.Fprintf(out, "%s\t%.4f,%.4f\n", args[0], coord.Lat, coord.Lon)
	return nil
}

func refreshAllCommand(ctx context.Context, r *checkpointcams.Resolver, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("refresh-all", flag.ContinueOnError)
	force := fs.Bool("force", false, "bypass the cache")
	dir := fs.String("dir", ".", "directory to write images to")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return refreshAll(ctx, r, *force, *dir, out)
}

func watchCommand(ctx context.Context, r *checkpointcams.Resolver, args []string, out io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	interval := fs.Duration("interval", time.Minute, "time between refreshes")
	dir := fs.String("dir", ".", "directory to write images to")
	if err := fs.Parse(args); err != nil {
		return err
	}

	t := time.NewTicker(*interval)
	defer t.Stop()

	for {
		if err := refreshAll(ctx, r, false, *dir, out); err != nil {
			logger.ErrorContext(ctx, "refresh failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func refreshAll(ctx context.Context, r *checkpointcams.Resolver, force bool, dir string, out io.Writer) error {
	results, err := r.ResolveAll(ctx, force)
	if err != nil {
		return err
	}

	for _, res := range results {
		if res.Err != nil {
			fmt.Fprintf(out, "could not load image for %s: %s\n", res.Checkpoint, describe(res.Err))
			continue
		}

		path := filepath.Join(dir, fileName(res.Checkpoint))
		if err := os.WriteFile(path, res.Image.Bytes, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\tlast updated %s\t%s\n", res.Checkpoint, res.Image.Timestamp, path)
	}
	return nil
}

// describe turns a resolution failure into text for the user, with a hint
// at what to do next.
func describe(err error) string {
	var re *checkpointcams.ResolutionError
	if !errors.As(err, &re) {
		return err.Error()
	}

	switch re.Kind {
	case checkpointcams.KindUnknownCheckpoint:
		return fmt.Sprintf("checkpoint %q not found, run list to see the configured checkpoints", re.Checkpoint)
	case checkpointcams.KindNoImageAvailable:
		return fmt.Sprintf("no image found for checkpoint %q, try again later or with -force", re.Checkpoint)
	case checkpointcams.KindImageDownloadFailed:
		return fmt.Sprintf("error fetching image for %q: %v, try again", re.Checkpoint, re.Cause)
	default:
		return err.Error()
	}
}

func fileName(checkpoint string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(checkpoint) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case b.Len() > 0 && !strings.HasSuffix(b.String(), "-"):
			b.WriteByte('-')
		}
	}
	return strings.TrimSuffix(b.String(), "-") + ".jpg"
}
