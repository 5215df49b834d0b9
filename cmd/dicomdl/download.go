package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/wxhou/cloud-dicom-downloader/internal/config"
	"github.com/wxhou/cloud-dicom-downloader/internal/layout"
	"github.com/wxhou/cloud-dicom-downloader/internal/manifest"
	"github.com/wxhou/cloud-dicom-downloader/internal/materialize"
	"github.com/wxhou/cloud-dicom-downloader/internal/mirror"
	"github.com/wxhou/cloud-dicom-downloader/internal/progress"
	"github.com/wxhou/cloud-dicom-downloader/internal/study"
)

func runDownload(args []string) int {
	fs := flag.NewFlagSet("download", flag.ExitOnError)

	manifestPath := fs.String("manifest", "", "Study manifest file (required unless set in config)")
	dest := fs.String("dest", "", "Destination directory (default \"download\")")
	configPath := fs.String("config", "", "YAML config file")
	concurrency := fs.Int("concurrency", 0, "Fetch worker pool size (default 4)")
	perOrigin := fs.Int("per-origin", 0, "Max outstanding requests per origin (default 4)")
	raw := fs.Bool("raw", false, "Request uncompressed pixel data")
	showProgress := fs.Bool("progress", false, "Show progress output")
	mirrorURL := fs.String("mirror", "", "Bucket URL to mirror the study tree into (s3://, gs://, file://)")
	retryAttempts := fs.Int("retry-attempts", 0, "Max retry attempts per image (default 5)")
	retryBackoff := fs.Duration("retry-backoff", 0, "Initial retry backoff (default 1s)")
	timeout := fs.Duration("timeout", 30*time.Second, "Per-request timeout and cancellation grace period")
	verbose := fs.Bool("v", false, "Verbose logging")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: dicomdl download [options]

Fetch every image of a study described by a manifest, synthesize DICOM
files and write them into a deterministic directory tree. Images that
fail after retries are skipped; the run succeeds if at least one
instance reaches disk.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg := config.Default()
	if *configPath != "" {
		fileCfg, err := config.LoadFromFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitInvalidArgs
		}
		cfg = fileCfg
	}
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	cfg = cfg.Merge(config.Config{
		Manifest:    *manifestPath,
		Dest:        *dest,
		Concurrency: *concurrency,
		PerOrigin:   *perOrigin,
		Raw:         *raw,
		Progress:    *showProgress,
		Mirror:      *mirrorURL,
		Retry: config.RetryConfig{
			Limit:   *retryAttempts,
			Backoff: *retryBackoff,
		},
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		return ExitInvalidArgs
	}

	log := newLogger(*verbose)

	m, err := manifest.Load(cfg.Manifest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	st, err := m.StudyDescriptor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\n[dicomdl] Received interrupt, shutting down...")
		cancel()
	}()

	var reporter *progress.Reporter
	if cfg.Progress {
		reporter = progress.NewReporter(progress.Options{
			StudyName:      st.ExamName,
			UpdateInterval: 5 * time.Second,
		})
		reporter.Start()
		defer reporter.Stop()
	}

	result, err := materialize.Materialize(ctx, st, m.Source(), cfg.Dest, materialize.Options{
		Concurrency:      cfg.Concurrency,
		RetryLimit:       cfg.Retry.Limit,
		RetryBackoffBase: cfg.Retry.Backoff,
		RetryMaxBackoff:  cfg.Retry.MaxBackoff,
		Raw:              cfg.Raw,
		PerOriginLimit:   cfg.PerOrigin,
		Timeout:          *timeout,
		Logger:           log,
		Progress:         reporter,
	})
	if reporter != nil {
		reporter.Stop()
	}
	printReport(result)

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var we *layout.WriteError
		if errors.As(err, &we) {
			return ExitWriteError
		}
		var ae *study.AdapterError
		if errors.As(err, &ae) {
			return ExitAdapterError
		}
		return ExitGeneralError
	}
	if result.Expected > 0 && !result.OK() && result.Cancelled == 0 {
		fmt.Fprintln(os.Stderr, "Error: no instance could be materialized")
		return ExitNothingWritten
	}

	if cfg.Mirror != "" && result.Written > 0 {
		if code := mirrorStudy(ctx, log, cfg.Mirror, result.Dest); code != ExitSuccess {
			return code
		}
	}

	return ExitSuccess
}

func mirrorStudy(ctx context.Context, log zerolog.Logger, bucketURL, root string) int {
	bkt, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening bucket: %v\n", err)
		return ExitMirrorError
	}
	defer bkt.Close()

	n, err := mirror.Upload(ctx, bkt, root, mirror.Options{Logger: log})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error mirroring study: %v\n", err)
		return ExitMirrorError
	}
	fmt.Fprintf(os.Stderr, "[dicomdl] Mirrored %d instances to %s\n", n, bucketURL)
	return ExitSuccess
}

func printReport(result *materialize.Result) {
	fmt.Fprintf(os.Stderr, "[dicomdl] Study directory: %s\n", result.Dest)
	for _, s := range result.Series {
		fmt.Fprintf(os.Stderr, "[dicomdl] Series %d (%s): %d/%d written",
			s.Number, s.Name, s.Written, s.Expected)
		if s.Failed > 0 {
			fmt.Fprintf(os.Stderr, ", %d failed", s.Failed)
		}
		if s.Cancelled > 0 {
			fmt.Fprintf(os.Stderr, ", %d cancelled", s.Cancelled)
		}
		fmt.Fprintln(os.Stderr)
		for _, f := range s.Failures {
			fmt.Fprintf(os.Stderr, "[dicomdl]   instance %d: %v\n", f.Instance, f.Err)
		}
	}
	fmt.Fprintf(os.Stderr, "[dicomdl] Total: %d written, %d failed, %d cancelled of %d\n",
		result.Written, result.Failed, result.Cancelled, result.Expected)
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}
