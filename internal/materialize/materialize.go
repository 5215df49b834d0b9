package materialize

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wxhou/cloud-dicom-downloader/internal/codec"
	"github.com/wxhou/cloud-dicom-downloader/internal/fetch"
	"github.com/wxhou/cloud-dicom-downloader/internal/layout"
	"github.com/wxhou/cloud-dicom-downloader/internal/progress"
	"github.com/wxhou/cloud-dicom-downloader/internal/study"
	"github.com/wxhou/cloud-dicom-downloader/internal/synth"
)

// Options configures a materialization run.
type Options struct {
	// Concurrency is the fetch worker pool size.
	// Default: 4
	Concurrency int

	// RetryLimit is the maximum number of retry attempts per image.
	// Default: 5
	RetryLimit int

	// RetryBackoffBase is the initial retry backoff.
	// Default: 1s
	RetryBackoffBase time.Duration

	// RetryMaxBackoff caps the retry backoff.
	// Default: 30s
	RetryMaxBackoff time.Duration

	// Raw requests uncompressed pixel data instead of the
	// provider-default compressed form.
	Raw bool

	// PerOriginLimit caps outstanding requests per origin.
	// Default: 4
	PerOriginLimit int

	// Timeout for individual fetch requests; also bounds the grace
	// period granted to in-flight fetches after cancellation.
	// Default: 30s
	Timeout time.Duration

	// Logger receives structured run logging.
	Logger zerolog.Logger

	// Progress is an optional progress reporter.
	Progress *progress.Reporter

	// Client overrides the fetch client; built from the options above
	// when nil.
	Client *fetch.Client
}

type seriesState struct {
	series *study.Series
	report *SeriesReport
	dir    *layout.SeriesDir
}

// Materialize downloads every image of the study into dest and returns
// the per-series tallies. Per-image failures are recorded and the run
// continues; a *layout.WriteError or *study.AdapterError aborts the run
// with the partial result preserved.
func Materialize(ctx context.Context, st *study.Study, source study.SeriesSource, dest string, opts Options) (*Result, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = 5
	}
	if opts.RetryBackoffBase <= 0 {
		opts.RetryBackoffBase = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	log := opts.Logger

	dirName := layout.StudyDirName(st.PatientName, st.ExamName, st.ExamTime.Format("2006-01-02 15:04:05"))
	studyDir, err := layout.StudyDir(dest, dirName, st.ID)
	if err != nil {
		return &Result{}, err
	}
	result := &Result{Dest: studyDir}
	log.Info().Str("dest", studyDir).Msg("materializing study")

	client := opts.Client
	if client == nil {
		client = fetch.NewClient(fetch.Options{
			Timeout:         opts.Timeout,
			RetryAttempts:   opts.RetryLimit,
			RetryBackoff:    opts.RetryBackoffBase,
			RetryMaxBackoff: opts.RetryMaxBackoff,
			MaxPerOrigin:    opts.PerOriginLimit,
			Logger:          log,
		})
	}
	sched := fetch.NewScheduler(client, fetch.SchedulerOptions{
		Concurrency: opts.Concurrency,
		Raw:         opts.Raw,
		Logger:      log,
	})

	// A fatal write error cancels the rest of the run without cancelling
	// the caller's context.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var (
		mu        sync.Mutex
		states    = map[*study.Series]*seriesState{}
		feederErr error
	)
	lookup := func(se *study.Series) *seriesState {
		mu.Lock()
		defer mu.Unlock()
		return states[se]
	}

	jobs := make(chan *fetch.Job, opts.Concurrency)

	// Feeder: the single producer of jobs. It pulls series lazily so the
	// adapter is never asked ahead of what the pool can absorb.
	go func() {
		defer close(jobs)
		for {
			se, err := source.Next(runCtx)
			if err == io.EOF {
				return
			}
			if err != nil {
				if runCtx.Err() != nil {
					return
				}
				var ae *study.AdapterError
				if !errors.As(err, &ae) {
					err = &study.AdapterError{Op: "next series", Err: err}
				}
				mu.Lock()
				feederErr = err
				mu.Unlock()
				return
			}

			dir, err := layout.NewSeriesDir(studyDir, se.Number, se.Name, len(se.Images))
			if err != nil {
				mu.Lock()
				feederErr = err
				mu.Unlock()
				return
			}

			state := &seriesState{
				series: se,
				report: &SeriesReport{Number: se.Number, Name: se.Name, Expected: len(se.Images)},
				dir:    dir,
			}
			mu.Lock()
			states[se] = state
			result.Series = append(result.Series, state.report)
			mu.Unlock()
			if opts.Progress != nil {
				opts.Progress.SeriesDiscovered(len(se.Images))
			}
			log.Info().Int("series", se.Number).Str("name", se.Name).Int("images", len(se.Images)).Msg("series discovered")

			for i, img := range se.Images {
				select {
				case jobs <- &fetch.Job{Series: se, Image: img}:
					if opts.Progress != nil {
						opts.Progress.ImageStarted()
					}
				case <-runCtx.Done():
					// Everything not yet dispatched is dropped and
					// reported cancelled, not failed.
					mu.Lock()
					state.report.Cancelled += len(se.Images) - i
					mu.Unlock()
					return
				}
			}
		}
	}()

	var fatalErr error
	for res := range sched.Run(runCtx, jobs) {
		state := lookup(res.Job.Series)
		img := res.Job.Image

		if res.Err != nil {
			mu.Lock()
			if errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded) {
				state.report.Cancelled++
			} else {
				state.report.Failed++
				state.report.Failures = append(state.report.Failures, InstanceFailure{img.Number, res.Err})
				if opts.Progress != nil {
					opts.Progress.ImageFailed()
				}
				log.Warn().Int("series", state.series.Number).Int("instance", img.Number).Err(res.Err).Msg("image failed")
			}
			mu.Unlock()
			continue
		}

		data, err := buildFile(st, res.Job.Series, img, res.Payload)
		if err != nil {
			mu.Lock()
			state.report.Failed++
			state.report.Failures = append(state.report.Failures, InstanceFailure{img.Number, err})
			mu.Unlock()
			if opts.Progress != nil {
				opts.Progress.ImageFailed()
			}
			log.Warn().Int("series", state.series.Number).Int("instance", img.Number).Err(err).Msg("image failed")
			continue
		}

		if err := layout.WriteAtomic(state.dir.InstancePath(img.Number), data); err != nil {
			// Destination is unusable; stop the run but drain the pool
			// so every descriptor is accounted for.
			mu.Lock()
			state.report.Failed++
			state.report.Failures = append(state.report.Failures, InstanceFailure{img.Number, err})
			mu.Unlock()
			if fatalErr == nil {
				fatalErr = err
			}
			cancelRun()
			continue
		}

		mu.Lock()
		state.report.Written++
		mu.Unlock()
		if opts.Progress != nil {
			opts.Progress.ImageWritten(int64(len(data)))
		}
	}

	mu.Lock()
	if fatalErr == nil {
		fatalErr = feederErr
	}
	result.aggregate()
	mu.Unlock()

	log.Info().
		Int("written", result.Written).
		Int("failed", result.Failed).
		Int("cancelled", result.Cancelled).
		Msg("run finished")
	return result, fatalErr
}

// buildFile decodes one payload and encodes the synthesized dataset.
// Every error here is local to the image.
func buildFile(st *study.Study, se *study.Series, img *study.Image, payload *study.RawPayload) ([]byte, error) {
	frame, err := codec.Decode(payload, img)
	if err != nil {
		return nil, err
	}

	ds, err := synth.Synthesize(st, se, img, frame)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := synth.Write(&buf, ds); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
