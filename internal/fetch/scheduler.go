package fetch

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wxhou/cloud-dicom-downloader/internal/study"
)

// Job is one image to fetch, paired with the series it belongs to so
// consumers can key results without tracking arrival order.
type Job struct {
	Series *study.Series
	Image  *study.Image
}

// Result is the outcome of one job. Payload is nil when Err is set. After
// cancellation, jobs that were queued but never dispatched are emitted
// with the context's error so the consumer can account for every
// descriptor.
type Result struct {
	Job     *Job
	Payload *study.RawPayload
	Err     error
}

// SchedulerOptions configures the worker pool.
type SchedulerOptions struct {
	// Concurrency is the worker pool size.
	// Default: 4
	Concurrency int

	// Raw requests uncompressed pixel data from the portal.
	Raw bool

	// Logger receives per-job debug logging.
	Logger zerolog.Logger
}

// Scheduler consumes a stream of image descriptors with a fixed-size
// worker pool. Each descriptor is dispatched exactly once; the shared jobs
// channel is the single logical queue and channel receive is the dispatch
// point.
type Scheduler struct {
	client *Client
	opts   SchedulerOptions
}

// NewScheduler creates a scheduler over the given client.
func NewScheduler(client *Client, opts SchedulerOptions) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Scheduler{client: client, opts: opts}
}

// Run starts the pool and returns the result stream. The result channel is
// closed once the jobs channel is closed and all workers have drained.
// Completion order across jobs is unspecified. A failed job never stops
// sibling work.
func (s *Scheduler) Run(ctx context.Context, jobs <-chan *Job) <-chan *Result {
	results := make(chan *Result, s.opts.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < s.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if err := ctx.Err(); err != nil {
					// Queued but undispatched: report as cancelled, not failed.
					results <- &Result{Job: job, Err: err}
					continue
				}
				results <- s.fetchOne(ctx, job)
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

func (s *Scheduler) fetchOne(ctx context.Context, job *Job) *Result {
	log := s.opts.Logger.With().
		Int("series", job.Series.Number).
		Int("instance", job.Image.Number).
		Logger()

	data, err := s.client.Fetch(ctx, job.Image.Ref, s.opts.Raw, Expect{
		Size:   job.Image.Size,
		SHA256: job.Image.SHA256,
	})
	if err != nil {
		log.Debug().Err(err).Msg("fetch failed")
		return &Result{Job: job, Err: err}
	}

	log.Debug().Int("bytes", len(data)).Stringer("codec", job.Image.Codec).Msg("fetched")
	return &Result{Job: job, Payload: &study.RawPayload{Data: data, Codec: job.Image.Codec}}
}
