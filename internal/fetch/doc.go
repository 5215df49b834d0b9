// Package fetch retrieves image payloads from viewer portals.
//
// This package handles:
//   - Connection pooling for high parallelism
//   - Retry with jittered exponential backoff
//   - Transient vs permanent failure classification
//   - Per-origin outstanding-request caps to stay under portal rate limits
//   - A bounded worker pool consuming a descriptor stream
//
// # Usage
//
//	client := fetch.NewClient(fetch.DefaultOptions())
//	sched := fetch.NewScheduler(client, fetch.SchedulerOptions{Concurrency: 4})
//	for res := range sched.Run(ctx, jobs) {
//	    // res.Job identifies the descriptor; completion order is unspecified.
//	}
package fetch
