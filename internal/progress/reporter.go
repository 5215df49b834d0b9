package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures the progress reporter.
type Options struct {
	// Output is where to write progress output.
	// Default: os.Stdout
	Output io.Writer

	// UpdateInterval is how often to update the progress display.
	// Default: 500ms
	UpdateInterval time.Duration

	// StudyName labels the download (for display).
	StudyName string
}

// Reporter outputs human-readable progress for a study download. Series
// are discovered lazily, so the expected total grows while the download
// runs.
type Reporter struct {
	opts Options

	mu         sync.Mutex
	expected   atomic.Int64
	written    atomic.Int64
	writtenB   atomic.Int64
	failed     atomic.Int64
	inProgress atomic.Int32
	startTime  time.Time
	stopCh     chan struct{}
	stopped    bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}

	return &Reporter{
		opts:   opts,
		stopCh: make(chan struct{}),
	}
}

// Start begins outputting progress information.
func (r *Reporter) Start() {
	r.startTime = time.Now()
	fmt.Fprintf(r.opts.Output, "[dicomdl] Downloading: %s\n", r.opts.StudyName)
	go r.updateLoop()
}

// Stop stops the progress reporter.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
}

// SeriesDiscovered adds a series' image count to the expected total.
func (r *Reporter) SeriesDiscovered(images int) {
	r.expected.Add(int64(images))
}

// ImageStarted marks an image as in progress.
func (r *Reporter) ImageStarted() {
	r.inProgress.Add(1)
}

// ImageWritten marks an image as written to disk.
func (r *Reporter) ImageWritten(size int64) {
	r.written.Add(1)
	r.writtenB.Add(size)
	r.inProgress.Add(-1)
}

// ImageFailed marks an image as failed (removes from in-progress).
func (r *Reporter) ImageFailed() {
	r.failed.Add(1)
	r.inProgress.Add(-1)
}

// updateLoop periodically updates the progress display.
func (r *Reporter) updateLoop() {
	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

// printProgress outputs the current progress.
func (r *Reporter) printProgress() {
	expected := r.expected.Load()
	written := r.written.Load()
	failed := r.failed.Load()
	inProgress := int64(r.inProgress.Load())

	var percent float64
	if expected > 0 {
		percent = float64(written+failed) / float64(expected) * 100
	}

	pending := expected - written - failed - inProgress
	if pending < 0 {
		pending = 0
	}

	fmt.Fprintf(r.opts.Output, "\r[dicomdl] %.1f%% | %d written | %d failed | %d in-progress | %d pending | %s    ",
		percent, written, failed, inProgress, pending, formatBytes(r.writtenB.Load()))
}

// printFinalStatus outputs the final status.
func (r *Reporter) printFinalStatus() {
	written := r.written.Load()
	failed := r.failed.Load()
	duration := time.Since(r.startTime)

	fmt.Fprintf(r.opts.Output, "\r[dicomdl] Done: %d written | %d failed | %s | %s    \n",
		written, failed, formatBytes(r.writtenB.Load()), formatDuration(duration))
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}
