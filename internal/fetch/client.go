package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wxhou/cloud-dicom-downloader/internal/study"
)

// Error is a failed fetch. Permanent errors were not retried; transient
// errors exhausted their retry attempts.
type Error struct {
	// Permanent marks failures that retrying cannot fix, such as an
	// expired credential or a missing image.
	Permanent bool

	// Status is the last HTTP status code, 0 for transport errors.
	Status int

	Err error
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Status != 0 {
		return fmt.Sprintf("fetch: %s failure (status %d): %v", kind, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch: %s failure: %v", kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options configures the fetch client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 100
	MaxIdleConnsPerHost int

	// Timeout for individual requests. Also bounds how long an in-flight
	// request may run on after cancellation.
	// Default: 30s
	Timeout time.Duration

	// RetryAttempts is the maximum number of retry attempts.
	// Default: 5
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 1s
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 30s
	RetryMaxBackoff time.Duration

	// MaxPerOrigin caps outstanding requests per origin, independent of
	// the worker count.
	// Default: 4
	MaxPerOrigin int

	// Logger receives per-attempt debug logging.
	Logger zerolog.Logger
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 100,
		Timeout:             30 * time.Second,
		RetryAttempts:       5,
		RetryBackoff:        time.Second,
		RetryMaxBackoff:     30 * time.Second,
		MaxPerOrigin:        4,
		Logger:              zerolog.Nop(),
	}
}

// Expect carries optional post-fetch validation from the descriptor. A
// mismatch counts as a transient failure since it usually means a
// truncated or mangled transfer.
type Expect struct {
	// Size in bytes, 0 if unknown.
	Size int64

	// SHA256 of the payload in hex, empty if unknown.
	SHA256 string
}

// Client fetches image payloads with retry and per-origin throttling.
type Client struct {
	client  *http.Client
	opts    Options
	origins *originLimiter
}

// NewClient creates a new fetch client with the given options.
func NewClient(opts Options) *Client {
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.RetryMaxBackoff <= 0 {
		opts.RetryMaxBackoff = 30 * time.Second
	}
	if opts.MaxPerOrigin <= 0 {
		opts.MaxPerOrigin = 4
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true, // payloads are binary, let the codec layer handle encodings
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		opts:    opts,
		origins: newOriginLimiter(opts.MaxPerOrigin),
	}
}

// Fetch retrieves one payload through the opaque reference. Transient
// failures (transport errors, 5xx, throttling) are retried with backoff;
// permanent failures return immediately. Cancellation stops further
// attempts but lets the in-flight request run to its own timeout.
func (c *Client) Fetch(ctx context.Context, ref study.FetchRef, raw bool, expect Expect) ([]byte, error) {
	var lastErr *Error

	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			c.opts.Logger.Debug().Int("attempt", attempt).AnErr("cause", lastErr).Msg("retrying fetch")
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := c.attempt(ctx, ref, raw, expect)
		if err == nil {
			return data, nil
		}
		if err.Permanent {
			return nil, err
		}
		lastErr = err
	}

	return nil, &Error{
		Status: lastErr.Status,
		Err:    fmt.Errorf("giving up after %d attempts: %w", c.opts.RetryAttempts+1, lastErr.Err),
	}
}

func (c *Client) attempt(ctx context.Context, ref study.FetchRef, raw bool, expect Expect) ([]byte, *Error) {
	// The request context is detached from the run context so that an
	// already-dispatched fetch is not torn down mid-body on cancellation;
	// the client timeout bounds the grace period.
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.Timeout)
	defer cancel()

	req, err := ref.NewRequest(reqCtx, raw)
	if err != nil {
		return nil, &Error{Permanent: true, Err: fmt.Errorf("create request: %w", err)}
	}

	release, err := c.origins.acquire(ctx, originOf(req.URL))
	if err != nil {
		return nil, &Error{Err: err}
	}
	defer release()

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &Error{Err: err}
	}
	defer resp.Body.Close()

	if err := checkStatusCode(resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("read body: %w", err)}
	}

	if expect.Size > 0 && int64(len(data)) != expect.Size {
		return nil, &Error{Err: fmt.Errorf("payload size mismatch: got %d, want %d", len(data), expect.Size)}
	}
	if expect.SHA256 != "" {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != expect.SHA256 {
			return nil, &Error{Err: fmt.Errorf("payload checksum mismatch")}
		}
	}

	return data, nil
}

// backoff waits for an exponentially increasing duration with jitter.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > c.opts.RetryMaxBackoff {
		backoff = c.opts.RetryMaxBackoff
	}

	// Add jitter: 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

func checkStatusCode(code int) *Error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized,
		code == http.StatusForbidden,
		code == http.StatusNotFound,
		code == http.StatusGone:
		return &Error{Permanent: true, Status: code, Err: fmt.Errorf("%s", http.StatusText(code))}
	case code == http.StatusTooManyRequests || code >= 500:
		return &Error{Status: code, Err: fmt.Errorf("%s", http.StatusText(code))}
	default:
		return &Error{Permanent: true, Status: code, Err: fmt.Errorf("unexpected status code %d", code)}
	}
}

func originOf(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

// originLimiter caps outstanding requests per origin. Workers from the
// pool block here when a single portal already has MaxPerOrigin requests
// in flight.
type originLimiter struct {
	mu    sync.Mutex
	max   int
	slots map[string]chan struct{}
}

func newOriginLimiter(max int) *originLimiter {
	return &originLimiter{max: max, slots: make(map[string]chan struct{})}
}

func (l *originLimiter) acquire(ctx context.Context, origin string) (func(), error) {
	l.mu.Lock()
	sem, ok := l.slots[origin]
	if !ok {
		sem = make(chan struct{}, l.max)
		l.slots[origin] = sem
	}
	l.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
