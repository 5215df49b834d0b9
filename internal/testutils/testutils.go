// Package testutils provides shared test infrastructure: a fake viewer
// portal backed by httptest, with failure injection and concurrency
// accounting.
package testutils

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wxhou/cloud-dicom-downloader/internal/study"
)

// PortalImage is one image the fake portal serves.
type PortalImage struct {
	Path string
	Data []byte

	// RawData, when set, is served on Path + "/raw".
	RawData []byte

	// FailFirst makes the first N requests for this path return
	// FailStatus before succeeding.
	FailFirst  int
	FailStatus int

	// Status, when non-zero, is returned unconditionally.
	Status int

	// Delay is slept before responding, to widen concurrency windows.
	Delay time.Duration
}

// Portal is a fake viewer portal. It tracks per-path hit counts and the
// peak number of concurrent requests, so tests can assert on retry and
// concurrency behavior.
type Portal struct {
	Server *httptest.Server

	mu      sync.Mutex
	hits    map[string]int
	images  map[string]*PortalImage
	current atomic.Int32
	peak    atomic.Int32
}

// StartPortal starts a fake portal serving the given images. The server
// is shut down with the test.
func StartPortal(t *testing.T, images []PortalImage) *Portal {
	t.Helper()

	p := &Portal{
		hits:   make(map[string]int),
		images: make(map[string]*PortalImage),
	}
	for i := range images {
		img := images[i]
		p.images[img.Path] = &img
		if img.RawData != nil {
			p.images[img.Path+"/raw"] = &PortalImage{Path: img.Path + "/raw", Data: img.RawData}
		}
	}

	p.Server = httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(p.Server.Close)
	return p
}

func (p *Portal) serve(w http.ResponseWriter, r *http.Request) {
	cur := p.current.Add(1)
	defer p.current.Add(-1)
	for {
		peak := p.peak.Load()
		if cur <= peak || p.peak.CompareAndSwap(peak, cur) {
			break
		}
	}

	p.mu.Lock()
	img, ok := p.images[r.URL.Path]
	p.hits[r.URL.Path]++
	hit := p.hits[r.URL.Path]
	p.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if img.Status != 0 {
		w.WriteHeader(img.Status)
		return
	}
	if hit <= img.FailFirst {
		status := img.FailStatus
		if status == 0 {
			status = http.StatusServiceUnavailable
		}
		w.WriteHeader(status)
		return
	}
	if img.Delay > 0 {
		time.Sleep(img.Delay)
	}
	w.Write(img.Data)
}

// URL returns the absolute URL of a portal path.
func (p *Portal) URL(path string) string {
	return p.Server.URL + path
}

// Hits returns how many requests a path received.
func (p *Portal) Hits(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits[path]
}

// PeakConcurrency returns the highest number of requests the portal
// handled at the same time.
func (p *Portal) PeakConcurrency() int {
	return int(p.peak.Load())
}

// Ref builds a fetch reference for a portal path, with Path + "/raw" as
// the uncompressed variant.
func (p *Portal) Ref(path string) study.FetchRef {
	return &portalRef{url: p.Server.URL + path, rawURL: p.Server.URL + path + "/raw"}
}

type portalRef struct {
	url    string
	rawURL string
}

func (r *portalRef) NewRequest(ctx context.Context, raw bool) (*http.Request, error) {
	url := r.url
	if raw {
		url = r.rawURL
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
}

// GrayFrame returns a deterministic 8-bit test frame of the given size.
func GrayFrame(rows, cols int) []byte {
	data := make([]byte, rows*cols)
	for i := range data {
		data[i] = byte(i % 256)
	}
	return data
}

// SHA256Hex returns the lowercase hex digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
