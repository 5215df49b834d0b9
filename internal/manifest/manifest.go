// Package manifest implements a platform adapter driven by a YAML study
// manifest.
//
// Portal adapters proper (authentication, page scraping, token refresh)
// live outside this module; each one boils a portal down to the same
// thing: a study header plus per-image fetch URLs and pixel geometry.
// The manifest format captures exactly that boiled-down form, which makes
// it both the reference adapter for tests and an escape hatch for portals
// without a dedicated adapter.
package manifest

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wxhou/cloud-dicom-downloader/internal/study"
)

// Manifest mirrors the YAML document.
type Manifest struct {
	Study struct {
		Patient  string `yaml:"patient"`
		Exam     string `yaml:"exam"`
		Datetime string `yaml:"datetime"`
		ID       string `yaml:"id"`
	} `yaml:"study"`

	Defaults ImageDefaults `yaml:"defaults"`

	Series []SeriesEntry `yaml:"series"`
}

// ImageDefaults are applied to every image that leaves a field unset.
type ImageDefaults struct {
	Codec       string `yaml:"codec"`
	Rows        int    `yaml:"rows"`
	Columns     int    `yaml:"columns"`
	Bits        int    `yaml:"bits"`
	Samples     int    `yaml:"samples"`
	Photometric string `yaml:"photometric"`
}

// SeriesEntry is one series in the manifest.
type SeriesEntry struct {
	Number int          `yaml:"number"`
	Name   string       `yaml:"name"`
	ID     string       `yaml:"id"`
	Images []ImageEntry `yaml:"images"`
}

// ImageEntry is one image in the manifest.
type ImageEntry struct {
	Instance    int               `yaml:"instance"`
	URL         string            `yaml:"url"`
	RawURL      string            `yaml:"raw_url"`
	Headers     map[string]string `yaml:"headers"`
	Codec       string            `yaml:"codec"`
	Rows        int               `yaml:"rows"`
	Columns     int               `yaml:"columns"`
	Bits        int               `yaml:"bits"`
	Samples     int               `yaml:"samples"`
	Photometric string            `yaml:"photometric"`
	Size        int64             `yaml:"size"`
	SHA256      string            `yaml:"sha256"`
	Key         string            `yaml:"key"`
	IV          string            `yaml:"iv"`
	Tags        map[string]string `yaml:"tags"`
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse parses a manifest document.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Study.Patient == "" {
		return nil, fmt.Errorf("manifest: study.patient is required")
	}
	if m.Study.ID == "" {
		return nil, fmt.Errorf("manifest: study.id is required")
	}
	if len(m.Series) == 0 {
		return nil, fmt.Errorf("manifest: at least one series is required")
	}
	return &m, nil
}

// StudyDescriptor builds the run-scoped study descriptor.
func (m *Manifest) StudyDescriptor() (*study.Study, error) {
	t, err := parseDatetime(m.Study.Datetime)
	if err != nil {
		return nil, fmt.Errorf("manifest: study.datetime: %w", err)
	}
	return &study.Study{
		PatientName: m.Study.Patient,
		ExamName:    m.Study.Exam,
		ExamTime:    t,
		ID:          m.Study.ID,
	}, nil
}

func parseDatetime(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized datetime %q", s)
}

// Source returns the lazy series sequence. Entry validation happens as
// each series is pulled; a bad entry is an adapter failure and aborts the
// run before any of its fetches start.
func (m *Manifest) Source() study.SeriesSource {
	return &source{manifest: m}
}

type source struct {
	manifest *Manifest

	mu   sync.Mutex
	next int
}

func (s *source) Next(ctx context.Context) (*study.Series, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.manifest.Series) {
		return nil, io.EOF
	}
	entry := s.manifest.Series[s.next]
	s.next++

	se, err := s.buildSeries(entry)
	if err != nil {
		return nil, &study.AdapterError{Op: fmt.Sprintf("series %d", entry.Number), Err: err}
	}
	return se, nil
}

func (s *source) buildSeries(entry SeriesEntry) (*study.Series, error) {
	se := &study.Series{
		Number: entry.Number,
		Name:   entry.Name,
		ID:     entry.ID,
	}

	// Instance numbers name the output files, so they must be positive
	// and unique within the series.
	seen := make(map[int]bool, len(entry.Images))
	for _, ie := range entry.Images {
		if ie.Instance < 1 {
			return nil, fmt.Errorf("instance number %d must be >= 1", ie.Instance)
		}
		if seen[ie.Instance] {
			return nil, fmt.Errorf("duplicate instance number %d", ie.Instance)
		}
		seen[ie.Instance] = true

		img, err := s.buildImage(ie)
		if err != nil {
			return nil, fmt.Errorf("instance %d: %w", ie.Instance, err)
		}
		se.Images = append(se.Images, img)
	}
	return se, nil
}

func (s *source) buildImage(ie ImageEntry) (*study.Image, error) {
	if ie.URL == "" {
		return nil, fmt.Errorf("url is required")
	}

	d := s.manifest.Defaults
	codecName := ie.Codec
	if codecName == "" {
		codecName = d.Codec
	}
	if codecName == "" {
		codecName = "raw"
	}
	c, err := study.ParseCodec(codecName)
	if err != nil {
		return nil, err
	}

	geom := study.Geometry{
		Rows:            pick(ie.Rows, d.Rows),
		Columns:         pick(ie.Columns, d.Columns),
		BitsAllocated:   pick(ie.Bits, d.Bits),
		SamplesPerPixel: pick(ie.Samples, d.Samples),
		Photometric:     pickStr(ie.Photometric, d.Photometric, "MONOCHROME2"),
	}
	if c != study.CodecJPEG2000 && (geom.Rows <= 0 || geom.Columns <= 0 || geom.BitsAllocated <= 0) {
		return nil, fmt.Errorf("rows, columns and bits are required for codec %s", c)
	}

	img := &study.Image{
		Number:   ie.Instance,
		Codec:    c,
		Geometry: geom,
		Size:     ie.Size,
		SHA256:   ie.SHA256,
		Ref: &httpRef{
			url:     ie.URL,
			rawURL:  ie.RawURL,
			headers: ie.Headers,
		},
	}

	if c == study.CodecAESDeflate {
		if img.Key, err = hex.DecodeString(ie.Key); err != nil || len(img.Key) == 0 {
			return nil, fmt.Errorf("codec %s requires a hex key", c)
		}
		if img.IV, err = hex.DecodeString(ie.IV); err != nil {
			return nil, fmt.Errorf("codec %s requires a hex iv", c)
		}
	}

	for spec, value := range ie.Tags {
		var group, elem uint16
		if _, err := fmt.Sscanf(spec, "%04x,%04x", &group, &elem); err != nil {
			return nil, fmt.Errorf("bad tag %q", spec)
		}
		img.Tags = append(img.Tags, study.Tag{Group: group, Element: elem, Value: value})
	}

	return img, nil
}

func pick(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func pickStr(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// httpRef is the opaque fetch capability for a manifest image: a plain
// GET with optional portal headers, and an optional alternate URL that
// serves uncompressed pixels.
type httpRef struct {
	url     string
	rawURL  string
	headers map[string]string
}

func (r *httpRef) NewRequest(ctx context.Context, raw bool) (*http.Request, error) {
	url := r.url
	if raw && r.rawURL != "" {
		url = r.rawURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}
