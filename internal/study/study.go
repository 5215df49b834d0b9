package study

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Study identifies one exam. It is produced once per run by the adapter and
// is immutable for the lifetime of the run.
type Study struct {
	// PatientName as displayed by the portal. May be partially masked.
	PatientName string

	// ExamName is the human-readable procedure description.
	ExamName string

	// ExamTime is when the exam was performed.
	ExamTime time.Time

	// ID is the portal's study identifier. It may already be a DICOM UID,
	// but no particular format is assumed.
	ID string
}

// Series is one scan within a study, carrying its ordered images.
type Series struct {
	// Number is the series number, unique within the study.
	Number int

	// Name is the series description. May be empty.
	Name string

	// ID is the portal's series identifier.
	ID string

	// Images are ordered by instance number.
	Images []*Image
}

// Geometry describes the pixel layout declared by the source. The decoder
// must reproduce it exactly.
type Geometry struct {
	Rows            int
	Columns         int
	BitsAllocated   int
	SamplesPerPixel int

	// Photometric is the photometric interpretation, e.g. "MONOCHROME2".
	Photometric string
}

// BytesPerFrame returns the expected size of one uncompressed frame.
func (g Geometry) BytesPerFrame() int {
	spp := g.SamplesPerPixel
	if spp == 0 {
		spp = 1
	}
	return (g.BitsAllocated + 7) / 8 * g.Rows * g.Columns * spp
}

// Tag is an extra DICOM attribute reported by the portal alongside an
// image. Portals report values as strings and usually without a VR.
type Tag struct {
	Group   uint16
	Element uint16
	Value   string
}

// Image describes one instance to fetch.
type Image struct {
	// Number is the instance number, unique within its series, 1-based.
	Number int

	// Ref is the opaque fetch capability for this image.
	Ref FetchRef

	// Codec tells the decoder how the payload bytes are encoded.
	Codec Codec

	// Geometry is the declared pixel layout.
	Geometry Geometry

	// Size is the expected payload size in bytes, 0 if unknown.
	Size int64

	// SHA256 is the expected payload checksum in hex, empty if unknown.
	SHA256 string

	// Key and IV hold cipher material for encrypted codecs.
	Key []byte
	IV  []byte

	// Tags are extra attributes to embed in the output dataset.
	Tags []Tag
}

// FetchRef builds the request that retrieves one image. The scheduler never
// inspects URLs, headers or credentials; it only executes the request.
//
// When raw is true the reference should request uncompressed pixel data
// instead of the provider-default compressed form, if the portal supports
// the distinction.
type FetchRef interface {
	NewRequest(ctx context.Context, raw bool) (*http.Request, error)
}

// SeriesSource is a lazy sequence of series. Next returns io.EOF after the
// last series and *AdapterError if the listing itself cannot be produced.
type SeriesSource interface {
	Next(ctx context.Context) (*Series, error)
}

// AdapterError reports that the adapter could not produce the descriptor
// stream, for example because the share link expired. It aborts the run
// before any fetch work begins.
type AdapterError struct {
	Op  string
	Err error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("adapter: %s: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }
