package manifest

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/wxhou/cloud-dicom-downloader/internal/study"
)

const sampleManifest = `
study:
  patient: DOE^JANE
  exam: MR BRAIN
  datetime: "2024-09-01 10:30:00"
  id: exam-token-1
defaults:
  codec: deflate
  rows: 256
  columns: 256
  bits: 16
series:
  - number: 1
    name: Axial
    images:
      - instance: 1
        url: https://portal.example/s1/i1
        raw_url: https://portal.example/s1/i1/raw
        headers:
          Authorization: Bearer tok
      - instance: 2
        url: https://portal.example/s1/i2
        size: 131072
        sha256: abc123
  - number: 2
    name: Localizer
    images:
      - instance: 1
        url: https://portal.example/s2/i1
        codec: jpeg2000
        tags:
          "0008,0060": MR
`

func TestParseManifest(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	st, err := m.StudyDescriptor()
	if err != nil {
		t.Fatalf("StudyDescriptor: %v", err)
	}
	if st.PatientName != "DOE^JANE" || st.ExamName != "MR BRAIN" || st.ID != "exam-token-1" {
		t.Errorf("study = %+v", st)
	}
	want := time.Date(2024, 9, 1, 10, 30, 0, 0, time.UTC)
	if !st.ExamTime.Equal(want) {
		t.Errorf("exam time = %v, want %v", st.ExamTime, want)
	}
}

func drain(t *testing.T, src study.SeriesSource) []*study.Series {
	t.Helper()
	var out []*study.Series
	for {
		se, err := src.Next(context.Background())
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, se)
	}
}

func TestSourceSeries(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	series := drain(t, m.Source())
	if len(series) != 2 {
		t.Fatalf("got %d series, want 2", len(series))
	}

	se1 := series[0]
	if se1.Number != 1 || se1.Name != "Axial" || len(se1.Images) != 2 {
		t.Errorf("series 1 = %+v", se1)
	}

	// Defaults fill unset image fields.
	img := se1.Images[0]
	if img.Codec != study.CodecDeflate {
		t.Errorf("codec = %v, want deflate", img.Codec)
	}
	if img.Geometry.Rows != 256 || img.Geometry.Columns != 256 || img.Geometry.BitsAllocated != 16 {
		t.Errorf("geometry = %+v", img.Geometry)
	}
	if img.Geometry.Photometric != "MONOCHROME2" {
		t.Errorf("photometric = %q", img.Geometry.Photometric)
	}

	if se1.Images[1].Size != 131072 || se1.Images[1].SHA256 != "abc123" {
		t.Errorf("image 2 validation fields = %+v", se1.Images[1])
	}

	// Per-image codec wins over the default, tags are parsed.
	img2 := series[1].Images[0]
	if img2.Codec != study.CodecJPEG2000 {
		t.Errorf("codec = %v, want jpeg2000", img2.Codec)
	}
	if len(img2.Tags) != 1 || img2.Tags[0].Group != 0x0008 || img2.Tags[0].Element != 0x0060 || img2.Tags[0].Value != "MR" {
		t.Errorf("tags = %+v", img2.Tags)
	}
}

func TestHTTPRef(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	img := drain(t, m.Source())[0].Images[0]

	req, err := img.Ref.NewRequest(context.Background(), false)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if req.URL.String() != "https://portal.example/s1/i1" {
		t.Errorf("url = %s", req.URL)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer tok" {
		t.Errorf("authorization header = %q", got)
	}

	raw, err := img.Ref.NewRequest(context.Background(), true)
	if err != nil {
		t.Fatalf("NewRequest raw: %v", err)
	}
	if raw.URL.String() != "https://portal.example/s1/i1/raw" {
		t.Errorf("raw url = %s", raw.URL)
	}
}

func TestHTTPRefRawFallsBackWithoutVariant(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	img := drain(t, m.Source())[0].Images[1] // no raw_url

	req, err := img.Ref.NewRequest(context.Background(), true)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if req.URL.String() != "https://portal.example/s1/i2" {
		t.Errorf("raw request fell through to %s", req.URL)
	}
}

func TestParseRejectsIncompleteManifest(t *testing.T) {
	cases := map[string]string{
		"missing patient": `
study:
  id: x
series:
  - number: 1
`,
		"missing id": `
study:
  patient: P
series:
  - number: 1
`,
		"no series": `
study:
  patient: P
  id: x
`,
		"bad yaml": `{`,
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected parse error", name)
		}
	}
}

func TestSourceBadEntryIsAdapterError(t *testing.T) {
	cases := map[string]string{
		"missing url": `
study: {patient: P, id: x}
series:
  - number: 1
    images:
      - instance: 1
`,
		"unknown codec": `
study: {patient: P, id: x}
series:
  - number: 1
    images:
      - instance: 1
        url: https://p/i
        codec: brotli
        rows: 8
        columns: 8
        bits: 8
`,
		"missing geometry": `
study: {patient: P, id: x}
series:
  - number: 1
    images:
      - instance: 1
        url: https://p/i
        codec: raw
`,
		"aes without key": `
study: {patient: P, id: x}
series:
  - number: 1
    images:
      - instance: 1
        url: https://p/i
        codec: aes+deflate
        rows: 8
        columns: 8
        bits: 8
`,
		"bad tag spec": `
study: {patient: P, id: x}
series:
  - number: 1
    images:
      - instance: 1
        url: https://p/i
        rows: 8
        columns: 8
        bits: 8
        tags:
          "nope": x
`,
		"missing instance number": `
study: {patient: P, id: x}
series:
  - number: 1
    images:
      - url: https://p/i
        rows: 8
        columns: 8
        bits: 8
`,
		"duplicate instance number": `
study: {patient: P, id: x}
series:
  - number: 1
    images:
      - instance: 3
        url: https://p/i3
        rows: 8
        columns: 8
        bits: 8
      - instance: 3
        url: https://p/i3b
        rows: 8
        columns: 8
        bits: 8
`,
	}

	for name, doc := range cases {
		m, err := Parse([]byte(doc))
		if err != nil {
			t.Errorf("%s: unexpected parse error: %v", name, err)
			continue
		}
		_, err = m.Source().Next(context.Background())
		var ae *study.AdapterError
		if !errors.As(err, &ae) {
			t.Errorf("%s: expected *study.AdapterError, got %v", name, err)
		}
	}
}

func TestAESKeyMaterial(t *testing.T) {
	doc := `
study: {patient: P, id: x}
series:
  - number: 1
    images:
      - instance: 1
        url: https://p/i
        codec: aes+deflate
        rows: 8
        columns: 8
        bits: 8
        key: "000102030405060708090a0b0c0d0e0f"
        iv: "0f0e0d0c0b0a09080706050403020100"
`
	m, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	img := drain(t, m.Source())[0].Images[0]
	if len(img.Key) != 16 || len(img.IV) != 16 {
		t.Errorf("key/iv lengths = %d/%d, want 16/16", len(img.Key), len(img.IV))
	}
}

func TestDatetimeFormats(t *testing.T) {
	for _, dt := range []string{"2024-09-01 10:30:00", "2024-09-01T10:30:00Z", "2024-09-01"} {
		if _, err := parseDatetime(dt); err != nil {
			t.Errorf("parseDatetime(%q): %v", dt, err)
		}
	}
	if _, err := parseDatetime("yesterday"); err == nil {
		t.Error("expected error for unparseable datetime")
	}
}
