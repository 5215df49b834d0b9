package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{100, "100 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{1024 * 1024, "1.00 MB"},
		{256 * 1024 * 1024, "256.00 MB"},
		{1024 * 1024 * 1024, "1.00 GB"},
	}

	for _, tt := range tests {
		result := formatBytes(tt.input)
		if result != tt.expected {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{30 * time.Second, "30s"},
		{90 * time.Second, "1m 30s"},
		{2 * time.Hour, "2h 0m 0s"},
	}

	for _, tt := range tests {
		result := formatDuration(tt.input)
		if result != tt.expected {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestReporterCounts(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(Options{
		Output:         &buf,
		UpdateInterval: time.Hour, // only the final line
		StudyName:      "CT CHEST",
	})

	r.Start()
	r.SeriesDiscovered(3)
	r.ImageStarted()
	r.ImageWritten(1024)
	r.ImageStarted()
	r.ImageFailed()
	r.Stop()

	// Give the update loop a moment to print the final line.
	time.Sleep(50 * time.Millisecond)

	out := buf.String()
	if !strings.Contains(out, "CT CHEST") {
		t.Errorf("expected study name in output, got %q", out)
	}
	if !strings.Contains(out, "1 written") {
		t.Errorf("expected written count in output, got %q", out)
	}
	if !strings.Contains(out, "1 failed") {
		t.Errorf("expected failed count in output, got %q", out)
	}
}

func TestReporterStopIdempotent(t *testing.T) {
	r := NewReporter(Options{Output: &bytes.Buffer{}})
	r.Start()
	r.Stop()
	r.Stop()
}
