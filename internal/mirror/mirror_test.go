package mirror

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(root, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
}

func TestUpload(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"1-Axial/00001.dcm":    "instance-1",
		"1-Axial/00002.dcm":    "instance-2",
		"2-Sagittal/00001.dcm": "instance-3",
		".study":               "exam-token-1",
		"1-Axial/.tmp-123":     "scratch",
	})

	bucket, err := blob.OpenBucket(ctx, "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	defer bucket.Close()

	n, err := Upload(ctx, bucket, root, Options{Prefix: "studies/exam-1"})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if n != 3 {
		t.Errorf("uploaded %d objects, want 3", n)
	}

	data, err := bucket.ReadAll(ctx, "studies/exam-1/1-Axial/00002.dcm")
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "instance-2" {
		t.Errorf("object content = %q", data)
	}

	// Markers and scratch files stay local.
	for _, key := range []string{"studies/exam-1/.study", "studies/exam-1/1-Axial/.tmp-123"} {
		if exists, _ := bucket.Exists(ctx, key); exists {
			t.Errorf("unexpected object %q", key)
		}
	}
}

func TestUploadEmptyTree(t *testing.T) {
	ctx := context.Background()
	bucket, err := blob.OpenBucket(ctx, "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	defer bucket.Close()

	n, err := Upload(ctx, bucket, t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if n != 0 {
		t.Errorf("uploaded %d objects from empty tree", n)
	}
}
