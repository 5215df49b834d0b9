package mirror

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gocloud.dev/blob"
)

// Options configures an upload.
type Options struct {
	// Prefix is prepended to every object key.
	Prefix string

	// Logger receives per-object logging.
	Logger zerolog.Logger
}

// Upload copies every .dcm file under root into the bucket, keyed by the
// root-relative path (slash-separated). Scratch files and layout markers
// stay local.
func Upload(ctx context.Context, bucket *blob.Bucket, root string, opts Options) (int, error) {
	uploaded := 0
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".dcm") {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		key := path.Join(opts.Prefix, filepath.ToSlash(rel))

		if err := uploadOne(ctx, bucket, p, key); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		opts.Logger.Debug().Str("key", key).Msg("mirrored instance")
		uploaded++
		return nil
	})
	return uploaded, err
}

func uploadOne(ctx context.Context, bucket *blob.Bucket, src, key string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := bucket.NewWriter(ctx, key, &blob.WriterOptions{
		ContentType: "application/dicom",
	})
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
