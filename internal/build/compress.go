package build

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"
)

// minCompressSize is the smallest file worth precompressing.
const minCompressSize = 256

var compressible = map[string]bool{
	".css":         true,
	".html":        true,
	".js":          true,
	".json":        true,
	".map":         true,
	".mjs":         true,
	".svg":         true,
	".txt":         true,
	".webmanifest": true,
	".xml":         true,
}

// precompress writes .gz and .zst siblings for every text asset below root
// and returns how many files were compressed.
func precompress(ctx context.Context, root string) (int, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if !compressible[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() >= minCompressSize {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	// EncodeAll is safe for concurrent use.
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return 0, zerr.Wrap(err, "create zstd encoder")
	}
	defer enc.Close()

	var n atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return zerr.With(zerr.Wrap(err, "read asset"), "path", path)
			}

			gz, err := gzipBytes(data)
			if err != nil {
				return zerr.With(zerr.Wrap(err, "gzip asset"), "path", path)
			}
			if err := os.WriteFile(path+".gz", gz, 0o644); err != nil {
				return zerr.With(zerr.Wrap(err, "write asset"), "path", path+".gz")
			}
			if err := os.WriteFile(path+".zst", enc.EncodeAll(data, nil), 0o644); err != nil {
				return zerr.With(zerr.Wrap(err, "write asset"), "path", path+".zst")
			}
			n.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(n.Load()), err
	}
	return int(n.Load()), nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// IsPrecompressed reports whether path is a sibling written by precompress.
func IsPrecompressed(path string) bool {
	return strings.HasSuffix(path, ".gz") || strings.HasSuffix(path, ".zst")
}
