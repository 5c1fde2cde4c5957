package build

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.trai.ch/zerr"

	"github.com/kiln-dev/kiln/internal/bundler"
	"github.com/kiln-dev/kiln/internal/compiler"
	"github.com/kiln-dev/kiln/internal/config"
	"github.com/kiln-dev/kiln/internal/errors"
)

// ManifestName is the asset manifest written at the root of a build.
const ManifestName = "manifest.json"

// Result contains the build output.
type Result struct {
	// Duration is how long the build took.
	Duration time.Duration

	// Output is the build output directory.
	Output string

	// Manifest maps every output file, relative with forward slashes, to
	// its SHA-256 fingerprint.
	Manifest map[string]string

	// BundleSize is the total size of the client bundle in bytes.
	BundleSize int64

	// Compressed is the number of files precompressed.
	Compressed int
}

// Options configures the builder.
type Options struct {
	// Minify enables minification.
	Minify bool

	// SourceMaps enables source map generation.
	SourceMaps bool

	// Precompress writes .gz and .zst siblings of text assets.
	Precompress bool

	// StripScripts lists script src values removed from HTML pages.
	StripScripts []string

	Bundler      bundler.Bundler
	Compiler     compiler.Compiler
	Preprocessor *compiler.Preprocessor
	Logger       *slog.Logger

	// OnProgress is called with progress updates.
	OnProgress func(step string)
}

// Builder handles production builds.
type Builder struct {
	config  *config.Config
	options Options
	logger  *slog.Logger
}

// New creates a new builder.
func New(cfg *config.Config, options Options) *Builder {
	// Apply config defaults to options
	if !options.Minify && cfg.Build.Minify {
		options.Minify = true
	}
	if !options.SourceMaps && cfg.Build.SourceMaps {
		options.SourceMaps = true
	}
	if !options.Precompress && cfg.Build.Precompress {
		options.Precompress = true
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default().With("component", "build")
	}

	return &Builder{
		config:  cfg,
		options: options,
		logger:  logger,
	}
}

// Build performs a production build.
func (b *Builder) Build(ctx context.Context) (*Result, error) {
	start := time.Now()
	outputDir := b.config.OutputPath()
	result := &Result{Output: outputDir}

	b.progress("Cleaning output directory...")
	if err := os.RemoveAll(outputDir); err != nil {
		return nil, errors.New("E142").WithDetail(outputDir).Wrap(err)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, errors.New("E142").WithDetail(outputDir).Wrap(err)
	}

	b.progress("Copying content bases...")
	if err := b.copyContentBases(outputDir); err != nil {
		return nil, errors.New("E102").WithDetail("cannot copy content bases").Wrap(err)
	}

	b.progress("Bundling...")
	pipeline, err := NewPipeline(b.config, PipelineOptions{
		Compiler:     b.options.Compiler,
		Preprocessor: b.options.Preprocessor,
		Logger:       b.logger,
	})
	if err != nil {
		return nil, err
	}
	client := pipeline.Client
	client.Minify = b.options.Minify
	client.SourceMap = b.options.SourceMaps
	size, err := b.bundle(ctx, client)
	if err != nil {
		return nil, err
	}
	result.BundleSize = size

	if pipeline.Server != nil {
		b.progress("Bundling server...")
		server := *pipeline.Server
		server.OutDir = filepath.Join(outputDir, "server")
		server.SourceMap = b.options.SourceMaps
		if _, err := b.bundle(ctx, server); err != nil {
			return nil, err
		}
	}

	b.progress("Rewriting HTML...")
	if err := b.rewritePages(outputDir); err != nil {
		return nil, err
	}

	if b.options.Precompress {
		b.progress("Compressing assets...")
		n, err := precompress(ctx, outputDir)
		if err != nil {
			return nil, errors.New("E102").WithDetail("cannot precompress assets").Wrap(err)
		}
		result.Compressed = n
	}

	b.progress("Writing manifest...")
	manifest, err := buildManifest(outputDir)
	if err != nil {
		return nil, errors.New("E102").WithDetail("cannot fingerprint output").Wrap(err)
	}
	if err := writeManifest(outputDir, manifest); err != nil {
		return nil, errors.New("E102").WithDetail("cannot write manifest").Wrap(err)
	}
	result.Manifest = manifest

	result.Duration = time.Since(start)
	return result, nil
}

// bundle runs one production bundle and writes its outputs, returning
// their total size.
func (b *Builder) bundle(ctx context.Context, req bundler.Request) (int64, error) {
	res, err := b.options.Bundler.Bundle(ctx, req)
	if err != nil {
		return 0, err
	}
	defer b.options.Bundler.Dispose(res.CacheHint)

	for _, w := range res.Warnings {
		b.logger.Warn("bundle warning", "warning", w)
	}

	var size int64
	for _, f := range res.Outputs {
		dst := filepath.Join(req.OutDir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return 0, errors.New("E142").WithDetail(filepath.Dir(dst)).Wrap(err)
		}
		if err := os.WriteFile(dst, f.Contents, 0o644); err != nil {
			return 0, errors.New("E102").WithDetail(dst).Wrap(err)
		}
		size += int64(len(f.Contents))
	}
	return size, nil
}

// copyContentBases copies every content base into outputDir. Bases are
// copied lowest priority first so earlier bases win. Build outputs living
// inside a base are skipped.
func (b *Builder) copyContentBases(outputDir string) error {
	skip := []string{
		outputDir,
		b.config.DevOutputPath(),
		b.config.ServerOutputPath(),
	}

	bases := b.config.ContentBasePaths()
	for i := len(bases) - 1; i >= 0; i-- {
		base := bases[i]
		if _, err := os.Stat(base); os.IsNotExist(err) {
			continue
		}
		err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			for _, s := range skip {
				if isWithinDir(path, s) {
					if d.IsDir() {
						return filepath.SkipDir
					}
					return nil
				}
			}
			if d.IsDir() {
				return nil
			}

			rel, err := filepath.Rel(base, path)
			if err != nil {
				return err
			}
			return copyFile(path, filepath.Join(outputDir, rel))
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// rewritePages strips comments and dev-only scripts from every HTML page.
func (b *Builder) rewritePages(outputDir string) error {
	return filepath.WalkDir(outputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".html") {
			return err
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return errors.New("E102").WithDetail(path).Wrap(err)
		}
		out, err := RewriteHTML(src, b.options.StripScripts)
		if err != nil {
			return errors.New("E102").WithDetail("cannot parse " + path).Wrap(err)
		}
		if err := os.WriteFile(path, out, 0o644); err != nil {
			return errors.New("E102").WithDetail(path).Wrap(err)
		}
		return nil
	})
}

// buildManifest fingerprints every file below outputDir.
func buildManifest(outputDir string) (map[string]string, error) {
	manifest := make(map[string]string)
	err := filepath.WalkDir(outputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(outputDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == ManifestName {
			return nil
		}
		sum, err := hashFile(path)
		if err != nil {
			return err
		}
		manifest[rel] = sum
		return nil
	})
	return manifest, err
}

// writeManifest writes the asset manifest with sorted keys.
func writeManifest(outputDir string, manifest map[string]string) error {
	keys := make([]string, 0, len(manifest))
	for k := range manifest {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]manifestEntry, len(keys))
	for i, k := range keys {
		ordered[i] = manifestEntry{Path: k, SHA256: manifest[k]}
	}
	data, err := json.MarshalIndent(struct {
		Files []manifestEntry `json:"files"`
	}{ordered}, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(outputDir, ManifestName), data, 0o644)
}

type manifestEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// ReadManifest loads the manifest of a finished build.
func ReadManifest(outputDir string) (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(outputDir, ManifestName))
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "read manifest"), "path", outputDir)
	}
	var doc struct {
		Files []manifestEntry `json:"files"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "parse manifest"), "path", outputDir)
	}
	manifest := make(map[string]string, len(doc.Files))
	for _, f := range doc.Files {
		manifest[f.Path] = f.SHA256
	}
	return manifest, nil
}

// progress reports build progress.
func (b *Builder) progress(step string) {
	if b.options.OnProgress != nil {
		b.options.OnProgress(step)
	}
}

// hashFile returns the SHA256 hash of a file.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// copyFile copies a file, creating the destination directory.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func isWithinDir(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || filepath.IsLocal(rel)
}

// Clean removes the build output directory.
func (b *Builder) Clean() error {
	return os.RemoveAll(b.config.OutputPath())
}
