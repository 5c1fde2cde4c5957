package build

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/kiln-dev/kiln/internal/bundler"
	"github.com/kiln-dev/kiln/internal/config"
)

type fakeBundler struct {
	requests []bundler.Request
	disposed []any
}

func (f *fakeBundler) Bundle(_ context.Context, req bundler.Request) (*bundler.Result, error) {
	f.requests = append(f.requests, req)
	code := strings.Repeat("console.log('kiln');\n", 40)
	return &bundler.Result{
		Outputs:   []bundler.OutputFile{{Path: "main.js", Contents: []byte(code)}},
		CacheHint: len(f.requests),
	}, nil
}

func (f *fakeBundler) Dispose(hint any) { f.disposed = append(f.disposed, hint) }

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
  <!-- dev notes -->
  <script src="/__HOT_RELOAD_BOOTSTRAP__.js"></script>
  <script type="module" src="/dist/main.js"></script>
</head>
<body></body>
</html>
`

func newProject(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	mustWriteFile(t, filepath.Join(dir, "public", "index.html"), testPage)
	mustWriteFile(t, filepath.Join(dir, "public", "favicon.ico"), "icon")
	mustWriteFile(t, filepath.Join(dir, "public", "dist", "main.js"), "stale dev bundle")
	mustWriteFile(t, filepath.Join(dir, "src", "App.svelte"), "<h1>hi</h1>")
	return config.Default(dir)
}

func TestNew_OptionsFromConfig(t *testing.T) {
	cfg := config.New()
	cfg.Build.Minify = true
	cfg.Build.SourceMaps = true
	cfg.Build.Precompress = true

	b := New(cfg, Options{})
	if !b.options.Minify || !b.options.SourceMaps || !b.options.Precompress {
		t.Errorf("options = %+v, want config defaults applied", b.options)
	}
}

func TestBuilder_Build(t *testing.T) {
	cfg := newProject(t)
	fb := &fakeBundler{}
	var steps []string

	b := New(cfg, Options{
		Bundler:      fb,
		StripScripts: []string{"/__HOT_RELOAD_BOOTSTRAP__.js"},
		Precompress:  true,
		OnProgress:   func(step string) { steps = append(steps, step) },
	})
	result, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	out := cfg.OutputPath()
	if len(fb.requests) != 1 {
		t.Fatalf("bundles = %d, want 1 in dom mode", len(fb.requests))
	}
	req := fb.requests[0]
	if req.OutDir != filepath.Join(out, "dist") {
		t.Errorf("OutDir = %q, want %q", req.OutDir, filepath.Join(out, "dist"))
	}
	if !req.Minify {
		t.Error("production bundle should be minified")
	}
	if len(fb.disposed) != 1 {
		t.Errorf("disposed hints = %d, want 1", len(fb.disposed))
	}

	bundle, err := os.ReadFile(filepath.Join(out, "dist", "main.js"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(bundle), "stale") {
		t.Error("dev bundle was copied over the production bundle")
	}
	if _, err := os.Stat(filepath.Join(out, "favicon.ico")); err != nil {
		t.Errorf("content base not copied: %v", err)
	}

	page, err := os.ReadFile(filepath.Join(out, "index.html"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(page), "HOT_RELOAD") || strings.Contains(string(page), "dev notes") {
		t.Errorf("page not rewritten:\n%s", page)
	}
	if !strings.Contains(string(page), `src="/dist/main.js"`) {
		t.Errorf("page lost its bundle script:\n%s", page)
	}

	if result.Compressed == 0 {
		t.Error("expected precompressed assets")
	}
	if _, err := os.Stat(filepath.Join(out, "dist", "main.js.gz")); err != nil {
		t.Errorf("missing gzip sibling: %v", err)
	}

	manifest, err := ReadManifest(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(manifest["dist/main.js"]) != 64 {
		t.Errorf("manifest entry = %q, want sha256 hex", manifest["dist/main.js"])
	}
	if _, ok := manifest[ManifestName]; ok {
		t.Error("manifest lists itself")
	}
	if len(steps) == 0 {
		t.Error("no progress reported")
	}
}

func TestBuilder_Build_SSRBundlesServer(t *testing.T) {
	cfg := newProject(t)
	cfg.Mode = config.ModeSSR
	fb := &fakeBundler{}

	if _, err := New(cfg, Options{Bundler: fb}).Build(context.Background()); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(fb.requests) != 2 {
		t.Fatalf("bundles = %d, want client and server", len(fb.requests))
	}
	if fb.requests[1].Platform != bundler.PlatformNode {
		t.Errorf("server platform = %q", fb.requests[1].Platform)
	}
	if _, err := os.Stat(filepath.Join(cfg.OutputPath(), "server", "main.js")); err != nil {
		t.Errorf("server bundle missing: %v", err)
	}
}

func TestNewPipeline(t *testing.T) {
	cfg := newProject(t)

	p, err := NewPipeline(cfg, PipelineOptions{Dev: true})
	if err != nil {
		t.Fatal(err)
	}
	if p.Server != nil {
		t.Error("dom mode should not build a server bundle")
	}
	if p.Client.OutDir != cfg.DevOutputPath() {
		t.Errorf("dev OutDir = %q, want %q", p.Client.OutDir, cfg.DevOutputPath())
	}
	if !p.Client.SourceMap || p.Client.Minify {
		t.Error("dev bundle should have source maps and no minification")
	}

	cfg.ImportMap = "import_map.json"
	mustWriteFile(t, filepath.Join(cfg.Dir(), "import_map.json"), "{not json")
	if _, err := NewPipeline(cfg, PipelineOptions{}); err == nil {
		t.Error("expected E123 for a broken import map")
	}
}

func TestRewriteHTML(t *testing.T) {
	out, err := RewriteHTML([]byte(testPage), []string{"/__HOT_RELOAD_BOOTSTRAP__.js"})
	if err != nil {
		t.Fatal(err)
	}
	s := string(out)
	if strings.Contains(s, "<!--") {
		t.Error("comment kept")
	}
	if strings.Contains(s, "__HOT_RELOAD_BOOTSTRAP__") {
		t.Error("bootstrap script kept")
	}
	if !strings.Contains(s, "/dist/main.js") {
		t.Error("bundle script removed")
	}
}

func TestPrecompress(t *testing.T) {
	dir := t.TempDir()
	text := strings.Repeat("body { color: red; }\n", 50)
	mustWriteFile(t, filepath.Join(dir, "app.css"), text)
	mustWriteFile(t, filepath.Join(dir, "tiny.css"), "a{}")
	mustWriteFile(t, filepath.Join(dir, "logo.png"), strings.Repeat("x", 1000))

	n, err := precompress(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("compressed = %d, want 1", n)
	}

	gz, err := os.ReadFile(filepath.Join(dir, "app.css.gz"))
	if err != nil {
		t.Fatal(err)
	}
	r, err := gzip.NewReader(bytes.NewReader(gz))
	if err != nil {
		t.Fatal(err)
	}
	plain, err := io.ReadAll(r)
	if err != nil || string(plain) != text {
		t.Errorf("gzip round trip mismatch (err=%v)", err)
	}

	zst, err := os.ReadFile(filepath.Join(dir, "app.css.zst"))
	if err != nil {
		t.Fatal(err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	plain, err = dec.DecodeAll(zst, nil)
	if err != nil || string(plain) != text {
		t.Errorf("zstd round trip mismatch (err=%v)", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "logo.png.gz")); !os.IsNotExist(err) {
		t.Error("binary asset should not be compressed")
	}
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")
	mustWriteFile(t, path, "hello")
	got, err := hashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Errorf("hashFile() = %q, want %q", got, want)
	}
	if _, err := hashFile(path + ".missing"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestBuilder_Clean(t *testing.T) {
	cfg := newProject(t)
	mustWriteFile(t, filepath.Join(cfg.OutputPath(), "x.txt"), "x")
	if err := New(cfg, Options{}).Clean(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(cfg.OutputPath()); !os.IsNotExist(err) {
		t.Error("output directory still exists")
	}
}
