package bundler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kiln-dev/kiln/internal/errors"
)

type fakeComponent struct {
	calls atomic.Int32
	fail  bool
}

func (f *fakeComponent) Name() string            { return "fake-component" }
func (f *fakeComponent) TransformFilter() string { return `\.svelte$` }

func (f *fakeComponent) Transform(_ context.Context, id string, code []byte) (*LoadResult, error) {
	f.calls.Add(1)
	if f.fail {
		return nil, errors.New("E160").WithDetail("Unexpected token").WithLocation(id, 1, 1)
	}
	js := "export default class App {\n  constructor(opts) { opts.target.textContent = " +
		quoteJS(strings.TrimSpace(string(code))) + "; }\n}\n"
	return &LoadResult{Contents: []byte(js), Loader: LoaderJS}, nil
}

func quoteJS(s string) string {
	return "\"" + strings.ReplaceAll(s, "\"", "\\\"") + "\""
}

func newProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "src", "App.svelte"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func request(dir string, comp Plugin) Request {
	return Request{
		Entries: []Entry{{Input: EntryID, Output: "main"}},
		Plugins: []Plugin{
			&VirtualEntry{Root: filepath.Join(dir, "src", "App.svelte"), Hydrate: true},
			HTTPExternal{},
			NewImportMap(map[string]string{"lodash": "https://cdn.example.com/lodash"}),
			comp,
		},
		Format:  FormatESM,
		OutDir:  filepath.Join(dir, "public", "dist"),
		WorkDir: dir,
	}
}

func TestEsbuild_Bundle(t *testing.T) {
	dir := newProject(t)
	comp := &fakeComponent{}
	b := NewEsbuild(nil)

	res, err := b.Bundle(context.Background(), request(dir, comp))
	if err != nil {
		t.Fatalf("Bundle error: %v", err)
	}
	defer b.Dispose(res.CacheHint)

	var main string
	for _, f := range res.Outputs {
		if f.Path == "main.js" {
			main = string(f.Contents)
		}
	}
	if main == "" {
		t.Fatalf("main.js missing from outputs: %+v", res.Outputs)
	}
	for _, want := range []string{"document.body", "hello"} {
		if !strings.Contains(main, want) {
			t.Errorf("main.js should contain %q:\n%s", want, main)
		}
	}
	if comp.calls.Load() == 0 {
		t.Error("component transformer was not called")
	}

	req := request(dir, comp)
	req.CacheHint = res.CacheHint
	again, err := b.Bundle(context.Background(), req)
	if err != nil {
		t.Fatalf("rebuild error: %v", err)
	}
	if again.CacheHint != res.CacheHint {
		t.Error("rebuild with an unchanged request should reuse the cache hint")
	}
}

func TestEsbuild_BundleFailure(t *testing.T) {
	dir := newProject(t)
	b := NewEsbuild(nil)

	_, err := b.Bundle(context.Background(), request(dir, &fakeComponent{fail: true}))
	if err == nil {
		t.Fatal("expected bundle failure")
	}
	failure, ok := err.(*BuildFailure)
	if !ok {
		t.Fatalf("error type = %T, want *BuildFailure", err)
	}
	if len(failure.Errors) == 0 {
		t.Fatal("failure should carry errors")
	}
	if !errors.HasCode(err, "E160") {
		t.Errorf("failure should carry the component's E160 error, got %v", err)
	}
	if failure.Errors[0].Code != "E160" {
		t.Errorf("first error code = %q, want E160 rather than a generic bundle error", failure.Errors[0].Code)
	}
}

func TestEsbuild_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewEsbuild(nil).Bundle(ctx, Request{}); err == nil {
		t.Error("Bundle should fail on a canceled context")
	}
}

func TestImportMap(t *testing.T) {
	m := NewImportMap(map[string]string{
		"svelte":           "https://cdn.skypack.dev/svelte",
		"svelte/":          "https://cdn.skypack.dev/svelte/",
		"svelte/internal/": "https://esm.sh/svelte/internal/",
	})

	tests := []struct {
		spec string
		want string
		ok   bool
	}{
		{"svelte", "https://cdn.skypack.dev/svelte", true},
		{"svelte/store", "https://cdn.skypack.dev/svelte/store", true},
		{"svelte/internal/disclose-version", "https://esm.sh/svelte/internal/disclose-version", true},
		{"react", "", false},
	}
	for _, tt := range tests {
		got, ok := m.Lookup(tt.spec)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Lookup(%q) = %q, %v; want %q, %v", tt.spec, got, ok, tt.want, tt.ok)
		}
	}

	res, err := m.ResolveID(context.Background(), ResolveArgs{Path: "svelte"})
	if err != nil || res == nil || !res.External {
		t.Errorf("ResolveID(svelte) = %+v, %v; want external", res, err)
	}
	if res, _ := m.ResolveID(context.Background(), ResolveArgs{Path: "react"}); res != nil {
		t.Errorf("unmapped specifier should pass, got %+v", res)
	}
}

func TestLoadImportMap(t *testing.T) {
	dir := t.TempDir()

	m, err := LoadImportMap(filepath.Join(dir, "missing.json"))
	if err != nil || len(m.Imports) != 0 {
		t.Fatalf("missing import map = %+v, %v", m, err)
	}

	path := filepath.Join(dir, "import_map.json")
	os.WriteFile(path, []byte(`{"imports": {"dayjs/": "https://esm.sh/dayjs/"}}`), 0644)
	m, err = LoadImportMap(path)
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := m.Lookup("dayjs/plugin/utc"); !ok || got != "https://esm.sh/dayjs/plugin/utc" {
		t.Errorf("Lookup = %q, %v", got, ok)
	}

	m.Merge(map[string]string{"dayjs/": "https://other/", "nanoid": "https://esm.sh/nanoid"})
	if m.Imports["dayjs/"] != "https://esm.sh/dayjs/" {
		t.Error("Merge must not override existing entries")
	}
	if _, ok := m.Lookup("nanoid"); !ok {
		t.Error("Merge should add new entries")
	}

	os.WriteFile(path, []byte(`{not json`), 0644)
	if _, err := LoadImportMap(path); !errors.HasCode(err, "E123") {
		t.Errorf("invalid import map error = %v, want E123", err)
	}
}

func TestEntrySource(t *testing.T) {
	src := EntrySource("/app/src/App.svelte", true)
	for _, want := range []string{`import App from "/app/src/App.svelte"`, "target: document.body", "hydrate: true"} {
		if !strings.Contains(src, want) {
			t.Errorf("entry source should contain %q:\n%s", want, src)
		}
	}
}

func TestBuildFailure_Error(t *testing.T) {
	f := &BuildFailure{Errors: []*errors.KilnError{errors.New("E160"), errors.New("E161")}}
	if !strings.HasPrefix(f.Error(), "2 errors:") {
		t.Errorf("Error() = %q", f.Error())
	}
	if !errors.HasCode(f, "E161") {
		t.Error("HasCode should see every aggregated error")
	}
}
