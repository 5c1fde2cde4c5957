package dev

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kiln-dev/kiln/internal/errors"
)

func newTestFileServer(t *testing.T, fallback string) (*FileServer, string) {
	t.Helper()
	dir := t.TempDir()
	public := filepath.Join(dir, "public")
	mustWriteFile(t, filepath.Join(public, "index.html"), "<!DOCTYPE html><title>app</title>")
	mustWriteFile(t, filepath.Join(public, "dist", "main.js"), "console.log(1)")
	mustWriteFile(t, filepath.Join(dir, "secret.txt"), "secret")

	srv := NewFileServer(FileServerOptions{
		ContentBase: []string{public},
		Fallback:    fallback,
		DefaultType: "text/plain",
		Headers:     map[string]string{"X-Dev": "kiln"},
		Metrics:     NewMetrics(),
	})
	return srv, dir
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestFileServer_Index(t *testing.T) {
	srv, _ := newTestFileServer(t, "")

	rec := get(t, srv.Handler(), "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET / status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", rec.Header().Get("Cache-Control"))
	}
	if rec.Header().Get("X-Dev") != "kiln" {
		t.Error("Expected custom header on response")
	}
	if !strings.Contains(rec.Body.String(), "<title>app</title>") {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestFileServer_Bundle(t *testing.T) {
	srv, _ := newTestFileServer(t, "")

	rec := get(t, srv.Handler(), "/dist/main.js")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "javascript") {
		t.Errorf("Content-Type = %q, want javascript", ct)
	}
	if rec.Header().Get("Content-Length") != "14" {
		t.Errorf("Content-Length = %q, want 14", rec.Header().Get("Content-Length"))
	}
}

func TestFileServer_Bootstrap(t *testing.T) {
	srv, _ := newTestFileServer(t, "")

	rec := get(t, srv.Handler(), BootstrapPath)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/javascript" {
		t.Errorf("Content-Type = %q, want application/javascript", ct)
	}
	if rec.Body.String() != BootstrapScript {
		t.Error("Expected bootstrap script body")
	}
}

func TestFileServer_NotFound(t *testing.T) {
	srv, dir := newTestFileServer(t, "")

	rec := get(t, srv.Handler(), "/missing.png")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "404 Not Found\n\n") {
		t.Errorf("body = %q, want 404 prefix", body)
	}
	if !strings.Contains(body, filepath.Join(dir, "public", "missing.png")) {
		t.Errorf("body = %q, want attempted path", body)
	}
}

func TestFileServer_Fallback(t *testing.T) {
	srv, _ := newTestFileServer(t, "/index.html")

	rec := get(t, srv.Handler(), "/users/42")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
}

func TestFileServer_TraversalRejected(t *testing.T) {
	srv, _ := newTestFileServer(t, "/index.html")

	for _, target := range []string{"/%2e%2e/secret.txt", "/..%2fsecret.txt"} {
		rec := get(t, srv.Handler(), target)
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", target, rec.Code)
		}
		if strings.Contains(rec.Body.String(), "secret") && !strings.Contains(rec.Body.String(), "404") {
			t.Errorf("GET %s leaked file contents", target)
		}
	}
}

func TestFileServer_Head(t *testing.T) {
	srv, _ := newTestFileServer(t, "")

	req := httptest.NewRequest(http.MethodHead, "/dist/main.js", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD returned a body of %d bytes", rec.Body.Len())
	}
}

func TestFileServer_Metrics(t *testing.T) {
	srv, _ := newTestFileServer(t, "")
	get(t, srv.Handler(), "/")
	get(t, srv.Handler(), "/missing")

	rec := get(t, srv.Handler(), MetricsPath)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`kiln_http_requests_total{code="200"} 1`, `kiln_http_requests_total{code="404"} 1`} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestFileServer_StartStop(t *testing.T) {
	srv, _ := newTestFileServer(t, "")
	srv.opts.Addr = "127.0.0.1:0"

	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop(t.Context())

	resp, err := http.Get("http://" + srv.Addr() + "/dist/main.js")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "console.log(1)" {
		t.Errorf("body = %q", body)
	}
}

func TestFileServer_PortInUse(t *testing.T) {
	first, _ := newTestFileServer(t, "")
	first.opts.Addr = "127.0.0.1:0"
	if err := first.Start(); err != nil {
		t.Fatal(err)
	}
	defer first.Stop(t.Context())

	second, _ := newTestFileServer(t, "")
	second.opts.Addr = first.Addr()
	err := second.Start()
	if err == nil {
		second.Stop(t.Context())
		t.Fatal("Expected bind failure")
	}
	if !errors.HasCode(err, "E140") {
		t.Errorf("error = %v, want E140", err)
	}
}
