package dev

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/kiln-dev/kiln/internal/bundler"
	"github.com/kiln-dev/kiln/internal/config"
)

func newSessionProject(t *testing.T, mode config.Mode) *config.Config {
	t.Helper()
	dir := t.TempDir()
	mustWriteFile(t, filepath.Join(dir, "public", "index.html"), "<!DOCTYPE html><script src=\"/dist/main.js\"></script>")
	mustWriteFile(t, filepath.Join(dir, "src", "App.svelte"), "<h1>one</h1>")

	cfg := config.Default(dir)
	cfg.Mode = mode
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.Dev.HotReload = false
	cfg.Dev.OpenBrowser = false
	cfg.Dev.Debounce = config.Duration(50 * time.Millisecond)
	return cfg
}

func startSession(t *testing.T, opts SessionOptions) (*Session, context.CancelFunc, <-chan error) {
	t.Helper()
	session, err := NewSession(opts)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()

	select {
	case <-session.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("Run() returned early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("Timeout waiting for session")
	}
	return session, cancel, done
}

func stopSession(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSession_ServesAndRebuilds(t *testing.T) {
	cfg := newSessionProject(t, config.ModeDOM)
	b := &scriptedBundler{next: func(n int, _ bundler.Request) ([]bundler.OutputFile, error) {
		return output("main.js", "build "+string(rune('0'+n))), nil
	}}
	builds := make(chan RebuildResult, 10)

	session, cancel, done := startSession(t, SessionOptions{
		Config:          cfg,
		Bundler:         b,
		OnBuildComplete: func(r RebuildResult) { builds <- r },
	})

	if r := <-builds; !r.OK {
		t.Fatalf("initial build failed: %v", r.Err)
	}

	resp, err := http.Get("http://" + session.ServerAddr() + "/dist/main.js")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "build 1" {
		t.Errorf("bundle = %q, want %q", body, "build 1")
	}

	mustWriteFile(t, filepath.Join(cfg.Dir(), "src", "App.svelte"), "<h1>two</h1>")
	select {
	case r := <-builds:
		if !r.OK {
			t.Fatalf("rebuild failed: %v", r.Err)
		}
		if len(r.Changed) != 1 || !strings.HasSuffix(r.Changed[0], "App.svelte") {
			t.Errorf("Changed = %v", r.Changed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for rebuild")
	}

	data, err := os.ReadFile(filepath.Join(cfg.DevOutputPath(), "main.js"))
	if err != nil || string(data) != "build 2" {
		t.Errorf("dev bundle = %q, %v", data, err)
	}

	stopSession(t, cancel, done)
	if session.Coordinator().Rebuild(context.Background()).OK {
		t.Error("coordinator should be closed after the session ends")
	}
}

func TestSession_ReloadFollowsServerPort(t *testing.T) {
	cfg := newSessionProject(t, config.ModeDOM)
	cfg.Dev.HotReload = true
	b := &scriptedBundler{next: func(int, bundler.Request) ([]bundler.OutputFile, error) {
		return output("main.js", "x"), nil
	}}

	session, cancel, done := startSession(t, SessionOptions{Config: cfg, Bundler: b})
	defer stopSession(t, cancel, done)

	_, serverPort, err := net.SplitHostPort(session.ServerAddr())
	if err != nil {
		t.Fatal(err)
	}
	_, reloadPort, err := net.SplitHostPort(session.ReloadAddr())
	if err != nil {
		t.Fatalf("reload server not running: %q", session.ReloadAddr())
	}
	sp, _ := strconv.Atoi(serverPort)
	rp, _ := strconv.Atoi(reloadPort)
	if rp != sp+1 {
		t.Errorf("reload port = %d, want %d (dev server port + 1)", rp, sp+1)
	}
}

func TestSession_BundleWritesDoNotRetrigger(t *testing.T) {
	cfg := newSessionProject(t, config.ModeDOM)
	b := &scriptedBundler{next: func(int, bundler.Request) ([]bundler.OutputFile, error) {
		return output("main.js", "x"), nil
	}}

	_, cancel, done := startSession(t, SessionOptions{Config: cfg, Bundler: b})
	time.Sleep(500 * time.Millisecond)
	stopSession(t, cancel, done)

	if got := b.count(); got != 1 {
		t.Errorf("bundler ran %d times, want 1", got)
	}
}

func TestSession_OpenBrowser(t *testing.T) {
	cfg := newSessionProject(t, config.ModeDOM)
	cfg.Dev.OpenBrowser = true
	b := &scriptedBundler{next: func(int, bundler.Request) ([]bundler.OutputFile, error) {
		return output("main.js", "x"), nil
	}}

	opened := make(chan string, 1)
	_, cancel, done := startSession(t, SessionOptions{
		Config:  cfg,
		Bundler: b,
		OpenBrowser: func(url string) error {
			opened <- url
			return nil
		},
	})
	defer stopSession(t, cancel, done)

	select {
	case url := <-opened:
		if url != cfg.DevURL() {
			t.Errorf("opened %q, want %q", url, cfg.DevURL())
		}
	default:
		t.Error("browser was not opened")
	}
}

func TestSession_SSRStartsServerBundle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("server bundle is a shell script")
	}
	cfg := newSessionProject(t, config.ModeSSR)
	cfg.Port = 4567
	cfg.Compiler.Node = "sh"

	script := "echo \"$PORT $KILN_MODE\" > \"$(dirname \"$0\")/started\"\nexec sleep 30\n"
	b := &scriptedBundler{next: func(_ int, req bundler.Request) ([]bundler.OutputFile, error) {
		if req.Platform == bundler.PlatformNode {
			return output("main.js", script), nil
		}
		return output("main.js", "client"), nil
	}}

	session, cancel, done := startSession(t, SessionOptions{Config: cfg, Bundler: b})
	if session.ServerAddr() != "" {
		t.Error("ssr mode should not start the static file server")
	}

	started := filepath.Join(cfg.ServerOutputPath(), "started")
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(started); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server bundle was not started")
		}
		time.Sleep(20 * time.Millisecond)
	}
	data, _ := os.ReadFile(started)
	if got := strings.TrimSpace(string(data)); got != "4567 ssr" {
		t.Errorf("server env = %q, want %q", got, "4567 ssr")
	}

	stopSession(t, cancel, done)
}

func TestSession_BadImportMap(t *testing.T) {
	cfg := newSessionProject(t, config.ModeDOM)
	mustWriteFile(t, cfg.ImportMapPath(), "{not json")

	_, err := NewSession(SessionOptions{Config: cfg, Bundler: &scriptedBundler{}})
	if err == nil {
		t.Fatal("Expected import map error")
	}
}

func TestNetworkIPv4(t *testing.T) {
	ip := networkIPv4()
	if ip == "" {
		t.Skip("no non-loopback IPv4 interface")
	}
	if strings.HasPrefix(ip, "127.") || strings.Contains(ip, ":") {
		t.Errorf("networkIPv4() = %q, want a non-loopback IPv4 address", ip)
	}
}
