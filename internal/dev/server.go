package dev

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.trai.ch/zerr"

	"github.com/kiln-dev/kiln/internal/errors"
	"github.com/kiln-dev/kiln/internal/static"
)

// MetricsPath is where the dev server exposes session metrics.
const MetricsPath = "/__kiln/metrics"

// FileServerOptions configures the development file server.
type FileServerOptions struct {
	// Addr is the host:port to listen on.
	Addr string

	// ContentBase lists the directories files are served from, in priority order.
	ContentBase []string

	// Fallback is served for unknown paths when set (SPA routing).
	Fallback string

	// DefaultType is the content type for unknown extensions.
	DefaultType string

	// Headers are added to every response.
	Headers map[string]string

	Logger  *slog.Logger
	Metrics *Metrics
}

// FileServer serves the content bases, the hot reload bootstrap script and
// session metrics. It reads whatever is on disk and never waits on a rebuild.
type FileServer struct {
	opts    FileServerOptions
	logger  *slog.Logger
	handler http.Handler

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// NewFileServer creates a file server. Call Start to begin listening.
func NewFileServer(opts FileServerOptions) *FileServer {
	opts.ContentBase = append([]string(nil), opts.ContentBase...)
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "server")
	}
	s := &FileServer{opts: opts, logger: logger}
	s.handler = s.routes()
	return s
}

func (s *FileServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get(BootstrapPath, s.serveBootstrap)
	r.Head(BootstrapPath, s.serveBootstrap)
	r.Get(MetricsPath, s.opts.Metrics.Handler().ServeHTTP)
	r.Get("/*", s.serveFile)
	r.Head("/*", s.serveFile)

	return r
}

// Handler returns the router, for tests and embedding.
func (s *FileServer) Handler() http.Handler {
	return s.handler
}

// Start binds the configured address and serves in the background.
// A bind failure is returned as E140.
func (s *FileServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return nil
	}

	ln, err := listen(s.opts.Addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = srv
	s.listener = ln

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("dev server stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" when not listening.
func (s *FileServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts the server down.
func (s *FileServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return srv.Shutdown(ctx)
}

func (s *FileServer) serveBootstrap(w http.ResponseWriter, r *http.Request) {
	s.setHeaders(w)
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Content-Length", strconv.Itoa(len(BootstrapScript)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		io.WriteString(w, BootstrapScript)
	}
}

func (s *FileServer) serveFile(w http.ResponseWriter, r *http.Request) {
	s.setHeaders(w)

	rf, err := static.Resolve(s.opts.ContentBase, r.URL.EscapedPath(), static.Options{
		Fallback:    s.opts.Fallback,
		DefaultType: s.opts.DefaultType,
	})
	if err != nil {
		if errors.HasCode(err, "E100") {
			s.logger.Warn("rejected request path", "path", r.URL.Path, "error", err)
			s.notFound(w, r.URL.Path)
			return
		}
		s.logger.Error("cannot resolve request", "path", rf.FilePath, "error", err)
		s.internalError(w, rf.FilePath)
		return
	}
	if !rf.Exists {
		s.notFound(w, rf.FilePath)
		return
	}

	f, err := os.Open(rf.FilePath)
	if err != nil {
		s.logger.Error("cannot open file", "path", rf.FilePath, "error", err)
		s.internalError(w, rf.FilePath)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.logger.Error("cannot stat file", "path", rf.FilePath, "error", err)
		s.internalError(w, rf.FilePath)
		return
	}

	w.Header().Set("Content-Type", rf.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Debug("response write failed", "path", rf.FilePath, "error", err)
	}
}

func (s *FileServer) setHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-store")
	for key, value := range s.opts.Headers {
		h.Set(key, value)
	}
}

func (s *FileServer) notFound(w http.ResponseWriter, attempted string) {
	writeText(w, http.StatusNotFound, "404 Not Found\n\n"+attempted)
}

func (s *FileServer) internalError(w http.ResponseWriter, attempted string) {
	writeText(w, http.StatusInternalServerError, "500 Internal Server Error\n\n"+attempted)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	io.WriteString(w, body)
}

// logRequests logs each request at debug level and counts it by status.
func (s *FileServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.opts.Metrics.observeRequest(status)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).Round(time.Microsecond),
		)
	})
}

// listen binds addr, reporting failure as E140.
func listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.New("E140").
			WithDetail("cannot listen on " + addr).
			WithSuggestion("Stop the process using the port or choose another one with --port").
			Wrap(zerr.With(zerr.Wrap(err, "listen"), "addr", addr))
	}
	return ln, nil
}
