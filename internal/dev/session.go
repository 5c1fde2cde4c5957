package dev

import (
	"context"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/browser"
	"golang.org/x/sync/errgroup"

	"github.com/kiln-dev/kiln/internal/build"
	"github.com/kiln-dev/kiln/internal/bundler"
	"github.com/kiln-dev/kiln/internal/compiler"
	"github.com/kiln-dev/kiln/internal/config"
	"github.com/kiln-dev/kiln/internal/errors"
	"github.com/kiln-dev/kiln/internal/ssr"
)

// SessionOptions configures a dev session.
type SessionOptions struct {
	// Config is the project configuration.
	Config *config.Config

	Bundler      bundler.Bundler
	Compiler     compiler.Compiler
	Preprocessor *compiler.Preprocessor

	// Writer puts artifacts on disk (default DiskWriter).
	Writer ArtifactWriter

	// OpenBrowser opens a URL (default browser.OpenURL). Only called when
	// the config enables it.
	OpenBrowser func(url string) error

	// OnBuildStart is called when a build starts.
	OnBuildStart func(changed []string)

	// OnBuildComplete is called when a build completes.
	OnBuildComplete func(result RebuildResult)

	Logger *slog.Logger
}

// Session wires the dev server, reload channel, watcher and rebuild
// coordinator together for one project.
type Session struct {
	opts   SessionOptions
	cfg    *config.Config
	logger *slog.Logger

	metrics     *Metrics
	pipeline    *build.Pipeline
	coordinator *Coordinator
	server      *FileServer
	reload      *ReloadServer
	watcher     *Watcher
	task        *ssr.Task

	ready chan struct{}
}

// NewSession assembles a session. It fails when the project's bundle
// pipeline cannot be built (for example an unreadable import map).
func NewSession(opts SessionOptions) (*Session, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.OpenBrowser == nil {
		opts.OpenBrowser = browser.OpenURL
	}

	pipeline, err := build.NewPipeline(cfg, build.PipelineOptions{
		Dev:          true,
		Compiler:     opts.Compiler,
		Preprocessor: opts.Preprocessor,
		Logger:       logger.With("component", "compiler"),
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		opts:     opts,
		cfg:      cfg,
		logger:   logger,
		metrics:  NewMetrics(),
		pipeline: pipeline,
		ready:    make(chan struct{}),
	}
	s.metrics.WatchCache(build.TargetClient, pipeline.ClientCache)

	targets := []Target{{Name: build.TargetClient, Request: pipeline.Client}}
	if pipeline.Server != nil {
		targets = append(targets, Target{Name: build.TargetServer, Request: *pipeline.Server})
		s.metrics.WatchCache(build.TargetServer, pipeline.ServerCache)
		s.task = ssr.NewTask(ssr.Options{
			Node:   cfg.Compiler.Node,
			Dir:    cfg.Dir(),
			Logger: logger.With("component", "ssr"),
		})
	}

	if cfg.Dev.HotReload {
		s.reload = NewReloadServer(ReloadOptions{
			Logger:  logger.With("component", "reload"),
			Metrics: s.metrics,
		})
	}

	coordOpts := CoordinatorOptions{
		Bundler:         opts.Bundler,
		Targets:         targets,
		Writer:          opts.Writer,
		OnBuildStart:    opts.OnBuildStart,
		OnBuildComplete: opts.OnBuildComplete,
		AfterSuccess:    s.afterSuccess,
		Logger:          logger.With("component", "coordinator"),
		Metrics:         s.metrics,
	}
	if s.reload != nil {
		coordOpts.Reload = s.reload
	}
	s.coordinator = NewCoordinator(coordOpts)

	if cfg.Mode == config.ModeDOM {
		s.server = NewFileServer(FileServerOptions{
			Addr:        cfg.DevAddress(),
			ContentBase: cfg.ContentBasePaths(),
			Fallback:    cfg.HistoryAPIFallback.Target(),
			DefaultType: cfg.Dev.DefaultType,
			Headers:     cfg.Dev.Headers,
			Logger:      logger.With("component", "server"),
			Metrics:     s.metrics,
		})
	}

	s.watcher = NewWatcher(WatcherConfig{
		Root:     cfg.Dir(),
		Patterns: CollectWatchPatterns(cfg),
		Ignore:   CollectIgnore(cfg),
		Debounce: cfg.Dev.Debounce.Std(),
		Logger:   logger.With("component", "watcher"),
	})
	s.watcher.OnChange(s.handleChanges)

	return s, nil
}

// Ready is closed once the first build finished and every listener is up.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// ServerAddr returns the dev server's bound address, or "" when it is not
// running.
func (s *Session) ServerAddr() string {
	if s.server == nil {
		return ""
	}
	return s.server.Addr()
}

// ReloadAddr returns the hot reload server's bound address, or "" when hot
// reload is off.
func (s *Session) ReloadAddr() string {
	if s.reload == nil {
		return ""
	}
	return s.reload.Addr()
}

// reloadAddr sits one port above the dev server, where the bootstrap script
// looks for it. With port 0 that is only known after the server has bound.
func (s *Session) reloadAddr() string {
	port := s.cfg.ReloadPort()
	if s.server != nil {
		if _, p, err := net.SplitHostPort(s.server.Addr()); err == nil {
			if n, err := strconv.Atoi(p); err == nil {
				port = n + 1
			}
		}
	}
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))
}

// Coordinator returns the session's rebuild coordinator.
func (s *Session) Coordinator() *Coordinator {
	return s.coordinator
}

// Metrics returns the session's metrics.
func (s *Session) Metrics() *Metrics {
	return s.metrics
}

// Run starts the session and blocks until ctx is done. Only a missing
// output directory or a watcher failure is fatal; a failed build or a
// busy port is logged and the session keeps going.
func (s *Session) Run(ctx context.Context) error {
	for _, dir := range s.outputDirs() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.New("E142").WithDetail(dir).Wrap(err)
		}
	}

	var taskCancel context.CancelFunc = func() {}
	taskDone := make(chan error, 1)
	if s.task != nil {
		var taskCtx context.Context
		taskCtx, taskCancel = context.WithCancel(context.WithoutCancel(ctx))
		go func() { taskDone <- s.task.Run(taskCtx) }()
	}
	defer taskCancel()

	s.logger.Info("building", "root", s.cfg.Root, "mode", s.cfg.Mode)
	s.coordinator.Rebuild(context.WithoutCancel(ctx))

	if s.server != nil {
		if err := s.server.Start(); err != nil {
			s.logger.Error("dev server disabled", "error", err)
			s.server = nil
		}
	}

	if s.reload != nil {
		if err := s.reload.Start(s.reloadAddr()); err != nil {
			s.logger.Error("hot reload disabled", "error", err)
			s.reload = nil
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.watcher.Start(gctx) })
	g.Go(func() error { return s.coordinator.Run(gctx) })

	go func() {
		select {
		case <-s.watcher.Ready():
		case <-gctx.Done():
			return
		}
		s.announce()
		close(s.ready)
	}()

	err := g.Wait()
	s.shutdown(taskCancel, taskDone)
	return err
}

// shutdown runs after the watcher and coordinator returned, so no rebuild
// is in flight.
func (s *Session) shutdown(taskCancel context.CancelFunc, taskDone <-chan error) {
	s.logger.Debug("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Stop(ctx); err != nil {
			s.logger.Debug("dev server shutdown", "error", err)
		}
	}
	if s.reload != nil {
		s.reload.Close()
	}
	if s.task != nil {
		if err := s.task.Send(ctx, ssr.End{}); err != nil {
			s.logger.Debug("ssr task already stopped", "error", err)
		}
		taskCancel()
		<-taskDone
	}
	s.coordinator.Close()
}

func (s *Session) outputDirs() []string {
	dirs := []string{s.cfg.DevOutputPath()}
	if s.pipeline.Server != nil {
		dirs = append(dirs, s.cfg.ServerOutputPath())
	}
	return dirs
}

// afterSuccess restarts the server bundle in the ssg and ssr modes.
func (s *Session) afterSuccess(ctx context.Context, _ *BundleHandle) {
	if s.task == nil {
		return
	}
	err := s.task.Send(ctx, ssr.Start{
		Path: build.ServerBundlePath(s.cfg),
		Mode: string(s.cfg.Mode),
		Port: s.cfg.Port,
	})
	if err != nil {
		s.logger.Error("cannot restart server bundle", "error", err)
	}
}

func (s *Session) handleChanges(changes []Change) {
	paths := make([]string, len(changes))
	for i, c := range changes {
		s.logger.Info("changed", "path", c.Path, "type", c.Type.String())
		paths[i] = c.Path
	}
	s.coordinator.OnFileChanged(paths)
}

// announce logs where the app is reachable and opens the browser.
func (s *Session) announce() {
	if s.server == nil && s.task == nil {
		return
	}
	local := s.cfg.DevURL()
	s.logger.Info("ready", "local", local)
	if ip := networkIPv4(); ip != "" {
		s.logger.Info("on your network", "url", "http://"+net.JoinHostPort(ip, strconv.Itoa(s.cfg.Port)))
	}

	if s.cfg.Dev.OpenBrowser {
		if err := s.opts.OpenBrowser(local); err != nil {
			s.logger.Warn("cannot open browser", "error", err)
		}
	}
}

// networkIPv4 returns the first non-loopback IPv4 address of this host.
func networkIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}
