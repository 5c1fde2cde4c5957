package dev

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kiln-dev/kiln/internal/bundler"
	"github.com/kiln-dev/kiln/internal/errors"
)

const tracerName = "github.com/kiln-dev/kiln/internal/dev"

// State is the coordinator's build state.
type State int32

const (
	StateIdle State = iota
	StateBuilding
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuilding:
		return "building"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Target is one bundle the coordinator produces on every rebuild.
type Target struct {
	// Name identifies the target in logs and cache hints.
	Name string

	// Request is the bundle request. Its CacheHint is managed by the coordinator.
	Request bundler.Request
}

// BundleHandle describes the artifacts currently on disk.
type BundleHandle struct {
	// CacheHints holds the bundler's incremental state per target name.
	CacheHints map[string]any

	// Files are the absolute paths of every artifact written.
	Files []string

	BuiltAt  time.Time
	Duration time.Duration

	targetFiles map[string][]string
}

// RebuildResult is the outcome of one rebuild.
type RebuildResult struct {
	OK       bool
	Changed  []string
	Files    []string
	Duration time.Duration
	Err      error
}

// Reloader is notified about rebuild outcomes. *ReloadServer implements it.
type Reloader interface {
	BroadcastReload() int
	NotifyError(msg string)
	ClearError()
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Bundler bundler.Bundler
	Targets []Target

	// Writer puts artifacts on disk (default DiskWriter).
	Writer ArtifactWriter

	// Reload receives reload and error notifications. Nil disables them.
	Reload Reloader

	// OnBuildStart is called when a rebuild starts.
	OnBuildStart func(changed []string)

	// OnBuildComplete is called when a rebuild finishes.
	OnBuildComplete func(result RebuildResult)

	// AfterSuccess runs after new artifacts are in place and before
	// subscribers are told to reload.
	AfterSuccess func(ctx context.Context, handle *BundleHandle)

	// ErrorOutput receives formatted build errors (default os.Stderr).
	ErrorOutput io.Writer

	Logger  *slog.Logger
	Metrics *Metrics
	Tracer  trace.Tracer
}

// Coordinator runs rebuilds one at a time. Change notifications arriving
// while a rebuild is in flight collapse into a single follow-up rebuild.
type Coordinator struct {
	opts   CoordinatorOptions
	logger *slog.Logger
	tracer trace.Tracer

	kick      chan struct{}
	pendingMu sync.Mutex
	pending   map[string]struct{}

	// buildMu serializes rebuilds and guards hints.
	buildMu sync.Mutex
	hints   map[string]any
	closed  bool
	failing bool

	// stray holds files per target that a failed rebuild could not roll
	// back. The next successful rebuild removes them unless it produced them.
	stray map[string][]string

	state atomic.Int32

	handleMu sync.RWMutex
	current  *BundleHandle
}

// NewCoordinator creates a coordinator.
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	if opts.Writer == nil {
		opts.Writer = DiskWriter{}
	}
	if opts.ErrorOutput == nil {
		opts.ErrorOutput = os.Stderr
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "coordinator")
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Coordinator{
		opts:    opts,
		logger:  logger,
		tracer:  tracer,
		kick:    make(chan struct{}, 1),
		pending: make(map[string]struct{}),
		hints:   make(map[string]any),
		stray:   make(map[string][]string),
	}
}

// OnFileChanged records changed paths and schedules a rebuild. It never blocks.
func (c *Coordinator) OnFileChanged(paths []string) {
	c.pendingMu.Lock()
	for _, p := range paths {
		c.pending[p] = struct{}{}
	}
	c.pendingMu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Run performs scheduled rebuilds until ctx is done. A rebuild in flight
// when ctx is canceled runs to completion before Run returns.
func (c *Coordinator) Run(ctx context.Context) error {
	buildCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.kick:
			c.Rebuild(buildCtx)
		}
	}
}

// State returns the current build state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Current returns the handle of the artifacts on disk, or nil before the
// first successful build.
func (c *Coordinator) Current() *BundleHandle {
	c.handleMu.RLock()
	defer c.handleMu.RUnlock()
	return c.current
}

// Rebuild bundles every target and, when all succeed, replaces the
// artifacts on disk and notifies subscribers. On failure the previous
// artifacts are left untouched.
func (c *Coordinator) Rebuild(ctx context.Context) RebuildResult {
	c.buildMu.Lock()
	defer c.buildMu.Unlock()

	changed := c.takePending()
	// A kick sent after Run woke up is covered by the paths just taken.
	select {
	case <-c.kick:
	default:
	}
	if c.closed {
		return RebuildResult{Changed: changed, Err: stderrors.New("coordinator closed")}
	}

	c.state.Store(int32(StateBuilding))
	if c.opts.OnBuildStart != nil {
		c.opts.OnBuildStart(changed)
	}

	ctx, span := c.tracer.Start(ctx, "kiln.rebuild",
		trace.WithAttributes(
			attribute.Int("kiln.changed_count", len(changed)),
			attribute.StringSlice("kiln.changed", changed),
		),
	)
	defer span.End()

	start := time.Now()
	handle, err := c.build(ctx)
	result := RebuildResult{
		OK:       err == nil,
		Changed:  changed,
		Duration: time.Since(start),
		Err:      err,
	}
	c.opts.Metrics.observeRebuild(result.OK, result.Duration)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rebuild failed")
		c.state.Store(int32(StateFailed))
		c.failing = true
		c.reportFailure(err)
		if c.opts.OnBuildComplete != nil {
			c.opts.OnBuildComplete(result)
		}
		c.state.Store(int32(StateIdle))
		return result
	}

	handle.Duration = result.Duration
	result.Files = handle.Files
	span.SetAttributes(attribute.Int("kiln.outputs", len(handle.Files)))

	c.handleMu.Lock()
	c.current = handle
	c.handleMu.Unlock()

	c.logger.Info("rebuilt",
		"duration", result.Duration.Round(time.Millisecond),
		"outputs", len(handle.Files),
		"changed", len(changed),
	)

	if c.opts.AfterSuccess != nil {
		c.opts.AfterSuccess(ctx, handle)
	}
	if c.opts.Reload != nil {
		if c.failing {
			c.opts.Reload.ClearError()
		}
		n := c.opts.Reload.BroadcastReload()
		c.logger.Debug("reload broadcast", "clients", n)
	}
	c.failing = false
	if c.opts.OnBuildComplete != nil {
		c.opts.OnBuildComplete(result)
	}
	c.state.Store(int32(StateIdle))
	return result
}

// build bundles all targets and writes them. Nothing becomes visible
// unless every target bundled and staged, and a commit that fails on one
// target rolls back the targets committed before it.
func (c *Coordinator) build(ctx context.Context) (*BundleHandle, error) {
	outputs := make([][]bundler.OutputFile, len(c.opts.Targets))
	for i, t := range c.opts.Targets {
		req := t.Request
		prev := c.hints[t.Name]
		req.CacheHint = prev

		res, err := c.opts.Bundler.Bundle(ctx, req)
		if err != nil {
			return nil, err
		}
		if prev != nil && res.CacheHint != prev {
			c.opts.Bundler.Dispose(prev)
		}
		c.hints[t.Name] = res.CacheHint
		for _, w := range res.Warnings {
			c.logger.Warn("bundle warning", "target", t.Name, "warning", w)
		}
		outputs[i] = res.Outputs
	}

	prev := c.Current()
	handle := &BundleHandle{
		CacheHints:  make(map[string]any, len(c.hints)),
		BuiltAt:     time.Now(),
		targetFiles: make(map[string][]string, len(c.opts.Targets)),
	}
	for name, hint := range c.hints {
		handle.CacheHints[name] = hint
	}

	staged := make([]StagedArtifacts, 0, len(c.opts.Targets))
	defer func() {
		for _, s := range staged {
			s.Discard()
		}
	}()
	for i, t := range c.opts.Targets {
		s, err := c.opts.Writer.Stage(ctx, t.Request.OutDir, outputs[i])
		if err != nil {
			return nil, writeError(t, err)
		}
		staged = append(staged, s)
	}

	for i, t := range c.opts.Targets {
		files, err := staged[i].Commit()
		if err != nil {
			c.stray[t.Name] = append(c.stray[t.Name], files...)
			for j := i - 1; j >= 0; j-- {
				name := c.opts.Targets[j].Name
				c.stray[name] = append(c.stray[name], staged[j].Rollback()...)
			}
			return nil, writeError(t, err)
		}
		handle.targetFiles[t.Name] = files
		handle.Files = append(handle.Files, files...)
	}

	for _, t := range c.opts.Targets {
		var previous []string
		if prev != nil {
			previous = prev.targetFiles[t.Name]
		}
		stale := staleFiles(slices.Concat(previous, c.stray[t.Name]), handle.targetFiles[t.Name])
		delete(c.stray, t.Name)
		if err := c.opts.Writer.Remove(stale); err != nil {
			c.logger.Warn("cannot remove stale artifacts", "target", t.Name, "error", err)
			c.stray[t.Name] = stale
		}
	}
	return handle, nil
}

func writeError(t Target, err error) error {
	return errors.New("E102").
		WithDetail("cannot write " + t.Name + " artifacts to " + t.Request.OutDir).
		Wrap(err)
}

// staleFiles returns the entries of previous that are not in current.
func staleFiles(previous, current []string) []string {
	keep := make(map[string]struct{}, len(current))
	for _, f := range current {
		keep[f] = struct{}{}
	}
	var stale []string
	for _, f := range previous {
		if _, ok := keep[f]; !ok {
			stale = append(stale, f)
		}
	}
	return stale
}

func (c *Coordinator) reportFailure(err error) {
	var kerrs []*errors.KilnError
	var failure *bundler.BuildFailure
	switch {
	case stderrors.As(err, &failure):
		kerrs = failure.Errors
	default:
		kerrs = []*errors.KilnError{errors.FromError(err, "E162")}
	}

	overlay := make([]string, 0, len(kerrs))
	for _, ke := range kerrs {
		c.logger.Error("build error", "code", ke.Code, "location", ke.Location.String(), "error", ke.Error())
		fmt.Fprintln(c.opts.ErrorOutput, ke.Format())

		msg := ke.FormatCompact()
		if ke.Frame != "" {
			msg += "\n\n" + ke.Frame
		}
		overlay = append(overlay, msg)
	}

	if c.opts.Reload != nil {
		c.opts.Reload.NotifyError(strings.Join(overlay, "\n\n"))
	}
}

func (c *Coordinator) takePending() []string {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	paths := make([]string, 0, len(c.pending))
	for p := range c.pending {
		paths = append(paths, p)
	}
	clear(c.pending)
	sort.Strings(paths)
	return paths
}

// Close waits for an in-flight rebuild and releases the bundler state.
func (c *Coordinator) Close() {
	c.buildMu.Lock()
	defer c.buildMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for name, hint := range c.hints {
		c.opts.Bundler.Dispose(hint)
		delete(c.hints, name)
	}
}
