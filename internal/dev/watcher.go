package dev

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.trai.ch/zerr"
)

// ChangeType represents the type of file change.
type ChangeType int

const (
	ChangeComponent ChangeType = iota
	ChangeScript
	ChangeStyle
	ChangeAsset
)

func (t ChangeType) String() string {
	switch t {
	case ChangeComponent:
		return "component"
	case ChangeScript:
		return "script"
	case ChangeStyle:
		return "style"
	default:
		return "asset"
	}
}

// Change represents a detected file change.
type Change struct {
	Path string
	Type ChangeType
}

// WatcherConfig configures the file watcher.
type WatcherConfig struct {
	// Root is the directory Patterns and Ignore are relative to.
	Root string

	// Patterns are doublestar globs selecting the files to watch.
	Patterns []string

	// Ignore patterns to skip. Plain names match any path segment;
	// globs match the base name, or the relative path when they contain "/".
	Ignore []string

	// Debounce is the quiet period before changes are reported.
	Debounce time.Duration

	Logger *slog.Logger
}

// DefaultIgnore contains default patterns to ignore.
var DefaultIgnore = []string{
	".git",
	"node_modules",
	".kiln",
	"*.tmp",
	"*.swp",
	"*~",
	".DS_Store",
}

// Watcher monitors files for changes using fsnotify. Bursts of events are
// coalesced through a Debouncer and reported as one batch.
type Watcher struct {
	config WatcherConfig
	logger *slog.Logger

	mu       sync.Mutex
	onChange func([]Change)
	running  bool
	stopCh   chan struct{}

	ready     chan struct{}
	readyOnce sync.Once
}

// NewWatcher creates a new file watcher.
func NewWatcher(config WatcherConfig) *Watcher {
	if config.Debounce == 0 {
		config.Debounce = 100 * time.Millisecond
	}
	if len(config.Ignore) == 0 {
		config.Ignore = DefaultIgnore
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "watcher")
	}

	return &Watcher{
		config: config,
		logger: logger,
		ready:  make(chan struct{}),
	}
}

// OnChange sets the callback for file changes.
func (w *Watcher) OnChange(fn func([]Change)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = fn
}

// Ready is closed once every watch root has been registered.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Start watches until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	stopCh := w.stopCh
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return zerr.Wrap(err, "create file watcher")
	}
	defer fsw.Close()

	for _, dir := range w.watchRoots() {
		w.addRecursive(fsw, dir)
	}

	debouncer := NewDebouncer(w.config.Debounce, w.deliver)
	defer debouncer.Stop()

	w.readyOnce.Do(func() { close(w.ready) })

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fsw, debouncer, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		close(w.stopCh)
		w.running = false
	}
}

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, d *Debouncer, event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !w.shouldIgnore(event.Name) {
				// Files may land in a new directory before its watch is added.
				for _, p := range w.addRecursive(fsw, event.Name) {
					d.Add(p)
				}
			}
			return
		}
	}

	if w.Matches(event.Name) {
		d.Add(event.Name)
	}
}

func (w *Watcher) deliver(paths []string) {
	w.mu.Lock()
	callback := w.onChange
	w.mu.Unlock()
	if callback == nil {
		return
	}

	changes := make([]Change, len(paths))
	for i, p := range paths {
		changes[i] = Change{Path: p, Type: classifyChange(p)}
	}
	callback(changes)
}

// addRecursive watches dir and every non-ignored directory below it and
// returns the matching files it found along the way.
func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, dir string) []string {
	var files []string
	filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			if w.Matches(p) {
				files = append(files, p)
			}
			return nil
		}
		if p != dir && w.shouldIgnore(p) {
			return filepath.SkipDir
		}
		if err := fsw.Add(p); err != nil {
			w.logger.Debug("cannot watch directory", "path", p, "error", err)
		}
		return nil
	})
	return files
}

// watchRoots returns the deepest directories that contain every file the
// patterns can match.
func (w *Watcher) watchRoots() []string {
	seen := make(map[string]struct{})
	var roots []string
	for _, pattern := range w.config.Patterns {
		base, rest := doublestar.SplitPattern(filepath.ToSlash(pattern))
		dir := filepath.Join(w.config.Root, filepath.FromSlash(base))
		if !strings.ContainsAny(rest, "*?[{") {
			dir = filepath.Dir(filepath.Join(dir, filepath.FromSlash(rest)))
		}
		if _, err := os.Stat(dir); err != nil {
			w.logger.Debug("watch root missing", "pattern", pattern, "path", dir)
			continue
		}
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		roots = append(roots, dir)
	}
	return roots
}

// Matches reports whether path is selected by a watch pattern and not ignored.
func (w *Watcher) Matches(path string) bool {
	rel, ok := w.relative(path)
	if !ok || w.shouldIgnore(path) {
		return false
	}
	for _, pattern := range w.config.Patterns {
		if matched, _ := doublestar.Match(filepath.ToSlash(pattern), rel); matched {
			return true
		}
	}
	return false
}

func (w *Watcher) relative(path string) (string, bool) {
	rel, err := filepath.Rel(w.config.Root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// shouldIgnore checks if a path should be ignored.
func (w *Watcher) shouldIgnore(fullPath string) bool {
	name := filepath.Base(fullPath)
	normalized, ok := w.relative(fullPath)
	if !ok {
		normalized = filepath.ToSlash(fullPath)
	}

	for _, pattern := range w.config.Ignore {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}

		// Direct match
		if name == pattern {
			return true
		}

		pattern = filepath.ToSlash(pattern)
		hasPathSep := strings.Contains(pattern, "/")
		hasGlob := strings.ContainsAny(pattern, "*?[{")

		if hasGlob {
			target := name
			if hasPathSep {
				target = normalized
			}
			if matched, _ := doublestar.Match(pattern, target); matched {
				return true
			}
			continue
		}

		if hasPathSep {
			if pathMatchesSegments(normalized, pattern) {
				return true
			}
			continue
		}

		if pathHasSegment(normalized, pattern) {
			return true
		}
	}

	return false
}

func pathHasSegment(path, segment string) bool {
	if segment == "" {
		return false
	}
	for _, part := range splitPathSegments(path) {
		if part == segment {
			return true
		}
	}
	return false
}

func pathMatchesSegments(path, pattern string) bool {
	pathParts := splitPathSegments(path)
	patternParts := splitPathSegments(pattern)
	if len(patternParts) == 0 || len(patternParts) > len(pathParts) {
		return false
	}

	for i := 0; i <= len(pathParts)-len(patternParts); i++ {
		match := true
		for j := range patternParts {
			if pathParts[i+j] != patternParts[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}

	return false
}

func splitPathSegments(path string) []string {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	result := parts[:0]
	for _, part := range parts {
		if part != "" && part != "." {
			result = append(result, part)
		}
	}
	return result
}

// classifyChange determines the type of change based on file extension.
func classifyChange(path string) ChangeType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".svelte":
		return ChangeComponent
	case ".js", ".mjs", ".ts", ".json":
		return ChangeScript
	case ".css", ".scss", ".sass", ".less":
		return ChangeStyle
	default:
		return ChangeAsset
	}
}
