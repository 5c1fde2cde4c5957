package bundler

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/evanw/esbuild/pkg/api"
	"go.trai.ch/zerr"

	"github.com/kiln-dev/kiln/internal/errors"
)

// Esbuild bundles with esbuild's Go API. Its cache hint is an incremental
// build context, so a rebuild only reparses modules whose contents changed.
type Esbuild struct {
	logger *slog.Logger
}

// NewEsbuild creates an esbuild-backed Bundler.
func NewEsbuild(logger *slog.Logger) *Esbuild {
	if logger == nil {
		logger = slog.Default().With("component", "bundler")
	}
	return &Esbuild{logger: logger}
}

// esbuildHint is the cache hint handed to callers.
type esbuildHint struct {
	key      string
	bctx     api.BuildContext
	outDir   string
	calls    *callContext
	dispose  sync.Once
	disposed atomic.Bool
}

// callContext carries the context of the in-flight Bundle call to plugin
// callbacks, which esbuild invokes without one.
type callContext struct {
	mu  sync.Mutex
	ctx context.Context
}

func (c *callContext) set(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
}

func (c *callContext) get() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// Bundle implements Bundler.
func (e *Esbuild) Bundle(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := requestKey(req)
	hint, _ := req.CacheHint.(*esbuildHint)
	if hint != nil && hint.disposed.Load() {
		hint = nil
	}
	if hint != nil && hint.key != key {
		e.logger.Debug("bundle options changed, discarding incremental state")
		e.Dispose(hint)
		hint = nil
	}

	if hint == nil {
		calls := &callContext{}
		bctx, cerr := api.Context(e.options(req, calls))
		if cerr != nil {
			return nil, &BuildFailure{Errors: convertMessages(cerr.Errors, "E162")}
		}
		hint = &esbuildHint{key: key, bctx: bctx, outDir: req.OutDir, calls: calls}
	}

	hint.calls.set(ctx)
	res := hint.bctx.Rebuild()
	hint.calls.set(nil)

	if len(res.Errors) > 0 {
		// A context that has never produced output is not worth keeping.
		if hint != req.CacheHint {
			e.Dispose(hint)
		}
		return nil, &BuildFailure{Errors: convertMessages(res.Errors, "E162")}
	}

	out := &Result{CacheHint: hint}
	for _, f := range res.OutputFiles {
		rel, err := filepath.Rel(hint.outDir, f.Path)
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "output outside outdir"), "path", f.Path)
		}
		out.Outputs = append(out.Outputs, OutputFile{
			Path:     filepath.ToSlash(rel),
			Contents: f.Contents,
		})
	}
	for _, w := range res.Warnings {
		out.Warnings = append(out.Warnings, formatMessage(w))
	}
	return out, nil
}

// Dispose implements Bundler.
func (e *Esbuild) Dispose(hint any) {
	h, ok := hint.(*esbuildHint)
	if !ok || h == nil {
		return
	}
	h.dispose.Do(func() {
		h.disposed.Store(true)
		h.bctx.Dispose()
	})
}

// options translates a Request into esbuild build options.
func (e *Esbuild) options(req Request, calls *callContext) api.BuildOptions {
	opts := api.BuildOptions{
		Bundle:        true,
		Write:         false,
		Outdir:        req.OutDir,
		AbsWorkingDir: req.WorkDir,
		External:      req.External,
		LogLevel:      api.LogLevelSilent,
		Target:        api.ES2020,
		EntryNames:    "[name]",
		ChunkNames:    "chunks/[name]-[hash]",
		AssetNames:    "assets/[name]-[hash]",
	}

	for _, entry := range req.Entries {
		opts.EntryPointsAdvanced = append(opts.EntryPointsAdvanced, api.EntryPoint{
			InputPath:  entry.Input,
			OutputPath: entry.Output,
		})
	}

	switch req.Format {
	case FormatIIFE:
		opts.Format = api.FormatIIFE
	case FormatCJS:
		opts.Format = api.FormatCommonJS
	default:
		opts.Format = api.FormatESModule
	}

	if req.Platform == PlatformNode {
		opts.Platform = api.PlatformNode
	} else {
		opts.Platform = api.PlatformBrowser
	}

	if req.SourceMap {
		opts.Sourcemap = api.SourceMapLinked
	}
	if req.Minify {
		opts.MinifyWhitespace = true
		opts.MinifyIdentifiers = true
		opts.MinifySyntax = true
	}

	for _, p := range req.Plugins {
		opts.Plugins = append(opts.Plugins, adaptPlugin(p, calls))
	}
	return opts
}

// adaptPlugin registers a Plugin's hooks with esbuild.
func adaptPlugin(p Plugin, calls *callContext) api.Plugin {
	return api.Plugin{
		Name: p.Name(),
		Setup: func(build api.PluginBuild) {
			if r, ok := p.(Resolver); ok {
				build.OnResolve(api.OnResolveOptions{Filter: r.ResolveFilter()},
					func(args api.OnResolveArgs) (api.OnResolveResult, error) {
						res, err := r.ResolveID(calls.get(), ResolveArgs{
							Path:       args.Path,
							Importer:   args.Importer,
							ResolveDir: args.ResolveDir,
						})
						if err != nil || res == nil {
							return api.OnResolveResult{}, err
						}
						return api.OnResolveResult{
							Path:      res.Path,
							Namespace: res.Namespace,
							External:  res.External,
						}, nil
					})
			}

			if l, ok := p.(ModuleLoader); ok {
				build.OnLoad(api.OnLoadOptions{Filter: ".*", Namespace: l.Namespace()},
					func(args api.OnLoadArgs) (api.OnLoadResult, error) {
						res, err := l.Load(calls.get(), args.Path)
						if err != nil || res == nil {
							return api.OnLoadResult{}, err
						}
						return loadResult(res), nil
					})
			}

			if t, ok := p.(Transformer); ok {
				build.OnLoad(api.OnLoadOptions{Filter: t.TransformFilter(), Namespace: "file"},
					func(args api.OnLoadArgs) (api.OnLoadResult, error) {
						raw, err := os.ReadFile(args.Path)
						if err != nil {
							return api.OnLoadResult{}, zerr.With(zerr.Wrap(err, "failed to read module"), "path", args.Path)
						}
						res, err := t.Transform(calls.get(), args.Path, raw)
						if err != nil {
							return api.OnLoadResult{}, err
						}
						if res.ResolveDir == "" {
							res.ResolveDir = filepath.Dir(args.Path)
						}
						return loadResult(res), nil
					})
			}
		},
	}
}

func loadResult(res *LoadResult) api.OnLoadResult {
	contents := string(res.Contents)
	return api.OnLoadResult{
		Contents:   &contents,
		Loader:     esbuildLoader(res.Loader),
		ResolveDir: res.ResolveDir,
	}
}

func esbuildLoader(l Loader) api.Loader {
	switch l {
	case LoaderTS:
		return api.LoaderTS
	case LoaderCSS:
		return api.LoaderCSS
	case LoaderJSON:
		return api.LoaderJSON
	default:
		return api.LoaderJS
	}
}

// convertMessages lifts esbuild messages into coded errors. Errors thrown by
// plugins keep their own code and location.
func convertMessages(msgs []api.Message, code string) []*errors.KilnError {
	out := make([]*errors.KilnError, 0, len(msgs))
	for _, m := range msgs {
		if err, ok := m.Detail.(error); ok {
			var ke *errors.KilnError
			if stderrors.As(err, &ke) {
				out = append(out, ke)
				continue
			}
		}

		ke := errors.New(code).WithDetail(m.Text)
		if m.PluginName != "" {
			ke.WithDetail(fmt.Sprintf("[plugin %s] %s", m.PluginName, m.Text))
		}
		if loc := m.Location; loc != nil {
			ke.Location = &errors.Location{File: loc.File, Line: loc.Line, Column: loc.Column + 1}
			if loc.LineText != "" {
				ke.WithFrame(errors.CodeFrame(loc.Line, loc.LineText, loc.Column+1, loc.Length))
			}
		}
		out = append(out, ke)
	}
	return out
}

func formatMessage(m api.Message) string {
	if m.Location == nil {
		return m.Text
	}
	return fmt.Sprintf("%s:%d:%d: %s", m.Location.File, m.Location.Line, m.Location.Column+1, m.Text)
}

// requestKey identifies the options an incremental context was created
// with. Plugins are compared by name.
func requestKey(req Request) string {
	var b strings.Builder
	for _, e := range req.Entries {
		fmt.Fprintf(&b, "%s=%s;", e.Input, e.Output)
	}
	for _, p := range req.Plugins {
		b.WriteString(p.Name())
		b.WriteByte(',')
	}
	fmt.Fprintf(&b, "|%s|%s|%t|%t|%s|%s|%s",
		req.Format, req.Platform, req.SourceMap, req.Minify, req.OutDir, req.WorkDir,
		strings.Join(req.External, ","))
	return b.String()
}
