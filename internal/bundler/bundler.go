// Package bundler defines the module bundler kiln drives and the narrow
// plugin interface components use to take part in a bundle.
//
// A bundle is described by a Request and produces in-memory output files;
// writing them to disk is the caller's job. Bundlers may keep state
// between builds. That state is handed back to the caller as an opaque
// cache hint, which the caller passes to the next Bundle call and
// eventually to Dispose.
package bundler

import (
	"context"
	"fmt"
	"strings"

	"github.com/kiln-dev/kiln/internal/errors"
)

// Format is the module format of bundled output.
type Format string

const (
	FormatESM  Format = "esm"
	FormatIIFE Format = "iife"
	FormatCJS  Format = "cjs"
)

// Platform selects the runtime the bundle targets.
type Platform string

const (
	PlatformBrowser Platform = "browser"
	PlatformNode    Platform = "node"
)

// Loader tells the bundler how to parse module contents.
type Loader string

const (
	LoaderJS   Loader = "js"
	LoaderTS   Loader = "ts"
	LoaderCSS  Loader = "css"
	LoaderJSON Loader = "json"
)

// Entry is one entry module and the output name (without extension) it is written as.
type Entry struct {
	Input  string
	Output string
}

// Request describes one bundle.
type Request struct {
	Entries   []Entry
	Plugins   []Plugin
	Format    Format
	Platform  Platform
	SourceMap bool
	Minify    bool

	// OutDir is the directory output paths are relative to.
	OutDir string

	// WorkDir is the directory relative imports in entries resolve from.
	WorkDir string

	// External lists import paths left unbundled.
	External []string

	// CacheHint is the hint returned by the previous Bundle call, or nil.
	CacheHint any
}

// OutputFile is one bundled file.
type OutputFile struct {
	// Path is relative to Request.OutDir, with forward slashes.
	Path     string
	Contents []byte
}

// Result is a successful bundle.
type Result struct {
	Outputs   []OutputFile
	Warnings  []string
	CacheHint any
}

// Bundler builds module graphs.
type Bundler interface {
	// Bundle builds req. On failure the returned error is a *BuildFailure
	// and any hint in req remains valid.
	Bundle(ctx context.Context, req Request) (*Result, error)

	// Dispose releases the state behind a cache hint.
	Dispose(hint any)
}

// Plugin is a named participant in a bundle. A plugin implements one or
// more of Resolver, Loader and Transformer.
type Plugin interface {
	Name() string
}

// ResolveArgs describes an import being resolved.
type ResolveArgs struct {
	Path       string
	Importer   string
	ResolveDir string
}

// ResolveResult is a plugin's answer for an import.
type ResolveResult struct {
	// Path is the resolved module id.
	Path string

	// Namespace scopes Path for virtual modules. Empty means the file system.
	Namespace string

	// External leaves the import untouched in the output.
	External bool
}

// Resolver maps import paths to module ids. Returning a nil result passes
// the import on to the next resolver.
type Resolver interface {
	Plugin
	ResolveFilter() string
	ResolveID(ctx context.Context, args ResolveArgs) (*ResolveResult, error)
}

// LoadResult is the contents of a module.
type LoadResult struct {
	Contents   []byte
	Loader     Loader
	ResolveDir string
}

// ModuleLoader produces the contents of modules in its namespace.
type ModuleLoader interface {
	Plugin
	Namespace() string
	Load(ctx context.Context, id string) (*LoadResult, error)
}

// Transformer rewrites file contents read from disk. TransformFilter is a
// regular expression matched against the file path.
type Transformer interface {
	Plugin
	TransformFilter() string
	Transform(ctx context.Context, id string, code []byte) (*LoadResult, error)
}

// BuildFailure aggregates every error a failed bundle reported.
type BuildFailure struct {
	Errors []*errors.KilnError
}

// Error implements the error interface.
func (f *BuildFailure) Error() string {
	switch len(f.Errors) {
	case 0:
		return "bundle failed"
	case 1:
		return f.Errors[0].Error()
	}
	msgs := make([]string, len(f.Errors))
	for i, e := range f.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%d errors: %s", len(f.Errors), strings.Join(msgs, "; "))
}

// Unwrap exposes the individual errors to errors.Is and errors.As.
func (f *BuildFailure) Unwrap() []error {
	errs := make([]error, len(f.Errors))
	for i, e := range f.Errors {
		errs[i] = e
	}
	return errs
}
