package build

import (
	"log/slog"
	"path/filepath"

	"github.com/kiln-dev/kiln/internal/bundler"
	"github.com/kiln-dev/kiln/internal/cache"
	"github.com/kiln-dev/kiln/internal/compiler"
	"github.com/kiln-dev/kiln/internal/config"
)

// Target names.
const (
	TargetClient = "client"
	TargetServer = "server"
)

// EntryName is the output name of the client and server entry bundles.
const EntryName = "main"

// PipelineOptions configures NewPipeline.
type PipelineOptions struct {
	// Dev selects development compile options and source maps.
	Dev bool

	Compiler     compiler.Compiler
	Preprocessor *compiler.Preprocessor
	Logger       *slog.Logger
}

// Pipeline holds the bundle requests for a project: always a client
// bundle, plus a server bundle in the ssg and ssr modes. Each has its own
// build cache because the compiler output differs per target.
type Pipeline struct {
	Client      bundler.Request
	ClientCache *cache.BuildCache

	// Server is nil in dom mode.
	Server      *bundler.Request
	ServerCache *cache.BuildCache
}

// NewPipeline assembles the bundle requests for cfg. It fails with E123
// when the import map cannot be read.
func NewPipeline(cfg *config.Config, opts PipelineOptions) (*Pipeline, error) {
	importMap, err := bundler.LoadImportMap(cfg.ImportMapPath())
	if err != nil {
		return nil, err
	}

	hydrate := cfg.Mode != config.ModeDOM
	sourceMaps := opts.Dev || cfg.Build.SourceMaps
	p := &Pipeline{ClientCache: cache.New()}

	clientOutDir := cfg.DevOutputPath()
	if !opts.Dev {
		clientOutDir = BundleDir(cfg)
	}
	p.Client = bundler.Request{
		Entries:  []bundler.Entry{{Input: bundler.EntryID, Output: EntryName}},
		Format:   bundler.FormatESM,
		Platform: bundler.PlatformBrowser,
		Plugins: []bundler.Plugin{
			&bundler.VirtualEntry{Root: cfg.RootPath(), Hydrate: hydrate},
			bundler.HTTPExternal{},
			importMap,
			newTransformer(cfg, opts, p.ClientCache, compiler.GenerateDOM, hydrate),
		},
		SourceMap: sourceMaps,
		Minify:    !opts.Dev && cfg.Build.Minify,
		OutDir:    clientOutDir,
		WorkDir:   cfg.Dir(),
	}

	if !hydrate {
		return p, nil
	}

	p.ServerCache = cache.New()
	p.Server = &bundler.Request{
		Entries:  []bundler.Entry{{Input: cfg.ServerEntryPath(), Output: EntryName}},
		Format:   bundler.FormatESM,
		Platform: bundler.PlatformNode,
		Plugins: []bundler.Plugin{
			bundler.HTTPExternal{},
			importMap,
			newTransformer(cfg, opts, p.ServerCache, compiler.GenerateSSR, false),
		},
		SourceMap: sourceMaps,
		OutDir:    cfg.ServerOutputPath(),
		WorkDir:   cfg.Dir(),
	}
	return p, nil
}

// ServerBundlePath returns where the server entry bundle is written.
func ServerBundlePath(cfg *config.Config) string {
	return filepath.Join(cfg.ServerOutputPath(), EntryName+".js")
}

// BundleDir returns where a production build writes the client bundle. It
// mirrors the dev output's position inside the first content base that
// contains it, so pages reference the same URL in both modes.
func BundleDir(cfg *config.Config) string {
	devOut := cfg.DevOutputPath()
	for _, base := range cfg.ContentBasePaths() {
		rel, err := filepath.Rel(base, devOut)
		if err == nil && filepath.IsLocal(rel) {
			return filepath.Join(cfg.OutputPath(), rel)
		}
	}
	return filepath.Join(cfg.OutputPath(), "dist")
}

func newTransformer(cfg *config.Config, opts PipelineOptions, c *cache.BuildCache, gen compiler.Generate, hydratable bool) *compiler.Transformer {
	return compiler.NewTransformer(compiler.TransformerConfig{
		Cache:        c,
		Compiler:     opts.Compiler,
		Preprocessor: opts.Preprocessor,
		Options: compiler.CompileOptions{
			Generate:   gen,
			Dev:        opts.Dev,
			Hydratable: hydratable,
			SveltePath: cfg.Compiler.SveltePath,
		},
		Extensions: cfg.Compiler.Extensions,
		Root:       cfg.Dir(),
		Logger:     opts.Logger,
	})
}
