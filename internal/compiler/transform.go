package compiler

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kiln-dev/kiln/internal/bundler"
	"github.com/kiln-dev/kiln/internal/cache"
)

const tracerName = "github.com/kiln-dev/kiln/internal/compiler"

// TransformerConfig configures a Transformer.
type TransformerConfig struct {
	// Cache memoizes compiled units. Required.
	Cache *cache.BuildCache

	// Compiler compiles preprocessed sources. Required.
	Compiler Compiler

	// Preprocessor converts TypeScript and stylesheet blocks. Nil skips preprocessing.
	Preprocessor *Preprocessor

	// Options are the compile options; Filename is set per file.
	Options CompileOptions

	// Extensions lists handled file extensions (default ".svelte").
	Extensions []string

	// Root is the directory filenames are reported relative to.
	Root string

	Logger *slog.Logger
	Tracer trace.Tracer
}

// Transformer compiles components on demand as a bundler plugin, reusing
// cached output for sources whose content has not changed.
type Transformer struct {
	cfg    TransformerConfig
	filter string
	logger *slog.Logger
	tracer trace.Tracer
}

var _ bundler.Transformer = (*Transformer)(nil)

// NewTransformer creates a Transformer.
func NewTransformer(cfg TransformerConfig) *Transformer {
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = []string{".svelte"}
	}
	if cfg.Options.Generate == "" {
		cfg.Options.Generate = GenerateDOM
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "compiler")
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	exts := make([]string, len(cfg.Extensions))
	for i, ext := range cfg.Extensions {
		exts[i] = regexp.QuoteMeta(ext)
	}

	return &Transformer{
		cfg:    cfg,
		filter: `(` + strings.Join(exts, "|") + `)$`,
		logger: logger,
		tracer: tracer,
	}
}

// Name implements bundler.Plugin.
func (t *Transformer) Name() string { return "kiln-components" }

// TransformFilter implements bundler.Transformer.
func (t *Transformer) TransformFilter() string { return t.filter }

// Transform implements bundler.Transformer.
func (t *Transformer) Transform(ctx context.Context, id string, code []byte) (*bundler.LoadResult, error) {
	out, err := t.Compile(ctx, id, code)
	if err != nil {
		return nil, err
	}
	return &bundler.LoadResult{
		Contents: []byte(withInlineSourceMap(withInjectedCSS(out.Code, out.CSS, id), out.Map)),
		Loader:   bundler.LoaderJS,
	}, nil
}

// Compile returns the compiled output for sourceID, compiling raw only
// when the cache holds no unit for this exact content.
func (t *Transformer) Compile(ctx context.Context, sourceID string, raw []byte) (*cache.CompiledOutput, error) {
	ctx, span := t.tracer.Start(ctx, "kiln.transform",
		trace.WithAttributes(attribute.String("kiln.file", sourceID)))
	defer span.End()

	hash := cache.Hash(raw)
	if unit, ok := t.cfg.Cache.Lookup(sourceID, hash); ok {
		span.SetAttributes(attribute.Bool("kiln.cache_hit", true))
		return &unit.Output, nil
	}
	span.SetAttributes(attribute.Bool("kiln.cache_hit", false))

	filename := t.displayName(sourceID)
	source := string(raw)

	if t.cfg.Preprocessor != nil {
		processed, err := t.cfg.Preprocessor.Process(ctx, source, filename)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "preprocess failed")
			return nil, err
		}
		source = processed
	}

	opts := t.cfg.Options
	opts.Filename = filename
	compiled, err := t.cfg.Compiler.Compile(ctx, source, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compile failed")
		return nil, err
	}
	for _, w := range compiled.Warnings {
		t.logger.Warn("compiler warning", "file", filename, "warning", w)
	}

	unit := &cache.CompiledUnit{
		SourceID:       sourceID,
		RawContentHash: hash,
		Output: cache.CompiledOutput{
			Code: compiled.Code,
			Map:  compiled.Map,
			CSS:  compiled.CSS,
		},
		Dependencies: importSpecifiers(compiled.Code),
	}
	t.cfg.Cache.Put(sourceID, unit)
	t.logger.Debug("compiled", "file", filename)

	return &unit.Output, nil
}

// displayName reports sourceID relative to the project root when possible.
func (t *Transformer) displayName(sourceID string) string {
	if t.cfg.Root == "" {
		return sourceID
	}
	rel, err := filepath.Rel(t.cfg.Root, sourceID)
	if err != nil || strings.HasPrefix(rel, "..") {
		return sourceID
	}
	return filepath.ToSlash(rel)
}

var importFrom = regexp.MustCompile(`(?m)^\s*import\s+(?:[^"';]*?\s+from\s+)?["']([^"']+)["']`)

// importSpecifiers lists the static import specifiers in code.
func importSpecifiers(code string) []string {
	var deps []string
	for _, m := range importFrom.FindAllStringSubmatch(code, -1) {
		deps = append(deps, m[1])
	}
	return deps
}

// withInjectedCSS appends a snippet adding css to the document head when
// the compiler emitted it separately.
func withInjectedCSS(code, css, id string) string {
	if strings.TrimSpace(css) == "" {
		return code
	}
	return code + fmt.Sprintf(`
if (typeof document !== "undefined" && !document.querySelector('style[data-kiln=%q]')) {
  const style = document.createElement("style");
  style.setAttribute("data-kiln", %q);
  style.textContent = %q;
  document.head.appendChild(style);
}
`, filepath.Base(id), filepath.Base(id), css)
}

// withInlineSourceMap attaches the compiler's source map so the bundler
// can chain it.
func withInlineSourceMap(code, sourceMap string) string {
	if sourceMap == "" {
		return code
	}
	return code + "\n//# sourceMappingURL=data:application/json;base64," + base64.StdEncoding.EncodeToString([]byte(sourceMap)) + "\n"
}
