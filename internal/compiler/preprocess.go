package compiler

import (
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"go.trai.ch/zerr"

	"github.com/kiln-dev/kiln/internal/errors"
)

var (
	scriptBlock = regexp.MustCompile(`(?s)<script(\s[^>]*)?>(.*?)</script>`)
	styleBlock  = regexp.MustCompile(`(?s)<style(\s[^>]*)?>(.*?)</style>`)
	langAttr    = regexp.MustCompile(`\blang\s*=\s*["']?([A-Za-z]+)["']?`)
)

// Preprocessor rewrites script and style blocks written in other
// languages into JavaScript and CSS before compilation.
type Preprocessor struct {
	// Sass is the command compiling SCSS from stdin to CSS on stdout.
	Sass []string

	// Less is the command compiling Less from stdin to CSS on stdout.
	Less []string

	// Dir is the working directory for stylesheet commands.
	Dir string
}

// NewPreprocessor returns a Preprocessor running sass and lessc through npx.
func NewPreprocessor(dir string) *Preprocessor {
	return &Preprocessor{
		Sass: []string{"npx", "--no-install", "sass", "--stdin", "--no-source-map"},
		Less: []string{"npx", "--no-install", "lessc", "-"},
		Dir:  dir,
	}
}

// Process returns source with every lang="ts", lang="scss" and lang="less"
// block converted and its lang attribute removed.
func (p *Preprocessor) Process(ctx context.Context, source, filename string) (string, error) {
	out, err := replaceBlocks(scriptBlock, source, "script", func(lang, content string) (string, bool, error) {
		if lang != "ts" && lang != "typescript" {
			return content, false, nil
		}
		js, err := TranspileTS(content, filename)
		return js, true, err
	})
	if err != nil {
		return "", err
	}

	return replaceBlocks(styleBlock, out, "style", func(lang, content string) (string, bool, error) {
		var argv []string
		switch lang {
		case "scss", "sass":
			argv = p.Sass
		case "less":
			argv = p.Less
		default:
			return content, false, nil
		}
		css, err := p.run(ctx, argv, content, filename)
		return css, true, err
	})
}

// replaceBlocks applies fn to the body of every block matched by re. The
// lang attribute is dropped from blocks fn reports as converted.
func replaceBlocks(re *regexp.Regexp, source, tag string, fn func(lang, content string) (string, bool, error)) (string, error) {
	var (
		b    strings.Builder
		last int
	)
	for _, m := range re.FindAllStringSubmatchIndex(source, -1) {
		attrs := ""
		if m[2] >= 0 {
			attrs = source[m[2]:m[3]]
		}
		content := source[m[4]:m[5]]

		lang := ""
		if lm := langAttr.FindStringSubmatch(attrs); lm != nil {
			lang = strings.ToLower(lm[1])
		}

		converted, handled, err := fn(lang, content)
		if err != nil {
			return "", err
		}
		if handled {
			attrs = langAttr.ReplaceAllString(attrs, "")
		}

		b.WriteString(source[last:m[0]])
		b.WriteString("<" + tag + strings.TrimRight(attrs, " \t") + ">")
		b.WriteString(converted)
		b.WriteString("</" + tag + ">")
		last = m[1]
	}
	b.WriteString(source[last:])
	return b.String(), nil
}

// TranspileTS strips types from a component script. Component imports are
// only referenced from markup, so they are lifted out before transpiling
// and restored afterwards to keep them from being dropped as unused.
func TranspileTS(code, filename string) (string, error) {
	rest, imports := splitComponentImports(code)

	res := api.Transform(rest, api.TransformOptions{
		Loader:     api.LoaderTS,
		Target:     api.ES2020,
		Sourcefile: filename,
		LogLevel:   api.LogLevelSilent,
	})
	if len(res.Errors) > 0 {
		m := res.Errors[0]
		e := errors.New("E161").WithDetail("Transpiling TypeScript: " + m.Text)
		if m.Location != nil {
			e.Location = &errors.Location{File: filename, Line: m.Location.Line, Column: m.Location.Column + 1}
			e.WithFrame(m.Location.LineText)
		} else {
			e.WithLocation(filename, 0, 0)
		}
		return "", e
	}

	if imports == "" {
		return string(res.Code), nil
	}
	return imports + "\n" + string(res.Code), nil
}

// splitComponentImports separates single-line imports of component files.
func splitComponentImports(code string) (rest, imports string) {
	var kept, lifted []string
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "import") && isComponentImport(trimmed) {
			lifted = append(lifted, trimmed)
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n"), strings.Join(lifted, "\n")
}

func isComponentImport(line string) bool {
	line = strings.TrimSuffix(line, ";")
	return strings.HasSuffix(line, `.svelte'`) || strings.HasSuffix(line, `.svelte"`)
}

// run pipes content through an external stylesheet compiler.
func (p *Preprocessor) run(ctx context.Context, argv []string, content, filename string) (string, error) {
	if len(argv) == 0 {
		return content, nil
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = p.Dir
	cmd.Stdin = strings.NewReader(content)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", errors.New("E161").
			WithDetail("compiling to css: " + strings.TrimSpace(stderr.String())).
			WithLocation(filename, 0, 0).
			Wrap(zerr.With(zerr.Wrap(err, "stylesheet compiler failed"), "command", strings.Join(argv, " ")))
	}
	return stdout.String(), nil
}
