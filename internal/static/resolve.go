package static

import (
	stderrors "errors"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"go.trai.ch/zerr"

	"github.com/kiln-dev/kiln/internal/errors"
)

// IndexFile is appended to paths that name a directory.
const IndexFile = "index.html"

// Options controls resolution.
type Options struct {
	// Fallback is resolved when nothing matches the request path.
	// Empty disables the fallback.
	Fallback string

	// DefaultType is used for files whose extension has no known type.
	DefaultType string
}

// ResolvedFile is the outcome of resolving one request path.
type ResolvedFile struct {
	// FilePath is the matched file, or the first attempted path when nothing matched.
	FilePath string

	// Base is the content base that produced the match.
	Base string

	Exists      bool
	IsDirectory bool

	// Size is the file size in bytes, or -1 when unknown.
	Size int64

	MimeType string

	// Fallback reports that FilePath is the fallback document.
	Fallback bool
}

// Resolve maps requestPath onto the first content base containing it.
// A missing file is reported with Exists false and a nil error. Traversal
// attempts fail with E100 and other filesystem failures with E102.
func Resolve(bases []string, requestPath string, opts Options) (ResolvedFile, error) {
	clean, err := CleanPath(requestPath)
	if err != nil {
		return ResolvedFile{FilePath: requestPath, Size: -1}, err
	}

	rf, err := lookup(bases, clean, opts.DefaultType)
	if err != nil || rf.Exists || opts.Fallback == "" {
		return rf, err
	}

	fbClean, err := CleanPath(opts.Fallback)
	if err != nil {
		return rf, err
	}
	fb, err := lookup(bases, fbClean, opts.DefaultType)
	if err != nil {
		return rf, err
	}
	if !fb.Exists {
		return rf, nil
	}
	fb.Fallback = true
	return fb, nil
}

// CleanPath strips the query string, percent-decodes and normalizes a
// request path. The result always starts with "/" and keeps a trailing "/"
// when the request named a directory.
func CleanPath(requestPath string) (string, error) {
	p := requestPath
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}

	decoded, err := url.PathUnescape(p)
	if err != nil {
		return "", errors.New("E100").
			WithDetail("malformed escape in " + requestPath).
			Wrap(err)
	}

	// Reject NUL early (can appear via %00).
	if strings.IndexByte(decoded, 0) != -1 {
		return "", errors.New("E100").WithDetail("NUL byte in " + requestPath)
	}

	// Reject platform-dependent separators.
	if strings.Contains(decoded, "\\") {
		return "", errors.New("E100").WithDetail("backslash in " + requestPath)
	}

	segments := strings.Split(decoded, "/")
	kept := make([]string, 0, len(segments))
	dir := decoded == "" || strings.HasSuffix(decoded, "/")
	for i, seg := range segments {
		last := i == len(segments)-1
		switch seg {
		case "", ".":
			if last && seg == "." {
				dir = true
			}
		case "..":
			if len(kept) == 0 {
				return "", errors.New("E100").WithDetail(requestPath + " escapes the content base")
			}
			kept = kept[:len(kept)-1]
			if last {
				dir = true
			}
		default:
			kept = append(kept, seg)
		}
	}

	clean := "/" + strings.Join(kept, "/")
	if dir && clean != "/" {
		clean += "/"
	}
	return clean, nil
}

// lookup searches bases in order for a cleaned path.
func lookup(bases []string, clean, defaultType string) (ResolvedFile, error) {
	attempted := ResolvedFile{Size: -1}

	for i, base := range bases {
		candidate, isDir, err := candidatePath(base, clean)
		if err != nil {
			return ResolvedFile{FilePath: candidate, Size: -1}, err
		}
		if i == 0 {
			attempted.FilePath = candidate
			attempted.IsDirectory = isDir
		}

		info, err := os.Stat(candidate)
		if err != nil {
			if notFound(err) {
				continue
			}
			return ResolvedFile{FilePath: candidate, Size: -1}, errors.New("E102").
				WithDetail(candidate).
				Wrap(zerr.With(zerr.Wrap(err, "stat failed"), "path", candidate))
		}
		if info.IsDir() {
			if i == 0 {
				attempted.IsDirectory = true
			}
			continue
		}

		return ResolvedFile{
			FilePath: candidate,
			Base:     base,
			Exists:   true,
			Size:     info.Size(),
			MimeType: MimeType(candidate, defaultType),
		}, nil
	}

	if attempted.FilePath == "" {
		attempted.FilePath = clean
	}
	return attempted, nil
}

// candidatePath joins a cleaned request path onto base, appending the index
// document for directory requests. The bool reports that the path named a directory.
func candidatePath(base, clean string) (string, bool, error) {
	rel := strings.TrimPrefix(clean, "/")
	candidate := filepath.Join(base, filepath.FromSlash(rel))

	if !isWithinDir(candidate, base) {
		return candidate, false, errors.New("E100").WithDetail(clean + " escapes the content base")
	}

	if strings.HasSuffix(clean, "/") {
		return filepath.Join(candidate, IndexFile), true, nil
	}

	if path.Ext(clean) == "" {
		info, err := os.Stat(candidate)
		if err == nil && info.IsDir() {
			return filepath.Join(candidate, IndexFile), true, nil
		}
		if err != nil && !notFound(err) {
			return candidate, false, errors.New("E102").
				WithDetail(candidate).
				Wrap(zerr.With(zerr.Wrap(err, "stat failed"), "path", candidate))
		}
	}

	return candidate, false, nil
}

// isWithinDir reports whether path is dir or lies beneath it.
func isWithinDir(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func notFound(err error) bool {
	return stderrors.Is(err, fs.ErrNotExist) || stderrors.Is(err, syscall.ENOTDIR)
}

// webTypes covers extensions the platform MIME database commonly lacks.
var webTypes = map[string]string{
	".html":        "text/html; charset=utf-8",
	".js":          "application/javascript",
	".mjs":         "application/javascript",
	".css":         "text/css; charset=utf-8",
	".json":        "application/json",
	".map":         "application/json",
	".svg":         "image/svg+xml",
	".wasm":        "application/wasm",
	".webmanifest": "application/manifest+json",
	".svelte":      "text/plain; charset=utf-8",
	".ico":         "image/x-icon",
}

// MimeType returns the content type for a file name, falling back to
// defaultType (or text/plain) for unknown extensions.
func MimeType(name, defaultType string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := webTypes[ext]; ok {
		return t
	}
	if ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	if defaultType == "" {
		return "text/plain"
	}
	return defaultType
}
