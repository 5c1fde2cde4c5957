package bundler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/kiln-dev/kiln/internal/errors"
)

// EntryID is the module id of the generated application entry.
const EntryID = "kiln:entry"

const entryNamespace = "kiln-entry"

// VirtualEntry generates the entry module that mounts the root component.
type VirtualEntry struct {
	// Root is the absolute path of the root component.
	Root string

	// Hydrate mounts over server-rendered markup.
	Hydrate bool
}

// Name implements Plugin.
func (v *VirtualEntry) Name() string { return "kiln-entry" }

// ResolveFilter implements Resolver.
func (v *VirtualEntry) ResolveFilter() string { return "^" + regexp.QuoteMeta(EntryID) + "$" }

// ResolveID implements Resolver.
func (v *VirtualEntry) ResolveID(_ context.Context, args ResolveArgs) (*ResolveResult, error) {
	if args.Path != EntryID {
		return nil, nil
	}
	return &ResolveResult{Path: EntryID, Namespace: entryNamespace}, nil
}

// Namespace implements ModuleLoader.
func (v *VirtualEntry) Namespace() string { return entryNamespace }

// Load implements ModuleLoader.
func (v *VirtualEntry) Load(_ context.Context, id string) (*LoadResult, error) {
	if id != EntryID {
		return nil, nil
	}
	return &LoadResult{
		Contents:   []byte(EntrySource(v.Root, v.Hydrate)),
		Loader:     LoaderJS,
		ResolveDir: filepath.Dir(v.Root),
	}, nil
}

// EntrySource returns the entry module mounting root on document.body.
func EntrySource(root string, hydrate bool) string {
	return fmt.Sprintf("import App from %q;\n\nnew App({\n  target: document.body,\n  hydrate: %t,\n  props: {},\n});\n",
		filepath.ToSlash(root), hydrate)
}

// HTTPExternal leaves absolute http(s) imports to the browser.
type HTTPExternal struct{}

// Name implements Plugin.
func (HTTPExternal) Name() string { return "kiln-http-external" }

// ResolveFilter implements Resolver.
func (HTTPExternal) ResolveFilter() string { return `^https?://` }

// ResolveID implements Resolver.
func (HTTPExternal) ResolveID(_ context.Context, args ResolveArgs) (*ResolveResult, error) {
	return &ResolveResult{Path: args.Path, External: true}, nil
}

// ImportMap rewrites bare specifiers according to an import map and
// leaves them external. Keys ending in "/" map package prefixes.
type ImportMap struct {
	Imports map[string]string `json:"imports"`

	// prefixes holds the "/"-terminated keys, longest first.
	prefixes []string
}

// LoadImportMap reads an import map file. A missing file yields an empty map.
func LoadImportMap(path string) (*ImportMap, error) {
	m := &ImportMap{Imports: map[string]string{}}
	if path == "" {
		return m, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, errors.New("E123").WithDetail(path).Wrap(err)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, errors.New("E123").
			WithDetail("Failed to parse " + filepath.Base(path) + ": " + err.Error()).
			WithLocation(path, 0, 0)
	}
	if m.Imports == nil {
		m.Imports = map[string]string{}
	}
	m.index()
	return m, nil
}

// NewImportMap builds an import map from a specifier table.
func NewImportMap(imports map[string]string) *ImportMap {
	m := &ImportMap{Imports: imports}
	m.index()
	return m
}

// Merge adds entries from other that m does not already define.
func (m *ImportMap) Merge(other map[string]string) {
	for k, v := range other {
		if _, ok := m.Imports[k]; !ok {
			m.Imports[k] = v
		}
	}
	m.index()
}

func (m *ImportMap) index() {
	m.prefixes = m.prefixes[:0]
	for k := range m.Imports {
		if strings.HasSuffix(k, "/") {
			m.prefixes = append(m.prefixes, k)
		}
	}
	sort.Slice(m.prefixes, func(i, j int) bool { return len(m.prefixes[i]) > len(m.prefixes[j]) })
}

// Lookup maps a specifier, reporting whether the map covers it.
func (m *ImportMap) Lookup(specifier string) (string, bool) {
	if target, ok := m.Imports[specifier]; ok {
		return target, true
	}
	for _, prefix := range m.prefixes {
		if strings.HasPrefix(specifier, prefix) {
			return m.Imports[prefix] + strings.TrimPrefix(specifier, prefix), true
		}
	}
	return "", false
}

// Name implements Plugin.
func (m *ImportMap) Name() string { return "kiln-import-map" }

// ResolveFilter implements Resolver. Relative and absolute paths never match.
func (m *ImportMap) ResolveFilter() string { return `^[^./]` }

// ResolveID implements Resolver.
func (m *ImportMap) ResolveID(_ context.Context, args ResolveArgs) (*ResolveResult, error) {
	target, ok := m.Lookup(args.Path)
	if !ok {
		return nil, nil
	}
	return &ResolveResult{Path: target, External: true}, nil
}
