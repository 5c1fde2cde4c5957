package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kiln-dev/kiln/internal/errors"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "kiln.json"

	// YAMLConfigFileName is the alternative YAML configuration file.
	YAMLConfigFileName = "kiln.yaml"

	// DefaultPort is the default development server port.
	DefaultPort = 3000

	// DefaultHost is the default development server host.
	DefaultHost = "localhost"

	// DefaultRoot is the default root component.
	DefaultRoot = "src/App.svelte"

	// DefaultOutput is the default production build output directory.
	DefaultOutput = "dist"

	// DefaultDevOutput is where development bundles are written.
	DefaultDevOutput = "public/dist"

	// DefaultServerOutput is where server bundles are written in ssg and ssr modes.
	DefaultServerOutput = ".kiln"

	// DefaultFallbackPath is served for unknown paths when the history
	// fallback is enabled without an explicit path.
	DefaultFallbackPath = "/index.html"

	// DefaultMimeType is used for files whose extension has no known type.
	DefaultMimeType = "text/plain"

	// DefaultDebounce is the quiet period before file changes trigger a rebuild.
	DefaultDebounce = 100 * time.Millisecond
)

// Mode selects how the application is rendered.
type Mode string

const (
	ModeDOM Mode = "dom"
	ModeSSG Mode = "ssg"
	ModeSSR Mode = "ssr"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeDOM, ModeSSG, ModeSSR:
		return true
	}
	return false
}

// Config represents the complete kiln configuration.
type Config struct {
	// Root is the root component mounted by the generated entry module.
	Root string `json:"root,omitempty" yaml:"root,omitempty"`

	// Mode is the rendering mode: dom, ssg or ssr.
	Mode Mode `json:"mode,omitempty" yaml:"mode,omitempty"`

	// Port is the dev server port. Hot reload listens on Port+1.
	Port int `json:"port,omitempty" yaml:"port,omitempty"`

	// Host is the host to bind to.
	Host string `json:"host,omitempty" yaml:"host,omitempty"`

	// ContentBase lists the directories static files are served from, in priority order.
	ContentBase []string `json:"contentBase,omitempty" yaml:"contentBase,omitempty"`

	// HistoryAPIFallback serves a fallback document for unknown paths.
	HistoryAPIFallback Fallback `json:"historyApiFallback" yaml:"historyApiFallback"`

	// ImportMap is the path to an import map mapping bare specifiers to URLs.
	ImportMap string `json:"importMap,omitempty" yaml:"importMap,omitempty"`

	// Dev contains development server configuration.
	Dev DevConfig `json:"dev,omitempty" yaml:"dev,omitempty"`

	// Build contains production build configuration.
	Build BuildConfig `json:"build,omitempty" yaml:"build,omitempty"`

	// Compiler configures the external component compiler.
	Compiler CompilerConfig `json:"compiler,omitempty" yaml:"compiler,omitempty"`

	// Deploy configures publishing of production builds.
	Deploy DeployConfig `json:"deploy,omitempty" yaml:"deploy,omitempty"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// DevConfig contains development server settings.
type DevConfig struct {
	// OpenBrowser opens the browser automatically on start.
	OpenBrowser bool `json:"openBrowser" yaml:"openBrowser"`

	// HotReload enables the hot reload channel.
	HotReload bool `json:"hotReload" yaml:"hotReload"`

	// Output is where development bundles are written.
	Output string `json:"output,omitempty" yaml:"output,omitempty"`

	// ServerOutput is where the server bundle is written in ssg and ssr modes.
	ServerOutput string `json:"serverOutput,omitempty" yaml:"serverOutput,omitempty"`

	// ServerEntry is the server entry module used in ssg and ssr modes.
	ServerEntry string `json:"serverEntry,omitempty" yaml:"serverEntry,omitempty"`

	// Watch contains glob patterns, relative to the project root, to watch for changes.
	Watch []string `json:"watch,omitempty" yaml:"watch,omitempty"`

	// Ignore contains glob patterns to ignore during watch.
	Ignore []string `json:"ignore,omitempty" yaml:"ignore,omitempty"`

	// Debounce is the quiet period before changes trigger a rebuild.
	Debounce Duration `json:"debounce,omitempty" yaml:"debounce,omitempty"`

	// Headers are added to every dev server response.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// DefaultType is the content type for files with an unknown extension.
	DefaultType string `json:"defaultType,omitempty" yaml:"defaultType,omitempty"`
}

// BuildConfig contains production build settings.
type BuildConfig struct {
	// Output is the output directory for builds.
	Output string `json:"output,omitempty" yaml:"output,omitempty"`

	// Minify enables minification.
	Minify bool `json:"minify" yaml:"minify"`

	// SourceMaps enables source map generation.
	SourceMaps bool `json:"sourceMaps,omitempty" yaml:"sourceMaps,omitempty"`

	// Precompress writes .gz and .zst siblings for text assets.
	Precompress bool `json:"precompress" yaml:"precompress"`
}

// CompilerConfig configures the external component compiler.
type CompilerConfig struct {
	// Node is the Node.js executable.
	Node string `json:"node,omitempty" yaml:"node,omitempty"`

	// Module is the compiler module resolved by Node.js.
	Module string `json:"module,omitempty" yaml:"module,omitempty"`

	// SveltePath is the base URL runtime imports in compiled output point at.
	SveltePath string `json:"sveltePath,omitempty" yaml:"sveltePath,omitempty"`

	// Extensions lists the file extensions handled by the compiler.
	Extensions []string `json:"extensions,omitempty" yaml:"extensions,omitempty"`
}

// DeployConfig configures the bucket production builds are uploaded to.
type DeployConfig struct {
	Bucket      string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Region      string `json:"region,omitempty" yaml:"region,omitempty"`
	Prefix      string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Endpoint    string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	PathStyle   bool   `json:"pathStyle,omitempty" yaml:"pathStyle,omitempty"`
	Concurrency int    `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
}

// Fallback is the history API fallback setting. It is written as either a
// boolean or the path of the document to serve.
type Fallback struct {
	Enabled bool
	Path    string
}

// Target returns the fallback path, or "" when the fallback is disabled.
func (f Fallback) Target() string {
	if !f.Enabled {
		return ""
	}
	if f.Path == "" {
		return DefaultFallbackPath
	}
	return f.Path
}

func (f *Fallback) set(enabled bool, path string) {
	f.Enabled = enabled || path != ""
	f.Path = path
}

// UnmarshalJSON accepts true, false or a path string.
func (f *Fallback) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = Fallback{}
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		f.set(b, "")
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("historyApiFallback must be a boolean or a path, got %s", data)
	}
	f.set(false, s)
	return nil
}

// MarshalJSON writes the path when one is set and a boolean otherwise.
func (f Fallback) MarshalJSON() ([]byte, error) {
	if f.Enabled && f.Path != "" {
		return json.Marshal(f.Path)
	}
	return json.Marshal(f.Enabled)
}

// UnmarshalYAML accepts true, false or a path string.
func (f *Fallback) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("historyApiFallback must be a boolean or a path (line %d)", value.Line)
	}
	var b bool
	if value.Tag == "!!bool" && value.Decode(&b) == nil {
		f.set(b, "")
		return nil
	}
	f.set(false, value.Value)
	return nil
}

// MarshalYAML mirrors MarshalJSON.
func (f Fallback) MarshalYAML() (any, error) {
	if f.Enabled && f.Path != "" {
		return f.Path, nil
	}
	return f.Enabled, nil
}

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalJSON accepts a duration string or a number of milliseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalYAML accepts a duration string or a number of milliseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		ms, err := strconv.ParseInt(value.Value, 10, 64)
		if err != nil {
			return err
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	return d.parse(value.Value)
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// New creates a new Config with default values.
func New() *Config {
	return &Config{
		Root:               DefaultRoot,
		Mode:               ModeDOM,
		Port:               DefaultPort,
		Host:               DefaultHost,
		ContentBase:        []string{"public"},
		HistoryAPIFallback: Fallback{Enabled: true},
		ImportMap:          "import_map.json",
		Dev: DevConfig{
			OpenBrowser:  true,
			HotReload:    true,
			Output:       DefaultDevOutput,
			ServerOutput: DefaultServerOutput,
			ServerEntry:  "src/server.js",
			Watch:        []string{"src/**/*"},
			Debounce:     Duration(DefaultDebounce),
			DefaultType:  DefaultMimeType,
		},
		Build: BuildConfig{
			Output:      DefaultOutput,
			Minify:      true,
			Precompress: true,
		},
		Compiler: CompilerConfig{
			Node:       "node",
			Module:     "svelte/compiler",
			SveltePath: "https://cdn.skypack.dev/svelte",
			Extensions: []string{".svelte"},
		},
		Deploy: DeployConfig{
			Region:      "us-east-1",
			Concurrency: 8,
		},
	}
}

// Load reads configuration from the specified directory. kiln.json is
// preferred; kiln.yaml is used when no JSON file exists.
func Load(dir string) (*Config, error) {
	jsonPath := filepath.Join(dir, ConfigFileName)
	if _, err := os.Stat(jsonPath); err != nil {
		yamlPath := filepath.Join(dir, YAMLConfigFileName)
		if _, yerr := os.Stat(yamlPath); yerr == nil {
			return LoadFile(yamlPath)
		}
	}
	return LoadFile(jsonPath)
}

// LoadFile reads configuration from the specified file path. The format is
// chosen by extension.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("E141").
				WithDetail("No " + ConfigFileName + " found in " + filepath.Dir(path)).
				WithSuggestion("Create " + ConfigFileName + " at the project root, or run with defaults using --no-config")
		}
		return nil, errors.New("E120").Wrap(err)
	}

	cfg := New()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.New("E120").
				WithDetail("Failed to parse " + filepath.Base(path) + ": " + err.Error()).
				WithSuggestion("Check that " + filepath.Base(path) + " is valid YAML")
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.New("E120").
				WithDetail("Failed to parse " + filepath.Base(path) + ": " + err.Error()).
				WithSuggestion("Check that " + filepath.Base(path) + " is valid JSON")
		}
	}

	cfg.configPath = path
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns the default configuration rooted at dir, for projects
// without a config file.
func Default(dir string) *Config {
	cfg := New()
	cfg.configPath = filepath.Join(dir, ConfigFileName)
	return cfg
}

// Save writes the configuration to the file it was loaded from.
func (c *Config) Save() error {
	if c.configPath == "" {
		return errors.Newf(errors.CategoryConfig, "no config path set")
	}
	return c.SaveTo(c.configPath)
}

// SaveTo writes the configuration to the specified path.
func (c *Config) SaveTo(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return errors.New("E120").Wrap(err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.New("E120").Wrap(err)
	}

	c.configPath = path
	return nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// Dir returns the directory containing the config file.
func (c *Config) Dir() string {
	if c.configPath == "" {
		return ""
	}
	return filepath.Dir(c.configPath)
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() {
	d := New()

	if c.Root == "" {
		c.Root = d.Root
	}
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.Host == "" {
		c.Host = d.Host
	}
	if len(c.ContentBase) == 0 {
		c.ContentBase = d.ContentBase
	}

	// Dev
	if c.Dev.Output == "" {
		c.Dev.Output = d.Dev.Output
	}
	if c.Dev.ServerOutput == "" {
		c.Dev.ServerOutput = d.Dev.ServerOutput
	}
	if c.Dev.ServerEntry == "" {
		c.Dev.ServerEntry = d.Dev.ServerEntry
	}
	if c.Dev.Watch == nil {
		c.Dev.Watch = d.Dev.Watch
	}
	if c.Dev.Debounce <= 0 {
		c.Dev.Debounce = d.Dev.Debounce
	}
	if c.Dev.DefaultType == "" {
		c.Dev.DefaultType = d.Dev.DefaultType
	}

	// Build
	if c.Build.Output == "" {
		c.Build.Output = d.Build.Output
	}

	// Compiler
	if c.Compiler.Node == "" {
		c.Compiler.Node = d.Compiler.Node
	}
	if c.Compiler.Module == "" {
		c.Compiler.Module = d.Compiler.Module
	}
	if c.Compiler.SveltePath == "" {
		c.Compiler.SveltePath = d.Compiler.SveltePath
	}
	if len(c.Compiler.Extensions) == 0 {
		c.Compiler.Extensions = d.Compiler.Extensions
	}

	// Deploy
	if c.Deploy.Region == "" {
		c.Deploy.Region = d.Deploy.Region
	}
	if c.Deploy.Concurrency <= 0 {
		c.Deploy.Concurrency = d.Deploy.Concurrency
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if !c.Mode.Valid() {
		return errors.New("E121").
			WithDetail(fmt.Sprintf("mode must be one of dom, ssg or ssr, got %q", c.Mode))
	}
	if c.Port < 0 || c.Port > 65534 {
		return errors.New("E122").
			WithDetail("Port must be between 0 and 65534 so that the hot reload port fits")
	}
	if c.Port == 0 && c.Mode != ModeDOM {
		return errors.New("E122").
			WithDetail(fmt.Sprintf("%s mode hands the port to the server bundle, so it cannot be 0", c.Mode))
	}
	if c.Root == "" {
		return errors.New("E121").WithDetail("root must name the root component")
	}
	if len(c.ContentBase) == 0 {
		return errors.New("E121").WithDetail("contentBase must list at least one directory")
	}
	for _, base := range c.ContentBase {
		if strings.TrimSpace(base) == "" {
			return errors.New("E121").WithDetail("contentBase entries must not be empty")
		}
	}
	if fb := c.HistoryAPIFallback.Target(); fb != "" && !strings.HasPrefix(fb, "/") {
		return errors.New("E121").
			WithDetail(fmt.Sprintf("historyApiFallback path must start with /, got %q", fb))
	}
	return nil
}

// DevAddress returns the address string for the dev server.
func (c *Config) DevAddress() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DevURL returns the full URL for the dev server.
func (c *Config) DevURL() string {
	return "http://" + c.DevAddress()
}

// ReloadPort returns the hot reload websocket port, one above Port. It is 0
// when Port is 0: the port is only known once the dev server has bound.
func (c *Config) ReloadPort() int {
	if c.Port == 0 {
		return 0
	}
	return c.Port + 1
}

// resolve makes path absolute relative to the project directory.
func (c *Config) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Dir(), path)
}

// RootPath returns the absolute path to the root component.
func (c *Config) RootPath() string {
	return c.resolve(c.Root)
}

// ContentBasePaths returns the absolute content base directories in priority order.
func (c *Config) ContentBasePaths() []string {
	paths := make([]string, len(c.ContentBase))
	for i, base := range c.ContentBase {
		paths[i] = c.resolve(base)
	}
	return paths
}

// DevOutputPath returns the absolute path development bundles are written to.
func (c *Config) DevOutputPath() string {
	return c.resolve(c.Dev.Output)
}

// ServerOutputPath returns the absolute path server bundles are written to.
func (c *Config) ServerOutputPath() string {
	return c.resolve(c.Dev.ServerOutput)
}

// ServerEntryPath returns the absolute path to the server entry module.
func (c *Config) ServerEntryPath() string {
	return c.resolve(c.Dev.ServerEntry)
}

// OutputPath returns the absolute path to the build output directory.
func (c *Config) OutputPath() string {
	return c.resolve(c.Build.Output)
}

// ImportMapPath returns the absolute path to the import map, or "" when
// none is configured.
func (c *Config) ImportMapPath() string {
	if c.ImportMap == "" {
		return ""
	}
	return c.resolve(c.ImportMap)
}

// Exists checks if a config file exists in the given directory.
func Exists(dir string) bool {
	for _, name := range []string{ConfigFileName, YAMLConfigFileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// FindProjectRoot walks up directories to find the project root.
// Returns the directory containing kiln.json or kiln.yaml, or an error if not found.
func FindProjectRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		if Exists(dir) {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("E141").
				WithDetail("No " + ConfigFileName + " found in " + startDir + " or any parent directory").
				WithSuggestion("Create " + ConfigFileName + " at the project root")
		}
		dir = parent
	}
}

// LoadFromWorkingDir loads configuration from the current working directory.
func LoadFromWorkingDir() (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	root, err := FindProjectRoot(wd)
	if err != nil {
		return nil, err
	}

	return Load(root)
}
