package dev

import (
	"path/filepath"
	"strings"

	"github.com/kiln-dev/kiln/internal/config"
)

// CollectWatchPatterns returns the watch globs for the project, relative to
// its directory with forward slashes.
func CollectWatchPatterns(cfg *config.Config) []string {
	patterns := append([]string(nil), cfg.Dev.Watch...)
	if cfg.ImportMap != "" {
		patterns = append(patterns, cfg.ImportMap)
	}
	return uniquePatterns(cfg.Dir(), patterns)
}

// CollectIgnore returns the ignore patterns for the project. Build outputs
// are always ignored so writing artifacts never triggers a rebuild.
func CollectIgnore(cfg *config.Config) []string {
	ignore := append([]string(nil), DefaultIgnore...)
	ignore = append(ignore, cfg.Dev.Ignore...)
	outputs := []string{cfg.DevOutputPath(), cfg.ServerOutputPath(), cfg.OutputPath()}
	return append(ignore, uniquePatterns(cfg.Dir(), outputs)...)
}

func uniquePatterns(projectDir string, patterns []string) []string {
	unique := make([]string, 0, len(patterns))
	seen := make(map[string]struct{}, len(patterns))
	for _, p := range patterns {
		p = relativePattern(projectDir, p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		unique = append(unique, p)
	}
	return unique
}

func relativePattern(projectDir, pattern string) string {
	if pattern == "" {
		return ""
	}
	if filepath.IsAbs(pattern) {
		rel, err := filepath.Rel(projectDir, pattern)
		if err != nil || strings.HasPrefix(rel, "..") {
			return ""
		}
		pattern = rel
	}
	pattern = filepath.ToSlash(filepath.Clean(pattern))
	if pattern == "." {
		return ""
	}
	return pattern
}
