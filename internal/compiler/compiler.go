// Package compiler turns component sources into JavaScript modules.
//
// The component compiler itself is external and runs on Node.js; this
// package drives it, preprocesses TypeScript and stylesheet languages
// before it runs, and memoizes its output in a cache.BuildCache so that
// unchanged components are never recompiled during a dev session.
package compiler

import (
	"context"
)

// Generate selects the compiler's output target.
type Generate string

const (
	GenerateDOM Generate = "dom"
	GenerateSSR Generate = "ssr"
)

// CompileOptions are passed through to the external compiler.
type CompileOptions struct {
	Filename   string   `json:"filename"`
	Generate   Generate `json:"generate"`
	Dev        bool     `json:"dev"`
	Hydratable bool     `json:"hydratable"`
	SveltePath string   `json:"sveltePath,omitempty"`
}

// CompileOutput is a successful compilation.
type CompileOutput struct {
	Code     string
	Map      string
	CSS      string
	Warnings []string
}

// Compiler compiles one component source. Compile errors are returned as
// E160 errors carrying the file, position and code frame.
type Compiler interface {
	Compile(ctx context.Context, source string, opts CompileOptions) (*CompileOutput, error)
}
