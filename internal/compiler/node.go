package compiler

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"os/exec"
	"runtime"
	"strings"

	"go.trai.ch/zerr"
	"golang.org/x/sync/semaphore"

	"github.com/kiln-dev/kiln/internal/errors"
)

//go:embed driver.mjs
var driverScript string

// NodeCompiler runs the component compiler in a Node.js process per
// compilation.
type NodeCompiler struct {
	// Node is the Node.js executable.
	Node string

	// Module is the compiler module, resolved from Dir.
	Module string

	// Dir is the project directory node_modules are resolved from.
	Dir string

	sem *semaphore.Weighted
}

// NewNodeCompiler creates a NodeCompiler that runs at most one process per CPU.
func NewNodeCompiler(node, module, dir string) *NodeCompiler {
	return &NodeCompiler{
		Node:   node,
		Module: module,
		Dir:    dir,
		sem:    semaphore.NewWeighted(int64(runtime.NumCPU())),
	}
}

type nodeRequest struct {
	Cwd     string         `json:"cwd"`
	Module  string         `json:"module"`
	Source  string         `json:"source"`
	Options CompileOptions `json:"options"`
}

type nodeResponse struct {
	OK       bool     `json:"ok"`
	Fatal    bool     `json:"fatal"`
	Code     string   `json:"code"`
	Map      string   `json:"map"`
	CSS      string   `json:"css"`
	Warnings []string `json:"warnings"`
	Message  string   `json:"message"`
	Frame    string   `json:"frame"`
	Line     int      `json:"line"`
	Column   int      `json:"column"`
}

// LookPath checks that the Node.js executable is available.
func (c *NodeCompiler) LookPath() error {
	if _, err := exec.LookPath(c.Node); err != nil {
		return errors.New("E143").
			Wrap(err).
			WithSuggestion("Install Node.js or set compiler.node in kiln.json")
	}
	return nil
}

// Compile implements Compiler.
func (c *NodeCompiler) Compile(ctx context.Context, source string, opts CompileOptions) (*CompileOutput, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	payload, err := json.Marshal(nodeRequest{Cwd: c.Dir, Module: c.Module, Source: source, Options: opts})
	if err != nil {
		return nil, zerr.Wrap(err, "failed to encode compiler request")
	}

	cmd := exec.CommandContext(ctx, c.Node, "--input-type=module", "-e", driverScript)
	cmd.Dir = c.Dir
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if _, lookErr := exec.LookPath(c.Node); lookErr != nil {
			return nil, errors.New("E143").Wrap(lookErr)
		}
		return nil, errors.New("E160").
			WithDetail(strings.TrimSpace(stderr.String())).
			WithLocation(opts.Filename, 0, 0).
			Wrap(zerr.With(zerr.Wrap(err, "compiler process failed"), "file", opts.Filename))
	}

	var resp nodeResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, errors.New("E160").
			WithDetail("unreadable compiler response: " + strings.TrimSpace(stderr.String())).
			WithLocation(opts.Filename, 0, 0).
			Wrap(err)
	}

	if !resp.OK {
		e := errors.New("E160").WithDetail(resp.Message)
		if resp.Fatal {
			return nil, e.WithSuggestion("Install the compiler with: npm install --save-dev svelte")
		}
		e.Location = &errors.Location{File: opts.Filename, Line: resp.Line, Column: resp.Column}
		if resp.Frame != "" {
			e.WithFrame(resp.Frame)
		}
		return nil, e
	}

	return &CompileOutput{
		Code:     resp.Code,
		Map:      resp.Map,
		CSS:      resp.CSS,
		Warnings: resp.Warnings,
	}, nil
}
