// Package ssr runs the server bundle used by the ssg and ssr modes.
//
// The server is a node process owned by a single goroutine, the Task. Other
// components drive it by sending messages: Start launches (or relaunches)
// the server bundle, End stops it. There are no process-wide hooks; the
// session sends End on shutdown.
package ssr

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"go.trai.ch/zerr"
)

const stopTimeout = 5 * time.Second

// Message is a command for a Task.
type Message interface {
	isMessage()
}

// Start runs the server bundle at Path. A running server is stopped first.
type Start struct {
	Path string
	Mode string
	Port int
}

// End stops the running server, if any.
type End struct{}

func (Start) isMessage() {}
func (End) isMessage()   {}

// Options configures a Task.
type Options struct {
	// Node is the node executable (default "node").
	Node string

	// Dir is the working directory of the server process.
	Dir string

	// Env is added to the current environment.
	Env []string

	// Stdout and Stderr receive the server's output (default os.Stdout/os.Stderr).
	Stdout io.Writer
	Stderr io.Writer

	Logger *slog.Logger
}

// command is everything needed to spawn a process.
type command struct {
	binary string
	args   []string
	dir    string
	env    []string
	stdout io.Writer
	stderr io.Writer
}

// Task owns the server process.
type Task struct {
	opts   Options
	logger *slog.Logger
	msgs   chan Message
	done   chan struct{}

	mu   sync.Mutex
	proc *processHandle
}

// NewTask creates a task. Call Run to start processing messages.
func NewTask(opts Options) *Task {
	if opts.Node == "" {
		opts.Node = "node"
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "ssr")
	}
	return &Task{
		opts:   opts,
		logger: logger,
		msgs:   make(chan Message, 8),
		done:   make(chan struct{}),
	}
}

// Send queues msg. It fails once ctx is done or the task has exited.
func (t *Task) Send(ctx context.Context, msg Message) error {
	select {
	case <-t.done:
		return zerr.New("ssr task has exited")
	default:
	}
	select {
	case t.msgs <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return zerr.New("ssr task has exited")
	}
}

// Run handles messages until ctx is done, then stops the server.
func (t *Task) Run(ctx context.Context) error {
	defer close(t.done)
	defer t.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-t.msgs:
			switch m := msg.(type) {
			case Start:
				if err := t.start(m); err != nil {
					t.logger.Error("cannot start server bundle", "path", m.Path, "error", err)
				}
			case End:
				t.stop()
			}
		}
	}
}

// Running reports whether a server process is alive.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.proc == nil {
		return false
	}
	select {
	case <-t.proc.done:
		return false
	default:
		return true
	}
}

func (t *Task) start(m Start) error {
	t.stop()

	env := append(os.Environ(), t.opts.Env...)
	env = append(env,
		"PORT="+strconv.Itoa(m.Port),
		"KILN_MODE="+m.Mode,
		"NODE_ENV=development",
	)
	proc, err := startProcess(command{
		binary: t.opts.Node,
		args:   []string{m.Path},
		dir:    t.opts.Dir,
		env:    env,
		stdout: t.opts.Stdout,
		stderr: t.opts.Stderr,
	})
	if err != nil {
		return zerr.With(zerr.Wrap(err, "start server process"), "path", m.Path)
	}

	t.mu.Lock()
	t.proc = proc
	t.mu.Unlock()

	t.logger.Info("server started", "path", m.Path, "mode", m.Mode, "port", m.Port)
	go t.watchExit(proc, m)
	return nil
}

// watchExit logs a server that exits on its own.
func (t *Task) watchExit(proc *processHandle, m Start) {
	<-proc.done
	t.mu.Lock()
	stillCurrent := t.proc == proc
	t.mu.Unlock()
	if stillCurrent {
		t.logger.Warn("server exited", "path", m.Path, "error", proc.err)
	}
}

func (t *Task) stop() {
	t.mu.Lock()
	proc := t.proc
	t.proc = nil
	t.mu.Unlock()

	if proc == nil {
		return
	}
	if err := stopProcess(proc); err != nil {
		t.logger.Debug("server exit status", "error", err)
	}
	t.logger.Debug("server stopped")
}
