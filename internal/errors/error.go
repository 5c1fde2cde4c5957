package errors

import (
	"bufio"
	stderrors "errors"
	"fmt"
	"os"
	"strings"
)

// Category represents the type of error.
type Category string

const (
	CategoryServe   Category = "serve"
	CategoryConfig  Category = "config"
	CategoryCLI     Category = "cli"
	CategoryCompile Category = "compile"
	CategoryDeploy  Category = "deploy"
)

// Location represents a source code location.
type Location struct {
	File   string
	Line   int
	Column int
}

// String returns the location as a formatted string.
func (l *Location) String() string {
	if l == nil {
		return ""
	}
	if l.Line == 0 {
		return l.File
	}
	if l.Column > 0 {
		return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// KilnError is a structured error with a registry code, source location and hints.
type KilnError struct {
	// Code is a unique error identifier (e.g., "E160").
	Code string

	// Category is the error type (serve, compile, etc.).
	Category Category

	// Message is a short description of the error.
	Message string

	// Detail is a longer explanation of the error.
	Detail string

	// Location is the source code location where the error occurred.
	Location *Location

	// Frame is a code frame for Location, either supplied by the tool that
	// reported the error or built by WithLocation from the source file.
	Frame string

	// Suggestion is a hint on how to fix the error.
	Suggestion string

	// DocURL is a link to documentation about this error.
	DocURL string

	// Wrapped is the underlying error, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *KilnError) Error() string {
	msg := e.Message
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	return msg
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *KilnError) Unwrap() error {
	return e.Wrapped
}

// WithLocation adds a source location. When line is known and no frame is
// set yet, the frame is built from that line of the file.
func (e *KilnError) WithLocation(file string, line, column int) *KilnError {
	e.Location = &Location{File: file, Line: line, Column: column}
	if line > 0 && e.Frame == "" {
		if text, ok := readLine(file, line); ok {
			e.Frame = CodeFrame(line, text, column, 1)
		}
	}
	return e
}

// WithFrame attaches a preformatted code frame.
func (e *KilnError) WithFrame(frame string) *KilnError {
	e.Frame = strings.TrimRight(frame, "\n")
	return e
}

// WithSuggestion adds a fix suggestion to the error.
func (e *KilnError) WithSuggestion(s string) *KilnError {
	e.Suggestion = s
	return e
}

// WithDetail adds a detailed explanation to the error.
func (e *KilnError) WithDetail(d string) *KilnError {
	e.Detail = d
	return e
}

// Wrap wraps another error.
func (e *KilnError) Wrap(err error) *KilnError {
	e.Wrapped = err
	return e
}

// readLine returns line n (1-based) of a file.
func readLine(filename string, n int) (string, bool) {
	file, err := os.Open(filename)
	if err != nil {
		return "", false
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for i := 1; scanner.Scan(); i++ {
		if i == n {
			return scanner.Text(), true
		}
	}
	return "", false
}

// New creates a KilnError from a registered error code.
func New(code string) *KilnError {
	template, ok := registry[code]
	if !ok {
		return &KilnError{
			Code:    code,
			Message: "Unknown error",
		}
	}
	return &KilnError{
		Code:     code,
		Category: template.Category,
		Message:  template.Message,
		Detail:   template.Detail,
		DocURL:   template.DocURL,
	}
}

// Newf creates a new KilnError with a formatted message (no code).
func Newf(category Category, format string, args ...any) *KilnError {
	return &KilnError{
		Category: category,
		Message:  fmt.Sprintf(format, args...),
	}
}

// FromError wraps a standard error in a KilnError. A KilnError anywhere in
// the chain is returned as-is.
func FromError(err error, code string) *KilnError {
	if err == nil {
		return nil
	}
	var ke *KilnError
	if stderrors.As(err, &ke) {
		return ke
	}
	return New(code).Wrap(err)
}

// HasCode reports whether err or any error it wraps is a KilnError with the given code.
func HasCode(err error, code string) bool {
	if err == nil {
		return false
	}
	if ke, ok := err.(*KilnError); ok && ke.Code == code {
		return true
	}
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return HasCode(u.Unwrap(), code)
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			if HasCode(e, code) {
				return true
			}
		}
	}
	return false
}

// CodeOf returns the code of the outermost KilnError in the chain, or "".
func CodeOf(err error) string {
	var ke *KilnError
	if stderrors.As(err, &ke) {
		return ke.Code
	}
	return ""
}
