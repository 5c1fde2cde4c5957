package errors

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantMsg string
		wantCat Category
	}{
		{
			name:    "serve error",
			code:    "E100",
			wantMsg: "Path traversal rejected",
			wantCat: CategoryServe,
		},
		{
			name:    "config error",
			code:    "E122",
			wantMsg: "Invalid port number",
			wantCat: CategoryConfig,
		},
		{
			name:    "compile error",
			code:    "E160",
			wantMsg: "Component compilation failed",
			wantCat: CategoryCompile,
		},
		{
			name:    "unknown error code",
			code:    "E999",
			wantMsg: "Unknown error",
			wantCat: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code)
			if err.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", err.Message, tt.wantMsg)
			}
			if err.Category != tt.wantCat {
				t.Errorf("Category = %q, want %q", err.Category, tt.wantCat)
			}
			if err.Code != tt.code {
				t.Errorf("Code = %q, want %q", err.Code, tt.code)
			}
		})
	}
}

func TestKilnError_Error(t *testing.T) {
	err := New("E160")
	if got, want := err.Error(), "E160: Component compilation failed"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	err.WithDetail("Unexpected token")
	if got, want := err.Error(), "E160: Component compilation failed: Unexpected token"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	err2 := &KilnError{Message: "test error"}
	if err2.Error() != "test error" {
		t.Errorf("Error() = %q, want %q", err2.Error(), "test error")
	}
}

func TestKilnError_WithLocation(t *testing.T) {
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "App.svelte")
	content := `<script>
  let count = 0
</script>

<button on:click={}>
  {count}
</button>
`
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	err := New("E160").WithLocation(tmpFile, 5, 18)

	if err.Location == nil {
		t.Fatal("Location is nil")
	}
	if err.Location.File != tmpFile {
		t.Errorf("Location.File = %q, want %q", err.Location.File, tmpFile)
	}
	if err.Location.Line != 5 || err.Location.Column != 18 {
		t.Errorf("Location = %d:%d, want 5:18", err.Location.Line, err.Location.Column)
	}
	want := CodeFrame(5, "<button on:click={}>", 18, 1)
	if err.Frame != want {
		t.Errorf("Frame = %q, want %q", err.Frame, want)
	}

	tool := New("E160").WithFrame("from the compiler\n").WithLocation(tmpFile, 5, 18)
	if tool.Frame != "from the compiler" {
		t.Errorf("WithLocation replaced the tool's frame: %q", tool.Frame)
	}

	fileOnly := New("E161").WithLocation(tmpFile, 0, 0)
	if fileOnly.Frame != "" {
		t.Errorf("Frame = %q, want none without a line", fileOnly.Frame)
	}
}

func TestCodeFrame(t *testing.T) {
	got := CodeFrame(12, "let x = {", 9, 1)
	want := "  12 │ let x = {\n     │         ^"
	if got != want {
		t.Errorf("CodeFrame() =\n%s\nwant\n%s", got, want)
	}

	span := CodeFrame(3, "import x from 'y'", 15, 3)
	if !strings.HasSuffix(span, "^~~") {
		t.Errorf("CodeFrame() with length 3 = %q", span)
	}
}

func TestKilnError_Wrap(t *testing.T) {
	inner := New("E102")
	outer := New("E160").Wrap(inner)

	if outer.Unwrap() != inner {
		t.Error("Unwrap() should return wrapped error")
	}
	if !HasCode(outer, "E102") {
		t.Error("HasCode should find the wrapped code")
	}
	if !HasCode(fmt.Errorf("rebuild: %w", outer), "E160") {
		t.Error("HasCode should see through fmt wrapping")
	}
	if HasCode(outer, "E100") {
		t.Error("HasCode should not report an absent code")
	}
	if CodeOf(fmt.Errorf("x: %w", outer)) != "E160" {
		t.Errorf("CodeOf = %q, want E160", CodeOf(outer))
	}
}

func TestFromError(t *testing.T) {
	if FromError(nil, "E102") != nil {
		t.Error("FromError(nil, ...) should return nil")
	}

	ke := New("E100")
	if FromError(ke, "E102") != ke {
		t.Error("FromError should return KilnError as-is")
	}
	if FromError(fmt.Errorf("ctx: %w", ke), "E102") != ke {
		t.Error("FromError should find a wrapped KilnError")
	}

	stdErr := &testError{msg: "test error"}
	result := FromError(stdErr, "E102")
	if result.Wrapped != stdErr {
		t.Error("Standard error should be wrapped")
	}
	if result.Code != "E102" {
		t.Errorf("Code = %q, want E102", result.Code)
	}
}

type testError struct {
	msg string
}

func (e *testError) Error() string {
	return e.msg
}

func TestLocation_String(t *testing.T) {
	tests := []struct {
		name string
		loc  *Location
		want string
	}{
		{name: "nil location", loc: nil, want: ""},
		{name: "file only", loc: &Location{File: "App.svelte"}, want: "App.svelte"},
		{name: "with column", loc: &Location{File: "App.svelte", Line: 10, Column: 5}, want: "App.svelte:10:5"},
		{name: "without column", loc: &Location{File: "App.svelte", Line: 10}, want: "App.svelte:10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.loc.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	DisableColors()
	defer EnableColors()

	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "App.svelte")
	content := "<script>\n  let n = 0\n</script>\n<p>{n</p>\n"
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	err := New("E160").
		WithLocation(tmpFile, 4, 5).
		WithSuggestion("Close the expression with }")

	formatted := err.Format()
	for _, want := range []string{"ERROR E160: Component compilation failed", tmpFile + ":4:5", "   4 │ <p>{n</p>", "Hint:", "Learn more:"} {
		if !strings.Contains(formatted, want) {
			t.Errorf("Format should contain %q:\n%s", want, formatted)
		}
	}
}

func TestFormat_Frame(t *testing.T) {
	DisableColors()
	defer EnableColors()

	frame := "3: </script>\n4: <p>{n</p>\n       ^\n"
	err := New("E160").WithFrame(frame).WithLocation("src/App.svelte", 4, 5)

	formatted := err.Format()
	if !strings.Contains(formatted, "  4: <p>{n</p>\n") {
		t.Errorf("Format should print the frame verbatim:\n%s", formatted)
	}
}

func TestFormat_Cause(t *testing.T) {
	DisableColors()
	defer EnableColors()

	err := New("E102").WithDetail("cannot write client artifacts").Wrap(fmt.Errorf("disk full"))
	if !strings.Contains(err.Format(), "Caused by: disk full") {
		t.Errorf("Format should name the cause:\n%s", err.Format())
	}

	same := New("E160").WithDetail("boom").Wrap(fmt.Errorf("boom"))
	if strings.Contains(same.Format(), "Caused by") {
		t.Errorf("a cause repeating the detail should be omitted:\n%s", same.Format())
	}
}

func TestFormatCompact(t *testing.T) {
	err := New("E160").WithLocation("App.svelte", 10, 5)
	want := "App.svelte:10:5: E160: Component compilation failed"
	if got := err.FormatCompact(); got != want {
		t.Errorf("FormatCompact() = %q, want %q", got, want)
	}
}

func TestFormatJSON(t *testing.T) {
	err := New("E160").
		WithFrame(CodeFrame(10, "<p>{n</p>", 5, 1)).
		WithLocation("App.svelte", 10, 5).
		Wrap(fmt.Errorf("compiler exited"))

	var got map[string]any
	if jerr := json.Unmarshal([]byte(err.FormatJSON()), &got); jerr != nil {
		t.Fatalf("FormatJSON() is not valid JSON: %v\n%s", jerr, err.FormatJSON())
	}
	if got["code"] != "E160" || got["category"] != "compile" || got["message"] != "Component compilation failed" {
		t.Errorf("FormatJSON() = %v", got)
	}
	if got["cause"] != "compiler exited" {
		t.Errorf("cause = %v", got["cause"])
	}
	loc, _ := got["location"].(map[string]any)
	if loc["file"] != "App.svelte" || loc["line"] != float64(10) || loc["column"] != float64(5) {
		t.Errorf("location = %v", got["location"])
	}
	if !strings.Contains(got["frame"].(string), "<p>{n</p>") {
		t.Errorf("frame = %v", got["frame"])
	}
}

func TestFprint(t *testing.T) {
	DisableColors()
	defer EnableColors()

	var text bytes.Buffer
	Fprint(&text, fmt.Errorf("wrapped: %w", New("E140")))
	if !strings.Contains(text.String(), "ERROR E140: Address already in use") {
		t.Errorf("terminal output = %q", text.String())
	}

	SetJSONOutput(true)
	defer SetJSONOutput(false)

	var out bytes.Buffer
	Fprint(&out, New("E170").WithDetail("no bucket configured"))
	Fprint(&out, fmt.Errorf("plain failure"))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected one JSON line per error, got %q", out.String())
	}
	var first, second map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatal(err)
	}
	if first["code"] != "E170" || first["detail"] != "no bucket configured" {
		t.Errorf("first = %v", first)
	}
	if second["message"] != "plain failure" {
		t.Errorf("second = %v", second)
	}
}

func TestRegistry(t *testing.T) {
	for code, tmpl := range registry {
		if tmpl.Category == "" || tmpl.Message == "" {
			t.Errorf("%s: category and message are required", code)
		}
		if !strings.HasSuffix(tmpl.DocURL, "/"+code) {
			t.Errorf("%s: DocURL = %q", code, tmpl.DocURL)
		}
	}
}

func TestWrapText(t *testing.T) {
	got := wrapText("short text", 100)
	if len(got) != 1 || got[0] != "short text" {
		t.Errorf("wrapText short text: got %v", got)
	}

	got = wrapText("this is a longer text that should be wrapped", 20)
	if len(got) != 3 {
		t.Errorf("wrapText long text: expected 3 lines, got %d: %v", len(got), got)
	}

	if got := wrapText("", 10); len(got) != 0 {
		t.Errorf("wrapText empty: expected empty, got %v", got)
	}
}

func TestColorFunctions(t *testing.T) {
	EnableColors()
	if !strings.Contains(red("test"), "\033[31m") {
		t.Error("red should contain ANSI code when colors enabled")
	}

	DisableColors()
	if strings.Contains(red("test"), "\033[") {
		t.Error("red should not contain ANSI code when colors disabled")
	}
	EnableColors()
}
