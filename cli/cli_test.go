package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"

	"github.com/petal-labs/petalmacro/archive"
	"github.com/petal-labs/petalmacro/bus"
	"github.com/petal-labs/petalmacro/runtime"
)

// newTestRoot creates a fresh command tree so tests do not share flag state.
func newTestRoot() *cobra.Command {
	return NewRootCmd("test")
}

// executeCommand runs a cobra command with the given args and captures stdout/stderr.
func executeCommand(root *cobra.Command, args ...string) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(append([]string{"--no-color"}, args...))
	err = root.Execute()
	return outBuf.String(), errBuf.String(), err
}

// writeTestFile creates a temporary file with the given content and returns its path.
func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError, got %T: %v", err, err)
	}
	return exitErr.Code
}

const validMacro = `# recorded session
ui.f(x=2.0)
ui.value = 3

result = ui.load(path="a.txt")
ui.show(result)
`

// --- validate ---

func TestValidate_ValidMacro(t *testing.T) {
	path := writeTestFile(t, "session.macro", validMacro)
	stdout, _, err := executeCommand(newTestRoot(), "validate", "--root", "ui", path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !strings.Contains(stdout, "Valid!") {
		t.Errorf("expected 'Valid!' in output, got: %q", stdout)
	}
}

func TestValidate_SyntaxErrors(t *testing.T) {
	path := writeTestFile(t, "bad.macro", "ui.f(x=1.0)\nui.g(\nui.h(x=@)\n")
	stdout, _, err := executeCommand(newTestRoot(), "validate", "--root", "ui", path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if code := exitCode(t, err); code != exitValidation {
		t.Errorf("exit code = %d, want %d", code, exitValidation)
	}
	for _, want := range []string{path + ":2:", path + ":3:8:", "2 errors"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("output missing %q:\n%s", want, stdout)
		}
	}
}

func TestValidate_UnknownNameIsWarning(t *testing.T) {
	path := writeTestFile(t, "warn.macro", "ui.open(file_1)\n")

	stdout, _, err := executeCommand(newTestRoot(), "validate", "--root", "ui", path)
	if err != nil {
		t.Fatalf("warnings should not fail validation: %v", err)
	}
	if !strings.Contains(stdout, path+":1:9: warning:") {
		t.Errorf("missing warning position:\n%s", stdout)
	}

	_, _, err = executeCommand(newTestRoot(), "validate", "--root", "ui", "--strict", path)
	if code := exitCode(t, err); code != exitValidation {
		t.Errorf("strict exit code = %d, want %d", code, exitValidation)
	}
}

func TestValidate_RootFromConfig(t *testing.T) {
	cfgPath := writeTestFile(t, "petalmacro.yaml", "root_name: app\n")
	path := writeTestFile(t, "app.macro", "app.run()\n")

	stdout, _, err := executeCommand(newTestRoot(), "--config", cfgPath, "validate", "--strict", path)
	if err != nil {
		t.Fatalf("expected no error, got: %v\n%s", err, stdout)
	}
}

func TestValidate_JSONFormat(t *testing.T) {
	path := writeTestFile(t, "bad.macro", "ui.f(\n")
	stdout, _, err := executeCommand(newTestRoot(), "validate", "--root", "ui", "--format", "json", path)
	if err == nil {
		t.Fatal("expected validation error")
	}

	var diags []Diagnostic
	if err := json.Unmarshal([]byte(stdout), &diags); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, stdout)
	}
	if len(diags) != 1 || diags[0].Line != 1 || diags[0].Severity != severityError {
		t.Errorf("diagnostics = %+v", diags)
	}
}

func TestValidate_FileNotFound(t *testing.T) {
	_, _, err := executeCommand(newTestRoot(), "validate", "--root", "ui", "/nonexistent/x.macro")
	if code := exitCode(t, err); code != exitFileNotFound {
		t.Errorf("exit code = %d, want %d", code, exitFileNotFound)
	}
}

// --- fmt ---

func TestFmt(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "spacing",
			in:   "ui.f( x = 2.0 )\nui.value=3\n",
			want: "ui.f(x=2.0)\nui.value = 3\n",
		},
		{
			name: "blank lines collapse",
			in:   "\n\nui.a()\n\n\n\nui.b()\n\n",
			want: "ui.a()\n\nui.b()\n",
		},
		{
			name: "comments kept",
			in:   "#  note\nui.a()",
			want: "# note\nui.a()\n",
		},
		{
			name: "empty",
			in:   "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, diags := formatMacro("x.macro", tt.in)
			if len(diags) != 0 {
				t.Fatalf("unexpected diagnostics: %+v", diags)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("formatMacro mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFmtCommand_WriteAndCheck(t *testing.T) {
	path := writeTestFile(t, "s.macro", "ui.f( x = 2.0 )\n")

	_, _, err := executeCommand(newTestRoot(), "fmt", "--check", path)
	if code := exitCode(t, err); code != exitValidation {
		t.Errorf("check exit code = %d, want %d", code, exitValidation)
	}

	if _, _, err := executeCommand(newTestRoot(), "fmt", "-w", path); err != nil {
		t.Fatalf("fmt -w: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "ui.f(x=2.0)\n" {
		t.Errorf("file = %q", data)
	}

	if _, _, err := executeCommand(newTestRoot(), "fmt", "--check", path); err != nil {
		t.Errorf("check after write: %v", err)
	}
}

func TestFmtCommand_SyntaxError(t *testing.T) {
	path := writeTestFile(t, "s.macro", "ui.f(\n")
	_, stderr, err := executeCommand(newTestRoot(), "fmt", path)
	if code := exitCode(t, err); code != exitValidation {
		t.Errorf("exit code = %d, want %d", code, exitValidation)
	}
	if !strings.Contains(stderr, path+":1:") {
		t.Errorf("stderr missing position:\n%s", stderr)
	}
}

// --- history / export ---

func traceEvent(seq uint64, kind runtime.EventKind, idx int, stmt string) runtime.Event {
	return runtime.Event{
		Kind:      kind,
		SessionID: "s-1",
		Time:      time.Date(2026, 3, 1, 12, 0, int(seq), 0, time.UTC),
		Seq:       seq,
		Payload: map[string]any{
			"index":     idx,
			"version":   seq,
			"statement": stmt,
		},
	}
}

// seedEventStore writes a short session to a SQLite event store file.
func seedEventStore(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	es, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: path})
	if err != nil {
		t.Fatalf("NewSQLiteEventStore: %v", err)
	}
	defer es.Close()

	events := []runtime.Event{
		{Kind: runtime.EventSessionStarted, SessionID: "s-1", Seq: 1, Time: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		traceEvent(2, runtime.EventTraceAppended, 0, "ui.f(x=1.0)"),
		traceEvent(3, runtime.EventTraceReplaced, 0, "ui.f(x=2.0)"),
		traceEvent(4, runtime.EventTraceAppended, 1, "ui.value = 3"),
	}
	for _, e := range events {
		if err := es.Append(context.Background(), e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	return path
}

func TestHistory_Sessions(t *testing.T) {
	store := seedEventStore(t)
	stdout, _, err := executeCommand(newTestRoot(), "history", "--store", store)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	for _, want := range []string{"SESSION", "LAST SEQ", "s-1", "4", "open"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("output missing %q:\n%s", want, stdout)
		}
	}
}

func TestHistory_Events(t *testing.T) {
	store := seedEventStore(t)
	stdout, _, err := executeCommand(newTestRoot(), "history", "--store", store, "--session", "s-1", "--after", "2")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if strings.Contains(stdout, "ui.f(x=1.0)") {
		t.Errorf("--after 2 should skip seq 2:\n%s", stdout)
	}
	for _, want := range []string{"trace.replaced", "ui.f(x=2.0)", "ui.value = 3"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("output missing %q:\n%s", want, stdout)
		}
	}
}

func TestHistory_Errors(t *testing.T) {
	store := seedEventStore(t)
	tests := []struct {
		name string
		args []string
		code int
	}{
		{"missing store file", []string{"history", "--store", filepath.Join(t.TempDir(), "none.db")}, exitFileNotFound},
		{"unknown session", []string{"history", "--store", store, "--session", "nope"}, exitNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := executeCommand(newTestRoot(), tt.args...)
			if code := exitCode(t, err); code != tt.code {
				t.Errorf("exit code = %d, want %d", code, tt.code)
			}
		})
	}
}

func TestExport_FromEvents(t *testing.T) {
	store := seedEventStore(t)
	out := filepath.Join(t.TempDir(), "s-1.macro")

	if _, _, err := executeCommand(newTestRoot(), "export", "--store", store, "--session", "s-1", "-o", out); err != nil {
		t.Fatalf("export: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff("ui.f(x=2.0)\nui.value = 3\n", string(data)); diff != "" {
		t.Errorf("export mismatch (-want +got):\n%s", diff)
	}

	// The exported macro is already canonical.
	if _, _, err := executeCommand(newTestRoot(), "fmt", "--check", out); err != nil {
		t.Errorf("exported macro not canonical: %v", err)
	}
}

func TestExport_FromArchive(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "archive.db")
	st, err := archive.OpenSQLite(dsn)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	ctx := context.Background()
	for _, snap := range []archive.Snapshot{
		{SessionID: "s-1", Version: 1, Text: "ui.a()\n", Statements: 1, SavedAt: time.Now().UTC()},
		{SessionID: "s-1", Version: 2, Text: "ui.a()\nui.b()", Statements: 2, SavedAt: time.Now().UTC()},
	} {
		if err := st.Save(ctx, snap); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	_ = st.Close()

	stdout, _, err := executeCommand(newTestRoot(), "export", "--archive", dsn, "--session", "s-1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if stdout != "ui.a()\nui.b()\n" {
		t.Errorf("stdout = %q", stdout)
	}

	stdout, _, err = executeCommand(newTestRoot(), "history", "--archive", dsn, "--session", "s-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(stdout, "VERSION") || !strings.Contains(stdout, "2") {
		t.Errorf("history output:\n%s", stdout)
	}

	_, _, err = executeCommand(newTestRoot(), "export", "--archive", dsn, "--session", "missing")
	if code := exitCode(t, err); code != exitNotFound {
		t.Errorf("exit code = %d, want %d", code, exitNotFound)
	}
}

func TestExport_RequiresSession(t *testing.T) {
	store := seedEventStore(t)
	if _, _, err := executeCommand(newTestRoot(), "export", "--store", store); err == nil {
		t.Error("expected error without --session")
	}
}

// --- serve ---

func TestServeHandler(t *testing.T) {
	path := seedEventStore(t)
	es, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: path})
	if err != nil {
		t.Fatal(err)
	}
	defer es.Close()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	srv := httptest.NewServer(newServeHandler(es, eb, "https://example.com", 0))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Errorf("CORS origin = %q", got)
	}

	resp, err = http.Get(srv.URL + "/sessions/s-1/macro?format=text")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	if body.String() != "ui.f(x=2.0)\nui.value = 3\n" {
		t.Errorf("macro = %q", body.String())
	}

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/sessions", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d", resp.StatusCode)
	}
}

func TestResolveServeStoreDSN(t *testing.T) {
	cmd := NewServeCmd()
	t.Setenv("PETALMACRO_EVENT_STORE", "/tmp/x/../events.db")
	got, err := resolveServeStoreDSN(cmd)
	if err != nil {
		t.Fatal(err)
	}
	if got != "/tmp/events.db" {
		t.Errorf("dsn = %q", got)
	}

	_ = cmd.Flags().Set("store", "file:mem?mode=memory")
	got, err = resolveServeStoreDSN(cmd)
	if err != nil {
		t.Fatal(err)
	}
	if got != "file:mem?mode=memory" {
		t.Errorf("dsn = %q", got)
	}
}
