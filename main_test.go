package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"otk-tracker/config"
	"otk-tracker/pkg/tracker"
	"otk-tracker/poll"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"line one\nline two", 40, "line one line two"},
		{"abcdefghij", 5, "abcd…"},
		{"ｏｔｋｏｔｋ", 4, "ｏｔｋ…"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestRenderTable(t *testing.T) {
	out := renderTable([]string{"Thread", "Title"}, [][]string{{"111", "otk test"}, {"222"}}, []columnAlignment{alignRight})
	for _, want := range []string{"THREAD", "TITLE", "111", "otk test", "222"} {
		if !strings.Contains(strings.ToUpper(out), strings.ToUpper(want)) {
			t.Errorf("renderTable() missing %q:\n%s", want, out)
		}
	}
	if renderTable(nil, nil, nil) != "" {
		t.Error("renderTable() with no headers should be empty")
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.Logging{Level: "warn", Format: "auto"}, &buf)
	logger.Info("Hidden")
	logger.Warn("Shown", "thread_id", 111)

	line := strings.TrimSpace(buf.String())
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("auto format on a non-terminal should be JSON, got %q", line)
	}
	if entry["msg"] != "Shown" || entry["thread_id"] != float64(111) {
		t.Errorf("entry = %v", entry)
	}

	buf.Reset()
	newLogger(config.Logging{Level: "info", Format: "text"}, &buf).Info("Plain")
	if !strings.Contains(buf.String(), "msg=Plain") {
		t.Errorf("text format = %q", buf.String())
	}
}

func TestPrintRefresh(t *testing.T) {
	var buf bytes.Buffer
	printRefresh(&buf, &poll.Result{Skipped: true})
	if !strings.Contains(buf.String(), "already running") {
		t.Errorf("skipped output = %q", buf.String())
	}

	buf.Reset()
	printRefresh(&buf, &poll.Result{
		CycleID: "c1",
		Added:   []tracker.ThreadID{111},
		NewMessages: []tracker.Message{
			{ID: 112, ThreadID: 111, Time: 1001, Text: "pic", Attachment: &tracker.Attachment{Filename: "cat", Ext: ".jpg"}},
		},
	})
	for _, want := range []string{"Cycle c1: 1 added", "112", "cat.jpg", "1970-01-01 00:16"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("refresh output missing %q:\n%s", want, buf.String())
		}
	}
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for _, k := range []string{"STORAGE_BUCKET", "LOCAL_STORAGE", "PORT", "OTK_BOARD", "LOG_LEVEL", "OTK_KEYWORDS", "K_SERVICE"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestCommandsEndToEnd(t *testing.T) {
	isolateEnv(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/vt/catalog.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"page": 1, "threads": [{"no": 111, "sub": "otk test"}]}]`)
	})
	mux.HandleFunc("/vt/thread/111.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"posts": [
  {"no": 111, "time": 1000, "sub": "otk test", "com": "hello"},
  {"no": 112, "time": 1001, "com": "pic", "filename": "cat", "ext": ".jpg", "tim": 555, "md5": "ABC"}
]}`)
	})
	mux.HandleFunc("/vt/555.jpg", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "jpeg")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dataDir := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "config.toml")
	body := `
[remote]
catalog_url = "` + srv.URL + `/{board}/catalog.json"
thread_url = "` + srv.URL + `/{board}/thread"
media_url = "` + srv.URL + `"
requests_per_second = 0

[storage]
backend = "local"
local_path = "` + filepath.ToSlash(dataDir) + `"

[logging]
level = "error"
`
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := runCommand(t, "status", "--config", cfgPath)
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	if !strings.Contains(out, "No threads tracked.") {
		t.Errorf("status before refresh = %q", out)
	}

	out, err = runCommand(t, "refresh", "--config", cfgPath)
	if err != nil {
		t.Fatalf("refresh error = %v", err)
	}
	if !strings.Contains(out, "1 added") || !strings.Contains(out, "cat.jpg") {
		t.Errorf("refresh output = %q", out)
	}

	out, err = runCommand(t, "status", "--config", cfgPath)
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	for _, want := range []string{"111", "otk test", "#e6194b"} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}

	if _, err := runCommand(t, "reset", "--config", cfgPath); err == nil {
		t.Error("reset without --yes should fail")
	}
	if _, err := runCommand(t, "reset", "--yes", "--config", cfgPath); err != nil {
		t.Fatalf("reset error = %v", err)
	}
	out, _ = runCommand(t, "status", "--config", cfgPath)
	if !strings.Contains(out, "No threads tracked.") {
		t.Errorf("status after reset = %q", out)
	}
}
