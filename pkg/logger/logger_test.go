package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesJSONToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	if err := Init(Config{Level: "debug", OutputPaths: []string{path}}); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	Named("engine").Info("execution finished", "execution_id", "exec-1")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := strings.TrimSpace(string(data))
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", line, err)
	}
	if entry["component"] != "engine" || entry["execution_id"] != "exec-1" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestAuditRequiresPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}

func TestAuditFallsBackToDefault(t *testing.T) {
	if err := Init(Config{Format: "text"}); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	if Audit() != L() {
		t.Fatalf("expected audit logger to fall back to default logger")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{"debug": "DEBUG", "WARN": "WARN", "error": "ERROR", "": "INFO"}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
