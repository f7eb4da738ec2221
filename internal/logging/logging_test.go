package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter("info", FormatJSON, &buf)
	if err != nil {
		t.Fatal(err)
	}

	log.Debug("hidden")
	log.Info("relay finished", zap.String("host", "example.com"), zap.String("outcome", "ok"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["level"] != "info" || entry["msg"] != "relay finished" || entry["host"] != "example.com" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter("debug", FormatConsole, &buf)
	if err != nil {
		t.Fatal(err)
	}

	log.Warn("accept failed")
	if !strings.Contains(buf.String(), "WARN") || !strings.Contains(buf.String(), "accept failed") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestNewInvalid(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"bad_level", "loud", FormatJSON},
		{"bad_format", "info", "xml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewWithWriter(tt.level, tt.format, &bytes.Buffer{}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
