package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(LevelInfo)
	})
	return &buf
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t)
	SetLevel(LevelWarn)

	DebugC("test", "debug line")
	InfoC("test", "info line")
	WarnC("test", "warn line")
	ErrorC("test", "error line")

	out := buf.String()
	if strings.Contains(out, "debug line") || strings.Contains(out, "info line") {
		t.Errorf("lines below minimum level leaked:\n%s", out)
	}
	if !strings.Contains(out, "warn line") || !strings.Contains(out, "error line") {
		t.Errorf("lines at or above minimum level missing:\n%s", out)
	}
}

func TestComponentAndFields(t *testing.T) {
	buf := capture(t)
	SetLevel(LevelDebug)

	InfoCF("orch", "Pipeline started", map[string]interface{}{
		"pipeline_id": "p1",
		"attempt":     3,
	})

	out := buf.String()
	if !strings.Contains(out, "INFO orch: Pipeline started") {
		t.Errorf("missing level/component/message: %s", out)
	}
	// Fields render sorted by key.
	if !strings.Contains(out, "attempt=3 pipeline_id=p1") {
		t.Errorf("fields not rendered in sorted key order: %s", out)
	}
}

func TestFieldQuoting(t *testing.T) {
	buf := capture(t)
	SetLevel(LevelDebug)

	WarnCF("fabric", "publish failed", map[string]interface{}{
		"error": "dial tcp: connection refused",
	})

	if !strings.Contains(buf.String(), `error="dial tcp: connection refused"`) {
		t.Errorf("value with spaces not quoted: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{" info ", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
