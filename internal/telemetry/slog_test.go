package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// ParseLevel
// ---------------------------------------------------------------------------

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"Error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// NewLogger
// ---------------------------------------------------------------------------

func TestNewLogger_JSONCarriesServiceAttribute(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "json", "info")
	logger.Info("organization created", "organization_id", "org-1")

	var obj map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &obj); err != nil {
		t.Fatalf("output is not valid JSON: %v\noutput: %s", err, buf.String())
	}
	if obj["msg"] != "organization created" {
		t.Errorf("msg = %v", obj["msg"])
	}
	if obj["service"] != "organization-manager" {
		t.Errorf("service = %v", obj["service"])
	}
	if obj["organization_id"] != "org-1" {
		t.Errorf("organization_id = %v", obj["organization_id"])
	}
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, "text", "info").Info("text test", "env", "development")

	line := buf.String()
	if !strings.Contains(line, "text test") || !strings.Contains(line, "env=development") {
		t.Errorf("unexpected text output: %q", line)
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "json", "warn")
	logger.Info("should be suppressed")
	logger.Warn("should appear")

	output := buf.String()
	if strings.Contains(output, "should be suppressed") {
		t.Error("Info record appeared despite warn level")
	}
	if !strings.Contains(output, "should appear") {
		t.Error("Warn record was unexpectedly suppressed")
	}
}

func TestSetupLogger_DoesNotPanic(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("SetupLogger panicked: %v", r)
		}
		SetupLogger("text", "error")
	}()
	SetupLogger("json", "debug")
}
