package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	// Must not panic.
	l.Info("hello", String("k", "v"))
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "engine"))
	l.Warn("job.failed", String("service_id", "svc-1"), Int("attempts", 3), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if m["comp"] != "engine" || m["service_id"] != "svc-1" {
		t.Fatalf("missing fixed or call-site fields: %v", m)
	}
	if m["attempts"].(float64) != 3 {
		t.Fatalf("attempts = %v, want 3", m["attempts"])
	}
	if m["message"] != "job.failed" {
		t.Fatalf("message = %v", m["message"])
	}
}

func TestEnabledRespectsLevel(t *testing.T) {
	t.Parallel()
	l := NewWriter(&bytes.Buffer{}, "warn")
	if l.Enabled(LevelDebug) {
		t.Fatal("debug should be disabled at warn level")
	}
	if !l.Enabled(LevelError) {
		t.Fatal("error should be enabled at warn level")
	}
}

// Not parallel: NewConsole sets zerolog globals.
func TestConsoleLoggerLevel(t *testing.T) {
	l := NewConsole("warn")
	if l.IsZero() {
		t.Fatal("console logger should not be the zero logger")
	}
	if l.Enabled(LevelInfo) {
		t.Fatal("info should be disabled at warn level")
	}
	if !l.Enabled(LevelWarn) {
		t.Fatal("warn should be enabled at warn level")
	}
	if !NewConsole("bogus").Enabled(LevelInfo) {
		t.Fatal("unknown level should fall back to info")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
