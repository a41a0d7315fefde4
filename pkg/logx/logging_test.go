package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	// Must not panic.
	l.Info("hello", String("k", "v"))
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "test"))
	l.Warn("tick failed", Int("failed", 2), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if m["comp"] != "test" || m["message"] != "tick failed" || m["level"] != "warn" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if m["failed"] != float64(2) {
		t.Fatalf("failed = %v, want 2", m["failed"])
	}
	if !strings.Contains(buf.String(), "boom") {
		t.Fatalf("error missing from output: %s", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line written at warn level: %s", buf.String())
	}
	if l.Enabled(LevelDebug) {
		t.Fatal("debug should be disabled")
	}
	if !l.Enabled(LevelError) {
		t.Fatal("error should be enabled")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"trace", "DEBUG", " info ", "warning", "Error"} {
		if _, ok := ParseLevel(s); !ok {
			t.Fatalf("ParseLevel(%q) not ok", s)
		}
	}
	if _, ok := ParseLevel("loud"); ok {
		t.Fatal("ParseLevel(loud) should fail")
	}
}
