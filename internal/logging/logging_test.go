package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNew_JSONFormatEmitsParsableJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "json", "info")
	logger.Info("probe started", slog.String("media_id", "m1"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if entry["media_id"] != "m1" {
		t.Fatalf("expected structured field, got %v", entry)
	}
}

func TestNew_TextFormatIsHumanReadable(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "text", "info")
	logger.Info("probe started", slog.String("media_id", "m1"))

	if !strings.Contains(buf.String(), "media_id=m1") {
		t.Fatalf("expected key=value text output, got %q", buf.String())
	}
}

func TestNew_LevelGatesBelowThresholdMessages(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "text", "warn")
	logger.Info("should not appear")
	logger.Warn("should appear")

	if strings.Contains(buf.String(), "should not appear") {
		t.Fatalf("info message should have been suppressed at warn level")
	}
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("warn message should have been emitted")
	}
}

func TestNew_UnrecognizedFormatFallsBackToText(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "xml", "info")
	logger.Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("expected text fallback, got %q", buf.String())
	}
}
