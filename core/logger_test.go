package core

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func newTestLogger(level, format string) (*ProductionLogger, *bytes.Buffer) {
	logger := NewProductionLogger(LoggingConfig{
		Level:  level,
		Format: format,
	}, "test-service").(*ProductionLogger)

	buf := &bytes.Buffer{}
	logger.SetOutput(buf)
	return logger, buf
}

func TestLoggerJSONFormat(t *testing.T) {
	logger, buf := newTestLogger("INFO", "json")

	logger.Info("Something happened", map[string]interface{}{
		"operation": "test_op",
		"endpoint":  3,
	})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}

	if entry["level"] != "INFO" {
		t.Errorf("level = %v", entry["level"])
	}
	if entry["service"] != "test-service" {
		t.Errorf("service = %v", entry["service"])
	}
	if entry["message"] != "Something happened" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["operation"] != "test_op" {
		t.Errorf("operation = %v", entry["operation"])
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	logger, buf := newTestLogger("WARN", "text")

	logger.Debug("hidden", nil)
	logger.Info("hidden", nil)
	if buf.Len() != 0 {
		t.Errorf("below-level output leaked: %s", buf.String())
	}

	logger.Warn("visible", nil)
	logger.Error("visible", nil)
	if lines := strings.Count(buf.String(), "\n"); lines != 2 {
		t.Errorf("expected 2 lines, got %d", lines)
	}
}

func TestLoggerComponentAttribution(t *testing.T) {
	logger, _ := newTestLogger("INFO", "json")
	component := logger.WithComponent("connector/runner/api1").(*ProductionLogger)

	buf := &bytes.Buffer{}
	component.SetOutput(buf)
	component.Info("scoped", nil)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["component"] != "connector/runner/api1" {
		t.Errorf("component = %v", entry["component"])
	}
}

func TestLoggerErrorRateLimit(t *testing.T) {
	logger := NewProductionLogger(LoggingConfig{
		Level:          "INFO",
		Format:         "text",
		ErrorRateLimit: time.Hour,
	}, "test-service").(*ProductionLogger)

	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	for i := 0; i < 10; i++ {
		logger.Error("flood", nil)
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 1 {
		t.Errorf("rate-limited error logging produced %d lines, want 1", lines)
	}
}

func TestNoOpLoggerIsSilent(t *testing.T) {
	// Must not panic with nil fields
	logger := &NoOpLogger{}
	logger.Info("x", nil)
	logger.Error("x", nil)
	logger.Warn("x", nil)
	logger.Debug("x", nil)
}
