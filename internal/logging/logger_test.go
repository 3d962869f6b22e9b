package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
		want   LogLevel
	}{
		{
			name:   "default config",
			config: nil,
			want:   LevelInfo,
		},
		{
			name:   "debug level",
			config: &Config{Level: LevelDebug, Output: &bytes.Buffer{}},
			want:   LevelDebug,
		},
		{
			name:   "error level",
			config: &Config{Level: LevelError, Output: &bytes.Buffer{}},
			want:   LevelError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Fatal("NewLogger() returned nil")
			}
			if logger.level != tt.want {
				t.Errorf("level = %v, want %v", logger.level, tt.want)
			}
		})
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("debug message")
	logger.Info("info message")
	if buf.Len() != 0 {
		t.Errorf("expected debug/info to be filtered at LevelWarn, got: %s", buf.String())
	}

	logger.Warn("warning message")
	if !strings.Contains(buf.String(), "warning message") {
		t.Errorf("expected warning message in output, got: %s", buf.String())
	}
}

func TestLoggerFormatArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Info("submitted transaction", "label", 7, "node", "0x1234")

	output := buf.String()
	if !strings.Contains(output, "label=7") {
		t.Errorf("expected label=7 in output, got: %s", output)
	}
	if !strings.Contains(output, "node=0x1234") {
		t.Errorf("expected node=0x1234 in output, got: %s", output)
	}
}

func TestLoggerPrintfStyle(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Warnf("retrying label %d (attempt %d)", 3, 2)

	output := buf.String()
	if !strings.Contains(output, "retrying label 3 (attempt 2)") {
		t.Errorf("expected formatted message in output, got: %s", output)
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))

	Debug("debug message", "key", "value")
	if !strings.Contains(buf.String(), "debug message") || !strings.Contains(buf.String(), "key=value") {
		t.Errorf("expected debug message with key=value, got: %s", buf.String())
	}

	buf.Reset()
	Info("info message")
	if !strings.Contains(buf.String(), "info message") {
		t.Errorf("expected info message, got: %s", buf.String())
	}

	buf.Reset()
	Warn("warning message")
	if !strings.Contains(buf.String(), "warning message") {
		t.Errorf("expected warning message, got: %s", buf.String())
	}

	buf.Reset()
	Error("error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Errorf("expected error message, got: %s", buf.String())
	}
}

func TestNamedLogger(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(&Config{Level: LevelDebug, Output: &buf})
	named := base.Named("at-req")

	named.Warn("path 2 fallback")

	output := buf.String()
	if !strings.Contains(output, "[at-req]") {
		t.Errorf("expected [at-req] tag in output, got: %s", output)
	}
	if !strings.Contains(output, "path 2 fallback") {
		t.Errorf("expected message in output, got: %s", output)
	}

	buf.Reset()
	base.Info("untagged message")
	if strings.Contains(buf.String(), "[at-req]") {
		t.Errorf("base logger should be unaffected by Named derivation, got: %s", buf.String())
	}
}
