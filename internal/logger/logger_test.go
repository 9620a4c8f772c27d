package logger

import (
	"bytes"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"warning", zapcore.WarnLevel},
		{" error ", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		if got := Level(tt.input); got != tt.want {
			t.Errorf("Level(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestInitWriter(t *testing.T) {
	prev := zap.L()
	defer zap.ReplaceGlobals(prev)

	var buf bytes.Buffer
	InitWriter("warn", &buf)

	zap.S().Infow("hidden", "segment", 1)
	zap.S().Warnw("retrying segment", "segment", 2)
	Sync()

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message written at warn level: %q", out)
	}
	if !strings.Contains(out, "retrying segment") || !strings.Contains(out, "WARN") {
		t.Errorf("warn message missing: %q", out)
	}
}
