package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/rpattn/versioned/internal/config"
)

func TestNew(t *testing.T) {
	logger, err := New(config.Logger{Level: "warn", Format: "console"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("info should be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatalf("error should be enabled at warn level")
	}
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	if _, err := New(config.Logger{Level: "loud"}); err == nil {
		t.Fatalf("expected invalid level error")
	}
	if _, err := New(config.Logger{Level: "info", Format: "xml"}); err == nil {
		t.Fatalf("expected invalid format error")
	}
}
