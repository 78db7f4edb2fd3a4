package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		level    string
		encoding string
		enabled  zapcore.Level
		disabled zapcore.Level
	}{
		{level: "debug", encoding: "json", enabled: zapcore.DebugLevel},
		{level: "", encoding: "console", enabled: zapcore.InfoLevel, disabled: zapcore.DebugLevel},
		{level: "warning", encoding: "json", enabled: zapcore.WarnLevel, disabled: zapcore.InfoLevel},
		{level: "error", encoding: "console", enabled: zapcore.ErrorLevel, disabled: zapcore.WarnLevel},
		{level: "bogus", encoding: "json", enabled: zapcore.InfoLevel, disabled: zapcore.DebugLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.encoding, func(t *testing.T) {
			logger, err := NewLogger(tt.level, tt.encoding)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !logger.Core().Enabled(tt.enabled) {
				t.Fatalf("expected %s to be enabled", tt.enabled)
			}
			if tt.enabled != zapcore.DebugLevel && logger.Core().Enabled(tt.disabled) {
				t.Fatalf("expected %s to be disabled", tt.disabled)
			}
		})
	}
}
