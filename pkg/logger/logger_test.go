package logger

import (
	"blockfuzz/config"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel(""))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("verbose"))
}

func TestNewLoggerWithoutTelemetry(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	lg := NewLogger(LoggerParams{
		Lc:        lc,
		AppConfig: &config.AppConfig{LogLevel: "warn"},
	})
	lc.RequireStart()
	defer lc.RequireStop()

	assert.False(t, lg.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, lg.Core().Enabled(zapcore.WarnLevel))
}
