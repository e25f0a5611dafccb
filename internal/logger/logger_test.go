package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"verbose": zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestNewConfig(t *testing.T) {
	json := newConfig("warn", "json")
	assert.Equal(t, "json", json.Encoding)
	assert.Equal(t, "timestamp", json.EncoderConfig.TimeKey)
	assert.Equal(t, []string{"stdout"}, json.OutputPaths)
	assert.Equal(t, zapcore.WarnLevel, json.Level.Level())

	console := newConfig("debug", "console")
	assert.Equal(t, "console", console.Encoding)
	assert.Equal(t, zapcore.DebugLevel, console.Level.Level())
}

func TestNew(t *testing.T) {
	log, err := New("error", "json", "mdvr-gateway")
	require.NoError(t, err)
	defer func() { _ = log.Sync() }()

	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Core().Enabled(zapcore.ErrorLevel))
}
