package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestNew_Console(t *testing.T) {
	log, err := New("debug", WithConsole())
	require.NoError(t, err)

	sl, ok := log.(*SugaredLogger)
	require.True(t, ok)
	sl.SetServiceName("seeder")

	child, ok := sl.With("worker", 1).(*SugaredLogger)
	require.True(t, ok)
	assert.Equal(t, "seeder", child.serviceName)
}
