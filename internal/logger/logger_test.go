package logger_test

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"codeberg.org/mutker/actlog/internal/errors"
	"codeberg.org/mutker/actlog/internal/logger"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want logger.LogLevel
	}{
		{"debug", logger.DebugLevel},
		{"INFO", logger.InfoLevel},
		{"warning", logger.WarnLevel},
		{"warn", logger.WarnLevel},
		{"error", logger.ErrorLevel},
	}
	for _, tt := range tests {
		got, err := logger.ParseLevel(tt.name)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}

	_, err := logger.ParseLevel("loud")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidLogLevel))
}

func TestComponentLogger(t *testing.T) {
	prev := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(prev)
	logger.SetLogLevel(logger.DebugLevel)

	var buf bytes.Buffer
	log := logger.New(&buf).With("sampler")
	log.ErrorWithCode(errors.New().Wrap(errors.ErrOperationFailed, io.EOF)).Msg("Append failed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "sampler", entry["component"])
	assert.Equal(t, "operation_failed", entry["error_code"])
	assert.Equal(t, "EOF", entry["error"])
	assert.Equal(t, "Append failed", entry["message"])
}

func TestNopDiscards(t *testing.T) {
	assert.NotPanics(t, func() {
		logger.Nop().With("x").Warn().Int("n", 1).Msg("dropped")
	})
}
