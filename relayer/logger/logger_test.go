package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVariants(t *testing.T) {
	t.Run("json format logs expected fields", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithWriter(&buf, int(zerolog.InfoLevel), "json", false)

		logger.Info().Str("key", "value").Msg("json_test")

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "json_test", line["message"])
		assert.Equal(t, "value", line["key"])
		assert.Contains(t, line, "time")
	})

	t.Run("console format logs human readable output", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithWriter(&buf, int(zerolog.DebugLevel), "console", false)

		logger.Debug().Str("env", "test").Msg("console_log")

		out := buf.String()
		assert.Contains(t, out, "console_log")
		assert.Contains(t, out, "env=test")
	})

	t.Run("level filters lower levels", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithWriter(&buf, int(zerolog.WarnLevel), "json", false)

		logger.Info().Msg("hidden")
		logger.Warn().Msg("shown")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("sampler drops most messages", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithWriter(&buf, int(zerolog.InfoLevel), "json", true)

		for i := 0; i < 10; i++ {
			logger.Info().Msg("sampled")
		}

		lines := strings.Count(strings.TrimSpace(buf.String()), "\n") + 1
		assert.Equal(t, 2, lines)
	})
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&buf, int(zerolog.InfoLevel), "json", false)

	l := Component(base, "watcher", "eip155:1")
	l.Info().Msg("tick")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "watcher", line["component"])
	assert.Equal(t, "eip155:1", line["chain"])

	buf.Reset()
	l = Component(base, "queue", "")
	l.Info().Msg("tick")
	line = map[string]any{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.NotContains(t, line, "chain")
}
