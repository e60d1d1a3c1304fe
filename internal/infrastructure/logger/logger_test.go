package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	t.Run("zero config builds an info-level logger", func(t *testing.T) {
		log, err := New(nil)
		require.NoError(t, err)
		require.NotNil(t, log)

		assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
		assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
	})

	t.Run("debug level enables debug output", func(t *testing.T) {
		log, err := New(&Config{Level: "debug"})
		require.NoError(t, err)
		assert.True(t, log.Core().Enabled(zapcore.DebugLevel))
	})

	t.Run("error level suppresses warnings", func(t *testing.T) {
		log, err := New(&Config{Level: "error"})
		require.NoError(t, err)
		assert.False(t, log.Core().Enabled(zapcore.WarnLevel))
		assert.True(t, log.Core().Enabled(zapcore.ErrorLevel))
	})

	t.Run("console format builds", func(t *testing.T) {
		log, err := New(&Config{Format: "console", Output: "stderr"})
		require.NoError(t, err)
		require.NotNil(t, log)
	})

	t.Run("file output appends JSON entries", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "worker.log")

		log, err := New(&Config{Level: "info", Format: "json", Output: path})
		require.NoError(t, err)

		log.Info("reservation finalized")
		require.NoError(t, Sync(log))

		raw, err := os.ReadFile(path)
		require.NoError(t, err)

		var entry map[string]any
		require.NoError(t, json.Unmarshal(raw, &entry))
		assert.Equal(t, "reservation finalized", entry["msg"])
		assert.Equal(t, "info", entry["level"])
		assert.NotEmpty(t, entry["time"])
		assert.NotEmpty(t, entry["caller"])
	})

	t.Run("unwritable file output is an error", func(t *testing.T) {
		// A directory cannot be opened for writing.
		_, err := New(&Config{Output: t.TempDir()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "open log output")
	})
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"fatal":   zapcore.FatalLevel,
		"ERROR":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for input, want := range cases {
		assert.Equal(t, want, parseLevel(input), "level %q", input)
	}
}
