package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_FileOutputIsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "kmedia.log")
	closeLog, err := Init(Config{Output: path, Level: "warn"})
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = Init(Config{Output: "stderr"}) })

	zlog.Info().Msg("dropped")
	zlog.Warn().Msg("controller: kept")
	require.NoError(t, closeLog())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "controller: kept", entry["message"])
	assert.NotContains(t, entry, "caller")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zerolog.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("loud"))
}

func TestShortCaller(t *testing.T) {
	assert.Equal(t, filepath.Join("sleep", "timer.go")+":42", shortCaller(0, filepath.Join("a", "internal", "sleep", "timer.go"), 42))
	assert.Equal(t, "main.go:7", shortCaller(0, "main.go", 7))
}
