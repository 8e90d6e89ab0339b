package utils

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureDefaultLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := ConfigureDefaultLogger("verbose", "", slog.HandlerOptions{})
	require.Error(t, err)
}

func TestConfigureDefaultLoggerNoneReturnsNilFile(t *testing.T) {
	f, err := ConfigureDefaultLogger("none", "", slog.HandlerOptions{})
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestConfigureDefaultLoggerWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noiseguard.log")

	f, err := ConfigureDefaultLogger("info", path, slog.HandlerOptions{})
	require.NoError(t, err)
	require.NotNil(t, f)

	slog.Info("log sink check", "answer", 42)
	require.NoError(t, f.Close())

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), `"msg":"log sink check"`)
	assert.Contains(t, string(contents), `"answer":42`)
}

func TestConfigureDefaultLoggerBadPath(t *testing.T) {
	_, err := ConfigureDefaultLogger("info", filepath.Join(t.TempDir(), "missing", "x.log"), slog.HandlerOptions{})
	require.Error(t, err)
}
