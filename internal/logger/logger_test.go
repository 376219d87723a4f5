package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restore(t *testing.T) {
	prev := L
	t.Cleanup(func() { L = prev })
}

func TestInit_DisabledDiscards(t *testing.T) {
	restore(t)
	var buf bytes.Buffer
	_, err := Init(Options{Enabled: false, Writer: &buf})
	require.NoError(t, err)
	Info("hello")
	assert.Zero(t, buf.Len())
}

func TestInit_TextAndJSON(t *testing.T) {
	restore(t)

	var buf bytes.Buffer
	_, err := Init(Options{Enabled: true, Writer: &buf})
	require.NoError(t, err)
	For("control").Info("cycle", "id", 3)
	assert.Contains(t, buf.String(), "component=control")
	assert.Contains(t, buf.String(), "id=3")

	buf.Reset()
	_, err = Init(Options{Enabled: true, Writer: &buf, Format: FormatJSON, Level: slog.LevelWarn})
	require.NoError(t, err)
	Info("dropped")
	Warn("kept", "k", "v")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), `"k":"v"`)
}

func TestInit_LogDir(t *testing.T) {
	restore(t)
	dir := t.TempDir()

	stale := filepath.Join(dir, logPrefix+time.Now().AddDate(0, 0, -retentionDays-1).Format("2006-01-02")+logSuffix)
	require.NoError(t, os.WriteFile(stale, nil, 0o644))
	other := filepath.Join(dir, "keep.txt")
	require.NoError(t, os.WriteFile(other, nil, 0o644))

	closeFn, err := Init(Options{Enabled: true, LogDir: dir})
	require.NoError(t, err)
	Info("to file")
	require.NoError(t, closeFn())

	assert.NoFileExists(t, stale)
	assert.FileExists(t, other)

	data, err := os.ReadFile(filepath.Join(dir, logPrefix+time.Now().Format("2006-01-02")+logSuffix))
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, l)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
