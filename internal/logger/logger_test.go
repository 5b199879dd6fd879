package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestProcessWritersWithDir(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{File: FileConfig{Dir: dir}}
	outW, errW, err := cfg.ProcessWriters("survival")
	require.NoError(t, err)
	require.NotNil(t, outW)
	require.NotNil(t, errW)
	_, _ = outW.Write([]byte("[Server thread/INFO]: Done (1.0s)!\n"))
	_, _ = errW.Write([]byte("Exception\n"))
	closeIf(outW)
	closeIf(errW)
	_, err = os.Stat(filepath.Join(dir, "survival.console.log"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "survival.error.log"))
	assert.NoError(t, err)
}

func TestProcessWritersDefaultsAndOverrides(t *testing.T) {
	outW, errW, _ := Config{}.ProcessWriters("n")
	assert.Nil(t, outW)
	assert.Nil(t, errW)

	outW, _, _ = Config{File: FileConfig{ConsolePath: "x"}}.ProcessWriters("n")
	ol, ok := outW.(*lj.Logger)
	require.True(t, ok)
	assert.Equal(t, DefaultMaxSizeMB, ol.MaxSize)
	assert.Equal(t, DefaultMaxBackups, ol.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, ol.MaxAge)

	_, errW, _ = Config{File: FileConfig{ErrorPath: "y", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}}.ProcessWriters("n")
	el := errW.(*lj.Logger)
	assert.Equal(t, 1, el.MaxSize)
	assert.Equal(t, 9, el.MaxBackups)
	assert.Equal(t, 11, el.MaxAge)
	assert.True(t, el.Compress)
}

func TestHandlerFormats(t *testing.T) {
	var buf bytes.Buffer
	slog.New(Config{Format: "json", Level: "warn"}.Handler(&buf)).Info("hidden")
	assert.Zero(t, buf.Len())

	slog.New(Config{Format: "json"}.Handler(&buf)).Info("server online", "server", "s1")
	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "s1", m["server"])
	_, hasTime := m["time"]
	assert.False(t, hasTime)

	buf.Reset()
	slog.New(Config{Format: "color"}.Handler(&buf)).With("server", "s1").Warn("slow")
	assert.Contains(t, buf.String(), "\033[33mWARN")
	assert.Contains(t, buf.String(), "server=s1")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestNewWritesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	l, closer, err := New(Config{File: FileConfig{Dir: dir}})
	require.NoError(t, err)
	l.Info("hello")
	require.NoError(t, closer.Close())
	b, err := os.ReadFile(filepath.Join(dir, "gamevisor.log"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(b), "hello"))
}
