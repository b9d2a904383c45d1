package lib

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultLogger(t *testing.T) {
	// execute the function call
	got := NewDefaultLogger().(*Logger)
	// compare got vs expected
	require.Equal(t, DebugLevel, got.config.Level)
	require.Equal(t, os.Stdout, got.config.Out)
}

func TestNewNullLogger(t *testing.T) {
	// execute the function call
	got := NewNullLogger().(*Logger)
	// compare got vs expected
	require.Equal(t, io.Discard, got.config.Out)
}

func TestNewLoggerFile(t *testing.T) {
	dir := t.TempDir()
	// no writer means a rotating file in the data directory
	l := NewLogger(LoggerConfig{Level: InfoLevel}, dir)
	l.Info("hello")
	_, err := os.Stat(filepath.Join(dir, LogDirectory, LogFileName))
	require.NoError(t, err)
}

func TestLoggerLevels(t *testing.T) {
	color.NoColor = true
	defer func() { color.NoColor = false }()
	buf := new(bytes.Buffer)
	l := NewLogger(LoggerConfig{Level: WarnLevel, Out: buf})
	// below the level
	l.Debug("a")
	l.Infof("b %d", 1)
	require.Zero(t, buf.Len())
	// at and above the level
	l.Warnf("c %d", 2)
	l.Error("d")
	out := buf.String()
	require.Contains(t, out, "WARN: c 2")
	require.Contains(t, out, "ERROR: d")
	require.Equal(t, 2, strings.Count(out, "\n"))
}

func TestLoggerWithModule(t *testing.T) {
	color.NoColor = true
	defer func() { color.NoColor = false }()
	buf := new(bytes.Buffer)
	l := NewLogger(LoggerConfig{Level: DebugLevel, Out: buf}).WithModule("round")
	l.Debug("opened")
	require.Contains(t, buf.String(), "DEBUG: [round] opened")
}
