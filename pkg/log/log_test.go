package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerProductionDiscardsBelowError(t *testing.T) {
	entry := NewLogger(Config{Debug: false, Version: "1.0"})
	assert.Equal(t, logrus.ErrorLevel, entry.Logger.Level)
	assert.Equal(t, "1.0", entry.Data["version"])
}

func TestNewLoggerDevelopmentWritesToFile(t *testing.T) {
	dir := t.TempDir()
	entry := NewLogger(Config{Debug: true, LogDir: dir})
	entry.Info("hello")

	data, err := os.ReadFile(filepath.Join(dir, "development.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestBuildSinkReceivesDebugEntriesRegardlessOfBaseLevel(t *testing.T) {
	dir := t.TempDir()
	entry := NewLogger(Config{Debug: false})

	sink, err := OpenBuildSink(entry, "build-1", dir)
	require.NoError(t, err)

	entry.Debug("step one")
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(filepath.Join(dir, "build-1.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "step one")
}

func TestBuildSinkCloseDetachesHook(t *testing.T) {
	dir := t.TempDir()
	entry := NewLogger(Config{Debug: false})

	sink, err := OpenBuildSink(entry, "build-1", dir)
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	before, err := os.ReadFile(filepath.Join(dir, "build-1.log"))
	require.NoError(t, err)

	entry.Debug("should not appear")

	after, err := os.ReadFile(filepath.Join(dir, "build-1.log"))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}
