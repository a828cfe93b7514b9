package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revline/internal/config"
)

func TestNewFallsBackToInfo(t *testing.T) {
	l, err := New(config.Logging{Level: "nonsense"}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
}

func TestNewJSONFieldNames(t *testing.T) {
	l, err := New(config.Logging{Level: "debug", Format: "json"}, t.TempDir())
	require.NoError(t, err)
	f, ok := l.Formatter.(*logrus.JSONFormatter)
	require.True(t, ok)
	assert.Equal(t, "message", f.FieldMap[logrus.FieldKeyMsg])
}

func TestNewFileOutput(t *testing.T) {
	dir := t.TempDir()
	l, err := New(config.Logging{Level: "info", Output: "file", File: "logs/rvl.log", MaxSizeMB: 1}, dir)
	require.NoError(t, err)
	l.WithField("run_id", "r1").Info("hello")

	data, err := os.ReadFile(filepath.Join(dir, "logs", "rvl.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "run_id=r1")
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(config.Logging{Format: "xml"}, t.TempDir())
	assert.Error(t, err)
}
