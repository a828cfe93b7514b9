package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("book-1")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Rejections.EscalationThreshold)
	assert.Equal(t, "style-editor", cfg.Routing.Routes["style"].Handler)
	assert.Equal(t, "generic-handler", cfg.Routing.Fallback.Handler)
	assert.Equal(t, 8.0, cfg.Plans.Goal.MetricThreshold)
	assert.Equal(t, 6, cfg.Areas.MaxAreas)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
project:
  id: demo
rejections:
  escalation_threshold: 5
routing:
  routes:
    style:
      handler: house-style
      max_retries: 2
      escalation_target: chief-editor
`))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Rejections.EscalationThreshold)
	assert.Equal(t, "house-style", cfg.Routing.Routes["style"].Handler)
	// untouched routes keep their defaults
	assert.Equal(t, "mechanics-reviewer", cfg.Routing.Routes["mechanics"].Handler)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"missing project":   "logging:\n  level: info\n",
		"bad level":         "project:\n  id: x\nlogging:\n  level: loud\n",
		"unknown route":     "project:\n  id: x\nrouting:\n  routes:\n    tone:\n      handler: a\n      max_retries: 1\n      escalation_target: b\n",
		"zero threshold":    "project:\n  id: x\nrejections:\n  escalation_threshold: 0\n",
		"file without path": "project:\n  id: x\nlogging:\n  output: file\n  file: \"\"\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(dir), cfg.Project.ID)

	_, err = Load(dir)
	assert.ErrorContains(t, err, "rvl init")
}

func TestWatcherReloadsRouting(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault("w")), 0o644))
	cfg, err := Load(dir)
	require.NoError(t, err)

	w, err := NewWatcher(dir, cfg, nil)
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond
	changed := make(chan *Config, 1)
	w.OnChange(func(_, updated *Config) error {
		changed <- updated
		return nil
	})
	require.NoError(t, w.Start())
	defer w.Stop()

	updated := strings.Replace(GenerateDefault("w"), "escalation_threshold: 3", "escalation_threshold: 7", 1)
	require.NoError(t, os.WriteFile(Path(dir), []byte(updated), 0o644))

	select {
	case c := <-changed:
		assert.Equal(t, 7, c.Rejections.EscalationThreshold)
		assert.Equal(t, 7, w.Current().Rejections.EscalationThreshold)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload")
	}
}

func TestWatcherKeepsConfigOnInvalidEdit(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault("w")), 0o644))
	cfg, err := Load(dir)
	require.NoError(t, err)
	w, err := NewWatcher(dir, cfg, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(Path(dir), []byte("project: [unclosed"), 0o644))
	assert.Error(t, w.Reload())
	assert.Same(t, cfg, w.Current())
	require.NoError(t, w.fs.Close())
}
