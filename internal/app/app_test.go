package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revline/internal/engine"
	"revline/internal/logging"
	"revline/internal/plan"
	"revline/internal/workflow"
)

func TestSessionResolution(t *testing.T) {
	ws := t.TempDir()
	t.Setenv(SessionEnvKey, "")
	assert.Equal(t, DefaultSession, SessionID(ws, ""))

	require.NoError(t, os.WriteFile(filepath.Join(ws, ".env"), []byte("OTHER=1\n"), 0o644))
	require.NoError(t, UseSession(ws, "s-file"))
	assert.Equal(t, "s-file", SessionID(ws, ""))
	env, err := godotenv.Read(EnvPath(ws))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"OTHER": "1", SessionEnvKey: "s-file"}, env)

	t.Setenv(SessionEnvKey, "s-env")
	assert.Equal(t, "s-env", SessionID(ws, ""))
	assert.Equal(t, "s-flag", SessionID(ws, " s-flag "))

	assert.Error(t, UseSession(ws, "  "))
}

func TestOpenWiresServices(t *testing.T) {
	ws := t.TempDir()
	t.Setenv(SessionEnvKey, "")
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "workflows"), 0o755))
	custom := `type: w_custom
name: Custom
initial_step: only
steps:
  - name: only
    next: terminal
`
	require.NoError(t, os.WriteFile(filepath.Join(ws, "workflows", "custom.yaml"), []byte(custom), 0o644))

	ctx := context.Background()
	a, err := Open(ctx, Options{Workspace: ws, Logger: logging.Discard()})
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, []string{workflow.W1Editing, "w_custom"}, a.Workflows.Types())
	assert.Equal(t, 3, a.Plans.ConflictRetries)
	assert.Equal(t, filepath.Join(ws, ".revline", "events", filepath.Base(a.Events.Path())), a.Events.Path())
	assert.Equal(t, DefaultSession, a.Events.SessionID())

	p, err := a.Plans.Create(ctx, plan.CreateInput{BookID: "book-1"})
	require.NoError(t, err)
	run, err := a.Engine.StartRun(ctx, engine.StartRunOptions{Type: "w_custom", BookID: "book-1", PlanID: p.ID})
	require.NoError(t, err)
	res, err := a.Engine.Step(ctx, run.ID, engine.ExecRunner{Dir: ws})
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeCompleted, res.Outcome)

	evs, err := a.Reader().ReadAll()
	require.NoError(t, err)
	tables := map[string]int{}
	for _, ev := range evs {
		tables[ev.Table]++
	}
	assert.Equal(t, map[string]int{"strategic_plans": 1, "workflow_runs": 2}, tables)
}
