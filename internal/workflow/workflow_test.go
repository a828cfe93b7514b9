package workflow

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestBuiltinW1(t *testing.T) {
	r, err := Builtin()
	require.NoError(t, err)
	assert.Equal(t, []string{W1Editing}, r.Types())

	d, err := r.Get(W1Editing)
	require.NoError(t, err)
	assert.Equal(t, "strategic", d.InitialStep)

	editor, ok := d.Step("editor")
	require.True(t, ok)
	b, ok := editor.Next.(Branch)
	require.True(t, ok)
	assert.Equal(t, Branch{Condition: "editor_approved", OnTrue: "domain", OnFalse: "writer", MaxIterations: 3, OnExhausted: "human_gate"}, b)

	gate, _ := d.Step("human_gate")
	g, ok := gate.Next.(HumanGate)
	require.True(t, ok)
	assert.Equal(t, []string{"Approve", "Reject", "Request Changes", "Full Review"}, g.Labels())
	reject, _ := g.Option("Reject")
	assert.Nil(t, reject.NextStep)
	changes, _ := g.Option("Request Changes")
	assert.True(t, changes.RequiresInput)

	final, _ := d.Step("finalize")
	assert.Equal(t, Terminal{}, final.Next)

	_, err = r.Get("w9_unknown")
	assert.True(t, errors.Is(err, ErrUnknownWorkflow))
}

func TestBranchExhaustedDefaultsToOnTrue(t *testing.T) {
	assert.Equal(t, "domain", Branch{OnTrue: "domain", OnFalse: "writer"}.Exhausted())
	assert.Equal(t, "gate", Branch{OnTrue: "domain", OnExhausted: "gate"}.Exhausted())
}

func TestYAMLRoundTrip(t *testing.T) {
	r, err := Builtin()
	require.NoError(t, err)
	d, _ := r.Get(W1Editing)

	out, err := yaml.Marshal(d)
	require.NoError(t, err)
	back, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, d, back)
}

func TestStepJSONUsesTaggedNext(t *testing.T) {
	finalize := "finalize"
	cases := []struct {
		step Step
		want string
	}{
		{Step{Name: "a", Next: Linear{Step: "b"}}, `{"name":"a","next":{"linear":"b"}}`},
		{Step{Name: "a", Next: Terminal{}}, `{"name":"a","next":"terminal"}`},
		{
			Step{Name: "a", Next: Branch{Condition: "ok", OnTrue: "b", OnFalse: "c", MaxIterations: 2}},
			`{"name":"a","next":{"branch":{"condition":"ok","on_true":"b","on_false":"c","max_iterations":2}}}`,
		},
		{
			Step{Name: "g", Next: HumanGate{Prompt: "?", Options: []GateOption{{Label: "Yes", NextStep: &finalize}, {Label: "No"}}}},
			`{"name":"g","next":{"human_gate":{"prompt":"?","options":[{"label":"Yes","next_step":"finalize"},{"label":"No","next_step":null}]}}}`,
		},
	}
	for _, tc := range cases {
		got, err := json.Marshal(tc.step)
		require.NoError(t, err)
		assert.JSONEq(t, tc.want, string(got))
	}

	_, err := json.Marshal(Step{Name: "x"})
	assert.Error(t, err)
}

const base = `type: t
name: T
initial_step: a
steps:
  - name: a
    next:
      linear: b
  - name: b
    next: terminal
`

func TestParseRejects(t *testing.T) {
	cases := map[string]struct {
		doc  string
		want string
	}{
		"missing next":     {strings.Replace(base, "    next: terminal\n", "", 1), "next is required"},
		"unknown kind":     {strings.Replace(base, "linear: b", "jump: b", 1), `unknown next kind "jump"`},
		"bad scalar":       {strings.Replace(base, "next: terminal", "next: done", 1), `got "done"`},
		"two kinds":        {strings.Replace(base, "linear: b", "linear: b\n      branch: {}", 1), "exactly one"},
		"dangling linear":  {strings.Replace(base, "linear: b", "linear: c", 1), `unknown step "c"`},
		"bad initial":      {strings.Replace(base, "initial_step: a", "initial_step: z", 1), `initial step "z"`},
		"duplicate step":   {strings.Replace(base, "name: b", "name: a", 1), `duplicate step "a"`},
		"unknown field":    {base + "extra: 1\n", "extra"},
		"zero iterations":  {strings.Replace(base, "linear: b", "branch: {condition: ok, on_true: b, on_false: a, max_iterations: 0}", 1), "max_iterations"},
		"dangling branch":  {strings.Replace(base, "linear: b", "branch: {condition: ok, on_true: b, on_false: q, max_iterations: 2}", 1), `on_false references unknown step "q"`},
		"dup gate label":   {strings.Replace(base, "linear: b", "human_gate: {options: [{label: x, next_step: b}, {label: x, next_step: null}]}", 1), `duplicate option "x"`},
		"empty gate":       {strings.Replace(base, "linear: b", "human_gate: {prompt: p}", 1), "no options"},
		"bad rejection":    {strings.Replace(base, "  - name: b\n", "  - name: b\n    rejection_type: tone\n", 1), "rejection_type"},
		"gate to nowhere":  {strings.Replace(base, "linear: b", "human_gate: {options: [{label: go, next_step: nowhere}]}", 1), `unknown step "nowhere"`},
		"unnamed workflow": {strings.Replace(base, "type: t", "type: ''", 1), "type is required"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	_, err := Parse([]byte(base))
	assert.NoError(t, err)
}

func TestLoadDirOverridesBuiltins(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/ws/workflows/custom.yaml", []byte(base), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/ws/workflows/w1.yaml", []byte(strings.Replace(base, "type: t", "type: w1_editing", 1)), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/ws/workflows/notes.txt", []byte("ignored"), 0o644))

	r, err := Builtin()
	require.NoError(t, err)
	n, err := r.LoadDir(fs, "/ws/workflows")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"t", W1Editing}, r.Types())
	w1, _ := r.Get(W1Editing)
	assert.Len(t, w1.Steps, 2)

	n, err = r.LoadDir(fs, "/missing")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, afero.WriteFile(fs, "/bad/x.yaml", []byte("type: x\nsteps: []\n"), 0o644))
	_, err = r.LoadDir(fs, "/bad")
	assert.ErrorContains(t, err, "no steps")
}
