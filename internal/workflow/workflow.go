// Package workflow holds declarative step graphs. Each step names the
// command to run, the conditions around it and what comes next.
package workflow

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"revline/internal/domain"
)

// W1Editing is the built-in content revision workflow.
const W1Editing = "w1_editing"

var ErrUnknownWorkflow = errors.New("unknown workflow type")

type Step struct {
	Name           string               `yaml:"name" json:"name"`
	Description    string               `yaml:"description,omitempty" json:"description,omitempty"`
	Command        string               `yaml:"command,omitempty" json:"command,omitempty"`
	Preconditions  []string             `yaml:"preconditions,omitempty" json:"preconditions,omitempty"`
	Postconditions []string             `yaml:"postconditions,omitempty" json:"postconditions,omitempty"`
	RejectionType  domain.RejectionType `yaml:"rejection_type,omitempty" json:"rejection_type,omitempty"`
	Next           Next                 `yaml:"-" json:"-"`
}

type Definition struct {
	Type        string `yaml:"type" json:"type"`
	Name        string `yaml:"name" json:"name"`
	InitialStep string `yaml:"initial_step" json:"initial_step"`
	Steps       []Step `yaml:"steps" json:"steps"`
}

func (d Definition) Step(name string) (Step, bool) {
	for _, s := range d.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// Validate checks that the graph is closed: every step a definition can
// reach exists and every loop is bounded.
func (d Definition) Validate() error {
	if d.Type == "" {
		return errors.New("workflow type is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", d.Type)
	}
	names := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("workflow %s has a step without a name", d.Type)
		}
		if names[s.Name] {
			return fmt.Errorf("workflow %s: duplicate step %q", d.Type, s.Name)
		}
		names[s.Name] = true
	}
	if !names[d.InitialStep] {
		return fmt.Errorf("workflow %s: initial step %q not found", d.Type, d.InitialStep)
	}
	ref := func(step, field, target string) error {
		if !names[target] {
			return fmt.Errorf("workflow %s: step %q %s references unknown step %q", d.Type, step, field, target)
		}
		return nil
	}
	for _, s := range d.Steps {
		if s.RejectionType != "" && !knownRejectionType(s.RejectionType) {
			return fmt.Errorf("workflow %s: step %q has unknown rejection_type %q", d.Type, s.Name, s.RejectionType)
		}
		switch n := s.Next.(type) {
		case Linear:
			if err := ref(s.Name, "next", n.Step); err != nil {
				return err
			}
		case Branch:
			if n.Condition == "" {
				return fmt.Errorf("workflow %s: step %q branch has no condition", d.Type, s.Name)
			}
			if n.MaxIterations < 1 {
				return fmt.Errorf("workflow %s: step %q branch max_iterations must be at least 1", d.Type, s.Name)
			}
			if err := ref(s.Name, "on_true", n.OnTrue); err != nil {
				return err
			}
			if err := ref(s.Name, "on_false", n.OnFalse); err != nil {
				return err
			}
			if n.OnExhausted != "" {
				if err := ref(s.Name, "on_exhausted", n.OnExhausted); err != nil {
					return err
				}
			}
		case HumanGate:
			if len(n.Options) == 0 {
				return fmt.Errorf("workflow %s: gate %q has no options", d.Type, s.Name)
			}
			labels := map[string]bool{}
			for _, o := range n.Options {
				if o.Label == "" {
					return fmt.Errorf("workflow %s: gate %q has an option without a label", d.Type, s.Name)
				}
				if labels[o.Label] {
					return fmt.Errorf("workflow %s: gate %q has duplicate option %q", d.Type, s.Name, o.Label)
				}
				labels[o.Label] = true
				if o.NextStep != nil {
					if err := ref(s.Name, "option "+o.Label, *o.NextStep); err != nil {
						return err
					}
				}
			}
		case Terminal:
		default:
			return fmt.Errorf("workflow %s: step %q has no next", d.Type, s.Name)
		}
	}
	return nil
}

func knownRejectionType(t domain.RejectionType) bool {
	for _, k := range domain.RejectionTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Parse decodes and validates one YAML definition.
func Parse(data []byte) (Definition, error) {
	var d Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return d, fmt.Errorf("parse workflow: %w", err)
	}
	if err := d.Validate(); err != nil {
		return d, err
	}
	return d, nil
}

//go:embed definitions/*.yaml
var builtin embed.FS

// Registry holds definitions by workflow type.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: map[string]Definition{}}
}

// Builtin returns a registry with the embedded definitions.
func Builtin() (*Registry, error) {
	r := NewRegistry()
	files, err := fs.Glob(builtin, "definitions/*.yaml")
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		data, err := builtin.ReadFile(f)
		if err != nil {
			return nil, err
		}
		d, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		r.Register(d)
	}
	return r, nil
}

// Register adds or replaces a definition. It must already be valid.
func (r *Registry) Register(d Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[d.Type] = d
}

func (r *Registry) Get(typ string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[typ]
	if !ok {
		return d, fmt.Errorf("%w: %s", ErrUnknownWorkflow, typ)
	}
	return d, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// LoadDir registers every *.yaml definition in dir. A missing dir is fine.
// Files override built-ins of the same type.
func (r *Registry) LoadDir(fsys afero.Fs, dir string) (int, error) {
	files, err := afero.Glob(fsys, filepath.Join(dir, "*.yaml"))
	if err != nil {
		return 0, err
	}
	sort.Strings(files)
	for _, f := range files {
		data, err := afero.ReadFile(fsys, f)
		if err != nil {
			return 0, err
		}
		d, err := Parse(data)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", f, err)
		}
		r.Register(d)
	}
	return len(files), nil
}
