package workflow

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Next is what follows a completed step. It is closed: the only
// implementations are Linear, Branch, HumanGate and Terminal.
type Next interface {
	isNext()
}

// Linear always moves to Step.
type Linear struct {
	Step string
}

// Branch picks OnTrue or OnFalse from Condition. Once the step has completed
// more than MaxIterations times in a run the exhaustion target is taken
// regardless of the outcome.
type Branch struct {
	Condition     string `yaml:"condition" json:"condition"`
	OnTrue        string `yaml:"on_true" json:"on_true"`
	OnFalse       string `yaml:"on_false" json:"on_false"`
	MaxIterations int    `yaml:"max_iterations" json:"max_iterations"`
	OnExhausted   string `yaml:"on_exhausted,omitempty" json:"on_exhausted,omitempty"`
}

// Exhausted is the step taken once MaxIterations is exceeded.
func (b Branch) Exhausted() string {
	if b.OnExhausted != "" {
		return b.OnExhausted
	}
	return b.OnTrue
}

// GateOption is one labeled decision. A nil NextStep rejects the run.
type GateOption struct {
	Label         string  `yaml:"label" json:"label"`
	RequiresInput bool    `yaml:"requires_input,omitempty" json:"requires_input,omitempty"`
	NextStep      *string `yaml:"next_step" json:"next_step"`
}

// HumanGate suspends the run until one of Options is chosen.
type HumanGate struct {
	Prompt  string       `yaml:"prompt" json:"prompt"`
	Context []string     `yaml:"context,omitempty" json:"context,omitempty"`
	Options []GateOption `yaml:"options" json:"options"`
}

// Option returns the option with the given label.
func (g HumanGate) Option(label string) (GateOption, bool) {
	for _, o := range g.Options {
		if o.Label == label {
			return o, true
		}
	}
	return GateOption{}, false
}

func (g HumanGate) Labels() []string {
	out := make([]string, len(g.Options))
	for i, o := range g.Options {
		out[i] = o.Label
	}
	return out
}

// Terminal completes the run.
type Terminal struct{}

func (Linear) isNext()    {}
func (Branch) isNext()    {}
func (HumanGate) isNext() {}
func (Terminal) isNext()  {}

const (
	kindLinear    = "linear"
	kindBranch    = "branch"
	kindHumanGate = "human_gate"
	kindTerminal  = "terminal"
)

// decodeNext reads the scalar "terminal" or a mapping with exactly one of
// linear, branch or human_gate.
func decodeNext(n *yaml.Node) (Next, error) {
	switch n.Kind {
	case 0:
		return nil, fmt.Errorf("next is required")
	case yaml.ScalarNode:
		if n.Value == kindTerminal {
			return Terminal{}, nil
		}
		return nil, fmt.Errorf("line %d: next must be %q or a mapping, got %q", n.Line, kindTerminal, n.Value)
	case yaml.MappingNode:
		if len(n.Content) != 2 {
			return nil, fmt.Errorf("line %d: next must have exactly one of linear, branch, human_gate", n.Line)
		}
		key, val := n.Content[0].Value, n.Content[1]
		switch key {
		case kindLinear:
			var s string
			if err := val.Decode(&s); err != nil {
				return nil, fmt.Errorf("line %d: linear: %w", val.Line, err)
			}
			return Linear{Step: s}, nil
		case kindBranch:
			var b Branch
			if err := val.Decode(&b); err != nil {
				return nil, fmt.Errorf("line %d: branch: %w", val.Line, err)
			}
			return b, nil
		case kindHumanGate:
			var g HumanGate
			if err := val.Decode(&g); err != nil {
				return nil, fmt.Errorf("line %d: human_gate: %w", val.Line, err)
			}
			return g, nil
		}
		return nil, fmt.Errorf("line %d: unknown next kind %q", n.Content[0].Line, key)
	}
	return nil, fmt.Errorf("line %d: invalid next", n.Line)
}

// encodeNext is the document form shared by YAML and JSON.
func encodeNext(n Next) (any, error) {
	switch v := n.(type) {
	case Linear:
		return map[string]string{kindLinear: v.Step}, nil
	case Branch:
		return map[string]Branch{kindBranch: v}, nil
	case HumanGate:
		return map[string]HumanGate{kindHumanGate: v}, nil
	case Terminal:
		return kindTerminal, nil
	default:
		return nil, fmt.Errorf("unknown next %T", n)
	}
}

// Kind names the variant, e.g. for display.
func Kind(n Next) string {
	switch n.(type) {
	case Linear:
		return kindLinear
	case Branch:
		return kindBranch
	case HumanGate:
		return kindHumanGate
	case Terminal:
		return kindTerminal
	}
	return "unknown"
}

// plainStep has Step's fields without its methods.
type plainStep Step

func (s *Step) UnmarshalYAML(n *yaml.Node) error {
	var raw struct {
		plainStep `yaml:",inline"`
		Next      yaml.Node `yaml:"next"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}
	next, err := decodeNext(&raw.Next)
	if err != nil {
		return fmt.Errorf("step %q: %w", raw.Name, err)
	}
	*s = Step(raw.plainStep)
	s.Next = next
	return nil
}

func (s Step) MarshalYAML() (any, error) {
	next, err := encodeNext(s.Next)
	if err != nil {
		return nil, fmt.Errorf("step %q: %w", s.Name, err)
	}
	return struct {
		plainStep `yaml:",inline"`
		Next      any `yaml:"next"`
	}{plainStep(s), next}, nil
}

func (s Step) MarshalJSON() ([]byte, error) {
	next, err := encodeNext(s.Next)
	if err != nil {
		return nil, fmt.Errorf("step %q: %w", s.Name, err)
	}
	return json.Marshal(struct {
		plainStep
		Next any `json:"next"`
	}{plainStep(s), next})
}
