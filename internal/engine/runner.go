package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"revline/internal/domain"
)

// Invocation is what a step command receives on stdin.
type Invocation struct {
	RunID        string         `json:"run_id"`
	WorkflowType string         `json:"workflow_type"`
	BookID       string         `json:"book_id"`
	PlanID       string         `json:"plan_id,omitempty"`
	Step         string         `json:"step"`
	Command      string         `json:"command"`
	Data         map[string]any `json:"data"`
}

// StepOutcome is what a step command reports on stdout. Evidence is merged
// into the run data before postconditions are checked. Branch, when set,
// decides a branching step instead of its named condition.
type StepOutcome struct {
	Evidence      map[string]any       `json:"evidence,omitempty"`
	Branch        *bool                `json:"branch,omitempty"`
	RejectionType domain.RejectionType `json:"rejection_type,omitempty"`
	Reason        string               `json:"reason,omitempty"`
}

// CommandRunner runs a step's external command.
type CommandRunner interface {
	Run(ctx context.Context, inv Invocation) (StepOutcome, error)
}

type RunnerFunc func(ctx context.Context, inv Invocation) (StepOutcome, error)

func (f RunnerFunc) Run(ctx context.Context, inv Invocation) (StepOutcome, error) {
	return f(ctx, inv)
}

// ExecRunner runs commands with sh -c in Dir.
type ExecRunner struct {
	Dir    string
	Env    []string
	Stderr io.Writer
}

func (r ExecRunner) Run(ctx context.Context, inv Invocation) (StepOutcome, error) {
	var out StepOutcome
	if strings.TrimSpace(inv.Command) == "" {
		return out, nil
	}
	input, err := json.Marshal(inv)
	if err != nil {
		return out, err
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", inv.Command)
	cmd.Dir = r.Dir
	cmd.Env = append(append(os.Environ(), r.Env...),
		"REVLINE_RUN_ID="+inv.RunID,
		"REVLINE_BOOK_ID="+inv.BookID,
		"REVLINE_PLAN_ID="+inv.PlanID,
		"REVLINE_STEP="+inv.Step,
	)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if r.Stderr != nil {
		cmd.Stderr = io.MultiWriter(&stderr, r.Stderr)
	}
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		if msg != "" {
			return out, fmt.Errorf("command %q: %w: %s", inv.Command, err, msg)
		}
		return out, fmt.Errorf("command %q: %w", inv.Command, err)
	}
	if len(bytes.TrimSpace(stdout.Bytes())) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return out, fmt.Errorf("command %q: decode outcome: %w", inv.Command, err)
	}
	return out, nil
}
