package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"revline/internal/domain"
	"revline/internal/events"
	"revline/internal/rejection"
	"revline/internal/repo"
	"revline/internal/workflow"
)

// Engine drives workflow runs one step at a time. Run state lives in the
// database; the engine keeps nothing between calls.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Workflows  *workflow.Registry
	Conditions ConditionChecker
	Rejections *rejection.Tracker
	Router     *rejection.Router
	Events     events.Sink
	Log        logrus.FieldLogger
	Now        func() time.Time
}

func New(db *sql.DB, workflows *workflow.Registry, tracker *rejection.Tracker, router *rejection.Router) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:         db,
		Repo:       r,
		Workflows:  workflows,
		Conditions: DefaultConditions(r),
		Rejections: tracker,
		Router:     router,
		Events:     events.Discard{},
		Log:        logrus.StandardLogger(),
		Now:        time.Now,
	}
}

func (e Engine) now() string {
	if e.Now != nil {
		return e.Now().UTC().Format(events.TimestampLayout)
	}
	return time.Now().UTC().Format(events.TimestampLayout)
}

func (e Engine) log() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return logrus.StandardLogger()
}

// Outcome summarizes what a call did to the run.
type Outcome string

const (
	OutcomeAdvanced      Outcome = "advanced"
	OutcomeCompleted     Outcome = "completed"
	OutcomeAwaitingHuman Outcome = "awaiting_human"
	OutcomeRetry         Outcome = "retry"
	OutcomeEscalated     Outcome = "escalated"
	OutcomeRejected      Outcome = "rejected"
	OutcomeResumed       Outcome = "resumed"
)

type StepResult struct {
	Run             domain.WorkflowRun  `json:"run"`
	Step            string              `json:"step"`
	Outcome         Outcome             `json:"outcome"`
	NextStep        string              `json:"next_step,omitempty"`
	Iteration       int                 `json:"iteration,omitempty"`
	Forced          bool                `json:"forced,omitempty"`
	Gate            *workflow.HumanGate `json:"gate,omitempty"`
	FailedCondition string              `json:"failed_condition,omitempty"`
	Rejection       *domain.Rejection   `json:"rejection,omitempty"`
	Routing         *rejection.Decision `json:"routing,omitempty"`
}

type StartRunOptions struct {
	ID     string
	Type   string
	BookID string
	PlanID string
	Data   map[string]any
}

// StartRun creates a running run positioned at the workflow's initial step.
func (e Engine) StartRun(ctx context.Context, opts StartRunOptions) (domain.WorkflowRun, error) {
	if opts.Type == "" {
		opts.Type = workflow.W1Editing
	}
	if opts.BookID == "" {
		return domain.WorkflowRun{}, errors.New("book id is required")
	}
	def, err := e.Workflows.Get(opts.Type)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	if opts.PlanID != "" {
		if _, err := e.Repo.GetPlan(ctx, opts.PlanID); err != nil {
			return domain.WorkflowRun{}, fmt.Errorf("plan %s: %w", opts.PlanID, err)
		}
	}
	if opts.ID == "" {
		opts.ID = "run_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	now := e.now()
	run := domain.WorkflowRun{
		ID:          opts.ID,
		Type:        def.Type,
		BookID:      opts.BookID,
		Status:      domain.RunRunning,
		CurrentStep: def.InitialStep,
		Data:        map[string]any{},
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for k, v := range opts.Data {
		run.Data[k] = v
	}
	if opts.PlanID != "" {
		run.PlanID = &opts.PlanID
	}
	if err := e.Repo.InsertRun(ctx, nil, run); err != nil {
		return domain.WorkflowRun{}, fmt.Errorf("insert run: %w", err)
	}
	e.emitRun(run, events.OpInsert)
	e.log().WithFields(logrus.Fields{"run_id": run.ID, "workflow": run.Type, "step": run.CurrentStep}).Info("run started")
	return run, nil
}

// load fetches a run with its definition and current step.
func (e Engine) load(ctx context.Context, runID string) (domain.WorkflowRun, workflow.Step, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return run, workflow.Step{}, fmt.Errorf("run %s: %w", runID, err)
	}
	def, err := e.Workflows.Get(run.Type)
	if err != nil {
		return run, workflow.Step{}, err
	}
	step, ok := def.Step(run.CurrentStep)
	if !ok {
		return run, step, fmt.Errorf("run %s: step %q not in workflow %s", run.ID, run.CurrentStep, run.Type)
	}
	return run, step, nil
}

// Step executes the run's current step once. Precondition failures and
// runner errors leave the run untouched.
func (e Engine) Step(ctx context.Context, runID string, runner CommandRunner) (StepResult, error) {
	run, step, err := e.load(ctx, runID)
	if err != nil {
		return StepResult{}, err
	}
	switch {
	case run.Status.Terminal():
		return StepResult{}, fmt.Errorf("run %s is %s: %w", run.ID, run.Status, ErrRunFinished)
	case run.Status == domain.RunAwaitingHuman || run.Status == domain.RunPaused:
		return StepResult{}, fmt.Errorf("run %s is %s: %w", run.ID, run.Status, ErrRunSuspended)
	}
	log := e.log().WithFields(logrus.Fields{"run_id": run.ID, "step": step.Name})

	for _, name := range step.Preconditions {
		ok, err := e.Conditions.Check(ctx, name, run)
		if err != nil {
			return StepResult{}, fmt.Errorf("check precondition %s: %w", name, err)
		}
		if !ok {
			log.WithField("condition", name).Warn("precondition failed")
			return StepResult{}, &PreconditionError{Step: step.Name, Condition: name}
		}
	}

	if gate, ok := step.Next.(workflow.HumanGate); ok {
		run.Status = domain.RunAwaitingHuman
		run, err = e.saveRun(ctx, nil, run)
		if err != nil {
			return StepResult{}, err
		}
		e.emitRun(run, events.OpUpdate)
		log.Info("awaiting human decision")
		return StepResult{Run: run, Step: step.Name, Outcome: OutcomeAwaitingHuman, Gate: &gate}, nil
	}

	inv := Invocation{
		RunID:        run.ID,
		WorkflowType: run.Type,
		BookID:       run.BookID,
		Step:         step.Name,
		Command:      step.Command,
		Data:         run.Data,
	}
	if run.PlanID != nil {
		inv.PlanID = *run.PlanID
	}
	log.WithField("command", step.Command).Debug("running step command")
	out, err := runner.Run(ctx, inv)
	if err != nil {
		return StepResult{}, fmt.Errorf("step %s: %w", step.Name, err)
	}

	data := make(map[string]any, len(run.Data)+len(out.Evidence))
	for k, v := range run.Data {
		data[k] = v
	}
	for k, v := range out.Evidence {
		data[k] = v
	}
	run.Data = data
	run.Status = domain.RunRunning

	for _, name := range step.Postconditions {
		ok, err := e.Conditions.Check(ctx, name, run)
		if err != nil {
			return StepResult{}, fmt.Errorf("check postcondition %s: %w", name, err)
		}
		if !ok {
			return e.reject(ctx, run, step, name, out)
		}
	}
	return e.advance(ctx, run, step, out)
}

// reject records the failed postcondition as a rejection, routes it and
// keeps the run on the same step. An escalated route pauses the run.
func (e Engine) reject(ctx context.Context, run domain.WorkflowRun, step workflow.Step, condition string, out StepOutcome) (StepResult, error) {
	typ := out.RejectionType
	if typ == "" {
		typ = step.RejectionType
	}
	if typ == "" {
		typ = domain.RejectionScope
	}
	reason := out.Reason
	if reason == "" {
		reason = fmt.Sprintf("postcondition %s failed", condition)
	}
	rej, err := e.Rejections.Record(ctx, rejection.RecordInput{RunID: run.ID, Type: typ, Reason: reason})
	if err != nil {
		return StepResult{}, err
	}
	decision, err := e.Router.Route(ctx, rej.ID)
	if err != nil {
		return StepResult{}, err
	}
	res := StepResult{Step: step.Name, Outcome: OutcomeRetry, FailedCondition: condition, Rejection: &rej, Routing: &decision}
	run.LastError = reason
	if decision.ShouldEscalate {
		run.Status = domain.RunPaused
		res.Outcome = OutcomeEscalated
	}
	if res.Run, err = e.saveRun(ctx, nil, run); err != nil {
		return StepResult{}, err
	}
	e.emitRun(res.Run, events.OpUpdate)
	e.log().WithFields(logrus.Fields{
		"run_id":      run.ID,
		"step":        step.Name,
		"condition":   condition,
		"handler":     decision.Handler,
		"retry_count": decision.RetryCount,
	}).Warn("postcondition failed")
	return res, nil
}

func (e Engine) advance(ctx context.Context, run domain.WorkflowRun, step workflow.Step, out StepOutcome) (StepResult, error) {
	res := StepResult{Step: step.Name}
	run.LastError = ""

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	var iteration *domain.StepIteration
	switch n := step.Next.(type) {
	case workflow.Linear:
		run.CurrentStep = n.Step
		res.Outcome = OutcomeAdvanced
	case workflow.Terminal:
		run.Status = domain.RunCompleted
		res.Outcome = OutcomeCompleted
	case workflow.Branch:
		now := e.now()
		count, err := e.Repo.IncrementStepIteration(ctx, tx, run.ID, step.Name, n.MaxIterations, now)
		if err != nil {
			return res, fmt.Errorf("count iteration: %w", err)
		}
		iteration = &domain.StepIteration{RunID: run.ID, Step: step.Name, Count: count, MaxIterations: n.MaxIterations, UpdatedAt: now}
		res.Iteration = count
		if count > n.MaxIterations {
			run.CurrentStep = n.Exhausted()
			res.Forced = true
		} else {
			ok, err := e.branch(ctx, n, run, out)
			if err != nil {
				return res, err
			}
			if ok {
				run.CurrentStep = n.OnTrue
			} else {
				run.CurrentStep = n.OnFalse
			}
		}
		res.Outcome = OutcomeAdvanced
	case workflow.HumanGate:
		return res, fmt.Errorf("step %s is a human gate; use Decide", step.Name)
	default:
		return res, fmt.Errorf("step %s has unknown next %T", step.Name, step.Next)
	}

	run, err = e.saveRun(ctx, tx, run)
	if err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	e.emitRun(run, events.OpUpdate)
	if iteration != nil {
		e.emit(fmt.Sprintf("iteration:%s:%s:%d", run.ID, step.Name, iteration.Count), "step_iterations", events.OpInsert, map[string]any{
			"run_id":         iteration.RunID,
			"step":           iteration.Step,
			"count":          iteration.Count,
			"max_iterations": iteration.MaxIterations,
			"updated_at":     iteration.UpdatedAt,
		}, "")
	}
	if run.Status == domain.RunRunning {
		res.NextStep = run.CurrentStep
	}
	res.Run = run
	e.log().WithFields(logrus.Fields{
		"run_id": run.ID,
		"step":   step.Name,
		"next":   res.NextStep,
		"forced": res.Forced,
	}).Info("step completed")
	return res, nil
}

func (e Engine) branch(ctx context.Context, b workflow.Branch, run domain.WorkflowRun, out StepOutcome) (bool, error) {
	if out.Branch != nil {
		return *out.Branch, nil
	}
	ok, err := e.Conditions.Check(ctx, b.Condition, run)
	if err != nil {
		return false, fmt.Errorf("check branch condition %s: %w", b.Condition, err)
	}
	return ok, nil
}

// Decide applies a human gate decision. The label must match a declared
// option; an option without a next step rejects the run.
func (e Engine) Decide(ctx context.Context, runID, label, input string) (StepResult, error) {
	run, step, err := e.load(ctx, runID)
	if err != nil {
		return StepResult{}, err
	}
	if run.Status.Terminal() {
		return StepResult{}, fmt.Errorf("run %s is %s: %w", run.ID, run.Status, ErrRunFinished)
	}
	gate, ok := step.Next.(workflow.HumanGate)
	if !ok || run.Status != domain.RunAwaitingHuman {
		return StepResult{}, fmt.Errorf("run %s is %s at %s: %w", run.ID, run.Status, step.Name, ErrNoPendingGate)
	}
	opt, ok := gate.Option(label)
	if !ok {
		return StepResult{}, &InvalidGateOptionError{Option: label, Valid: gate.Labels()}
	}
	input = strings.TrimSpace(input)
	if opt.RequiresInput && input == "" {
		return StepResult{}, fmt.Errorf("%q: %w", label, ErrInputRequired)
	}

	decision := domain.GateDecision{RunID: run.ID, Step: step.Name, Option: label, Input: input, DecidedAt: e.now()}
	res := StepResult{Step: step.Name}
	data := make(map[string]any, len(run.Data)+1)
	for k, v := range run.Data {
		data[k] = v
	}
	data["gate_decision"] = map[string]any{"step": step.Name, "option": label, "input": input}
	run.Data = data
	if opt.NextStep == nil {
		run.Status = domain.RunRejected
		res.Outcome = OutcomeRejected
	} else {
		decision.NextStep = *opt.NextStep
		run.CurrentStep = *opt.NextStep
		run.Status = domain.RunRunning
		res.Outcome = OutcomeAdvanced
		res.NextStep = *opt.NextStep
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	if decision.ID, err = e.Repo.InsertGateDecision(ctx, tx, decision); err != nil {
		return res, fmt.Errorf("record decision: %w", err)
	}
	if run, err = e.saveRun(ctx, tx, run); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	e.emit(fmt.Sprintf("gate:%s:%d", run.ID, decision.ID), "gate_decisions", events.OpInsert, map[string]any{
		"id":           decision.ID,
		"run_id":       decision.RunID,
		"step":         decision.Step,
		"option_label": decision.Option,
		"input":        decision.Input,
		"next_step":    decision.NextStep,
		"decided_at":   decision.DecidedAt,
	}, "")
	e.emitRun(run, events.OpUpdate)
	e.log().WithFields(logrus.Fields{"run_id": run.ID, "option": label, "status": run.Status}).Info("gate decided")
	res.Run = run
	return res, nil
}

// Resume puts a paused run back to running at the same step.
func (e Engine) Resume(ctx context.Context, runID string) (StepResult, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return StepResult{}, fmt.Errorf("run %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		return StepResult{}, fmt.Errorf("run %s is %s: %w", run.ID, run.Status, ErrRunFinished)
	}
	if run.Status != domain.RunPaused {
		return StepResult{}, fmt.Errorf("run %s is %s: %w", run.ID, run.Status, ErrNotPaused)
	}
	run.Status = domain.RunRunning
	run, err = e.saveRun(ctx, nil, run)
	if err != nil {
		return StepResult{}, err
	}
	e.emitRun(run, events.OpUpdate)
	e.log().WithField("run_id", run.ID).Info("run resumed")
	return StepResult{Run: run, Step: run.CurrentStep, Outcome: OutcomeResumed, NextStep: run.CurrentStep}, nil
}

type RunStatus struct {
	Run        domain.WorkflowRun     `json:"run"`
	Next       string                 `json:"next"`
	Gate       *workflow.HumanGate    `json:"gate,omitempty"`
	Iterations []domain.StepIteration `json:"iterations"`
	Decisions  []domain.GateDecision  `json:"decisions"`
	Rejections []domain.Rejection     `json:"rejections"`
}

func (e Engine) Status(ctx context.Context, runID string) (RunStatus, error) {
	run, step, err := e.load(ctx, runID)
	if err != nil {
		return RunStatus{}, err
	}
	st := RunStatus{Run: run, Next: workflow.Kind(step.Next)}
	if g, ok := step.Next.(workflow.HumanGate); ok && run.Status == domain.RunAwaitingHuman {
		st.Gate = &g
	}
	if st.Iterations, err = e.Repo.ListStepIterations(ctx, run.ID); err != nil {
		return st, err
	}
	if st.Decisions, err = e.Repo.ListGateDecisions(ctx, run.ID); err != nil {
		return st, err
	}
	if st.Rejections, err = e.Rejections.ForRun(ctx, run.ID); err != nil {
		return st, err
	}
	return st, nil
}

func (e Engine) Runs(ctx context.Context, f domain.RunFilter) ([]domain.WorkflowRun, error) {
	return e.Repo.ListRuns(ctx, f)
}

// saveRun writes run with a version check and returns it at its new version.
func (e Engine) saveRun(ctx context.Context, tx *sql.Tx, run domain.WorkflowRun) (domain.WorkflowRun, error) {
	run.UpdatedAt = e.now()
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return run, fmt.Errorf("save run %s: %w", run.ID, err)
	}
	run.Version++
	return run, nil
}

func (e Engine) emitRun(run domain.WorkflowRun, op events.Op) {
	key := run.ID
	if op == events.OpInsert {
		key = ""
	}
	e.emit(fmt.Sprintf("run:%s:v%d", run.ID, run.Version), "workflow_runs", op, repo.RunRecord(run), key)
}

func (e Engine) emit(idemKey, table string, op events.Op, data map[string]any, key string) {
	if e.Events == nil {
		return
	}
	if _, err := e.Events.WriteIdempotent(idemKey, table, op, data, key); err != nil {
		e.log().WithError(err).WithField("idempotency_key", idemKey).Warn("event append failed")
	}
}
