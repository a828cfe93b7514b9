package engine

import (
	"context"
	"errors"
	"sync"

	"revline/internal/domain"
)

// ConditionChecker decides a named pre- or postcondition for a run.
type ConditionChecker interface {
	Check(ctx context.Context, name string, run domain.WorkflowRun) (bool, error)
}

type ConditionFunc func(ctx context.Context, run domain.WorkflowRun) (bool, error)

// Conditions maps names to checks. A name with no registered check holds
// when the run's evidence carries it as true.
type Conditions struct {
	mu    sync.RWMutex
	funcs map[string]ConditionFunc
}

func NewConditions() *Conditions {
	return &Conditions{funcs: map[string]ConditionFunc{}}
}

func (c *Conditions) Register(name string, fn ConditionFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funcs[name] = fn
}

func (c *Conditions) Check(ctx context.Context, name string, run domain.WorkflowRun) (bool, error) {
	c.mu.RLock()
	fn, ok := c.funcs[name]
	c.mu.RUnlock()
	if ok {
		return fn(ctx, run)
	}
	v, _ := run.Data[name].(bool)
	return v, nil
}

// PlanLookup finds the strategic plan a run works on.
type PlanLookup interface {
	GetPlan(ctx context.Context, id string) (domain.StrategicPlan, error)
	PlanForRun(ctx context.Context, runID string) (domain.StrategicPlan, error)
}

// StrategicPlanExists holds when the run carries a plan id that resolves,
// or a plan was created for the run.
func StrategicPlanExists(plans PlanLookup) ConditionFunc {
	return func(ctx context.Context, run domain.WorkflowRun) (bool, error) {
		var err error
		if run.PlanID != nil {
			_, err = plans.GetPlan(ctx, *run.PlanID)
		} else {
			_, err = plans.PlanForRun(ctx, run.ID)
		}
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	}
}

// DefaultConditions registers the built-in checks.
func DefaultConditions(plans PlanLookup) *Conditions {
	c := NewConditions()
	c.Register("strategic_plan_exists", StrategicPlanExists(plans))
	return c
}
