// Package plan owns the lifecycle of strategic plans: their areas, runs and
// human gates. Every operation is a load, a pure mutation of the aggregate
// and a version-checked save.
package plan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"revline/internal/domain"
	"revline/internal/events"
	"revline/internal/repo"
)

const DefaultConflictRetries = 3

// Store is the plan persistence; repo.Repo implements it on SQLite.
type Store interface {
	InsertPlan(ctx context.Context, p domain.StrategicPlan) error
	GetPlan(ctx context.Context, id string) (domain.StrategicPlan, error)
	UpdatePlan(ctx context.Context, p domain.StrategicPlan) (domain.StrategicPlan, error)
	ListPlans(ctx context.Context, f domain.PlanFilter) ([]domain.StrategicPlan, error)
	ActivePlanForBook(ctx context.Context, bookID string) (domain.StrategicPlan, error)
	PlanForRun(ctx context.Context, runID string) (domain.StrategicPlan, error)
}

type Repository struct {
	Store           Store
	Events          events.Sink
	Log             logrus.FieldLogger
	ConflictRetries int
	DefaultGoal     domain.Goal
	Now             func() time.Time
}

func NewRepository(store Store, sink events.Sink, log logrus.FieldLogger) *Repository {
	if sink == nil {
		sink = events.Discard{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Repository{
		Store:           store,
		Events:          sink,
		Log:             log,
		ConflictRetries: DefaultConflictRetries,
		DefaultGoal: domain.Goal{
			MetricThreshold:  8.0,
			PrimaryDimension: domain.DimensionOverall,
			MaxCycles:        DefaultMaxCycles,
			MaxRuns:          DefaultMaxRuns,
			DeltaThreshold:   1.0,
			UseDynamicDeltas: true,
		},
		Now: time.Now,
	}
}

func (r *Repository) stamp() string {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	return now().UTC().Format(events.TimestampLayout)
}

type CreateInput struct {
	BookID             string
	BookSlug           string
	WorkflowRunID      string
	SourceAnalysisPath string
	// Goal fields left at zero take the repository defaults.
	Goal  domain.Goal
	Areas []domain.Area
}

func (r *Repository) goal(in domain.Goal) domain.Goal {
	g, d := in, r.DefaultGoal
	if g.MetricThreshold == 0 {
		g.MetricThreshold = d.MetricThreshold
	}
	if g.PrimaryDimension == "" {
		g.PrimaryDimension = d.PrimaryDimension
	}
	if g.MaxCycles <= 0 {
		g.MaxCycles = d.MaxCycles
	}
	if g.MaxRuns <= 0 {
		g.MaxRuns = d.MaxRuns
	}
	if g.DeltaThreshold == 0 {
		g.DeltaThreshold = d.DeltaThreshold
	}
	if g.MinAcceptableScore == nil {
		g.MinAcceptableScore = d.MinAcceptableScore
	}
	return g
}

func newPlanID() string {
	return "strat_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Create stores a new plan. Areas start pending at cycle 0 and the plan
// starts planning its first run.
func (r *Repository) Create(ctx context.Context, in CreateInput) (domain.StrategicPlan, error) {
	if in.BookID == "" {
		return domain.StrategicPlan{}, errors.New("book id is required")
	}
	if in.BookSlug == "" {
		in.BookSlug = in.BookID
	}
	goal := r.goal(in.Goal)
	now := r.stamp()

	areas := make([]domain.Area, len(in.Areas))
	for i, a := range in.Areas {
		if a.AreaID == "" {
			return domain.StrategicPlan{}, fmt.Errorf("area %d has no id", i)
		}
		a.Status = domain.AreaPending
		a.CurrentCycle = 0
		if a.MaxCycles <= 0 {
			a.MaxCycles = goal.MaxCycles
		}
		if a.TargetChapters == nil {
			a.TargetChapters = []string{}
		}
		if a.TargetIssues == nil {
			a.TargetIssues = []string{}
		}
		a.BaselineScore, a.CurrentScore, a.DeltaAchieved = nil, nil, nil
		a.ChaptersModified = []string{}
		areas[i] = a
	}

	p := domain.StrategicPlan{
		ID:                 newPlanID(),
		BookID:             in.BookID,
		BookSlug:           in.BookSlug,
		WorkflowRunID:      in.WorkflowRunID,
		SourceAnalysisPath: in.SourceAnalysisPath,
		Goal:               goal,
		Areas:              areas,
		State: domain.PlanState{
			Phase:       domain.PhasePlanning,
			CurrentRun:  1,
			MaxRuns:     goal.MaxRuns,
			Runs:        []domain.Run{},
			LastUpdated: now,
		},
		Status:    domain.PlanActive,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.Store.InsertPlan(ctx, p); err != nil {
		return domain.StrategicPlan{}, fmt.Errorf("create plan: %w", err)
	}
	r.emit(p, events.OpInsert)
	r.Log.WithFields(logrus.Fields{"plan_id": p.ID, "book_id": p.BookID, "areas": len(p.Areas)}).Info("plan created")
	return p, nil
}

func (r *Repository) Get(ctx context.Context, id string) (domain.StrategicPlan, error) {
	p, err := r.Store.GetPlan(ctx, id)
	if err != nil {
		return p, fmt.Errorf("plan %s: %w", id, err)
	}
	return p, nil
}

func (r *Repository) ActiveForBook(ctx context.Context, bookID string) (domain.StrategicPlan, error) {
	p, err := r.Store.ActivePlanForBook(ctx, bookID)
	if err != nil {
		return p, fmt.Errorf("active plan for book %s: %w", bookID, err)
	}
	return p, nil
}

func (r *Repository) ForRun(ctx context.Context, runID string) (domain.StrategicPlan, error) {
	return r.Store.PlanForRun(ctx, runID)
}

func (r *Repository) List(ctx context.Context, f domain.PlanFilter) ([]domain.StrategicPlan, error) {
	return r.Store.ListPlans(ctx, f)
}

// mutate loads the plan, applies fn and saves it with a version check. A
// stale version reloads and reapplies fn up to ConflictRetries times.
func (r *Repository) mutate(ctx context.Context, id, op string, fn func(p *domain.StrategicPlan) error) (domain.StrategicPlan, error) {
	for attempt := 0; ; attempt++ {
		p, err := r.Store.GetPlan(ctx, id)
		if err != nil {
			return p, fmt.Errorf("%s: plan %s: %w", op, id, err)
		}
		if err := fn(&p); err != nil {
			if errors.Is(err, errNoChange) {
				return p, err
			}
			return p, fmt.Errorf("%s: %w", op, err)
		}
		now := r.stamp()
		p.State.LastUpdated = now
		p.UpdatedAt = now
		saved, err := r.Store.UpdatePlan(ctx, p)
		if errors.Is(err, domain.ErrConflict) && attempt < r.ConflictRetries {
			r.Log.WithFields(logrus.Fields{"plan_id": id, "op": op, "attempt": attempt + 1}).Debug("plan version conflict, retrying")
			continue
		}
		if err != nil {
			return p, fmt.Errorf("%s: save plan %s: %w", op, id, err)
		}
		r.emit(saved, events.OpUpdate)
		r.Log.WithFields(logrus.Fields{"plan_id": id, "op": op, "version": saved.Version}).Debug("plan saved")
		return saved, nil
	}
}

func (r *Repository) emit(p domain.StrategicPlan, op events.Op) {
	rec, err := repo.PlanRecord(p)
	if err == nil {
		key := p.ID
		if op == events.OpInsert {
			key = ""
		}
		_, err = r.Events.WriteIdempotent(fmt.Sprintf("plan:%s:v%d", p.ID, p.Version), "strategic_plans", op, rec, key)
	}
	if err != nil {
		r.Log.WithError(err).WithField("plan_id", p.ID).Warn("event append failed")
	}
}

func (r *Repository) UpdateStatus(ctx context.Context, id string, status domain.PlanStatus) (domain.StrategicPlan, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return domain.StrategicPlan{}, err
	}
	return r.mutate(ctx, id, "update status", func(p *domain.StrategicPlan) error {
		p.Status = status
		return nil
	})
}

// UpdateAreaState merges u into one area. ErrAreaNotFound if absent.
func (r *Repository) UpdateAreaState(ctx context.Context, id, areaID string, u AreaUpdate) (domain.StrategicPlan, error) {
	return r.mutate(ctx, id, "update area", func(p *domain.StrategicPlan) error {
		return updateArea(p, areaID, u)
	})
}

// CompleteArea marks the area completed and records the delta from its
// baseline score (0 without a baseline).
func (r *Repository) CompleteArea(ctx context.Context, id, areaID string, finalScore float64) (domain.StrategicPlan, error) {
	return r.mutate(ctx, id, "complete area", func(p *domain.StrategicPlan) error {
		return completeArea(p, areaID, finalScore)
	})
}

func (r *Repository) FailArea(ctx context.Context, id, areaID string) (domain.StrategicPlan, error) {
	return r.mutate(ctx, id, "fail area", func(p *domain.StrategicPlan) error {
		return failArea(p, areaID)
	})
}

func (r *Repository) IncrementAreaCycle(ctx context.Context, id, areaID string) (domain.StrategicPlan, error) {
	return r.mutate(ctx, id, "increment area cycle", func(p *domain.StrategicPlan) error {
		return incrementAreaCycle(p, areaID)
	})
}

// StartRun opens a run record for state.current_run and resets every area.
// It is safe to repeat until the run is completed.
func (r *Repository) StartRun(ctx context.Context, id string, baselineOverall float64) (domain.StrategicPlan, error) {
	p, err := r.mutate(ctx, id, "start run", func(p *domain.StrategicPlan) error {
		return startRun(p, baselineOverall, r.stamp())
	})
	if err == nil {
		r.Log.WithFields(logrus.Fields{"plan_id": id, "run": p.State.CurrentRun, "baseline": baselineOverall}).Info("run started")
	}
	return p, err
}

func (r *Repository) CompleteRun(ctx context.Context, id string, finalOverall float64, passed bool) (domain.StrategicPlan, error) {
	p, err := r.mutate(ctx, id, "complete run", func(p *domain.StrategicPlan) error {
		return completeRun(p, finalOverall, passed, r.stamp())
	})
	if err == nil {
		r.Log.WithFields(logrus.Fields{"plan_id": id, "run": p.State.CurrentRun, "passed": passed}).Info("run completed")
	}
	return p, err
}

// AdvanceToNextRun reports false, without writing, once current_run has
// reached max_runs. The caller then triggers a human gate.
func (r *Repository) AdvanceToNextRun(ctx context.Context, id string) (bool, domain.StrategicPlan, error) {
	p, err := r.mutate(ctx, id, "advance run", func(p *domain.StrategicPlan) error {
		if !advance(p) {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		r.Log.WithFields(logrus.Fields{"plan_id": id, "max_runs": p.State.MaxRuns}).Warn("run budget exhausted")
		return false, p, nil
	}
	if err != nil {
		return false, p, err
	}
	return true, p, nil
}

func (r *Repository) TriggerHumanGate(ctx context.Context, id string, reason domain.GateReason) (domain.StrategicPlan, error) {
	if _, err := ParseGateReason(string(reason)); err != nil {
		return domain.StrategicPlan{}, err
	}
	p, err := r.mutate(ctx, id, "trigger human gate", func(p *domain.StrategicPlan) error {
		triggerHumanGate(p, reason)
		return nil
	})
	if err == nil {
		r.Log.WithFields(logrus.Fields{"plan_id": id, "reason": reason}).Info("human gate triggered")
	}
	return p, err
}

func (r *Repository) RecordHumanFeedback(ctx context.Context, id, feedback string) (domain.StrategicPlan, error) {
	return r.mutate(ctx, id, "record feedback", func(p *domain.StrategicPlan) error {
		p.State.HumanFeedback = feedback
		return nil
	})
}

func (r *Repository) AllAreasComplete(ctx context.Context, id string) (bool, error) {
	p, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return AllAreasComplete(p), nil
}

func (r *Repository) AreasByStatus(ctx context.Context, id string, status domain.AreaStatus) ([]domain.Area, error) {
	p, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return AreasByStatus(p, status), nil
}
