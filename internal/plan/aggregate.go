package plan

import (
	"errors"
	"fmt"

	"revline/internal/domain"
)

var (
	ErrAreaNotFound = errors.New("area not found")
	// ErrRunCompleted means the current run already has a completed record;
	// AdvanceToNextRun must come before the next StartRun.
	ErrRunCompleted = errors.New("run already completed")
)

// errNoChange tells mutate to skip the save.
var errNoChange = errors.New("no change")

const (
	DefaultMaxCycles = 3
	DefaultMaxRuns   = 3
)

// AreaUpdate is a partial area patch; nil fields are left alone.
type AreaUpdate struct {
	Status           *domain.AreaStatus
	CurrentCycle     *int
	BaselineScore    *float64
	CurrentScore     *float64
	DeltaAchieved    *float64
	ChaptersModified []string
}

func (u AreaUpdate) apply(a *domain.Area) {
	if u.Status != nil {
		a.Status = *u.Status
	}
	if u.CurrentCycle != nil {
		a.CurrentCycle = *u.CurrentCycle
	}
	if u.BaselineScore != nil {
		a.BaselineScore = u.BaselineScore
	}
	if u.CurrentScore != nil {
		a.CurrentScore = u.CurrentScore
	}
	if u.DeltaAchieved != nil {
		a.DeltaAchieved = u.DeltaAchieved
	}
	if u.ChaptersModified != nil {
		a.ChaptersModified = append([]string{}, u.ChaptersModified...)
	}
}

func float(v float64) *float64 { return &v }

func areaIndex(p *domain.StrategicPlan, areaID string) (int, error) {
	for i := range p.Areas {
		if p.Areas[i].AreaID == areaID {
			return i, nil
		}
	}
	return -1, fmt.Errorf("area %q in plan %s: %w", areaID, p.ID, ErrAreaNotFound)
}

func updateArea(p *domain.StrategicPlan, areaID string, u AreaUpdate) error {
	i, err := areaIndex(p, areaID)
	if err != nil {
		return err
	}
	u.apply(&p.Areas[i])
	return nil
}

// resetAreas puts every area back to pending at cycle 0. Areas are
// re-attempted on every run.
func resetAreas(p *domain.StrategicPlan) {
	for i := range p.Areas {
		p.Areas[i].Status = domain.AreaPending
		p.Areas[i].CurrentCycle = 0
	}
}

func completeArea(p *domain.StrategicPlan, areaID string, finalScore float64) error {
	i, err := areaIndex(p, areaID)
	if err != nil {
		return err
	}
	a := &p.Areas[i]
	delta := 0.0
	if a.BaselineScore != nil {
		delta = finalScore - *a.BaselineScore
	}
	a.Status = domain.AreaCompleted
	a.CurrentScore = float(finalScore)
	a.DeltaAchieved = float(delta)
	return nil
}

func failArea(p *domain.StrategicPlan, areaID string) error {
	st := domain.AreaFailed
	return updateArea(p, areaID, AreaUpdate{Status: &st})
}

func incrementAreaCycle(p *domain.StrategicPlan, areaID string) error {
	i, err := areaIndex(p, areaID)
	if err != nil {
		return err
	}
	p.Areas[i].CurrentCycle++
	p.Areas[i].Status = domain.AreaInProgress
	return nil
}

// startRun opens the record for current_run. Starting a run whose record is
// still open keeps that record and only resets the areas.
func startRun(p *domain.StrategicPlan, baselineOverall float64, now string) error {
	var open *domain.Run
	for i := range p.State.Runs {
		if p.State.Runs[i].RunNumber == p.State.CurrentRun {
			open = &p.State.Runs[i]
		}
	}
	switch {
	case open == nil:
		p.State.Runs = append(p.State.Runs, domain.Run{
			RunNumber:       p.State.CurrentRun,
			StartedAt:       now,
			BaselineOverall: baselineOverall,
			AreasTotal:      len(p.Areas),
		})
	case open.CompletedAt != "":
		return fmt.Errorf("plan %s run %d: %w; advance to the next run first", p.ID, p.State.CurrentRun, ErrRunCompleted)
	}
	if p.State.BaselineOverall == nil {
		p.State.BaselineOverall = float(baselineOverall)
	}
	resetAreas(p)
	p.State.Phase = domain.PhaseParallelExecution
	return nil
}

func completeRun(p *domain.StrategicPlan, finalOverall float64, passed bool, now string) error {
	idx := -1
	for i, r := range p.State.Runs {
		if r.RunNumber == p.State.CurrentRun {
			idx = i
		}
	}
	if idx < 0 {
		return fmt.Errorf("plan %s has no record for run %d; start the run first", p.ID, p.State.CurrentRun)
	}
	completed := 0
	for _, a := range p.Areas {
		if a.Status == domain.AreaCompleted {
			completed++
		}
	}
	run := &p.State.Runs[idx]
	run.CompletedAt = now
	run.FinalOverall = float(finalOverall)
	run.AreasCompleted = completed
	run.Passed = &passed

	baseline := 0.0
	switch {
	case p.State.BaselineOverall != nil:
		baseline = *p.State.BaselineOverall
	case len(p.State.Runs) > 0:
		baseline = p.State.Runs[0].BaselineOverall
	}
	p.State.Phase = domain.PhaseValidating
	p.State.CurrentOverall = float(finalOverall)
	p.State.CumulativeDelta = finalOverall - baseline
	return nil
}

// advance moves to the next run. It reports false at the run ceiling and
// leaves the plan untouched.
func advance(p *domain.StrategicPlan) bool {
	if p.State.CurrentRun >= p.State.MaxRuns {
		return false
	}
	p.State.CurrentRun++
	p.State.Phase = domain.PhasePlanning
	return true
}

func triggerHumanGate(p *domain.StrategicPlan, reason domain.GateReason) {
	p.State.Phase = domain.PhaseHumanGate
	p.State.HumanGateReason = reason
}

// AllAreasComplete reports whether every area is completed or failed.
func AllAreasComplete(p domain.StrategicPlan) bool {
	for _, a := range p.Areas {
		if a.Status != domain.AreaCompleted && a.Status != domain.AreaFailed {
			return false
		}
	}
	return true
}

func AreasByStatus(p domain.StrategicPlan, status domain.AreaStatus) []domain.Area {
	out := []domain.Area{}
	for _, a := range p.Areas {
		if a.Status == status {
			out = append(out, a)
		}
	}
	return out
}

// ParseGateReason validates a human gate reason.
func ParseGateReason(s string) (domain.GateReason, error) {
	switch r := domain.GateReason(s); r {
	case domain.GateThresholdMet, domain.GateMaxRunsExhausted, domain.GateUserRequested, domain.GateFullReviewComplete:
		return r, nil
	}
	return "", fmt.Errorf("unknown human gate reason %q", s)
}

// ParseStatus validates a plan status.
func ParseStatus(s string) (domain.PlanStatus, error) {
	switch st := domain.PlanStatus(s); st {
	case domain.PlanActive, domain.PlanPaused, domain.PlanCompleted, domain.PlanFailed, domain.PlanCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown plan status %q", s)
}
