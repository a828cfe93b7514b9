package domain

import "errors"

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("version conflict")
)

type Dimension string

const (
	DimensionClarity    Dimension = "clarity_readability"
	DimensionRules      Dimension = "rules_accuracy"
	DimensionPersonaFit Dimension = "persona_fit"
	DimensionUsability  Dimension = "practical_usability"
	DimensionOverall    Dimension = "overall_score"
)

type AreaType string

const (
	AreaIssueCategory    AreaType = "issue_category"
	AreaChapterCluster   AreaType = "chapter_cluster"
	AreaPersonaPainPoint AreaType = "persona_pain_point"
)

type AreaStatus string

const (
	AreaPending    AreaStatus = "pending"
	AreaInProgress AreaStatus = "in_progress"
	AreaCompleted  AreaStatus = "completed"
	AreaFailed     AreaStatus = "failed"
)

type PlanPhase string

const (
	PhasePlanning          PlanPhase = "planning"
	PhaseParallelExecution PlanPhase = "parallel_execution"
	PhaseValidating        PlanPhase = "validating"
	PhaseHumanGate         PlanPhase = "human_gate"
	PhaseFullReview        PlanPhase = "full_review"
	PhaseFinalizing        PlanPhase = "finalizing"
	PhaseCompleted         PlanPhase = "completed"
	PhaseFailed            PlanPhase = "failed"
)

type PlanStatus string

const (
	PlanActive    PlanStatus = "active"
	PlanPaused    PlanStatus = "paused"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
)

type GateReason string

const (
	GateThresholdMet       GateReason = "threshold_met"
	GateMaxRunsExhausted   GateReason = "max_runs_exhausted"
	GateUserRequested      GateReason = "user_requested"
	GateFullReviewComplete GateReason = "full_review_complete"
)

// Goal is the target a strategic plan works toward.
type Goal struct {
	MetricThreshold    float64   `json:"metric_threshold" yaml:"metric_threshold"`
	PrimaryDimension   Dimension `json:"primary_dimension" yaml:"primary_dimension"`
	MaxCycles          int       `json:"max_cycles" yaml:"max_cycles"`
	MaxRuns            int       `json:"max_runs" yaml:"max_runs"`
	DeltaThreshold     float64   `json:"delta_threshold_for_validation" yaml:"delta_threshold_for_validation"`
	UseDynamicDeltas   bool      `json:"use_dynamic_deltas" yaml:"use_dynamic_deltas"`
	MinAcceptableScore *float64  `json:"min_acceptable_score,omitempty" yaml:"min_acceptable_score,omitempty"`
}

// Area is one scoped unit of improvement inside a plan.
type Area struct {
	AreaID           string     `json:"area_id"`
	Name             string     `json:"name"`
	Type             AreaType   `json:"type" enum:"issue_category,chapter_cluster,persona_pain_point"`
	Description      string     `json:"description,omitempty"`
	TargetChapters   []string   `json:"target_chapters"`
	TargetIssues     []string   `json:"target_issues"`
	TargetDimension  Dimension  `json:"target_dimension,omitempty"`
	Priority         int        `json:"priority"`
	Status           AreaStatus `json:"status" enum:"pending,in_progress,completed,failed"`
	CurrentCycle     int        `json:"current_cycle"`
	MaxCycles        int        `json:"max_cycles"`
	BaselineScore    *float64   `json:"baseline_score,omitempty"`
	CurrentScore     *float64   `json:"current_score,omitempty"`
	DeltaTarget      float64    `json:"delta_target"`
	DeltaAchieved    *float64   `json:"delta_achieved,omitempty"`
	ChaptersModified []string   `json:"chapters_modified"`
}

// Run is one full pass over every area of a plan.
type Run struct {
	RunNumber       int      `json:"run_number"`
	StartedAt       string   `json:"started_at" format:"date-time"`
	CompletedAt     string   `json:"completed_at,omitempty" format:"date-time"`
	BaselineOverall float64  `json:"baseline_overall"`
	FinalOverall    *float64 `json:"final_overall,omitempty"`
	AreasCompleted  int      `json:"areas_completed"`
	AreasTotal      int      `json:"areas_total"`
	Passed          *bool    `json:"passed,omitempty"`
}

type PlanState struct {
	Phase           PlanPhase  `json:"current_phase"`
	CurrentRun      int        `json:"current_run"`
	MaxRuns         int        `json:"max_runs"`
	Runs            []Run      `json:"runs"`
	HumanGateReason GateReason `json:"human_gate_reason,omitempty"`
	HumanFeedback   string     `json:"human_feedback,omitempty"`
	BaselineOverall *float64   `json:"baseline_overall,omitempty"`
	CurrentOverall  *float64   `json:"current_overall,omitempty"`
	CumulativeDelta float64    `json:"cumulative_delta"`
	LastUpdated     string     `json:"last_updated" format:"date-time"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// StrategicPlan is persisted as one versioned document.
type StrategicPlan struct {
	ID                 string     `json:"id"`
	BookID             string     `json:"book_id"`
	BookSlug           string     `json:"book_slug"`
	WorkflowRunID      string     `json:"workflow_run_id,omitempty"`
	SourceAnalysisPath string     `json:"source_analysis_path,omitempty"`
	Goal               Goal       `json:"goal"`
	Areas              []Area     `json:"areas"`
	State              PlanState  `json:"state"`
	Status             PlanStatus `json:"status" enum:"active,paused,completed,failed,cancelled"`
	Version            int        `json:"version"`
	CreatedAt          string     `json:"created_at" format:"date-time"`
	UpdatedAt          string     `json:"updated_at" format:"date-time"`
}

// Area returns the area with the given id.
func (p StrategicPlan) Area(areaID string) (Area, bool) {
	for _, a := range p.Areas {
		if a.AreaID == areaID {
			return a, true
		}
	}
	return Area{}, false
}

// CurrentRunRecord returns the run record matching state.current_run.
func (p StrategicPlan) CurrentRunRecord() (Run, bool) {
	for _, r := range p.State.Runs {
		if r.RunNumber == p.State.CurrentRun {
			return r, true
		}
	}
	return Run{}, false
}

type PlanFilter struct {
	BookID string
	Status PlanStatus
}

type RejectionType string

const (
	RejectionStyle     RejectionType = "style"
	RejectionMechanics RejectionType = "mechanics"
	RejectionClarity   RejectionType = "clarity"
	RejectionScope     RejectionType = "scope"
)

var RejectionTypes = []RejectionType{RejectionStyle, RejectionMechanics, RejectionClarity, RejectionScope}

type Rejection struct {
	ID            string        `json:"id"`
	WorkflowRunID string        `json:"workflow_run_id"`
	EventID       *string       `json:"event_id,omitempty"`
	Type          RejectionType `json:"rejection_type" enum:"style,mechanics,clarity,scope"`
	Reason        string        `json:"reason"`
	RetryCount    int           `json:"retry_count"`
	Resolved      bool          `json:"resolved"`
	CreatedAt     string        `json:"created_at" format:"date-time"`
}

type RunStatus string

const (
	RunPending       RunStatus = "pending"
	RunRunning       RunStatus = "running"
	RunAwaitingHuman RunStatus = "awaiting_human"
	RunPaused        RunStatus = "paused"
	RunCompleted     RunStatus = "completed"
	RunFailed        RunStatus = "failed"
	RunRejected      RunStatus = "rejected"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunRejected
}

type WorkflowRun struct {
	ID          string         `json:"id"`
	Type        string         `json:"workflow_type"`
	BookID      string         `json:"book_id"`
	PlanID      *string        `json:"plan_id,omitempty"`
	Status      RunStatus      `json:"status" enum:"pending,running,awaiting_human,paused,completed,failed,rejected"`
	CurrentStep string         `json:"current_step"`
	Data        map[string]any `json:"data"`
	LastError   string         `json:"last_error,omitempty"`
	Version     int            `json:"version"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
}

type RunFilter struct {
	BookID string
	Type   string
	Status RunStatus
}

// StepIteration counts completions of a branching step within one run.
type StepIteration struct {
	RunID         string `json:"run_id"`
	Step          string `json:"step"`
	Count         int    `json:"count"`
	MaxIterations int    `json:"max_iterations"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

type GateDecision struct {
	ID        int64  `json:"id"`
	RunID     string `json:"run_id"`
	Step      string `json:"step"`
	Option    string `json:"option"`
	Input     string `json:"input,omitempty"`
	NextStep  string `json:"next_step,omitempty"`
	DecidedAt string `json:"decided_at" format:"date-time"`
}
