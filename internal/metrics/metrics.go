// Package metrics decides whether a revision round is accepted by comparing
// baseline and new quality scores.
package metrics

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"revline/internal/domain"
)

type Assessment string

const (
	SignificantlyImproved Assessment = "significantly_improved"
	Improved              Assessment = "improved"
	Stable                Assessment = "stable"
	Degraded              Assessment = "degraded"
	SignificantlyDegraded Assessment = "significantly_degraded"
)

type Confidence string

const (
	High   Confidence = "high"
	Medium Confidence = "medium"
	Low    Confidence = "low"
)

// Dimensions are the four scored dimensions, in reporting order.
var Dimensions = []domain.Dimension{
	domain.DimensionClarity,
	domain.DimensionRules,
	domain.DimensionPersonaFit,
	domain.DimensionUsability,
}

type Scores struct {
	ClarityReadability float64  `json:"clarity_readability" validate:"gte=0,lte=10"`
	RulesAccuracy      float64  `json:"rules_accuracy" validate:"gte=0,lte=10"`
	PersonaFit         float64  `json:"persona_fit" validate:"gte=0,lte=10"`
	PracticalUsability float64  `json:"practical_usability" validate:"gte=0,lte=10"`
	OverallScore       *float64 `json:"overall_score,omitempty" validate:"omitempty,gte=0,lte=10"`
}

func (s Scores) get(d domain.Dimension) float64 {
	switch d {
	case domain.DimensionClarity:
		return s.ClarityReadability
	case domain.DimensionRules:
		return s.RulesAccuracy
	case domain.DimensionPersonaFit:
		return s.PersonaFit
	case domain.DimensionUsability:
		return s.PracticalUsability
	}
	return 0
}

type ChapterMetrics struct {
	ChapterID   string `json:"chapter_id" validate:"required"`
	ChapterName string `json:"chapter_name,omitempty"`
	Metrics     Scores `json:"metrics"`
}

// Snapshot is one review's scores: the aggregate plus optional chapters.
type Snapshot struct {
	Source     string           `json:"source,omitempty"`
	ReviewedAt string           `json:"reviewed_at,omitempty"`
	Aggregate  Scores           `json:"aggregate_metrics"`
	Chapters   []ChapterMetrics `json:"chapter_metrics,omitempty" validate:"dive"`
}

var validate = validator.New()

// ParseSnapshot decodes and validates a JSON snapshot. The aggregate must
// carry overall_score.
func ParseSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode metrics: %w", err)
	}
	return s, s.Validate()
}

func (s Snapshot) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid metrics: %w", err)
	}
	if s.Aggregate.OverallScore == nil {
		return fmt.Errorf("invalid metrics: aggregate_metrics.overall_score is required")
	}
	return nil
}

type Comparison struct {
	Baseline   float64    `json:"baseline"`
	New        float64    `json:"new"`
	Delta      float64    `json:"delta"`
	Assessment Assessment `json:"assessment"`
	// exact is the delta to the hundredth. Only the overall regression rule
	// reads it, so a 0.29 drop that reports as -0.3 does not reject.
	exact float64
}

type ChapterComparison struct {
	ChapterID      string     `json:"chapter_id"`
	OverallDelta   float64    `json:"overall_delta"`
	Assessment     Assessment `json:"assessment"`
	NotableChanges []string   `json:"notable_changes"`
}

type MetricsComparison struct {
	Overall     Comparison                      `json:"overall"`
	ByDimension map[domain.Dimension]Comparison `json:"by_dimension"`
	ByChapter   []ChapterComparison             `json:"by_chapter"`
}

// Result is the verdict. Rule is the 1-based approval rule that matched.
type Result struct {
	Approved        bool              `json:"approved"`
	Rule            int               `json:"rule"`
	Reasoning       string            `json:"reasoning"`
	Comparison      MetricsComparison `json:"metrics_comparison"`
	Recommendations []string          `json:"recommendations"`
	Confidence      Confidence        `json:"confidence"`
}

// RegressionError marks output that is well-formed but worse than before.
type RegressionError struct {
	Rule            int
	Reasoning       string
	Recommendations []string
}

func (e *RegressionError) Error() string {
	return "metrics regression: " + e.Reasoning
}

// Err returns nil when approved, else a *RegressionError.
func (r Result) Err() error {
	if r.Approved {
		return nil
	}
	return &RegressionError{Rule: r.Rule, Reasoning: r.Reasoning, Recommendations: r.Recommendations}
}

// Assess classifies a delta against the 0.3 and 1.0 bands.
func Assess(delta float64) Assessment {
	switch {
	case delta >= 1.0:
		return SignificantlyImproved
	case delta >= 0.3:
		return Improved
	case delta > -0.3:
		return Stable
	case delta > -1.0:
		return Degraded
	default:
		return SignificantlyDegraded
	}
}

// round1 rounds to one decimal, halves toward +Inf.
func round1(v float64) float64 {
	return math.Floor(v*10+0.5) / 10
}

// round2 drops float noise such as 0.29999999 without moving -0.29 to -0.3.
func round2(v float64) float64 {
	return math.Floor(v*100+0.5) / 100
}

func compare(baseline, updated float64) Comparison {
	delta := round1(updated - baseline)
	return Comparison{Baseline: baseline, New: updated, Delta: delta, Assessment: Assess(delta), exact: round2(updated - baseline)}
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func overall(s Scores) float64 {
	if s.OverallScore != nil {
		return *s.OverallScore
	}
	return 0
}

// Evaluate applies the approval rules in order; the first match wins.
func Evaluate(baseline, updated Snapshot) Result {
	byDim := make(map[domain.Dimension]Comparison, len(Dimensions))
	for _, d := range Dimensions {
		byDim[d] = compare(baseline.Aggregate.get(d), updated.Aggregate.get(d))
	}
	ov := compare(overall(baseline.Aggregate), overall(updated.Aggregate))

	var degraded, severe, improved []domain.Dimension
	for _, d := range Dimensions {
		delta := byDim[d].Delta
		if delta <= -0.5 {
			degraded = append(degraded, d)
		}
		if delta <= -1.0 {
			severe = append(severe, d)
		}
		if delta >= 0.3 {
			improved = append(improved, d)
		}
	}

	res := Result{
		Comparison: MetricsComparison{
			Overall:     ov,
			ByDimension: byDim,
			ByChapter:   compareChapters(baseline.Chapters, updated.Chapters),
		},
	}
	from, to := num(ov.Baseline), num(ov.New)

	switch {
	case len(severe) > 0:
		parts := make([]string, len(severe))
		for i, d := range severe {
			parts[i] = fmt.Sprintf("%s dropped by %.1f points", d, math.Abs(byDim[d].Delta))
		}
		res.Rule, res.Confidence = 1, High
		res.Reasoning = "Rejected: One or more dimensions showed significant degradation (>= 1.0 point drop). " + strings.Join(parts, ", ")
	case ov.exact <= -0.3:
		res.Rule, res.Confidence = 2, High
		res.Reasoning = fmt.Sprintf("Rejected: Overall score degraded by %.1f points (from %s to %s).", math.Abs(ov.Delta), from, to)
	case len(degraded) >= 2:
		res.Rule, res.Confidence = 3, Medium
		res.Reasoning = fmt.Sprintf("Rejected: Multiple dimensions (%d) degraded by more than 0.5 points.", len(degraded))
	case ov.Delta >= 0.3:
		res.Approved, res.Rule, res.Confidence = true, 4, High
		res.Reasoning = fmt.Sprintf("Approved: Overall score improved by %.1f points (from %s to %s).", ov.Delta, from, to)
		if len(improved) > 0 {
			res.Reasoning += fmt.Sprintf(" Improved dimensions: %d/4.", len(improved))
		}
	case len(improved) > 0 && len(degraded) == 0:
		res.Approved, res.Rule, res.Confidence = true, 5, Medium
		res.Reasoning = fmt.Sprintf("Approved: %d dimension(s) improved with no degradation. Overall score is stable.", len(improved))
	case len(improved) > 0:
		res.Approved, res.Rule, res.Confidence = true, 6, Low
		res.Reasoning = fmt.Sprintf("Approved with notes: Mixed results with %d improved and %d slightly degraded dimensions. Net improvement is positive.", len(improved), len(degraded))
	default:
		res.Approved, res.Rule, res.Confidence = true, 7, Medium
		res.Reasoning = "Approved: Metrics are stable with no significant changes. No degradation detected."
	}

	if res.Approved {
		res.Recommendations = append(res.Recommendations, "Proceed to human gate review for final approval")
		if len(degraded) > 0 {
			names := make([]string, len(degraded))
			for i, d := range degraded {
				names[i] = string(d)
			}
			res.Recommendations = append(res.Recommendations, fmt.Sprintf("Monitor %s in future iterations", strings.Join(names, ", ")))
		}
	} else {
		res.Recommendations = append(res.Recommendations,
			"Review the feedback from content modification phase",
			"Consider adjusting the improvement plan to address regressions")
	}
	return res
}

// compareChapters covers chapters present in both snapshots, in the order of
// the new snapshot.
func compareChapters(baseline, updated []ChapterMetrics) []ChapterComparison {
	out := []ChapterComparison{}
	if len(baseline) == 0 || len(updated) == 0 {
		return out
	}
	before := make(map[string]Scores, len(baseline))
	for _, c := range baseline {
		if _, ok := before[c.ChapterID]; !ok {
			before[c.ChapterID] = c.Metrics
		}
	}
	for _, c := range updated {
		b, ok := before[c.ChapterID]
		if !ok {
			continue
		}
		var sum float64
		notable := []string{}
		for _, d := range Dimensions {
			delta := c.Metrics.get(d) - b.get(d)
			sum += delta
			if math.Abs(delta) >= 0.5 {
				sign := ""
				if delta >= 0 {
					sign = "+"
				}
				notable = append(notable, fmt.Sprintf("%s %s%.1f", d, sign, delta))
			}
		}
		avg := round1(sum / float64(len(Dimensions)))
		out = append(out, ChapterComparison{
			ChapterID:      c.ChapterID,
			OverallDelta:   avg,
			Assessment:     Assess(avg),
			NotableChanges: notable,
		})
	}
	return out
}

// String renders the verdict for terminals.
func (r Result) String() string {
	var b strings.Builder
	verdict := "REJECTED"
	if r.Approved {
		verdict = "APPROVED"
	}
	fmt.Fprintf(&b, "%s (rule %d, confidence %s)\n", verdict, r.Rule, r.Confidence)
	fmt.Fprintf(&b, "%s\n", r.Reasoning)
	fmt.Fprintf(&b, "overall %s -> %s (%+.1f, %s)\n", num(r.Comparison.Overall.Baseline), num(r.Comparison.Overall.New), r.Comparison.Overall.Delta, r.Comparison.Overall.Assessment)
	for _, d := range Dimensions {
		c := r.Comparison.ByDimension[d]
		fmt.Fprintf(&b, "  %-20s %s -> %s (%+.1f, %s)\n", d, num(c.Baseline), num(c.New), c.Delta, c.Assessment)
	}
	for _, c := range r.Comparison.ByChapter {
		fmt.Fprintf(&b, "  chapter %s %+.1f %s", c.ChapterID, c.OverallDelta, c.Assessment)
		if len(c.NotableChanges) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(c.NotableChanges, "; "))
		}
		b.WriteString("\n")
	}
	for _, rec := range r.Recommendations {
		fmt.Fprintf(&b, "- %s\n", rec)
	}
	return b.String()
}
