package metrics

import (
	"errors"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revline/internal/domain"
)

func snap(clarity, rules, persona, usability, overall float64, chapters ...ChapterMetrics) Snapshot {
	return Snapshot{
		Aggregate: Scores{
			ClarityReadability: clarity,
			RulesAccuracy:      rules,
			PersonaFit:         persona,
			PracticalUsability: usability,
			OverallScore:       &overall,
		},
		Chapters: chapters,
	}
}

func chapter(id string, clarity, rules, persona, usability float64) ChapterMetrics {
	return ChapterMetrics{ChapterID: id, Metrics: Scores{
		ClarityReadability: clarity, RulesAccuracy: rules, PersonaFit: persona, PracticalUsability: usability,
	}}
}

func TestEvaluateGolden(t *testing.T) {
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	cases := []struct {
		name              string
		baseline, updated Snapshot
	}{
		{"rule1_significant_drop", snap(7, 7, 7, 7, 7), snap(5.8, 7.2, 7, 7, 7.1)},
		{"rule2_overall_drop", snap(8, 8, 8, 8, 8), snap(7.8, 7.8, 7.9, 8, 7.5)},
		{
			"rule4_improved_with_chapters",
			snap(6.5, 7, 6, 7, 6.6, chapter("ch1", 6, 7, 6, 7)),
			snap(7.2, 7.1, 6.8, 7.0, 7.0, chapter("ch1", 7, 7, 6.4, 6.5), chapter("ch2", 9, 9, 9, 9)),
		},
		{"rule6_mixed", snap(7, 7, 7, 7, 7), snap(7.5, 6.4, 7, 7, 7.1)},
		{"rule7_stable", snap(7, 7, 7, 7, 7), snap(7, 7, 7, 7, 7)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g.Assert(t, tc.name, []byte(Evaluate(tc.baseline, tc.updated).String()))
		})
	}
}

func TestAssessBoundaries(t *testing.T) {
	cases := map[float64]Assessment{
		1.0:  SignificantlyImproved,
		0.9:  Improved,
		0.3:  Improved,
		0.2:  Stable,
		-0.2: Stable,
		-0.3: Degraded,
		-0.9: Degraded,
		-1.0: SignificantlyDegraded,
	}
	for delta, want := range cases {
		assert.Equal(t, want, Assess(delta), "delta %v", delta)
	}
}

func TestRuleOrderFirstMatchWins(t *testing.T) {
	// overall improves but one dimension collapses: rule 1 beats rule 4
	res := Evaluate(snap(7, 7, 7, 7, 7), snap(5.9, 9, 9, 9, 8))
	assert.False(t, res.Approved)
	assert.Equal(t, 1, res.Rule)

	// two moderate drops with a stable overall
	res = Evaluate(snap(7, 7, 7, 7, 7), snap(6.4, 6.3, 7.5, 7, 7))
	assert.False(t, res.Approved)
	assert.Equal(t, 3, res.Rule)
	assert.Equal(t, Medium, res.Confidence)
	assert.Equal(t, "Rejected: Multiple dimensions (2) degraded by more than 0.5 points.", res.Reasoning)

	res = Evaluate(snap(7, 7, 7, 7, 7), snap(7.4, 7.1, 7, 7, 7.2))
	assert.True(t, res.Approved)
	assert.Equal(t, 5, res.Rule)
	assert.Equal(t, "Approved: 1 dimension(s) improved with no degradation. Overall score is stable.", res.Reasoning)
	assert.Equal(t, []string{"Proceed to human gate review for final approval"}, res.Recommendations)
}

func TestDeltasAreRoundedToOneDecimal(t *testing.T) {
	res := Evaluate(snap(7, 7, 7, 7, 7), snap(7.26, 7.24, 6.75, 7, 7.04))
	assert.Equal(t, 0.3, res.Comparison.ByDimension[domain.DimensionClarity].Delta)
	assert.Equal(t, Improved, res.Comparison.ByDimension[domain.DimensionClarity].Assessment)
	assert.Equal(t, 0.2, res.Comparison.ByDimension[domain.DimensionRules].Delta)
	assert.Equal(t, -0.2, res.Comparison.ByDimension[domain.DimensionPersonaFit].Delta)
	assert.Equal(t, 0.0, res.Comparison.Overall.Delta)
}

func TestRejectionBoundaries(t *testing.T) {
	// a single dimension down exactly 1.0 always rejects
	res := Evaluate(snap(7, 7, 7, 7, 7), snap(6, 8, 8, 8, 7.5))
	assert.False(t, res.Approved)
	assert.Equal(t, 1, res.Rule)

	// overall down 0.29 with nothing else moving is not a regression
	res = Evaluate(snap(7, 7, 7, 7, 7), snap(7, 7, 7, 7, 6.71))
	assert.True(t, res.Approved)
	assert.Equal(t, 7, res.Rule)
	assert.Equal(t, -0.3, res.Comparison.Overall.Delta)

	// float noise on an exact 0.3 gain still counts as improved
	res = Evaluate(snap(7, 7, 7, 7, 7), snap(7.3, 7, 7, 7, 7))
	assert.Equal(t, Improved, res.Comparison.ByDimension[domain.DimensionClarity].Assessment)
	assert.Equal(t, 5, res.Rule)

	// a 0.96 drop reports as -1.0 and is judged as -1.0
	res = Evaluate(snap(8, 7, 7, 7, 7), snap(7.04, 7, 7, 7, 7))
	clarity := res.Comparison.ByDimension[domain.DimensionClarity]
	assert.Equal(t, -1.0, clarity.Delta)
	assert.Equal(t, SignificantlyDegraded, clarity.Assessment)
	assert.False(t, res.Approved)
	assert.Equal(t, 1, res.Rule)
}

func TestErrReturnsRegressionError(t *testing.T) {
	rejected := Evaluate(snap(8, 8, 8, 8, 8), snap(8, 8, 8, 8, 7))
	err := rejected.Err()
	var regression *RegressionError
	require.True(t, errors.As(err, &regression))
	assert.Equal(t, 2, regression.Rule)
	assert.Len(t, regression.Recommendations, 2)

	assert.NoError(t, Evaluate(snap(7, 7, 7, 7, 7), snap(7, 7, 7, 7, 7)).Err())
}

func TestParseSnapshot(t *testing.T) {
	s, err := ParseSnapshot([]byte(`{"aggregate_metrics":{"clarity_readability":7,"rules_accuracy":7.5,"persona_fit":6,"practical_usability":8,"overall_score":7.1},
"chapter_metrics":[{"chapter_id":"ch1","metrics":{"clarity_readability":7,"rules_accuracy":7,"persona_fit":7,"practical_usability":7}}]}`))
	require.NoError(t, err)
	assert.Equal(t, 7.5, s.Aggregate.RulesAccuracy)
	assert.Len(t, s.Chapters, 1)

	_, err = ParseSnapshot([]byte(`{"aggregate_metrics":{"clarity_readability":7,"rules_accuracy":7,"persona_fit":7,"practical_usability":7}}`))
	assert.ErrorContains(t, err, "overall_score")

	_, err = ParseSnapshot([]byte(`{"aggregate_metrics":{"clarity_readability":12,"rules_accuracy":7,"persona_fit":7,"practical_usability":7,"overall_score":7}}`))
	assert.Error(t, err)
}
