package areas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revline/internal/domain"
)

func TestDeltaTargetGrowsWithSeverity(t *testing.T) {
	got := Generate(Analysis{PriorityRankings: []Ranking{
		{Category: "clarity issues", Severity: 3},
		{Category: "rules errors", Severity: 9},
	}}, Options{Strategy: domain.AreaIssueCategory})
	require.Len(t, got, 2)
	assert.Equal(t, "area-rules-errors", got[0].AreaID)
	assert.Greater(t, got[0].DeltaTarget, got[1].DeltaTarget)

	for s := 1.0; s < 10; s++ {
		assert.Greater(t, DeltaTarget(s+1), DeltaTarget(s))
	}
}

func TestIssueCategoryGrouping(t *testing.T) {
	got := Generate(Analysis{PriorityRankings: []Ranking{
		{Category: "confusing_examples", Severity: 6, AffectedChapters: []string{"ch1", "ch2"}, Description: "examples contradict the text"},
		{Category: "rule_accuracy", Severity: 8, AffectedChapters: []string{"ch4"}},
		{Category: "confusing_examples", Severity: 4, AffectedChapters: []string{"ch2", "ch3"}},
		{Category: "minor typos", Severity: 1},
	}}, Options{MinSeverity: 2, MaxCycles: 4})

	require.Len(t, got, 2)
	assert.Equal(t, domain.Area{
		AreaID:           "area-rule-accuracy",
		Name:             "Rule Accuracy",
		Type:             domain.AreaIssueCategory,
		TargetChapters:   []string{"ch4"},
		TargetIssues:     []string{"RULE-ACCURACY-1"},
		TargetDimension:  domain.DimensionRules,
		Priority:         1,
		Status:           domain.AreaPending,
		MaxCycles:        4,
		DeltaTarget:      1.25,
		ChaptersModified: []string{},
	}, got[0])

	second := got[1]
	assert.Equal(t, "Confusing Examples", second.Name)
	assert.Equal(t, []string{"ch1", "ch2", "ch3"}, second.TargetChapters)
	assert.Equal(t, []string{"CONFUSING-EXAMPLES-1", "CONFUSING-EXAMPLES-2"}, second.TargetIssues)
	assert.Equal(t, domain.DimensionClarity, second.TargetDimension)
	assert.Equal(t, "examples contradict the text", second.Description)
	assert.Equal(t, 2, second.Priority)
	assert.Equal(t, DeltaTarget(5), second.DeltaTarget)
}

func TestMaxAreasKeepsHighestSeverity(t *testing.T) {
	var rankings []Ranking
	for i, cat := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		rankings = append(rankings, Ranking{Category: cat, Severity: float64(i + 1)})
	}
	got := Generate(Analysis{PriorityRankings: rankings}, Options{MaxAreas: 3})
	require.Len(t, got, 3)
	for i, want := range []string{"area-h", "area-g", "area-f"} {
		assert.Equal(t, want, got[i].AreaID)
		assert.Equal(t, i+1, got[i].Priority)
	}

	assert.Len(t, Generate(Analysis{PriorityRankings: rankings}, Options{}), DefaultMaxAreas)
	assert.Empty(t, Generate(Analysis{PriorityRankings: rankings}, Options{MinSeverity: 9}))
}

func TestChapterClusterMergesTransitively(t *testing.T) {
	got := Generate(Analysis{PriorityRankings: []Ranking{
		{Category: "clarity", Severity: 6, AffectedChapters: []string{"03-combat.md", "04-combat_options.md"}},
		{Category: "usability", Severity: 4, AffectedChapters: []string{"04-combat_options.md", "09-equipment.md"}},
		{Category: "accuracy", Severity: 8, AffectedChapters: []string{"12-magic.md"}},
	}}, Options{Strategy: domain.AreaChapterCluster})

	require.Len(t, got, 2)
	magic, combat := got[0], got[1]
	assert.Equal(t, []string{"12-magic.md"}, magic.TargetChapters)
	assert.Equal(t, "Magic", magic.Name)
	assert.Equal(t, domain.DimensionRules, magic.TargetDimension)

	assert.Equal(t, []string{"03-combat.md", "04-combat_options.md", "09-equipment.md"}, combat.TargetChapters)
	assert.Equal(t, "Combat & Related", combat.Name)
	assert.Equal(t, domain.AreaChapterCluster, combat.Type)
	assert.Equal(t, []string{"CLARITY-1", "USABILITY-2"}, combat.TargetIssues)
	assert.Equal(t, domain.DimensionClarity, combat.TargetDimension)
}

func personas(withStruggles int, without ...string) map[string]PersonaBreakdown {
	out := map[string]PersonaBreakdown{}
	names := []string{"new_player", "veteran_gm", "solo_reader", "rules_lawyer", "casual_fan"}
	for _, n := range names[:withStruggles] {
		out[n] = PersonaBreakdown{Struggles: []string{"lost in " + n, "second", "third"}}
	}
	for _, n := range without {
		out[n] = PersonaBreakdown{Strengths: []string{"happy"}}
	}
	return out
}

func TestAutoSelectPersonaThreshold(t *testing.T) {
	rankings := []Ranking{{Category: "clarity", Severity: 5, AffectedChapters: []string{"ch1"}}}

	assert.Equal(t, domain.AreaIssueCategory, Strategy(Analysis{PersonaBreakdowns: personas(3, "x", "y")}, ""))
	assert.Equal(t, domain.AreaPersonaPainPoint, Strategy(Analysis{PersonaBreakdowns: personas(4)}, ""))
	assert.Equal(t, domain.AreaIssueCategory, Strategy(Analysis{}, domain.AreaPersonaPainPoint))

	got := Generate(Analysis{PriorityRankings: rankings, PersonaBreakdowns: personas(4, "content_reader")}, Options{})
	require.Len(t, got, 4)
	for _, a := range got {
		assert.Equal(t, domain.AreaPersonaPainPoint, a.Type)
		assert.NotEqual(t, "area-persona-content-reader", a.AreaID)
		assert.Equal(t, domain.DimensionPersonaFit, a.TargetDimension)
		assert.Equal(t, []string{"ch1"}, a.TargetChapters)
	}
}

func TestPersonaWithoutStrugglesIsSkipped(t *testing.T) {
	got := Generate(Analysis{
		PriorityRankings: []Ranking{
			{Category: "jargon", Severity: 8, AffectedPersonas: []string{"new_player"}, AffectedChapters: []string{"ch2"}},
		},
		PersonaBreakdowns: personas(1, "veteran_gm"),
	}, Options{Strategy: domain.AreaPersonaPainPoint})

	require.Len(t, got, 1)
	assert.Equal(t, "area-persona-new-player", got[0].AreaID)
	assert.Equal(t, "New Player Pain Points", got[0].Name)
	assert.Equal(t, "lost in new_player; second", got[0].Description)
	assert.Equal(t, []string{"JARGON-1"}, got[0].TargetIssues)
	assert.Equal(t, DeltaTarget(8), got[0].DeltaTarget)
}

func TestParseAnalysis(t *testing.T) {
	a, err := ParseAnalysis([]byte(`{"priority_rankings":[{"category":"clarity","severity":7,"frequency":3}],
"persona_breakdowns":{"gm":{"strengths":[],"struggles":["index"]}}}`))
	require.NoError(t, err)
	assert.Len(t, a.PriorityRankings, 1)
	assert.Len(t, a.PersonaBreakdowns, 1)

	_, err = ParseAnalysis([]byte(`{"priority_rankings":[{"category":"clarity","severity":11}]}`))
	assert.Error(t, err)
	_, err = ParseAnalysis([]byte(`{"priority_rankings":[{"severity":4}]}`))
	assert.Error(t, err)

	s, err := ParseStrategy("auto")
	require.NoError(t, err)
	assert.Equal(t, domain.AreaType(""), s)
	_, err = ParseStrategy("by_mood")
	assert.Error(t, err)
}
