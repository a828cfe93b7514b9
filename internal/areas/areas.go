// Package areas turns a review analysis into the improvement areas a
// strategic plan works through.
package areas

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"revline/internal/domain"
)

// Ranking is one prioritized issue from a review analysis.
type Ranking struct {
	Category         string   `json:"category" yaml:"category" validate:"required"`
	Severity         float64  `json:"severity" yaml:"severity" validate:"gte=1,lte=10"`
	Frequency        float64  `json:"frequency,omitempty" yaml:"frequency,omitempty" validate:"gte=0"`
	AffectedChapters []string `json:"affected_chapters,omitempty" yaml:"affected_chapters,omitempty"`
	AffectedPersonas []string `json:"affected_personas,omitempty" yaml:"affected_personas,omitempty"`
	Description      string   `json:"description,omitempty" yaml:"description,omitempty"`
}

type PersonaBreakdown struct {
	Strengths []string `json:"strengths" yaml:"strengths"`
	Struggles []string `json:"struggles" yaml:"struggles"`
}

type Analysis struct {
	PriorityRankings  []Ranking                   `json:"priority_rankings" yaml:"priority_rankings" validate:"dive"`
	PersonaBreakdowns map[string]PersonaBreakdown `json:"persona_breakdowns,omitempty" yaml:"persona_breakdowns,omitempty"`
}

var validate = validator.New()

// ParseAnalysis decodes and validates a JSON analysis document.
func ParseAnalysis(data []byte) (Analysis, error) {
	var a Analysis
	if err := json.Unmarshal(data, &a); err != nil {
		return a, fmt.Errorf("decode analysis: %w", err)
	}
	if err := validate.Struct(a); err != nil {
		return a, fmt.Errorf("invalid analysis: %w", err)
	}
	return a, nil
}

const (
	DefaultMaxAreas  = 6
	DefaultMaxCycles = 3

	// richPersonaData is the number of personas with struggles at which
	// auto-selection groups by persona.
	richPersonaData = 4
)

type Options struct {
	MaxAreas    int
	MinSeverity float64
	MaxCycles   int
	// Strategy forces a grouping; empty auto-selects.
	Strategy domain.AreaType
}

// ParseStrategy accepts an area type name or "auto".
func ParseStrategy(s string) (domain.AreaType, error) {
	switch t := domain.AreaType(s); t {
	case "", "auto":
		return "", nil
	case domain.AreaIssueCategory, domain.AreaChapterCluster, domain.AreaPersonaPainPoint:
		return t, nil
	}
	return "", fmt.Errorf("unknown grouping strategy %q", s)
}

// candidate is an area plus the severity that ranks it.
type candidate struct {
	area     domain.Area
	severity float64
}

// Generate builds areas from the analysis. Output is ordered by severity,
// capped at MaxAreas, with priorities 1..k in that order.
func Generate(a Analysis, opts Options) []domain.Area {
	if opts.MaxAreas <= 0 {
		opts.MaxAreas = DefaultMaxAreas
	}
	if opts.MaxCycles <= 0 {
		opts.MaxCycles = DefaultMaxCycles
	}
	var rankings []Ranking
	for _, r := range a.PriorityRankings {
		if r.Severity >= opts.MinSeverity {
			rankings = append(rankings, r)
		}
	}
	if len(rankings) == 0 {
		return []domain.Area{}
	}

	var cands []candidate
	switch Strategy(a, opts.Strategy) {
	case domain.AreaPersonaPainPoint:
		cands = byPersona(a.PersonaBreakdowns, rankings)
	case domain.AreaChapterCluster:
		cands = byChapterCluster(rankings)
	default:
		cands = byCategory(rankings)
	}

	sort.SliceStable(cands, func(i, j int) bool { return cands[i].severity > cands[j].severity })
	if len(cands) > opts.MaxAreas {
		cands = cands[:opts.MaxAreas]
	}
	out := make([]domain.Area, len(cands))
	for i, c := range cands {
		c.area.Priority = i + 1
		c.area.MaxCycles = opts.MaxCycles
		c.area.Status = domain.AreaPending
		c.area.ChaptersModified = []string{}
		out[i] = c.area
	}
	return out
}

// Strategy resolves the grouping to use. A forced persona grouping without
// persona data falls back to auto-selection.
func Strategy(a Analysis, preferred domain.AreaType) domain.AreaType {
	switch preferred {
	case domain.AreaIssueCategory, domain.AreaChapterCluster:
		return preferred
	case domain.AreaPersonaPainPoint:
		if len(a.PersonaBreakdowns) > 0 {
			return preferred
		}
	}
	n := 0
	for _, b := range a.PersonaBreakdowns {
		if len(b.Struggles) > 0 {
			n++
		}
	}
	if n >= richPersonaData {
		return domain.AreaPersonaPainPoint
	}
	return domain.AreaIssueCategory
}

// DeltaTarget is the score gain expected from an area. It grows strictly
// with severity.
func DeltaTarget(severity float64) float64 {
	return 0.25 + severity/8
}

func byCategory(rankings []Ranking) []candidate {
	var order []string
	groups := map[string][]Ranking{}
	for _, r := range rankings {
		if _, ok := groups[r.Category]; !ok {
			order = append(order, r.Category)
		}
		groups[r.Category] = append(groups[r.Category], r)
	}
	out := make([]candidate, 0, len(order))
	for _, cat := range order {
		rs := groups[cat]
		var chapters orderedSet
		issues := make([]string, 0, len(rs))
		var sum float64
		for i, r := range rs {
			chapters.add(r.AffectedChapters...)
			issues = append(issues, issueID(cat, i+1))
			sum += r.Severity
		}
		sev := sum / float64(len(rs))
		out = append(out, candidate{severity: sev, area: domain.Area{
			AreaID:          "area-" + slug(cat),
			Name:            title(cat),
			Type:            domain.AreaIssueCategory,
			Description:     rs[0].Description,
			TargetChapters:  chapters.items(),
			TargetIssues:    issues,
			TargetDimension: DimensionFor(cat),
			DeltaTarget:     DeltaTarget(sev),
		}})
	}
	return out
}

// byChapterCluster merges chapters named together in any ranking, transitively,
// into one area per connected group.
func byChapterCluster(rankings []Ranking) []candidate {
	parent := map[string]string{}
	var order []string
	var find func(string) string
	find = func(c string) string {
		if parent[c] != c {
			parent[c] = find(parent[c])
		}
		return parent[c]
	}
	for _, r := range rankings {
		for _, ch := range r.AffectedChapters {
			if _, ok := parent[ch]; !ok {
				parent[ch] = ch
				order = append(order, ch)
			}
		}
		for _, ch := range r.AffectedChapters[min(1, len(r.AffectedChapters)):] {
			a, b := find(r.AffectedChapters[0]), find(ch)
			if a != b {
				parent[b] = a
			}
		}
	}

	var roots []string
	members := map[string][]string{}
	for _, ch := range order {
		root := find(ch)
		if _, ok := members[root]; !ok {
			roots = append(roots, root)
		}
		members[root] = append(members[root], ch)
	}

	out := make([]candidate, 0, len(roots))
	for i, root := range roots {
		chapters := members[root]
		inCluster := map[string]bool{}
		for _, ch := range chapters {
			inCluster[ch] = true
		}
		var cats orderedSet
		var sum float64
		var n int
		for _, r := range rankings {
			for _, ch := range r.AffectedChapters {
				if inCluster[ch] {
					cats.add(r.Category)
					sum += r.Severity
					n++
				}
			}
		}
		sev := 0.0
		if n > 0 {
			sev = sum / float64(n)
		}
		dim := domain.DimensionOverall
		issues := make([]string, 0, len(cats.list))
		for j, c := range cats.list {
			if j == 0 {
				dim = DimensionFor(c)
			}
			issues = append(issues, issueID(c, j+1))
		}
		out = append(out, candidate{severity: sev, area: domain.Area{
			AreaID:          fmt.Sprintf("area-cluster-%d", i+1),
			Name:            clusterName(chapters),
			Type:            domain.AreaChapterCluster,
			TargetChapters:  chapters,
			TargetIssues:    issues,
			TargetDimension: dim,
			DeltaTarget:     DeltaTarget(sev),
		}})
	}
	return out
}

// byPersona makes one area per persona that reported struggles.
func byPersona(breakdowns map[string]PersonaBreakdown, rankings []Ranking) []candidate {
	ids := make([]string, 0, len(breakdowns))
	for id := range breakdowns {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []candidate
	for _, id := range ids {
		b := breakdowns[id]
		if len(b.Struggles) == 0 {
			continue
		}
		var chapters, cats orderedSet
		var sum float64
		var n int
		for _, r := range rankings {
			if !contains(r.AffectedPersonas, id) {
				continue
			}
			chapters.add(r.AffectedChapters...)
			cats.add(r.Category)
			sum += r.Severity
			n++
		}
		if len(chapters.list) == 0 {
			for _, r := range rankings[:min(3, len(rankings))] {
				chapters.add(r.AffectedChapters...)
				cats.add(r.Category)
			}
		}
		sev := 5.0
		if n > 0 {
			sev = sum / float64(n)
		}
		issues := make([]string, 0, len(cats.list))
		for j, c := range cats.list {
			issues = append(issues, issueID(c, j+1))
		}
		out = append(out, candidate{severity: sev, area: domain.Area{
			AreaID:          "area-persona-" + slug(id),
			Name:            title(id) + " Pain Points",
			Type:            domain.AreaPersonaPainPoint,
			Description:     strings.Join(b.Struggles[:min(2, len(b.Struggles))], "; "),
			TargetChapters:  chapters.items(),
			TargetIssues:    issues,
			TargetDimension: domain.DimensionPersonaFit,
			DeltaTarget:     DeltaTarget(sev),
		}})
	}
	return out
}

// DimensionFor maps an issue category to the dimension it most affects.
func DimensionFor(category string) domain.Dimension {
	lower := strings.ToLower(category)
	has := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}
	switch {
	case has("clarity", "readable", "confus"):
		return domain.DimensionClarity
	case has("accuracy", "correct", "error", "contradict"):
		return domain.DimensionRules
	case has("persona", "audience", "beginner", "veteran"):
		return domain.DimensionPersonaFit
	case has("usab", "practic", "example", "reference"):
		return domain.DimensionUsability
	}
	return domain.DimensionOverall
}

var (
	separators    = regexp.MustCompile(`[\s_-]+`)
	chapterPrefix = regexp.MustCompile(`^\d+[-_]?`)
)

func title(s string) string {
	return cases.Title(language.English).String(strings.TrimSpace(separators.ReplaceAllString(s, " ")))
}

func slug(s string) string {
	return separators.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "-")
}

func issueID(category string, n int) string {
	return fmt.Sprintf("%s-%d", separators.ReplaceAllString(strings.ToUpper(category), "-"), n)
}

// chapterTopic turns "08-combat_basics.md" into "Combat Basics".
func chapterTopic(file string) string {
	return title(strings.TrimSuffix(chapterPrefix.ReplaceAllString(file, ""), ".md"))
}

func clusterName(chapters []string) string {
	switch len(chapters) {
	case 0:
		return "General Improvements"
	case 1:
		return chapterTopic(chapters[0])
	}
	var topics orderedSet
	for _, ch := range chapters {
		topics.add(chapterTopic(ch))
	}
	switch len(topics.list) {
	case 1:
		return topics.list[0]
	case 2:
		if len(chapters) == 2 {
			return strings.Join(topics.list, " & ")
		}
	}
	return topics.list[0] + " & Related"
}

type orderedSet struct {
	seen map[string]bool
	list []string
}

func (s *orderedSet) add(vs ...string) {
	if s.seen == nil {
		s.seen = map[string]bool{}
	}
	for _, v := range vs {
		if !s.seen[v] {
			s.seen[v] = true
			s.list = append(s.list, v)
		}
	}
}

func (s *orderedSet) items() []string {
	if s.list == nil {
		return []string{}
	}
	return s.list
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
