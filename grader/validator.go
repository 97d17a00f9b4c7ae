// The deterministic validator: produces the rubric-faithful base score
// from the parsed submission without invoking any model. Given identical
// rubric and submission it returns identical scores and findings.

package grader

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrDeterministicUnavailable aborts the whole pipeline: the rubric or
// submission could not be evaluated at all.
var ErrDeterministicUnavailable = errors.New("deterministic validation unavailable")

// Validator scores submissions against one immutable rubric.
type Validator struct {
	rubric *Rubric
}

// NewValidator binds a validator to a validated rubric.
func NewValidator(r *Rubric) *Validator {
	return &Validator{rubric: r}
}

// Validate walks every rubric section, computes completion-based credit
// modulated by partial-credit rules, and assembles the base score.
func (v *Validator) Validate(sub *ParsedSubmission) (*DeterministicResult, error) {
	if v.rubric == nil || sub == nil {
		return nil, fmt.Errorf("%w: missing rubric or submission", ErrDeterministicUnavailable)
	}

	res := &DeterministicResult{}
	awarded := 0.0
	for _, s := range v.rubric.Sections {
		var credit float64
		var note string
		switch s.Kind {
		case SectionReflection:
			credit, note = v.scoreReflection(s, sub)
		default:
			credit, note = v.scoreCode(s, sub)
		}
		if credit < 0 {
			credit = 0
		}
		if credit > 1 {
			credit = 1
		}
		points := credit * s.Points
		awarded += points
		res.Findings = append(res.Findings, Finding{
			SectionID:     s.ID,
			Kind:          findingKindForCredit(credit),
			PointsAwarded: points,
			MaxPoints:     s.Points,
			Note:          note,
		})
	}

	if len(sub.ErrorsPresent) > 0 {
		res.Findings = append(res.Findings, Finding{
			SectionID: GlobalSectionID,
			Kind:      FindingError,
			Note:      fmt.Sprintf("execution errors present: %s", strings.Join(sub.ErrorsPresent, "; ")),
		})
	}

	score := awarded / v.rubric.TotalPoints * 100
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	res.BaseScore = score
	return res, nil
}

// scoreCode computes the completion fraction over required variables,
// functions, and columns (skipping empty sets), then applies the first
// matching partial-credit rule.
func (v *Validator) scoreCode(s RubricSection, sub *ParsedSubmission) (float64, string) {
	var fractions []float64
	var missing []string

	if len(s.RequiredVariables) > 0 {
		found := 0
		for _, name := range s.RequiredVariables {
			if sub.HasVariable(name) {
				found++
			} else {
				missing = append(missing, "variable "+name)
			}
		}
		fractions = append(fractions, float64(found)/float64(len(s.RequiredVariables)))
	}
	if len(s.RequiredFunctions) > 0 {
		found := 0
		for _, name := range s.RequiredFunctions {
			if sub.ReferencesFunction(name) {
				found++
			} else {
				missing = append(missing, "function "+name)
			}
		}
		fractions = append(fractions, float64(found)/float64(len(s.RequiredFunctions)))
	}
	if len(s.RequiredColumns) > 0 {
		found := 0
		for _, name := range s.RequiredColumns {
			if sub.ReferencesColumn(name) {
				found++
			} else {
				missing = append(missing, "column "+name)
			}
		}
		fractions = append(fractions, float64(found)/float64(len(s.RequiredColumns)))
	}

	completion := 1.0
	if len(fractions) > 0 {
		sum := 0.0
		for _, f := range fractions {
			sum += f
		}
		completion = sum / float64(len(fractions))
	}

	credit := completion
	note := ""
	if rule, ok := v.firstMatchingRule(s.ID, sub, completion); ok {
		if rule.Multiplier > credit {
			credit = rule.Multiplier
		}
		note = rule.Explanation
	}
	if len(missing) > 0 {
		if note != "" {
			note += "; "
		}
		note += "missing: " + strings.Join(missing, ", ")
	}
	if note == "" {
		note = "all required artefacts present"
	}
	return credit, note
}

// scoreReflection awards presence-and-length credit: an answer counts when
// it reaches the rubric's minimum word count.
func (v *Validator) scoreReflection(s RubricSection, sub *ParsedSubmission) (float64, string) {
	expected := s.ExpectedAnswers
	if expected < 1 {
		expected = 1
	}
	present := 0
	for _, cell := range sub.MarkdownCells {
		if len(strings.Fields(cell)) >= v.rubric.MinReflectionWords {
			present++
		}
	}
	if present > expected {
		present = expected
	}
	credit := float64(present) / float64(expected)
	if present == expected {
		return credit, "all reflection answers present"
	}
	return credit, fmt.Sprintf("%d of %d reflection answers present with >= %d words",
		present, expected, v.rubric.MinReflectionWords)
}

// firstMatchingRule returns the winning rule for a section: ascending
// priority, ties broken by higher multiplier, then lexicographically
// smaller rule id for determinism.
func (v *Validator) firstMatchingRule(sectionID string, sub *ParsedSubmission, completion float64) (*Rule, bool) {
	var rules []Rule
	for _, r := range v.rubric.PartialCreditRules {
		if r.SectionID == sectionID {
			rules = append(rules, r)
		}
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		if rules[i].Multiplier != rules[j].Multiplier {
			return rules[i].Multiplier > rules[j].Multiplier
		}
		return rules[i].ID < rules[j].ID
	})
	for i := range rules {
		if rules[i].Condition.Matches(sub, completion) {
			return &rules[i], true
		}
	}
	return nil, false
}

func findingKindForCredit(credit float64) FindingKind {
	switch {
	case credit >= 1:
		return FindingPass
	case credit <= 0:
		return FindingMissing
	default:
		return FindingPartialCredit
	}
}
