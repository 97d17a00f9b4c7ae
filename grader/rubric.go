// The rubric model: weighted sections, partial-credit rules, and the
// per-assignment comparison settings. Rubrics are authored as YAML (JSON
// also parses), validated once at load, then treated as immutable.

package grader

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// SectionKind distinguishes code sections (graded on artefacts) from
// reflection sections (graded on presence and length of answers).
type SectionKind string

const (
	SectionCode       SectionKind = "code"
	SectionReflection SectionKind = "reflection"
)

// RubricSection is one graded unit of the assignment.
type RubricSection struct {
	ID                string      `json:"id" yaml:"id"`
	Name              string      `json:"name" yaml:"name"`
	WeightFraction    float64     `json:"weight_fraction" yaml:"weight_fraction"`
	RequiredVariables []string    `json:"required_variables" yaml:"required_variables"`
	RequiredFunctions []string    `json:"required_functions" yaml:"required_functions"`
	RequiredColumns   []string    `json:"required_columns" yaml:"required_columns"`
	Kind              SectionKind `json:"kind" yaml:"kind"`
	Points            float64     `json:"points" yaml:"points"`
	// ExpectedAnswers is how many reflection answers this section expects;
	// ignored for code sections. Zero defaults to 1.
	ExpectedAnswers int `json:"expected_answers" yaml:"expected_answers"`
}

// ConditionKind names the supported partial-credit predicates.
type ConditionKind string

const (
	// CondMissingAnyVariable matches when any listed variable is absent.
	CondMissingAnyVariable ConditionKind = "missing_any_variable"
	// CondErrorsPresent matches when the executed submission raised errors.
	CondErrorsPresent ConditionKind = "errors_present"
	// CondCompletionBelow matches when the section's completion fraction is
	// under Threshold.
	CondCompletionBelow ConditionKind = "completion_below"
)

// RuleCondition is the predicate side of a partial-credit rule.
type RuleCondition struct {
	Kind      ConditionKind `json:"kind" yaml:"kind"`
	Variables []string      `json:"variables" yaml:"variables"`
	Threshold float64       `json:"threshold" yaml:"threshold"`
}

// Matches evaluates the condition against a section's evidence.
func (c RuleCondition) Matches(sub *ParsedSubmission, completion float64) bool {
	switch c.Kind {
	case CondMissingAnyVariable:
		for _, v := range c.Variables {
			if !sub.HasVariable(v) {
				return true
			}
		}
		return false
	case CondErrorsPresent:
		return len(sub.ErrorsPresent) > 0
	case CondCompletionBelow:
		return completion < c.Threshold
	default:
		return false
	}
}

// Rule caps or restores credit for one section. Lower Priority wins; a
// section's final credit is max(multiplier of first matching rule,
// baseline completion fraction).
type Rule struct {
	ID          string        `json:"id" yaml:"id"`
	SectionID   string        `json:"section_id" yaml:"section_id"`
	Condition   RuleCondition `json:"condition" yaml:"condition"`
	Multiplier  float64       `json:"multiplier" yaml:"multiplier"`
	Priority    int           `json:"priority" yaml:"priority"`
	Explanation string        `json:"explanation" yaml:"explanation"`
}

// ComparisonConfig tunes the output comparator per assignment.
type ComparisonConfig struct {
	MatchThreshold  float64 `json:"match_threshold" yaml:"match_threshold"`
	OrderSensitive  bool    `json:"order_sensitive" yaml:"order_sensitive"`
	NumericRelTol   float64 `json:"numeric_rel_tol" yaml:"numeric_rel_tol"`
	NumericAbsTol   float64 `json:"numeric_abs_tol" yaml:"numeric_abs_tol"`
	MaxPayloadBytes int     `json:"max_payload_bytes" yaml:"max_payload_bytes"`
	BudgetMs        int     `json:"budget_ms" yaml:"budget_ms"`
}

// Comparator defaults.
const (
	DefaultMatchThreshold  = 0.80
	DefaultNumericRelTol   = 0.05
	DefaultNumericAbsTol   = 1e-9
	DefaultMaxPayloadBytes = 200 << 10
	DefaultCompareBudgetMs = 30000
	DefaultMinWords        = 50
)

// Rubric is the authoritative grading document for one assignment.
type Rubric struct {
	AssignmentID       string           `json:"assignment_id" yaml:"assignment_id"`
	TotalPoints        float64          `json:"total_points" yaml:"total_points"`
	Sections           []RubricSection  `json:"sections" yaml:"sections"`
	PartialCreditRules []Rule           `json:"partial_credit_rules" yaml:"partial_credit_rules"`
	Comparison         ComparisonConfig `json:"comparison" yaml:"comparison"`
	// MinReflectionWords is the answer-length floor for reflection credit.
	MinReflectionWords int `json:"min_reflection_words" yaml:"min_reflection_words"`
}

// LoadRubric reads and validates one rubric document.
func LoadRubric(path string) (*Rubric, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rubric %s: %w", path, err)
	}
	var r Rubric
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("parse rubric %s: %w", path, err)
	}
	r.ApplyDefaults()
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rubric %s: %w", path, err)
	}
	return &r, nil
}

// ApplyDefaults fills zero-valued tunables.
func (r *Rubric) ApplyDefaults() {
	if r.Comparison.MatchThreshold == 0 {
		r.Comparison.MatchThreshold = DefaultMatchThreshold
	}
	if r.Comparison.NumericRelTol == 0 {
		r.Comparison.NumericRelTol = DefaultNumericRelTol
	}
	if r.Comparison.NumericAbsTol == 0 {
		r.Comparison.NumericAbsTol = DefaultNumericAbsTol
	}
	if r.Comparison.MaxPayloadBytes == 0 {
		r.Comparison.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if r.Comparison.BudgetMs == 0 {
		r.Comparison.BudgetMs = DefaultCompareBudgetMs
	}
	if r.MinReflectionWords == 0 {
		r.MinReflectionWords = DefaultMinWords
	}
}

// Validate enforces the rubric invariants: section weights sum to 1.0,
// ids are unique, every rule targets an existing section, multipliers stay
// in [0,1].
func (r *Rubric) Validate() error {
	if r.AssignmentID == "" {
		return fmt.Errorf("assignment_id is required")
	}
	if r.TotalPoints <= 0 {
		return fmt.Errorf("total_points must be > 0, got %g", r.TotalPoints)
	}
	if len(r.Sections) == 0 {
		return fmt.Errorf("rubric has no sections")
	}

	seen := make(map[string]bool, len(r.Sections))
	weightSum := 0.0
	for _, s := range r.Sections {
		if s.ID == "" {
			return fmt.Errorf("section %q has empty id", s.Name)
		}
		if s.ID == GlobalSectionID {
			return fmt.Errorf("section id %q is reserved", GlobalSectionID)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate section id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Kind != SectionCode && s.Kind != SectionReflection {
			return fmt.Errorf("section %q has unknown kind %q", s.ID, s.Kind)
		}
		if s.WeightFraction < 0 || s.WeightFraction > 1 {
			return fmt.Errorf("section %q weight_fraction %g outside [0,1]", s.ID, s.WeightFraction)
		}
		if s.Points < 0 {
			return fmt.Errorf("section %q has negative points", s.ID)
		}
		weightSum += s.WeightFraction
	}
	if math.Abs(weightSum-1.0) > 1e-9 {
		return fmt.Errorf("section weights sum to %g, want 1.0", weightSum)
	}

	ruleIDs := make(map[string]bool, len(r.PartialCreditRules))
	for _, rule := range r.PartialCreditRules {
		if rule.ID == "" {
			return fmt.Errorf("partial credit rule for section %q has empty id", rule.SectionID)
		}
		if ruleIDs[rule.ID] {
			return fmt.Errorf("duplicate rule id %q", rule.ID)
		}
		ruleIDs[rule.ID] = true
		if !seen[rule.SectionID] {
			return fmt.Errorf("rule %q targets unknown section %q", rule.ID, rule.SectionID)
		}
		if rule.Multiplier < 0 || rule.Multiplier > 1 {
			return fmt.Errorf("rule %q multiplier %g outside [0,1]", rule.ID, rule.Multiplier)
		}
		switch rule.Condition.Kind {
		case CondMissingAnyVariable, CondErrorsPresent, CondCompletionBelow:
		default:
			return fmt.Errorf("rule %q has unknown condition kind %q", rule.ID, rule.Condition.Kind)
		}
	}
	return nil
}

// SectionByID looks a section up, for finding validation and prompts.
func (r *Rubric) SectionByID(id string) (*RubricSection, bool) {
	for i := range r.Sections {
		if r.Sections[i].ID == id {
			return &r.Sections[i], true
		}
	}
	return nil, false
}
