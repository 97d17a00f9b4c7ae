// Result types for the four grading layers and the merged GradingResult.

package grader

import "github.com/duograde/duograde/infer"

// GlobalSectionID marks findings that concern the whole submission rather
// than one rubric section.
const GlobalSectionID = "__global__"

// FindingKind tags structured remarks about one rubric section.
type FindingKind string

const (
	FindingPass           FindingKind = "pass"
	FindingPartialCredit  FindingKind = "partial_credit"
	FindingMissing        FindingKind = "missing"
	FindingError          FindingKind = "error"
	FindingOutputMismatch FindingKind = "output_mismatch"
)

// Finding is a structured remark about one rubric section, carrying the
// points awarded against the section maximum.
type Finding struct {
	SectionID     string      `json:"section_id"`
	Kind          FindingKind `json:"kind"`
	PointsAwarded float64     `json:"points_awarded"`
	MaxPoints     float64     `json:"max_points"`
	Note          string      `json:"note"`
}

// DeterministicResult is the rubric-faithful layer output: a base score in
// [0,100] plus per-section findings. Computed without any model call.
type DeterministicResult struct {
	BaseScore float64   `json:"base_score"`
	Findings  []Finding `json:"findings"`
}

// OutputCellComparison is the comparator's verdict for one cell pair.
type OutputCellComparison struct {
	CellIndex      int     `json:"cell_index"`
	StudentOutput  string  `json:"student_output"`
	SolutionOutput string  `json:"solution_output"`
	Similarity     float64 `json:"similarity"`
	Matched        bool    `json:"matched"`
}

// ComparisonResult is the output-comparison layer result. MatchRate is nil
// when the size or time guard aborted the comparison; the pipeline then
// proceeds without an output-derived adjustment.
type ComparisonResult struct {
	MatchRate *float64               `json:"match_rate"`
	Cells     []OutputCellComparison `json:"cells"`
}

// ModelLayerResult is one LLM layer's outcome: narrative text on success,
// the error string otherwise. Model text never alters the numeric score.
type ModelLayerResult struct {
	Text    string                   `json:"text,omitempty"`
	Metrics *infer.GenerationMetrics `json:"metrics,omitempty"`
	Error   string                   `json:"error,omitempty"`
}

// LayerResults groups the four layers of one grading run.
type LayerResults struct {
	Deterministic *DeterministicResult `json:"deterministic"`
	OutputCompare *ComparisonResult    `json:"output_compare"`
	CodeAnalysis  *ModelLayerResult    `json:"code_analysis"`
	Feedback      *ModelLayerResult    `json:"feedback"`
}

// ResultMetrics merges per-model generation metrics with the request wall
// time.
type ResultMetrics struct {
	CodeModel     *infer.GenerationMetrics `json:"code_model,omitempty"`
	FeedbackModel *infer.GenerationMetrics `json:"feedback_model,omitempty"`
	TotalWallMs   float64                  `json:"total_wall_ms"`
}

// GradingResult is the pipeline's merged output for one submission.
type GradingResult struct {
	FinalScore float64       `json:"final_score_0_100"`
	BaseScore  float64       `json:"base_score"`
	Adjustment float64       `json:"adjustment"`
	Layers     LayerResults  `json:"layer_results"`
	Findings   []Finding     `json:"findings"`
	Metrics    ResultMetrics `json:"metrics"`
	// Notice records reduced confidence, e.g. when narrative feedback was
	// unavailable because a model layer failed.
	Notice string `json:"notice,omitempty"`
}
