// The output comparator: judges each student cell output against the
// reference solution's output under typed tolerances, yielding a per-cell
// similarity and a submission-level match rate. Numeric tokens compare
// with relative/absolute tolerance; remaining text compares by LCS ratio;
// row order is ignored by default.

package grader

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Comparator holds the per-assignment comparison settings.
type Comparator struct {
	cfg ComparisonConfig
}

// NewComparator builds a comparator; zero-valued settings fall back to the
// package defaults.
func NewComparator(cfg ComparisonConfig) *Comparator {
	if cfg.MatchThreshold == 0 {
		cfg.MatchThreshold = DefaultMatchThreshold
	}
	if cfg.NumericRelTol == 0 {
		cfg.NumericRelTol = DefaultNumericRelTol
	}
	if cfg.NumericAbsTol == 0 {
		cfg.NumericAbsTol = DefaultNumericAbsTol
	}
	if cfg.MaxPayloadBytes == 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if cfg.BudgetMs == 0 {
		cfg.BudgetMs = DefaultCompareBudgetMs
	}
	return &Comparator{cfg: cfg}
}

// Compare walks the solution's cells in order. A nil MatchRate means the
// comparison was unavailable (oversized payload, exhausted budget, or an
// empty reference); the caller proceeds without output-derived adjustment.
func (c *Comparator) Compare(ctx context.Context, student, solution *ParsedSubmission) (*ComparisonResult, error) {
	res := &ComparisonResult{}
	if len(solution.CodeCells) == 0 {
		return res, nil
	}
	if n := student.OutputBytes(); n > c.cfg.MaxPayloadBytes {
		logrus.Warnf("output comparison skipped: payload %d bytes exceeds guard of %d", n, c.cfg.MaxPayloadBytes)
		return res, nil
	}

	cctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.BudgetMs)*time.Millisecond)
	defer cancel()

	matched := 0
	for i, solCell := range solution.CodeCells {
		if cctx.Err() != nil {
			logrus.Warnf("output comparison aborted at cell %d: budget exhausted", i)
			return &ComparisonResult{}, nil
		}
		studentText := ""
		if i < len(student.CodeCells) {
			studentText = student.CodeCells[i].OutputText()
		}
		solutionText := solCell.OutputText()
		sim := c.similarity(studentText, solutionText)
		ok := sim >= c.cfg.MatchThreshold
		if ok {
			matched++
		}
		res.Cells = append(res.Cells, OutputCellComparison{
			CellIndex:      i,
			StudentOutput:  studentText,
			SolutionOutput: solutionText,
			Similarity:     sim,
			Matched:        ok,
		})
	}

	rate := float64(matched) / float64(len(solution.CodeCells))
	res.MatchRate = &rate
	return res, nil
}

// similarity blends numeric agreement and text similarity 50/50, clamped
// to [0,1].
func (c *Comparator) similarity(student, solution string) float64 {
	sLines := normalizeLines(student)
	rLines := normalizeLines(solution)
	if !c.cfg.OrderSensitive {
		sort.Strings(sLines)
		sort.Strings(rLines)
	}

	sNums, sText := splitTokens(sLines)
	rNums, rText := splitTokens(rLines)

	sim := 0.5*c.numericAgreement(sNums, rNums) + 0.5*lcsRatio(sText, rText)
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// numericAgreement pairs numeric tokens positionally and counts pairs
// within tolerance. Both sides empty agree fully.
func (c *Comparator) numericAgreement(a, b []float64) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	denom := len(a)
	if len(b) > denom {
		denom = len(b)
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	agree := 0
	for i := 0; i < n; i++ {
		diff := math.Abs(a[i] - b[i])
		scale := math.Max(math.Abs(a[i]), math.Abs(b[i]))
		if diff <= c.cfg.NumericAbsTol || diff <= c.cfg.NumericRelTol*scale {
			agree++
		}
	}
	return float64(agree) / float64(denom)
}

// normalizeLines collapses whitespace runs within each line and strips
// leading/trailing blank lines.
func normalizeLines(s string) []string {
	raw := strings.Split(s, "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		lines = append(lines, strings.Join(strings.Fields(line), " "))
	}
	start := 0
	for start < len(lines) && lines[start] == "" {
		start++
	}
	end := len(lines)
	for end > start && lines[end-1] == "" {
		end--
	}
	return lines[start:end]
}

// splitTokens separates numeric tokens from text tokens across all lines.
func splitTokens(lines []string) ([]float64, []string) {
	var nums []float64
	var text []string
	for _, line := range lines {
		for _, tok := range strings.Fields(line) {
			trimmed := strings.Trim(tok, ",;:()[]{}")
			if v, err := strconv.ParseFloat(trimmed, 64); err == nil {
				nums = append(nums, v)
				continue
			}
			text = append(text, tok)
		}
	}
	return nums, text
}

// lcsRatio is the longest-common-subsequence ratio over token slices:
// 2*LCS/(len(a)+len(b)). Both empty compare as identical.
func lcsRatio(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	// Rolling single-row DP keeps memory at O(len(b)).
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	lcs := prev[len(b)]
	return 2 * float64(lcs) / float64(len(a)+len(b))
}

// AdjustmentFor maps a match rate onto the single consolidated penalty
// table. capAt50 caps the final score rather than subtracting; the cap
// never raises a score.
func AdjustmentFor(matchRate float64) (penalty float64, capAt50 bool) {
	switch {
	case matchRate >= 0.90:
		return 0, false
	case matchRate >= 0.75:
		return -5, false
	case matchRate >= 0.60:
		return -10, false
	case matchRate >= 0.40:
		return -15, false
	default:
		return 0, true
	}
}
