// Prompt construction for the two model calls. The templates stay
// deliberately plain: a rubric excerpt, the deterministic findings, and
// the submission's code. The model responses are narrative only and never
// feed back into the numeric score.

package grader

import (
	"fmt"
	"strings"
)

// maxPromptSourceBytes bounds how much cell source is quoted per prompt so
// oversized notebooks cannot blow the engine's prompt window.
const maxPromptSourceBytes = 16 << 10

// BuildCodeAnalysisPrompt asks the code model for quality observations on
// the submission, anchored to the rubric and the deterministic findings.
func BuildCodeAnalysisPrompt(r *Rubric, sub *ParsedSubmission, det *DeterministicResult) string {
	var b strings.Builder
	b.WriteString("You are reviewing a student notebook submission for assignment ")
	b.WriteString(r.AssignmentID)
	b.WriteString(".\n\nRubric sections:\n")
	writeRubricExcerpt(&b, r)
	b.WriteString("\nDeterministic findings:\n")
	writeFindings(&b, det.Findings)
	b.WriteString("\nStudent code:\n")
	writeSource(&b, sub)
	b.WriteString("\nDescribe code quality observations: correctness risks, structure, naming, and use of required functions. Do not assign a score.\n")
	return b.String()
}

// BuildFeedbackPrompt asks the feedback model for the student-facing
// narrative.
func BuildFeedbackPrompt(r *Rubric, sub *ParsedSubmission, det *DeterministicResult) string {
	var b strings.Builder
	b.WriteString("Write constructive feedback for a student on assignment ")
	b.WriteString(r.AssignmentID)
	b.WriteString(fmt.Sprintf(". Their rubric-based score is %.1f/100.\n\nFindings:\n", det.BaseScore))
	writeFindings(&b, det.Findings)
	b.WriteString("\nStudent code:\n")
	writeSource(&b, sub)
	b.WriteString("\nWrite 2-3 paragraphs: what went well, what to improve, and one concrete next step. Do not mention point totals beyond the score above.\n")
	return b.String()
}

func writeRubricExcerpt(b *strings.Builder, r *Rubric) {
	for _, s := range r.Sections {
		fmt.Fprintf(b, "- %s (%s, %.1f points)", s.Name, s.Kind, s.Points)
		if len(s.RequiredVariables) > 0 {
			fmt.Fprintf(b, " requires variables %s", strings.Join(s.RequiredVariables, ", "))
		}
		b.WriteString("\n")
	}
}

func writeFindings(b *strings.Builder, findings []Finding) {
	for _, f := range findings {
		fmt.Fprintf(b, "- [%s] %s: %.1f/%.1f (%s)\n", f.Kind, f.SectionID, f.PointsAwarded, f.MaxPoints, f.Note)
	}
}

func writeSource(b *strings.Builder, sub *ParsedSubmission) {
	written := 0
	for i, cell := range sub.CodeCells {
		if written >= maxPromptSourceBytes {
			b.WriteString("... (remaining cells truncated)\n")
			return
		}
		fmt.Fprintf(b, "# cell %d\n%s\n", i, cell.Source)
		written += len(cell.Source)
	}
}
