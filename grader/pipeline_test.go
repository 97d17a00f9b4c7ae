package grader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duograde/duograde/infer"
)

// stubGen stands in for the orchestrator: canned text per kind, optional
// injected failures, call recording.
type stubGen struct {
	mu    sync.Mutex
	errs  map[infer.ModelKind]error
	calls []infer.GenerationRequest
}

func (g *stubGen) Generate(ctx context.Context, req infer.GenerationRequest) (*infer.GenerationResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	if err := g.errs[req.Kind]; err != nil {
		return nil, err
	}
	return &infer.GenerationResponse{
		Text: "model output for " + string(req.Kind),
		Metrics: infer.GenerationMetrics{
			Method:           infer.Disaggregated,
			CompletionTokens: 5,
			TotalMs:          12,
		},
	}, nil
}

func (g *stubGen) requestedKinds() map[infer.ModelKind]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	kinds := make(map[infer.ModelKind]int)
	for _, c := range g.calls {
		kinds[c.Kind]++
	}
	return kinds
}

// pipelineSubmission earns full deterministic credit under validRubric and
// carries the given cell outputs for comparison.
func pipelineSubmission(outputs ...string) *ParsedSubmission {
	sub := &ParsedSubmission{
		RequiredVariablesPresent: []string{"df"},
		MarkdownCells:            []string{reflectionAnswer(60), reflectionAnswer(60)},
	}
	source := "df = pd.read_csv('x.csv')\ndf.groupby('price')"
	if len(outputs) == 0 {
		sub.CodeCells = []CodeCell{{Source: source}}
		return sub
	}
	for i, out := range outputs {
		src := ""
		if i == 0 {
			src = source
		}
		sub.CodeCells = append(sub.CodeCells, CodeCell{
			Source:  src,
			Outputs: []CellOutput{{Text: out}},
		})
	}
	return sub
}

func pipelineRubric() *Rubric {
	r := validRubric()
	r.MinReflectionWords = 50
	r.ApplyDefaults()
	return r
}

func TestPipeline_HappyPathAllLayers(t *testing.T) {
	gen := &stubGen{}
	p := NewPipeline(gen, PipelineConfig{})
	sub := pipelineSubmission("mean: 12.5", "rows: 100")
	solution := pipelineSubmission("mean: 12.5", "rows: 100")

	res, err := p.Grade(context.Background(), pipelineRubric(), sub, solution)
	require.NoError(t, err)

	assert.InDelta(t, 100.0, res.FinalScore, 1e-9)
	assert.InDelta(t, 100.0, res.BaseScore, 1e-9)
	assert.Zero(t, res.Adjustment)
	assert.Empty(t, res.Notice)

	// All four layers report
	require.NotNil(t, res.Layers.Deterministic)
	require.NotNil(t, res.Layers.OutputCompare)
	require.NotNil(t, res.Layers.CodeAnalysis)
	require.NotNil(t, res.Layers.Feedback)
	assert.Equal(t, "model output for code_analysis", res.Layers.CodeAnalysis.Text)
	assert.Equal(t, "model output for feedback", res.Layers.Feedback.Text)
	require.NotNil(t, res.Layers.OutputCompare.MatchRate)
	assert.InDelta(t, 1.0, *res.Layers.OutputCompare.MatchRate, 1e-9)

	// Both model kinds were called exactly once
	kinds := gen.requestedKinds()
	assert.Equal(t, 1, kinds[infer.CodeAnalysis])
	assert.Equal(t, 1, kinds[infer.Feedback])

	require.NotNil(t, res.Metrics.CodeModel)
	require.NotNil(t, res.Metrics.FeedbackModel)
	assert.Greater(t, res.Metrics.TotalWallMs, 0.0)
}

func TestPipeline_ModelFailureDegradesNotAborts(t *testing.T) {
	// GIVEN the code-analysis model is unreachable
	gen := &stubGen{errs: map[infer.ModelKind]error{
		infer.CodeAnalysis: infer.ErrAllServersDown,
	}}
	p := NewPipeline(gen, PipelineConfig{})
	sub := pipelineSubmission("out")

	res, err := p.Grade(context.Background(), pipelineRubric(), sub, pipelineSubmission("out"))
	require.NoError(t, err)

	// THEN the deterministic score stands and the loss is disclosed
	assert.InDelta(t, 100.0, res.FinalScore, 1e-9)
	assert.Contains(t, res.Notice, "code analysis")
	require.NotNil(t, res.Layers.CodeAnalysis)
	assert.NotEmpty(t, res.Layers.CodeAnalysis.Error)
	require.NotNil(t, res.Layers.Feedback)
	assert.Empty(t, res.Layers.Feedback.Error)

	found := false
	for _, f := range res.Findings {
		if f.Kind == FindingError && f.SectionID == GlobalSectionID {
			found = true
		}
	}
	assert.True(t, found, "expected a global error finding for the failed layer")
}

func TestPipeline_BothModelsFailing(t *testing.T) {
	gen := &stubGen{errs: map[infer.ModelKind]error{
		infer.CodeAnalysis: infer.ErrAllServersDown,
		infer.Feedback:     infer.ErrBusy,
	}}
	p := NewPipeline(gen, PipelineConfig{})

	res, err := p.Grade(context.Background(), pipelineRubric(), pipelineSubmission("out"), nil)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, res.FinalScore, 1e-9)
	assert.Contains(t, res.Notice, "code analysis and feedback")
}

func TestPipeline_MatchRatePenaltyApplies(t *testing.T) {
	gen := &stubGen{}
	p := NewPipeline(gen, PipelineConfig{})
	// GIVEN one of two cells diverges from the reference
	sub := pipelineSubmission("alpha beta", "zzz")
	solution := pipelineSubmission("alpha beta", "totally different words here")

	res, err := p.Grade(context.Background(), pipelineRubric(), sub, solution)
	require.NoError(t, err)

	// THEN a 0.5 match rate costs 15 points off a full base
	assert.InDelta(t, -15.0, res.Adjustment, 1e-9)
	assert.InDelta(t, 85.0, res.FinalScore, 1e-9)

	mismatch := false
	for _, f := range res.Findings {
		if f.Kind == FindingOutputMismatch {
			mismatch = true
		}
	}
	assert.True(t, mismatch)
}

func TestPipeline_LowMatchRateCapsAtFifty(t *testing.T) {
	gen := &stubGen{}
	p := NewPipeline(gen, PipelineConfig{})
	sub := pipelineSubmission("1000", "9999")
	solution := pipelineSubmission("1", "2")

	res, err := p.Grade(context.Background(), pipelineRubric(), sub, solution)
	require.NoError(t, err)

	// A sub-0.40 match rate caps the score rather than subtracting
	assert.InDelta(t, 50.0, res.FinalScore, 1e-9)
	assert.Zero(t, res.Adjustment)
}

func TestPipeline_AdjustmentGatedOnLowBase(t *testing.T) {
	// GIVEN a submission already failing on deterministic grounds
	r := &Rubric{
		AssignmentID: "hw", TotalPoints: 100,
		Sections: []RubricSection{{
			ID: "s1", Name: "S1", WeightFraction: 1, Kind: SectionCode, Points: 100,
			RequiredVariables: []string{"a", "b", "c", "d", "e"},
		}},
	}
	r.ApplyDefaults()
	require.NoError(t, r.Validate())
	sub := &ParsedSubmission{
		RequiredVariablesPresent: []string{"a"},
		CodeCells:                []CodeCell{{Outputs: []CellOutput{{Text: "wrong"}}}, {Outputs: []CellOutput{{Text: "alpha"}}}},
	}
	solution := pipelineSubmission("right answer here", "alpha")

	gen := &stubGen{}
	p := NewPipeline(gen, PipelineConfig{})
	res, err := p.Grade(context.Background(), r, sub, solution)
	require.NoError(t, err)

	// THEN no output-derived penalty stacks onto the failing base
	assert.InDelta(t, 20.0, res.BaseScore, 1e-9)
	assert.Zero(t, res.Adjustment)
	assert.InDelta(t, 20.0, res.FinalScore, 1e-9)
}

func TestPipeline_AdjustmentNeverExceedsHalfTheBase(t *testing.T) {
	// GIVEN a base score of exactly 30, the lowest that admits adjustment
	r := &Rubric{
		AssignmentID: "hw", TotalPoints: 100,
		Sections: []RubricSection{{
			ID: "s1", Name: "S1", WeightFraction: 1, Kind: SectionCode, Points: 100,
			RequiredVariables: []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"},
		}},
	}
	r.ApplyDefaults()
	require.NoError(t, r.Validate())
	sub := &ParsedSubmission{
		RequiredVariablesPresent: []string{"a", "b", "c"},
		CodeCells: []CodeCell{
			{Outputs: []CellOutput{{Text: "alpha"}}},
			{Outputs: []CellOutput{{Text: "wrong"}}},
		},
	}
	solution := pipelineSubmission("alpha", "right answer here")

	p := NewPipeline(&stubGen{}, PipelineConfig{})
	res, err := p.Grade(context.Background(), r, sub, solution)
	require.NoError(t, err)

	// THEN the 0.5-rate penalty of 15 sits exactly at the half-base bound
	assert.InDelta(t, 30.0, res.BaseScore, 1e-9)
	assert.InDelta(t, -15.0, res.Adjustment, 1e-9)
	assert.LessOrEqual(t, -res.Adjustment, 0.5*res.BaseScore)
	assert.InDelta(t, 15.0, res.FinalScore, 1e-9)
}

func TestPipeline_NilSolutionSkipsComparison(t *testing.T) {
	gen := &stubGen{}
	p := NewPipeline(gen, PipelineConfig{})

	res, err := p.Grade(context.Background(), pipelineRubric(), pipelineSubmission("out"), nil)
	require.NoError(t, err)
	assert.Nil(t, res.Layers.OutputCompare)
	assert.Zero(t, res.Adjustment)
	assert.InDelta(t, 100.0, res.FinalScore, 1e-9)
}

func TestPipeline_ScoreStaysInRange(t *testing.T) {
	// Property: whatever combination of failures, the final score is 0-100.
	scenarios := []struct {
		name     string
		errs     map[infer.ModelKind]error
		sub      *ParsedSubmission
		solution *ParsedSubmission
	}{
		{"all good", nil, pipelineSubmission("a"), pipelineSubmission("a")},
		{"no outputs match", nil, pipelineSubmission("1000", "2000"), pipelineSubmission("1", "2")},
		{"models down", map[infer.ModelKind]error{
			infer.CodeAnalysis: infer.ErrAllServersDown,
			infer.Feedback:     infer.ErrAllServersDown,
		}, pipelineSubmission("a"), nil},
		{"empty submission", nil, &ParsedSubmission{}, pipelineSubmission("a")},
	}
	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			p := NewPipeline(&stubGen{errs: sc.errs}, PipelineConfig{})
			res, err := p.Grade(context.Background(), pipelineRubric(), sc.sub, sc.solution)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, res.FinalScore, 0.0)
			assert.LessOrEqual(t, res.FinalScore, 100.0)
		})
	}
}

func TestPipeline_CallerCancellationAborts(t *testing.T) {
	gen := &stubGen{}
	p := NewPipeline(gen, PipelineConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Grade(ctx, pipelineRubric(), pipelineSubmission("out"), pipelineSubmission("out"))
	assert.ErrorIs(t, err, infer.ErrCancelled)
}

func TestPipeline_DeterministicFailureAborts(t *testing.T) {
	p := NewPipeline(&stubGen{}, PipelineConfig{})
	_, err := p.Grade(context.Background(), nil, pipelineSubmission("out"), nil)
	assert.ErrorIs(t, err, ErrDeterministicUnavailable)
}

func TestPipeline_BudgetBoundsModelCalls(t *testing.T) {
	// GIVEN a generator slower than the pipeline budget
	slow := generatorFunc(func(ctx context.Context, req infer.GenerationRequest) (*infer.GenerationResponse, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return &infer.GenerationResponse{Text: "late"}, nil
		}
	})
	p := NewPipeline(slow, PipelineConfig{Budget: 30 * time.Millisecond})

	start := time.Now()
	res, err := p.Grade(context.Background(), pipelineRubric(), pipelineSubmission("out"), nil)
	require.NoError(t, err)

	// THEN the pipeline returns the degraded result near the budget
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.NotEmpty(t, res.Notice)
	require.NotNil(t, res.Layers.CodeAnalysis)
	assert.NotEmpty(t, res.Layers.CodeAnalysis.Error)
}

type generatorFunc func(ctx context.Context, req infer.GenerationRequest) (*infer.GenerationResponse, error)

func (f generatorFunc) Generate(ctx context.Context, req infer.GenerationRequest) (*infer.GenerationResponse, error) {
	return f(ctx, req)
}
