// The grading pipeline: deterministic validation first, then the output
// comparison and the two model calls in parallel, then a single blend step
// that owns every score cap. A failure in any parallel layer degrades the
// result instead of aborting it; only a deterministic-layer failure or
// caller cancellation aborts the request.

package grader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/duograde/duograde/infer"
)

// Generator is the slice of the orchestrator the pipeline needs; tests
// substitute stubs.
type Generator interface {
	Generate(ctx context.Context, req infer.GenerationRequest) (*infer.GenerationResponse, error)
}

// adjustmentGateScore is the base score below which no output-derived
// adjustment applies, preventing double-penalty on already-failing work.
const adjustmentGateScore = 30.0

// PipelineConfig tunes one pipeline instance.
type PipelineConfig struct {
	Budget       time.Duration // end-to-end budget per grading request
	CompareSlots int64         // concurrent output comparisons allowed
	MaxTokens    int           // generation length for both model calls
	Temperature  float64       // sampling temperature for both model calls
}

// Pipeline drives the four grading layers for many concurrent requests.
type Pipeline struct {
	gen        Generator
	cfg        PipelineConfig
	compareSem *semaphore.Weighted
}

// NewPipeline builds a pipeline over a generator. Zero config fields get
// the documented defaults (300s budget, 4 comparison slots, 512 tokens).
func NewPipeline(gen Generator, cfg PipelineConfig) *Pipeline {
	if cfg.Budget == 0 {
		cfg.Budget = time.Duration(infer.DefaultPipelineBudgetMs) * time.Millisecond
	}
	if cfg.CompareSlots == 0 {
		cfg.CompareSlots = 4
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 512
	}
	return &Pipeline{
		gen:        gen,
		cfg:        cfg,
		compareSem: semaphore.NewWeighted(cfg.CompareSlots),
	}
}

type modelOutcome struct {
	resp *infer.GenerationResponse
	err  error
}

// Grade produces the merged GradingResult for one submission. solution may
// be nil when no reference notebook exists; the output layer then reports
// an unavailable match rate.
func (p *Pipeline) Grade(ctx context.Context, rubric *Rubric, sub, solution *ParsedSubmission) (*GradingResult, error) {
	start := time.Now()
	gctx, cancel := context.WithTimeout(ctx, p.cfg.Budget)
	defer cancel()

	validator := NewValidator(rubric)
	det, err := validator.Validate(sub)
	if err != nil {
		return nil, err
	}

	codePrompt := BuildCodeAnalysisPrompt(rubric, sub, det)
	feedbackPrompt := BuildFeedbackPrompt(rubric, sub, det)

	var (
		wg       sync.WaitGroup
		cmpRes   *ComparisonResult
		cmpErr   error
		code     modelOutcome
		feedback modelOutcome
	)

	if solution != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.compareSem.Acquire(gctx, 1); err != nil {
				cmpErr = err
				return
			}
			defer p.compareSem.Release(1)
			cmpRes, cmpErr = NewComparator(rubric.Comparison).Compare(gctx, sub, solution)
		}()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		code.resp, code.err = p.gen.Generate(gctx, infer.GenerationRequest{
			Prompt:      codePrompt,
			MaxTokens:   p.cfg.MaxTokens,
			Temperature: p.cfg.Temperature,
			Kind:        infer.CodeAnalysis,
		})
	}()
	go func() {
		defer wg.Done()
		feedback.resp, feedback.err = p.gen.Generate(gctx, infer.GenerationRequest{
			Prompt:      feedbackPrompt,
			MaxTokens:   p.cfg.MaxTokens,
			Temperature: p.cfg.Temperature,
			Kind:        infer.Feedback,
		})
	}()
	wg.Wait()

	// Caller cancellation discards everything, including the computed
	// deterministic layer.
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return nil, fmt.Errorf("%w: grading interrupted", infer.ErrCancelled)
	}

	return p.blend(det, cmpRes, cmpErr, code, feedback, time.Since(start)), nil
}

// blend is the only place a score is capped or adjusted.
func (p *Pipeline) blend(det *DeterministicResult, cmpRes *ComparisonResult, cmpErr error,
	code, feedback modelOutcome, wall time.Duration) *GradingResult {

	res := &GradingResult{
		BaseScore: det.BaseScore,
		Layers:    LayerResults{Deterministic: det},
		Findings:  append([]Finding(nil), det.Findings...),
	}
	res.Metrics.TotalWallMs = float64(wall) / float64(time.Millisecond)

	score := det.BaseScore

	switch {
	case cmpErr != nil:
		logrus.Warnf("output comparison failed: %v", cmpErr)
		res.Findings = append(res.Findings, Finding{
			SectionID: GlobalSectionID,
			Kind:      FindingError,
			Note:      fmt.Sprintf("output comparison unavailable: %v", cmpErr),
		})
	case cmpRes != nil:
		res.Layers.OutputCompare = cmpRes
		if cmpRes.MatchRate != nil {
			rate := *cmpRes.MatchRate
			penalty, capAt50 := AdjustmentFor(rate)
			if det.BaseScore >= adjustmentGateScore {
				adj := penalty
				if bound := -0.5 * det.BaseScore; adj < bound {
					adj = bound
				}
				res.Adjustment = adj
				score += adj
			}
			if capAt50 && score > 50 {
				score = 50
			}
			if rate < 1 {
				res.Findings = append(res.Findings, Finding{
					SectionID: GlobalSectionID,
					Kind:      FindingOutputMismatch,
					Note:      fmt.Sprintf("%.0f%% of cell outputs matched the reference solution", rate*100),
				})
			}
		}
	}

	res.Layers.CodeAnalysis = layerResult(code)
	res.Layers.Feedback = layerResult(feedback)
	if code.resp != nil {
		m := code.resp.Metrics
		res.Metrics.CodeModel = &m
	}
	if feedback.resp != nil {
		m := feedback.resp.Metrics
		res.Metrics.FeedbackModel = &m
	}

	var failed []string
	if code.err != nil {
		failed = append(failed, "code analysis")
		res.Findings = append(res.Findings, Finding{
			SectionID: GlobalSectionID,
			Kind:      FindingError,
			Note:      fmt.Sprintf("code analysis model unavailable: %v", code.err),
		})
	}
	if feedback.err != nil {
		failed = append(failed, "feedback")
		res.Findings = append(res.Findings, Finding{
			SectionID: GlobalSectionID,
			Kind:      FindingError,
			Note:      fmt.Sprintf("feedback model unavailable: %v", feedback.err),
		})
	}
	if len(failed) > 0 {
		res.Notice = fmt.Sprintf("reduced confidence: %s unavailable; deterministic score stands",
			joinAnd(failed))
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	res.FinalScore = score
	return res
}

func layerResult(o modelOutcome) *ModelLayerResult {
	if o.err != nil {
		return &ModelLayerResult{Error: o.err.Error()}
	}
	m := o.resp.Metrics
	return &ModelLayerResult{Text: o.resp.Text, Metrics: &m}
}

func joinAnd(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	default:
		return items[0] + " and " + items[1]
	}
}
