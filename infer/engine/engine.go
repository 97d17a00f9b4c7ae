// The engine abstraction behind the prefill and decode servers. An Engine
// is an opaque text-in/text-out model with KV-cache support: Prefill
// consumes a prompt and emits a resumable context, Decode consumes that
// context and generates tokens, Generate does both in one step for the
// decode-only fallback path.

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"

	"github.com/duograde/duograde/infer"
)

// PrefillResult carries the opaque context plus the token accounting the
// server needs for throughput metrics.
type PrefillResult struct {
	Context      json.RawMessage
	PromptTokens int
}

// DecodeResult is the generated text plus token accounting.
type DecodeResult struct {
	Text             string
	CompletionTokens int
}

// Engine is the contract the bundled servers run against. Implementations
// must be safe for serialised access; the servers enforce single-flight.
type Engine interface {
	// Name identifies the engine build; embedded in context fingerprints.
	Name() string
	// Kind is the model kind this engine serves.
	Kind() infer.ModelKind
	// Loaded reports whether the model is ready to serve.
	Loaded() bool
	// Prefill processes a prompt into a resumable context without
	// generating any output tokens. Idempotent with respect to engine
	// state: equal prompts yield equal token counts.
	Prefill(ctx context.Context, prompt string) (*PrefillResult, error)
	// Decode resumes generation from a prefill context, producing up to
	// maxTokens tokens.
	Decode(ctx context.Context, kv json.RawMessage, prompt string, maxTokens int, temperature float64) (*DecodeResult, error)
	// Generate runs prompt processing and generation in one step.
	Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (*DecodeResult, error)
}

// StubEngine is a deterministic stand-in for a real model: it tokenises on
// whitespace, seeds generation from a prompt digest, and at temperature 0
// produces identical text for identical inputs. It exists so the servers,
// the CLI, and every test run without GPU-backed engines.
type StubEngine struct {
	name            string
	kind            infer.ModelKind
	maxPromptTokens int
	seed            int64
	loaded          bool
}

// StubOption tweaks engine construction.
type StubOption func(*StubEngine)

// WithMaxPromptTokens overrides the engine prompt window (default 8192).
func WithMaxPromptTokens(n int) StubOption {
	return func(e *StubEngine) { e.maxPromptTokens = n }
}

// WithUnloaded builds the engine with no model loaded, for exercising the
// 503 path.
func WithUnloaded() StubOption {
	return func(e *StubEngine) { e.loaded = false }
}

// NewStubEngine builds a stub engine serving one model kind.
func NewStubEngine(name string, kind infer.ModelKind, seed int64, opts ...StubOption) *StubEngine {
	e := &StubEngine{
		name:            name,
		kind:            kind,
		maxPromptTokens: 8192,
		seed:            seed,
		loaded:          true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *StubEngine) Name() string          { return e.name }
func (e *StubEngine) Kind() infer.ModelKind { return e.kind }
func (e *StubEngine) Loaded() bool          { return e.loaded }

// Prefill implements Engine.
func (e *StubEngine) Prefill(_ context.Context, prompt string) (*PrefillResult, error) {
	if !e.loaded {
		return nil, infer.ErrEngineUnavailable
	}
	tokens := strings.Fields(prompt)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty prompt", infer.ErrBadParam)
	}
	if len(tokens) > e.maxPromptTokens {
		return nil, fmt.Errorf("%w: %d tokens exceeds window of %d", infer.ErrPromptTooLong, len(tokens), e.maxPromptTokens)
	}
	blob, err := encodeContext(contextEnvelope{
		Version:      contextVersion,
		Engine:       e.name,
		Kind:         e.kind,
		PromptDigest: promptDigest(prompt),
		PromptTokens: len(tokens),
	})
	if err != nil {
		return nil, err
	}
	return &PrefillResult{Context: blob, PromptTokens: len(tokens)}, nil
}

// Decode implements Engine. The context must carry this engine's kind; a
// mismatched fingerprint means the orchestrator paired incompatible
// servers.
func (e *StubEngine) Decode(ctx context.Context, kv json.RawMessage, prompt string, maxTokens int, temperature float64) (*DecodeResult, error) {
	if !e.loaded {
		return nil, infer.ErrEngineUnavailable
	}
	env, err := decodeContext(kv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", infer.ErrBadParam, err)
	}
	if env.Kind != e.kind {
		return nil, fmt.Errorf("%w: context is for %q, engine serves %q", infer.ErrContextKindMismatch, env.Kind, e.kind)
	}
	return e.emit(ctx, env.PromptDigest, maxTokens, temperature)
}

// Generate implements Engine: full prompt processing plus generation.
func (e *StubEngine) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (*DecodeResult, error) {
	if !e.loaded {
		return nil, infer.ErrEngineUnavailable
	}
	tokens := strings.Fields(prompt)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty prompt", infer.ErrBadParam)
	}
	if len(tokens) > e.maxPromptTokens {
		return nil, fmt.Errorf("%w: %d tokens exceeds window of %d", infer.ErrPromptTooLong, len(tokens), e.maxPromptTokens)
	}
	return e.emit(ctx, promptDigest(prompt), maxTokens, temperature)
}

// vocabulary for stub generation; content is irrelevant, determinism is not.
var stubVocabulary = []string{
	"the", "solution", "correctly", "computes", "each", "required", "value",
	"and", "handles", "missing", "columns", "with", "clear", "structure",
	"while", "variable", "naming", "remains", "consistent", "throughout",
}

// emit generates up to maxTokens words. Temperature 0 is fully determined
// by the prompt digest; higher temperatures perturb the seed.
func (e *StubEngine) emit(ctx context.Context, digest uint64, maxTokens int, temperature float64) (*DecodeResult, error) {
	if maxTokens < 1 {
		return nil, fmt.Errorf("%w: max_tokens must be >= 1", infer.ErrBadParam)
	}
	if temperature < 0 || temperature > 2 {
		return nil, fmt.Errorf("%w: temperature %g outside [0,2]", infer.ErrBadParam, temperature)
	}
	seed := e.seed ^ int64(digest)
	if temperature > 0 {
		seed ^= int64(temperature * 1e6)
	}
	rng := rand.New(rand.NewSource(seed))

	words := make([]string, 0, maxTokens)
	for i := 0; i < maxTokens; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		words = append(words, stubVocabulary[rng.Intn(len(stubVocabulary))])
	}
	return &DecodeResult{
		Text:             strings.Join(words, " "),
		CompletionTokens: len(words),
	}, nil
}

func promptDigest(prompt string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(prompt))
	return h.Sum64()
}
