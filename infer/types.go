// Defines the core vocabulary of the disaggregated inference layer:
// model kinds, server roles, health states, and the request/response
// shapes exchanged between the pipeline and the orchestrator.

package infer

import (
	"fmt"
	"time"
)

// ModelKind selects which prefill/decode server pair a request routes to.
// Each grading request issues one CodeAnalysis and one Feedback generation.
type ModelKind string

const (
	CodeAnalysis ModelKind = "code_analysis"
	Feedback     ModelKind = "feedback"
)

// ModelKinds lists every routable kind, in a fixed order for deterministic
// iteration over routing tables.
var ModelKinds = []ModelKind{CodeAnalysis, Feedback}

// Valid reports whether k names a configured model kind.
func (k ModelKind) Valid() bool {
	return k == CodeAnalysis || k == Feedback
}

// ServerRole distinguishes the two halves of a disaggregated pair.
type ServerRole string

const (
	RolePrefill ServerRole = "prefill"
	RoleDecode  ServerRole = "decode"
)

// HealthState is the probed availability of one server.
type HealthState string

const (
	StateHealthy  HealthState = "healthy"
	StateDegraded HealthState = "degraded" // reserved partial-health signal; routed as healthy
	StateOffline  HealthState = "offline"
)

// ServerDescriptor identifies one configured prefill or decode server.
// Descriptors are loaded once at startup and never mutated.
type ServerDescriptor struct {
	Host string     `json:"host" yaml:"host"`
	Port int        `json:"port" yaml:"port"`
	Kind ModelKind  `json:"model_kind" yaml:"model_kind"`
	Role ServerRole `json:"-" yaml:"-"` // implied by which config list the descriptor came from
	Name string     `json:"name" yaml:"name"`
}

// BaseURL returns the http endpoint prefix for this server.
func (d ServerDescriptor) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", d.Host, d.Port)
}

// Addr returns host:port, used as the stable key for health and metrics.
func (d ServerDescriptor) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// HealthStatus is the cached result of background probing for one server.
type HealthStatus struct {
	State       HealthState `json:"state"`
	LastChecked time.Time   `json:"last_checked"`
	ModelLoaded bool        `json:"model_loaded"`
}

// GenerationMethod records which path a generate call actually took.
type GenerationMethod string

const (
	Disaggregated  GenerationMethod = "disaggregated"
	DirectFallback GenerationMethod = "direct_fallback"
)

// GenerationRequest is one prompt bound for the server pair of its Kind.
type GenerationRequest struct {
	Prompt      string    `json:"prompt"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Kind        ModelKind `json:"model_kind"`
}

// Validate rejects requests the servers would refuse anyway, before any
// network round trip.
func (r GenerationRequest) Validate() error {
	if r.Prompt == "" {
		return fmt.Errorf("%w: empty prompt", ErrBadParam)
	}
	if r.MaxTokens < 1 {
		return fmt.Errorf("%w: max_tokens must be >= 1, got %d", ErrBadParam, r.MaxTokens)
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be in [0,2], got %g", ErrBadParam, r.Temperature)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown model kind %q", ErrBadParam, r.Kind)
	}
	return nil
}

// GenerationMetrics reports per-call timing and throughput, merged from the
// prefill and decode responses plus orchestrator wall-clock measurements.
type GenerationMetrics struct {
	PrefillMs        float64          `json:"prefill_ms"`
	DecodeMs         float64          `json:"decode_ms"`
	TotalMs          float64          `json:"total_ms"`
	PromptTokens     int              `json:"prompt_tokens"`
	CompletionTokens int              `json:"completion_tokens"`
	PrefillTokPerS   float64          `json:"prefill_tok_per_s"`
	DecodeTokPerS    float64          `json:"decode_tok_per_s"`
	PrefillServer    string           `json:"prefill_server"`
	DecodeServer     string           `json:"decode_server"`
	Method           GenerationMethod `json:"method"`
}

// GenerationResponse is the whole-text result of one generate call.
// Responses are returned whole; there is no streaming token protocol.
type GenerationResponse struct {
	Text    string            `json:"text"`
	Metrics GenerationMetrics `json:"metrics"`
}
