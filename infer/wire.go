// JSON wire shapes shared by the orchestrator client and the bundled
// prefill/decode servers. The context field is carried as a RawMessage so
// the orchestrator never depends on its internal shape.

package infer

import "encoding/json"

// HealthResponse is the body of GET /health on both server roles.
type HealthResponse struct {
	State       HealthState `json:"state"`
	ModelLoaded bool        `json:"model_loaded"`
	DisplayName string      `json:"display_name"`
}

// PrefillRequest is the body of POST /prefill.
type PrefillRequest struct {
	Prompt string `json:"prompt"`
}

// PrefillResponse carries the opaque KV context plus prefill metrics.
type PrefillResponse struct {
	Context        json.RawMessage `json:"context"`
	PromptTokens   int             `json:"prompt_tokens"`
	PrefillMs      float64         `json:"prefill_ms"`
	PrefillTokPerS float64         `json:"prefill_tok_per_s"`
}

// DecodeRequest is the body of POST /decode. Context must come from the
// paired prefill server of the same model kind.
type DecodeRequest struct {
	Context     json.RawMessage `json:"context"`
	Prompt      string          `json:"prompt"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
}

// DecodeResponse carries generated text plus decode metrics.
type DecodeResponse struct {
	Text             string  `json:"text"`
	CompletionTokens int     `json:"completion_tokens"`
	DecodeMs         float64 `json:"decode_ms"`
	DecodeTokPerS    float64 `json:"decode_tok_per_s"`
}

// GenerateRequest is the body of POST /generate, the decode-only fallback
// path used when the prefill half of a pair is unreachable.
type GenerateRequest struct {
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// GenerateResponse mirrors DecodeResponse for the fallback endpoint.
type GenerateResponse struct {
	Text             string  `json:"text"`
	CompletionTokens int     `json:"completion_tokens"`
	DecodeMs         float64 `json:"decode_ms"`
	DecodeTokPerS    float64 `json:"decode_tok_per_s"`
}

// ErrorResponse is the uniform error body emitted by both servers.
type ErrorResponse struct {
	Error string `json:"error"`
}
