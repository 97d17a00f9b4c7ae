// The decode service: consumes KV contexts from its paired prefill server
// via /decode, and offers /generate as the decode-only fallback the
// orchestrator uses when the prefill half of the pair is down.

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duograde/duograde/infer"
	"github.com/duograde/duograde/infer/engine"
)

// DecodeServer wraps a single loaded engine behind the decode contract.
type DecodeServer struct {
	eng         engine.Engine
	displayName string
	gate        *gate
}

// NewDecodeServer builds the service. queueDepth <= 0 uses
// DefaultQueueDepth.
func NewDecodeServer(eng engine.Engine, displayName string, queueDepth int) *DecodeServer {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &DecodeServer{
		eng:         eng,
		displayName: displayName,
		gate:        newGate(queueDepth),
	}
}

// Handler returns the HTTP surface of this service.
func (s *DecodeServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler(s.displayName, s.eng.Loaded))
	mux.HandleFunc("POST /decode", s.handleDecode)
	mux.HandleFunc("POST /generate", s.handleGenerate)
	return mux
}

func validGenerationParams(w http.ResponseWriter, maxTokens int, temperature float64) bool {
	if maxTokens < 1 {
		writeError(w, http.StatusBadRequest, "max_tokens must be >= 1")
		return false
	}
	if temperature < 0 || temperature > 2 {
		writeError(w, http.StatusBadRequest, "temperature must be in [0,2]")
		return false
	}
	return true
}

func (s *DecodeServer) handleDecode(w http.ResponseWriter, r *http.Request) {
	var req infer.DecodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if len(req.Context) == 0 {
		writeError(w, http.StatusBadRequest, "missing kv context")
		return
	}
	if !validGenerationParams(w, req.MaxTokens, req.Temperature) {
		return
	}
	if err := s.gate.acquire(r.Context()); err != nil {
		writeError(w, engineStatus(err), err.Error())
		return
	}
	defer s.gate.release()

	start := time.Now()
	res, err := s.eng.Decode(r.Context(), req.Context, req.Prompt, req.MaxTokens, req.Temperature)
	if err != nil {
		logrus.Debugf("decode rejected: %v", err)
		writeError(w, engineStatus(err), err.Error())
		return
	}
	elapsedMs := float64(time.Since(start)) / float64(time.Millisecond)

	writeJSON(w, http.StatusOK, infer.DecodeResponse{
		Text:             res.Text,
		CompletionTokens: res.CompletionTokens,
		DecodeMs:         elapsedMs,
		DecodeTokPerS:    tokPerS(res.CompletionTokens, elapsedMs),
	})
}

func (s *DecodeServer) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req infer.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "empty prompt")
		return
	}
	if !validGenerationParams(w, req.MaxTokens, req.Temperature) {
		return
	}
	if err := s.gate.acquire(r.Context()); err != nil {
		writeError(w, engineStatus(err), err.Error())
		return
	}
	defer s.gate.release()

	start := time.Now()
	res, err := s.eng.Generate(r.Context(), req.Prompt, req.MaxTokens, req.Temperature)
	if err != nil {
		logrus.Debugf("generate rejected: %v", err)
		writeError(w, engineStatus(err), err.Error())
		return
	}
	elapsedMs := float64(time.Since(start)) / float64(time.Millisecond)

	writeJSON(w, http.StatusOK, infer.GenerateResponse{
		Text:             res.Text,
		CompletionTokens: res.CompletionTokens,
		DecodeMs:         elapsedMs,
		DecodeTokPerS:    tokPerS(res.CompletionTokens, elapsedMs),
	})
}
