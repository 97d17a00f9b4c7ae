// The prefill service: wraps one engine, exposes /health and /prefill.
// Prefill produces the opaque KV context and never generates output
// tokens.

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duograde/duograde/infer"
	"github.com/duograde/duograde/infer/engine"
)

// PrefillServer wraps a single loaded engine behind the prefill contract.
type PrefillServer struct {
	eng         engine.Engine
	displayName string
	gate        *gate
}

// NewPrefillServer builds the service. queueDepth <= 0 uses
// DefaultQueueDepth.
func NewPrefillServer(eng engine.Engine, displayName string, queueDepth int) *PrefillServer {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &PrefillServer{
		eng:         eng,
		displayName: displayName,
		gate:        newGate(queueDepth),
	}
}

// Handler returns the HTTP surface of this service.
func (s *PrefillServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler(s.displayName, s.eng.Loaded))
	mux.HandleFunc("POST /prefill", s.handlePrefill)
	return mux
}

func (s *PrefillServer) handlePrefill(w http.ResponseWriter, r *http.Request) {
	var req infer.PrefillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "empty prompt")
		return
	}
	if err := s.gate.acquire(r.Context()); err != nil {
		writeError(w, engineStatus(err), err.Error())
		return
	}
	defer s.gate.release()

	start := time.Now()
	res, err := s.eng.Prefill(r.Context(), req.Prompt)
	if err != nil {
		logrus.Debugf("prefill rejected: %v", err)
		writeError(w, engineStatus(err), err.Error())
		return
	}
	elapsedMs := float64(time.Since(start)) / float64(time.Millisecond)

	writeJSON(w, http.StatusOK, infer.PrefillResponse{
		Context:        res.Context,
		PromptTokens:   res.PromptTokens,
		PrefillMs:      elapsedMs,
		PrefillTokPerS: tokPerS(res.PromptTokens, elapsedMs),
	})
}
