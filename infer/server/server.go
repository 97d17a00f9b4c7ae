// Shared plumbing for the bundled prefill and decode HTTP services:
// uniform JSON/error writing, engine error to status mapping, and the
// bounded admission gate that serialises requests behind a single-threaded
// engine.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/duograde/duograde/infer"
)

// DefaultQueueDepth bounds how many requests may wait behind the engine
// before the service rejects with 429.
const DefaultQueueDepth = 32

// gate serialises engine access: one request runs, up to queueDepth wait,
// the rest are rejected. Back-pressure is explicit rather than unbounded
// blocking.
type gate struct {
	sem        chan struct{}
	waiters    int32
	queueDepth int32
}

func newGate(queueDepth int) *gate {
	return &gate{
		sem:        make(chan struct{}, 1),
		queueDepth: int32(queueDepth),
	}
}

func (g *gate) acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	default:
	}
	if atomic.AddInt32(&g.waiters, 1) > g.queueDepth {
		atomic.AddInt32(&g.waiters, -1)
		return infer.ErrBusy
	}
	defer atomic.AddInt32(&g.waiters, -1)
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) release() { <-g.sem }

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.Debugf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, infer.ErrorResponse{Error: msg})
}

// engineStatus maps engine errors onto wire statuses: 400 bad param, 409
// kind mismatch, 413 prompt too long, 429 busy, 503 unloaded, 500
// otherwise.
func engineStatus(err error) int {
	switch {
	case errors.Is(err, infer.ErrBadParam):
		return http.StatusBadRequest
	case errors.Is(err, infer.ErrContextKindMismatch):
		return http.StatusConflict
	case errors.Is(err, infer.ErrPromptTooLong):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, infer.ErrBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, infer.ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// healthHandler serves the shared GET /health shape for both roles.
func healthHandler(displayName string, loaded func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := infer.StateHealthy
		ok := loaded()
		if !ok {
			// Reachable but not serving a model: degraded, not offline.
			state = infer.StateDegraded
		}
		writeJSON(w, http.StatusOK, infer.HealthResponse{
			State:       state,
			ModelLoaded: ok,
			DisplayName: displayName,
		})
	}
}

// tokPerS derives throughput, guarding the near-zero elapsed times a stub
// engine produces.
func tokPerS(tokens int, ms float64) float64 {
	if ms <= 0 || tokens <= 0 {
		return 0
	}
	return float64(tokens) / (ms / 1000.0)
}
