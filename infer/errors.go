// Error taxonomy for the inference layer. Sentinels cover conditions the
// caller branches on; structured types carry the remote status and body for
// operator-facing logs.

package infer

import (
	"errors"
	"fmt"
)

var (
	// ErrAllServersDown means no viable path exists for the requested kind:
	// prefill is unusable and the decode fallback is offline too.
	ErrAllServersDown = errors.New("all servers down for model kind")

	// ErrBusy is back-pressure: a bounded queue rejected the request.
	ErrBusy = errors.New("server busy")

	// ErrBadParam marks a semantically invalid request. Never retried.
	ErrBadParam = errors.New("bad parameter")

	// ErrContextKindMismatch means a KV context produced by one model kind's
	// prefill server was sent to a different kind's decode server. This is a
	// configuration error, never retried.
	ErrContextKindMismatch = errors.New("context model kind mismatch")

	// ErrEngineUnavailable means the server's model is not loaded.
	ErrEngineUnavailable = errors.New("engine unavailable")

	// ErrPromptTooLong means the prompt exceeds the engine's window.
	ErrPromptTooLong = errors.New("prompt too long")

	// ErrCancelled is returned when the caller's context is cancelled
	// before a result was produced.
	ErrCancelled = errors.New("request cancelled")
)

// PrefillError reports a non-2xx response from a prefill server.
type PrefillError struct {
	Server string
	Status int
	Body   string
}

func (e *PrefillError) Error() string {
	return fmt.Sprintf("prefill failed on %s: HTTP %d: %s", e.Server, e.Status, e.Body)
}

// DecodeError reports a non-2xx response from a decode server, on either
// the /decode or the fallback /generate endpoint.
type DecodeError struct {
	Server string
	Status int
	Body   string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode failed on %s: HTTP %d: %s", e.Server, e.Status, e.Body)
}

// TimeoutError reports which phase exhausted its call budget.
type TimeoutError struct {
	Phase string // "prefill", "decode", "generate"
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out: %v", e.Phase, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }
