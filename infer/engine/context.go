// The KV context envelope: a versioned JSON blob handed from prefill to
// decode. Consumers outside this package treat it as opaque bytes; only a
// compatible engine build reads it. Unknown fields survive a round trip
// unread, so context producers may extend the envelope freely.

package engine

import (
	"encoding/json"
	"fmt"

	"github.com/duograde/duograde/infer"
)

const contextVersion = 1

// contextEnvelope is the stub engine's context shape. The Engine and Kind
// fields form the compatibility fingerprint that stands in for the
// engine-build handshake a real deployment would need.
type contextEnvelope struct {
	Version      int             `json:"v"`
	Engine       string          `json:"engine"`
	Kind         infer.ModelKind `json:"model_kind"`
	PromptDigest uint64          `json:"prompt_digest"`
	PromptTokens int             `json:"prompt_tokens"`
}

func encodeContext(env contextEnvelope) (json.RawMessage, error) {
	blob, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode kv context: %w", err)
	}
	return blob, nil
}

func decodeContext(blob json.RawMessage) (*contextEnvelope, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("empty kv context")
	}
	var env contextEnvelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("malformed kv context: %w", err)
	}
	if env.Version != contextVersion {
		return nil, fmt.Errorf("unsupported kv context version %d", env.Version)
	}
	if env.Kind == "" {
		return nil, fmt.Errorf("kv context missing model kind fingerprint")
	}
	return &env, nil
}
