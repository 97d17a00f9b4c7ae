// The orchestrator routes each generation request to the prefill/decode
// server pair configured for its model kind, runs the two-phase call, and
// falls back to decode-only generation when the prefill half is down.
// Safe for concurrent use; the two model kinds route to disjoint pairs so
// concurrent flights share no critical section beyond the health cache.

package infer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type routePair struct {
	prefill ServerDescriptor
	decode  ServerDescriptor
}

// admission bounds per-server concurrency: up to inFlight requests run, up
// to queueDepth more wait, anything beyond is rejected with ErrBusy.
type admission struct {
	sem        chan struct{}
	waiters    int32
	queueDepth int32
}

func newAdmission(inFlight, queueDepth int) *admission {
	return &admission{
		sem:        make(chan struct{}, inFlight),
		queueDepth: int32(queueDepth),
	}
}

func (a *admission) acquire(ctx context.Context) error {
	select {
	case a.sem <- struct{}{}:
		return nil
	default:
	}
	if atomic.AddInt32(&a.waiters, 1) > a.queueDepth {
		atomic.AddInt32(&a.waiters, -1)
		return ErrBusy
	}
	defer atomic.AddInt32(&a.waiters, -1)
	select {
	case a.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *admission) release() { <-a.sem }

// Orchestrator holds the routing table, health cache, metrics, and the
// shared connection-pooled HTTP client.
type Orchestrator struct {
	cfg     *Config
	routes  map[ModelKind]routePair
	prober  *Prober
	client  *http.Client
	metrics *Collector
	slots   map[string]*admission
}

// NewOrchestrator wires an orchestrator from a validated config. The
// collector may be shared with other components; nil allocates a private
// one.
func NewOrchestrator(cfg *Config, metrics *Collector) (*Orchestrator, error) {
	routes := make(map[ModelKind]routePair, len(ModelKinds))
	for _, kind := range ModelKinds {
		pair := routePair{}
		for _, d := range cfg.PrefillServers {
			if d.Kind == kind {
				pair.prefill = d
			}
		}
		for _, d := range cfg.DecodeServers {
			if d.Kind == kind {
				pair.decode = d
			}
		}
		if pair.prefill.Host == "" || pair.decode.Host == "" {
			return nil, fmt.Errorf("no complete server pair for model kind %q", kind)
		}
		routes[kind] = pair
	}

	if metrics == nil {
		metrics = NewCollector()
	}
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        4 * cfg.PerServerInFlight,
			MaxIdleConnsPerHost: cfg.PerServerInFlight,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	slots := make(map[string]*admission)
	for _, d := range cfg.Servers() {
		slots[d.Addr()] = newAdmission(cfg.PerServerInFlight, cfg.QueueDepth)
	}

	return &Orchestrator{
		cfg:     cfg,
		routes:  routes,
		prober:  NewProber(cfg.Servers(), cfg.ProbeInterval(), cfg.CallBudgetsMs.Health(), client),
		client:  client,
		metrics: metrics,
		slots:   slots,
	}, nil
}

// Start launches the background health probe loops.
func (o *Orchestrator) Start(ctx context.Context) {
	o.prober.Start(ctx)
}

// ProbeAll runs one synchronous probe sweep; callers use it as the startup
// warm-up before accepting traffic.
func (o *Orchestrator) ProbeAll(ctx context.Context) {
	o.prober.ProbeAll(ctx)
}

// Health returns the cached probe statuses without blocking on fresh probes.
func (o *Orchestrator) Health() map[ServerDescriptor]HealthStatus {
	return o.prober.Snapshot()
}

// Metrics returns the collector shared by this orchestrator.
func (o *Orchestrator) Metrics() *Collector {
	return o.metrics
}

// Close stops background probes and releases pooled connections.
func (o *Orchestrator) Close() {
	o.prober.Stop()
	o.client.CloseIdleConnections()
}

// Generate routes one request through its configured pair. The KV context
// returned by prefill lives only inside this call and is discarded after
// the decode round trip.
func (o *Orchestrator) Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	pair := o.routes[req.Kind]
	requestID := uuid.NewString()

	budget := o.cfg.CallBudgetsMs.Prefill() + o.cfg.CallBudgetsMs.Decode()
	gctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := time.Now()
	o.metrics.RecordRequest(req.Kind, pair.decode.Addr())

	resp, err := o.generate(gctx, requestID, pair, req)
	if err != nil {
		o.metrics.RecordFailure(req.Kind, pair.decode.Addr())
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		return nil, err
	}

	resp.Metrics.TotalMs = float64(time.Since(start)) / float64(time.Millisecond)
	o.metrics.RecordEndToEnd(req.Kind, pair.decode.Addr(), resp.Metrics.TotalMs)
	return resp, nil
}

func (o *Orchestrator) generate(ctx context.Context, requestID string, pair routePair, req GenerationRequest) (*GenerationResponse, error) {
	prefillUp := o.prober.Usable(pair.prefill)
	decodeUp := o.prober.Usable(pair.decode)

	if !prefillUp && !decodeUp {
		return nil, fmt.Errorf("%w: %q", ErrAllServersDown, req.Kind)
	}

	if prefillUp {
		pres, perr := o.callPrefill(ctx, pair.prefill, req.Prompt)
		if perr == nil {
			dres, derr := o.callDecode(ctx, pair.decode, pres.Context, req)
			if derr != nil {
				return nil, derr
			}
			return &GenerationResponse{
				Text: dres.Text,
				Metrics: GenerationMetrics{
					PrefillMs:        pres.PrefillMs,
					DecodeMs:         dres.DecodeMs,
					PromptTokens:     pres.PromptTokens,
					CompletionTokens: dres.CompletionTokens,
					PrefillTokPerS:   pres.PrefillTokPerS,
					DecodeTokPerS:    dres.DecodeTokPerS,
					PrefillServer:    pair.prefill.Name,
					DecodeServer:     pair.decode.Name,
					Method:           Disaggregated,
				},
			}, nil
		}
		// Semantic rejections would fail identically on the fallback path.
		if errors.Is(perr, ErrBadParam) || errors.Is(perr, ErrPromptTooLong) {
			return nil, perr
		}
		if !decodeUp {
			return nil, perr
		}
		logrus.Warnf("request %s: prefill on %s failed (%v), taking direct fallback via %s",
			requestID, pair.prefill.Name, perr, pair.decode.Name)
	} else {
		logrus.Warnf("request %s: prefill server %s offline, taking direct fallback via %s",
			requestID, pair.prefill.Name, pair.decode.Name)
	}

	gres, gerr := o.callGenerate(ctx, pair.decode, req)
	if gerr != nil {
		return nil, gerr
	}
	return &GenerationResponse{
		Text: gres.Text,
		Metrics: GenerationMetrics{
			PrefillMs:        0,
			DecodeMs:         gres.DecodeMs,
			CompletionTokens: gres.CompletionTokens,
			DecodeTokPerS:    gres.DecodeTokPerS,
			DecodeServer:     pair.decode.Name,
			Method:           DirectFallback,
		},
	}, nil
}

func (o *Orchestrator) callPrefill(ctx context.Context, d ServerDescriptor, prompt string) (*PrefillResponse, error) {
	if err := o.slots[d.Addr()].acquire(ctx); err != nil {
		return nil, err
	}
	defer o.slots[d.Addr()].release()

	pctx, cancel := context.WithTimeout(ctx, o.cfg.CallBudgetsMs.Prefill())
	defer cancel()

	status, body, err := o.post(pctx, d.BaseURL()+"/prefill", PrefillRequest{Prompt: prompt})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{Phase: "prefill", Err: err}
		}
		return nil, fmt.Errorf("prefill on %s: %w", d.Addr(), err)
	}
	if status != http.StatusOK {
		return nil, mapStatus(status, &PrefillError{Server: d.Addr(), Status: status, Body: string(body)})
	}
	var out PrefillResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("prefill on %s: malformed response: %w", d.Addr(), err)
	}
	o.metrics.RecordPrefill(d.Kind, d.Addr(), out.PromptTokens, out.PrefillMs)
	return &out, nil
}

func (o *Orchestrator) callDecode(ctx context.Context, d ServerDescriptor, kv json.RawMessage, req GenerationRequest) (*DecodeResponse, error) {
	if err := o.slots[d.Addr()].acquire(ctx); err != nil {
		return nil, err
	}
	defer o.slots[d.Addr()].release()

	dctx, cancel := context.WithTimeout(ctx, o.cfg.CallBudgetsMs.Decode())
	defer cancel()

	status, body, err := o.post(dctx, d.BaseURL()+"/decode", DecodeRequest{
		Context:     kv,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{Phase: "decode", Err: err}
		}
		return nil, fmt.Errorf("decode on %s: %w", d.Addr(), err)
	}
	if status != http.StatusOK {
		return nil, mapStatus(status, &DecodeError{Server: d.Addr(), Status: status, Body: string(body)})
	}
	var out DecodeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode on %s: malformed response: %w", d.Addr(), err)
	}
	o.metrics.RecordDecode(d.Kind, d.Addr(), out.CompletionTokens, out.DecodeMs)
	return &out, nil
}

func (o *Orchestrator) callGenerate(ctx context.Context, d ServerDescriptor, req GenerationRequest) (*GenerateResponse, error) {
	if err := o.slots[d.Addr()].acquire(ctx); err != nil {
		return nil, err
	}
	defer o.slots[d.Addr()].release()

	gctx, cancel := context.WithTimeout(ctx, o.cfg.CallBudgetsMs.Decode())
	defer cancel()

	status, body, err := o.post(gctx, d.BaseURL()+"/generate", GenerateRequest{
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{Phase: "generate", Err: err}
		}
		return nil, fmt.Errorf("generate on %s: %w", d.Addr(), err)
	}
	if status != http.StatusOK {
		return nil, mapStatus(status, &DecodeError{Server: d.Addr(), Status: status, Body: string(body)})
	}
	var out GenerateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("generate on %s: malformed response: %w", d.Addr(), err)
	}
	o.metrics.RecordDecode(d.Kind, d.Addr(), out.CompletionTokens, out.DecodeMs)
	return &out, nil
}

// post issues one JSON POST and returns the raw status and body; the caller
// owns status interpretation.
func (o *Orchestrator) post(ctx context.Context, url string, in any) (int, []byte, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// mapStatus lifts well-known HTTP statuses onto the sentinel taxonomy so
// callers can branch with errors.Is; anything else surfaces the structured
// remote error as-is.
func mapStatus(status int, remote error) error {
	switch status {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", ErrBusy, remote)
	case http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %v", ErrPromptTooLong, remote)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, remote)
	case http.StatusConflict:
		return fmt.Errorf("%w: %v", ErrContextKindMismatch, remote)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %v", ErrBadParam, remote)
	default:
		return remote
	}
}
