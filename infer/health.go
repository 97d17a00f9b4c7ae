// Background health probing with an explicit per-server state machine:
// three consecutive probe failures mark a server Offline, a single success
// restores it. Probe results are cached and read lock-free relative to the
// generate hot path (RWMutex, no network on reads).

package infer

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// offlineAfterFailures is the consecutive-failure threshold for the
// Healthy -> Offline transition.
const offlineAfterFailures = 3

// probeJitterFraction spreads probes so servers are not hit in lockstep
// (10s interval probes land every 10s +/- 2s).
const probeJitterFraction = 0.2

type proberEntry struct {
	desc     ServerDescriptor
	status   HealthStatus
	failures int
}

// Prober owns the background probe loops and the cached status table.
type Prober struct {
	client   *http.Client
	interval time.Duration
	timeout  time.Duration

	mu      sync.RWMutex
	entries map[string]*proberEntry

	stopOnce sync.Once
	stop     chan struct{}
	done     sync.WaitGroup
}

// NewProber builds a prober over the configured servers. Servers start
// Offline until their first successful probe; callers that need servers up
// front run ProbeAll during startup.
func NewProber(servers []ServerDescriptor, interval, timeout time.Duration, client *http.Client) *Prober {
	p := &Prober{
		client:   client,
		interval: interval,
		timeout:  timeout,
		entries:  make(map[string]*proberEntry, len(servers)),
		stop:     make(chan struct{}),
	}
	for _, d := range servers {
		p.entries[d.Addr()] = &proberEntry{
			desc:   d,
			status: HealthStatus{State: StateOffline},
		}
	}
	return p
}

// Start launches one probe loop per server. Loops exit when ctx is
// cancelled or Stop is called.
func (p *Prober) Start(ctx context.Context) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.entries {
		p.done.Add(1)
		go p.loop(ctx, e.desc)
	}
}

// Stop terminates the probe loops and waits for them to exit.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.done.Wait()
}

// ProbeAll probes every server once, synchronously. Used at startup so the
// first generate call sees real statuses instead of the Offline default.
func (p *Prober) ProbeAll(ctx context.Context) {
	p.mu.RLock()
	descs := make([]ServerDescriptor, 0, len(p.entries))
	for _, e := range p.entries {
		descs = append(descs, e.desc)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, d := range descs {
		wg.Add(1)
		go func(d ServerDescriptor) {
			defer wg.Done()
			p.probe(ctx, d)
		}(d)
	}
	wg.Wait()
}

// Status returns the cached status for one server address. Never blocks on
// a fresh probe.
func (p *Prober) Status(addr string) HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.entries[addr]; ok {
		return e.status
	}
	return HealthStatus{State: StateOffline}
}

// Usable reports whether the server should be routed to. Degraded is
// treated as usable; only Offline is excluded.
func (p *Prober) Usable(d ServerDescriptor) bool {
	return p.Status(d.Addr()).State != StateOffline
}

// Snapshot copies the full status table keyed by descriptor.
func (p *Prober) Snapshot() map[ServerDescriptor]HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[ServerDescriptor]HealthStatus, len(p.entries))
	for _, e := range p.entries {
		out[e.desc] = e.status
	}
	return out
}

func (p *Prober) loop(ctx context.Context, d ServerDescriptor) {
	defer p.done.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-time.After(p.jittered()):
		}
		p.probe(ctx, d)
	}
}

func (p *Prober) jittered() time.Duration {
	spread := float64(p.interval) * probeJitterFraction
	offset := (rand.Float64()*2 - 1) * spread
	return p.interval + time.Duration(offset)
}

// probe performs one GET /health round trip and advances the state machine.
func (p *Prober) probe(ctx context.Context, d ServerDescriptor) {
	hctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var body HealthResponse
	ok := false
	req, err := http.NewRequestWithContext(hctx, http.MethodGet, d.BaseURL()+"/health", nil)
	if err == nil {
		resp, derr := p.client.Do(req)
		if derr == nil {
			raw, rerr := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if rerr == nil && resp.StatusCode == http.StatusOK && json.Unmarshal(raw, &body) == nil {
				ok = body.State != StateOffline
			}
		}
	}

	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	e, exists := p.entries[d.Addr()]
	if !exists {
		return
	}
	e.status.LastChecked = now
	if ok {
		if e.status.State == StateOffline {
			logrus.Infof("server %s (%s) back online", d.Name, d.Addr())
		}
		e.failures = 0
		e.status.ModelLoaded = body.ModelLoaded
		if body.ModelLoaded {
			e.status.State = StateHealthy
		} else {
			e.status.State = StateDegraded
		}
		return
	}
	e.failures++
	if e.failures >= offlineAfterFailures && e.status.State != StateOffline {
		logrus.Warnf("server %s (%s) marked offline after %d consecutive probe failures",
			d.Name, d.Addr(), e.failures)
		e.status.State = StateOffline
		e.status.ModelLoaded = false
	}
}
