// Orchestrator configuration: the server inventory, per-server limits, and
// call budgets. Loaded once at startup, validated, then treated as
// immutable.

package infer

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Config.ApplyDefaults for fields left zero.
const (
	DefaultPerServerInFlight     = 8
	DefaultQueueDepth            = 32
	DefaultHealthProbeIntervalMs = 10000
	DefaultPrefillBudgetMs       = 60000
	DefaultDecodeBudgetMs        = 180000
	DefaultHealthBudgetMs        = 2000
	DefaultPipelineBudgetMs      = 300000
)

// CallBudgets groups the per-phase time budgets, in milliseconds.
type CallBudgets struct {
	PrefillMs  int `json:"prefill" yaml:"prefill"`
	DecodeMs   int `json:"decode" yaml:"decode"`
	HealthMs   int `json:"health" yaml:"health"`
	PipelineMs int `json:"pipeline" yaml:"pipeline"`
}

// Prefill returns the prefill call budget as a duration.
func (b CallBudgets) Prefill() time.Duration { return time.Duration(b.PrefillMs) * time.Millisecond }

// Decode returns the decode call budget as a duration.
func (b CallBudgets) Decode() time.Duration { return time.Duration(b.DecodeMs) * time.Millisecond }

// Health returns the health probe budget as a duration.
func (b CallBudgets) Health() time.Duration { return time.Duration(b.HealthMs) * time.Millisecond }

// Pipeline returns the end-to-end grading budget as a duration.
func (b CallBudgets) Pipeline() time.Duration { return time.Duration(b.PipelineMs) * time.Millisecond }

// Config enumerates the server inventory and operational limits.
type Config struct {
	PrefillServers []ServerDescriptor `json:"prefill_servers" yaml:"prefill_servers"`
	DecodeServers  []ServerDescriptor `json:"decode_servers" yaml:"decode_servers"`

	PerServerInFlight     int         `json:"per_server_in_flight" yaml:"per_server_in_flight"`
	QueueDepth            int         `json:"queue_depth" yaml:"queue_depth"`
	HealthProbeIntervalMs int         `json:"health_probe_interval_ms" yaml:"health_probe_interval_ms"`
	CallBudgetsMs         CallBudgets `json:"call_budgets_ms" yaml:"call_budgets_ms"`
}

// LoadConfig reads and validates a config document. JSON and YAML are both
// accepted (JSON is a YAML subset).
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyDefaults fills zero-valued limits and budgets, and stamps the role
// implied by each server list onto its descriptors.
func (c *Config) ApplyDefaults() {
	if c.PerServerInFlight == 0 {
		c.PerServerInFlight = DefaultPerServerInFlight
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.HealthProbeIntervalMs == 0 {
		c.HealthProbeIntervalMs = DefaultHealthProbeIntervalMs
	}
	if c.CallBudgetsMs.PrefillMs == 0 {
		c.CallBudgetsMs.PrefillMs = DefaultPrefillBudgetMs
	}
	if c.CallBudgetsMs.DecodeMs == 0 {
		c.CallBudgetsMs.DecodeMs = DefaultDecodeBudgetMs
	}
	if c.CallBudgetsMs.HealthMs == 0 {
		c.CallBudgetsMs.HealthMs = DefaultHealthBudgetMs
	}
	if c.CallBudgetsMs.PipelineMs == 0 {
		c.CallBudgetsMs.PipelineMs = DefaultPipelineBudgetMs
	}
	for i := range c.PrefillServers {
		c.PrefillServers[i].Role = RolePrefill
	}
	for i := range c.DecodeServers {
		c.DecodeServers[i].Role = RoleDecode
	}
}

// Validate enforces the routing contract: exactly one prefill and exactly
// one decode server per model kind, with well-formed addresses.
func (c *Config) Validate() error {
	if len(c.PrefillServers) == 0 || len(c.DecodeServers) == 0 {
		return fmt.Errorf("config must name at least one prefill and one decode server")
	}
	for _, list := range [][]ServerDescriptor{c.PrefillServers, c.DecodeServers} {
		for _, d := range list {
			if d.Host == "" {
				return fmt.Errorf("server %q has empty host", d.Name)
			}
			if d.Port <= 0 || d.Port > 65535 {
				return fmt.Errorf("server %q has invalid port %d", d.Name, d.Port)
			}
			if !d.Kind.Valid() {
				return fmt.Errorf("server %q has unknown model kind %q", d.Name, d.Kind)
			}
		}
	}
	for _, kind := range ModelKinds {
		if n := countKind(c.PrefillServers, kind); n != 1 {
			return fmt.Errorf("model kind %q needs exactly one prefill server, found %d", kind, n)
		}
		if n := countKind(c.DecodeServers, kind); n != 1 {
			return fmt.Errorf("model kind %q needs exactly one decode server, found %d", kind, n)
		}
	}
	if c.PerServerInFlight < 1 {
		return fmt.Errorf("per_server_in_flight must be >= 1, got %d", c.PerServerInFlight)
	}
	if c.QueueDepth < 0 {
		return fmt.Errorf("queue_depth must be >= 0, got %d", c.QueueDepth)
	}
	return nil
}

// Servers returns every configured descriptor, prefill list first.
func (c *Config) Servers() []ServerDescriptor {
	out := make([]ServerDescriptor, 0, len(c.PrefillServers)+len(c.DecodeServers))
	out = append(out, c.PrefillServers...)
	out = append(out, c.DecodeServers...)
	return out
}

// ProbeInterval returns the health probe period as a duration.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.HealthProbeIntervalMs) * time.Millisecond
}

func countKind(list []ServerDescriptor, kind ModelKind) int {
	n := 0
	for _, d := range list {
		if d.Kind == kind {
			n++
		}
	}
	return n
}
