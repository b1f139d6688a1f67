// Package config is the process-wide configuration record: channel-numbering
// scheme, the default block-size policy, and per-measurement-type default
// parameters. It is loaded once at startup from YAML and accessed through a
// thread-safe wrapper thereafter, split into a plain Config and a Safe
// wrapper for concurrent access.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tagtrace/tagstream/channelspace"
	"github.com/tagtrace/tagstream/errors"
	"github.com/tagtrace/tagstream/source"
)

// Config is the complete process-wide configuration.
type Config struct {
	// Scheme selects the channel-numbering convention ("zero" or "one").
	Scheme string `yaml:"scheme"`

	// Policy overrides the shared Source block-size policy. Zero fields fall
	// back to source.DefaultPolicy's values.
	Policy PolicyConfig `yaml:"policy"`

	// MeasurementDefaults maps a measurement type name to its default
	// construction parameters. It is loaded and cloned with the rest of the
	// record; registry.Construct does not read or merge it.
	MeasurementDefaults map[string]map[string]any `yaml:"measurement_defaults"`
}

// PolicyConfig is the YAML-friendly mirror of source.Policy.
type PolicyConfig struct {
	MaxEvents    int `yaml:"max_events"`
	MaxLatencyMs int `yaml:"max_latency_ms"`
	IdleGapMs    int `yaml:"idle_gap_ms"`
}

// Load reads and parses a YAML configuration file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapConfig(err, "config", "Load", "read file")
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapConfig(err, "config", "Load", "parse YAML")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects an unknown numbering scheme or a negative policy value.
func (c *Config) Validate() error {
	switch c.Scheme {
	case "", "zero", "one":
	default:
		return errors.WrapConfig(fmt.Errorf("unknown channel scheme %q", c.Scheme), "config", "Validate", "scheme")
	}
	if c.Policy.MaxEvents < 0 || c.Policy.MaxLatencyMs < 0 || c.Policy.IdleGapMs < 0 {
		return errors.WrapConfig(fmt.Errorf("policy fields must be non-negative"), "config", "Validate", "policy")
	}
	return nil
}

// ChannelScheme translates the YAML scheme name into a channelspace.Scheme,
// defaulting to Zero.
func (c *Config) ChannelScheme() channelspace.Scheme {
	if c.Scheme == "one" {
		return channelspace.One
	}
	return channelspace.Zero
}

// SourcePolicy merges the configured overrides onto source.DefaultPolicy.
func (c *Config) SourcePolicy() source.Policy {
	p := source.DefaultPolicy()
	if c.Policy.MaxEvents > 0 {
		p.MaxEvents = c.Policy.MaxEvents
	}
	if c.Policy.MaxLatencyMs > 0 {
		p.MaxLatency = time.Duration(c.Policy.MaxLatencyMs) * time.Millisecond
	}
	if c.Policy.IdleGapMs > 0 {
		p.IdleGap = time.Duration(c.Policy.IdleGapMs) * time.Millisecond
	}
	return p
}

// Clone returns a deep copy via a YAML marshal/unmarshal round-trip.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	clone := &Config{}
	if err := yaml.Unmarshal(data, clone); err != nil {
		copied := *c
		return &copied
	}
	return clone
}

// Safe wraps a Config for concurrent access: readers get deep copies while
// an operator may swap in a reloaded configuration.
type Safe struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewSafe wraps cfg (or an empty Config if nil) for concurrent access.
func NewSafe(cfg *Config) *Safe {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Safe{cfg: cfg}
}

// Get returns a deep copy of the current configuration.
func (s *Safe) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Update validates and atomically swaps in a new configuration.
func (s *Safe) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapConfig(fmt.Errorf("config cannot be nil"), "config", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	return nil
}
