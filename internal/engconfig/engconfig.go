// Package engconfig loads the engine's tuning knobs from an optional YAML
// file. It deliberately holds none of the UI-owned routing state (Mode,
// TargetSet) — those are supplied fresh on every Start/SetMode/SetTargets
// call and are never written to disk by the core.
package engconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"splittunnel-engine/internal/logging"
)

// Config holds every tunable the engine's components read at startup.
type Config struct {
	TickInterval       time.Duration `yaml:"tick_interval"`
	NatTTL             time.Duration `yaml:"nat_ttl"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	ResolverBudget      time.Duration `yaml:"resolver_budget"`
	ShortTermCacheTTL   time.Duration `yaml:"short_term_cache_ttl"`
	PidCacheCapacity    int           `yaml:"pid_cache_capacity"`
	Logging             logging.Config `yaml:"logging,omitempty"`

	// MetricsAddr, when non-empty, is the loopback address ("127.0.0.1:9321")
	// the Prometheus /metrics endpoint listens on. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// Default returns the documented defaults: 200ms tick, 120s NAT TTL, 30s
// sweep, 50ms resolver budget, 500ms short-term cache TTL, 4096-entry
// PidCache.
func Default() Config {
	return Config{
		TickInterval:      200 * time.Millisecond,
		NatTTL:            120 * time.Second,
		SweepInterval:     30 * time.Second,
		ResolverBudget:    50 * time.Millisecond,
		ShortTermCacheTTL: 500 * time.Millisecond,
		PidCacheCapacity:  4096,
	}
}

// durationConfig is the YAML wire shape: durations are authored as
// human strings ("200ms") rather than raw nanosecond integers.
type durationConfig struct {
	TickInterval      string         `yaml:"tick_interval,omitempty"`
	NatTTL            string         `yaml:"nat_ttl,omitempty"`
	SweepInterval     string         `yaml:"sweep_interval,omitempty"`
	ResolverBudget    string         `yaml:"resolver_budget,omitempty"`
	ShortTermCacheTTL string         `yaml:"short_term_cache_ttl,omitempty"`
	PidCacheCapacity  int            `yaml:"pid_cache_capacity,omitempty"`
	Logging           logging.Config `yaml:"logging,omitempty"`
	MetricsAddr       string         `yaml:"metrics_addr,omitempty"`
}

// Load reads cfg from filePath, merging onto Default() — fields absent
// from the file keep their default value. A missing file is not an
// error: Default() is returned unchanged.
func Load(filePath string) (Config, error) {
	cfg := Default()
	if filePath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("engconfig: read %s: %w", filePath, err)
	}

	var raw durationConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("engconfig: parse %s: %w", filePath, err)
	}

	if raw.TickInterval != "" {
		if d, err := time.ParseDuration(raw.TickInterval); err == nil {
			cfg.TickInterval = d
		}
	}
	if raw.NatTTL != "" {
		if d, err := time.ParseDuration(raw.NatTTL); err == nil {
			cfg.NatTTL = d
		}
	}
	if raw.SweepInterval != "" {
		if d, err := time.ParseDuration(raw.SweepInterval); err == nil {
			cfg.SweepInterval = d
		}
	}
	if raw.ResolverBudget != "" {
		if d, err := time.ParseDuration(raw.ResolverBudget); err == nil {
			cfg.ResolverBudget = d
		}
	}
	if raw.ShortTermCacheTTL != "" {
		if d, err := time.ParseDuration(raw.ShortTermCacheTTL); err == nil {
			cfg.ShortTermCacheTTL = d
		}
	}
	if raw.PidCacheCapacity != 0 {
		cfg.PidCacheCapacity = raw.PidCacheCapacity
	}
	cfg.Logging = raw.Logging
	cfg.MetricsAddr = raw.MetricsAddr

	return cfg, nil
}
