package gatekeeper

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// EngineConfig tunes the runner, caches and audit queue.
type EngineConfig struct {
	// RealmTTLMs bounds how long name→id maps stay cached.
	RealmTTLMs int64 `json:"realm_cache_ttl_ms" yaml:"realm_cache_ttl_ms"`
	// DecisionTTLMs bounds type-level decision caching.
	DecisionTTLMs int64 `json:"decision_cache_ttl_ms" yaml:"decision_cache_ttl_ms"`
	// ItemConcurrency bounds concurrent access items per request.
	ItemConcurrency int `json:"item_concurrency" yaml:"item_concurrency"`
	// AuditQueueDepth sizes the bounded audit channel.
	AuditQueueDepth int `json:"audit_queue_depth" yaml:"audit_queue_depth"`

	CacheNumCounters int64 `json:"cache_num_counters" yaml:"cache_num_counters"`
	CacheMaxCost     int64 `json:"cache_max_cost" yaml:"cache_max_cost"`
}

// RealmTTL converts the configured millisecond TTL, defaulting upstream.
func (c EngineConfig) RealmTTL() time.Duration {
	return time.Duration(c.RealmTTLMs) * time.Millisecond
}

// DecisionTTL converts the configured millisecond TTL.
func (c EngineConfig) DecisionTTL() time.Duration {
	return time.Duration(c.DecisionTTLMs) * time.Millisecond
}

// Config is the loadable configuration: engine knobs plus an optional realm
// manifest to apply at startup.
type Config struct {
	Engine   EngineConfig `json:"engine" yaml:"engine"`
	Manifest *Manifest    `json:"manifest,omitempty" yaml:"manifest,omitempty"`
}

// ConfigLoader reads configuration from YAML or JSON.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader { return &ConfigLoader{} }

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile dispatches on the file extension.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return l.LoadYAML(data)
	case ".json":
		return l.LoadJSON(data)
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// ToYAML exports the configuration.
func (c *Config) ToYAML() ([]byte, error) { return yaml.Marshal(c) }

// ToJSON exports the configuration.
func (c *Config) ToJSON() ([]byte, error) { return json.MarshalIndent(c, "", "  ") }
