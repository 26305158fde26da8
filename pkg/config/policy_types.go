package config

import (
	"fmt"
	"time"

	"github.com/polisai/bey-transport/pkg/domain"
)

// PolicyEngineConfig controls decision caching and engine instrumentation.
type PolicyEngineConfig struct {
	EnableCache                 bool          `yaml:"enable_cache" json:"enable_cache"`
	CacheTTL                    time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	MaxCacheEntries             int           `yaml:"max_cache_entries" json:"max_cache_entries"`
	EnablePerformanceMonitoring bool          `yaml:"enable_performance_monitoring" json:"enable_performance_monitoring"`
	EnableDetailedLogging       bool          `yaml:"enable_detailed_logging" json:"enable_detailed_logging"`
	// BundlePath optionally points at a YAML policy bundle (file or directory)
	// registered at startup.
	BundlePath string `yaml:"bundle_path" json:"bundle_path"`
}

// DefaultPolicyEngineConfig returns the documented defaults.
func DefaultPolicyEngineConfig() PolicyEngineConfig {
	return PolicyEngineConfig{
		EnableCache:                 true,
		CacheTTL:                    300 * time.Second,
		MaxCacheEntries:             10000,
		EnablePerformanceMonitoring: true,
		EnableDetailedLogging:       false,
	}
}

// Validate checks the cache settings when caching is on.
func (c *PolicyEngineConfig) Validate() error {
	if !c.EnableCache {
		return nil
	}
	if c.CacheTTL <= 0 {
		return domain.NewError(domain.CodeInvalidCacheTTL, fmt.Sprintf("cache_ttl must be positive, got %s", c.CacheTTL)).
			WithContext("field", "cache_ttl")
	}
	if c.MaxCacheEntries <= 0 {
		return invalidConfig("max_cache_entries", c.MaxCacheEntries, "must be positive")
	}
	return nil
}
