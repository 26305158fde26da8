package config

import (
	"fmt"
	"strings"
	"time"
)

// LoadBalanceStrategy selects among eligible connections or address groups.
type LoadBalanceStrategy string

const (
	StrategyRoundRobin           LoadBalanceStrategy = "round_robin"
	StrategyLeastConnections     LoadBalanceStrategy = "least_connections"
	StrategyLeastActiveRequests  LoadBalanceStrategy = "least_active_requests"
	StrategyResponseTimeWeighted LoadBalanceStrategy = "response_time_weighted"
	StrategyRandom               LoadBalanceStrategy = "random"
	StrategyConsistentHash       LoadBalanceStrategy = "consistent_hash"
	StrategyWeightedRoundRobin   LoadBalanceStrategy = "weighted_round_robin"
)

// ParseLoadBalanceStrategy converts raw string values to a recognised strategy.
func ParseLoadBalanceStrategy(value string) (LoadBalanceStrategy, error) {
	if strings.TrimSpace(value) == "" {
		return StrategyLeastConnections, nil
	}
	normalized := strings.ReplaceAll(strings.TrimSpace(strings.ToLower(value)), "-", "_")
	strategy := LoadBalanceStrategy(normalized)
	switch strategy {
	case StrategyRoundRobin, StrategyLeastConnections, StrategyLeastActiveRequests,
		StrategyResponseTimeWeighted, StrategyRandom, StrategyConsistentHash, StrategyWeightedRoundRobin:
		return strategy, nil
	default:
		return "", fmt.Errorf("unknown load balance strategy %q", value)
	}
}

// PoolConfig is the complete connection pool configuration.
type PoolConfig struct {
	MaxConnections        int                 `yaml:"max_connections" json:"max_connections"`
	MaxConnectionsPerAddr int                 `yaml:"max_connections_per_addr" json:"max_connections_per_addr"`
	IdleTimeout           time.Duration       `yaml:"idle_timeout" json:"idle_timeout"`
	MaxRetries            int                 `yaml:"max_retries" json:"max_retries"`
	HeartbeatInterval     time.Duration       `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	ConnectTimeout        time.Duration       `yaml:"connect_timeout" json:"connect_timeout"`
	EnableWarmup          bool                `yaml:"enable_warmup" json:"enable_warmup"`
	LoadBalanceStrategy   LoadBalanceStrategy `yaml:"load_balance_strategy" json:"load_balance_strategy"`
	HealthCheckInterval   time.Duration       `yaml:"health_check_interval" json:"health_check_interval"`
	WarmupConnections     int                 `yaml:"warmup_connections" json:"warmup_connections"`
	EnableConnectionReuse bool                `yaml:"enable_connection_reuse" json:"enable_connection_reuse"`
	MigrationThreshold    int                 `yaml:"migration_threshold" json:"migration_threshold"`
	StatsUpdateInterval   time.Duration       `yaml:"stats_update_interval" json:"stats_update_interval"`
	MaxRequestQueue       int                 `yaml:"max_request_queue" json:"max_request_queue"`
	EnableAdaptiveSizing  bool                `yaml:"enable_adaptive_sizing" json:"enable_adaptive_sizing"`
	UtilizationThreshold  float64             `yaml:"utilization_threshold" json:"utilization_threshold"`
}

// DefaultPoolConfig returns the documented defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnections:        1000,
		MaxConnectionsPerAddr: 10,
		IdleTimeout:           300 * time.Second,
		MaxRetries:            3,
		HeartbeatInterval:     30 * time.Second,
		ConnectTimeout:        10 * time.Second,
		EnableWarmup:          true,
		LoadBalanceStrategy:   StrategyLeastConnections,
		HealthCheckInterval:   60 * time.Second,
		WarmupConnections:     2,
		EnableConnectionReuse: true,
		MigrationThreshold:    5,
		StatsUpdateInterval:   10 * time.Second,
		MaxRequestQueue:       10000,
		EnableAdaptiveSizing:  true,
		UtilizationThreshold:  0.8,
	}
}

// Validate checks capacity relations, intervals and the strategy name.
func (c *PoolConfig) Validate() error {
	if c.MaxConnections <= 0 {
		return invalidConfig("max_connections", c.MaxConnections, "must be positive")
	}
	if c.MaxConnectionsPerAddr <= 0 {
		return invalidConfig("max_connections_per_addr", c.MaxConnectionsPerAddr, "must be positive")
	}
	if c.MaxConnectionsPerAddr > c.MaxConnections {
		return invalidConfig("max_connections_per_addr", c.MaxConnectionsPerAddr, "must not exceed max_connections")
	}
	if c.MaxRetries < 0 {
		return invalidConfig("max_retries", c.MaxRetries, "must not be negative")
	}
	if c.WarmupConnections < 0 {
		return invalidConfig("warmup_connections", c.WarmupConnections, "must not be negative")
	}
	if c.MaxRequestQueue < 0 {
		return invalidConfig("max_request_queue", c.MaxRequestQueue, "must not be negative")
	}

	durations := map[string]time.Duration{
		"idle_timeout":          c.IdleTimeout,
		"heartbeat_interval":    c.HeartbeatInterval,
		"connect_timeout":       c.ConnectTimeout,
		"health_check_interval": c.HealthCheckInterval,
		"stats_update_interval": c.StatsUpdateInterval,
	}
	for field, value := range durations {
		if value <= 0 {
			return invalidConfig(field, value, "must be positive")
		}
	}

	if c.UtilizationThreshold <= 0 || c.UtilizationThreshold > 1 {
		return invalidConfig("utilization_threshold", c.UtilizationThreshold, "must be within (0, 1]")
	}

	strategy, err := ParseLoadBalanceStrategy(string(c.LoadBalanceStrategy))
	if err != nil {
		return invalidConfig("load_balance_strategy", c.LoadBalanceStrategy, err.Error())
	}
	c.LoadBalanceStrategy = strategy

	return nil
}
