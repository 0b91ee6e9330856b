package ecosystem

import (
	"fmt"
	"time"

	"github.com/markus-lassfolk/locator/pkg/cache"
	"github.com/markus-lassfolk/locator/pkg/privacy"
	"github.com/markus-lassfolk/locator/pkg/strategy"
)

// MonitoringConfig gates the request bookkeeping
type MonitoringConfig struct {
	EnablePerformanceMonitoring bool          `json:"enable_performance_monitoring" yaml:"enable_performance_monitoring"`
	EnableErrorTracking         bool          `json:"enable_error_tracking" yaml:"enable_error_tracking"`
	EnableUsageAnalytics        bool          `json:"enable_usage_analytics" yaml:"enable_usage_analytics"`
	RecentErrors                int           `json:"recent_errors" yaml:"recent_errors"`
	SweepInterval               time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	FlushInterval               time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// Config is the full runtime configuration of the orchestrator
type Config struct {
	DefaultStrategy strategy.Name    `json:"default_strategy" yaml:"default_strategy"`
	Cache           cache.Config     `json:"cache" yaml:"cache"`
	Strategy        strategy.Config  `json:"strategy" yaml:"strategy"`
	Privacy         privacy.Config   `json:"privacy" yaml:"privacy"`
	Monitoring      MonitoringConfig `json:"monitoring" yaml:"monitoring"`
}

// DefaultConfig returns the default orchestrator configuration
func DefaultConfig() Config {
	return Config{
		DefaultStrategy: strategy.Smart,
		Cache:           cache.DefaultConfig(),
		Strategy:        strategy.DefaultConfig(),
		Privacy:         privacy.DefaultConfig(),
		Monitoring: MonitoringConfig{
			EnablePerformanceMonitoring: true,
			EnableErrorTracking:         true,
			EnableUsageAnalytics:        true,
			RecentErrors:                50,
			SweepInterval:               time.Minute,
			FlushInterval:               30 * time.Second,
		},
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = def.DefaultStrategy
	}
	if c.Monitoring.RecentErrors <= 0 {
		c.Monitoring.RecentErrors = def.Monitoring.RecentErrors
	}
	if c.Monitoring.SweepInterval <= 0 {
		c.Monitoring.SweepInterval = def.Monitoring.SweepInterval
	}
	if c.Monitoring.FlushInterval <= 0 {
		c.Monitoring.FlushInterval = def.Monitoring.FlushInterval
	}
}

// Validate checks the values a caller can get wrong
func (c *Config) Validate() error {
	if c.DefaultStrategy != strategy.Smart {
		if _, ok := strategy.Profiles[c.DefaultStrategy]; !ok {
			return fmt.Errorf("unknown default strategy %q", c.DefaultStrategy)
		}
	}
	if c.Cache.MaxSize < 0 {
		return fmt.Errorf("cache max size must not be negative")
	}
	if c.Strategy.PerformanceWeight < 0 || c.Strategy.AccuracyWeight < 0 || c.Strategy.PowerWeight < 0 {
		return fmt.Errorf("strategy weights must not be negative")
	}
	if c.Privacy.AccessLevel != "" {
		if _, err := privacy.ParseAccessLevel(string(c.Privacy.AccessLevel)); err != nil {
			return err
		}
	}
	return nil
}
