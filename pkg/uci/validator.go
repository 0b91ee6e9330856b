package uci

import (
	"fmt"
	"net"
	"strings"

	"github.com/markus-lassfolk/locator/pkg/gps"
	"github.com/markus-lassfolk/locator/pkg/privacy"
	"github.com/markus-lassfolk/locator/pkg/strategy"
)

// ConfigValidator checks a loaded configuration section by section
type ConfigValidator struct{}

// NewConfigValidator creates a validator
func NewConfigValidator() *ConfigValidator {
	return &ConfigValidator{}
}

// ValidationResult is the outcome of a validation run
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// ValidationIssue is one finding
type ValidationIssue struct {
	Section string `json:"section"`
	Option  string `json:"option"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

func (i ValidationIssue) String() string {
	return fmt.Sprintf("%s.%s=%q: %s", i.Section, i.Option, i.Value, i.Message)
}

// Error joins the errors so an invalid result can be returned as an error
func (r ValidationResult) Error() string {
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, "; ")
}

func (r *ValidationResult) fail(section, option string, value interface{}, format string, args ...interface{}) {
	r.Errors = append(r.Errors, ValidationIssue{section, option, fmt.Sprint(value), fmt.Sprintf(format, args...)})
}

func (r *ValidationResult) warn(section, option string, value interface{}, format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, ValidationIssue{section, option, fmt.Sprint(value), fmt.Sprintf(format, args...)})
}

// Validate runs every section check
func (v *ConfigValidator) Validate(c *Config) ValidationResult {
	var r ValidationResult
	v.validateMain(c, &r)
	v.validateCache(c, &r)
	v.validateStrategy(c, &r)
	v.validatePrivacy(c, &r)
	v.validateMonitoring(c, &r)
	v.validateSource(c, &r)
	v.validateAPI(c, &r)
	v.validateMQTT(c, &r)
	r.Valid = len(r.Errors) == 0
	return r
}

func (v *ConfigValidator) validateMain(c *Config, r *ValidationResult) {
	if !oneOf(c.Main.LogLevel, "trace", "verbose", "debug", "info", "warn", "warning", "error") {
		r.fail("main", "log_level", c.Main.LogLevel, "unknown log level")
	}
	name := strategy.Name(c.Main.DefaultStrategy)
	if _, ok := strategy.Profiles[name]; !ok && name != strategy.Smart {
		r.fail("main", "default_strategy", c.Main.DefaultStrategy, "unknown strategy")
	}
}

func (v *ConfigValidator) validateCache(c *Config, r *ValidationResult) {
	v.intRange(r, "cache", "max_size", c.Cache.MaxSize, 1, 100000)
	v.intRange(r, "cache", "ttl_s", c.Cache.TTLS, 1, 7*24*3600)
	if c.Cache.CompressThreshold < 0 {
		r.fail("cache", "compress_threshold", c.Cache.CompressThreshold, "must not be negative")
	}
	if !oneOf(c.Cache.Backend, "memory", "bolt", "sqlite", "redis") {
		r.fail("cache", "backend", c.Cache.Backend, "must be memory, bolt, sqlite or redis")
	}
	if c.Cache.Backend == "redis" {
		if _, _, err := net.SplitHostPort(c.Cache.RedisAddress); err != nil {
			r.fail("cache", "redis_address", c.Cache.RedisAddress, "must be host:port")
		}
	}
}

func (v *ConfigValidator) validateStrategy(c *Config, r *ValidationResult) {
	s := c.Strategy
	for opt, w := range map[string]float64{
		"performance_weight": s.PerformanceWeight,
		"accuracy_weight":    s.AccuracyWeight,
		"power_weight":       s.PowerWeight,
	} {
		if w < 0 {
			r.fail("strategy", opt, w, "must not be negative")
		}
	}
	if s.PerformanceWeight+s.AccuracyWeight+s.PowerWeight == 0 {
		r.warn("strategy", "performance_weight", 0, "all weights are zero, defaults will be used")
	}
	v.intRange(r, "strategy", "max_retries", s.MaxRetries, 1, 10)
	if !oneOf(s.Backoff, string(strategy.BackoffFixed), string(strategy.BackoffLinear), string(strategy.BackoffExponential)) {
		r.fail("strategy", "backoff", s.Backoff, "must be fixed, linear or exponential")
	}
	if s.BaseDelayMS < 0 || s.MaxDelayMS < 0 {
		r.fail("strategy", "base_delay_ms", s.BaseDelayMS, "delays must not be negative")
	} else if s.MaxDelayMS > 0 && s.BaseDelayMS > s.MaxDelayMS {
		r.warn("strategy", "base_delay_ms", s.BaseDelayMS, "exceeds max_delay_ms, every retry waits max_delay_ms")
	}
	switch strategy.FallbackKind(s.Fallback) {
	case strategy.FallbackCache, strategy.FallbackLowPower, strategy.FallbackNone:
	case strategy.FallbackDefaultLocation:
		if s.DefaultLatitude < -90 || s.DefaultLatitude > 90 || s.DefaultLongitude < -180 || s.DefaultLongitude > 180 {
			r.fail("strategy", "default_latitude", fmt.Sprintf("%v,%v", s.DefaultLatitude, s.DefaultLongitude), "default location out of range")
		}
	default:
		r.fail("strategy", "fallback", s.Fallback, "must be cache, low_power, default_location or none")
	}
}

func (v *ConfigValidator) validatePrivacy(c *Config, r *ValidationResult) {
	p := c.Privacy
	if _, err := privacy.ParseAccessLevel(p.AccessLevel); err != nil {
		r.fail("privacy", "access_level", p.AccessLevel, "must be strict, moderate or relaxed")
	}
	if p.MaskingAccuracyM <= 0 {
		r.fail("privacy", "masking_accuracy_m", p.MaskingAccuracyM, "must be positive")
	}
	if p.Audit && p.AuditCapacity < 1 {
		r.fail("privacy", "audit_capacity", p.AuditCapacity, "must be at least 1 when audit is enabled")
	}
	if p.Encryption && p.EncryptionKey == "" {
		r.warn("privacy", "encryption_key", "", "not set, sealed positions cannot be opened after a restart")
	}
}

func (v *ConfigValidator) validateMonitoring(c *Config, r *ValidationResult) {
	v.intRange(r, "monitoring", "sweep_interval_s", c.Monitoring.SweepIntervalS, 1, 86400)
	v.intRange(r, "monitoring", "flush_interval_s", c.Monitoring.FlushIntervalS, 1, 86400)
	if c.Monitoring.RecentErrors < 0 {
		r.fail("monitoring", "recent_errors", c.Monitoring.RecentErrors, "must not be negative")
	}
}

func (v *ConfigValidator) validateSource(c *Config, r *ValidationResult) {
	s := c.Source
	if len(s.Priority) == 0 {
		r.fail("source", "priority", "", "at least one source is required")
	}
	seen := make(map[string]bool)
	for _, name := range s.Priority {
		if !oneOf(name, "google", "starlink", "fixed") {
			r.fail("source", "priority", name, "unknown source")
			continue
		}
		if seen[name] {
			r.warn("source", "priority", name, "listed more than once")
		}
		seen[name] = true
	}
	if seen["google"] && s.GoogleAPIKey == "" {
		r.warn("source", "google_api_key", "", "not set, the google source will report the service as disabled")
	}
	if seen["starlink"] {
		v.intRange(r, "source", "starlink_port", s.StarlinkPort, 1, 65535)
		if s.StarlinkHost == "" {
			r.fail("source", "starlink_host", "", "required for the starlink source")
		}
	}
	if seen["fixed"] {
		if s.FixedLatitude < -90 || s.FixedLatitude > 90 || s.FixedLongitude < -180 || s.FixedLongitude > 180 {
			r.fail("source", "fixed_latitude", fmt.Sprintf("%v,%v", s.FixedLatitude, s.FixedLongitude), "fixed position out of range")
		}
	}
	switch gps.PermissionStatus(s.Permission) {
	case gps.PermissionGranted, gps.PermissionDenied, gps.PermissionUndetermined, gps.PermissionRestricted:
	default:
		r.fail("source", "permission", s.Permission, "must be granted, denied, undetermined or restricted")
	}
}

func (v *ConfigValidator) validateAPI(c *Config, r *ValidationResult) {
	if !c.API.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
		r.fail("api", "listen", c.API.Listen, "must be host:port")
	}
	if c.API.APIKey == "" {
		r.warn("api", "api_key", "", "not set, the API accepts unauthenticated requests")
	}
}

func (v *ConfigValidator) validateMQTT(c *Config, r *ValidationResult) {
	m := c.MQTT
	if !m.Enabled {
		return
	}
	if m.Broker == "" {
		r.fail("mqtt", "broker", "", "required when mqtt is enabled")
	}
	v.intRange(r, "mqtt", "port", m.Port, 1, 65535)
	v.intRange(r, "mqtt", "qos", m.QoS, 0, 2)
	if m.TopicPrefix == "" || strings.ContainsAny(m.TopicPrefix, "+#") {
		r.fail("mqtt", "topic_prefix", m.TopicPrefix, "must be a non-empty topic without wildcards")
	}
}

func (v *ConfigValidator) intRange(r *ValidationResult, section, option string, value, min, max int) {
	if value < min || value > max {
		r.fail(section, option, value, "must be between %d and %d", min, max)
	}
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
