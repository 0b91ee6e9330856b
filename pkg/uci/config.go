package uci

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/markus-lassfolk/locator/pkg"
	"github.com/markus-lassfolk/locator/pkg/ecosystem"
	"github.com/markus-lassfolk/locator/pkg/privacy"
	"github.com/markus-lassfolk/locator/pkg/strategy"
)

// DefaultPath is the UCI file read when no path is given
const DefaultPath = "/etc/config/locator"

// Environment variables carrying secrets
const (
	EnvGoogleAPIKey  = "GOOGLE_MAPS_API_KEY"
	EnvEncryptionKey = "LOCATOR_ENCRYPTION_KEY"
	EnvAPIKey        = "LOCATOR_API_KEY"
	EnvMQTTPassword  = "LOCATOR_MQTT_PASSWORD"
	EnvRedisPassword = "LOCATOR_REDIS_PASSWORD"
)

// Config is the locator daemon configuration
type Config struct {
	Main       MainConfig       `json:"main" yaml:"main"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	Strategy   StrategyConfig   `json:"strategy" yaml:"strategy"`
	Privacy    PrivacyConfig    `json:"privacy" yaml:"privacy"`
	Monitoring MonitoringConfig `json:"monitoring" yaml:"monitoring"`
	Source     SourceConfig     `json:"source" yaml:"source"`
	API        APIConfig        `json:"api" yaml:"api"`
	MQTT       MQTTConfig       `json:"mqtt" yaml:"mqtt"`
}

// MainConfig holds daemon-wide options
type MainConfig struct {
	LogLevel        string `json:"log_level" yaml:"log_level"`
	DefaultStrategy string `json:"default_strategy" yaml:"default_strategy"`
	PIDFile         string `json:"pid_file" yaml:"pid_file"`
	DataDir         string `json:"data_dir" yaml:"data_dir"`
}

// CacheConfig selects the cache size, expiry and storage backend
type CacheConfig struct {
	MaxSize           int    `json:"max_size" yaml:"max_size"`
	TTLS              int    `json:"ttl_s" yaml:"ttl_s"`
	Persistence       bool   `json:"persistence" yaml:"persistence"`
	Backend           string `json:"backend" yaml:"backend"` // memory, bolt, sqlite, redis
	Path              string `json:"path" yaml:"path"`
	CompressThreshold int    `json:"compress_threshold" yaml:"compress_threshold"`
	RedisAddress      string `json:"redis_address" yaml:"redis_address"`
	RedisPassword     string `json:"-" yaml:"redis_password"`
	RedisDB           int    `json:"redis_db" yaml:"redis_db"`
}

// StrategyConfig tunes strategy selection, retries and fallback
type StrategyConfig struct {
	AdaptiveSelection bool    `json:"adaptive_selection" yaml:"adaptive_selection"`
	PerformanceWeight float64 `json:"performance_weight" yaml:"performance_weight"`
	AccuracyWeight    float64 `json:"accuracy_weight" yaml:"accuracy_weight"`
	PowerWeight       float64 `json:"power_weight" yaml:"power_weight"`
	MaxRetries        int     `json:"max_retries" yaml:"max_retries"`
	Backoff           string  `json:"backoff" yaml:"backoff"`
	BaseDelayMS       int     `json:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMS        int     `json:"max_delay_ms" yaml:"max_delay_ms"`
	Fallback          string  `json:"fallback" yaml:"fallback"`
	FallbackMaxAgeS   int     `json:"fallback_max_age_s" yaml:"fallback_max_age_s"`
	DefaultLatitude   float64 `json:"default_latitude" yaml:"default_latitude"`
	DefaultLongitude  float64 `json:"default_longitude" yaml:"default_longitude"`
	ReverseGeocoding  bool    `json:"reverse_geocoding" yaml:"reverse_geocoding"`
}

// PrivacyConfig controls encryption, masking, access control and audit
type PrivacyConfig struct {
	Encryption       bool    `json:"encryption" yaml:"encryption"`
	EncryptionKey    string  `json:"-" yaml:"encryption_key"`
	Masking          bool    `json:"masking" yaml:"masking"`
	MaskingAccuracyM float64 `json:"masking_accuracy_m" yaml:"masking_accuracy_m"`
	Fuzzing          bool    `json:"fuzzing" yaml:"fuzzing"`
	AccessControl    bool    `json:"access_control" yaml:"access_control"`
	AccessLevel      string  `json:"access_level" yaml:"access_level"`
	Audit            bool    `json:"audit" yaml:"audit"`
	AuditCapacity    int     `json:"audit_capacity" yaml:"audit_capacity"`
	AuditDir         string  `json:"audit_dir" yaml:"audit_dir"`
	Consent          bool    `json:"consent" yaml:"consent"`
}

// MonitoringConfig gates request bookkeeping and sets the job intervals
type MonitoringConfig struct {
	Performance    bool `json:"performance" yaml:"performance"`
	ErrorTracking  bool `json:"error_tracking" yaml:"error_tracking"`
	UsageAnalytics bool `json:"usage_analytics" yaml:"usage_analytics"`
	RecentErrors   int  `json:"recent_errors" yaml:"recent_errors"`
	SweepIntervalS int  `json:"sweep_interval_s" yaml:"sweep_interval_s"`
	FlushIntervalS int  `json:"flush_interval_s" yaml:"flush_interval_s"`
}

// SourceConfig selects and configures the position sources
type SourceConfig struct {
	Priority         []string `json:"priority" yaml:"priority"` // google, starlink, fixed
	GoogleAPIKey     string   `json:"-" yaml:"google_api_key"`
	WiFiInterface    string   `json:"wifi_interface" yaml:"wifi_interface"`
	StarlinkHost     string   `json:"starlink_host" yaml:"starlink_host"`
	StarlinkPort     int      `json:"starlink_port" yaml:"starlink_port"`
	StarlinkTimeoutS int      `json:"starlink_timeout_s" yaml:"starlink_timeout_s"`
	FixedLatitude    float64  `json:"fixed_latitude" yaml:"fixed_latitude"`
	FixedLongitude   float64  `json:"fixed_longitude" yaml:"fixed_longitude"`
	FixedAccuracyM   float64  `json:"fixed_accuracy_m" yaml:"fixed_accuracy_m"`
	Permission       string   `json:"permission" yaml:"permission"` // granted, denied, undetermined, restricted
}

// APIConfig configures the HTTP API
type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
	APIKey  string `json:"-" yaml:"api_key"`
}

// MQTTConfig configures position publishing
type MQTTConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Broker      string `json:"broker" yaml:"broker"`
	Port        int    `json:"port" yaml:"port"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"-" yaml:"password"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
	QoS         int    `json:"qos" yaml:"qos"`
	Retain      bool   `json:"retain" yaml:"retain"`
}

// Default configuration values
const (
	DefaultLogLevel       = "info"
	DefaultDataDir        = "/var/lib/locator"
	DefaultPIDFile        = "/var/run/locator.pid"
	DefaultListen         = "127.0.0.1:8765"
	DefaultStarlinkHost   = "192.168.100.1"
	DefaultStarlinkPort   = 9200
	DefaultMQTTPort       = 1883
	DefaultMQTTTopic      = "locator"
	DefaultSweepIntervalS = 60
	DefaultFlushIntervalS = 30
)

// Default returns the built-in configuration
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	eco := ecosystem.DefaultConfig()

	c.Main = MainConfig{
		LogLevel:        DefaultLogLevel,
		DefaultStrategy: string(strategy.Smart),
		PIDFile:         DefaultPIDFile,
		DataDir:         DefaultDataDir,
	}
	c.Cache = CacheConfig{
		MaxSize:           eco.Cache.MaxSize,
		TTLS:              int(eco.Cache.TTL / time.Second),
		Persistence:       true,
		Backend:           "bolt",
		CompressThreshold: eco.Cache.CompressThreshold,
		RedisAddress:      "localhost:6379",
	}
	c.Strategy = StrategyConfig{
		AdaptiveSelection: eco.Strategy.EnableAdaptiveSelection,
		PerformanceWeight: eco.Strategy.PerformanceWeight,
		AccuracyWeight:    eco.Strategy.AccuracyWeight,
		PowerWeight:       eco.Strategy.PowerWeight,
		MaxRetries:        eco.Strategy.MaxRetries,
		Backoff:           string(eco.Strategy.Backoff),
		BaseDelayMS:       int(eco.Strategy.BaseDelay / time.Millisecond),
		MaxDelayMS:        int(eco.Strategy.MaxDelay / time.Millisecond),
		Fallback:          string(eco.Strategy.Fallback),
		FallbackMaxAgeS:   600,
		ReverseGeocoding:  eco.Strategy.EnableReverseGeocoding,
	}
	c.Privacy = PrivacyConfig{
		Encryption:       eco.Privacy.EnableEncryption,
		Masking:          eco.Privacy.EnableMasking,
		MaskingAccuracyM: eco.Privacy.MaskingAccuracyMeters,
		AccessControl:    eco.Privacy.EnableAccessControl,
		AccessLevel:      string(eco.Privacy.AccessLevel),
		Audit:            eco.Privacy.EnableAudit,
		AuditCapacity:    eco.Privacy.AuditCapacity,
	}
	c.Monitoring = MonitoringConfig{
		Performance:    true,
		ErrorTracking:  true,
		UsageAnalytics: true,
		RecentErrors:   eco.Monitoring.RecentErrors,
		SweepIntervalS: DefaultSweepIntervalS,
		FlushIntervalS: DefaultFlushIntervalS,
	}
	c.Source = SourceConfig{
		Priority:         []string{"starlink", "google"},
		StarlinkHost:     DefaultStarlinkHost,
		StarlinkPort:     DefaultStarlinkPort,
		StarlinkTimeoutS: 10,
		Permission:       "granted",
	}
	c.API = APIConfig{Enabled: true, Listen: DefaultListen}
	c.MQTT = MQTTConfig{
		Port:        DefaultMQTTPort,
		ClientID:    "locator",
		TopicPrefix: DefaultMQTTTopic,
	}
}

// LoadConfig reads a UCI file, or YAML when the extension is .yaml/.yml.
// A missing file yields the defaults. Secrets from the environment override the file.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if isYAML(path) {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse YAML config: %w", err)
			}
		} else if err := cfg.parseUCI(string(data)); err != nil {
			return nil, fmt.Errorf("failed to parse UCI config: %w", err)
		}
	}

	cfg.ApplyEnv()

	if result := NewConfigValidator().Validate(cfg); !result.Valid {
		return nil, fmt.Errorf("configuration validation failed: %w", result)
	}
	return cfg, nil
}

// LoadEnvFile loads KEY=value pairs from a .env file into the environment
// without overriding variables already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv copies secrets from the environment into the configuration
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvGoogleAPIKey); v != "" {
		c.Source.GoogleAPIKey = v
	}
	if v := os.Getenv(EnvEncryptionKey); v != "" {
		c.Privacy.EncryptionKey = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.API.APIKey = v
	}
	if v := os.Getenv(EnvMQTTPassword); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Cache.RedisPassword = v
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// parseUCI parses `config <type> '<name>'` sections with `option` and `list` lines
func (c *Config) parseUCI(data string) error {
	var section string
	lists := make(map[string]bool)

	for n, raw := range strings.Split(data, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		keyword, rest := splitWord(line)
		switch keyword {
		case "config":
			sectionType, _ := splitWord(rest)
			if sectionType == "" {
				return fmt.Errorf("line %d: section without a type", n+1)
			}
			section = sectionType
		case "option", "list":
			if section == "" {
				return fmt.Errorf("line %d: %s outside of a section", n+1, keyword)
			}
			name, value := splitWord(rest)
			if name == "" {
				return fmt.Errorf("line %d: %s without a name", n+1, keyword)
			}
			value = unquote(value)
			if keyword == "list" {
				key := section + "." + name
				if !lists[key] {
					// the first list entry replaces the default
					lists[key] = true
					c.resetList(section, name)
				}
			}
			if err := c.parseOption(section, name, value, keyword == "list"); err != nil {
				return fmt.Errorf("line %d: %w", n+1, err)
			}
		default:
			return fmt.Errorf("line %d: unexpected keyword %q", n+1, keyword)
		}
	}
	return nil
}

func splitWord(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return unquote(s), ""
	}
	return unquote(s[:i]), strings.TrimSpace(s[i+1:])
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func (c *Config) resetList(section, name string) {
	if section == "source" && name == "priority" {
		c.Source.Priority = nil
	}
}

func (c *Config) parseOption(section, option, value string, list bool) error {
	switch section {
	case "locator", "main":
		return c.parseMainOption(option, value)
	case "cache":
		return c.parseCacheOption(option, value)
	case "strategy":
		return c.parseStrategyOption(option, value)
	case "privacy":
		return c.parsePrivacyOption(option, value)
	case "monitoring":
		return c.parseMonitoringOption(option, value)
	case "source":
		return c.parseSourceOption(option, value, list)
	case "api":
		return c.parseAPIOption(option, value)
	case "mqtt":
		return c.parseMQTTOption(option, value)
	}
	// unknown sections belong to other tools sharing the file
	return nil
}

func (c *Config) parseMainOption(option, value string) error {
	switch option {
	case "log_level":
		c.Main.LogLevel = value
	case "default_strategy":
		c.Main.DefaultStrategy = value
	case "pid_file":
		c.Main.PIDFile = value
	case "data_dir":
		c.Main.DataDir = value
	}
	return nil
}

func (c *Config) parseCacheOption(option, value string) (err error) {
	switch option {
	case "max_size":
		c.Cache.MaxSize, err = parseInt(option, value)
	case "ttl_s":
		c.Cache.TTLS, err = parseInt(option, value)
	case "persistence":
		c.Cache.Persistence = parseBool(value)
	case "backend":
		c.Cache.Backend = value
	case "path":
		c.Cache.Path = value
	case "compress_threshold":
		c.Cache.CompressThreshold, err = parseInt(option, value)
	case "redis_address":
		c.Cache.RedisAddress = value
	case "redis_password":
		c.Cache.RedisPassword = value
	case "redis_db":
		c.Cache.RedisDB, err = parseInt(option, value)
	}
	return err
}

func (c *Config) parseStrategyOption(option, value string) (err error) {
	s := &c.Strategy
	switch option {
	case "adaptive_selection":
		s.AdaptiveSelection = parseBool(value)
	case "performance_weight":
		s.PerformanceWeight, err = parseFloat(option, value)
	case "accuracy_weight":
		s.AccuracyWeight, err = parseFloat(option, value)
	case "power_weight":
		s.PowerWeight, err = parseFloat(option, value)
	case "max_retries":
		s.MaxRetries, err = parseInt(option, value)
	case "backoff":
		s.Backoff = value
	case "base_delay_ms":
		s.BaseDelayMS, err = parseInt(option, value)
	case "max_delay_ms":
		s.MaxDelayMS, err = parseInt(option, value)
	case "fallback":
		s.Fallback = value
	case "fallback_max_age_s":
		s.FallbackMaxAgeS, err = parseInt(option, value)
	case "default_latitude":
		s.DefaultLatitude, err = parseFloat(option, value)
	case "default_longitude":
		s.DefaultLongitude, err = parseFloat(option, value)
	case "reverse_geocoding":
		s.ReverseGeocoding = parseBool(value)
	}
	return err
}

func (c *Config) parsePrivacyOption(option, value string) (err error) {
	p := &c.Privacy
	switch option {
	case "encryption":
		p.Encryption = parseBool(value)
	case "encryption_key":
		p.EncryptionKey = value
	case "masking":
		p.Masking = parseBool(value)
	case "masking_accuracy_m":
		p.MaskingAccuracyM, err = parseFloat(option, value)
	case "fuzzing":
		p.Fuzzing = parseBool(value)
	case "access_control":
		p.AccessControl = parseBool(value)
	case "access_level":
		p.AccessLevel = value
	case "audit":
		p.Audit = parseBool(value)
	case "audit_capacity":
		p.AuditCapacity, err = parseInt(option, value)
	case "audit_dir":
		p.AuditDir = value
	case "consent":
		p.Consent = parseBool(value)
	}
	return err
}

func (c *Config) parseMonitoringOption(option, value string) (err error) {
	m := &c.Monitoring
	switch option {
	case "performance":
		m.Performance = parseBool(value)
	case "error_tracking":
		m.ErrorTracking = parseBool(value)
	case "usage_analytics":
		m.UsageAnalytics = parseBool(value)
	case "recent_errors":
		m.RecentErrors, err = parseInt(option, value)
	case "sweep_interval_s":
		m.SweepIntervalS, err = parseInt(option, value)
	case "flush_interval_s":
		m.FlushIntervalS, err = parseInt(option, value)
	}
	return err
}

func (c *Config) parseSourceOption(option, value string, list bool) (err error) {
	s := &c.Source
	switch option {
	case "priority":
		if list {
			s.Priority = append(s.Priority, value)
			return nil
		}
		s.Priority = nil
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				s.Priority = append(s.Priority, p)
			}
		}
	case "google_api_key":
		s.GoogleAPIKey = value
	case "wifi_interface":
		s.WiFiInterface = value
	case "starlink_host":
		s.StarlinkHost = value
	case "starlink_port":
		s.StarlinkPort, err = parseInt(option, value)
	case "starlink_timeout_s":
		s.StarlinkTimeoutS, err = parseInt(option, value)
	case "fixed_latitude":
		s.FixedLatitude, err = parseFloat(option, value)
	case "fixed_longitude":
		s.FixedLongitude, err = parseFloat(option, value)
	case "fixed_accuracy_m":
		s.FixedAccuracyM, err = parseFloat(option, value)
	case "permission":
		s.Permission = value
	}
	return err
}

func (c *Config) parseAPIOption(option, value string) error {
	switch option {
	case "enabled":
		c.API.Enabled = parseBool(value)
	case "listen":
		c.API.Listen = value
	case "api_key":
		c.API.APIKey = value
	}
	return nil
}

func (c *Config) parseMQTTOption(option, value string) (err error) {
	m := &c.MQTT
	switch option {
	case "enabled":
		m.Enabled = parseBool(value)
	case "broker":
		m.Broker = value
	case "port":
		m.Port, err = parseInt(option, value)
	case "client_id":
		m.ClientID = value
	case "username":
		m.Username = value
	case "password":
		m.Password = value
	case "topic_prefix":
		m.TopicPrefix = value
	case "qos":
		m.QoS, err = parseInt(option, value)
	case "retain":
		m.Retain = parseBool(value)
	}
	return err
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on", "enabled":
		return true
	}
	return false
}

func parseInt(option, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: %q is not an integer", option, v)
	}
	return n, nil
}

func parseFloat(option, v string) (float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("option %s: %q is not a number", option, v)
	}
	return f, nil
}

// StoragePath returns the cache database path for file backends
func (c *Config) StoragePath() string {
	if c.Cache.Path != "" {
		return c.Cache.Path
	}
	switch c.Cache.Backend {
	case "sqlite":
		return filepath.Join(c.Main.DataDir, "cache.db")
	default:
		return filepath.Join(c.Main.DataDir, "cache.bolt")
	}
}

// Ecosystem converts the daemon configuration into the orchestrator configuration
func (c *Config) Ecosystem() ecosystem.Config {
	eco := ecosystem.DefaultConfig()

	eco.DefaultStrategy = strategy.Name(c.Main.DefaultStrategy)

	eco.Cache.MaxSize = c.Cache.MaxSize
	eco.Cache.TTL = time.Duration(c.Cache.TTLS) * time.Second
	eco.Cache.EnablePersistence = c.Cache.Persistence && c.Cache.Backend != "memory"
	eco.Cache.CompressThreshold = c.Cache.CompressThreshold

	s := &eco.Strategy
	s.EnableAdaptiveSelection = c.Strategy.AdaptiveSelection
	s.PerformanceWeight = c.Strategy.PerformanceWeight
	s.AccuracyWeight = c.Strategy.AccuracyWeight
	s.PowerWeight = c.Strategy.PowerWeight
	s.MaxRetries = c.Strategy.MaxRetries
	s.Backoff = strategy.BackoffKind(c.Strategy.Backoff)
	s.BaseDelay = time.Duration(c.Strategy.BaseDelayMS) * time.Millisecond
	s.MaxDelay = time.Duration(c.Strategy.MaxDelayMS) * time.Millisecond
	s.Fallback = strategy.FallbackKind(c.Strategy.Fallback)
	s.FallbackMaxAge = time.Duration(c.Strategy.FallbackMaxAgeS) * time.Second
	s.DefaultLocation = pkg.Position{Latitude: c.Strategy.DefaultLatitude, Longitude: c.Strategy.DefaultLongitude}
	s.EnableReverseGeocoding = c.Strategy.ReverseGeocoding

	p := &eco.Privacy
	p.EnableEncryption = c.Privacy.Encryption
	p.Secret = c.Privacy.EncryptionKey
	p.EnableMasking = c.Privacy.Masking
	p.MaskingAccuracyMeters = c.Privacy.MaskingAccuracyM
	p.EnableFuzzing = c.Privacy.Fuzzing
	p.EnableAccessControl = c.Privacy.AccessControl
	p.AccessLevel = privacy.AccessLevel(c.Privacy.AccessLevel)
	p.EnableAudit = c.Privacy.Audit
	p.AuditCapacity = c.Privacy.AuditCapacity
	p.AuditDir = c.Privacy.AuditDir
	p.Consent = c.Privacy.Consent

	m := &eco.Monitoring
	m.EnablePerformanceMonitoring = c.Monitoring.Performance
	m.EnableErrorTracking = c.Monitoring.ErrorTracking
	m.EnableUsageAnalytics = c.Monitoring.UsageAnalytics
	m.RecentErrors = c.Monitoring.RecentErrors
	m.SweepInterval = time.Duration(c.Monitoring.SweepIntervalS) * time.Second
	m.FlushInterval = time.Duration(c.Monitoring.FlushIntervalS) * time.Second

	return eco
}
