package uci

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/locator/pkg/logx"
	"github.com/markus-lassfolk/locator/pkg/privacy"
	"github.com/markus-lassfolk/locator/pkg/strategy"
)

const sampleUCI = `
# locator configuration
config locator 'main'
	option log_level 'debug'
	option default_strategy "balanced"
	option data_dir '/tmp/locator'

config cache 'main'
	option max_size '250'
	option ttl_s '120'
	option backend 'sqlite'

config strategy 'main'
	option max_retries '5'
	option backoff 'linear'
	option fallback 'default_location'
	option default_latitude '59.3293'
	option default_longitude '18.0686'

config privacy 'main'
	option masking '0'
	option access_level 'strict'
	option consent 'yes'

config source 'main'
	list priority 'fixed'
	list priority 'starlink'
	option fixed_latitude '59.3345'
	option fixed_longitude '18.0678'

config mwan3 'wan'
	option enabled '1'
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigUCI(t *testing.T) {
	cfg, err := LoadConfig(writeFile(t, "locator", sampleUCI))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Main.LogLevel)
	assert.Equal(t, "balanced", cfg.Main.DefaultStrategy)
	assert.Equal(t, 250, cfg.Cache.MaxSize)
	assert.Equal(t, 120, cfg.Cache.TTLS)
	assert.Equal(t, "sqlite", cfg.Cache.Backend)
	assert.Equal(t, "/tmp/locator/cache.db", cfg.StoragePath())
	assert.Equal(t, 5, cfg.Strategy.MaxRetries)
	assert.Equal(t, "linear", cfg.Strategy.Backoff)
	assert.False(t, cfg.Privacy.Masking)
	assert.True(t, cfg.Privacy.Consent)
	assert.Equal(t, "strict", cfg.Privacy.AccessLevel)
	assert.Equal(t, []string{"fixed", "starlink"}, cfg.Source.Priority, "list entries replace the default priority")
	assert.InDelta(t, 59.3345, cfg.Source.FixedLatitude, 1e-9)

	// untouched options keep their defaults
	assert.Equal(t, DefaultListen, cfg.API.Listen)
	assert.True(t, cfg.Privacy.Encryption)
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeFile(t, "locator.yaml", `
main:
  log_level: warn
  default_strategy: highAccuracy
cache:
  backend: memory
source:
  priority: [fixed]
  fixed_latitude: 40.7128
  fixed_longitude: -74.006
mqtt:
  enabled: true
  broker: broker.local
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Main.LogLevel)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, []string{"fixed"}, cfg.Source.Priority)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "broker.local", cfg.MQTT.Broker)
	assert.Equal(t, DefaultMQTTPort, cfg.MQTT.Port)
	assert.False(t, cfg.Ecosystem().Cache.EnablePersistence, "memory backend never persists")
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Equal(t, Default().Main, cfg.Main)
	assert.Equal(t, []string{"starlink", "google"}, cfg.Source.Priority)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"option outside section", "option log_level 'info'\n", "line 1"},
		{"bad integer", "config cache 'main'\n\toption max_size 'lots'\n", "not an integer"},
		{"bad keyword", "config cache 'main'\n\tvalue x 1\n", "unexpected keyword"},
		{"invalid value", "config cache 'main'\n\toption backend 'floppy'\n", "cache.backend"},
		{"unknown source", "config source 'main'\n\tlist priority 'gnss'\n", "unknown source"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, "locator", tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfigValidationResult(t *testing.T) {
	_, err := LoadConfig(writeFile(t, "locator", "config strategy 'main'\n\toption max_retries '0'\n"))
	require.Error(t, err)

	var result ValidationResult
	require.ErrorAs(t, err, &result)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "strategy", result.Errors[0].Section)
	assert.Equal(t, "max_retries", result.Errors[0].Option)
}

func TestSecretsFromEnvironment(t *testing.T) {
	envFile := writeFile(t, ".env", "LOCATOR_API_KEY=from-dotenv\nLOCATOR_ENCRYPTION_KEY=dotenv-secret\n")
	t.Setenv(EnvEncryptionKey, "already-set")
	t.Setenv(EnvAPIKey, "")
	os.Unsetenv(EnvAPIKey)

	require.NoError(t, LoadEnvFile(envFile))
	require.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))

	cfg, err := LoadConfig(writeFile(t, "locator", "config privacy 'main'\n\toption encryption_key 'file-secret'\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.API.APIKey)
	assert.Equal(t, "already-set", cfg.Privacy.EncryptionKey, "the environment wins over the file and .env does not override it")
}

func TestValidatorWarnings(t *testing.T) {
	cfg := Default()
	cfg.Strategy.BaseDelayMS = 10000
	cfg.Strategy.MaxDelayMS = 1000
	cfg.Source.Priority = []string{"google", "google"}

	result := NewConfigValidator().Validate(cfg)
	assert.True(t, result.Valid)

	var options []string
	for _, w := range result.Warnings {
		options = append(options, w.Section+"."+w.Option)
	}
	assert.Contains(t, options, "strategy.base_delay_ms")
	assert.Contains(t, options, "source.priority")
	assert.Contains(t, options, "source.google_api_key")
	assert.Contains(t, options, "api.api_key")
}

func TestValidatorErrors(t *testing.T) {
	cfg := Default()
	cfg.Main.LogLevel = "loud"
	cfg.Cache.Backend = "redis"
	cfg.Cache.RedisAddress = "nohost"
	cfg.Privacy.MaskingAccuracyM = 0
	cfg.MQTT.Enabled = true
	cfg.MQTT.TopicPrefix = "locator/#"

	result := NewConfigValidator().Validate(cfg)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Error(), "main.log_level")
	assert.Contains(t, result.Error(), "cache.redis_address")
	assert.Contains(t, result.Error(), "privacy.masking_accuracy_m")
	assert.Contains(t, result.Error(), "mqtt.broker")
	assert.Contains(t, result.Error(), "mqtt.topic_prefix")
}

func TestEcosystemMapping(t *testing.T) {
	cfg := Default()
	cfg.Main.DefaultStrategy = "lowPower"
	cfg.Cache.TTLS = 90
	cfg.Strategy.BaseDelayMS = 250
	cfg.Strategy.Fallback = "default_location"
	cfg.Strategy.DefaultLatitude = 51.5
	cfg.Privacy.AccessLevel = "relaxed"
	cfg.Privacy.EncryptionKey = "k"
	cfg.Monitoring.SweepIntervalS = 15

	eco := cfg.Ecosystem()
	require.NoError(t, eco.Validate())
	assert.Equal(t, strategy.LowPower, eco.DefaultStrategy)
	assert.Equal(t, 90*time.Second, eco.Cache.TTL)
	assert.True(t, eco.Cache.EnablePersistence)
	assert.Equal(t, 250*time.Millisecond, eco.Strategy.BaseDelay)
	assert.Equal(t, strategy.FallbackDefaultLocation, eco.Strategy.Fallback)
	assert.Equal(t, 51.5, eco.Strategy.DefaultLocation.Latitude)
	assert.Equal(t, 10*time.Minute, eco.Strategy.FallbackMaxAge)
	assert.Equal(t, privacy.AccessRelaxed, eco.Privacy.AccessLevel)
	assert.Equal(t, "k", eco.Privacy.Secret)
	assert.Equal(t, 15*time.Second, eco.Monitoring.SweepInterval)
}

func TestWriteUCIRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Main.LogLevel = "debug"
	cfg.Cache.Backend = "memory"
	cfg.Strategy.PerformanceWeight = 0.25
	cfg.Source.Priority = []string{"fixed", "google"}
	cfg.Source.FixedLatitude = -33.8688
	cfg.Source.FixedLongitude = 151.2093
	cfg.API.APIKey = "secret"

	var buf bytes.Buffer
	require.NoError(t, cfg.WriteUCI(&buf, false))
	assert.NotContains(t, buf.String(), "secret")
	assert.Contains(t, buf.String(), "\tlist priority 'fixed'\n")

	parsed := Default()
	require.NoError(t, parsed.parseUCI(buf.String()))
	cfg.API.APIKey = ""
	assert.Equal(t, cfg, parsed)

	buf.Reset()
	cfg.API.APIKey = "secret"
	require.NoError(t, cfg.WriteUCI(&buf, true))
	assert.Contains(t, buf.String(), "option api_key 'secret'")
}

func TestWatcherCheck(t *testing.T) {
	path := writeFile(t, "locator", "config locator 'main'\n\toption log_level 'info'\n")
	w := NewWatcher(path, time.Second, logx.NewNopLogger())

	cfg, changed, err := w.Check()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Nil(t, cfg)

	require.NoError(t, os.WriteFile(path, []byte("config locator 'main'\n\toption log_level 'debug'\n"), 0o600))
	cfg, changed, err = w.Check()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "debug", cfg.Main.LogLevel)

	require.NoError(t, os.WriteFile(path, []byte("config cache 'main'\n\toption backend 'floppy'\n"), 0o600))
	_, changed, err = w.Check()
	assert.True(t, changed)
	assert.Error(t, err)

	_, changed, err = w.Check()
	require.NoError(t, err)
	assert.False(t, changed, "an invalid revision is not retried")
}
