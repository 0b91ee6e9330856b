package uci

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// uciSection collects the rendered options of one config section
type uciSection struct {
	kind  string
	lines []string
}

func (s *uciSection) option(name string, value interface{}) {
	s.lines = append(s.lines, fmt.Sprintf("\toption %s %s", name, quote(format(value))))
}

func (s *uciSection) list(name string, values []string) {
	for _, v := range values {
		s.lines = append(s.lines, fmt.Sprintf("\tlist %s %s", name, quote(v)))
	}
}

func format(v interface{}) string {
	switch t := v.(type) {
	case bool:
		if t {
			return "1"
		}
		return "0"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func quote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "") + "'"
}

// WriteUCI renders the configuration in UCI format. Secrets are written only
// when withSecrets is set, so exported files can be shared safely.
func (c *Config) WriteUCI(w io.Writer, withSecrets bool) error {
	secret := func(s *uciSection, name, value string) {
		if withSecrets && value != "" {
			s.option(name, value)
		}
	}

	main := &uciSection{kind: "locator"}
	main.option("log_level", c.Main.LogLevel)
	main.option("default_strategy", c.Main.DefaultStrategy)
	main.option("pid_file", c.Main.PIDFile)
	main.option("data_dir", c.Main.DataDir)

	cache := &uciSection{kind: "cache"}
	cache.option("max_size", c.Cache.MaxSize)
	cache.option("ttl_s", c.Cache.TTLS)
	cache.option("persistence", c.Cache.Persistence)
	cache.option("backend", c.Cache.Backend)
	if c.Cache.Path != "" {
		cache.option("path", c.Cache.Path)
	}
	cache.option("compress_threshold", c.Cache.CompressThreshold)
	cache.option("redis_address", c.Cache.RedisAddress)
	secret(cache, "redis_password", c.Cache.RedisPassword)
	cache.option("redis_db", c.Cache.RedisDB)

	st := &uciSection{kind: "strategy"}
	st.option("adaptive_selection", c.Strategy.AdaptiveSelection)
	st.option("performance_weight", c.Strategy.PerformanceWeight)
	st.option("accuracy_weight", c.Strategy.AccuracyWeight)
	st.option("power_weight", c.Strategy.PowerWeight)
	st.option("max_retries", c.Strategy.MaxRetries)
	st.option("backoff", c.Strategy.Backoff)
	st.option("base_delay_ms", c.Strategy.BaseDelayMS)
	st.option("max_delay_ms", c.Strategy.MaxDelayMS)
	st.option("fallback", c.Strategy.Fallback)
	st.option("fallback_max_age_s", c.Strategy.FallbackMaxAgeS)
	st.option("default_latitude", c.Strategy.DefaultLatitude)
	st.option("default_longitude", c.Strategy.DefaultLongitude)
	st.option("reverse_geocoding", c.Strategy.ReverseGeocoding)

	pr := &uciSection{kind: "privacy"}
	pr.option("encryption", c.Privacy.Encryption)
	secret(pr, "encryption_key", c.Privacy.EncryptionKey)
	pr.option("masking", c.Privacy.Masking)
	pr.option("masking_accuracy_m", c.Privacy.MaskingAccuracyM)
	pr.option("fuzzing", c.Privacy.Fuzzing)
	pr.option("access_control", c.Privacy.AccessControl)
	pr.option("access_level", c.Privacy.AccessLevel)
	pr.option("audit", c.Privacy.Audit)
	pr.option("audit_capacity", c.Privacy.AuditCapacity)
	if c.Privacy.AuditDir != "" {
		pr.option("audit_dir", c.Privacy.AuditDir)
	}
	pr.option("consent", c.Privacy.Consent)

	mon := &uciSection{kind: "monitoring"}
	mon.option("performance", c.Monitoring.Performance)
	mon.option("error_tracking", c.Monitoring.ErrorTracking)
	mon.option("usage_analytics", c.Monitoring.UsageAnalytics)
	mon.option("recent_errors", c.Monitoring.RecentErrors)
	mon.option("sweep_interval_s", c.Monitoring.SweepIntervalS)
	mon.option("flush_interval_s", c.Monitoring.FlushIntervalS)

	src := &uciSection{kind: "source"}
	src.list("priority", c.Source.Priority)
	secret(src, "google_api_key", c.Source.GoogleAPIKey)
	if c.Source.WiFiInterface != "" {
		src.option("wifi_interface", c.Source.WiFiInterface)
	}
	src.option("starlink_host", c.Source.StarlinkHost)
	src.option("starlink_port", c.Source.StarlinkPort)
	src.option("starlink_timeout_s", c.Source.StarlinkTimeoutS)
	src.option("fixed_latitude", c.Source.FixedLatitude)
	src.option("fixed_longitude", c.Source.FixedLongitude)
	src.option("fixed_accuracy_m", c.Source.FixedAccuracyM)
	src.option("permission", c.Source.Permission)

	api := &uciSection{kind: "api"}
	api.option("enabled", c.API.Enabled)
	api.option("listen", c.API.Listen)
	secret(api, "api_key", c.API.APIKey)

	mq := &uciSection{kind: "mqtt"}
	mq.option("enabled", c.MQTT.Enabled)
	if c.MQTT.Broker != "" {
		mq.option("broker", c.MQTT.Broker)
	}
	mq.option("port", c.MQTT.Port)
	mq.option("client_id", c.MQTT.ClientID)
	if c.MQTT.Username != "" {
		mq.option("username", c.MQTT.Username)
	}
	secret(mq, "password", c.MQTT.Password)
	mq.option("topic_prefix", c.MQTT.TopicPrefix)
	mq.option("qos", c.MQTT.QoS)
	mq.option("retain", c.MQTT.Retain)

	bw := bufio.NewWriter(w)
	for i, s := range []*uciSection{main, cache, st, pr, mon, src, api, mq} {
		if i > 0 {
			fmt.Fprintln(bw)
		}
		fmt.Fprintf(bw, "config %s 'main'\n", s.kind)
		for _, l := range s.lines {
			fmt.Fprintln(bw, l)
		}
	}
	return bw.Flush()
}
