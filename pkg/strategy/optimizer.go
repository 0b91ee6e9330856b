// Package strategy executes position requests under accuracy/power profiles
// with retry, fallback, and adaptive selection.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/markus-lassfolk/locator/pkg"
	"github.com/markus-lassfolk/locator/pkg/cache"
	"github.com/markus-lassfolk/locator/pkg/gps"
	"github.com/markus-lassfolk/locator/pkg/logx"
)

// Name identifies a strategy
type Name string

const (
	HighAccuracy Name = "highAccuracy"
	Balanced     Name = "balanced"
	LowPower     Name = "lowPower"
	CacheFirst   Name = "cacheFirst"
	Smart        Name = "smart"
)

// Known lists the concrete strategies; Smart resolves to one of them.
// CacheFirst comes first so it wins score ties.
var Known = []Name{CacheFirst, HighAccuracy, Balanced, LowPower}

// FallbackKind is what runs after the retries of a strategy are exhausted
type FallbackKind string

const (
	FallbackCache           FallbackKind = "cache"
	FallbackLowPower        FallbackKind = "low_power"
	FallbackDefaultLocation FallbackKind = "default_location"
	FallbackNone            FallbackKind = "none"
)

// DefaultResponseTimeSmoothing weights a new sample equally with the running average
const DefaultResponseTimeSmoothing = 0.5

// StrategyProfile describes the source request and the static traits of a strategy
type StrategyProfile struct {
	Request          gps.Profile
	PowerEfficiency  float64
	ExpectedAccuracy float64 // meters, used for scoring until observed
}

// Profiles are the built-in strategy definitions
var Profiles = map[Name]StrategyProfile{
	HighAccuracy: {
		Request:          gps.Profile{Accuracy: gps.AccuracyHigh, Timeout: 15 * time.Second},
		PowerEfficiency:  0.3,
		ExpectedAccuracy: 10,
	},
	Balanced: {
		Request:          gps.Profile{Accuracy: gps.AccuracyBalanced, Timeout: 10 * time.Second, MaximumAge: time.Minute},
		PowerEfficiency:  0.6,
		ExpectedAccuracy: 50,
	},
	LowPower: {
		Request:          gps.Profile{Accuracy: gps.AccuracyLow, Timeout: 5 * time.Second, MaximumAge: 5 * time.Minute},
		PowerEfficiency:  0.9,
		ExpectedAccuracy: 500,
	},
	CacheFirst: {
		Request:          gps.Profile{Accuracy: gps.AccuracyLow, Timeout: 5 * time.Second, MaximumAge: 10 * time.Minute},
		PowerEfficiency:  1.0,
		ExpectedAccuracy: 1000,
	},
}

// Config tunes selection, retry and fallback
type Config struct {
	EnableAdaptiveSelection bool    `json:"enable_adaptive_selection" yaml:"enable_adaptive_selection"`
	PerformanceWeight       float64 `json:"performance_weight" yaml:"performance_weight"`
	AccuracyWeight          float64 `json:"accuracy_weight" yaml:"accuracy_weight"`
	PowerWeight             float64 `json:"power_weight" yaml:"power_weight"`

	MaxRetries int           `json:"max_retries" yaml:"max_retries"` // total attempts per execution
	Backoff    BackoffKind   `json:"backoff" yaml:"backoff"`
	BaseDelay  time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay" yaml:"max_delay"`

	Fallback        FallbackKind  `json:"fallback" yaml:"fallback"`
	FallbackMaxAge  time.Duration `json:"fallback_max_age" yaml:"fallback_max_age"`
	DefaultLocation pkg.Position  `json:"default_location" yaml:"default_location"`

	ResponseTimeSmoothing float64       `json:"response_time_smoothing" yaml:"response_time_smoothing"`
	ResponseTimeCeiling   time.Duration `json:"response_time_ceiling" yaml:"response_time_ceiling"`
	AccuracyCeiling       float64       `json:"accuracy_ceiling" yaml:"accuracy_ceiling"`

	EnableReverseGeocoding bool `json:"enable_reverse_geocoding" yaml:"enable_reverse_geocoding"`
}

// DefaultConfig returns the default optimizer configuration
func DefaultConfig() Config {
	return Config{
		EnableAdaptiveSelection: true,
		PerformanceWeight:       0.4,
		AccuracyWeight:          0.4,
		PowerWeight:             0.2,
		MaxRetries:              3,
		Backoff:                 BackoffExponential,
		BaseDelay:               500 * time.Millisecond,
		MaxDelay:                5 * time.Second,
		Fallback:                FallbackCache,
		ResponseTimeSmoothing:   DefaultResponseTimeSmoothing,
		ResponseTimeCeiling:     10 * time.Second,
		AccuracyCeiling:         1000,
		EnableReverseGeocoding:  true,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.Backoff == "" {
		c.Backoff = def.Backoff
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = 0
	}
	if c.Fallback == "" {
		c.Fallback = def.Fallback
	}
	if c.ResponseTimeSmoothing <= 0 || c.ResponseTimeSmoothing > 1 {
		c.ResponseTimeSmoothing = def.ResponseTimeSmoothing
	}
	if c.ResponseTimeCeiling <= 0 {
		c.ResponseTimeCeiling = def.ResponseTimeCeiling
	}
	if c.AccuracyCeiling <= 0 {
		c.AccuracyCeiling = def.AccuracyCeiling
	}
	if c.PerformanceWeight == 0 && c.AccuracyWeight == 0 && c.PowerWeight == 0 {
		c.PerformanceWeight, c.AccuracyWeight, c.PowerWeight = def.PerformanceWeight, def.AccuracyWeight, def.PowerWeight
	}
}

// Optimizer runs strategies against a position source and keeps per-strategy metrics
type Optimizer struct {
	source gps.PositionSource
	cache  *cache.Manager
	logger *logx.Logger

	mu      sync.Mutex
	cfg     Config
	metrics map[Name]*metricState

	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOptimizer creates an optimizer; cache may be nil
func NewOptimizer(source gps.PositionSource, c *cache.Manager, cfg Config, logger *logx.Logger) *Optimizer {
	cfg.applyDefaults()
	o := &Optimizer{
		source: source,
		cache:  c,
		logger: logger,
		cfg:    cfg,
		clock:  time.Now,
		sleep:  sleepContext,
	}
	o.metrics = o.freshMetrics()
	return o
}

func (o *Optimizer) freshMetrics() map[Name]*metricState {
	m := make(map[Name]*metricState, len(Known))
	for _, n := range Known {
		m[n] = newMetricState(Profiles[n].PowerEfficiency)
	}
	return m
}

func (o *Optimizer) HighAccuracy(ctx context.Context) (*pkg.Position, error) {
	return o.Execute(ctx, HighAccuracy)
}

func (o *Optimizer) Balanced(ctx context.Context) (*pkg.Position, error) {
	return o.Execute(ctx, Balanced)
}

func (o *Optimizer) LowPower(ctx context.Context) (*pkg.Position, error) {
	return o.Execute(ctx, LowPower)
}

func (o *Optimizer) CacheFirst(ctx context.Context) (*pkg.Position, error) {
	return o.Execute(ctx, CacheFirst)
}

func (o *Optimizer) Smart(ctx context.Context) (*pkg.Position, error) {
	return o.Execute(ctx, Smart)
}

// Execute runs the named strategy, including retries and the configured fallback
func (o *Optimizer) Execute(ctx context.Context, name Name) (*pkg.Position, error) {
	if name == Smart || name == "" {
		name = o.SelectStrategy()
	}
	if _, ok := Profiles[name]; !ok {
		return nil, pkg.NewError(pkg.ErrUnknown, fmt.Sprintf("unknown strategy %q", name), nil)
	}

	pos, err := o.run(ctx, name)
	if err == nil {
		return pos, nil
	}

	if fb, ferr := o.fallback(ctx, name, err); ferr == nil {
		return fb, nil
	}
	return nil, err
}

// run executes one strategy without fallback and records its metric
func (o *Optimizer) run(ctx context.Context, name Name) (*pkg.Position, error) {
	profile := Profiles[name]
	start := o.clock()

	var (
		pos *pkg.Position
		err error
	)
	if name == CacheFirst {
		pos = o.fromCache(profile.Request.MaximumAge)
	}
	if pos == nil {
		pos, err = o.resolve(ctx, name, profile.Request)
	}

	elapsed := o.clock().Sub(start)
	o.recordMetric(name, elapsed, pos, err)

	if err != nil {
		o.logger.Warn("strategy failed", "strategy", string(name), "error", err, "duration", elapsed.String())
		return nil, err
	}
	o.logger.Debug("strategy succeeded", "strategy", string(name), "source", pos.Source, "duration", elapsed.String())
	return pos, nil
}

func (o *Optimizer) resolve(ctx context.Context, name Name, request gps.Profile) (*pkg.Position, error) {
	cfg := o.Config()
	retryer := &Retryer{
		MaxAttempts: cfg.MaxRetries,
		Kind:        cfg.Backoff,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		sleep:       o.sleep,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			o.logger.Debug("retrying position request",
				"strategy", string(name), "attempt", attempt, "delay", delay.String(), "error", err)
		},
	}

	var pos *pkg.Position
	err := retryer.Do(ctx, func(ctx context.Context, attempt int) error {
		raw, err := o.source.ResolveRaw(ctx, request)
		if err != nil {
			return pkg.Classify(err)
		}
		p, err := raw.ToPosition(o.source.Name())
		if err != nil {
			return err
		}
		pos = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	if cfg.EnableReverseGeocoding && pos.Address.IsEmpty() {
		o.fillAddress(ctx, pos)
	}

	if o.cache != nil {
		if _, err := o.cache.SetPosition(*pos); err != nil {
			o.logger.Warn("failed to cache position", "error", err)
		}
	}
	return pos, nil
}

func (o *Optimizer) fillAddress(ctx context.Context, pos *pkg.Position) {
	addr, err := o.source.ReverseGeocode(ctx, pos.Latitude, pos.Longitude)
	if err != nil {
		if !errors.Is(err, gps.ErrGeocodingUnsupported) {
			o.logger.Warn("reverse geocoding failed", "error", err)
		}
		return
	}
	if addr != nil {
		pos.Address = *addr
	}
}

func (o *Optimizer) fromCache(maxAge time.Duration) *pkg.Position {
	if o.cache == nil {
		return nil
	}
	e, ok := o.cache.Freshest(maxAge)
	if !ok {
		return nil
	}
	p := e.Position.Clone()
	return &p
}

// fallback recovers from a failed strategy. Permission failures are never masked.
func (o *Optimizer) fallback(ctx context.Context, name Name, cause error) (*pkg.Position, error) {
	if pkg.TypeOf(cause) == pkg.ErrPermission {
		return nil, cause
	}

	cfg := o.Config()
	switch cfg.Fallback {
	case FallbackCache:
		if p := o.fromCache(cfg.FallbackMaxAge); p != nil {
			o.logger.Info("served cached position after strategy failure", "strategy", string(name))
			return p, nil
		}
	case FallbackLowPower:
		if name != LowPower {
			o.logger.LogStateChange("strategy", string(name), string(LowPower), "fallback")
			return o.run(ctx, LowPower)
		}
	case FallbackDefaultLocation:
		p := cfg.DefaultLocation.Clone()
		p.Timestamp = o.clock().UnixMilli()
		p.Source = "default"
		p.Placeholder = true
		if err := p.Validate(); err == nil {
			o.logger.Warn("returning placeholder position after strategy failure", "strategy", string(name))
			return &p, nil
		}
	}
	return nil, cause
}

func (o *Optimizer) recordMetric(name Name, elapsed time.Duration, pos *pkg.Position, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var accuracy *float64
	if pos != nil {
		accuracy = pos.Accuracy
	}
	o.metrics[name].record(float64(elapsed.Microseconds())/1000, accuracy, err != nil, o.cfg.ResponseTimeSmoothing)
}

// SelectStrategy returns the strategy smart would run now
func (o *Optimizer) SelectStrategy() Name {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.cfg.EnableAdaptiveSelection {
		return Balanced
	}

	best, bestScore := Known[0], math.Inf(-1)
	for _, n := range Known {
		if s := o.scoreLocked(n); s > bestScore {
			best, bestScore = n, s
		}
	}
	return best
}

// Scores returns the current smart score of every known strategy
func (o *Optimizer) Scores() map[Name]float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[Name]float64, len(Known))
	for _, n := range Known {
		out[n] = o.scoreLocked(n)
	}
	return out
}

func (o *Optimizer) scoreLocked(n Name) float64 {
	m := o.metrics[n]
	ceilingMs := float64(o.cfg.ResponseTimeCeiling.Milliseconds())

	perf := 0.5*(1-math.Min(m.AvgResponseTime/ceilingMs, 1)) + 0.5*m.SuccessRate

	avgAcc := Profiles[n].ExpectedAccuracy
	if m.accInitialized {
		avgAcc = m.AvgAccuracy
	}
	acc := 1 - math.Min(avgAcc/o.cfg.AccuracyCeiling, 1)

	return o.cfg.PerformanceWeight*perf + o.cfg.AccuracyWeight*acc + o.cfg.PowerWeight*m.PowerEfficiency
}

// Metrics returns a snapshot of every strategy metric
func (o *Optimizer) Metrics() map[Name]Metric {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[Name]Metric, len(o.metrics))
	for n, m := range o.metrics {
		out[n] = m.snapshot()
	}
	return out
}

// ResetMetrics clears all strategy metrics
func (o *Optimizer) ResetMetrics() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.metrics = o.freshMetrics()
}

// Config returns the active configuration
func (o *Optimizer) Config() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// UpdateConfig replaces the configuration; metrics are kept
func (o *Optimizer) UpdateConfig(cfg Config) {
	cfg.applyDefaults()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg = cfg
}
