// Package ecosystem composes the source, cache, strategy and privacy layers
// into the public location API.
package ecosystem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/locator/pkg"
	"github.com/markus-lassfolk/locator/pkg/audit"
	"github.com/markus-lassfolk/locator/pkg/cache"
	"github.com/markus-lassfolk/locator/pkg/gps"
	"github.com/markus-lassfolk/locator/pkg/location"
	"github.com/markus-lassfolk/locator/pkg/logx"
	"github.com/markus-lassfolk/locator/pkg/privacy"
	"github.com/markus-lassfolk/locator/pkg/strategy"
)

// Job names
const (
	JobSweep = "cache_sweep"
	JobFlush = "cache_flush"
)

// Publisher receives every position returned to a caller
type Publisher interface {
	PublishLocation(ctx context.Context, pos *pkg.Position) error
}

// Deps are the collaborators injected by the composition root
type Deps struct {
	Source      gps.PositionSource
	Permissions gps.PermissionProvider // nil means always granted
	Storage     cache.Storage          // nil disables persistence
	Publisher   Publisher              // optional
	AuditLog    *audit.AccessLogger    // nil creates one from the privacy config
	Clock       func() time.Time
}

// Options tune a single GetCurrentLocation call
type Options struct {
	Strategy strategy.Name
	// Accessor is checked against the access level unless nil (an in-process
	// caller) or anonymous
	Accessor *privacy.Accessor
}

// HistoryFilter selects cached positions; zero fields match everything
type HistoryFilter struct {
	Since time.Time
	Until time.Time
	Limit int
	Mask  bool
}

// NearbyPosition is a history entry with its distance from the search center
type NearbyPosition struct {
	pkg.Position
	Distance float64 `json:"distance"` // meters
}

// Status is a snapshot of the orchestrator state
type Status struct {
	Running          bool                 `json:"running"`
	Uptime           string               `json:"uptime"`
	Source           string               `json:"source"`
	Permission       gps.PermissionStatus `json:"permission,omitempty"`
	DefaultStrategy  strategy.Name        `json:"defaultStrategy"`
	SelectedStrategy strategy.Name        `json:"selectedStrategy"`
	Cache            cache.Stats          `json:"cache"`
	Privacy          PrivacyStatus        `json:"privacy"`
	Audit            audit.Stats          `json:"audit"`
	Jobs             []JobInfo            `json:"jobs"`
	LastPosition     *pkg.Position        `json:"lastPosition,omitempty"`
	Requests         RequestCounters      `json:"requests"`
}

// PrivacyStatus summarizes the active privacy settings
type PrivacyStatus struct {
	Encryption    bool                `json:"encryption"`
	Masking       bool                `json:"masking"`
	Fuzzing       bool                `json:"fuzzing"`
	AccessControl bool                `json:"accessControl"`
	AccessLevel   privacy.AccessLevel `json:"accessLevel"`
	Audit         bool                `json:"audit"`
}

// PerformanceReport aggregates request, strategy and cache figures
type PerformanceReport struct {
	Requests   RequestCounters                   `json:"requests"`
	Strategies map[strategy.Name]strategy.Metric `json:"strategies"`
	Scores     map[strategy.Name]float64         `json:"scores"`
	Cache      cache.Stats                       `json:"cache"`
	Operations []logx.OperationMetric            `json:"operations"`
	Usage      *Usage                            `json:"usage,omitempty"`
}

// ErrorReport lists failure counts and the most recent failures
type ErrorReport struct {
	Total  int64                   `json:"total"`
	ByType map[pkg.ErrorType]int64 `json:"byType"`
	Recent []ErrorRecord           `json:"recent"`
}

// Manager is the orchestrator. Construct it with NewManager and release it with Destroy.
type Manager struct {
	logger      *logx.Logger
	perf        *logx.PerformanceLogger
	source      gps.PositionSource
	permissions gps.PermissionProvider
	publisher   Publisher
	clock       func() time.Time
	started     time.Time

	cache     *cache.Manager
	optimizer *strategy.Optimizer
	privacy   *privacy.Manager
	metrics   *Metrics
	counters  *counters
	scheduler *Scheduler
	patterns  *audit.PatternAnalyzer

	mu         sync.RWMutex
	cfg        Config
	defaults   Config
	lastPos    *pkg.Position
	permission gps.PermissionStatus

	destroyOnce sync.Once
	destroyed   bool
	destroyErr  error
}

// NewManager wires the layers and starts the background jobs
func NewManager(cfg Config, deps Deps, logger *logx.Logger) (*Manager, error) {
	if deps.Source == nil {
		return nil, fmt.Errorf("a position source is required")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if cfg.Cache.Clock == nil {
		cfg.Cache.Clock = deps.Clock
	}

	pm, err := privacy.NewManager(cfg.Privacy, deps.AuditLog, logger.With("layer", "privacy"))
	if err != nil {
		return nil, fmt.Errorf("failed to create privacy manager: %w", err)
	}

	cm := cache.NewManager(cfg.Cache, deps.Storage, logger.With("layer", "cache"))

	m := &Manager{
		logger:      logger,
		perf:        logx.NewPerformanceLogger(logger, 0),
		source:      deps.Source,
		permissions: deps.Permissions,
		publisher:   deps.Publisher,
		clock:       deps.Clock,
		started:     deps.Clock(),
		cache:       cm,
		optimizer:   strategy.NewOptimizer(deps.Source, cm, cfg.Strategy, logger.With("layer", "strategy")),
		privacy:     pm,
		counters:    newCounters(cfg.Monitoring.RecentErrors),
		scheduler:   NewScheduler(logger.With("layer", "scheduler")),
		patterns:    audit.NewPatternAnalyzer(logger.With("layer", "audit"), audit.PatternConfig{}),
		cfg:         cfg,
		defaults:    cfg,
	}
	m.metrics = NewMetrics(cm.Stats)

	if err := m.scheduleJobs(cfg.Monitoring); err != nil {
		_ = cm.Close()
		return nil, err
	}
	m.scheduler.Start()

	logger.Info("location manager started",
		"source", deps.Source.Name(),
		"default_strategy", string(cfg.DefaultStrategy),
		"persistence", cfg.Cache.EnablePersistence && deps.Storage != nil,
	)
	return m, nil
}

func (m *Manager) scheduleJobs(mc MonitoringConfig) error {
	if err := m.scheduler.Every(JobSweep, mc.SweepInterval, func(ctx context.Context) { m.sweep() }); err != nil {
		return err
	}
	return m.scheduler.Every(JobFlush, mc.FlushInterval, func(ctx context.Context) { m.flush() })
}

func (m *Manager) sweep() {
	removed := m.cache.Cleanup()
	m.metrics.observeSweep(removed)
	if removed > 0 {
		m.logger.Debug("expired entries removed", "count", removed)
	}
}

func (m *Manager) flush() {
	if !m.cache.Config().EnablePersistence {
		return
	}
	if err := m.cache.Persist(); err != nil {
		m.logger.Warn("cache flush failed", "error", err)
	}
}

func (m *Manager) config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) isDestroyed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.destroyed
}

// GetCurrentLocation resolves a position through permission, access,
// strategy and masking. It returns a valid position or one taxonomy error.
func (m *Manager) GetCurrentLocation(ctx context.Context, opts Options) (*pkg.Position, error) {
	if m.isDestroyed() {
		return nil, pkg.NewError(pkg.ErrServiceDisabled, "location manager has been destroyed", nil)
	}

	cfg := m.config()
	var op *logx.Operation
	if cfg.Monitoring.EnablePerformanceMonitoring {
		op = m.perf.Start("get_current_location")
	}
	start := m.clock()

	name := opts.Strategy
	if name == "" {
		name = cfg.DefaultStrategy
	}
	if name == strategy.Smart {
		name = m.optimizer.SelectStrategy()
	}

	pos, err := m.currentLocation(ctx, name, opts)
	elapsed := m.clock().Sub(start)
	if op != nil {
		op.Complete(err)
	}

	m.record(cfg, name, opts, elapsed, err)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	cp := pos.Clone()
	m.lastPos = &cp
	m.mu.Unlock()

	m.publish(ctx, pos, opts)
	return pos, nil
}

func (m *Manager) currentLocation(ctx context.Context, name strategy.Name, opts Options) (*pkg.Position, error) {
	if err := m.ensurePermission(ctx); err != nil {
		return nil, err
	}

	// anonymous callers are not screened; masking still applies to them
	if opts.Accessor != nil && !opts.Accessor.Anonymous() && !m.privacy.CheckAccess(*opts.Accessor, nil) {
		return nil, pkg.NewError(pkg.ErrAccessDenied,
			fmt.Sprintf("accessor %s is not allowed to read the location", opts.Accessor.Name()), nil)
	}

	pos, err := m.optimizer.Execute(ctx, name)
	if err != nil {
		return nil, pkg.Classify(err)
	}

	accessor := "system"
	if opts.Accessor != nil {
		accessor = opts.Accessor.Name()
	}
	masked, err := m.privacy.MaskFor(*pos, accessor)
	if err != nil {
		return nil, pkg.Classify(err)
	}
	if err := masked.Validate(); err != nil {
		return nil, err
	}
	return &masked, nil
}

func (m *Manager) ensurePermission(ctx context.Context) error {
	if m.permissions == nil {
		return nil
	}

	status, err := m.permissions.CheckPermission(ctx)
	if err != nil {
		return pkg.NewError(pkg.ErrPermission, "failed to check location permission", err)
	}
	if status == gps.PermissionUndetermined {
		status, err = m.permissions.RequestPermission(ctx)
		if err != nil {
			return pkg.NewError(pkg.ErrPermission, "failed to request location permission", err)
		}
	}

	m.mu.Lock()
	prev := m.permission
	m.permission = status
	m.mu.Unlock()
	if prev != status {
		m.logger.LogStateChange("permission", string(prev), string(status), "permission check")
	}

	if status != gps.PermissionGranted {
		return pkg.NewError(pkg.ErrPermission, fmt.Sprintf("location permission is %s", status), nil)
	}
	return nil
}

func (m *Manager) record(cfg Config, name strategy.Name, opts Options, elapsed time.Duration, err error) {
	m.counters.recordRequest(elapsed, err)

	errType := ""
	if err != nil {
		le := pkg.Classify(err)
		errType = string(le.Type)
		if cfg.Monitoring.EnableErrorTracking {
			m.counters.recordError(ErrorRecord{
				Timestamp: m.clock(),
				Type:      le.Type,
				Message:   le.Error(),
				Strategy:  name,
			})
		}
		m.logger.Warn("location request failed",
			"strategy", string(name),
			"error_type", errType,
			"error", err,
			"duration_ms", elapsed.Milliseconds(),
		)
	} else {
		m.logger.Debug("location resolved", "strategy", string(name), "duration_ms", elapsed.Milliseconds())
	}

	if cfg.Monitoring.EnableUsageAnalytics {
		accessor := "internal"
		if opts.Accessor != nil {
			accessor = opts.Accessor.Name()
		}
		m.counters.recordUsage(name, accessor)
	}
	m.metrics.observeRequest(string(name), elapsed, errType)
}

func (m *Manager) publish(ctx context.Context, pos *pkg.Position, opts Options) {
	if m.publisher == nil {
		return
	}

	start := m.clock()
	err := m.publisher.PublishLocation(ctx, pos)
	result := audit.ResultSuccess
	if err != nil {
		result = audit.ResultFailure
		m.logger.Warn("failed to publish location", "error", err)
	}

	accessor := "publisher"
	if opts.Accessor != nil {
		accessor = opts.Accessor.Name()
	}
	m.privacy.LogAccess(audit.Entry{
		Type:       audit.AccessShare,
		Accessor:   accessor,
		PositionID: cache.Key(pos.Latitude, pos.Longitude),
		Result:     result,
		Duration:   m.clock().Sub(start),
	})
}

// GetLocationHistory returns cached positions, newest first
func (m *Manager) GetLocationHistory(f HistoryFilter) []pkg.Position {
	entries := m.cache.Entries()

	out := make([]pkg.Position, 0, len(entries))
	for _, e := range entries {
		ts := time.UnixMilli(e.Entry.Timestamp)
		if !f.Since.IsZero() && ts.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && ts.After(f.Until) {
			continue
		}

		pos := e.Entry.Position
		if f.Mask {
			masked, err := m.privacy.Mask(pos)
			if err != nil {
				m.logger.Warn("failed to mask history entry", "key", e.Key, "error", err)
				continue
			}
			pos = masked
		}
		out = append(out, pos)

		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// SearchNearby returns cached positions within radius meters of the center, nearest first
func (m *Manager) SearchNearby(lat, lng, radius float64) ([]NearbyPosition, error) {
	center := pkg.Position{Latitude: lat, Longitude: lng}
	if err := center.Validate(); err != nil {
		return nil, err
	}
	if radius < 0 {
		return nil, pkg.NewError(pkg.ErrInvalidPosition, "radius must not be negative", nil)
	}

	idx := location.NewIndex()
	byKey := make(map[string]pkg.Position)
	for _, e := range m.cache.Entries() {
		idx.Insert(e.Key, e.Entry.Position)
		byKey[e.Key] = e.Entry.Position
	}

	hits, err := idx.Within(lat, lng, radius)
	if err != nil {
		return nil, pkg.NewError(pkg.ErrInvalidPosition, "invalid search area", err)
	}

	mask := m.config().Privacy.EnableMasking
	out := make([]NearbyPosition, 0, len(hits))
	for _, h := range hits {
		pos := byKey[h.ID]
		if mask {
			masked, err := m.privacy.Mask(pos)
			if err != nil {
				m.logger.Warn("failed to mask nearby entry", "key", h.ID, "error", err)
				continue
			}
			pos = masked
		}
		out = append(out, NearbyPosition{Position: pos, Distance: h.Distance})
	}
	return out, nil
}

// EncryptCurrentLocation resolves a position and seals it
func (m *Manager) EncryptCurrentLocation(ctx context.Context, opts Options) (*privacy.EncryptedPosition, error) {
	pos, err := m.GetCurrentLocation(ctx, opts)
	if err != nil {
		return nil, err
	}
	return m.privacy.Encrypt(pos)
}

// Decrypt opens a sealed position
func (m *Manager) Decrypt(enc *privacy.EncryptedPosition) (*pkg.Position, error) {
	return m.privacy.Decrypt(enc)
}

// GetAuditLogs queries the privacy audit trail
func (m *Manager) GetAuditLogs(f audit.Filter) []*audit.Entry {
	return m.privacy.GetAuditLogs(f)
}

// GetAuditPatterns scans the retained audit trail for denial bursts,
// access spikes and slow accesses
func (m *Manager) GetAuditPatterns() []audit.Pattern {
	return m.patterns.Analyze(m.privacy.GetAuditLogs(audit.Filter{}))
}

// GetStatus reports the orchestrator state
func (m *Manager) GetStatus() Status {
	cfg := m.config()

	m.mu.RLock()
	var last *pkg.Position
	if m.lastPos != nil {
		cp := m.lastPos.Clone()
		last = &cp
	}
	perm := m.permission
	running := !m.destroyed
	m.mu.RUnlock()

	return Status{
		Running:          running,
		Uptime:           m.clock().Sub(m.started).Round(time.Second).String(),
		Source:           m.source.Name(),
		Permission:       perm,
		DefaultStrategy:  cfg.DefaultStrategy,
		SelectedStrategy: m.optimizer.SelectStrategy(),
		Cache:            m.cache.Stats(),
		Privacy: PrivacyStatus{
			Encryption:    cfg.Privacy.EnableEncryption,
			Masking:       cfg.Privacy.EnableMasking,
			Fuzzing:       cfg.Privacy.EnableFuzzing,
			AccessControl: cfg.Privacy.EnableAccessControl,
			AccessLevel:   cfg.Privacy.AccessLevel,
			Audit:         cfg.Privacy.EnableAudit,
		},
		Audit:        m.privacy.AuditStats(),
		Jobs:         m.scheduler.Jobs(),
		LastPosition: last,
		Requests:     m.counters.requests(),
	}
}

// GetPerformanceMetrics reports request counters, strategy metrics and cache stats
func (m *Manager) GetPerformanceMetrics() PerformanceReport {
	cfg := m.config()
	r := PerformanceReport{
		Requests:   m.counters.requests(),
		Strategies: m.optimizer.Metrics(),
		Scores:     m.optimizer.Scores(),
		Cache:      m.cache.Stats(),
		Operations: m.perf.Snapshot(),
	}
	if cfg.Monitoring.EnableUsageAnalytics {
		u := m.counters.usage()
		r.Usage = &u
	}
	return r
}

// GetErrorReport reports failure counts by type and the recent failures
func (m *Manager) GetErrorReport() ErrorReport {
	byType := m.counters.errorsByType()
	var total int64
	for _, n := range byType {
		total += n
	}
	return ErrorReport{
		Total:  total,
		ByType: byType,
		Recent: m.counters.recentErrors(),
	}
}

// Metrics exposes the prometheus collectors
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// Config returns the active configuration
func (m *Manager) Config() Config {
	cfg := m.config()
	cfg.Privacy = m.privacy.Config()
	return cfg
}

// UpdateConfig applies a new configuration to every layer
func (m *Manager) UpdateConfig(cfg Config) error {
	if m.isDestroyed() {
		return pkg.NewError(pkg.ErrServiceDisabled, "location manager has been destroyed", nil)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := m.privacy.UpdateConfig(cfg.Privacy); err != nil {
		return err
	}
	m.cache.UpdateConfig(cfg.Cache.MaxSize, cfg.Cache.TTL)
	m.optimizer.UpdateConfig(cfg.Strategy)

	m.mu.Lock()
	old := m.cfg
	cfg.Cache.Clock = old.Cache.Clock
	cfg.Cache.EnablePersistence = old.Cache.EnablePersistence
	m.cfg = cfg
	m.mu.Unlock()

	if old.Monitoring.SweepInterval != cfg.Monitoring.SweepInterval || old.Monitoring.FlushInterval != cfg.Monitoring.FlushInterval {
		if err := m.scheduleJobs(cfg.Monitoring); err != nil {
			return err
		}
	}
	if old.DefaultStrategy != cfg.DefaultStrategy {
		m.logger.LogStateChange("default_strategy", string(old.DefaultStrategy), string(cfg.DefaultStrategy), "config update")
	}
	return nil
}

// ResetConfig restores the configuration the manager was created with
func (m *Manager) ResetConfig() error {
	m.mu.RLock()
	def := m.defaults
	m.mu.RUnlock()
	return m.UpdateConfig(def)
}

// Reset zeroes the request counters and strategy metrics
func (m *Manager) Reset() {
	m.counters.Reset()
	m.optimizer.ResetMetrics()
	m.perf.Reset()
	m.logger.Info("counters reset")
}

// Destroy stops the jobs, flushes and closes the cache. It is idempotent.
func (m *Manager) Destroy() error {
	m.destroyOnce.Do(func() {
		m.mu.Lock()
		m.destroyed = true
		m.mu.Unlock()

		m.scheduler.Stop()
		if m.config().Monitoring.EnablePerformanceMonitoring {
			m.perf.LogSummary()
		}
		m.destroyErr = m.cache.Close()
		m.logger.Info("location manager destroyed")
	})
	return m.destroyErr
}
