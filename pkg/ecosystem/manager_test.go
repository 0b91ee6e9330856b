package ecosystem

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/locator/pkg"
	"github.com/markus-lassfolk/locator/pkg/audit"
	"github.com/markus-lassfolk/locator/pkg/cache"
	"github.com/markus-lassfolk/locator/pkg/gps"
	"github.com/markus-lassfolk/locator/pkg/logx"
	"github.com/markus-lassfolk/locator/pkg/privacy"
	"github.com/markus-lassfolk/locator/pkg/strategy"
)

type stubSource struct {
	mu    sync.Mutex
	fixes []gps.RawPosition
	err   error
	calls int
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) ResolveRaw(ctx context.Context, p gps.Profile) (*gps.RawPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	r := s.fixes[(s.calls-1)%len(s.fixes)]
	return &r, nil
}

func (s *stubSource) ReverseGeocode(ctx context.Context, lat, lng float64) (*pkg.Address, error) {
	return nil, gps.ErrGeocodingUnsupported
}

func (s *stubSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []pkg.Position
	err       error
}

func (p *recordingPublisher) PublishLocation(ctx context.Context, pos *pkg.Position) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, *pos)
	return p.err
}

func fix(lat, lng, acc float64) gps.RawPosition {
	return gps.RawPosition{Latitude: lat, Longitude: lng, Accuracy: pkg.Meters(acc)}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Cache.EnablePersistence = false
	cfg.Strategy.MaxRetries = 2
	cfg.Strategy.BaseDelay = 0
	cfg.Strategy.EnableReverseGeocoding = false
	cfg.Privacy.EnableMasking = false
	cfg.Privacy.Secret = "test"
	return cfg
}

type harness struct {
	m      *Manager
	source *stubSource
	clock  *fakeClock
}

func newHarness(t *testing.T, cfg Config, deps Deps, fixes ...gps.RawPosition) *harness {
	t.Helper()
	if len(fixes) == 0 {
		fixes = []gps.RawPosition{fix(39.9042, 116.4074, 5)}
	}
	src := &stubSource{fixes: fixes}
	clk := &fakeClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	deps.Source = src
	deps.Clock = clk.Now

	m, err := NewManager(cfg, deps, logx.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Destroy() })
	return &harness{m: m, source: src, clock: clk}
}

func TestGetCurrentLocation(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})

	pos, err := h.m.GetCurrentLocation(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 39.9042, pos.Latitude)
	assert.Equal(t, 116.4074, pos.Longitude)

	report := h.m.GetPerformanceMetrics()
	assert.Equal(t, int64(1), report.Requests.Total)
	assert.Equal(t, int64(1), report.Requests.Successful)
	assert.Equal(t, int64(1), report.Requests.ResponseTimes[BucketUnder500ms])
	assert.Equal(t, int64(1), report.Usage.ByStrategy[strategy.Balanced])
	assert.Equal(t, int64(1), report.Usage.ByAccessor["internal"])
	assert.Equal(t, 1, report.Cache.CurrentSize)

	status := h.m.GetStatus()
	assert.True(t, status.Running)
	assert.Equal(t, "stub", status.Source)
	require.NotNil(t, status.LastPosition)
	assert.Equal(t, pos.Latitude, status.LastPosition.Latitude)
	assert.Len(t, status.Jobs, 2)
}

func TestGetCurrentLocationMasks(t *testing.T) {
	cfg := testConfig()
	cfg.Privacy.EnableMasking = true
	h := newHarness(t, cfg, Deps{})

	pos, err := h.m.GetCurrentLocation(context.Background(), Options{Strategy: strategy.HighAccuracy})
	require.NoError(t, err)
	assert.InDelta(t, 39.9045, pos.Latitude, 1e-9)
	assert.Equal(t, 100.0, *pos.Accuracy)

	// the cache keeps the unmasked fix
	history := h.m.GetLocationHistory(HistoryFilter{})
	require.Len(t, history, 1)
	assert.Equal(t, 39.9042, history[0].Latitude)

	masked := h.m.GetLocationHistory(HistoryFilter{Mask: true})
	assert.InDelta(t, 39.9045, masked[0].Latitude, 1e-9)

	// the mask audit entry names the caller the position went to
	app := &privacy.Accessor{ID: "dashboard", Type: privacy.AccessorApp}
	_, err = h.m.GetCurrentLocation(context.Background(), Options{Accessor: app})
	require.NoError(t, err)
	var ops []interface{}
	for _, e := range h.m.GetAuditLogs(audit.Filter{Accessor: "dashboard"}) {
		ops = append(ops, e.Metadata["operation"])
	}
	assert.Contains(t, ops, "mask")
}

func TestPermissionFlow(t *testing.T) {
	perms := gps.NewStaticPermissionProvider(gps.PermissionUndetermined, gps.PermissionGranted)
	h := newHarness(t, testConfig(), Deps{Permissions: perms})

	_, err := h.m.GetCurrentLocation(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, perms.Requests())
	assert.Equal(t, gps.PermissionGranted, h.m.GetStatus().Permission)

	denied := gps.NewStaticPermissionProvider(gps.PermissionUndetermined, gps.PermissionDenied)
	h2 := newHarness(t, testConfig(), Deps{Permissions: denied})
	_, err = h2.m.GetCurrentLocation(context.Background(), Options{})
	assert.True(t, errors.Is(err, pkg.ErrPermissionDenied))
	assert.Zero(t, h2.source.Calls())

	restricted := gps.NewStaticPermissionProvider(gps.PermissionRestricted, gps.PermissionGranted)
	h3 := newHarness(t, testConfig(), Deps{Permissions: restricted})
	_, err = h3.m.GetCurrentLocation(context.Background(), Options{})
	assert.Equal(t, pkg.ErrPermission, pkg.TypeOf(err))
	assert.Zero(t, restricted.Requests())
}

func TestAccessDeniedBeforePositioning(t *testing.T) {
	cfg := testConfig()
	cfg.Privacy.AccessLevel = privacy.AccessStrict
	h := newHarness(t, cfg, Deps{})

	app := &privacy.Accessor{ID: "weather", Type: privacy.AccessorApp}
	_, err := h.m.GetCurrentLocation(context.Background(), Options{Accessor: app})
	assert.True(t, errors.Is(err, pkg.ErrAccessForbidden))
	assert.Zero(t, h.source.Calls())

	report := h.m.GetErrorReport()
	assert.Equal(t, int64(1), report.ByType[pkg.ErrAccessDenied])
	require.Len(t, report.Recent, 1)
	assert.Equal(t, pkg.ErrAccessDenied, report.Recent[0].Type)

	trusted := &privacy.Accessor{ID: "nav", Type: privacy.AccessorSystem, Trusted: true, Purpose: "routing"}
	_, err = h.m.GetCurrentLocation(context.Background(), Options{Accessor: trusted})
	require.NoError(t, err)

	denials := h.m.GetAuditLogs(audit.Filter{Accessor: "weather", Result: audit.ResultFailure})
	assert.Len(t, denials, 1)
}

func TestAnonymousAccessorSkipsAccessCheck(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})

	anon := &privacy.Accessor{Type: privacy.AccessorAnonymous}
	pos, err := h.m.GetCurrentLocation(context.Background(), Options{Accessor: anon})
	require.NoError(t, err)
	assert.Equal(t, 39.9042, pos.Latitude)
	assert.Equal(t, 1, h.source.Calls())

	// an identified caller is still screened
	cfg := testConfig()
	cfg.Privacy.AccessLevel = privacy.AccessStrict
	strict := newHarness(t, cfg, Deps{})
	_, err = strict.m.GetCurrentLocation(context.Background(), Options{Accessor: anon})
	require.NoError(t, err)
	_, err = strict.m.GetCurrentLocation(context.Background(), Options{Accessor: &privacy.Accessor{ID: "ads", Type: privacy.AccessorApp}})
	assert.Equal(t, pkg.ErrAccessDenied, pkg.TypeOf(err))
}

func TestAuditPatternsFlagDenialBurst(t *testing.T) {
	cfg := testConfig()
	cfg.Privacy.AccessLevel = privacy.AccessStrict
	h := newHarness(t, cfg, Deps{})

	app := &privacy.Accessor{ID: "scraper", Type: privacy.AccessorApp}
	for i := 0; i < 4; i++ {
		_, err := h.m.GetCurrentLocation(context.Background(), Options{Accessor: app})
		require.Error(t, err)
	}
	assert.Empty(t, h.m.GetAuditPatterns())

	for i := 0; i < 6; i++ {
		_, err := h.m.GetCurrentLocation(context.Background(), Options{Accessor: app})
		require.Error(t, err)
	}

	patterns := h.m.GetAuditPatterns()
	require.NotEmpty(t, patterns)
	for _, p := range patterns {
		assert.Equal(t, audit.PatternDenialBurst, p.Type)
		assert.Equal(t, "scraper", p.Accessor)
		assert.GreaterOrEqual(t, p.Count, 5)
	}
}

func TestFailureIsCountedAndClassified(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy.Fallback = strategy.FallbackNone
	h := newHarness(t, cfg, Deps{})
	h.source.err = pkg.NewError(pkg.ErrNetwork, "link down", nil)

	_, err := h.m.GetCurrentLocation(context.Background(), Options{Strategy: strategy.Balanced})
	require.Error(t, err)
	assert.Equal(t, pkg.ErrNetwork, pkg.TypeOf(err))
	assert.Equal(t, 2, h.source.Calls())

	perf := h.m.GetPerformanceMetrics()
	assert.Equal(t, int64(1), perf.Requests.Failed)
	assert.Equal(t, int64(1), perf.Strategies[strategy.Balanced].ErrorCount)

	report := h.m.GetErrorReport()
	assert.Equal(t, int64(1), report.Total)
	assert.Equal(t, int64(1), report.ByType[pkg.ErrNetwork])
	assert.Equal(t, strategy.Balanced, report.Recent[0].Strategy)

	h.m.Reset()
	assert.Zero(t, h.m.GetPerformanceMetrics().Requests.Total)
	assert.Zero(t, h.m.GetErrorReport().Total)
	assert.Empty(t, h.m.GetErrorReport().Recent)
}

func TestHistoryAndSearchNearby(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{},
		fix(39.9042, 116.4074, 5),
		fix(39.9142, 116.4074, 5),
		fix(40.0042, 116.4074, 5),
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.m.GetCurrentLocation(ctx, Options{Strategy: strategy.HighAccuracy})
		require.NoError(t, err)
		h.clock.Advance(time.Second)
	}

	history := h.m.GetLocationHistory(HistoryFilter{})
	require.Len(t, history, 3)
	assert.Equal(t, 40.0042, history[0].Latitude)
	assert.Equal(t, 39.9042, history[2].Latitude)

	assert.Len(t, h.m.GetLocationHistory(HistoryFilter{Limit: 2}), 2)
	since := h.clock.Now().Add(-1500 * time.Millisecond)
	recent := h.m.GetLocationHistory(HistoryFilter{Since: since})
	require.Len(t, recent, 1)
	assert.Equal(t, 40.0042, recent[0].Latitude)

	near, err := h.m.SearchNearby(39.9042, 116.4074, 2000)
	require.NoError(t, err)
	require.Len(t, near, 2)
	assert.Equal(t, 39.9042, near[0].Latitude)
	assert.InDelta(t, 0, near[0].Distance, 1e-6)
	assert.InDelta(t, 1113, near[1].Distance, 1113*0.05)

	_, err = h.m.SearchNearby(91, 0, 10)
	assert.Equal(t, pkg.ErrInvalidPosition, pkg.TypeOf(err))
	_, err = h.m.SearchNearby(0, 0, -1)
	assert.Error(t, err)
}

func TestSweepAndFlushJobs(t *testing.T) {
	storage := cache.NewMemoryStorage()
	cfg := testConfig()
	cfg.Cache.EnablePersistence = true
	cfg.Cache.TTL = time.Minute
	h := newHarness(t, cfg, Deps{Storage: storage})

	_, err := h.m.GetCurrentLocation(context.Background(), Options{})
	require.NoError(t, err)

	require.True(t, h.m.scheduler.Run(JobFlush))
	raw, ok, err := storage.Read(cache.StorageKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, raw, "39.9042")

	h.clock.Advance(2 * time.Minute)
	require.True(t, h.m.scheduler.Run(JobSweep))
	assert.Zero(t, h.m.GetStatus().Cache.CurrentSize)
	assert.False(t, h.m.scheduler.Run("missing"))
}

func TestPublisherAndAudit(t *testing.T) {
	pub := &recordingPublisher{}
	h := newHarness(t, testConfig(), Deps{Publisher: pub})

	_, err := h.m.GetCurrentLocation(context.Background(), Options{})
	require.NoError(t, err)
	require.Len(t, pub.published, 1)

	shares := h.m.GetAuditLogs(audit.Filter{Type: audit.AccessShare})
	require.Len(t, shares, 1)
	assert.Equal(t, audit.ResultSuccess, shares[0].Result)

	// publish failures never fail the request
	pub.err = errors.New("broker gone")
	_, err = h.m.GetCurrentLocation(context.Background(), Options{})
	require.NoError(t, err)
	assert.Len(t, h.m.GetAuditLogs(audit.Filter{Type: audit.AccessShare, Result: audit.ResultFailure}), 1)
}

func TestEncryptCurrentLocation(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})

	enc, err := h.m.EncryptCurrentLocation(context.Background(), Options{})
	require.NoError(t, err)
	pos, err := h.m.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, 39.9042, pos.Latitude)
}

func TestUpdateAndResetConfig(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})

	cfg := h.m.Config()
	cfg.DefaultStrategy = "teleport"
	assert.Error(t, h.m.UpdateConfig(cfg))

	cfg = h.m.Config()
	cfg.DefaultStrategy = strategy.LowPower
	cfg.Cache.MaxSize = 7
	cfg.Privacy.AccessLevel = privacy.AccessRelaxed
	cfg.Monitoring.SweepInterval = 5 * time.Minute
	require.NoError(t, h.m.UpdateConfig(cfg))

	assert.Equal(t, strategy.LowPower, h.m.Config().DefaultStrategy)
	assert.Equal(t, 7, h.m.GetStatus().Cache.MaxSize)
	assert.Equal(t, privacy.AccessRelaxed, h.m.GetStatus().Privacy.AccessLevel)

	_, err := h.m.GetCurrentLocation(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.m.GetPerformanceMetrics().Usage.ByStrategy[strategy.LowPower])

	require.NoError(t, h.m.ResetConfig())
	assert.Equal(t, strategy.Smart, h.m.Config().DefaultStrategy)
	assert.Equal(t, 100, h.m.GetStatus().Cache.MaxSize)
}

func TestDestroyIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})

	require.NoError(t, h.m.Destroy())
	require.NoError(t, h.m.Destroy())
	assert.False(t, h.m.GetStatus().Running)

	_, err := h.m.GetCurrentLocation(context.Background(), Options{})
	assert.Equal(t, pkg.ErrServiceDisabled, pkg.TypeOf(err))
	assert.Error(t, h.m.UpdateConfig(DefaultConfig()))
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	_, err := h.m.GetCurrentLocation(context.Background(), Options{})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.m.Metrics().Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `locator_requests_total{result="success",strategy="balanced"} 1`)
	assert.Contains(t, string(body), "locator_cache_entries 1")
}

func TestBucketFor(t *testing.T) {
	tests := map[time.Duration]string{
		0:                       BucketUnder500ms,
		499 * time.Millisecond:  BucketUnder500ms,
		500 * time.Millisecond:  Bucket500msTo1s,
		time.Second:             Bucket1sTo2s,
		2 * time.Second:         Bucket2sTo5s,
		4999 * time.Millisecond: Bucket2sTo5s,
		5 * time.Second:         BucketOver5s,
	}
	for d, want := range tests {
		assert.Equal(t, want, bucketFor(d), d.String())
	}
}

func TestSchedulerLifecycle(t *testing.T) {
	s := NewScheduler(logx.NewNopLogger())
	assert.Error(t, s.Every("bad", 0, func(context.Context) {}))

	ran := 0
	require.NoError(t, s.Every("count", time.Hour, func(context.Context) { ran++ }))
	require.NoError(t, s.Every("count", 2*time.Hour, func(context.Context) { ran += 10 }))
	s.Start()

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, 2*time.Hour, jobs[0].Interval)
	assert.False(t, jobs[0].Next.IsZero())

	require.True(t, s.Run("count"))
	assert.Equal(t, 10, ran)

	s.Stop()
	s.Stop()
	assert.Error(t, s.Every("late", time.Minute, func(context.Context) {}))

	// cancelled jobs are skipped
	s.Run("count")
	assert.Equal(t, 10, ran)
}

func TestNewManagerRequiresSource(t *testing.T) {
	_, err := NewManager(DefaultConfig(), Deps{}, logx.NewNopLogger())
	assert.Error(t, err)
}
