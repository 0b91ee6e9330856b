package strategy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/locator/pkg"
	"github.com/markus-lassfolk/locator/pkg/cache"
	"github.com/markus-lassfolk/locator/pkg/gps"
	"github.com/markus-lassfolk/locator/pkg/logx"
)

// stubSource fails or succeeds per requested accuracy class
type stubSource struct {
	mu       sync.Mutex
	fail     map[gps.Accuracy]error
	fixes    map[gps.Accuracy]gps.RawPosition
	calls    map[gps.Accuracy]int
	address  *pkg.Address
	geoErr   error
	geocodes int
}

func newStubSource() *stubSource {
	return &stubSource{
		fail: map[gps.Accuracy]error{},
		fixes: map[gps.Accuracy]gps.RawPosition{
			gps.AccuracyHigh:     {Latitude: 39.9042, Longitude: 116.4074, Accuracy: pkg.Meters(8)},
			gps.AccuracyBalanced: {Latitude: 39.9043, Longitude: 116.4075, Accuracy: pkg.Meters(40)},
			gps.AccuracyLow:      {Latitude: 39.91, Longitude: 116.41, Accuracy: pkg.Meters(600)},
		},
		calls: map[gps.Accuracy]int{},
	}
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) ResolveRaw(ctx context.Context, p gps.Profile) (*gps.RawPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[p.Accuracy]++
	if err := s.fail[p.Accuracy]; err != nil {
		return nil, err
	}
	raw := s.fixes[p.Accuracy]
	return &raw, nil
}

func (s *stubSource) ReverseGeocode(ctx context.Context, lat, lng float64) (*pkg.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.geocodes++
	if s.geoErr != nil {
		return nil, s.geoErr
	}
	if s.address == nil {
		return nil, gps.ErrGeocodingUnsupported
	}
	a := *s.address
	return &a, nil
}

func (s *stubSource) Calls(a gps.Accuracy) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[a]
}

func newTestOptimizer(src gps.PositionSource, c *cache.Manager, cfg Config) (*Optimizer, *[]time.Duration) {
	o := NewOptimizer(src, c, cfg, logx.NewNopLogger())
	var waits []time.Duration
	o.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return o, &waits
}

func newTestCache() *cache.Manager {
	return cache.NewManager(cache.Config{MaxSize: 10, TTL: time.Minute}, nil, logx.NewNopLogger())
}

func timeoutErr() error {
	return pkg.NewError(pkg.ErrTimeout, "no fix in time", nil)
}

func TestHighAccuracyFallsBackToLowPower(t *testing.T) {
	src := newStubSource()
	src.fail[gps.AccuracyHigh] = timeoutErr()

	cfg := DefaultConfig()
	cfg.Fallback = FallbackLowPower
	cfg.MaxRetries = 3
	o, waits := newTestOptimizer(src, newTestCache(), cfg)

	pos, err := o.HighAccuracy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 39.91, pos.Latitude)
	assert.Equal(t, 3, src.Calls(gps.AccuracyHigh))
	assert.Equal(t, 1, src.Calls(gps.AccuracyLow))
	assert.Len(t, *waits, 2)

	m := o.Metrics()
	assert.Equal(t, int64(1), m[HighAccuracy].ErrorCount)
	assert.Equal(t, 0.0, m[HighAccuracy].SuccessRate)
	assert.Equal(t, int64(1), m[LowPower].UsageCount)
	assert.Equal(t, 600.0, m[LowPower].AvgAccuracy)
}

func TestNonRetryableErrorStopsRetrying(t *testing.T) {
	src := newStubSource()
	src.fail[gps.AccuracyBalanced] = pkg.NewError(pkg.ErrPermission, "denied", nil)

	cfg := DefaultConfig()
	cfg.Fallback = FallbackLowPower
	o, _ := newTestOptimizer(src, nil, cfg)

	_, err := o.Balanced(context.Background())
	assert.ErrorIs(t, err, pkg.ErrPermissionDenied)
	assert.Equal(t, 1, src.Calls(gps.AccuracyBalanced))
	assert.Equal(t, 0, src.Calls(gps.AccuracyLow), "permission failures are not masked by fallback")
}

func TestFallbackToCache(t *testing.T) {
	src := newStubSource()
	c := newTestCache()
	cfg := DefaultConfig()
	cfg.Fallback = FallbackCache
	o, _ := newTestOptimizer(src, c, cfg)

	first, err := o.Balanced(context.Background())
	require.NoError(t, err)

	src.fail[gps.AccuracyHigh] = errors.New("connection reset")
	pos, err := o.HighAccuracy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Latitude, pos.Latitude)
}

func TestFallbackCacheEmptyPropagatesOriginalError(t *testing.T) {
	src := newStubSource()
	src.fail[gps.AccuracyHigh] = timeoutErr()
	cfg := DefaultConfig()
	cfg.Fallback = FallbackCache
	o, _ := newTestOptimizer(src, newTestCache(), cfg)

	_, err := o.HighAccuracy(context.Background())
	assert.ErrorIs(t, err, pkg.ErrTimedOut)
}

func TestFallbackDefaultLocation(t *testing.T) {
	src := newStubSource()
	src.fail[gps.AccuracyLow] = timeoutErr()
	cfg := DefaultConfig()
	cfg.Fallback = FallbackDefaultLocation
	cfg.DefaultLocation = pkg.Position{Latitude: 51.5, Longitude: -0.12}
	c := newTestCache()
	o, _ := newTestOptimizer(src, c, cfg)

	pos, err := o.LowPower(context.Background())
	require.NoError(t, err)
	assert.True(t, pos.Placeholder)
	assert.Equal(t, "default", pos.Source)
	assert.Equal(t, 0, c.Stats().CurrentSize, "placeholders are never cached")
}

func TestFallbackNone(t *testing.T) {
	src := newStubSource()
	src.fail[gps.AccuracyLow] = errors.New("dial tcp: network is unreachable")
	cfg := DefaultConfig()
	cfg.Fallback = FallbackNone
	cfg.MaxRetries = 2
	o, _ := newTestOptimizer(src, nil, cfg)

	_, err := o.LowPower(context.Background())
	assert.ErrorIs(t, err, pkg.ErrNetworkFailure)
	assert.Equal(t, 2, src.Calls(gps.AccuracyLow))
}

func TestSuccessWritesQuantizedKey(t *testing.T) {
	src := newStubSource()
	c := newTestCache()
	o, _ := newTestOptimizer(src, c, DefaultConfig())

	_, err := o.HighAccuracy(context.Background())
	require.NoError(t, err)

	e, ok := c.Get(cache.Key(39.9042, 116.4074))
	require.True(t, ok)
	assert.Equal(t, "stub", e.Position.Source)
}

func TestInvalidFixIsRejected(t *testing.T) {
	src := newStubSource()
	src.fixes[gps.AccuracyHigh] = gps.RawPosition{Latitude: 123, Longitude: 0}
	cfg := DefaultConfig()
	cfg.Fallback = FallbackNone
	c := newTestCache()
	o, _ := newTestOptimizer(src, c, cfg)

	_, err := o.HighAccuracy(context.Background())
	assert.ErrorIs(t, err, pkg.ErrInvalidCoordinates)
	assert.Equal(t, 1, src.Calls(gps.AccuracyHigh))
	assert.Equal(t, 0, c.Stats().CurrentSize)
}

func TestCacheFirstServesFromCache(t *testing.T) {
	src := newStubSource()
	c := newTestCache()
	o, _ := newTestOptimizer(src, c, DefaultConfig())

	// empty cache resolves from the source
	_, err := o.CacheFirst(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, src.Calls(gps.AccuracyLow))

	pos, err := o.CacheFirst(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 39.91, pos.Latitude)
	assert.Equal(t, 1, src.Calls(gps.AccuracyLow))
}

func TestReverseGeocodingFillsAddress(t *testing.T) {
	src := newStubSource()
	src.address = &pkg.Address{City: "Beijing", District: "Dongcheng"}
	o, _ := newTestOptimizer(src, nil, DefaultConfig())

	pos, err := o.HighAccuracy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Beijing", pos.City)

	src.geoErr = errors.New("geocoder down")
	pos, err = o.HighAccuracy(context.Background())
	require.NoError(t, err, "geocoding failures are not fatal")
	assert.True(t, pos.Address.IsEmpty())
}

func TestSmartSelection(t *testing.T) {
	src := newStubSource()
	o, _ := newTestOptimizer(src, nil, DefaultConfig())

	// with no history balanced has the best mix of expected accuracy and power
	assert.Equal(t, Balanced, o.SelectStrategy())

	pos, err := o.Smart(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 39.9043, pos.Latitude)

	cfg := DefaultConfig()
	cfg.PerformanceWeight, cfg.AccuracyWeight, cfg.PowerWeight = 0, 0, 1
	o.UpdateConfig(cfg)
	assert.Equal(t, CacheFirst, o.SelectStrategy())

	cfg.PerformanceWeight, cfg.AccuracyWeight, cfg.PowerWeight = 0, 1, 0
	o.UpdateConfig(cfg)
	assert.Equal(t, HighAccuracy, o.SelectStrategy())

	cfg.EnableAdaptiveSelection = false
	o.UpdateConfig(cfg)
	assert.Equal(t, Balanced, o.SelectStrategy())
}

func TestSmartTieFavorsCacheFirst(t *testing.T) {
	o, _ := newTestOptimizer(newStubSource(), nil, DefaultConfig())
	cfg := DefaultConfig()
	cfg.PerformanceWeight, cfg.AccuracyWeight, cfg.PowerWeight = 1, 0, 0
	o.UpdateConfig(cfg)

	scores := o.Scores()
	assert.Equal(t, scores[CacheFirst], scores[HighAccuracy])
	assert.Equal(t, CacheFirst, o.SelectStrategy())
}

func TestSmartAvoidsFailingStrategy(t *testing.T) {
	src := newStubSource()
	src.fail[gps.AccuracyBalanced] = timeoutErr()
	cfg := DefaultConfig()
	cfg.Fallback = FallbackNone
	cfg.MaxRetries = 1
	o, _ := newTestOptimizer(src, nil, cfg)

	_, err := o.Balanced(context.Background())
	require.Error(t, err)
	assert.NotEqual(t, Balanced, o.SelectStrategy())
}

func TestResponseTimeBlend(t *testing.T) {
	s := newMetricState(0.5)
	s.record(100, nil, false, DefaultResponseTimeSmoothing)
	assert.Equal(t, 100.0, s.AvgResponseTime)
	s.record(300, nil, false, DefaultResponseTimeSmoothing)
	assert.Equal(t, 200.0, s.AvgResponseTime)
	s.record(400, pkg.Meters(20), true, DefaultResponseTimeSmoothing)
	assert.Equal(t, 300.0, s.AvgResponseTime)
	assert.Equal(t, 20.0, s.AvgAccuracy)
	assert.InDelta(t, 2.0/3.0, s.SuccessRate, 1e-9)
}

func TestResponseTimeTrend(t *testing.T) {
	s := newMetricState(0.5)
	for i := 0; i < 10; i++ {
		s.record(float64(100+10*i), nil, false, DefaultResponseTimeSmoothing)
	}
	assert.InDelta(t, 10, s.snapshot().ResponseTimeTrend, 1e-6)

	short := newMetricState(0.5)
	short.record(1, nil, false, 0.5)
	assert.Zero(t, short.snapshot().ResponseTimeTrend)

	for i := 0; i < 30; i++ {
		s.record(50, nil, false, 0.5)
	}
	assert.Len(t, s.samples, trendWindow)
}

func TestResetMetrics(t *testing.T) {
	o, _ := newTestOptimizer(newStubSource(), nil, DefaultConfig())
	_, err := o.LowPower(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), o.Metrics()[LowPower].UsageCount)

	o.ResetMetrics()
	m := o.Metrics()
	assert.Len(t, m, 4)
	assert.Zero(t, m[LowPower].UsageCount)
	assert.Equal(t, 0.9, m[LowPower].PowerEfficiency)
}

func TestUnknownStrategy(t *testing.T) {
	o, _ := newTestOptimizer(newStubSource(), nil, DefaultConfig())
	_, err := o.Execute(context.Background(), Name("teleport"))
	assert.ErrorIs(t, err, pkg.ErrUnknownFailure)
}

func TestRetryerDelays(t *testing.T) {
	r := &Retryer{Kind: BackoffFixed, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, r.Delay(3))

	r.Kind = BackoffLinear
	assert.Equal(t, 300*time.Millisecond, r.Delay(3))

	r.Kind = BackoffExponential
	assert.Equal(t, 400*time.Millisecond, r.Delay(3))
	assert.Equal(t, time.Second, r.Delay(10))
}

func TestRetryerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	r := &Retryer{MaxAttempts: 5, Kind: BackoffFixed, BaseDelay: time.Hour}

	go cancel()
	err := r.Do(ctx, func(ctx context.Context, attempt int) error {
		calls++
		return timeoutErr()
	})
	assert.ErrorIs(t, err, pkg.ErrTimedOut)
	assert.Equal(t, 1, calls)
}
