package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/locator/pkg"
	"github.com/markus-lassfolk/locator/pkg/audit"
	"github.com/markus-lassfolk/locator/pkg/ecosystem"
	"github.com/markus-lassfolk/locator/pkg/gps"
	"github.com/markus-lassfolk/locator/pkg/logx"
	"github.com/markus-lassfolk/locator/pkg/privacy"
)

func newTestServer(t *testing.T, apiKey string, mutate func(*ecosystem.Config)) *Server {
	t.Helper()
	cfg := ecosystem.DefaultConfig()
	cfg.Cache.EnablePersistence = false
	cfg.Strategy.BaseDelay = 0
	cfg.Strategy.EnableReverseGeocoding = false
	cfg.Privacy.EnableMasking = false
	cfg.Privacy.Secret = "test"
	if mutate != nil {
		mutate(&cfg)
	}

	src := &gps.FixedSource{Latitude: 59.3345, Longitude: 18.0678, Accuracy: 15}
	m, err := ecosystem.NewManager(cfg, ecosystem.Deps{Source: src}, logx.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Destroy() })

	return NewServer(m, Config{APIKey: apiKey}, logx.NewNopLogger())
}

func do(t *testing.T, s *Server, method, target string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

var appCaller = map[string]string{HeaderAccessorID: "dashboard"}

func TestCurrentLocation(t *testing.T) {
	s := newTestServer(t, "", nil)

	rec := do(t, s, http.MethodGet, "/api/location/current?strategy=balanced", "", appCaller)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var pos pkg.Position
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&pos))
	assert.Equal(t, 59.3345, pos.Latitude)
	assert.Equal(t, 18.0678, pos.Longitude)

	status := s.manager.GetStatus()
	assert.EqualValues(t, 1, status.Requests.Total)
}

func TestCurrentLocationAnonymousAllowed(t *testing.T) {
	s := newTestServer(t, "", nil)

	rec := do(t, s, http.MethodGet, "/api/location/current", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var pos pkg.Position
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&pos))
	assert.Equal(t, 59.3345, pos.Latitude)
}

func TestCurrentLocationDeniedBody(t *testing.T) {
	s := newTestServer(t, "", func(c *ecosystem.Config) {
		c.Privacy.AccessLevel = privacy.AccessStrict
	})

	rec := do(t, s, http.MethodGet, "/api/location/current", "", appCaller)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var body ErrorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, pkg.ErrAccessDenied, body.Error.Type)
	assert.False(t, body.Error.Retryable)
}

func TestUnknownStrategy(t *testing.T) {
	s := newTestServer(t, "", nil)
	rec := do(t, s, http.MethodGet, "/api/location/current?strategy=teleport", "", appCaller)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(t, "s3cret", func(c *ecosystem.Config) {
		c.Privacy.AccessLevel = privacy.AccessStrict
	})

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/health", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/api/status", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/api/status", "", map[string]string{HeaderAPIKey: "wrong"}).Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/status?auth=s3cret", "", nil).Code)

	// an authenticated system caller with a purpose passes the strict level
	rec := do(t, s, http.MethodGet, "/api/location/current", "", map[string]string{
		HeaderAPIKey:          "s3cret",
		HeaderAccessorID:      "fleet",
		HeaderAccessorType:    "system",
		HeaderAccessorPurpose: "tracking",
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/location/current", "", map[string]string{
		HeaderAPIKey:     "s3cret",
		HeaderAccessorID: "fleet",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code, "an app caller without purpose fails the strict level")
}

func TestHistoryAndNearby(t *testing.T) {
	s := newTestServer(t, "", nil)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/location/current", "", appCaller).Code)

	rec := do(t, s, http.MethodGet, "/api/location/history?limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []pkg.Position
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&history))
	require.Len(t, history, 1)

	rec = do(t, s, http.MethodGet, "/api/location/nearby?lat=59.3345&lng=18.0778&radius=1000", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var nearby []ecosystem.NearbyPosition
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&nearby))
	require.Len(t, nearby, 1)
	assert.InDelta(t, 568, nearby[0].Distance, 10)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/location/nearby?lat=x", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/location/nearby?lat=91&lng=0", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/location/history?limit=-1", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/location/history?since=yesterday", "", nil).Code)
}

func TestEncryptDecrypt(t *testing.T) {
	s := newTestServer(t, "", nil)

	rec := do(t, s, http.MethodGet, "/api/location/encrypted", "", appCaller)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sealed := rec.Body.String()
	assert.NotContains(t, sealed, "59.3345")

	rec = do(t, s, http.MethodPost, "/api/location/decrypt", sealed, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var pos pkg.Position
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&pos))
	assert.Equal(t, 59.3345, pos.Latitude)

	var enc privacy.EncryptedPosition
	require.NoError(t, json.Unmarshal([]byte(sealed), &enc))
	enc.Hash = strings.Repeat("0", 64)
	tampered, err := json.Marshal(enc)
	require.NoError(t, err)
	rec = do(t, s, http.MethodPost, "/api/location/decrypt", string(tampered), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/location/decrypt", "{", nil).Code)
}

func TestReportsAndAudit(t *testing.T) {
	s := newTestServer(t, "", func(c *ecosystem.Config) {
		c.Privacy.AccessLevel = privacy.AccessStrict
	})
	do(t, s, http.MethodGet, "/api/location/current", "", appCaller)
	do(t, s, http.MethodGet, "/api/location/current", "", nil)

	rec := do(t, s, http.MethodGet, "/api/errors", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var errs ecosystem.ErrorReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errs))
	assert.EqualValues(t, 1, errs.ByType[pkg.ErrAccessDenied])

	rec = do(t, s, http.MethodGet, "/api/metrics/performance", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var perf ecosystem.PerformanceReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&perf))
	assert.EqualValues(t, 2, perf.Requests.Total)

	rec = do(t, s, http.MethodGet, "/api/audit?result=failure", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []audit.Entry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&entries))
	require.NotEmpty(t, entries)
	assert.Equal(t, "dashboard", entries[0].Accessor)

	rec = do(t, s, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "locator_requests_total")

	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodPost, "/api/reset", "", nil).Code)
	assert.EqualValues(t, 0, s.manager.GetStatus().Requests.Total)
}

func TestAuditPatterns(t *testing.T) {
	s := newTestServer(t, "", func(c *ecosystem.Config) {
		c.Privacy.AccessLevel = privacy.AccessStrict
	})
	for i := 0; i < 10; i++ {
		do(t, s, http.MethodGet, "/api/location/current", "", appCaller)
	}

	rec := do(t, s, http.MethodGet, "/api/audit/patterns", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var patterns []audit.Pattern
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&patterns))
	var burst *audit.Pattern
	for i := range patterns {
		if patterns[i].Type == audit.PatternDenialBurst {
			burst = &patterns[i]
		}
	}
	require.NotNil(t, burst)
	assert.Equal(t, "dashboard", burst.Accessor)
}

func TestConfigEndpoints(t *testing.T) {
	s := newTestServer(t, "", nil)

	rec := do(t, s, http.MethodPut, "/api/config", `{"default_strategy":"lowPower"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, "lowPower", s.manager.Config().DefaultStrategy)

	rec = do(t, s, http.MethodPut, "/api/config", `{"default_strategy":"warp"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/config/reset", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, "smart", s.manager.Config().DefaultStrategy)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodDelete, "/api/config", "", nil).Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusForbidden, StatusFor(pkg.ErrPermission))
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(pkg.ErrServiceDisabled))
	assert.Equal(t, http.StatusGatewayTimeout, StatusFor(pkg.ErrTimeout))
	assert.Equal(t, http.StatusBadGateway, StatusFor(pkg.ErrNetwork))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(pkg.ErrUnknown))
}
