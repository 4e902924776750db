package app

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	_ "github.com/odyssey-erp/odyssey-ledger/testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, 30*time.Second, cfg.LedgerLockTTL)
	assert.Equal(t, ledger.Config{ShortfallPolicy: ledger.ShortfallAcknowledge, LegacyReversal: true}, cfg.Ledger())
}

func TestLoadConfigRejectsUnknownShortfallPolicy(t *testing.T) {
	t.Setenv("LEDGER_SHORTFALL_POLICY", "ignore")
	_, err := LoadConfig()
	require.ErrorIs(t, err, httpx.ErrValidation)
}

func TestHealthzReportsFailingCheck(t *testing.T) {
	router := NewRouter(RouterParams{
		Config: &Config{AppEnv: "production", AppRequestTimeout: time.Second},
		Checks: map[string]HealthCheck{
			"postgres": func(*http.Request) error { return nil },
			"redis":    func(*http.Request) error { return errors.New("connection refused") },
		},
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.JSONEq(t, `{"status":"degraded","postgres":"ok","redis":"down"}`, rr.Body.String())
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
}

func TestRouterExposesMetrics(t *testing.T) {
	router := NewRouter(RouterParams{Metrics: observability.NewMetrics()})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `odyssey_http_requests_total{code="200",route="/healthz"} 1`)
}

func TestTestModeDetected(t *testing.T) {
	RefreshTestMode()
	assert.True(t, InTestMode())
}

func TestRateLimitReturnsProblem(t *testing.T) {
	router := NewRouter(RouterParams{Config: &Config{AppRateLimit: 1, AppRequestTimeout: time.Second}})

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Contains(t, second.Body.String(), `"title":"Too many requests"`)
}
