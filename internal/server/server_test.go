package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/plazashare/escrow/internal/auth"
	"github.com/plazashare/escrow/internal/catalog"
	"github.com/plazashare/escrow/internal/config"
	"github.com/plazashare/escrow/internal/logging"
	"github.com/plazashare/escrow/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-that-is-at-least-32-bytes-long"

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "development",
		LogLevel:              "error",
		LogFormat:             "text",
		JWTSecret:             testSecret,
		CORSOrigins:           []string{"*"},
		RateLimitPerMinute:    600,
		RateLimitBurst:        100,
		HoldWindow:            config.DefaultHoldWindow,
		ReleaseBatchSize:      config.DefaultReleaseBatchSize,
		ReleaseInterval:       time.Hour,
		RenewalInterval:       time.Hour,
		RenewalLookAhead:      config.DefaultRenewalLookAhead,
		CleanupInterval:       time.Hour,
		NotificationRetention: config.DefaultNotificationRetention,
		CaptureProvider:       "manual",
	}
}

func seededCatalog() *catalog.MemoryStore {
	cat := catalog.NewMemoryStore()
	host, owner := int64(1), int64(2)
	now := time.Now().UTC()
	cat.PutSubscription(catalog.Subscription{
		ID: 1, HostID: host, ServiceName: "streamflix",
		CycleStart: now, RenewalDate: now.AddDate(0, 1, 0), Status: catalog.SubscriptionActive,
	})
	cat.PutSeat(catalog.Seat{ID: 10, SubscriptionID: 1, OccupantID: &host, IsHost: true, Status: catalog.SeatActive})
	cat.PutSeat(catalog.Seat{ID: 11, SubscriptionID: 1, OccupantID: &owner, Status: catalog.SeatActive})
	cat.PutPaymentMethod(catalog.PaymentMethod{ID: 21, UserID: owner, GatewayToken: "pm_tok", Active: true})
	return cat
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(),
		WithLogger(logging.Discard()),
		WithDrainDelay(0),
		WithComponentOptions(WithCatalog(seededCatalog())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func token(t *testing.T, userID int64, role string) string {
	t.Helper()
	tok, err := auth.NewVerifier(testSecret).Issue(userID, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func request(t *testing.T, s *Server, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := request(t, s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = request(t, s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready before Run")

	// Timers have not been started, so the aggregate check fails.
	w = request(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp struct {
		Status string `json:"status"`
		Checks []struct {
			Name    string `json:"name"`
			Healthy bool   `json:"healthy"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp.Status)
	var names []string
	for _, c := range resp.Checks {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(t, []string{JobRelease, JobRenewals, JobCleanup}, names)
	assert.Equal(t, Version, w.Header().Get("X-Service-Version"))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	request(t, s, http.MethodGet, "/health/live", "", nil)

	w := request(t, s, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "plazashare_")
}

func TestMiddleware_HeadersAndRequestID(t *testing.T) {
	s := newTestServer(t)

	w := request(t, s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, "req-abc", rec.Header().Get("X-Request-ID"))
}

func TestV1_RequiresToken(t *testing.T) {
	s := newTestServer(t)

	w := request(t, s, http.MethodGet, "/v1/payments", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = request(t, s, http.MethodGet, "/v1/payments", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestV1_CaptureAndSettle(t *testing.T) {
	s := newTestServer(t)
	owner := token(t, 2, auth.RoleUser)
	agent := token(t, 900, auth.RoleAgent)

	w := request(t, s, http.MethodPost, "/v1/payments", owner, map[string]any{
		"seatId": 11, "paymentMethodId": 21, "amount": "12.50", "currency": "EUR",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Payment struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Amount string `json:"amount"`
		} `json:"payment"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "RETENIDO", created.Payment.Status)
	assert.Equal(t, "12.50", created.Payment.Amount)

	w = request(t, s, http.MethodGet, "/v1/payments/"+created.Payment.ID, owner, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Owners cannot settle.
	w = request(t, s, http.MethodPost, "/v1/payments/"+created.Payment.ID+"/release", owner, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = request(t, s, http.MethodPost, "/v1/payments/"+created.Payment.ID+"/disputes", owner, map[string]any{
		"reason": "NO_ACCESS", "description": "seat never delivered",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = request(t, s, http.MethodPost, "/v1/payments/"+created.Payment.ID+"/release", agent, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "active dispute blocks release")
}

func TestV1_LogoutRevokesToken(t *testing.T) {
	s := newTestServer(t)
	owner := token(t, 2, auth.RoleUser)

	w := request(t, s, http.MethodGet, "/v1/payments", owner, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = request(t, s, http.MethodPost, "/v1/auth/logout", owner, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = request(t, s, http.MethodGet, "/v1/payments", owner, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestComponents_Jobs(t *testing.T) {
	cfg := testConfig()
	c, err := NewComponents(context.Background(), cfg, logging.Discard(), WithCatalog(seededCatalog()))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	jobs := c.Jobs(cfg)
	require.Len(t, jobs, 3)
	for _, job := range jobs {
		assert.Equal(t, time.Hour, job.Interval, job.Name)
		timer := scheduler.NewTimer(job, c.Locker, logging.Discard())
		assert.True(t, timer.RunOnce(context.Background()), job.Name)
	}
}

func TestMaskDSN(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://app:hunter2@db:5432/plaza?sslmode=disable", "postgres://app:%2A%2A%2A@db:5432/plaza?sslmode=disable"},
		{"postgres://db:5432/plaza", "postgres://db:5432/plaza"},
		{"::bad", "***"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, maskDSN(tt.dsn), tt.dsn)
	}
}
