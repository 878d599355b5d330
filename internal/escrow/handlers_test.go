package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/plazashare/escrow/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// setupRouter mounts the escrow routes behind a stand-in for the auth
// middleware that trusts X-Test-User and X-Test-Role.
func setupRouter(f *fixture) *gin.Engine {
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		if id, err := strconv.ParseInt(c.GetHeader("X-Test-User"), 10, 64); err == nil {
			c.Set(auth.ContextKeyUserID, id)
			role := c.GetHeader("X-Test-Role")
			if role == "" {
				role = auth.RoleUser
			}
			c.Set(auth.ContextKeyRole, role)
		}
	}, auth.RequireAuth())
	NewHandler(f.svc).RegisterProtectedRoutes(v1)
	return r
}

type caller struct {
	id   int64
	role string
}

var (
	asOwner = caller{ownerID, auth.RoleUser}
	asHost  = caller{hostID, auth.RoleUser}
	asAgent = caller{agentID, auth.RoleAgent}
)

func doJSON(t *testing.T, r http.Handler, who caller, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if who.id != 0 {
		req.Header.Set("X-Test-User", strconv.FormatInt(who.id, 10))
		req.Header.Set("X-Test-Role", who.role)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func captureBody(amount string) map[string]any {
	return map[string]any{"seatId": seatID, "paymentMethodId": methodID, "amount": amount, "currency": "EUR"}
}

func TestHandler_CaptureAndGet(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)

	w, resp := doJSON(t, r, asOwner, http.MethodPost, "/v1/payments", captureBody("9.99"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	payment := resp["payment"].(map[string]any)
	assert.Equal(t, "RETENIDO", payment["status"])
	assert.Equal(t, "9.99", payment["amount"])
	id := payment["id"].(string)

	w, resp = doJSON(t, r, asOwner, http.MethodGet, "/v1/payments/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, resp["payment"].(map[string]any)["id"])

	w, _ = doJSON(t, r, asAgent, http.MethodGet, "/v1/payments/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Someone else's payment looks like a missing one.
	w, resp = doJSON(t, r, asHost, http.MethodGet, "/v1/payments/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", resp["error"])
}

func TestHandler_Unauthenticated(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)

	w, resp := doJSON(t, r, caller{}, http.MethodGet, "/v1/payments", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", resp["error"])
}

func TestHandler_CaptureErrors(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)

	w, resp := doJSON(t, r, asOwner, http.MethodPost, "/v1/payments", captureBody("-5"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", resp["error"])

	w, resp = doJSON(t, r, asOwner, http.MethodPost, "/v1/payments", map[string]any{"amount": "1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", resp["error"])

	w, resp = doJSON(t, r, asHost, http.MethodPost, "/v1/payments", captureBody("1.00"))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", resp["error"])

	f.gateway.err = assert.AnError
	w, resp = doJSON(t, r, asOwner, http.MethodPost, "/v1/payments", captureBody("1.00"))
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "capture_failed", resp["error"])
}

func TestHandler_ListPaymentsPaginates(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)
	for i := 0; i < 3; i++ {
		f.capture(t, "1.00")
	}

	w, resp := doJSON(t, r, asOwner, http.MethodGet, "/v1/payments?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), resp["count"])
	assert.Equal(t, true, resp["hasMore"])
	cursor := resp["nextCursor"].(string)
	require.NotEmpty(t, cursor)

	w, resp = doJSON(t, r, asOwner, http.MethodGet, "/v1/payments?limit=2&cursor="+cursor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), resp["count"])
	assert.Equal(t, false, resp["hasMore"])

	w, _ = doJSON(t, r, asOwner, http.MethodGet, "/v1/payments?cursor=***", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_DisputeFlow(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)
	p := f.capture(t, "14.99")

	body := map[string]any{"reason": "NO_ACCESS", "description": "cannot log in"}
	w, resp := doJSON(t, r, asOwner, http.MethodPost, "/v1/payments/"+p.ID+"/disputes", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	disputeID := resp["dispute"].(map[string]any)["id"].(string)

	w, resp = doJSON(t, r, asOwner, http.MethodPost, "/v1/payments/"+p.ID+"/disputes", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "duplicate_dispute", resp["error"])

	w, _ = doJSON(t, r, asHost, http.MethodGet, "/v1/disputes/"+disputeID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, resp = doJSON(t, r, asOwner, http.MethodGet, "/v1/payments/"+p.ID+"/disputes", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), resp["count"])

	// Settlement is agent-only.
	resolve := map[string]any{"outcome": "REFUND_PARTIAL", "amount": "5.00"}
	w, _ = doJSON(t, r, asOwner, http.MethodPost, "/v1/disputes/"+disputeID+"/resolve", resolve)
	assert.Equal(t, http.StatusForbidden, w.Code)

	f.clock.Set(day0.AddDate(0, 0, 8))
	w, resp = doJSON(t, r, asAgent, http.MethodPost, "/v1/payments/"+p.ID+"/release", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "business_rule_violation", resp["error"])

	w, _ = doJSON(t, r, asAgent, http.MethodPost, "/v1/disputes/"+disputeID+"/review", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp = doJSON(t, r, asAgent, http.MethodPost, "/v1/disputes/"+disputeID+"/resolve", resolve)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	dispute := resp["dispute"].(map[string]any)
	assert.Equal(t, "RESOLVED", dispute["status"])
	assert.Equal(t, "5.00", dispute["resolvedAmount"])

	w, resp = doJSON(t, r, asOwner, http.MethodGet, "/v1/payments/"+p.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	payment := resp["payment"].(map[string]any)
	assert.Equal(t, "REEMBOLSO_PARCIAL", payment["status"])
	assert.Equal(t, "5.00", payment["amountRefunded"])

	w, _ = doJSON(t, r, asAgent, http.MethodPost, "/v1/disputes/"+disputeID+"/close", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_ReleaseAndRefund(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)
	p := f.capture(t, "10.00")

	w, resp := doJSON(t, r, asAgent, http.MethodPost, "/v1/payments/"+p.ID+"/release", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, resp["message"], "release window")

	w, resp = doJSON(t, r, asAgent, http.MethodPost, "/v1/payments/"+p.ID+"/refund", map[string]any{"amount": "11.00"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", resp["error"])

	w, resp = doJSON(t, r, asAgent, http.MethodPost, "/v1/payments/"+p.ID+"/refund", map[string]any{"amount": "10.00"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "REEMBOLSADO", resp["payment"].(map[string]any)["status"])

	w, resp = doJSON(t, r, asAgent, http.MethodPost, "/v1/payments/"+p.ID+"/refund", map[string]any{"amount": "1.00"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_state", resp["error"])

	w, _ = doJSON(t, r, asAgent, http.MethodPost, "/v1/payments/pay_missing/release", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
