package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playora/playora/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Port:          "0",
		Env:           "development",
		LogLevel:      "error",
		VCToVPRate:    1.5,
		GraceWindow:   24 * time.Hour,
		SweepInterval: 30 * time.Second,
		RateLimitRPS:  100000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	t.Setenv("ADMIN_SECRET", "")

	s, err := New(testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { s.rateLimiter.Stop() })
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var resp map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "body: %s", w.Body.String())
	}
	return w, resp
}

func registerUser(t *testing.T, s *Server, name string) (userID, apiKey string) {
	t.Helper()
	w, resp := doJSON(t, s, http.MethodPost, "/v1/users", gin.H{"displayName": name}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	userID = resp["userId"].(string)
	apiKey = resp["apiKey"].(string)
	return userID, apiKey
}

func grantVP(t *testing.T, s *Server, apiKey, userID string, vp int64) {
	t.Helper()
	w, _ := doJSON(t, s, http.MethodPost, "/v1/admin/grants", gin.H{
		"userId":    userID,
		"vp":        vp,
		"reference": "test-topup",
	}, map[string]string{"Authorization": apiKey})
	require.Equal(t, http.StatusCreated, w.Code)
}

func rpc(t *testing.T, s *Server, apiKey, action string, payload gin.H) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	return doJSON(t, s, http.MethodPost, "/v1/rpc", gin.H{
		"resource": "serviceOrder",
		"action":   action,
		"payload":  payload,
	}, map[string]string{"Authorization": apiKey})
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w, resp := doJSON(t, s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", resp["status"])

	w, resp = doJSON(t, s, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alive", resp["status"])

	// Not ready until Run has started the listener.
	w, _ = doJSON(t, s, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRegisterUser(t *testing.T) {
	s := newTestServer(t)

	userID, apiKey := registerUser(t, s, "Nova")
	assert.Regexp(t, `^usr_`, userID)
	assert.Regexp(t, `^sk_`, apiKey)

	// The key works immediately.
	w, resp := doJSON(t, s, http.MethodGet, "/v1/me", nil, map[string]string{"Authorization": apiKey})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, userID, resp["userId"])
}

func TestRPC_RequiresAuth(t *testing.T) {
	s := newTestServer(t)

	w, resp := doJSON(t, s, http.MethodPost, "/v1/rpc", gin.H{
		"resource": "serviceOrder",
		"action":   "create",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", resp["error"])
}

func TestRPC_UnknownResource(t *testing.T) {
	s := newTestServer(t)
	_, apiKey := registerUser(t, s, "buyer")

	w, resp := doJSON(t, s, http.MethodPost, "/v1/rpc", gin.H{
		"resource": "invoice",
		"action":   "create",
	}, map[string]string{"Authorization": apiKey})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "unknown_resource", resp["errorCode"])
}

func TestOrderLifecycle_HappyPath(t *testing.T) {
	s := newTestServer(t)

	buyerID, buyerKey := registerUser(t, s, "buyer")
	sellerID, sellerKey := registerUser(t, s, "seller")
	grantVP(t, s, buyerKey, buyerID, 1000)

	// basePrice 100 VC at rate 1.5 = 150 VP.
	w, resp := rpc(t, s, buyerKey, "create", gin.H{
		"sellerId":  sellerID,
		"itemId":    "svc_design",
		"itemKind":  "service",
		"basePrice": 100,
	})
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	order := resp["order"].(map[string]interface{})
	orderID := order["id"].(string)
	assert.Equal(t, "pending_acceptance", order["status"])
	assert.Equal(t, float64(150), order["vpAmount"])
	assert.Equal(t, float64(100), order["vcAmount"])

	// Buyer was debited up front.
	w, resp = doJSON(t, s, http.MethodGet, "/v1/users/"+buyerID+"/balance", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	balance := resp["balance"].(map[string]interface{})
	assert.Equal(t, float64(850), balance["vp"])

	w, resp = rpc(t, s, sellerKey, "accept", gin.H{"orderId": orderID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "accepted", resp["order"].(map[string]interface{})["status"])

	w, resp = rpc(t, s, sellerKey, "deliver", gin.H{"orderId": orderID, "notes": "done"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "delivered", resp["order"].(map[string]interface{})["status"])

	// Delivery parks the earnings as pending VC.
	w, resp = doJSON(t, s, http.MethodGet, "/v1/users/"+sellerID+"/balance", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	balance = resp["balance"].(map[string]interface{})
	assert.Equal(t, float64(100), balance["vcPending"])
	assert.Equal(t, float64(0), balance["vcAvailable"])

	w, resp = rpc(t, s, buyerKey, "confirm", gin.H{"orderId": orderID, "feedback": "great"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "confirmed", resp["order"].(map[string]interface{})["status"])

	// Confirmation releases pending to available.
	w, resp = doJSON(t, s, http.MethodGet, "/v1/users/"+sellerID+"/balance", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	balance = resp["balance"].(map[string]interface{})
	assert.Equal(t, float64(0), balance["vcPending"])
	assert.Equal(t, float64(100), balance["vcAvailable"])

	// Public order read.
	w, resp = doJSON(t, s, http.MethodGet, "/v1/orders/"+orderID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "confirmed", resp["order"].(map[string]interface{})["status"])
}

func TestOrderDecline_RefundsBuyer(t *testing.T) {
	s := newTestServer(t)

	buyerID, buyerKey := registerUser(t, s, "buyer")
	sellerID, sellerKey := registerUser(t, s, "seller")
	grantVP(t, s, buyerKey, buyerID, 500)

	w, resp := rpc(t, s, buyerKey, "create", gin.H{
		"sellerId":  sellerID,
		"itemId":    "pack_gems",
		"itemKind":  "pack",
		"basePrice": 200,
	})
	require.Equal(t, http.StatusOK, w.Code)
	orderID := resp["order"].(map[string]interface{})["id"].(string)

	w, resp = rpc(t, s, sellerKey, "decline", gin.H{"orderId": orderID, "reason": "out of stock"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cancelled", resp["order"].(map[string]interface{})["status"])

	w, resp = doJSON(t, s, http.MethodGet, "/v1/users/"+buyerID+"/balance", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(500), resp["balance"].(map[string]interface{})["vp"])
}

func TestOrderCreate_InsufficientFunds(t *testing.T) {
	s := newTestServer(t)

	_, buyerKey := registerUser(t, s, "buyer")
	sellerID, _ := registerUser(t, s, "seller")

	w, resp := rpc(t, s, buyerKey, "create", gin.H{
		"sellerId":  sellerID,
		"itemId":    "svc_design",
		"itemKind":  "service",
		"basePrice": 100,
	})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "insufficient_funds", resp["errorCode"])
}

func TestOrderAccept_WrongActorForbidden(t *testing.T) {
	s := newTestServer(t)

	buyerID, buyerKey := registerUser(t, s, "buyer")
	sellerID, _ := registerUser(t, s, "seller")
	grantVP(t, s, buyerKey, buyerID, 1000)

	w, resp := rpc(t, s, buyerKey, "create", gin.H{
		"sellerId":  sellerID,
		"itemId":    "svc_design",
		"itemKind":  "service",
		"basePrice": 100,
	})
	require.Equal(t, http.StatusOK, w.Code)
	orderID := resp["order"].(map[string]interface{})["id"].(string)

	// Buyer may not accept their own order.
	w, resp = rpc(t, s, buyerKey, "accept", gin.H{"orderId": orderID})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", resp["errorCode"])
}

func TestReviewFlow(t *testing.T) {
	s := newTestServer(t)

	buyerID, buyerKey := registerUser(t, s, "buyer")
	sellerID, sellerKey := registerUser(t, s, "seller")
	grantVP(t, s, buyerKey, buyerID, 1000)

	_, resp := rpc(t, s, buyerKey, "create", gin.H{
		"sellerId":  sellerID,
		"itemId":    "svc_design",
		"itemKind":  "service",
		"basePrice": 100,
	})
	orderID := resp["order"].(map[string]interface{})["id"].(string)
	rpc(t, s, sellerKey, "accept", gin.H{"orderId": orderID})
	rpc(t, s, sellerKey, "deliver", gin.H{"orderId": orderID})

	// Not eligible before the order completes.
	w, resp := doJSON(t, s, http.MethodGet, "/v1/reviews/eligibility?orderId="+orderID, nil,
		map[string]string{"Authorization": buyerKey})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, resp["eligible"])

	rpc(t, s, buyerKey, "confirm", gin.H{"orderId": orderID})

	w, resp = doJSON(t, s, http.MethodGet, "/v1/reviews/eligibility?orderId="+orderID, nil,
		map[string]string{"Authorization": buyerKey})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["eligible"])

	w, resp = doJSON(t, s, http.MethodPost, "/v1/reviews", gin.H{
		"kind":    "service",
		"orderId": orderID,
		"rating":  5,
		"comment": "fast and clean",
	}, map[string]string{"Authorization": buyerKey})
	require.Equal(t, http.StatusCreated, w.Code)

	// Second attempt conflicts.
	w, resp = doJSON(t, s, http.MethodPost, "/v1/reviews", gin.H{
		"kind":    "service",
		"orderId": orderID,
		"rating":  4,
	}, map[string]string{"Authorization": buyerKey})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_reviewed", resp["error"])

	w, resp = doJSON(t, s, http.MethodGet, "/v1/users/"+sellerID+"/reviews", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), resp["count"])
}

func TestMyOrdersAndSales(t *testing.T) {
	s := newTestServer(t)

	buyerID, buyerKey := registerUser(t, s, "buyer")
	sellerID, sellerKey := registerUser(t, s, "seller")
	grantVP(t, s, buyerKey, buyerID, 1000)

	for i := 0; i < 2; i++ {
		w, _ := rpc(t, s, buyerKey, "create", gin.H{
			"sellerId":  sellerID,
			"itemId":    fmt.Sprintf("svc_%d", i),
			"itemKind":  "service",
			"basePrice": 100,
		})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w, resp := doJSON(t, s, http.MethodGet, "/v1/me/orders", nil, map[string]string{"Authorization": buyerKey})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), resp["count"])

	w, resp = doJSON(t, s, http.MethodGet, "/v1/me/sales", nil, map[string]string{"Authorization": sellerKey})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), resp["count"])
	assert.Equal(t, float64(2), resp["pendingCount"])
}

func TestWebhookOwnership(t *testing.T) {
	s := newTestServer(t)

	userID, apiKey := registerUser(t, s, "owner")
	otherID, otherKey := registerUser(t, s, "other")

	// An IP literal skips DNS resolution in the SSRF check.
	hookURL := "https://203.0.113.10/hook"

	// Creating a webhook for someone else's account is forbidden.
	w, _ := doJSON(t, s, http.MethodPost, "/v1/users/"+userID+"/webhooks", gin.H{
		"url":    hookURL,
		"events": []string{"order.created"},
	}, map[string]string{"Authorization": otherKey})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, resp := doJSON(t, s, http.MethodPost, "/v1/users/"+userID+"/webhooks", gin.H{
		"url":    hookURL,
		"events": []string{"order.created"},
	}, map[string]string{"Authorization": apiKey})
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())
	assert.NotEmpty(t, resp["secret"])

	w, resp = doJSON(t, s, http.MethodGet, "/v1/users/"+userID+"/webhooks", nil,
		map[string]string{"Authorization": apiKey})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, resp["webhooks"], 1)

	_ = otherID
}

func TestAdminGrant_RejectedWithBadSecret(t *testing.T) {
	s := newTestServer(t)
	t.Setenv("ADMIN_SECRET", "topsecret")

	userID, apiKey := registerUser(t, s, "user")

	w, resp := doJSON(t, s, http.MethodPost, "/v1/admin/grants", gin.H{
		"userId": userID,
		"vp":     100,
	}, map[string]string{"Authorization": apiKey, "X-Admin-Secret": "wrong"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", resp["error"])

	w, _ = doJSON(t, s, http.MethodPost, "/v1/admin/grants", gin.H{
		"userId": userID,
		"vp":     100,
	}, map[string]string{"Authorization": apiKey, "X-Admin-Secret": "topsecret"})
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t)

	w, _ := doJSON(t, s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "playora_")
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://***@db:5432/playora",
		maskDSN("postgres://user:pass@db:5432/playora"))
	assert.Equal(t, "host=localhost dbname=playora",
		maskDSN("host=localhost dbname=playora"))
}
