package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newEngine(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func get(r *gin.Engine, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware_LocalFallbackLimits(t *testing.T) {
	// No Redis: the process-local token bucket enforces the limit.
	r := newEngine(RateLimitMiddleware(nil, 2, time.Minute))

	if w := get(r, nil); w.Code != http.StatusOK {
		t.Fatalf("request 1: expected 200, got %d", w.Code)
	}
	if w := get(r, nil); w.Code != http.StatusOK {
		t.Fatalf("request 2: expected 200, got %d", w.Code)
	}
	if w := get(r, nil); w.Code != http.StatusTooManyRequests {
		t.Errorf("request 3: expected 429, got %d", w.Code)
	}
}

func TestAPIKeyAuth_HeaderAccepted(t *testing.T) {
	r := newEngine(APIKeyAuth("sekrit"))

	if w := get(r, map[string]string{"X-Admin-Key": "sekrit"}); w.Code != http.StatusOK {
		t.Errorf("expected 200 with valid key, got %d", w.Code)
	}
	if w := get(r, map[string]string{"Authorization": "Bearer sekrit"}); w.Code != http.StatusOK {
		t.Errorf("expected 200 with bearer token, got %d", w.Code)
	}
}

func TestAPIKeyAuth_RejectsMissingOrWrongKey(t *testing.T) {
	r := newEngine(APIKeyAuth("sekrit"))

	if w := get(r, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", w.Code)
	}
	if w := get(r, map[string]string{"X-Admin-Key": "wrong"}); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong key, got %d", w.Code)
	}
}
