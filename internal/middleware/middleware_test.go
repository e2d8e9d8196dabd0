package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/classml/classml/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newRequestIDRouter builds a minimal Gin engine with RequestIDMiddleware and
// a handler that echoes the context-stored id back as a response header.
func newRequestIDRouter() *gin.Engine {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) {
		id, _ := c.Get(RequestIDKey)
		c.Header("X-Context-Request-ID", id.(string))
		c.Status(http.StatusOK)
	})
	return r
}

func TestRequestIDMiddleware_GeneratesIDWhenAbsent(t *testing.T) {
	r := newRequestIDRouter()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	id := w.Header().Get(RequestIDHeader)
	if len(id) != 36 {
		t.Errorf("expected UUID-format request ID (length 36), got %q", id)
	}
}

func TestRequestIDMiddleware_PropagatesIncomingID(t *testing.T) {
	const upstreamID = "upstream-provided-request-id-001"
	r := newRequestIDRouter()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, upstreamID)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get(RequestIDHeader); got != upstreamID {
		t.Errorf("response request ID = %q, want upstream value reused", got)
	}
	if got := w.Header().Get("X-Context-Request-ID"); got != upstreamID {
		t.Errorf("context request ID = %q, want upstream value", got)
	}
}

const testSchedulerSecret = "scheduler-secret-that-is-32-chars"

func schedulerToken(t *testing.T, scope string, expiry time.Time) string {
	t.Helper()
	claims := &SchedulerClaims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSchedulerSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func newSchedulerRouter() *gin.Engine {
	r := gin.New()
	r.POST("/internal/scheduler/drain", SchedulerAuthMiddleware(testSchedulerSecret), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func TestSchedulerAuth_ValidToken(t *testing.T) {
	r := newSchedulerRouter()

	req := httptest.NewRequest(http.MethodPost, "/internal/scheduler/drain", nil)
	req.Header.Set("Authorization", "Bearer "+schedulerToken(t, "scheduler", time.Now().Add(time.Hour)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestSchedulerAuth_Rejections(t *testing.T) {
	r := newSchedulerRouter()

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"expired", "Bearer " + schedulerToken(t, "scheduler", time.Now().Add(-time.Hour)), http.StatusUnauthorized},
		{"wrong scope", "Bearer " + schedulerToken(t, "admin", time.Now().Add(time.Hour)), http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/internal/scheduler/drain", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestSchedulerAuth_RejectsUnsignedAlgorithm(t *testing.T) {
	r := newSchedulerRouter()

	claims := &SchedulerClaims{Scope: "scheduler"}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("building unsigned token: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/internal/scheduler/drain", nil)
	req.Header.Set("Authorization", "Bearer "+unsigned)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for alg=none", w.Code)
	}
}

func newRateLimitRouter(cfg config.RateLimitConfig) *gin.Engine {
	r := gin.New()
	r.Use(RateLimitMiddleware(cfg, nil, func(c *gin.Context) string {
		return "tenant:test"
	}))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestRateLimit_AllowsWithinBurst(t *testing.T) {
	r := newRateLimitRouter(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, Burst: 3})

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, w.Code)
		}
	}
}

func TestRateLimit_RejectsOverBurst(t *testing.T) {
	r := newRateLimitRouter(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 2})

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 over the burst", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected a Retry-After header")
	}
}

func TestRateLimit_DisabledPassesEverything(t *testing.T) {
	r := newRateLimitRouter(config.RateLimitConfig{Enabled: false})

	for i := 0; i < 50; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200 with limiting disabled", i, w.Code)
		}
	}
}
