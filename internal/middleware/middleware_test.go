package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ketches/mindmap-backend/internal/cache"
	"github.com/ketches/mindmap-backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (m *memCounter) Incr(key string, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
	return m.counts[key], nil
}

type disabledCounter struct{}

func (disabledCounter) Incr(string, time.Duration) (int64, error) {
	return 0, cache.ErrDisabled
}

func serve(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestRateLimit(t *testing.T) {
	r := gin.New()
	r.GET("/limited", RateLimitWith(&memCounter{counts: map[string]int64{}}, "test", 2, time.Minute), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/limited").Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/limited").Code)

	w := serve(r, http.MethodGet, "/limited")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "RATE_LIMITED")
}

func TestRateLimitDisabledPassesThrough(t *testing.T) {
	r := gin.New()
	r.GET("/open", RateLimitWith(disabledCounter{}, "test", 1, time.Minute), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/open").Code)
	}
}

func TestAdminMiddleware(t *testing.T) {
	withUser := func(u *models.User) gin.HandlerFunc {
		return func(c *gin.Context) {
			if u != nil {
				c.Set(ctxUserID, u.ID)
				c.Set(ctxUser, u)
			}
		}
	}
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }

	r := gin.New()
	r.GET("/anon", withUser(nil), AdminMiddleware(), ok)
	r.GET("/member", withUser(&models.User{ID: 2}), AdminMiddleware(), ok)
	r.GET("/admin", withUser(&models.User{ID: 1, IsSuperuser: true}), AdminMiddleware(), ok)

	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/anon").Code)
	assert.Equal(t, http.StatusForbidden, serve(r, http.MethodGet, "/member").Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/admin").Code)
}

func TestAuthMiddlewareRejectsMalformedHeader(t *testing.T) {
	r := gin.New()
	r.GET("/me", AuthMiddleware(nil), func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, header := range []string{"", "Token abc", "Bearer not-a-jwt"} {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, header)
	}
}

func TestRecoveryAndRequestID(t *testing.T) {
	r := gin.New()
	r.Use(LoggerMiddleware(), RecoveryMiddleware())
	r.GET("/panic", func(c *gin.Context) { panic("boom") })

	w := serve(r, http.MethodGet, "/panic")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	req.Header.Set(RequestIDHeader, "fixed-id")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "fixed-id", w.Header().Get(RequestIDHeader))
}

func TestCORSMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(CORSMiddleware([]string{"https://app.example.com"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
