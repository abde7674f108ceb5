package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-payouts/internal/auth"
)

func newRouter(t *testing.T) (*gin.Engine, map[string]string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc := auth.NewService("test-secret", time.Hour)
	tokens := map[string]string{}
	for _, c := range []auth.Client{
		{APIKey: "admin", APISecret: "a", Role: auth.RoleAdmin},
		{APIKey: "seller-1", APISecret: "s", Role: auth.RoleSeller},
	} {
		require.NoError(t, svc.RegisterClient(c))
		token, err := svc.GenerateToken(auth.Credentials{APIKey: c.APIKey, APISecret: c.APISecret})
		require.NoError(t, err)
		tokens[c.APIKey] = token.Token
	}

	router := gin.New()
	router.GET("/whoami", JWTAuth(svc), func(c *gin.Context) {
		c.String(http.StatusOK, auth.ClientID(c)+"/"+auth.Role(c))
	})
	router.GET("/admin", JWTAuth(svc), RequireRole(auth.RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return router, tokens
}

func get(router *gin.Engine, path, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestJWTAuth(t *testing.T) {
	router, tokens := newRouter(t)

	w := get(router, "/whoami", "Bearer "+tokens["seller-1"])
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "seller-1/seller", w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, get(router, "/whoami", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(router, "/whoami", tokens["seller-1"]).Code)
	assert.Equal(t, http.StatusUnauthorized, get(router, "/whoami", "Basic abc").Code)
	assert.Equal(t, http.StatusUnauthorized, get(router, "/whoami", "Bearer forged").Code)
}

func TestRequireRole(t *testing.T) {
	router, tokens := newRouter(t)

	assert.Equal(t, http.StatusNoContent, get(router, "/admin", "Bearer "+tokens["admin"]).Code)
	assert.Equal(t, http.StatusForbidden, get(router, "/admin", "Bearer "+tokens["seller-1"]).Code)
}

func TestLimitFor(t *testing.T) {
	assert.Equal(t, authLimit, limitFor("/api/v1/auth/token"))
	assert.Equal(t, adminLimit, limitFor("/api/v1/admin/settlements"))
	assert.Equal(t, readLimit, limitFor("/api/v1/settlements/:settlement_id"))
	assert.Equal(t, rate.Inf, limitFor("/health"))
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimit())
	router.POST("/api/v1/auth/token", func(c *gin.Context) { c.Status(http.StatusOK) })

	post := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", nil)
		req.RemoteAddr = "203.0.113.7:4000"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, post())
	assert.Equal(t, http.StatusTooManyRequests, post())
}
