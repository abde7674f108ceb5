package middleware

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-payouts/internal/auth"
	"github.com/ksred/klear-payouts/pkg/response"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.RWMutex

	// Configure limits per endpoint type
	authLimit  = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	adminLimit = rate.Limit(100.0 / 60.0)  // 100 requests per minute
	readLimit  = rate.Limit(1000.0 / 60.0) // 1000 requests per minute
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func limitFor(path string) rate.Limit {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return authLimit
	case strings.HasPrefix(path, "/api/v1/admin"):
		return adminLimit
	case strings.HasPrefix(path, "/api/v1/settlements"):
		return readLimit
	default:
		return rate.Inf
	}
}

func getLimiter(path, clientKey string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientKey + ":" + path
	v, exists := visitors[key]
	if !exists {
		v = &visitor{
			limiter:  rate.NewLimiter(limitFor(path), 1), // burst of 1
			lastSeen: time.Now(),
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for key, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, key)
			}
		}
		mu.Unlock()
	}
}

func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientKey := auth.ClientID(c)
		if clientKey == "" {
			clientKey = c.ClientIP()
		}

		limiter := getLimiter(c.FullPath(), clientKey)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// TokenValidator checks a bearer token and returns its claims
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// JWTAuth rejects requests without a valid bearer token and stores the
// client id and role in the context
func JWTAuth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		bearerToken := strings.Split(authHeader, " ")
		if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
			response.Unauthorized(c, "Invalid authorization header format")
			c.Abort()
			return
		}

		claims, err := validator.ValidateToken(bearerToken[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set(auth.ContextClientID, claims.ClientID)
		c.Set(auth.ContextRole, claims.Role)
		c.Next()
	}
}

// RequireRole allows only the given roles through. Must run after JWTAuth.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := auth.Role(c)
		for _, allowed := range roles {
			if role == allowed {
				c.Next()
				return
			}
		}
		response.Forbidden(c, "Insufficient permissions")
		c.Abort()
	}
}
