package middleware

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/darkpool-api/internal/auth"
	"github.com/ksred/darkpool-api/pkg/response"
	"golang.org/x/time/rate"
)

// Limits are requests per minute per client and route class
type Limits struct {
	Auth    float64 `yaml:"auth"`
	Betting float64 `yaml:"betting"`
	Read    float64 `yaml:"read"`
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client and route
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limits   Limits
}

func NewRateLimiter(limits Limits) *RateLimiter {
	rl := &RateLimiter{visitors: make(map[string]*visitor), limits: limits}
	go rl.cleanupVisitors()
	return rl
}

func perMinute(n float64) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(n / 60.0)
}

func (rl *RateLimiter) getLimiter(method, path, clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := clientID + ":" + method + ":" + path
	v, exists := rl.visitors[key]

	if !exists {
		var limit rate.Limit
		switch {
		case strings.HasPrefix(path, "/api/v1/auth"):
			limit = perMinute(rl.limits.Auth)
		case strings.HasPrefix(path, "/api/v1/internal"):
			limit = rate.Inf
		case method == "GET":
			limit = perMinute(rl.limits.Read)
		default:
			limit = perMinute(rl.limits.Betting)
		}

		v = &visitor{
			limiter: rate.NewLimiter(limit, 1),
		}
		rl.visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func (rl *RateLimiter) cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		rl.mu.Lock()
		for key, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, key)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("clientID")
		if clientID == "" {
			clientID = c.ClientIP()
		}

		limiter := rl.getLimiter(c.Request.Method, c.FullPath(), clientID)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// TokenValidator is satisfied by auth.Service
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// JWTAuth requires a valid bearer token and stores the caller's identity as
// "clientID" and "role"
func JWTAuth(v TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := validateAndExtractToken(c, v)
		if !ok {
			return
		}

		c.Set("claims", claims)
		c.Set("clientID", claims.ClientID)
		c.Set("role", claims.Role)
		c.Next()
	}
}

// InternalAuth admits only the compute cluster's token
func InternalAuth(v TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := validateAndExtractToken(c, v)
		if !ok {
			return
		}
		if claims.Role != auth.RoleCluster {
			response.Forbidden(c, "Internal route requires a cluster token")
			c.Abort()
			return
		}

		c.Set("clientID", claims.ClientID)
		c.Set("role", claims.Role)
		c.Next()
	}
}

func validateAndExtractToken(c *gin.Context, v TokenValidator) (*auth.Claims, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		response.Unauthorized(c, "Authorization header required")
		c.Abort()
		return nil, false
	}

	bearerToken := strings.Split(authHeader, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		response.Unauthorized(c, "Invalid authorization header format")
		c.Abort()
		return nil, false
	}

	claims, err := v.ValidateToken(bearerToken[1])
	if err != nil {
		response.Unauthorized(c, "Invalid token")
		c.Abort()
		return nil, false
	}
	return claims, true
}
