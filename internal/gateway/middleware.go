package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/reeloly/sandboxd/internal/common/config"
	apperrors "github.com/reeloly/sandboxd/internal/common/errors"
)

const userIDKey = "sandboxd.userId"

// originPolicy answers whether a browser origin may call the API.
type originPolicy struct {
	any     bool
	allowed map[string]bool
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{allowed: make(map[string]bool, len(origins))}
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			p.any = true
		}
		if o != "" {
			p.allowed[o] = true
		}
	}
	return p
}

func (p originPolicy) allows(origin string) bool {
	return p.any || p.allowed[origin]
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections.
// Only origins on the allow-list get CORS headers.
func corsMiddleware(origins []string) gin.HandlerFunc {
	policy := newOriginPolicy(origins)
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && policy.allows(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Last-Event-ID, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
			c.Header("Access-Control-Allow-Credentials", "true")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// authMiddleware trusts the caller identity set by the upstream verifier.
// When a proxy secret is configured, requests without it are rejected so the
// identity header cannot be forged by bypassing the proxy.
func authMiddleware(cfg config.AuthConfig) gin.HandlerFunc {
	userHeader := cfg.UserHeader
	if userHeader == "" {
		userHeader = "X-User-Id"
	}
	secretHeader := cfg.ProxySecretHeader
	if secretHeader == "" {
		secretHeader = "X-Proxy-Secret"
	}
	secret := []byte(cfg.ProxySecret)

	return func(c *gin.Context) {
		if len(secret) > 0 {
			got := []byte(c.GetHeader(secretHeader))
			if subtle.ConstantTimeCompare(got, secret) != 1 {
				abortWithError(c, apperrors.Unauthorized("invalid proxy credentials"))
				return
			}
		}
		userID := strings.TrimSpace(c.GetHeader(userHeader))
		if userID == "" {
			abortWithError(c, apperrors.Unauthorized("missing caller identity"))
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func callerID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
