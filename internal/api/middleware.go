package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// AUTH MIDDLEWARE
// =============================================================================

// AuthConfig carries the API-key authentication contract.
type AuthConfig struct {
	APIKey             string
	AllowInsecureLocal bool
}

// APIKeyAuthMiddleware enforces the API-key contract: a key supplied via
// X-MCP-API-Key or "Authorization: Bearer ..." compared in constant time.
// With no key configured, access is refused unless AllowInsecureLocal is set
// AND the request originates from a loopback address.
func APIKeyAuthMiddleware(cfg AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APIKey == "" {
			if cfg.AllowInsecureLocal && isLoopback(c.Request) {
				c.Next()
				return
			}
			unauthorizedError(c, "no API key configured and request did not originate from loopback")
			c.Abort()
			return
		}

		if candidate, ok := extractCandidateKey(c.Request); ok && constantTimeEqual(candidate, cfg.APIKey) {
			c.Next()
			return
		}

		unauthorizedError(c, "invalid or missing API key")
		c.Abort()
	}
}

func extractCandidateKey(r *http.Request) (string, bool) {
	if key := r.Header.Get("X-MCP-API-Key"); key != "" {
		return key, true
	}
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1], true
		}
	}
	return "", false
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		// Still run a comparison against a same-length buffer so timing does
		// not leak the expected key's length.
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// =============================================================================
// BODY SIZE MIDDLEWARE
// =============================================================================

const DefaultBodyLimit = 1 * 1024 * 1024 // 1MB

// MaxBodySizeMiddleware rejects requests whose declared Content-Length
// exceeds maxBytes and wraps the body reader so an under-reported length
// can't bypass the cap either.
func MaxBodySizeMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			payloadTooLargeError(c, "request body too large")
			c.Abort()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
