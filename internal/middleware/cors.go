// Package middleware provides HTTP middleware for the API.
package middleware

import (
	"net/http"
	"strings"

	"github.com/wb-go/wbf/ginext"
)

// CORSMiddleware allows browser clients from allowedOrigins. A "*" entry
// allows every origin.
func CORSMiddleware(allowedOrigins ...string) func(*ginext.Context) {
	allowAll := len(allowedOrigins) == 0
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
			break
		}
	}

	return func(c *ginext.Context) {
		origin := c.Request.Header.Get("Origin")

		if origin != "" && (allowAll || originAllowed(allowedOrigins, origin)) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Max-Age", "3600")
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == origin || (strings.HasPrefix(a, ".") && strings.HasSuffix(origin, a)) {
			return true
		}
	}
	return false
}
