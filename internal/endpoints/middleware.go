// Package endpoints holds the HTTP facade: gin handlers, middleware, the
// error adapter and the WebSocket progress bridge.
package endpoints

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader carries the trace id across client and server.
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "request_id"

// RequestID adopts the inbound X-Request-ID or mints a fresh UUID, echoes
// it on the response and stores it for handlers and the logger.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		exposeHeader(c, RequestIDHeader)
		c.Next()
	}
}

// RequestIDFromContext returns the id set by RequestID, or empty.
func RequestIDFromContext(c *gin.Context) string {
	if v, ok := c.Get(requestIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// exposeHeader unions one token into Access-Control-Expose-Headers.
// Multiple middlewares may expose the same header; the response must list
// each token exactly once.
func exposeHeader(c *gin.Context, name string) {
	existing := c.Writer.Header().Get("Access-Control-Expose-Headers")
	seen := make(map[string]bool)
	var tokens []string
	for _, tok := range strings.Split(existing, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" || seen[strings.ToLower(tok)] {
			continue
		}
		seen[strings.ToLower(tok)] = true
		tokens = append(tokens, tok)
	}
	if !seen[strings.ToLower(name)] {
		tokens = append(tokens, name)
	}
	c.Writer.Header().Set("Access-Control-Expose-Headers", strings.Join(tokens, ", "))
}

// CORS applies the configured origin policy and short-circuits preflight.
func CORS(origin string) gin.HandlerFunc {
	if origin == "" {
		origin = "*"
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, "+RequestIDHeader)
		exposeHeader(c, RequestIDHeader)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestLogger emits one structured line per request, leveled by status
// class.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"size", c.Writer.Size(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
			"request_id", RequestIDFromContext(c),
		}
		switch {
		case status >= http.StatusInternalServerError:
			slog.Error("Request failed", attrs...)
		case status >= http.StatusBadRequest:
			slog.Warn("Request rejected", attrs...)
		default:
			slog.Info("Request completed", attrs...)
		}
	}
}

// Recovery converts handler panics into the uniform JSON error body instead
// of gin's default plain-text 500.
func Recovery(debugMode bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				slog.Error("Handler panicked",
					"panic", r,
					"path", c.Request.URL.Path,
					"request_id", RequestIDFromContext(c),
					"stack", stack)

				resp := ErrorResponse{
					Error:     "Internal server error",
					Code:      http.StatusInternalServerError,
					RequestID: RequestIDFromContext(c),
				}
				if debugMode {
					resp.Exception = fmt.Sprint(r)
					resp.Traceback = stack
				}
				c.AbortWithStatusJSON(http.StatusInternalServerError, resp)
			}
		}()
		c.Next()
	}
}
