// Package middleware provides Echo middleware for logging, authentication and metrics.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// LoggerConfig controls what the request logger records.
type LoggerConfig struct {
	// IncludeQuery logs the request URI with its query string instead of the bare path.
	IncludeQuery bool
}

// RequestLogger returns an Echo middleware that logs each request with slog.
// A debug line marks the start, so long-lived streams (events, logs --follow)
// are visible while they run. The info line is written when the request
// ends, also when the handler panics. It never rejects a request.
func RequestLogger(logger *slog.Logger, cfg LoggerConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			path := req.URL.Path
			if cfg.IncludeQuery {
				path = req.URL.RequestURI()
			}
			client := ClientAddr(req)

			logger.DebugContext(req.Context(), "request started",
				"method", req.Method,
				"path", path,
				"client", client,
			)

			defer func() {
				res := c.Response()
				logger.InfoContext(req.Context(), "proxying request",
					"method", req.Method,
					"path", path,
					"client", client,
					"status", res.Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"bytes_out", res.Size,
				)
			}()

			return next(c)
		}
	}
}

// ClientAddr returns the originating client address: the first entry of
// X-Forwarded-For when present, otherwise the peer's host. The result is for
// logging only and must not drive authorization.
func ClientAddr(req *http.Request) string {
	if xff := req.Header.Get(echo.HeaderXForwardedFor); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
