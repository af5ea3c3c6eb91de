package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"

	"docker-socket-proxy/internal/config"
	"docker-socket-proxy/internal/metrics"
)

// HeaderAPIKey carries the shared secret.
const HeaderAPIKey = "X-Api-Key"

// ForbiddenBody is the fixed response body for a rejected key.
const ForbiddenBody = "Forbidden: Invalid API Key"

// APIKey returns the authenticator for mode. With an empty key both modes
// pass every request through untouched. m may be nil.
func APIKey(mode config.AuthMode, key string, m *metrics.Metrics) echo.MiddlewareFunc {
	if mode == config.AuthInjector {
		return injectAPIKey(key)
	}
	return requireAPIKey(key, m)
}

// requireAPIKey rejects requests whose x-api-key header differs from key.
func requireAPIKey(key string, m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if key == "" {
				return next(c)
			}
			got := c.Request().Header.Get(HeaderAPIKey)
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) == 1 {
				return next(c)
			}
			if m != nil {
				m.AuthRejections.Inc()
			}
			return c.String(http.StatusForbidden, ForbiddenBody)
		}
	}
}

// injectAPIKey stamps key onto the request before it is forwarded,
// replacing any value the client sent.
func injectAPIKey(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if key != "" {
				c.Request().Header.Set(HeaderAPIKey, key)
			}
			return next(c)
		}
	}
}
