package handler

import (
	"github.com/labstack/echo/v4"

	"docker-socket-proxy/internal/config"
	"docker-socket-proxy/internal/metrics"
	"docker-socket-proxy/internal/middleware"
)

// HealthPath is the one path served by the proxy itself.
const HealthPath = "/health"

// RegisterRoutes wires all route handlers onto the Echo instance. Every path
// other than HealthPath goes to the Docker daemon behind the authenticator,
// whatever the method.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	auth := middleware.APIKey(cfg.Auth.Mode, cfg.Auth.APIKey, m)
	forward := auth(proxy.Handle)

	e.Any(HealthPath, health.Health)
	e.Any("/*", forward)

	// Any only covers the standard methods. Echo sends the rest to the
	// not-found route of the best matching node, which for every path
	// (HealthPath included) is /*.
	e.RouteNotFound("/*", func(c echo.Context) error {
		if c.Request().URL.Path == HealthPath {
			return health.Health(c)
		}
		return forward(c)
	})
}
