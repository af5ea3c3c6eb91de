package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"docker-socket-proxy/internal/metrics"
)

// Metrics counts and times inbound requests by method, status and Docker
// resource. Upgraded attach and exec sessions stay in flight, and are timed,
// until the stream closes.
func Metrics(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()
			method := metrics.NormalizeMethod(req.Method)
			resource := metrics.NormalizePath(req.URL.Path)

			m.RequestsInFlight.Inc()
			start := time.Now()
			defer func() {
				m.RequestsInFlight.Dec()
				status := strconv.Itoa(statusOf(c, err))
				m.RequestsTotal.WithLabelValues(method, status, resource).Inc()
				m.RequestDuration.WithLabelValues(method, status, resource).Observe(time.Since(start).Seconds())
			}()

			return next(c)
		}
	}
}

// statusOf predicts the status echo's error handler will send for err when
// nothing was written yet.
func statusOf(c echo.Context, err error) int {
	res := c.Response()
	if err == nil || res.Committed {
		return res.Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
