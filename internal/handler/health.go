package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the liveness endpoint.
type HealthHandler struct{}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

// healthyBody is written byte for byte; c.JSON would append a newline.
var healthyBody = []byte(`{"status":"healthy"}`)

// Health reports that the proxy process is alive. It never touches the
// Docker socket, so it answers even when the daemon is down.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSONBlob(http.StatusOK, healthyBody)
}
