package handler

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"docker-socket-proxy/internal/model"
	"docker-socket-proxy/internal/service"
)

// ProxyErrorBody is the fixed response body for any upstream failure.
const ProxyErrorBody = "Proxy error"

// ProxyHandler forwards requests to the Docker daemon.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
	// hint throttles the operator hint for a missing or refusing socket.
	hint *rate.Sometimes
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
		hint:    &rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
}

// Handle relays the request to the daemon and streams the response back.
// Each attempt ends in exactly one outcome: the daemon's response, or a 500
// with ProxyErrorBody. Nothing is retried.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawPath:       req.URL.RawPath,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.proxyError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusSwitchingProtocols {
		return h.relayUpgrade(c, resp)
	}

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status line is already on the wire, so a mid-stream failure (client
	// disconnect, daemon closing the stream) can only truncate the body.
	if _, err := io.Copy(flushWriter{c.Response()}, resp.Body); err != nil {
		h.logger.WarnContext(req.Context(), "streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

// relayUpgrade takes over the client connection after the daemon switched
// protocols and copies bytes both ways. A client half-close is passed on to
// the daemon; the relay ends when the daemon closes its side.
func (h *ProxyHandler) relayUpgrade(c echo.Context, resp *model.ProxyResponse) error {
	backConn := resp.Body.(io.ReadWriteCloser)
	req := c.Request()
	res := c.Response()

	conn, brw, err := res.Hijack()
	if err != nil {
		return h.proxyError(c, fmt.Errorf("hijack client connection: %w", err))
	}
	defer func() { _ = conn.Close() }()

	res.Status = resp.StatusCode
	res.Committed = true

	if _, err := fmt.Fprintf(brw, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode)); err != nil {
		return nil
	}
	if err := resp.Header.Write(brw); err != nil {
		return nil
	}
	if _, err := brw.WriteString("\r\n"); err != nil {
		return nil
	}
	if err := brw.Flush(); err != nil {
		return nil
	}

	go func() {
		_, _ = io.Copy(backConn, brw)
		if cw, ok := backConn.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
	}()

	n, err := io.Copy(conn, backConn)
	res.Size = n
	if err != nil {
		h.logger.WarnContext(req.Context(), "relaying upgraded stream",
			"err", err,
			"path", req.URL.Path,
		)
	}
	return nil
}

func (h *ProxyHandler) proxyError(c echo.Context, err error) error {
	req := c.Request()
	h.logger.ErrorContext(req.Context(), "proxy error",
		"err", err,
		"method", req.Method,
		"path", req.URL.Path,
	)

	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
		h.hint.Do(func() {
			h.logger.Warn("docker socket is unreachable; check that the daemon is running and the socket is mounted",
				"err", err,
			)
		})
	}

	return c.String(http.StatusInternalServerError, ProxyErrorBody)
}

// flushWriter flushes after every write so that streamed Docker responses
// (logs --follow, events, pull progress) reach the caller as they arrive.
type flushWriter struct {
	res *echo.Response
}

func (w flushWriter) Write(p []byte) (int, error) {
	n, err := w.res.Write(p)
	if err == nil {
		w.res.Flush()
	}
	return n, err
}
