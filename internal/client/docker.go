// Package client provides the HTTP client that talks to the Docker daemon socket.
package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"docker-socket-proxy/internal/config"
	"docker-socket-proxy/internal/metrics"
	"docker-socket-proxy/internal/model"
)

// DockerClient sends requests to the Docker Engine API over its Unix socket.
type DockerClient struct {
	httpClient *http.Client
	dialer     *net.Dialer
	socket     string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewDockerClient creates a DockerClient whose transport dials cfg.Upstream.Socket
// regardless of the request URL's host.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewDockerClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *DockerClient {
	socket := cfg.Upstream.Socket
	dialer := &net.Dialer{
		Timeout: time.Duration(cfg.Upstream.DialTimeoutSeconds) * time.Second,
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socket)
		},
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		// Bodies are relayed as-is; never negotiate gzip on the caller's behalf.
		DisableCompression: true,
	}

	return &DockerClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			// Redirects belong to the caller.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		dialer:  dialer,
		socket:  socket,
		logger:  logger.With("component", "docker_client"),
		metrics: m,
	}
}

// Socket returns the socket path the client dials.
func (c *DockerClient) Socket() string {
	return c.socket
}

// Do executes an HTTP request against the daemon and returns the raw response.
// The request's context bounds the whole exchange: canceling it (for example
// when the caller disconnects) aborts the upstream connection.
// The caller is responsible for closing the response body.
func (c *DockerClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	c.observe(req.Method, resp, err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("docker socket %s: %w", c.socket, err)
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// Upgrade sends a protocol upgrade request (attach, exec, BuildKit session)
// on a connection of its own. When the daemon answers 101 the response body
// is the raw connection: an io.ReadWriteCloser that also implements
// CloseWrite, so a caller's half-close reaches the daemon as stdin EOF.
// Any other status is returned as a plain response. Canceling the request's
// context closes the connection.
func (c *DockerClient) Upgrade(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream upgrade request",
		"method", req.Method,
		"path", req.URL.Path,
		"upgrade", req.Header.Get("Upgrade"),
	)

	start := time.Now()
	resp, err := c.upgrade(req)
	c.observe(req.Method, resp, err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("docker socket %s: %w", c.socket, err)
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

func (c *DockerClient) upgrade(req *http.Request) (*http.Response, error) {
	conn, err := c.dialer.DialContext(req.Context(), "unix", c.socket)
	if err != nil {
		return nil, err
	}
	context.AfterFunc(req.Context(), func() { _ = conn.Close() })

	if err := req.Write(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusSwitchingProtocols {
		resp.Body = &upgradedConn{Reader: br, conn: conn}
	} else {
		resp.Body = &connBody{Reader: resp.Body, conn: conn}
	}
	return resp, nil
}

func (c *DockerClient) observe(method string, resp *http.Response, err error, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	method = metrics.NormalizeMethod(method)
	c.metrics.UpstreamDuration.WithLabelValues(method).Observe(elapsed.Seconds())
	if err != nil {
		c.metrics.UpstreamErrors.Inc()
		return
	}
	c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
}

// upgradedConn is the daemon side of a switched protocol. Reads drain bytes
// buffered while parsing the 101 response first.
type upgradedConn struct {
	*bufio.Reader
	conn net.Conn
}

func (u *upgradedConn) Write(p []byte) (int, error) { return u.conn.Write(p) }

func (u *upgradedConn) Close() error { return u.conn.Close() }

// CloseWrite shuts down the sending side of the socket.
func (u *upgradedConn) CloseWrite() error {
	if cw, ok := u.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// connBody releases the dedicated connection together with the body.
type connBody struct {
	io.Reader
	conn net.Conn
}

func (b *connBody) Close() error { return b.conn.Close() }

// CloseIdleConnections releases pooled socket connections.
func (c *DockerClient) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}
