// Package service implements forwarding of inbound requests to the Docker daemon.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"docker-socket-proxy/internal/client"
	"docker-socket-proxy/internal/model"
	"docker-socket-proxy/internal/telemetry"
)

// ErrUpstream wraps every failure to reach or talk to the Docker daemon.
var ErrUpstream = errors.New("docker upstream request failed")

// upstreamHost is sent as Host on every forwarded request. The daemon
// ignores it; all I/O goes through the socket.
const upstreamHost = "localhost"

// ProxyService relays requests to the Docker Engine API.
type ProxyService struct {
	client *client.DockerClient
	tracer trace.Tracer
	logger *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.DockerClient, tr *telemetry.Tracing, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client: c,
		tracer: tr.Tracer,
		logger: logger.With("component", "proxy_service"),
	}
}

// Forward issues the equivalent of pr against the Docker socket and returns
// the daemon's response. Exactly one of the results is non-nil. Every error
// wraps ErrUpstream. The caller is responsible for closing the response body.
//
// An upgrade request (Connection: Upgrade) keeps its handshake headers. If
// the daemon switches protocols the response is 101 and its Body is an
// io.ReadWriteCloser carrying the raw stream.
//
// The span joins any trace context the caller sent; the caller's headers
// reach the daemon unchanged.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	parent := otel.GetTextMapPropagator().Extract(pr.Ctx, propagation.HeaderCarrier(pr.Header))
	proto := upgradeType(pr.Header)

	ctx, span := s.tracer.Start(parent, "docker.forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", pr.Method),
			attribute.String("url.path", pr.Path),
			attribute.String("docker.socket", s.client.Socket()),
			attribute.String("http.upgrade", proto),
		),
	)
	defer span.End()

	req, err := s.buildUpstreamRequest(ctx, pr)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	s.logger.DebugContext(ctx, "forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	var resp *model.ProxyResponse
	if proto != "" {
		resp, err = s.client.Upgrade(req)
	} else {
		resp, err = s.client.Do(req)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream unreachable")
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode == http.StatusSwitchingProtocols {
		if err := checkSwitch(proto, resp); err != nil {
			_ = resp.Body.Close()
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
		}
		switched := upgradeType(resp.Header)
		resp.Header = endToEndHeaders(resp.Header)
		withUpgrade(resp.Header, switched)
		return resp, nil
	}

	resp.Header = endToEndHeaders(resp.Header)
	return resp, nil
}

// checkSwitch verifies a 101 answers the upgrade that was asked for.
func checkSwitch(asked string, resp *model.ProxyResponse) error {
	got := upgradeType(resp.Header)
	if asked == "" || !strings.EqualFold(asked, got) {
		return fmt.Errorf("daemon switched to %q, requested %q", got, asked)
	}
	if _, ok := resp.Body.(io.ReadWriteCloser); !ok {
		return errors.New("switched protocol response has no writable body")
	}
	return nil
}

func (s *ProxyService) buildUpstreamRequest(ctx context.Context, pr *model.ProxyRequest) (*http.Request, error) {
	u := &url.URL{
		Scheme:   "http",
		Host:     upstreamHost,
		Path:     pr.Path,
		RawPath:  pr.RawPath,
		RawQuery: pr.RawQuery,
	}

	body := pr.Body
	if body == nil || pr.ContentLength == 0 {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, pr.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if body != http.NoBody {
		req.ContentLength = pr.ContentLength
	}

	req.Header = endToEndHeaders(pr.Header)
	withUpgrade(req.Header, upgradeType(pr.Header))
	// An empty User-Agent stops net/http from adding its own.
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header.Set("User-Agent", "")
	}
	req.Host = upstreamHost

	return req, nil
}
