package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"docker-socket-proxy/internal/client"
	"docker-socket-proxy/internal/config"
	"docker-socket-proxy/internal/model"
	"docker-socket-proxy/internal/telemetry"
	"docker-socket-proxy/internal/testutil"
)

func newTestService(t *testing.T, socket string) *ProxyService {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			Socket:             socket,
			DialTimeoutSeconds: 1,
			IdleConnections:    2,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr, err := telemetry.Setup(context.Background(), "test")
	if err != nil {
		t.Fatalf("telemetry.Setup: %v", err)
	}
	return NewProxyService(client.NewDockerClient(cfg, logger, nil), tr, logger)
}

func TestEndToEndHeaders(t *testing.T) {
	src := http.Header{
		"Accept":              {"application/json"},
		"Content-Type":        {"application/x-tar"},
		"X-Api-Key":           {"k"},
		"X-Registry-Auth":     {"e30="},
		"Connection":          {"keep-alive, X-Hop"},
		"X-Hop":               {"1"},
		"Keep-Alive":          {"timeout=5"},
		"Proxy-Authorization": {"Basic abc"},
		"Te":                  {"trailers"},
		"Transfer-Encoding":   {"chunked"},
		"Upgrade":             {"tcp"},
	}

	dst := endToEndHeaders(src)

	tests := []struct {
		name    string
		key     string
		wantLen int
	}{
		{"Accept forwarded", "Accept", 1},
		{"Content-Type forwarded", "Content-Type", 1},
		{"X-Api-Key forwarded", "X-Api-Key", 1},
		{"X-Registry-Auth forwarded", "X-Registry-Auth", 1},
		{"Connection stripped", "Connection", 0},
		{"Connection-listed header stripped", "X-Hop", 0},
		{"Keep-Alive stripped", "Keep-Alive", 0},
		{"Proxy-Authorization stripped", "Proxy-Authorization", 0},
		{"TE stripped", "TE", 0},
		{"Transfer-Encoding stripped", "Transfer-Encoding", 0},
		{"Upgrade stripped", "Upgrade", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := len(dst.Values(tt.key))
			if got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}

	if src.Get("Connection") == "" {
		t.Error("endToEndHeaders must not modify its input")
	}
}

func TestEndToEndHeaders_Nil(t *testing.T) {
	if dst := endToEndHeaders(nil); dst == nil {
		t.Error("endToEndHeaders(nil) = nil, want empty header")
	}
}

func TestBuildUpstreamRequest(t *testing.T) {
	s := &ProxyService{}

	tests := []struct {
		name    string
		pr      *model.ProxyRequest
		wantURL string
		wantCL  int64
		noBody  bool
	}{
		{
			name:    "path and query preserved",
			pr:      &model.ProxyRequest{Method: http.MethodGet, Path: "/v1.43/containers/json", RawQuery: "all=1&filters=%7B%7D"},
			wantURL: "http://localhost/v1.43/containers/json?all=1&filters=%7B%7D",
			noBody:  true,
		},
		{
			name:    "escaped path preserved",
			pr:      &model.ProxyRequest{Method: http.MethodGet, Path: "/images/library/ubuntu/json", RawPath: "/images/library%2Fubuntu/json"},
			wantURL: "http://localhost/images/library%2Fubuntu/json",
			noBody:  true,
		},
		{
			name: "body with known length",
			pr: &model.ProxyRequest{
				Method: http.MethodPost, Path: "/containers/create",
				Body: io.NopCloser(strings.NewReader(`{"Image":"alpine"}`)), ContentLength: 18,
			},
			wantURL: "http://localhost/containers/create",
			wantCL:  18,
		},
		{
			name: "chunked body",
			pr: &model.ProxyRequest{
				Method: http.MethodPost, Path: "/build",
				Body: io.NopCloser(strings.NewReader("tar")), ContentLength: -1,
			},
			wantURL: "http://localhost/build",
			wantCL:  -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := s.buildUpstreamRequest(context.Background(), tt.pr)
			if err != nil {
				t.Fatalf("buildUpstreamRequest() error = %v", err)
			}
			if got := req.URL.String(); got != tt.wantURL {
				t.Errorf("URL = %q, want %q", got, tt.wantURL)
			}
			if req.Host != "localhost" {
				t.Errorf("Host = %q, want %q", req.Host, "localhost")
			}
			if tt.noBody {
				if req.Body != http.NoBody {
					t.Errorf("Body = %v, want http.NoBody", req.Body)
				}
				return
			}
			if req.ContentLength != tt.wantCL {
				t.Errorf("ContentLength = %d, want %d", req.ContentLength, tt.wantCL)
			}
		})
	}
}

func TestBuildUpstreamRequest_UpgradeHeaders(t *testing.T) {
	s := &ProxyService{}

	tests := []struct {
		name           string
		header         http.Header
		wantConnection string
		wantUpgrade    string
	}{
		{
			name:           "attach upgrade kept",
			header:         http.Header{"Connection": {"Upgrade"}, "Upgrade": {"tcp"}},
			wantConnection: "Upgrade",
			wantUpgrade:    "tcp",
		},
		{
			name:           "token matched case-insensitively among others",
			header:         http.Header{"Connection": {"keep-alive, upgrade"}, "Upgrade": {"h2c"}},
			wantConnection: "Upgrade",
			wantUpgrade:    "h2c",
		},
		{
			name:   "Upgrade without Connection token dropped",
			header: http.Header{"Connection": {"keep-alive"}, "Upgrade": {"tcp"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := s.buildUpstreamRequest(context.Background(), &model.ProxyRequest{
				Method: http.MethodPost, Path: "/containers/abc/attach", Header: tt.header,
			})
			if err != nil {
				t.Fatalf("buildUpstreamRequest() error = %v", err)
			}
			if got := req.Header.Get("Connection"); got != tt.wantConnection {
				t.Errorf("Connection = %q, want %q", got, tt.wantConnection)
			}
			if got := req.Header.Get("Upgrade"); got != tt.wantUpgrade {
				t.Errorf("Upgrade = %q, want %q", got, tt.wantUpgrade)
			}
			if req.Header.Get("Keep-Alive") != "" {
				t.Error("Keep-Alive must not be forwarded")
			}
		})
	}
}

func TestBuildUpstreamRequest_UserAgent(t *testing.T) {
	s := &ProxyService{}

	req, err := s.buildUpstreamRequest(context.Background(), &model.ProxyRequest{
		Method: http.MethodGet, Path: "/_ping", Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("buildUpstreamRequest() error = %v", err)
	}
	if ua, ok := req.Header["User-Agent"]; !ok || ua[0] != "" {
		t.Errorf("User-Agent = %v, want present and empty", ua)
	}

	req, err = s.buildUpstreamRequest(context.Background(), &model.ProxyRequest{
		Method: http.MethodGet, Path: "/_ping", Header: http.Header{"User-Agent": {"Docker-Client/27.0.0"}},
	})
	if err != nil {
		t.Fatalf("buildUpstreamRequest() error = %v", err)
	}
	if got := req.Header.Get("User-Agent"); got != "Docker-Client/27.0.0" {
		t.Errorf("User-Agent = %q, want caller's value", got)
	}
}

func TestForward_HappyPath(t *testing.T) {
	socket := testutil.NewUnixServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if r.URL.Path != "/containers/create" || r.URL.RawQuery != "name=web" {
			t.Errorf("url = %q, want /containers/create?name=web", r.URL.String())
		}
		if r.Header.Get("X-Api-Key") != "client-key" {
			t.Errorf("X-Api-Key = %q, want %q", r.Header.Get("X-Api-Key"), "client-key")
		}
		if r.Header.Get("Connection") == "close" {
			t.Error("hop-by-hop Connection header should not be forwarded")
		}
		if ua := r.Header.Get("User-Agent"); ua != "" {
			t.Errorf("User-Agent = %q, want none", ua)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"Image":"alpine"}` {
			t.Errorf("body = %q", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"Id":"abc"}`))
	}))
	svc := newTestService(t, socket)

	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodPost,
		Path:   "/containers/create",
		Header: http.Header{
			"Content-Type": {"application/json"},
			"X-Api-Key":    {"client-key"},
			"Connection":   {"close"},
		},
		RawQuery:      "name=web",
		Body:          io.NopCloser(strings.NewReader(`{"Image":"alpine"}`)),
		ContentLength: 18,
	}

	resp, err := svc.Forward(pr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q, want %q", resp.Header.Get("Content-Type"), "application/json")
	}
	if resp.Header.Get("Keep-Alive") != "" {
		t.Errorf("Keep-Alive should be stripped from the response, got %q", resp.Header.Get("Keep-Alive"))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"Id":"abc"}` {
		t.Errorf("body = %q, want %q", string(body), `{"Id":"abc"}`)
	}
}

func TestForward_UnreachableSocket(t *testing.T) {
	svc := newTestService(t, testutil.MissingSocket(t))

	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/version",
		Header: http.Header{},
	})
	if err == nil {
		_ = resp.Body.Close()
		t.Fatal("Forward() expected error, got nil")
	}
	if resp != nil {
		t.Error("Forward() returned both a response and an error")
	}
	if !errors.Is(err, ErrUpstream) {
		t.Errorf("Forward() error = %v, want ErrUpstream", err)
	}
}

func attachRequest(proto string) *model.ProxyRequest {
	return &model.ProxyRequest{
		Ctx:      context.Background(),
		Method:   http.MethodPost,
		Path:     "/v1.43/containers/abc/attach",
		RawQuery: "stream=1&stdin=1&stdout=1",
		Header:   http.Header{"Connection": {"Upgrade"}, "Upgrade": {proto}},
	}
}

func TestForward_Upgrade(t *testing.T) {
	svc := newTestService(t, testutil.NewUnixServer(t, testutil.AttachHandler(t, "")))

	resp, err := svc.Forward(attachRequest("tcp"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("StatusCode = %d, want 101", resp.StatusCode)
	}
	if resp.Header.Get("Upgrade") != "tcp" || resp.Header.Get("Connection") != "Upgrade" {
		t.Errorf("handshake headers = %q/%q, want Upgrade/tcp", resp.Header.Get("Connection"), resp.Header.Get("Upgrade"))
	}
	if got := resp.Header.Get("Content-Type"); got != "application/vnd.docker.raw-stream" {
		t.Errorf("Content-Type = %q", got)
	}

	stream, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		t.Fatal("101 body is not an io.ReadWriteCloser")
	}
	if _, err := io.WriteString(stream, "ls\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if cw, ok := stream.(interface{ CloseWrite() error }); !ok {
		t.Fatal("101 body does not support half-close")
	} else if err := cw.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}

	out, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if want := "ls\n" + testutil.StdinClosed; string(out) != want {
		t.Errorf("stream = %q, want %q", out, want)
	}
}

func TestForward_UpgradeProtocolMismatch(t *testing.T) {
	svc := newTestService(t, testutil.NewUnixServer(t, testutil.AttachHandler(t, "h2c")))

	resp, err := svc.Forward(attachRequest("tcp"))
	if err == nil {
		_ = resp.Body.Close()
		t.Fatal("Forward() expected error for a 101 naming another protocol")
	}
	if !errors.Is(err, ErrUpstream) {
		t.Errorf("Forward() error = %v, want ErrUpstream", err)
	}
}

func TestForward_JoinsCallerTrace(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	const traceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

	seen := make(chan string, 1)
	socket := testutil.NewUnixServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get("Traceparent")
		w.WriteHeader(http.StatusOK)
	}))

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	cfg := &config.Config{Upstream: config.UpstreamConfig{Socket: socket, DialTimeoutSeconds: 1}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewProxyService(client.NewDockerClient(cfg, logger, nil), &telemetry.Tracing{Tracer: tp.Tracer("test")}, logger)

	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/_ping",
		Header: http.Header{"Traceparent": {traceparent}},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	if got := <-seen; got != traceparent {
		t.Errorf("daemon saw traceparent %q, want it unchanged", got)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	if got := spans[0].SpanContext().TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %s, want the caller's", got)
	}
	if got := spans[0].Parent().SpanID().String(); got != "00f067aa0ba902b7" {
		t.Errorf("parent span id = %s, want the caller's", got)
	}
}
