package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"docker-socket-proxy/internal/client"
	"docker-socket-proxy/internal/config"
	"docker-socket-proxy/internal/handler"
	"docker-socket-proxy/internal/metrics"
	"docker-socket-proxy/internal/middleware"
	"docker-socket-proxy/internal/service"
	"docker-socket-proxy/internal/telemetry"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("docker-socket-proxy"),
		kong.Description("HTTP reverse proxy for the Docker Engine API socket."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(appOptions(&cli)).Run()
}

// appOptions assembles the dependency graph. A failing OnStart hook, such as
// a port that cannot be bound, makes Run exit non-zero.
func appOptions(cli *config.CLI) fx.Option {
	return fx.Options(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		fx.Provide(
			func() *config.CLI { return cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newTracing,
			metrics.New,
			newEcho,
			client.NewDockerClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer, startMetricsServer),
	)
}

func newLogger(cfg *config.Config) *slog.Logger {
	return buildLogger(cfg, os.Stdout)
}

func buildLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}

	return slog.New(telemetry.NewTraceHandler(h))
}

func newTracing(lc fx.Lifecycle, v handler.Version) (*telemetry.Tracing, error) {
	tr, err := telemetry.Setup(context.Background(), string(v))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: tr.Shutdown})
	return tr, nil
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Only the header read is bounded. Image uploads, attach sessions and
	// followed logs legitimately keep a request open for a long time.
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Server.ReadTimeout = 0
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second

	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger, middleware.LoggerConfig{IncludeQuery: cfg.Log.IncludeQuery}))
	if cfg.Metrics.Enabled {
		e.Use(middleware.Metrics(m))
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, dc *client.DockerClient, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("docker socket proxy listening",
				"addr", ln.Addr().String(),
				"version", version,
				"socket", cfg.Upstream.Socket,
				"auth_mode", cfg.Auth.Mode,
				"api_key_set", cfg.Auth.APIKey != "",
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			defer dc.CloseIdleConnections()
			return e.Shutdown(ctx)
		},
	})
}

func startMetricsServer(lc fx.Lifecycle, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, m.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", cfg.Metrics.Addr)
			if err != nil {
				return fmt.Errorf("bind metrics %s: %w", cfg.Metrics.Addr, err)
			}
			logger.Info("metrics listening", "addr", ln.Addr().String(), "path", cfg.Metrics.Path)
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}
