package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	mcp "github.com/MegaGrindStone/weather-mcp"
	"github.com/MegaGrindStone/weather-mcp/internal/config"
	"github.com/MegaGrindStone/weather-mcp/internal/httpapi"
	"github.com/MegaGrindStone/weather-mcp/internal/telemetry"
	"github.com/MegaGrindStone/weather-mcp/servers/weather"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

const (
	metricsNamespace = "weather_mcp"
	shutdownTimeout  = 10 * time.Second
)

// app is the fully wired server, independent of any listener.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	router   *mcp.ToolRouter
	sse      *mcp.SSEServer
	handler  http.Handler
}

func serveCmd(opts *rootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the HTTP server.

Settings come from the --config file and the environment (PORT, WEATHER_API_BASE_URL,
UPSTREAM_TIMEOUT, COMMAND_TIMEOUT, KEEPALIVE_INTERVAL, MESSAGE_RATE_LIMIT,
MESSAGE_RATE_BURST, STATIC_DIR, LOG_LEVEL, LOG_FORMAT, OTEL_EXPORTER_OTLP_ENDPOINT,
SERVER_NAME, SERVER_VERSION).

Examples:
  weather-mcp serve
  weather-mcp serve --port=8080
  weather-mcp serve --config=weather.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Port = port
			}
			return runServe(cmd.Context(), cfg, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (default from PORT)")

	return cmd
}

func newApp(cfg config.Config, logger *slog.Logger) *app {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ws := weatherServer(cfg, logger)
	router := newToolRouter(ws, logger)

	sessions := mcp.NewSessionRegistry(mcp.WithSessionRateLimit(cfg.MessageRateLimit, cfg.MessageRateBurst))
	sseServer := mcp.NewSSEServer(router,
		mcp.WithLogger(logger),
		mcp.WithRegistry(sessions),
		mcp.WithMetrics(mcp.NewMetrics(reg, metricsNamespace)),
		mcp.WithCommandTimeout(cfg.CommandTimeout),
		mcp.WithKeepAliveInterval(cfg.KeepAliveInterval),
	)

	handler := httpapi.NewRouter(httpapi.Deps{
		SSE:        sseServer,
		Weather:    ws,
		Logger:     logger,
		Info:       mcp.Info{Name: cfg.ServerName, Version: cfg.ServerVersion},
		Start:      time.Now(),
		Registerer: reg,
		Gatherer:   reg,
		Namespace:  metricsNamespace,
		StaticDir:  cfg.StaticDir,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		router:   router,
		sse:      sseServer,
		handler:  handler,
	}
}

func weatherServer(cfg config.Config, logger *slog.Logger) *weather.Server {
	client := weather.NewClient(cfg.WeatherAPIBaseURL,
		&http.Client{Timeout: cfg.UpstreamTimeout},
		weather.WithClientLogger(logger))
	return weather.NewServer(client, weather.WithLogger(logger))
}

func newToolRouter(ws *weather.Server, logger *slog.Logger) *mcp.ToolRouter {
	router := mcp.NewToolRouter(mcp.WithToolRouterLogger(logger))
	ws.Register(router)
	return router
}

func runServe(ctx context.Context, cfg config.Config, logOut io.Writer) error {
	logger, err := cfg.NewLogger(logOut)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, cfg.ServerName, cfg.ServerVersion)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Error("failed to flush traces", "err", err)
		}
	}()

	a := newApp(cfg, logger)

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}

	return a.serve(ctx, ln)
}

// serve runs the HTTP server on ln until ctx is done, then shuts it down gracefully.
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 15 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	a.logger.Info("server started",
		slog.String("addr", ln.Addr().String()),
		slog.String("name", a.cfg.ServerName),
		slog.String("version", a.cfg.ServerVersion),
		slog.Any("endpoints", httpapi.Endpoints))

	select {
	case err := <-errs:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Open streams never finish on their own, so they are ended before the HTTP server drains.
	if err := a.sse.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("failed to shutdown SSE server", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.logger.Info("server exited gracefully")
	return nil
}
