// Package httpapi assembles the HTTP surface of the weather server: the session endpoints, the direct
// weather lookup, health and metrics, behind logging, tracing and CORS middleware.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	mcp "github.com/MegaGrindStone/weather-mcp"
	"github.com/MegaGrindStone/weather-mcp/servers/weather"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Deps holds what the router serves. SSE, Weather and Logger are required; the rest is optional.
type Deps struct {
	SSE     *mcp.SSEServer
	Weather *weather.Server
	Logger  *slog.Logger

	Info  mcp.Info
	Start time.Time

	// Registerer and Gatherer enable request metrics and the /metrics endpoint.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Namespace  string

	TracerProvider trace.TracerProvider

	// StaticDir, when set, is served at the root for browser clients.
	StaticDir string
}

// Endpoints lists the routes served by NewRouter, for startup logging.
var Endpoints = []string{
	"GET /api/weather?city=<name>",
	"GET /sse",
	"GET /subscribe",
	"POST /messages?connectionId=<id>",
	"GET /health",
	"GET /metrics",
}

// NewRouter returns the HTTP handler of the server.
func NewRouter(d Deps) http.Handler {
	tp := d.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(AccessLog(d.Logger))
	r.Use(Trace(tp))
	if d.Registerer != nil {
		r.Use(RequestMetrics(d.Registerer, d.Namespace))
	}
	r.Use(CORS)

	r.Method(http.MethodGet, "/api/weather", d.Weather.HandleWeather())

	subscribe := d.SSE.HandleSSE()
	r.Method(http.MethodGet, "/sse", subscribe)
	r.Method(http.MethodGet, "/subscribe", subscribe)
	r.Method(http.MethodPost, "/messages", d.SSE.HandleMessage())

	r.Method(http.MethodGet, "/health", mcp.HandleHealth(d.Info, d.Start, d.SSE.Registry()))

	if d.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	if d.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(d.StaticDir)))
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		mcp.WriteError(w, http.StatusNotFound, "not found", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		mcp.WriteError(w, http.StatusMethodNotAllowed, "method not allowed", "")
	})

	return r
}
