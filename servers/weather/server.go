package weather

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	mcp "github.com/MegaGrindStone/weather-mcp"
)

// Server exposes a Fetcher as the get-weather tool, the check-weather prompt and a plain HTTP
// endpoint. It holds no state of its own, so one Server may back any number of routers.
type Server struct {
	fetcher Fetcher
	logger  *slog.Logger
}

// ServerOption represents the options for the Server.
type ServerOption func(*Server)

// NewServer creates a weather server answering lookups with fetcher.
func NewServer(fetcher Fetcher, options ...ServerOption) *Server {
	s := &Server{
		fetcher: fetcher,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithLogger sets the logger of the server.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// Register adds the get-weather tool and the check-weather prompt to router.
func (s *Server) Register(router *mcp.ToolRouter) {
	router.RegisterTool(getWeatherTool, s.callGetWeather)
	router.RegisterPrompt(checkWeatherPrompt, s.getCheckWeather)
}

// HandleWeather returns an http.Handler for GET /api/weather?city=<name>. It answers synchronously,
// without any session: {"response": ...} on success, 400 when city is missing and 500 with the failure
// reason in details when the lookup fails.
func (s *Server) HandleWeather() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		city := strings.TrimSpace(r.URL.Query().Get("city"))
		if city == "" {
			mcp.WriteError(w, http.StatusBadRequest, "City parameter is required", "")
			return
		}

		report, err := s.fetcher.Fetch(r.Context(), city)
		if err != nil {
			s.logger.Error("failed to fetch weather", slog.String("city", city), "err", err)

			status := http.StatusInternalServerError
			if errors.Is(err, mcp.ErrInvalidArgument) {
				status = http.StatusBadRequest
			}
			mcp.WriteError(w, status, "Failed to fetch weather data", err.Error())
			return
		}

		mcp.WriteJSON(w, http.StatusOK, Report{Response: report})
	})
}

// Report is the body of a successful direct weather lookup.
type Report struct {
	Response string `json:"response"`
}
