package mcp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// HealthStatus is the body written by HandleHealth.
type HealthStatus struct {
	Status     string  `json:"status"`
	Uptime     float64 `json:"uptime"`
	ServerName string  `json:"serverName"`
	Version    string  `json:"version"`
	Sessions   int     `json:"sessions"`
}

// WriteJSON writes v as the JSON body of a response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}

// WriteError writes an ErrorResponse with the given status. An empty details is omitted.
func WriteError(w http.ResponseWriter, status int, msg, details string) {
	WriteJSON(w, status, ErrorResponse{Error: msg, Details: details})
}

// HandleHealth returns an http.Handler reporting liveness, the uptime in seconds since start and the
// number of open sessions in registry.
func HandleHealth(info Info, start time.Time, registry *SessionRegistry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		sessions := 0
		if registry != nil {
			sessions = registry.Len()
		}
		WriteJSON(w, http.StatusOK, HealthStatus{
			Status:     "ok",
			Uptime:     time.Since(start).Seconds(),
			ServerName: info.Name,
			Version:    info.Version,
			Sessions:   sessions,
		})
	})
}
