package mcp

import (
	"errors"
	"net/http"
)

var (
	// ErrInvalidArgument is returned when a request is missing a required value or carries a
	// malformed one.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrMissingSessionID is returned when a command does not name the connection it addresses.
	ErrMissingSessionID = errors.New("missing connectionId query parameter")

	// ErrSessionNotFound is returned when a command addresses a connection that is not registered.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotReady is returned when a command addresses a connection whose handshake has not
	// completed yet.
	ErrSessionNotReady = errors.New("session not ready")

	// ErrSessionExists is returned when a subscription asks for a connection id that is already live.
	ErrSessionExists = errors.New("session already exists")

	// ErrChannelClosed is returned when writing to the stream of a session that has been torn down.
	ErrChannelClosed = errors.New("session channel closed")

	// ErrRateLimited is returned when a session submits commands faster than it is allowed to.
	ErrRateLimited = errors.New("too many commands for session")

	// ErrMessageTooLarge is returned when a command body exceeds the configured size limit.
	ErrMessageTooLarge = errors.New("command too large")

	// ErrShuttingDown is returned when a command arrives after the server started shutting down.
	ErrShuttingDown = errors.New("server is shutting down")
)

// StatusCode maps an error produced by this package to the HTTP status reported to the caller.
// Errors not recognised here are reported as internal errors.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrSessionExists):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrMessageTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrMissingSessionID),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrSessionNotReady):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
