package mcp

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// HandshakeFunc binds a freshly registered session to whatever must be in place before it may
// receive commands. Returning an error leaves the session registered but not ready, and every command
// addressed to it is rejected with ErrSessionNotReady until the client reconnects.
type HandshakeFunc func(ctx context.Context, sessionID string) error

var (
	defaultCommandTimeout    = 30 * time.Second
	defaultKeepAliveInterval = 15 * time.Second
	defaultMaxMessageBytes   = int64(1 << 20)
)

// WithLogger sets the logger of the server. The default is slog.Default().
func WithLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger
	}
}

// WithRegistry makes the server use registry instead of creating its own.
func WithRegistry(registry *SessionRegistry) SSEServerOption {
	return func(s *SSEServer) {
		s.registry = registry
	}
}

// WithHandshake sets the function run between registering a session and marking it ready.
func WithHandshake(fn HandshakeFunc) SSEServerOption {
	return func(s *SSEServer) {
		s.handshake = fn
	}
}

// WithMetrics sets the Prometheus collectors updated by the server.
func WithMetrics(m *Metrics) SSEServerOption {
	return func(s *SSEServer) {
		s.metrics = m
	}
}

// WithTracerProvider sets the OpenTelemetry provider used to trace command execution. The default is
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) SSEServerOption {
	return func(s *SSEServer) {
		s.tracer = tp.Tracer(tracerName)
	}
}

// WithCommandTimeout bounds how long a dispatched command may run before its context is cancelled.
func WithCommandTimeout(timeout time.Duration) SSEServerOption {
	return func(s *SSEServer) {
		s.commandTimeout = timeout
	}
}

// WithKeepAliveInterval sets how often a comment is written on idle streams. Zero disables keep-alives.
func WithKeepAliveInterval(interval time.Duration) SSEServerOption {
	return func(s *SSEServer) {
		s.keepAliveInterval = interval
	}
}

// WithMaxMessageBytes limits the size of command bodies accepted by HandleMessage.
func WithMaxMessageBytes(n int64) SSEServerOption {
	return func(s *SSEServer) {
		s.maxMessageBytes = n
	}
}
