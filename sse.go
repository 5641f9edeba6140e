package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) server for session-oriented
// command execution. It handles server-to-client streaming through SSE and client-to-server commands
// via HTTP POST, correlated by the connection id announced on each stream.
//
// The server provides session management and command dispatch through its HandleSSE and
// HandleMessage http.Handlers. These handlers can be integrated with any HTTP framework.
//
// Instances should be created using NewSSEServer and shut down using Shutdown when no longer needed.
type SSEServer struct {
	registry  *SessionRegistry
	router    CapabilityRouter
	handshake HandshakeFunc

	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer

	commandTimeout    time.Duration
	keepAliveInterval time.Duration
	maxMessageBytes   int64

	// Commands outlive the POST request that carried them, so they run under the server's context.
	baseCtx    context.Context
	cancelBase context.CancelFunc
	tasks      sync.WaitGroup

	// admitMu orders task reservations against Shutdown closing done.
	admitMu   sync.RWMutex
	done      chan struct{}
	closeOnce sync.Once
}

const (
	tracerName = "github.com/MegaGrindStone/weather-mcp"

	connectionIDParam = "connectionId"
)

// NewSSEServer creates an SSE server that routes every accepted command through router. The server is
// operational immediately; it must be shut down using Shutdown.
func NewSSEServer(router CapabilityRouter, options ...SSEServerOption) *SSEServer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &SSEServer{
		router:            router,
		logger:            slog.Default(),
		tracer:            otel.Tracer(tracerName),
		commandTimeout:    defaultCommandTimeout,
		keepAliveInterval: defaultKeepAliveInterval,
		maxMessageBytes:   defaultMaxMessageBytes,
		baseCtx:           ctx,
		cancelBase:        cancel,
		done:              make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.registry == nil {
		s.registry = NewSessionRegistry()
	}

	return s
}

// Registry returns the registry holding the server's sessions.
func (s *SSEServer) Registry() *SessionRegistry {
	return s.registry
}

// HandleSSE returns an http.Handler for stream subscriptions over GET requests.
//
// The connection id is taken from the connectionId query parameter or generated. The handler writes a
// "connection" event carrying the id, runs the handshake, marks the session ready and writes a "ready"
// event. The stream then stays open, delivering command results as "message" events, until either the
// client disconnects or the server shuts down. The session is removed from the registry when the
// handler returns.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-s.done:
			WriteError(w, http.StatusServiceUnavailable, "server is shutting down", "")
			return
		default:
		}

		requestedID := r.URL.Query().Get(connectionIDParam)

		// Registering before anything is written lets a colliding id be refused with a proper status.
		srvSession, err := s.registry.Create(requestedID)
		if err != nil {
			s.logger.Warn("failed to register session", slog.String("err", err.Error()))
			WriteError(w, StatusCode(err), "failed to register session", err.Error())
			return
		}
		sessID := srvSession.ID()
		logger := s.logger.With(slog.String("sessionID", sessID))

		s.metrics.sessionOpened()
		defer func() {
			s.registry.release(srvSession)
			s.metrics.sessionClosed()
			logger.Info("session closed")
		}()

		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			logger.Error("failed to upgrade session", "err", nErr)
			WriteError(w, http.StatusInternalServerError, "failed to upgrade session", err.Error())
			return
		}

		if err := writeEvent(sess, EventConnection, ConnectionEvent{ConnectionID: sessID}); err != nil {
			logger.Error("failed to write connection event", "err", err)
			return
		}
		logger.Info("session connected")

		ctx := r.Context()
		var hsErr error
		if s.handshake != nil {
			hsErr = s.handshake(ctx, sessID)
		}
		if hsErr != nil {
			// The session stays registered but not ready; commands are refused until reconnect.
			logger.Error("session handshake failed", "err", hsErr)
		} else if err := s.markReady(sess, srvSession, logger); err != nil {
			logger.Error("failed to mark session ready", "err", err)
			return
		}

		s.serveSession(ctx, sess, srvSession, logger)
	})
}

// HandleMessage returns an http.Handler for commands sent via POST requests. The handler expects a
// connectionId query parameter and a JSON-encoded Command body.
//
// A valid command addressed to a ready session is acknowledged with {"received":true} before it runs;
// its result is written later onto the session's stream. Rejections are reported synchronously with
// a 4xx status and a JSON error body.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get(connectionIDParam)

		// The session is checked before the body, so an unknown id is always reported as such.
		srvSession, err := s.lookup(sessID)
		if err != nil {
			s.metrics.commandRejected("", err)
			s.logger.Warn("rejected command", slog.String("sessionID", sessID), slog.String("err", err.Error()))
			msg := "Invalid or missing connection ID"
			if errors.Is(err, ErrSessionNotReady) {
				msg = "SSE connection not established yet"
			}
			WriteError(w, StatusCode(err), msg, err.Error())
			return
		}

		var cmd Command
		decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxMessageBytes))
		if err := decoder.Decode(&cmd); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				nErr := fmt.Errorf("%w: command exceeds %d bytes", ErrMessageTooLarge, maxErr.Limit)
				s.metrics.commandRejected("", nErr)
				s.logger.Warn("rejected command", slog.String("sessionID", sessID), slog.String("err", nErr.Error()))
				WriteError(w, StatusCode(nErr), "command too large", nErr.Error())
				return
			}
			nErr := fmt.Errorf("%w: failed to decode command: %w", ErrInvalidArgument, err)
			s.metrics.commandRejected("", nErr)
			s.logger.Warn("failed to decode command", slog.String("err", err.Error()))
			WriteError(w, http.StatusBadRequest, "failed to decode command", err.Error())
			return
		}

		cmd, err = s.accept(srvSession, cmd)
		if err != nil {
			s.metrics.commandRejected(cmd.Method, err)
			s.logger.Warn("rejected command", slog.String("sessionID", sessID), slog.String("err", err.Error()))
			WriteError(w, StatusCode(err), "failed to process command", err.Error())
			return
		}

		// The task is reserved before the acknowledgement so an acknowledged command always runs.
		if err := s.reserve(); err != nil {
			s.metrics.commandRejected(cmd.Method, err)
			s.logger.Warn("rejected command", slog.String("sessionID", sessID), slog.String("err", err.Error()))
			WriteError(w, StatusCode(err), "server is shutting down", err.Error())
			return
		}

		WriteJSON(w, http.StatusOK, Acknowledgement{Received: true})
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		go s.execute(srvSession, cmd)
	})
}

// Dispatch validates cmd against the session registered under sessionID and, when it is accepted,
// runs it in the background, writing the result onto the session's stream. A nil error is the
// acknowledgement: it is returned before the command starts running.
func (s *SSEServer) Dispatch(sessionID string, cmd Command) error {
	srvSession, err := s.lookup(sessionID)
	if err != nil {
		s.metrics.commandRejected(cmd.Method, err)
		return err
	}
	cmd, err = s.accept(srvSession, cmd)
	if err != nil {
		s.metrics.commandRejected(cmd.Method, err)
		return err
	}
	if err := s.reserve(); err != nil {
		s.metrics.commandRejected(cmd.Method, err)
		return err
	}

	go s.execute(srvSession, cmd)
	return nil
}

// Shutdown stops accepting subscriptions and commands, ends every open stream and waits for the
// commands already running to finish or for ctx to be done, whichever happens first. Running commands
// see their context cancelled. Commands submitted after Shutdown fail with ErrShuttingDown.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.admitMu.Lock()
		close(s.done)
		s.admitMu.Unlock()
		s.cancelBase()
	})

	finished := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(finished)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-finished:
	}
	return nil
}

func (s *SSEServer) lookup(sessionID string) (*ServerSession, error) {
	if sessionID == "" {
		return nil, ErrMissingSessionID
	}

	srvSession, err := s.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if !srvSession.Ready() {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotReady, sessionID)
	}

	return srvSession, nil
}

func (s *SSEServer) accept(srvSession *ServerSession, cmd Command) (Command, error) {
	normalized, err := cmd.normalize()
	if err != nil {
		return cmd, err
	}
	if !srvSession.allow() {
		return normalized, fmt.Errorf("%w: %s", ErrRateLimited, srvSession.ID())
	}
	return normalized, nil
}

// reserve counts a command as running unless the server is shutting down. Every successful reserve
// must be followed by execute.
func (s *SSEServer) reserve() error {
	s.admitMu.RLock()
	defer s.admitMu.RUnlock()

	select {
	case <-s.done:
		return ErrShuttingDown
	default:
	}
	s.tasks.Add(1)
	return nil
}

// execute runs cmd and writes its envelope to the session. Failures after the acknowledgement are
// one-way: they are logged and never reach the command's sender.
func (s *SSEServer) execute(srvSession *ServerSession, cmd Command) {
	defer s.tasks.Done()

	ctx := s.baseCtx
	if s.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.commandTimeout)
		defer cancel()
	}

	ctx, span := s.tracer.Start(ctx, "mcp.command "+cmd.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("mcp.session_id", srvSession.ID()),
			attribute.String("mcp.command_id", string(cmd.ID)),
			attribute.String("mcp.method", cmd.Method),
			attribute.String("mcp.name", cmd.Params.Name),
		))
	defer span.End()

	start := time.Now()
	env := s.router.Route(ctx, cmd)
	s.metrics.commandDone(cmd, env, time.Since(start))
	if env.IsError {
		span.SetStatus(codes.Error, env.Text())
	}

	msg, err := newStreamMessage(StreamMessage{
		ID:     cmd.ID,
		Type:   MessageTypeResponse,
		Result: env,
	})
	if err != nil {
		span.RecordError(err)
		s.logger.Error("failed to encode command result", slog.String("sessionID", srvSession.ID()), "err", err)
		return
	}

	if err := srvSession.Send(ctx, msg); err != nil {
		span.RecordError(err)
		s.metrics.deliveryFailed()
		level := slog.LevelError
		if errors.Is(err, ErrChannelClosed) {
			level = slog.LevelWarn
		}
		s.logger.Log(ctx, level, "failed to deliver command result",
			slog.String("sessionID", srvSession.ID()),
			slog.String("commandID", string(cmd.ID)),
			slog.String("err", err.Error()))
	}
}

func (s *SSEServer) markReady(sess *sse.Session, srvSession *ServerSession, logger *slog.Logger) error {
	if err := s.registry.MarkReady(srvSession.ID()); err != nil {
		return err
	}
	if err := writeEvent(sess, EventReady, ReadyEvent{Status: "ready"}); err != nil {
		return err
	}
	logger.Info("session ready")
	return nil
}

// serveSession is the only writer of the session's stream once it is set up. It drains queued
// messages until the client goes away or the server shuts down.
func (s *SSEServer) serveSession(ctx context.Context, sess *sse.Session, srvSession *ServerSession,
	logger *slog.Logger,
) {
	var keepAlive <-chan time.Time
	if s.keepAliveInterval > 0 {
		ticker := time.NewTicker(s.keepAliveInterval)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-srvSession.done:
			return
		case <-keepAlive:
			msg := &sse.Message{}
			msg.AppendComment("keep-alive")
			if err := send(sess, msg); err != nil {
				logger.Warn("failed to write keep-alive", slog.String("err", err.Error()))
				return
			}
		case sm := <-srvSession.sendMsgs:
			err := send(sess, sm.msg)
			sm.errs <- err
			if err != nil {
				logger.Warn("failed to write message", slog.String("err", err.Error()))
				return
			}
		}
	}
}

func newStreamMessage(v StreamMessage) (*sse.Message, error) {
	bs, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	msg := &sse.Message{Type: sse.Type(EventMessage)}
	msg.AppendData(string(bs))
	return msg, nil
}

func writeEvent(sess *sse.Session, eventType string, payload any) error {
	bs, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	msg := &sse.Message{Type: sse.Type(eventType)}
	msg.AppendData(string(bs))
	return send(sess, msg)
}

func send(sess *sse.Session, msg *sse.Message) error {
	if err := sess.Send(msg); err != nil {
		return fmt.Errorf("failed to write SSE message: %w", err)
	}
	if err := sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush SSE: %w", err)
	}
	return nil
}
