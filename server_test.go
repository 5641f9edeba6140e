package mcp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	mcp "github.com/MegaGrindStone/weather-mcp"
	"github.com/tmaxmax/go-sse"
)

type mockRouter struct {
	mu   sync.Mutex
	cmds []mcp.Command

	// block, when set, holds every Route call until it is closed.
	block chan struct{}
	// routed receives every command once Route has been entered.
	routed chan mcp.Command
}

type testStream struct {
	resp   *http.Response
	cancel context.CancelFunc
	events chan sse.Event
}

type testServer struct {
	srv        *mcp.SSEServer
	router     *mockRouter
	httpServer *httptest.Server
}

func (r *mockRouter) Route(ctx context.Context, cmd mcp.Command) mcp.Envelope {
	r.mu.Lock()
	r.cmds = append(r.cmds, cmd)
	r.mu.Unlock()

	if r.routed != nil {
		r.routed <- cmd
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return mcp.ErrorEnvelope(ctx.Err().Error())
		}
	}

	if city, ok := cmd.Params.Arguments["city"].(string); ok {
		return mcp.TextEnvelope("Weather in " + city + ": sunny")
	}
	return mcp.TextEnvelope("ok")
}

func (r *mockRouter) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cmds)
}

func newTestServer(t *testing.T, router *mockRouter, options ...mcp.SSEServerOption) *testServer {
	t.Helper()

	options = append([]mcp.SSEServerOption{mcp.WithKeepAliveInterval(0)}, options...)
	srv := mcp.NewSSEServer(router, options...)

	mux := http.NewServeMux()
	mux.Handle("/sse", srv.HandleSSE())
	mux.Handle("/messages", srv.HandleMessage())
	httpServer := httptest.NewServer(mux)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("failed to shutdown server: %v", err)
		}
		httpServer.Close()
	})

	return &testServer{
		srv:        srv,
		router:     router,
		httpServer: httpServer,
	}
}

func (ts *testServer) subscribe(t *testing.T, connectionID string) *testStream {
	t.Helper()

	u := ts.httpServer.URL + "/sse"
	if connectionID != "" {
		u += "?" + url.Values{"connectionId": {connectionID}}.Encode()
	}

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		cancel()
		t.Fatalf("failed to create request: %v", err)
	}
	resp, err := ts.httpServer.Client().Do(req)
	if err != nil {
		cancel()
		t.Fatalf("failed to subscribe: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	stream := &testStream{
		resp:   resp,
		cancel: cancel,
		events: make(chan sse.Event, 16),
	}
	go func() {
		defer close(stream.events)
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				return
			}
			stream.events <- ev
		}
	}()
	t.Cleanup(stream.close)

	return stream
}

// subscribeReady subscribes and consumes the connection and ready events, returning the connection id.
func (ts *testServer) subscribeReady(t *testing.T, connectionID string) (*testStream, string) {
	t.Helper()

	stream := ts.subscribe(t, connectionID)
	id := stream.connectionID(t)
	if ev := stream.next(t); ev.Type != mcp.EventReady {
		t.Fatalf("expected %q event, got %q", mcp.EventReady, ev.Type)
	}
	return stream, id
}

func (ts *testServer) post(t *testing.T, connectionID string, body string) *http.Response {
	t.Helper()

	u := ts.httpServer.URL + "/messages"
	if connectionID != "" {
		u += "?" + url.Values{"connectionId": {connectionID}}.Encode()
	}
	resp, err := ts.httpServer.Client().Post(u, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("failed to post command: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *testStream) next(t *testing.T) sse.Event {
	t.Helper()

	select {
	case ev, ok := <-s.events:
		if !ok {
			t.Fatal("stream closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return sse.Event{}
}

func (s *testStream) connectionID(t *testing.T) string {
	t.Helper()

	ev := s.next(t)
	if ev.Type != mcp.EventConnection {
		t.Fatalf("expected %q event, got %q", mcp.EventConnection, ev.Type)
	}
	var ce mcp.ConnectionEvent
	if err := json.Unmarshal([]byte(ev.Data), &ce); err != nil {
		t.Fatalf("failed to unmarshal connection event: %v", err)
	}
	return ce.ConnectionID
}

func (s *testStream) message(t *testing.T) mcp.StreamMessage {
	t.Helper()

	ev := s.next(t)
	if ev.Type != mcp.EventMessage {
		t.Fatalf("expected %q event, got %q", mcp.EventMessage, ev.Type)
	}
	var msg mcp.StreamMessage
	if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
		t.Fatalf("failed to unmarshal stream message: %v", err)
	}
	return msg
}

func (s *testStream) close() {
	s.cancel()
	s.resp.Body.Close()
}

func decodeError(t *testing.T, body io.Reader) mcp.ErrorResponse {
	t.Helper()

	var errResp mcp.ErrorResponse
	if err := json.NewDecoder(body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return errResp
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for condition")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
