package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	mcp "github.com/MegaGrindStone/weather-mcp"
	"github.com/google/uuid"
)

func TestHandleSSEAnnouncesConnectionBeforeReady(t *testing.T) {
	ts := newTestServer(t, &mockRouter{})

	stream := ts.subscribe(t, "abc")

	if id := stream.connectionID(t); id != "abc" {
		t.Fatalf("expected connection id %q, got %q", "abc", id)
	}

	ev := stream.next(t)
	if ev.Type != mcp.EventReady {
		t.Fatalf("expected %q event, got %q", mcp.EventReady, ev.Type)
	}
	var re mcp.ReadyEvent
	if err := json.Unmarshal([]byte(ev.Data), &re); err != nil {
		t.Fatalf("failed to unmarshal ready event: %v", err)
	}
	if re.Status != "ready" {
		t.Errorf("expected status %q, got %q", "ready", re.Status)
	}

	sess, err := ts.srv.Registry().Get("abc")
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if !sess.Ready() {
		t.Error("expected session to be ready")
	}
}

func TestHandleSSEGeneratesConnectionID(t *testing.T) {
	ts := newTestServer(t, &mockRouter{})

	_, first := ts.subscribeReady(t, "")
	_, second := ts.subscribeReady(t, "")

	for _, id := range []string{first, second} {
		if _, err := uuid.Parse(id); err != nil {
			t.Errorf("expected generated id to be a UUID, got %q: %v", id, err)
		}
	}
	if first == second {
		t.Errorf("expected distinct ids, both are %q", first)
	}
	if got := ts.srv.Registry().Len(); got != 2 {
		t.Errorf("expected 2 sessions, got %d", got)
	}
}

func TestHandleSSERejectsLiveConnectionID(t *testing.T) {
	ts := newTestServer(t, &mockRouter{})

	stream, _ := ts.subscribeReady(t, "dup")

	resp, err := ts.httpServer.Client().Get(ts.httpServer.URL + "/sse?connectionId=dup")
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, resp.StatusCode)
	}
	if errResp := decodeError(t, resp.Body); errResp.Error == "" {
		t.Error("expected error message")
	}

	// The stream holding the id keeps receiving results.
	if resp := ts.post(t, "dup", `{"id":"1","method":"ping"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}
	if msg := stream.message(t); msg.ID != "1" {
		t.Errorf("expected message id %q, got %q", "1", msg.ID)
	}
}

func TestHandleSSERemovesSessionOnDisconnect(t *testing.T) {
	ts := newTestServer(t, &mockRouter{})

	stream, id := ts.subscribeReady(t, "gone")
	stream.close()

	waitFor(t, func() bool { return ts.srv.Registry().Len() == 0 })

	_, err := ts.srv.Registry().Get(id)
	if !errors.Is(err, mcp.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	// The id is free again once its stream is gone.
	ts.subscribeReady(t, "gone")
}

func TestHandleMessageRejections(t *testing.T) {
	type testCase struct {
		name         string
		connectionID string
		body         string
		wantStatus   int
	}

	tests := []testCase{
		{
			name:       "missing connection id",
			body:       `{"method":"callTool","params":{"name":"get-weather"}}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:         "unknown connection id",
			connectionID: "unknown-id",
			body:         `{"method":"callTool","params":{"name":"get-weather"}}`,
			wantStatus:   http.StatusBadRequest,
		},
		{
			name:         "unknown connection id with malformed body",
			connectionID: "unknown-id",
			body:         `{not json`,
			wantStatus:   http.StatusBadRequest,
		},
		{
			name:         "malformed body",
			connectionID: "live",
			body:         `{not json`,
			wantStatus:   http.StatusBadRequest,
		},
		{
			name:         "missing method",
			connectionID: "live",
			body:         `{"params":{"name":"get-weather"}}`,
			wantStatus:   http.StatusBadRequest,
		},
		{
			name:         "unsupported method",
			connectionID: "live",
			body:         `{"method":"resources/list"}`,
			wantStatus:   http.StatusBadRequest,
		},
		{
			name:         "call without tool name",
			connectionID: "live",
			body:         `{"method":"callTool","params":{"arguments":{"city":"Tokyo"}}}`,
			wantStatus:   http.StatusBadRequest,
		},
		{
			name:         "unsupported message type",
			connectionID: "live",
			body:         `{"type":"notification","method":"ping"}`,
			wantStatus:   http.StatusBadRequest,
		},
	}

	router := &mockRouter{}
	ts := newTestServer(t, router)
	ts.subscribeReady(t, "live")

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := ts.post(t, tc.connectionID, tc.body)
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, resp.StatusCode)
			}
			if errResp := decodeError(t, resp.Body); errResp.Error == "" {
				t.Error("expected error message")
			}
		})
	}

	if calls := router.calls(); calls != 0 {
		t.Errorf("expected router not to be called, got %d calls", calls)
	}
}

func TestHandleMessageRejectsSessionBeforeReady(t *testing.T) {
	release := make(chan struct{})
	handshake := func(ctx context.Context, _ string) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	router := &mockRouter{}
	ts := newTestServer(t, router, mcp.WithHandshake(handshake))

	stream := ts.subscribe(t, "early")
	stream.connectionID(t)

	resp := ts.post(t, "early", `{"id":"1","method":"ping"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.StatusCode)
	}
	errResp := decodeError(t, resp.Body)
	if !strings.Contains(errResp.Details, mcp.ErrSessionNotReady.Error()) {
		t.Errorf("expected details to mention %q, got %q", mcp.ErrSessionNotReady, errResp.Details)
	}
	if calls := router.calls(); calls != 0 {
		t.Errorf("expected router not to be called, got %d calls", calls)
	}

	close(release)
	if ev := stream.next(t); ev.Type != mcp.EventReady {
		t.Fatalf("expected %q event, got %q", mcp.EventReady, ev.Type)
	}

	if resp := ts.post(t, "early", `{"id":"2","method":"ping"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}
	if msg := stream.message(t); msg.ID != "2" {
		t.Errorf("expected message id %q, got %q", "2", msg.ID)
	}
}

func TestHandshakeFailureLeavesSessionNotReady(t *testing.T) {
	handshake := func(context.Context, string) error {
		return errors.New("upstream unavailable")
	}

	ts := newTestServer(t, &mockRouter{}, mcp.WithHandshake(handshake))

	stream := ts.subscribe(t, "broken")
	stream.connectionID(t)

	waitFor(t, func() bool { return ts.srv.Registry().Len() == 1 })

	sess, err := ts.srv.Registry().Get("broken")
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if sess.Ready() {
		t.Error("expected session not to be ready")
	}

	resp := ts.post(t, "broken", `{"method":"ping"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, resp.StatusCode)
	}
}

func TestHandleMessageDeliversResultOnStream(t *testing.T) {
	router := &mockRouter{}
	ts := newTestServer(t, router)

	stream, id := ts.subscribeReady(t, "")

	resp := ts.post(t, id,
		`{"id":"cmd-1","type":"request","method":"tools/call","params":{"name":"get-weather","arguments":{"city":"Tokyo"}}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	var ack mcp.Acknowledgement
	if err := json.Unmarshal(body, &ack); err != nil {
		t.Fatalf("failed to unmarshal acknowledgement %q: %v", body, err)
	}
	if !ack.Received {
		t.Errorf("expected received to be true, got %s", body)
	}

	msg := stream.message(t)
	if msg.ID != "cmd-1" {
		t.Errorf("expected message id %q, got %q", "cmd-1", msg.ID)
	}
	if msg.Type != mcp.MessageTypeResponse {
		t.Errorf("expected message type %q, got %q", mcp.MessageTypeResponse, msg.Type)
	}
	if msg.Result.IsError {
		t.Errorf("expected successful result, got %+v", msg.Result)
	}
	if got := msg.Result.Text(); !strings.Contains(got, "Tokyo") {
		t.Errorf("expected result to mention Tokyo, got %q", got)
	}

	router.mu.Lock()
	defer router.mu.Unlock()
	if len(router.cmds) != 1 {
		t.Fatalf("expected 1 routed command, got %d", len(router.cmds))
	}
	if router.cmds[0].Method != mcp.MethodCallTool {
		t.Errorf("expected alias to resolve to %q, got %q", mcp.MethodCallTool, router.cmds[0].Method)
	}
}

func TestHandleMessageAcknowledgesBeforeExecution(t *testing.T) {
	router := &mockRouter{
		block:  make(chan struct{}),
		routed: make(chan mcp.Command, 1),
	}
	ts := newTestServer(t, router)

	stream, id := ts.subscribeReady(t, "")

	// The acknowledgement arrives while the router is still blocked.
	resp := ts.post(t, id, `{"id":"slow","method":"callTool","params":{"name":"get-weather","arguments":{"city":"Oslo"}}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	select {
	case <-router.routed:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for command to be routed")
	}

	close(router.block)
	if msg := stream.message(t); msg.ID != "slow" {
		t.Errorf("expected message id %q, got %q", "slow", msg.ID)
	}
}

func TestHandleMessageRateLimited(t *testing.T) {
	registry := mcp.NewSessionRegistry(mcp.WithSessionRateLimit(0.001, 1))
	ts := newTestServer(t, &mockRouter{}, mcp.WithRegistry(registry))

	stream, id := ts.subscribeReady(t, "")

	if resp := ts.post(t, id, `{"id":"1","method":"ping"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}
	if resp := ts.post(t, id, `{"id":"2","method":"ping"}`); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected status %d, got %d", http.StatusTooManyRequests, resp.StatusCode)
	}

	if msg := stream.message(t); msg.ID != "1" {
		t.Errorf("expected message id %q, got %q", "1", msg.ID)
	}
}

func TestDispatch(t *testing.T) {
	router := &mockRouter{}
	ts := newTestServer(t, router)

	stream, id := ts.subscribeReady(t, "")

	err := ts.srv.Dispatch("missing", mcp.Command{Method: mcp.MethodPing})
	if !errors.Is(err, mcp.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	err = ts.srv.Dispatch("", mcp.Command{Method: mcp.MethodPing})
	if !errors.Is(err, mcp.ErrMissingSessionID) {
		t.Errorf("expected ErrMissingSessionID, got %v", err)
	}

	err = ts.srv.Dispatch(id, mcp.Command{Method: "subscribe"})
	if !errors.Is(err, mcp.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}

	if calls := router.calls(); calls != 0 {
		t.Fatalf("expected router not to be called, got %d calls", calls)
	}

	err = ts.srv.Dispatch(id, mcp.Command{ID: "d-1", Method: mcp.MethodPing})
	if err != nil {
		t.Fatalf("failed to dispatch: %v", err)
	}
	if msg := stream.message(t); msg.ID != "d-1" {
		t.Errorf("expected message id %q, got %q", "d-1", msg.ID)
	}
}

func TestResultsAreDeliveredToTheirOwnSession(t *testing.T) {
	ts := newTestServer(t, &mockRouter{})

	first, firstID := ts.subscribeReady(t, "")
	second, secondID := ts.subscribeReady(t, "")

	for _, id := range []string{firstID, secondID} {
		body := `{"id":"` + id + `","method":"callTool","params":{"name":"get-weather","arguments":{"city":"` + id + `"}}}`
		if resp := ts.post(t, id, body); resp.StatusCode != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
		}
	}

	if msg := first.message(t); string(msg.ID) != firstID {
		t.Errorf("expected first stream to receive %q, got %q", firstID, msg.ID)
	}
	if msg := second.message(t); string(msg.ID) != secondID {
		t.Errorf("expected second stream to receive %q, got %q", secondID, msg.ID)
	}
}

func TestShutdownEndsStreams(t *testing.T) {
	ts := newTestServer(t, &mockRouter{})

	stream, _ := ts.subscribeReady(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ts.srv.Shutdown(ctx); err != nil {
		t.Fatalf("failed to shutdown: %v", err)
	}

	select {
	case _, ok := <-stream.events:
		if ok {
			t.Fatal("expected stream to end without further events")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for stream to end")
	}

	waitFor(t, func() bool { return ts.srv.Registry().Len() == 0 })

	resp, err := ts.httpServer.Client().Get(ts.httpServer.URL + "/sse")
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, resp.StatusCode)
	}
}

func TestHandleMessageRejectsOversizedBody(t *testing.T) {
	router := &mockRouter{}
	ts := newTestServer(t, router, mcp.WithMaxMessageBytes(64))

	_, id := ts.subscribeReady(t, "")

	body := `{"method":"callTool","params":{"name":"get-weather","arguments":{"city":"` +
		strings.Repeat("x", 128) + `"}}}`
	resp := ts.post(t, id, body)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.StatusCode)
	}
	if errResp := decodeError(t, resp.Body); errResp.Error != "command too large" {
		t.Errorf("unexpected error body %+v", errResp)
	}
	if calls := router.calls(); calls != 0 {
		t.Errorf("expected router not to be called, got %d calls", calls)
	}
}

func TestDispatchAfterShutdown(t *testing.T) {
	router := &mockRouter{}
	srv := mcp.NewSSEServer(router, mcp.WithKeepAliveInterval(0))

	// A session registered without a stream outlives Shutdown, as a stream does until its handler returns.
	if _, err := srv.Registry().Create("s1"); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if err := srv.Registry().MarkReady("s1"); err != nil {
		t.Fatalf("failed to mark session ready: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("failed to shutdown: %v", err)
	}

	err := srv.Dispatch("s1", mcp.Command{ID: "late", Method: mcp.MethodPing})
	if !errors.Is(err, mcp.ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/messages?connectionId=s1",
		strings.NewReader(`{"id":"late-post","method":"ping"}`))
	rec := httptest.NewRecorder()
	srv.HandleMessage().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
	if strings.Contains(rec.Body.String(), `"received"`) {
		t.Errorf("expected no acknowledgement, got %s", rec.Body.String())
	}

	// Give a wrongly admitted command the chance to reach the router.
	time.Sleep(50 * time.Millisecond)
	if calls := router.calls(); calls != 0 {
		t.Errorf("expected router not to be called, got %d calls", calls)
	}
}
