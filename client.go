package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEClient subscribes to an SSEServer and submits commands to it. One client may hold any number of
// streams; each is represented by a ClientStream.
//
// Instances should be created using NewSSEClient.
type SSEClient struct {
	httpClient    *http.Client
	baseURL       string
	subscribePath string
	messagePath   string
	logger        *slog.Logger

	maxPayloadSize int
	messageBuffer  int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

// ClientStream is an open subscription. Results of commands sent through CallTool are handed to
// their caller; every other message is available from Messages.
type ClientStream struct {
	id     string
	body   io.ReadCloser
	logger *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once

	messages chan StreamMessage

	mu      sync.Mutex
	waiters map[MustString]chan StreamMessage

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// ResponseError is returned when the server refuses a request with a non-200 status.
type ResponseError struct {
	StatusCode int
	Response   ErrorResponse
}

const (
	defaultSubscribePath = "/sse"
	defaultMessagePath   = "/messages"

	defaultClientMessageBuffer = 32
)

// NewSSEClient creates an SSE client for the server at baseURL. The optional httpClient parameter
// allows custom HTTP client configuration - if nil, the default HTTP client is used.
func NewSSEClient(baseURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	c := &SSEClient{
		httpClient:    cli,
		baseURL:       strings.TrimRight(baseURL, "/"),
		subscribePath: defaultSubscribePath,
		messagePath:   defaultMessagePath,
		logger:        slog.Default(),
		messageBuffer: defaultClientMessageBuffer,
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// WithSSEClientLogger sets the logger of the client.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(c *SSEClient) {
		c.logger = logger
	}
}

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can be received
// from the server. If the payload size exceeds this limit, the error will be logged and
// the stream will be closed.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(c *SSEClient) {
		c.maxPayloadSize = size
	}
}

// WithSSEClientPaths overrides the subscription and message paths, which default to /sse and
// /messages.
func WithSSEClientPaths(subscribePath, messagePath string) SSEClientOption {
	return func(c *SSEClient) {
		c.subscribePath = subscribePath
		c.messagePath = messagePath
	}
}

// Subscribe opens a stream and waits for the server to announce its connection id. A non-empty
// connectionID asks the server to use that id. The stream stays open until ctx is cancelled, Close is
// called or the server ends it.
func (c *SSEClient) Subscribe(ctx context.Context, connectionID string) (*ClientStream, error) {
	u := c.baseURL + c.subscribePath
	if connectionID != "" {
		u += "?" + url.Values{connectionIDParam: {connectionID}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, newResponseError(resp)
	}

	stream := &ClientStream{
		body:     resp.Body,
		logger:   c.logger,
		ready:    make(chan struct{}),
		messages: make(chan StreamMessage, c.messageBuffer),
		waiters:  make(map[MustString]chan StreamMessage),
		done:     make(chan struct{}),
	}
	connected := make(chan error, 1)
	go stream.listen(c.maxPayloadSize, connected)

	select {
	case err := <-connected:
		if err != nil {
			stream.Close()
			return nil, err
		}
	case <-ctx.Done():
		stream.Close()
		return nil, ctx.Err()
	}

	return stream, nil
}

// Send submits cmd to the session connectionID. A nil error means the server acknowledged the
// command; its result arrives later on the session's stream.
func (c *SSEClient) Send(ctx context.Context, connectionID string, cmd Command) error {
	cmdBs, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	u := c.baseURL + c.messagePath + "?" + url.Values{connectionIDParam: {connectionID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(cmdBs))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return newResponseError(resp)
	}

	var ack Acknowledgement
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("failed to decode acknowledgement: %w", err)
	}
	if !ack.Received {
		return errors.New("command was not acknowledged")
	}

	return nil
}

// Call sends a command with a fresh id on stream's session and waits for its result.
func (c *SSEClient) Call(ctx context.Context, stream *ClientStream, method string, params CommandParams,
) (Envelope, error) {
	select {
	case <-stream.ready:
	case <-stream.done:
		return Envelope{}, stream.closedErr()
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}

	cmd := Command{
		ID:     MustString(uuid.New().String()),
		Type:   CommandTypeRequest,
		Method: method,
		Params: params,
	}

	results := stream.await(cmd.ID)
	defer stream.forget(cmd.ID)

	if err := c.Send(ctx, stream.id, cmd); err != nil {
		return Envelope{}, err
	}

	select {
	case msg := <-results:
		return msg.Result, nil
	case <-stream.done:
		return Envelope{}, stream.closedErr()
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// CallTool invokes the tool name with args on stream's session and waits for its result.
func (c *SSEClient) CallTool(ctx context.Context, stream *ClientStream, name string, args map[string]any,
) (Envelope, error) {
	return c.Call(ctx, stream, MethodCallTool, CommandParams{Name: name, Arguments: args})
}

// ID returns the connection id announced by the server.
func (s *ClientStream) ID() string { return s.id }

// Ready returns a channel that is closed once the server accepts commands for this stream.
func (s *ClientStream) Ready() <-chan struct{} { return s.ready }

// Done returns a channel that is closed when the stream ends.
func (s *ClientStream) Done() <-chan struct{} { return s.done }

// Messages returns an iterator over the stream messages that no Call is waiting for. The iterator
// ends when the stream does.
func (s *ClientStream) Messages() iter.Seq[StreamMessage] {
	return func(yield func(StreamMessage) bool) {
		for msg := range s.messages {
			if !yield(msg) {
				return
			}
		}
	}
}

// Close ends the subscription.
func (s *ClientStream) Close() error {
	return s.body.Close()
}

func (s *ClientStream) listen(maxPayloadSize int, connected chan<- error) {
	defer func() {
		s.body.Close()
		close(s.messages)
		s.closeOnce.Do(func() { close(s.done) })
	}()

	var config *sse.ReadConfig
	if maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: maxPayloadSize,
		}
	}

	for ev, err := range sse.Read(s.body, config) {
		if err != nil {
			s.err = err
			if !errors.Is(err, context.Canceled) && s.id != "" {
				s.logger.Error("failed to read SSE message", "err", err)
			}
			break
		}

		switch ev.Type {
		case EventConnection:
			if s.id != "" {
				s.logger.Warn("ignored repeated connection event", "data", ev.Data)
				continue
			}
			var ce ConnectionEvent
			if err := json.Unmarshal([]byte(ev.Data), &ce); err != nil || ce.ConnectionID == "" {
				connected <- fmt.Errorf("invalid connection event: %q", ev.Data)
				return
			}
			s.id = ce.ConnectionID
			connected <- nil
		case EventReady:
			s.readyOnce.Do(func() { close(s.ready) })
		case EventMessage:
			if s.id == "" {
				s.logger.Error("received message before connection event")
				continue
			}
			var msg StreamMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", "err", err)
				continue
			}
			s.deliver(msg)
		default:
			s.logger.Warn("unhandled event type", "type", ev.Type)
		}
	}

	if s.id == "" {
		connected <- errors.New("stream ended before connection event")
	}
}

func (s *ClientStream) deliver(msg StreamMessage) {
	s.mu.Lock()
	waiter, ok := s.waiters[msg.ID]
	if ok {
		delete(s.waiters, msg.ID)
	}
	s.mu.Unlock()

	if ok {
		waiter <- msg
		return
	}

	select {
	case s.messages <- msg:
	default:
		s.logger.Warn("dropped stream message", slog.String("id", string(msg.ID)))
	}
}

func (s *ClientStream) await(id MustString) <-chan StreamMessage {
	ch := make(chan StreamMessage, 1)
	s.mu.Lock()
	s.waiters[id] = ch
	s.mu.Unlock()
	return ch
}

func (s *ClientStream) forget(id MustString) {
	s.mu.Lock()
	delete(s.waiters, id)
	s.mu.Unlock()
}

func (s *ClientStream) closedErr() error {
	if s.err != nil && !errors.Is(s.err, io.EOF) {
		return fmt.Errorf("%w: %w", ErrChannelClosed, s.err)
	}
	return ErrChannelClosed
}

func newResponseError(resp *http.Response) *ResponseError {
	rErr := &ResponseError{StatusCode: resp.StatusCode}
	bs, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err == nil {
		if jErr := json.Unmarshal(bs, &rErr.Response); jErr != nil {
			rErr.Response.Error = strings.TrimSpace(string(bs))
		}
	}
	return rErr
}

func (e *ResponseError) Error() string {
	if e.Response.Details != "" {
		return fmt.Sprintf("unexpected status code %d: %s: %s", e.StatusCode, e.Response.Error, e.Response.Details)
	}
	return fmt.Sprintf("unexpected status code %d: %s", e.StatusCode, e.Response.Error)
}
