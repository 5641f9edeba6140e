package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	mcp "github.com/MegaGrindStone/weather-mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Fetcher looks up the current weather of a city and returns it as human-readable text.
type Fetcher interface {
	Fetch(ctx context.Context, city string) (string, error)
}

// Client fetches weather reports from an HTTP webhook answering GET <base>/weather?city=<name> with a
// JSON body of the form {"response": "<text>"}. Requests are neither retried nor cached.
//
// Instances should be created using NewClient.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
}

// ClientOption represents the options for the Client.
type ClientOption func(*Client)

// UpstreamError is returned when the weather service cannot be reached or answers with anything but
// a successful report. StatusCode is zero when no response was received.
type UpstreamError struct {
	City       string
	StatusCode int
	Err        error
}

type upstreamResponse struct {
	Response *string `json:"response"`
}

// DefaultBaseURL is the webhook queried when no other base URL is configured.
const DefaultBaseURL = "https://primary-production-0ff8.up.railway.app/webhook"

const (
	defaultUpstreamTimeout = 10 * time.Second
	maxUpstreamBody        = 1 << 20

	tracerName = "github.com/MegaGrindStone/weather-mcp/servers/weather"
)

// NewClient creates a Client for the webhook at baseURL. The optional httpClient parameter allows
// custom HTTP client configuration - if nil, a client with a 10 second timeout is used.
func NewClient(baseURL string, httpClient *http.Client, options ...ClientOption) *Client {
	cli := httpClient
	if cli == nil {
		cli = &http.Client{Timeout: defaultUpstreamTimeout}
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: cli,
		logger:     slog.Default(),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithClientLogger sets the logger of the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClientTracerProvider sets the OpenTelemetry provider used to trace upstream requests.
func WithClientTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *Client) {
		c.tracer = tp.Tracer(tracerName)
	}
}

// Fetch implements Fetcher. A blank city fails with mcp.ErrInvalidArgument before any request is
// made; every other failure is an *UpstreamError.
func (c *Client) Fetch(ctx context.Context, city string) (string, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return "", fmt.Errorf("%w: city is required", mcp.ErrInvalidArgument)
	}

	ctx, span := c.tracer.Start(ctx, "weather.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("weather.city", city)))
	defer span.End()

	report, err := c.fetch(ctx, city)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("failed to fetch weather", slog.String("city", city), "err", err)
		return "", err
	}

	c.logger.Debug("fetched weather", slog.String("city", city))
	return report, nil
}

func (c *Client) fetch(ctx context.Context, city string) (string, error) {
	u := c.baseURL + "/weather?" + url.Values{"city": {city}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", &UpstreamError{City: city, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &UpstreamError{City: city, Err: err}
	}
	defer resp.Body.Close()

	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a bounded amount so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxUpstreamBody))
		return "", &UpstreamError{City: city, StatusCode: resp.StatusCode}
	}

	var body upstreamResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUpstreamBody)).Decode(&body); err != nil {
		return "", &UpstreamError{City: city, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if body.Response == nil {
		return "", &UpstreamError{City: city, Err: errors.New("response field is missing")}
	}

	return *body.Response, nil
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("failed to fetch weather data for %s: api request failed with status %d", e.City, e.StatusCode)
	}
	return fmt.Sprintf("failed to fetch weather data for %s: %v", e.City, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
