// Package upstream implements the Turn Executor: a single request/response
// exchange with the upstream conversation API.
//
// A turn is never retried here. Transport failures and timeouts surface as
// ErrUpstreamUnavailable, non-2xx answers as *UpstreamError.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentoven/adjudicator/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrUpstreamUnavailable is returned on network failure or timeout.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// maxErrorPayload bounds the response body kept on an UpstreamError.
const maxErrorPayload = 512

// UpstreamError is returned when the upstream answers with a non-success status
// or a body that cannot be decoded.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error: status %d: %s", e.StatusCode, e.Body)
}

var tracer = otel.Tracer("adjudicator/upstream")

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-turn timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithAPIKey sets the bearer token sent with every turn.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = strings.TrimSpace(key) }
}

// Client is the HTTP Turn Executor.
type Client struct {
	endpoint string
	apiKey   string
	timeout  time.Duration
	http     *http.Client
}

// NewClient creates a Turn Executor posting to the given endpoint URL.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: strings.TrimSpace(endpoint),
		timeout:  120 * time.Second,
		http:     &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute performs one turn.
func (c *Client) Execute(ctx context.Context, req *models.TurnRequest) (*models.TurnResult, error) {
	ctx, span := tracer.Start(ctx, "upstream.execute",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("upstream.model", req.Model),
			attribute.Bool("upstream.continued", req.ContinuationToken != ""),
			attribute.Int("upstream.endpoint_groups", len(req.Manifest)),
		),
	)
	defer span.End()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(encodeRequest(req))
	if err != nil {
		return nil, fmt.Errorf("encode turn request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create turn request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failure")
		return nil, fmt.Errorf("%w: read response: %v", ErrUpstreamUnavailable, err)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", httpResp.StatusCode))

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		upErr := &UpstreamError{StatusCode: httpResp.StatusCode, Body: truncate(string(respBody), maxErrorPayload)}
		log.Error().
			Int("status", httpResp.StatusCode).
			Str("payload", upErr.Body).
			Msg("Upstream turn failed")
		span.SetStatus(codes.Error, upErr.Error())
		return nil, upErr
	}

	var wire turnResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		upErr := &UpstreamError{
			StatusCode: httpResp.StatusCode,
			Body:       truncate("undecodable body: "+string(respBody), maxErrorPayload),
		}
		log.Error().Err(err).Str("payload", upErr.Body).Msg("Upstream turn response could not be decoded")
		span.SetStatus(codes.Error, "decode failure")
		return nil, upErr
	}

	result := decodeResponse(&wire)
	span.SetAttributes(
		attribute.Int("upstream.invocations", len(result.Invocations)),
		attribute.Int64("upstream.total_tokens", result.Usage.TotalTokens),
	)
	log.Debug().
		Str("continuation_token", result.ContinuationToken).
		Int("invocations", len(result.Invocations)).
		Int64("total_tokens", result.Usage.TotalTokens).
		Dur("latency", time.Since(start)).
		Msg("Upstream turn complete")

	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
