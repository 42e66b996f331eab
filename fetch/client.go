package fetch

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	nethttp "net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fetchkit/fetchkit/logger"
	reqtrace "github.com/fetchkit/fetchkit/trace"
)

const (
	// DefaultTimeout is the default base per-attempt deadline
	DefaultTimeout = 1 * time.Second

	// DefaultMaxRetries is the default retry budget after the initial attempt
	DefaultMaxRetries = 2

	// DefaultRetryDelay is the default fixed wait between attempts
	DefaultRetryDelay = 200 * time.Millisecond

	tracerName = "github.com/fetchkit/fetchkit/fetch"

	// maxDeadlineShift caps the deadline exponent to avoid overflow
	maxDeadlineShift = 20
)

// client implements the Client interface
type client struct {
	httpClient *nethttp.Client
	logger     logger.Logger
	config     *Config
	callCount  int64
}

// NewClient creates a new fetch client with default configuration
func NewClient(log logger.Logger) Client {
	return &client{
		httpClient: &nethttp.Client{},
		logger:     log,
		config: &Config{
			Timeout:        DefaultTimeout,
			MaxRetries:     DefaultMaxRetries,
			RetryDelay:     DefaultRetryDelay,
			DefaultHeaders: make(map[string]string),
		},
	}
}

// Builder provides a fluent interface for configuring the fetch client
type Builder struct {
	config *Config
	logger logger.Logger
}

// NewBuilder creates a new client builder
func NewBuilder(log logger.Logger) *Builder {
	return &Builder{
		config: &Config{
			Timeout:        DefaultTimeout,
			MaxRetries:     DefaultMaxRetries,
			RetryDelay:     DefaultRetryDelay,
			DefaultHeaders: make(map[string]string),
		},
		logger: log,
	}
}

// WithTimeout sets the base per-attempt deadline
func (b *Builder) WithTimeout(timeout time.Duration) *Builder {
	b.config.Timeout = timeout
	return b
}

// WithMaxRetries sets the retry budget
func (b *Builder) WithMaxRetries(maxRetries int) *Builder {
	b.config.MaxRetries = maxRetries
	return b
}

// WithRetryDelay sets the fixed wait between attempts
func (b *Builder) WithRetryDelay(delay time.Duration) *Builder {
	b.config.RetryDelay = delay
	return b
}

// WithVerbose enables per-attempt diagnostics
func (b *Builder) WithVerbose(verbose bool) *Builder {
	b.config.Verbose = verbose
	return b
}

// WithDefaultHeader adds a header that will be sent with all requests
func (b *Builder) WithDefaultHeader(key, value string) *Builder {
	b.config.DefaultHeaders[key] = value
	return b
}

// WithHTTPClient sets a custom underlying HTTP client. Its Timeout field is
// not used; every attempt carries its own context deadline.
func (b *Builder) WithHTTPClient(httpClient *nethttp.Client) *Builder {
	b.config.HTTPClient = httpClient
	return b
}

// Build creates the fetch client with the configured options
func (b *Builder) Build() Client {
	httpClient := b.config.HTTPClient
	if httpClient == nil {
		httpClient = &nethttp.Client{}
	}
	return &client{
		httpClient: httpClient,
		logger:     b.logger,
		config:     b.config,
	}
}

// Execute performs a single fetch with optional configuration.
// A nil cfg uses the package defaults. In a non-nil cfg, a non-positive
// Timeout and negative MaxRetries/RetryDelay fall back to the defaults;
// explicit zero retries and zero delay are honored.
func Execute(ctx context.Context, rawURL string, cfg *Config) (*Response, error) {
	b := NewBuilder(logger.Nop())
	if cfg != nil {
		if cfg.Timeout > 0 {
			b.WithTimeout(cfg.Timeout)
		}
		if cfg.MaxRetries >= 0 {
			b.WithMaxRetries(cfg.MaxRetries)
		}
		if cfg.RetryDelay >= 0 {
			b.WithRetryDelay(cfg.RetryDelay)
		}
		b.WithVerbose(cfg.Verbose)
		for key, value := range cfg.DefaultHeaders {
			b.WithDefaultHeader(key, value)
		}
		if cfg.HTTPClient != nil {
			b.WithHTTPClient(cfg.HTTPClient)
		}
	}
	return b.Build().Fetch(ctx, rawURL)
}

// Do is an alias for Fetch
func (c *client) Do(ctx context.Context, rawURL string) (*Response, error) {
	return c.Fetch(ctx, rawURL)
}

// Fetch performs a GET request against rawURL, retrying faults up to the
// configured budget. Each attempt i runs under a deadline of Timeout * 2^i;
// the wait between attempts is the fixed RetryDelay. Faults are classified
// once, after the budget is exhausted.
func (c *client) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}

	start := time.Now()
	callCount := atomic.AddInt64(&c.callCount, 1)
	maxRetries := c.config.MaxRetries

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "fetch.execute",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", nethttp.MethodGet),
		attribute.String("http.url", rawURL),
	)

	c.logRequest(rawURL)

	for attempt := 0; ; attempt++ {
		deadline := attemptDeadline(c.config.Timeout, attempt)
		attemptStart := time.Now()

		resp, fault := c.attempt(ctx, rawURL, deadline)

		elapsed := time.Since(attemptStart)
		span.AddEvent("attempt", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.Int64("deadline_ms", deadline.Milliseconds()),
			attribute.Int64("elapsed_ms", elapsed.Milliseconds()),
			attribute.Bool("fault", fault != nil),
		))
		if c.config.Verbose {
			c.logAttempt(rawURL, attempt, deadline, elapsed, fault)
		}

		if fault == nil {
			if err := decodeBody(resp); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			resp.Stats = Stats{
				ElapsedTime: time.Since(start),
				Attempts:    attempt + 1,
				CallCount:   callCount,
			}
			span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
			c.logResponse(resp)
			return resp, nil
		}

		// Retry while budget remains and the caller has not cancelled the
		// whole call; the deadline keeps doubling, the delay stays fixed.
		// Cancellation during the sleep also ends the loop, keeping the
		// fault already in hand rather than burning an attempt on a dead
		// context.
		if attempt < maxRetries && ctx.Err() == nil {
			wait(ctx, c.config.RetryDelay)
			if ctx.Err() == nil {
				continue
			}
		}

		clientErr := Classify(fault, deadline)
		span.RecordError(clientErr)
		span.SetStatus(codes.Error, clientErr.Error())
		c.logger.Warn().
			Err(clientErr).
			Str("url", rawURL).
			Int("attempts", attempt+1).
			Dur("elapsed", time.Since(start)).
			Msg("Fetch failed")
		return nil, clientErr
	}
}

// attempt issues one transport call under its own deadline and materializes
// the response. A non-2xx status is returned as a fault so the retry loop
// treats it like a transport failure.
func (c *client) attempt(ctx context.Context, rawURL string, deadline time.Duration) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	req, err := c.buildRequest(attemptCtx, rawURL)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	if !IsSuccessStatus(httpResp.StatusCode) {
		return nil, &statusFault{
			code:   httpResp.StatusCode,
			status: httpResp.Status,
			body:   body,
		}
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       body,
	}, nil
}

// buildRequest constructs the outgoing request with default headers and a
// propagated request ID
func (c *client) buildRequest(ctx context.Context, rawURL string) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	for key, value := range c.config.DefaultHeaders {
		req.Header.Set(key, value)
	}
	if req.Header.Get(reqtrace.HeaderXRequestID) == "" {
		req.Header.Set(reqtrace.HeaderXRequestID, reqtrace.EnsureRequestID(ctx))
	}
	return req, nil
}

// decodeBody materializes the body according to its declared content kind.
// A decode failure is terminal, never retried.
func decodeBody(resp *Response) error {
	if isStructuredContent(resp.Headers.Get("Content-Type")) {
		var data any
		if err := json.Unmarshal(resp.Body, &data); err != nil {
			return NewUnknownError("failed to decode structured response body", err)
		}
		resp.Structured = true
		resp.Data = data
		return nil
	}
	resp.Text = string(resp.Body)
	return nil
}

// isStructuredContent reports whether the content type declares a JSON media type
func isStructuredContent(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// attemptDeadline returns Timeout * 2^attempt, capping the exponent
func attemptDeadline(base time.Duration, attempt int) time.Duration {
	if attempt > maxDeadlineShift {
		attempt = maxDeadlineShift
	}
	return base * time.Duration(1<<attempt)
}

// validateURL rejects anything that is not a well-formed absolute URL
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return NewMalformedURLError("url is not a well-formed absolute URL", rawURL)
	}
	return nil
}

// wait sleeps for the fixed retry delay, returning early if the caller
// cancels the whole call
func wait(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// logRequest logs the outgoing request
func (c *client) logRequest(rawURL string) {
	c.logger.Info().
		Str("direction", "outbound").
		Str("method", nethttp.MethodGet).
		Str("url", rawURL).
		Msg("Fetch request")
}

// logAttempt logs per-attempt diagnostics when verbose logging is enabled
func (c *client) logAttempt(rawURL string, attempt int, deadline, elapsed time.Duration, fault error) {
	logEvent := c.logger.Debug().
		Str("url", rawURL).
		Int("attempt", attempt).
		Dur("deadline", deadline).
		Dur("elapsed", elapsed)

	if fault != nil {
		logEvent = logEvent.Err(fault)
	}
	logEvent.Msg("Fetch attempt")
}

// logResponse logs the materialized response
func (c *client) logResponse(resp *Response) {
	c.logger.Info().
		Str("direction", "inbound").
		Int("status", resp.StatusCode).
		Int("attempts", resp.Stats.Attempts).
		Dur("elapsed", resp.Stats.ElapsedTime).
		Int64("call_count", resp.Stats.CallCount).
		Msg("Fetch response")
}
