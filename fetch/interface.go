package fetch

import (
	"context"
	nethttp "net/http"
	"time"

	"github.com/tidwall/gjson"
)

// Client defines the fetch client interface for making resilient GET requests
type Client interface {
	Fetch(ctx context.Context, url string) (*Response, error)
	// Do is an alias for Fetch
	Do(ctx context.Context, url string) (*Response, error)
}

// Config holds the fetch client configuration.
// It is fixed for the duration of a call; per-call state lives in the attempt loop.
type Config struct {
	// Timeout is the base per-attempt deadline; attempt i runs under Timeout * 2^i
	Timeout time.Duration
	// MaxRetries is the retry budget after the initial attempt
	MaxRetries int
	// RetryDelay is the fixed wait between attempts (not exponential)
	RetryDelay time.Duration
	// Verbose enables per-attempt duration diagnostics
	Verbose bool
	// DefaultHeaders are sent with every request
	DefaultHeaders map[string]string
	// HTTPClient overrides the underlying transport; its Timeout is ignored
	// because each attempt carries its own context deadline
	HTTPClient *nethttp.Client
}

// Response represents a materialized fetch result with tracking information
type Response struct {
	StatusCode int
	Headers    nethttp.Header
	Body       []byte
	// Structured is true when the response declared a JSON media type
	// and Data holds the decoded value; otherwise Text holds the raw body
	Structured bool
	Data       any
	Text       string
	Stats      Stats
}

// Field looks up a path in the response body using gjson path syntax.
// It returns a zero Result for non-JSON bodies or missing paths.
func (r *Response) Field(path string) gjson.Result {
	return gjson.GetBytes(r.Body, path)
}

// Stats contains request execution statistics
type Stats struct {
	ElapsedTime time.Duration
	Attempts    int
	CallCount   int64
}
