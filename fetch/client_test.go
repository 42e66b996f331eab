package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchkit/fetchkit/logger"
	reqtrace "github.com/fetchkit/fetchkit/trace"
)

const (
	testURL      = "https://api.example.test/resource"
	testJSONType = "application/json"
	testTextType = "text/plain"
)

// createTestLogger creates a quiet logger for tests
func createTestLogger() logger.Logger {
	return logger.Nop()
}

type roundTripperFunc func(*nethttp.Request) (*nethttp.Response, error)

func (f roundTripperFunc) RoundTrip(req *nethttp.Request) (*nethttp.Response, error) {
	return f(req)
}

func newTestClient(rt nethttp.RoundTripper, configure func(*Builder)) Client {
	b := NewBuilder(createTestLogger()).
		WithHTTPClient(&nethttp.Client{Transport: rt}).
		WithRetryDelay(time.Millisecond)
	if configure != nil {
		configure(b)
	}
	return b.Build()
}

func stubResponse(code int, contentType, body string) *nethttp.Response {
	header := nethttp.Header{}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	return &nethttp.Response{
		StatusCode: code,
		Status:     fmt.Sprintf("%d %s", code, nethttp.StatusText(code)),
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestFetchSuccessUsesZeroRetries(t *testing.T) {
	var calls int64
	rt := roundTripperFunc(func(_ *nethttp.Request) (*nethttp.Response, error) {
		atomic.AddInt64(&calls, 1)
		return stubResponse(200, testJSONType, `{"a":1}`), nil
	})
	client := newTestClient(rt, func(b *Builder) { b.WithMaxRetries(2) })

	resp, err := client.Fetch(context.Background(), testURL)
	require.NoError(t, err)

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	assert.Equal(t, 1, resp.Stats.Attempts)
	assert.Equal(t, 200, resp.StatusCode)
	require.True(t, resp.Structured)
	assert.Equal(t, map[string]any{"a": float64(1)}, resp.Data)
}

func TestFetchExhaustsRetryBudget(t *testing.T) {
	tests := []struct {
		name          string
		maxRetries    int
		expectedCalls int64
	}{
		{name: "zero retries", maxRetries: 0, expectedCalls: 1},
		{name: "two retries", maxRetries: 2, expectedCalls: 3},
		{name: "four retries", maxRetries: 4, expectedCalls: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int64
			rt := roundTripperFunc(func(_ *nethttp.Request) (*nethttp.Response, error) {
				atomic.AddInt64(&calls, 1)
				return nil, errors.New("dial tcp 10.0.0.1:443: connect: connection refused")
			})
			client := newTestClient(rt, func(b *Builder) { b.WithMaxRetries(tt.maxRetries) })

			resp, err := client.Fetch(context.Background(), testURL)
			require.Error(t, err)
			assert.Nil(t, resp)
			assert.Equal(t, tt.expectedCalls, atomic.LoadInt64(&calls))
			assert.True(t, IsErrorType(err, NetworkError))
		})
	}
}

func TestAttemptDeadlineDoublesPerAttempt(t *testing.T) {
	base := 1 * time.Second
	var remaining []time.Duration

	rt := roundTripperFunc(func(req *nethttp.Request) (*nethttp.Response, error) {
		deadline, ok := req.Context().Deadline()
		require.True(t, ok, "attempt context must carry a deadline")
		remaining = append(remaining, time.Until(deadline))
		return nil, errors.New("dial tcp 10.0.0.1:443: connect: connection refused")
	})
	client := newTestClient(rt, func(b *Builder) {
		b.WithTimeout(base).WithMaxRetries(2)
	})

	_, err := client.Fetch(context.Background(), testURL)
	require.Error(t, err)
	require.Len(t, remaining, 3)

	for i, expected := range []time.Duration{base, 2 * base, 4 * base} {
		assert.InDelta(t, float64(expected), float64(remaining[i]), float64(300*time.Millisecond),
			"attempt %d deadline", i)
	}
}

func TestAttemptDeadlineHelper(t *testing.T) {
	base := 250 * time.Millisecond
	assert.Equal(t, base, attemptDeadline(base, 0))
	assert.Equal(t, 2*base, attemptDeadline(base, 1))
	assert.Equal(t, 4*base, attemptDeadline(base, 2))
	// exponent is capped, not overflowed
	assert.Equal(t, attemptDeadline(base, maxDeadlineShift), attemptDeadline(base, maxDeadlineShift+5))
}

func TestFetchMalformedURL(t *testing.T) {
	var calls int64
	rt := roundTripperFunc(func(_ *nethttp.Request) (*nethttp.Response, error) {
		atomic.AddInt64(&calls, 1)
		return stubResponse(200, testTextType, "ok"), nil
	})
	client := newTestClient(rt, nil)

	for _, rawURL := range []string{"not a url", "", "/relative/path", "example.com/no-scheme"} {
		t.Run(fmt.Sprintf("url=%q", rawURL), func(t *testing.T) {
			resp, err := client.Fetch(context.Background(), rawURL)
			require.Error(t, err)
			assert.Nil(t, resp)
			assert.True(t, IsErrorType(err, MalformedURLError))
		})
	}

	assert.Equal(t, int64(0), atomic.LoadInt64(&calls), "malformed URLs must never reach the transport")
}

func TestFetchDecodesBodyByContentKind(t *testing.T) {
	t.Run("structured json", func(t *testing.T) {
		rt := roundTripperFunc(func(_ *nethttp.Request) (*nethttp.Response, error) {
			return stubResponse(200, testJSONType, `{"a":1}`), nil
		})
		resp, err := newTestClient(rt, nil).Fetch(context.Background(), testURL)
		require.NoError(t, err)

		assert.True(t, resp.Structured)
		assert.Equal(t, map[string]any{"a": float64(1)}, resp.Data)
		assert.Empty(t, resp.Text)
		assert.Equal(t, int64(1), resp.Field("a").Int())
	})

	t.Run("json with charset parameter", func(t *testing.T) {
		rt := roundTripperFunc(func(_ *nethttp.Request) (*nethttp.Response, error) {
			return stubResponse(200, "application/json; charset=utf-8", `[1,2]`), nil
		})
		resp, err := newTestClient(rt, nil).Fetch(context.Background(), testURL)
		require.NoError(t, err)
		assert.True(t, resp.Structured)
		assert.Equal(t, []any{float64(1), float64(2)}, resp.Data)
	})

	t.Run("json suffix media type", func(t *testing.T) {
		rt := roundTripperFunc(func(_ *nethttp.Request) (*nethttp.Response, error) {
			return stubResponse(200, "application/problem+json", `{"title":"x"}`), nil
		})
		resp, err := newTestClient(rt, nil).Fetch(context.Background(), testURL)
		require.NoError(t, err)
		assert.True(t, resp.Structured)
	})

	t.Run("plain text", func(t *testing.T) {
		rt := roundTripperFunc(func(_ *nethttp.Request) (*nethttp.Response, error) {
			return stubResponse(200, testTextType, "hello"), nil
		})
		resp, err := newTestClient(rt, nil).Fetch(context.Background(), testURL)
		require.NoError(t, err)

		assert.False(t, resp.Structured)
		assert.Equal(t, "hello", resp.Text)
		assert.Nil(t, resp.Data)
	})

	t.Run("missing content type treated as text", func(t *testing.T) {
		rt := roundTripperFunc(func(_ *nethttp.Request) (*nethttp.Response, error) {
			return stubResponse(200, "", "raw"), nil
		})
		resp, err := newTestClient(rt, nil).Fetch(context.Background(), testURL)
		require.NoError(t, err)
		assert.Equal(t, "raw", resp.Text)
	})
}

func TestFetchDecodeFailureIsNotRetried(t *testing.T) {
	var calls int64
	rt := roundTripperFunc(func(_ *nethttp.Request) (*nethttp.Response, error) {
		atomic.AddInt64(&calls, 1)
		return stubResponse(200, testJSONType, `{"a":`), nil
	})
	client := newTestClient(rt, func(b *Builder) { b.WithMaxRetries(2) })

	resp, err := client.Fetch(context.Background(), testURL)
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.True(t, IsErrorType(err, UnknownError))
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestFetchConstant404ExhaustsBudget(t *testing.T) {
	var calls int64
	rt := roundTripperFunc(func(_ *nethttp.Request) (*nethttp.Response, error) {
		atomic.AddInt64(&calls, 1)
		return stubResponse(404, testTextType, "nope"), nil
	})
	client := newTestClient(rt, func(b *Builder) { b.WithMaxRetries(2) })

	resp, err := client.Fetch(context.Background(), testURL)
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))

	assert.True(t, IsErrorType(err, HTTPError))
	assert.True(t, IsHTTPStatusError(err, 404))

	var httpErr *httpError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, "Not Found", httpErr.Reason())
	assert.Equal(t, []byte("nope"), httpErr.Body())
}

func TestFetchTimeoutCarriesFinalAttemptDeadline(t *testing.T) {
	base := 20 * time.Millisecond
	var calls int64

	rt := roundTripperFunc(func(req *nethttp.Request) (*nethttp.Response, error) {
		atomic.AddInt64(&calls, 1)
		<-req.Context().Done()
		return nil, req.Context().Err()
	})
	client := newTestClient(rt, func(b *Builder) {
		b.WithTimeout(base).WithMaxRetries(2)
	})

	resp, err := client.Fetch(context.Background(), testURL)
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))

	assert.True(t, IsErrorType(err, TimeoutError))
	var timeoutErr *timeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 4*base, timeoutErr.Deadline())
}

func TestFetchStopsRetryingWhenCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int64
	rt := roundTripperFunc(func(_ *nethttp.Request) (*nethttp.Response, error) {
		atomic.AddInt64(&calls, 1)
		cancel()
		return nil, errors.New("dial tcp 10.0.0.1:443: connect: connection refused")
	})
	client := newTestClient(rt, func(b *Builder) { b.WithMaxRetries(5) })

	_, err := client.Fetch(ctx, testURL)
	require.Error(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	assert.True(t, IsErrorType(err, NetworkError))
}

func TestFetchCancelDuringRetrySleepKeepsLastFault(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int64
	rt := roundTripperFunc(func(_ *nethttp.Request) (*nethttp.Response, error) {
		atomic.AddInt64(&calls, 1)
		return nil, errors.New("dial tcp 10.0.0.1:443: connect: connection refused")
	})
	client := newTestClient(rt, func(b *Builder) {
		b.WithMaxRetries(5).WithRetryDelay(200 * time.Millisecond)
	})

	timer := time.AfterFunc(20*time.Millisecond, cancel)
	defer timer.Stop()

	start := time.Now()
	_, err := client.Fetch(ctx, testURL)
	require.Error(t, err)

	// The cancel lands mid-sleep: no further attempt runs and the fault
	// already in hand is the one classified.
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	assert.True(t, IsErrorType(err, NetworkError))
	assert.Less(t, time.Since(start), 150*time.Millisecond, "must not sleep out the full retry delay")
}

func TestDoAliasesFetch(t *testing.T) {
	var calls int64
	rt := roundTripperFunc(func(_ *nethttp.Request) (*nethttp.Response, error) {
		atomic.AddInt64(&calls, 1)
		return stubResponse(200, testJSONType, `{"a":1}`), nil
	})
	client := newTestClient(rt, nil)

	resp, err := client.Do(context.Background(), testURL)
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	assert.Equal(t, map[string]any{"a": float64(1)}, resp.Data)

	_, err = client.Do(context.Background(), "not a url")
	require.Error(t, err)
	assert.True(t, IsErrorType(err, MalformedURLError))
}

func TestFetchSendsDefaultHeadersAndRequestID(t *testing.T) {
	var gotHeaders nethttp.Header
	rt := roundTripperFunc(func(req *nethttp.Request) (*nethttp.Response, error) {
		gotHeaders = req.Header.Clone()
		return stubResponse(200, testTextType, "ok"), nil
	})
	client := newTestClient(rt, func(b *Builder) {
		b.WithDefaultHeader("X-API-Key", "test-key")
	})

	ctx := reqtrace.WithRequestID(context.Background(), "req-789")
	_, err := client.Fetch(ctx, testURL)
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotHeaders.Get("X-API-Key"))
	assert.Equal(t, "req-789", gotHeaders.Get(reqtrace.HeaderXRequestID))
}

func TestFetchGeneratesRequestIDWhenAbsent(t *testing.T) {
	var gotID string
	rt := roundTripperFunc(func(req *nethttp.Request) (*nethttp.Response, error) {
		gotID = req.Header.Get(reqtrace.HeaderXRequestID)
		return stubResponse(200, testTextType, "ok"), nil
	})
	_, err := newTestClient(rt, nil).Fetch(context.Background(), testURL)
	require.NoError(t, err)
	assert.NotEmpty(t, gotID)
}

func TestCallCountIncrementsAcrossCalls(t *testing.T) {
	rt := roundTripperFunc(func(_ *nethttp.Request) (*nethttp.Response, error) {
		return stubResponse(200, testTextType, "ok"), nil
	})
	client := newTestClient(rt, nil)

	first, err := client.Fetch(context.Background(), testURL)
	require.NoError(t, err)
	second, err := client.Fetch(context.Background(), testURL)
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Stats.CallCount)
	assert.Equal(t, int64(2), second.Stats.CallCount)
}

func TestExecute(t *testing.T) {
	t.Run("applies given configuration", func(t *testing.T) {
		var calls int64
		rt := roundTripperFunc(func(_ *nethttp.Request) (*nethttp.Response, error) {
			atomic.AddInt64(&calls, 1)
			return stubResponse(503, testTextType, "unavailable"), nil
		})

		_, err := Execute(context.Background(), testURL, &Config{
			Timeout:    100 * time.Millisecond,
			MaxRetries: 1,
			RetryDelay: time.Millisecond,
			HTTPClient: &nethttp.Client{Transport: rt},
		})
		require.Error(t, err)
		assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
		assert.True(t, IsHTTPStatusError(err, 503))
	})

	t.Run("honors explicit zero retries", func(t *testing.T) {
		var calls int64
		rt := roundTripperFunc(func(_ *nethttp.Request) (*nethttp.Response, error) {
			atomic.AddInt64(&calls, 1)
			return stubResponse(500, testTextType, "boom"), nil
		})

		_, err := Execute(context.Background(), testURL, &Config{
			HTTPClient: &nethttp.Client{Transport: rt},
		})
		require.Error(t, err)
		assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	})

	t.Run("rejects malformed url with nil config", func(t *testing.T) {
		_, err := Execute(context.Background(), "not a url", nil)
		require.Error(t, err)
		assert.True(t, IsErrorType(err, MalformedURLError))
	})
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient(createTestLogger())
	require.NotNil(t, c)

	impl, ok := c.(*client)
	require.True(t, ok)
	assert.Equal(t, DefaultTimeout, impl.config.Timeout)
	assert.Equal(t, DefaultMaxRetries, impl.config.MaxRetries)
	assert.Equal(t, DefaultRetryDelay, impl.config.RetryDelay)
	assert.False(t, impl.config.Verbose)
}

func TestVerboseLoggingDoesNotChangeControlFlow(t *testing.T) {
	var calls int64
	rt := roundTripperFunc(func(_ *nethttp.Request) (*nethttp.Response, error) {
		atomic.AddInt64(&calls, 1)
		return stubResponse(500, testTextType, "boom"), nil
	})
	client := newTestClient(rt, func(b *Builder) {
		b.WithMaxRetries(1).WithVerbose(true)
	})

	_, err := client.Fetch(context.Background(), testURL)
	require.Error(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}
