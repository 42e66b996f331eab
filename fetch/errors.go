package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	nethttp "net/http"
	"strings"
	"syscall"
	"time"
)

// ClientError represents different types of fetch client errors
type ClientError interface {
	error
	Type() ErrorType
}

// ErrorType defines the category of client error
type ErrorType string

const (
	MalformedURLError ErrorType = "malformed_url"
	TimeoutError      ErrorType = "timeout"
	NetworkError      ErrorType = "network"
	HTTPError         ErrorType = "http"
	ForbiddenError    ErrorType = "forbidden"
	UnknownError      ErrorType = "unknown"
)

// statusReasons holds the fixed reason texts for common status codes.
// Other codes fall back to the transport-supplied status line.
var statusReasons = map[int]string{
	nethttp.StatusBadRequest:          "Bad Request",
	nethttp.StatusUnauthorized:        "Unauthorized",
	nethttp.StatusForbidden:           "Forbidden",
	nethttp.StatusNotFound:            "Not Found",
	nethttp.StatusInternalServerError: "Internal Server Error",
}

// networkPhrases is the fallback vocabulary for opaque transport errors
// that cannot be classified structurally. Matching is case-sensitive.
var networkPhrases = []string{
	"dial tcp",
	"connection refused",
	"connection reset",
	"no such host",
	"network is unreachable",
	"failed to fetch",
}

// forbiddenPhrases marks faults caused by a cross-origin or proxy policy
var forbiddenPhrases = []string{
	"cross-origin",
	"CORS",
	"Access-Control-Allow-Origin",
}

// malformedURLError represents an invalid URL passed by the caller
type malformedURLError struct {
	message string
	rawURL  string
}

func (e *malformedURLError) Error() string {
	return fmt.Sprintf("malformed URL error: %s (url: %q)", e.message, e.rawURL)
}

func (e *malformedURLError) Type() ErrorType {
	return MalformedURLError
}

// timeoutError represents an attempt deadline expiring before completion
type timeoutError struct {
	message  string
	deadline time.Duration
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("timeout error: %s (deadline: %v)", e.message, e.deadline)
}

func (e *timeoutError) Type() ErrorType {
	return TimeoutError
}

// Deadline returns the per-attempt deadline that expired
func (e *timeoutError) Deadline() time.Duration {
	return e.deadline
}

// networkError represents transport-level failures
type networkError struct {
	message string
	wrapped error
}

func (e *networkError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("network error: %s: %v", e.message, e.wrapped)
	}
	return fmt.Sprintf("network error: %s", e.message)
}

func (e *networkError) Type() ErrorType {
	return NetworkError
}

func (e *networkError) Unwrap() error {
	return e.wrapped
}

// httpError represents a non-2xx HTTP status
type httpError struct {
	statusCode int
	reason     string
	body       []byte
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP error: %s (status: %d)", e.reason, e.statusCode)
}

func (e *httpError) Type() ErrorType {
	return HTTPError
}

func (e *httpError) StatusCode() int {
	return e.statusCode
}

func (e *httpError) Reason() string {
	return e.reason
}

func (e *httpError) Body() []byte {
	return e.body
}

// forbiddenError represents a request blocked by a cross-origin or proxy policy
type forbiddenError struct {
	message string
}

func (e *forbiddenError) Error() string {
	return fmt.Sprintf("forbidden error: %s", e.message)
}

func (e *forbiddenError) Type() ErrorType {
	return ForbiddenError
}

// unknownError is the catch-all for faults no other category claims
type unknownError struct {
	message string
	wrapped error
}

func (e *unknownError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("unknown error: %s: %v", e.message, e.wrapped)
	}
	return fmt.Sprintf("unknown error: %s", e.message)
}

func (e *unknownError) Type() ErrorType {
	return UnknownError
}

func (e *unknownError) Unwrap() error {
	return e.wrapped
}

// NewMalformedURLError creates a new malformed URL error
func NewMalformedURLError(message, rawURL string) ClientError {
	return &malformedURLError{
		message: message,
		rawURL:  rawURL,
	}
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string, deadline time.Duration) ClientError {
	return &timeoutError{
		message:  message,
		deadline: deadline,
	}
}

// NewNetworkError creates a new network error
func NewNetworkError(message string, wrapped error) ClientError {
	return &networkError{
		message: message,
		wrapped: wrapped,
	}
}

// NewHTTPError creates a new HTTP status error
func NewHTTPError(statusCode int, reason string, body []byte) ClientError {
	return &httpError{
		statusCode: statusCode,
		reason:     reason,
		body:       body,
	}
}

// NewForbiddenError creates a new policy-forbidden error
func NewForbiddenError(message string) ClientError {
	return &forbiddenError{
		message: message,
	}
}

// NewUnknownError creates a new unknown error
func NewUnknownError(message string, wrapped error) ClientError {
	return &unknownError{
		message: message,
		wrapped: wrapped,
	}
}

// statusFault is the attempt-local fault produced by a non-2xx response.
// It is classified into an httpError only after retries are exhausted.
type statusFault struct {
	code   int
	status string
	body   []byte
}

func (f *statusFault) Error() string {
	return fmt.Sprintf("http status %s", f.status)
}

// Classify maps an exhausted-retry fault to a typed client error.
// Precedence: deadline expiry, then structured transport faults, then the
// substring vocabulary fallback for opaque transports, then unknown.
// It is a pure function and never fails.
func Classify(fault error, deadline time.Duration) ClientError {
	if fault == nil {
		return NewUnknownError("no fault recorded", nil)
	}

	if isTimeout(fault) {
		return NewTimeoutError("attempt deadline exceeded", deadline)
	}

	var sf *statusFault
	if errors.As(fault, &sf) {
		return NewHTTPError(sf.code, reasonForStatus(sf.code, sf.status), sf.body)
	}

	var dnsErr *net.DNSError
	if errors.As(fault, &dnsErr) {
		return NewNetworkError("name resolution failed", fault)
	}
	var opErr *net.OpError
	if errors.As(fault, &opErr) {
		return NewNetworkError("connection failed", fault)
	}
	if errors.Is(fault, syscall.ECONNREFUSED) || errors.Is(fault, syscall.ECONNRESET) {
		return NewNetworkError("connection failed", fault)
	}

	msg := fault.Error()
	for _, phrase := range networkPhrases {
		if strings.Contains(msg, phrase) {
			return NewNetworkError("request execution failed", fault)
		}
	}
	for _, phrase := range forbiddenPhrases {
		if strings.Contains(msg, phrase) {
			return NewForbiddenError(msg)
		}
	}

	return NewUnknownError(msg, fault)
}

// reasonForStatus returns the fixed reason text for common codes and the
// transport status line for everything else
func reasonForStatus(code int, statusLine string) string {
	if reason, ok := statusReasons[code]; ok {
		return reason
	}
	if statusLine != "" {
		return statusLine
	}
	return nethttp.StatusText(code)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errorType ErrorType) bool {
	if err == nil {
		return false
	}
	var clientErr ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type() == errorType
	}
	return false
}

// IsHTTPStatusError checks if an error is an HTTP error with a specific status code
func IsHTTPStatusError(err error, statusCode int) bool {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode() == statusCode
	}
	return false
}

// IsSuccessStatus checks if a status code represents success (2xx)
func IsSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
