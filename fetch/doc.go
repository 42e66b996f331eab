// Package fetch provides a small, resilient HTTP GET client with bounded
// retries, exponential per-attempt deadlines, and typed error classification.
//
// Retries
//   - Controlled via Builder.WithMaxRetries and Builder.WithRetryDelay.
//   - Every attempt fault is retried while budget remains: deadline expiry,
//     transport errors, and any non-2xx status (including 4xx).
//   - A malformed URL is a precondition failure and is never retried.
//   - A body decode failure after a successful attempt is never retried.
//
// Deadlines
//   - Attempt i (0-indexed) runs under a deadline of Timeout * 2^i, so each
//     retry gets more room than the last.
//   - The wait between attempts is the fixed RetryDelay, keeping total
//     latency predictable.
//
// Classification
//   - Faults are classified exactly once, after the retry budget is
//     exhausted, with precedence: timeout, network, forbidden-by-policy,
//     HTTP status, unknown.
//   - Structured fault values (context deadlines, net errors, status faults)
//     are inspected first; substring matching against a fixed vocabulary is
//     only the fallback for opaque transport errors.
//
// Notes
//   - Cancelling an attempt only cancels that attempt's transport call.
//     Callers wanting call-level cancellation wrap the passed context; the
//     retry loop stops early when it is done.
//   - Concurrent calls share nothing but an atomic call counter.
package fetch
