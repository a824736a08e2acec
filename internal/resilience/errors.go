package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// FailureClass buckets provider failures for the retry scheduler:
// transient failures climb the backoff ladder; quota and permanent
// failures (billing exhaustion, bad credentials) take a fixed hold
// without consuming a ladder rung, since re-asking sooner cannot help.
type FailureClass string

const (
	FailureTransient FailureClass = "transient"
	FailureQuota     FailureClass = "quota"
	FailurePermanent FailureClass = "permanent"
)

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// QuotaError wraps an error that signals an exhausted API quota or
// balance. Retrying before the quota window resets is pointless, so the
// scheduler parks the work instead of backing off.
type QuotaError struct {
	Err        error
	StatusCode int
}

func (e *QuotaError) Error() string {
	return e.Err.Error()
}

func (e *QuotaError) Unwrap() error {
	return e.Err
}

// NewQuotaError wraps an error as a quota exhaustion signal.
func NewQuotaError(err error, statusCode int) *QuotaError {
	return &QuotaError{Err: err, StatusCode: statusCode}
}

// IsQuota returns true if the error chain contains a QuotaError.
func IsQuota(err error) bool {
	var qe *QuotaError
	return errors.As(err, &qe)
}

// IsQuotaHTTPStatus returns true for status codes that signal an
// exhausted balance or quota rather than momentary pressure. 429 is
// deliberately not here: providers use it for short rate-limit pushback,
// which the in-call retry absorbs.
func IsQuotaHTTPStatus(statusCode int) bool {
	return statusCode == 402
}

// Classify buckets an error into a FailureClass. Quota wins over
// transient because a quota-wrapped timeout still means "stop until the
// window resets".
func Classify(err error) FailureClass {
	if IsQuota(err) {
		return FailureQuota
	}
	if IsTransient(err) {
		return FailureTransient
	}
	return FailurePermanent
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Check for explicit TransientError in chain.
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	// A rejected call through an open breaker clears once the provider
	// recovers, so it retries on the normal ladder.
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}

	// Deadline and cancellation mean the attempt was cut short, not that
	// the provider refused it.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	// Check for network-level transient errors.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection reset / refused / DNS.
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
