package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

// Kind classifies a pipeline failure. The kind decides whether a failure is
// retried, fails the case, or fails the batch.
type Kind string

const (
	KindExternalService   Kind = "external_service"
	KindExternalTool      Kind = "external_tool"
	KindMalformedOutput   Kind = "malformed_output"
	KindArtifactMissing   Kind = "artifact_missing"
	KindDuplicateGeneKey  Kind = "duplicate_gene_key"
	KindResourceExhausted Kind = "resource_exhausted"
	KindAborted           Kind = "aborted"
	KindCancelled         Kind = "cancelled"
	KindInternal          Kind = "internal"
)

// Error attaches a Kind to an underlying error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New tags err with kind. A nil err yields nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Newf builds a new error of the given kind from a format string.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: eris.Errorf(format, args...)}
}

// KindOf returns the kind of the first tagged error in err's chain. Untagged
// errors are classified by inspection: disk exhaustion is resource_exhausted,
// network-ish failures are external_service, everything else is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if IsResourceExhausted(err) {
		return KindResourceExhausted
	}
	if errors.Is(err, ErrCircuitOpen) || IsTransient(err) {
		return KindExternalService
	}
	return KindInternal
}

// Retryable reports whether err may be retried by the sequencer.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindExternalService, KindExternalTool:
		return true
	default:
		return false
	}
}

// IsResourceExhausted reports whether err stems from a full disk or quota.
func IsResourceExhausted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no space left on device") ||
		strings.Contains(msg, "disk quota exceeded") ||
		strings.Contains(msg, "database or disk is full")
}

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

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient network failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// HTTP client errors usually arrive wrapped as strings.
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"overloaded",
		"rate limit",
	} {
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
	case 408, 429, 500, 502, 503, 504, 529:
		return true
	default:
		return false
	}
}
