package errors

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// Kind classifies orchestrator errors for propagation and retry decisions.
// The taxonomy follows the failure-isolation principle: the child assistant's
// lifecycle is authoritative, the metrics pipeline is advisory.
type Kind int

const (
	// KindConfiguration - missing or malformed provider config; fatal before spawn
	KindConfiguration Kind = iota
	// KindSpawn - child binary missing or exec failure; fatal
	KindSpawn
	// KindProxy - upstream unreachable or socket error; surfaced as 5xx, never fatal
	KindProxy
	// KindCorrelation - no new session file within the retry budget; degrades metrics
	KindCorrelation
	// KindParse - malformed records in a session file; skipped line-by-line
	KindParse
	// KindPersistence - I/O failure writing delta or sync state; retried next fire
	KindPersistence
	// KindTransmission - network/protocol failure sending metrics; retryable
	KindTransmission
	// KindAuth - SSO token expired or rejected; requires re-authentication
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindSpawn:
		return "spawn"
	case KindProxy:
		return "proxy"
	case KindCorrelation:
		return "correlation"
	case KindParse:
		return "parse"
	case KindPersistence:
		return "persistence"
	case KindTransmission:
		return "transmission"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Error is a contextualized orchestrator error. Context carries whatever
// identifies the failing session (sessionId, agent, provider) so log lines
// are attributable without a stack trace.
type Error struct {
	Kind    Kind
	Err     error
	Message string
	Context map[string]string
	Time    time.Time
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a contextualized error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Time: time.Now()}
}

// Wrap annotates err with a kind and message.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Err: err, Message: message, Time: time.Now()}
}

// WithContext attaches a key/value pair to the error context.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// KindOf extracts the kind of err, or ok=false when err is not an *Error.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}

// IsTransient checks if an error is retry-able
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if kind, ok := KindOf(err); ok {
		switch kind {
		case KindTransmission, KindPersistence, KindProxy:
			return true
		case KindConfiguration, KindSpawn, KindAuth:
			return false
		}
	}

	// Network errors (connection refused, timeout, etc.)
	if isNetworkError(err) {
		return true
	}

	// Syscall errors
	if isSyscallError(err) {
		return true
	}

	return false
}

// isNetworkError detects connection-level failures that warrant a retry.
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func isSyscallError(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT)
}
