package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by backend helpers for a missing object.
// Exists translates it to (false, nil) and never surfaces it.
var ErrNotFound = errors.New("object not found")

// ProbeError is an existence check that could not give a definitive answer.
type ProbeError struct {
	Key string
	Err error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("existence check for %q failed: %v", e.Key, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// WriteError is a failed write of one object.
type WriteError struct {
	Key string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write of %q failed: %v", e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ErrorType is a coarse class of storage failure, used for log fields.
type ErrorType int

const (
	ErrorTypeNone ErrorType = iota
	// ErrorTypeCredential indicates authentication/authorization failure (403, expired token)
	ErrorTypeCredential
	// ErrorTypeNetwork indicates network/connection issues (timeouts, connection refused, etc.)
	ErrorTypeNetwork
	// ErrorTypeRetryable indicates server errors a later attempt may get past (500, 503, throttling)
	ErrorTypeRetryable
	// ErrorTypeCanceled indicates the caller gave up
	ErrorTypeCanceled
	// ErrorTypeFatal indicates client errors (400, invalid request) and anything unrecognised
	ErrorTypeFatal
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeNone:
		return "none"
	case ErrorTypeCredential:
		return "credential"
	case ErrorTypeNetwork:
		return "network"
	case ErrorTypeRetryable:
		return "retryable"
	case ErrorTypeCanceled:
		return "canceled"
	case ErrorTypeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	credentialIndicators = []string{
		"expired", "invalid token", "expiredtoken", "403", "unauthorized",
		"accessdenied", "access denied", "authentication failed", "authenticationfailed",
		"invalid sas", "sas token", "signature not valid", "signaturedoesnotmatch",
		"authorization failure", "authorizationfailure",
	}
	networkIndicators = []string{
		"tls handshake timeout", "connection reset", "i/o timeout", "eof",
		"connection refused", "broken pipe", "no such host", "timeout",
	}
	retryableIndicators = []string{
		"requesttimeout", "internalerror", "serviceunavailable", "slowdown",
		"throttl", "429", "500", "502", "503", "504", "server busy", "serverbusy",
		"operationtimeout", "operation timeout", "service unavailable",
	}
)

// ClassifyError buckets an S3/Azure/filesystem error by message heuristics.
// Nothing retries on the result; it only labels failures in logs and reports.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeNone
	}

	if errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeNetwork
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, credentialIndicators) {
		return ErrorTypeCredential
	}
	if containsAny(errStr, networkIndicators) {
		return ErrorTypeNetwork
	}
	if containsAny(errStr, retryableIndicators) {
		return ErrorTypeRetryable
	}

	return ErrorTypeFatal
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
