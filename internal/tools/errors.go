package tools

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrorKind is the failure taxonomy the orchestrator decides from.
// Transient failures are retried per backoff; permanent ones count
// toward the goal's block threshold.
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindPermanent ErrorKind = "permanent"
)

// ExternalError is every failure the Invoker returns for a call that
// reached a tool. Raw causes never cross this boundary unclassified.
type ExternalError struct {
	Tool ToolID
	Op   Op
	Kind ErrorKind
	Err  error
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Tool, e.Op, e.Kind, e.Err)
}

func (e *ExternalError) Unwrap() error {
	return e.Err
}

// Retryable reports whether backing off and trying again can help.
func (e *ExternalError) Retryable() bool {
	return e.Kind == KindTransient
}

// IsTransient reports whether err is a classified transient failure.
func IsTransient(err error) bool {
	var ext *ExternalError
	return errors.As(err, &ext) && ext.Kind == KindTransient
}

// IsPermanent reports whether err is a classified permanent failure.
func IsPermanent(err error) bool {
	var ext *ExternalError
	return errors.As(err, &ext) && ext.Kind == KindPermanent
}

// HTTPError lets adapters surface the upstream status code, so
// classification keys on the code instead of message text.
type HTTPError struct {
	StatusCode int
	Err        error
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %v", e.StatusCode, e.Err)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// errorTaxonomy classifies failures by message text when nothing
// typed matched. Permanent entries come first: auth and validation
// messages sometimes mention retries and would otherwise fall
// through to the transient matches.
var errorTaxonomy = []struct {
	match func(string) bool
	kind  ErrorKind
}{
	{match: containsAny("unauthorized", "forbidden", "bad credentials", "authentication failed", "permission denied", "invalid token", "requires authentication"), kind: KindPermanent},
	{match: containsAny("not found", "bad request", "unprocessable", "validation failed", "already exists", "reference already exists", "unknown revision", "malformed"), kind: KindPermanent},
	{match: containsAny("timeout", "timed out", "deadline exceeded", "connection refused", "connection reset", "broken pipe", "no such host", "temporarily unavailable", "service unavailable", "bad gateway", "rate limit", "too many requests", "tls handshake"), kind: KindTransient},
}

// Classify maps a raw failure into the taxonomy. Typed signals win
// over message matching; anything unrecognized is treated as
// transient, because a retry under backoff is bounded while a false
// permanent verdict blocks a goal.
func Classify(err error) ErrorKind {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 408, httpErr.StatusCode == 429, httpErr.StatusCode >= 500:
			return KindTransient
		case httpErr.StatusCode >= 400:
			return KindPermanent
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	for _, errno := range []syscall.Errno{syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE, syscall.EHOSTUNREACH, syscall.ENETUNREACH} {
		if errors.Is(err, errno) {
			return KindTransient
		}
	}

	text := strings.ToLower(err.Error())
	for _, entry := range errorTaxonomy {
		if entry.match(text) {
			return entry.kind
		}
	}
	return KindTransient
}

func containsAny(parts ...string) func(string) bool {
	return func(text string) bool {
		for _, part := range parts {
			if strings.Contains(text, part) {
				return true
			}
		}
		return false
	}
}
