package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
)

var (
	ErrCapacityExhausted = errors.New("provider capacity exhausted")
	ErrTimeout           = errors.New("provider job timed out")
	ErrConnectionLost    = errors.New("provider connection lost")
	ErrMalformedResponse = errors.New("malformed provider response")
	ErrNoResult          = errors.New("provider returned no result")
)

// Class is the coarse category of a provider failure.
type Class int

const (
	ClassNone Class = iota
	ClassTransient
	ClassCapacity
	ClassTimeout
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassCapacity:
		return "capacity"
	case ClassTimeout:
		return "timeout"
	default:
		return "fatal"
	}
}

// StatusError is a non-2xx answer from a backend.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Provider, e.Code)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.Code, body)
}

// FallbackError reports that the primary backend was unavailable and the
// secondary either failed or does not exist. It always matches
// ErrCapacityExhausted.
type FallbackError struct {
	Op        string
	Primary   error
	Secondary error
}

func (e *FallbackError) Error() string {
	if e.Secondary == nil {
		return fmt.Sprintf("%s: primary unavailable and no fallback: %v", e.Op, e.Primary)
	}
	return fmt.Sprintf("%s: failed on primary and fallback: primary: %v; fallback: %v", e.Op, e.Primary, e.Secondary)
}

func (e *FallbackError) Unwrap() []error {
	errs := []error{ErrCapacityExhausted}
	if e.Primary != nil {
		errs = append(errs, e.Primary)
	}
	if e.Secondary != nil {
		errs = append(errs, e.Secondary)
	}
	return errs
}

var capacityWords = []string{
	"429",
	"quota",
	"exhausted",
	"rate limit",
	"ratelimit",
	"too many requests",
	"load failed",
	"failed to fetch",
}

var transientWords = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"unexpected eof",
	"no such host",
}

// Classify is the only place provider error text is inspected.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var fe *FallbackError
	if errors.As(err, &fe) {
		return ClassCapacity
	}
	if errors.Is(err, context.Canceled) {
		return ClassFatal
	}
	if errors.Is(err, ErrCapacityExhausted) {
		return ClassCapacity
	}
	if c, ok := classifyCode(err); ok {
		return c
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	if errors.Is(err, ErrConnectionLost) {
		return ClassTransient
	}
	if errors.Is(err, ErrMalformedResponse) || errors.Is(err, ErrNoResult) {
		return ClassFatal
	}

	msg := strings.ToLower(err.Error())
	for _, w := range capacityWords {
		if strings.Contains(msg, w) {
			return ClassCapacity
		}
	}
	if strings.Contains(msg, "timed out") {
		return ClassTimeout
	}
	for _, w := range transientWords {
		if strings.Contains(msg, w) {
			return ClassTransient
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassFatal
}

func classifyCode(err error) (Class, bool) {
	code := statusCode(err)
	switch code {
	case http.StatusTooManyRequests:
		return ClassCapacity, true
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return ClassTransient, true
	}
	return ClassNone, false
}

func statusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return 0
}

// IsCapacity reports whether err means the backends are out of quota.
func IsCapacity(err error) bool {
	return Classify(err) == ClassCapacity
}

// IsTransientStatus reports whether a failed status query should simply be
// retried. Status endpoints answer 404 until a fresh job has propagated.
func IsTransientStatus(err error) bool {
	if statusCode(err) == http.StatusNotFound {
		return true
	}
	return Classify(err) == ClassTransient
}
