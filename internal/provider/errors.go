package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kursadbilgin/sampling-engine/internal/domain"
)

// ErrorKind is the coarse classification the runner needs to pick an
// iteration status and a retry decision.
type ErrorKind string

const (
	KindRateLimited ErrorKind = "rate_limited"
	KindAuth        ErrorKind = "auth"
	KindTimeout     ErrorKind = "timeout"
	KindOther       ErrorKind = "other"
)

// ProviderError classifies provider call failures as transient/permanent.
type ProviderError struct {
	Provider   domain.Provider
	Kind       ErrorKind
	StatusCode int
	Message    string
	Transient  bool
	RetryAfter time.Duration
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 5)
	if e.Provider != "" {
		parts = append(parts, e.Provider.String()+" provider error")
	} else {
		parts = append(parts, "provider error")
	}

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		if providerErr.Kind == KindAuth {
			return false
		}
		return providerErr.Transient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// KindOf returns the classification of err. Errors that did not come from a
// provider client are classified from their cause.
func KindOf(err error) ErrorKind {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) && providerErr.Kind != "" {
		return providerErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindOther
}

// RetryAfterOf returns the server-requested wait, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) && providerErr.RetryAfter > 0 {
		return providerErr.RetryAfter, true
	}
	return 0, false
}

// StatusOf returns the HTTP status code carried by err, or 0.
func StatusOf(err error) int {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.StatusCode
	}
	return 0
}

// statusError maps a non-2xx provider response to a ProviderError.
func statusError(p domain.Provider, statusCode int, header http.Header, body string, now time.Time) *ProviderError {
	out := &ProviderError{
		Provider:   p,
		Kind:       KindOther,
		StatusCode: statusCode,
		Message:    providerErrorMessage(statusCode, body),
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		out.Kind = KindAuth
	case statusCode == http.StatusTooManyRequests:
		out.Kind = KindRateLimited
		out.Transient = true
		out.RetryAfter = parseRetryAfter(header.Get("Retry-After"), now)
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		out.Kind = KindTimeout
		out.Transient = true
	default:
		out.Transient = isTransientHTTPStatus(statusCode)
	}

	return out
}

// transportError maps a failed round trip (no response) to a ProviderError.
func transportError(p domain.Provider, err error) *ProviderError {
	out := &ProviderError{
		Provider: p,
		Kind:     KindOther,
		Message:  "provider request failed",
		Cause:    err,
	}

	switch {
	case errors.Is(err, context.Canceled):
		out.Transient = false
	case KindOf(err) == KindTimeout:
		out.Kind = KindTimeout
		out.Message = "provider request timed out"
		out.Transient = true
	default:
		out.Transient = true
	}

	return out
}

// 529 is Anthropic's "overloaded" status.
func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if msg := errorMessageFromBody(body); msg != "" {
		return fmt.Sprintf("%s: %s", base, msg)
	}
	return base
}

// MaxRetryAfter caps any server-provided Retry-After delay.
const MaxRetryAfter = 5 * time.Minute

// parseRetryAfter accepts delta-seconds (fractional allowed) or an HTTP date.
// Values above MaxRetryAfter are clamped; non-finite values are ignored.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds <= 0 {
			return 0
		}
		if seconds >= MaxRetryAfter.Seconds() {
			return MaxRetryAfter
		}
		return time.Duration(seconds * float64(time.Second))
	}

	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return min(d, MaxRetryAfter)
		}
	}

	return 0
}
