package llm

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies a provider failure independent of HTTP status.
type ErrorKind string

const (
	ErrInvalidRequest ErrorKind = "invalid_request"
	ErrAuthentication ErrorKind = "authentication"
	ErrAccessDenied   ErrorKind = "access_denied"
	ErrNotFound       ErrorKind = "not_found"
	ErrTimeout        ErrorKind = "timeout"
	ErrContextLength  ErrorKind = "context_length"
	ErrContentFilter  ErrorKind = "content_filter"
	ErrQuota          ErrorKind = "quota"
	ErrRateLimit      ErrorKind = "rate_limit"
	ErrServer         ErrorKind = "server"
	ErrUnknown        ErrorKind = "unknown"
)

// APIError is the unified failure shape returned by provider adapters.
type APIError struct {
	ProviderName string
	Kind         ErrorKind
	Status       int
	Message      string
	RetryHint    *time.Duration
}

func (e *APIError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("%s %s (status=%d): %s", e.ProviderName, e.Kind, e.Status, msg)
}

func (e *APIError) Provider() string   { return e.ProviderName }
func (e *APIError) StatusCode() int    { return e.Status }

// Retryable reports whether the failure is transient. Unknown statuses are
// treated as retryable.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case ErrTimeout, ErrRateLimit, ErrServer, ErrUnknown:
		return true
	}
	return false
}

func (e *APIError) RetryAfter() *time.Duration { return e.RetryHint }

// ConfigurationError reports a caller mistake: empty model, no messages,
// missing API key. Never retryable.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + strings.TrimSpace(e.Message)
}

// FromHTTPStatus maps a non-2xx provider response onto an APIError. 400 and
// 422 are refined by message hints since providers tunnel context-length and
// content-filter failures through them.
func FromHTTPStatus(provider string, status int, message string, retryAfter *time.Duration) *APIError {
	kind := kindForStatus(status)
	if status == 400 || status == 422 {
		kind = refineKind(message, kind)
	}
	return &APIError{
		ProviderName: strings.TrimSpace(provider),
		Kind:         kind,
		Status:       status,
		Message:      message,
		RetryHint:    retryAfter,
	}
}

func kindForStatus(status int) ErrorKind {
	switch status {
	case 400, 422:
		return ErrInvalidRequest
	case 401:
		return ErrAuthentication
	case 403:
		return ErrAccessDenied
	case 404:
		return ErrNotFound
	case 408:
		return ErrTimeout
	case 413:
		return ErrContextLength
	case 429:
		return ErrRateLimit
	case 500, 502, 503, 504:
		return ErrServer
	default:
		return ErrUnknown
	}
}

func refineKind(message string, fallback ErrorKind) ErrorKind {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "content filter"), strings.Contains(lower, "safety"):
		return ErrContentFilter
	case strings.Contains(lower, "context length"), strings.Contains(lower, "too many tokens"):
		return ErrContextLength
	case strings.Contains(lower, "quota"), strings.Contains(lower, "billing"):
		return ErrQuota
	}
	return fallback
}

// ParseRetryAfter parses a Retry-After header value: integer seconds or an
// HTTP-date. Returns nil when the value is absent or malformed.
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}
