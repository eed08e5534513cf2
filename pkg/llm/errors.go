package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
)

// Error represents a structured LLM error with classification.
type Error struct {
	Kind       apperrors.Kind // Drives retry and propagation policy
	Message    string         // Human-readable message
	Cause      error          // Underlying error
	StatusCode int            // HTTP status code if applicable
	Model      string         // Model name if known
	Endpoint   string         // Endpoint URL if known
}

// Error implements the error interface. Only the endpoint host is printed.
func (e *Error) Error() string {
	var parts []string
	parts = append(parts, string(e.Kind))

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("HTTP %d", e.StatusCode))
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if host := endpointHost(e.Endpoint); host != "" {
		parts = append(parts, fmt.Sprintf("endpoint=%s", host))
	}

	parts = append(parts, e.Message)

	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", strings.Join(parts, " "), e.Cause)
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable implements the retry.RetryableError interface.
func (e *Error) IsRetryable() bool {
	return e.Kind.Retryable()
}

// ErrorKind implements apperrors.KindedError.
func (e *Error) ErrorKind() apperrors.Kind {
	return e.Kind
}

// NewError creates a new structured LLM error.
func NewError(kind apperrors.Kind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

func endpointHost(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Host
}

// contentPolicyCodes are error codes/types the service uses when it refuses content.
var contentPolicyCodes = []string{"content_policy_violation", "content_filter", "moderation_blocked"}

func isContentPolicy(values ...string) bool {
	for _, v := range values {
		lower := strings.ToLower(v)
		for _, code := range contentPolicyCodes {
			if strings.Contains(lower, code) {
				return true
			}
		}
	}
	return false
}

// kindForStatus maps an HTTP status code to an error kind.
func kindForStatus(status int) apperrors.Kind {
	switch {
	case status == 401:
		return apperrors.KindAuth
	case status == 429:
		return apperrors.KindRateLimited
	case status >= 500:
		return apperrors.KindTransient
	default:
		return apperrors.KindFatal
	}
}

// ClassifyError categorizes an error and returns a structured Error.
// Structured API errors are classified by status and error body; anything
// else falls back to inspecting the error chain and message.
func ClassifyError(err error) *Error {
	if err == nil {
		return nil
	}

	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := fmt.Sprint(apiErr.Code)
		if isContentPolicy(code, apiErr.Type, apiErr.Message) ||
			(apiErr.InnerError != nil && isContentPolicy(apiErr.InnerError.Code)) {
			e := NewError(apperrors.KindContentFiltered, "request rejected by content policy", err)
			e.StatusCode = apiErr.HTTPStatusCode
			return e
		}
		e := NewError(kindForStatus(apiErr.HTTPStatusCode), apiErr.Message, err)
		e.StatusCode = apiErr.HTTPStatusCode
		return e
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if isContentPolicy(string(reqErr.Body)) {
			e := NewError(apperrors.KindContentFiltered, "request rejected by content policy", err)
			e.StatusCode = reqErr.HTTPStatusCode
			return e
		}
		e := NewError(kindForStatus(reqErr.HTTPStatusCode), "request failed", err)
		e.StatusCode = reqErr.HTTPStatusCode
		return e
	}

	if errors.Is(err, context.Canceled) {
		return NewError(apperrors.KindCancelled, "request cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(apperrors.KindTransient, "request timeout", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewError(apperrors.KindTransient, "network error", err)
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "broken pipe"),
		strings.Contains(lower, "unexpected eof"):
		return NewError(apperrors.KindTransient, "connection failed", err)
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many requests"):
		return NewError(apperrors.KindRateLimited, "rate limited", err)
	case isContentPolicy(lower):
		return NewError(apperrors.KindContentFiltered, "request rejected by content policy", err)
	}

	return NewError(apperrors.KindFatal, "llm error", err)
}
