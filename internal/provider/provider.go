package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/young1lin/searchmux/internal/models"
)

// Provider is the common contract every platform integration implements.
// Operation-specific behavior lives in the optional Searcher, Controller
// and Discoverer interfaces; the registry verifies at registration time
// that every declared capability has the matching interface.
type Provider interface {
	Name() string
	Capabilities() []models.Capability
	Authenticate(ctx context.Context, userID string) (models.AuthResult, error)
	Status(ctx context.Context) models.ProviderStatus
}

// SearchRequest carries one search call into a provider
type SearchRequest struct {
	Query      string
	Token      string // per-user token, empty when the provider runs on a static key
	Target     string // sub-target (model id, service name), provider-interpreted
	MaxResults int
}

// Searcher is implemented by providers with the search capability
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) ([]models.NormalizedResult, error)
}

// ControlRequest carries one command call into a provider
type ControlRequest struct {
	TargetID string
	Command  string
	Token    string
	Params   map[string]interface{}
}

// Controller is implemented by providers with the control capability
type Controller interface {
	Control(ctx context.Context, req ControlRequest) (models.CommandResult, error)
}

// Discoverer is implemented by providers with the discover capability
type Discoverer interface {
	Discover(ctx context.Context, userID, token string) ([]models.Target, error)
}

// ==================== Typed errors ====================
//
// Provider failures are classified here so the orchestrator branches on
// data, not on string matching. Anything not wrapped in one of these
// types is treated as a generic provider error.

// AuthError signals an invalid or expired credential. The orchestrator
// invalidates the cached token and surfaces auth_required.
type AuthError struct {
	Provider string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %s", e.Provider, e.Message)
}

// RateLimitError signals the provider refused the call for quota reasons.
// RetryAfter is zero when the provider gave no hint.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited", e.Provider)
}

// UpstreamError signals a 5xx-class failure in the provider's own
// upstream. Eligible for fallback.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: upstream failure (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// IsAuthError reports whether err is (or wraps) an AuthError
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsRateLimitError returns the wrapped RateLimitError, if any
func IsRateLimitError(err error) (*RateLimitError, bool) {
	var re *RateLimitError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// IsUpstreamError reports whether err is (or wraps) an UpstreamError
func IsUpstreamError(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// ClassifyHTTPStatus converts a non-2xx wire status into the matching
// typed error. Returns nil for success statuses.
func ClassifyHTTPStatus(providerName string, status int, header http.Header, body string) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Provider: providerName, Message: body}
	case status == http.StatusTooManyRequests:
		return &RateLimitError{Provider: providerName, RetryAfter: parseRetryAfter(header)}
	case status >= 500:
		return &UpstreamError{Provider: providerName, StatusCode: status, Message: body}
	default:
		return fmt.Errorf("%s: unexpected status %d: %s", providerName, status, body)
	}
}

// parseRetryAfter reads a Retry-After header as delay seconds.
// HTTP-date form is ignored; the backoff policy covers that case.
func parseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	raw := header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
