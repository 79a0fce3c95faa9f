package models

import "time"

// ==================== Provider Descriptors ====================

// Capability identifies an operation class a provider supports
type Capability string

const (
	CapabilitySearch   Capability = "search"
	CapabilityControl  Capability = "control"
	CapabilityDiscover Capability = "discover"
)

// Descriptor describes a registered provider. Owned by the registry;
// only Enabled changes after registration.
type Descriptor struct {
	Name               string       `json:"name"`
	Capabilities       []Capability `json:"capabilities"`
	Enabled            bool         `json:"enabled"`
	RequiresAuth       bool         `json:"requires_auth"`
	RateLimitPerMinute int          `json:"rate_limit_per_minute,omitempty"`
}

// HasCapability reports whether the descriptor declares the capability
func (d Descriptor) HasCapability(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// ==================== Dispatch Request / Result ====================

// DispatchRequest is one fan-out request. Immutable once built.
type DispatchRequest struct {
	Query                 string   `json:"query"`
	TargetProviders       []string `json:"target_providers,omitempty"` // empty = all enabled
	Target                string   `json:"target,omitempty"`           // sub-target within a provider (model id, service)
	UserID                string   `json:"user_id,omitempty"`
	TimeoutMs             int      `json:"timeout_ms,omitempty"`
	MaxResultsPerProvider int      `json:"max_results_per_provider,omitempty"`
}

// OutcomeStatus classifies the result of one provider's slot in a dispatch
type OutcomeStatus string

const (
	StatusOk            OutcomeStatus = "ok"
	StatusTimedOut      OutcomeStatus = "timed_out"
	StatusAuthRequired  OutcomeStatus = "auth_required"
	StatusRateLimited   OutcomeStatus = "rate_limited"
	StatusProviderError OutcomeStatus = "provider_error"
	StatusFallbackUsed  OutcomeStatus = "fallback_used"
)

// Success reports whether the status counts as a successful request
func (s OutcomeStatus) Success() bool {
	return s == StatusOk || s == StatusFallbackUsed
}

// FallbackRef identifies the alternate that served a fallback_used outcome
type FallbackRef struct {
	Provider string `json:"provider"`
	Target   string `json:"target,omitempty"`
}

// ProviderOutcome is the per-provider result of one dispatch attempt.
// Every attempted provider produces exactly one, including providers
// skipped for a missing token.
type ProviderOutcome struct {
	Provider  string             `json:"provider"`
	Status    OutcomeStatus      `json:"status"`
	Results   []NormalizedResult `json:"results,omitempty"`
	LatencyMs float64            `json:"latency_ms"`
	Error     string             `json:"error,omitempty"`
	AuthURL   string             `json:"auth_url,omitempty"`
	ServedBy  *FallbackRef       `json:"served_by,omitempty"`
	Cost      float64            `json:"cost,omitempty"`
	Attempts  int                `json:"attempts,omitempty"`
}

// DispatchResult is the combined envelope returned from one dispatch
type DispatchResult struct {
	DispatchID     string             `json:"dispatch_id"`
	Outcomes       []ProviderOutcome  `json:"outcomes"`
	MergedResults  []NormalizedResult `json:"merged_results"`
	TotalLatencyMs float64            `json:"total_latency_ms"`
}

// ==================== Normalized Results ====================

// NormalizedResult is a provider result converted to the common schema
// for merging and ranking. ID is unique within one provider's result set;
// cross-provider identity is the (provider, id) pair.
type NormalizedResult struct {
	ID        string                 `json:"id"`
	Title     string                 `json:"title"`
	Content   string                 `json:"content,omitempty"`
	Source    string                 `json:"source"`
	Type      string                 `json:"type,omitempty"`
	URL       string                 `json:"url,omitempty"`
	Score     float64                `json:"score,omitempty"` // 0 = unscored
	CreatedAt *time.Time             `json:"created_at,omitempty"`
	UpdatedAt *time.Time             `json:"updated_at,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ==================== Authentication ====================

// AuthStatus classifies the result of a provider authenticate call
type AuthStatus string

const (
	AuthReady            AuthStatus = "ready"
	AuthRedirectRequired AuthStatus = "redirect_required"
	AuthFailed           AuthStatus = "failed"
)

// AuthResult is returned from a provider authenticate call
type AuthResult struct {
	Status  AuthStatus `json:"status"`
	AuthURL string     `json:"auth_url,omitempty"`
	Message string     `json:"message,omitempty"`
}

// CachedToken is a per-user, per-provider credential
type CachedToken struct {
	UserID     string    `json:"user_id"`
	Provider   string    `json:"provider"`
	Value      string    `json:"value"`
	ObtainedAt time.Time `json:"obtained_at"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"` // zero = no expiry
}

// Expired reports whether the token is past its expiry at the given time
func (t CachedToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !t.ExpiresAt.After(now)
}

// ==================== Control / Discovery ====================

// ControlDispatch is a command-style request routed to a single provider
type ControlDispatch struct {
	Provider  string                 `json:"provider,omitempty"` // empty = resolve via target index
	TargetID  string                 `json:"target_id"`
	Command   string                 `json:"command"`
	Params    map[string]interface{} `json:"params,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	TimeoutMs int                    `json:"timeout_ms,omitempty"`
}

// CommandResult is the result of a control command against one target
type CommandResult struct {
	Success  bool                   `json:"success"`
	NewState map[string]interface{} `json:"new_state,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// Target is a controllable or discoverable endpoint owned by a provider
// (a device, a channel, a workspace)
type Target struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Provider string                 `json:"provider"`
	Kind     string                 `json:"kind,omitempty"`
	State    map[string]interface{} `json:"state,omitempty"`
}

// ==================== Status / Health ====================

// ProviderStatus is the connectivity state reported by a provider
type ProviderStatus struct {
	Connected bool   `json:"connected"`
	LastError string `json:"last_error,omitempty"`
}

// HealthState classifies a provider's derived health
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// ==================== Usage Accounting ====================

// UsageCounters are the raw per-provider counters. Monotonic except for
// an explicit operator reset.
type UsageCounters struct {
	Requests       uint64  `json:"requests"`
	Successes      uint64  `json:"successes"`
	Failures       uint64  `json:"failures"`
	TotalLatencyMs float64 `json:"total_latency_ms"`
	TotalCost      float64 `json:"total_cost"`
}

// UsageSnapshot is one provider's counters plus derived metrics
type UsageSnapshot struct {
	UsageCounters
	AverageLatencyMs float64   `json:"average_latency_ms"`
	ErrorRate        float64   `json:"error_rate"`
	LastSeen         time.Time `json:"last_seen,omitempty"`
}

// ==================== Error Envelope ====================

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
