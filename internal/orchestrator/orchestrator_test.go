package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/young1lin/searchmux/internal/fallback"
	"github.com/young1lin/searchmux/internal/models"
	"github.com/young1lin/searchmux/internal/provider"
	"github.com/young1lin/searchmux/internal/registry"
	"github.com/young1lin/searchmux/internal/token"
	"github.com/young1lin/searchmux/internal/usage"
)

type fixture struct {
	registry *registry.Registry
	tokens   *token.MemoryStore
	tracker  *usage.Tracker
	orch     *Orchestrator
}

func newFixture(t *testing.T, chains map[string][]string, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		registry: registry.New(),
		tokens:   token.NewMemoryStore(),
		tracker:  usage.NewTracker(),
	}
	f.orch = New(f.registry, f.tokens, f.tracker, fallback.New(chains), opts...)
	return f
}

func (f *fixture) register(t *testing.T, p provider.Provider, opts registry.Options) {
	t.Helper()
	if err := f.registry.Register(p, opts); err != nil {
		t.Fatalf("Failed to register %s: %v", p.Name(), err)
	}
}

func TestDispatch_OutcomePerProvider(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, provider.NewMockProvider("alpha", provider.FixedResult("alpha", "a1", 0.9)), registry.Options{})
	f.register(t, &provider.MockProvider{ProviderName: "beta", FailWith: errors.New("boom")}, registry.Options{})
	f.register(t, provider.NewMockProvider("gamma", provider.FixedResult("gamma", "g1", 0.5)), registry.Options{})

	result, err := f.orch.Dispatch(context.Background(), models.DispatchRequest{Query: "test"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if len(result.Outcomes) != 3 {
		t.Fatalf("Expected 3 outcomes, got %d", len(result.Outcomes))
	}

	// Outcome order follows registration order, not completion order.
	wantOrder := []string{"alpha", "beta", "gamma"}
	for i, want := range wantOrder {
		if result.Outcomes[i].Provider != want {
			t.Errorf("Outcome %d: expected provider %s, got %s", i, want, result.Outcomes[i].Provider)
		}
	}

	if result.Outcomes[1].Status != models.StatusProviderError {
		t.Errorf("Expected beta to be provider_error, got %s", result.Outcomes[1].Status)
	}
	if result.Outcomes[0].Status != models.StatusOk || result.Outcomes[2].Status != models.StatusOk {
		t.Errorf("Sibling outcomes affected by beta's failure: %s, %s",
			result.Outcomes[0].Status, result.Outcomes[2].Status)
	}
	if len(result.MergedResults) != 2 {
		t.Errorf("Expected 2 merged results, got %d", len(result.MergedResults))
	}
}

func TestDispatch_EmptyQuery(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, provider.NewMockProvider("alpha"), registry.Options{})

	_, err := f.orch.Dispatch(context.Background(), models.DispatchRequest{Query: ""})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Expected ErrInvalidRequest, got %v", err)
	}
}

func TestDispatch_NoProviders(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, provider.NewMockProvider("alpha"), registry.Options{})

	t.Run("unknown target set", func(t *testing.T) {
		_, err := f.orch.Dispatch(context.Background(), models.DispatchRequest{
			Query:           "test",
			TargetProviders: []string{"nonexistent"},
		})
		if !errors.Is(err, ErrNoProviders) {
			t.Fatalf("Expected ErrNoProviders, got %v", err)
		}
	})

	t.Run("all disabled", func(t *testing.T) {
		if err := f.registry.Disable("alpha"); err != nil {
			t.Fatalf("Disable failed: %v", err)
		}
		defer f.registry.Enable("alpha")

		_, err := f.orch.Dispatch(context.Background(), models.DispatchRequest{Query: "test"})
		if !errors.Is(err, ErrNoProviders) {
			t.Fatalf("Expected ErrNoProviders, got %v", err)
		}
	})
}

func TestDispatch_PanickingProvider(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, &provider.MockProvider{
		ProviderName: "wild",
		SearchFunc: func(ctx context.Context, req provider.SearchRequest) ([]models.NormalizedResult, error) {
			panic("oh no")
		},
	}, registry.Options{})
	f.register(t, provider.NewMockProvider("calm", provider.FixedResult("calm", "c1", 1.0)), registry.Options{})

	result, err := f.orch.Dispatch(context.Background(), models.DispatchRequest{Query: "test"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if result.Outcomes[0].Status != models.StatusProviderError {
		t.Errorf("Expected panicking provider to yield provider_error, got %s", result.Outcomes[0].Status)
	}
	if result.Outcomes[1].Status != models.StatusOk {
		t.Errorf("Sibling affected by panic: %s", result.Outcomes[1].Status)
	}
}

func TestDispatch_DeterministicOrdering(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, provider.NewMockProvider("one",
		provider.FixedResult("one", "r1", 0.3),
		provider.FixedResult("one", "r2", 0.9),
	), registry.Options{})
	f.register(t, provider.NewMockProvider("two",
		provider.FixedResult("two", "r3", 0.9),
		provider.FixedResult("two", "r4", 0.1),
	), registry.Options{})

	req := models.DispatchRequest{Query: "stable"}

	first, err := f.orch.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	second, err := f.orch.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if len(first.MergedResults) != len(second.MergedResults) {
		t.Fatalf("Result counts differ: %d vs %d", len(first.MergedResults), len(second.MergedResults))
	}
	for i := range first.MergedResults {
		a, b := first.MergedResults[i], second.MergedResults[i]
		if a.ID != b.ID || a.Source != b.Source {
			t.Errorf("Position %d differs across identical dispatches: (%s,%s) vs (%s,%s)",
				i, a.Source, a.ID, b.Source, b.ID)
		}
	}

	// Score 0.9 entries rank first, tie broken by insertion (outcome) order.
	if first.MergedResults[0].ID != "r2" || first.MergedResults[1].ID != "r3" {
		t.Errorf("Unexpected ranking: %s, %s", first.MergedResults[0].ID, first.MergedResults[1].ID)
	}
}

func TestDispatch_Timeout(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, &provider.MockProvider{ProviderName: "slow", Delay: 2 * time.Second}, registry.Options{})
	f.register(t, provider.NewMockProvider("fast", provider.FixedResult("fast", "f1", 1.0)), registry.Options{})

	start := time.Now()
	result, err := f.orch.Dispatch(context.Background(), models.DispatchRequest{
		Query:     "test",
		TimeoutMs: 100,
	})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result.Outcomes[0].Status != models.StatusTimedOut {
		t.Errorf("Expected slow provider to time out, got %s", result.Outcomes[0].Status)
	}
	if result.Outcomes[1].Status != models.StatusOk {
		t.Errorf("Fast provider affected by sibling timeout: %s", result.Outcomes[1].Status)
	}
	// The batch must not wait out the full 2s sleep.
	if elapsed > 1*time.Second {
		t.Errorf("Batch latency inflated by sleeping provider: %s", elapsed)
	}
}

func TestDispatch_AuthRequired(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, provider.NewMockProvider("slack",
		provider.FixedResult("slack", "s1", 0.9),
		provider.FixedResult("slack", "s2", 0.8),
		provider.FixedResult("slack", "s3", 0.7),
	), registry.Options{})
	notion := provider.NewMockProvider("notion", provider.FixedResult("notion", "n1", 0.9))
	notion.AuthResult = models.AuthResult{
		Status:  models.AuthRedirectRequired,
		AuthURL: "https://notion.example/oauth",
	}
	f.register(t, notion, registry.Options{RequiresAuth: true})

	f.tokens.Put(models.CachedToken{UserID: "u1", Provider: "slack", Value: "tok"})

	result, err := f.orch.Dispatch(context.Background(), models.DispatchRequest{
		Query:           "launch plan",
		TargetProviders: []string{"slack", "notion"},
		UserID:          "u1",
		TimeoutMs:       2000,
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if len(result.Outcomes) != 2 {
		t.Fatalf("Expected 2 outcomes, got %d", len(result.Outcomes))
	}
	if result.Outcomes[0].Provider != "slack" || result.Outcomes[0].Status != models.StatusOk {
		t.Errorf("Expected slack ok, got %s %s", result.Outcomes[0].Provider, result.Outcomes[0].Status)
	}
	if result.Outcomes[1].Provider != "notion" || result.Outcomes[1].Status != models.StatusAuthRequired {
		t.Errorf("Expected notion auth_required, got %s %s", result.Outcomes[1].Provider, result.Outcomes[1].Status)
	}
	if result.Outcomes[1].AuthURL == "" {
		t.Error("Expected auth_required outcome to carry the auth URL")
	}
	if len(result.MergedResults) != 3 {
		t.Errorf("Expected 3 merged results, got %d", len(result.MergedResults))
	}
	if notion.SearchCalls() != 0 {
		t.Errorf("Provider without token should not be called, got %d calls", notion.SearchCalls())
	}
}

func TestDispatch_AuthErrorInvalidatesToken(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, &provider.MockProvider{
		ProviderName: "github",
		FailWith:     &provider.AuthError{Provider: "github", Message: "token revoked"},
	}, registry.Options{RequiresAuth: true})

	f.tokens.Put(models.CachedToken{UserID: "u1", Provider: "github", Value: "stale"})

	result, err := f.orch.Dispatch(context.Background(), models.DispatchRequest{Query: "test", UserID: "u1"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if result.Outcomes[0].Status != models.StatusAuthRequired {
		t.Fatalf("Expected auth_required, got %s", result.Outcomes[0].Status)
	}
	if _, found := f.tokens.Get("u1", "github"); found {
		t.Error("Expected stale token to be invalidated")
	}
}

func TestDispatch_SlowAuthDoesNotDelaySiblings(t *testing.T) {
	f := newFixture(t, nil)

	gated := &provider.MockProvider{ProviderName: "gated"}
	gated.AuthenticateFunc = func(ctx context.Context, userID string) (models.AuthResult, error) {
		time.Sleep(300 * time.Millisecond)
		return models.AuthResult{
			Status:  models.AuthRedirectRequired,
			AuthURL: "https://gated.example/oauth",
		}, nil
	}
	f.register(t, gated, registry.Options{RequiresAuth: true})

	var mu sync.Mutex
	var siblingStarted time.Time
	sibling := &provider.MockProvider{ProviderName: "sibling"}
	sibling.SearchFunc = func(ctx context.Context, req provider.SearchRequest) ([]models.NormalizedResult, error) {
		mu.Lock()
		siblingStarted = time.Now()
		mu.Unlock()
		return []models.NormalizedResult{provider.FixedResult("sibling", "s1", 1.0)}, nil
	}
	f.register(t, sibling, registry.Options{})

	start := time.Now()
	result, err := f.orch.Dispatch(context.Background(), models.DispatchRequest{Query: "test", UserID: "u1"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if result.Outcomes[0].Status != models.StatusAuthRequired {
		t.Errorf("Expected gated auth_required, got %s", result.Outcomes[0].Status)
	}
	if result.Outcomes[0].AuthURL == "" {
		t.Error("Expected auth_required outcome to carry the auth URL")
	}
	if result.Outcomes[1].Status != models.StatusOk {
		t.Errorf("Expected sibling ok, got %s", result.Outcomes[1].Status)
	}

	// The sibling's call must launch while the slow auth probe is still
	// sleeping, not after it.
	mu.Lock()
	launchLag := siblingStarted.Sub(start)
	mu.Unlock()
	if launchLag > 150*time.Millisecond {
		t.Errorf("Sibling slot delayed by auth probe: launched after %s", launchLag)
	}
}

func TestDispatch_RateLimitRetry(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	t.Run("succeeds on retry", func(t *testing.T) {
		calls := 0
		var mu sync.Mutex
		f := newFixture(t, nil, WithRetryPolicy(policy))
		f.register(t, &provider.MockProvider{
			ProviderName: "bursty",
			SearchFunc: func(ctx context.Context, req provider.SearchRequest) ([]models.NormalizedResult, error) {
				mu.Lock()
				calls++
				n := calls
				mu.Unlock()
				if n < 2 {
					return nil, &provider.RateLimitError{Provider: "bursty", RetryAfter: time.Millisecond}
				}
				return []models.NormalizedResult{provider.FixedResult("bursty", "b1", 1.0)}, nil
			},
		}, registry.Options{})

		result, err := f.orch.Dispatch(context.Background(), models.DispatchRequest{Query: "test"})
		if err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
		if result.Outcomes[0].Status != models.StatusOk {
			t.Errorf("Expected ok after retry, got %s", result.Outcomes[0].Status)
		}
		if result.Outcomes[0].Attempts != 2 {
			t.Errorf("Expected 2 attempts, got %d", result.Outcomes[0].Attempts)
		}
	})

	t.Run("exhausts retries", func(t *testing.T) {
		f := newFixture(t, nil, WithRetryPolicy(policy))
		f.register(t, &provider.MockProvider{
			ProviderName: "choked",
			FailWith:     &provider.RateLimitError{Provider: "choked"},
		}, registry.Options{})

		result, err := f.orch.Dispatch(context.Background(), models.DispatchRequest{Query: "test"})
		if err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
		if result.Outcomes[0].Status != models.StatusRateLimited {
			t.Errorf("Expected rate_limited, got %s", result.Outcomes[0].Status)
		}
		if result.Outcomes[0].Attempts != policy.MaxAttempts {
			t.Errorf("Expected %d attempts, got %d", policy.MaxAttempts, result.Outcomes[0].Attempts)
		}
	})
}

func TestDispatch_Fallback(t *testing.T) {
	chains := map[string][]string{
		"alpha": {"beta", "gamma"},
	}

	t.Run("first alternate serves", func(t *testing.T) {
		f := newFixture(t, chains)
		f.register(t, &provider.MockProvider{
			ProviderName: "alpha",
			FailWith:     &provider.UpstreamError{Provider: "alpha", StatusCode: 502, Message: "bad gateway"},
		}, registry.Options{})
		f.register(t, provider.NewMockProvider("beta", provider.FixedResult("beta", "b1", 1.0)), registry.Options{})
		f.register(t, provider.NewMockProvider("gamma", provider.FixedResult("gamma", "g1", 1.0)), registry.Options{})

		result, err := f.orch.Dispatch(context.Background(), models.DispatchRequest{
			Query:           "test",
			TargetProviders: []string{"alpha"},
		})
		if err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}

		outcome := result.Outcomes[0]
		if outcome.Status != models.StatusFallbackUsed {
			t.Fatalf("Expected fallback_used, got %s (%s)", outcome.Status, outcome.Error)
		}
		// Original identity preserved for caller bookkeeping.
		if outcome.Provider != "alpha" {
			t.Errorf("Expected provider alpha, got %s", outcome.Provider)
		}
		if outcome.ServedBy == nil || outcome.ServedBy.Provider != "beta" {
			t.Errorf("Expected served_by beta, got %+v", outcome.ServedBy)
		}
		if len(outcome.Results) != 1 || outcome.Results[0].ID != "b1" {
			t.Errorf("Expected beta's results attached, got %+v", outcome.Results)
		}
	})

	t.Run("timed out primary falls back", func(t *testing.T) {
		f := newFixture(t, chains)
		f.register(t, &provider.MockProvider{ProviderName: "alpha", Delay: 2 * time.Second}, registry.Options{})
		f.register(t, provider.NewMockProvider("beta", provider.FixedResult("beta", "b1", 1.0)), registry.Options{})

		result, err := f.orch.Dispatch(context.Background(), models.DispatchRequest{
			Query:           "test",
			TargetProviders: []string{"alpha"},
			TimeoutMs:       100,
		})
		if err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}

		outcome := result.Outcomes[0]
		if outcome.Status != models.StatusFallbackUsed {
			t.Fatalf("Expected fallback_used after timeout, got %s (%s)", outcome.Status, outcome.Error)
		}
		if outcome.Provider != "alpha" {
			t.Errorf("Expected provider alpha, got %s", outcome.Provider)
		}
		if outcome.ServedBy == nil || outcome.ServedBy.Provider != "beta" {
			t.Errorf("Expected served_by beta, got %+v", outcome.ServedBy)
		}
		if len(outcome.Results) != 1 || outcome.Results[0].ID != "b1" {
			t.Errorf("Expected beta's results attached, got %+v", outcome.Results)
		}
	})

	t.Run("second alternate serves when first fails", func(t *testing.T) {
		f := newFixture(t, chains)
		f.register(t, &provider.MockProvider{
			ProviderName: "alpha",
			FailWith:     &provider.UpstreamError{Provider: "alpha", StatusCode: 503},
		}, registry.Options{})
		f.register(t, &provider.MockProvider{ProviderName: "beta", FailWith: errors.New("also down")}, registry.Options{})
		f.register(t, provider.NewMockProvider("gamma", provider.FixedResult("gamma", "g1", 1.0)), registry.Options{})

		result, err := f.orch.Dispatch(context.Background(), models.DispatchRequest{
			Query:           "test",
			TargetProviders: []string{"alpha"},
		})
		if err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}

		outcome := result.Outcomes[0]
		if outcome.Status != models.StatusFallbackUsed {
			t.Fatalf("Expected fallback_used, got %s", outcome.Status)
		}
		if outcome.ServedBy == nil || outcome.ServedBy.Provider != "gamma" {
			t.Errorf("Expected served_by gamma, got %+v", outcome.ServedBy)
		}
	})

	t.Run("exhausted alternates keep original failure", func(t *testing.T) {
		f := newFixture(t, chains)
		f.register(t, &provider.MockProvider{
			ProviderName: "alpha",
			FailWith:     &provider.UpstreamError{Provider: "alpha", StatusCode: 502},
		}, registry.Options{})
		f.register(t, &provider.MockProvider{ProviderName: "beta", FailWith: errors.New("down")}, registry.Options{})
		f.register(t, &provider.MockProvider{ProviderName: "gamma", FailWith: errors.New("down")}, registry.Options{})

		result, err := f.orch.Dispatch(context.Background(), models.DispatchRequest{
			Query:           "test",
			TargetProviders: []string{"alpha"},
		})
		if err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
		if result.Outcomes[0].Status != models.StatusProviderError {
			t.Errorf("Expected original provider_error after exhausted fallback, got %s", result.Outcomes[0].Status)
		}
	})

	t.Run("no chain configured", func(t *testing.T) {
		f := newFixture(t, nil)
		f.register(t, &provider.MockProvider{
			ProviderName: "alpha",
			FailWith:     &provider.UpstreamError{Provider: "alpha", StatusCode: 502},
		}, registry.Options{})

		result, err := f.orch.Dispatch(context.Background(), models.DispatchRequest{Query: "test"})
		if err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
		if result.Outcomes[0].Status != models.StatusProviderError {
			t.Errorf("Expected provider_error, got %s", result.Outcomes[0].Status)
		}
	})
}

func TestDispatch_UsageAccounting(t *testing.T) {
	f := newFixture(t, nil)
	flaky := &provider.MockProvider{ProviderName: "flaky"}
	calls := 0
	var mu sync.Mutex
	flaky.SearchFunc = func(ctx context.Context, req provider.SearchRequest) ([]models.NormalizedResult, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n%2 == 0 {
			return nil, fmt.Errorf("failure %d", n)
		}
		return []models.NormalizedResult{provider.FixedResult("flaky", "f1", 1.0)}, nil
	}
	f.register(t, flaky, registry.Options{})

	// 5 dispatches: calls 1,3,5 succeed, 2,4 fail.
	for i := 0; i < 5; i++ {
		if _, err := f.orch.Dispatch(context.Background(), models.DispatchRequest{Query: "test"}); err != nil {
			t.Fatalf("Dispatch %d failed: %v", i, err)
		}
	}

	snap := f.orch.UsageSnapshot()["flaky"]
	if snap.Requests != 5 {
		t.Errorf("Expected 5 requests, got %d", snap.Requests)
	}
	if snap.Successes != 3 {
		t.Errorf("Expected 3 successes, got %d", snap.Successes)
	}
	if snap.Failures != 2 {
		t.Errorf("Expected 2 failures, got %d", snap.Failures)
	}
}

func TestDispatch_DeduplicationKeepsCrossProviderIDs(t *testing.T) {
	f := newFixture(t, nil)
	// Same logical id from two providers must NOT collapse.
	f.register(t, provider.NewMockProvider("docs", provider.FixedResult("docs", "shared-id", 0.9)), registry.Options{})
	f.register(t, provider.NewMockProvider("wiki", provider.FixedResult("wiki", "shared-id", 0.8)), registry.Options{})

	result, err := f.orch.Dispatch(context.Background(), models.DispatchRequest{Query: "test"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if len(result.MergedResults) != 2 {
		t.Fatalf("Expected both same-id results to survive, got %d", len(result.MergedResults))
	}
}

func TestDispatch_DisabledProviderExcluded(t *testing.T) {
	f := newFixture(t, nil)
	alpha := provider.NewMockProvider("alpha", provider.FixedResult("alpha", "a1", 1.0))
	f.register(t, alpha, registry.Options{})
	f.register(t, provider.NewMockProvider("beta", provider.FixedResult("beta", "b1", 1.0)), registry.Options{})

	if err := f.registry.Disable("alpha"); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}

	result, err := f.orch.Dispatch(context.Background(), models.DispatchRequest{Query: "test"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(result.Outcomes) != 1 || result.Outcomes[0].Provider != "beta" {
		t.Fatalf("Expected only beta, got %+v", result.Outcomes)
	}

	// Re-enable restores the provider without touching its instance.
	if err := f.registry.Enable("alpha"); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	result, err = f.orch.Dispatch(context.Background(), models.DispatchRequest{Query: "test"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(result.Outcomes) != 2 {
		t.Fatalf("Expected both providers after re-enable, got %d outcomes", len(result.Outcomes))
	}
}

func TestControl(t *testing.T) {
	f := newFixture(t, nil)

	hub := &provider.MockProvider{
		ProviderName: "hub",
		Caps: []models.Capability{
			models.CapabilitySearch,
			models.CapabilityControl,
			models.CapabilityDiscover,
		},
		Targets: []models.Target{
			{ID: "lamp-1", Name: "Desk Lamp", Provider: "hub", Kind: "light"},
		},
	}
	var gotToken string
	hub.ControlFunc = func(ctx context.Context, req provider.ControlRequest) (models.CommandResult, error) {
		gotToken = req.Token
		return models.CommandResult{
			Success:  true,
			NewState: map[string]interface{}{"power": req.Command},
		}, nil
	}
	f.register(t, hub, registry.Options{RequiresAuth: true})

	f.tokens.Put(models.CachedToken{UserID: "u1", Provider: "hub", Value: "u1-token"})
	f.tokens.Put(models.CachedToken{UserID: "u2", Provider: "hub", Value: "u2-token"})

	t.Run("explicit provider", func(t *testing.T) {
		outcome, err := f.orch.Control(context.Background(), models.ControlDispatch{
			Provider: "hub",
			TargetID: "lamp-1",
			Command:  "on",
			UserID:   "u1",
		})
		if err != nil {
			t.Fatalf("Control failed: %v", err)
		}
		if outcome.Status != models.StatusOk {
			t.Fatalf("Expected ok, got %s (%s)", outcome.Status, outcome.Error)
		}
		// Strictly the requesting user's token, never another user's.
		if gotToken != "u1-token" {
			t.Errorf("Expected u1-token, got %s", gotToken)
		}
	})

	t.Run("routed via target index", func(t *testing.T) {
		if _, err := f.orch.Discover(context.Background(), "u2"); err != nil {
			t.Fatalf("Discover failed: %v", err)
		}

		outcome, err := f.orch.Control(context.Background(), models.ControlDispatch{
			TargetID: "lamp-1",
			Command:  "off",
			UserID:   "u2",
		})
		if err != nil {
			t.Fatalf("Control failed: %v", err)
		}
		if outcome.Status != models.StatusOk {
			t.Fatalf("Expected ok, got %s", outcome.Status)
		}
		if gotToken != "u2-token" {
			t.Errorf("Expected u2-token, got %s", gotToken)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		outcome, err := f.orch.Control(context.Background(), models.ControlDispatch{
			Provider: "hub",
			TargetID: "lamp-1",
			Command:  "on",
			UserID:   "stranger",
		})
		if err != nil {
			t.Fatalf("Control failed: %v", err)
		}
		if outcome.Status != models.StatusAuthRequired {
			t.Errorf("Expected auth_required, got %s", outcome.Status)
		}
	})

	t.Run("unknown target", func(t *testing.T) {
		_, err := f.orch.Control(context.Background(), models.ControlDispatch{
			TargetID: "ghost",
			Command:  "on",
			UserID:   "u1",
		})
		if !errors.Is(err, ErrNoProviders) {
			t.Fatalf("Expected ErrNoProviders, got %v", err)
		}
	})

	t.Run("reports call latency", func(t *testing.T) {
		f2 := newFixture(t, nil)
		slow := &provider.MockProvider{
			ProviderName: "slowhub",
			Caps:         []models.Capability{models.CapabilitySearch, models.CapabilityControl},
		}
		slow.ControlFunc = func(ctx context.Context, req provider.ControlRequest) (models.CommandResult, error) {
			time.Sleep(50 * time.Millisecond)
			return models.CommandResult{Success: true}, nil
		}
		f2.register(t, slow, registry.Options{})

		outcome, err := f2.orch.Control(context.Background(), models.ControlDispatch{
			Provider: "slowhub",
			TargetID: "lamp-9",
			Command:  "on",
			UserID:   "u1",
		})
		if err != nil {
			t.Fatalf("Control failed: %v", err)
		}
		if outcome.Status != models.StatusOk {
			t.Fatalf("Expected ok, got %s (%s)", outcome.Status, outcome.Error)
		}
		// The caller-visible outcome carries the same latency the tracker
		// records, not a zero left over from settling a copy.
		if outcome.LatencyMs < 50 {
			t.Errorf("Expected outcome latency to cover the 50ms call, got %.3fms", outcome.LatencyMs)
		}
	})
}

func TestDiscover(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, &provider.MockProvider{
		ProviderName: "hub1",
		Caps:         []models.Capability{models.CapabilitySearch, models.CapabilityControl, models.CapabilityDiscover},
		Targets: []models.Target{
			{ID: "d1", Name: "Device One", Provider: "hub1", Kind: "light"},
			{ID: "d2", Name: "Device Two", Provider: "hub1", Kind: "switch"},
		},
	}, registry.Options{})
	f.register(t, &provider.MockProvider{
		ProviderName: "hub2",
		Caps:         []models.Capability{models.CapabilitySearch, models.CapabilityControl, models.CapabilityDiscover},
		FailWith:     errors.New("hub offline"),
	}, registry.Options{})
	// Search-only providers are not part of a discovery sweep.
	f.register(t, provider.NewMockProvider("searchonly"), registry.Options{})

	result, err := f.orch.Discover(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	if len(result.Outcomes) != 2 {
		t.Fatalf("Expected 2 outcomes, got %d", len(result.Outcomes))
	}
	if result.Outcomes[0].Status != models.StatusOk {
		t.Errorf("Expected hub1 ok, got %s", result.Outcomes[0].Status)
	}
	if result.Outcomes[1].Status != models.StatusProviderError {
		t.Errorf("Expected hub2 provider_error, got %s", result.Outcomes[1].Status)
	}
	if len(result.MergedResults) != 2 {
		t.Errorf("Expected 2 discovered targets, got %d", len(result.MergedResults))
	}

	targets := f.orch.Targets()
	if len(targets) != 2 {
		t.Errorf("Expected target index to hold 2 targets, got %d", len(targets))
	}
}

func TestHealthSnapshot_CoversIdleProviders(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, provider.NewMockProvider("busy", provider.FixedResult("busy", "b1", 1.0)), registry.Options{})
	f.register(t, provider.NewMockProvider("idle"), registry.Options{})

	if _, err := f.orch.Dispatch(context.Background(), models.DispatchRequest{
		Query:           "test",
		TargetProviders: []string{"busy"},
	}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	health := f.orch.HealthSnapshot()
	if health["busy"] != models.HealthHealthy {
		t.Errorf("Expected busy healthy, got %s", health["busy"])
	}
	// Never dispatched: no recent traffic.
	if health["idle"] != models.HealthDegraded {
		t.Errorf("Expected idle degraded, got %s", health["idle"])
	}
}
