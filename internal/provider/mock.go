package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/young1lin/searchmux/internal/models"
)

// MockProvider is a deterministic, scriptable provider used by tests in
// this and other packages. Behavior is injected per call site: fixed
// results, a scripted error, an artificial delay, or a custom function.
type MockProvider struct {
	ProviderName string
	Caps         []models.Capability

	// Scripted search behavior, checked in order: SearchFunc wins, then
	// FailWith, then Delay + FixedResults.
	SearchFunc   func(ctx context.Context, req SearchRequest) ([]models.NormalizedResult, error)
	FixedResults []models.NormalizedResult
	FailWith     error
	Delay        time.Duration

	ControlFunc func(ctx context.Context, req ControlRequest) (models.CommandResult, error)
	Targets     []models.Target

	AuthenticateFunc func(ctx context.Context, userID string) (models.AuthResult, error)
	AuthResult       models.AuthResult

	mu          sync.Mutex
	searchCalls int
}

// NewMockProvider creates a search-capable mock with the given results
func NewMockProvider(name string, results ...models.NormalizedResult) *MockProvider {
	return &MockProvider{
		ProviderName: name,
		Caps:         []models.Capability{models.CapabilitySearch},
		FixedResults: results,
		AuthResult:   models.AuthResult{Status: models.AuthReady},
	}
}

// Name returns the provider name
func (p *MockProvider) Name() string {
	return p.ProviderName
}

// Capabilities returns the declared capability set
func (p *MockProvider) Capabilities() []models.Capability {
	if len(p.Caps) == 0 {
		return []models.Capability{models.CapabilitySearch}
	}
	return p.Caps
}

// Authenticate returns the scripted auth result
func (p *MockProvider) Authenticate(ctx context.Context, userID string) (models.AuthResult, error) {
	if p.AuthenticateFunc != nil {
		return p.AuthenticateFunc(ctx, userID)
	}
	return p.AuthResult, nil
}

// Status reports connected unless a scripted error is set
func (p *MockProvider) Status(ctx context.Context) models.ProviderStatus {
	if p.FailWith != nil {
		return models.ProviderStatus{Connected: false, LastError: p.FailWith.Error()}
	}
	return models.ProviderStatus{Connected: true}
}

// SearchCalls reports how many times Search was invoked
func (p *MockProvider) SearchCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.searchCalls
}

// Search runs the scripted behavior
func (p *MockProvider) Search(ctx context.Context, req SearchRequest) ([]models.NormalizedResult, error) {
	p.mu.Lock()
	p.searchCalls++
	p.mu.Unlock()

	if p.SearchFunc != nil {
		return p.SearchFunc(ctx, req)
	}

	if p.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.Delay):
		}
	}

	if p.FailWith != nil {
		return nil, p.FailWith
	}

	results := p.FixedResults
	if req.MaxResults > 0 && len(results) > req.MaxResults {
		results = results[:req.MaxResults]
	}
	out := make([]models.NormalizedResult, len(results))
	copy(out, results)
	return out, nil
}

// Control runs the scripted control behavior
func (p *MockProvider) Control(ctx context.Context, req ControlRequest) (models.CommandResult, error) {
	if p.ControlFunc != nil {
		return p.ControlFunc(ctx, req)
	}
	if p.FailWith != nil {
		return models.CommandResult{}, p.FailWith
	}
	return models.CommandResult{
		Success:  true,
		NewState: map[string]interface{}{"command": req.Command},
	}, nil
}

// Discover returns the scripted target list
func (p *MockProvider) Discover(ctx context.Context, userID, token string) ([]models.Target, error) {
	if p.FailWith != nil {
		return nil, p.FailWith
	}
	out := make([]models.Target, len(p.Targets))
	copy(out, p.Targets)
	return out, nil
}

// FixedResult builds a normalized result with predictable fields, handy
// for table-driven tests.
func FixedResult(provider, id string, score float64) models.NormalizedResult {
	return models.NormalizedResult{
		ID:      id,
		Title:   fmt.Sprintf("%s result %s", provider, id),
		Content: fmt.Sprintf("content for %s", id),
		Source:  provider,
		Type:    "document",
		Score:   score,
	}
}
