package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/young1lin/searchmux/internal/config"
	"github.com/young1lin/searchmux/internal/models"
	"github.com/young1lin/searchmux/pkg/logger"
)

// RESTProvider is a generic JSON search API client. It speaks a single
// schema (POST {base_url}/search with {query, limit}) so any conforming
// backend can be plugged in through configuration alone.
type RESTProvider struct {
	name         string
	baseURL      string
	apiKey       string
	requiresAuth bool
	client       *http.Client

	mu        sync.Mutex
	lastError string
}

// NewRESTProvider creates a REST search provider from configuration
func NewRESTProvider(name string, cfg *config.ProviderConfig) *RESTProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30
	}

	return &RESTProvider{
		name:         name,
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		requiresAuth: cfg.RequiresAuth,
		client: &http.Client{
			Timeout: time.Duration(timeout) * time.Second,
		},
	}
}

// Name returns the provider name
func (p *RESTProvider) Name() string {
	return p.name
}

// Capabilities returns the declared capability set
func (p *RESTProvider) Capabilities() []models.Capability {
	return []models.Capability{models.CapabilitySearch}
}

// Authenticate reports readiness. A REST provider on a static key is
// always ready; a per-user one needs a token delivered through the auth
// callback, so it redirects.
func (p *RESTProvider) Authenticate(ctx context.Context, userID string) (models.AuthResult, error) {
	if !p.requiresAuth {
		return models.AuthResult{Status: models.AuthReady}, nil
	}
	return models.AuthResult{
		Status:  models.AuthRedirectRequired,
		AuthURL: fmt.Sprintf("%s/oauth/authorize?user=%s", p.baseURL, userID),
	}, nil
}

// Status returns the provider's connection state
func (p *RESTProvider) Status(ctx context.Context) models.ProviderStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return models.ProviderStatus{
		Connected: p.baseURL != "" && (p.requiresAuth || p.apiKey != ""),
		LastError: p.lastError,
	}
}

type restSearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type restSearchResponse struct {
	Results []restSearchResult `json:"results"`
	Error   string             `json:"error,omitempty"`
}

type restSearchResult struct {
	ID        string                 `json:"id"`
	Title     string                 `json:"title"`
	Content   string                 `json:"content,omitempty"`
	Snippet   string                 `json:"snippet,omitempty"`
	URL       string                 `json:"url,omitempty"`
	Type      string                 `json:"type,omitempty"`
	Score     float64                `json:"score,omitempty"`
	CreatedAt *time.Time             `json:"created_at,omitempty"`
	UpdatedAt *time.Time             `json:"updated_at,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Search performs one search call against the configured backend
func (p *RESTProvider) Search(ctx context.Context, req SearchRequest) ([]models.NormalizedResult, error) {
	log := logger.FromContext(ctx)

	body, err := json.Marshal(restSearchRequest{Query: req.Query, Limit: req.MaxResults})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/search", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.bearerToken(req.Token))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.setLastError(err.Error())
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if err := ClassifyHTTPStatus(p.name, resp.StatusCode, resp.Header, truncate(string(respBody), 200)); err != nil {
		p.setLastError(err.Error())
		return nil, err
	}

	var searchResp restSearchResponse
	if err := json.Unmarshal(respBody, &searchResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if searchResp.Error != "" {
		p.setLastError(searchResp.Error)
		return nil, fmt.Errorf("%s search failed: %s", p.name, searchResp.Error)
	}

	results := make([]models.NormalizedResult, 0, len(searchResp.Results))
	for i, item := range searchResp.Results {
		id := item.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", p.name, i)
		}
		content := item.Content
		if content == "" {
			content = item.Snippet
		}
		resultType := item.Type
		if resultType == "" {
			resultType = "document"
		}
		results = append(results, models.NormalizedResult{
			ID:        id,
			Title:     item.Title,
			Content:   content,
			Source:    p.name,
			Type:      resultType,
			URL:       item.URL,
			Score:     item.Score,
			CreatedAt: item.CreatedAt,
			UpdatedAt: item.UpdatedAt,
			Metadata:  item.Metadata,
		})
	}

	p.setLastError("")
	log.Debug("rest search completed",
		zap.String("provider", p.name),
		zap.Int("result_count", len(results)),
	)

	return results, nil
}

// bearerToken prefers the per-user token over the static key
func (p *RESTProvider) bearerToken(userToken string) string {
	if p.requiresAuth && userToken != "" {
		return userToken
	}
	return p.apiKey
}

func (p *RESTProvider) setLastError(msg string) {
	p.mu.Lock()
	p.lastError = msg
	p.mu.Unlock()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
