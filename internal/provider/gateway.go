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

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/young1lin/searchmux/internal/config"
	"github.com/young1lin/searchmux/internal/models"
	"github.com/young1lin/searchmux/pkg/logger"
)

// GatewayProvider answers queries through a model gateway speaking the
// chat completions wire format. The request's target selects the model;
// the single answer message becomes one normalized result.
type GatewayProvider struct {
	name         string
	baseURL      string
	apiKey       string
	defaultModel string
	client       *http.Client

	mu        sync.Mutex
	lastError string
}

// NewGatewayProvider creates a model-gateway provider from configuration
func NewGatewayProvider(name string, cfg *config.ProviderConfig) *GatewayProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60
	}

	return &GatewayProvider{
		name:         name,
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		defaultModel: cfg.DefaultModel,
		client: &http.Client{
			Timeout: time.Duration(timeout) * time.Second,
		},
	}
}

// Name returns the provider name
func (p *GatewayProvider) Name() string {
	return p.name
}

// Capabilities returns the declared capability set
func (p *GatewayProvider) Capabilities() []models.Capability {
	return []models.Capability{models.CapabilitySearch}
}

// Authenticate reports readiness. Gateways run on a static API key, so
// there is no per-user flow.
func (p *GatewayProvider) Authenticate(ctx context.Context, userID string) (models.AuthResult, error) {
	if p.apiKey == "" {
		return models.AuthResult{Status: models.AuthFailed, Message: "no API key configured"}, nil
	}
	return models.AuthResult{Status: models.AuthReady}, nil
}

// Status returns the provider's connection state
func (p *GatewayProvider) Status(ctx context.Context) models.ProviderStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return models.ProviderStatus{
		Connected: p.baseURL != "" && p.apiKey != "",
		LastError: p.lastError,
	}
}

type gatewayChatRequest struct {
	Model     string           `json:"model"`
	Messages  []gatewayMessage `json:"messages"`
	MaxTokens int              `json:"max_tokens,omitempty"`
}

type gatewayMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type gatewayChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message gatewayMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int     `json:"prompt_tokens"`
		CompletionTokens int     `json:"completion_tokens"`
		TotalTokens      int     `json:"total_tokens"`
		Cost             float64 `json:"cost,omitempty"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Search sends the query as a single-turn chat completion. The target
// names the model; empty target uses the configured default.
func (p *GatewayProvider) Search(ctx context.Context, req SearchRequest) ([]models.NormalizedResult, error) {
	log := logger.FromContext(ctx)

	model := req.Target
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return nil, fmt.Errorf("%s: no model requested and no default configured", p.name)
	}

	body, err := json.Marshal(gatewayChatRequest{
		Model:     model,
		Messages:  []gatewayMessage{{Role: "user", Content: req.Query}},
		MaxTokens: 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/chat/completions", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

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

	var chatResp gatewayChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if chatResp.Error != nil {
		p.setLastError(chatResp.Error.Message)
		return nil, fmt.Errorf("%s completion failed: %s", p.name, chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", p.name)
	}

	id := chatResp.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now()

	result := models.NormalizedResult{
		ID:        id,
		Title:     fmt.Sprintf("%s answer", model),
		Content:   chatResp.Choices[0].Message.Content,
		Source:    p.name,
		Type:      "completion",
		CreatedAt: &now,
		Metadata: map[string]interface{}{
			"model":             model,
			"prompt_tokens":     chatResp.Usage.PromptTokens,
			"completion_tokens": chatResp.Usage.CompletionTokens,
			"cost":              chatResp.Usage.Cost,
		},
	}

	p.setLastError("")
	log.Debug("gateway completion received",
		zap.String("provider", p.name),
		zap.String("model", model),
		zap.Int("total_tokens", chatResp.Usage.TotalTokens),
	)

	return []models.NormalizedResult{result}, nil
}

func (p *GatewayProvider) setLastError(msg string) {
	p.mu.Lock()
	p.lastError = msg
	p.mu.Unlock()
}
