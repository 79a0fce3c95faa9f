package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/young1lin/searchmux/internal/config"
	"github.com/young1lin/searchmux/internal/models"
	"github.com/young1lin/searchmux/pkg/logger"
)

// HubProvider is a command-style platform client (a smart-home hub, a
// device cloud). It discovers targets, sends commands to them, and
// answers searches from the discovered target list.
type HubProvider struct {
	name         string
	baseURL      string
	apiKey       string
	requiresAuth bool
	client       *http.Client

	mu        sync.Mutex
	lastError string
}

// NewHubProvider creates a hub provider from configuration
func NewHubProvider(name string, cfg *config.ProviderConfig) *HubProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15
	}

	return &HubProvider{
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
func (p *HubProvider) Name() string {
	return p.name
}

// Capabilities returns the declared capability set
func (p *HubProvider) Capabilities() []models.Capability {
	return []models.Capability{
		models.CapabilitySearch,
		models.CapabilityControl,
		models.CapabilityDiscover,
	}
}

// Authenticate reports readiness or hands back the OAuth entry point
func (p *HubProvider) Authenticate(ctx context.Context, userID string) (models.AuthResult, error) {
	if !p.requiresAuth {
		return models.AuthResult{Status: models.AuthReady}, nil
	}
	return models.AuthResult{
		Status:  models.AuthRedirectRequired,
		AuthURL: fmt.Sprintf("%s/oauth/authorize?user=%s", p.baseURL, userID),
	}, nil
}

// Status returns the provider's connection state
func (p *HubProvider) Status(ctx context.Context) models.ProviderStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return models.ProviderStatus{
		Connected: p.baseURL != "",
		LastError: p.lastError,
	}
}

type hubDevice struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Kind  string                 `json:"kind,omitempty"`
	State map[string]interface{} `json:"state,omitempty"`
}

type hubDevicesResponse struct {
	Devices []hubDevice `json:"devices"`
	Error   string      `json:"error,omitempty"`
}

type hubCommandRequest struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

type hubCommandResponse struct {
	Success  bool                   `json:"success"`
	NewState map[string]interface{} `json:"new_state,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// Discover lists the targets the hub exposes for this user
func (p *HubProvider) Discover(ctx context.Context, userID, token string) ([]models.Target, error) {
	log := logger.FromContext(ctx)

	url := fmt.Sprintf("%s/devices", p.baseURL)
	body, err := p.doJSON(ctx, http.MethodGet, url, token, nil)
	if err != nil {
		return nil, err
	}

	var devResp hubDevicesResponse
	if err := json.Unmarshal(body, &devResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if devResp.Error != "" {
		return nil, fmt.Errorf("%s discovery failed: %s", p.name, devResp.Error)
	}

	targets := make([]models.Target, 0, len(devResp.Devices))
	for _, d := range devResp.Devices {
		targets = append(targets, models.Target{
			ID:       d.ID,
			Name:     d.Name,
			Provider: p.name,
			Kind:     d.Kind,
			State:    d.State,
		})
	}

	log.Debug("hub discovery completed",
		zap.String("provider", p.name),
		zap.Int("target_count", len(targets)),
	)

	return targets, nil
}

// Control sends one command to one target
func (p *HubProvider) Control(ctx context.Context, req ControlRequest) (models.CommandResult, error) {
	url := fmt.Sprintf("%s/devices/%s/commands", p.baseURL, req.TargetID)
	payload, err := json.Marshal(hubCommandRequest{Command: req.Command, Params: req.Params})
	if err != nil {
		return models.CommandResult{}, fmt.Errorf("failed to marshal command: %w", err)
	}

	body, err := p.doJSON(ctx, http.MethodPost, url, req.Token, payload)
	if err != nil {
		return models.CommandResult{}, err
	}

	var cmdResp hubCommandResponse
	if err := json.Unmarshal(body, &cmdResp); err != nil {
		return models.CommandResult{}, fmt.Errorf("failed to parse response: %w", err)
	}

	return models.CommandResult{
		Success:  cmdResp.Success,
		NewState: cmdResp.NewState,
		Error:    cmdResp.Error,
	}, nil
}

// Search matches the query against discovered target names and kinds.
// Hubs have no native search API; this makes their targets visible to
// the aggregated search surface.
func (p *HubProvider) Search(ctx context.Context, req SearchRequest) ([]models.NormalizedResult, error) {
	targets, err := p.Discover(ctx, "", req.Token)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(req.Query)
	results := make([]models.NormalizedResult, 0)
	for _, t := range targets {
		if needle != "" &&
			!strings.Contains(strings.ToLower(t.Name), needle) &&
			!strings.Contains(strings.ToLower(t.Kind), needle) {
			continue
		}
		results = append(results, models.NormalizedResult{
			ID:      t.ID,
			Title:   t.Name,
			Content: fmt.Sprintf("%s device %q", t.Kind, t.Name),
			Source:  p.name,
			Type:    "device",
			Metadata: map[string]interface{}{
				"kind":  t.Kind,
				"state": t.State,
			},
		})
		if req.MaxResults > 0 && len(results) >= req.MaxResults {
			break
		}
	}

	return results, nil
}

// doJSON performs one authenticated request and classifies failures
func (p *HubProvider) doJSON(ctx context.Context, method, url, token string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	bearer := p.apiKey
	if p.requiresAuth && token != "" {
		bearer = token
	}
	httpReq.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.setLastError(err.Error())
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if err := ClassifyHTTPStatus(p.name, resp.StatusCode, resp.Header, truncate(string(body), 200)); err != nil {
		p.setLastError(err.Error())
		return nil, err
	}

	p.setLastError("")
	return body, nil
}

func (p *HubProvider) setLastError(msg string) {
	p.mu.Lock()
	p.lastError = msg
	p.mu.Unlock()
}
