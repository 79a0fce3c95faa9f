package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/young1lin/searchmux/internal/config"
	"github.com/young1lin/searchmux/internal/models"
	"github.com/young1lin/searchmux/internal/provider"
	"github.com/young1lin/searchmux/pkg/logger"
)

// ErrUnknownProvider is returned for enable/disable of an unregistered name
var ErrUnknownProvider = errors.New("unknown provider")

// StateListener is notified after an enable/disable flip
type StateListener func(name string, enabled bool)

// Entry pairs a provider instance with its registration-time interface
// resolutions, so dispatch never type-asserts at call time.
type Entry struct {
	Descriptor models.Descriptor
	Provider   provider.Provider
	Searcher   provider.Searcher   // nil unless capability "search"
	Controller provider.Controller // nil unless capability "control"
	Discoverer provider.Discoverer // nil unless capability "discover"
}

// Registry holds every registered provider. Disabling keeps the instance
// and its state; only the descriptor flips, so re-enable needs no
// re-authentication.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	order    []string // registration order, drives deterministic dispatch ordering
	listener StateListener
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
	}
}

// NewFromConfig builds a registry from configured provider definitions.
// Provider names are instantiated in sorted order so registration order
// is stable across restarts.
func NewFromConfig(cfg map[string]config.ProviderConfig) (*Registry, error) {
	r := New()

	names := make([]string, 0, len(cfg))
	for name := range cfg {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pCfg := cfg[name]

		var p provider.Provider
		switch pCfg.Type {
		case "rest":
			p = provider.NewRESTProvider(name, &pCfg)
		case "gateway":
			p = provider.NewGatewayProvider(name, &pCfg)
		case "hub":
			p = provider.NewHubProvider(name, &pCfg)
		default:
			logger.Warn("unknown provider type, skipping",
				zap.String("provider", name),
				zap.String("type", pCfg.Type))
			continue
		}

		opts := Options{
			RequiresAuth:       pCfg.RequiresAuth,
			RateLimitPerMinute: pCfg.RateLimitPerMinute,
			Disabled:           !pCfg.IsEnabled(),
		}
		if err := r.Register(p, opts); err != nil {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
	}

	logger.Info("registry initialized", zap.Int("provider_count", len(r.order)))
	return r, nil
}

// Options tune one registration
type Options struct {
	RequiresAuth       bool
	RateLimitPerMinute int
	Disabled           bool
}

// SetStateListener installs the enable/disable notification hook
func (r *Registry) SetStateListener(fn StateListener) {
	r.mu.Lock()
	r.listener = fn
	r.mu.Unlock()
}

// Register adds a provider. Every declared capability must be backed by
// the matching interface; a mismatch is a programming or configuration
// error and fails registration.
func (r *Registry) Register(p provider.Provider, opts Options) error {
	name := p.Name()
	if name == "" {
		return errors.New("provider has empty name")
	}

	entry := &Entry{
		Descriptor: models.Descriptor{
			Name:               name,
			Capabilities:       p.Capabilities(),
			Enabled:            !opts.Disabled,
			RequiresAuth:       opts.RequiresAuth,
			RateLimitPerMinute: opts.RateLimitPerMinute,
		},
		Provider: p,
	}

	for _, c := range entry.Descriptor.Capabilities {
		switch c {
		case models.CapabilitySearch:
			s, ok := p.(provider.Searcher)
			if !ok {
				return fmt.Errorf("provider %s declares %s but does not implement Searcher", name, c)
			}
			entry.Searcher = s
		case models.CapabilityControl:
			c2, ok := p.(provider.Controller)
			if !ok {
				return fmt.Errorf("provider %s declares %s but does not implement Controller", name, c)
			}
			entry.Controller = c2
		case models.CapabilityDiscover:
			d, ok := p.(provider.Discoverer)
			if !ok {
				return fmt.Errorf("provider %s declares %s but does not implement Discoverer", name, c)
			}
			entry.Discoverer = d
		default:
			return fmt.Errorf("provider %s declares unknown capability %q", name, c)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}
	r.entries[name] = entry
	r.order = append(r.order, name)

	return nil
}

// Enable marks a provider dispatchable again
func (r *Registry) Enable(name string) error {
	return r.setEnabled(name, true)
}

// Disable removes a provider from the default dispatch target set. Its
// instance and caches survive; in-flight dispatches keep their snapshot.
func (r *Registry) Disable(name string) error {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	entry, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	changed := entry.Descriptor.Enabled != enabled
	entry.Descriptor.Enabled = enabled
	listener := r.listener
	r.mu.Unlock()

	if changed {
		logger.Info("provider state changed",
			zap.String("provider", name),
			zap.Bool("enabled", enabled))
		if listener != nil {
			listener(name, enabled)
		}
	}
	return nil
}

// IsEnabled reports whether a registered provider is currently enabled
func (r *Registry) IsEnabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	return ok && entry.Descriptor.Enabled
}

// ListEnabled returns enabled provider names in registration order
func (r *Registry) ListEnabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if r.entries[name].Descriptor.Enabled {
			names = append(names, name)
		}
	}
	return names
}

// Descriptors returns a copy of every descriptor in registration order
func (r *Registry) Descriptors() []models.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].Descriptor)
	}
	return out
}

// Lookup returns the entry for a name regardless of enabled state
func (r *Registry) Lookup(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	snap := *entry
	return &snap, true
}

// SearchEntries resolves the requested names to enabled, search-capable
// entries. Empty names means all enabled providers. The returned slice
// is a snapshot: a concurrent Disable does not affect it. Order follows
// the caller's list, or registration order when names is empty.
func (r *Registry) SearchEntries(names []string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pick := names
	if len(pick) == 0 {
		pick = r.order
	}

	out := make([]*Entry, 0, len(pick))
	seen := make(map[string]bool, len(pick))
	for _, name := range pick {
		if seen[name] {
			continue
		}
		seen[name] = true
		entry, ok := r.entries[name]
		if !ok || !entry.Descriptor.Enabled || entry.Searcher == nil {
			continue
		}
		snap := *entry
		out = append(out, &snap)
	}
	return out
}

// ControlEntry resolves a name to an enabled, control-capable entry
func (r *Registry) ControlEntry(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[name]
	if !ok || !entry.Descriptor.Enabled || entry.Controller == nil {
		return nil, false
	}
	snap := *entry
	return &snap, true
}

// DiscoverEntries returns all enabled, discover-capable entries in
// registration order
func (r *Registry) DiscoverEntries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entry, 0, len(r.order))
	for _, name := range r.order {
		entry := r.entries[name]
		if entry.Descriptor.Enabled && entry.Discoverer != nil {
			snap := *entry
			out = append(out, &snap)
		}
	}
	return out
}
