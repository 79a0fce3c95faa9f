package fallback

import (
	"strings"

	"github.com/young1lin/searchmux/internal/models"
)

// MaxAlternates caps how many chain entries a dispatch slot may try
const MaxAlternates = 2

// Resolver maps a failed (provider, target) pair to an ordered list of
// alternates. The table is opaque configuration, loaded once and read
// concurrently without locking; it encodes routing preference, not
// semantic equivalence.
type Resolver struct {
	chains map[string][]models.FallbackRef
}

// New builds a resolver from configuration. Keys and values use the
// "provider/target" form; the target part (which may itself contain
// slashes, model ids do) is everything after the first slash.
func New(cfg map[string][]string) *Resolver {
	chains := make(map[string][]models.FallbackRef, len(cfg))
	for rawKey, rawAlts := range cfg {
		provider, target := splitRef(rawKey)
		if provider == "" {
			continue
		}
		alts := make([]models.FallbackRef, 0, len(rawAlts))
		for _, rawAlt := range rawAlts {
			altProvider, altTarget := splitRef(rawAlt)
			if altProvider == "" {
				continue
			}
			alts = append(alts, models.FallbackRef{Provider: altProvider, Target: altTarget})
		}
		if len(alts) > 0 {
			chains[chainKey(provider, target)] = alts
		}
	}
	return &Resolver{chains: chains}
}

// AlternatesFor returns the configured alternates for a failed pair,
// capped at MaxAlternates. Empty means no fallback available; that is
// not an error.
func (r *Resolver) AlternatesFor(provider, target string) []models.FallbackRef {
	alts, ok := r.chains[chainKey(provider, target)]
	if !ok {
		// A provider-wide chain (empty target) applies to any target.
		alts = r.chains[chainKey(provider, "")]
	}
	if len(alts) > MaxAlternates {
		alts = alts[:MaxAlternates]
	}
	out := make([]models.FallbackRef, len(alts))
	copy(out, alts)
	return out
}

func chainKey(provider, target string) string {
	return provider + "\x00" + target
}

func splitRef(raw string) (provider, target string) {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, "/"); i >= 0 {
		return raw[:i], raw[i+1:]
	}
	return raw, ""
}
