package token

import (
	"fmt"

	"github.com/young1lin/searchmux/internal/config"
	"github.com/young1lin/searchmux/internal/models"
)

// Store caches per-user, per-provider credentials. Implementations must
// be safe for concurrent use by many dispatch goroutines; Get treats an
// expired token as absent and lazily evicts it.
type Store interface {
	Get(userID, provider string) (models.CachedToken, bool)
	Put(token models.CachedToken) error
	Invalidate(userID, provider string) error
	Close() error
}

// NewStore builds the configured backend
func NewStore(cfg *config.TokenStoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "bolt":
		return NewBoltStore(cfg.Path)
	case "redis":
		return NewRedisStore(cfg.RedisAddr, cfg.RedisDB), nil
	default:
		return nil, fmt.Errorf("unknown token store backend %q", cfg.Backend)
	}
}

func key(userID, provider string) string {
	return userID + "|" + provider
}
