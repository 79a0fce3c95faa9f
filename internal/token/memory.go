package token

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/young1lin/searchmux/internal/models"
)

const shardCount = 16

// MemoryStore is the default in-process token cache. Keys are spread
// over fixed shards, each behind its own lock, so concurrent provider
// slots touching different users never serialize on one mutex.
type MemoryStore struct {
	shards [shardCount]*memoryShard
	now    func() time.Time
}

type memoryShard struct {
	mu     sync.RWMutex
	tokens map[string]models.CachedToken
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &memoryShard{tokens: make(map[string]models.CachedToken)}
	}
	return s
}

func (s *MemoryStore) shard(k string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(k))
	return s.shards[h.Sum32()%shardCount]
}

// Get returns the cached token, treating expired entries as absent and
// evicting them.
func (s *MemoryStore) Get(userID, provider string) (models.CachedToken, bool) {
	k := key(userID, provider)
	sh := s.shard(k)

	sh.mu.RLock()
	t, ok := sh.tokens[k]
	sh.mu.RUnlock()

	if !ok {
		return models.CachedToken{}, false
	}
	if t.Expired(s.now()) {
		sh.mu.Lock()
		// Re-check under the write lock; a concurrent Put may have refreshed it.
		if cur, still := sh.tokens[k]; still && cur.Expired(s.now()) {
			delete(sh.tokens, k)
		}
		sh.mu.Unlock()
		return models.CachedToken{}, false
	}
	return t, true
}

// Put stores or replaces a token
func (s *MemoryStore) Put(t models.CachedToken) error {
	k := key(t.UserID, t.Provider)
	sh := s.shard(k)

	sh.mu.Lock()
	sh.tokens[k] = t
	sh.mu.Unlock()
	return nil
}

// Invalidate removes a token
func (s *MemoryStore) Invalidate(userID, provider string) error {
	k := key(userID, provider)
	sh := s.shard(k)

	sh.mu.Lock()
	delete(sh.tokens, k)
	sh.mu.Unlock()
	return nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}
