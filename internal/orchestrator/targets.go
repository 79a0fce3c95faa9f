package orchestrator

import (
	"sort"
	"sync"

	"github.com/young1lin/searchmux/internal/models"
)

// targetIndex remembers which provider owns each discovered target so
// control requests can omit the provider name. Refreshed by Discover;
// never persisted.
type targetIndex struct {
	mu      sync.RWMutex
	targets map[string]models.Target
}

func newTargetIndex() *targetIndex {
	return &targetIndex{targets: make(map[string]models.Target)}
}

func (x *targetIndex) upsert(targets []models.Target) {
	x.mu.Lock()
	for _, t := range targets {
		x.targets[t.ID] = t
	}
	x.mu.Unlock()
}

func (x *targetIndex) owner(targetID string) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	t, ok := x.targets[targetID]
	if !ok {
		return "", false
	}
	return t.Provider, true
}

func (x *targetIndex) list() []models.Target {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]models.Target, 0, len(x.targets))
	for _, t := range x.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
