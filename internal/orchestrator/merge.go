package orchestrator

import (
	"sort"

	"github.com/young1lin/searchmux/internal/models"
)

// Ranker orders merged results. It reports whether a ranks strictly
// before b; ties keep insertion order (the sort is stable), so identical
// dispatches produce identical orderings.
type Ranker func(a, b models.NormalizedResult) bool

// ScoreRanker is the default ranking: descending score
func ScoreRanker(a, b models.NormalizedResult) bool {
	return a.Score > b.Score
}

type mergeKey struct {
	provider string
	id       string
}

// mergeOutcomes concatenates successful outcomes' results in outcome
// order, deduplicates by (provider, id) keeping the higher-scored entry
// (first seen on ties), ranks, and truncates to limit.
func mergeOutcomes(outcomes []models.ProviderOutcome, ranker Ranker, limit int) []models.NormalizedResult {
	merged := make([]models.NormalizedResult, 0)
	index := make(map[mergeKey]int)

	for _, outcome := range outcomes {
		if !outcome.Status.Success() {
			continue
		}
		for _, result := range outcome.Results {
			// The dedupe identity is the slot's provider, not the result's
			// Source: a fallback alternate serves under the original slot.
			k := mergeKey{provider: outcome.Provider, id: result.ID}
			if at, seen := index[k]; seen {
				if result.Score > merged[at].Score {
					merged[at] = result
				}
				continue
			}
			index[k] = len(merged)
			merged = append(merged, result)
		}
	}

	if ranker == nil {
		ranker = ScoreRanker
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return ranker(merged[i], merged[j])
	})

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
