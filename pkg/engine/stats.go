package engine

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Counters are the engine's process-wide metrics. All fields are updated
// atomically; stage contributions live behind a small mutex because they are
// a map.
type Counters struct {
	MemoriesAdded      atomic.Int64
	DuplicatesDetected atomic.Int64
	Searches           atomic.Int64
	FallbackUsed       atomic.Int64
	PartialResults     atomic.Int64
	CacheHits          atomic.Int64
	Deletes            atomic.Int64

	mu     sync.Mutex
	stages map[string]int64
}

func newCounters() *Counters {
	return &Counters{stages: make(map[string]int64)}
}

// RecordStages bumps the contribution counter of every stage that surfaced
// results in one search.
func (c *Counters) RecordStages(stages []string) {
	c.mu.Lock()
	for _, s := range stages {
		c.stages[s]++
	}
	c.mu.Unlock()
}

// StageContribution is one stage's cumulative hit count.
type StageContribution struct {
	Stage string `json:"stage"`
	Count int64  `json:"count"`
}

// StageContributions returns the per-stage counters, busiest first.
func (c *Counters) StageContributions() []StageContribution {
	c.mu.Lock()
	out := make([]StageContribution, 0, len(c.stages))
	for s, n := range c.stages {
		out = append(out, StageContribution{Stage: s, Count: n})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Stage < out[j].Stage
	})
	return out
}

// Stats is the full engine status report.
type Stats struct {
	MemoriesAdded      int64               `json:"memories_added"`
	DuplicatesDetected int64               `json:"duplicates_detected"`
	Searches           int64               `json:"searches"`
	FallbackUsed       int64               `json:"fallback_used"`
	PartialResults     int64               `json:"partial_results"`
	CacheHits          int64               `json:"cache_hits"`
	Deletes            int64               `json:"deletes"`
	LLMCalls           int64               `json:"llm_calls"`
	LLMBreakerTrips    int64               `json:"llm_breaker_trips"`
	Stages             []StageContribution `json:"stage_contributions"`

	Store StoreStats `json:"store"`
	Graph GraphStats `json:"graph"`
}

// StoreStats mirrors the layered store's occupancy counters.
type StoreStats struct {
	Archived     int `json:"archived"`
	Working      int `json:"working"`
	Consolidated int `json:"consolidated"`
	Aliases      int `json:"aliases"`
}

// GraphStats mirrors the knowledge graph's counters.
type GraphStats struct {
	Entities       int `json:"entities"`
	Relations      int `json:"relations"`
	ActiveFacts    int `json:"active_facts"`
	Contradictions int `json:"contradictions"`
	Unresolved     int `json:"unresolved"`
}
