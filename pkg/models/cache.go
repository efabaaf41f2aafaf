package models

import "time"

// CacheEntry stores a cached agent response.
type CacheEntry struct {
	Agent       string    `json:"agent"`
	Fingerprint string    `json:"fingerprint"`
	Request     []byte    `json:"request"`
	Response    []byte    `json:"response"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	HitCount    int64     `json:"hit_count"`
}

// Expired reports whether the entry is no longer servable at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// PutRequest is the input to a cache upsert.
type PutRequest struct {
	Agent       string
	Fingerprint string
	Request     []byte
	Response    []byte
	TTL         time.Duration
}

// AgentCacheStats aggregates cache rows for one agent.
type AgentCacheStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
}

// CacheEntrySummary identifies a cache row without its payloads.
type CacheEntrySummary struct {
	Agent       string    `json:"agent"`
	Fingerprint string    `json:"fingerprint"`
	HitCount    int64     `json:"hit_count"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// CacheStats reports cache contents for dashboards.
type CacheStats struct {
	TotalEntries int64                      `json:"total_entries"`
	PerAgent     map[string]AgentCacheStats `json:"per_agent"`
	TopEntries   []CacheEntrySummary        `json:"top_hit_entries"`
}
