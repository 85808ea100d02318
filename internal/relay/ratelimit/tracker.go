// Package ratelimit keeps per-endpoint budget snapshots derived from response
// metadata. Snapshots live only in memory; the server remains the source of
// truth and repopulates them on the next response.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Conventional header names used by most rate-limited APIs.
const (
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// approachingThreshold is the fraction of budget below which ApproachingLimit
// starts advising callers to slow down.
const approachingThreshold = 0.10

// Snapshot is the last observed budget for one endpoint key. It is overwritten
// wholesale on every response carrying limit metadata, never merged.
type Snapshot struct {
	EndpointKey string    `json:"endpointKey"`
	Remaining   int       `json:"remaining"`
	Limit       int       `json:"limit"`
	ResetAt     time.Time `json:"resetAt"`
	ObservedAt  time.Time `json:"observedAt"`
}

// Tracker holds one snapshot per endpoint key.
type Tracker struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

func NewTracker() *Tracker {
	return &Tracker{snapshots: make(map[string]Snapshot)}
}

// Record overwrites the snapshot for the endpoint. Remaining is clamped into
// [0, limit]; a non-positive limit discards the observation as meaningless.
func (t *Tracker) Record(endpointKey string, remaining, limit int, resetAt time.Time) {
	if endpointKey == "" || limit <= 0 {
		return
	}
	if remaining < 0 {
		remaining = 0
	}
	if remaining > limit {
		remaining = limit
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshots[endpointKey] = Snapshot{
		EndpointKey: endpointKey,
		Remaining:   remaining,
		Limit:       limit,
		ResetAt:     resetAt,
		ObservedAt:  time.Now().UTC(),
	}
}

// RecordFromHeaders parses the conventional rate-limit headers and records a
// snapshot when all of remaining and limit are present. Missing headers are
// tolerated; the tracker simply stays empty for that endpoint.
func (t *Tracker) RecordFromHeaders(endpointKey string, header http.Header) bool {
	remaining, okRemaining := parseIntHeader(header, HeaderRemaining)
	limit, okLimit := parseIntHeader(header, HeaderLimit)
	if !okRemaining || !okLimit {
		return false
	}
	var resetAt time.Time
	if reset, ok := parseIntHeader(header, HeaderReset); ok {
		resetAt = time.Unix(int64(reset), 0).UTC()
	}
	t.Record(endpointKey, remaining, limit, resetAt)
	return true
}

// Snapshot returns the last recorded budget for the endpoint, if any.
func (t *Tracker) Snapshot(endpointKey string) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap, ok := t.snapshots[endpointKey]
	return snap, ok
}

// ApproachingLimit reports whether under 10% of the endpoint's budget remains.
// Advisory only: callers may throttle proactively, nothing is blocked here.
func (t *Tracker) ApproachingLimit(endpointKey string) bool {
	snap, ok := t.Snapshot(endpointKey)
	if !ok || snap.Limit <= 0 {
		return false
	}
	return float64(snap.Remaining)/float64(snap.Limit) < approachingThreshold
}

// RetryAfter parses the server-specified retry delay header, in seconds.
func RetryAfter(header http.Header) (time.Duration, bool) {
	seconds, ok := parseIntHeader(header, HeaderRetryAfter)
	if !ok || seconds < 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

func parseIntHeader(header http.Header, name string) (int, bool) {
	raw := header.Get(name)
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return value, true
}
