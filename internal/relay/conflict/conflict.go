// Package conflict decides the authoritative value when a server version and
// an optimistically applied client version of the same entity diverge.
// Resolution is best-effort and last-writer-oriented; it always yields a
// value, never an error surfaced to users.
package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"
)

// Record captures one detected divergence. It is consumed immediately by
// Resolve and not retained afterwards.
type Record struct {
	ID          string         `json:"id"`
	EntityType  string         `json:"entityType"`
	ServerValue map[string]any `json:"serverValue"`
	ClientValue map[string]any `json:"clientValue"`
	DetectedAt  time.Time      `json:"detectedAt"`
	ActorID     string         `json:"actorId"`
}

// Resolution is the outcome of resolving a Record: the value to commit plus
// which strategy produced it, so callers can log or audit the path taken.
type Resolution struct {
	MergedValue   map[string]any `json:"mergedValue"`
	Strategy      string         `json:"strategyUsed"`
	NeedsFollowUp bool           `json:"needsFollowUp,omitempty"`
}

// Strategy turns a conflict record into a resolution.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, record Record) (Resolution, error)
}

// Engine selects a strategy per entity type and normalizes system fields on
// every resolved value. Strategy registration is instance state, not a
// package-level map, so independent engines can coexist.
type Engine struct {
	logger *slog.Logger
	now    func() time.Time

	mu         sync.RWMutex
	strategies map[string]Strategy
	fallback   Strategy
}

// NewEngine builds an engine whose unregistered entity types fall back to the
// field-level merge strategy.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:     logger.With(slog.String("agent", "conflict")),
		now:        func() time.Time { return time.Now().UTC() },
		strategies: make(map[string]Strategy),
		fallback:   Merge{},
	}
}

// RegisterStrategy binds a strategy to an entity type and returns a handle
// that removes the registration again.
func (e *Engine) RegisterStrategy(entityType string, strategy Strategy) (remove func()) {
	if entityType == "" || strategy == nil {
		return func() {}
	}
	e.mu.Lock()
	e.strategies[entityType] = strategy
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			if current, ok := e.strategies[entityType]; ok && current == strategy {
				delete(e.strategies, entityType)
			}
			e.mu.Unlock()
		})
	}
}

// Resolve picks the strategy registered for the record's entity type (merge
// when none is registered) and stamps system fields on the result.
func (e *Engine) Resolve(ctx context.Context, record Record) (Resolution, error) {
	e.mu.RLock()
	strategy, ok := e.strategies[record.EntityType]
	if !ok {
		strategy = e.fallback
	}
	e.mu.RUnlock()

	resolution, err := strategy.Resolve(ctx, record)
	if err != nil {
		return Resolution{}, fmt.Errorf("conflict: resolve %s/%s: %w", record.EntityType, record.ID, err)
	}
	resolution.MergedValue = e.finalize(record, resolution.MergedValue)

	e.logger.Debug("conflict resolved",
		slog.String("entity_type", record.EntityType),
		slog.String("entity_id", record.ID),
		slog.String("strategy", resolution.Strategy),
		slog.Bool("needs_follow_up", resolution.NeedsFollowUp))
	return resolution, nil
}

// finalize enforces the system-field contract: identity comes from the
// server's copy and the audit timestamp is the merge instant, never a stale
// value carried over from either side.
func (e *Engine) finalize(record Record, merged map[string]any) map[string]any {
	if merged == nil {
		merged = make(map[string]any)
	}
	if id, ok := record.ServerValue["id"]; ok {
		merged["id"] = id
	}
	if _, server := timestampField(record.ServerValue); server != "" {
		merged[server] = e.now().Format(time.RFC3339Nano)
	} else if _, client := timestampField(record.ClientValue); client != "" {
		merged[client] = e.now().Format(time.RFC3339Nano)
	}
	return merged
}

// HasConflict reports divergence between the two values. Checks run in
// deliberate order: timestamps when both carry one, then version numbers,
// then structural inequality. Cheap false positives beat missed conflicts.
func HasConflict(serverValue, clientValue map[string]any) bool {
	if serverTS, ok := bothTimestamps(serverValue, clientValue); ok {
		return serverTS.newer
	}
	if serverVer, clientVer, ok := bothVersions(serverValue, clientValue); ok {
		return serverVer != clientVer
	}
	return !reflect.DeepEqual(serverValue, clientValue)
}

type timestampComparison struct {
	newer bool
}

func bothTimestamps(serverValue, clientValue map[string]any) (timestampComparison, bool) {
	serverTS, serverKey := timestampField(serverValue)
	clientTS, clientKey := timestampField(clientValue)
	if serverKey == "" || clientKey == "" {
		return timestampComparison{}, false
	}
	return timestampComparison{newer: serverTS.After(clientTS)}, true
}

// timestampField finds an updated_at-style audit timestamp in the value.
func timestampField(value map[string]any) (time.Time, string) {
	for _, key := range []string{"updated_at", "updatedAt"} {
		raw, ok := value[key]
		if !ok {
			continue
		}
		str, ok := raw.(string)
		if !ok {
			continue
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if ts, err := time.Parse(layout, str); err == nil {
				return ts, key
			}
		}
	}
	return time.Time{}, ""
}

func bothVersions(serverValue, clientValue map[string]any) (float64, float64, bool) {
	serverVer, okServer := versionField(serverValue)
	clientVer, okClient := versionField(clientValue)
	if !okServer || !okClient {
		return 0, 0, false
	}
	return serverVer, clientVer, true
}

func versionField(value map[string]any) (float64, bool) {
	raw, ok := value["version"]
	if !ok {
		return 0, false
	}
	return numericValue(raw)
}

func numericValue(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
