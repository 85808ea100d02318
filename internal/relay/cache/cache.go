package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Entry is a single cached response value with its expiry window.
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	StoredAt  time.Time       `json:"storedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Expired reports whether the entry's TTL window has passed at the given instant.
func (e Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// ResponseCache stores successful response payloads keyed by request identity.
// Reads treat expired entries as absent; backends may evict them lazily or rely
// on server-side TTL.
type ResponseCache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
	// Cleanup sweeps entries whose TTL has passed and returns how many were
	// removed. Backends with server-side expiry may report zero.
	Cleanup(ctx context.Context) (int, error)
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// RunSweeper periodically invokes Cleanup until the context is cancelled.
// Lazy expiry on Get keeps reads correct without it; the sweep only bounds
// memory growth from entries that are never re-read.
func RunSweeper(ctx context.Context, c ResponseCache, interval time.Duration, logger *slog.Logger) {
	if c == nil {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := c.Cleanup(ctx)
			if err != nil {
				if logger != nil {
					logger.Warn("cache sweep failed", slog.Any("error", err))
				}
				continue
			}
			if removed > 0 && logger != nil {
				logger.Debug("cache sweep", slog.Int("removed", removed))
			}
		}
	}
}
