// Package queue persists mutations attempted while offline and replays them
// in FIFO order once connectivity returns. Delivery is at-least-once with a
// bounded attempt ceiling; entries that keep failing are dropped and reported
// rather than retried forever.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts is the replay ceiling after which an entry is dropped
// and reported as permanently failed.
const DefaultMaxAttempts = 3

// Mutation is the caller-supplied request to queue.
type Mutation struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// QueuedMutation is a persisted queue entry. Owned exclusively by the queue;
// no other component mutates it.
type QueuedMutation struct {
	ID           string            `json:"id"`
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         []byte            `json:"body,omitempty"`
	EnqueuedAt   time.Time         `json:"enqueuedAt"`
	AttemptCount int               `json:"attemptCount"`
}

// ReplayReport aggregates one replay pass. Callers learn how many entries
// succeeded and how many were permanently dropped, not which ones; inspecting
// Pending beforehand is the way to know identities.
type ReplayReport struct {
	Attempted int  `json:"attempted"`
	Succeeded int  `json:"succeeded"`
	Requeued  int  `json:"requeued"`
	Dropped   int  `json:"dropped"`
	Skipped   bool `json:"skipped,omitempty"`
}

// Store is the durable persistence boundary. List returns entries in enqueue
// order.
type Store interface {
	Append(ctx context.Context, entry QueuedMutation) error
	List(ctx context.Context) ([]QueuedMutation, error)
	IncrementAttempts(ctx context.Context, id string) (int, error)
	Remove(ctx context.Context, id string) error
	Size(ctx context.Context) (int64, error)
	Close() error
}

// Sender replays a single mutation over the network. A nil error means the
// server accepted it.
type Sender interface {
	Send(ctx context.Context, entry QueuedMutation) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, entry QueuedMutation) error

func (f SenderFunc) Send(ctx context.Context, entry QueuedMutation) error { return f(ctx, entry) }

// Queue coordinates durable storage and replay.
type Queue struct {
	store       Store
	sender      Sender
	logger      *slog.Logger
	maxAttempts int

	// replayMu serializes replay passes; a second trigger while one is in
	// flight is a no-op so the same mutation is never double-submitted.
	replayMu sync.Mutex
}

// Options tune queue behavior beyond the defaults.
type Options struct {
	MaxAttempts int
}

// New builds a queue over the given store and sender.
func New(store Store, sender Sender, logger *slog.Logger, opts Options) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Queue{
		store:       store,
		sender:      sender,
		logger:      logger.With(slog.String("agent", "offline_queue")),
		maxAttempts: maxAttempts,
	}
}

// Enqueue persists a new entry with a generated id and zero attempts.
func (q *Queue) Enqueue(ctx context.Context, mutation Mutation) (QueuedMutation, error) {
	if mutation.URL == "" {
		return QueuedMutation{}, fmt.Errorf("queue: mutation url required")
	}
	if mutation.Method == "" || mutation.Method == "GET" {
		return QueuedMutation{}, fmt.Errorf("queue: method %q is not a mutation", mutation.Method)
	}
	entry := QueuedMutation{
		ID:         uuid.NewString(),
		URL:        mutation.URL,
		Method:     mutation.Method,
		Headers:    mutation.Headers,
		Body:       mutation.Body,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := q.store.Append(ctx, entry); err != nil {
		return QueuedMutation{}, fmt.Errorf("queue: enqueue: %w", err)
	}
	q.logger.Info("mutation queued",
		slog.String("id", entry.ID),
		slog.String("method", entry.Method),
		slog.String("url", entry.URL))
	return entry, nil
}

// Pending lists queued entries in enqueue order.
func (q *Queue) Pending(ctx context.Context) ([]QueuedMutation, error) {
	entries, err := q.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: pending: %w", err)
	}
	return entries, nil
}

// Size reports how many entries are queued.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	size, err := q.store.Size(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue: size: %w", err)
	}
	return size, nil
}

// ReplayAll replays every pending entry in FIFO order. If a pass is already
// running, the report comes back with Skipped set and nothing is touched.
// FIFO is the only ordering guarantee: a later entry that logically depends
// on an earlier failed one is still attempted.
func (q *Queue) ReplayAll(ctx context.Context) (ReplayReport, error) {
	if !q.replayMu.TryLock() {
		return ReplayReport{Skipped: true}, nil
	}
	defer q.replayMu.Unlock()

	entries, err := q.store.List(ctx)
	if err != nil {
		return ReplayReport{}, fmt.Errorf("queue: replay list: %w", err)
	}

	report := ReplayReport{}
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}

		report.Attempted++
		if err := q.sender.Send(ctx, entry); err != nil {
			q.logger.Warn("mutation replay failed",
				slog.String("id", entry.ID),
				slog.Int("attempt", entry.AttemptCount+1),
				slog.Any("error", err))

			attempts, incErr := q.store.IncrementAttempts(ctx, entry.ID)
			if incErr != nil {
				return report, fmt.Errorf("queue: increment attempts: %w", incErr)
			}
			if attempts >= q.maxAttempts {
				if err := q.store.Remove(ctx, entry.ID); err != nil {
					return report, fmt.Errorf("queue: drop failed entry: %w", err)
				}
				report.Dropped++
				q.logger.Error("mutation permanently failed",
					slog.String("id", entry.ID),
					slog.String("method", entry.Method),
					slog.String("url", entry.URL),
					slog.Int("attempts", attempts))
				continue
			}
			report.Requeued++
			continue
		}

		if err := q.store.Remove(ctx, entry.ID); err != nil {
			return report, fmt.Errorf("queue: remove replayed entry: %w", err)
		}
		report.Succeeded++
		q.logger.Info("mutation replayed", slog.String("id", entry.ID))
	}
	return report, nil
}

// Close releases the underlying store.
func (q *Queue) Close() error {
	return q.store.Close()
}
