package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	fail map[string]bool
}

func (s *recordingSender) Send(_ context.Context, entry QueuedMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, entry.URL)
	if s.fail[entry.URL] {
		return errors.New("backend rejected mutation")
	}
	return nil
}

func newSQLiteTestStore(t *testing.T) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	return store, path
}

func TestEnqueueAssignsIDAndPersists(t *testing.T) {
	store, _ := newSQLiteTestStore(t)
	q := New(store, &recordingSender{}, nil, Options{})
	defer q.Close()
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, Mutation{
		URL:     "https://api.example.com/tasks",
		Method:  "POST",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte(`{"title":"x"}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, entry.ID)
	require.Zero(t, entry.AttemptCount)
	require.False(t, entry.EnqueuedAt.IsZero())

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, entry.ID, pending[0].ID)
	require.Equal(t, "application/json", pending[0].Headers["Content-Type"])
	require.Equal(t, []byte(`{"title":"x"}`), pending[0].Body)
}

func TestEnqueueRejectsNonMutations(t *testing.T) {
	q := New(NewMemoryStore(), &recordingSender{}, nil, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Mutation{URL: "https://x", Method: "GET"})
	require.Error(t, err)
	_, err = q.Enqueue(ctx, Mutation{Method: "POST"})
	require.Error(t, err)
}

func TestReplayAllFIFOOrder(t *testing.T) {
	store, _ := newSQLiteTestStore(t)
	sender := &recordingSender{}
	q := New(store, sender, nil, Options{})
	defer q.Close()
	ctx := context.Background()

	for _, url := range []string{"https://x/1", "https://x/2", "https://x/3"} {
		_, err := q.Enqueue(ctx, Mutation{URL: url, Method: "POST"})
		require.NoError(t, err)
	}

	report, err := q.ReplayAll(ctx)
	require.NoError(t, err)
	require.Equal(t, ReplayReport{Attempted: 3, Succeeded: 3}, report)
	require.Equal(t, []string{"https://x/1", "https://x/2", "https://x/3"}, sender.sent)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestReplayDropsAfterAttemptCeiling(t *testing.T) {
	store, _ := newSQLiteTestStore(t)
	sender := &recordingSender{fail: map[string]bool{"https://x/2": true}}
	q := New(store, sender, nil, Options{})
	defer q.Close()
	ctx := context.Background()

	for _, url := range []string{"https://x/1", "https://x/2", "https://x/3"} {
		_, err := q.Enqueue(ctx, Mutation{URL: url, Method: "PUT"})
		require.NoError(t, err)
	}

	// Pass 1: first and third succeed, second stays with one attempt.
	report, err := q.ReplayAll(ctx)
	require.NoError(t, err)
	require.Equal(t, ReplayReport{Attempted: 3, Succeeded: 2, Requeued: 1}, report)

	// Passes 2 and 3: only the failing entry remains.
	report, err = q.ReplayAll(ctx)
	require.NoError(t, err)
	require.Equal(t, ReplayReport{Attempted: 1, Requeued: 1}, report)

	report, err = q.ReplayAll(ctx)
	require.NoError(t, err)
	require.Equal(t, ReplayReport{Attempted: 1, Dropped: 1}, report, "third failed attempt drops the entry")

	size, err := q.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, size, "dropped entries never linger")
}

func TestReplaySkipsWhenPassAlreadyRunning(t *testing.T) {
	store, _ := newSQLiteTestStore(t)

	started := make(chan struct{})
	release := make(chan struct{})
	sender := SenderFunc(func(context.Context, QueuedMutation) error {
		close(started)
		<-release
		return nil
	})
	q := New(store, sender, nil, Options{})
	defer q.Close()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Mutation{URL: "https://x/slow", Method: "POST"})
	require.NoError(t, err)

	done := make(chan ReplayReport, 1)
	go func() {
		report, _ := q.ReplayAll(ctx)
		done <- report
	}()
	<-started

	report, err := q.ReplayAll(ctx)
	require.NoError(t, err)
	require.True(t, report.Skipped, "concurrent trigger must be a no-op")
	require.Zero(t, report.Attempted)

	close(release)
	first := <-done
	require.Equal(t, 1, first.Succeeded)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	store, path := newSQLiteTestStore(t)
	ctx := context.Background()

	q := New(store, &recordingSender{}, nil, Options{})
	entry, err := q.Enqueue(ctx, Mutation{URL: "https://x/persist", Method: "PATCH", Body: []byte(`{}`)})
	require.NoError(t, err)
	require.NoError(t, q.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, entry.ID, entries[0].ID)
	require.Equal(t, "PATCH", entries[0].Method)
}

func TestMemoryStoreFallbackBehavesLikeAStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, QueuedMutation{ID: "a", URL: "https://x/a", Method: "POST"}))
	require.NoError(t, store.Append(ctx, QueuedMutation{ID: "b", URL: "https://x/b", Method: "POST"}))

	attempts, err := store.IncrementAttempts(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 1, attempts)

	require.NoError(t, store.Remove(ctx, "a"))
	entries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "b", entries[0].ID)
}
