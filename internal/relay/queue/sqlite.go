package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const createQueueTable = `
CREATE TABLE IF NOT EXISTS queued_mutations (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	url TEXT NOT NULL,
	method TEXT NOT NULL,
	headers TEXT NOT NULL,
	body BLOB,
	enqueued_at DATETIME NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0
);
`

type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the durable queue database. The seq
// column preserves FIFO enqueue order across restarts.
func NewSQLiteStore(dbPath string) (Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("queue: open store db: %w", err)
	}
	if _, err := db.Exec(createQueueTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: migrate store db: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Append(ctx context.Context, entry QueuedMutation) error {
	headers, err := json.Marshal(entry.Headers)
	if err != nil {
		return fmt.Errorf("queue: marshal headers: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO queued_mutations (id, url, method, headers, body, enqueued_at, attempt_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.URL, entry.Method, string(headers), entry.Body,
		entry.EnqueuedAt.UTC(), entry.AttemptCount,
	)
	if err != nil {
		return fmt.Errorf("queue: append: %w", err)
	}
	return nil
}

func (s *sqliteStore) List(ctx context.Context) ([]QueuedMutation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, method, headers, body, enqueued_at, attempt_count
		 FROM queued_mutations ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	defer rows.Close()

	var entries []QueuedMutation
	for rows.Next() {
		var (
			entry      QueuedMutation
			headers    string
			enqueuedAt time.Time
		)
		if err := rows.Scan(&entry.ID, &entry.URL, &entry.Method, &headers, &entry.Body, &enqueuedAt, &entry.AttemptCount); err != nil {
			return nil, fmt.Errorf("queue: scan: %w", err)
		}
		if headers != "" && headers != "null" {
			if err := json.Unmarshal([]byte(headers), &entry.Headers); err != nil {
				return nil, fmt.Errorf("queue: unmarshal headers: %w", err)
			}
		}
		entry.EnqueuedAt = enqueuedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: list rows: %w", err)
	}
	return entries, nil
}

func (s *sqliteStore) IncrementAttempts(ctx context.Context, id string) (int, error) {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE queued_mutations SET attempt_count = attempt_count + 1 WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("queue: increment: %w", err)
	}
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`SELECT attempt_count FROM queued_mutations WHERE id = ?`, id).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("queue: read attempts: %w", err)
	}
	return attempts, nil
}

func (s *sqliteStore) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queued_mutations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("queue: remove: %w", err)
	}
	return nil
}

func (s *sqliteStore) Size(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_mutations`).Scan(&count); err != nil {
		return 0, fmt.Errorf("queue: size: %w", err)
	}
	return count, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
