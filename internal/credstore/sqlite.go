package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a Store backed by a per-profile SQLite database.
type SQLiteStore struct {
	db      *sql.DB
	timeout time.Duration
}

// Open creates a new SQLite-backed credential store with WAL mode and
// recommended pragmas. Every operation is bounded by timeout.
func Open(path string, timeout time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open credential db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping credential db: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SQLiteStore{db: db, timeout: timeout}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetItem returns the stored value for key, or "" when absent.
func (s *SQLiteStore) GetItem(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM credentials WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", s.classify(err, "get "+key)
	}
	return value, nil
}

// SetItem stores or replaces the value for key.
func (s *SQLiteStore) SetItem(ctx context.Context, key, value string) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return s.classify(err, "set "+key)
	}
	return nil
}

// RemoveItem deletes the value for key. Removing an absent key is a no-op.
func (s *SQLiteStore) RemoveItem(ctx context.Context, key string) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, key); err != nil {
		return s.classify(err, "remove "+key)
	}
	return nil
}

func (s *SQLiteStore) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *SQLiteStore) classify(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}
