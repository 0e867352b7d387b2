package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// bindingEntry holds session binding data in memory.
type bindingEntry struct {
	AccountID string
}

// SQLiteStore implements Store using SQLite for the durable request log and
// in-memory TTL maps for sticky sessions and session bindings.
type SQLiteStore struct {
	db            *sql.DB
	sticky        *TTLMap[string]
	bindings      *TTLMap[bindingEntry]
	cleanupCancel context.CancelFunc
}

// New creates a SQLiteStore, initializes the schema, and starts background
// TTL-map cleanup.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SQLiteStore{
		db:            db,
		sticky:        NewTTLMap[string](),
		bindings:      NewTTLMap[bindingEntry](),
		cleanupCancel: cancel,
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sticky.Cleanup()
				s.bindings.Cleanup()
			}
		}
	}()

	return s, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteStore) Close() error                   { s.cleanupCancel(); return s.db.Close() }

// ---------------------------------------------------------------------------
// Sticky sessions
// ---------------------------------------------------------------------------

func (s *SQLiteStore) GetStickySession(ctx context.Context, hash string) (string, error) {
	v, _ := s.sticky.Get(hash)
	return v, nil
}

func (s *SQLiteStore) SetStickySession(ctx context.Context, hash, accountID string, ttl time.Duration) error {
	s.sticky.Set(hash, accountID, ttl)
	return nil
}

// ---------------------------------------------------------------------------
// Session bindings
// ---------------------------------------------------------------------------

func (s *SQLiteStore) GetSessionBinding(ctx context.Context, sessionID string) (string, error) {
	e, ok := s.bindings.Get(sessionID)
	if !ok {
		return "", nil
	}
	return e.AccountID, nil
}

func (s *SQLiteStore) SetSessionBinding(ctx context.Context, sessionID, accountID string, ttl time.Duration) error {
	s.bindings.Set(sessionID, bindingEntry{AccountID: accountID}, ttl)
	return nil
}

func (s *SQLiteStore) RenewSessionBinding(ctx context.Context, sessionID string, ttl time.Duration) error {
	s.bindings.Update(sessionID, func(*bindingEntry) {}, ttl)
	return nil
}
