// Package store holds the persistence concerns that don't belong in
// accounts.json: the durable request log (SQLite) and ephemeral in-memory
// state with TTL expiry (sticky sessions, session bindings).
//
// Accounts themselves persist through internal/pool's own atomic
// accounts.json writer, per the external-interface contract; this package
// never touches account data.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface for request logging and ephemeral,
// process-local session state.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Sticky session: hash of a conversation's leading turns → account id,
	// so a multi-turn conversation keeps talking to the same account.
	GetStickySession(ctx context.Context, hash string) (string, error)
	SetStickySession(ctx context.Context, hash, accountID string, ttl time.Duration) error

	// Session binding: an explicit client session id → account id, with
	// sliding renewal on each use.
	GetSessionBinding(ctx context.Context, sessionID string) (string, error)
	SetSessionBinding(ctx context.Context, sessionID, accountID string, ttl time.Duration) error
	RenewSessionBinding(ctx context.Context, sessionID string, ttl time.Duration) error

	// Request log
	InsertRequestLog(ctx context.Context, log *RequestLog) error
	QueryRequestLogs(ctx context.Context, opts RequestLogQuery) ([]*RequestLog, int, error)
	PurgeOldLogs(ctx context.Context, before time.Time) (int64, error)
	// ExportRequestLogs snapshots the most recent limit entries (newest
	// first) to path as a JSON array — spec.md §6's request_logs.json
	// persisted file, capped at 1000 entries, oldest evicted.
	ExportRequestLogs(ctx context.Context, path string, limit int) error
	QueryUsagePeriods(ctx context.Context) ([]UsagePeriod, error)
	QueryModelUsage(ctx context.Context) ([]ModelUsageRow, error)
}

// RequestLog is a single dispatched-request record (spec.md external
// interfaces: request_logs, capped at 1000 entries in the JSON mirror;
// unbounded here with PurgeOldLogs for retention).
type RequestLog struct {
	ID           int64     `json:"id"`
	AccountID    string    `json:"account_id"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Status       string    `json:"status"` // pool outcome name: success, rate_limited, exhausted, suspended, transient_upstream, client_error
	DurationMs   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// RequestLogQuery is a paginated request log query.
type RequestLogQuery struct {
	AccountID string
	Limit     int
	Offset    int
}

// UsagePeriod is request/token totals for a named lookback window.
type UsagePeriod struct {
	Label        string `json:"label"`
	Requests     int    `json:"requests"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// ModelUsageRow is a per-model usage breakdown over the trailing 7 days.
type ModelUsageRow struct {
	Model        string `json:"model"`
	Requests     int    `json:"requests"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}
