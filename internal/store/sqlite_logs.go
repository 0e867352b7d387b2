package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ---------------------------------------------------------------------------
// Request log
// ---------------------------------------------------------------------------

func (s *SQLiteStore) InsertRequestLog(ctx context.Context, l *RequestLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_log (account_id, model, input_tokens, output_tokens, status, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.AccountID, l.Model, l.InputTokens, l.OutputTokens, l.Status, l.DurationMs, l.CreatedAt.Unix())
	return err
}

func (s *SQLiteStore) QueryRequestLogs(ctx context.Context, opts RequestLogQuery) ([]*RequestLog, int, error) {
	where, args := "1=1", []interface{}{}
	if opts.AccountID != "" {
		where += " AND account_id = ?"
		args = append(args, opts.AccountID)
	}

	var total int
	_ = s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM request_log WHERE %s", where), args...).Scan(&total)

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	fetchArgs := append(append([]interface{}{}, args...), limit, opts.Offset)

	query := fmt.Sprintf(`SELECT id, account_id, model, input_tokens, output_tokens, status, duration_ms, created_at
		FROM request_log WHERE %s ORDER BY created_at DESC LIMIT ? OFFSET ?`, where)

	rows, err := s.db.QueryContext(ctx, query, fetchArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var logs []*RequestLog
	for rows.Next() {
		l := &RequestLog{}
		var ts int64
		if err := rows.Scan(&l.ID, &l.AccountID, &l.Model, &l.InputTokens, &l.OutputTokens,
			&l.Status, &l.DurationMs, &ts); err != nil {
			return nil, 0, err
		}
		l.CreatedAt = time.Unix(ts, 0).UTC()
		logs = append(logs, l)
	}
	return logs, total, rows.Err()
}

func (s *SQLiteStore) PurgeOldLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM request_log WHERE created_at < ?", before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExportRequestLogs mirrors the most recent limit rows to path as an
// indented JSON array, written atomically (temp file + rename) the same
// way internal/pool persists accounts.json.
func (s *SQLiteStore) ExportRequestLogs(ctx context.Context, path string, limit int) error {
	logs, _, err := s.QueryRequestLogs(ctx, RequestLogQuery{Limit: limit})
	if err != nil {
		return fmt.Errorf("query request logs: %w", err)
	}
	if logs == nil {
		logs = []*RequestLog{}
	}

	raw, err := json.MarshalIndent(logs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal request logs: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write temp request logs file: %w", err)
	}
	return os.Rename(tmp, path)
}

// ---------------------------------------------------------------------------
// Dashboard & analytics queries
// ---------------------------------------------------------------------------

// QueryUsagePeriods returns request/token totals for 5 lookback windows.
func (s *SQLiteStore) QueryUsagePeriods(ctx context.Context) ([]UsagePeriod, error) {
	now := time.Now().UTC()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	yesterdayStart := todayStart.Add(-24 * time.Hour)

	periods := []struct {
		label       string
		since, until time.Time
	}{
		{"today", todayStart, now},
		{"yesterday", yesterdayStart, todayStart},
		{"3 days", now.Add(-3 * 24 * time.Hour), now},
		{"7 days", now.Add(-7 * 24 * time.Hour), now},
		{"30 days", now.Add(-30 * 24 * time.Hour), now},
	}

	result := make([]UsagePeriod, 0, len(periods))
	for _, p := range periods {
		row := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(COUNT(*),0), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0)
			FROM request_log WHERE created_at >= ? AND created_at < ?`, p.since.Unix(), p.until.Unix())
		up := UsagePeriod{Label: p.label}
		row.Scan(&up.Requests, &up.InputTokens, &up.OutputTokens)
		result = append(result, up)
	}
	return result, nil
}

// QueryModelUsage returns a per-model usage breakdown over the trailing 7 days.
func (s *SQLiteStore) QueryModelUsage(ctx context.Context) ([]ModelUsageRow, error) {
	sevenDaysAgo := time.Now().UTC().Add(-7 * 24 * time.Hour).Unix()
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, COUNT(*), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0)
		FROM request_log WHERE created_at >= ? GROUP BY model ORDER BY SUM(input_tokens + output_tokens) DESC`,
		sevenDaysAgo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ModelUsageRow
	for rows.Next() {
		var m ModelUsageRow
		if err := rows.Scan(&m.Model, &m.Requests, &m.InputTokens, &m.OutputTokens); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}
