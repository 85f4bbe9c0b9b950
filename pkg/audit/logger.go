// Package audit keeps the request log: one row per proxied request with
// its routing outcome, token usage and latency. Request and response
// bodies are never stored here; the cache already holds the raw request
// next to its entry.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/cachegate-ai/cachegate/pkg/models"
)

// Logger writes and queries request log rows in a dedicated SQLite
// database.
type Logger struct {
	db        *sql.DB
	retention int
}

const createRequestLog = `
CREATE TABLE IF NOT EXISTS request_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	key_prefix TEXT NOT NULL,
	model TEXT NOT NULL,
	route TEXT NOT NULL,
	stream BOOLEAN NOT NULL DEFAULT 0,
	cache_hit BOOLEAN NOT NULL DEFAULT 0,
	status_code INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_request_log_model ON request_log(model);
CREATE INDEX IF NOT EXISTS idx_request_log_created ON request_log(created_at);
CREATE INDEX IF NOT EXISTS idx_request_log_prefix ON request_log(key_prefix);
`

// New opens the request log database and creates the schema.
// retentionDays bounds how far back Cleanup keeps rows; zero disables
// pruning.
func New(path string, retentionDays int) (*Logger, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open request log db: %w", err)
	}
	if _, err := db.Exec(createRequestLog); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate request log db: %w", err)
	}
	return &Logger{db: db, retention: retentionDays}, nil
}

// Log inserts one request log row. A nil Logger drops the row, so callers
// need no guard when auditing is disabled.
func (l *Logger) Log(ctx context.Context, entry models.AuditEntry) error {
	if l == nil || l.db == nil {
		return nil
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO request_log
		(request_id, fingerprint, key_prefix, model, route, stream, cache_hit,
		 status_code, latency_ms, prompt_tokens, completion_tokens, total_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, entry.Fingerprint, entry.KeyPrefix, entry.Model,
		entry.Route, entry.Stream, entry.CacheHit, entry.StatusCode,
		entry.LatencyMs, entry.PromptTokens, entry.CompletionTokens,
		entry.TotalTokens, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}

// Query returns request log rows matching the given options, newest first.
func (l *Logger) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error) {
	q := `SELECT id, request_id, fingerprint, key_prefix, model, route, stream, cache_hit,
		status_code, latency_ms, prompt_tokens, completion_tokens, total_tokens, created_at
		FROM request_log WHERE 1=1`
	var args []any

	if opts.RequestID != "" {
		q += " AND request_id = ?"
		args = append(args, opts.RequestID)
	}
	if opts.Model != "" {
		q += " AND model = ?"
		args = append(args, opts.Model)
	}
	if opts.KeyPrefix != "" {
		q += " AND key_prefix = ?"
		args = append(args, opts.KeyPrefix)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since)
	}

	q += " ORDER BY created_at DESC, id DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query request log: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(
			&e.ID, &e.RequestID, &e.Fingerprint, &e.KeyPrefix, &e.Model,
			&e.Route, &e.Stream, &e.CacheHit, &e.StatusCode, &e.LatencyMs,
			&e.PromptTokens, &e.CompletionTokens, &e.TotalTokens, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan request log row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns request counts grouped by model and day.
func (l *Logger) Stats(ctx context.Context) ([]models.AuditStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT model, date(created_at) as day, count(*) as cnt
		 FROM request_log GROUP BY model, day ORDER BY day DESC, model`)
	if err != nil {
		return nil, fmt.Errorf("request log stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var s models.AuditStat
		var day sql.NullString
		if err := rows.Scan(&s.Model, &day, &s.Count); err != nil {
			return nil, fmt.Errorf("scan request log stat: %w", err)
		}
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Summary aggregates usage per model, splitting out what cache hits
// answered without an upstream call. A zero since means all time.
func (l *Logger) Summary(ctx context.Context, since time.Time) ([]models.UsageSummary, error) {
	where, args := sinceClause(since)
	rows, err := l.db.QueryContext(ctx,
		`SELECT model, COUNT(*),
			SUM(CASE WHEN cache_hit THEN 1 ELSE 0 END),
			COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(CASE WHEN cache_hit THEN total_tokens ELSE 0 END), 0)
		 FROM request_log`+where+` GROUP BY model ORDER BY model`, args...)
	if err != nil {
		return nil, fmt.Errorf("usage summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(&s.Model, &s.RequestCount, &s.CacheHits,
			&s.PromptTokens, &s.CompletionTokens, &s.TotalTokens, &s.CachedTokens); err != nil {
			return nil, fmt.Errorf("scan usage summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// CostReport estimates upstream spend per model from the configured
// pricing table. Tokens served from the cache count toward SavedCost
// instead of Cost. Models without a pricing row are listed unpriced.
func (l *Logger) CostReport(ctx context.Context, pricing []models.ModelPricing, since time.Time) (*models.CostReport, error) {
	where, args := sinceClause(since)
	rows, err := l.db.QueryContext(ctx,
		`SELECT model, COUNT(*),
			COALESCE(SUM(CASE WHEN cache_hit THEN 0 ELSE prompt_tokens END), 0),
			COALESCE(SUM(CASE WHEN cache_hit THEN 0 ELSE completion_tokens END), 0),
			COALESCE(SUM(CASE WHEN cache_hit THEN prompt_tokens ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN cache_hit THEN completion_tokens ELSE 0 END), 0)
		 FROM request_log`+where+` GROUP BY model ORDER BY model`, args...)
	if err != nil {
		return nil, fmt.Errorf("cost report: %w", err)
	}
	defer rows.Close()

	rates := make(map[string]models.ModelPricing, len(pricing))
	for _, p := range pricing {
		rates[p.Model] = p
	}

	report := &models.CostReport{}
	for rows.Next() {
		var (
			line                         models.CostLine
			billedPrompt, billedComplete int64
			savedPrompt, savedComplete   int64
		)
		if err := rows.Scan(&line.Model, &line.Requests,
			&billedPrompt, &billedComplete, &savedPrompt, &savedComplete); err != nil {
			return nil, fmt.Errorf("scan cost row: %w", err)
		}
		line.PromptTokens = int(billedPrompt + savedPrompt)
		line.CompletionTokens = int(billedComplete + savedComplete)

		if rate, ok := rates[line.Model]; ok {
			line.Priced = true
			line.Cost = tokenCost(billedPrompt, rate.PromptPer1K).
				Add(tokenCost(billedComplete, rate.CompletionPer1K))
			line.SavedCost = tokenCost(savedPrompt, rate.PromptPer1K).
				Add(tokenCost(savedComplete, rate.CompletionPer1K))
			report.TotalCost = report.TotalCost.Add(line.Cost)
			report.TotalSaved = report.TotalSaved.Add(line.SavedCost)
		}
		report.Lines = append(report.Lines, line)
	}
	return report, rows.Err()
}

func tokenCost(tokens int64, per1K float64) decimal.Decimal {
	return decimal.NewFromInt(tokens).
		Div(decimal.NewFromInt(1000)).
		Mul(decimal.NewFromFloat(per1K))
}

func sinceClause(since time.Time) (string, []any) {
	if since.IsZero() {
		return "", nil
	}
	return " WHERE created_at >= ?", []any{since.UTC()}
}

// Cleanup deletes rows older than the retention period. A zero retention
// keeps everything.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	if l.retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -l.retention)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM request_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("request log cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database connection.
func (l *Logger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
