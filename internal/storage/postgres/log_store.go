package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/court-records-scraper/internal/court"
)

// LogStore implements court.AuditLog on an append-only table.
type LogStore struct {
	pool  Pool
	table string
}

// NewLogStore builds a LogStore writing to table (default scraping_logs).
func NewLogStore(pool Pool, table string) (*LogStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "scraping_logs"
	}
	if err := checkTable(table); err != nil {
		return nil, err
	}
	return &LogStore{pool: pool, table: table}, nil
}

// Append inserts one audit entry.
func (s *LogStore) Append(ctx context.Context, entry court.ScrapingLogEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("log entry id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	run_id,
	date_time,
	source,
	category,
	outcome,
	total_records,
	success_status,
	error_message
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)`, s.table)

	args := []any{
		entry.ID,
		entry.RunID,
		entry.DateTime,
		entry.Source,
		string(entry.Category),
		string(entry.Outcome),
		entry.TotalRecords,
		entry.SuccessStatus,
		entry.ErrorMessage,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert scraping log: %w", err)
	}
	return nil
}

// ListLogs returns entries newest first; an empty category lists all.
func (s *LogStore) ListLogs(ctx context.Context, cat court.Category, skip, limit int) ([]court.ScrapingLogEntry, error) {
	query := fmt.Sprintf(`
SELECT id, run_id, date_time, source, category, outcome, total_records, success_status, error_message, created_at
FROM %s
WHERE ($1 = '' OR category = $1)
ORDER BY date_time DESC, id DESC
LIMIT $2 OFFSET $3`, s.table)

	rows, err := s.pool.Query(ctx, query, string(cat), limit, skip)
	if err != nil {
		return nil, fmt.Errorf("list scraping logs: %w", err)
	}
	defer rows.Close()

	out := []court.ScrapingLogEntry{}
	for rows.Next() {
		var (
			e                 court.ScrapingLogEntry
			category, outcome string
		)
		if err := rows.Scan(
			&e.ID, &e.RunID, &e.DateTime, &e.Source, &category, &outcome,
			&e.TotalRecords, &e.SuccessStatus, &e.ErrorMessage, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan scraping log: %w", err)
		}
		e.Category = court.Category(category)
		e.Outcome = court.Outcome(outcome)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scraping logs: %w", err)
	}
	return out, nil
}

// Migrate creates the log table when absent.
func (s *LogStore) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL DEFAULT '',
	date_time TIMESTAMPTZ NOT NULL,
	source TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT '',
	total_records INTEGER NOT NULL DEFAULT 0,
	success_status BOOLEAN NOT NULL DEFAULT false,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *LogStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}
