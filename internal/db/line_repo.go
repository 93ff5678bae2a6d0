package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type LineRepo struct {
	db *sql.DB
}

func NewLineRepo(db *sql.DB) *LineRepo {
	return &LineRepo{db: db}
}

// AppendLine archives one printed line under the local day of at.
func (r *LineRepo) AppendLine(ctx context.Context, at time.Time, text string) error {
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO console_lines (day, logged_at, text) VALUES (?, ?, ?)
`,
		at.Local().Format(dayLayout),
		formatTimestamp(at),
		text,
	)
	if err != nil {
		return fmt.Errorf("failed to archive line: %w", err)
	}
	return nil
}

// ListByDay returns the lines archived on day (2006-01-02) in the order
// they were printed.
func (r *LineRepo) ListByDay(ctx context.Context, day string, limit int) ([]*ArchivedLine, error) {
	if _, err := time.Parse(dayLayout, strings.TrimSpace(day)); err != nil {
		return nil, fmt.Errorf("invalid day %q: %w", day, err)
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, day, logged_at, text
FROM console_lines
WHERE day = ?
ORDER BY id ASC
LIMIT ?
`, strings.TrimSpace(day), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived lines: %w", err)
	}
	defer rows.Close()

	var out []*ArchivedLine
	for rows.Next() {
		var line ArchivedLine
		var loggedAtRaw string
		if err := rows.Scan(&line.ID, &line.Day, &loggedAtRaw, &line.Text); err != nil {
			return nil, fmt.Errorf("failed to scan archived line: %w", err)
		}
		line.LoggedAt, err = parseTimestamp(loggedAtRaw)
		if err != nil {
			return nil, err
		}
		out = append(out, &line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating archived lines: %w", err)
	}
	return out, nil
}
