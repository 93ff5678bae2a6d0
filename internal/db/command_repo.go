package db

import (
	"context"
	"database/sql"
	"fmt"
)

type CommandRepo struct {
	db *sql.DB
}

func NewCommandRepo(db *sql.DB) *CommandRepo {
	return &CommandRepo{db: db}
}

func (r *CommandRepo) Record(ctx context.Context, rec *CommandRecord) error {
	if rec == nil {
		return fmt.Errorf("command record is required")
	}
	if rec.ID == "" {
		rec.ID = NewID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = nowUTC()
	}
	outputJSON, err := encodeOutput(rec.Output)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO command_history (
	id, source, command, success, error, error_kind, output_json, duration_ms, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		rec.ID,
		rec.Source,
		rec.Command,
		boolToInt(rec.Success),
		rec.Error,
		rec.ErrorKind,
		outputJSON,
		rec.DurationMs,
		formatTimestamp(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record command: %w", err)
	}
	return nil
}

// ListRecent returns the newest records first.
func (r *CommandRepo) ListRecent(ctx context.Context, limit int) ([]*CommandRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, source, command, success, error, error_kind, output_json, duration_ms, created_at
FROM command_history
ORDER BY created_at DESC, rowid DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list command history: %w", err)
	}
	defer rows.Close()

	out := make([]*CommandRecord, 0, limit)
	for rows.Next() {
		var rec CommandRecord
		var success int
		var outputJSON, createdAtRaw string
		if err := rows.Scan(
			&rec.ID,
			&rec.Source,
			&rec.Command,
			&success,
			&rec.Error,
			&rec.ErrorKind,
			&outputJSON,
			&rec.DurationMs,
			&createdAtRaw,
		); err != nil {
			return nil, fmt.Errorf("failed to scan command record: %w", err)
		}
		rec.Success = success != 0
		if rec.Output, err = decodeOutput(outputJSON); err != nil {
			return nil, err
		}
		if rec.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating command history: %w", err)
	}
	return out, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
