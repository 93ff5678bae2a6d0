package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Options tune the archive. The zero value keeps everything forever.
type Options struct {
	// RetentionDays drops archived lines and history older than this many
	// local days when the archive is opened. Zero disables pruning.
	RetentionDays int
}

// DB is the on-disk archive: console lines and command history.
type DB struct {
	conn *sql.DB
}

// Open creates or opens the archive at path, migrates it and applies the
// retention policy in opts.
func Open(ctx context.Context, path string, opts Options) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("archive path cannot be empty")
	}
	if opts.RetentionDays < 0 {
		return nil, fmt.Errorf("archive retention %d days cannot be negative", opts.RetentionDays)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive at %q: %w", path, err)
	}
	// The console and the command server both write; sqlite has one writer.
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to configure archive (%s): %w", pragma, err)
		}
	}

	if err := RunMigrations(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	d := &DB{conn: conn}
	if opts.RetentionDays > 0 {
		cutoff := startOfDay(time.Now()).AddDate(0, 0, -opts.RetentionDays)
		lines, commands, err := d.Prune(ctx, cutoff)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		if lines > 0 || commands > 0 {
			slog.Info("pruned archive", "before", cutoff.Format(dayLayout), "lines", lines, "commands", commands)
		}
	}
	return d, nil
}

// Prune deletes console lines archived on days before cutoff's local day and
// history recorded before cutoff.
func (d *DB) Prune(ctx context.Context, cutoff time.Time) (lines, commands int64, err error) {
	res, err := d.conn.ExecContext(ctx, `DELETE FROM console_lines WHERE day < ?`, cutoff.Local().Format(dayLayout))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to prune archived lines: %w", err)
	}
	lines, _ = res.RowsAffected()

	res, err = d.conn.ExecContext(ctx, `DELETE FROM command_history WHERE created_at < ?`, formatTimestamp(cutoff))
	if err != nil {
		return lines, 0, fmt.Errorf("failed to prune command history: %w", err)
	}
	commands, _ = res.RowsAffected()
	return lines, commands, nil
}

func (d *DB) Close() error {
	if d == nil || d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

func (d *DB) Lines() *LineRepo {
	return NewLineRepo(d.conn)
}

func (d *DB) Commands() *CommandRepo {
	return NewCommandRepo(d.conn)
}

func startOfDay(t time.Time) time.Time {
	y, m, day := t.Local().Date()
	return time.Date(y, m, day, 0, 0, 0, 0, time.Local)
}
