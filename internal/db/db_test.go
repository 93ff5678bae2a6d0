package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/gterm/internal/collector"
	"github.com/user/gterm/internal/protocol"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gterm-test.db")
	database, err := Open(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := database.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	})
	return database, path
}

func assertTableExists(t *testing.T, conn *sql.DB, table string) {
	t.Helper()
	var count int
	err := conn.QueryRow(`SELECT count(1) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
	if err != nil {
		t.Fatalf("query sqlite_master error: %v", err)
	}
	if count != 1 {
		t.Fatalf("table %q not found", table)
	}
}

func TestOpenCreatesDBFileAndRunsMigrations(t *testing.T) {
	database, path := openTestDB(t)

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected DB file at %q: %v", path, err)
	}
	assertTableExists(t, database.conn, "_meta")
	assertTableExists(t, database.conn, "console_lines")
	assertTableExists(t, database.conn, "command_history")
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(context.Background(), "", Options{}); err == nil {
		t.Fatal("Open(\"\") succeeded")
	}
	path := filepath.Join(t.TempDir(), "x.db")
	if _, err := Open(context.Background(), path, Options{RetentionDays: -1}); err == nil {
		t.Fatal("Open() accepted a negative retention")
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	database, _ := openTestDB(t)

	if err := RunMigrations(context.Background(), database.conn); err != nil {
		t.Fatalf("second RunMigrations() error = %v", err)
	}

	var version string
	if err := database.conn.QueryRow(`SELECT value FROM _meta WHERE key='schema_version'`).Scan(&version); err != nil {
		t.Fatalf("read schema version error = %v", err)
	}
	if version != "2" {
		t.Fatalf("schema version = %s, want 2", version)
	}
}

func TestLineRepoAppendAndListByDay(t *testing.T) {
	database, _ := openTestDB(t)
	repo := database.Lines()
	ctx := context.Background()

	day1 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)
	day2 := day1.AddDate(0, 0, 1)
	for i, text := range []string{"10:00:00 | first", "10:00:00 | second"} {
		if err := repo.AppendLine(ctx, day1.Add(time.Duration(i)*time.Second), text); err != nil {
			t.Fatalf("AppendLine() error = %v", err)
		}
	}
	if err := repo.AppendLine(ctx, day2, "next day"); err != nil {
		t.Fatalf("AppendLine() error = %v", err)
	}

	lines, err := repo.ListByDay(ctx, "2024-05-01", 0)
	if err != nil {
		t.Fatalf("ListByDay() error = %v", err)
	}
	if len(lines) != 2 || lines[0].Text != "10:00:00 | first" || lines[1].Text != "10:00:00 | second" {
		t.Fatalf("ListByDay() = %+v", lines)
	}
	if !lines[0].LoggedAt.Equal(day1) {
		t.Fatalf("LoggedAt = %v, want %v", lines[0].LoggedAt, day1)
	}

	limited, err := repo.ListByDay(ctx, "2024-05-01", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("ListByDay(limit 1) = %d lines, err %v", len(limited), err)
	}

	if _, err := repo.ListByDay(ctx, "May 1st", 0); err == nil {
		t.Fatal("ListByDay() accepted a malformed day")
	}
}

func TestCommandRepoRecordAndListRecent(t *testing.T) {
	database, _ := openTestDB(t)
	repo := database.Commands()
	ctx := context.Background()

	ok := collector.CommandResult{
		Success: true,
		Command: "status",
		Output: []collector.OutputLine{
			{Timestamp: "12:00:00", Message: "hostname: test", Color: protocol.White},
		},
		CollectionDurationMs: 1012.5,
	}
	first := NewCommandRecord("mcp", ok, nil)
	first.CreatedAt = time.Now().Add(-time.Minute)
	if err := repo.Record(ctx, first); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if first.ID == "" {
		t.Fatal("Record() did not set ID")
	}

	failed := collector.CommandResult{Command: "lua_run x", Error: collector.ErrBusy.Error()}
	if err := repo.Record(ctx, NewCommandRecord("mcp", failed, collector.ErrBusy)); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	recent, err := repo.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecent() error = %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("ListRecent() len = %d, want 2", len(recent))
	}
	if recent[0].Command != "lua_run x" || recent[0].Success || recent[0].ErrorKind != "busy" {
		t.Fatalf("newest record = %+v", recent[0])
	}
	older := recent[1]
	if !older.Success || older.DurationMs != 1012.5 || len(older.Output) != 1 || older.Output[0].Message != "hostname: test" {
		t.Fatalf("older record = %+v", older)
	}
	if older.Output[0].Color != protocol.White {
		t.Fatalf("output colour = %+v", older.Output[0].Color)
	}
	if len(recent[0].Output) != 0 {
		t.Fatalf("failed record output = %+v", recent[0].Output)
	}

	if err := repo.Record(ctx, nil); err == nil || errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("Record(nil) error = %v", err)
	}
}

func TestOpenPrunesPastRetention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retention.db")
	ctx := context.Background()

	database, err := Open(ctx, path, Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	now := time.Now()
	old := now.AddDate(0, 0, -10)
	for _, at := range []time.Time{old, now} {
		if err := database.Lines().AppendLine(ctx, at, at.Format(time.DateTime)); err != nil {
			t.Fatalf("AppendLine() error = %v", err)
		}
		rec := NewCommandRecord("run_command", collector.CommandResult{Success: true, Command: "status"}, nil)
		rec.CreatedAt = at
		if err := database.Commands().Record(ctx, rec); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	if err := database.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	database, err = Open(ctx, path, Options{RetentionDays: 3})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer database.Close()

	gone, err := database.Lines().ListByDay(ctx, old.Format("2006-01-02"), 0)
	if err != nil || len(gone) != 0 {
		t.Fatalf("old day = %d lines, err %v; want pruned", len(gone), err)
	}
	kept, err := database.Lines().ListByDay(ctx, now.Format("2006-01-02"), 0)
	if err != nil || len(kept) != 1 {
		t.Fatalf("today = %d lines, err %v; want 1", len(kept), err)
	}
	recent, err := database.Commands().ListRecent(ctx, 10)
	if err != nil || len(recent) != 1 {
		t.Fatalf("history = %d records, err %v; want 1", len(recent), err)
	}
}

func TestPruneKeepsCutoffDay(t *testing.T) {
	database, _ := openTestDB(t)
	ctx := context.Background()

	cutoff := time.Date(2024, 5, 2, 15, 0, 0, 0, time.Local)
	for _, at := range []time.Time{cutoff.AddDate(0, 0, -1), cutoff.Add(-time.Hour)} {
		if err := database.Lines().AppendLine(ctx, at, "line"); err != nil {
			t.Fatalf("AppendLine() error = %v", err)
		}
	}

	lines, commands, err := database.Prune(ctx, cutoff)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if lines != 1 || commands != 0 {
		t.Fatalf("Prune() = %d lines, %d commands; want 1, 0", lines, commands)
	}
	kept, err := database.Lines().ListByDay(ctx, "2024-05-02", 0)
	if err != nil || len(kept) != 1 {
		t.Fatalf("cutoff day = %d lines, err %v", len(kept), err)
	}
}
