package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/user/gterm/internal/collector"
)

const (
	dayLayout = "2006-01-02"
	// Fixed width so stored timestamps sort as text.
	timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// ArchivedLine is one printed console line. Day is the local calendar day
// the line was logged on.
type ArchivedLine struct {
	ID       int64     `json:"id"`
	Day      string    `json:"day"`
	LoggedAt time.Time `json:"logged_at"`
	Text     string    `json:"text"`
}

// CommandRecord is one collector session as seen by a remote caller.
type CommandRecord struct {
	ID         string                 `json:"id"`
	Source     string                 `json:"source"`
	Command    string                 `json:"command"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	ErrorKind  string                 `json:"error_kind,omitempty"`
	Output     []collector.OutputLine `json:"output"`
	DurationMs float64                `json:"duration_ms"`
	CreatedAt  time.Time              `json:"created_at"`
}

// NewCommandRecord builds a history entry from a finished session.
func NewCommandRecord(source string, res collector.CommandResult, err error) *CommandRecord {
	return &CommandRecord{
		Source:     source,
		Command:    res.Command,
		Success:    res.Success,
		Error:      res.Error,
		ErrorKind:  collector.Kind(err),
		Output:     res.Output,
		DurationMs: res.CollectionDurationMs,
	}
}

func NewID() string {
	return uuid.NewString()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = nowUTC()
	}
	return ts.UTC().Format(timestampLayout)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(timestampLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return ts, nil
}

func encodeOutput(lines []collector.OutputLine) (string, error) {
	if lines == nil {
		lines = []collector.OutputLine{}
	}
	data, err := json.Marshal(lines)
	if err != nil {
		return "", fmt.Errorf("failed to encode output: %w", err)
	}
	return string(data), nil
}

func decodeOutput(raw string) ([]collector.OutputLine, error) {
	if raw == "" {
		return []collector.OutputLine{}, nil
	}
	var lines []collector.OutputLine
	if err := json.Unmarshal([]byte(raw), &lines); err != nil {
		return nil, fmt.Errorf("failed to decode output: %w", err)
	}
	return lines, nil
}
