package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/user/gterm/internal/collector"
)

var (
	ErrEmptyCode   = errors.New("script: code cannot be empty")
	ErrNoScriptDir = errors.New("script: script directory not configured")
)

// Runner executes one console command and collects its output.
type Runner interface {
	Execute(ctx context.Context, command string, window time.Duration) (collector.CommandResult, error)
}

// Result is what running a script produced.
type Result struct {
	Success              bool                   `json:"success"`
	Command              string                 `json:"command,omitempty"`
	FileName             string                 `json:"fileName,omitempty"`
	Output               []collector.OutputLine `json:"output"`
	CollectionDurationMs float64                `json:"collectionDurationMs"`
	Error                string                 `json:"error,omitempty"`
}

// Executor hands scripts to the game by writing them into a directory it
// loads client scripts from and asking it to open the file.
type Executor struct {
	runner Runner
	dir    string
	prefix string
}

// NewExecutor writes scripts under dir. The game is told to open
// "<base(dir)>/<file>", relative to its script root.
func NewExecutor(runner Runner, dir string) *Executor {
	return &Executor{runner: runner, dir: dir, prefix: filepath.Base(dir)}
}

// Run writes code to a uniquely named file, executes it and removes the file
// again whatever the outcome.
func (e *Executor) Run(ctx context.Context, code string, window time.Duration) (Result, error) {
	if strings.TrimSpace(code) == "" {
		return Result{Error: ErrEmptyCode.Error()}, ErrEmptyCode
	}
	if e.dir == "" {
		return Result{Error: ErrNoScriptDir.Error()}, ErrNoScriptDir
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		err = fmt.Errorf("script: create %s: %w", e.dir, err)
		return Result{Error: err.Error()}, err
	}

	name := uuid.NewString() + ".lua"
	path := filepath.Join(e.dir, name)
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		err = fmt.Errorf("script: write %s: %w", path, err)
		return Result{Error: err.Error()}, err
	}
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove script file", "path", path, "error", err)
		}
	}()

	command := fmt.Sprintf("lua_openscript_cl %s/%s", e.prefix, name)
	slog.Debug("executing script", "command", command)

	res, err := e.runner.Execute(ctx, command, window)
	if err != nil {
		return Result{Command: command, Error: res.Error}, err
	}
	return Result{
		Success:              true,
		Command:              command,
		FileName:             name,
		Output:               res.Output,
		CollectionDurationMs: res.CollectionDurationMs,
	}, nil
}
