package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/user/gterm/internal/collector"
	"github.com/user/gterm/internal/db"
	"github.com/user/gterm/internal/script"
)

const (
	minWindowSeconds  = 0.5
	maxWindowSeconds  = 30
	minCaptureSeconds = 1
	maxCaptureSeconds = 60
	defaultCapture    = 5
	defaultHistory    = 20
)

type toolFunc func(ctx context.Context, args json.RawMessage) (any, *rpcError)

type toolSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema inputSchema `json:"inputSchema"`
}

type inputSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]schemaProperty `json:"properties"`
	Required   []string                  `json:"required"`
}

type schemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

type toolResult struct {
	Content           []textContent `json:"content"`
	StructuredContent any           `json:"structuredContent,omitempty"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

var toolSpecs = []toolSpec{
	{
		Name: "run_command",
		Description: "Executes a console command and returns the captured output. " +
			"Waits for the first output after sending the command, then collects every console message for the collection window. " +
			"Output may include unrelated console messages printed at the same time. " +
			"WARNING: commands such as lua_run execute arbitrary code.",
		InputSchema: inputSchema{
			Type: "object",
			Properties: map[string]schemaProperty{
				"command": {Type: "string", Description: "The console command to execute, e.g. 'status'"},
				"timeout": {Type: "number", Description: "Seconds to collect output after the first response (default: 1, min: 0.5, max: 30)"},
			},
			Required: []string{"command"},
		},
	},
	{
		Name:        "capture_console",
		Description: "Captures all console output for a duration without sending anything.",
		InputSchema: inputSchema{
			Type: "object",
			Properties: map[string]schemaProperty{
				"duration": {Type: "number", Description: "Seconds to capture (default: 5, min: 1, max: 60)"},
			},
			Required: []string{},
		},
	},
	{
		Name: "execute_script",
		Description: "Runs Lua code on the client by writing it to a temporary script file, opening it and removing it again. " +
			"Returns the console output captured while it ran.",
		InputSchema: inputSchema{
			Type: "object",
			Properties: map[string]schemaProperty{
				"code":    {Type: "string", Description: "The Lua code to execute"},
				"timeout": {Type: "number", Description: "Seconds to collect output after the first response (default: 1, min: 0.5, max: 30)"},
			},
			Required: []string{"code"},
		},
	},
	{
		Name:        "command_history",
		Description: "Lists the most recent commands run through this server, newest first.",
		InputSchema: inputSchema{
			Type: "object",
			Properties: map[string]schemaProperty{
				"limit": {Type: "number", Description: "Maximum entries to return (default: 20, max: 500)"},
			},
			Required: []string{},
		},
	},
}

func (h *handler) tools() map[string]toolFunc {
	return map[string]toolFunc{
		"run_command":     h.runCommand,
		"capture_console": h.captureConsole,
		"execute_script":  h.executeScript,
		"command_history": h.commandHistory,
	}
}

func (h *handler) runCommand(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var args struct {
		Command string   `json:"command"`
		Timeout *float64 `json:"timeout"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, invalidParams("invalid arguments: " + err.Error())
	}
	if strings.TrimSpace(args.Command) == "" {
		return nil, invalidParams("missing required parameter: command")
	}

	window := h.collectionWindow(args.Timeout)
	slog.Info("running command", "command", args.Command, "window", window)

	res, err := h.commands.Execute(ctx, args.Command, window)
	h.record(ctx, db.NewCommandRecord("run_command", res, err))
	if err != nil {
		return nil, toolFailure(err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Command: %s\n", res.Command)
	fmt.Fprintf(&b, "Collection Duration: %.0fms\n", res.CollectionDurationMs)
	fmt.Fprintf(&b, "Lines Captured: %d\n\n", len(res.Output))
	b.WriteString("Output:\n-------\n")
	writeOutput(&b, res.Output, "")
	return textResult(b.String(), res), nil
}

func (h *handler) captureConsole(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var args struct {
		Duration *float64 `json:"duration"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, invalidParams("invalid arguments: " + err.Error())
	}
	seconds := float64(defaultCapture)
	if args.Duration != nil {
		seconds = clamp(*args.Duration, minCaptureSeconds, maxCaptureSeconds)
	}

	res, err := h.commands.Capture(ctx, secondsToDuration(seconds))
	h.record(ctx, db.NewCommandRecord("capture_console", res, err))
	if err != nil {
		return nil, toolFailure(err)
	}

	var b strings.Builder
	b.WriteString("Console Capture Result\n======================\n")
	fmt.Fprintf(&b, "Duration: %.1fs (%.0fms actual)\n", seconds, res.CollectionDurationMs)
	fmt.Fprintf(&b, "Lines Captured: %d\n\n", len(res.Output))
	b.WriteString("Console Output:\n---------------\n")
	writeOutput(&b, res.Output, "(no output captured during this time)\n")
	return textResult(b.String(), res), nil
}

func (h *handler) executeScript(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var args struct {
		Code    string   `json:"code"`
		Timeout *float64 `json:"timeout"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, invalidParams("invalid arguments: " + err.Error())
	}
	if strings.TrimSpace(args.Code) == "" {
		return nil, invalidParams("missing required parameter: code")
	}
	if h.scripts == nil {
		return nil, toolFailure(script.ErrNoScriptDir)
	}

	window := h.collectionWindow(args.Timeout)
	slog.Info("executing script", "chars", len(args.Code), "window", window)

	res, err := h.scripts.Run(ctx, args.Code, window)
	if res.Command != "" {
		h.record(ctx, db.NewCommandRecord("execute_script", collector.CommandResult{
			Success:              res.Success,
			Command:              res.Command,
			Output:               res.Output,
			CollectionDurationMs: res.CollectionDurationMs,
			Error:                res.Error,
		}, err))
	}
	if err != nil {
		return nil, toolFailure(err)
	}

	var b strings.Builder
	b.WriteString("Script Execution Result\n=======================\n")
	fmt.Fprintf(&b, "Temp File: %s\n", res.FileName)
	fmt.Fprintf(&b, "Collection Duration: %.0fms\n", res.CollectionDurationMs)
	fmt.Fprintf(&b, "Lines Captured: %d\n\n", len(res.Output))
	b.WriteString("Console Output:\n---------------\n")
	writeOutput(&b, res.Output, "(no output captured)\n")
	return textResult(b.String(), res), nil
}

func (h *handler) commandHistory(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var args struct {
		Limit *int `json:"limit"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, invalidParams("invalid arguments: " + err.Error())
	}
	if h.history == nil {
		return nil, &rpcError{
			Code:    codeInternalError,
			Message: "command history is disabled",
			Data:    &rpcErrorData{Kind: "history_disabled"},
		}
	}
	limit := defaultHistory
	if args.Limit != nil {
		limit = *args.Limit
	}

	records, err := h.history.ListRecent(ctx, limit)
	if err != nil {
		return nil, &rpcError{Code: codeInternalError, Message: err.Error(), Data: &rpcErrorData{Kind: "history"}}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Command History (%d entries)\n", len(records))
	for _, rec := range records {
		status := "ok"
		if !rec.Success {
			status = "error(" + rec.ErrorKind + ")"
		}
		fmt.Fprintf(&b, "[%s] %-24s %-16s %s (%.0fms, %d lines)\n",
			rec.CreatedAt.Local().Format(time.DateTime), status, rec.Source, rec.Command, rec.DurationMs, len(rec.Output))
	}
	return textResult(b.String(), struct {
		Commands []*db.CommandRecord `json:"commands"`
	}{Commands: records}), nil
}

func (h *handler) collectionWindow(timeout *float64) time.Duration {
	if timeout == nil {
		return h.window
	}
	return secondsToDuration(clamp(*timeout, minWindowSeconds, maxWindowSeconds))
}

// record stores the session even if the caller has gone away.
func (h *handler) record(ctx context.Context, rec *db.CommandRecord) {
	if h.history == nil {
		return
	}
	if err := h.history.Record(context.WithoutCancel(ctx), rec); err != nil {
		slog.Warn("failed to record command history", "command", rec.Command, "error", err)
	}
}

func toolFailure(err error) *rpcError {
	return &rpcError{Code: codeInternalError, Message: err.Error(), Data: &rpcErrorData{Kind: errorKind(err)}}
}

func errorKind(err error) string {
	var transportErr *collector.TransportError
	switch {
	case errors.Is(err, script.ErrNoScriptDir):
		return "script_unavailable"
	case errors.Is(err, collector.ErrNotConnected),
		errors.Is(err, collector.ErrBusy),
		errors.Is(err, collector.ErrFirstOutputTimeout),
		errors.Is(err, collector.ErrCancelled),
		errors.As(err, &transportErr):
		return collector.Kind(err)
	default:
		return "internal"
	}
}

func writeOutput(b *strings.Builder, lines []collector.OutputLine, empty string) {
	if len(lines) == 0 {
		b.WriteString(empty)
		return
	}
	for _, l := range lines {
		fmt.Fprintf(b, "[%s] %s", l.Timestamp, l.Message)
	}
}

func textResult(text string, structured any) toolResult {
	return toolResult{
		Content:           []textContent{{Type: "text", Text: text}},
		StructuredContent: structured,
	}
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
