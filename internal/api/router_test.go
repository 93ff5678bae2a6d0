package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/gterm/internal/collector"
	"github.com/user/gterm/internal/db"
	"github.com/user/gterm/internal/protocol"
	"github.com/user/gterm/internal/script"
)

type fakeCollector struct {
	mu       sync.Mutex
	commands []string
	windows  []time.Duration
	captures []time.Duration
	err      error
	output   []collector.OutputLine
}

func (f *fakeCollector) Execute(ctx context.Context, command string, window time.Duration) (collector.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	f.windows = append(f.windows, window)
	res := collector.CommandResult{Command: command}
	if f.err != nil {
		res.Error = f.err.Error()
		return res, f.err
	}
	res.Success = true
	res.Output = f.output
	res.CollectionDurationMs = float64(window.Milliseconds())
	return res, nil
}

func (f *fakeCollector) Capture(ctx context.Context, duration time.Duration) (collector.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures = append(f.captures, duration)
	res := collector.CommandResult{Command: "capture"}
	if f.err != nil {
		res.Error = f.err.Error()
		return res, f.err
	}
	res.Success = true
	res.Output = f.output
	res.CollectionDurationMs = float64(duration.Milliseconds())
	return res, nil
}

type fakeScripts struct {
	codes []string
}

func (f *fakeScripts) Run(ctx context.Context, code string, window time.Duration) (script.Result, error) {
	f.codes = append(f.codes, code)
	return script.Result{
		Success:              true,
		Command:              "lua_openscript_cl gterm/abc.lua",
		FileName:             "abc.lua",
		Output:               []collector.OutputLine{{Timestamp: "10:00:00", Message: "ran\n", Color: protocol.White}},
		CollectionDurationMs: 1000,
	}, nil
}

func openAPI(t *testing.T, fc *fakeCollector, secret string) (http.Handler, *db.DB) {
	t.Helper()
	database, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), db.Options{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return NewRouter(Options{
		Commands: fc,
		Scripts:  &fakeScripts{},
		History:  database.Commands(),
		Secret:   secret,
		Window:   time.Second,
	}), database
}

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

func rpcCall(t *testing.T, h http.Handler, method string, params any) rpcReply {
	t.Helper()
	body := map[string]any{"jsonrpc": "2.0", "id": 7, "method": method}
	if params != nil {
		body["params"] = params
	}
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var reply rpcReply
	if err := json.Unmarshal(rr.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode body: %v body=%s", err, rr.Body.String())
	}
	if reply.JSONRPC != "2.0" || string(reply.ID) != "7" {
		t.Fatalf("envelope = %+v", reply)
	}
	return reply
}

func callTool(t *testing.T, h http.Handler, name string, args map[string]any) rpcReply {
	t.Helper()
	return rpcCall(t, h, "tools/call", map[string]any{"name": name, "arguments": args})
}

type toolReply struct {
	Content    []textContent `json:"content"`
	Structured struct {
		Success bool                   `json:"success"`
		Command string                 `json:"command"`
		Output  []collector.OutputLine `json:"output"`
	} `json:"structuredContent"`
}

func decodeTool(t *testing.T, reply rpcReply) toolReply {
	t.Helper()
	if reply.Error != nil {
		t.Fatalf("unexpected error: %+v", reply.Error)
	}
	var out toolReply
	if err := json.Unmarshal(reply.Result, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(out.Content) != 1 || out.Content[0].Type != "text" {
		t.Fatalf("content = %+v", out.Content)
	}
	return out
}

func TestAuthMiddleware(t *testing.T) {
	h, _ := openAPI(t, &fakeCollector{}, "test-secret")

	tests := []struct {
		name   string
		method string
		target string
		header string
		want   int
	}{
		{"missing secret", http.MethodGet, "/", "", http.StatusForbidden},
		{"wrong secret", http.MethodGet, "/?secret=nope", "", http.StatusForbidden},
		{"query secret", http.MethodGet, "/?secret=test-secret", "", http.StatusOK},
		{"bearer token", http.MethodGet, "/mcp", "Bearer test-secret", http.StatusOK},
		{"wrong bearer", http.MethodGet, "/mcp", "Bearer other", http.StatusForbidden},
		{"preflight skips auth", http.MethodOptions, "/mcp", "", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("status=%d want %d", rr.Code, tt.want)
			}
			if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
				t.Fatalf("missing CORS header")
			}
		})
	}
}

func TestServerInfo(t *testing.T) {
	h, _ := openAPI(t, &fakeCollector{}, "")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var info map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info["name"] != "gterm" || info["protocolVersion"] != "2024-11-05" {
		t.Fatalf("info = %v", info)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/other", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown path status=%d", rr.Code)
	}
}

func TestProtocolMethods(t *testing.T) {
	h, _ := openAPI(t, &fakeCollector{}, "")

	initReply := rpcCall(t, h, "initialize", map[string]any{})
	var initResult struct {
		ProtocolVersion string     `json:"protocolVersion"`
		ServerInfo      serverInfo `json:"serverInfo"`
	}
	if err := json.Unmarshal(initReply.Result, &initResult); err != nil {
		t.Fatalf("decode initialize: %v", err)
	}
	if initResult.ProtocolVersion != protocolVersion || initResult.ServerInfo.Name != "gterm" {
		t.Fatalf("initialize = %+v", initResult)
	}

	if ping := rpcCall(t, h, "ping", nil); ping.Error != nil || string(ping.Result) != "{}" {
		t.Fatalf("ping = %+v", ping)
	}

	list := rpcCall(t, h, "tools/list", nil)
	var tools struct {
		Tools []toolSpec `json:"tools"`
	}
	if err := json.Unmarshal(list.Result, &tools); err != nil {
		t.Fatalf("decode tools: %v", err)
	}
	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	if strings.Join(names, ",") != "run_command,capture_console,execute_script,command_history" {
		t.Fatalf("tools = %v", names)
	}

	unknown := rpcCall(t, h, "resources/list", nil)
	if unknown.Error == nil || unknown.Error.Code != codeMethodNotFound {
		t.Fatalf("unknown method reply = %+v", unknown)
	}
}

func TestParseErrorAndNotifications(t *testing.T) {
	h, _ := openAPI(t, &fakeCollector{}, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{not json")))
	var reply rpcReply
	if err := json.Unmarshal(rr.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode: %v body=%s", err, rr.Body.String())
	}
	if reply.Error == nil || reply.Error.Code != codeParseError || string(reply.ID) != "null" {
		t.Fatalf("parse error reply = %+v", reply)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))
	if rr.Code != http.StatusAccepted || rr.Body.Len() != 0 {
		t.Fatalf("notification status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestRunCommand(t *testing.T) {
	fc := &fakeCollector{output: []collector.OutputLine{
		{Timestamp: "12:00:00", Message: "hostname: test\n", Color: protocol.White},
		{Timestamp: "12:00:00", Message: "players : 0\n", Color: protocol.White},
	}}
	h, _ := openAPI(t, fc, "")

	out := decodeTool(t, callTool(t, h, "run_command", map[string]any{"command": "status"}))
	text := out.Content[0].Text
	if !strings.Contains(text, "Command: status") || !strings.Contains(text, "Lines Captured: 2") {
		t.Fatalf("text = %q", text)
	}
	if !strings.Contains(text, "[12:00:00] hostname: test\n[12:00:00] players : 0\n") {
		t.Fatalf("output not rendered in order: %q", text)
	}
	if !out.Structured.Success || out.Structured.Command != "status" || len(out.Structured.Output) != 2 {
		t.Fatalf("structured = %+v", out.Structured)
	}

	decodeTool(t, callTool(t, h, "run_command", map[string]any{"command": "status", "timeout": 100}))
	decodeTool(t, callTool(t, h, "run_command", map[string]any{"command": "status", "timeout": 0.1}))
	decodeTool(t, callTool(t, h, "run_command", map[string]any{"command": "status", "timeout": 2.5}))

	want := []time.Duration{time.Second, 30 * time.Second, 500 * time.Millisecond, 2500 * time.Millisecond}
	for i, w := range want {
		if fc.windows[i] != w {
			t.Fatalf("window[%d] = %v, want %v", i, fc.windows[i], w)
		}
	}
}

func TestToolErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		tool     string
		args     map[string]any
		wantCode int
		wantKind string
	}{
		{"busy", collector.ErrBusy, "run_command", map[string]any{"command": "status"}, codeInternalError, "busy"},
		{"not connected", collector.ErrNotConnected, "run_command", map[string]any{"command": "status"}, codeInternalError, "not_connected"},
		{"timeout", collector.ErrFirstOutputTimeout, "run_command", map[string]any{"command": "status"}, codeInternalError, "first_output_timeout"},
		{"capture busy", collector.ErrBusy, "capture_console", map[string]any{}, codeInternalError, "busy"},
		{"missing command", nil, "run_command", map[string]any{}, codeInvalidParams, ""},
		{"missing code", nil, "execute_script", map[string]any{"code": " "}, codeInvalidParams, ""},
		{"unknown tool", nil, "read_file", map[string]any{}, codeInvalidParams, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := openAPI(t, &fakeCollector{err: tt.err}, "")
			reply := callTool(t, h, tt.tool, tt.args)
			if reply.Error == nil || reply.Error.Code != tt.wantCode {
				t.Fatalf("reply = %+v", reply)
			}
			if tt.wantKind != "" && (reply.Error.Data == nil || reply.Error.Data.Kind != tt.wantKind) {
				t.Fatalf("error data = %+v, want kind %q", reply.Error.Data, tt.wantKind)
			}
		})
	}
}

func TestCaptureConsoleDuration(t *testing.T) {
	fc := &fakeCollector{}
	h, _ := openAPI(t, fc, "")

	out := decodeTool(t, callTool(t, h, "capture_console", nil))
	if !strings.Contains(out.Content[0].Text, "(no output captured during this time)") {
		t.Fatalf("text = %q", out.Content[0].Text)
	}
	decodeTool(t, callTool(t, h, "capture_console", map[string]any{"duration": 0.2}))
	decodeTool(t, callTool(t, h, "capture_console", map[string]any{"duration": 600}))

	want := []time.Duration{5 * time.Second, time.Second, 60 * time.Second}
	for i, w := range want {
		if fc.captures[i] != w {
			t.Fatalf("capture[%d] = %v, want %v", i, fc.captures[i], w)
		}
	}
}

func TestExecuteScript(t *testing.T) {
	h, _ := openAPI(t, &fakeCollector{}, "")
	out := decodeTool(t, callTool(t, h, "execute_script", map[string]any{"code": `print("ran")`}))
	if !strings.Contains(out.Content[0].Text, "Temp File: abc.lua") || !strings.Contains(out.Content[0].Text, "[10:00:00] ran\n") {
		t.Fatalf("text = %q", out.Content[0].Text)
	}
}

func TestCommandHistoryRecordsCalls(t *testing.T) {
	fc := &fakeCollector{}
	h, database := openAPI(t, fc, "")

	decodeTool(t, callTool(t, h, "run_command", map[string]any{"command": "first"}))
	fc.err = collector.ErrBusy
	callTool(t, h, "run_command", map[string]any{"command": "second"})
	fc.err = nil
	decodeTool(t, callTool(t, h, "execute_script", map[string]any{"code": "x = 1"}))

	records, err := database.Commands().ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRecent() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("recorded %d commands, want 3", len(records))
	}
	if records[0].Source != "execute_script" || records[1].Command != "second" || records[2].Command != "first" {
		t.Fatalf("records = %+v %+v %+v", records[0], records[1], records[2])
	}
	if records[1].Success || records[1].ErrorKind != "busy" {
		t.Fatalf("failed record = %+v", records[1])
	}

	reply := callTool(t, h, "command_history", map[string]any{"limit": 2})
	if reply.Error != nil {
		t.Fatalf("command_history error = %+v", reply.Error)
	}
	var history struct {
		Content    []textContent `json:"content"`
		Structured struct {
			Commands []db.CommandRecord `json:"commands"`
		} `json:"structuredContent"`
	}
	if err := json.Unmarshal(reply.Result, &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.Structured.Commands) != 2 || !strings.Contains(history.Content[0].Text, "error(busy)") {
		t.Fatalf("history = %+v", history)
	}
}
