package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

const (
	protocolVersion = "2024-11-05"
	serverName      = "gterm"
	serverVersion   = "1.0.0"
)

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type capabilities struct {
	Tools struct{} `json:"tools"`
}

func (h *handler) info(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, struct {
		serverInfo
		ProtocolVersion string       `json:"protocolVersion"`
		Capabilities    capabilities `json:"capabilities"`
	}{
		serverInfo:      serverInfo{Name: serverName, Version: serverVersion},
		ProtocolVersion: protocolVersion,
	})
}

func (h *handler) rpc(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := decodeJSON(r, &req); err != nil {
		rpcFailure(w, nil, &rpcError{Code: codeParseError, Message: "parse error: " + err.Error()})
		return
	}
	if req.Method == "" {
		rpcFailure(w, req.ID, &rpcError{Code: codeInvalidRequest, Message: "missing method"})
		return
	}

	// Notifications get no response body.
	if strings.HasPrefix(req.Method, "notifications/") {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	slog.Debug("rpc request", "method", req.Method)

	var (
		result any
		rpcErr *rpcError
	)
	switch req.Method {
	case "initialize":
		result = struct {
			ProtocolVersion string       `json:"protocolVersion"`
			ServerInfo      serverInfo   `json:"serverInfo"`
			Capabilities    capabilities `json:"capabilities"`
		}{
			ProtocolVersion: protocolVersion,
			ServerInfo:      serverInfo{Name: serverName, Version: serverVersion},
		}
	case "ping":
		result = struct{}{}
	case "tools/list":
		result = struct {
			Tools []toolSpec `json:"tools"`
		}{Tools: toolSpecs}
	case "tools/call":
		result, rpcErr = h.callTool(r, req.Params)
	default:
		rpcErr = &rpcError{Code: codeMethodNotFound, Message: "unknown method: " + req.Method}
	}

	if rpcErr != nil {
		slog.Warn("rpc request failed", "method", req.Method, "code", rpcErr.Code, "error", rpcErr.Message)
		rpcFailure(w, req.ID, rpcErr)
		return
	}
	rpcResult(w, req.ID, result)
}

func (h *handler) callTool(r *http.Request, raw json.RawMessage) (any, *rpcError) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if len(raw) == 0 {
		return nil, invalidParams("missing params")
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid params: " + err.Error())
	}
	if len(params.Arguments) == 0 || string(params.Arguments) == "null" {
		params.Arguments = json.RawMessage("{}")
	}

	tool, ok := h.tools()[params.Name]
	if !ok {
		return nil, invalidParams("unknown tool: " + params.Name)
	}
	slog.Info("executing tool", "tool", params.Name)
	return tool(r.Context(), params.Arguments)
}

func invalidParams(message string) *rpcError {
	return &rpcError{Code: codeInvalidParams, Message: message}
}
