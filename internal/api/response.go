package api

import (
	"encoding/json"
	"net/http"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

type errorBody struct {
	Error string `json:"error"`
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    *rpcErrorData `json:"data,omitempty"`
}

type rpcErrorData struct {
	Kind string `json:"kind"`
}

func (e *rpcError) Error() string {
	return e.Message
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if data == nil || status == http.StatusNoContent {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, errorBody{Error: message})
}

// rpcResult and rpcFailure always answer 200; the outcome is in the body.
func rpcResult(w http.ResponseWriter, id json.RawMessage, result any) {
	jsonResponse(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func rpcFailure(w http.ResponseWriter, id json.RawMessage, err *rpcError) {
	jsonResponse(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Error: err})
}
