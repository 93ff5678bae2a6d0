package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/user/gterm/internal/collector"
	"github.com/user/gterm/internal/db"
	"github.com/user/gterm/internal/script"
)

const maxBodyBytes = 1 << 20

// CommandRunner is the collector surface the tools drive.
type CommandRunner interface {
	Execute(ctx context.Context, command string, window time.Duration) (collector.CommandResult, error)
	Capture(ctx context.Context, duration time.Duration) (collector.CommandResult, error)
}

type ScriptRunner interface {
	Run(ctx context.Context, code string, window time.Duration) (script.Result, error)
}

// History stores finished sessions. It may be nil when archiving is off.
type History interface {
	Record(ctx context.Context, rec *db.CommandRecord) error
	ListRecent(ctx context.Context, limit int) ([]*db.CommandRecord, error)
}

type Options struct {
	Commands CommandRunner
	Scripts  ScriptRunner
	History  History
	Secret   string
	// Window is the default collection window for run_command and
	// execute_script when the caller passes no timeout.
	Window time.Duration
}

type handler struct {
	commands CommandRunner
	scripts  ScriptRunner
	history  History
	window   time.Duration
}

func NewRouter(opts Options) http.Handler {
	h := &handler{
		commands: opts.Commands,
		scripts:  opts.Scripts,
		history:  opts.History,
		window:   opts.Window,
	}
	if h.window <= 0 {
		h.window = time.Second
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.info)
	mux.HandleFunc("GET /mcp", h.info)
	mux.HandleFunc("POST /{$}", h.rpc)
	mux.HandleFunc("POST /mcp", h.rpc)

	return corsMiddleware(authMiddleware(opts.Secret)(jsonMiddleware(mux)))
}

// authMiddleware accepts the secret as a ?secret= query parameter or a
// bearer token. An empty secret disables the check.
func authMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				if secretEqual(strings.TrimSpace(authHeader[7:]), secret) {
					next.ServeHTTP(w, r)
					return
				}
			}

			if secretEqual(r.URL.Query().Get("secret"), secret) {
				next.ServeHTTP(w, r)
				return
			}

			jsonError(w, http.StatusForbidden, "forbidden")
		})
	}
}

func secretEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return io.ErrUnexpectedEOF
	}
	return nil
}
