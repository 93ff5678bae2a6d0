package collector

import (
	"errors"

	"github.com/user/gterm/internal/protocol"
)

var (
	ErrNotConnected       = errors.New("collector: not connected to the console")
	ErrBusy               = errors.New("collector: another command is already running")
	ErrFirstOutputTimeout = errors.New("collector: no output received before the timeout")
	ErrCancelled          = errors.New("collector: cancelled")
)

// TransportError wraps a failure to hand the command to the console, or any
// unexpected failure inside a session.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "collector: transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Kind returns a stable name for a collector error, for callers that
// serialise the cause. Unknown errors map to "transport".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrFirstOutputTimeout):
		return "first_output_timeout"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return "transport"
	}
}

type OutputLine struct {
	Timestamp string         `json:"timestamp"`
	Message   string         `json:"message"`
	Color     protocol.Color `json:"color"`
}

// CommandResult is what a session produced. Failed sessions still carry the
// command and an error message so it can be serialised as is.
type CommandResult struct {
	Success              bool         `json:"success"`
	Command              string       `json:"command"`
	Output               []OutputLine `json:"output"`
	CollectionDurationMs float64      `json:"collectionDurationMs"`
	Error                string       `json:"error,omitempty"`
}
