package hub

import "github.com/user/gterm/internal/render"

type ServerMessage struct {
	Type string `json:"type"`
}

// LinesMessage carries one or more finished console lines.
type LinesMessage struct {
	Type  string        `json:"type"`
	Lines []LineMessage `json:"lines"`
}

type LineMessage struct {
	Time int64          `json:"time"`
	Data []render.Chunk `json:"data"`
}

type StatusMessage struct {
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
	Status    string `json:"status"`
}

// ClientMessage is what browsers send. Frames that are not JSON are treated
// as a bare command.
type ClientMessage struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func lineMessage(l render.Line) LineMessage {
	return LineMessage{Time: l.Time.Unix(), Data: l.Chunks}
}

func statusMessage(connected bool) StatusMessage {
	status := "disconnected"
	if connected {
		status = "connected"
	}
	return StatusMessage{Type: "status", Connected: connected, Status: status}
}
