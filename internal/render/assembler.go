package render

import (
	"strings"
	"time"

	"github.com/user/gterm/internal/protocol"
)

// The console sends multi-line messages with this marker in place of '\n'.
const newlineMarker = "<NEWLINE>"

type Chunk struct {
	Color protocol.Color `json:"color"`
	Text  string         `json:"text"`
}

// Line is one complete console line. The remote side often prints a line
// in several differently coloured messages, so a line is a list of chunks.
type Line struct {
	Time   time.Time
	Chunks []Chunk
}

func (l Line) Text() string {
	var b strings.Builder
	for _, c := range l.Chunks {
		b.WriteString(c.Text)
	}
	return b.String()
}

// Assembler joins log events into lines. It is not safe for concurrent use.
type Assembler struct {
	now     func() time.Time
	current *Line
}

func NewAssembler() *Assembler {
	return &Assembler{now: time.Now}
}

// Push adds ev and returns the lines it completed. A line is stamped with
// the time its first chunk arrived.
func (a *Assembler) Push(ev protocol.LogEvent) []Line {
	color := ev.Color
	if color.IsBlack() {
		color = protocol.White
	}
	msg := strings.ReplaceAll(ev.Message, newlineMarker, "\n")

	var done []Line
	for {
		i := strings.IndexByte(msg, '\n')
		if i < 0 {
			break
		}
		a.append(color, msg[:i])
		done = append(done, *a.current)
		a.current = nil
		msg = msg[i+1:]
	}
	if msg != "" {
		a.append(color, msg)
	}
	return done
}

// Pending reports whether an unterminated line is being held.
func (a *Assembler) Pending() bool {
	return a.current != nil
}

func (a *Assembler) append(color protocol.Color, text string) {
	if a.current == nil {
		a.current = &Line{Time: a.now()}
	}
	if text == "" {
		return
	}
	a.current.Chunks = append(a.current.Chunks, Chunk{Color: color, Text: text})
}
