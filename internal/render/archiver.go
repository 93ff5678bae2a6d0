package render

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultArchiveBuffer = 1024

type archivedLine struct {
	at   time.Time
	text string
}

// Archiver hands lines to a slower LineSink from its own goroutine so the
// caller never waits on storage. When the buffer is full the line is dropped.
type Archiver struct {
	sink  LineSink
	lines chan archivedLine
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewArchiver starts the writer goroutine. size <= 0 uses a default buffer.
func NewArchiver(sink LineSink, size int) *Archiver {
	if size <= 0 {
		size = defaultArchiveBuffer
	}
	a := &Archiver{
		sink:  sink,
		lines: make(chan archivedLine, size),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

// AppendLine queues the line. It never blocks and never fails; storage
// errors are logged by the writer goroutine. Lines after Close are dropped.
func (a *Archiver) AppendLine(_ context.Context, at time.Time, text string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil
	}
	select {
	case a.lines <- archivedLine{at: at, text: text}:
	default:
		slog.Warn("archive buffer full, dropping line")
	}
	return nil
}

// Close stops accepting lines, writes what is queued and waits for it.
func (a *Archiver) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.lines)
	}
	a.mu.Unlock()
	<-a.done
	return nil
}

func (a *Archiver) run() {
	defer close(a.done)
	for l := range a.lines {
		if err := a.sink.AppendLine(context.Background(), l.at, l.text); err != nil {
			slog.Warn("archive append failed", "error", err)
		}
	}
}
