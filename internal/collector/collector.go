package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/gterm/internal/listener"
	"github.com/user/gterm/internal/protocol"
)

const timestampLayout = "15:04:05"

// Source is the part of the listener the collector needs.
type Source interface {
	Connected() bool
	Send(ctx context.Context, text string) error
	Subscribe(h listener.Handler) func()
}

type Options struct {
	// Window is the default collection window after the first output.
	Window time.Duration
	// PollInterval bounds how late a completed window or a cancellation is
	// noticed.
	PollInterval time.Duration
	// FirstOutputTimeout bounds the wait for the first event after a send.
	FirstOutputTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Window:             time.Second,
		PollInterval:       50 * time.Millisecond,
		FirstOutputTimeout: 10 * time.Second,
	}
}

// Collector runs one capture session at a time and attributes the events
// that arrive during it to that session.
type Collector struct {
	src         Source
	opts        Options
	unsubscribe func()

	mu              sync.Mutex
	collecting      bool
	firstOutputSeen bool
	collectionStart time.Time
	queue           []protocol.LogEvent
}

func New(src Source, opts Options) *Collector {
	defaults := DefaultOptions()
	if opts.Window <= 0 {
		opts.Window = defaults.Window
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.FirstOutputTimeout <= 0 {
		opts.FirstOutputTimeout = defaults.FirstOutputTimeout
	}

	c := &Collector{src: src, opts: opts}
	c.unsubscribe = src.Subscribe(listener.HandlerFuncs{Log: c.ingest})
	return c
}

// Close detaches the collector from its source.
func (c *Collector) Close() {
	c.unsubscribe()
}

func (c *Collector) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collecting
}

// Execute sends command and returns the output observed from the first event
// until window has elapsed. A window <= 0 uses Options.Window.
func (c *Collector) Execute(ctx context.Context, command string, window time.Duration) (res CommandResult, err error) {
	res = CommandResult{Command: command}
	if window <= 0 {
		window = c.opts.Window
	}
	if !c.src.Connected() {
		return failed(res, ErrNotConnected)
	}
	if _, ok := c.acquire(false); !ok {
		return failed(res, ErrBusy)
	}
	defer c.release()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("command session panicked", "command", command, "panic", r)
			res, err = failed(CommandResult{Command: command}, &TransportError{Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	if err := c.src.Send(ctx, command); err != nil {
		if ctx.Err() != nil {
			return failed(res, ErrCancelled)
		}
		return failed(res, &TransportError{Err: err})
	}

	anchor, err := c.awaitFirstOutput(ctx)
	if err != nil {
		return failed(res, err)
	}
	if !c.waitUntil(ctx, anchor.Add(window)) {
		return failed(res, ErrCancelled)
	}

	res.Output = c.drain()
	res.CollectionDurationMs = millis(time.Since(anchor))
	res.Success = true
	return res, nil
}

// Capture collects whatever the console prints for duration without sending
// anything.
func (c *Collector) Capture(ctx context.Context, duration time.Duration) (res CommandResult, err error) {
	res = CommandResult{Command: fmt.Sprintf("capture_%dms", duration.Milliseconds())}
	start, ok := c.acquire(true)
	if !ok {
		return failed(res, ErrBusy)
	}
	defer c.release()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("capture session panicked", "panic", r)
			res, err = failed(CommandResult{Command: res.Command}, &TransportError{Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	if !c.waitUntil(ctx, start.Add(duration)) {
		return failed(res, ErrCancelled)
	}

	res.Output = c.drain()
	res.CollectionDurationMs = millis(time.Since(start))
	res.Success = true
	return res, nil
}

// acquire starts a session if none is active. A passive session starts its
// window immediately instead of waiting for output.
func (c *Collector) acquire(passive bool) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.collecting {
		return time.Time{}, false
	}
	c.collecting = true
	c.queue = nil
	c.firstOutputSeen = passive
	c.collectionStart = time.Time{}
	if passive {
		c.collectionStart = time.Now()
	}
	return c.collectionStart, true
}

func (c *Collector) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collecting = false
	c.firstOutputSeen = false
	c.collectionStart = time.Time{}
	c.queue = nil
}

func (c *Collector) ingest(ev protocol.LogEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.collecting {
		return
	}
	c.queue = append(c.queue, ev)
	if !c.firstOutputSeen {
		c.firstOutputSeen = true
		c.collectionStart = time.Now()
	}
}

func (c *Collector) awaitFirstOutput(ctx context.Context) (time.Time, error) {
	deadline := time.Now().Add(c.opts.FirstOutputTimeout)
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		seen, anchor := c.firstOutputSeen, c.collectionStart
		c.mu.Unlock()
		if seen {
			return anchor, nil
		}
		if !time.Now().Before(deadline) {
			return time.Time{}, ErrFirstOutputTimeout
		}
		select {
		case <-ctx.Done():
			return time.Time{}, ErrCancelled
		case <-ticker.C:
		}
	}
}

// waitUntil polls until end has passed. It reports false if ctx was
// cancelled first.
func (c *Collector) waitUntil(ctx context.Context, end time.Time) bool {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for time.Now().Before(end) {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

// drain empties the queue in arrival order. Lines are stamped as they are
// taken off the queue.
func (c *Collector) drain() []OutputLine {
	c.mu.Lock()
	events := c.queue
	c.queue = nil
	c.mu.Unlock()

	out := make([]OutputLine, 0, len(events))
	for _, ev := range events {
		out = append(out, OutputLine{
			Timestamp: time.Now().Format(timestampLayout),
			Message:   ev.Message,
			Color:     ev.Color,
		})
	}
	return out
}

func failed(res CommandResult, err error) (CommandResult, error) {
	res.Success = false
	res.Output = nil
	res.Error = err.Error()
	return res, err
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
