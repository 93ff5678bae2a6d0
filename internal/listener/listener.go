package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/gterm/internal/protocol"
)

var ErrNotConnected = errors.New("listener: not connected")

// Handler receives listener notifications. Calls are made synchronously from
// the read goroutine, in arrival order; a slow handler delays the next event.
type Handler interface {
	OnConnected()
	OnDisconnected()
	OnError(err error)
	OnLog(ev protocol.LogEvent)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Connected    func()
	Disconnected func()
	Error        func(error)
	Log          func(protocol.LogEvent)
}

func (h HandlerFuncs) OnConnected() {
	if h.Connected != nil {
		h.Connected()
	}
}

func (h HandlerFuncs) OnDisconnected() {
	if h.Disconnected != nil {
		h.Disconnected()
	}
}

func (h HandlerFuncs) OnError(err error) {
	if h.Error != nil {
		h.Error(err)
	}
}

func (h HandlerFuncs) OnLog(ev protocol.LogEvent) {
	if h.Log != nil {
		h.Log(ev)
	}
}

type Options struct {
	// IdleDelay is how long to wait after a read that returned no data, and
	// before reopening once a served connection ends.
	IdleDelay time.Duration
	Backoff   BackoffConfig
}

func DefaultOptions() Options {
	return Options{
		IdleDelay: 50 * time.Millisecond,
		Backoff:   DefaultBackoff(),
	}
}

type subscription struct {
	id uint64
	h  Handler
}

// Listener keeps a channel to the external process open, decodes incoming
// frames and fans them out to subscribers. It reconnects until stopped.
type Listener struct {
	transport Transport
	opts      Options
	rng       *rand.Rand

	connected atomic.Bool

	subMu  sync.RWMutex
	subs   []subscription
	nextID uint64

	chMu    sync.Mutex
	channel Channel
	writeMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(transport Transport, opts Options) *Listener {
	defaults := DefaultOptions()
	if opts.IdleDelay <= 0 {
		opts.IdleDelay = defaults.IdleDelay
	}
	if opts.Backoff == (BackoffConfig{}) {
		opts.Backoff = defaults.Backoff
	}
	return &Listener{
		transport: transport,
		opts:      opts,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Subscribe registers h and returns a func that removes it again.
func (l *Listener) Subscribe(h Handler) func() {
	l.subMu.Lock()
	l.nextID++
	id := l.nextID
	l.subs = append(l.subs, subscription{id: id, h: h})
	l.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.subMu.Lock()
			defer l.subMu.Unlock()
			for i, s := range l.subs {
				if s.id == id {
					l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (l *Listener) Connected() bool {
	return l.connected.Load()
}

// Start launches the connect/read loop. It returns immediately.
func (l *Listener) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.wg.Add(1)
	go l.run(ctx)
}

// Stop closes the channel and waits for the loop to exit.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

// Send writes one command to the current channel.
func (l *Listener) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.chMu.Lock()
	ch := l.channel
	l.chMu.Unlock()
	if ch == nil || !l.Connected() {
		return ErrNotConnected
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		if d, ok := ch.(interface{ SetWriteDeadline(time.Time) error }); ok {
			_ = d.SetWriteDeadline(dl)
			defer d.SetWriteDeadline(time.Time{})
		}
	}
	if _, err := ch.Write(protocol.Encode(text)); err != nil {
		return fmt.Errorf("listener: write to %s: %w", l.transport.Name(), err)
	}
	return nil
}

// WriteMessage is the fire-and-forget form of Send. Failures are logged.
func (l *Listener) WriteMessage(ctx context.Context, text string) {
	if err := l.Send(ctx, text); err != nil {
		if errors.Is(err, ErrNotConnected) {
			slog.Debug("dropping command, not connected", "command", text)
			return
		}
		slog.Warn("command write failed", "transport", l.transport.Name(), "error", err)
	}
}

func (l *Listener) run(ctx context.Context) {
	defer l.wg.Done()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		ch, err := l.transport.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			delay := NextBackoffDelay(l.opts.Backoff, attempt, l.rng)
			slog.Debug("transport unavailable", "transport", l.transport.Name(), "attempt", attempt, "retry_in", delay, "error", err)
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}
		attempt = 0
		l.serve(ctx, ch)
		if !sleepCtx(ctx, l.opts.IdleDelay) {
			return
		}
	}
}

func (l *Listener) serve(ctx context.Context, ch Channel) {
	l.chMu.Lock()
	l.channel = ch
	l.chMu.Unlock()
	slog.Info("transport connected", "transport", l.transport.Name())
	l.setConnected(true)

	stop := context.AfterFunc(ctx, func() { ch.Close() })
	err := l.readLoop(ctx, ch)
	stop()

	l.chMu.Lock()
	l.channel = nil
	l.chMu.Unlock()
	ch.Close()

	if err != nil && ctx.Err() == nil {
		slog.Warn("transport read failed", "transport", l.transport.Name(), "error", err)
		l.publishError(err)
	}
	l.setConnected(false)
}

func (l *Listener) readLoop(ctx context.Context, ch Channel) error {
	size := streamBufferSize
	if ch.MessageMode() {
		size = messageBufferSize
	}
	buf := make([]byte, size)
	var splitter protocol.Splitter

	for {
		n, err := ch.Read(buf)
		if n > 0 {
			if ch.MessageMode() {
				l.handleFrame(buf[:n])
			} else {
				frames, ferr := splitter.Feed(buf[:n])
				for _, frame := range frames {
					l.handleFrame(frame)
				}
				if ferr != nil {
					slog.Warn("discarding oversized frame", "transport", l.transport.Name())
					l.publishError(ferr)
				}
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if n == 0 && !sleepCtx(ctx, l.opts.IdleDelay) {
			return nil
		}
	}
}

func (l *Listener) handleFrame(frame []byte) {
	ev, err := protocol.Decode(frame)
	if err != nil {
		slog.Debug("dropping malformed frame", "size", len(frame), "error", err)
		l.publishError(fmt.Errorf("listener: decode frame: %w", err))
		return
	}
	for _, s := range l.snapshot() {
		s.h.OnLog(ev)
	}
}

// setConnected records the new status and notifies only on a change.
func (l *Listener) setConnected(v bool) {
	if l.connected.Swap(v) == v {
		return
	}
	for _, s := range l.snapshot() {
		if v {
			s.h.OnConnected()
		} else {
			s.h.OnDisconnected()
		}
	}
}

func (l *Listener) publishError(err error) {
	for _, s := range l.snapshot() {
		s.h.OnError(err)
	}
}

func (l *Listener) snapshot() []subscription {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	return append([]subscription(nil), l.subs...)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
