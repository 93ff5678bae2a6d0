package hub

import (
	"sync"
	"time"
)

// RateLimiter groups lines that arrive within one interval into a single
// message, so a burst of console output costs one websocket frame.
type RateLimiter struct {
	flushMu  sync.Mutex
	mu       sync.Mutex
	pending  []LineMessage
	timer    *time.Timer
	interval time.Duration
	onFlush  func(msg LinesMessage)
}

func NewRateLimiter(interval time.Duration, onFlush func(LinesMessage)) *RateLimiter {
	return &RateLimiter{
		interval: interval,
		onFlush:  onFlush,
	}
}

func (r *RateLimiter) Add(line LineMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending = append(r.pending, line)
	if r.timer == nil {
		r.timer = time.AfterFunc(r.interval, r.FlushAll)
	}
}

// FlushAll sends whatever is pending now. Batches leave in the order their
// lines arrived.
func (r *RateLimiter) FlushAll() {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	lines := r.pending
	r.pending = nil
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()

	if r.onFlush != nil && len(lines) > 0 {
		r.onFlush(LinesMessage{Type: "lines", Lines: lines})
	}
}
