package fetch

import (
	"sync"
	"time"
)

// DefaultProgressInterval is the minimum spacing between progress updates.
const DefaultProgressInterval = 100 * time.Millisecond

// Progress is a single-producer, coalescing progress channel. The producer
// never blocks: an update that finds the one-slot buffer full replaces the
// pending value. Consumers range over Updates until it is closed; the last
// value received is the final size.
type Progress struct {
	ch       chan DownloadProgress
	interval time.Duration

	mu     sync.Mutex
	last   time.Time
	high   int64
	closed bool
}

// NewProgress creates a progress channel publishing at most once per
// interval (DefaultProgressInterval when zero).
func NewProgress(interval time.Duration) *Progress {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	return &Progress{
		ch:       make(chan DownloadProgress, 1),
		interval: interval,
		high:     -1,
	}
}

// Updates returns the receive side of the channel.
func (p *Progress) Updates() <-chan DownloadProgress {
	return p.ch
}

// publish offers an update. Values below the high-water mark are dropped so
// consumers never see progress go backwards, even when a retry restarts the
// transfer. force bypasses the interval throttle.
func (p *Progress) publish(received, total int64, force bool) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || received < p.high || (received == p.high && !force) {
		return
	}
	now := time.Now()
	if !force && now.Sub(p.last) < p.interval {
		return
	}
	p.high = received
	p.last = now

	v := DownloadProgress{BytesReceived: received, Total: total}
	select {
	case p.ch <- v:
		return
	default:
	}
	// Replace the stale pending value.
	select {
	case <-p.ch:
	default:
	}
	select {
	case p.ch <- v:
	default:
	}
}

// Close ends the stream. It is safe to call more than once.
func (p *Progress) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.ch)
}
