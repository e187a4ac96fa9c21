package channels

import (
	"sync"
	"time"

	"github.com/thebenlamm/nanobot/internal/bus"
)

type queued struct {
	msg      bus.OutboundMessage
	enqueued time.Time
	attempts int
	lastErr  error
}

// outbox is the bounded FIFO of replies waiting for a connection. An item
// leaves only through remove, after a successful send or a final failure.
type outbox struct {
	mu     sync.Mutex
	items  []*queued
	cap    int
	closed bool // set by drain; later pushes are refused
	notify chan struct{}
}

func newOutbox(capacity int) *outbox {
	return &outbox{cap: capacity, notify: make(chan struct{}, 1)}
}

func (o *outbox) push(msg bus.OutboundMessage, now time.Time) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrLinkDisabled
	}
	if len(o.items) >= o.cap {
		o.mu.Unlock()
		return ErrQueueFull
	}
	o.items = append(o.items, &queued{msg: msg, enqueued: now})
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return nil
}

func (o *outbox) front() *queued {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return nil
	}
	return o.items[0]
}

func (o *outbox) remove(q *queued) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, it := range o.items {
		if it == q {
			o.items = append(o.items[:i], o.items[i+1:]...)
			return
		}
	}
}

// attempt records a failed send and returns the attempt count.
func (o *outbox) attempt(q *queued, err error) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	q.attempts++
	q.lastErr = err
	return q.attempts
}

// expire removes and returns items older than maxWait.
func (o *outbox) expire(now time.Time, maxWait time.Duration) []*queued {
	o.mu.Lock()
	defer o.mu.Unlock()
	var expired []*queued
	kept := o.items[:0]
	for _, it := range o.items {
		if now.Sub(it.enqueued) > maxWait {
			expired = append(expired, it)
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(o.items); i++ {
		o.items[i] = nil
	}
	o.items = kept
	return expired
}

// drain empties the outbox and closes it for good.
func (o *outbox) drain() []*queued {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	items := o.items
	o.items = nil
	return items
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}
