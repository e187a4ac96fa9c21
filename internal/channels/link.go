package channels

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/thebenlamm/nanobot/internal/bus"
	"github.com/thebenlamm/nanobot/internal/config"
)

// LinkConfig bounds reconnection and outbound delivery.
type LinkConfig struct {
	QueueSize      int
	MaxAttempts    int
	MaxWait        time.Duration // oldest a queued reply may get
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	SendTimeout    time.Duration
}

// LinkConfigFrom converts the delivery section of the config.
func LinkConfigFrom(d config.DeliveryConfig) LinkConfig {
	return LinkConfig{
		QueueSize:      d.QueueSize,
		MaxAttempts:    d.MaxAttempts,
		MaxWait:        time.Duration(d.MaxWaitSec) * time.Second,
		BackoffInitial: time.Duration(d.BackoffInitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(d.BackoffMaxMs) * time.Millisecond,
	}
}

func (c LinkConfig) withDefaults() LinkConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 5 * time.Minute
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = 30 * c.BackoffInitial
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}

// LinkStatus is a point-in-time view of a link.
type LinkStatus struct {
	Channel    string        `json:"channel"`
	State      State         `json:"state"`
	QueueDepth int           `json:"queue_depth"`
	LastError  string        `json:"last_error,omitempty"`
	Since      time.Duration `json:"since_ns"` // time in the current state
}

// Link drives one channel: it connects, reconnects with backoff, and
// delivers the outbound queue over whatever connection is current.
type Link struct {
	ch      Channel
	cfg     LinkConfig
	out     *outbox
	onFail  func(*DeliveryFailed)
	onState func(channel string, from, to State)
	now     func() time.Time

	mu      sync.Mutex
	state   State
	changed time.Time
	lastErr error
}

// NewLink wires ch to a fresh queue. onFail receives every message given
// up on; onState, when set, observes every transition.
func NewLink(ch Channel, cfg LinkConfig, onFail func(*DeliveryFailed), onState func(channel string, from, to State)) *Link {
	cfg = cfg.withDefaults()
	if onFail == nil {
		onFail = func(*DeliveryFailed) {}
	}
	return &Link{
		ch:      ch,
		cfg:     cfg,
		out:     newOutbox(cfg.QueueSize),
		onFail:  onFail,
		onState: onState,
		now:     time.Now,
		state:   StateDisconnected,
		changed: time.Now(),
	}
}

// Name returns the channel name.
func (l *Link) Name() string { return l.ch.Name() }

// State returns the current state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Status snapshots the link for operators.
func (l *Link) Status() LinkStatus {
	l.mu.Lock()
	st := LinkStatus{Channel: l.ch.Name(), State: l.state, Since: l.now().Sub(l.changed)}
	if l.lastErr != nil {
		st.LastError = l.lastErr.Error()
	}
	l.mu.Unlock()
	st.QueueDepth = l.out.len()
	return st
}

func (l *Link) transition(to State, cause error) error {
	l.mu.Lock()
	from := l.state
	if from == to {
		if cause != nil {
			l.lastErr = cause
		}
		l.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		l.mu.Unlock()
		return &IllegalTransitionError{Channel: l.ch.Name(), From: from, To: to}
	}
	l.state = to
	l.changed = l.now()
	if cause != nil {
		l.lastErr = cause
	}
	l.mu.Unlock()

	attrs := []any{"channel", l.ch.Name(), "from", from.String(), "to", to.String()}
	if cause != nil {
		attrs = append(attrs, "error", cause)
	}
	if to == StateDisabled || to == StateReconnecting {
		slog.Warn("channel state changed", attrs...)
	} else {
		slog.Info("channel state changed", attrs...)
	}
	if l.onState != nil {
		l.onState(l.ch.Name(), from, to)
	}
	return nil
}

// Enqueue adds a reply to the queue. A full queue or a DISABLED link
// reports the message as failed immediately.
func (l *Link) Enqueue(msg bus.OutboundMessage) error {
	now := l.now()
	if l.State() == StateDisabled {
		l.onFail(newDeliveryFailed(l.ch.Name(), msg, ReasonDisabled, 0, ErrLinkDisabled, now))
		return ErrLinkDisabled
	}
	if err := l.out.push(msg, now); err != nil {
		reason := ReasonQueueFull
		if errors.Is(err, ErrLinkDisabled) {
			// disabled between the state check and the push
			reason = ReasonDisabled
		}
		l.onFail(newDeliveryFailed(l.ch.Name(), msg, reason, 0, err, now))
		return err
	}
	return nil
}

// Run connects and keeps the channel connected until ctx is done or the
// channel fails unrecoverably. It never returns an error, so one broken
// channel cannot stop its siblings.
func (l *Link) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.cfg.BackoffInitial
	bo.MaxInterval = l.cfg.BackoffMax

	sweep := time.NewTicker(l.sweepInterval())
	defer sweep.Stop()

	_ = l.transition(StateConnecting, nil)
	for {
		conn, err := l.ch.Connect(ctx)
		if err == nil {
			bo.Reset()
			_ = l.transition(StateConnected, nil)
			err = l.serve(ctx, conn, sweep.C)
			conn.Close()
		}

		if ctx.Err() != nil {
			_ = l.transition(StateDisconnected, nil)
			return nil
		}
		if IsUnrecoverable(err) {
			l.disable(err)
			return nil
		}

		_ = l.transition(StateReconnecting, err)
		wait := bo.NextBackOff()
		if !l.wait(ctx, wait, sweep.C) {
			_ = l.transition(StateDisconnected, nil)
			return nil
		}
	}
}

// wait sleeps for d while still expiring stale replies. It returns false
// when ctx ends first.
func (l *Link) wait(ctx context.Context, d time.Duration, sweep <-chan time.Time) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-sweep:
			l.expire()
		}
	}
}

func (l *Link) sweepInterval() time.Duration {
	iv := l.cfg.MaxWait / 4
	if iv < 10*time.Millisecond {
		iv = 10 * time.Millisecond
	}
	if iv > 5*time.Second {
		iv = 5 * time.Second
	}
	return iv
}

// serve delivers the queue over conn until conn ends or ctx is done.
func (l *Link) serve(ctx context.Context, conn Conn, sweep <-chan time.Time) error {
	for {
		l.expire()

		item := l.out.front()
		if item == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-conn.Done():
				return connErr(conn)
			case <-l.out.notify:
			case <-sweep:
			}
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, l.cfg.SendTimeout)
		err := conn.Send(sendCtx, item.msg)
		cancel()
		if err == nil {
			l.out.remove(item)
			slog.Debug("message delivered", "channel", l.ch.Name(), "chat_id", item.msg.ChatID, "id", item.msg.ID)
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts := l.out.attempt(item, err)
		switch {
		case IsUnrecoverable(err):
			return err
		case IsPermanent(err):
			l.out.remove(item)
			l.onFail(newDeliveryFailed(l.ch.Name(), item.msg, ReasonPermanent, attempts, err, l.now()))
			continue
		case attempts >= l.cfg.MaxAttempts:
			l.out.remove(item)
			l.onFail(newDeliveryFailed(l.ch.Name(), item.msg, ReasonAttemptsExhausted, attempts, err, l.now()))
			continue
		}

		slog.Warn("send failed, will retry", "channel", l.ch.Name(), "id", item.msg.ID, "attempt", attempts, "error", err)
		retry := time.NewTimer(l.retryDelay(attempts))
		select {
		case <-ctx.Done():
			retry.Stop()
			return ctx.Err()
		case <-conn.Done():
			retry.Stop()
			return connErr(conn)
		case <-retry.C:
		}
	}
}

func (l *Link) retryDelay(attempts int) time.Duration {
	d := l.cfg.BackoffInitial << (attempts - 1)
	if d <= 0 || d > l.cfg.BackoffMax {
		d = l.cfg.BackoffMax
	}
	return d
}

func (l *Link) expire() {
	for _, it := range l.out.expire(l.now(), l.cfg.MaxWait) {
		l.onFail(newDeliveryFailed(l.ch.Name(), it.msg, ReasonExpired, it.attempts, it.lastErr, l.now()))
	}
}

func (l *Link) disable(cause error) {
	_ = l.transition(StateDisabled, cause)
	for _, it := range l.out.drain() {
		l.onFail(newDeliveryFailed(l.ch.Name(), it.msg, ReasonDisabled, it.attempts, cause, l.now()))
	}
}

func connErr(conn Conn) error {
	if err := conn.Err(); err != nil {
		return err
	}
	return ErrConnClosed
}
