package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thebenlamm/nanobot/internal/bus"
)

// Observer is notified of link transitions and delivery failures, e.g. for
// metrics. Calls happen on link goroutines and must not block.
type Observer interface {
	LinkStateChanged(channel string, from, to State)
	DeliveryFailed(f *DeliveryFailed)
}

// Manager manages all registered channels, running one Link per channel
// and routing outbound messages to the correct link.
type Manager struct {
	router   bus.MessageRouter
	cfg      LinkConfig
	observer Observer

	mu    sync.RWMutex
	links map[string]*Link

	failures   chan DeliveryFailed
	deadLetter string
	dlMu       sync.Mutex
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithDeadLetterFile appends every failed delivery as a JSON line to path.
func WithDeadLetterFile(path string) ManagerOption {
	return func(m *Manager) { m.deadLetter = path }
}

// WithObserver registers a metrics observer.
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) { m.observer = o }
}

// NewManager creates a new channel manager.
// Channels are registered externally via RegisterChannel.
func NewManager(router bus.MessageRouter, cfg LinkConfig, opts ...ManagerOption) *Manager {
	m := &Manager{
		router:   router,
		cfg:      cfg,
		links:    make(map[string]*Link),
		failures: make(chan DeliveryFailed, 64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterChannel adds a channel. It must be called before Run.
func (m *Manager) RegisterChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var onState func(string, State, State)
	if m.observer != nil {
		onState = m.observer.LinkStateChanged
	}
	m.links[ch.Name()] = NewLink(ch, m.cfg, m.report, onState)
}

// Link returns the link of a registered channel.
func (m *Manager) Link(name string) (*Link, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.links[name]
	return l, ok
}

// Run starts every link and the outbound dispatcher and blocks until ctx
// is done and all of them have stopped.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.RLock()
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.RUnlock()

	if len(links) == 0 {
		slog.Warn("no channels enabled")
	}

	// Plain group: links never return errors, and one link ending must
	// not cancel the others.
	var g errgroup.Group
	for _, l := range links {
		slog.Info("starting channel", "channel", l.Name())
		g.Go(func() error { return l.Run(ctx) })
	}
	g.Go(func() error {
		m.dispatchOutbound(ctx)
		return nil
	})

	err := g.Wait()
	slog.Info("all channels stopped")
	return err
}

// dispatchOutbound consumes outbound messages from the bus and queues them
// on the matching link.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	slog.Info("outbound dispatcher started")
	for {
		msg, ok := m.router.SubscribeOutbound(ctx)
		if !ok {
			slog.Info("outbound dispatcher stopped")
			return
		}
		_ = m.Dispatch(msg)
	}
}

// Dispatch queues msg on its channel's link. Failures are also reported
// through DeliveryFailures.
func (m *Manager) Dispatch(msg bus.OutboundMessage) error {
	l, ok := m.Link(msg.Channel)
	if !ok {
		m.report(newDeliveryFailed(msg.Channel, msg, ReasonUnknownChannel, 0, ErrUnknownChannel, time.Now()))
		return fmt.Errorf("%w: %s", ErrUnknownChannel, msg.Channel)
	}
	return l.Enqueue(msg)
}

// Undelivered records a reply that finished too late to be dispatched,
// e.g. while the gateway shuts down.
func (m *Manager) Undelivered(msg bus.OutboundMessage) {
	m.report(newDeliveryFailed(msg.Channel, msg, ReasonShutdown, 0, ErrShuttingDown, time.Now()))
}

// Status reports every link, sorted by channel name.
func (m *Manager) Status() []LinkStatus {
	m.mu.RLock()
	out := make([]LinkStatus, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l.Status())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// DeliveryFailures is the operator error channel. When nobody drains it,
// excess failures are still logged and written to the dead-letter file.
func (m *Manager) DeliveryFailures() <-chan DeliveryFailed { return m.failures }

func (m *Manager) report(f *DeliveryFailed) {
	slog.Error("delivery failed",
		"channel", f.Channel,
		"chat_id", f.Message.ChatID,
		"message_id", f.Message.ID,
		"reason", f.Reason,
		"attempts", f.Attempts,
		"queued_at", f.Message.CreatedAt,
		"content_len", len(f.Message.Content),
		"metadata", f.Message.Metadata,
		"error", f.Error,
	)
	if m.observer != nil {
		m.observer.DeliveryFailed(f)
	}
	if err := m.appendDeadLetter(f); err != nil {
		slog.Error("dead-letter write failed", "path", m.deadLetter, "error", err)
	}
	select {
	case m.failures <- *f:
	default:
		slog.Warn("delivery failure channel full, dropping notification", "message_id", f.Message.ID)
	}
}

func (m *Manager) appendDeadLetter(f *DeliveryFailed) error {
	if m.deadLetter == "" {
		return nil
	}
	line, err := json.Marshal(f)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	m.dlMu.Lock()
	defer m.dlMu.Unlock()
	if err := os.MkdirAll(filepath.Dir(m.deadLetter), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(m.deadLetter, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := file.Write(line); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
