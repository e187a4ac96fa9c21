// Package channels provides the channel abstraction layer for multi-platform messaging.
// Channels connect external platforms (WhatsApp, Telegram, Discord, Slack, email)
// to the agent runtime via the message bus.
//
// Each channel is driven by a Link, which owns connection state, reconnection
// and the outbound queue. Adapters only know how to connect, receive and send.
package channels

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/thebenlamm/nanobot/internal/bus"
)

// Channel is a platform adapter.
type Channel interface {
	// Name returns the channel identifier (e.g., "telegram", "discord", "slack").
	Name() string

	// Connect establishes one live connection. Inbound messages are
	// published from the connection's own goroutines until it ends.
	// Errors wrapped with Unrecoverable disable the channel.
	Connect(ctx context.Context) (Conn, error)
}

// Conn is a single live connection to a platform.
type Conn interface {
	// Send delivers one outbound message. Errors wrapped with Permanent are
	// not retried.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// Done is closed when the connection has ended.
	Done() <-chan struct{}

	// Err reports why the connection ended, nil while it is alive.
	Err() error

	Close() error
}

// DMPolicy controls how DMs from unknown senders are handled.
type DMPolicy string

const (
	DMPolicyAllowlist DMPolicy = "allowlist" // Only whitelisted senders
	DMPolicyOpen      DMPolicy = "open"      // Accept all
	DMPolicyDisabled  DMPolicy = "disabled"  // Reject all DMs
)

// GroupPolicy controls how group messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"      // Accept all groups
	GroupPolicyAllowlist GroupPolicy = "allowlist" // Only whitelisted groups
	GroupPolicyDisabled  GroupPolicy = "disabled"  // No group messages
)

// Publisher is the inbound half of the bus.
type Publisher interface {
	PublishInbound(msg bus.InboundMessage)
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name      string
	account   string
	bus       Publisher
	allowList []string
	limiter   *SenderLimiter
}

// BaseOption customises a BaseChannel.
type BaseOption func(*BaseChannel)

// WithAccount sets the account part of every session key (default "default").
func WithAccount(account string) BaseOption {
	return func(c *BaseChannel) { c.account = account }
}

// WithRateLimit caps inbound messages per sender per minute.
func WithRateLimit(perMinute int) BaseOption {
	return func(c *BaseChannel) {
		if perMinute > 0 {
			c.limiter = NewSenderLimiter(perMinute)
		}
	}
}

// NewBaseChannel creates a new BaseChannel with the given parameters.
func NewBaseChannel(name string, pub Publisher, allowList []string, opts ...BaseOption) *BaseChannel {
	c := &BaseChannel{
		name:      name,
		account:   "default",
		bus:       pub,
		allowList: allowList,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// Account returns the account used in session keys.
func (c *BaseChannel) Account() string { return c.account }

// SetAccount updates the account once it is known (e.g. the bot user ID
// learned on connect).
func (c *BaseChannel) SetAccount(account string) { c.account = account }

// HasAllowList returns true if an allowlist is configured (non-empty).
func (c *BaseChannel) HasAllowList() bool { return len(c.allowList) > 0 }

// IsAllowed checks if a sender is permitted by the allowlist.
// Supports compound senderID format: "123456|username".
// Empty allowlist means all senders are allowed.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		if idPart == trimmed || senderID == trimmed || (userPart != "" && userPart == trimmed) {
			return true
		}
	}
	return false
}

// CheckPolicy evaluates DM/Group policy for a message.
// peerKind is "direct" or "group"; an empty policy means open.
func (c *BaseChannel) CheckPolicy(peerKind string, dmPolicy DMPolicy, groupPolicy GroupPolicy, senderID string) bool {
	policy := string(dmPolicy)
	if peerKind == bus.PeerGroup {
		policy = string(groupPolicy)
	}

	switch policy {
	case "disabled":
		return false
	case "allowlist":
		return c.IsAllowed(senderID)
	default: // "open"
		return true
	}
}

// HandleMessage fills in channel and account, applies the allowlist and
// rate limit, and publishes msg to the bus. It reports whether msg was
// published.
func (c *BaseChannel) HandleMessage(msg bus.InboundMessage) bool {
	if !c.IsAllowed(msg.SenderID) {
		slog.Debug("message rejected by allowlist", "channel", c.name, "sender_id", msg.SenderID)
		return false
	}
	senderKey, _, _ := strings.Cut(msg.SenderID, "|")
	if c.limiter != nil && !c.limiter.Allow(c.name+":"+senderKey) {
		slog.Warn("message rate limited", "channel", c.name, "sender_id", msg.SenderID)
		return false
	}

	msg.Channel = c.name
	if msg.Account == "" {
		msg.Account = c.account
	}
	if msg.PeerKind == "" {
		msg.PeerKind = bus.PeerDirect
	}
	c.bus.PublishInbound(msg)
	return true
}

// ConnState implements Done and Err for adapter connections. The first
// call to End wins.
type ConnState struct {
	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

// NewConnState returns a live connection state.
func NewConnState() *ConnState {
	return &ConnState{done: make(chan struct{})}
}

// End marks the connection as over. err may be nil for a clean close.
func (s *ConnState) End(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *ConnState) Done() <-chan struct{} { return s.done }

func (s *ConnState) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Ended reports whether End was called.
func (s *ConnState) Ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// ErrConnClosed is reported for connections that ended without a cause.
var ErrConnClosed = errors.New("connection closed")

// ChunkText splits s into pieces of at most max runes, preferring line
// breaks, then spaces.
func ChunkText(s string, max int) []string {
	runes := []rune(s)
	if max <= 0 || len(runes) <= max {
		return []string{s}
	}
	var out []string
	for len(runes) > max {
		cut := max
		for i := max; i > max/2; i-- {
			if runes[i] == '\n' {
				cut = i
				break
			}
		}
		if cut == max {
			for i := max; i > max/2; i-- {
				if runes[i] == ' ' {
					cut = i
					break
				}
			}
		}
		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
		for len(runes) > 0 && (runes[0] == '\n' || runes[0] == ' ') {
			runes = runes[1:]
		}
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

// Truncate shortens a string to maxLen runes, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
