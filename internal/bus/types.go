package bus

import (
	"context"
	"time"
)

// InboundMessage is a normalized event received from a channel (the
// message envelope). Channel, Account and ChatID together identify the
// conversation.
type InboundMessage struct {
	ID          string            `json:"id"`
	Channel     string            `json:"channel"`
	Account     string            `json:"account"`
	SenderID    string            `json:"sender_id"`
	SenderName  string            `json:"sender_name,omitempty"`
	ChatID      string            `json:"chat_id"`
	Content     string            `json:"content"`
	Timestamp   time.Time         `json:"timestamp"`
	Media       []string          `json:"media,omitempty"` // local paths, already stored under the media area
	Attachments []Attachment      `json:"attachments,omitempty"`
	PeerKind    string            `json:"peer_kind,omitempty"` // "direct" or "group"
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Attachment is an inbound file announced by the platform. DeclaredSize
// is what the platform claims, checked before any download.
type Attachment struct {
	URL          string `json:"url,omitempty"`
	Name         string `json:"name,omitempty"`
	MIMEHint     string `json:"mime_hint,omitempty"`
	DeclaredSize int64  `json:"declared_size,omitempty"`
	Path         string `json:"path,omitempty"` // set once stored
}

// OutboundMessage is a reply to be delivered to a channel.
type OutboundMessage struct {
	ID        string            `json:"id"`
	Channel   string            `json:"channel"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"` // channel-specific (thread_ts, subject, message_id)
}

// Peer kinds.
const (
	PeerDirect = "direct"
	PeerGroup  = "group"
)

// MessageRouter abstracts inbound/outbound message routing between channels and the agent runtime.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
