package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const defaultBufferSize = 100

// MessageBus decouples channels from the agent runtime with two buffered
// queues. Publishing blocks when a queue is full, which applies
// backpressure to the producing channel instead of dropping messages.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	done     chan struct{}
}

// New creates a bus with the given queue capacity (default 100).
func New(size int) *MessageBus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, size),
		outbound: make(chan OutboundMessage, size),
		done:     make(chan struct{}),
	}
}

// PublishInbound fills in ID and Timestamp when missing and queues msg.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case b.inbound <- msg:
	case <-b.done:
		slog.Warn("bus closed, inbound message dropped", "channel", msg.Channel, "id", msg.ID)
	}
}

// ConsumeInbound blocks until a message arrives or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	case <-b.done:
		return InboundMessage{}, false
	}
}

// PublishOutbound assigns an ID and queues msg for the channel manager.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	select {
	case b.outbound <- msg:
	case <-b.done:
		slog.Warn("bus closed, outbound message dropped", "channel", msg.Channel, "id", msg.ID)
	}
}

// SubscribeOutbound blocks until a reply is queued or ctx is done.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	case <-b.done:
		return OutboundMessage{}, false
	}
}

// Close unblocks every publisher and consumer. It must be called once.
func (b *MessageBus) Close() { close(b.done) }

var _ MessageRouter = (*MessageBus)(nil)
