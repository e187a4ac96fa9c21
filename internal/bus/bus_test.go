package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishAssignsIDs(t *testing.T) {
	b := New(4)
	defer b.Close()

	b.PublishInbound(InboundMessage{Channel: "telegram", ChatID: "1", Content: "hi"})
	in, ok := b.ConsumeInbound(context.Background())
	if !ok || in.ID == "" || in.Timestamp.IsZero() {
		t.Fatalf("inbound = %+v ok=%v", in, ok)
	}

	b.PublishOutbound(OutboundMessage{Channel: "telegram", ChatID: "1", Content: "yo"})
	b.PublishOutbound(OutboundMessage{Channel: "telegram", ChatID: "1", Content: "yo"})
	a, _ := b.SubscribeOutbound(context.Background())
	c, _ := b.SubscribeOutbound(context.Background())
	if a.ID == "" || a.ID == c.ID {
		t.Errorf("outbound ids %q %q", a.ID, c.ID)
	}
}

func TestConsumeStopsOnContextAndClose(t *testing.T) {
	b := New(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Error("expected no message after timeout")
	}

	b.Close()
	if _, ok := b.SubscribeOutbound(context.Background()); ok {
		t.Error("expected closed bus to return false")
	}
	// publishing on a closed, full bus must not block
	b.PublishOutbound(OutboundMessage{})
	b.PublishOutbound(OutboundMessage{})
}
