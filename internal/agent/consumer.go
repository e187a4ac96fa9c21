package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thebenlamm/nanobot/internal/bus"
	"github.com/thebenlamm/nanobot/internal/sessions"
)

const defaultAccount = "default"

// IdentityFor maps an inbound envelope to its conversation.
func IdentityFor(msg bus.InboundMessage) sessions.ChannelIdentity {
	account := msg.Account
	if account == "" {
		account = defaultAccount
	}
	return sessions.ChannelIdentity{Platform: msg.Channel, Account: account, Thread: msg.ChatID}
}

// ServeInbound schedules a run for every inbound message and publishes the
// reply to the originating chat. It returns when ctx is done and every
// reply in flight has been handled. Replies that finish after ctx is done
// go to undelivered instead of the bus.
func ServeInbound(ctx context.Context, router bus.MessageRouter, sched *Scheduler, undelivered func(bus.OutboundMessage)) {
	slog.Info("inbound message consumer started")
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, ok := router.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound message consumer stopped")
			return
		}
		id := IdentityFor(msg)
		if err := id.Validate(); err != nil {
			slog.Warn("inbound: dropping message without a usable identity", "channel", msg.Channel, "error", err)
			continue
		}

		runID := uuid.NewString()
		slog.Info("inbound: scheduling run",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"session", id.Key(),
			"run", runID,
		)
		outCh := sched.Schedule(ctx, RunRequest{
			Identity: id,
			Message:  msg.Content,
			Sender:   msg.SenderID,
			Media:    msg.Media,
			RunID:    runID,
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := <-outCh
			reply, ok := replyFor(msg, outcome)
			if !ok {
				return
			}
			if ctx.Err() != nil {
				// the channel manager is stopping and may no longer drain the bus
				slog.Warn("inbound: reply not published at shutdown", "channel", msg.Channel, "chat_id", msg.ChatID)
				if undelivered != nil {
					undelivered(reply)
				}
				return
			}
			router.PublishOutbound(reply)
		}()
	}
}

// replyFor builds the outbound message for a finished run. Cancelled and
// silent runs produce nothing.
func replyFor(msg bus.InboundMessage, outcome RunOutcome) (bus.OutboundMessage, bool) {
	out := bus.OutboundMessage{
		ID:        uuid.NewString(),
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		CreatedAt: time.Now(),
	}
	if mid := msg.Metadata["message_id"]; mid != "" {
		out.Metadata = map[string]string{"reply_to_message_id": mid}
	}

	switch {
	case errors.Is(outcome.Err, context.Canceled):
		slog.Info("inbound: run cancelled", "channel", msg.Channel, "chat_id", msg.ChatID)
		return out, false
	case outcome.Err != nil:
		out.Content = formatRunError(outcome.Err)
	case outcome.Result == nil || outcome.Result.Silent || outcome.Result.Content == "":
		slog.Info("inbound: suppressed empty reply", "channel", msg.Channel, "chat_id", msg.ChatID)
		return out, false
	default:
		out.Content = outcome.Result.Content
	}
	return out, true
}

// formatRunError turns a failed run into a short user-facing message.
// Error details stay in the log.
func formatRunError(err error) string {
	switch {
	case errors.Is(err, ErrLaneFull):
		return "I'm still working through your earlier messages. Please wait a moment and try again."
	case errors.Is(err, context.DeadlineExceeded):
		return "Sorry, that took too long and I had to stop. Please try again."
	default:
		return "Sorry, something went wrong while answering. Please try again."
	}
}
