package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/thebenlamm/nanobot/internal/bus"
	"github.com/thebenlamm/nanobot/internal/channels"
)

// handleMessage turns one Telegram message into an inbound bus message.
func (c *Channel) handleMessage(ctx context.Context, message *telego.Message) {
	// member joins, title changes, pins and the like
	if isServiceMessage(message) {
		slog.Debug("telegram service message skipped", "chat_id", message.Chat.ID)
		return
	}
	user := message.From
	if user == nil || user.IsBot {
		return
	}

	senderID := strconv.FormatInt(user.ID, 10)
	if user.Username != "" {
		senderID += "|" + user.Username
	}
	if !c.IsAllowed(senderID) {
		slog.Debug("telegram message rejected by allowlist", "user_id", user.ID, "username", user.Username)
		return
	}

	isGroup := message.Chat.Type == telego.ChatTypeGroup || message.Chat.Type == telego.ChatTypeSupergroup
	peerKind := bus.PeerDirect
	if isGroup {
		peerKind = bus.PeerGroup
	}

	var parts []string
	if message.Text != "" {
		parts = append(parts, message.Text)
	}
	if message.Caption != "" {
		parts = append(parts, message.Caption)
	}

	items := c.resolveMedia(ctx, message)
	var paths []string
	for _, m := range items {
		if m.FilePath != "" {
			paths = append(paths, m.FilePath)
		}
	}
	if tags := buildMediaTags(items); tags != "" {
		parts = append(parts, tags)
	}

	content := strings.Join(parts, "\n")
	if content == "" {
		content = "[empty message]"
	}

	slog.Debug("telegram message received",
		"chat_id", message.Chat.ID,
		"is_group", isGroup,
		"user_id", user.ID,
		"text_preview", channels.Truncate(content, 60),
	)

	c.HandleMessage(bus.InboundMessage{
		SenderID:   senderID,
		SenderName: strings.TrimSpace(user.FirstName + " " + user.LastName),
		ChatID:     strconv.FormatInt(message.Chat.ID, 10),
		Content:    content,
		Timestamp:  time.Unix(message.Date, 0),
		Media:      paths,
		PeerKind:   peerKind,
		Metadata: map[string]string{
			"message_id": strconv.Itoa(message.MessageID),
			"user_id":    strconv.FormatInt(user.ID, 10),
			"username":   user.Username,
			"is_group":   fmt.Sprint(isGroup),
		},
	})
}

// isServiceMessage reports a message with no text, caption or media.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}
	return true
}
