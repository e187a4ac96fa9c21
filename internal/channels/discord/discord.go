// Package discord connects to Discord through the gateway.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/thebenlamm/nanobot/internal/bus"
	"github.com/thebenlamm/nanobot/internal/channels"
	"github.com/thebenlamm/nanobot/internal/config"
)

// maxMessageLen is Discord's per-message character limit.
const maxMessageLen = 2000

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	config config.DiscordConfig
	media  *channels.MediaStore
}

// New creates a Discord channel. media may be nil.
func New(cfg config.DiscordConfig, pub channels.Publisher, media *channels.MediaStore, opts ...channels.BaseOption) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", pub, cfg.AllowFrom, opts...),
		config:      cfg,
		media:       media,
	}
}

// Connect opens a fresh gateway session. discordgo's own reconnect loop is
// turned off; the link reconnects by calling Connect again.
func (c *Channel) Connect(ctx context.Context) (channels.Conn, error) {
	session, err := discordgo.New("Bot " + c.config.Token.Reveal())
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.ShouldReconnectOnError = false
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	me, err := session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		if restStatus(err) == http.StatusUnauthorized {
			return nil, channels.Unrecoverable(fmt.Errorf("discord rejected bot token: %w", err))
		}
		return nil, fmt.Errorf("discord identify: %w", err)
	}

	conn := &gatewayConn{ConnState: channels.NewConnState(), session: session}
	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		c.handleMessage(ctx, me.ID, m)
	})
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		conn.End(errors.New("discord gateway disconnected"))
	})

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("open discord session: %w", err)
	}
	slog.Info("discord bot connected", "username", me.Username)
	return conn, nil
}

type gatewayConn struct {
	*channels.ConnState
	session *discordgo.Session
}

// Send posts msg to the Discord channel in ChatID, chunked at 2000 characters.
func (g *gatewayConn) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if g.Ended() {
		return channels.ErrConnClosed
	}
	if msg.ChatID == "" {
		return channels.Permanent(errors.New("empty chat ID for discord send"))
	}
	for _, chunk := range channels.ChunkText(msg.Content, maxMessageLen) {
		if _, err := g.session.ChannelMessageSend(msg.ChatID, chunk, discordgo.WithContext(ctx)); err != nil {
			return classifySendError(err)
		}
	}
	return nil
}

func (g *gatewayConn) Close() error {
	g.End(nil)
	return g.session.Close()
}

func restStatus(err error) int {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		return rest.Response.StatusCode
	}
	return 0
}

func classifySendError(err error) error {
	wrapped := fmt.Errorf("send discord message: %w", err)
	switch restStatus(err) {
	case http.StatusUnauthorized:
		return channels.Unrecoverable(wrapped)
	case http.StatusForbidden, http.StatusNotFound, http.StatusBadRequest:
		// missing access, unknown channel
		return channels.Permanent(wrapped)
	}
	return wrapped
}

// handleMessage publishes DMs and guild messages that mention the bot.
func (c *Channel) handleMessage(ctx context.Context, botID string, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == botID || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	if m.Author.Username != "" {
		senderID += "|" + m.Author.Username
	}
	isDM := m.GuildID == ""
	peerKind := bus.PeerDirect
	content := m.Content
	if !isDM {
		peerKind = bus.PeerGroup
		if !mentions(m, botID) {
			return
		}
		content = stripMention(content, botID)
	}
	if !c.IsAllowed(senderID) {
		slog.Debug("discord message rejected by allowlist", "user_id", m.Author.ID, "username", m.Author.Username)
		return
	}

	var atts []bus.Attachment
	for _, a := range m.Attachments {
		atts = append(atts, bus.Attachment{URL: a.URL, Name: a.Filename, MIMEHint: a.ContentType, DeclaredSize: int64(a.Size)})
	}
	var paths []string
	if c.media != nil && len(atts) > 0 {
		var notes []string
		paths, notes = c.media.SaveAll(ctx, c.Name(), atts, nil)
		for _, p := range paths {
			content = joinLine(content, "[attachment: "+p+"]")
		}
		for _, n := range notes {
			content = joinLine(content, n)
		}
	} else {
		for _, a := range atts {
			content = joinLine(content, "[attachment: "+a.Name+"]")
		}
	}
	if content == "" {
		content = "[empty message]"
	}

	slog.Debug("discord message received",
		"sender_id", senderID,
		"channel_id", m.ChannelID,
		"is_dm", isDM,
		"preview", channels.Truncate(content, 50),
	)

	c.HandleMessage(bus.InboundMessage{
		SenderID:    senderID,
		SenderName:  displayName(m),
		ChatID:      m.ChannelID,
		Content:     content,
		Timestamp:   m.Timestamp,
		Media:       paths,
		Attachments: atts,
		PeerKind:    peerKind,
		Metadata: map[string]string{
			"message_id": m.ID,
			"guild_id":   m.GuildID,
			"user_id":    m.Author.ID,
		},
	})
}

func mentions(m *discordgo.MessageCreate, botID string) bool {
	for _, u := range m.Mentions {
		if u != nil && u.ID == botID {
			return true
		}
	}
	return false
}

func stripMention(content, botID string) string {
	content = strings.ReplaceAll(content, "<@"+botID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	return strings.TrimSpace(content)
}

func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func joinLine(s, line string) string {
	if s == "" {
		return line
	}
	return s + "\n" + line
}
