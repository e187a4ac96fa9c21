// Package whatsapp connects to a WhatsApp bridge over WebSocket.
// The bridge (a Baileys-based Node.js process) handles the WhatsApp Web
// protocol; this channel only exchanges JSON frames with it.
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thebenlamm/nanobot/internal/bus"
	"github.com/thebenlamm/nanobot/internal/channels"
	"github.com/thebenlamm/nanobot/internal/config"
)

const voicePlaceholder = "[Voice Message: Transcription not available for WhatsApp yet]"

// frame is every message type the bridge speaks, flattened.
type frame struct {
	Type      string      `json:"type"`
	ID        string      `json:"id,omitempty"`
	Sender    string      `json:"sender,omitempty"`
	PN        string      `json:"pn,omitempty"` // legacy phone-number JID
	Chat      string      `json:"chat,omitempty"`
	Content   string      `json:"content,omitempty"`
	Timestamp json.Number `json:"timestamp,omitempty"`
	IsGroup   bool        `json:"isGroup,omitempty"`
	Status    string      `json:"status,omitempty"`
	Error     string      `json:"error,omitempty"`
	Token     string      `json:"token,omitempty"`
	To        string      `json:"to,omitempty"`
	Text      string      `json:"text,omitempty"`
}

// Channel is the WhatsApp bridge adapter.
type Channel struct {
	*channels.BaseChannel
	config config.WhatsAppConfig
	groups *GroupLog
	dialer *websocket.Dialer
}

// New creates a WhatsApp channel. Group messages are logged under
// groupLogDir and never answered.
func New(cfg config.WhatsAppConfig, pub channels.Publisher, groupLogDir string, opts ...channels.BaseOption) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("whatsapp", pub, cfg.AllowFrom, opts...),
		config:      cfg,
		groups:      NewGroupLog(groupLogDir),
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
	}, nil
}

// Connect dials the bridge and authenticates when a token is configured.
func (c *Channel) Connect(ctx context.Context) (channels.Conn, error) {
	ws, resp, err := c.dialer.DialContext(ctx, c.config.BridgeURL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, channels.Unrecoverable(fmt.Errorf("whatsapp bridge rejected handshake: HTTP %d", resp.StatusCode))
		}
		return nil, fmt.Errorf("dial whatsapp bridge: %w", err)
	}

	conn := &bridgeConn{ConnState: channels.NewConnState(), ws: ws, ch: c}
	if c.config.BridgeToken.IsSet() {
		if err := conn.write(ctx, frame{Type: "auth", Token: c.config.BridgeToken.Reveal()}); err != nil {
			ws.Close()
			return nil, fmt.Errorf("whatsapp bridge auth: %w", err)
		}
	}
	slog.Info("whatsapp bridge connected", "url", c.config.BridgeURL)

	go conn.readLoop()
	return conn, nil
}

type bridgeConn struct {
	*channels.ConnState
	ws      *websocket.Conn
	ch      *Channel
	writeMu sync.Mutex
}

func (b *bridgeConn) write(ctx context.Context, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		b.ws.SetWriteDeadline(dl)
	} else {
		b.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	return b.ws.WriteMessage(websocket.TextMessage, data)
}

// Send delivers an outbound message to the WhatsApp bridge.
func (b *bridgeConn) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if b.Ended() {
		return channels.ErrConnClosed
	}
	if err := b.write(ctx, frame{Type: "send", To: msg.ChatID, Text: msg.Content}); err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	return nil
}

func (b *bridgeConn) Close() error {
	b.End(nil)
	return b.ws.Close()
}

func (b *bridgeConn) readLoop() {
	for {
		_, data, err := b.ws.ReadMessage()
		if err != nil {
			b.End(err)
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("invalid whatsapp bridge frame", "error", err)
			continue
		}
		if err := b.ch.handleFrame(f); err != nil {
			b.End(err)
			b.ws.Close()
			return
		}
	}
}

// handleFrame processes one bridge frame. A non-nil error ends the connection.
func (c *Channel) handleFrame(f frame) error {
	switch f.Type {
	case "message":
		c.handleIncomingMessage(f)
	case "status":
		slog.Info("whatsapp status", "status", f.Status)
	case "qr":
		slog.Info("scan the QR code in the bridge terminal to link WhatsApp")
	case "error":
		slog.Error("whatsapp bridge error", "error", f.Error)
		if isAuthError(f.Error) {
			return channels.Unrecoverable(errors.New("whatsapp bridge: " + f.Error))
		}
	}
	return nil
}

// authPhrases mark bridge errors that no reconnect will fix.
var authPhrases = []string{"unauthorized", "auth failed", "authentication failed", "invalid token", "forbidden"}

func isAuthError(msg string) bool {
	m := strings.ToLower(msg)
	for _, p := range authPhrases {
		if strings.Contains(m, p) {
			return true
		}
	}
	return false
}

// handleIncomingMessage publishes direct messages and logs group messages.
func (c *Channel) handleIncomingMessage(f frame) {
	if f.IsGroup || strings.HasSuffix(f.Chat, "@g.us") || strings.HasSuffix(f.Sender, "@g.us") {
		jid := f.Chat
		if jid == "" {
			jid = f.Sender
		}
		if c.monitors(jid) {
			if err := c.groups.Append(jid, GroupEntry{TS: f.Timestamp, Sender: f.PN, Content: f.Content}); err != nil {
				slog.Warn("whatsapp group log failed", "group", jid, "error", err)
			}
		}
		return
	}

	user := f.PN
	if user == "" {
		user = f.Sender
	}
	senderID, _, _ := strings.Cut(user, "@")
	if senderID == "" {
		return
	}

	content := f.Content
	if content == "[Voice Message]" {
		slog.Info("whatsapp voice message received, transcription unavailable", "sender_id", senderID)
		content = voicePlaceholder
	}

	ts := time.Now()
	if secs, err := f.Timestamp.Int64(); err == nil && secs > 0 {
		ts = time.Unix(secs, 0)
	}

	slog.Debug("whatsapp message received", "sender_id", senderID, "preview", channels.Truncate(content, 50))
	c.HandleMessage(bus.InboundMessage{
		SenderID:  senderID,
		ChatID:    f.Sender, // full JID for replies
		Content:   content,
		Timestamp: ts,
		PeerKind:  bus.PeerDirect,
		Metadata:  map[string]string{"message_id": f.ID},
	})
}

// monitors reports whether group messages from jid are logged. An empty
// monitor list logs every group.
func (c *Channel) monitors(jid string) bool {
	if len(c.config.MonitorGroups) == 0 {
		return true
	}
	for _, g := range c.config.MonitorGroups {
		if g == jid {
			return true
		}
	}
	return false
}
