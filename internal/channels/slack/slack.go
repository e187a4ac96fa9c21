// Package slack connects to Slack through Socket Mode.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/thebenlamm/nanobot/internal/bus"
	"github.com/thebenlamm/nanobot/internal/channels"
	"github.com/thebenlamm/nanobot/internal/config"
)

// maxMessageLen keeps replies well under Slack's 40k text limit.
const maxMessageLen = 4000

// authErrors are the Web API error codes that no retry will fix.
var authErrors = []string{"invalid_auth", "not_authed", "account_inactive", "token_revoked"}

// Channel is the Slack Socket Mode adapter. ChatID is the Slack channel,
// with "/<thread_ts>" appended when the conversation lives in a thread.
type Channel struct {
	*channels.BaseChannel
	config config.SlackConfig
	media  *channels.MediaStore
	apiURL string
}

// Option customises a Channel.
type Option func(*options)

type options struct {
	apiURL string
	base   []channels.BaseOption
}

// WithAPIURL overrides the Web API base URL, for tests.
func WithAPIURL(u string) Option { return func(o *options) { o.apiURL = u } }

// WithBaseOptions passes options through to the embedded BaseChannel.
func WithBaseOptions(opts ...channels.BaseOption) Option {
	return func(o *options) { o.base = append(o.base, opts...) }
}

// New creates a Slack channel. media may be nil.
func New(cfg config.SlackConfig, pub channels.Publisher, media *channels.MediaStore, opts ...Option) *Channel {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("slack", pub, cfg.AllowFrom, o.base...),
		config:      cfg,
		media:       media,
		apiURL:      o.apiURL,
	}
}

func (c *Channel) client() *slack.Client {
	opts := []slack.Option{slack.OptionAppLevelToken(c.config.AppToken.Reveal())}
	if c.apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(c.apiURL))
	}
	return slack.New(c.config.BotToken.Reveal(), opts...)
}

// Connect authenticates the bot token and starts a Socket Mode session.
// The connection ends when the session does.
func (c *Channel) Connect(ctx context.Context) (channels.Conn, error) {
	client := c.client()
	auth, err := client.AuthTestContext(ctx)
	if err != nil {
		if isAuthError(err) {
			return nil, channels.Unrecoverable(fmt.Errorf("slack auth.test: %w", err))
		}
		return nil, fmt.Errorf("slack auth.test: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	socket := socketmode.New(client)
	conn := &socketConn{ConnState: channels.NewConnState(), client: client, cancel: cancel}

	go func() {
		err := socket.RunContext(runCtx)
		switch {
		case err != nil && isAuthError(err):
			conn.End(channels.Unrecoverable(fmt.Errorf("slack socket mode: %w", err)))
		case err != nil && !errors.Is(err, context.Canceled):
			conn.End(fmt.Errorf("slack socket mode: %w", err))
		default:
			conn.End(errors.New("slack socket mode closed"))
		}
	}()
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case evt, ok := <-socket.Events:
				if !ok {
					return
				}
				c.handleEvent(runCtx, socket, auth.UserID, evt)
			}
		}
	}()

	slog.Info("slack bot connected", "team", auth.Team, "user_id", auth.UserID)
	return conn, nil
}

type socketConn struct {
	*channels.ConnState
	client *slack.Client
	cancel context.CancelFunc
}

// Send posts msg to its channel, threading the reply when ChatID names a thread.
func (s *socketConn) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if s.Ended() {
		return channels.ErrConnClosed
	}
	channelID, threadTS := splitChatID(msg.ChatID)
	if channelID == "" {
		return channels.Permanent(errors.New("empty chat ID for slack send"))
	}
	for _, chunk := range channels.ChunkText(msg.Content, maxMessageLen) {
		opts := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
		if threadTS != "" {
			opts = append(opts, slack.MsgOptionTS(threadTS))
		}
		if _, _, err := s.client.PostMessageContext(ctx, channelID, opts...); err != nil {
			return classifySendError(err)
		}
	}
	return nil
}

func (s *socketConn) Close() error {
	s.cancel()
	s.End(nil)
	return nil
}

func isAuthError(err error) bool {
	msg := err.Error()
	for _, code := range authErrors {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}

func classifySendError(err error) error {
	wrapped := fmt.Errorf("slack chat.postMessage: %w", err)
	if isAuthError(err) {
		return channels.Unrecoverable(wrapped)
	}
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return wrapped
	}
	switch msg := err.Error(); {
	case strings.Contains(msg, "channel_not_found"),
		strings.Contains(msg, "not_in_channel"),
		strings.Contains(msg, "is_archived"),
		strings.Contains(msg, "msg_too_long"):
		return channels.Permanent(wrapped)
	}
	return wrapped
}

func splitChatID(chatID string) (channelID, threadTS string) {
	channelID, threadTS, _ = strings.Cut(chatID, "/")
	return channelID, threadTS
}

type acker interface {
	Ack(req socketmode.Request, payload ...interface{})
}

// handleEvent acknowledges every envelope and publishes the messages the
// bot should answer.
func (c *Channel) handleEvent(ctx context.Context, ack acker, botID string, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		slog.Debug("slack socket mode connecting")
	case socketmode.EventTypeConnectionError:
		slog.Warn("slack socket mode connection error", "error", evt.Data)
	case socketmode.EventTypeConnected:
		slog.Debug("slack socket mode connected")
	case socketmode.EventTypeEventsAPI:
		if evt.Request != nil {
			ack.Ack(*evt.Request)
		}
		api, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok || api.Type != slackevents.CallbackEvent {
			return
		}
		switch ev := api.InnerEvent.Data.(type) {
		case *slackevents.AppMentionEvent:
			c.handleMessage(ctx, botID, &slackevents.MessageEvent{
				User:            ev.User,
				Text:            ev.Text,
				Channel:         ev.Channel,
				TimeStamp:       ev.TimeStamp,
				ThreadTimeStamp: ev.ThreadTimeStamp,
				BotID:           ev.BotID,
			}, true)
		case *slackevents.MessageEvent:
			c.handleMessage(ctx, botID, ev, false)
		}
	default:
		if evt.Request != nil {
			ack.Ack(*evt.Request)
		}
	}
}

// handleMessage handles DMs, mentions and thread replies. Channel messages
// that mention the bot arrive twice, as message and app_mention; only the
// app_mention copy is used.
func (c *Channel) handleMessage(ctx context.Context, botID string, ev *slackevents.MessageEvent, fromMention bool) {
	if ev.BotID != "" || ev.User == "" || ev.User == botID {
		return
	}
	if ev.SubType != "" && ev.SubType != "file_share" {
		return
	}

	isDM := ev.ChannelType == "im" || strings.HasPrefix(ev.Channel, "D")
	mentioned := strings.Contains(ev.Text, "<@"+botID+">")
	switch {
	case isDM, fromMention:
	case mentioned:
		return
	case ev.ThreadTimeStamp == "":
		return
	}
	if !c.IsAllowed(ev.User) {
		slog.Debug("slack message rejected by allowlist", "user_id", ev.User)
		return
	}

	content := stripMentions(ev.Text)
	chatID := ev.Channel
	peerKind := bus.PeerDirect
	if !isDM {
		peerKind = bus.PeerGroup
		root := ev.ThreadTimeStamp
		if root == "" {
			root = ev.TimeStamp
		}
		chatID += "/" + root
	} else if ev.ThreadTimeStamp != "" {
		chatID += "/" + ev.ThreadTimeStamp
	}

	var atts []bus.Attachment
	if ev.Message != nil {
		for _, f := range ev.Message.Files {
			atts = append(atts, bus.Attachment{URL: f.URLPrivateDownload, Name: f.Name, MIMEHint: f.Mimetype, DeclaredSize: int64(f.Size)})
		}
	}
	var paths []string
	if c.media != nil && len(atts) > 0 {
		// private file URLs need the bot token
		hdr := http.Header{"Authorization": {"Bearer " + c.config.BotToken.Reveal()}}
		var notes []string
		paths, notes = c.media.SaveAll(ctx, c.Name(), atts, hdr)
		for _, p := range paths {
			content = joinLine(content, "[attachment: "+p+"]")
		}
		for _, n := range notes {
			content = joinLine(content, n)
		}
	}
	if content == "" {
		content = "[empty message]"
	}

	slog.Debug("slack message received", "user_id", ev.User, "chat_id", chatID, "preview", channels.Truncate(content, 50))
	c.HandleMessage(bus.InboundMessage{
		SenderID:    ev.User,
		ChatID:      chatID,
		Content:     content,
		Timestamp:   parseTS(ev.TimeStamp),
		Media:       paths,
		Attachments: atts,
		PeerKind:    peerKind,
		Metadata: map[string]string{
			"ts":        ev.TimeStamp,
			"thread_ts": ev.ThreadTimeStamp,
			"channel":   ev.Channel,
		},
	})
}

// stripMentions removes every <@USER> token.
func stripMentions(text string) string {
	for {
		start := strings.Index(text, "<@")
		if start < 0 {
			break
		}
		end := strings.Index(text[start:], ">")
		if end < 0 {
			break
		}
		text = text[:start] + text[start+end+1:]
	}
	return strings.TrimSpace(text)
}

// parseTS reads a Slack "seconds.micros" timestamp.
func parseTS(ts string) time.Time {
	secs, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Now()
	}
	var micros int64
	if frac != "" {
		micros, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, micros*int64(time.Microsecond))
}

func joinLine(s, line string) string {
	if s == "" {
		return line
	}
	return s + "\n" + line
}
