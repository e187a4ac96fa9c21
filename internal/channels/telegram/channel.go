// Package telegram connects to Telegram via the Bot API using long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/thebenlamm/nanobot/internal/bus"
	"github.com/thebenlamm/nanobot/internal/channels"
	"github.com/thebenlamm/nanobot/internal/config"
)

// maxMessageLen is the Bot API limit for one text message.
const maxMessageLen = 4096

// Channel is the Telegram adapter.
type Channel struct {
	*channels.BaseChannel
	bot    *telego.Bot
	config config.TelegramConfig
	media  *channels.MediaStore
}

// Option customises a Channel.
type Option func(*options)

type options struct {
	botOpts []telego.BotOption
	base    []channels.BaseOption
}

// WithAPIServer points the bot at another Bot API server (tests, local bot API).
func WithAPIServer(u string) Option {
	return func(o *options) { o.botOpts = append(o.botOpts, telego.WithAPIServer(u)) }
}

// WithBaseOptions passes options through to the embedded BaseChannel.
func WithBaseOptions(opts ...channels.BaseOption) Option {
	return func(o *options) { o.base = append(o.base, opts...) }
}

// New creates a Telegram channel. media may be nil, in which case
// attachments are only described in the message text.
func New(cfg config.TelegramConfig, pub channels.Publisher, media *channels.MediaStore, opts ...Option) (*Channel, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid telegram proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	botOpts := append([]telego.BotOption{
		telego.WithHTTPClient(&http.Client{Transport: transport, Timeout: 60 * time.Second}),
		telego.WithDiscardLogger(),
	}, o.botOpts...)

	bot, err := telego.NewBot(cfg.Token.Reveal(), botOpts...)
	if err != nil {
		// telego rejects a malformed token before any request is made
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", pub, cfg.AllowFrom, o.base...),
		bot:         bot,
		config:      cfg,
		media:       media,
	}, nil
}

// Connect checks the token with getMe and starts long polling.
func (c *Channel) Connect(ctx context.Context) (channels.Conn, error) {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		if isAuthError(err) {
			return nil, channels.Unrecoverable(fmt.Errorf("telegram rejected bot token: %w", err))
		}
		return nil, fmt.Errorf("telegram getMe: %w", c.scrub(err))
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start telegram polling: %w", c.scrub(err))
	}
	slog.Info("telegram bot connected", "username", me.Username)

	conn := &pollConn{ConnState: channels.NewConnState(), ch: c, cancel: cancel}
	go conn.loop(pollCtx, updates)
	return conn, nil
}

type pollConn struct {
	*channels.ConnState
	ch     *Channel
	cancel context.CancelFunc
}

func (p *pollConn) loop(ctx context.Context, updates <-chan telego.Update) {
	for update := range updates {
		if update.Message != nil {
			p.ch.handleMessage(ctx, update.Message)
		}
	}
	p.End(errors.New("telegram update stream closed"))
}

// Send delivers msg in chunks of at most 4096 characters.
func (p *pollConn) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if p.Ended() {
		return channels.ErrConnClosed
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return channels.Permanent(fmt.Errorf("invalid telegram chat id %q", msg.ChatID))
	}
	for _, chunk := range channels.ChunkText(msg.Content, maxMessageLen) {
		if _, err := p.ch.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return classifySendError(p.ch.scrub(err))
		}
	}
	return nil
}

func (p *pollConn) Close() error {
	p.cancel()
	p.End(nil)
	return nil
}

// scrub hides the bot token, which net/http errors repeat via the request URL.
func (c *Channel) scrub(err error) error {
	token := c.config.Token.Reveal()
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &scrubbedError{msg: strings.ReplaceAll(err.Error(), token, "<token>"), err: err}
}

type scrubbedError struct {
	msg string
	err error
}

func (e *scrubbedError) Error() string { return e.msg }
func (e *scrubbedError) Unwrap() error { return e.err }

func apiError(err error) *telegoapi.Error {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}

// isAuthError reports a revoked or unknown bot token. The Bot API answers
// 404 for tokens it has never seen.
func isAuthError(err error) bool {
	if e := apiError(err); e != nil {
		return e.ErrorCode == http.StatusUnauthorized || e.ErrorCode == http.StatusNotFound
	}
	return false
}

func classifySendError(err error) error {
	e := apiError(err)
	switch {
	case e == nil:
		return fmt.Errorf("telegram send: %w", err)
	case e.ErrorCode == http.StatusUnauthorized:
		return channels.Unrecoverable(fmt.Errorf("telegram send: %w", err))
	case e.ErrorCode == http.StatusBadRequest || e.ErrorCode == http.StatusForbidden:
		// chat not found, bot blocked by user
		return channels.Permanent(fmt.Errorf("telegram send: %w", err))
	default:
		return fmt.Errorf("telegram send: %w", err)
	}
}
