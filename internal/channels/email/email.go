// Package email turns an IMAP inbox into a chat channel and answers over
// SMTP. Nothing touches the mailbox until the owner grants consent.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/thebenlamm/nanobot/internal/bus"
	"github.com/thebenlamm/nanobot/internal/channels"
	"github.com/thebenlamm/nanobot/internal/config"
	"github.com/thebenlamm/nanobot/internal/mail"
)

const (
	defaultPollInterval = 30 * time.Second
	maxProcessedUIDs    = 100000
)

// ErrNoConsent disables the channel until consent_granted is set.
var ErrNoConsent = errors.New("email channel: consent_granted is false, mailbox access not permitted")

// Inbox is a mailbox whose messages can be flagged read after handling.
type Inbox interface {
	mail.Mailbox
	MarkSeen(ctx context.Context, uids []uint32) error
}

type thread struct {
	subject   string
	messageID string
}

// Channel polls for unseen mail and replies to the sender.
type Channel struct {
	*channels.BaseChannel
	config   config.EmailConfig
	inbox    Inbox
	sender   mail.Sender
	interval time.Duration

	mu        sync.Mutex
	threads   map[string]thread // chat id (sender address) -> last message
	processed map[uint32]struct{}
}

// New creates the email channel.
func New(cfg config.EmailConfig, pub channels.Publisher, inbox Inbox, sender mail.Sender, opts ...channels.BaseOption) *Channel {
	interval := time.Duration(cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("email", pub, cfg.AllowFrom, opts...),
		config:      cfg,
		inbox:       inbox,
		sender:      sender,
		interval:    interval,
		threads:     make(map[string]thread),
		processed:   make(map[uint32]struct{}),
	}
}

// Connect runs one poll to prove the mailbox is reachable, then keeps
// polling on the configured interval. A failed poll ends the connection.
func (c *Channel) Connect(ctx context.Context) (channels.Conn, error) {
	if !c.config.ConsentGranted {
		return nil, channels.Unrecoverable(ErrNoConsent)
	}
	if !c.config.IMAPConfigured() {
		return nil, channels.Unrecoverable(errors.New("email channel: imap_host and imap_password are required"))
	}
	if err := c.poll(ctx); err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	conn := &pollConn{ConnState: channels.NewConnState(), ch: c, cancel: cancel}
	go conn.loop(pollCtx)
	slog.Info("email channel connected", "mailbox", c.config.IMAPUsername, "interval", c.interval)
	return conn, nil
}

// poll publishes every unseen message, then marks them read.
func (c *Channel) poll(ctx context.Context) error {
	msgs, err := c.inbox.Fetch(ctx, mail.Query{UnseenOnly: true})
	if err != nil {
		var login *mail.LoginError
		if errors.As(err, &login) {
			return channels.Unrecoverable(err)
		}
		return err
	}

	var handled []uint32
	// oldest first, so the conversation reads in order
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if c.seen(m.UID) {
			handled = append(handled, m.UID)
			continue
		}
		c.publish(m)
		handled = append(handled, m.UID)
	}
	if err := c.inbox.MarkSeen(ctx, handled); err != nil {
		// processed keeps them from being published again
		slog.Warn("email mark seen failed", "count", len(handled), "error", err)
	}
	return nil
}

func (c *Channel) seen(uid uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.processed[uid]; ok {
		return true
	}
	if len(c.processed) >= maxProcessedUIDs {
		c.processed = make(map[uint32]struct{})
	}
	c.processed[uid] = struct{}{}
	return false
}

func (c *Channel) publish(m mail.Message) {
	if m.From == "" {
		return
	}
	c.mu.Lock()
	c.threads[m.From] = thread{subject: m.Subject, messageID: m.MessageID}
	c.mu.Unlock()

	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}
	body := m.Body
	if body == "" {
		body = "(empty email body)"
	}
	content := fmt.Sprintf("Email received.\nFrom: %s\nSubject: %s\nDate: %s\n\n%s",
		m.From, m.Subject, date.Format(time.RFC1123Z), body)

	c.HandleMessage(bus.InboundMessage{
		SenderID:   m.From,
		SenderName: m.FromName,
		ChatID:     m.From,
		Content:    content,
		Timestamp:  date,
		Metadata: map[string]string{
			"message_id": m.MessageID,
			"subject":    m.Subject,
			"uid":        fmt.Sprint(m.UID),
		},
	})
}

// replySubject prefixes "Re: " unless the subject already carries it.
func replySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "Re: your message"
	}
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

type pollConn struct {
	*channels.ConnState
	ch     *Channel
	cancel context.CancelFunc
}

func (p *pollConn) loop(ctx context.Context) {
	t := time.NewTicker(p.ch.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.ch.poll(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.End(fmt.Errorf("email poll: %w", err))
				return
			}
		}
	}
}

// Send mails msg.Content to the address in ChatID as a reply to the last
// message from that address.
func (p *pollConn) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if p.Ended() {
		return channels.ErrConnClosed
	}
	if !strings.Contains(msg.ChatID, "@") {
		return channels.Permanent(fmt.Errorf("invalid email recipient %q", msg.ChatID))
	}
	p.ch.mu.Lock()
	th := p.ch.threads[msg.ChatID]
	p.ch.mu.Unlock()

	subject := replySubject(th.subject)
	if s := msg.Metadata["subject"]; s != "" {
		subject = s
	}
	err := p.ch.sender.Send(ctx, mail.Outgoing{
		To:        msg.ChatID,
		Subject:   subject,
		Body:      msg.Content,
		InReplyTo: th.messageID,
	})
	return classifySendError(err)
}

func (p *pollConn) Close() error {
	p.cancel()
	p.End(nil)
	return nil
}

// classifySendError maps SMTP reply codes: 535 is a credential failure,
// other 5xx codes reject this message only.
func classifySendError(err error) error {
	if err == nil {
		return nil
	}
	var tp *textproto.Error
	if errors.As(err, &tp) {
		switch {
		case tp.Code == 535:
			return channels.Unrecoverable(err)
		case tp.Code >= 500:
			return channels.Permanent(err)
		}
	}
	return err
}
