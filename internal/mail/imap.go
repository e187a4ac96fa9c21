// Package mail reads an IMAP inbox and sends replies over SMTP.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset" // decode non-UTF-8 bodies
	gomail "github.com/emersion/go-message/mail"

	"github.com/thebenlamm/nanobot/internal/config"
	"github.com/thebenlamm/nanobot/internal/textutil"
)

const (
	maxBodyChars = 12000
	dialTimeout  = 30 * time.Second
)

// Message is one parsed email.
type Message struct {
	UID       uint32
	MessageID string
	From      string // bare address
	FromName  string
	Subject   string
	Date      time.Time
	Body      string // plain text, HTML reduced to text, capped
}

// Query selects messages to fetch.
type Query struct {
	UnseenOnly bool
	Since      time.Time // zero = no lower bound
	Limit      int       // newest first, 0 = no limit
	MarkSeen   bool
}

// Mailbox is anything that can answer a Query.
type Mailbox interface {
	Fetch(ctx context.Context, q Query) ([]Message, error)
}

// IMAPMailbox fetches from one IMAP folder, one connection per call.
type IMAPMailbox struct {
	addr     string
	host     string
	port     int
	username string
	password config.SecretHandle
	folder   string
}

func NewIMAPMailbox(cfg config.EmailConfig) *IMAPMailbox {
	folder := cfg.IMAPMailbox
	if folder == "" {
		folder = "INBOX"
	}
	return &IMAPMailbox{
		addr:     net.JoinHostPort(cfg.IMAPHost, strconv.Itoa(cfg.IMAPPort)),
		host:     cfg.IMAPHost,
		port:     cfg.IMAPPort,
		username: cfg.IMAPUsername,
		password: cfg.IMAPPassword,
		folder:   folder,
	}
}

func (m *IMAPMailbox) dial() (*client.Client, error) {
	tlsCfg := &tls.Config{ServerName: m.host, MinVersion: tls.VersionTLS12}
	dialer := &net.Dialer{Timeout: dialTimeout}
	if m.port == 993 {
		return client.DialWithDialerTLS(dialer, m.addr, tlsCfg)
	}
	c, err := client.DialWithDialer(dialer, m.addr)
	if err != nil {
		return nil, err
	}
	if ok, _ := c.SupportStartTLS(); ok {
		if err := c.StartTLS(tlsCfg); err != nil {
			c.Terminate()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}
	return c, nil
}

// open logs in and selects the folder. The returned func logs out and
// stops watching ctx.
func (m *IMAPMailbox) open(ctx context.Context, readOnly bool) (*client.Client, func(), error) {
	c, err := m.dial()
	if err != nil {
		return nil, nil, fmt.Errorf("imap connect %s: %w", m.addr, err)
	}
	c.Timeout = dialTimeout

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.Terminate()
		case <-done:
		}
	}()
	closeFn := func() {
		close(done)
		c.Logout()
	}

	if err := c.Login(m.username, m.password.Reveal()); err != nil {
		closeFn()
		return nil, nil, &LoginError{Err: err}
	}
	if _, err := c.Select(m.folder, readOnly); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("imap select %s: %w", m.folder, err)
	}
	return c, closeFn, nil
}

// LoginError means the server refused the credentials.
type LoginError struct{ Err error }

func (e *LoginError) Error() string { return "imap login: " + e.Err.Error() }
func (e *LoginError) Unwrap() error { return e.Err }

// MarkSeen flags the given UIDs as read.
func (m *IMAPMailbox) MarkSeen(ctx context.Context, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	c, closeFn, err := m.open(ctx, false)
	if err != nil {
		return err
	}
	defer closeFn()

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	flags := []interface{}{imap.SeenFlag}
	if err := c.UidStore(seqset, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
		return fmt.Errorf("imap mark seen: %w", err)
	}
	return nil
}

// Fetch runs q. Without MarkSeen the folder is opened read-only and bodies
// are fetched with PEEK, so nothing changes on the server.
func (m *IMAPMailbox) Fetch(ctx context.Context, q Query) ([]Message, error) {
	c, closeFn, err := m.open(ctx, !q.MarkSeen)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	criteria := imap.NewSearchCriteria()
	if q.UnseenOnly {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}
	if !q.Since.IsZero() {
		criteria.Since = q.Since
	}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	if len(uids) == 0 {
		return nil, ctx.Err()
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if q.Limit > 0 && len(uids) > q.Limit {
		uids = uids[len(uids)-q.Limit:]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	fetched := make(chan *imap.Message, 16)
	fetchErr := make(chan error, 1)
	go func() { fetchErr <- c.UidFetch(seqset, items, fetched) }()

	var out []Message
	for raw := range fetched {
		body := raw.GetBody(section)
		if body == nil {
			continue
		}
		msg, err := Parse(body)
		if err != nil {
			continue
		}
		msg.UID = raw.Uid
		if msg.Date.IsZero() {
			msg.Date = raw.InternalDate
		}
		out = append(out, msg)
	}
	if err := <-fetchErr; err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("imap fetch: %w", err)
	}

	if q.MarkSeen {
		flags := []interface{}{imap.SeenFlag}
		if err := c.UidStore(seqset, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
			return out, fmt.Errorf("imap mark seen: %w", err)
		}
	}
	// newest first
	sort.Slice(out, func(i, j int) bool { return out[i].UID > out[j].UID })
	return out, nil
}

// Parse reads an RFC 5322 message, preferring the text/plain part.
func Parse(r io.Reader) (Message, error) {
	mr, err := gomail.CreateReader(r)
	if err != nil {
		return Message{}, fmt.Errorf("parse message: %w", err)
	}
	defer mr.Close()

	var msg Message
	h := mr.Header
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = strings.ToLower(from[0].Address)
		msg.FromName = from[0].Name
	}
	msg.Subject, _ = h.Subject()
	msg.Date, _ = h.Date()
	msg.MessageID, _ = h.MessageID()

	var plain, html string
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if plain != "" || html != "" {
				break
			}
			return msg, fmt.Errorf("read message part: %w", err)
		}
		ih, ok := p.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := ih.ContentType()
		b, err := io.ReadAll(io.LimitReader(p.Body, maxBodyChars*4))
		if err != nil {
			continue
		}
		switch {
		case ct == "text/plain" && plain == "":
			plain = string(b)
		case ct == "text/html" && html == "":
			_, html = textutil.HTMLToText(strings.NewReader(string(b)))
		}
	}

	body := plain
	if strings.TrimSpace(body) == "" {
		body = html
	}
	msg.Body, _ = textutil.Truncate(strings.TrimSpace(body), maxBodyChars)
	return msg, nil
}
