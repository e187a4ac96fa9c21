package email

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/thebenlamm/nanobot/internal/bus"
	"github.com/thebenlamm/nanobot/internal/channels"
	"github.com/thebenlamm/nanobot/internal/config"
	"github.com/thebenlamm/nanobot/internal/mail"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// events records publishes and mark-seen calls in one timeline.
type events struct {
	mu  sync.Mutex
	log []string
	in  []bus.InboundMessage
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, s)
}

func (e *events) PublishInbound(msg bus.InboundMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, "publish "+msg.Metadata["uid"])
	e.in = append(e.in, msg)
}

func (e *events) snapshot() ([]string, []bus.InboundMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...), append([]bus.InboundMessage(nil), e.in...)
}

type fakeInbox struct {
	ev       *events
	msgs     []mail.Message
	fetchErr error
	markErr  error
}

func (f *fakeInbox) Fetch(_ context.Context, q mail.Query) ([]mail.Message, error) {
	if q.MarkSeen {
		return nil, errors.New("fetch must not mark seen")
	}
	return f.msgs, f.fetchErr
}

func (f *fakeInbox) MarkSeen(_ context.Context, uids []uint32) error {
	f.ev.add(fmt.Sprint("mark ", uids))
	return f.markErr
}

type fakeSender struct {
	sent []mail.Outgoing
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg mail.Outgoing) error {
	f.sent = append(f.sent, msg)
	return f.err
}

func enabledConfig() config.EmailConfig {
	return config.EmailConfig{
		Enabled:        true,
		ConsentGranted: true,
		IMAPHost:       "imap.example.com",
		IMAPPassword:   config.NewSecret("pw"),
	}
}

func TestConnectWithoutConsentIsUnrecoverable(t *testing.T) {
	cfg := enabledConfig()
	cfg.ConsentGranted = false
	ev := &events{}
	ch := New(cfg, ev, &fakeInbox{ev: ev}, &fakeSender{})

	_, err := ch.Connect(context.Background())
	if !channels.IsUnrecoverable(err) || !errors.Is(err, ErrNoConsent) {
		t.Fatalf("err = %v", err)
	}
	if log, _ := ev.snapshot(); len(log) != 0 {
		t.Errorf("mailbox touched without consent: %v", log)
	}
}

func TestConnectLoginFailureIsUnrecoverable(t *testing.T) {
	ev := &events{}
	inbox := &fakeInbox{ev: ev, fetchErr: &mail.LoginError{Err: errors.New("AUTHENTICATIONFAILED")}}
	ch := New(enabledConfig(), ev, inbox, &fakeSender{})

	if _, err := ch.Connect(context.Background()); !channels.IsUnrecoverable(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestPollPublishesThenMarksSeen(t *testing.T) {
	ev := &events{}
	inbox := &fakeInbox{ev: ev, markErr: errors.New("store failed"), msgs: []mail.Message{
		// newest first, as the mailbox returns them
		{UID: 8, From: "ada@example.com", Subject: "Lunch?", MessageID: "m8@example.com", Body: "Noon?", Date: time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC)},
		{UID: 7, From: "bob@example.com", Subject: "Report", Body: "attached"},
	}}
	ch := New(enabledConfig(), ev, inbox, &fakeSender{})
	ctx := context.Background()

	if err := ch.poll(ctx); err != nil {
		t.Fatal(err)
	}
	// mark seen failed, so the next poll sees both again and must not republish
	if err := ch.poll(ctx); err != nil {
		t.Fatal(err)
	}

	log, in := ev.snapshot()
	want := []string{"publish 7", "publish 8", "mark [7 8]", "mark [7 8]"}
	if fmt.Sprint(log) != fmt.Sprint(want) {
		t.Errorf("log = %v, want %v", log, want)
	}
	if len(in) != 2 {
		t.Fatalf("published %d", len(in))
	}
	m := in[1]
	if m.ChatID != "ada@example.com" || m.Channel != "email" {
		t.Errorf("message = %+v", m)
	}
	for _, part := range []string{"From: ada@example.com", "Subject: Lunch?", "Noon?"} {
		if !strings.Contains(m.Content, part) {
			t.Errorf("content missing %q:\n%s", part, m.Content)
		}
	}
}

func TestSendReplies(t *testing.T) {
	ev := &events{}
	inbox := &fakeInbox{ev: ev, msgs: []mail.Message{{UID: 1, From: "ada@example.com", Subject: "Lunch?", MessageID: "m1@example.com"}}}
	sender := &fakeSender{}
	ch := New(enabledConfig(), ev, inbox, sender)
	ctx := context.Background()
	if err := ch.poll(ctx); err != nil {
		t.Fatal(err)
	}

	conn := &pollConn{ConnState: channels.NewConnState(), ch: ch, cancel: func() {}}
	if err := conn.Send(ctx, bus.OutboundMessage{ChatID: "ada@example.com", Content: "Noon works."}); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d", len(sender.sent))
	}
	got := sender.sent[0]
	if got.Subject != "Re: Lunch?" || got.InReplyTo != "m1@example.com" || got.Body != "Noon works." {
		t.Errorf("sent = %+v", got)
	}

	if err := conn.Send(ctx, bus.OutboundMessage{ChatID: "not-an-address", Content: "x"}); !channels.IsPermanent(err) {
		t.Errorf("bad recipient: %v", err)
	}
}

func TestClassifySendError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		permanent     bool
		unrecoverable bool
	}{
		{"auth", fmt.Errorf("smtp auth: %w", &textproto.Error{Code: 535, Msg: "bad credentials"}), false, true},
		{"mailbox unavailable", fmt.Errorf("smtp rcpt: %w", &textproto.Error{Code: 550, Msg: "no such user"}), true, false},
		{"greylisted", &textproto.Error{Code: 451, Msg: "try later"}, false, false},
		{"network", errors.New("connection refused"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifySendError(tt.err)
			if channels.IsPermanent(err) != tt.permanent || channels.IsUnrecoverable(err) != tt.unrecoverable {
				t.Errorf("classifySendError(%v) = %v", tt.err, err)
			}
		})
	}
}

func TestReplySubject(t *testing.T) {
	for in, want := range map[string]string{
		"Lunch?":     "Re: Lunch?",
		"RE: Lunch?": "RE: Lunch?",
		"":           "Re: your message",
	} {
		if got := replySubject(in); got != want {
			t.Errorf("replySubject(%q) = %q, want %q", in, got, want)
		}
	}
}
