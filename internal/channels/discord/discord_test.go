package discord

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/thebenlamm/nanobot/internal/bus"
	"github.com/thebenlamm/nanobot/internal/channels"
	"github.com/thebenlamm/nanobot/internal/config"
	"github.com/thebenlamm/nanobot/internal/tools"
)

type recorder struct {
	mu   sync.Mutex
	msgs []bus.InboundMessage
}

func (r *recorder) PublishInbound(msg bus.InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) all() []bus.InboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.InboundMessage(nil), r.msgs...)
}

func message(guild, content string, mentioned ...*discordgo.User) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		GuildID:   guild,
		Content:   content,
		Timestamp: time.Unix(1700000000, 0),
		Author:    &discordgo.User{ID: "u1", Username: "alice", GlobalName: "Alice"},
		Mentions:  mentioned,
	}}
}

func TestHandleMessage(t *testing.T) {
	rec := &recorder{}
	ch := New(config.DiscordConfig{AllowFrom: []string{"alice"}}, rec, nil)
	ctx := context.Background()
	bot := &discordgo.User{ID: "bot"}

	ch.handleMessage(ctx, "bot", message("", "hello"))
	ch.handleMessage(ctx, "bot", message("g1", "chatter between humans"))
	ch.handleMessage(ctx, "bot", message("g1", "<@bot> what time is it", bot))

	own := message("", "echo")
	own.Author = bot
	ch.handleMessage(ctx, "bot", own)

	stranger := message("", "hi")
	stranger.Author = &discordgo.User{ID: "u2", Username: "mallory"}
	ch.handleMessage(ctx, "bot", stranger)

	msgs := rec.all()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want 2: %+v", len(msgs), msgs)
	}
	if m := msgs[0]; m.SenderID != "u1|alice" || m.ChatID != "c1" || m.PeerKind != bus.PeerDirect || m.SenderName != "Alice" {
		t.Errorf("dm = %+v", m)
	}
	if m := msgs[1]; m.Content != "what time is it" || m.PeerKind != bus.PeerGroup {
		t.Errorf("mention = %+v", m)
	}
}

func TestAttachmentsStored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("PNGDATA"))
	}))
	defer srv.Close()

	guard, err := tools.NewHostGuard(tools.WithoutDefaultRanges())
	if err != nil {
		t.Fatal(err)
	}
	media := channels.NewMediaStore(tools.NewFetcher(guard, tools.WithMaxBytes(100)), t.TempDir())
	rec := &recorder{}
	ch := New(config.DiscordConfig{}, rec, media)

	m := message("", "look")
	m.Attachments = []*discordgo.MessageAttachment{
		{URL: srv.URL + "/a.png", Filename: "a.png", ContentType: "image/png", Size: 7},
		{URL: srv.URL + "/huge.bin", Filename: "huge.bin", Size: 1 << 20},
	}
	ch.handleMessage(context.Background(), "bot", m)

	msgs := rec.all()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages", len(msgs))
	}
	got := msgs[0]
	if len(got.Media) != 1 || !strings.HasSuffix(got.Media[0], ".png") {
		t.Errorf("media = %v", got.Media)
	}
	if !strings.Contains(got.Content, "huge.bin not downloaded") {
		t.Errorf("content = %q", got.Content)
	}
}

func TestClassifySendError(t *testing.T) {
	rest := func(code int) error {
		return &discordgo.RESTError{Response: &http.Response{StatusCode: code}}
	}
	tests := []struct {
		name          string
		err           error
		permanent     bool
		unrecoverable bool
	}{
		{"unauthorized", rest(http.StatusUnauthorized), false, true},
		{"missing access", rest(http.StatusForbidden), true, false},
		{"unknown channel", rest(http.StatusNotFound), true, false},
		{"server error", rest(http.StatusBadGateway), false, false},
		{"network", errors.New("connection reset"), false, false},
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

func TestConnectRejectedTokenIsUnrecoverable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message": "401: Unauthorized", "code": 0}`))
	}))
	defer srv.Close()

	prev := discordgo.EndpointUsers
	discordgo.EndpointUsers = srv.URL + "/users/"
	defer func() { discordgo.EndpointUsers = prev }()

	ch := New(config.DiscordConfig{Token: config.NewSecret("bad")}, &recorder{}, nil)
	if _, err := ch.Connect(context.Background()); !channels.IsUnrecoverable(err) {
		t.Fatalf("err = %v, want unrecoverable", err)
	}
}
