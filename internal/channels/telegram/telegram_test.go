package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/mymmrac/telego"

	"github.com/thebenlamm/nanobot/internal/bus"
	"github.com/thebenlamm/nanobot/internal/channels"
	"github.com/thebenlamm/nanobot/internal/config"
	"github.com/thebenlamm/nanobot/internal/tools"
)

const testToken = "123456:ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghi"

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

// fakeBotAPI answers the handful of Bot API methods the channel calls.
type fakeBotAPI struct {
	mu       sync.Mutex
	sent     []string
	getMe    string
	sendFail bool
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		if f.getMe != "" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(f.getMe))
			return
		}
		w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"bot","username":"nanobot"}}`))
	case strings.HasSuffix(r.URL.Path, "/getFile"):
		w.Write([]byte(`{"ok":true,"result":{"file_id":"f1","file_unique_id":"u1","file_size":64,"file_path":"voice/file_1.oga"}}`))
	case strings.HasSuffix(r.URL.Path, "/voice/file_1.oga"):
		w.Write([]byte(strings.Repeat("a", 64)))
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		var body struct {
			Text string `json:"text"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.sent = append(f.sent, body.Text)
		f.mu.Unlock()
		if f.sendFail {
			w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
			return
		}
		w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`))
	default:
		http.NotFound(w, r)
	}
}

func newTestChannel(t *testing.T, api *fakeBotAPI, media *channels.MediaStore) (*Channel, *recorder) {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	rec := &recorder{}
	ch, err := New(config.TelegramConfig{Token: config.NewSecret(testToken), AllowFrom: []string{"alice"}},
		rec, media, WithAPIServer(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	return ch, rec
}

func TestConnectRejectedTokenIsUnrecoverable(t *testing.T) {
	api := &fakeBotAPI{getMe: `{"ok":false,"error_code":401,"description":"Unauthorized"}`}
	ch, _ := newTestChannel(t, api, nil)

	_, err := ch.Connect(context.Background())
	if !channels.IsUnrecoverable(err) {
		t.Fatalf("err = %v, want unrecoverable", err)
	}
	if strings.Contains(err.Error(), testToken) {
		t.Errorf("error leaks token: %v", err)
	}
}

func TestHandleMessage(t *testing.T) {
	ch, rec := newTestChannel(t, &fakeBotAPI{}, nil)
	ctx := context.Background()

	ch.handleMessage(ctx, &telego.Message{
		MessageID: 3,
		Date:      1700000000,
		Chat:      telego.Chat{ID: 42, Type: telego.ChatTypePrivate},
		From:      &telego.User{ID: 99, Username: "alice", FirstName: "Alice"},
		Text:      "hello",
	})
	// not on the allowlist
	ch.handleMessage(ctx, &telego.Message{
		Chat: telego.Chat{ID: 43, Type: telego.ChatTypePrivate},
		From: &telego.User{ID: 100, Username: "mallory"},
		Text: "hi",
	})
	// service message
	ch.handleMessage(ctx, &telego.Message{
		Chat: telego.Chat{ID: 42, Type: telego.ChatTypePrivate},
		From: &telego.User{ID: 99, Username: "alice"},
	})

	msgs := rec.all()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.SenderID != "99|alice" || m.ChatID != "42" || m.Content != "hello" || m.Channel != "telegram" {
		t.Errorf("message = %+v", m)
	}
	if m.SenderName != "Alice" || m.PeerKind != bus.PeerDirect || m.Timestamp.Unix() != 1700000000 {
		t.Errorf("message = %+v", m)
	}
}

func TestVoiceDownloadedThroughMediaStore(t *testing.T) {
	guard, err := tools.NewHostGuard(tools.WithoutDefaultRanges())
	if err != nil {
		t.Fatal(err)
	}
	root := t.TempDir()
	media := channels.NewMediaStore(tools.NewFetcher(guard, tools.WithMaxBytes(1024)), root)
	ch, rec := newTestChannel(t, &fakeBotAPI{}, media)

	ch.handleMessage(context.Background(), &telego.Message{
		Chat:  telego.Chat{ID: 42, Type: telego.ChatTypePrivate},
		From:  &telego.User{ID: 99, Username: "alice"},
		Voice: &telego.Voice{FileID: "f1", FileSize: 64, MimeType: "audio/ogg"},
	})
	msgs := rec.all()
	if len(msgs) != 1 || len(msgs[0].Media) != 1 {
		t.Fatalf("published %+v", msgs)
	}
	data, err := os.ReadFile(msgs[0].Media[0])
	if err != nil || len(data) != 64 {
		t.Fatalf("stored file: %d bytes, %v", len(data), err)
	}
	if !strings.Contains(msgs[0].Content, voicePlaceholder) {
		t.Errorf("content = %q", msgs[0].Content)
	}
}

func TestOversizeMediaSkipped(t *testing.T) {
	guard, err := tools.NewHostGuard(tools.WithoutDefaultRanges())
	if err != nil {
		t.Fatal(err)
	}
	media := channels.NewMediaStore(tools.NewFetcher(guard, tools.WithMaxBytes(1024)), t.TempDir())
	ch, rec := newTestChannel(t, &fakeBotAPI{}, media)

	ch.handleMessage(context.Background(), &telego.Message{
		Chat:     telego.Chat{ID: 42, Type: telego.ChatTypePrivate},
		From:     &telego.User{ID: 99, Username: "alice"},
		Caption:  "report",
		Document: &telego.Document{FileID: "big", FileName: "r.pdf", FileSize: 1 << 30},
	})
	msgs := rec.all()
	if len(msgs) != 1 || len(msgs[0].Media) != 0 {
		t.Fatalf("published %+v", msgs)
	}
	if !strings.Contains(msgs[0].Content, "too large") {
		t.Errorf("content = %q", msgs[0].Content)
	}
}

func TestSendChunksLongText(t *testing.T) {
	api := &fakeBotAPI{}
	ch, _ := newTestChannel(t, api, nil)
	conn := &pollConn{ConnState: channels.NewConnState(), ch: ch, cancel: func() {}}

	text := strings.Repeat("word ", 1000) // 5000 chars
	if err := conn.Send(context.Background(), bus.OutboundMessage{ChatID: "42", Content: text}); err != nil {
		t.Fatal(err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.sent) != 2 {
		t.Fatalf("sent %d chunks, want 2", len(api.sent))
	}
	for _, s := range api.sent {
		if len(s) > maxMessageLen {
			t.Errorf("chunk of %d chars", len(s))
		}
	}
}

func TestSendErrors(t *testing.T) {
	api := &fakeBotAPI{sendFail: true}
	ch, _ := newTestChannel(t, api, nil)
	conn := &pollConn{ConnState: channels.NewConnState(), ch: ch, cancel: func() {}}
	ctx := context.Background()

	if err := conn.Send(ctx, bus.OutboundMessage{ChatID: "not-a-number", Content: "x"}); !channels.IsPermanent(err) {
		t.Errorf("bad chat id: %v", err)
	}
	if err := conn.Send(ctx, bus.OutboundMessage{ChatID: "42", Content: "x"}); !channels.IsPermanent(err) {
		t.Errorf("chat not found: %v", err)
	}

	conn.Close()
	if err := conn.Send(ctx, bus.OutboundMessage{ChatID: "42", Content: "x"}); err != channels.ErrConnClosed {
		t.Errorf("after close: %v", err)
	}
}

func TestBuildMediaTags(t *testing.T) {
	tests := []struct {
		name  string
		items []MediaInfo
		want  string
	}{
		{"none", nil, ""},
		{"image stored", []MediaInfo{{Type: "image", FilePath: "/m/a.jpg"}}, "<media:image> /m/a.jpg"},
		{"animation as video", []MediaInfo{{Type: "animation"}}, "<media:video>"},
		{"refused", []MediaInfo{{Type: "document", Note: "download failed"}}, "<media:document> [download failed]"},
		{"voice", []MediaInfo{{Type: "voice"}}, "<media:voice>\n" + voicePlaceholder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildMediaTags(tt.items); got != tt.want {
				t.Errorf("buildMediaTags = %q, want %q", got, tt.want)
			}
		})
	}
}
