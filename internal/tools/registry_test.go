package tools

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/thebenlamm/nanobot/internal/config"
	"github.com/thebenlamm/nanobot/internal/mail"
)

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echo text back" }
func (echoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text":  map[string]interface{}{"type": "string"},
			"times": map[string]interface{}{"type": "integer", "minimum": 1},
		},
		"required":             []string{"text"},
		"additionalProperties": false,
	}
}
func (echoTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	return NewResult(strings.Repeat(args["text"].(string), intArg(args, "times", 1)))
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (o *recordingObserver) ToolCalled(name string, res *Result, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, name)
}

func TestRegistry_ValidatesArguments(t *testing.T) {
	obs := &recordingObserver{}
	reg := NewRegistry(WithObserver(obs))
	reg.Register(echoTool{})

	tests := []struct {
		name    string
		tool    string
		args    map[string]interface{}
		want    string
		wantErr bool
	}{
		{"valid", "echo", map[string]interface{}{"text": "ab", "times": float64(2)}, "abab", false},
		{"missing required", "echo", map[string]interface{}{}, "invalid arguments", true},
		{"wrong type", "echo", map[string]interface{}{"text": 42}, "invalid arguments", true},
		{"extra property", "echo", map[string]interface{}{"text": "a", "shell": "rm"}, "invalid arguments", true},
		{"below minimum", "echo", map[string]interface{}{"text": "a", "times": float64(0)}, "invalid arguments", true},
		{"unknown tool", "nope", nil, `unknown tool "nope"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := reg.Execute(context.Background(), tt.tool, tt.args)
			if res.IsError != tt.wantErr || !strings.Contains(res.ForLLM, tt.want) {
				t.Errorf("Execute = %+v", res)
			}
		})
	}
	if len(obs.calls) != len(tests) {
		t.Errorf("observer saw %d calls, want %d", len(obs.calls), len(tests))
	}
}

func TestRegistry_ProviderDefs(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool{})
	reg.Register(NewEmailFetchTool(nil, false))
	reg.Register(echoTool{}) // replace keeps position

	defs := reg.ProviderDefs()
	if len(defs) != 2 || defs[0].Function.Name != "echo" || defs[1].Function.Name != "email_fetch" {
		t.Fatalf("defs = %+v", defs)
	}
	if defs[0].Type != "function" || defs[0].Function.Parameters["type"] != "object" {
		t.Errorf("def = %+v", defs[0])
	}
}

func TestRedactor(t *testing.T) {
	rd := NewRedactor(config.NewSecret("abc"), config.NewSecret("supersecret-1"), config.NewSecret("supersecret-1-extended"))
	got := rd.Redact("k1=supersecret-1-extended k2=supersecret-1 short=abc")
	if got != "k1=[REDACTED] k2=[REDACTED] short=abc" {
		t.Errorf("Redact = %q", got)
	}
	var nilRedactor *Redactor
	if nilRedactor.Redact("x") != "x" {
		t.Error("nil redactor changed input")
	}
}

type fakeMailbox struct {
	msgs []mail.Message
	err  error
	got  mail.Query
}

func (f *fakeMailbox) Fetch(_ context.Context, q mail.Query) ([]mail.Message, error) {
	f.got = q
	return f.msgs, f.err
}

func TestEmailFetchTool(t *testing.T) {
	now := time.Date(2026, 10, 12, 12, 0, 0, 0, time.UTC)
	mb := &fakeMailbox{msgs: []mail.Message{
		{From: "ada@example.com", Subject: "Lunch?", Date: now.Add(-2 * time.Hour), Body: "noon?"},
		{From: "old@example.com", Subject: "Ancient", Date: now.Add(-48 * time.Hour), Body: "hi"},
	}}
	tool := NewEmailFetchTool(mb, true)
	tool.now = func() time.Time { return now }

	res := tool.Execute(context.Background(), map[string]interface{}{"mode": "recent", "hours": float64(24)})
	if mb.got.MarkSeen || mb.got.UnseenOnly || !mb.got.Since.Equal(now.Add(-24*time.Hour)) {
		t.Errorf("query = %+v", mb.got)
	}
	if !strings.Contains(res.ForLLM, "Found 1 email(s)") || strings.Contains(res.ForLLM, "Ancient") {
		t.Errorf("recent = %s", res.ForLLM)
	}

	mb.msgs = nil
	res = tool.Execute(context.Background(), map[string]interface{}{})
	if !mb.got.UnseenOnly || mb.got.Limit != defaultEmailLimit || res.ForLLM != "No unread emails found." {
		t.Errorf("unread = %+v / %s", mb.got, res.ForLLM)
	}

	mb.err = errors.New("imap login: bad credentials")
	if res = tool.Execute(context.Background(), nil); !res.IsError {
		t.Errorf("error not surfaced: %+v", res)
	}
}

func TestEmailFetchTool_RequiresConsent(t *testing.T) {
	mb := &fakeMailbox{}
	res := NewEmailFetchTool(mb, false).Execute(context.Background(), map[string]interface{}{"mode": "unread"})
	if !res.Denied || !strings.Contains(res.ForLLM, CategoryConsentRequired) {
		t.Errorf("result = %+v", res)
	}
	if mb.got != (mail.Query{}) {
		t.Error("mailbox was queried without consent")
	}
}

func TestEmailFetchToolFromConfig_IMAPUnset(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.EmailConfig
	}{
		{"nothing set", config.EmailConfig{ConsentGranted: true}},
		{"host only", config.EmailConfig{ConsentGranted: true, IMAPHost: "imap.example.com"}},
		{"password only", config.EmailConfig{ConsentGranted: true, IMAPPassword: config.NewSecret("pw")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := EmailFetchToolFromConfig(tc.cfg).Execute(context.Background(), map[string]interface{}{"mode": "unread"})
			if !res.IsError || !strings.Contains(res.ForLLM, "Email not configured") {
				t.Errorf("result = %+v", res)
			}
		})
	}
}
