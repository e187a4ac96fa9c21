package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/thebenlamm/nanobot/internal/providers"
	"github.com/thebenlamm/nanobot/internal/sessions"
	"github.com/thebenlamm/nanobot/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedProvider returns its responses in order and records every request.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*providers.ChatResponse
	err       error
	requests  []providers.ChatRequest
}

func (p *scriptedProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return &providers.ChatResponse{Content: "done", FinishReason: "stop"}, nil
	}
	resp := p.responses[0]
	if len(p.responses) > 1 {
		p.responses = p.responses[1:]
	}
	return resp, nil
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }
func (p *scriptedProvider) Name() string         { return "scripted" }

func (p *scriptedProvider) calls() []providers.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]providers.ChatRequest(nil), p.requests...)
}

func toolCall(id, name string, args map[string]interface{}) *providers.ChatResponse {
	return &providers.ChatResponse{
		ToolCalls:    []providers.ToolCall{{ID: id, Name: name, Arguments: args}},
		FinishReason: "tool_calls",
	}
}

func reply(text string) *providers.ChatResponse {
	return &providers.ChatResponse{Content: text, FinishReason: "stop"}
}

func newStore(t *testing.T, p sessions.Persister) *sessions.Store {
	t.Helper()
	store, err := sessions.Open(context.Background(), p, sessions.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return store
}

var testID = sessions.ChannelIdentity{Platform: "telegram", Account: "bot", Thread: "42"}

func TestRun_DeniedCommandRoundTrip(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(tools.NewExecTool(tools.NewShellRunner(tools.NewDenyListPolicy(tools.DefaultDenyRules()))))

	prov := &scriptedProvider{responses: []*providers.ChatResponse{
		toolCall("c1", "exec", map[string]interface{}{"command": "rm -rf /"}),
		reply("I can't run that command, it would wipe the filesystem."),
	}}
	store := newStore(t, nil)
	loop := NewLoop(LoopConfig{Provider: prov, Sessions: store, Tools: reg, SystemPrompt: "You are nanobot."})

	res, err := loop.Run(context.Background(), RunRequest{Identity: testID, Message: "clean up my disk", Sender: "ada"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Iterations != 2 || res.ToolCalls != 1 || !strings.HasPrefix(res.Content, "I can't run that") {
		t.Errorf("result = %+v", res)
	}

	turns := store.Load(testID)
	roles := make([]string, len(turns))
	for i, tu := range turns {
		roles[i] = tu.Message.Role
	}
	if got := strings.Join(roles, ","); got != "user,assistant,tool,assistant" {
		t.Fatalf("roles = %s", got)
	}
	refusal := turns[2].Message
	if refusal.ToolCallID != "c1" || !strings.Contains(refusal.Content, `"status":"denied"`) {
		t.Errorf("refusal turn = %+v", refusal)
	}
	if strings.Contains(refusal.Content, `\b`) || strings.Contains(refusal.Content, "(?") {
		t.Errorf("refusal leaks a rule pattern: %s", refusal.Content)
	}

	reqs := prov.calls()
	second := reqs[1].Messages
	if second[0].Role != "system" || second[len(second)-1].Role != "tool" {
		t.Errorf("second request = %+v", second)
	}
	if reqs[0].Model != "test-model" || len(reqs[0].Tools) != 1 {
		t.Errorf("first request model=%q tools=%d", reqs[0].Model, len(reqs[0].Tools))
	}
}

// barrierTool returns only once every expected call is in flight.
type barrierTool struct{ arrived *sync.WaitGroup }

func (barrierTool) Name() string        { return "barrier" }
func (barrierTool) Description() string { return "waits for its siblings" }
func (barrierTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"tag": map[string]interface{}{"type": "string"}},
	}
}

func (b barrierTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	b.arrived.Done()
	all := make(chan struct{})
	go func() { b.arrived.Wait(); close(all) }()
	select {
	case <-all:
		return tools.NewResult("tag " + args["tag"].(string))
	case <-ctx.Done():
		return tools.ErrorResult("siblings never arrived")
	}
}

func TestRun_ToolCallsRunInParallel(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(3)
	reg := tools.NewRegistry()
	reg.Register(barrierTool{arrived: &arrived})

	prov := &scriptedProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{
			{ID: "a", Name: "barrier", Arguments: map[string]interface{}{"tag": "a"}},
			{ID: "b", Name: "barrier", Arguments: map[string]interface{}{"tag": "b"}},
			{ID: "c", Name: "barrier", Arguments: map[string]interface{}{"tag": "c"}},
		}},
		reply("all done"),
	}}
	store := newStore(t, nil)
	loop := NewLoop(LoopConfig{Provider: prov, Sessions: store, Tools: reg, ToolTimeout: 5 * time.Second})

	if _, err := loop.Run(context.Background(), RunRequest{Identity: testID, Message: "go"}); err != nil {
		t.Fatal(err)
	}
	turns := store.Load(testID)
	for i, want := range []string{"a", "b", "c"} {
		m := turns[2+i].Message
		if m.ToolCallID != want || m.Content != "tag "+want {
			t.Errorf("tool turn %d = %+v", i, m)
		}
	}
}

type stuckTool struct{}

func (stuckTool) Name() string                       { return "stuck" }
func (stuckTool) Description() string                { return "never finishes on its own" }
func (stuckTool) Parameters() map[string]interface{} { return map[string]interface{}{"type": "object"} }
func (stuckTool) Execute(ctx context.Context, _ map[string]interface{}) *tools.Result {
	<-ctx.Done()
	return tools.NewResult("late")
}

func TestRun_ToolDeadline(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(stuckTool{})
	prov := &scriptedProvider{responses: []*providers.ChatResponse{
		toolCall("s1", "stuck", nil),
		reply("it timed out"),
	}}
	store := newStore(t, nil)
	loop := NewLoop(LoopConfig{Provider: prov, Sessions: store, Tools: reg, ToolTimeout: 20 * time.Millisecond})

	if _, err := loop.Run(context.Background(), RunRequest{Identity: testID, Message: "go"}); err != nil {
		t.Fatal(err)
	}
	got := store.Load(testID)[2].Message.Content
	if !strings.Contains(got, `"status":"timeout"`) {
		t.Errorf("tool result = %s", got)
	}
}

func TestRun_IterationLimit(t *testing.T) {
	// the model keeps asking for a tool that does not exist
	prov := &scriptedProvider{responses: []*providers.ChatResponse{toolCall("", "missing", nil)}}
	store := newStore(t, nil)
	loop := NewLoop(LoopConfig{Provider: prov, Sessions: store, Tools: tools.NewRegistry(), MaxIterations: 2})

	res, err := loop.Run(context.Background(), RunRequest{Identity: testID, Message: "loop forever"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Iterations != 2 || res.Content != noFinalReply {
		t.Errorf("result = %+v", res)
	}
	for _, tu := range store.Load(testID) {
		if tu.Message.Role == "tool" && tu.Message.ToolCallID == "" {
			t.Errorf("tool result without call id: %+v", tu.Message)
		}
	}
}

func TestRun_SilentReply(t *testing.T) {
	prov := &scriptedProvider{responses: []*providers.ChatResponse{reply("<think>nothing to add</think>NO_REPLY")}}
	store := newStore(t, nil)
	loop := NewLoop(LoopConfig{Provider: prov, Sessions: store, Tools: tools.NewRegistry()})

	res, err := loop.Run(context.Background(), RunRequest{Identity: testID, Message: "ok thanks"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Silent || res.Content != "" {
		t.Errorf("result = %+v", res)
	}
	turns := store.Load(testID)
	if last := turns[len(turns)-1].Message; last.Content != "NO_REPLY" {
		t.Errorf("stored reply = %q", last.Content)
	}
}

type failingPersister struct{}

func (failingPersister) Save(context.Context, sessions.Record) error {
	return errors.New("disk full")
}
func (failingPersister) LoadAll(context.Context) ([]sessions.Record, error) { return nil, nil }

func TestRun_FlushFailureKeepsConversation(t *testing.T) {
	prov := &scriptedProvider{responses: []*providers.ChatResponse{reply("hello")}}
	store := newStore(t, failingPersister{})
	loop := NewLoop(LoopConfig{Provider: prov, Sessions: store, Tools: tools.NewRegistry()})

	res, err := loop.Run(context.Background(), RunRequest{Identity: testID, Message: "hi"})
	if err != nil {
		t.Fatalf("flush failure must not fail the run: %v", err)
	}
	if res.Content != "hello" || len(store.Load(testID)) != 2 {
		t.Errorf("result = %+v, turns = %d", res, len(store.Load(testID)))
	}
}

func TestRun_ProviderError(t *testing.T) {
	prov := &scriptedProvider{err: errors.New("502 bad gateway")}
	store := newStore(t, nil)
	loop := NewLoop(LoopConfig{Provider: prov, Sessions: store, Tools: tools.NewRegistry()})

	_, err := loop.Run(context.Background(), RunRequest{Identity: testID, Message: "hi"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("err = %v", err)
	}
	if turns := store.Load(testID); len(turns) != 1 || turns[0].Message.Role != "user" {
		t.Errorf("turns = %+v", turns)
	}
}

func TestRepairToolPairing(t *testing.T) {
	in := []providers.Message{
		{Role: "tool", ToolCallID: "old", Content: "orphan"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "x", Name: "exec"}, {ID: "y", Name: "web_fetch"}}},
		{Role: "tool", ToolCallID: "y", Content: "fetched"},
		{Role: "tool", ToolCallID: "z", Content: "stray"},
		{Role: "assistant", Content: "done"},
	}
	got := repairToolPairing(in)

	var ids []string
	for _, m := range got {
		ids = append(ids, m.Role+":"+m.ToolCallID)
	}
	want := "user:,assistant:,tool:y,tool:x,assistant:"
	if strings.Join(ids, ",") != want {
		t.Errorf("got %s, want %s", strings.Join(ids, ","), want)
	}
	if got[3].Content != missingToolResult {
		t.Errorf("synthesized = %+v", got[3])
	}
}
