// Package agent runs the model loop: append the user turn, call the model,
// route tool calls through the gateway and store every step.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/thebenlamm/nanobot/internal/providers"
	"github.com/thebenlamm/nanobot/internal/sessions"
	"github.com/thebenlamm/nanobot/internal/tools"
)

const (
	defaultMaxIterations = 20
	defaultToolTimeout   = 60 * time.Second

	// stored when the iteration budget runs out before a final reply
	noFinalReply = "I've completed processing but have no response to give."
)

// ToolExecutor is the part of the tool gateway the loop needs.
type ToolExecutor interface {
	ProviderDefs() []providers.ToolDefinition
	Execute(ctx context.Context, name string, args map[string]interface{}) *tools.Result
}

// Loop is the agent execution loop. One Loop serves every conversation;
// callers serialize runs per conversation (see Scheduler).
type Loop struct {
	provider      providers.Provider
	model         string
	maxIterations int
	maxTokens     int
	temperature   float64
	toolTimeout   time.Duration
	systemPrompt  string

	sessions *sessions.Store
	tools    ToolExecutor

	activeRuns atomic.Int32
}

// LoopConfig configures a new Loop.
type LoopConfig struct {
	Provider      providers.Provider
	Model         string // empty uses the provider default
	MaxIterations int
	MaxTokens     int
	Temperature   float64
	ToolTimeout   time.Duration // deadline for each tool call
	SystemPrompt  string
	Sessions      *sessions.Store
	Tools         ToolExecutor
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	model := cfg.Model
	if model == "" {
		model = cfg.Provider.DefaultModel()
	}
	return &Loop{
		provider:      cfg.Provider,
		model:         model,
		maxIterations: cfg.MaxIterations,
		maxTokens:     cfg.MaxTokens,
		temperature:   cfg.Temperature,
		toolTimeout:   cfg.ToolTimeout,
		systemPrompt:  cfg.SystemPrompt,
		sessions:      cfg.Sessions,
		tools:         cfg.Tools,
	}
}

// RunRequest is one inbound message to answer.
type RunRequest struct {
	Identity sessions.ChannelIdentity
	Message  string
	Sender   string
	Media    []string // local paths of stored attachments
	RunID    string   // generated when empty
}

// RunResult is the output of a completed run.
type RunResult struct {
	Content    string           `json:"content"` // empty when Silent
	RunID      string           `json:"runId"`
	Iterations int              `json:"iterations"`
	ToolCalls  int              `json:"toolCalls"`
	Silent     bool             `json:"silent,omitempty"`
	Usage      *providers.Usage `json:"usage,omitempty"`
}

// IsRunning reports whether any run is in progress.
func (l *Loop) IsRunning() bool { return l.activeRuns.Load() > 0 }

// Run appends req to its conversation and drives the model until it gives
// a reply without tool calls. The conversation is flushed whatever the
// outcome; a flush failure only degrades durability.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	l.activeRuns.Add(1)
	defer l.activeRuns.Add(-1)

	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	ctx, span := l.startRunSpan(ctx, req)
	start := time.Now()

	result, err := l.runLoop(ctx, req)
	endRunSpan(span, result, err)

	// the run context may already be cancelled; persistence should still happen
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if ferr := l.sessions.Flush(flushCtx, req.Identity); ferr != nil {
		slog.Warn("session flush failed, conversation kept in memory only",
			"session", req.Identity.Key(), "error", ferr)
	}

	if err != nil {
		slog.Error("agent run failed", "session", req.Identity.Key(), "run", req.RunID, "error", err)
		return nil, err
	}
	slog.Info("agent run completed",
		"session", req.Identity.Key(),
		"run", req.RunID,
		"iterations", result.Iterations,
		"tool_calls", result.ToolCalls,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return result, nil
}

func (l *Loop) runLoop(ctx context.Context, req RunRequest) (*RunResult, error) {
	if _, err := l.sessions.Append(req.Identity, sessions.Turn{
		Message: providers.Message{Role: "user", Content: req.Message},
		Sender:  req.Sender,
		Media:   req.Media,
	}); err != nil {
		return nil, fmt.Errorf("append user turn: %w", err)
	}
	if n := l.sessions.Truncate(req.Identity); n > 0 {
		slog.Debug("session truncated", "session", req.Identity.Key(), "dropped", n)
	}

	var (
		usage     providers.Usage
		iteration int
		toolCalls int
		final     string
		answered  bool
	)
	for iteration < l.maxIterations {
		iteration++
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		messages := l.buildMessages(req.Identity)
		slog.Debug("agent iteration", "session", req.Identity.Key(), "iteration", iteration, "messages", len(messages))

		chatCtx, span := l.startLLMSpan(ctx, iteration, len(messages))
		resp, err := l.provider.Chat(chatCtx, providers.ChatRequest{
			Messages: messages,
			Tools:    l.tools.ProviderDefs(),
			Model:    l.model,
			Options:  l.chatOptions(),
		})
		endLLMSpan(span, resp, err)
		if err != nil {
			return nil, fmt.Errorf("LLM call failed (iteration %d): %w", iteration, err)
		}
		if resp.Usage != nil {
			usage.PromptTokens += resp.Usage.PromptTokens
			usage.CompletionTokens += resp.Usage.CompletionTokens
			usage.TotalTokens += resp.Usage.TotalTokens
		}

		if !resp.HasToolCalls() {
			final = resp.Content
			answered = true
			break
		}

		calls := withCallIDs(resp.ToolCalls)
		if _, err := l.sessions.Append(req.Identity, sessions.Turn{
			Message: providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: calls},
		}); err != nil {
			return nil, fmt.Errorf("append assistant turn: %w", err)
		}
		toolCalls += len(calls)

		for _, r := range l.executeTools(ctx, calls) {
			if _, err := l.sessions.Append(req.Identity, sessions.Turn{
				Message: providers.Message{Role: "tool", Content: r.result.ForLLM, ToolCallID: r.call.ID, Name: r.call.Name},
			}); err != nil {
				return nil, fmt.Errorf("append tool result: %w", err)
			}
		}
	}

	if !answered {
		slog.Warn("agent hit iteration limit", "session", req.Identity.Key(), "limit", l.maxIterations)
	}
	final = SanitizeAssistantContent(final)
	silent := IsSilentReply(final)
	if final == "" {
		final = noFinalReply
	}
	if _, err := l.sessions.Append(req.Identity, sessions.Turn{
		Message: providers.Message{Role: "assistant", Content: final},
	}); err != nil {
		return nil, fmt.Errorf("append reply: %w", err)
	}

	res := &RunResult{
		Content:    final,
		RunID:      req.RunID,
		Iterations: iteration,
		ToolCalls:  toolCalls,
		Silent:     silent,
		Usage:      &usage,
	}
	if silent {
		slog.Info("agent chose not to reply", "session", req.Identity.Key())
		res.Content = ""
	}
	return res, nil
}

func (l *Loop) chatOptions() map[string]interface{} {
	opts := map[string]interface{}{providers.OptTemperature: l.temperature}
	if l.maxTokens > 0 {
		opts[providers.OptMaxTokens] = l.maxTokens
	}
	return opts
}

type toolOutcome struct {
	call   providers.ToolCall
	result *tools.Result
}

// executeTools runs every call in parallel, each under its own deadline,
// and returns the outcomes in call order. Denied or failed calls come back
// as structured results the model can read; they never abort the run.
func (l *Loop) executeTools(ctx context.Context, calls []providers.ToolCall) []toolOutcome {
	out := make([]toolOutcome, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = toolOutcome{call: tc, result: l.executeTool(ctx, tc)}
		}()
	}
	wg.Wait()
	return out
}

func (l *Loop) executeTool(ctx context.Context, tc providers.ToolCall) *tools.Result {
	callCtx, cancel := context.WithTimeout(ctx, l.toolTimeout)
	defer cancel()

	argsJSON, _ := json.Marshal(tc.Arguments)
	slog.Debug("tool requested", "tool", tc.Name, "id", tc.ID, "args_len", len(argsJSON))

	res := l.tools.Execute(callCtx, tc.Name, tc.Arguments)
	if res == nil {
		res = tools.ErrorResult(fmt.Sprintf("%s returned no result", tc.Name))
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !res.IsError {
		res = tools.FailureResult(tc.Name, &tools.ToolTimeoutError{Tool: tc.Name, Timeout: l.toolTimeout})
	}
	if res.IsError && !res.Denied {
		slog.Warn("tool error", "tool", tc.Name, "error", truncateStr(res.ForLLM, 200))
	}
	return res
}

// withCallIDs fills in IDs some OpenAI-compatible servers leave empty, so
// results can always be matched to their call.
func withCallIDs(calls []providers.ToolCall) []providers.ToolCall {
	out := make([]providers.ToolCall, len(calls))
	for i, tc := range calls {
		if tc.ID == "" {
			tc.ID = "call_" + uuid.NewString()[:8]
		}
		out[i] = tc
	}
	return out
}
