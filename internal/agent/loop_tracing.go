package agent

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/thebenlamm/nanobot/internal/providers"
)

var tracer = otel.Tracer("nanobot/agent")

func (l *Loop) startRunSpan(ctx context.Context, req RunRequest) (context.Context, trace.Span) {
	return tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("session.key", req.Identity.Key()),
		attribute.String("run.id", req.RunID),
		attribute.String("llm.model", l.model),
	))
}

func (l *Loop) startLLMSpan(ctx context.Context, iteration, messages int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		attribute.String("llm.provider", l.provider.Name()),
		attribute.String("llm.model", l.model),
		attribute.Int("llm.iteration", iteration),
		attribute.Int("llm.messages", messages),
	))
}

func endLLMSpan(span trace.Span, resp *providers.ChatResponse, err error) {
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat failed")
		return
	}
	span.SetAttributes(
		attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
		attribute.String("llm.finish_reason", resp.FinishReason),
	)
	if u := resp.Usage; u != nil {
		span.SetAttributes(
			attribute.Int("llm.prompt_tokens", u.PromptTokens),
			attribute.Int("llm.completion_tokens", u.CompletionTokens),
		)
	}
}

func endRunSpan(span trace.Span, res *RunResult, err error) {
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run failed")
		return
	}
	span.SetAttributes(
		attribute.Int("run.iterations", res.Iterations),
		attribute.Bool("run.silent", res.Silent),
	)
}

func truncateStr(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
