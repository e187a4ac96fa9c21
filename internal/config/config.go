package config

import (
	"maps"
	"slices"
)

// Config is the root configuration for nanobot.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Providers ProvidersConfig `json:"providers"`
	Channels  ChannelsConfig  `json:"channels"`
	Tools     ToolsConfig     `json:"tools"`
	Sessions  SessionsConfig  `json:"sessions"`
	Gateway   GatewayConfig   `json:"gateway"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// AgentConfig controls the model loop.
type AgentConfig struct {
	Workspace         string  `json:"workspace"`
	Provider          string  `json:"provider" jsonschema:"enum=openai,enum=openrouter,enum=groq,enum=deepseek,enum=vllm"`
	Model             string  `json:"model"`
	MaxTokens         int     `json:"max_tokens" jsonschema:"minimum=1"`
	Temperature       float64 `json:"temperature" jsonschema:"minimum=0,maximum=2"`
	MaxToolIterations int     `json:"max_tool_iterations" jsonschema:"minimum=1"`
	ToolTimeoutSec    int     `json:"tool_timeout_sec" jsonschema:"minimum=1"` // per tool call deadline
	SystemPrompt      string  `json:"system_prompt,omitempty"`
}

// TelemetryConfig configures OpenTelemetry trace export.
// When disabled, spans are created against a no-op provider.
type TelemetryConfig struct {
	Enabled     bool                    `json:"enabled,omitempty"`
	Endpoint    string                  `json:"endpoint,omitempty"` // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string                  `json:"protocol,omitempty" jsonschema:"enum=grpc,enum=http"`
	Insecure    bool                    `json:"insecure,omitempty"`
	ServiceName string                  `json:"service_name,omitempty"`
	Headers     map[string]SecretHandle `json:"headers,omitempty"` // extra exporter headers; values usually carry auth
}

// Clone returns a deep copy. Snapshots hand out clones so callers can never
// mutate shared state.
func (c *Config) Clone() Config {
	cp := *c
	cp.Channels.WhatsApp.AllowFrom = slices.Clone(c.Channels.WhatsApp.AllowFrom)
	cp.Channels.WhatsApp.MonitorGroups = slices.Clone(c.Channels.WhatsApp.MonitorGroups)
	cp.Channels.Telegram.AllowFrom = slices.Clone(c.Channels.Telegram.AllowFrom)
	cp.Channels.Discord.AllowFrom = slices.Clone(c.Channels.Discord.AllowFrom)
	cp.Channels.Slack.AllowFrom = slices.Clone(c.Channels.Slack.AllowFrom)
	cp.Channels.Email.AllowFrom = slices.Clone(c.Channels.Email.AllowFrom)
	cp.Tools.Exec.DenyRules = slices.Clone(c.Tools.Exec.DenyRules)
	cp.Tools.Exec.DisableRules = slices.Clone(c.Tools.Exec.DisableRules)
	cp.Tools.Exec.EnvPassthrough = slices.Clone(c.Tools.Exec.EnvPassthrough)
	cp.Tools.Exec.SecretEnv = maps.Clone(c.Tools.Exec.SecretEnv)
	cp.Tools.WebFetch.BlockedHosts = slices.Clone(c.Tools.WebFetch.BlockedHosts)
	cp.Tools.WebFetch.BlockedCIDRs = slices.Clone(c.Tools.WebFetch.BlockedCIDRs)
	cp.Telemetry.Headers = maps.Clone(c.Telemetry.Headers)
	return cp
}
