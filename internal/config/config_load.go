package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/titanous/json5"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "NANOBOT"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Workspace:         "~/.nanobot/workspace",
			Provider:          "openrouter",
			Model:             "anthropic/claude-sonnet-4.5",
			MaxTokens:         8192,
			Temperature:       0.7,
			MaxToolIterations: 20,
			ToolTimeoutSec:    120,
		},
		Channels: ChannelsConfig{
			Delivery: DeliveryConfig{
				QueueSize:          256,
				MaxAttempts:        5,
				MaxWaitSec:         300,
				BackoffInitialMs:   1000,
				BackoffMaxMs:       30000,
				RateLimitPerMinute: 30,
			},
			WhatsApp: WhatsAppConfig{
				BridgeURL: "ws://localhost:3001",
			},
			Email: EmailConfig{
				IMAPPort:        993,
				IMAPMailbox:     "INBOX",
				SMTPPort:        587,
				PollIntervalSec: 60,
			},
		},
		Tools: ToolsConfig{
			Exec: ExecToolConfig{
				Enabled:        true,
				TimeoutSec:     60,
				MaxOutputBytes: 10000,
			},
			WebFetch: WebFetchToolConfig{
				Enabled:      true,
				MaxBytes:     5 * 1024 * 1024,
				MaxChars:     50000,
				TimeoutSec:   30,
				MaxRedirects: 3,
			},
		},
		Sessions: SessionsConfig{
			Backend:    "file",
			MaxHistory: 200,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "nanobot",
		},
	}
}

// Load reads config from a JSON5 file, validates it, then overlays env vars
// from the process environment. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg, _, err := load(path, EnvPrefix, os.LookupEnv)
	return cfg, err
}

func load(path, prefix string, lookup func(string) (string, bool)) (*Config, []string, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults + env only
	case err != nil:
		return nil, nil, &ConfigError{Source: path, Err: fmt.Errorf("read config: %w", err)}
	default:
		if err := decode(path, data, cfg); err != nil {
			return nil, nil, err
		}
	}

	applied, err := applyEnvOverrides(cfg, prefix, lookup)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, applied, nil
}

// decode parses JSON5, checks the document against the reflected schema and
// only then decodes it over the defaults. Type mismatches and unknown keys
// are rejected, never coerced.
func decode(source string, data []byte, cfg *Config) error {
	var doc interface{}
	if err := json5.Unmarshal(data, &doc); err != nil {
		return &ConfigError{Source: source, Err: fmt.Errorf("parse config: %w", err)}
	}
	if doc == nil {
		return nil
	}
	if err := validateDocument(doc); err != nil {
		return &ConfigError{Source: source, Problems: schemaProblems(err), Err: err}
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return &ConfigError{Source: source, Err: fmt.Errorf("normalize config: %w", err)}
	}
	dec := json.NewDecoder(bytes.NewReader(normalized))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return &ConfigError{Source: source, Err: fmt.Errorf("decode config: %w", err)}
	}
	return nil
}

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks required fields and cross-field constraints after env
// overrides have been applied. Requirements depend on what is enabled.
func (c *Config) Validate() error {
	var problems []string
	req := func(ok bool, field, msg string) {
		if !ok {
			problems = append(problems, field+": "+msg)
		}
	}

	req(c.Agent.Workspace != "", "agent.workspace", "required")
	req(c.Agent.Model != "", "agent.model", "required")
	req(c.Agent.MaxToolIterations > 0, "agent.max_tool_iterations", "must be positive")
	req(c.Agent.ToolTimeoutSec > 0, "agent.tool_timeout_sec", "must be positive")
	if p, ok := c.Providers.Lookup(c.Agent.Provider); !ok {
		problems = append(problems, fmt.Sprintf("agent.provider: unknown provider %q", c.Agent.Provider))
	} else if c.Agent.Provider == "vllm" {
		req(p.APIBase != "", "providers.vllm.api_base", "required when agent.provider is vllm")
	} else {
		req(p.APIKey.IsSet(), "providers."+c.Agent.Provider+".api_key", "required for the selected provider")
	}

	d := c.Channels.Delivery
	req(d.QueueSize > 0, "channels.delivery.queue_size", "must be positive")
	req(d.MaxAttempts > 0, "channels.delivery.max_attempts", "must be positive")
	req(d.MaxWaitSec > 0, "channels.delivery.max_wait_sec", "must be positive")
	req(d.BackoffInitialMs > 0 && d.BackoffMaxMs >= d.BackoffInitialMs,
		"channels.delivery.backoff_max_ms", "must be >= backoff_initial_ms > 0")

	if ch := c.Channels.WhatsApp; ch.Enabled {
		req(ch.BridgeURL != "", "channels.whatsapp.bridge_url", "required when enabled")
	}
	if ch := c.Channels.Telegram; ch.Enabled {
		req(ch.Token.IsSet(), "channels.telegram.token", "required when enabled")
	}
	if ch := c.Channels.Discord; ch.Enabled {
		req(ch.Token.IsSet(), "channels.discord.token", "required when enabled")
	}
	if ch := c.Channels.Slack; ch.Enabled {
		req(ch.BotToken.IsSet(), "channels.slack.bot_token", "required when enabled")
		req(ch.AppToken.IsSet(), "channels.slack.app_token", "required when enabled")
	}
	if ch := c.Channels.Email; ch.Enabled {
		req(ch.IMAPHost != "", "channels.email.imap_host", "required when enabled")
		req(ch.IMAPUsername != "", "channels.email.imap_username", "required when enabled")
		req(ch.IMAPPassword.IsSet(), "channels.email.imap_password", "required when enabled")
		req(ch.SMTPHost != "", "channels.email.smtp_host", "required when enabled")
		req(ch.FromAddress != "", "channels.email.from_address", "required when enabled")
	}

	if ex := c.Tools.Exec; ex.Enabled {
		req(ex.TimeoutSec > 0, "tools.exec.timeout_sec", "must be positive")
		req(ex.MaxOutputBytes > 0, "tools.exec.max_output_bytes", "must be positive")
		for i, r := range ex.DenyRules {
			req(r.Name != "" && r.Pattern != "", fmt.Sprintf("tools.exec.deny_rules[%d]", i), "name and pattern are required")
			if r.Pattern != "" {
				if _, err := regexp.Compile(r.Pattern); err != nil {
					problems = append(problems, fmt.Sprintf("tools.exec.deny_rules[%d].pattern: %v", i, err))
				}
			}
		}
		for name := range ex.SecretEnv {
			req(envNamePattern.MatchString(name), "tools.exec.secret_env."+name, "not a valid environment variable name")
		}
	}
	if wf := c.Tools.WebFetch; wf.Enabled {
		req(wf.MaxBytes > 0, "tools.web_fetch.max_bytes", "must be positive")
		req(wf.TimeoutSec > 0, "tools.web_fetch.timeout_sec", "must be positive")
	}

	switch c.Sessions.Backend {
	case "file", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("sessions.backend: unknown backend %q", c.Sessions.Backend))
	}

	if c.Telemetry.Enabled {
		req(c.Telemetry.Endpoint != "", "telemetry.endpoint", "required when enabled")
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

// WorkspacePath returns the expanded absolute workspace directory.
func (c *Config) WorkspacePath() string {
	p := ExpandHome(c.Agent.Workspace)
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && (path[1] == '/' || path[1] == filepath.Separator) {
		return filepath.Join(home, strings.TrimLeft(path[1:], `/\`))
	}
	return home
}
