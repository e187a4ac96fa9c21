package config

// ChannelsConfig contains per-channel configuration plus the delivery policy
// shared by every channel link.
type ChannelsConfig struct {
	Delivery DeliveryConfig `json:"delivery"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	Slack    SlackConfig    `json:"slack"`
	Email    EmailConfig    `json:"email"`
}

// DeliveryConfig bounds reconnection and outbound retry for all channels.
type DeliveryConfig struct {
	QueueSize          int `json:"queue_size" jsonschema:"minimum=1"`
	MaxAttempts        int `json:"max_attempts" jsonschema:"minimum=1"`
	MaxWaitSec         int `json:"max_wait_sec" jsonschema:"minimum=1"` // oldest a queued reply may get before it is reported failed
	BackoffInitialMs   int `json:"backoff_initial_ms" jsonschema:"minimum=1"`
	BackoffMaxMs       int `json:"backoff_max_ms" jsonschema:"minimum=1"`
	RateLimitPerMinute int `json:"rate_limit_per_minute" jsonschema:"minimum=0"` // inbound per sender, 0 = unlimited
}

type WhatsAppConfig struct {
	Enabled       bool         `json:"enabled"`
	BridgeURL     string       `json:"bridge_url"`
	BridgeToken   SecretHandle `json:"bridge_token,omitempty"`
	AllowFrom     []string     `json:"allow_from,omitempty"`
	MonitorGroups []string     `json:"monitor_groups,omitempty"` // group JIDs to log (empty = all groups)
}

type TelegramConfig struct {
	Enabled       bool         `json:"enabled"`
	Token         SecretHandle `json:"token,omitempty"`
	Proxy         string       `json:"proxy,omitempty"`
	AllowFrom     []string     `json:"allow_from,omitempty"`
	MediaMaxBytes int64        `json:"media_max_bytes,omitempty" jsonschema:"minimum=0"` // default 20MB
}

type DiscordConfig struct {
	Enabled   bool         `json:"enabled"`
	Token     SecretHandle `json:"token,omitempty"`
	AllowFrom []string     `json:"allow_from,omitempty"`
}

type SlackConfig struct {
	Enabled   bool         `json:"enabled"`
	BotToken  SecretHandle `json:"bot_token,omitempty"` // xoxb- token for API calls
	AppToken  SecretHandle `json:"app_token,omitempty"` // xapp- token for Socket Mode
	AllowFrom []string     `json:"allow_from,omitempty"`
}

// EmailConfig configures both the email channel and the email_fetch tool.
// Nothing touches the mailbox unless ConsentGranted is true.
type EmailConfig struct {
	Enabled         bool         `json:"enabled"`
	ConsentGranted  bool         `json:"consent_granted"`
	IMAPHost        string       `json:"imap_host,omitempty"`
	IMAPPort        int          `json:"imap_port,omitempty" jsonschema:"minimum=1,maximum=65535"`
	IMAPUsername    string       `json:"imap_username,omitempty"`
	IMAPPassword    SecretHandle `json:"imap_password,omitempty"`
	IMAPMailbox     string       `json:"imap_mailbox,omitempty"`
	SMTPHost        string       `json:"smtp_host,omitempty"`
	SMTPPort        int          `json:"smtp_port,omitempty" jsonschema:"minimum=1,maximum=65535"`
	SMTPUsername    string       `json:"smtp_username,omitempty"`
	SMTPPassword    SecretHandle `json:"smtp_password,omitempty"`
	FromAddress     string       `json:"from_address,omitempty"`
	PollIntervalSec int          `json:"poll_interval_sec,omitempty" jsonschema:"minimum=5"`
	AllowFrom       []string     `json:"allow_from,omitempty"`
}

// IMAPConfigured reports whether enough is set to open the mailbox.
func (e EmailConfig) IMAPConfigured() bool {
	return e.IMAPHost != "" && e.IMAPPassword.IsSet()
}

// ProvidersConfig maps provider name to its config.
type ProvidersConfig struct {
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
	Groq       ProviderConfig `json:"groq"`
	DeepSeek   ProviderConfig `json:"deepseek"`
	VLLM       ProviderConfig `json:"vllm"` // any self-hosted OpenAI-compatible endpoint
}

type ProviderConfig struct {
	APIKey  SecretHandle `json:"api_key,omitempty"`
	APIBase string       `json:"api_base,omitempty"`
}

// Lookup returns the named provider section and its key path for secret lookup.
func (p ProvidersConfig) Lookup(name string) (ProviderConfig, bool) {
	switch name {
	case "openai":
		return p.OpenAI, true
	case "openrouter":
		return p.OpenRouter, true
	case "groq":
		return p.Groq, true
	case "deepseek":
		return p.DeepSeek, true
	case "vllm":
		return p.VLLM, true
	}
	return ProviderConfig{}, false
}

// GatewayConfig controls the local status/metrics listener.
type GatewayConfig struct {
	StatusAddr string `json:"status_addr,omitempty"` // e.g. "127.0.0.1:18790"; empty disables the listener
}

// ToolsConfig controls the tool gateway.
type ToolsConfig struct {
	Exec       ExecToolConfig       `json:"exec"`
	WebFetch   WebFetchToolConfig   `json:"web_fetch"`
	EmailFetch EmailFetchToolConfig `json:"email_fetch"`
}

// ExecToolConfig configures the shell tool. DenyRules are appended after the
// built-in rules; DisableRules removes built-ins by name.
type ExecToolConfig struct {
	Enabled        bool              `json:"enabled"`
	TimeoutSec     int               `json:"timeout_sec" jsonschema:"minimum=1"`
	MaxOutputBytes int               `json:"max_output_bytes" jsonschema:"minimum=1"`
	WorkingDir     string            `json:"working_dir,omitempty"`
	DenyRules      []DenyRuleConfig  `json:"deny_rules,omitempty"`
	DisableRules   []string          `json:"disable_rules,omitempty"`
	EnvPassthrough []string          `json:"env_passthrough,omitempty"` // extra host env vars visible to commands
	SecretEnv      map[string]string `json:"secret_env,omitempty"`      // child env name -> secret key path
}

type DenyRuleConfig struct {
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Pattern  string `json:"pattern"`
}

type WebFetchToolConfig struct {
	Enabled      bool     `json:"enabled"`
	MaxBytes     int64    `json:"max_bytes" jsonschema:"minimum=1"`
	MaxChars     int      `json:"max_chars" jsonschema:"minimum=1"` // text handed back to the model
	TimeoutSec   int      `json:"timeout_sec" jsonschema:"minimum=1"`
	MaxRedirects int      `json:"max_redirects" jsonschema:"minimum=0"`
	BlockedHosts []string `json:"blocked_hosts,omitempty"` // extra hostnames or ".suffix" entries
	BlockedCIDRs []string `json:"blocked_cidrs,omitempty"` // extra ranges on top of the private defaults
}

type EmailFetchToolConfig struct {
	Enabled bool `json:"enabled"`
}

// SessionsConfig selects the conversation persistence backend.
type SessionsConfig struct {
	Backend    string `json:"backend" jsonschema:"enum=file,enum=sqlite"`
	MaxHistory int    `json:"max_history" jsonschema:"minimum=0"` // turns kept by the default truncation hook, 0 = unlimited
}
