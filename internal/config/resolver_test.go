package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), perm); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.Chmod(path, perm); err != nil {
		t.Fatalf("chmod config: %v", err)
	}
	return path
}

func envMap(m map[string]string) ResolverOption {
	return WithLookupEnv(func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	})
}

func TestResolve_RequiredSecretFromEnvOnly(t *testing.T) {
	path := writeConfig(t, `{
		// json5 comments are fine
		agent: { provider: "openai", model: "gpt-4o" },
	}`, 0o600)

	r := NewResolver(path, envMap(map[string]string{
		"NANOBOT_PROVIDERS__OPENAI__API_KEY": "sk-from-env",
	}))
	snap, err := r.Resolve()
	if err != nil {
		t.Fatalf("expected nil error, got: %v", err)
	}

	key, err := snap.Secret("providers.openai.api_key")
	if err != nil {
		t.Fatalf("Secret: %v", err)
	}
	if key.Reveal() != "sk-from-env" {
		t.Errorf("Reveal() = %q, want sk-from-env", key.Reveal())
	}
	if got := snap.Overrides(); len(got) != 1 || got[0] != "NANOBOT_PROVIDERS__OPENAI__API_KEY" {
		t.Errorf("Overrides() = %v", got)
	}
}

func TestResolve_EnvWinsOverFile(t *testing.T) {
	path := writeConfig(t, `{
		"agent": {"provider": "openrouter", "model": "file-model", "max_tool_iterations": 5},
		"providers": {"openrouter": {"api_key": "sk-file"}},
		"channels": {"telegram": {"enabled": false, "allow_from": ["1"]}}
	}`, 0o600)

	r := NewResolver(path, envMap(map[string]string{
		"NANOBOT_AGENT__MODEL":                   "env-model",
		"NANOBOT_AGENT__MAX_TOOL_ITERATIONS":     "9",
		"NANOBOT_PROVIDERS__OPENROUTER__API_KEY": "sk-env",
		"NANOBOT_CHANNELS__TELEGRAM__ENABLED":    "true",
		"NANOBOT_CHANNELS__TELEGRAM__TOKEN":      "123:abc",
		"NANOBOT_CHANNELS__TELEGRAM__ALLOW_FROM": "1, 2,3",
		"NANOBOT_TELEMETRY__HEADERS":             "x-a=1,x-b=2",
		"NANOBOT_AGENT__SYSTEM_PROMPT":           "", // empty means unset
	}))
	snap, err := r.Resolve()
	if err != nil {
		t.Fatalf("expected nil error, got: %v", err)
	}
	cfg := snap.Config()

	if cfg.Agent.Model != "env-model" {
		t.Errorf("model = %q, want env-model", cfg.Agent.Model)
	}
	if cfg.Agent.MaxToolIterations != 9 {
		t.Errorf("max_tool_iterations = %d, want 9", cfg.Agent.MaxToolIterations)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token.Reveal() != "123:abc" {
		t.Errorf("telegram not overridden: %+v", cfg.Channels.Telegram)
	}
	if got := strings.Join(cfg.Channels.Telegram.AllowFrom, "|"); got != "1|2|3" {
		t.Errorf("allow_from = %q", got)
	}
	if cfg.Telemetry.Headers["x-b"].Reveal() != "2" {
		t.Errorf("headers = %v", cfg.Telemetry.Headers)
	}
	if k, _ := snap.Secret("providers.openrouter.api_key"); k.Reveal() != "sk-env" {
		t.Errorf("api key not taken from env")
	}
}

func TestResolve_ConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		env     map[string]string
		wantSub string
	}{
		{
			name:    "missing required secret",
			body:    `{"agent": {"provider": "openai"}}`,
			wantSub: "providers.openai.api_key",
		},
		{
			name:    "unknown field rejected",
			body:    `{"agent": {"provider": "openai", "modle": "typo"}, "providers": {"openai": {"api_key": "k"}}}`,
			wantSub: "modle",
		},
		{
			name:    "wrong type rejected not coerced",
			body:    `{"agent": {"provider": "openai", "max_tokens": "lots"}, "providers": {"openai": {"api_key": "k"}}}`,
			wantSub: "/agent/max_tokens",
		},
		{
			name:    "enum violation",
			body:    `{"sessions": {"backend": "postgres"}, "providers": {"openrouter": {"api_key": "k"}}}`,
			wantSub: "/sessions/backend",
		},
		{
			name:    "env coercion failure",
			body:    `{"providers": {"openrouter": {"api_key": "k"}}}`,
			env:     map[string]string{"NANOBOT_CHANNELS__TELEGRAM__ENABLED": "maybe"},
			wantSub: "NANOBOT_CHANNELS__TELEGRAM__ENABLED",
		},
		{
			name:    "env int coercion failure",
			body:    `{"providers": {"openrouter": {"api_key": "k"}}}`,
			env:     map[string]string{"NANOBOT_TOOLS__EXEC__TIMEOUT_SEC": "soon"},
			wantSub: "NANOBOT_TOOLS__EXEC__TIMEOUT_SEC",
		},
		{
			name:    "enabled channel without token",
			body:    `{"providers": {"openrouter": {"api_key": "k"}}, "channels": {"slack": {"enabled": true, "bot_token": "xoxb"}}}`,
			wantSub: "channels.slack.app_token",
		},
		{
			name:    "bad deny rule",
			body:    `{"providers": {"openrouter": {"api_key": "k"}}, "tools": {"exec": {"deny_rules": [{"name": "x", "pattern": "("}]}}}`,
			wantSub: "deny_rules[0].pattern",
		},
		{
			name:    "malformed json5",
			body:    `{agent: `,
			wantSub: "parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.body, 0o600)
			_, err := NewResolver(path, envMap(tt.env)).Resolve()
			var cerr *ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected *ConfigError, got %T: %v", err, err)
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantSub)
			}
		})
	}
}

func TestResolve_EnvCoercionErrorOmitsValue(t *testing.T) {
	const secretish = "sk-live-should-not-appear"
	tests := []struct {
		name string
		env  string
		want string
	}{
		{"bool", "NANOBOT_CHANNELS__TELEGRAM__ENABLED", "expected bool"},
		{"int", "NANOBOT_AGENT__MAX_TOKENS", "expected int"},
		{"float", "NANOBOT_AGENT__TEMPERATURE", "expected float64"},
		{"json list", "NANOBOT_TOOLS__EXEC__DENY_RULES", "expected JSON"},
		{"pairs", "NANOBOT_TELEMETRY__HEADERS", "not key=value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, `{"providers": {"openrouter": {"api_key": "k"}}}`, 0o600)
			_, err := NewResolver(path, envMap(map[string]string{tt.env: secretish})).Resolve()
			var cerr *ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected *ConfigError, got %T: %v", err, err)
			}
			msg := err.Error() + strings.Join(cerr.Problems, " ")
			if cerr.Err != nil {
				msg += cerr.Err.Error()
			}
			if strings.Contains(msg, secretish) {
				t.Errorf("value echoed in %q", msg)
			}
			if !strings.Contains(msg, tt.env) || !strings.Contains(msg, tt.want) {
				t.Errorf("error %q should name %s and %q", msg, tt.env, tt.want)
			}
		})
	}
}

func TestTelemetryHeaders_AreSecrets(t *testing.T) {
	path := writeConfig(t, `{
		"providers": {"openrouter": {"api_key": "k"}},
		"telemetry": {"headers": {"Authorization": "Bearer supersecret-token"}}
	}`, 0o600)
	snap, err := NewResolver(path, envMap(nil)).Resolve()
	if err != nil {
		t.Fatal(err)
	}
	cfg := snap.Config()
	if got := cfg.Telemetry.Headers["Authorization"].Reveal(); got != "Bearer supersecret-token" {
		t.Fatalf("header = %q", got)
	}

	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "supersecret-token") || !strings.Contains(string(b), `"Authorization": "[REDACTED]"`) {
		t.Errorf("headers not redacted:\n%s", b)
	}

	found := false
	for _, s := range snap.Secrets() {
		if s.Reveal() == "Bearer supersecret-token" {
			found = true
		}
	}
	if !found {
		t.Error("header value missing from Secrets()")
	}
}

func TestResolve_MissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.json")
	snap, err := NewResolver(path, envMap(map[string]string{
		"NANOBOT_PROVIDERS__OPENROUTER__API_KEY": "k",
	})).Resolve()
	if err != nil {
		t.Fatalf("expected nil error, got: %v", err)
	}
	if snap.Config().Tools.Exec.TimeoutSec != Default().Tools.Exec.TimeoutSec {
		t.Errorf("defaults not applied")
	}
	if len(snap.Warnings()) != 0 {
		t.Errorf("unexpected warnings for missing file: %v", snap.Warnings())
	}
}

func TestResolve_PermissionWarning(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX modes only")
	}
	body := `{"providers": {"openrouter": {"api_key": "k"}}}`

	loose := writeConfig(t, body, 0o644)
	snap, err := NewResolver(loose, envMap(nil)).Resolve()
	if err != nil {
		t.Fatalf("loose permissions must not be fatal: %v", err)
	}
	if w := snap.Warnings(); len(w) != 1 || !strings.Contains(w[0], "readable") {
		t.Errorf("expected a readability warning, got %v", w)
	}

	tight := writeConfig(t, body, 0o600)
	snap, err = NewResolver(tight, envMap(nil)).Resolve()
	if err != nil {
		t.Fatalf("expected nil error, got: %v", err)
	}
	if w := snap.Warnings(); len(w) != 0 {
		t.Errorf("expected no warnings, got %v", w)
	}
}

func TestReload_SwapsAndKeepsLastGood(t *testing.T) {
	path := writeConfig(t, `{"agent": {"model": "m1"}, "providers": {"openrouter": {"api_key": "k"}}}`, 0o600)
	r := NewResolver(path, envMap(nil))

	first, err := r.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	var notified []string
	r.OnReload(func(s *Snapshot) { notified = append(notified, s.Config().Agent.Model) })

	if err := os.WriteFile(path, []byte(`{"agent": {"model": "m2"}, "providers": {"openrouter": {"api_key": "k"}}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	second, err := r.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if first.Config().Agent.Model != "m1" {
		t.Errorf("old snapshot mutated: %q", first.Config().Agent.Model)
	}
	if r.Current() != second || second.Config().Agent.Model != "m2" {
		t.Errorf("new snapshot not current")
	}

	if err := os.WriteFile(path, []byte(`{"agent": {"max_tokens": "x"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if r.Current() != second {
		t.Errorf("failed reload replaced the snapshot")
	}
	if strings.Join(notified, ",") != "m2" {
		t.Errorf("notified = %v, want [m2]", notified)
	}
}

func TestSnapshot_ConfigIsACopy(t *testing.T) {
	path := writeConfig(t, `{"providers": {"openrouter": {"api_key": "k"}}, "channels": {"discord": {"allow_from": ["a"]}}}`, 0o600)
	snap, err := NewResolver(path, envMap(nil)).Resolve()
	if err != nil {
		t.Fatal(err)
	}
	cfg := snap.Config()
	cfg.Channels.Discord.AllowFrom[0] = "mutated"
	if snap.Config().Channels.Discord.AllowFrom[0] != "a" {
		t.Errorf("snapshot shares slice storage with callers")
	}
}

func TestSnapshot_SecretUnknownKey(t *testing.T) {
	path := writeConfig(t, `{"providers": {"openrouter": {"api_key": "k"}}}`, 0o600)
	snap, err := NewResolver(path, envMap(nil)).Resolve()
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"providers.nope.api_key", "agent.model", "providers.openrouter.api_key.extra", ""} {
		if _, err := snap.Secret(key); !errors.Is(err, ErrUnknownSecret) {
			t.Errorf("Secret(%q) err = %v, want ErrUnknownSecret", key, err)
		}
	}
}

func TestSecretHandle_Redaction(t *testing.T) {
	s := NewSecret("sk-live-123")
	holder := struct {
		Key SecretHandle
	}{Key: s}

	outputs := []string{
		s.String(),
		fmt.Sprintf("%s %v %+v %#v %q %x", s, s, holder, holder, s, s),
	}
	b, err := json.Marshal(holder)
	if err != nil {
		t.Fatal(err)
	}
	outputs = append(outputs, string(b))

	var buf bytes.Buffer
	slog.New(slog.NewTextHandler(&buf, nil)).Info("msg", "key", s)
	outputs = append(outputs, buf.String())

	for _, out := range outputs {
		if strings.Contains(out, "sk-live-123") {
			t.Errorf("secret leaked in %q", out)
		}
	}
	if s.Reveal() != "sk-live-123" {
		t.Errorf("Reveal() = %q", s.Reveal())
	}
	if NewSecret("").String() != "" || NewSecret("").IsSet() {
		t.Errorf("empty secret should print empty and report unset")
	}
}

func TestSchema_IsStrict(t *testing.T) {
	raw, err := Schema()
	if err != nil {
		t.Fatalf("Schema: %v", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if doc["additionalProperties"] != false {
		t.Errorf("root schema must forbid additional properties")
	}
}
