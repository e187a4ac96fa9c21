package tools

import (
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/thebenlamm/nanobot/internal/config"
)

// Host variables every command sees. Anything else must be listed in
// env_passthrough or injected from a secret.
var baseEnvKeys = []string{
	"PATH", "HOME", "USER", "LOGNAME", "SHELL", "LANG", "LC_ALL", "LC_CTYPE", "TERM", "TMPDIR", "TZ",
}

// EnvScope builds the environment of a child process. Secrets are held as
// handles and revealed only while the env slice is built.
type EnvScope struct {
	keys    []string
	lookup  func(string) (string, bool)
	secrets map[string]config.SecretHandle
}

// NewEnvScope allows the base keys plus passthrough.
func NewEnvScope(passthrough []string) *EnvScope {
	keys := slices.Clone(baseEnvKeys)
	for _, k := range passthrough {
		if k = strings.TrimSpace(k); k != "" && !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}
	return &EnvScope{keys: keys, lookup: os.LookupEnv}
}

// WithSecrets returns a copy of the scope that also exports each secret
// under its child variable name.
func (e *EnvScope) WithSecrets(secrets map[string]config.SecretHandle) *EnvScope {
	cp := *e
	cp.secrets = make(map[string]config.SecretHandle, len(secrets))
	for name, h := range secrets {
		if h.IsSet() {
			cp.secrets[name] = h
		}
	}
	return &cp
}

// Names lists the variables a child will see, without values.
func (e *EnvScope) Names() []string {
	var names []string
	for _, k := range e.keys {
		if _, ok := e.lookup(k); ok {
			names = append(names, k)
		}
	}
	for k := range e.secrets {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Environ returns the KEY=VALUE list for exec.Cmd.Env.
func (e *EnvScope) Environ() []string {
	env := make([]string, 0, len(e.keys)+len(e.secrets))
	for _, k := range e.keys {
		if _, shadowed := e.secrets[k]; shadowed {
			continue
		}
		if v, ok := e.lookup(k); ok {
			env = append(env, k+"="+v)
		}
	}
	for k, h := range e.secrets {
		env = append(env, k+"="+h.Reveal())
	}
	return env
}

// Redactor masks known secret values in text bound for logs or the model.
type Redactor struct {
	values []string
}

const minRedactLen = 6

// NewRedactor masks every set secret at least minRedactLen bytes long.
// Shorter values would mask ordinary words.
func NewRedactor(secrets ...config.SecretHandle) *Redactor {
	r := &Redactor{}
	for _, s := range secrets {
		if v := s.Reveal(); len(v) >= minRedactLen && !slices.Contains(r.values, v) {
			r.values = append(r.values, v)
		}
	}
	// longest first so a secret containing another is masked whole
	sort.Slice(r.values, func(i, j int) bool { return len(r.values[i]) > len(r.values[j]) })
	return r
}

// Redact replaces secret values in s with [REDACTED].
func (r *Redactor) Redact(s string) string {
	if r == nil {
		return s
	}
	for _, v := range r.values {
		s = strings.ReplaceAll(s, v, "[REDACTED]")
	}
	return s
}
