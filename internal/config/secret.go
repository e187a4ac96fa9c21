package config

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/invopop/jsonschema"
)

const redacted = "[REDACTED]"

// SecretHandle wraps a credential so that it never leaks through default
// formatting. String, every fmt verb, JSON encoding and slog all print a
// placeholder; Reveal is the only way to obtain the raw value.
type SecretHandle struct {
	value string
}

// NewSecret wraps a raw credential value.
func NewSecret(v string) SecretHandle { return SecretHandle{value: v} }

// Reveal returns the raw secret. Call it at the point of use (an HTTP header,
// a child-process env entry) and do not keep the result around.
func (s SecretHandle) Reveal() string { return s.value }

// IsSet reports whether a non-empty value is held.
func (s SecretHandle) IsSet() bool { return s.value != "" }

func (s SecretHandle) String() string {
	if s.value == "" {
		return ""
	}
	return redacted
}

// GoString keeps %#v from dumping the struct field.
func (s SecretHandle) GoString() string { return s.String() }

// Format implements fmt.Formatter so no verb (%s, %v, %q, %x...) bypasses redaction.
func (s SecretHandle) Format(f fmt.State, verb rune) {
	switch verb {
	case 'q':
		fmt.Fprintf(f, "%q", s.String())
	default:
		fmt.Fprint(f, s.String())
	}
}

// LogValue implements slog.LogValuer.
func (s SecretHandle) LogValue() slog.Value { return slog.StringValue(s.String()) }

// MarshalJSON emits the redacted placeholder, so a marshalled Config is safe to print.
func (s SecretHandle) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// UnmarshalJSON reads the raw secret from a JSON string.
func (s *SecretHandle) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("secret must be a string: %w", err)
	}
	s.value = v
	return nil
}

// JSONSchema describes a secret as a plain string in the reflected config schema.
func (SecretHandle) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string"}
}
