package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownSecret is returned by Snapshot.Secret for paths that do not name
// a secret field.
var ErrUnknownSecret = errors.New("unknown secret key")

// ConfigError reports an invalid or incomplete configuration. It is fatal at
// startup; a reload that fails with it keeps the previous snapshot.
type ConfigError struct {
	Source   string   // file path or env var name
	Problems []string // one entry per offending field
	Err      error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("invalid config")
	if e.Source != "" {
		fmt.Fprintf(&b, " (%s)", e.Source)
	}
	if len(e.Problems) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Problems, "; "))
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }
