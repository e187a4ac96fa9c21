// Package sessions owns conversation state keyed by channel identity.
//
// Keys have the form
//
//	{platform}:{account}:{thread}
//
// Examples:
//
//	telegram:bot:386246614
//	slack:T024BE7LD:C0123ABCD:1712345678.000100
//	whatsapp:default:8613800000000
//	email:me@example.com:ada@example.com
//
// Platform and account never contain ':'; the thread may.
package sessions

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
)

// ChannelIdentity is the stable (platform, account, thread) tuple that
// addresses one conversation.
type ChannelIdentity struct {
	Platform string `json:"platform"`
	Account  string `json:"account"`
	Thread   string `json:"thread"`
}

// Key returns "platform:account:thread".
func (id ChannelIdentity) Key() string {
	return id.Platform + ":" + id.Account + ":" + id.Thread
}

func (id ChannelIdentity) String() string { return id.Key() }

// Validate reports whether the identity can be used as a key.
func (id ChannelIdentity) Validate() error {
	switch {
	case id.Platform == "" || id.Thread == "":
		return errors.New("channel identity needs platform and thread")
	case strings.Contains(id.Platform, ":") || strings.Contains(id.Account, ":"):
		return fmt.Errorf("channel identity %q: platform and account must not contain ':'", id.Key())
	}
	return nil
}

// ParseKey is the inverse of Key.
func ParseKey(key string) (ChannelIdentity, error) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 {
		return ChannelIdentity{}, fmt.Errorf("malformed session key %q", key)
	}
	id := ChannelIdentity{Platform: parts[0], Account: parts[1], Thread: parts[2]}
	return id, id.Validate()
}

// sanitizeFilename maps a key to a safe file stem. A short hash keeps keys
// that sanitize to the same text apart.
func sanitizeFilename(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.', r == '@':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	stem := strings.Trim(b.String(), ".")
	if len(stem) > 120 {
		stem = stem[:120]
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return fmt.Sprintf("%s-%08x", stem, h.Sum32())
}
