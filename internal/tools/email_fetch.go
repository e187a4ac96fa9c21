package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/thebenlamm/nanobot/internal/config"
	"github.com/thebenlamm/nanobot/internal/mail"
	"github.com/thebenlamm/nanobot/internal/textutil"
)

const (
	defaultEmailHours = 24
	defaultEmailLimit = 50
	emailExcerptChars = 2000
)

// EmailFetchTool lets the model read the configured inbox on demand. It
// never marks messages as read.
type EmailFetchTool struct {
	mailbox mail.Mailbox
	consent bool
	now     func() time.Time
}

// NewEmailFetchTool creates the tool. Without consent every call is refused.
func NewEmailFetchTool(mb mail.Mailbox, consent bool) *EmailFetchTool {
	return &EmailFetchTool{mailbox: mb, consent: consent, now: time.Now}
}

// EmailFetchToolFromConfig opens the IMAP mailbox only when host and
// password are both set; otherwise calls report the tool as not configured.
func EmailFetchToolFromConfig(em config.EmailConfig) *EmailFetchTool {
	var mb mail.Mailbox
	if em.IMAPConfigured() {
		mb = mail.NewIMAPMailbox(em)
	}
	return NewEmailFetchTool(mb, em.ConsentGranted)
}

func (t *EmailFetchTool) Name() string { return "email_fetch" }

func (t *EmailFetchTool) Description() string {
	return "Fetch emails from the configured email account. Mode 'unread' returns unseen emails, " +
		"'recent' returns emails from the last N hours. Does NOT mark emails as read."
}

func (t *EmailFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"mode": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"unread", "recent"},
				"description": "Fetch mode: 'unread' for unseen emails, 'recent' for last N hours",
			},
			"hours": map[string]interface{}{
				"type":        "integer",
				"description": "Hours to look back (for 'recent' mode, default 24)",
				"minimum":     1,
				"maximum":     720,
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Max emails to fetch (default 50)",
				"minimum":     1,
				"maximum":     200,
			},
		},
		"additionalProperties": false,
	}
}

func (t *EmailFetchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.mailbox == nil {
		return ErrorResult("Error: Email not configured. Set imap_host and imap_password in config.")
	}
	if !t.consent {
		return DeniedResult(deny("email_fetch", CategoryConsentRequired,
			"mailbox access has not been granted; set channels.email.consent_granted"))
	}

	mode, _ := args["mode"].(string)
	if mode == "" {
		mode = "unread"
	}
	hours := intArg(args, "hours", defaultEmailHours)
	limit := intArg(args, "limit", defaultEmailLimit)

	q := mail.Query{Limit: limit}
	empty := "No unread emails found."
	if mode == "unread" {
		q.UnseenOnly = true
	} else {
		// IMAP SINCE has day granularity; filter precisely below
		q.Since = t.now().Add(-time.Duration(hours) * time.Hour)
		empty = fmt.Sprintf("No emails found in the last %d hours.", hours)
	}

	msgs, err := t.mailbox.Fetch(ctx, q)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error fetching emails: %v", err)).WithError(err)
	}
	if !q.Since.IsZero() {
		kept := msgs[:0]
		for _, m := range msgs {
			if m.Date.IsZero() || !m.Date.Before(q.Since) {
				kept = append(kept, m)
			}
		}
		msgs = kept
	}
	if len(msgs) == 0 {
		return NewResult(empty)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d email(s):\n", len(msgs))
	for i, m := range msgs {
		subject := m.Subject
		if subject == "" {
			subject = "(no subject)"
		}
		date := "Unknown"
		if !m.Date.IsZero() {
			date = m.Date.Format(time.RFC1123Z)
		}
		body, _ := textutil.Truncate(m.Body, emailExcerptChars)
		fmt.Fprintf(&sb, "\n--- Email %d ---\nFrom: %s\nSubject: %s\nDate: %s\n\n%s\n", i+1, m.From, subject, date, body)
	}
	return NewResult(sb.String())
}

func intArg(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}
