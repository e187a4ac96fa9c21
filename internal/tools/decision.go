package tools

import (
	"log/slog"
)

// Verdict is the outcome of a safety evaluation. The zero value denies.
type Verdict int

const (
	Deny Verdict = iota
	Allow
)

func (v Verdict) String() string {
	if v == Allow {
		return "allow"
	}
	return "deny"
}

// Denial categories reported to the model and in logs.
const (
	CategoryDestructiveFS   = "destructive_filesystem"
	CategoryDiskFormat      = "disk_format"
	CategoryForkBomb        = "fork_bomb"
	CategoryPrivilege       = "privilege_escalation"
	CategoryRemoteExec      = "remote_code_execution"
	CategoryReverseShell    = "reverse_shell"
	CategorySecretExposure  = "secret_exposure"
	CategoryEnvInjection    = "environment_injection"
	CategoryPersistence     = "persistence"
	CategorySystemControl   = "system_control"
	CategoryContainerEscape = "container_escape"
	CategoryNetworkAbuse    = "network_abuse"
	CategoryMalformed       = "malformed_request"
	CategoryBlockedHost     = "blocked_host"
	CategoryUnsupportedURL  = "unsupported_url"
	CategorySizeLimit       = "size_limit"
	CategoryConsentRequired = "consent_required"
	CategoryCustom          = "custom"
)

// Decision is produced by Evaluate and consumed by Execute. Only a Decision
// with Verdict Allow can run; anything else yields its denial error.
type Decision struct {
	Verdict  Verdict
	Tool     string
	Category string
	Reason   string

	// Rule names the matching deny rule. It is logged, never sent to the model.
	Rule string
	// Target is the redacted command or URL, safe to log.
	Target string

	command string
	fetch   FetchRequest
	err     error
}

// Allowed reports whether the decision permits execution.
func (d Decision) Allowed() bool { return d.Verdict == Allow }

// Err returns the typed denial error, or nil for an allowed decision.
func (d Decision) Err() error {
	if d.Allowed() {
		return nil
	}
	if d.err != nil {
		return d.err
	}
	return &ToolDeniedError{Tool: d.Tool, Category: d.Category, Reason: d.Reason}
}

func (d Decision) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("tool", d.Tool),
		slog.String("verdict", d.Verdict.String()),
	}
	if d.Category != "" {
		attrs = append(attrs, slog.String("category", d.Category))
	}
	if d.Rule != "" {
		attrs = append(attrs, slog.String("rule", d.Rule))
	}
	if d.Target != "" {
		attrs = append(attrs, slog.String("target", d.Target))
	}
	return slog.GroupValue(attrs...)
}

func deny(tool, category, reason string) Decision {
	return Decision{Verdict: Deny, Tool: tool, Category: category, Reason: reason}
}
