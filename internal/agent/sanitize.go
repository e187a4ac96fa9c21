package agent

import (
	"log/slog"
	"regexp"
	"strings"
)

// SanitizeAssistantContent cleans a final model reply before it is stored
// and delivered. Steps run in order:
//
//  1. tool-call markup emitted as text (XML fragments, "[Tool Call: ...]" blocks)
//  2. reasoning tags (<think>, <thinking>, <thought>)
//  3. <final> wrappers, keeping their content
//  4. repeated paragraphs
func SanitizeAssistantContent(content string) string {
	if content == "" {
		return ""
	}
	original := content

	content = stripToolMarkup(content)
	if content == "" {
		return ""
	}
	content = stripTextToolBlocks(content)
	content = stripReasoning(content)
	content = finalTag.ReplaceAllString(content, "")
	content = collapseRepeatedParagraphs(content)
	content = strings.TrimSpace(leadingBlankLines.ReplaceAllString(content, ""))

	if content != original {
		slog.Debug("sanitized assistant reply", "before", len(original), "after", len(content))
	}
	return content
}

var (
	toolMarkupMarkers = []string{"<function_call", "<tool_call", "<tool_use", "<invoke", "<parameter name=", "<minimax:tool_call"}

	reasoningTags = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<think>.*?</think>`),
		regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
		regexp.MustCompile(`(?is)<thought>.*?</thought>`),
	}
	finalTag          = regexp.MustCompile(`(?i)<\s*/?\s*final\s*>`)
	leadingBlankLines = regexp.MustCompile(`^(?:[ \t]*\r?\n)+`)
)

// stripToolMarkup drops a reply that is really a tool call the model failed
// to emit through the API. Such replies are never useful to the user.
func stripToolMarkup(content string) string {
	lower := strings.ToLower(content)
	found := false
	for _, m := range toolMarkupMarkers {
		if strings.Contains(lower, m) {
			found = true
			break
		}
	}
	if !found {
		return content
	}
	slog.Warn("dropped reply containing tool-call markup", "len", len(content))
	return ""
}

// stripTextToolBlocks removes "[Tool Call: ...]" and "[Tool Result ...]"
// blocks together with the indented or JSON lines that follow them.
func stripTextToolBlocks(content string) string {
	if !strings.Contains(content, "[Tool Call:") && !strings.Contains(content, "[Tool Result") {
		return content
	}
	var out []string
	skipping := false
	for _, line := range strings.Split(content, "\n") {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "[Tool Call:") || strings.HasPrefix(t, "[Tool Result") {
			skipping = true
			continue
		}
		if skipping {
			if t == "" || strings.HasPrefix(t, "Arguments:") || strings.HasPrefix(t, "{") || strings.HasPrefix(t, "}") {
				continue
			}
			skipping = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func stripReasoning(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") {
		return content
	}
	for _, re := range reasoningTags {
		content = re.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}

func collapseRepeatedParagraphs(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) < 2 {
		return content
	}
	out := make([]string, 0, len(blocks))
	for _, b := range blocks {
		t := strings.TrimSpace(b)
		if t == "" {
			continue
		}
		if len(out) > 0 && t == strings.TrimSpace(out[len(out)-1]) {
			continue
		}
		out = append(out, b)
	}
	return strings.Join(out, "\n\n")
}

const silentToken = "NO_REPLY"

// IsSilentReply reports whether the model chose not to answer: the reply
// is NO_REPLY, or starts or ends with it as a separate word.
func IsSilentReply(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	if rest, ok := strings.CutPrefix(t, silentToken); ok && (rest == "" || !isWordByte(rest[0])) {
		return true
	}
	if head, ok := strings.CutSuffix(t, silentToken); ok && (head == "" || !isWordByte(head[len(head)-1])) {
		return true
	}
	return false
}

func isWordByte(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}
