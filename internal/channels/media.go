package channels

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/thebenlamm/nanobot/internal/bus"
	"github.com/thebenlamm/nanobot/internal/tools"
)

// MediaStore downloads inbound attachments into <root>/<channel>/ through
// the tool gateway's fetcher, so the declared size is checked first and the
// stream is cut at the same ceiling.
type MediaStore struct {
	fetcher *tools.Fetcher
	root    string
}

// NewMediaStore stores below root (usually <workspace>/media).
func NewMediaStore(fetcher *tools.Fetcher, root string) *MediaStore {
	return &MediaStore{fetcher: fetcher, root: root}
}

// MaxBytes is the per-attachment ceiling.
func (s *MediaStore) MaxBytes() int64 { return s.fetcher.MaxBytes() }

// Save downloads att and returns the local path. header carries platform
// credentials; label replaces the URL in logs when the URL embeds a token.
func (s *MediaStore) Save(ctx context.Context, channel string, att bus.Attachment, header http.Header, label string) (string, error) {
	d := s.fetcher.Evaluate(ctx, tools.FetchRequest{
		URL:          att.URL,
		DeclaredSize: att.DeclaredSize,
		Header:       header,
		Label:        label,
	})
	if !d.Allowed() {
		return "", d.Err()
	}

	dir := filepath.Join(s.root, safeSegment(channel))
	path, n, err := s.fetcher.Download(ctx, d, dir, "media-*"+extensionFor(att))
	if err != nil {
		return "", fmt.Errorf("store %s attachment: %w", channel, err)
	}
	slog.Debug("attachment stored", "channel", channel, "path", path, "bytes", n)
	return path, nil
}

// SaveAll stores every attachment it can and returns the paths plus a
// note per attachment that was refused, for inclusion in the message body.
func (s *MediaStore) SaveAll(ctx context.Context, channel string, atts []bus.Attachment, header http.Header) ([]string, []string) {
	var paths, notes []string
	for _, att := range atts {
		p, err := s.Save(ctx, channel, att, header, "")
		if err != nil {
			slog.Warn("attachment skipped", "channel", channel, "name", att.Name, "error", err)
			notes = append(notes, fmt.Sprintf("[attachment %s not downloaded: %v]", displayName(att), err))
			continue
		}
		paths = append(paths, p)
	}
	return paths, notes
}

func displayName(att bus.Attachment) string {
	if att.Name != "" {
		return att.Name
	}
	return "file"
}

func extensionFor(att bus.Attachment) string {
	if ext := filepath.Ext(att.Name); ext != "" && len(ext) <= 8 {
		return strings.ToLower(ext)
	}
	if att.MIMEHint != "" {
		if exts, _ := mime.ExtensionsByType(att.MIMEHint); len(exts) > 0 {
			return exts[0]
		}
	}
	return ""
}

func safeSegment(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, s)
}
