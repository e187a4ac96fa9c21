package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/thebenlamm/nanobot/internal/bus"
)

// voicePlaceholder stands in for a transcript until speech-to-text exists.
const voicePlaceholder = "[Voice Message: Transcription not available]"

// MediaInfo describes one attachment on a Telegram message.
type MediaInfo struct {
	Type     string // image, video, animation, audio, voice, document
	FileID   string
	FileName string
	MIMEType string
	FileSize int64
	FilePath string // local path once downloaded
	Note     string // why the file was not downloaded
}

// collectMedia lists the attachments on msg without downloading them.
// Only the largest photo size is kept.
func collectMedia(msg *telego.Message) []MediaInfo {
	var out []MediaInfo
	if len(msg.Photo) > 0 {
		p := msg.Photo[len(msg.Photo)-1]
		out = append(out, MediaInfo{Type: "image", FileID: p.FileID, MIMEType: "image/jpeg", FileSize: int64(p.FileSize)})
	}
	if v := msg.Video; v != nil {
		out = append(out, MediaInfo{Type: "video", FileID: v.FileID, FileName: v.FileName, MIMEType: v.MimeType, FileSize: int64(v.FileSize)})
	}
	if v := msg.VideoNote; v != nil {
		out = append(out, MediaInfo{Type: "video", FileID: v.FileID, MIMEType: "video/mp4", FileSize: int64(v.FileSize)})
	}
	if a := msg.Animation; a != nil {
		out = append(out, MediaInfo{Type: "animation", FileID: a.FileID, FileName: a.FileName, MIMEType: a.MimeType, FileSize: int64(a.FileSize)})
	}
	if a := msg.Audio; a != nil {
		out = append(out, MediaInfo{Type: "audio", FileID: a.FileID, FileName: a.FileName, MIMEType: a.MimeType, FileSize: int64(a.FileSize)})
	}
	if v := msg.Voice; v != nil {
		out = append(out, MediaInfo{Type: "voice", FileID: v.FileID, MIMEType: v.MimeType, FileSize: int64(v.FileSize)})
	}
	if d := msg.Document; d != nil {
		out = append(out, MediaInfo{Type: "document", FileID: d.FileID, FileName: d.FileName, MIMEType: d.MimeType, FileSize: int64(d.FileSize)})
	}
	return out
}

// resolveMedia downloads every attachment on msg through the media store.
// The size Telegram declares is checked before getFile is called, so an
// oversized file costs no download.
func (c *Channel) resolveMedia(ctx context.Context, msg *telego.Message) []MediaInfo {
	items := collectMedia(msg)
	if c.media == nil {
		return items
	}
	limit := c.config.MediaMaxBytes
	if limit <= 0 || limit > c.media.MaxBytes() {
		limit = c.media.MaxBytes()
	}

	for i := range items {
		m := &items[i]
		if m.FileSize > limit {
			m.Note = fmt.Sprintf("too large: %d bytes (max %d)", m.FileSize, limit)
			continue
		}
		path, err := c.download(ctx, *m)
		if err != nil {
			slog.Warn("telegram media download failed", "file_id", m.FileID, "type", m.Type, "error", err)
			m.Note = "download failed"
			continue
		}
		m.FilePath = path
	}
	return items
}

func (c *Channel) download(ctx context.Context, m MediaInfo) (string, error) {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: m.FileID})
	if err != nil {
		return "", fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file_id %s", m.FileID)
	}
	size := m.FileSize
	if int64(file.FileSize) > size {
		size = int64(file.FileSize)
	}
	name := m.FileName
	if name == "" {
		name = file.FilePath
	}
	// the download URL carries the bot token, so logs and errors use the label
	return c.media.Save(ctx, c.Name(), bus.Attachment{
		URL:          c.bot.FileDownloadURL(file.FilePath),
		Name:         name,
		MIMEHint:     m.MIMEType,
		DeclaredSize: size,
	}, nil, "telegram file "+m.FileID)
}

// buildMediaTags describes attachments for the model, one line each.
func buildMediaTags(items []MediaInfo) string {
	var tags []string
	for _, m := range items {
		kind := m.Type
		if kind == "animation" {
			kind = "video"
		}
		tag := "<media:" + kind + ">"
		switch {
		case m.FilePath != "":
			tag += " " + m.FilePath
		case m.Note != "":
			tag += " [" + m.Note + "]"
		}
		if m.Type == "voice" {
			tag += "\n" + voicePlaceholder
		}
		tags = append(tags, tag)
	}
	return strings.Join(tags, "\n")
}
