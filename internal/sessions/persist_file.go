package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FilePersister writes one JSON file per conversation under
// <root>/<platform>/<sanitized key>.json.
type FilePersister struct {
	root string
}

// NewFilePersister stores conversations below root (usually
// <workspace>/sessions).
func NewFilePersister(root string) *FilePersister {
	return &FilePersister{root: root}
}

func (p *FilePersister) path(id ChannelIdentity) string {
	return filepath.Join(p.root, platformDir(id.Platform), sanitizeFilename(id.Key())+".json")
}

// Save replaces the conversation file atomically: temp file, fsync, rename.
func (p *FilePersister) Save(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	target := p.path(rec.Identity)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return err
	}
	cleanup = false
	syncDir(dir)
	return nil
}

// LoadAll reads every conversation file. Unreadable or corrupt files are
// skipped with a warning so one bad file never blocks startup.
func (p *FilePersister) LoadAll(ctx context.Context) ([]Record, error) {
	var out []Record
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == p.root {
				return filepath.SkipDir
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("sessions: skip unreadable file", "path", path, "error", err)
			return nil
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			slog.Warn("sessions: skip corrupt file", "path", path, "error", err)
			return nil
		}
		if err := rec.Identity.Validate(); err != nil {
			slog.Warn("sessions: skip file with bad identity", "path", path, "error", err)
			return nil
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func platformDir(platform string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, strings.ToLower(platform))
}

// syncDir makes the rename durable. Errors are ignored: some platforms
// cannot fsync a directory.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}
