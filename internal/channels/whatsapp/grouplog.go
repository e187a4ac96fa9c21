package whatsapp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// GroupEntry is one line of a group log.
type GroupEntry struct {
	TS      json.Number `json:"ts"`
	Sender  string      `json:"sender"`
	Content string      `json:"content"`
}

// GroupLog appends monitored group messages to
// <dir>/<jid with @ as _at_>/<YYYY-MM-DD>.jsonl (UTC dates).
type GroupLog struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

func NewGroupLog(dir string) *GroupLog {
	return &GroupLog{dir: dir, now: time.Now}
}

// Path returns the log file for jid on the current day.
func (g *GroupLog) Path(jid string) string {
	name := strings.ReplaceAll(jid, "@", "_at_")
	name = strings.NewReplacer("/", "_", `\`, "_", "..", "_").Replace(name)
	return filepath.Join(g.dir, name, g.now().UTC().Format("2006-01-02")+".jsonl")
}

func (g *GroupLog) Append(jid string, e GroupEntry) error {
	if e.TS == "" {
		e.TS = "0"
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	g.mu.Lock()
	defer g.mu.Unlock()
	path := g.Path(jid)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create group log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
