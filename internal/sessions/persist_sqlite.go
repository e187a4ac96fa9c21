package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver, registers "sqlite"
)

// SQLitePersister keeps every conversation as one row of sessions.db.
type SQLitePersister struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLitePersister, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sessions db: %w", err)
	}
	// one writer; the store already serializes per conversation
	db.SetMaxOpenConns(1)

	stmts := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		`CREATE TABLE IF NOT EXISTS conversations (
			session_key TEXT PRIMARY KEY,
			platform    TEXT NOT NULL,
			account     TEXT NOT NULL,
			thread      TEXT NOT NULL,
			last_seq    INTEGER NOT NULL,
			turns       TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at)",
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sessions db: %w", err)
		}
	}
	return &SQLitePersister{db: db}, nil
}

func (p *SQLitePersister) Save(ctx context.Context, rec Record) error {
	turns, err := json.Marshal(rec.Turns)
	if err != nil {
		return fmt.Errorf("marshal turns: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO conversations (session_key, platform, account, thread, last_seq, turns, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			last_seq = excluded.last_seq,
			turns = excluded.turns,
			updated_at = excluded.updated_at`,
		rec.Identity.Key(), rec.Identity.Platform, rec.Identity.Account, rec.Identity.Thread,
		int64(rec.LastSeq), string(turns), rec.Created.UnixNano(), rec.Updated.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

func (p *SQLitePersister) LoadAll(ctx context.Context) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT platform, account, thread, last_seq, turns, created_at, updated_at FROM conversations`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec              Record
			lastSeq          int64
			turns            string
			created, updated int64
		)
		if err := rows.Scan(&rec.Identity.Platform, &rec.Identity.Account, &rec.Identity.Thread,
			&lastSeq, &turns, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		if err := json.Unmarshal([]byte(turns), &rec.Turns); err != nil {
			slog.Warn("sessions: skip corrupt row", "key", rec.Identity.Key(), "error", err)
			continue
		}
		rec.LastSeq = uint64(lastSeq)
		rec.Created = time.Unix(0, created)
		rec.Updated = time.Unix(0, updated)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the database.
func (p *SQLitePersister) Close() error { return p.db.Close() }
