package sessions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/thebenlamm/nanobot/internal/providers"
)

// Turn is one entry of a conversation: a user envelope, a model turn
// (text or tool calls) or a tool result.
type Turn struct {
	Seq     uint64            `json:"seq"`
	Message providers.Message `json:"message"`
	Sender  string            `json:"sender,omitempty"`
	Media   []string          `json:"media,omitempty"` // local paths of stored attachments
	At      time.Time         `json:"at"`
}

// Record is the persisted form of a conversation.
type Record struct {
	Identity ChannelIdentity `json:"identity"`
	Turns    []Turn          `json:"turns"`
	LastSeq  uint64          `json:"last_seq"`
	Created  time.Time       `json:"created"`
	Updated  time.Time       `json:"updated"`
}

// Persister stores conversation records.
type Persister interface {
	Save(ctx context.Context, rec Record) error
	LoadAll(ctx context.Context) ([]Record, error)
}

// TruncationHook returns the turns to keep. It must return a suffix of its
// input; Seq values are never rewritten.
type TruncationHook func(turns []Turn) []Turn

// KeepLast keeps the newest n turns, widened so a tool result never loses
// the assistant turn that requested it. n <= 0 keeps everything.
func KeepLast(n int) TruncationHook {
	return func(turns []Turn) []Turn {
		if n <= 0 || len(turns) <= n {
			return turns
		}
		start := len(turns) - n
		for start > 0 && turns[start].Message.Role == "tool" {
			start--
		}
		return turns[start:]
	}
}

// Info describes a conversation for listings.
type Info struct {
	Identity ChannelIdentity `json:"identity"`
	Turns    int             `json:"turns"`
	LastSeq  uint64          `json:"last_seq"`
	Created  time.Time       `json:"created"`
	Updated  time.Time       `json:"updated"`
}

type conversation struct {
	mu      sync.Mutex
	flushMu sync.Mutex // orders concurrent flushes of the same conversation
	id      ChannelIdentity
	turns   []Turn
	lastSeq uint64
	created time.Time
	updated time.Time
	dirty   bool
}

func (c *conversation) record() Record {
	return Record{
		Identity: c.id,
		Turns:    append([]Turn(nil), c.turns...),
		LastSeq:  c.lastSeq,
		Created:  c.created,
		Updated:  c.updated,
	}
}

// Options configures a Store.
type Options struct {
	Truncate TruncationHook   // default KeepLast(200)
	Now      func() time.Time // default time.Now
}

// Store holds every conversation in memory and writes them through a
// Persister on Flush. The map lock only guards lookup; each conversation
// has its own lock, so distinct identities never contend.
type Store struct {
	mu        sync.RWMutex
	convs     map[string]*conversation
	persister Persister
	truncate  TruncationHook
	now       func() time.Time
}

// Open restores persisted conversations. A nil persister gives a purely
// in-memory store.
func Open(ctx context.Context, p Persister, opts Options) (*Store, error) {
	s := &Store{
		convs:     make(map[string]*conversation),
		persister: p,
		truncate:  opts.Truncate,
		now:       opts.Now,
	}
	if s.truncate == nil {
		s.truncate = KeepLast(200)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if p == nil {
		return s, nil
	}

	recs, err := p.LoadAll(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "load", Keys: []string{"*"}, Err: err}
	}
	for _, rec := range recs {
		if rec.Identity.Validate() != nil {
			continue
		}
		c := &conversation{
			id:      rec.Identity,
			turns:   rec.Turns,
			lastSeq: rec.LastSeq,
			created: rec.Created,
			updated: rec.Updated,
		}
		for _, t := range rec.Turns {
			if t.Seq > c.lastSeq {
				c.lastSeq = t.Seq
			}
		}
		s.convs[rec.Identity.Key()] = c
	}
	slog.Debug("sessions restored", "count", len(s.convs))
	return s, nil
}

func (s *Store) get(id ChannelIdentity) *conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.convs[id.Key()]
}

func (s *Store) getOrCreate(id ChannelIdentity) *conversation {
	key := id.Key()
	if c := s.get(id); c != nil {
		return c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[key]; ok {
		return c
	}
	now := s.now()
	c := &conversation{id: id, created: now, updated: now}
	s.convs[key] = c
	return c
}

// Append adds turn to the conversation, creating it on first use, and
// returns the turn with its assigned Seq.
func (s *Store) Append(id ChannelIdentity, turn Turn) (Turn, error) {
	if err := id.Validate(); err != nil {
		return Turn{}, err
	}
	c := s.getOrCreate(id)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeq++
	turn.Seq = c.lastSeq
	if turn.At.IsZero() {
		turn.At = s.now()
	}
	c.turns = append(c.turns, turn)
	c.updated = turn.At
	c.dirty = true
	return turn, nil
}

// Load returns a copy of the conversation in Seq order; nil if unknown.
func (s *Store) Load(id ChannelIdentity) []Turn {
	c := s.get(id)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Turn(nil), c.turns...)
}

// Messages returns the conversation as model messages.
func (s *Store) Messages(id ChannelIdentity) []providers.Message {
	turns := s.Load(id)
	msgs := make([]providers.Message, len(turns))
	for i, t := range turns {
		msgs[i] = t.Message
	}
	return msgs
}

// Truncate applies the truncation hook and reports how many turns it dropped.
func (s *Store) Truncate(id ChannelIdentity) int {
	c := s.get(id)
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := s.truncate(c.turns)
	dropped := len(c.turns) - len(kept)
	if dropped > 0 {
		c.turns = append([]Turn(nil), kept...)
		c.dirty = true
	}
	return dropped
}

// Reset clears the history. Seq keeps counting from where it was.
func (s *Store) Reset(id ChannelIdentity) {
	c := s.get(id)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = nil
	c.updated = s.now()
	c.dirty = true
}

// List describes every conversation, most recently updated first.
func (s *Store) List() []Info {
	s.mu.RLock()
	convs := make([]*conversation, 0, len(s.convs))
	for _, c := range s.convs {
		convs = append(convs, c)
	}
	s.mu.RUnlock()

	out := make([]Info, 0, len(convs))
	for _, c := range convs {
		c.mu.Lock()
		out = append(out, Info{Identity: c.id, Turns: len(c.turns), LastSeq: c.lastSeq, Created: c.created, Updated: c.updated})
		c.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Updated.Equal(out[j].Updated) {
			return out[i].Updated.After(out[j].Updated)
		}
		return out[i].Identity.Key() < out[j].Identity.Key()
	})
	return out
}

// Flush writes one conversation if it changed since the last flush.
func (s *Store) Flush(ctx context.Context, id ChannelIdentity) error {
	c := s.get(id)
	if c == nil || s.persister == nil {
		return nil
	}
	if err := s.flush(ctx, c); err != nil {
		return &PersistenceError{Op: "flush", Keys: []string{id.Key()}, Err: err}
	}
	return nil
}

// FlushAll writes every changed conversation and reports all failures in a
// single *PersistenceError.
func (s *Store) FlushAll(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	s.mu.RLock()
	convs := make([]*conversation, 0, len(s.convs))
	for _, c := range s.convs {
		convs = append(convs, c)
	}
	s.mu.RUnlock()

	var (
		keys []string
		errs []error
	)
	for _, c := range convs {
		if err := s.flush(ctx, c); err != nil {
			keys = append(keys, c.id.Key())
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		sort.Strings(keys)
		return &PersistenceError{Op: "flush", Keys: keys, Err: errors.Join(errs...)}
	}
	return nil
}

func (s *Store) flush(ctx context.Context, c *conversation) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	rec := c.record()
	c.dirty = false
	c.mu.Unlock()

	if err := s.persister.Save(ctx, rec); err != nil {
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
		return fmt.Errorf("save %s: %w", rec.Identity.Key(), err)
	}
	return nil
}

// Close flushes everything and releases the persister.
func (s *Store) Close(ctx context.Context) error {
	err := s.FlushAll(ctx)
	if closer, ok := s.persister.(io.Closer); ok {
		if cerr := closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
