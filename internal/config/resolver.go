package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Snapshot is an immutable, resolved view of the configuration. It is safe
// for concurrent use without locking.
type Snapshot struct {
	cfg       Config
	path      string
	loadedAt  time.Time
	overrides []string
	warnings  []string
}

// Config returns a deep copy of the resolved configuration.
func (s *Snapshot) Config() Config { return s.cfg.Clone() }

// Path is the config file this snapshot was resolved from.
func (s *Snapshot) Path() string { return s.path }

// LoadedAt is when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Overrides lists the env vars (names only) applied on top of the file.
func (s *Snapshot) Overrides() []string { return append([]string(nil), s.overrides...) }

// Warnings lists non-fatal findings such as loose file permissions.
func (s *Snapshot) Warnings() []string { return append([]string(nil), s.warnings...) }

// Secret returns the secret at a dotted JSON path such as
// "providers.openai.api_key". Paths that do not end at a secret field fail
// with ErrUnknownSecret.
func (s *Snapshot) Secret(key string) (SecretHandle, error) {
	v := reflect.ValueOf(s.cfg)
	for _, part := range strings.Split(key, ".") {
		if v.Kind() != reflect.Struct || v.Type() == secretType {
			return SecretHandle{}, fmt.Errorf("%w: %s", ErrUnknownSecret, key)
		}
		next, ok := fieldByJSONName(v, part)
		if !ok {
			return SecretHandle{}, fmt.Errorf("%w: %s", ErrUnknownSecret, key)
		}
		v = next
	}
	if v.Type() != secretType {
		return SecretHandle{}, fmt.Errorf("%w: %s", ErrUnknownSecret, key)
	}
	return v.Interface().(SecretHandle), nil
}

// Secrets returns every set secret in the snapshot, for output redaction.
func (s *Snapshot) Secrets() []SecretHandle {
	var out []SecretHandle
	cfg := s.cfg
	_ = walkFields(reflect.ValueOf(&cfg).Elem(), nil, func(_ []string, fv reflect.Value) error {
		switch {
		case fv.Type() == secretType:
			if h := fv.Interface().(SecretHandle); h.IsSet() {
				out = append(out, h)
			}
		case fv.Kind() == reflect.Map && fv.Type().Elem() == secretType:
			iter := fv.MapRange()
			for iter.Next() {
				if h := iter.Value().Interface().(SecretHandle); h.IsSet() {
					out = append(out, h)
				}
			}
		}
		return nil
	})
	return out
}

func fieldByJSONName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if sf := t.Field(i); sf.IsExported() && jsonName(sf) == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// Resolver owns the settings snapshot: it builds one from the config file
// plus environment overrides and swaps it atomically on reload.
type Resolver struct {
	path   string
	prefix string
	lookup func(string) (string, bool)

	current  atomic.Pointer[Snapshot]
	reloadMu sync.Mutex
	permOnce sync.Once
	permWarn string

	subsMu sync.Mutex
	subs   []func(*Snapshot)
}

// ResolverOption customises a Resolver.
type ResolverOption func(*Resolver)

// WithEnvPrefix changes the override namespace (default NANOBOT).
func WithEnvPrefix(prefix string) ResolverOption {
	return func(r *Resolver) { r.prefix = prefix }
}

// WithLookupEnv replaces os.LookupEnv, mainly for tests.
func WithLookupEnv(fn func(string) (string, bool)) ResolverOption {
	return func(r *Resolver) { r.lookup = fn }
}

// NewResolver creates a resolver for the config file at path.
func NewResolver(path string, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		path:   ExpandHome(path),
		prefix: EnvPrefix,
		lookup: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the current snapshot, building it on first use.
// Failures are *ConfigError.
func (r *Resolver) Resolve() (*Snapshot, error) {
	if s := r.current.Load(); s != nil {
		return s, nil
	}
	return r.Reload()
}

// Current returns the last good snapshot, or nil before the first Resolve.
func (r *Resolver) Current() *Snapshot { return r.current.Load() }

// Reload builds a fresh snapshot and swaps it in. On error the previous
// snapshot stays current.
func (r *Resolver) Reload() (*Snapshot, error) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	r.permOnce.Do(func() {
		r.permWarn = CheckPermissions(r.path)
		if r.permWarn != "" {
			slog.Warn("config permissions", "path", r.path, "warning", r.permWarn)
		}
	})

	cfg, applied, err := load(r.path, r.prefix, r.lookup)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		cfg:       *cfg,
		path:      r.path,
		loadedAt:  time.Now(),
		overrides: applied,
	}
	if r.permWarn != "" {
		snap.warnings = append(snap.warnings, r.permWarn)
	}
	r.current.Store(snap)
	slog.Debug("config resolved", "path", r.path, "env_overrides", len(applied))

	r.subsMu.Lock()
	subs := append([]func(*Snapshot){}, r.subs...)
	r.subsMu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
	return snap, nil
}

// OnReload registers fn to be called with each newly swapped-in snapshot.
func (r *Resolver) OnReload(fn func(*Snapshot)) {
	r.subsMu.Lock()
	r.subs = append(r.subs, fn)
	r.subsMu.Unlock()
}

const reloadDebounce = 300 * time.Millisecond

// Watch reloads the snapshot whenever the config file changes, until ctx is
// done. The parent directory is watched so editor rename-on-save is seen.
func (r *Resolver) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}

	target := filepath.Clean(r.path)
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", werr)
		case <-fire:
			fire = nil
			if _, err := r.Reload(); err != nil {
				slog.Error("config reload failed, keeping previous snapshot", "error", err)
				continue
			}
			slog.Info("config reloaded", "path", r.path)
		}
	}
}
