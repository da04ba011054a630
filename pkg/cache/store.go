// Package cache keeps the intermediate artifacts of a registration run
// (downsampled and blurred volumes, initial transforms) in a work directory
// that can be shared by several concurrent runs.
//
// Production of a cached file is guarded by an advisory lock on a sidecar
// ".lock" file: acquire, check existence, produce if absent, unlock. Files
// are produced under a partial name and renamed into place, so a reader
// never observes a half written artifact.
package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Producer writes the artifact to out
type Producer func(ctx context.Context, out string) error

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger used for cache hits and misses
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// KeepTemp leaves the run-scoped temporary directory in place on Close
func KeepTemp() Option {
	return func(s *Store) { s.keepTemp = true }
}

// WithPollInterval sets how often a contended lock is retried
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.poll = d
		}
	}
}

// Store is an artifact cache rooted in a work directory
type Store struct {
	root     string
	tmpDir   string
	owned    string
	keepTemp bool
	poll     time.Duration
	log      *slog.Logger

	group singleflight.Group
	done  *gocache.Cache

	mu   sync.Mutex
	held map[string]*Entry
}

// Open prepares the cache under workDir/context. An empty workDir creates
// a private temporary directory that Close removes; a caller supplied work
// directory is never deleted.
func Open(workDir, context string, opts ...Option) (*Store, error) {
	s := &Store{
		poll: 50 * time.Millisecond,
		log:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		done: gocache.New(gocache.NoExpiration, 0),
		held: make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(s)
	}

	if workDir == "" {
		dir, err := os.MkdirTemp("", "iplreg-")
		if err != nil {
			return nil, fmt.Errorf("failed to create work directory: %w", err)
		}
		workDir = dir
		s.owned = dir
	}

	s.root = filepath.Join(workDir, context)
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	s.tmpDir = filepath.Join(s.root, "tmp-"+uuid.NewString())
	if err := os.MkdirAll(s.tmpDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temporary directory: %w", err)
	}

	s.log.Debug("cache opened", "root", s.root, "tmp", s.tmpDir)
	return s, nil
}

// Root returns the directory holding cached artifacts
func (s *Store) Root() string { return s.root }

// Cache returns the deterministic path for key; the file may not exist yet
func (s *Store) Cache(key Key) string {
	return filepath.Join(s.root, key.Name())
}

// Tmp returns a run-scoped path that is never shared with other runs
func (s *Store) Tmp(name string) string {
	return filepath.Join(s.tmpDir, name)
}

// Acquire takes the exclusive lock guarding key. The wait honours ctx.
// The returned entry must be unlocked; Unlock is safe to call twice.
func (s *Store) Acquire(ctx context.Context, key Key) (*Entry, error) {
	path := s.Cache(key)
	lockPath := path + ".lock"

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock %s: %w", lockPath, err)
	}

	for {
		ok, err := tryLock(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to lock %s: %w", lockPath, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(s.poll):
		}
	}

	e := &Entry{Path: path, store: s, lock: f}
	s.mu.Lock()
	s.held[path] = e
	s.mu.Unlock()
	return e, nil
}

// Unlock releases a lock still held for path. Unknown paths are ignored.
func (s *Store) Unlock(path string) error {
	s.mu.Lock()
	e := s.held[path]
	s.mu.Unlock()
	if e == nil {
		return nil
	}
	return e.Unlock()
}

// Ensure returns the path of key, running produce first when the artifact
// is not on disk yet. Concurrent callers in this process share one
// production; other processes are excluded by the file lock. An existing
// file is trusted and never recomputed.
func (s *Store) Ensure(ctx context.Context, key Key, produce Producer) (string, error) {
	path := s.Cache(key)
	if _, ok := s.done.Get(path); ok {
		return path, nil
	}

	// the shared production outlives any one caller; each caller stops
	// waiting when its own context ends
	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan(path, func() (any, error) {
		return nil, s.ensure(shared, key, path, produce)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return path, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Store) ensure(ctx context.Context, key Key, path string, produce Producer) error {
	e, err := s.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer e.Unlock()

	if e.Exists() {
		s.log.Debug("cache hit", "path", path)
		s.done.Set(path, struct{}{}, gocache.NoExpiration)
		return nil
	}

	s.log.Debug("cache miss", "path", path)
	partial := filepath.Join(filepath.Dir(path), ".partial-"+uuid.NewString()+"-"+filepath.Base(path))
	if err := produce(ctx, partial); err != nil {
		os.Remove(partial)
		return err
	}
	if _, err := os.Stat(partial); err != nil {
		return fmt.Errorf("producer did not create %s: %w", key.Name(), err)
	}
	if err := os.Rename(partial, path); err != nil {
		os.Remove(partial)
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}

	s.done.Set(path, struct{}{}, gocache.NoExpiration)
	return nil
}

// Close releases held locks and removes run-scoped files
func (s *Store) Close() error {
	s.mu.Lock()
	held := make([]*Entry, 0, len(s.held))
	for _, e := range s.held {
		held = append(held, e)
	}
	s.mu.Unlock()
	for _, e := range held {
		e.Unlock()
	}

	if s.owned != "" {
		return os.RemoveAll(s.owned)
	}
	if !s.keepTemp {
		return os.RemoveAll(s.tmpDir)
	}
	return nil
}

// Entry is a locked cache slot
type Entry struct {
	Path string

	store *Store
	lock  *os.File
	once  sync.Once
	err   error
}

// Exists reports whether the artifact is already on disk
func (e *Entry) Exists() bool {
	_, err := os.Stat(e.Path)
	return err == nil
}

// Unlock marks the artifact as final and lets other runs proceed
func (e *Entry) Unlock() error {
	e.once.Do(func() {
		e.store.mu.Lock()
		if e.store.held[e.Path] == e {
			delete(e.store.held, e.Path)
		}
		e.store.mu.Unlock()

		e.err = unlock(e.lock)
		if cerr := e.lock.Close(); e.err == nil {
			e.err = cerr
		}
	})
	return e.err
}
