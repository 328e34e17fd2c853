// Package persist implements keyed blob storage for the sync core's durable
// state: outbox, link table, conflict map and event-store snapshot each live
// under an independent key, so a crash mid-write only risks the most
// recently modified keys.
//
// Two save policies are supported. Immediate writes hit the backend before
// Save returns. Debounced writes are coalesced per key and land after the
// debounce window, on Flush, or on Close, whichever comes first.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Policy selects how urgently a Save must reach the backend.
type Policy int

const (
	// Immediate persists before Save returns.
	Immediate Policy = iota
	// Debounced coalesces repeated saves of the same key and persists the
	// latest value after the debounce window.
	Debounced
)

// DefaultDebounce is the coalescing window for Debounced saves.
const DefaultDebounce = 250 * time.Millisecond

// Store is keyed blob storage with save policies and load-with-fallback.
type Store interface {
	// Save marshals value to JSON and persists it under key.
	Save(key string, value any, policy Policy) error
	// Load unmarshals the blob under key into out. Returns false with a nil
	// error when the key has never been saved; callers fall back to their
	// zero state.
	Load(key string, out any) (bool, error)
	// Flush forces all pending debounced writes to the backend.
	Flush() error
	// Close flushes and releases the backend.
	Close() error
}

// backend is the raw byte-level storage a Store writes through.
type backend interface {
	put(key string, data []byte) error
	get(key string) ([]byte, bool, error)
	close() error
}

// store wraps a backend with JSON marshaling and per-key debounce timers.
type store struct {
	backend  backend
	debounce time.Duration

	mu      sync.Mutex
	pending map[string][]byte
	timers  map[string]*time.Timer
	closed  bool
}

func newStore(b backend, debounce time.Duration) *store {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &store{
		backend:  b,
		debounce: debounce,
		pending:  map[string][]byte{},
		timers:   map[string]*time.Timer{},
	}
}

func (s *store) Save(key string, value any, policy Policy) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("persist: key is required")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("persist: marshal %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("persist: store is closed")
	}

	if policy == Immediate {
		// An immediate save supersedes any pending debounced value.
		s.dropPendingLocked(key)
		return s.backend.put(key, data)
	}

	s.pending[key] = data
	if t, ok := s.timers[key]; ok {
		t.Reset(s.debounce)
		return nil
	}
	s.timers[key] = time.AfterFunc(s.debounce, func() { s.flushKey(key) })
	return nil
}

func (s *store) Load(key string, out any) (bool, error) {
	s.mu.Lock()
	data, pending := s.pending[key]
	s.mu.Unlock()
	if !pending {
		var ok bool
		var err error
		data, ok, err = s.backend.get(key)
		if err != nil || !ok {
			return false, err
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("persist: unmarshal %q: %w", key, err)
	}
	return true, nil
}

func (s *store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushAllLocked()
}

func (s *store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.flushAllLocked(); err != nil {
		return err
	}
	return s.backend.close()
}

func (s *store) flushKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.pending[key]
	if !ok {
		return
	}
	s.dropPendingLocked(key)
	// Best effort: a failed debounced write is retried by the next save of
	// the same key; the in-memory state remains authoritative.
	_ = s.backend.put(key, data)
}

func (s *store) flushAllLocked() error {
	var firstErr error
	for key, data := range s.pending {
		if err := s.backend.put(key, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for key := range s.timers {
		s.timers[key].Stop()
		delete(s.timers, key)
	}
	s.pending = map[string][]byte{}
	return firstErr
}

func (s *store) dropPendingLocked(key string) {
	delete(s.pending, key)
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}

// fileBackend stores one JSON file per key under a directory, written with
// the write-temp-then-rename pattern so readers never observe a torn blob.
type fileBackend struct {
	dir string
}

// NewFileStore creates a Store backed by one file per key under dir.
func NewFileStore(dir string, debounce time.Duration) (Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("persist: dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return newStore(&fileBackend{dir: dir}, debounce), nil
}

func (b *fileBackend) path(key string) string {
	// Keys are internal identifiers ("outbox", "links", ...). Guard against
	// separators anyway so a bad key cannot escape the directory.
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(key)
	return filepath.Join(b.dir, safe+".json")
}

func (b *fileBackend) put(key string, data []byte) error {
	path := b.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (b *fileBackend) get(key string) ([]byte, bool, error) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (b *fileBackend) close() error { return nil }
