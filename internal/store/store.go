// Package store implements the shared state store: a persisted, observable
// key-value store that every UI surface reads to render, and that the
// coordinator writes scan outcomes into. One JSON file per key; writes are
// atomic per key and observers see them in write order.
package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/charlievieth/fastwalk"
	"go.uber.org/zap"

	"github.com/nymai/scand/internal/infrastructure/logging"
	"github.com/nymai/scand/internal/infrastructure/monitoring"
)

// Well-known keys. The popup and overlay key their rendering off these.
const (
	KeySession        = "session"
	KeyLastScanResult = "lastScanResult"
	KeyIsScanning     = "isScanning"
	KeyKeepAlive      = "keepAlive"
	KeyScanHistory    = "scanHistory"
)

// Change describes one observed mutation. Old is nil when the key was
// created, New is nil when it was removed.
type Change struct {
	Key string          `json:"key"`
	Old json.RawMessage `json:"old,omitempty"`
	New json.RawMessage `json:"new,omitempty"`
}

// Observer receives changes synchronously, in write order. Observers must
// not call back into the store.
type Observer func(Change)

// Store is a file-backed observable key-value store. There are no
// multi-key transactions; invariants spanning keys are re-derived by
// readers.
type Store struct {
	dir     string
	log     *logging.Logger
	metrics *monitoring.Metrics

	mu      sync.Mutex
	cache   map[string]json.RawMessage
	subs    map[uint64]Observer
	nextSub uint64
}

// Open creates the backing directory if needed and loads any persisted
// keys left by a previous process.
func Open(dir string, log *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}

	s := &Store{
		dir:   dir,
		log:   log,
		cache: make(map[string]json.RawMessage),
		subs:  make(map[uint64]Observer),
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load walks the store directory and fills the cache. fastwalk invokes the
// callback from multiple goroutines, so cache writes are guarded.
func (s *Store) load() error {
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			s.log.Warn("skipping unreadable store entry",
				zap.String("path", path), zap.Error(readErr))
			return nil
		}
		key := strings.TrimSuffix(d.Name(), ".json")
		s.mu.Lock()
		s.cache[key] = data
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load store: %w", err)
	}
	return nil
}

// WithMetrics attaches operation counters. Call during wiring, before
// concurrent use.
func (s *Store) WithMetrics(m *monitoring.Metrics) *Store {
	s.metrics = m
	return s
}

func (s *Store) record(op string, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.StoreOps.WithLabelValues(op).Inc()
	if err != nil {
		s.metrics.StoreErrors.Inc()
	}
}

// Get returns the raw value for key.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.cache[key]
	s.record("get", nil)
	return val, ok
}

// GetJSON decodes the value for key into v. The bool reports presence.
func (s *Store) GetJSON(key string, v interface{}) (bool, error) {
	raw, ok := s.Get(key)
	if !ok {
		return false, nil
	}
	if err := sonic.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return true, nil
}

// Set serializes value, persists it and notifies observers. Atomic per key.
func (s *Store) Set(key string, value interface{}) error {
	raw, err := marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize %q: %w", key, err)
	}
	return s.SetRaw(key, raw)
}

// SetRaw persists an already-serialized value and notifies observers.
func (s *Store) SetRaw(key string, raw json.RawMessage) error {
	err := s.setRaw(key, raw)
	s.record("set", err)
	return err
}

func (s *Store) setRaw(key string, raw json.RawMessage) error {
	if err := validKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeFile(key, raw); err != nil {
		return err
	}

	old := s.cache[key]
	s.cache[key] = raw
	s.notify(Change{Key: key, Old: old, New: raw})
	return nil
}

// Remove deletes a key and notifies observers. Removing an absent key is a
// no-op.
func (s *Store) Remove(key string) error {
	err := s.remove(key)
	s.record("remove", err)
	return err
}

func (s *Store) remove(key string) error {
	if err := validKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.cache[key]
	if !ok {
		return nil
	}

	if err := os.Remove(s.keyPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %q: %w", key, err)
	}

	delete(s.cache, key)
	s.notify(Change{Key: key, Old: old})
	return nil
}

// Subscribe registers an observer for all subsequent changes. The returned
// function unsubscribes and is safe to call more than once.
func (s *Store) Subscribe(fn Observer) func() {
	s.mu.Lock()
	idx := s.nextSub
	s.nextSub++
	s.subs[idx] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, idx)
			s.mu.Unlock()
		})
	}
}

// Keys returns all present keys.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.cache))
	for k := range s.cache {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(map[string]json.RawMessage, len(s.cache))
	for k, v := range s.cache {
		snap[k] = v
	}
	return snap
}

// notify runs under s.mu so observers see changes in write order.
func (s *Store) notify(change Change) {
	for _, fn := range s.subs {
		fn(change)
	}
}

// writeFile writes the value through a temp file and renames it into place.
func (s *Store) writeFile(key string, raw json.RawMessage) error {
	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to stage %q: %w", key, err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to flush %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), s.keyPath(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to commit %q: %w", key, err)
	}
	return nil
}

func (s *Store) keyPath(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return fmt.Errorf("invalid store key %q", key)
	}
	return nil
}

func marshal(value interface{}) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	return sonic.Marshal(value)
}
