package bridge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// ThreadStore persists thread_key → Slack thread ts, so notifications for
// the same task keep replying to the same thread across restarts.
type ThreadStore struct {
	path string

	mu sync.Mutex
	m  map[string]ThreadRef
}

// ThreadRef locates a Slack thread.
type ThreadRef struct {
	Channel string `json:"channel"`
	TS      string `json:"ts"`
}

// OpenThreadStore loads (or initializes) tracking/threads.json.
func OpenThreadStore(path string) (*ThreadStore, error) {
	s := &ThreadStore{path: path, m: make(map[string]ThreadRef)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &s.m); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the thread for a key.
func (s *ThreadStore) Get(key string) (ThreadRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.m[key]
	return ref, ok
}

// Put records a thread for a key and persists immediately.
func (s *ThreadStore) Put(key string, ref ThreadRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = ref
	data, err := json.MarshalIndent(s.m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}

// IsBotThread reports whether ts is the root of a thread we started.
func (s *ThreadStore) IsBotThread(channel, ts string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ref := range s.m {
		if ref.Channel == channel && ref.TS == ts {
			return true
		}
	}
	return false
}
