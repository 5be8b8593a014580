package kv

import (
	"bytes"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/arrieromail/arriero/internal/safeio"
)

// DirStore is a Store backed by a directory, one file per key.
// Keys are url-encoded to make them file-system safe. Writes are atomic.
type DirStore struct {
	dir string

	// Serializes read-modify-write operations (CompareAndSwap).
	mu sync.Mutex
}

// NewDirStore opens (creating if needed) a directory-backed store.
func NewDirStore(dir string) (*DirStore, error) {
	err := os.MkdirAll(dir, 0700)
	return &DirStore{dir: dir}, err
}

func (s *DirStore) pathFor(key string) string {
	return filepath.Join(s.dir, "k:"+url.QueryEscape(key))
}

func keyFromName(name string) (string, bool) {
	if !strings.HasPrefix(name, "k:") {
		return "", false
	}
	key, err := url.QueryUnescape(name[2:])
	if err != nil {
		return "", false
	}
	return key, true
}

// Get the value for the given key.
func (s *DirStore) Get(key string) ([]byte, error) {
	v, err := os.ReadFile(s.pathFor(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return v, err
}

// Put a value under the given key.
func (s *DirStore) Put(key string, value []byte) error {
	return safeio.WriteFile(s.pathFor(key), value, 0600)
}

// Delete the given key.
func (s *DirStore) Delete(key string) error {
	err := os.Remove(s.pathFor(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ScanRange calls f for each key in [start, end), in order.
func (s *DirStore) ScanRange(start, end string, f func(key string, value []byte) bool) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	keys := []string{}
	for _, e := range entries {
		key, ok := keyFromName(e.Name())
		if !ok {
			continue
		}
		if key < start || (end != "" && key >= end) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		v, err := s.Get(key)
		if err == ErrNotFound {
			// Deleted between listing and read; skip it.
			continue
		} else if err != nil {
			return err
		}
		if !f(key, v) {
			break
		}
	}

	return nil
}

// CompareAndSwap sets key to new only if its current value equals old.
func (s *DirStore) CompareAndSwap(key string, old, new []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.Get(key)
	if err == ErrNotFound {
		cur = nil
	} else if err != nil {
		return err
	}

	if !bytes.Equal(cur, old) {
		return ErrCASMismatch
	}

	return s.Put(key, new)
}
