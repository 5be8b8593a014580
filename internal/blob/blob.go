// Package blob implements a content-addressed store for message bodies.
//
// Contents are immutable and keyed by their BLAKE3 hash; envelopes hold
// references, and the bytes are only removed once the last reference is
// dropped.
package blob

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"lukechampine.com/blake3"

	"github.com/arrieromail/arriero/internal/kv"
	"github.com/arrieromail/arriero/internal/metrics"
)

// Exported metrics.
var (
	blobsWritten = metrics.NewCounter("blob", "written_total",
		"count of blobs written to the store")
	blobsEvicted = metrics.NewCounter("blob", "evicted_total",
		"count of blobs removed after their last reference was dropped")
)

// ErrNotFound is returned when the requested blob does not exist.
var ErrNotFound = errors.New("blob not found")

// Ref is a reference to a stored blob: the hex-encoded BLAKE3 hash of its
// contents.
type Ref string

// Hash the given content into a Ref.
func Hash(data []byte) Ref {
	sum := blake3.Sum256(data)
	return Ref(hex.EncodeToString(sum[:]))
}

// Store keeps reference-counted, content-addressed blobs.
type Store struct {
	st kv.Store

	// Serializes refcount read-modify-write cycles.
	mu sync.Mutex
}

// New creates a blob store over the given backend.
func New(st kv.Store) *Store {
	return &Store{st: st}
}

func dataKey(ref Ref) string {
	return "data/" + string(ref)
}

func countKey(ref Ref) string {
	return "refs/" + string(ref)
}

// Put stores the given contents (if not already present), takes one
// reference on them, and returns the reference.
func (s *Store) Put(data []byte) (Ref, error) {
	ref := Hash(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	count, err := s.count(ref)
	if err != nil {
		return "", err
	}

	if count == 0 {
		if err := s.st.Put(dataKey(ref), data); err != nil {
			return "", err
		}
		blobsWritten.Inc()
	}

	return ref, s.setCount(ref, count+1)
}

// Get the contents for the given reference.
func (s *Store) Get(ref Ref) ([]byte, error) {
	data, err := s.st.Get(dataKey(ref))
	if err == kv.ErrNotFound {
		return nil, ErrNotFound
	}
	return data, err
}

// AddRef takes an additional reference on the given blob.
func (s *Store) AddRef(ref Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	count, err := s.count(ref)
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}

	return s.setCount(ref, count+1)
}

// Release drops one reference on the given blob, removing the contents when
// the last one is gone. Releasing an unknown reference is not an error, so
// error paths can release unconditionally.
func (s *Store) Release(ref Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	count, err := s.count(ref)
	if err != nil {
		return err
	}

	switch {
	case count == 0:
		return nil
	case count == 1:
		if err := s.st.Delete(dataKey(ref)); err != nil {
			return err
		}
		blobsEvicted.Inc()
		return s.st.Delete(countKey(ref))
	default:
		return s.setCount(ref, count-1)
	}
}

// RefCount returns the current number of references on the blob.
func (s *Store) RefCount(ref Ref) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count(ref)
}

func (s *Store) count(ref Ref) (uint64, error) {
	v, err := s.st.Get(countKey(ref))
	if err == kv.ErrNotFound {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("corrupt refcount for %s", ref)
	}
	return binary.BigEndian.Uint64(v), nil
}

func (s *Store) setCount(ref Ref, count uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, count)
	return s.st.Put(countKey(ref), buf)
}
