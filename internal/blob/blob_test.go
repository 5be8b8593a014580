package blob

import (
	"bytes"
	"testing"

	"github.com/arrieromail/arriero/internal/kv"
	"github.com/arrieromail/arriero/internal/testlib"
)

func mustStore(t *testing.T) *Store {
	t.Helper()
	dir := testlib.MustTempDir(t)
	st, err := kv.NewDirStore(dir)
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}
	return New(st)
}

func TestPutGetRelease(t *testing.T) {
	s := mustStore(t)
	data := []byte("message contents\r\n")

	ref, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Same contents give the same reference.
	ref2, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put (again): %v", err)
	}
	if ref != ref2 {
		t.Errorf("same content, different refs: %q != %q", ref, ref2)
	}

	if count, _ := s.RefCount(ref); count != 2 {
		t.Errorf("expected refcount 2, got %d", count)
	}

	got, err := s.Get(ref)
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("Get: got %q, %v", got, err)
	}

	// First release keeps the data (one reference left).
	if err := s.Release(ref); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := s.Get(ref); err != nil {
		t.Errorf("Get after first release: %v", err)
	}

	// Second release evicts.
	if err := s.Release(ref); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := s.Get(ref); err != ErrNotFound {
		t.Errorf("Get after last release: expected ErrNotFound, got %v", err)
	}

	// Releasing an unknown ref is not an error.
	if err := s.Release(ref); err != nil {
		t.Errorf("Release unknown: %v", err)
	}
}

func TestAddRef(t *testing.T) {
	s := mustStore(t)

	if err := s.AddRef(Hash([]byte("never stored"))); err != ErrNotFound {
		t.Errorf("AddRef on missing blob: expected ErrNotFound, got %v", err)
	}

	ref, err := s.Put([]byte("data"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.AddRef(ref); err != nil {
		t.Fatalf("AddRef: %v", err)
	}
	if count, _ := s.RefCount(ref); count != 2 {
		t.Errorf("expected refcount 2, got %d", count)
	}
}

func TestHashIsStable(t *testing.T) {
	// The hash is part of the on-disk format, it must not change between
	// runs or versions.
	if Hash([]byte("abc")) != Hash([]byte("abc")) {
		t.Errorf("hash is not deterministic")
	}
	if Hash([]byte("abc")) == Hash([]byte("abd")) {
		t.Errorf("different contents, same hash")
	}
}
