package kv

import (
	"testing"

	"github.com/arrieromail/arriero/internal/testlib"
)

func mustStore(t *testing.T) *DirStore {
	t.Helper()
	dir := testlib.MustTempDir(t)
	s, err := NewDirStore(dir)
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}
	return s
}

func TestBasic(t *testing.T) {
	s := mustStore(t)

	if _, err := s.Get("missing"); err != ErrNotFound {
		t.Errorf("Get missing: expected ErrNotFound, got %v", err)
	}

	if err := s.Put("k1", []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	v, err := s.Get("k1")
	if err != nil || string(v) != "v1" {
		t.Errorf("Get k1: got %q, %v", v, err)
	}

	if err := s.Delete("k1"); err != nil {
		t.Errorf("Delete: %v", err)
	}
	if err := s.Delete("k1"); err != nil {
		t.Errorf("Delete (again): %v", err)
	}
	if _, err := s.Get("k1"); err != ErrNotFound {
		t.Errorf("Get after delete: expected ErrNotFound, got %v", err)
	}
}

func TestWeirdKeys(t *testing.T) {
	s := mustStore(t)

	// Keys with characters that need escaping on the filesystem.
	keys := []string{"a/b", "../../x", "a b", "ñaca", "00:11"}
	for _, k := range keys {
		if err := s.Put(k, []byte(k)); err != nil {
			t.Fatalf("Put %q: %v", k, err)
		}
		v, err := s.Get(k)
		if err != nil || string(v) != k {
			t.Errorf("Get %q: got %q, %v", k, v, err)
		}
	}
}

func TestScanRange(t *testing.T) {
	s := mustStore(t)

	for _, k := range []string{"a", "b", "c", "d"} {
		if err := s.Put(k, []byte("v-"+k)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	got := []string{}
	err := s.ScanRange("b", "d", func(k string, v []byte) bool {
		got = append(got, k)
		return true
	})
	if err != nil {
		t.Fatalf("ScanRange: %v", err)
	}
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("ScanRange: got %v, expected [b c]", got)
	}

	// Empty end means "no upper bound".
	got = nil
	err = s.ScanRange("c", "", func(k string, v []byte) bool {
		got = append(got, k)
		return true
	})
	if err != nil {
		t.Fatalf("ScanRange: %v", err)
	}
	if len(got) != 2 || got[0] != "c" || got[1] != "d" {
		t.Errorf("ScanRange open-ended: got %v, expected [c d]", got)
	}

	// Early stop.
	got = nil
	err = s.ScanRange("", "", func(k string, v []byte) bool {
		got = append(got, k)
		return false
	})
	if err != nil {
		t.Fatalf("ScanRange: %v", err)
	}
	if len(got) != 1 || got[0] != "a" {
		t.Errorf("ScanRange early stop: got %v, expected [a]", got)
	}
}

func TestCompareAndSwap(t *testing.T) {
	s := mustStore(t)

	// Create-if-missing: old == nil.
	if err := s.CompareAndSwap("k", nil, []byte("v1")); err != nil {
		t.Fatalf("CAS create: %v", err)
	}

	// Mismatched old value.
	if err := s.CompareAndSwap("k", []byte("bad"), []byte("v2")); err != ErrCASMismatch {
		t.Errorf("CAS mismatch: expected ErrCASMismatch, got %v", err)
	}

	// Matching old value.
	if err := s.CompareAndSwap("k", []byte("v1"), []byte("v2")); err != nil {
		t.Errorf("CAS swap: %v", err)
	}

	v, err := s.Get("k")
	if err != nil || string(v) != "v2" {
		t.Errorf("Get after CAS: got %q, %v", v, err)
	}
}
