package domaininfo

import (
	"testing"

	"github.com/arrieromail/arriero/internal/kv"
	"github.com/arrieromail/arriero/internal/testlib"
	"github.com/arrieromail/arriero/internal/trace"
)

func mustDB(t *testing.T) (*DB, kv.Store) {
	t.Helper()
	dir := testlib.MustTempDir(t)
	store, err := kv.NewDirStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	db, err := New(store)
	if err != nil {
		t.Fatal(err)
	}
	return db, store
}

func TestBasic(t *testing.T) {
	tr := trace.New("test", "TestBasic")
	defer tr.Finish()

	db, _ := mustDB(t)

	// First contact locks in the level.
	if !db.IncomingSecLevel(tr, "d1", SecLevelPlain) {
		t.Errorf("new domain denied")
	}

	// Same level is fine; a higher one raises; a lower one is denied.
	if !db.IncomingSecLevel(tr, "d1", SecLevelPlain) {
		t.Errorf("same level denied")
	}
	if !db.IncomingSecLevel(tr, "d1", SecLevelTLSClient) {
		t.Errorf("raise denied")
	}
	if db.IncomingSecLevel(tr, "d1", SecLevelPlain) {
		t.Errorf("downgrade allowed")
	}

	// Incoming and outgoing levels are independent.
	if !db.OutgoingSecLevel(tr, "d1", SecLevelPlain) {
		t.Errorf("outgoing plain denied")
	}
}

func TestPersistence(t *testing.T) {
	tr := trace.New("test", "TestPersistence")
	defer tr.Finish()

	db, store := mustDB(t)
	db.OutgoingSecLevel(tr, "d1", SecLevelTLSSecure)

	// A new DB over the same store keeps the knowledge.
	db2, err := New(store)
	if err != nil {
		t.Fatal(err)
	}
	if db2.OutgoingSecLevel(tr, "d1", SecLevelPlain) {
		t.Errorf("downgrade allowed after reload")
	}
	if !db2.OutgoingSecLevel(tr, "d1", SecLevelTLSSecure) {
		t.Errorf("stored level denied after reload")
	}
}

func TestClear(t *testing.T) {
	tr := trace.New("test", "TestClear")
	defer tr.Finish()

	db, _ := mustDB(t)
	db.IncomingSecLevel(tr, "d1", SecLevelTLSSecure)

	if !db.Clear(tr, "d1") {
		t.Errorf("Clear on existing domain returned false")
	}
	if db.Clear(tr, "d1") {
		t.Errorf("Clear on missing domain returned true")
	}

	// After clearing, lower levels are accepted again.
	if !db.IncomingSecLevel(tr, "d1", SecLevelPlain) {
		t.Errorf("plain denied after clear")
	}
}
