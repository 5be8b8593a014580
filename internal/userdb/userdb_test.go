package userdb

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arrieromail/arriero/internal/testlib"
)

func dbFile(t *testing.T) string {
	t.Helper()
	dir := testlib.MustTempDir(t)
	return filepath.Join(dir, "users")
}

func TestEmptyLoad(t *testing.T) {
	// Loading a non-existent file gives an empty, usable database.
	db, err := Load(dbFile(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if db.Len() != 0 {
		t.Errorf("expected empty database")
	}
	if db.Authenticate("nobody", "password") {
		t.Errorf("authenticated against empty database")
	}
}

func TestAddAuthenticate(t *testing.T) {
	fname := dbFile(t)
	db := New(fname)

	if err := db.AddUser("pepe", "contraseña"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	if !db.Authenticate("pepe", "contraseña") {
		t.Errorf("valid password rejected")
	}
	if db.Authenticate("pepe", "wrong") {
		t.Errorf("invalid password accepted")
	}
	if db.Authenticate("otro", "contraseña") {
		t.Errorf("unknown user accepted")
	}

	if !db.Exists("pepe") {
		t.Errorf("user should exist")
	}

	// SCRYPT does not keep the plain password.
	if _, ok := db.PlainPassword("pepe"); ok {
		t.Errorf("scrypt entry returned a plain password")
	}
}

func TestWriteAndReload(t *testing.T) {
	fname := dbFile(t)
	db := New(fname)

	db.AddUser("pepe", "secret1")
	db.AddUserPlain("juana", "secret2")

	if err := db.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}

	db2, err := Load(fname)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !db2.Authenticate("pepe", "secret1") {
		t.Errorf("pepe failed to authenticate after reload")
	}
	if !db2.Authenticate("juana", "secret2") {
		t.Errorf("juana failed to authenticate after reload")
	}

	// PLAIN entries keep the plain password (needed for CRAM-MD5).
	if p, ok := db2.PlainPassword("juana"); !ok || p != "secret2" {
		t.Errorf("PlainPassword: got %q, %v", p, ok)
	}

	// Reload picks up external changes.
	content, _ := os.ReadFile(fname)
	newContent := strings.Replace(string(content), "pepe", "pepa", 1)
	testlib.Rewrite(t, fname, newContent)

	if err := db2.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if db2.Exists("pepe") {
		t.Errorf("pepe should be gone after reload")
	}
	if !db2.Exists("pepa") {
		t.Errorf("pepa should exist after reload")
	}
}

func TestInvalidUsernames(t *testing.T) {
	db := New(dbFile(t))

	invalid := []string{
		"a b", "ñaca ñaca", "a\tb", "MAYUS",
	}
	for _, name := range invalid {
		if err := db.AddUser(name, "p"); err == nil {
			t.Errorf("AddUser(%q) worked, expected an error", name)
		}
	}
}

func TestCorruptFiles(t *testing.T) {
	dir := testlib.MustTempDir(t)
	cases := []string{
		"pepe\n",                     // Missing scheme.
		"pepe UNKNOWN x\n",           // Unknown scheme.
		"pepe PLAIN\n",               // Missing field.
		"pepe PLAIN not-base64!!!\n", // Bad base64.
		"pepe SCRYPT 1 2 3\n",        // Too few fields.
		"pepe SCRYPT 99 8 1 32 c2FsdA== a2V5\n", // logN out of range.
	}

	for i, content := range cases {
		fname := filepath.Join(dir, "users")
		testlib.Rewrite(t, fname, content)
		if _, err := Load(fname); err == nil {
			t.Errorf("case %d: expected load error, got nil", i)
		}
	}

	// Comments and empty lines are fine.
	fname := filepath.Join(dir, "users")
	testlib.Rewrite(t, fname, "# comment\n\n")
	if _, err := Load(fname); err != nil {
		t.Errorf("comments/empty: %v", err)
	}
}

func TestRemoveUser(t *testing.T) {
	db := New(dbFile(t))
	db.AddUser("pepe", "p")

	if !db.RemoveUser("pepe") {
		t.Errorf("RemoveUser on existing user returned false")
	}
	if db.RemoveUser("pepe") {
		t.Errorf("RemoveUser on missing user returned true")
	}
	if db.Exists("pepe") {
		t.Errorf("user still exists after removal")
	}
}
