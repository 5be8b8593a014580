// Package userdb implements a simple user database.
//
// # Format
//
// The user database is a plain text file, one user per line, with
// space-separated fields:
//
//	<user> SCRYPT <logN> <r> <p> <keyLen> <salt-b64> <key-b64>
//	<user> PLAIN <password-b64>
//
// Lines starting with "#" are ignored, as well as empty lines.
// We use text instead of binary to make it easier for administrators to
// troubleshoot, and since performance is not an issue for our expected
// usage.
//
// Users must be UTF-8 and NOT contain whitespace; the library will enforce
// this.
//
// # Schemes
//
// The default scheme is SCRYPT, with hard-coded parameters. The API does
// not allow the user to change this, at least for now.
// A PLAIN scheme is also supported for debugging purposes, and because
// challenge-response authentication mechanisms need access to the plain
// password.
//
// # Writing
//
// The functions that write a database file will not preserve ordering,
// invalid lines, empty lines, or any formatting.
//
// It is also not safe for concurrent use from different processes.
package userdb

import (
	"bufio"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"

	"github.com/arrieromail/arriero/internal/normalize"
	"github.com/arrieromail/arriero/internal/safeio"
)

var errInvalidUsername = errors.New("invalid username")

// password is a scheme-tagged secret that can be matched against.
type password interface {
	matches(plain string) bool

	// plainPassword returns the plain-text password if the scheme stores
	// it, for challenge-response mechanisms. ok is false otherwise.
	plainPassword() (p string, ok bool)

	// String returns the fields after the username, for serialization.
	String() string
}

// DB represents a single user database.
type DB struct {
	fname string
	users map[string]password

	// Lock protecting users.
	mu sync.RWMutex
}

// New returns a new user database, on the given file name.
func New(fname string) *DB {
	return &DB{
		fname: fname,
		users: map[string]password{},
	}
}

// Load the database from the given file.
// Return the database, and a fatal error if the database could not be
// loaded.
func Load(fname string) (*DB, error) {
	db := New(fname)

	f, err := os.Open(fname)
	if err != nil {
		// A missing file results in an empty but usable database, so a
		// domain can be configured before its users exist.
		if os.IsNotExist(err) {
			return db, nil
		}
		return db, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			return db, fmt.Errorf("line %d: malformed entry", lineNo)
		}

		p, err := passwordFromFields(fields[1], fields[2:])
		if err != nil {
			return db, fmt.Errorf("line %d: %v", lineNo, err)
		}
		db.users[fields[0]] = p
	}

	return db, scanner.Err()
}

func passwordFromFields(scheme string, fields []string) (password, error) {
	switch scheme {
	case "SCRYPT":
		return scryptFromFields(fields)
	case "PLAIN":
		return plainFromFields(fields)
	default:
		return nil, fmt.Errorf("unknown scheme %q", scheme)
	}
}

// Reload the database, refreshing its contents from the current file on
// disk. If there are errors reading from the file, they are returned and
// the database is not changed.
func (db *DB) Reload() error {
	newdb, err := Load(db.fname)
	if err != nil {
		return err
	}

	db.mu.Lock()
	db.users = newdb.users
	db.mu.Unlock()

	return nil
}

// Write the database to disk. It will do a complete rewrite each time, and
// is not safe to call it from different processes in parallel.
func (db *DB) Write() error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	names := make([]string, 0, len(db.users))
	for name := range db.users {
		names = append(names, name)
	}
	sort.Strings(names)

	buf := &strings.Builder{}
	for _, name := range names {
		fmt.Fprintf(buf, "%s %s\n", name, db.users[name])
	}

	return safeio.WriteFile(db.fname, []byte(buf.String()), 0660)
}

// Authenticate returns true if the password is valid for the user, false
// otherwise.
func (db *DB) Authenticate(name, plainPassword string) bool {
	db.mu.RLock()
	p, ok := db.users[name]
	db.mu.RUnlock()

	if !ok {
		return false
	}

	return p.matches(plainPassword)
}

// PlainPassword returns the plain-text password for the user, if (and only
// if) it is stored in a scheme that keeps it.
func (db *DB) PlainPassword(name string) (string, bool) {
	db.mu.RLock()
	p, ok := db.users[name]
	db.mu.RUnlock()

	if !ok {
		return "", false
	}
	return p.plainPassword()
}

// AddUser to the database. If the user is already present, override it.
// Note we enforce that the name has been normalized previously.
func (db *DB) AddUser(name, plainPassword string) error {
	if norm, err := normalize.User(name); err != nil || name != norm {
		return errInvalidUsername
	}
	if strings.ContainsAny(name, " \t") {
		return errInvalidUsername
	}

	s := &scryptPassword{
		// Use hard-coded standard parameters for now.
		// Follow the recommendations from the scrypt paper.
		logN: 14, r: 8, p: 1, keyLen: 32,

		salt: make([]byte, 16),
	}

	n, err := rand.Read(s.salt)
	if n != 16 || err != nil {
		return fmt.Errorf("failed to get salt - %d - %v", n, err)
	}

	s.encrypted, err = scrypt.Key([]byte(plainPassword), s.salt,
		1<<s.logN, s.r, s.p, s.keyLen)
	if err != nil {
		return fmt.Errorf("scrypt failed: %v", err)
	}

	db.mu.Lock()
	db.users[name] = s
	db.mu.Unlock()

	return nil
}

// AddUserPlain adds the user with a PLAIN scheme password. Only useful when
// challenge-response authentication is required for the user, as the
// password is stored in clear text.
func (db *DB) AddUserPlain(name, plainPassword string) error {
	if norm, err := normalize.User(name); err != nil || name != norm {
		return errInvalidUsername
	}

	db.mu.Lock()
	db.users[name] = plainScheme(plainPassword)
	db.mu.Unlock()

	return nil
}

// RemoveUser from the database. Returns True if the user was there, False
// otherwise.
func (db *DB) RemoveUser(name string) bool {
	db.mu.Lock()
	_, present := db.users[name]
	delete(db.users, name)
	db.mu.Unlock()
	return present
}

// Exists returns true if the user is present, false otherwise.
func (db *DB) Exists(name string) bool {
	db.mu.RLock()
	_, present := db.users[name]
	db.mu.RUnlock()
	return present
}

// Len returns the number of users in the database.
func (db *DB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.users)
}

///////////////////////////////////////////////////////////
// Encryption schemes
//

// plainScheme stores the password as-is.
// Useful mostly for testing, debugging, and CRAM-MD5 users.
type plainScheme string

func plainFromFields(fields []string) (password, error) {
	if len(fields) != 1 {
		return nil, errors.New("PLAIN: expected 1 field")
	}
	p, err := base64.StdEncoding.DecodeString(fields[0])
	if err != nil {
		return nil, fmt.Errorf("PLAIN: %v", err)
	}
	return plainScheme(p), nil
}

func (p plainScheme) matches(plain string) bool {
	return subtle.ConstantTimeCompare([]byte(plain), []byte(p)) == 1
}

func (p plainScheme) plainPassword() (string, bool) {
	return string(p), true
}

func (p plainScheme) String() string {
	return "PLAIN " + base64.StdEncoding.EncodeToString([]byte(p))
}

// scryptPassword is the scheme we use by default.
type scryptPassword struct {
	logN      int
	r, p      int
	keyLen    int
	salt      []byte
	encrypted []byte
}

func scryptFromFields(fields []string) (password, error) {
	if len(fields) != 6 {
		return nil, errors.New("SCRYPT: expected 6 fields")
	}

	s := &scryptPassword{}
	var err error
	ints := []*int{&s.logN, &s.r, &s.p, &s.keyLen}
	for i, dst := range ints {
		*dst, err = strconv.Atoi(fields[i])
		if err != nil {
			return nil, fmt.Errorf("SCRYPT: bad parameter %d: %v", i, err)
		}
	}

	// Sanity-check the parameters, so an adversarial database file cannot
	// make us allocate unbounded memory.
	if s.logN <= 0 || s.logN > 24 || s.r <= 0 || s.r > 64 ||
		s.p <= 0 || s.p > 16 || s.keyLen < 16 || s.keyLen > 256 {
		return nil, errors.New("SCRYPT: parameters out of range")
	}

	s.salt, err = base64.StdEncoding.DecodeString(fields[4])
	if err != nil {
		return nil, fmt.Errorf("SCRYPT: bad salt: %v", err)
	}
	s.encrypted, err = base64.StdEncoding.DecodeString(fields[5])
	if err != nil {
		return nil, fmt.Errorf("SCRYPT: bad key: %v", err)
	}

	return s, nil
}

func (s *scryptPassword) matches(plain string) bool {
	dk, err := scrypt.Key([]byte(plain), s.salt,
		1<<s.logN, s.r, s.p, s.keyLen)
	if err != nil {
		// The parameters were validated at load time, so something went
		// really wrong.
		return false
	}

	// This comparison should be high enough up the stack that it doesn't
	// matter, but do it in constant time just in case.
	return subtle.ConstantTimeCompare(dk, s.encrypted) == 1
}

func (s *scryptPassword) plainPassword() (string, bool) {
	return "", false
}

func (s *scryptPassword) String() string {
	return fmt.Sprintf("SCRYPT %d %d %d %d %s %s",
		s.logN, s.r, s.p, s.keyLen,
		base64.StdEncoding.EncodeToString(s.salt),
		base64.StdEncoding.EncodeToString(s.encrypted))
}
