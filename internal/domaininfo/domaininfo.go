// Package domaininfo implements a domain information database, to keep
// track of things we know about a particular domain.
//
// Today that is the security level we have seen in each direction, which
// lets us prevent TLS downgrade attacks: once a domain has authenticated
// with TLS (or we have delivered to it over verified TLS), we refuse to go
// back to something weaker.
package domaininfo

import (
	"fmt"
	"sync"

	"github.com/arrieromail/arriero/internal/kv"
	"github.com/arrieromail/arriero/internal/trace"
)

// SecLevel is a connection security level. Order matters: higher values
// are stronger, and we never accept a downgrade.
type SecLevel uint8

// Valid security levels.
const (
	SecLevelPlain SecLevel = iota
	SecLevelTLSInsecure
	SecLevelTLSClient
	SecLevelTLSSecure
)

func (l SecLevel) String() string {
	switch l {
	case SecLevelPlain:
		return "plain"
	case SecLevelTLSInsecure:
		return "tls-insecure"
	case SecLevelTLSClient:
		return "tls-client"
	case SecLevelTLSSecure:
		return "tls-secure"
	}
	return "unknown"
}

const storeVersion = 1

type domainInfo struct {
	incoming SecLevel
	outgoing SecLevel
}

// DB represents the persistent domain information database.
type DB struct {
	store kv.Store

	info map[string]*domainInfo
	sync.Mutex
}

// New opens a domain information database over the given store, loading
// its previous contents.
func New(store kv.Store) (*DB, error) {
	db := &DB{
		store: store,
		info:  map[string]*domainInfo{},
	}

	err := db.Reload()
	if err != nil {
		return nil, err
	}

	return db, nil
}

// Reload the database from disk.
func (db *DB) Reload() error {
	tr := trace.New("DomainInfo.Reload", "reload")
	defer tr.Finish()

	db.Lock()
	defer db.Unlock()

	db.info = map[string]*domainInfo{}

	err := db.store.ScanRange("dom/", "dom0", func(key string, value []byte) bool {
		if len(value) != 3 || value[0] != storeVersion {
			tr.Errorf("skipping corrupt entry %q", key)
			return true
		}
		db.info[key[len("dom/"):]] = &domainInfo{
			incoming: SecLevel(value[1]),
			outgoing: SecLevel(value[2]),
		}
		return true
	})
	if err != nil {
		return err
	}

	tr.Debugf("loaded %d domains", len(db.info))
	return nil
}

func (db *DB) write(tr *trace.Trace, domain string, d *domainInfo) {
	value := []byte{storeVersion, byte(d.incoming), byte(d.outgoing)}
	err := db.store.Put("dom/"+domain, value)
	if err != nil {
		tr.Error(err)
	} else {
		tr.Debugf("saved %s", domain)
	}
}

// IncomingSecLevel checks an incoming security level for the domain.
// Returns true if allowed, false otherwise.
func (db *DB) IncomingSecLevel(tr *trace.Trace, domain string, level SecLevel) bool {
	return db.check(tr, domain, level, false)
}

// OutgoingSecLevel checks an outgoing security level for the domain.
// Returns true if allowed, false otherwise.
func (db *DB) OutgoingSecLevel(tr *trace.Trace, domain string, level SecLevel) bool {
	return db.check(tr, domain, level, true)
}

func (db *DB) check(tr *trace.Trace, domain string, level SecLevel, outgoing bool) bool {
	dir := "incoming"
	if outgoing {
		dir = "outgoing"
	}

	db.Lock()
	defer db.Unlock()

	d, exists := db.info[domain]
	if !exists {
		d = &domainInfo{}
		db.info[domain] = d
		defer db.write(tr, domain, d)
	}

	cur := &d.incoming
	if outgoing {
		cur = &d.outgoing
	}

	switch {
	case level < *cur:
		tr.Errorf("%s %s denied: %s < %s", domain, dir, level, *cur)
		return false
	case level == *cur:
		tr.Debugf("%s %s allowed: %s == %s", domain, dir, level, *cur)
		return true
	default:
		tr.Printf("%s %s level raised: %s > %s", domain, dir, level, *cur)
		*cur = level
		if exists {
			defer db.write(tr, domain, d)
		}
		return true
	}
}

// Clear the information for the given domain. Returns whether it existed.
// Useful when a domain legitimately loses its TLS setup, and the operator
// needs to let it in again.
func (db *DB) Clear(tr *trace.Trace, domain string) bool {
	db.Lock()
	defer db.Unlock()

	_, exists := db.info[domain]
	if exists {
		delete(db.info, domain)
		if err := db.store.Delete("dom/" + domain); err != nil {
			tr.Error(fmt.Errorf("failed to delete %q: %v", domain, err))
		}
	}
	return exists
}
