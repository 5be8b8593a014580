// Package aliases implements an email aliases resolver.
//
// The resolver can parse many files for different domains, and perform
// lookups to resolve the aliases.
//
// # File format
//
// It generally follows the traditional aliases format used by sendmail and
// exim.
//
// The file can contain lines of the form:
//
//	user: address, address
//	user: | command
//
// Lines starting with "#" are ignored, as well as empty lines.
// User names cannot contain spaces, ":" or commas, for parsing reasons.
// This is a tradeoff between flexibility and keeping the file format easy
// to edit for people.
//
// User names will be normalized internally to lower-case.
//
// Usually there will be one database per domain, and there's no need to
// include the "@" in the user (in this case, "@" will be forbidden).
//
// The special user "_" is the catch-all for the domain: mail for users
// which otherwise do not exist goes there.
//
// # Recipients
//
// Recipients can be of different types:
//   - Email: the usual user@domain we all know and love, this is the
//     default.
//   - Pipe: if the right side starts with "| ", the rest of the line
//     specifies a command to pipe the email through.
//     Command and arguments are space separated. No quoting, escaping, or
//     replacements of any kind.
//
// # Lookups
//
// The resolver will perform lookups recursively, until it finds all the
// final recipients.
//
// There are recursion limits to avoid alias loops. If the limit is
// reached, the entire resolution will fail.
//
// # Suffix removal
//
// The resolver can also remove suffixes from emails, and drop characters
// completely. This can be used to turn "user+blah@domain" into
// "user@domain", and "us.er@domain" into "user@domain".
//
// Both are optional, and the characters configurable globally.
package aliases

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/arrieromail/arriero/internal/envelope"
	"github.com/arrieromail/arriero/internal/normalize"
	"github.com/arrieromail/arriero/internal/trace"
)

// Recipient represents a single recipient, after resolving aliases.
// They don't have any special interface, the callers will do a type switch
// anyway.
type Recipient struct {
	Addr string
	Type RType
}

// RType represents a recipient type, see the constants below for valid
// values.
type RType string

// Valid recipient types.
const (
	EMAIL RType = "(email)"
	PIPE  RType = "(pipe)"
)

// Special username used to define the catch-all addresses.
const catchAllUser = "_"

var (
	// ErrRecursionLimitExceeded is returned when the resolving lookup
	// exceeded the recursion limit. Usually caused by aliases loops.
	ErrRecursionLimitExceeded = fmt.Errorf("recursion limit exceeded")

	// How many levels of recursions we allow during lookups.
	// We don't expect much recursion, so keeping this low to catch errors
	// quickly.
	recursionLimit = 10
)

// Resolver represents the aliases resolver.
type Resolver struct {
	// Suffix separator, to perform suffix removal.
	SuffixSep string

	// Characters to drop from the user part.
	DropChars string

	// Function to check if a user exists in the userdb, used during
	// catch-all resolution.
	userExists func(user, domain string) (bool, error)

	// Map of domain -> alias files for that domain.
	// We keep track of them for reloading purposes.
	files   map[string][]string
	domains map[string]bool

	// Map of address -> aliases.
	aliases map[string][]Recipient

	// Mutex protecting the structure.
	mu sync.Mutex
}

// NewResolver returns a new, empty Resolver.
func NewResolver(userExists func(user, domain string) (bool, error)) *Resolver {
	return &Resolver{
		userExists: userExists,

		files:   map[string][]string{},
		domains: map[string]bool{},
		aliases: map[string][]Recipient{},
	}
}

// Resolve the given address, returning the list of corresponding recipients
// (if any).
func (v *Resolver) Resolve(tr *trace.Trace, addr string) ([]Recipient, error) {
	tr = tr.NewChild("Aliases.Resolve", addr)
	defer tr.Finish()
	return v.resolve(0, addr, tr)
}

// Exists checks if the address exists in the database.
func (v *Resolver) Exists(tr *trace.Trace, addr string) bool {
	tr = tr.NewChild("Aliases.Exists", addr)
	defer tr.Finish()

	addr = v.RemoveDropsAndSuffix(addr)

	v.mu.Lock()
	_, ok := v.aliases[addr]
	catchAll := v.catchAllFor(envelope.DomainOf(addr))
	v.mu.Unlock()

	return ok || catchAll != ""
}

// catchAllFor returns the catch-all address for the domain, or "".
// Caller must hold v.mu.
func (v *Resolver) catchAllFor(domain string) string {
	if _, ok := v.aliases[catchAllUser+"@"+domain]; ok {
		return catchAllUser + "@" + domain
	}
	return ""
}

func (v *Resolver) resolve(rcount int, addr string, tr *trace.Trace) ([]Recipient, error) {
	if rcount >= recursionLimit {
		return nil, ErrRecursionLimitExceeded
	}

	// Drop suffixes and chars to get the "clean" address before resolving.
	// This also means that we will return the clean version if there's no
	// match, which our callers can rely upon.
	addr = v.RemoveDropsAndSuffix(addr)

	// Lookup in the aliases database.
	v.mu.Lock()
	rcpts := v.aliases[addr]

	// If there's no match in the database, but the domain is local and has
	// a catch-all, then use it (as long as the user does not exist).
	if len(rcpts) == 0 {
		user, domain := envelope.Split(addr)
		if v.domains[domain] {
			exists, err := v.userExists(user, domain)
			if err == nil && !exists {
				if ca := v.catchAllFor(domain); ca != "" {
					rcpts = v.aliases[ca]
					tr.Debugf("catch-all: %q -> %v", addr, rcpts)
				}
			}
		}
	}
	v.mu.Unlock()

	if len(rcpts) == 0 {
		return []Recipient{{addr, EMAIL}}, nil
	}

	ret := []Recipient{}
	for _, r := range rcpts {
		// Only recurse for email recipients.
		if r.Type != EMAIL {
			ret = append(ret, r)
			continue
		}

		ar, err := v.resolve(rcount+1, r.Addr, tr)
		if err != nil {
			return nil, err
		}

		ret = append(ret, ar...)
	}

	return ret, nil
}

// RemoveDropsAndSuffix removes drop characters and suffixes from the user
// part, if the address is on a local domain.
func (v *Resolver) RemoveDropsAndSuffix(addr string) string {
	user, domain := envelope.Split(addr)

	v.mu.Lock()
	local := v.domains[domain]
	v.mu.Unlock()
	if !local {
		return addr
	}

	user = removeAllAfter(user, v.SuffixSep)
	user = removeChars(user, v.DropChars)
	user, _ = normalize.User(user)
	return user + "@" + domain
}

// AddDomain to the resolver, registering its existence.
func (v *Resolver) AddDomain(domain string) {
	v.mu.Lock()
	v.domains[domain] = true
	v.mu.Unlock()
}

// AddAliasesFile to the resolver. The file will be parsed, and an error
// returned if it does not exist or parse correctly.
// Returns the number of aliases parsed.
func (v *Resolver) AddAliasesFile(domain, path string) (int, error) {
	// We unconditionally add the file to our list, so that if it appears
	// later we will pick it up on reload.
	v.mu.Lock()
	v.files[domain] = append(v.files[domain], path)
	v.domains[domain] = true
	v.mu.Unlock()

	aliases, err := parseFile(domain, path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	// Add the aliases to the resolver, overriding any previous values.
	v.mu.Lock()
	for addr, rs := range aliases {
		v.aliases[addr] = rs
	}
	v.mu.Unlock()

	return len(aliases), nil
}

// AddAliasForTesting adds an alias to the resolver, for testing purposes.
// Not for use in non-test code.
func (v *Resolver) AddAliasForTesting(addr, rcpt string, rType RType) {
	v.mu.Lock()
	v.aliases[addr] = append(v.aliases[addr], Recipient{rcpt, rType})
	v.mu.Unlock()
}

// Reload aliases from files for all domains.
func (v *Resolver) Reload() error {
	newAliases := map[string][]Recipient{}

	v.mu.Lock()
	files := map[string][]string{}
	for domain, paths := range v.files {
		files[domain] = append([]string{}, paths...)
	}
	v.mu.Unlock()

	for domain, paths := range files {
		for _, path := range paths {
			aliases, err := parseFile(domain, path)
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				return fmt.Errorf("error parsing %q: %v", path, err)
			}

			// Add the aliases to the resolver, overriding any previous
			// values.
			for addr, rs := range aliases {
				newAliases[addr] = rs
			}
		}
	}

	v.mu.Lock()
	v.aliases = newAliases
	v.mu.Unlock()

	return nil
}

func parseFile(domain, path string) (map[string][]Recipient, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return parseReader(domain, f)
}

func parseReader(domain string, r io.Reader) (map[string][]Recipient, error) {
	aliases := map[string][]Recipient{}

	scanner := bufio.NewScanner(r)
	for i := 1; scanner.Scan(); i++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		sp := strings.SplitN(line, ":", 2)
		if len(sp) != 2 {
			continue
		}

		addr, rawalias := strings.TrimSpace(sp[0]), strings.TrimSpace(sp[1])
		if len(addr) == 0 || len(rawalias) == 0 {
			continue
		}

		if strings.Contains(addr, "@") {
			// It's invalid for lhs addresses to contain @ (for now).
			continue
		}

		addr = addr + "@" + domain
		addr, _ = normalize.Addr(addr)

		rs := []Recipient{}
		if strings.HasPrefix(rawalias, "|") {
			cmd := strings.TrimSpace(rawalias[1:])
			rs = append(rs, Recipient{cmd, PIPE})
		} else {
			for _, a := range strings.Split(rawalias, ",") {
				a = strings.TrimSpace(a)
				if a == "" {
					continue
				}

				// Addresses with no domain get the local one.
				if !strings.Contains(a, "@") {
					a = a + "@" + domain
				}
				a, _ = normalize.Addr(a)
				rs = append(rs, Recipient{a, EMAIL})
			}
		}

		aliases[addr] = rs
	}

	return aliases, scanner.Err()
}

func removeAllAfter(s, seps string) string {
	for _, c := range strings.Split(seps, "") {
		if c == "" {
			continue
		}

		i := strings.Index(s, c)
		if i == -1 {
			continue
		}

		s = s[:i]
	}

	return s
}

func removeChars(s, chars string) string {
	for _, c := range strings.Split(chars, "") {
		if c == "" {
			continue
		}

		s = strings.Replace(s, c, "", -1)
	}

	return s
}
