// Package route implements the routing table that decides how mail for a
// recipient leaves the queue: via MX resolution, a fixed relay, or local
// delivery over LMTP.
package route

import (
	"fmt"
	"net"
	"path"
	"strings"
)

// Kind of route target.
type Kind int

// Valid target kinds.
const (
	// MX: resolve the recipient domain's MX records and deliver over SMTP.
	MX Kind = iota

	// Relay: deliver over SMTP to a fixed next-hop host.
	Relay

	// LMTP: hand over to a local delivery agent over LMTP.
	LMTP
)

func (k Kind) String() string {
	switch k {
	case MX:
		return "mx"
	case Relay:
		return "relay"
	case LMTP:
		return "lmtp"
	}
	return "unknown"
}

// Target of a route.
type Target struct {
	Kind Kind

	// For Relay: host:port of the next hop.
	// For LMTP: "tcp:host:port" or "unix:/path/to/socket".
	Addr string
}

func (t Target) String() string {
	if t.Addr == "" {
		return t.Kind.String()
	}
	return t.Kind.String() + ":" + t.Addr
}

// ParseTarget parses a target from its text form:
//
//	mx
//	relay:host:port
//	lmtp:unix:/var/run/lda.sock
//	lmtp:tcp:localhost:2424
func ParseTarget(s string) (Target, error) {
	kind, rest, _ := strings.Cut(s, ":")
	switch kind {
	case "mx":
		if rest != "" {
			return Target{}, fmt.Errorf("mx takes no address")
		}
		return Target{Kind: MX}, nil
	case "relay":
		if rest == "" {
			return Target{}, fmt.Errorf("relay needs host:port")
		}
		return Target{Kind: Relay, Addr: rest}, nil
	case "lmtp":
		if !strings.HasPrefix(rest, "unix:") && !strings.HasPrefix(rest, "tcp:") {
			return Target{}, fmt.Errorf("lmtp address must be unix: or tcp:")
		}
		return Target{Kind: LMTP, Addr: rest}, nil
	}
	return Target{}, fmt.Errorf("unknown target kind %q", kind)
}

// Rule is a single routing rule. Empty match fields match anything.
type Rule struct {
	// Glob on the recipient domain.
	RcptDomain string

	// Glob on the full sender address.
	Sender string

	// Source IP the message came in from.
	SourceNet *net.IPNet

	Target Target
}

func (r Rule) matches(rcptDomain, sender string, ip net.IP) bool {
	if r.RcptDomain != "" {
		ok, _ := path.Match(r.RcptDomain, rcptDomain)
		if !ok {
			return false
		}
	}
	if r.Sender != "" {
		ok, _ := path.Match(r.Sender, sender)
		if !ok {
			return false
		}
	}
	if r.SourceNet != nil {
		if ip == nil || !r.SourceNet.Contains(ip) {
			return false
		}
	}
	return true
}

// Table is an ordered list of rules, with a default target.
type Table struct {
	rules []Rule

	// Default target when no rule matches. The zero value routes via MX.
	Default Target
}

// NewTable returns an empty table that routes everything via MX.
func NewTable() *Table {
	return &Table{}
}

// Add a rule to the end of the table.
func (t *Table) Add(r Rule) {
	t.rules = append(t.rules, r)
}

// AddRule parses and adds a rule. Empty matchers match anything.
func (t *Table) AddRule(rcptDomain, sender, sourceCIDR, target string) error {
	r := Rule{RcptDomain: rcptDomain, Sender: sender}

	if rcptDomain != "" {
		if _, err := path.Match(rcptDomain, "probe"); err != nil {
			return fmt.Errorf("bad domain glob %q: %v", rcptDomain, err)
		}
	}
	if sender != "" {
		if _, err := path.Match(sender, "probe"); err != nil {
			return fmt.Errorf("bad sender glob %q: %v", sender, err)
		}
	}
	if sourceCIDR != "" {
		_, ipnet, err := net.ParseCIDR(sourceCIDR)
		if err != nil {
			return fmt.Errorf("bad source CIDR %q: %v", sourceCIDR, err)
		}
		r.SourceNet = ipnet
	}

	var err error
	r.Target, err = ParseTarget(target)
	if err != nil {
		return err
	}

	t.Add(r)
	return nil
}

// Lookup the target for the given recipient domain, sender address, and
// source IP. Rules are evaluated in order; the first match wins.
func (t *Table) Lookup(rcptDomain, sender string, ip net.IP) Target {
	for _, r := range t.rules {
		if r.matches(rcptDomain, sender, ip) {
			return r.Target
		}
	}
	return t.Default
}
