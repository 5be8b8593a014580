// Package resolver implements a caching DNS resolver facade.
//
// It is the single entry point for all DNS lookups in the daemon: A/AAAA,
// MX, TXT, TLSA and PTR. Results are cached per-record with their TTL,
// negative answers are cached too, and concurrent lookups for the same key
// are collapsed into a single in-flight query.
//
// Lookups surface the DNSSEC AD bit, which the delivery engine needs to
// decide whether DANE applies.
package resolver

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"

	"github.com/arrieromail/arriero/internal/metrics"
)

// Exported metrics.
var (
	lookupCount = metrics.NewCounterVec("resolver", "lookups_total",
		"count of lookups, by record kind", "kind")
	cacheHits = metrics.NewCounter("resolver", "cache_hits_total",
		"count of lookups answered from the cache")
	cacheNegHits = metrics.NewCounter("resolver", "cache_negative_hits_total",
		"count of lookups answered from the negative cache")
)

// Kind of record to look up.
type Kind string

// Supported lookup kinds.
const (
	A    = Kind("A")
	AAAA = Kind("AAAA")
	MX   = Kind("MX")
	TXT  = Kind("TXT")
	TLSA = Kind("TLSA")
	PTR  = Kind("PTR")
)

var qtypes = map[Kind]uint16{
	A:    dns.TypeA,
	AAAA: dns.TypeAAAA,
	MX:   dns.TypeMX,
	TXT:  dns.TypeTXT,
	TLSA: dns.TypeTLSA,
	PTR:  dns.TypePTR,
}

// ErrKind classifies lookup failures. The distinction matters to callers:
// authentication verifiers must render temporary and permanent DNS errors
// differently, per their RFCs.
type ErrKind int

// Lookup failure classes.
const (
	NXDomain ErrKind = iota
	ServFail
	Timeout
	Transport
)

// Error is a classified lookup error.
type Error struct {
	Kind ErrKind
	Name string
	Err  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case NXDomain:
		return fmt.Sprintf("%s: domain does not exist", e.Name)
	case ServFail:
		return fmt.Sprintf("%s: server failure", e.Name)
	case Timeout:
		return fmt.Sprintf("%s: lookup timed out", e.Name)
	default:
		return fmt.Sprintf("%s: %v", e.Name, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary returns whether retrying the lookup later could succeed.
func (e *Error) Temporary() bool {
	return e.Kind != NXDomain
}

// IsNotFound checks if the error is a non-existent domain.
func IsNotFound(err error) bool {
	rerr, ok := err.(*Error)
	return ok && rerr.Kind == NXDomain
}

// IsTemporary checks if the error is worth retrying later.
func IsTemporary(err error) bool {
	rerr, ok := err.(*Error)
	return ok && rerr.Temporary()
}

// MXRecord is a single mail exchanger.
type MXRecord struct {
	Host string
	Pref uint16
}

// TLSARecord is a single DANE association, per RFC 6698.
type TLSARecord struct {
	Usage        uint8
	Selector     uint8
	MatchingType uint8
	Certificate  []byte
}

// Result of a lookup. Only the field matching the requested kind is set.
type Result struct {
	// TTL of the answer (the minimum across its records).
	TTL time.Duration

	// Whether the response had the authenticated data (AD) bit set.
	AD bool

	Addrs []net.IP
	MXs   []MXRecord
	TXTs  []string
	TLSAs []TLSARecord
	PTRs  []string
}

// Negative cache TTL limits.
const (
	negTTLFloor = 1 * time.Minute
	negTTLCap   = 1 * time.Hour
)

type cacheEntry struct {
	res     *Result
	err     error
	expires time.Time
}

// Resolver is a caching DNS resolver.
type Resolver struct {
	// Upstream servers, as host:port.
	servers []string

	client *dns.Client

	mu    sync.Mutex
	cache map[string]*cacheEntry

	sf singleflight.Group

	// Injectable for testing.
	exchange func(ctx context.Context, m *dns.Msg, server string) (*dns.Msg, error)
	now      func() time.Time

	// Full query override, used by NewFake.
	queryFunc func(ctx context.Context, kind Kind, name string) (*Result, error)
}

// New creates a resolver using the servers from /etc/resolv.conf.
func New() (*Resolver, error) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, err
	}

	servers := []string{}
	for _, s := range cfg.Servers {
		servers = append(servers, net.JoinHostPort(s, cfg.Port))
	}

	return NewWithServers(servers), nil
}

// NewWithServers creates a resolver that queries the given servers.
func NewWithServers(servers []string) *Resolver {
	r := &Resolver{
		servers: servers,
		client:  &dns.Client{Timeout: 10 * time.Second},
		cache:   map[string]*cacheEntry{},
		now:     time.Now,
	}
	r.exchange = func(ctx context.Context, m *dns.Msg, server string) (*dns.Msg, error) {
		in, _, err := r.client.ExchangeContext(ctx, m, server)
		return in, err
	}
	r.queryFunc = r.query
	return r
}

// NewFake returns a resolver that serves the given static answers, for
// testing. Keys are "<KIND> <name>" (e.g. "MX example.com"); lookups with
// no answer get NXDOMAIN.
func NewFake(answers map[string]*Result) *Resolver {
	r := NewWithServers(nil)
	r.queryFunc = func(ctx context.Context, kind Kind, name string) (*Result, error) {
		key := string(kind) + " " + strings.ToLower(strings.TrimSuffix(name, "."))
		if res, ok := answers[key]; ok {
			return res, nil
		}
		return nil, &Error{Kind: NXDomain, Name: name}
	}
	return r
}

// Lookup the given kind and name. Results are cached.
func (r *Resolver) Lookup(ctx context.Context, kind Kind, name string) (*Result, error) {
	lookupCount.WithLabelValues(string(kind)).Inc()

	key := string(kind) + "/" + strings.ToLower(strings.TrimSuffix(name, "."))

	// Fast path: cache. Expired entries are removed before the singleflight
	// gate, so under a TTL-expiry race one waiter refreshes and the others
	// share that answer; a live entry is always served as-is.
	r.mu.Lock()
	if e, ok := r.cache[key]; ok {
		if r.now().Before(e.expires) {
			r.mu.Unlock()
			if e.err != nil {
				cacheNegHits.Inc()
				return nil, e.err
			}
			cacheHits.Inc()
			return e.res, nil
		}
		delete(r.cache, key)
	}
	r.mu.Unlock()

	v, err, _ := r.sf.Do(key, func() (interface{}, error) {
		res, err := r.queryFunc(ctx, kind, name)

		e := &cacheEntry{res: res, err: err}
		if err == nil {
			e.expires = r.now().Add(res.TTL)
		} else if _, ok := err.(*Error); ok {
			// Cache classified failures, bounded.
			ttl := negTTLFloor
			if rerr := err.(*Error); rerr.Kind == NXDomain {
				ttl = negTTLCap
			}
			e.expires = r.now().Add(clampTTL(ttl, negTTLFloor, negTTLCap))
		} else {
			// Unclassified errors are not cached.
			return nil, err
		}

		r.mu.Lock()
		r.cache[key] = e
		r.mu.Unlock()

		return res, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func clampTTL(ttl, floor, cap time.Duration) time.Duration {
	if ttl < floor {
		return floor
	}
	if ttl > cap {
		return cap
	}
	return ttl
}

// query the upstream servers, without caching.
func (r *Resolver) query(ctx context.Context, kind Kind, name string) (*Result, error) {
	qtype, ok := qtypes[kind]
	if !ok {
		return nil, fmt.Errorf("unknown lookup kind %q", kind)
	}

	m := &dns.Msg{}
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	// Ask for DNSSEC validation, so the AD bit is meaningful.
	m.SetEdns0(4096, true)
	m.AuthenticatedData = true

	var lastErr error
	for _, server := range r.servers {
		in, err := r.exchange(ctx, m, server)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				lastErr = &Error{Kind: Timeout, Name: name, Err: err}
			} else {
				lastErr = &Error{Kind: Transport, Name: name, Err: err}
			}
			continue
		}

		switch in.Rcode {
		case dns.RcodeSuccess:
			return parseResult(kind, in), nil
		case dns.RcodeNameError:
			return nil, &Error{Kind: NXDomain, Name: name}
		default:
			lastErr = &Error{Kind: ServFail, Name: name,
				Err: fmt.Errorf("rcode %v", dns.RcodeToString[in.Rcode])}
		}
	}

	if lastErr == nil {
		lastErr = &Error{Kind: Transport, Name: name,
			Err: fmt.Errorf("no servers configured")}
	}
	return nil, lastErr
}

func parseResult(kind Kind, in *dns.Msg) *Result {
	res := &Result{AD: in.AuthenticatedData}

	minTTL := uint32(0)
	seen := false
	for _, rr := range in.Answer {
		ttl := rr.Header().Ttl
		if !seen || ttl < minTTL {
			minTTL = ttl
			seen = true
		}

		switch v := rr.(type) {
		case *dns.A:
			res.Addrs = append(res.Addrs, v.A)
		case *dns.AAAA:
			res.Addrs = append(res.Addrs, v.AAAA)
		case *dns.MX:
			res.MXs = append(res.MXs, MXRecord{
				Host: strings.TrimSuffix(v.Mx, "."),
				Pref: v.Preference,
			})
		case *dns.TXT:
			res.TXTs = append(res.TXTs, strings.Join(v.Txt, ""))
		case *dns.TLSA:
			cert, err := hex.DecodeString(v.Certificate)
			if err != nil {
				continue
			}
			res.TLSAs = append(res.TLSAs, TLSARecord{
				Usage:        v.Usage,
				Selector:     v.Selector,
				MatchingType: v.MatchingType,
				Certificate:  cert,
			})
		case *dns.PTR:
			res.PTRs = append(res.PTRs, strings.TrimSuffix(v.Ptr, "."))
		}
	}

	sort.Slice(res.MXs, func(i, j int) bool {
		return res.MXs[i].Pref < res.MXs[j].Pref
	})

	if !seen {
		// Empty answers expire quickly; there is nothing to keep.
		minTTL = uint32(negTTLFloor / time.Second)
	}
	res.TTL = time.Duration(minTTL) * time.Second

	return res
}

// LookupIPs returns the joined A and AAAA addresses for the name.
func (r *Resolver) LookupIPs(ctx context.Context, name string) ([]net.IP, error) {
	ips := []net.IP{}

	res4, err4 := r.Lookup(ctx, A, name)
	if err4 == nil {
		ips = append(ips, res4.Addrs...)
	}
	res6, err6 := r.Lookup(ctx, AAAA, name)
	if err6 == nil {
		ips = append(ips, res6.Addrs...)
	}

	if len(ips) == 0 {
		if err4 != nil {
			return nil, err4
		}
		return nil, err6
	}
	return ips, nil
}

// LookupPTR returns the names for the given IP address.
func (r *Resolver) LookupPTR(ctx context.Context, ip net.IP) ([]string, error) {
	rev, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return nil, &Error{Kind: Transport, Name: ip.String(), Err: err}
	}

	res, err := r.Lookup(ctx, PTR, strings.TrimSuffix(rev, "."))
	if err != nil {
		return nil, err
	}
	return res.PTRs, nil
}
