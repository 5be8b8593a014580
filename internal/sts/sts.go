// Package sts implements MTA-STS (Strict Transport Security), RFC 8461.
//
// It fetches, parses, checks and caches policies.
package sts

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/context/ctxhttp"
	"golang.org/x/net/idna"
	"golang.org/x/sync/singleflight"

	"github.com/arrieromail/arriero/internal/metrics"
	"github.com/arrieromail/arriero/internal/trace"
)

// Exported metrics.
var (
	fetches = metrics.NewCounterVec("sts", "fetches_total",
		"count of policy fetches, by result", "result")
	cacheHits = metrics.NewCounter("sts", "cache_hits_total",
		"count of policies served from the cache")
)

// Policy represents a parsed policy.
// https://tools.ietf.org/html/rfc8461#section-3.2
type Policy struct {
	Version string
	Mode    Mode
	MXs     []string
	MaxAge  time.Duration
}

// Mode of a policy. Valid values (from the RFC) are constants below.
type Mode string

// Valid modes.
const (
	Enforce = Mode("enforce")
	Testing = Mode("testing")
	None    = Mode("none")
)

// Parsing and checking errors.
var (
	ErrUnknownVersion = errors.New("unknown policy version")
	ErrInvalidMaxAge  = errors.New("invalid max_age")
	ErrInvalidMode    = errors.New("invalid mode")
	ErrInvalidMX      = errors.New("invalid mx")
	ErrInvalidLine    = errors.New("invalid policy line")
)

// parsePolicy parses the text representation of the policy, per
// https://tools.ietf.org/html/rfc8461#section-3.2: "key: value" lines,
// where "mx" may be repeated.
func parsePolicy(raw []byte) (*Policy, error) {
	p := &Policy{}

	scanner := bufio.NewScanner(strings.NewReader(string(raw)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		key, value, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("%w: %q", ErrInvalidLine, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "version":
			p.Version = value
		case "mode":
			p.Mode = Mode(value)
		case "mx":
			p.MXs = append(p.MXs, value)
		case "max_age":
			// max_age is in seconds, up to 31557600 (1 year).
			age, err := strconv.ParseUint(value, 10, 64)
			if err != nil || age > 31557600 {
				return nil, ErrInvalidMaxAge
			}
			p.MaxAge = time.Duration(age) * time.Second
		default:
			// Unknown keys must be ignored, for extensibility.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return p, nil
}

// Check that the policy contents are valid.
func (p *Policy) Check() error {
	if p.Version != "STSv1" {
		return ErrUnknownVersion
	}
	if p.MaxAge <= 0 {
		return ErrInvalidMaxAge
	}

	if p.Mode != Enforce && p.Mode != Testing && p.Mode != None {
		return ErrInvalidMode
	}

	// "mx" is required for enforce and testing modes.
	if p.Mode != None && len(p.MXs) == 0 {
		return ErrInvalidMX
	}

	return nil
}

// MXIsAllowed checks if the given MX is allowed, according to the policy.
// https://tools.ietf.org/html/rfc8461#section-4.1
func (p *Policy) MXIsAllowed(mx string) bool {
	if p.Mode == None {
		return true
	}

	for _, pattern := range p.MXs {
		if matchDomain(mx, pattern) {
			return true
		}
	}

	return false
}

// Fake URL prefix for testing purposes only. If set, we will fetch policies
// from here instead of the domain's well-known location.
var fakeURLForTesting = ""

// UncheckedFetch fetches and parses the policy, but does NOT check it.
// This can be useful for debugging and troubleshooting, but you should
// always call Check on the policy before using it.
func UncheckedFetch(ctx context.Context, domain string) (*Policy, error) {
	// Convert the domain to ascii form, as the HTTP client does not support
	// IDNs in any other way.
	domain, err := idna.ToASCII(domain)
	if err != nil {
		return nil, err
	}

	url := "https://mta-sts." + domain + "/.well-known/mta-sts.txt"
	if fakeURLForTesting != "" {
		url = fakeURLForTesting + "/" + domain
	}

	rawPolicy, err := httpGet(ctx, url)
	if err != nil {
		return nil, err
	}

	return parsePolicy(rawPolicy)
}

// Fetch a policy for the given domain. The returned policy is parsed and
// checked (using Policy.Check), so it should be safe to use.
func Fetch(ctx context.Context, domain string) (*Policy, error) {
	p, err := UncheckedFetch(ctx, domain)
	if err != nil {
		fetches.WithLabelValues("error").Inc()
		return nil, err
	}

	err = p.Check()
	if err != nil {
		fetches.WithLabelValues("invalid").Inc()
		return nil, err
	}

	fetches.WithLabelValues("ok").Inc()
	return p, nil
}

// httpGet performs an HTTP GET of the given URL, using the context and
// rejecting redirects, as per the RFC.
func httpGet(ctx context.Context, url string) ([]byte, error) {
	client := &http.Client{
		// We MUST NOT follow redirects, see
		// https://tools.ietf.org/html/rfc8461#section-3.3
		CheckRedirect: rejectRedirect,
	}

	// Note that http does not care for the context deadline, so we need to
	// construct it here.
	if deadline, ok := ctx.Deadline(); ok {
		client.Timeout = time.Until(deadline)
	}

	resp, err := ctxhttp.Get(ctx, client, url)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("HTTP response status code: %d",
			resp.StatusCode)
	}

	// Policies are small; cap the read to prevent abuse.
	return io.ReadAll(io.LimitReader(resp.Body, 64*1024))
}

var errRejectRedirect = errors.New("redirects not allowed in MTA-STS")

func rejectRedirect(req *http.Request, via []*http.Request) error {
	return errRejectRedirect
}

// matchDomain checks if the domain matches the given pattern, according to
// https://tools.ietf.org/html/rfc6125#section-6.4
// (from https://tools.ietf.org/html/rfc8461#section-4.1).
func matchDomain(domain, pattern string) bool {
	domain, dErr := domainToASCII(domain)
	pattern, pErr := domainToASCII(pattern)
	if dErr != nil || pErr != nil {
		// Domains should already have been checked and normalized by the
		// caller, exposing this is not worth the API complexity in this case.
		return false
	}

	domainLabels := strings.Split(domain, ".")
	patternLabels := strings.Split(pattern, ".")

	if len(domainLabels) != len(patternLabels) {
		return false
	}

	for i, p := range patternLabels {
		// Wildcards only apply to the first part, see
		// https://tools.ietf.org/html/rfc6125#section-6.4.3 #1 and #2.
		// This also allows us to do the length comparison above.
		if p == "*" && i == 0 {
			continue
		}

		if p != domainLabels[i] {
			return false
		}
	}

	return true
}

// domainToASCII converts the domain to ASCII form, similar to idna.ToASCII
// but with some preprocessing convenient for our use cases.
func domainToASCII(domain string) (string, error) {
	domain = strings.TrimSuffix(domain, ".")
	domain = strings.ToLower(domain)
	return idna.ToASCII(domain)
}

// PolicyCache caches fetched policies in memory, honoring their max_age.
// Concurrent fetches for the same domain collapse into one.
type PolicyCache struct {
	mu    sync.Mutex
	cache map[string]*cacheEntry

	sf singleflight.Group

	// Injectable for testing.
	now func() time.Time
}

type cacheEntry struct {
	policy  *Policy
	expires time.Time
}

// NewCache returns an empty policy cache.
func NewCache() *PolicyCache {
	return &PolicyCache{
		cache: map[string]*cacheEntry{},
		now:   time.Now,
	}
}

// Fetch a policy for the domain, using the cache.
// Returns (nil, nil) when the domain has no policy, which is the common
// case. Fetch failures are also reported as (nil, nil), and that absence
// is cached for 15 minutes; no error is returned.
func (c *PolicyCache) Fetch(ctx context.Context, tr *trace.Trace, domain string) (*Policy, error) {
	c.mu.Lock()
	if e, ok := c.cache[domain]; ok {
		if c.now().Before(e.expires) {
			c.mu.Unlock()
			cacheHits.Inc()
			return e.policy, nil
		}
		delete(c.cache, domain)
	}
	c.mu.Unlock()

	v, err, _ := c.sf.Do(domain, func() (interface{}, error) {
		p, err := Fetch(ctx, domain)
		if err != nil {
			// Most commonly the domain simply has no policy and the fetch
			// fails to connect; treat all fetch errors as "no policy", and
			// cache the absence for a while so we don't hammer the remote.
			tr.Debugf("MTA-STS fetch for %q failed: %v", domain, err)
			c.store(domain, nil, 15*time.Minute)
			return nil, nil
		}

		tr.Debugf("MTA-STS policy for %q: %s %v", domain, p.Mode, p.MXs)
		c.store(domain, p, p.MaxAge)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*Policy), nil
}

func (c *PolicyCache) store(domain string, p *Policy, ttl time.Duration) {
	c.mu.Lock()
	c.cache[domain] = &cacheEntry{policy: p, expires: c.now().Add(ttl)}
	c.mu.Unlock()
}
