package courier

import (
	"context"
	"crypto/x509"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/arrieromail/arriero/internal/domaininfo"
	"github.com/arrieromail/arriero/internal/envelope"
	"github.com/arrieromail/arriero/internal/metrics"
	"github.com/arrieromail/arriero/internal/resolver"
	"github.com/arrieromail/arriero/internal/route"
	"github.com/arrieromail/arriero/internal/sts"
	"github.com/arrieromail/arriero/internal/trace"
)

var (
	// Timeouts for SMTP delivery.
	smtpDialTimeout  = 1 * time.Minute
	smtpTotalTimeout = 10 * time.Minute

	// Lookup timeout for the DNS and policy fetches of one attempt.
	lookupTimeout = 1 * time.Minute
)

// Exported metrics.
var (
	tlsCount = metrics.NewCounterVec("smtp_out", "tls_total",
		"count of TLS status on outgoing connections", "status")
	slcResults = metrics.NewCounterVec("smtp_out", "sec_level_checks_total",
		"count of security level checks on outgoing connections", "result")
	stsSecurityModes = metrics.NewCounterVec("smtp_out", "sts_mode_total",
		"count of STS policies seen on outgoing connections", "mode")
	daneResults = metrics.NewCounterVec("smtp_out", "dane_total",
		"count of DANE validations on outgoing connections", "result")
)

// TLSPolicy is the strongest transport policy in effect for an attempt.
// The lattice, from strongest to weakest:
// DANE >= MTA-STS enforce > MTA-STS testing > opportunistic.
type TLSPolicy string

// Valid policies.
const (
	PolicyDANE        = TLSPolicy("dane")
	PolicySTSEnforce  = TLSPolicy("sts-enforce")
	PolicySTSTesting  = TLSPolicy("sts-testing")
	PolicyOpportunist = TLSPolicy("opportunistic")
)

// TLSReporter receives the outcome of TLS negotiations done under a
// policy, for TLS-RPT aggregation. Implementations must be fast and must
// not block.
type TLSReporter interface {
	RecordTLSResult(policyDomain, mx string, policy TLSPolicy,
		success bool, failureType string)
}

// Engine is the outbound delivery engine. It implements the routing of
// messages to their next hop: MX resolution, MTA-STS and DANE enforcement,
// connection reuse, and per-recipient outcome tracking.
type Engine struct {
	// Domain to use in EHLO/LHLO.
	Hostname string

	Resolver *resolver.Resolver
	STSCache *sts.PolicyCache
	DInfo    *domaininfo.DB

	// Optional TLS-RPT recorder.
	TLSReporter TLSReporter

	// Connection pool; optional, but recommended.
	Pool *Pool

	// Port for outgoing SMTP. Tests override this.
	Port string

	// Local address to dial from. Nil lets the kernel pick; when set, it
	// also keys the connection pool and the queue's delivery semaphores,
	// so different egress addresses never share state.
	SourceIP net.IP

	// CA roots to validate against, so tests can override them.
	certRoots *x509.CertPool
}

// NewEngine returns an engine with the standard SMTP port.
func NewEngine(hostname string, res *resolver.Resolver,
	stsCache *sts.PolicyCache, dinfo *domaininfo.DB) *Engine {
	return &Engine{
		Hostname: hostname,
		Resolver: res,
		STSCache: stsCache,
		DInfo:    dinfo,
		Pool:     NewPool(),
		Port:     "25",
	}
}

// Deliver the message to the given recipients (all on the same domain)
// through the route target.
func (e *Engine) Deliver(tgt route.Target, from string, to []string,
	data []byte) map[string]Result {
	tr := trace.New("Courier.Deliver", tgt.String())
	defer tr.Finish()
	tr.Debugf("%s -> %v via %s", from, to, tgt)

	switch tgt.Kind {
	case route.LMTP:
		return e.deliverLMTP(tr, tgt.Addr, from, to, data)
	case route.Relay:
		return e.deliverVia(tr, tgt.Addr, from, to, data)
	default:
		return e.deliverMX(tr, from, to, data)
	}
}

// allFail returns a uniform result for every recipient.
func allFail(to []string, err error, permanent bool) map[string]Result {
	res := map[string]Result{}
	for _, rcpt := range to {
		res[rcpt] = Result{Error: err, Permanent: permanent}
	}
	return res
}

// deliverMX resolves the recipient domain and attempts its MXs in order.
func (e *Engine) deliverMX(tr *trace.Trace, from string, to []string,
	data []byte) map[string]Result {
	domain := envelope.DomainOf(to[0])

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	mxs, dnssecOK, err, perm := e.lookupMXs(ctx, tr, domain)
	if err != nil {
		// Note this is considered a permanent error when the domain does
		// not exist. This is in line with what other servers do; the
		// downside is that transient DNS problems on the lookup can
		// affect delivery, so the resolver needs to try hard enough.
		return allFail(to, tr.Errorf("could not find mail servers: %v", err), perm)
	}

	stsPolicy, _ := e.fetchSTSPolicy(ctx, tr, domain)

	a := &attempt{
		engine:    e,
		tr:        tr,
		from:      from,
		to:        to,
		data:      data,
		domain:    domain,
		stsPolicy: stsPolicy,
	}

	var lastErr error = fmt.Errorf("no usable mail servers")
	lastPerm := false
	for _, mx := range mxs {
		if stsPolicy != nil && stsPolicy.Mode == sts.Enforce &&
			!stsPolicy.MXIsAllowed(mx) {
			tr.Printf("%q skipped as per MTA-STS policy", mx)
			continue
		}

		// DANE only activates when the MX RRset chain and the TLSA RRset
		// are both DNSSEC-authenticated.
		var tlsa []resolver.TLSARecord
		if dnssecOK {
			tlsa = e.lookupTLSA(ctx, tr, mx)
		}

		res, err, permanent := a.deliverToHost(mx, tlsa)
		if err == nil {
			return res
		}
		if permanent {
			return allFail(to, err, true)
		}
		lastErr = err
		lastPerm = permanent
		tr.Errorf("%q returned transient error: %v", mx, err)
	}

	// We exhausted all MXs, try again later.
	return allFail(to, tr.Errorf(
		"delivery failed on all MXs (last: %v)", lastErr), lastPerm)
}

// deliverVia attempts delivery through a fixed relay.
func (e *Engine) deliverVia(tr *trace.Trace, hostport, from string,
	to []string, data []byte) map[string]Result {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
		port = e.Port
	}

	a := &attempt{
		engine: e,
		tr:     tr,
		from:   from,
		to:     to,
		data:   data,
		domain: envelope.DomainOf(to[0]),
		port:   port,
	}
	res, derr, permanent := a.deliverToHost(host, nil)
	if derr != nil {
		return allFail(to, derr, permanent)
	}
	return res
}

// lookupMXs returns the hosts to attempt, in order: MX records sorted by
// preference with equal preferences shuffled, or the domain itself when it
// has no MX records.
func (e *Engine) lookupMXs(ctx context.Context, tr *trace.Trace,
	domain string) ([]string, bool, error, bool) {
	domain, err := idna.ToASCII(domain)
	if err != nil {
		return nil, false, err, true
	}

	r, err := e.Resolver.Lookup(ctx, resolver.MX, domain)
	if err != nil {
		if resolver.IsNotFound(err) {
			// No MX: fall back to the A/AAAA of the domain itself.
			// https://tools.ietf.org/html/rfc5321#section-5.1
			// If there is no address either, the domain cannot receive
			// mail at all, which is a permanent condition.
			if _, aerr := e.Resolver.LookupIPs(ctx, domain); aerr != nil {
				return nil, false, aerr, !resolver.IsTemporary(aerr)
			}
			tr.Debugf("MX for %s not found, falling back to A", domain)
			return []string{domain}, false, nil, false
		}
		return nil, false, err, !resolver.IsTemporary(err)
	}

	if len(r.MXs) == 0 {
		return []string{domain}, r.AD, nil, false
	}

	// Null MX means the domain does not accept email.
	// https://tools.ietf.org/html/rfc7505
	if len(r.MXs) == 1 && r.MXs[0].Host == "" {
		return nil, r.AD, fmt.Errorf("domain does not accept email (null MX)"), true
	}

	// Sort by preference, shuffling within equal preferences.
	// The resolver returns them pre-sorted, so we only shuffle runs.
	mxs := []string{}
	for start := 0; start < len(r.MXs); {
		end := start
		for end < len(r.MXs) && r.MXs[end].Pref == r.MXs[start].Pref {
			end++
		}
		run := make([]string, 0, end-start)
		for _, mx := range r.MXs[start:end] {
			run = append(run, mx.Host)
		}
		rand.Shuffle(len(run), func(i, j int) {
			run[i], run[j] = run[j], run[i]
		})
		mxs = append(mxs, run...)
		start = end
	}

	// Cap the number of MXs we will try, for safety.
	if len(mxs) > 5 {
		mxs = mxs[:5]
	}

	tr.Debugf("MXs for %s: %v (dnssec: %v)", domain, mxs, r.AD)
	return mxs, r.AD, nil, false
}

// lookupTLSA returns the usable-for-us TLSA records of the MX, or nil when
// DANE is not in effect for it.
func (e *Engine) lookupTLSA(ctx context.Context, tr *trace.Trace, mx string) []resolver.TLSARecord {
	name := "_" + e.Port + "._tcp." + strings.TrimSuffix(mx, ".")
	r, err := e.Resolver.Lookup(ctx, resolver.TLSA, name)
	if err != nil || !r.AD || len(r.TLSAs) == 0 {
		if err != nil {
			tr.Debugf("no TLSA for %q: %v", name, err)
		}
		return nil
	}

	tr.Debugf("TLSA for %q: %d records", name, len(r.TLSAs))
	return r.TLSAs
}

// sourceKey returns the source-ip component of pool and semaphore keys.
func (e *Engine) sourceKey() string {
	if e.SourceIP == nil {
		return "default"
	}
	return e.SourceIP.String()
}

func (e *Engine) fetchSTSPolicy(ctx context.Context, tr *trace.Trace, domain string) (*sts.Policy, error) {
	if e.STSCache == nil {
		return nil, nil
	}

	policy, err := e.STSCache.Fetch(ctx, tr, domain)
	if err != nil || policy == nil {
		return nil, err
	}

	stsSecurityModes.WithLabelValues(string(policy.Mode)).Inc()
	return policy, nil
}
