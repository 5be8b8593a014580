// Package authres runs the mail authentication checks on incoming messages
// (SPF, DKIM, DMARC, ARC, iprev), and renders the results as an
// Authentication-Results header.
//
// The verifier never returns errors upward: every failure is mapped to a
// standardized result. Given the same message and the same DNS answers, the
// results are deterministic; DNS is the only impure input, and it is
// injectable.
package authres

import (
	"context"
	"math/rand"
	"net"
	"net/mail"
	"strings"

	"blitiri.com.ar/go/spf"
	msgauthres "github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-msgauth/dmarc"

	"github.com/arrieromail/arriero/internal/dkim"
	"github.com/arrieromail/arriero/internal/envelope"
	"github.com/arrieromail/arriero/internal/metrics"
	"github.com/arrieromail/arriero/internal/normalize"
	"github.com/arrieromail/arriero/internal/resolver"
	"github.com/arrieromail/arriero/internal/trace"
)

// Exported metrics.
var (
	spfResults = metrics.NewCounterVec("authres", "spf_results_total",
		"count of SPF results, by result", "result")
	dmarcActions = metrics.NewCounterVec("authres", "dmarc_actions_total",
		"count of DMARC evaluations, by action", "action")
	arcResults = metrics.NewCounterVec("authres", "arc_results_total",
		"count of ARC chain validations, by state", "state")
)

// Action to take on the message, from DMARC policy evaluation.
type Action string

// Valid actions.
const (
	ActionNone       = Action("none")
	ActionQuarantine = Action("quarantine")
	ActionReject     = Action("reject")
)

// DMARCResult is the outcome of evaluating the DMARC policy of the From
// domain.
type DMARCResult struct {
	// Evaluation result: pass, fail, none, temperror, permerror.
	Result string

	// Action the policy asks us to take (after pct sampling).
	Action Action

	// RFC5322.From domain the policy applies to.
	Domain string

	// The fetched record, nil when the domain publishes none.
	Record *dmarc.Record
}

// IPRevResult is the outcome of the reverse-DNS check of the connecting IP.
type IPRevResult struct {
	// pass, fail, temperror, permerror.
	Result string

	// Forward-confirmed name, when Result is pass.
	Name string
}

// Results of all the checks on one message.
type Results struct {
	// SPF on the MAIL FROM identity.
	SPF      spf.Result
	SPFError error
	SPFFrom  string

	// SPF on the EHLO identity.
	HELOSPF      spf.Result
	HELOSPFError error

	DKIM  *dkim.VerifyResult
	ARC   *dkim.ARCResult
	DMARC *DMARCResult
	IPRev *IPRevResult
}

// Verifier runs the checks. The zero value is not usable, use NewVerifier.
type Verifier struct {
	// Hostname used as the authserv-id in rendered headers.
	Hostname string

	// Resolver for PTR and address lookups (iprev).
	Resolver *resolver.Resolver

	// TXT lookups for DKIM/DMARC/ARC key and policy fetches. Injectable so
	// verification is deterministic under test.
	LookupTXT dkim.LookupTXTFunc

	// Percentage sampler for DMARC pct, injectable for tests. Returns a
	// number in [0, 100).
	pctSample func() int

	// Skip SPF checks (some tests disable them to avoid leaking DNS
	// lookups).
	skipSPF bool
}

// NewVerifier returns a Verifier using the given resolver.
func NewVerifier(hostname string, res *resolver.Resolver) *Verifier {
	v := &Verifier{
		Hostname: hostname,
		Resolver: res,
		LookupTXT: func(ctx context.Context, name string) ([]string, error) {
			r, err := res.Lookup(ctx, resolver.TXT, name)
			if err != nil {
				return nil, err
			}
			return r.TXTs, nil
		},
		pctSample: func() int { return rand.Intn(100) },
	}
	return v
}

// DisableSPFForTesting makes the verifier skip SPF checks. Some tests use
// it to avoid leaking DNS lookups.
func (v *Verifier) DisableSPFForTesting() {
	v.skipSPF = true
}

// Verify runs all checks for a message received from ip, with the given
// EHLO domain and MAIL FROM, and the full message data (with CRLF or LF
// line endings).
func (v *Verifier) Verify(ctx context.Context, tr *trace.Trace,
	ip net.IP, ehloDomain, mailFrom string, data []byte) *Results {
	res := &Results{}

	message := string(normalize.ToCRLF(data))

	dkimCtx := dkim.WithTraceFunc(ctx, tr.Debugf)
	dkimCtx = dkim.WithLookupTXTFunc(dkimCtx, v.LookupTXT)

	// SPF, on both identities.
	// https://tools.ietf.org/html/rfc7208#section-2.3
	res.SPF, res.SPFError = v.checkSPF(tr, ip, ehloDomain, mailFrom)
	res.SPFFrom = mailFrom
	res.HELOSPF, res.HELOSPFError = v.checkSPF(tr, ip, ehloDomain,
		"postmaster@"+ehloDomain)
	spfResults.WithLabelValues(string(res.SPF)).Inc()

	// DKIM.
	var err error
	res.DKIM, err = dkim.VerifyMessage(dkimCtx, message)
	if err != nil {
		// An unparseable message yields an empty (none) result.
		tr.Debugf("DKIM verification error: %v", err)
		res.DKIM = &dkim.VerifyResult{}
	}

	// ARC.
	res.ARC, err = dkim.VerifyARC(dkimCtx, message)
	if err != nil {
		tr.Debugf("ARC verification error: %v", err)
		res.ARC = &dkim.ARCResult{State: dkim.CVNone}
	}
	arcResults.WithLabelValues(string(res.ARC.State)).Inc()

	// DMARC, based on the above.
	res.DMARC = v.checkDMARC(ctx, tr, message, mailFrom, res)
	dmarcActions.WithLabelValues(string(res.DMARC.Action)).Inc()

	// iprev.
	res.IPRev = v.checkIPRev(ctx, tr, ip)

	return res
}

func (v *Verifier) checkSPF(tr *trace.Trace, ip net.IP, ehloDomain, sender string) (spf.Result, error) {
	if v.skipSPF || ip == nil {
		return spf.None, nil
	}
	if envelope.DomainOf(sender) == "" {
		return spf.None, nil
	}

	spfTr := tr.NewChild("SPF", sender)
	defer spfTr.Finish()
	res, err := spf.CheckHostWithSender(ip, ehloDomain, sender,
		spf.WithTraceFunc(func(f string, a ...interface{}) {
			spfTr.Debugf(f, a...)
		}))
	spfTr.Debugf("%v (%v)", res, err)
	return res, err
}

// checkDMARC fetches and evaluates the DMARC policy of the From domain.
// https://tools.ietf.org/html/rfc7489#section-6.6
func (v *Verifier) checkDMARC(ctx context.Context, tr *trace.Trace,
	message, mailFrom string, partial *Results) *DMARCResult {
	fromDomain := fromHeaderDomain(message)
	if fromDomain == "" {
		return &DMARCResult{Result: "permerror", Action: ActionNone}
	}

	res := &DMARCResult{Domain: fromDomain, Action: ActionNone}

	record, err := dmarc.LookupWithOptions(fromDomain,
		&dmarc.LookupOptions{
			LookupTXT: func(name string) ([]string, error) {
				return v.LookupTXT(ctx, name)
			},
		})
	if err != nil {
		if dmarc.IsTempFail(err) {
			res.Result = "temperror"
		} else {
			// No record published, or an invalid one: DMARC does not
			// apply.
			res.Result = "none"
		}
		tr.Debugf("DMARC lookup for %q: %v", fromDomain, err)
		return res
	}
	res.Record = record

	// At least one aligned pass makes DMARC pass.
	// https://tools.ietf.org/html/rfc7489#section-4.2
	dkimAligned := false
	for _, d := range partial.DKIM.ValidDomains() {
		if aligned(d, fromDomain, record.DKIMAlignment) {
			dkimAligned = true
			break
		}
	}

	spfAligned := partial.SPF == spf.Pass &&
		aligned(envelope.DomainOf(partial.SPFFrom), fromDomain,
			record.SPFAlignment)

	if dkimAligned || spfAligned {
		res.Result = "pass"
		return res
	}

	res.Result = "fail"
	res.Action = actionFromPolicy(record.Policy)

	// Apply pct sampling: a policy with pct=N only applies to N% of the
	// failing messages; the rest get the next weaker action.
	// https://tools.ietf.org/html/rfc7489#section-6.6.4
	if record.Percent != nil && v.pctSample != nil &&
		v.pctSample() >= *record.Percent {
		switch res.Action {
		case ActionReject:
			res.Action = ActionQuarantine
		case ActionQuarantine:
			res.Action = ActionNone
		}
	}

	return res
}

func actionFromPolicy(p dmarc.Policy) Action {
	switch p {
	case dmarc.PolicyReject:
		return ActionReject
	case dmarc.PolicyQuarantine:
		return ActionQuarantine
	default:
		return ActionNone
	}
}

// aligned checks identifier alignment between a checked domain and the
// RFC5322.From domain.
// In strict mode they must match exactly. In relaxed mode, one must be a
// parent of the other. Note we compare on label boundaries but do not
// consult the public suffix list.
// https://tools.ietf.org/html/rfc7489#section-3.1
func aligned(domain, fromDomain string, mode dmarc.AlignmentMode) bool {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	fromDomain = strings.ToLower(strings.TrimSuffix(fromDomain, "."))

	if domain == fromDomain {
		return true
	}
	if mode == dmarc.AlignmentStrict {
		return false
	}

	return strings.HasSuffix(domain, "."+fromDomain) ||
		strings.HasSuffix(fromDomain, "."+domain)
}

// fromHeaderDomain extracts the domain of the RFC5322.From header.
func fromHeaderDomain(message string) string {
	msg, err := mail.ReadMessage(strings.NewReader(message))
	if err != nil {
		return ""
	}

	addr, err := mail.ParseAddress(msg.Header.Get("From"))
	if err != nil {
		return ""
	}

	return envelope.DomainOf(addr.Address)
}

// checkIPRev performs the iprev check: PTR of the connecting IP, then
// forward-confirmation of the returned names.
// https://tools.ietf.org/html/rfc8601#section-3
func (v *Verifier) checkIPRev(ctx context.Context, tr *trace.Trace, ip net.IP) *IPRevResult {
	if ip == nil || v.Resolver == nil {
		return &IPRevResult{Result: "permerror"}
	}

	names, err := v.Resolver.LookupPTR(ctx, ip)
	if err != nil {
		if resolver.IsTemporary(err) {
			return &IPRevResult{Result: "temperror"}
		}
		return &IPRevResult{Result: "fail"}
	}

	for _, name := range names {
		addrs, err := v.Resolver.LookupIPs(ctx, name)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if a.Equal(ip) {
				return &IPRevResult{Result: "pass", Name: name}
			}
		}
	}

	return &IPRevResult{Result: "fail"}
}

// AuthenticationResults renders the results as the value of an
// Authentication-Results header, with our hostname as the authserv-id.
// https://tools.ietf.org/html/rfc8601
func (r *Results) AuthenticationResults(hostname string) string {
	results := []msgauthres.Result{}

	if r.SPF != "" {
		results = append(results, &msgauthres.SPFResult{
			Value: spfToAuthres(r.SPF),
			From:  r.SPFFrom,
		})
	}

	if r.DKIM != nil {
		if r.DKIM.Found == 0 {
			results = append(results, &msgauthres.DKIMResult{
				Value: msgauthres.ResultNone,
			})
		}
		for _, one := range r.DKIM.Results {
			results = append(results, &msgauthres.DKIMResult{
				Value:  dkimToAuthres(one),
				Domain: one.Domain,
			})
		}
	}

	if r.DMARC != nil && r.DMARC.Result != "" {
		results = append(results, &msgauthres.DMARCResult{
			Value: msgauthres.ResultValue(r.DMARC.Result),
			From:  r.DMARC.Domain,
		})
	}

	if r.IPRev != nil {
		results = append(results, &msgauthres.IPRevResult{
			Value: msgauthres.ResultValue(r.IPRev.Result),
		})
	}

	return msgauthres.Format(hostname, results)
}

func spfToAuthres(r spf.Result) msgauthres.ResultValue {
	switch r {
	case spf.Pass:
		return msgauthres.ResultPass
	case spf.Fail:
		return msgauthres.ResultFail
	case spf.SoftFail:
		return msgauthres.ResultSoftFail
	case spf.Neutral:
		return msgauthres.ResultNeutral
	case spf.None:
		return msgauthres.ResultNone
	case spf.TempError:
		return msgauthres.ResultTempError
	default:
		return msgauthres.ResultPermError
	}
}

func dkimToAuthres(one *dkim.OneResult) msgauthres.ResultValue {
	switch one.State {
	case dkim.SUCCESS:
		return msgauthres.ResultPass
	case dkim.TEMPFAIL:
		return msgauthres.ResultTempError
	default:
		return msgauthres.ResultFail
	}
}
