package courier

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"time"

	"github.com/arrieromail/arriero/internal/dane"
	"github.com/arrieromail/arriero/internal/domaininfo"
	"github.com/arrieromail/arriero/internal/resolver"
	"github.com/arrieromail/arriero/internal/smtp"
	"github.com/arrieromail/arriero/internal/sts"
	"github.com/arrieromail/arriero/internal/trace"
)

// attempt is the state of delivering one message to one domain group.
type attempt struct {
	engine *Engine
	tr     *trace.Trace

	from string
	to   []string
	data []byte

	domain string

	stsPolicy *sts.Policy

	// Port override; empty means the engine's port.
	port string

	// Established security level, set by the TLS verification callback.
	secLevel domaininfo.SecLevel
}

// policy returns the strongest transport policy in effect for this host.
func (a *attempt) policy(tlsa []resolver.TLSARecord) TLSPolicy {
	switch {
	case len(tlsa) > 0:
		return PolicyDANE
	case a.stsPolicy != nil && a.stsPolicy.Mode == sts.Enforce:
		return PolicySTSEnforce
	case a.stsPolicy != nil && a.stsPolicy.Mode == sts.Testing:
		return PolicySTSTesting
	default:
		return PolicyOpportunist
	}
}

func (a *attempt) reportTLS(mx string, policy TLSPolicy, success bool, failureType string) {
	if a.engine.TLSReporter == nil || policy == PolicyOpportunist {
		// Only sessions under an effective policy are reported.
		return
	}
	a.engine.TLSReporter.RecordTLSResult(a.domain, mx, policy, success, failureType)
}

// deliverToHost makes one SMTP session to the given host, delivering to as
// many recipients as it accepts.
// Returns the per-recipient results on success, or a host-level error and
// whether it is permanent.
func (a *attempt) deliverToHost(mx string, tlsa []resolver.TLSARecord) (map[string]Result, error, bool) {
	policy := a.policy(tlsa)
	port := a.port
	if port == "" {
		port = a.engine.Port
	}
	hop := mx + ":" + port

	// Pool entries are keyed by (source-ip, next-hop), so connections
	// bound to different egress addresses are never shared.
	poolKey := a.engine.sourceKey() + "/" + hop

	a.tr.Debugf("attempting %s (policy: %s)", hop, policy)

	// Reuse a pooled connection when one with a suitable security level
	// exists.
	var pc *pooledConn
	if a.engine.Pool != nil {
		minLevel := domaininfo.SecLevelPlain
		if policy == PolicyDANE || policy == PolicySTSEnforce {
			minLevel = domaininfo.SecLevelTLSSecure
		}
		pc = a.engine.Pool.Get(poolKey, minLevel, policy == PolicyDANE)
	}

	if pc == nil {
		var err error
		pc, err = a.connect(mx, hop, policy, tlsa)
		if err != nil {
			return nil, err, false
		}
	}

	// Track the outgoing security level, to prevent downgrade attacks.
	if a.engine.DInfo != nil {
		if !a.engine.DInfo.OutgoingSecLevel(a.tr, a.domain, pc.level) {
			// We consider the failure transient, so transient
			// misconfigurations do not affect deliveries.
			slcResults.WithLabelValues("fail").Inc()
			pc.client.Close()
			return nil, a.tr.Errorf(
				"security level check failed (level: %s)", pc.level), false
		}
		slcResults.WithLabelValues("pass").Inc()
	}

	res, err, perm := a.transaction(pc.client)
	if err != nil {
		pc.client.Close()
		return nil, err, perm
	}

	if a.engine.Pool != nil {
		a.engine.Pool.Put(poolKey, pc)
	} else {
		pc.client.Quit()
	}

	a.reportTLS(mx, policy, true, "")
	return res, nil, false
}

// dial opens a TCP connection to the host, resolving its addresses
// through our resolver facade, and binding to the configured egress
// address if there is one.
func (a *attempt) dial(mx, port string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: smtpDialTimeout}
	if a.engine.SourceIP != nil {
		dialer.LocalAddr = &net.TCPAddr{IP: a.engine.SourceIP}
	}

	if a.engine.Resolver == nil || net.ParseIP(mx) != nil {
		return dialer.Dial("tcp", net.JoinHostPort(mx, port))
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	ips, err := a.engine.Resolver.LookupIPs(ctx, mx)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.Dial("tcp", net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// connect dials the host and negotiates TLS according to the policy.
func (a *attempt) connect(mx, hop string, policy TLSPolicy,
	tlsa []resolver.TLSARecord) (*pooledConn, error) {
	port := a.port
	if port == "" {
		port = a.engine.Port
	}
	conn, err := a.dial(mx, port)
	if err != nil {
		return nil, a.tr.Errorf("could not dial %q: %v", hop, err)
	}
	conn.SetDeadline(time.Now().Add(smtpTotalTimeout))

	c, err := smtp.NewClient(conn, mx)
	if err != nil {
		conn.Close()
		return nil, a.tr.Errorf("error creating client: %v", err)
	}

	if err = c.Hello(a.engine.Hostname); err != nil {
		c.Close()
		return nil, a.tr.Errorf("error saying hello: %v", err)
	}

	a.secLevel = domaininfo.SecLevelPlain
	daneOK := false

	if ok, _ := c.Extension("STARTTLS"); ok {
		config := &tls.Config{
			ServerName: mx,

			// Unfortunately, many servers use self-signed and invalid
			// certificates. So we use a custom verification (identical
			// to Go's) to distinguish between invalid and valid
			// certificates. That information is used to track the
			// security level, to prevent downgrade attacks.
			InsecureSkipVerify: true,
			VerifyConnection: func(cs tls.ConnectionState) error {
				a.secLevel = a.verifyConnection(cs)
				return nil
			},
		}

		err = c.StartTLS(config)
		if err != nil {
			c.Close()
			a.reportTLS(mx, policy, false, "starttls-not-supported")
			if policy == PolicyOpportunist {
				// Retry without TLS. This should be quite rare, but it
				// can happen if the server certificate is not parseable
				// by the Go library, or if it has a broken TLS stack.
				tlsCount.WithLabelValues("tls:failed").Inc()
				a.tr.Errorf("TLS error, retrying without TLS: %v", err)
				return a.connectPlain(mx, hop)
			}
			return nil, a.tr.Errorf("TLS negotiation failed: %v", err)
		}

		cstate, _ := c.TLSConnectionState()

		// DANE: the strongest policy. If TLSA records exist and none
		// matches, the host is a hard failure for this attempt; we must
		// not fall back to unauthenticated TLS or plaintext.
		// https://tools.ietf.org/html/rfc7672#section-2.2
		if policy == PolicyDANE {
			if err := dane.VerifyConnection(tlsa, cstate); err != nil {
				daneResults.WithLabelValues("fail").Inc()
				a.reportTLS(mx, policy, false, "certificate-mismatch")
				c.Close()
				return nil, a.tr.Errorf("DANE verification failed: %v", err)
			}
			daneResults.WithLabelValues("pass").Inc()
			daneOK = true
			a.secLevel = domaininfo.SecLevelTLSSecure
		}

		// MTA-STS enforce requires a PKI-validated certificate.
		// https://tools.ietf.org/html/rfc8461#section-4.2
		if policy == PolicySTSEnforce && !daneOK &&
			a.secLevel != domaininfo.SecLevelTLSSecure {
			a.reportTLS(mx, policy, false, "certificate-not-trusted")
			c.Close()
			return nil, a.tr.Errorf(
				"invalid certificate for MTA-STS enforced domain")
		}

		if policy == PolicySTSTesting && a.secLevel != domaininfo.SecLevelTLSSecure {
			// Testing mode: proceed, but leave a report behind.
			a.reportTLS(mx, policy, false, "certificate-not-trusted")
		}
	} else {
		tlsCount.WithLabelValues("plain").Inc()
		a.tr.Debugf("insecure - NOT using TLS")

		if policy == PolicyDANE || policy == PolicySTSEnforce {
			a.reportTLS(mx, policy, false, "starttls-not-supported")
			c.Close()
			return nil, a.tr.Errorf("TLS required by policy but not offered")
		}
		if policy == PolicySTSTesting {
			a.reportTLS(mx, policy, false, "starttls-not-supported")
		}
	}

	return &pooledConn{
		client: c,
		level:  a.secLevel,
		daneOK: daneOK,
	}, nil
}

// connectPlain re-dials without attempting TLS, for servers with broken
// TLS stacks (opportunistic policy only).
func (a *attempt) connectPlain(mx, hop string) (*pooledConn, error) {
	port := a.port
	if port == "" {
		port = a.engine.Port
	}
	conn, err := a.dial(mx, port)
	if err != nil {
		return nil, a.tr.Errorf("could not dial %q: %v", hop, err)
	}
	conn.SetDeadline(time.Now().Add(smtpTotalTimeout))

	c, err := smtp.NewClient(conn, mx)
	if err != nil {
		conn.Close()
		return nil, a.tr.Errorf("error creating client: %v", err)
	}
	if err = c.Hello(a.engine.Hostname); err != nil {
		c.Close()
		return nil, a.tr.Errorf("error saying hello: %v", err)
	}

	return &pooledConn{client: c, level: domaininfo.SecLevelPlain}, nil
}

// transaction runs MAIL/RCPT/DATA on an established session, tracking the
// per-recipient outcomes.
func (a *attempt) transaction(c *smtp.Client) (map[string]Result, error, bool) {
	if err := c.Mail(a.from); err != nil {
		return nil, a.tr.Errorf("MAIL %v", err), smtp.IsPermanent(err)
	}

	res := map[string]Result{}
	accepted := []string{}
	for _, rcpt := range a.to {
		if err := c.Rcpt(rcpt); err != nil {
			a.tr.Debugf("RCPT %s: %v", rcpt, err)
			res[rcpt] = Result{Error: err, Permanent: smtp.IsPermanent(err)}
			continue
		}
		accepted = append(accepted, rcpt)
	}

	if len(accepted) == 0 {
		// Nothing to send; reset so the connection stays usable.
		c.Reset()
		return res, nil, false
	}

	w, err := c.Data()
	if err != nil {
		return nil, a.tr.Errorf("DATA %v", err), smtp.IsPermanent(err)
	}
	if _, err := w.Write(a.data); err != nil {
		w.Close()
		return nil, a.tr.Errorf("DATA writing: %v", err), smtp.IsPermanent(err)
	}
	if err := w.Close(); err != nil {
		// The final response after the data applies to all accepted
		// recipients.
		perm := smtp.IsPermanent(err)
		for _, rcpt := range accepted {
			res[rcpt] = Result{Error: err, Permanent: perm}
		}
		return res, nil, false
	}

	for _, rcpt := range accepted {
		res[rcpt] = Result{}
	}

	a.tr.Debugf("transaction done: %d accepted, %d rejected",
		len(accepted), len(a.to)-len(accepted))
	return res, nil, false
}

// verifyConnection validates certificates using the same logic Go does,
// following the official example at
// https://pkg.go.dev/crypto/tls#example-Config-VerifyConnection.
func (a *attempt) verifyConnection(cs tls.ConnectionState) domaininfo.SecLevel {
	opts := x509.VerifyOptions{
		DNSName:       cs.ServerName,
		Intermediates: x509.NewCertPool(),
		Roots:         a.engine.certRoots,
	}
	for _, cert := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	_, err := cs.PeerCertificates[0].Verify(opts)

	if err != nil {
		// Invalid TLS cert, since it could not be verified.
		a.tr.Debugf("insecure - using TLS, but with an invalid cert")
		tlsCount.WithLabelValues("tls:insecure").Inc()
		return domaininfo.SecLevelTLSInsecure
	}

	tlsCount.WithLabelValues("tls:secure").Inc()
	a.tr.Debugf("secure - using TLS")
	return domaininfo.SecLevelTLSSecure
}

// deliverLMTP hands the message to a local delivery agent over LMTP.
func (e *Engine) deliverLMTP(tr *trace.Trace, addr, from string, to []string,
	data []byte) map[string]Result {
	network, address, ok := cutAddr(addr)
	if !ok {
		return allFail(to, tr.Errorf("malformed LMTP address %q", addr), true)
	}

	conn, err := net.DialTimeout(network, address, smtpDialTimeout)
	if err != nil {
		return allFail(to, tr.Errorf("could not dial %q: %v", addr, err), false)
	}
	conn.SetDeadline(time.Now().Add(smtpTotalTimeout))

	c, err := smtp.NewLMTPClient(conn, e.Hostname)
	if err != nil {
		return allFail(to, tr.Errorf("LMTP hello: %v", err), false)
	}
	defer c.Quit()

	if err := c.Mail(from); err != nil {
		return allFail(to, tr.Errorf("LMTP MAIL: %v", err), smtp.IsPermanent(err))
	}

	res := map[string]Result{}
	accepted := []string{}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			res[rcpt] = Result{Error: err, Permanent: smtp.IsPermanent(err)}
			continue
		}
		accepted = append(accepted, rcpt)
	}

	if len(accepted) > 0 {
		// LMTP gives us one result per accepted recipient.
		results, err := c.Data(bytes.NewReader(data))
		if err != nil {
			for _, rcpt := range accepted {
				res[rcpt] = Result{Error: err, Permanent: smtp.IsPermanent(err)}
			}
			return res
		}
		for i, rcpt := range accepted {
			var rerr error
			if i < len(results) {
				rerr = results[i]
			}
			res[rcpt] = Result{Error: rerr, Permanent: smtp.IsPermanent(rerr)}
		}
	}

	return res
}

func cutAddr(addr string) (network, address string, ok bool) {
	if len(addr) > 5 && addr[:5] == "unix:" {
		return "unix", addr[5:], true
	}
	if len(addr) > 4 && addr[:4] == "tcp:" {
		return "tcp", addr[4:], true
	}
	return "", "", false
}
