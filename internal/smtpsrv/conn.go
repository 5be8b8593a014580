package smtpsrv

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"net"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"blitiri.com.ar/go/spf"

	"github.com/arrieromail/arriero/internal/aliases"
	"github.com/arrieromail/arriero/internal/auth"
	"github.com/arrieromail/arriero/internal/authres"
	"github.com/arrieromail/arriero/internal/dkim"
	"github.com/arrieromail/arriero/internal/domaininfo"
	"github.com/arrieromail/arriero/internal/envelope"
	"github.com/arrieromail/arriero/internal/haproxy"
	"github.com/arrieromail/arriero/internal/maillog"
	"github.com/arrieromail/arriero/internal/metrics"
	"github.com/arrieromail/arriero/internal/normalize"
	"github.com/arrieromail/arriero/internal/policy"
	"github.com/arrieromail/arriero/internal/queue"
	"github.com/arrieromail/arriero/internal/report"
	"github.com/arrieromail/arriero/internal/set"
	"github.com/arrieromail/arriero/internal/tlsconst"
	"github.com/arrieromail/arriero/internal/trace"
)

// Exported metrics.
var (
	commandCount = metrics.NewCounterVec("smtp_in", "commands_total",
		"count of SMTP commands received, by command", "command")
	responseCodeCount = metrics.NewCounterVec("smtp_in", "response_codes_total",
		"response codes returned to SMTP commands", "code")
	spfResultCount = metrics.NewCounterVec("smtp_in", "spf_results_total",
		"SPF result count", "result")
	loopsDetected = metrics.NewCounter("smtp_in", "loops_detected_total",
		"count of mail loops detected")
	tlsCount = metrics.NewCounterVec("smtp_in", "tls_total",
		"count of TLS usage in incoming connections", "status")
	wrongProtoCount = metrics.NewCounterVec("smtp_in", "wrong_proto_total",
		"count of commands for other protocols", "command")
)

var (
	maxReceivedHeaders = flag.Int("testing__max_received_headers", 50,
		"max Received headers, for loop detection; ONLY FOR TESTING")
)

// Commands whose responses may be deferred under PIPELINING; everything
// else flushes the write buffer before reading the next command.
// https://tools.ietf.org/html/rfc2920#section-3.1
var pipelineable = map[string]bool{
	"MAIL": true,
	"RCPT": true,
	"RSET": true,
	"NOOP": true,
}

// SocketMode represents the mode for a socket (listening or connection).
// We keep them distinct, as policies can differ between them.
type SocketMode struct {
	// Is this mode submission?
	IsSubmission bool

	// Is this mode TLS-wrapped? That means that we don't use STARTTLS,
	// the connection is directly established over TLS (like HTTPS).
	TLS bool
}

func (mode SocketMode) String() string {
	s := "SMTP"
	if mode.IsSubmission {
		s = "submission"
	}
	if mode.TLS {
		s += "+TLS"
	}
	return s
}

// Valid socket modes.
var (
	ModeSMTP          = SocketMode{IsSubmission: false, TLS: false}
	ModeSubmission    = SocketMode{IsSubmission: true, TLS: false}
	ModeSubmissionTLS = SocketMode{IsSubmission: true, TLS: true}
)

// Conn represents an incoming SMTP connection.
type Conn struct {
	// Main hostname, used for display only.
	hostname string

	// Maximum data size.
	maxDataSize int64

	// Connection information.
	conn         net.Conn
	mode         SocketMode
	tlsConnState *tls.ConnectionState
	remoteAddr   net.Addr

	// Reader and writer, so we can control limits and flushing.
	reader *bufio.Reader
	writer *bufio.Writer

	// Tracer to use.
	tr *trace.Trace

	// TLS configuration.
	tlsConfig *tls.Config

	// Domain given at HELO/EHLO.
	ehloDomain string

	// Envelope.
	mailFrom string
	rcptTo   []string
	data     []byte

	// BDAT (CHUNKING) accumulation buffer, nil unless BDAT was used.
	bdatBuf []byte

	// Are we using TLS?
	onTLS bool

	// Have we used EHLO?
	isESMTP bool

	// Authentication, policy and verification machinery, taken from the
	// server at creation time.
	authr        *auth.Authenticator
	localDomains *set.String
	aliasesR     *aliases.Resolver
	dinfo        *domaininfo.DB
	policies     *policy.Evaluator
	verifier     *authres.Verifier
	reporter     *report.Reporter

	// Map of domain -> DKIM signers, for authenticated submissions.
	dkimSigners map[string][]*dkim.Signer

	// Post-DATA hook location; empty disables it.
	postDataHook string

	// Policy evaluation context, carried through the stages.
	polCtx *policy.Context

	// Have we successfully completed AUTH?
	completedAuth bool

	// Authenticated user and domain, empty if !completedAuth.
	authUser   string
	authDomain string

	// Results of the authentication checks, set after DATA headers are
	// read.
	authResults *authres.Results

	// When we should close this connection, no matter what.
	deadline time.Time

	// Queue where we put incoming mail.
	queue *queue.Queue

	// Time we wait for network operations.
	commandTimeout time.Duration

	// Time we wait for the DATA transfer (distinct from commandTimeout).
	dataTimeout time.Duration

	// Enable HAProxy on incoming connections.
	haproxyEnabled bool
}

// Close the connection.
func (c *Conn) Close() {
	c.conn.Close()
}

// Handle implements the main protocol loop (reading commands, sending
// replies).
func (c *Conn) Handle() {
	defer c.Close()

	c.tr = trace.New("SMTP.Conn", c.conn.RemoteAddr().String())
	defer c.tr.Finish()
	c.tr.Debugf("connected, mode: %s", c.mode)

	// Set the first deadline, which covers possibly the TLS handshake and
	// then our initial greeting.
	c.conn.SetDeadline(time.Now().Add(c.commandTimeout))

	if tc, ok := c.conn.(*tls.Conn); ok {
		// For TLS connections, complete the handshake and get the state,
		// so it can be used when we say hello below.
		err := tc.Handshake()
		if err != nil {
			c.tr.Errorf("error completing TLS handshake: %v", err)
			return
		}

		cstate := tc.ConnectionState()
		c.tlsConnState = &cstate
		if name := c.tlsConnState.ServerName; name != "" {
			c.hostname = name
		}
	}

	// Set up a buffered reader and writer from the conn.
	// They will be used to do line-oriented, limited I/O.
	c.reader = bufio.NewReader(c.conn)
	c.writer = bufio.NewWriter(c.conn)

	c.remoteAddr = c.conn.RemoteAddr()
	if c.haproxyEnabled {
		src, dst, err := haproxy.Handshake(c.reader)
		if err != nil {
			c.tr.Errorf("error in haproxy handshake: %v", err)
			return
		}
		c.remoteAddr = src
		c.tr.Debugf("haproxy handshake: %v -> %v", src, dst)
	}

	// Connection-level policy runs before the banner; a rejection closes
	// without greeting.
	c.polCtx = &policy.Context{
		Stage:    policy.StageConnect,
		RemoteIP: addrIP(c.remoteAddr),
		TLS:      c.onTLS,
	}
	defer c.policies.ReleaseConcurrency(c.polCtx)

	if res := c.policies.Evaluate(c.tr, c.polCtx); res.Action.Kind == policy.Reject {
		c.tr.Errorf("connection rejected by policy")
		c.writeResponse(res.Action.Code, res.Action.Msg)
		return
	}

	c.printfLine("220 %s ESMTP arriero ready", c.hostname)

	var cmd, params string
	var err error
	var errCount int

loop:
	for {
		if time.Since(c.deadline) > 0 {
			err = fmt.Errorf("connection deadline exceeded")
			c.tr.Error(err)
			c.printfLine("421 4.4.2 Session timed out, closing connection")
			break
		}

		c.conn.SetDeadline(time.Now().Add(c.commandTimeout))

		cmd, params, err = c.readCommand()
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				c.printfLine("421 4.4.2 Idle timeout, closing connection")
			} else {
				c.printfLine("554 error reading command: %v", err)
			}
			break
		}

		if cmd == "AUTH" {
			c.tr.Debugf("-> AUTH <redacted>")
		} else {
			c.tr.Debugf("-> %s %s", cmd, params)
		}

		var code int
		var msg string

		switch cmd {
		case "HELO":
			code, msg = c.HELO(params)
		case "EHLO":
			code, msg = c.EHLO(params)
		case "HELP":
			code, msg = c.HELP(params)
		case "NOOP":
			code, msg = c.NOOP(params)
		case "RSET":
			code, msg = c.RSET(params)
		case "VRFY":
			code, msg = c.VRFY(params)
		case "EXPN":
			code, msg = c.EXPN(params)
		case "MAIL":
			code, msg = c.MAIL(params)
		case "RCPT":
			code, msg = c.RCPT(params)
		case "DATA":
			// DATA handles the whole sequence.
			code, msg = c.DATA(params)
		case "BDAT":
			code, msg = c.BDAT(params)
		case "STARTTLS":
			code, msg = c.STARTTLS(params)
		case "AUTH":
			code, msg = c.AUTH(params)
		case "QUIT":
			_ = c.writeResponse(221, "2.0.0 May the road rise to meet you")
			break loop
		case "GET", "POST", "CONNECT":
			// HTTP protocol detection, to prevent cross-protocol attacks
			// (e.g. https://alpaca-attack.com/).
			wrongProtoCount.WithLabelValues(cmd).Inc()
			c.tr.Errorf("http command, closing connection")
			_ = c.writeResponse(502, "5.7.0 Not an HTTP server")
			break loop
		default:
			// Sanitize it a bit to avoid filling the logs and metrics
			// with noisy data. Keep the first 6 bytes for debugging.
			cmd = fmt.Sprintf("unknown<%.6q>", cmd)
			code = 500
			msg = "5.5.1 Unknown command"
		}

		commandCount.WithLabelValues(cmd).Inc()
		if code > 0 {
			c.tr.Debugf("<- %d  %s", code, msg)

			if code >= 400 {
				// Be verbose about errors, to help troubleshooting.
				c.tr.Errorf("%s failed: %d  %s", cmd, code, msg)

				// Close the connection after 3 errors.
				// This helps prevent cross-protocol attacks.
				errCount++
				if errCount >= 3 {
					// https://tools.ietf.org/html/rfc5321#section-4.3.2
					c.tr.Errorf("too many errors, breaking connection")
					_ = c.writeResponse(421, "4.5.0 Too many errors, bye")
					break
				}
			}

			err = c.reply(cmd, code, msg)
			if err != nil {
				break
			}
		}
	}

	if err != nil {
		if err == io.EOF {
			c.tr.Debugf("client closed the connection")
		} else {
			c.tr.Errorf("exiting with error: %v", err)
		}
	}
}

// reply writes the response; for pipelineable commands with more input
// already buffered, the flush is deferred so responses go out in batches.
func (c *Conn) reply(cmd string, code int, msg string) error {
	flush := !pipelineable[cmd] || c.reader.Buffered() == 0
	return c.writeResponseFlush(code, msg, flush)
}

// HELO SMTP command handler.
func (c *Conn) HELO(params string) (code int, msg string) {
	if len(strings.TrimSpace(params)) == 0 {
		return 501, "HELO requires a domain"
	}
	c.ehloDomain = strings.Fields(params)[0]

	if code, msg, rejected := c.ehloPolicy(); rejected {
		return code, msg
	}

	return 250, "Pleased to meet you"
}

// EHLO SMTP command handler.
func (c *Conn) EHLO(params string) (code int, msg string) {
	if len(strings.TrimSpace(params)) == 0 {
		return 501, "EHLO requires a domain"
	}
	c.ehloDomain = strings.Fields(params)[0]
	c.isESMTP = true

	if code, msg, rejected := c.ehloPolicy(); rejected {
		return code, msg
	}

	buf := bytes.NewBuffer(nil)
	fmt.Fprintf(buf, c.hostname+" at your service\n")
	fmt.Fprintf(buf, "8BITMIME\n")
	fmt.Fprintf(buf, "PIPELINING\n")
	fmt.Fprintf(buf, "SMTPUTF8\n")
	fmt.Fprintf(buf, "ENHANCEDSTATUSCODES\n")
	fmt.Fprintf(buf, "SIZE %d\n", c.maxDataSize)
	fmt.Fprintf(buf, "CHUNKING\n")
	fmt.Fprintf(buf, "DSN\n")
	if c.onTLS {
		fmt.Fprintf(buf, "AUTH %s\n", strings.Join(auth.Mechanisms, " "))
	} else {
		fmt.Fprintf(buf, "STARTTLS\n")
	}
	fmt.Fprintf(buf, "HELP\n")
	return 250, buf.String()
}

func (c *Conn) ehloPolicy() (int, string, bool) {
	c.polCtx.Stage = policy.StageEhlo
	c.polCtx.EhloDomain = c.ehloDomain
	res := c.policies.Evaluate(c.tr, c.polCtx)
	if res.Action.Kind == policy.Reject {
		return res.Action.Code, res.Action.Msg, true
	}
	return 0, "", false
}

// HELP SMTP command handler.
func (c *Conn) HELP(params string) (code int, msg string) {
	return 214, "2.0.0 See https://tools.ietf.org/html/rfc5321"
}

// RSET SMTP command handler.
func (c *Conn) RSET(params string) (code int, msg string) {
	c.resetEnvelope()
	return 250, "2.0.0 Everything is forgotten"
}

// VRFY SMTP command handler.
func (c *Conn) VRFY(params string) (code int, msg string) {
	// We intentionally don't implement this command.
	return 502, "5.5.1 You can't always get what you want"
}

// EXPN SMTP command handler.
func (c *Conn) EXPN(params string) (code int, msg string) {
	// We intentionally don't implement this command.
	return 502, "5.5.1 You can't always get what you want"
}

// NOOP SMTP command handler.
func (c *Conn) NOOP(params string) (code int, msg string) {
	return 250, "2.0.0 Nothing done"
}

// MAIL SMTP command handler.
func (c *Conn) MAIL(params string) (code int, msg string) {
	// params should be: "FROM:<name@host>", and possibly followed by
	// options such as "BODY=8BITMIME" or "SIZE=1234".
	// Check that it begins with "FROM:" first, it's mandatory.
	if !strings.HasPrefix(strings.ToLower(params), "from:") {
		return 500, "5.5.2 Unknown command"
	}
	if c.ehloDomain == "" {
		return 503, "5.5.1 Polite people say hello first"
	}
	if c.mode.IsSubmission && !c.completedAuth {
		if !c.onTLS {
			// https://tools.ietf.org/html/rfc3207#section-4
			return 530, "5.7.0 Must issue a STARTTLS command first"
		}
		return 550, "5.7.9 Mail to submission port must be authenticated"
	}

	rawAddr := ""
	_, err := fmt.Sscanf(params[5:], "%s ", &rawAddr)
	if err != nil {
		return 500, "5.5.4 Malformed command: " + err.Error()
	}

	// Note some servers check (and fail) if we had a previous MAIL
	// command, but that's not according to the RFC. We reset the envelope
	// instead.
	c.resetEnvelope()

	// Check the SIZE parameter if the client declared one.
	for _, opt := range strings.Fields(params)[1:] {
		if v, ok := strings.CutPrefix(strings.ToUpper(opt), "SIZE="); ok {
			size, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 501, "5.5.4 Malformed SIZE parameter"
			}
			if size > c.maxDataSize {
				return 552, "5.3.4 Message size exceeds maximum"
			}
		}
	}

	// Special case a null reverse-path, which is explicitly allowed and
	// used for notification messages.
	// It should be written "<>", we check for that and remove spaces just
	// to be more flexible.
	addr := ""
	if strings.Replace(rawAddr, " ", "", -1) == "<>" {
		addr = "<>"
	} else {
		e, err := mail.ParseAddress(rawAddr)
		if err != nil || e.Address == "" {
			return 501, "5.1.7 Sender address malformed"
		}
		addr = e.Address

		if !strings.Contains(addr, "@") {
			return 501, "5.1.8 Sender address must contain a domain"
		}

		// https://tools.ietf.org/html/rfc5321#section-4.5.3.1.3
		if len(addr) > 256 {
			return 501, "5.1.7 Sender address too long"
		}

		addr, err = normalize.DomainToUnicode(addr)
		if err != nil {
			maillog.Rejected(c.remoteAddr, addr, nil,
				fmt.Sprintf("malformed address: %v", err))
			return 501, "5.1.8 Malformed sender domain (IDNA conversion failed)"
		}
	}

	// MAIL-stage policy.
	c.polCtx.Stage = policy.StageMail
	c.polCtx.MailFrom = addr
	if res := c.policies.Evaluate(c.tr, c.polCtx); res.Action.Kind == policy.Reject {
		maillog.Rejected(c.remoteAddr, addr, nil, res.Action.Msg)
		c.policies.Rollback(c.polCtx)
		return res.Action.Code, res.Action.Msg
	}

	c.mailFrom = addr
	return 250, "2.1.0 Sender OK"
}

// RCPT SMTP command handler.
func (c *Conn) RCPT(params string) (code int, msg string) {
	// params should be: "TO:<name@host>", and possibly followed by
	// options such as "NOTIFY=SUCCESS,DELAY" (which we ignore).
	// Check that it begins with "TO:" first, it's mandatory.
	if !strings.HasPrefix(strings.ToLower(params), "to:") {
		return 500, "5.5.2 Unknown command"
	}

	if c.mailFrom == "" {
		return 503, "5.5.1 Sender not yet given"
	}

	rawAddr := ""
	_, err := fmt.Sscanf(params[3:], "%s ", &rawAddr)
	if err != nil {
		return 500, "5.5.4 Malformed command: " + err.Error()
	}

	// RFC says 100 is the minimum limit for this, but it seems excessive.
	// https://tools.ietf.org/html/rfc5321#section-4.5.3.1.8
	if len(c.rcptTo) > 100 {
		return 452, "4.5.3 Too many recipients"
	}

	e, err := mail.ParseAddress(rawAddr)
	if err != nil || e.Address == "" {
		return 501, "5.1.3 Malformed destination address"
	}

	addr, err := normalize.DomainToUnicode(e.Address)
	if err != nil {
		return 501, "5.1.2 Malformed destination domain (IDNA conversion failed)"
	}

	// https://tools.ietf.org/html/rfc5321#section-4.5.3.1.3
	if len(addr) > 256 {
		return 501, "5.1.3 Destination address too long"
	}

	localDst := envelope.DomainIn(addr, c.localDomains)
	if !localDst && !c.completedAuth {
		maillog.Rejected(c.remoteAddr, c.mailFrom, []string{addr},
			"relay not allowed")
		return 503, "5.7.1 Relay not allowed"
	}

	if localDst {
		addr, err = normalize.Addr(addr)
		if err != nil {
			maillog.Rejected(c.remoteAddr, c.mailFrom, []string{addr},
				fmt.Sprintf("invalid address: %v", err))
			return 550, "5.1.3 Destination address is invalid"
		}

		ok, err := c.localUserExists(addr)
		if err != nil {
			c.tr.Errorf("error checking if user %q exists: %v", addr, err)
			maillog.Rejected(c.remoteAddr, c.mailFrom, []string{addr},
				fmt.Sprintf("error checking if user exists: %v", err))
			return 451, "4.4.3 Temporary error checking address"
		}
		if !ok {
			maillog.Rejected(c.remoteAddr, c.mailFrom, []string{addr},
				"local user does not exist")
			return 550, "5.1.1 Destination address is unknown (user does not exist)"
		}
	}

	// RCPT-stage policy; rejected recipients do not enter the
	// transaction.
	c.polCtx.Stage = policy.StageRcpt
	c.polCtx.RcptTo = addr
	c.polCtx.RcptCount = len(c.rcptTo)
	if res := c.policies.Evaluate(c.tr, c.polCtx); res.Action.Kind == policy.Reject {
		maillog.Rejected(c.remoteAddr, c.mailFrom, []string{addr},
			res.Action.Msg)
		return res.Action.Code, res.Action.Msg
	}

	c.rcptTo = append(c.rcptTo, addr)
	return 250, "2.1.5 Recipient OK"
}

// DATA SMTP command handler.
func (c *Conn) DATA(params string) (code int, msg string) {
	if c.ehloDomain == "" {
		return 503, "5.5.1 Polite people say hello first"
	}
	if c.mailFrom == "" {
		return 503, "5.5.1 Sender not yet given"
	}
	if len(c.rcptTo) == 0 {
		return 554, "5.5.1 No valid recipients"
	}
	if c.bdatBuf != nil {
		// https://tools.ietf.org/html/rfc3030#section-3
		return 503, "5.5.1 DATA not allowed during BDAT"
	}

	// We're going ahead.
	err := c.writeResponse(354, "Go ahead, end with <CRLF>.<CRLF>")
	if err != nil {
		return 554, fmt.Sprintf("5.4.0 Error writing DATA response: %v", err)
	}

	c.tr.Debugf("<- 354  Go ahead")
	if c.onTLS {
		tlsCount.WithLabelValues("tls").Inc()
	} else {
		tlsCount.WithLabelValues("plain").Inc()
	}

	// Use the DATA-specific timeout for the transfer, bounded by the
	// connection-level deadline.
	dataDeadline := time.Now().Add(c.dataTimeout)
	if dataDeadline.After(c.deadline) {
		dataDeadline = c.deadline
	}
	c.conn.SetDeadline(dataDeadline)

	c.data, err = readUntilDot(c.reader, c.maxDataSize)
	if err == errMessageTooLarge {
		return 552, "5.3.4 Message too big"
	} else if err != nil {
		return 554, fmt.Sprintf("5.4.0 Error reading DATA: %v", err)
	}

	c.tr.Debugf("-> ... %d bytes of data", len(c.data))

	return c.acceptMessage()
}

// BDAT SMTP command handler (CHUNKING extension).
// https://tools.ietf.org/html/rfc3030
func (c *Conn) BDAT(params string) (code int, msg string) {
	if c.mailFrom == "" {
		return 503, "5.5.1 Sender not yet given"
	}
	if len(c.rcptTo) == 0 {
		return 554, "5.5.1 No valid recipients"
	}

	fields := strings.Fields(params)
	if len(fields) == 0 || len(fields) > 2 {
		return 501, "5.5.4 BDAT requires a chunk size"
	}
	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || size < 0 {
		return 501, "5.5.4 Malformed chunk size"
	}
	last := false
	if len(fields) == 2 {
		if !strings.EqualFold(fields[1], "LAST") {
			return 501, "5.5.4 Unknown BDAT parameter"
		}
		last = true
	}

	c.conn.SetDeadline(time.Now().Add(c.dataTimeout))

	if c.bdatBuf == nil {
		c.bdatBuf = []byte{}
	}

	// Oversized chunks are consumed and discarded, to keep the dialog in
	// sync without buffering them.
	if int64(len(c.bdatBuf))+size > c.maxDataSize {
		if _, err := io.CopyN(io.Discard, c.reader, size); err != nil {
			return 554, fmt.Sprintf("5.4.0 Error reading BDAT chunk: %v", err)
		}
		c.resetEnvelope()
		return 552, "5.3.4 Message too big"
	}

	chunk := make([]byte, size)
	if _, err := io.ReadFull(c.reader, chunk); err != nil {
		return 554, fmt.Sprintf("5.4.0 Error reading BDAT chunk: %v", err)
	}
	c.bdatBuf = append(c.bdatBuf, chunk...)

	if !last {
		return 250, fmt.Sprintf("2.0.0 Received %d bytes", size)
	}

	// Final chunk: normalize line endings to our internal LF form, and
	// process the complete message.
	data := bytes.ReplaceAll(c.bdatBuf, []byte("\r\n"), []byte("\n"))
	c.data = data
	c.bdatBuf = nil

	c.tr.Debugf("-> ... %d bytes of data (chunked)", len(c.data))
	return c.acceptMessage()
}

// acceptMessage runs the post-DATA checks and, if they pass, queues the
// message. The envelope is durably in the queue before the 250 response
// is written.
func (c *Conn) acceptMessage() (code int, msg string) {
	if err := checkData(c.data); err != nil {
		maillog.Rejected(c.remoteAddr, c.mailFrom, c.rcptTo, err.Error())
		return 554, err.Error()
	}

	// Run the mail authentication checks (SPF, DKIM, DMARC, ARC, iprev)
	// now that we have the headers.
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	c.authResults = c.verifier.Verify(ctx, c.tr,
		addrIP(c.remoteAddr), c.ehloDomain, c.verifierFrom(), c.data)

	spfResultCount.WithLabelValues(string(c.authResults.SPF)).Inc()
	c.polCtx.SPFPass = c.authResults.SPF == spf.Pass

	if !c.secLevelCheck() {
		maillog.Rejected(c.remoteAddr, c.mailFrom, c.rcptTo,
			"security level check failed")
		return 550, "5.7.3 Security level check failed"
	}

	if d := c.authResults.DMARC; d != nil {
		c.recordDMARC(d)
		if d.Action == authres.ActionReject {
			maillog.Rejected(c.remoteAddr, c.mailFrom, c.rcptTo,
				"DMARC policy reject")
			return 550, "5.7.1 SPF alignment failure"
		}
	}

	// DATA-stage policy.
	c.polCtx.Stage = policy.StageData
	c.polCtx.Size = int64(len(c.data))
	polRes := c.policies.Evaluate(c.tr, c.polCtx)
	switch polRes.Action.Kind {
	case policy.Reject:
		maillog.Rejected(c.remoteAddr, c.mailFrom, c.rcptTo, polRes.Action.Msg)
		c.policies.Rollback(c.polCtx)
		return polRes.Action.Code, polRes.Action.Msg
	case policy.Quarantine:
		c.data = envelope.AddHeader(c.data, "X-Quarantine", "yes")
		c.tr.Printf("message quarantined by policy")
	}
	for _, h := range polRes.Headers {
		c.data = envelope.AddHeader(c.data, h[0], h[1])
	}

	if d := c.authResults.DMARC; d != nil && d.Action == authres.ActionQuarantine {
		c.data = envelope.AddHeader(c.data, "X-Quarantine", "dmarc")
	}

	// External inspection hook (content scanning and the like).
	hookOut, permanent, err := c.runPostDataHook(c.data)
	if err != nil {
		maillog.Rejected(c.remoteAddr, c.mailFrom, c.rcptTo, err.Error())
		if permanent {
			return 554, err.Error()
		}
		return 451, err.Error()
	}
	c.data = append(hookOut, c.data...)

	c.addAuthResultsHeader()
	received := c.receivedHeader()
	c.data = envelope.AddHeader(c.data, "Received", received)

	c.maybeDKIMSign()

	priority := queue.PriorityNormal
	if c.mode.IsSubmission {
		priority = queue.PriorityHigh
	}

	// There are no partial failures here: we put it in the queue, and
	// then if individual deliveries fail, we report via email.
	// If we fail to queue, return a transient error.
	msgID, err := c.queue.Put(c.tr, c.mailFrom, c.rcptTo, c.data,
		queue.PutOptions{
			Priority:    priority,
			AuthResults: c.authResults.AuthenticationResults(c.hostname),
			Received:    received,
		})
	if err != nil {
		return 451, fmt.Sprintf("4.3.0 Failed to queue message: %v", err)
	}

	c.tr.Printf("queued from %s to %s - %s", c.mailFrom, c.rcptTo, msgID)
	maillog.Queued(c.remoteAddr, c.mailFrom, c.rcptTo, msgID)

	// It is very important that we reset the envelope before returning,
	// so clients can send other emails right away without needing to
	// RSET.
	c.resetEnvelope()

	return 250, "2.0.0 Message queued as " + msgID
}

// verifierFrom returns the MAIL FROM identity to verify; bounces use the
// EHLO identity only.
func (c *Conn) verifierFrom() string {
	if c.mailFrom == "<>" {
		return ""
	}
	return c.mailFrom
}

// secLevelCheck checks if the connection's security level is acceptable
// for the sender domain.
func (c *Conn) secLevelCheck() bool {
	// Only check when SPF passes. This serves two purposes:
	//  - Skip for authenticated connections (we trust them implicitly).
	//  - Don't apply this if we can't be sure the sender is authorized.
	//    Otherwise anyone could raise the level of any domain.
	if c.completedAuth || c.authResults.SPF != spf.Pass || c.dinfo == nil {
		return true
	}

	domain := envelope.DomainOf(c.mailFrom)
	level := domaininfo.SecLevelPlain
	if c.onTLS {
		level = domaininfo.SecLevelTLSClient
	}

	return c.dinfo.IncomingSecLevel(c.tr, domain, level)
}

// recordDMARC feeds the evaluation into the aggregate reporter, and sends
// a failure report when the policy requests one.
func (c *Conn) recordDMARC(d *authres.DMARCResult) {
	if c.reporter == nil || d.Record == nil {
		return
	}

	dkimRes := "fail"
	if len(c.authResults.DKIM.ValidDomains()) > 0 {
		dkimRes = "pass"
	}
	spfRes := "fail"
	if c.authResults.SPF == spf.Pass {
		spfRes = "pass"
	}

	disposition := "none"
	switch d.Action {
	case authres.ActionReject:
		disposition = "reject"
	case authres.ActionQuarantine:
		disposition = "quarantine"
	}

	c.reporter.RecordDMARC(d.Domain, addrIP(c.remoteAddr),
		disposition, dkimRes, spfRes, d.Record.ReportURIAggregate)

	if d.Result == "fail" && len(d.Record.ReportURIFailure) > 0 {
		c.reporter.SendDMARCFailure(c.tr, d.Domain,
			d.Record.ReportURIFailure, c.data)
	}
}

// maybeDKIMSign signs the message when the sender is authenticated and we
// have signers for their domain.
func (c *Conn) maybeDKIMSign() {
	if !c.completedAuth {
		return
	}
	signers := c.dkimSigners[envelope.DomainOf(c.mailFrom)]
	if len(signers) == 0 {
		return
	}

	message := string(normalize.ToCRLF(c.data))
	ctx := dkim.WithTraceFunc(context.Background(), c.tr.Debugf)
	for _, signer := range signers {
		sig, err := signer.Sign(ctx, message)
		if err != nil {
			c.tr.Errorf("DKIM signing failed: %v", err)
			continue
		}
		c.data = envelope.AddHeader(c.data, "DKIM-Signature",
			strings.ReplaceAll(sig, "\r\n", "\n"))
	}
}

// addAuthResultsHeader prepends the Authentication-Results header, and the
// legacy Received-SPF one.
func (c *Conn) addAuthResultsHeader() {
	if c.authResults == nil {
		return
	}

	ar := c.authResults.AuthenticationResults(c.hostname)
	// The header value comes with the "Authentication-Results:" prefix
	// from the library formatter; strip it, and let AddHeader indent.
	ar = strings.TrimPrefix(ar, "Authentication-Results:")
	ar = strings.TrimSpace(strings.ReplaceAll(ar, "\r\n", "\n"))
	c.data = envelope.AddHeader(c.data, "Authentication-Results", ar)

	if c.authResults.SPF != "" {
		// https://tools.ietf.org/html/rfc7208#section-9.1
		v := fmt.Sprintf("%s (%v)", c.authResults.SPF, c.authResults.SPFError)
		c.data = envelope.AddHeader(c.data, "Received-SPF", v)
	}
}

// receivedHeader builds the value of the Received header for this message.
func (c *Conn) receivedHeader() string {
	var v string

	// Format is semi-structured, defined by
	// https://tools.ietf.org/html/rfc5321#section-4.4

	if c.completedAuth {
		// For authenticated users, only show the EHLO domain they gave;
		// explicitly hide their network address.
		v += fmt.Sprintf("from %s\n", c.ehloDomain)
	} else {
		// For non-authenticated users we show the real address as
		// canonical, and then the given EHLO domain for convenience and
		// troubleshooting.
		v += fmt.Sprintf("from [%s] (%s)\n",
			addrLiteral(c.remoteAddr), c.ehloDomain)
	}

	v += fmt.Sprintf("by %s (arriero) ", c.hostname)

	// https://www.iana.org/assignments/mail-parameters/mail-parameters.xhtml#mail-parameters-7
	with := "SMTP"
	if c.isESMTP {
		with = "ESMTP"
	}
	if c.onTLS {
		with += "S"
	}
	if c.completedAuth {
		with += "A"
	}
	v += fmt.Sprintf("with %s\n", with)

	if c.tlsConnState != nil {
		// https://tools.ietf.org/html/rfc8314#section-4.3
		v += fmt.Sprintf("tls %s\n",
			tlsconst.CipherSuiteName(c.tlsConnState.CipherSuite))
	}

	v += fmt.Sprintf("(over %s, ", c.mode)
	if c.tlsConnState != nil {
		v += fmt.Sprintf("%s, ", tlsconst.VersionName(c.tlsConnState.Version))
	} else {
		v += "plain text!, "
	}

	// Note we must NOT include c.rcptTo, that would leak BCCs.
	v += fmt.Sprintf("envelope from %q)\n", c.mailFrom)

	// This should be the last part in the Received header, by RFC.
	// The ";" is a mandatory separator. The date format is not standard
	// but this one seems to be widely used.
	// https://tools.ietf.org/html/rfc5322#section-3.6.7
	v += fmt.Sprintf("; %s\n", time.Now().Format(time.RFC1123Z))

	return v
}

// addrLiteral converts a net.Addr (must be TCP) into a string for use as
// address literal, compliant with
// https://tools.ietf.org/html/rfc5321#section-4.1.3.
func addrLiteral(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		// Fall back to Go's string representation; non-compliant but
		// better than anything for our purposes.
		return addr.String()
	}

	// IPv6 addresses take the "IPv6:" prefix.
	// IPv4 addresses are used literally.
	s := tcp.IP.String()
	if strings.Contains(s, ":") {
		return "IPv6:" + s
	}

	return s
}

// addrIP extracts the IP of a net.Addr, nil if not TCP.
func addrIP(addr net.Addr) net.IP {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP
	}
	return nil
}

// checkData performs very basic checks on the body of the email, to help
// detect very broad problems like email loops. It does not fully check the
// sanity of the headers or the structure of the payload.
func checkData(data []byte) error {
	msg, err := mail.ReadMessage(bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("5.6.0 Error parsing message: %v", err)
	}

	// This serves as a basic form of loop prevention. It's not infallible
	// but should catch most instances of accidental looping.
	// https://tools.ietf.org/html/rfc5321#section-6.3
	if len(msg.Header["Received"]) > *maxReceivedHeaders {
		loopsDetected.Inc()
		return fmt.Errorf("5.4.6 Loop detected (%d hops)",
			*maxReceivedHeaders)
	}

	return nil
}

// STARTTLS SMTP command handler.
func (c *Conn) STARTTLS(params string) (code int, msg string) {
	if c.onTLS {
		return 503, "5.5.1 TLS already active"
	}

	err := c.writeResponse(220, "2.0.0 Ready to start TLS")
	if err != nil {
		return 554, fmt.Sprintf("5.4.0 Error writing STARTTLS response: %v", err)
	}

	c.tr.Debugf("<- 220  Ready to start TLS")

	server := tls.Server(c.conn, c.tlsConfig)
	err = server.Handshake()
	if err != nil {
		return 554, fmt.Sprintf("5.5.0 Error in TLS handshake: %v", err)
	}

	c.tr.Debugf("<> ...  jump to TLS was successful")

	// Override the connection. We don't need the older one anymore.
	c.conn = server
	c.reader = bufio.NewReader(c.conn)
	c.writer = bufio.NewWriter(c.conn)

	// Take the connection state, so we can use it later for logging and
	// tracing purposes.
	cstate := server.ConnectionState()
	c.tlsConnState = &cstate

	// Reset the envelope and the EHLO state; clients must start over
	// after switching to TLS.
	c.resetEnvelope()
	c.ehloDomain = ""
	c.isESMTP = false

	c.onTLS = true
	c.polCtx.TLS = true

	// If the client requested a specific server and we complied, that's
	// our identity from now on.
	if name := c.tlsConnState.ServerName; name != "" {
		c.hostname = name
	}

	// 0 indicates not to send back a reply.
	return 0, ""
}

// AUTH SMTP command handler.
func (c *Conn) AUTH(params string) (code int, msg string) {
	if !c.onTLS {
		return 503, "5.7.10 Encryption required for authentication"
	}

	if c.completedAuth {
		// After a successful AUTH command completes, a server MUST reject
		// any further AUTH commands with a 503 reply.
		// https://tools.ietf.org/html/rfc4954#section-4
		return 503, "5.5.1 Already authenticated"
	}

	// Params are "MECHANISM [initial-response]".
	sp := strings.SplitN(params, " ", 2)
	mechanism := strings.ToUpper(sp[0])

	srv, ident, err := c.authr.NewSASLServer(mechanism, c.hostname)
	if err != nil {
		return 504, "5.5.4 Unrecognized authentication type"
	}

	// The exchange: send challenges as 334, read responses, until the
	// server side tells us it is done.
	// https://tools.ietf.org/html/rfc4954#section-4
	var response []byte
	if len(sp) == 2 {
		response, err = base64.StdEncoding.DecodeString(sp[1])
		if err != nil {
			return 501, "5.5.2 Invalid base64 in initial response"
		}
	} else {
		challenge, done, err := srv.Next(nil)
		if err != nil || done {
			return 454, "4.7.0 Temporary authentication failure"
		}
		response, err = c.challenge(challenge)
		if err != nil {
			return 554, fmt.Sprintf("5.4.0 Error in AUTH exchange: %v", err)
		}
	}

	for {
		challenge, done, err := srv.Next(response)
		if err != nil {
			maillog.Auth(c.remoteAddr, ident.String(), false)
			if err == auth.ErrFailed {
				// https://tools.ietf.org/html/rfc4954#section-6
				return 535, "5.7.8 Incorrect user or password"
			}
			return 454, "4.7.0 Temporary authentication failure"
		}
		if done {
			break
		}

		response, err = c.challenge(challenge)
		if err != nil {
			return 554, fmt.Sprintf("5.4.0 Error in AUTH exchange: %v", err)
		}
	}

	c.authUser = ident.User
	c.authDomain = ident.Domain
	c.completedAuth = true
	maillog.Auth(c.remoteAddr, ident.String(), true)

	// AUTH-stage policy; mostly useful for per-user rate limits.
	c.polCtx.Stage = policy.StageAuth
	c.polCtx.AuthUser = ident.String()
	if res := c.policies.Evaluate(c.tr, c.polCtx); res.Action.Kind == policy.Reject {
		c.completedAuth = false
		c.authUser = ""
		c.authDomain = ""
		c.polCtx.AuthUser = ""
		return res.Action.Code, res.Action.Msg
	}

	return 235, "2.7.0 Authentication successful"
}

// challenge writes a 334 challenge and reads the client's response.
func (c *Conn) challenge(challenge []byte) ([]byte, error) {
	err := c.writeResponse(334, base64.StdEncoding.EncodeToString(challenge))
	if err != nil {
		return nil, err
	}

	line, err := c.readLine()
	if err != nil {
		return nil, err
	}
	if line == "*" {
		// https://tools.ietf.org/html/rfc4954#section-4
		return nil, fmt.Errorf("authentication cancelled")
	}

	return base64.StdEncoding.DecodeString(line)
}

func (c *Conn) resetEnvelope() {
	c.mailFrom = ""
	c.rcptTo = nil
	c.data = nil
	c.bdatBuf = nil
	c.authResults = nil
	if c.polCtx != nil {
		c.polCtx.MailFrom = ""
		c.polCtx.RcptTo = ""
		c.polCtx.RcptCount = 0
		c.polCtx.Size = 0
		c.polCtx.Score = 0
		c.polCtx.SPFPass = false
		c.polCtx.Commit()
	}
}

func (c *Conn) localUserExists(addr string) (bool, error) {
	if c.aliasesR.Exists(c.tr, addr) {
		return true, nil
	}

	// Remove the drop chars and suffixes, if any, so the database lookup
	// is on a "clean" address.
	addr = c.aliasesR.RemoveDropsAndSuffix(addr)
	user, domain := envelope.Split(addr)
	return c.authr.Exists(user, domain)
}

func (c *Conn) readCommand() (cmd, params string, err error) {
	msg, err := c.readLine()
	if err != nil {
		return "", "", err
	}

	sp := strings.SplitN(msg, " ", 2)
	cmd = strings.ToUpper(sp[0])
	if len(sp) > 1 {
		params = sp[1]
	}

	return cmd, params, err
}

func (c *Conn) readLine() (line string, err error) {
	// The bufio reader's ReadLine will only read up to the buffer size,
	// which prevents DoS due to memory exhaustion on extremely long
	// lines.
	l, more, err := c.reader.ReadLine()
	if err != nil {
		return "", err
	}

	// As per RFC, the maximum length of a text line is 1000 octets.
	// https://tools.ietf.org/html/rfc5321#section-4.5.3.1.6
	if len(l) > 1000 || more {
		// Keep reading to maintain the protocol status, but discard the
		// data.
		for more && err == nil {
			_, more, err = c.reader.ReadLine()
		}
		return "", fmt.Errorf("line too long")
	}

	return string(l), nil
}

func (c *Conn) writeResponse(code int, msg string) error {
	return c.writeResponseFlush(code, msg, true)
}

func (c *Conn) writeResponseFlush(code int, msg string, flush bool) error {
	if flush {
		defer c.writer.Flush()
	}

	responseCodeCount.WithLabelValues(strconv.Itoa(code)).Inc()
	return writeResponse(c.writer, code, msg)
}

func (c *Conn) printfLine(format string, args ...interface{}) {
	fmt.Fprintf(c.writer, format+"\r\n", args...)
	c.writer.Flush()
}

// writeResponse writes a multi-line response to the given writer.
// This is the writing version of textproto.Reader.ReadResponse().
func writeResponse(w io.Writer, code int, msg string) error {
	var i int
	lines := strings.Split(msg, "\n")

	// The first N-1 lines use "<code>-<text>".
	for i = 0; i < len(lines)-2; i++ {
		_, err := w.Write([]byte(fmt.Sprintf("%d-%s\r\n", code, lines[i])))
		if err != nil {
			return err
		}
	}

	// The last line uses "<code> <text>".
	_, err := w.Write([]byte(fmt.Sprintf("%d %s\r\n", code, lines[i])))
	if err != nil {
		return err
	}

	return nil
}
