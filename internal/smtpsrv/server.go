// Package smtpsrv implements the incoming SMTP server and connection
// handler.
package smtpsrv

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"blitiri.com.ar/go/log"

	"github.com/arrieromail/arriero/internal/aliases"
	"github.com/arrieromail/arriero/internal/auth"
	"github.com/arrieromail/arriero/internal/authres"
	"github.com/arrieromail/arriero/internal/dkim"
	"github.com/arrieromail/arriero/internal/domaininfo"
	"github.com/arrieromail/arriero/internal/maillog"
	"github.com/arrieromail/arriero/internal/metrics"
	"github.com/arrieromail/arriero/internal/policy"
	"github.com/arrieromail/arriero/internal/queue"
	"github.com/arrieromail/arriero/internal/report"
	"github.com/arrieromail/arriero/internal/set"
	"github.com/arrieromail/arriero/internal/userdb"
)

var (
	// Reload frequency.
	// We should consider making this a proper option if there's interest
	// in changing it, but until then, it's a test-only flag for
	// simplicity.
	reloadEvery = flag.Duration("testing__reload_every", 30*time.Second,
		"how often to reload, ONLY FOR TESTING")
)

var sessionCount = metrics.NewGauge("smtp_in", "sessions",
	"number of inbound sessions currently open")

// Server represents an SMTP server instance.
type Server struct {
	// Main hostname, used for display only.
	Hostname string

	// Maximum data size.
	MaxDataSize int64

	// Maximum number of concurrent inbound sessions; accepting pauses
	// beyond this.
	MaxConcurrentSessions int64

	// Addresses.
	addrs map[SocketMode][]string

	// Listeners (that came via systemd).
	listeners map[SocketMode][]net.Listener

	// TLS config (including loaded certificates).
	tlsConfig *tls.Config

	// Use HAProxy on incoming connections.
	HAProxyEnabled bool

	// Path to the hooks directory; empty disables hooks.
	HookPath string

	// Local domains.
	localDomains *set.String

	// Authenticator.
	authr *auth.Authenticator

	// Aliases resolver.
	aliasesR *aliases.Resolver

	// Domain info database.
	dinfo *domaininfo.DB

	// Policy evaluator, shared by all sessions.
	policies *policy.Evaluator

	// Mail authentication verifier.
	verifier *authres.Verifier

	// Reporter for DMARC/TLS-RPT events.
	reporter *report.Reporter

	// Map of domain -> DKIM signers.
	dkimSigners map[string][]*dkim.Signer

	// Time before we give up on a connection, even if it's sending data.
	connTimeout time.Duration

	// Time we wait for command round-trips (excluding DATA).
	commandTimeout time.Duration

	// Time we wait for the DATA transfer.
	dataTimeout time.Duration

	// Queue where we put incoming mail.
	queue *queue.Queue

	// Live session count, for backpressure.
	sessions atomic.Int64
}

// NewServer returns a new empty Server.
func NewServer(authr *auth.Authenticator, aliasesR *aliases.Resolver,
	policies *policy.Evaluator, verifier *authres.Verifier) *Server {
	return &Server{
		addrs:     map[SocketMode][]string{},
		listeners: map[SocketMode][]net.Listener{},

		// Disable session tickets, to work around compatibility problems
		// with some large providers' broken TLS session resumption.
		tlsConfig: &tls.Config{
			SessionTicketsDisabled: true,
			MinVersion:             tls.VersionTLS12,
			NextProtos:             []string{"smtp"},
		},

		MaxConcurrentSessions: 500,

		connTimeout:    20 * time.Minute,
		commandTimeout: 1 * time.Minute,
		dataTimeout:    10 * time.Minute,

		localDomains: &set.String{},
		authr:        authr,
		aliasesR:     aliasesR,
		policies:     policies,
		verifier:     verifier,
		dkimSigners:  map[string][]*dkim.Signer{},
	}
}

// AddCerts (TLS) to the server.
func (s *Server) AddCerts(certPath, keyPath string) error {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return err
	}
	s.tlsConfig.Certificates = append(s.tlsConfig.Certificates, cert)
	return nil
}

// AddAddr adds an address for the server to listen on.
func (s *Server) AddAddr(a string, m SocketMode) {
	s.addrs[m] = append(s.addrs[m], a)
}

// AddListeners adds listeners for the server to listen on.
func (s *Server) AddListeners(ls []net.Listener, m SocketMode) {
	s.listeners[m] = append(s.listeners[m], ls...)
}

// LocalDomains returns the set of domains we consider local.
func (s *Server) LocalDomains() *set.String {
	return s.localDomains
}

// AddDomain adds a local domain to the server.
func (s *Server) AddDomain(d string) {
	s.localDomains.Add(d)
	s.aliasesR.AddDomain(d)
}

// AddUserDB adds a userdb file as backend for the domain.
func (s *Server) AddUserDB(domain, f string) (int, error) {
	// Load the userdb, and register it unconditionally (so reload works
	// even if there are errors right now).
	udb, err := userdb.Load(f)
	s.authr.Register(domain, auth.WrapNoErrorBackend(udb))
	return udb.Len(), err
}

// AddAliasesFile adds an aliases file for the given domain.
func (s *Server) AddAliasesFile(domain, f string) (int, error) {
	return s.aliasesR.AddAliasesFile(domain, f)
}

var (
	errDecodingPEMBlock     = fmt.Errorf("error decoding PEM block")
	errUnsupportedBlockType = fmt.Errorf("unsupported block type")
	errUnsupportedKeyType   = fmt.Errorf("unsupported key type")
)

// AddDKIMSigner for the given domain and selector.
func (s *Server) AddDKIMSigner(domain, selector, keyPath string) error {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return err
	}

	block, _ := pem.Decode(key)
	if block == nil {
		return errDecodingPEMBlock
	}

	if strings.ToUpper(block.Type) != "PRIVATE KEY" {
		return fmt.Errorf("%w: %s", errUnsupportedBlockType, block.Type)
	}

	signer, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return err
	}

	switch k := signer.(type) {
	case *rsa.PrivateKey, ed25519.PrivateKey:
		// These are supported, nothing to do.
	default:
		return fmt.Errorf("%w: %T", errUnsupportedKeyType, k)
	}

	s.dkimSigners[domain] = append(s.dkimSigners[domain], &dkim.Signer{
		Domain:   domain,
		Selector: selector,
		Signer:   signer.(crypto.Signer),
	})
	return nil
}

// SetAuthFallback sets the authentication backend to use as fallback.
func (s *Server) SetAuthFallback(be auth.Backend) {
	s.authr.Fallback = be
}

// SetAliasesConfig sets the aliases configuration options.
func (s *Server) SetAliasesConfig(suffixSep, dropChars string) {
	s.aliasesR.SuffixSep = suffixSep
	s.aliasesR.DropChars = dropChars
}

// SetDomainInfo sets the domain info database to use.
func (s *Server) SetDomainInfo(dinfo *domaininfo.DB) {
	s.dinfo = dinfo
}

// SetReporter sets the reporter for DMARC and TLS-RPT events.
func (s *Server) SetReporter(r *report.Reporter) {
	s.reporter = r
}

// SetQueue sets the queue where accepted messages go.
func (s *Server) SetQueue(q *queue.Queue) {
	s.queue = q

	http.HandleFunc("/debug/queue",
		func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(q.DumpString()))
		})
}

// periodicallyReload some of the server's information that can be changed
// without the server knowing, such as aliases and the user databases.
func (s *Server) periodicallyReload() {
	if reloadEvery == nil {
		return
	}

	//lint:ignore SA1015 This lasts the program's lifetime.
	for range time.Tick(*reloadEvery) {
		s.Reload()
	}
}

// Reload the aliases and user databases.
func (s *Server) Reload() {
	// Note that any error while reloading is fatal: this way, if there is
	// an unexpected error it can be detected (and corrected) quickly,
	// instead of much later (e.g. upon restart) when it might be harder
	// to debug.
	if err := s.aliasesR.Reload(); err != nil {
		log.Fatalf("Error reloading aliases: %v", err)
	}

	if err := s.authr.Reload(); err != nil {
		log.Fatalf("Error reloading authenticators: %v", err)
	}
}

// ListenAndServe on the addresses and listeners that were previously
// added. This function will not return.
func (s *Server) ListenAndServe() {
	if len(s.tlsConfig.Certificates) == 0 {
		// We assume there's at least one valid certificate (for things
		// like STARTTLS, user authentication, etc.), so we fail if none
		// was found.
		log.Errorf("No SSL/TLS certificates found")
		log.Errorf("Ideally there should be a certificate for each MX you act as")
		log.Fatalf("At least one valid certificate is needed")
	}

	go s.periodicallyReload()

	for m, addrs := range s.addrs {
		for _, addr := range addrs {
			l, err := net.Listen("tcp", addr)
			if err != nil {
				log.Fatalf("Error listening: %v", err)
			}

			log.Infof("Server listening on %s (%v)", addr, m)
			maillog.Listening(addr)
			go s.serve(l, m)
		}
	}

	for m, ls := range s.listeners {
		for _, l := range ls {
			log.Infof("Server listening on %s (%v, via systemd)", l.Addr(), m)
			maillog.Listening(l.Addr().String())
			go s.serve(l, m)
		}
	}

	// Never return. If the serve goroutines have problems, they will
	// abort execution.
	for {
		time.Sleep(24 * time.Hour)
	}
}

func (s *Server) serve(l net.Listener, mode SocketMode) {
	// If this mode is expected to be TLS-wrapped, make it so.
	if mode.TLS {
		l = tls.NewListener(l, s.tlsConfig)
	}

	pdhook := ""
	if s.HookPath != "" {
		pdhook = path.Join(s.HookPath, "post-data")
	}

	for {
		// Backpressure: when at capacity, stop accepting until a session
		// ends.
		for s.sessions.Load() >= s.MaxConcurrentSessions {
			time.Sleep(50 * time.Millisecond)
		}

		conn, err := l.Accept()
		if err != nil {
			log.Fatalf("Error accepting: %v", err)
		}

		sc := &Conn{
			hostname:       s.Hostname,
			maxDataSize:    s.MaxDataSize,
			conn:           conn,
			mode:           mode,
			tlsConfig:      s.tlsConfig,
			haproxyEnabled: s.HAProxyEnabled,
			onTLS:          mode.TLS,
			authr:          s.authr,
			aliasesR:       s.aliasesR,
			localDomains:   s.localDomains,
			dinfo:          s.dinfo,
			policies:       s.policies,
			verifier:       s.verifier,
			reporter:       s.reporter,
			dkimSigners:    s.dkimSigners,
			postDataHook:   pdhook,
			deadline:       time.Now().Add(s.connTimeout),
			commandTimeout: s.commandTimeout,
			dataTimeout:    s.dataTimeout,
			queue:          s.queue,
		}

		s.sessions.Add(1)
		sessionCount.Set(float64(s.sessions.Load()))
		go func() {
			defer func() {
				s.sessions.Add(-1)
				sessionCount.Set(float64(s.sessions.Load()))
			}()
			sc.Handle()
		}()
	}
}
