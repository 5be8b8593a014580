package courier

import (
	"bufio"
	"crypto/tls"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/arrieromail/arriero/internal/domaininfo"
	"github.com/arrieromail/arriero/internal/kv"
	"github.com/arrieromail/arriero/internal/resolver"
	"github.com/arrieromail/arriero/internal/route"
	"github.com/arrieromail/arriero/internal/testlib"
)

// fakeServer is a minimal SMTP server for testing the engine against.
type fakeServer struct {
	t *testing.T
	l net.Listener

	// Recipients to reject with a 550.
	rejectRcpts map[string]bool

	// TLS configuration; nil means STARTTLS is not offered.
	tlsConfig *tls.Config

	mu       sync.Mutex
	gotFrom  string
	gotRcpts []string
	gotData  string
}

func newFakeServer(t *testing.T, tlsConfig *tls.Config) *fakeServer {
	t.Helper()
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}

	s := &fakeServer{
		t:           t,
		l:           l,
		rejectRcpts: map[string]bool{},
		tlsConfig:   tlsConfig,
	}
	go s.serve()
	return s
}

func (s *fakeServer) host() string {
	host, _, _ := net.SplitHostPort(s.l.Addr().String())
	return host
}

func (s *fakeServer) port() string {
	_, port, _ := net.SplitHostPort(s.l.Addr().String())
	return port
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.l.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	write := func(l string) { conn.Write([]byte(l + "\r\n")) }

	write("220 fake server ready")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(line, "EHLO"):
			write("250-fake")
			write("250-8BITMIME")
			if s.tlsConfig != nil {
				write("250-STARTTLS")
			}
			write("250 PIPELINING")
		case line == "STARTTLS" && s.tlsConfig != nil:
			write("220 go ahead")
			tconn := tls.Server(conn, s.tlsConfig)
			if err := tconn.Handshake(); err != nil {
				return
			}
			conn = tconn
			r = bufio.NewReader(conn)
			write = func(l string) { conn.Write([]byte(l + "\r\n")) }
		case strings.HasPrefix(line, "MAIL"):
			s.mu.Lock()
			s.gotFrom = line
			s.mu.Unlock()
			write("250 ok")
		case strings.HasPrefix(line, "RCPT TO:<"):
			rcpt := strings.TrimSuffix(strings.TrimPrefix(line, "RCPT TO:<"), ">")
			if s.rejectRcpts[rcpt] {
				write("550 5.1.1 no such user")
				continue
			}
			s.mu.Lock()
			s.gotRcpts = append(s.gotRcpts, rcpt)
			s.mu.Unlock()
			write("250 ok")
		case line == "DATA":
			write("354 go ahead")
			data := []string{}
			for {
				dl, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if strings.TrimRight(dl, "\r\n") == "." {
					break
				}
				data = append(data, dl)
			}
			s.mu.Lock()
			s.gotData = strings.Join(data, "")
			s.mu.Unlock()
			write("250 queued")
		case line == "RSET" || line == "NOOP":
			write("250 ok")
		case line == "QUIT":
			write("221 bye")
			return
		default:
			write("500 unknown")
		}
	}
}

func testEngine(t *testing.T, port string) *Engine {
	t.Helper()
	dir := testlib.MustTempDir(t)
	store, err := kv.NewDirStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	dinfo, err := domaininfo.New(store)
	if err != nil {
		t.Fatal(err)
	}

	e := NewEngine("client.example.com", nil, nil, dinfo)
	e.Port = port
	return e
}

func TestDeliverViaRelay(t *testing.T) {
	srv := newFakeServer(t, nil)
	defer srv.l.Close()

	e := testEngine(t, srv.port())

	tgt := route.Target{Kind: route.Relay, Addr: srv.l.Addr().String()}
	res := e.Deliver(tgt, "from@origen.example",
		[]string{"ok@dest.example", "malo@dest.example"},
		[]byte("Subject: hola\r\n\r\ncontenido\r\n"))

	if r := res["ok@dest.example"]; r.Error != nil {
		t.Errorf("ok rcpt failed: %v", r.Error)
	}
	if r := res["malo@dest.example"]; r.Error != nil {
		t.Errorf("second rcpt failed: %v", r.Error)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if !strings.Contains(srv.gotData, "contenido") {
		t.Errorf("server did not get the message: %q", srv.gotData)
	}
}

func TestPerRecipientResults(t *testing.T) {
	srv := newFakeServer(t, nil)
	defer srv.l.Close()
	srv.rejectRcpts["malo@dest.example"] = true

	e := testEngine(t, srv.port())

	tgt := route.Target{Kind: route.Relay, Addr: srv.l.Addr().String()}
	res := e.Deliver(tgt, "from@origen.example",
		[]string{"ok@dest.example", "malo@dest.example"},
		[]byte("Subject: x\r\n\r\ny\r\n"))

	if r := res["ok@dest.example"]; r.Error != nil {
		t.Errorf("accepted rcpt failed: %v", r.Error)
	}
	r := res["malo@dest.example"]
	if r.Error == nil || !r.Permanent {
		t.Errorf("rejected rcpt: expected permanent failure, got %+v", r)
	}
}

func TestDeliverMX(t *testing.T) {
	srv := newFakeServer(t, nil)
	defer srv.l.Close()

	// A resolver that answers MX(dest.example) = localhost.
	res := resolver.NewFake(map[string]*resolver.Result{
		"MX dest.example": {
			MXs: []resolver.MXRecord{{Host: "localhost", Pref: 10}},
		},
		"A localhost": {Addrs: []net.IP{net.ParseIP("127.0.0.1")}},
	})

	e := testEngine(t, srv.port())
	e.Resolver = res

	tgt := route.Target{Kind: route.MX}
	results := e.Deliver(tgt, "from@origen.example",
		[]string{"user@dest.example"}, []byte("Subject: x\r\n\r\ny\r\n"))

	if r := results["user@dest.example"]; r.Error != nil {
		t.Errorf("MX delivery failed: %v", r.Error)
	}
}

func TestDeliverMXDomainDoesNotExist(t *testing.T) {
	// Empty fake: every lookup is NXDOMAIN, and the A fallback for the
	// domain itself produces no usable hosts either.
	res := resolver.NewFake(map[string]*resolver.Result{})

	e := testEngine(t, "2525")
	e.Resolver = res

	results := e.Deliver(route.Target{Kind: route.MX},
		"from@origen.example", []string{"user@no-such.example"},
		[]byte("data"))

	r := results["user@no-such.example"]
	if r.Error == nil || !r.Permanent {
		t.Errorf("expected permanent failure, got %+v", r)
	}
}

// tlsRecorder records TLS-RPT events.
type tlsRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *tlsRecorder) RecordTLSResult(domain, mx string, policy TLSPolicy,
	success bool, failureType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if success {
		r.events = append(r.events, string(policy)+":success")
	} else {
		r.events = append(r.events, string(policy)+":"+failureType)
	}
}

func TestDANEMismatch(t *testing.T) {
	dir := testlib.MustTempDir(t)
	if _, err := testlib.GenerateCert(dir); err != nil {
		t.Fatal(err)
	}
	cert, err := tls.LoadX509KeyPair(dir+"/cert.pem", dir+"/key.pem")
	if err != nil {
		t.Fatal(err)
	}

	srv := newFakeServer(t, &tls.Config{Certificates: []tls.Certificate{cert}})
	defer srv.l.Close()

	// MX with the AD bit set, and a TLSA record that does not match the
	// server's certificate.
	bogus := make([]byte, 32)
	res := resolver.NewFake(map[string]*resolver.Result{
		"MX dest.example": {
			AD:  true,
			MXs: []resolver.MXRecord{{Host: "localhost", Pref: 10}},
		},
		"TLSA _" + srv.port() + "._tcp.localhost": {
			AD: true,
			TLSAs: []resolver.TLSARecord{
				{Usage: 3, Selector: 1, MatchingType: 1, Certificate: bogus},
			},
		},
		"A localhost": {Addrs: []net.IP{net.ParseIP("127.0.0.1")}},
	})

	rec := &tlsRecorder{}
	e := testEngine(t, srv.port())
	e.Resolver = res
	e.TLSReporter = rec

	results := e.Deliver(route.Target{Kind: route.MX},
		"from@origen.example", []string{"user@dest.example"},
		[]byte("data"))

	r := results["user@dest.example"]
	if r.Error == nil || r.Permanent {
		t.Errorf("expected transient failure, got %+v", r)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	found := false
	for _, ev := range rec.events {
		if ev == "dane:certificate-mismatch" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a dane:certificate-mismatch event, got %v",
			rec.events)
	}
}
