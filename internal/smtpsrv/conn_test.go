package smtpsrv

import (
	"context"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/arrieromail/arriero/internal/aliases"
	"github.com/arrieromail/arriero/internal/auth"
	"github.com/arrieromail/arriero/internal/authres"
	"github.com/arrieromail/arriero/internal/blob"
	"github.com/arrieromail/arriero/internal/kv"
	"github.com/arrieromail/arriero/internal/policy"
	"github.com/arrieromail/arriero/internal/queue"
	"github.com/arrieromail/arriero/internal/route"
	"github.com/arrieromail/arriero/internal/set"
	"github.com/arrieromail/arriero/internal/testlib"
	"github.com/arrieromail/arriero/internal/throttle"
)

// Fake backend with the users "pepe" and "juana".
type fakeBackend struct{}

func (b fakeBackend) Authenticate(user, password string) bool {
	return (user == "pepe" || user == "juana") && password == "pass"
}

func (b fakeBackend) Exists(user string) bool {
	return user == "pepe" || user == "juana"
}

func (b fakeBackend) Reload() error { return nil }

// testEnv holds a connection under test and its surroundings.
type testEnv struct {
	t      *testing.T
	queue  *queue.Queue
	client *textproto.Conn
	done   chan struct{}

	txtRecords map[string][]string
}

// newTestEnv starts a Conn over a network pipe, and returns a textproto
// client talking to it.
func newTestEnv(t *testing.T, mode SocketMode, onTLS bool) *testEnv {
	return newTestEnvHook(t, mode, onTLS, "")
}

func newTestEnvHook(t *testing.T, mode SocketMode, onTLS bool, hook string) *testEnv {
	t.Helper()
	dir := testlib.MustTempDir(t)

	qstore, err := kv.NewDirStore(dir + "/queue")
	if err != nil {
		t.Fatal(err)
	}
	bstore, err := kv.NewDirStore(dir + "/blobs")
	if err != nil {
		t.Fatal(err)
	}

	localDomains := set.NewString("local.example")

	authr := auth.NewAuthenticator()
	authr.AuthDuration = time.Millisecond
	authr.Register("local.example", auth.WrapNoErrorBackend(fakeBackend{}))

	aliasesR := aliases.NewResolver(authr.Exists)
	aliasesR.AddDomain("local.example")

	env := &testEnv{
		t:          t,
		done:       make(chan struct{}),
		txtRecords: map[string][]string{},
	}

	env.queue = queue.New(qstore, blob.New(bstore), localDomains,
		aliasesR, route.NewTable(), nil)
	// Note we do not start the queue: envelopes stay in it for
	// inspection.

	verifier := &authres.Verifier{
		Hostname: "mx.local.example",
		LookupTXT: func(ctx context.Context, name string) ([]string, error) {
			return env.txtRecords[name], nil
		},
	}
	verifier.DisableSPFForTesting()

	serverSide, clientSide := net.Pipe()

	c := &Conn{
		hostname:       "mx.local.example",
		maxDataSize:    1 * 1024 * 1024,
		conn:           serverSide,
		mode:           mode,
		onTLS:          onTLS,
		authr:          authr,
		aliasesR:       aliasesR,
		localDomains:   localDomains,
		policies:       policy.NewEvaluator(throttle.New()),
		verifier:       verifier,
		postDataHook:   hook,
		queue:          env.queue,
		deadline:       time.Now().Add(time.Minute),
		commandTimeout: 10 * time.Second,
		dataTimeout:    10 * time.Second,
	}

	go func() {
		c.Handle()
		close(env.done)
	}()

	env.client = textproto.NewConn(clientSide)
	if _, _, err := env.client.ReadResponse(220); err != nil {
		t.Fatalf("greeting: %v", err)
	}

	return env
}

// cmd sends a command and expects the given response code.
func (env *testEnv) cmd(expectCode int, format string, args ...interface{}) (int, string) {
	env.t.Helper()
	id, err := env.client.Cmd(format, args...)
	if err != nil {
		env.t.Fatalf("sending %q: %v", format, err)
	}
	env.client.StartResponse(id)
	defer env.client.EndResponse(id)

	code, msg, err := env.client.ReadResponse(expectCode)
	if err != nil {
		env.t.Fatalf("response to %q: expected %d, got %d %q (%v)",
			format, expectCode, code, msg, err)
	}
	return code, msg
}

func (env *testEnv) quit() {
	env.t.Helper()
	env.cmd(221, "QUIT")
	env.client.Close()
	<-env.done
}

func TestSimpleDialog(t *testing.T) {
	env := newTestEnv(t, ModeSMTP, false)

	_, msg := env.cmd(250, "EHLO client.example")
	if !strings.Contains(msg, "PIPELINING") ||
		!strings.Contains(msg, "SIZE") ||
		!strings.Contains(msg, "CHUNKING") {
		t.Errorf("missing extensions in EHLO response: %q", msg)
	}

	env.cmd(250, "MAIL FROM:<u@a.example>")
	env.cmd(250, "RCPT TO:<pepe@local.example>")

	id, err := env.client.Cmd("DATA")
	if err != nil {
		t.Fatal(err)
	}
	env.client.StartResponse(id)
	if _, _, err := env.client.ReadResponse(354); err != nil {
		t.Fatalf("DATA: %v", err)
	}
	env.client.EndResponse(id)

	w := env.client.DotWriter()
	w.Write([]byte("From: u@a.example\r\nSubject: hola\r\n\r\nque tal\r\n"))
	w.Close()
	_, msg, err = env.client.ReadResponse(250)
	if err != nil {
		t.Fatalf("message not accepted: %v", err)
	}
	if !strings.Contains(msg, "queued as") {
		t.Errorf("response does not carry the queue id: %q", msg)
	}

	// For every accepted DATA, the envelope is in the queue before the
	// 250 reaches the client.
	if env.queue.Len() != 1 {
		t.Errorf("expected 1 envelope in the queue, got %d", env.queue.Len())
	}

	env.quit()
}

func TestSTARTTLSRequiredOnSubmission(t *testing.T) {
	env := newTestEnv(t, ModeSubmission, false)

	env.cmd(250, "EHLO client.example")
	code, msg := env.cmd(530, "MAIL FROM:<u@a.example>")
	if code != 530 || !strings.Contains(msg, "STARTTLS") {
		t.Errorf("expected 530 must-STARTTLS, got %d %q", code, msg)
	}

	env.quit()
}

func TestBadSequence(t *testing.T) {
	env := newTestEnv(t, ModeSMTP, false)

	// MAIL before EHLO.
	env.cmd(503, "MAIL FROM:<u@a.example>")

	env.cmd(250, "EHLO client.example")

	// RCPT before MAIL.
	env.cmd(503, "RCPT TO:<pepe@local.example>")

	env.quit()
}

func TestRSETClearsEnvelope(t *testing.T) {
	env := newTestEnv(t, ModeSMTP, false)

	env.cmd(250, "EHLO client.example")
	env.cmd(250, "MAIL FROM:<u@a.example>")
	env.cmd(250, "RCPT TO:<pepe@local.example>")
	env.cmd(250, "RSET")

	// After RSET there must be no MAIL/RCPT residue.
	env.cmd(503, "RCPT TO:<pepe@local.example>")
	env.cmd(503, "DATA")

	env.quit()
}

func TestRelayNotAllowed(t *testing.T) {
	env := newTestEnv(t, ModeSMTP, false)

	env.cmd(250, "EHLO client.example")
	env.cmd(250, "MAIL FROM:<u@a.example>")
	env.cmd(503, "RCPT TO:<v@ajeno.example>")

	env.quit()
}

func TestUnknownUser(t *testing.T) {
	env := newTestEnv(t, ModeSMTP, false)

	env.cmd(250, "EHLO client.example")
	env.cmd(250, "MAIL FROM:<u@a.example>")
	env.cmd(550, "RCPT TO:<nadie@local.example>")

	env.quit()
}

func TestPipelinedBatch(t *testing.T) {
	env := newTestEnv(t, ModeSMTP, false)
	env.cmd(250, "EHLO client.example")

	// Send the whole batch in one write, then read responses in order.
	batch := "MAIL FROM:<u@a.example>\r\n" +
		"RCPT TO:<pepe@local.example>\r\n" +
		"RCPT TO:<nadie@local.example>\r\n" +
		"RCPT TO:<juana@local.example>\r\n" +
		"DATA\r\n"
	if _, err := env.client.W.Write([]byte(batch)); err != nil {
		t.Fatal(err)
	}
	env.client.W.Flush()

	expect := []int{250, 250, 550, 250, 354}
	for i, code := range expect {
		got, msg, err := env.client.ReadResponse(code)
		if err != nil {
			t.Fatalf("response %d: expected %d, got %d %q (%v)",
				i, code, got, msg, err)
		}
	}

	w := env.client.DotWriter()
	w.Write([]byte("From: u@a.example\r\n\r\nhola\r\n"))
	w.Close()
	if _, _, err := env.client.ReadResponse(250); err != nil {
		t.Fatalf("message not accepted: %v", err)
	}

	// The envelope contains only the two accepted recipients.
	dump := env.queue.DumpString()
	if !strings.Contains(dump, "pepe@local.example") ||
		!strings.Contains(dump, "juana@local.example") {
		t.Errorf("missing recipients in envelope:\n%s", dump)
	}
	if strings.Contains(dump, "nadie@local.example") {
		t.Errorf("rejected recipient in envelope:\n%s", dump)
	}

	env.quit()
}

func TestMessageTooBig(t *testing.T) {
	env := newTestEnv(t, ModeSMTP, false)
	env.cmd(250, "EHLO client.example")

	// Declared size over the limit is rejected at MAIL time.
	env.cmd(552, "MAIL FROM:<u@a.example> SIZE=99999999")

	// An undeclared-but-too-big message gets a 552 after the transfer.
	env.cmd(250, "MAIL FROM:<u@a.example>")
	env.cmd(250, "RCPT TO:<pepe@local.example>")

	id, _ := env.client.Cmd("DATA")
	env.client.StartResponse(id)
	if _, _, err := env.client.ReadResponse(354); err != nil {
		t.Fatal(err)
	}
	env.client.EndResponse(id)

	w := env.client.DotWriter()
	big := strings.Repeat("a very long line of spam\r\n", 1024*50)
	w.Write([]byte("Subject: big\r\n\r\n" + big))
	w.Close()
	if _, _, err := env.client.ReadResponse(552); err != nil {
		t.Fatalf("expected 552: %v", err)
	}

	// Nothing was queued.
	if env.queue.Len() != 0 {
		t.Errorf("oversized message was queued")
	}

	env.quit()
}

func TestDMARCReject(t *testing.T) {
	env := newTestEnv(t, ModeSMTP, false)
	env.txtRecords["_dmarc.a.example"] = []string{"v=DMARC1; p=reject"}

	env.cmd(250, "EHLO client.example")
	env.cmd(250, "MAIL FROM:<u@a.example>")
	env.cmd(250, "RCPT TO:<pepe@local.example>")

	id, _ := env.client.Cmd("DATA")
	env.client.StartResponse(id)
	if _, _, err := env.client.ReadResponse(354); err != nil {
		t.Fatal(err)
	}
	env.client.EndResponse(id)

	w := env.client.DotWriter()
	w.Write([]byte("From: u@a.example\r\nSubject: x\r\n\r\nhola\r\n"))
	w.Close()

	code, msg, _ := env.client.ReadResponse(550)
	if code != 550 || !strings.Contains(msg, "5.7.1") {
		t.Fatalf("expected 550 5.7.1, got %d %q", code, msg)
	}

	// No envelope was persisted.
	if env.queue.Len() != 0 {
		t.Errorf("rejected message was queued")
	}

	env.quit()
}

func TestBDAT(t *testing.T) {
	env := newTestEnv(t, ModeSMTP, false)
	env.cmd(250, "EHLO client.example")
	env.cmd(250, "MAIL FROM:<u@a.example>")
	env.cmd(250, "RCPT TO:<pepe@local.example>")

	chunk1 := "From: u@a.example\r\nSubject: chunked\r\n\r\n"
	chunk2 := "cuerpo del mensaje\r\n"

	env.client.W.Write([]byte("BDAT " + itoa(len(chunk1)) + "\r\n"))
	env.client.W.Write([]byte(chunk1))
	env.client.W.Flush()
	if _, _, err := env.client.ReadResponse(250); err != nil {
		t.Fatalf("BDAT 1: %v", err)
	}

	env.client.W.Write([]byte("BDAT " + itoa(len(chunk2)) + " LAST\r\n"))
	env.client.W.Write([]byte(chunk2))
	env.client.W.Flush()
	if _, _, err := env.client.ReadResponse(250); err != nil {
		t.Fatalf("BDAT LAST: %v", err)
	}

	if env.queue.Len() != 1 {
		t.Errorf("expected 1 envelope, got %d", env.queue.Len())
	}

	env.quit()
}

func TestAuthRequiresTLS(t *testing.T) {
	env := newTestEnv(t, ModeSMTP, false)
	env.cmd(250, "EHLO client.example")
	env.cmd(503, "AUTH PLAIN")
	env.quit()
}

func TestAuthPlain(t *testing.T) {
	// Note onTLS is forced, simulating a TLS-wrapped socket.
	env := newTestEnv(t, ModeSubmissionTLS, true)

	_, msg := env.cmd(250, "EHLO client.example")
	if !strings.Contains(msg, "AUTH") {
		t.Errorf("AUTH not advertised on TLS: %q", msg)
	}

	// "\x00pepe@local.example\x00pass" base64-encoded.
	env.cmd(235, "AUTH PLAIN AHBlcGVAbG9jYWwuZXhhbXBsZQBwYXNz")

	// A second AUTH is rejected.
	env.cmd(503, "AUTH PLAIN AHBlcGVAbG9jYWwuZXhhbXBsZQBwYXNz")

	// Authenticated users may relay.
	env.cmd(250, "MAIL FROM:<pepe@local.example>")
	env.cmd(250, "RCPT TO:<v@ajeno.example>")

	env.quit()
}

func TestAuthFailure(t *testing.T) {
	env := newTestEnv(t, ModeSubmissionTLS, true)
	env.cmd(250, "EHLO client.example")

	// "\x00pepe@local.example\x00bad" base64-encoded.
	env.cmd(535, "AUTH PLAIN AHBlcGVAbG9jYWwuZXhhbXBsZQBiYWQ=")
	env.quit()
}

func TestUnknownCommand(t *testing.T) {
	env := newTestEnv(t, ModeSMTP, false)
	env.cmd(500, "XFROBNICATE")
	env.quit()
}

func TestHTTPCommandClosesConnection(t *testing.T) {
	env := newTestEnv(t, ModeSMTP, false)
	env.cmd(502, "GET / HTTP/1.1")
	<-env.done
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
