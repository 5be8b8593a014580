package authres

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"net"
	"strings"
	"testing"

	"github.com/emersion/go-msgauth/dmarc"

	"github.com/arrieromail/arriero/internal/dkim"
	"github.com/arrieromail/arriero/internal/trace"
)

// makeTestKeys generates an RSA key pair, returning the private key and the
// TXT record to publish.
func makeTestKeys(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	return priv, "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(der)
}

// testVerifier returns a verifier with SPF disabled (to avoid network
// lookups), serving TXT records from the given map, and a fixed pct
// sample.
func testVerifier(txts map[string][]string, sample int) *Verifier {
	v := &Verifier{
		Hostname: "mx.test",
		LookupTXT: func(ctx context.Context, name string) ([]string, error) {
			return txts[name], nil
		},
		pctSample: func() int { return sample },
		skipSPF:   true,
	}
	return v
}

const plainMessage = "From: sender@example.com\r\n" +
	"To: rcpt@example.org\r\n" +
	"Subject: prueba\r\n" +
	"\r\n" +
	"hola\r\n"

func TestNoAuthInfo(t *testing.T) {
	tr := trace.New("test", "TestNoAuthInfo")
	defer tr.Finish()

	v := testVerifier(map[string][]string{}, 0)
	res := v.Verify(context.Background(), tr,
		net.ParseIP("192.0.2.1"), "client.example.net",
		"sender@example.com", []byte(plainMessage))

	if res.DKIM.Found != 0 {
		t.Errorf("found DKIM signatures in unsigned message")
	}
	if res.ARC.State != dkim.CVNone {
		t.Errorf("expected arc=none, got %v", res.ARC.State)
	}
	// No DMARC record published: result none, no action.
	if res.DMARC.Result != "none" || res.DMARC.Action != ActionNone {
		t.Errorf("unexpected DMARC result: %+v", res.DMARC)
	}
}

func TestDMARCRejectWithoutAlignedPass(t *testing.T) {
	tr := trace.New("test", "TestDMARCReject")
	defer tr.Finish()

	txts := map[string][]string{
		"_dmarc.example.com": {"v=DMARC1; p=reject"},
	}
	v := testVerifier(txts, 0)

	res := v.Verify(context.Background(), tr,
		net.ParseIP("192.0.2.1"), "client.example.net",
		"sender@example.com", []byte(plainMessage))

	if res.DMARC.Result != "fail" {
		t.Errorf("expected fail, got %q", res.DMARC.Result)
	}
	if res.DMARC.Action != ActionReject {
		t.Errorf("expected reject, got %q", res.DMARC.Action)
	}
}

func TestDMARCPctSampling(t *testing.T) {
	tr := trace.New("test", "TestDMARCPct")
	defer tr.Finish()

	txts := map[string][]string{
		"_dmarc.example.com": {"v=DMARC1; p=reject; pct=50"},
	}

	// Sample below pct: full action applies.
	v := testVerifier(txts, 30)
	res := v.Verify(context.Background(), tr, net.ParseIP("192.0.2.1"),
		"c.example.net", "sender@example.com", []byte(plainMessage))
	if res.DMARC.Action != ActionReject {
		t.Errorf("sampled-in message: expected reject, got %q",
			res.DMARC.Action)
	}

	// Sample above pct: action downgraded to quarantine.
	v = testVerifier(txts, 80)
	res = v.Verify(context.Background(), tr, net.ParseIP("192.0.2.1"),
		"c.example.net", "sender@example.com", []byte(plainMessage))
	if res.DMARC.Action != ActionQuarantine {
		t.Errorf("sampled-out message: expected quarantine, got %q",
			res.DMARC.Action)
	}
}

func TestDMARCAlignedDKIMPass(t *testing.T) {
	tr := trace.New("test", "TestDMARCAligned")
	defer tr.Finish()

	// Sign the message with a key for the From domain.
	priv, txt := makeTestKeys(t)
	signer := &dkim.Signer{
		Domain: "example.com", Selector: "s1", Signer: priv}
	sig, err := signer.Sign(context.Background(), plainMessage)
	if err != nil {
		t.Fatal(err)
	}
	signed := "DKIM-Signature: " +
		strings.ReplaceAll(sig, "\r\n", "\r\n\t") + "\r\n" + plainMessage

	txts := map[string][]string{
		"_dmarc.example.com":        {"v=DMARC1; p=reject"},
		"s1._domainkey.example.com": {txt},
	}
	v := testVerifier(txts, 0)

	res := v.Verify(context.Background(), tr,
		net.ParseIP("192.0.2.1"), "client.example.net",
		"sender@example.com", []byte(signed))

	if res.DKIM.Valid != 1 {
		t.Fatalf("DKIM did not validate: %+v", res.DKIM.Results)
	}
	if res.DMARC.Result != "pass" {
		t.Errorf("expected pass, got %q", res.DMARC.Result)
	}
	if res.DMARC.Action != ActionNone {
		t.Errorf("expected no action, got %q", res.DMARC.Action)
	}

	ar := res.AuthenticationResults("mx.test")
	if !strings.Contains(ar, "mx.test") ||
		!strings.Contains(ar, "dkim=pass") ||
		!strings.Contains(ar, "dmarc=pass") {
		t.Errorf("unexpected authentication results: %q", ar)
	}
}

func TestAligned(t *testing.T) {
	cases := []struct {
		domain, from string
		mode         dmarc.AlignmentMode
		expected     bool
	}{
		{"example.com", "example.com", dmarc.AlignmentStrict, true},
		{"example.com", "example.com", dmarc.AlignmentRelaxed, true},
		{"mail.example.com", "example.com", dmarc.AlignmentStrict, false},
		{"mail.example.com", "example.com", dmarc.AlignmentRelaxed, true},
		{"example.com", "mail.example.com", dmarc.AlignmentRelaxed, true},
		{"badexample.com", "example.com", dmarc.AlignmentRelaxed, false},
		{"other.org", "example.com", dmarc.AlignmentRelaxed, false},
	}
	for _, c := range cases {
		if got := aligned(c.domain, c.from, c.mode); got != c.expected {
			t.Errorf("aligned(%q, %q, %v) = %v, expected %v",
				c.domain, c.from, c.mode, got, c.expected)
		}
	}
}

func TestFromHeaderDomain(t *testing.T) {
	cases := []struct{ message, expected string }{
		{plainMessage, "example.com"},
		{"From: Nadie <a@b.c>\r\n\r\nx\r\n", "b.c"},
		{"From: broken\r\n\r\nx\r\n", ""},
		{"To: no-from@x.y\r\n\r\nx\r\n", ""},
		{"not a message", ""},
	}
	for _, c := range cases {
		if got := fromHeaderDomain(c.message); got != c.expected {
			t.Errorf("fromHeaderDomain(%q) = %q, expected %q",
				c.message, got, c.expected)
		}
	}
}
