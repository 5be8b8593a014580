package sts

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/arrieromail/arriero/internal/trace"
)

// Test policy for each of the requested domains. Will be served by the test
// HTTP server.
var policyForDomain = map[string]string{
	// domain.com -> valid, with a reasonable policy.
	"domain.com": `
             version: STSv1
             mode: enforce
             mx: *.mail.domain.com
             max_age: 3600
        `,

	// version99 -> invalid policy (unknown version).
	"version99": `
             version: STSv99
             mode: enforce
             mx: *.mail.version99
             max_age: 999
        `,
}

func testHTTPHandler(w http.ResponseWriter, r *http.Request) {
	// For testing, the domain is in the path (see fakeURLForTesting).
	policy, ok := policyForDomain[r.URL.Path[1:]]
	if !ok {
		http.Error(w, "not found", 404)
		return
	}
	fmt.Fprintln(w, policy)
}

func TestMain(m *testing.M) {
	// Create a test HTTP server, used by the more end-to-end tests.
	httpServer := httptest.NewServer(http.HandlerFunc(testHTTPHandler))

	fakeURLForTesting = httpServer.URL
	os.Exit(m.Run())
}

func TestParsePolicy(t *testing.T) {
	const pol1 = "version: STSv1\r\nmode: enforce\r\nmx: *.mail.example.com\r\nmax_age: 123456\r\n"
	p, err := parsePolicy([]byte(pol1))
	if err != nil {
		t.Errorf("failed to parse policy: %v", err)
	}
	if p.Version != "STSv1" || p.Mode != Enforce || p.MaxAge != 123456*time.Second {
		t.Errorf("unexpected policy: %+v", p)
	}

	// Repeated mx lines accumulate; unknown keys are ignored.
	const pol2 = "version: STSv1\nmode: testing\nmx: mx1.example.com\nmx: mx2.example.com\nfuture_key: x\nmax_age: 86400\n"
	p, err = parsePolicy([]byte(pol2))
	if err != nil {
		t.Errorf("failed to parse policy: %v", err)
	}
	if len(p.MXs) != 2 {
		t.Errorf("expected 2 MXs, got %v", p.MXs)
	}

	// Lines without a colon are invalid.
	if _, err = parsePolicy([]byte("version STSv1\n")); err == nil {
		t.Errorf("parsed policy with invalid line")
	}
}

func TestCheckPolicy(t *testing.T) {
	validPs := []Policy{
		{Version: "STSv1", Mode: "enforce", MaxAge: 1 * time.Hour,
			MXs: []string{"mx1", "mx2"}},
		{Version: "STSv1", Mode: "testing", MaxAge: 1 * time.Hour,
			MXs: []string{"mx1"}},
		{Version: "STSv1", Mode: "none", MaxAge: 1 * time.Hour},
	}
	for i, p := range validPs {
		if err := p.Check(); err != nil {
			t.Errorf("%d policy %v failed check: %v", i, p, err)
		}
	}

	invalid := []struct {
		p        Policy
		expected error
	}{
		{Policy{Version: "STSv2"}, ErrUnknownVersion},
		{Policy{Version: "STSv1"}, ErrInvalidMaxAge},
		{Policy{Version: "STSv1", MaxAge: 1, Mode: "blah"}, ErrInvalidMode},
		{Policy{Version: "STSv1", MaxAge: 1, Mode: "enforce"}, ErrInvalidMX},
	}
	for i, c := range invalid {
		if err := c.p.Check(); err != c.expected {
			t.Errorf("%d policy %v check: expected %v, got %v", i, c.p,
				c.expected, err)
		}
	}
}

func TestMatchDomain(t *testing.T) {
	cases := []struct {
		domain, pattern string
		expected        bool
	}{
		{"lalala", "lalala", true},
		{"a.b.", "a.b", true},
		{"a.b", "a.b.", true},
		{"abc.com", "*.com", true},

		{"abc.com", "abc.*.com", false},
		{"abc.com", "x.abc.com", false},
		{"x.abc.com", "*.*.com", false},
		{"abc.def.com", "abc.*.com", false},

		{"ñaca.com", "ñaca.com", true},
		{"Ñaca.com", "ñaca.com", true},
	}

	for _, c := range cases {
		if r := matchDomain(c.domain, c.pattern); r != c.expected {
			t.Errorf("matchDomain(%q, %q) = %v, expected %v",
				c.domain, c.pattern, r, c.expected)
		}
	}
}

func TestMXIsAllowed(t *testing.T) {
	p := Policy{Version: "STSv1", Mode: Enforce, MaxAge: time.Hour,
		MXs: []string{"mx1.domain.com", "*.backup.domain.com"}}

	allowed := []string{"mx1.domain.com", "a.backup.domain.com"}
	for _, mx := range allowed {
		if !p.MXIsAllowed(mx) {
			t.Errorf("%q should be allowed", mx)
		}
	}

	denied := []string{"mx2.domain.com", "b.a.backup.domain.com"}
	for _, mx := range denied {
		if p.MXIsAllowed(mx) {
			t.Errorf("%q should not be allowed", mx)
		}
	}

	// Mode "none" allows everything.
	pn := Policy{Version: "STSv1", Mode: None, MaxAge: time.Hour}
	if !pn.MXIsAllowed("anything.example.com") {
		t.Errorf("mode none should allow any MX")
	}
}

func TestFetch(t *testing.T) {
	tr := trace.New("test", "TestFetch")
	defer tr.Finish()

	p, err := Fetch(context.Background(), "domain.com")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if p.Mode != Enforce || !p.MXIsAllowed("x.mail.domain.com") {
		t.Errorf("unexpected policy: %+v", p)
	}

	// Invalid policies fail the fetch.
	if _, err := Fetch(context.Background(), "version99"); err != ErrUnknownVersion {
		t.Errorf("expected ErrUnknownVersion, got %v", err)
	}
}

func TestCache(t *testing.T) {
	tr := trace.New("test", "TestCache")
	defer tr.Finish()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCache()
	c.now = func() time.Time { return now }

	p, err := c.Fetch(context.Background(), tr, "domain.com")
	if err != nil || p == nil {
		t.Fatalf("Fetch: %v, %v", p, err)
	}

	// Make the backing server unreachable for this domain; the cache should
	// still answer.
	delete(policyForDomain, "domain.com")
	defer func() {
		policyForDomain["domain.com"] = "version: STSv1\nmode: enforce\nmx: *.mail.domain.com\nmax_age: 3600\n"
	}()

	p2, err := c.Fetch(context.Background(), tr, "domain.com")
	if err != nil || p2 == nil {
		t.Fatalf("cached Fetch: %v, %v", p2, err)
	}

	// Unknown domains get "no policy", not an error, and the absence is
	// cached.
	p3, err := c.Fetch(context.Background(), tr, "no-such-domain.com")
	if err != nil || p3 != nil {
		t.Errorf("expected no policy, got %v, %v", p3, err)
	}

	// After max_age the policy expires and is re-fetched; with the entry
	// gone from the server, we now get "no policy".
	now = now.Add(2 * time.Hour)
	p4, err := c.Fetch(context.Background(), tr, "domain.com")
	if err != nil || p4 != nil {
		t.Errorf("expected expired policy to vanish, got %v, %v", p4, err)
	}
}
