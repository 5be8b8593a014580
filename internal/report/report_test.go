package report

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/arrieromail/arriero/internal/aliases"
	"github.com/arrieromail/arriero/internal/blob"
	"github.com/arrieromail/arriero/internal/courier"
	"github.com/arrieromail/arriero/internal/kv"
	"github.com/arrieromail/arriero/internal/queue"
	"github.com/arrieromail/arriero/internal/resolver"
	"github.com/arrieromail/arriero/internal/route"
	"github.com/arrieromail/arriero/internal/set"
	"github.com/arrieromail/arriero/internal/testlib"
	"github.com/arrieromail/arriero/internal/trace"
)

func allExist(user, domain string) (bool, error) { return true, nil }

// testQueue returns an un-started queue whose envelopes we can inspect.
func testQueue(t *testing.T, dir string) *queue.Queue {
	t.Helper()
	store, err := kv.NewDirStore(dir + "/queue")
	if err != nil {
		t.Fatal(err)
	}
	bstore, err := kv.NewDirStore(dir + "/blobs")
	if err != nil {
		t.Fatal(err)
	}
	return queue.New(store, blob.New(bstore), set.NewString("local"),
		aliases.NewResolver(allExist), route.NewTable(), nil)
}

func testReporter(t *testing.T, res *resolver.Resolver) (*Reporter, *queue.Queue) {
	t.Helper()
	dir := testlib.MustTempDir(t)
	store, err := kv.NewDirStore(dir + "/reports")
	if err != nil {
		t.Fatal(err)
	}
	q := testQueue(t, dir)
	return New("mx.local", store, q, res), q
}

func TestTLSRPTFlush(t *testing.T) {
	res := resolver.NewFake(map[string]*resolver.Result{
		"TXT _smtp._tls.dest.example": {
			TXTs: []string{"v=TLSRPTv1; rua=mailto:tls-reports@dest.example"},
		},
	})
	r, q := testReporter(t, res)

	r.RecordTLSResult("dest.example", "mx1.dest.example",
		courier.PolicySTSEnforce, true, "")
	r.RecordTLSResult("dest.example", "mx1.dest.example",
		courier.PolicySTSEnforce, false, "certificate-not-trusted")
	r.RecordTLSResult("dest.example", "mx2.dest.example",
		courier.PolicyDANE, false, "certificate-mismatch")

	r.Flush()

	// One report for the policy domain, covering both policies, was queued
	// for the rua address.
	if q.Len() != 1 {
		t.Fatalf("expected 1 queued report, got %d\n%s",
			q.Len(), q.DumpString())
	}
	if !strings.Contains(q.DumpString(), "tls-reports@dest.example") {
		t.Errorf("report not addressed to rua:\n%s", q.DumpString())
	}

	// Buffers reset after the flush.
	r.Flush()
	if q.Len() != 1 {
		t.Errorf("flush with no data queued more reports")
	}
}

func TestTLSRPTNoDestination(t *testing.T) {
	res := resolver.NewFake(map[string]*resolver.Result{})
	r, q := testReporter(t, res)

	r.RecordTLSResult("dest.example", "mx1", courier.PolicyDANE, false, "x")
	r.Flush()

	if q.Len() != 0 {
		t.Errorf("report queued without a TLSRPT record")
	}
}

func TestDMARCAggregate(t *testing.T) {
	res := resolver.NewFake(map[string]*resolver.Result{})
	r, q := testReporter(t, res)

	rua := []string{"mailto:dmarc@origen.example"}
	r.RecordDMARC("origen.example", net.ParseIP("192.0.2.1"),
		"reject", "fail", "fail", rua)
	r.RecordDMARC("origen.example", net.ParseIP("192.0.2.1"),
		"reject", "fail", "fail", rua)
	r.RecordDMARC("origen.example", net.ParseIP("192.0.2.2"),
		"none", "pass", "pass", rua)

	r.Flush()

	if q.Len() != 1 {
		t.Fatalf("expected 1 queued report, got %d", q.Len())
	}
	if !strings.Contains(q.DumpString(), "dmarc@origen.example") {
		t.Errorf("report not addressed to rua:\n%s", q.DumpString())
	}
}

func TestDMARCPerResultRows(t *testing.T) {
	res := resolver.NewFake(map[string]*resolver.Result{})
	r, _ := testReporter(t, res)

	// The same IP with different outcomes gets one row per result tuple,
	// each with its own count.
	rua := []string{"mailto:dmarc@origen.example"}
	ip := net.ParseIP("192.0.2.1")
	r.RecordDMARC("origen.example", ip, "none", "pass", "pass", rua)
	r.RecordDMARC("origen.example", ip, "none", "pass", "pass", rua)
	r.RecordDMARC("origen.example", ip, "reject", "fail", "fail", rua)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.dmarc) != 2 {
		t.Fatalf("expected 2 result rows, got %d: %v", len(r.dmarc), r.dmarc)
	}
	pass := r.dmarc["origen.example/192.0.2.1/none/pass/pass"]
	fail := r.dmarc["origen.example/192.0.2.1/reject/fail/fail"]
	if pass == nil || pass.Count != 2 || pass.SPF != "pass" {
		t.Errorf("pass row: %+v", pass)
	}
	if fail == nil || fail.Count != 1 || fail.Disposition != "reject" {
		t.Errorf("fail row: %+v", fail)
	}
}

func TestPersistenceSurvivesRestart(t *testing.T) {
	dir := testlib.MustTempDir(t)
	store, err := kv.NewDirStore(dir + "/reports")
	if err != nil {
		t.Fatal(err)
	}
	q := testQueue(t, dir)

	r := New("mx.local", store, q, nil)
	r.RecordTLSResult("dest.example", "mx1", courier.PolicyDANE, false, "certificate-mismatch")

	// A new reporter over the same store sees the counters.
	r2 := New("mx.local", store, q, nil)
	r2.mu.Lock()
	s := r2.tls["dest.example/dane"]
	r2.mu.Unlock()
	if s == nil || s.Failure != 1 || s.Failures["certificate-mismatch"] != 1 {
		t.Errorf("counters lost on restart: %+v", s)
	}
}

func TestFailureReportRateLimit(t *testing.T) {
	res := resolver.NewFake(map[string]*resolver.Result{})
	r, q := testReporter(t, res)

	tr := trace.New("test", "ruf")
	defer tr.Finish()

	ruf := []string{"mailto:ruf@origen.example"}
	for i := 0; i < 20; i++ {
		r.SendDMARCFailure(tr, "origen.example", ruf, []byte("From: x\n\nbody\n"))
	}

	// Only the first few make it through the rate limit.
	if q.Len() != int(failureReportRate.Max) {
		t.Errorf("expected %d failure reports, got %d",
			failureReportRate.Max, q.Len())
	}
}

func TestComposeTLSRPT(t *testing.T) {
	stats := []*tlsStats{{
		Domain:   "dest.example",
		Policy:   "dane",
		Success:  3,
		Failure:  1,
		Failures: map[string]int{"certificate-mismatch": 1},
	}}
	start := time.Now().Add(-24 * time.Hour)
	end := time.Now()

	msg, err := composeTLSRPTReport("mx.local", "dest.example", stats, start, end)
	if err != nil {
		t.Fatal(err)
	}

	body := string(msg)
	if !strings.Contains(body, "application/tlsrpt+gzip") {
		t.Errorf("missing attachment content type:\n%s", body)
	}

	// Decode the attachment and check the JSON.
	raw := gunzipAttachment(t, body)
	for _, want := range []string{
		`"policy-type":"tlsa"`,
		`"total-successful-session-count":3`,
		`"certificate-mismatch"`,
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("report JSON missing %q:\n%s", want, raw)
		}
	}
}

func TestComposeDMARC(t *testing.T) {
	stats := []*dmarcStats{{
		Domain:      "origen.example",
		SourceIP:    "192.0.2.1",
		Count:       2,
		Disposition: "reject",
		DKIM:        "fail",
		SPF:         "fail",
	}}
	start := time.Now().Add(-24 * time.Hour)
	end := time.Now()

	msg, err := composeDMARCReport("mx.local", "origen.example", stats, start, end)
	if err != nil {
		t.Fatal(err)
	}

	raw := gunzipAttachment(t, string(msg))
	for _, want := range []string{
		"<source_ip>192.0.2.1</source_ip>",
		"<count>2</count>",
		"<disposition>reject</disposition>",
		"<header_from>origen.example</header_from>",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("report XML missing %q:\n%s", want, raw)
		}
	}
}

// gunzipAttachment extracts and decompresses the base64 attachment of a
// composed report.
func gunzipAttachment(t *testing.T, body string) string {
	t.Helper()

	_, rest, found := strings.Cut(body, "Content-Transfer-Encoding: base64\n\n")
	if !found {
		t.Fatalf("no base64 attachment found:\n%s", body)
	}
	b64, _, found := strings.Cut(rest, "\n--")
	if !found {
		t.Fatalf("attachment not terminated:\n%s", body)
	}
	b64 = strings.ReplaceAll(b64, "\n", "")

	gzBytes, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("bad base64: %v", err)
	}
	gz, err := gzip.NewReader(bytes.NewReader(gzBytes))
	if err != nil {
		t.Fatalf("bad gzip: %v", err)
	}
	out := &bytes.Buffer{}
	if _, err := out.ReadFrom(gz); err != nil {
		t.Fatalf("gunzip: %v", err)
	}
	return out.String()
}
