package policy

import (
	"net"
	"testing"

	"github.com/arrieromail/arriero/internal/throttle"
	"github.com/arrieromail/arriero/internal/trace"
)

func testEvaluator(t *testing.T, stage Stage, rules ...[2]string) *Evaluator {
	t.Helper()
	e := NewEvaluator(throttle.New())
	for _, r := range rules {
		if err := e.AddRule(stage, r[0], r[1]); err != nil {
			t.Fatalf("AddRule(%q, %q): %v", r[0], r[1], err)
		}
	}
	return e
}

func evalCtx(t *testing.T, e *Evaluator, ctx *Context) Result {
	t.Helper()
	tr := trace.New("test", "policy")
	defer tr.Finish()
	return e.Evaluate(tr, ctx)
}

func TestFirstMatchWins(t *testing.T) {
	e := testEvaluator(t, StageMail,
		[2]string{"from_domain = spammer.example", "reject 550 5.7.1 No"},
		[2]string{"all", "accept"},
		[2]string{"from_domain = spammer.example", "quarantine"},
	)

	res := evalCtx(t, e, &Context{
		Stage:    StageMail,
		MailFrom: "x@spammer.example",
	})
	if res.Action.Kind != Reject || res.Action.Code != 550 {
		t.Errorf("expected reject 550, got %v", res.Action)
	}

	res = evalCtx(t, e, &Context{
		Stage:    StageMail,
		MailFrom: "x@ok.example",
	})
	if res.Action.Kind != Accept {
		t.Errorf("expected accept, got %v", res.Action)
	}
}

func TestDefaultIsAccept(t *testing.T) {
	e := testEvaluator(t, StageConnect)
	res := evalCtx(t, e, &Context{Stage: StageConnect})
	if res.Action.Kind != Accept {
		t.Errorf("expected accept, got %v", res.Action)
	}
}

func TestPredicates(t *testing.T) {
	ctx := &Context{
		Stage:      StageRcpt,
		RemoteIP:   net.ParseIP("192.0.2.7"),
		EhloDomain: "client.example.net",
		MailFrom:   "sender@origen.example",
		RcptTo:     "user@destino.example",
		Size:       5000,
		AuthUser:   "",
		TLS:        true,
	}

	matching := []string{
		"all",
		"ip cidr 192.0.2.0/24",
		"ehlo glob *.example.net",
		"from_domain = origen.example",
		"from_domain = ORIGEN.example",
		"rcpt_domain glob destino.*",
		"rcpt = user@destino.example",
		"size > 1000",
		"size < 10000",
		"not authenticated",
		"tls",
		"not authenticated and tls",
		"from_domain = otro.example or rcpt_domain = destino.example",
		"( from_domain = otro.example or tls ) and size > 1",
	}
	e := NewEvaluator(throttle.New())
	for _, expr := range matching {
		pred, err := Parse(expr)
		if err != nil {
			t.Errorf("Parse(%q): %v", expr, err)
			continue
		}
		if !pred.Eval(e, ctx) {
			t.Errorf("%q should match", expr)
		}
	}

	nonMatching := []string{
		"ip cidr 10.0.0.0/8",
		"authenticated",
		"size > 99999",
		"not tls",
		"from_domain = otro.example and tls",
	}
	for _, expr := range nonMatching {
		pred, err := Parse(expr)
		if err != nil {
			t.Errorf("Parse(%q): %v", expr, err)
			continue
		}
		if pred.Eval(e, ctx) {
			t.Errorf("%q should not match", expr)
		}
	}
}

func TestParseErrors(t *testing.T) {
	bad := []string{
		"",
		"nonsense",
		"ip cidr not-a-cidr",
		"size > many",
		"from_domain",
		"from_domain =",
		"unknownfield = x",
		"( tls",
		"tls )",
		"ratelimit(ip)",
		"ratelimit(bogus,1,1m)",
		"quota(ip,1,2)",
		"concurrency(ip,x)",
		"ip ~ value",
	}
	for _, expr := range bad {
		if _, err := Parse(expr); err == nil {
			t.Errorf("Parse(%q) should have failed", expr)
		}
	}
}

func TestParseActionErrors(t *testing.T) {
	bad := []string{
		"", "explode", "reject", "reject abc msg", "reject 200 msg",
		"score", "score x", "add-header X",
	}
	for _, s := range bad {
		if _, err := ParseAction(s); err == nil {
			t.Errorf("ParseAction(%q) should have failed", s)
		}
	}
}

func TestScoreAccumulates(t *testing.T) {
	e := testEvaluator(t, StageData,
		[2]string{"not authenticated", "score 2.5"},
		[2]string{"size > 1000", "score 1.5"},
		[2]string{"score > 3", "reject 550 5.7.1 Too spammy"},
	)

	ctx := &Context{Stage: StageData, Size: 5000}
	res := evalCtx(t, e, ctx)
	if res.Action.Kind != Reject {
		t.Errorf("expected reject after score accumulation, got %v",
			res.Action)
	}
	if ctx.Score != 4 {
		t.Errorf("expected score 4, got %v", ctx.Score)
	}
}

func TestAddHeader(t *testing.T) {
	e := testEvaluator(t, StageData,
		[2]string{"all", "add-header X-Entorno pruebas"},
		[2]string{"all", "accept"},
	)

	res := evalCtx(t, e, &Context{Stage: StageData})
	if res.Action.Kind != Accept {
		t.Errorf("expected accept, got %v", res.Action)
	}
	if len(res.Headers) != 1 || res.Headers[0][0] != "X-Entorno" {
		t.Errorf("expected header, got %v", res.Headers)
	}
}

func TestRatelimitAndRollback(t *testing.T) {
	e := testEvaluator(t, StageConnect,
		[2]string{"ratelimit(ip,2,1m)", "reject 421 4.7.0 Slow down"},
	)

	ctx := func() *Context {
		return &Context{
			Stage:    StageConnect,
			RemoteIP: net.ParseIP("192.0.2.9"),
		}
	}

	// First two connections pass.
	for i := 0; i < 2; i++ {
		if res := evalCtx(t, e, ctx()); res.Action.Kind != Accept {
			t.Fatalf("connection %d: expected accept, got %v", i, res.Action)
		}
	}

	// The third exceeds the limit.
	if res := evalCtx(t, e, ctx()); res.Action.Kind != Reject {
		t.Fatalf("expected reject, got %v", res.Action)
	}

	// Rolling back a rejected context is harmless: only accepted
	// evaluations record an increment to undo, so this one has none.
	c := ctx()
	evalCtx(t, e, c)
	e.Rollback(c)
}

func TestConcurrency(t *testing.T) {
	e := testEvaluator(t, StageConnect,
		[2]string{"concurrency(ip,1)", "reject 421 4.7.0 Too many connections"},
	)

	ip := net.ParseIP("192.0.2.10")
	c1 := &Context{Stage: StageConnect, RemoteIP: ip}
	if res := evalCtx(t, e, c1); res.Action.Kind != Accept {
		t.Fatalf("first connection rejected: %v", res.Action)
	}

	c2 := &Context{Stage: StageConnect, RemoteIP: ip}
	if res := evalCtx(t, e, c2); res.Action.Kind != Reject {
		t.Fatalf("second connection should be rejected")
	}

	// Once the first connection ends, a new one fits.
	e.ReleaseConcurrency(c1)
	c3 := &Context{Stage: StageConnect, RemoteIP: ip}
	if res := evalCtx(t, e, c3); res.Action.Kind != Accept {
		t.Fatalf("connection after release rejected: %v", res.Action)
	}
}

func TestQuota(t *testing.T) {
	e := testEvaluator(t, StageData,
		[2]string{"quota(from_domain,2,1000000,1h)", "reject 452 4.2.2 Quota exceeded"},
	)

	ctx := func() *Context {
		return &Context{
			Stage:    StageData,
			MailFrom: "u@d.example",
			Size:     100,
		}
	}

	for i := 0; i < 2; i++ {
		if res := evalCtx(t, e, ctx()); res.Action.Kind != Accept {
			t.Fatalf("message %d: expected accept, got %v", i, res.Action)
		}
	}
	if res := evalCtx(t, e, ctx()); res.Action.Kind != Reject {
		t.Fatalf("expected quota rejection")
	}
}
