// Package policy implements the rule-driven policy evaluation we run at
// each stage of an incoming SMTP session.
//
// A rule is a (predicate, action) pair, bound to a stage. At each stage the
// evaluator walks the stage's chain in order; the first rule whose
// predicate matches decides the action, except "score" and "add-header"
// actions, which accumulate and let the chain continue.
//
// Predicates form a small expression tree, parsed from a compact text
// syntax (see Parse):
//
//	all
//	ip cidr 192.0.2.0/24
//	from_domain glob *.example.com and not authenticated
//	ratelimit(ip,10,1m) or size > 10000000
//
// Rate, concurrency and quota checks are predicates too: they increment the
// matching counter and match when the limit is exceeded, so the rule can
// then defer or reject. Rate increments are rolled back (best effort) if a
// later stage rejects the transaction.
package policy

import (
	"fmt"
	"net"
	"path"
	"strings"

	"github.com/arrieromail/arriero/internal/metrics"
	"github.com/arrieromail/arriero/internal/throttle"
	"github.com/arrieromail/arriero/internal/trace"
)

// Exported metrics.
var (
	actionCount = metrics.NewCounterVec("policy", "actions_total",
		"count of policy decisions, by stage and action", "stage", "action")
)

// Stage of the SMTP dialog a rule applies to.
type Stage string

// Valid stages.
const (
	StageConnect = Stage("connect")
	StageEhlo    = Stage("ehlo")
	StageAuth    = Stage("auth")
	StageMail    = Stage("mail")
	StageRcpt    = Stage("rcpt")
	StageData    = Stage("data")
)

// Kind of action a rule produces.
type Kind int

// Valid action kinds.
const (
	Accept Kind = iota
	Reject
	Quarantine
	Score
	AddHeader
)

// Action is the decision of a rule (or of a whole evaluation).
type Action struct {
	Kind Kind

	// For Reject: SMTP code and message (message includes the enhanced
	// status code).
	Code int
	Msg  string

	// For Score.
	Delta float64

	// For AddHeader.
	Header string
	Value  string
}

func (a Action) String() string {
	switch a.Kind {
	case Accept:
		return "accept"
	case Reject:
		return fmt.Sprintf("reject %d %s", a.Code, a.Msg)
	case Quarantine:
		return "quarantine"
	case Score:
		return fmt.Sprintf("score %+.1f", a.Delta)
	case AddHeader:
		return fmt.Sprintf("add-header %s", a.Header)
	default:
		return "unknown"
	}
}

// Context carries the session state a predicate can look at. Fields are
// filled in progressively as the session advances through the stages.
type Context struct {
	Stage Stage

	RemoteIP      net.IP
	EhloDomain    string
	AuthUser      string // Empty if not authenticated.
	MailFrom      string
	RcptTo        string // The recipient under evaluation, at rcpt stage.
	RcptCount     int
	Size          int64 // Message size, at data stage.
	Score         float64
	SPFPass       bool
	TLS           bool

	// Counter keys incremented during evaluation that should be undone if
	// the transaction is ultimately rejected.
	rollback []string

	// Concurrency keys acquired during evaluation, released when the
	// session ends.
	concurrency []string
}

// Result of evaluating a stage: the decisive action, plus anything
// accumulated on the way there.
type Result struct {
	Action  Action
	Headers [][2]string // Headers added by add-header actions.
}

// Rule is a single policy rule.
type Rule struct {
	Predicate Predicate
	Action    Action
}

// Evaluator holds the rule chains and the counters they use.
type Evaluator struct {
	rules    map[Stage][]Rule
	counters *throttle.Counters
}

// NewEvaluator returns an empty evaluator using the given counters.
func NewEvaluator(counters *throttle.Counters) *Evaluator {
	return &Evaluator{
		rules:    map[Stage][]Rule{},
		counters: counters,
	}
}

// Add a rule to the given stage's chain.
func (e *Evaluator) Add(stage Stage, r Rule) {
	e.rules[stage] = append(e.rules[stage], r)
}

// AddRule parses and adds a rule to the given stage's chain.
func (e *Evaluator) AddRule(stage Stage, when, action string) error {
	pred, err := Parse(when)
	if err != nil {
		return fmt.Errorf("predicate %q: %v", when, err)
	}
	act, err := ParseAction(action)
	if err != nil {
		return fmt.Errorf("action %q: %v", action, err)
	}
	e.Add(stage, Rule{pred, act})
	return nil
}

// Evaluate the chain for the context's stage. The default when no rule
// matches is Accept.
func (e *Evaluator) Evaluate(tr *trace.Trace, ctx *Context) Result {
	res := Result{Action: Action{Kind: Accept}}

	for _, rule := range e.rules[ctx.Stage] {
		if !rule.Predicate.Eval(e, ctx) {
			continue
		}

		switch rule.Action.Kind {
		case Score:
			ctx.Score += rule.Action.Delta
			tr.Debugf("policy %s: score %+.1f -> %.1f",
				ctx.Stage, rule.Action.Delta, ctx.Score)
			continue
		case AddHeader:
			res.Headers = append(res.Headers,
				[2]string{rule.Action.Header, rule.Action.Value})
			continue
		default:
			tr.Debugf("policy %s: %s", ctx.Stage, rule.Action)
			res.Action = rule.Action
			actionCount.WithLabelValues(
				string(ctx.Stage), res.Action.String()).Inc()
			return res
		}
	}

	actionCount.WithLabelValues(string(ctx.Stage), "accept").Inc()
	return res
}

// Commit forgets the rollbackable increments recorded so far. Call it
// once the transaction they guarded has been finished, so a rejection in
// a later transaction on the same session does not undo them.
func (ctx *Context) Commit() {
	ctx.rollback = nil
}

// Rollback undoes the rollbackable counter increments recorded in the
// context. Best effort; used when a later stage rejects the transaction.
func (e *Evaluator) Rollback(ctx *Context) {
	for _, key := range ctx.rollback {
		e.counters.Rollback(key)
	}
	ctx.rollback = nil
}

// ReleaseConcurrency releases the concurrency slots acquired during
// evaluation. Must be called when the session ends, on every exit path.
func (e *Evaluator) ReleaseConcurrency(ctx *Context) {
	for _, key := range ctx.concurrency {
		e.counters.Release(key)
	}
	ctx.concurrency = nil
}

// Predicate is a node in the predicate tree.
type Predicate interface {
	Eval(e *Evaluator, ctx *Context) bool
}

// Combinators.

type andPred struct{ l, r Predicate }

func (p andPred) Eval(e *Evaluator, ctx *Context) bool {
	return p.l.Eval(e, ctx) && p.r.Eval(e, ctx)
}

type orPred struct{ l, r Predicate }

func (p orPred) Eval(e *Evaluator, ctx *Context) bool {
	return p.l.Eval(e, ctx) || p.r.Eval(e, ctx)
}

type notPred struct{ p Predicate }

func (p notPred) Eval(e *Evaluator, ctx *Context) bool {
	return !p.p.Eval(e, ctx)
}

type truePred struct{}

func (truePred) Eval(e *Evaluator, ctx *Context) bool { return true }

// Field conditions.

type fieldPred struct {
	field string
	op    string
	value string

	// Pre-parsed values, depending on op.
	ipnet *net.IPNet
	num   float64
}

func (p *fieldPred) Eval(e *Evaluator, ctx *Context) bool {
	switch p.op {
	case "cidr":
		return ctx.RemoteIP != nil && p.ipnet.Contains(ctx.RemoteIP)
	case ">", "<":
		v := numField(ctx, p.field)
		if p.op == ">" {
			return v > p.num
		}
		return v < p.num
	case "glob":
		matched, _ := path.Match(p.value, strField(ctx, p.field))
		return matched
	case "=":
		return strings.EqualFold(strField(ctx, p.field), p.value)
	}
	return false
}

type boolPred struct{ field string }

func (p boolPred) Eval(e *Evaluator, ctx *Context) bool {
	switch p.field {
	case "authenticated":
		return ctx.AuthUser != ""
	case "tls":
		return ctx.TLS
	case "spf_pass":
		return ctx.SPFPass
	}
	return false
}

func strField(ctx *Context, field string) string {
	switch field {
	case "ip":
		if ctx.RemoteIP == nil {
			return ""
		}
		return ctx.RemoteIP.String()
	case "ehlo":
		return ctx.EhloDomain
	case "auth_user":
		return ctx.AuthUser
	case "from":
		return ctx.MailFrom
	case "from_domain":
		return domainOf(ctx.MailFrom)
	case "rcpt":
		return ctx.RcptTo
	case "rcpt_domain":
		return domainOf(ctx.RcptTo)
	}
	return ""
}

func numField(ctx *Context, field string) float64 {
	switch field {
	case "size":
		return float64(ctx.Size)
	case "score":
		return ctx.Score
	case "rcpt_count":
		return float64(ctx.RcptCount)
	}
	return 0
}

func domainOf(addr string) string {
	_, domain, _ := strings.Cut(addr, "@")
	return domain
}

// Counter conditions. They match when the limit is EXCEEDED.

type ratelimitPred struct {
	keyField string
	rate     throttle.Rate
}

func (p *ratelimitPred) Eval(e *Evaluator, ctx *Context) bool {
	key := "rate/" + p.keyField + "/" + strField(ctx, p.keyField)
	allowed := e.counters.Allow(key, p.rate)
	if allowed {
		ctx.rollback = append(ctx.rollback, key)
	}
	return !allowed
}

type quotaPred struct {
	keyField string
	quota    throttle.Quota
}

func (p *quotaPred) Eval(e *Evaluator, ctx *Context) bool {
	key := "quota/" + p.keyField + "/" + strField(ctx, p.keyField)
	return !e.counters.AllowQuota(key, ctx.Size, p.quota)
}

type concurrencyPred struct {
	keyField string
	max      int64
}

func (p *concurrencyPred) Eval(e *Evaluator, ctx *Context) bool {
	key := "conc/" + p.keyField + "/" + strField(ctx, p.keyField)
	acquired := e.counters.Acquire(key, p.max)
	if acquired {
		ctx.concurrency = append(ctx.concurrency, key)
	}
	return !acquired
}
