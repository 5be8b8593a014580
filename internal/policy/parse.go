package policy

import (
	"errors"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/arrieromail/arriero/internal/throttle"
)

func pathMatch(pattern, name string) (bool, error) {
	return path.Match(pattern, name)
}

func throttleRate(max int64, window time.Duration) throttle.Rate {
	return throttle.Rate{Max: max, Window: window}
}

func throttleQuota(maxMsgs, maxBytes int64, window time.Duration) throttle.Quota {
	return throttle.Quota{MaxMsgs: maxMsgs, MaxBytes: maxBytes, Window: window}
}

// Parse a predicate expression.
//
// Grammar (whitespace-separated tokens):
//
//	expr     := and { "or" and }
//	and      := unary { "and" unary }
//	unary    := [ "not" ] atom
//	atom     := "(" expr ")" | "all" | bool | counter | condition
//	bool     := "authenticated" | "tls" | "spf_pass"
//	counter  := "ratelimit(FIELD,MAX,WINDOW)"
//	          | "quota(FIELD,MAXMSGS,MAXBYTES,WINDOW)"
//	          | "concurrency(FIELD,MAX)"
//	condition:= FIELD OP VALUE
//	OP       := "=" | "glob" | "cidr" | ">" | "<"
func Parse(s string) (Predicate, error) {
	toks := tokenize(s)
	p := &parser{toks: toks}
	pred, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, fmt.Errorf("unexpected token %q", p.peek())
	}
	return pred, nil
}

func tokenize(s string) []string {
	// Parentheses are tokens on their own, unless directly attached to a
	// counter name (e.g. "ratelimit(ip,10,1m)" is a single token).
	s = strings.ReplaceAll(s, "( ", " ( ")
	s = strings.ReplaceAll(s, " )", " ) ")
	if strings.HasPrefix(s, "(") {
		s = "( " + s[1:]
	}
	if strings.HasSuffix(s, ")") {
		// Split the final ")" off only when it closes a group, not when it
		// ends a counter token.
		fields := strings.Fields(s)
		last := fields[len(fields)-1]
		if strings.Count(last, ")") > strings.Count(last, "(") {
			s = s[:len(s)-1] + " )"
		}
	}
	return strings.Fields(s)
}

type parser struct {
	toks []string
	pos  int
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() string {
	if p.done() {
		return ""
	}
	return p.toks[p.pos]
}

func (p *parser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) parseExpr() (Predicate, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for p.peek() == "or" {
		p.next()
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = orPred{l, r}
	}
	return l, nil
}

func (p *parser) parseAnd() (Predicate, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for p.peek() == "and" {
		p.next()
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = andPred{l, r}
	}
	return l, nil
}

func (p *parser) parseUnary() (Predicate, error) {
	if p.peek() == "not" {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notPred{inner}, nil
	}
	return p.parseAtom()
}

var errUnexpectedEnd = errors.New("unexpected end of expression")

func (p *parser) parseAtom() (Predicate, error) {
	if p.done() {
		return nil, errUnexpectedEnd
	}

	tok := p.next()
	switch {
	case tok == "(":
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, errors.New("missing closing parenthesis")
		}
		return inner, nil

	case tok == "all":
		return truePred{}, nil

	case tok == "authenticated", tok == "tls", tok == "spf_pass":
		return boolPred{tok}, nil

	case strings.HasPrefix(tok, "ratelimit("),
		strings.HasPrefix(tok, "quota("),
		strings.HasPrefix(tok, "concurrency("):
		return parseCounter(tok)
	}

	// Otherwise, it must be a field condition: FIELD OP VALUE.
	field := tok
	if !validField(field) {
		return nil, fmt.Errorf("unknown field %q", field)
	}

	op := p.next()
	value := p.next()
	if op == "" || value == "" {
		return nil, errUnexpectedEnd
	}

	fp := &fieldPred{field: field, op: op, value: value}
	switch op {
	case "cidr":
		_, ipnet, err := net.ParseCIDR(value)
		if err != nil {
			return nil, fmt.Errorf("bad CIDR %q: %v", value, err)
		}
		fp.ipnet = ipnet
	case ">", "<":
		num, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q: %v", value, err)
		}
		fp.num = num
	case "glob":
		// Validate the pattern early; path.Match only fails on malformed
		// patterns.
		if _, err := pathMatchCheck(value); err != nil {
			return nil, fmt.Errorf("bad glob %q: %v", value, err)
		}
	case "=":
	default:
		return nil, fmt.Errorf("unknown operator %q", op)
	}

	return fp, nil
}

func pathMatchCheck(pattern string) (bool, error) {
	return pathMatch(pattern, "probe")
}

func validField(f string) bool {
	switch f {
	case "ip", "ehlo", "auth_user", "from", "from_domain", "rcpt",
		"rcpt_domain", "size", "score", "rcpt_count":
		return true
	}
	return false
}

// parseCounter parses the counter predicates, which look like function
// calls with no spaces: "ratelimit(ip,10,1m)".
func parseCounter(tok string) (Predicate, error) {
	name, rest, _ := strings.Cut(tok, "(")
	if !strings.HasSuffix(rest, ")") {
		return nil, fmt.Errorf("malformed %q", tok)
	}
	args := strings.Split(rest[:len(rest)-1], ",")

	keyFieldOK := func(f string) bool {
		switch f {
		case "ip", "ehlo", "auth_user", "from", "from_domain", "rcpt",
			"rcpt_domain":
			return true
		}
		return false
	}

	switch name {
	case "ratelimit":
		if len(args) != 3 {
			return nil, fmt.Errorf("ratelimit takes 3 arguments")
		}
		if !keyFieldOK(args[0]) {
			return nil, fmt.Errorf("bad key field %q", args[0])
		}
		max, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad max %q", args[1])
		}
		window, err := time.ParseDuration(args[2])
		if err != nil {
			return nil, fmt.Errorf("bad window %q", args[2])
		}
		return &ratelimitPred{
			keyField: args[0],
			rate:     throttleRate(max, window),
		}, nil

	case "quota":
		if len(args) != 4 {
			return nil, fmt.Errorf("quota takes 4 arguments")
		}
		if !keyFieldOK(args[0]) {
			return nil, fmt.Errorf("bad key field %q", args[0])
		}
		maxMsgs, err1 := strconv.ParseInt(args[1], 10, 64)
		maxBytes, err2 := strconv.ParseInt(args[2], 10, 64)
		window, err3 := time.ParseDuration(args[3])
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, fmt.Errorf("bad quota arguments")
		}
		return &quotaPred{
			keyField: args[0],
			quota:    throttleQuota(maxMsgs, maxBytes, window),
		}, nil

	case "concurrency":
		if len(args) != 2 {
			return nil, fmt.Errorf("concurrency takes 2 arguments")
		}
		if !keyFieldOK(args[0]) {
			return nil, fmt.Errorf("bad key field %q", args[0])
		}
		max, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad max %q", args[1])
		}
		return &concurrencyPred{keyField: args[0], max: max}, nil
	}

	return nil, fmt.Errorf("unknown counter %q", name)
}

// ParseAction parses an action string:
//
//	accept
//	reject CODE MESSAGE...
//	quarantine
//	score DELTA
//	add-header NAME VALUE...
func ParseAction(s string) (Action, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Action{}, errors.New("empty action")
	}

	switch fields[0] {
	case "accept":
		return Action{Kind: Accept}, nil

	case "quarantine":
		return Action{Kind: Quarantine}, nil

	case "reject":
		if len(fields) < 3 {
			return Action{}, errors.New("reject needs a code and message")
		}
		code, err := strconv.Atoi(fields[1])
		if err != nil || code < 400 || code > 599 {
			return Action{}, fmt.Errorf("bad reject code %q", fields[1])
		}
		return Action{
			Kind: Reject,
			Code: code,
			Msg:  strings.Join(fields[2:], " "),
		}, nil

	case "score":
		if len(fields) != 2 {
			return Action{}, errors.New("score needs a delta")
		}
		delta, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return Action{}, fmt.Errorf("bad score delta %q", fields[1])
		}
		return Action{Kind: Score, Delta: delta}, nil

	case "add-header":
		if len(fields) < 3 {
			return Action{}, errors.New("add-header needs a name and value")
		}
		return Action{
			Kind:   AddHeader,
			Header: fields[1],
			Value:  strings.Join(fields[2:], " "),
		}, nil
	}

	return Action{}, fmt.Errorf("unknown action %q", fields[0])
}
