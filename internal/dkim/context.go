package dkim

import (
	"context"
	"net"
)

type contextKey string

const traceKey contextKey = "trace"

func trace(ctx context.Context, f string, args ...interface{}) {
	traceFunc, ok := ctx.Value(traceKey).(TraceFunc)
	if !ok {
		return
	}
	traceFunc(f, args...)
}

// TraceFunc is a function to log debugging information during verification.
type TraceFunc func(f string, a ...interface{})

// WithTraceFunc attaches a tracing function to the context, which the
// verification code will use for debugging output.
func WithTraceFunc(ctx context.Context, trace TraceFunc) context.Context {
	return context.WithValue(ctx, traceKey, trace)
}

const lookupTXTKey contextKey = "lookupTXT"

func lookupTXT(ctx context.Context, domain string) ([]string, error) {
	lookupTXTFunc, ok := ctx.Value(lookupTXTKey).(LookupTXTFunc)
	if !ok {
		return net.LookupTXT(domain)
	}
	return lookupTXTFunc(ctx, domain)
}

// LookupTXTFunc is the type of the DNS TXT lookup function the verifier
// uses. DNS is the only non-pure input of the verification, so injecting it
// makes results fully deterministic for testing.
type LookupTXTFunc func(ctx context.Context, domain string) ([]string, error)

// WithLookupTXTFunc attaches a TXT lookup function to the context.
func WithLookupTXTFunc(ctx context.Context, lookupTXT LookupTXTFunc) context.Context {
	return context.WithValue(ctx, lookupTXTKey, lookupTXT)
}

const maxHeadersKey contextKey = "maxHeaders"

// WithMaxHeaders limits how many signature headers are evaluated.
func WithMaxHeaders(ctx context.Context, maxHeaders int) context.Context {
	return context.WithValue(ctx, maxHeadersKey, maxHeaders)
}

func maxHeaders(ctx context.Context) int {
	maxHeaders, ok := ctx.Value(maxHeadersKey).(int)
	if !ok {
		// By default, cap the number of headers to 5 (arbitrarily chosen,
		// may be adjusted in the future).
		return 5
	}
	return maxHeaders
}
