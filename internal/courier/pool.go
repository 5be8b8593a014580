package courier

import (
	"sync"
	"time"

	"github.com/arrieromail/arriero/internal/domaininfo"
	"github.com/arrieromail/arriero/internal/smtp"
)

// Pool keeps idle outbound SMTP connections for reuse, keyed by
// (source-ip, next-hop). Connections carry the security level they were
// established with, so a reused connection never weakens the policy of a
// later message.
type Pool struct {
	// How long an idle connection is kept around.
	IdleTTL time.Duration

	// How many transactions a single connection may carry.
	MaxTransactions int

	mu   sync.Mutex
	idle map[string][]*pooledConn
}

type pooledConn struct {
	client *smtp.Client

	// Security level the connection was established with.
	level domaininfo.SecLevel

	// Whether DANE validation passed on this connection.
	daneOK bool

	transactions int
	expires      time.Time
}

// NewPool returns an empty connection pool.
func NewPool() *Pool {
	return &Pool{
		IdleTTL:         2 * time.Minute,
		MaxTransactions: 10,
		idle:            map[string][]*pooledConn{},
	}
}

// Get an idle connection for the key with at least the given security
// level (and DANE validation, if required). Returns nil when there is
// none; the caller then dials a fresh one.
func (p *Pool) Get(hop string, minLevel domaininfo.SecLevel, needDANE bool) *pooledConn {
	p.mu.Lock()
	defer p.mu.Unlock()

	conns := p.idle[hop]
	for i, c := range conns {
		if time.Now().After(c.expires) {
			continue
		}
		if c.level < minLevel || (needDANE && !c.daneOK) {
			continue
		}

		p.idle[hop] = append(conns[:i], conns[i+1:]...)

		// Make sure the server still wants to talk to us.
		if c.client.Noop() != nil {
			c.client.Close()
			return nil
		}
		return c
	}

	return nil
}

// Put a connection back for reuse. Closes it instead when it is exhausted.
func (p *Pool) Put(hop string, c *pooledConn) {
	c.transactions++
	if c.transactions >= p.MaxTransactions {
		c.client.Quit()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	c.expires = time.Now().Add(p.IdleTTL)
	p.idle[hop] = append(p.idle[hop], c)
}

// Sweep closes and drops expired idle connections. Call periodically.
func (p *Pool) Sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for hop, conns := range p.idle {
		live := conns[:0]
		for _, c := range conns {
			if now.After(c.expires) {
				c.client.Close()
				continue
			}
			live = append(live, c)
		}
		if len(live) == 0 {
			delete(p.idle, hop)
		} else {
			p.idle[hop] = live
		}
	}
}
