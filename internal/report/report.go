// Package report implements the reporting side of the mail authentication
// and transport policies: DMARC aggregate and failure reports, and TLS-RPT
// reports. Reports accumulate in a persistent buffer, and are composed and
// handed to the queue on a fixed interval.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"blitiri.com.ar/go/log"

	"github.com/arrieromail/arriero/internal/courier"
	"github.com/arrieromail/arriero/internal/kv"
	"github.com/arrieromail/arriero/internal/metrics"
	"github.com/arrieromail/arriero/internal/queue"
	"github.com/arrieromail/arriero/internal/resolver"
	"github.com/arrieromail/arriero/internal/throttle"
	"github.com/arrieromail/arriero/internal/trace"
)

// Exported metrics.
var (
	reportsSent = metrics.NewCounterVec("report", "sent_total",
		"count of reports handed to the queue, by kind", "kind")
	tlsEvents = metrics.NewCounterVec("report", "tls_events_total",
		"count of TLS-RPT events recorded, by result", "result")
)

// How often we try to deliver each failure report destination, at most.
var failureReportRate = throttle.Rate{Max: 5, Window: 1 * time.Hour}

// tlsStats accumulates TLS-RPT counters for one policy domain.
type tlsStats struct {
	Domain   string         `json:"domain"`
	Policy   string         `json:"policy"`
	Success  int64          `json:"success"`
	Failure  int64          `json:"failure"`
	Failures map[string]int `json:"failures"` // failure-type -> count
}

// dmarcStats accumulates DMARC aggregate counters for one (domain, source,
// disposition, dkim, spf) tuple.
type dmarcStats struct {
	Domain      string   `json:"domain"`
	SourceIP    string   `json:"source_ip"`
	Count       int64    `json:"count"`
	Disposition string   `json:"disposition"`
	DKIM        string   `json:"dkim"`
	SPF         string   `json:"spf"`
	RUA         []string `json:"rua"`
}

// Reporter accumulates events and periodically sends the reports.
type Reporter struct {
	// Domain we report as (the authserv-id).
	Hostname string

	// Interval between report generations. Usually 24h.
	Interval time.Duration

	store kv.Store
	q     *queue.Queue
	res   *resolver.Resolver

	limiter *throttle.Counters

	mu    sync.Mutex
	tls   map[string]*tlsStats   // key: domain/policy
	dmarc map[string]*dmarcStats // key: domain/source-ip/disposition/dkim/spf

	stop chan struct{}
	wg   sync.WaitGroup
}

// New returns a reporter storing its buffers in the given store and
// sending reports through the queue.
func New(hostname string, store kv.Store, q *queue.Queue, res *resolver.Resolver) *Reporter {
	r := &Reporter{
		Hostname: hostname,
		Interval: 24 * time.Hour,
		store:    store,
		q:        q,
		res:      res,
		limiter:  throttle.New(),
		tls:      map[string]*tlsStats{},
		dmarc:    map[string]*dmarcStats{},
		stop:     make(chan struct{}),
	}
	r.load()
	return r
}

// load the persisted buffers, so counters survive restarts.
func (r *Reporter) load() {
	if r.store == nil {
		return
	}

	r.store.ScanRange("tlsrpt/", "tlsrpt0", func(key string, value []byte) bool {
		s := &tlsStats{}
		if err := json.Unmarshal(value, s); err == nil {
			r.tls[key[len("tlsrpt/"):]] = s
		}
		return true
	})
	r.store.ScanRange("dmarcagg/", "dmarcagg0", func(key string, value []byte) bool {
		s := &dmarcStats{}
		if err := json.Unmarshal(value, s); err == nil {
			r.dmarc[key[len("dmarcagg/"):]] = s
		}
		return true
	})
}

func (r *Reporter) persist(prefix, key string, v interface{}) {
	if r.store == nil {
		return
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := r.store.Put(prefix+key, buf); err != nil {
		log.Errorf("report: failed to persist %q: %v", key, err)
	}
}

// RecordTLSResult implements courier.TLSReporter.
func (r *Reporter) RecordTLSResult(policyDomain, mx string,
	policy courier.TLSPolicy, success bool, failureType string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := policyDomain + "/" + string(policy)
	s, ok := r.tls[key]
	if !ok {
		s = &tlsStats{
			Domain:   policyDomain,
			Policy:   string(policy),
			Failures: map[string]int{},
		}
		r.tls[key] = s
	}

	if success {
		s.Success++
		tlsEvents.WithLabelValues("success").Inc()
	} else {
		s.Failure++
		s.Failures[failureType]++
		tlsEvents.WithLabelValues(failureType).Inc()
	}

	r.persist("tlsrpt/", key, s)
}

// RecordDMARC records the evaluation of one message for aggregate
// reporting.
// Counters accumulate per (source, result) tuple: each distinct
// combination of disposition and DKIM/SPF outcomes for an IP gets its own
// row in the report, per RFC 7489 section 7.2.
func (r *Reporter) RecordDMARC(domain string, sourceIP net.IP,
	disposition, dkim, spf string, rua []string) {
	if len(rua) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := domain + "/" + sourceIP.String() + "/" +
		disposition + "/" + dkim + "/" + spf
	s, ok := r.dmarc[key]
	if !ok {
		s = &dmarcStats{
			Domain:      domain,
			SourceIP:    sourceIP.String(),
			Disposition: disposition,
			DKIM:        dkim,
			SPF:         spf,
			RUA:         rua,
		}
		r.dmarc[key] = s
	}

	s.Count++

	r.persist("dmarcagg/", key, s)
}

// SendDMARCFailure sends a per-message failure report (ruf), rate-limited
// per destination domain.
func (r *Reporter) SendDMARCFailure(tr *trace.Trace, domain string,
	ruf []string, message []byte) {
	if len(ruf) == 0 || r.q == nil {
		return
	}
	if !r.limiter.Allow("ruf/"+domain, failureReportRate) {
		tr.Debugf("failure report for %q rate-limited", domain)
		return
	}

	to := mailtoAddrs(ruf)
	if len(to) == 0 {
		return
	}

	msg := composeFailureReport(r.Hostname, domain, message)
	if _, err := r.q.Put(tr, "<>", to, msg, queue.PutOptions{}); err != nil {
		tr.Errorf("failed to queue failure report: %v", err)
		return
	}
	reportsSent.WithLabelValues("dmarc-failure").Inc()
}

// Start the periodic report generation.
func (r *Reporter) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		tick := time.NewTicker(r.Interval)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				r.Flush()
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop the reporter, flushing outstanding data.
func (r *Reporter) Stop() {
	close(r.stop)
	r.wg.Wait()
	r.Flush()
}

// Flush composes the accumulated reports, hands them to the queue, and
// resets the buffers.
func (r *Reporter) Flush() {
	tr := trace.New("Report.Flush", r.Hostname)
	defer tr.Finish()

	r.mu.Lock()
	tlsStatsByDomain := map[string][]*tlsStats{}
	for _, s := range r.tls {
		tlsStatsByDomain[s.Domain] = append(tlsStatsByDomain[s.Domain], s)
	}
	dmarcByDomain := map[string][]*dmarcStats{}
	for _, s := range r.dmarc {
		dmarcByDomain[s.Domain] = append(dmarcByDomain[s.Domain], s)
	}
	r.tls = map[string]*tlsStats{}
	r.dmarc = map[string]*dmarcStats{}
	r.mu.Unlock()

	if r.store != nil {
		r.store.ScanRange("tlsrpt/", "tlsrpt0", func(key string, _ []byte) bool {
			r.store.Delete(key)
			return true
		})
		r.store.ScanRange("dmarcagg/", "dmarcagg0", func(key string, _ []byte) bool {
			r.store.Delete(key)
			return true
		})
	}

	now := time.Now().UTC()
	start := now.Add(-r.Interval)

	for domain, stats := range tlsStatsByDomain {
		to := r.tlsrptDestinations(tr, domain)
		if len(to) == 0 {
			tr.Debugf("no TLS-RPT destination for %q, dropping report", domain)
			continue
		}
		msg, err := composeTLSRPTReport(r.Hostname, domain, stats, start, now)
		if err != nil {
			tr.Errorf("failed to compose TLS-RPT for %q: %v", domain, err)
			continue
		}
		if _, err := r.q.Put(tr, "<>", to, msg, queue.PutOptions{}); err != nil {
			tr.Errorf("failed to queue TLS-RPT for %q: %v", domain, err)
			continue
		}
		reportsSent.WithLabelValues("tlsrpt").Inc()
	}

	for domain, stats := range dmarcByDomain {
		to := mailtoAddrs(stats[0].RUA)
		if len(to) == 0 {
			continue
		}
		msg, err := composeDMARCReport(r.Hostname, domain, stats, start, now)
		if err != nil {
			tr.Errorf("failed to compose DMARC report for %q: %v", domain, err)
			continue
		}
		if _, err := r.q.Put(tr, "<>", to, msg, queue.PutOptions{}); err != nil {
			tr.Errorf("failed to queue DMARC report for %q: %v", domain, err)
			continue
		}
		reportsSent.WithLabelValues("dmarc-aggregate").Inc()
	}
}

// tlsrptDestinations finds the rua addresses from the domain's TLSRPT
// policy record.
// https://tools.ietf.org/html/rfc8460#section-3
func (r *Reporter) tlsrptDestinations(tr *trace.Trace, domain string) []string {
	if r.res == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	res, err := r.res.Lookup(ctx, resolver.TXT, "_smtp._tls."+domain)
	if err != nil {
		tr.Debugf("TLSRPT TXT lookup for %q: %v", domain, err)
		return nil
	}

	for _, txt := range res.TXTs {
		if !strings.HasPrefix(txt, "v=TLSRPTv1") {
			continue
		}
		for _, field := range strings.Split(txt, ";") {
			field = strings.TrimSpace(field)
			if value, ok := strings.CutPrefix(field, "rua="); ok {
				return mailtoAddrs(strings.Split(value, ","))
			}
		}
	}
	return nil
}

// mailtoAddrs extracts the addresses from mailto: URIs, dropping anything
// else (we do not deliver reports over HTTPS).
func mailtoAddrs(uris []string) []string {
	addrs := []string{}
	for _, uri := range uris {
		uri = strings.TrimSpace(uri)
		if addr, ok := strings.CutPrefix(uri, "mailto:"); ok {
			// Strip URI parameters like "!10m".
			if i := strings.IndexByte(addr, '!'); i >= 0 {
				addr = addr[:i]
			}
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// reportID returns a unique-enough id for a report.
func reportID(domain string, t time.Time) string {
	return fmt.Sprintf("%s-%d", domain, t.UnixNano())
}
