// Package queue implements the durable delivery queue.
//
// Accepted envelopes get persisted and scheduled; a single timer loop pops
// due envelopes from an in-memory min-heap, leases them, and hands them to
// delivery workers. Workers report per-recipient outcomes; recipients
// retry with exponential backoff until delivery, permanent failure, or
// message expiry, at which point bounces are generated and the envelope is
// released.
package queue

import (
	"bytes"
	"container/heap"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math/rand"
	"os/exec"
	"strings"
	"sync"
	"time"

	"blitiri.com.ar/go/log"

	"github.com/arrieromail/arriero/internal/aliases"
	"github.com/arrieromail/arriero/internal/blob"
	"github.com/arrieromail/arriero/internal/courier"
	"github.com/arrieromail/arriero/internal/envelope"
	"github.com/arrieromail/arriero/internal/kv"
	"github.com/arrieromail/arriero/internal/maillog"
	"github.com/arrieromail/arriero/internal/metrics"
	"github.com/arrieromail/arriero/internal/route"
	"github.com/arrieromail/arriero/internal/set"
	"github.com/arrieromail/arriero/internal/throttle"
	"github.com/arrieromail/arriero/internal/trace"
)

// Exported metrics.
var (
	putCount = metrics.NewCounter("queue", "put_total",
		"count of envelopes put in the queue")
	queueSize = metrics.NewGauge("queue", "size",
		"number of envelopes currently in the queue")
	deliverAttempts = metrics.NewCounterVec("queue", "deliver_attempts_total",
		"attempts to deliver mail, by recipient type", "recipient_type")
	dsnQueued = metrics.NewCounter("queue", "dsn_queued_total",
		"count of DSNs that we generated (queued)")
	deadLettered = metrics.NewCounter("queue", "dead_lettered_total",
		"count of corrupt envelopes moved to the dead-letter keyspace")
)

var errQueueFull = fmt.Errorf("queue size too big, try again later")

// Default retry schedule: intervals between attempts, the last one
// repeating until the envelope exceeds its maximum age.
var defaultRetrySchedule = []time.Duration{
	2 * time.Minute, 5 * time.Minute, 15 * time.Minute,
	1 * time.Hour, 3 * time.Hour, 6 * time.Hour, 12 * time.Hour,
}

const (
	// How long a worker may hold a leased envelope before we assume it
	// died and reclaim it.
	leaseTTL = 15 * time.Minute

	// Due-time leeway: events this close to now are processed without
	// sleeping.
	schedLeeway = 100 * time.Millisecond

	// How long we wait for a delivery slot before putting the envelope
	// back on the heap.
	slotRetryDelay = 30 * time.Second
)

// Channel used to get random nonces for envelopes.
var newNonce chan string

func generateNonces() {
	// The nonces are file-safe tokens; base64(8 random bytes).
	buf := make([]byte, 8)
	for {
		binary.NativeEndian.PutUint64(buf, rand.Uint64())
		newNonce <- base64.RawURLEncoding.EncodeToString(buf)
	}
}

func init() {
	newNonce = make(chan string, 4)
	go generateNonces()
}

// Deliverer takes a message to all recipients of one domain group, through
// the given route target.
type Deliverer interface {
	Deliver(tgt route.Target, from string, to []string, data []byte) map[string]courier.Result
}

// Queue that keeps mail waiting for delivery.
type Queue struct {
	// Storage for envelopes (and the dead-letter keyspace).
	store kv.Store

	// Message contents.
	blobs *blob.Store

	// Delivery engine for email recipients.
	deliverer Deliverer

	// Route table, consulted per recipient domain.
	routes *route.Table

	// Domains we consider local.
	localDomains *set.String

	// Aliases resolver.
	aliases *aliases.Resolver

	// The maximum number of envelopes in the queue.
	MaxItems int

	// Give up and bounce after this long.
	MaxAge time.Duration

	// Maximum concurrent deliveries per route target.
	MaxPerTarget int64

	// Egress address the delivery engine uses, as a string; part of the
	// delivery semaphore key, which is (route-target, source-ip). Empty
	// means the kernel-chosen default.
	SourceIP string

	// Retry schedule; tests shorten it.
	retrySchedule []time.Duration

	// Per-target delivery concurrency.
	sem *throttle.Counters

	mu sync.Mutex

	// Envelopes in the queue, and the storage key each is persisted
	// under. Map of id -> envelope.
	q    map[uint64]*Envelope
	keys map[uint64]string

	// Outstanding leases, id -> expiry.
	leases map[uint64]time.Time

	// Scheduling heap over ids, ordered by next-event.
	heap *envHeap

	// Monotonic id source.
	lastID uint64

	// Wakes up the scheduler when the heap top changes.
	wake chan struct{}

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a new Queue instance.
func New(store kv.Store, blobs *blob.Store, localDomains *set.String,
	aliasesR *aliases.Resolver, routes *route.Table, deliverer Deliverer) *Queue {
	return &Queue{
		store:        store,
		blobs:        blobs,
		deliverer:    deliverer,
		routes:       routes,
		localDomains: localDomains,
		aliases:      aliasesR,

		MaxItems:     200,
		MaxAge:       5 * 24 * time.Hour,
		MaxPerTarget: 5,

		retrySchedule: defaultRetrySchedule,

		sem:    throttle.New(),
		q:      map[uint64]*Envelope{},
		keys:   map[uint64]string{},
		leases: map[uint64]time.Time{},
		heap:   &envHeap{},
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
}

// Load the queue from storage. Call before Start.
func (q *Queue) Load() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.store.ScanRange("env/", "env0", func(key string, value []byte) bool {
		e, err := Unmarshal(value)
		if err != nil {
			// Corrupt envelope: quarantine it to the dead-letter keyspace
			// and alert the operator; never drop it silently.
			log.Errorf("queue: corrupt envelope at %q: %v", key, err)
			q.store.Put("dead/"+key, value)
			q.store.Delete(key)
			deadLettered.Inc()
			return true
		}

		q.q[e.ID] = e
		q.keys[e.ID] = key
		heap.Push(q.heap, heapEntry{at: e.NextEvent, id: e.ID})
		if e.ID > q.lastID {
			q.lastID = e.ID
		}
		return true
	})
}

// Start the scheduler and lease reclaimer.
func (q *Queue) Start() {
	q.wg.Add(2)
	go q.schedLoop()
	go q.reclaimLoop()
}

// Stop the queue loops. In-flight deliveries are not interrupted.
func (q *Queue) Stop() {
	close(q.stop)
	q.wg.Wait()
}

// Len returns the number of envelopes in the queue.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.q)
}

// PutOptions carries the optional attributes of an incoming message.
type PutOptions struct {
	Priority    Priority
	AuthResults string
	Received    string
}

// Put a message in the queue. The envelope is durably persisted before
// this returns: once the caller sees a nil error, the message will not be
// silently lost.
func (q *Queue) Put(tr *trace.Trace, from string, to []string, data []byte,
	opts PutOptions) (string, error) {
	tr = tr.NewChild("Queue.Put", from)
	defer tr.Finish()

	if nItems := q.Len(); nItems >= q.MaxItems {
		tr.Errorf("queue full (%d items)", nItems)
		return "", errQueueFull
	}
	putCount.Inc()

	ref, err := q.blobs.Put(data)
	if err != nil {
		return "", tr.Errorf("failed to store message: %v", err)
	}

	now := time.Now().UTC()
	e := &Envelope{
		Nonce:       <-newNonce,
		From:        from,
		Priority:    opts.Priority,
		Size:        int64(len(data)),
		BlobRef:     ref,
		AuthResults: opts.AuthResults,
		Received:    opts.Received,
		CreatedAt:   now,
		NextEvent:   now,
	}

	for _, t := range to {
		rcpts, err := q.aliases.Resolve(tr, t)
		if err != nil {
			q.blobs.Release(ref)
			return "", fmt.Errorf("error resolving aliases for %q: %v", t, err)
		}

		for _, aliasRcpt := range rcpts {
			r := &Recipient{
				Address:         aliasRcpt.Addr,
				OriginalAddress: t,
				Status:          StatusQueued,
				NextAttempt:     now,
				DomainKey:       envelope.DomainOf(aliasRcpt.Addr),
			}
			switch aliasRcpt.Type {
			case aliases.EMAIL:
				r.Type = RcptEmail
			case aliases.PIPE:
				r.Type = RcptPipe
				r.DomainKey = ""
			default:
				q.blobs.Release(ref)
				return "", tr.Errorf("internal error - unknown alias type")
			}
			e.Recipients = append(e.Recipients, r)
			tr.Debugf("recipient: %v", r.Address)
		}
	}

	q.mu.Lock()
	q.lastID++
	e.ID = q.lastID
	q.mu.Unlock()

	if err := q.persist(e); err != nil {
		q.blobs.Release(ref)
		return "", tr.Errorf("failed to write envelope: %v", err)
	}

	q.mu.Lock()
	q.q[e.ID] = e
	heap.Push(q.heap, heapEntry{at: e.NextEvent, id: e.ID})
	queueSize.Set(float64(len(q.q)))
	q.mu.Unlock()
	q.kick()

	tr.Debugf("queued: %s", e.DisplayID())
	return e.DisplayID(), nil
}

// persist writes the envelope under its (next-event, id) key, removing the
// previous incarnation if the key changed.
func (q *Queue) persist(e *Envelope) error {
	newKey := fmt.Sprintf("env/%020d/%016x", e.NextEvent.UnixNano(), e.ID)

	q.mu.Lock()
	oldKey := q.keys[e.ID]
	q.mu.Unlock()

	if err := q.store.Put(newKey, e.Marshal()); err != nil {
		return err
	}
	if oldKey != "" && oldKey != newKey {
		if err := q.store.Delete(oldKey); err != nil {
			return err
		}
	}

	q.mu.Lock()
	q.keys[e.ID] = newKey
	q.mu.Unlock()
	return nil
}

// remove the envelope from the queue and storage, releasing its blob.
func (q *Queue) remove(e *Envelope) {
	q.mu.Lock()
	key := q.keys[e.ID]
	delete(q.q, e.ID)
	delete(q.keys, e.ID)
	delete(q.leases, e.ID)
	queueSize.Set(float64(len(q.q)))
	q.mu.Unlock()

	if key != "" {
		if err := q.store.Delete(key); err != nil {
			log.Errorf("queue: failed to remove %q: %v", key, err)
		}
	}
	if err := q.blobs.Release(e.BlobRef); err != nil {
		log.Errorf("queue: failed to release blob %q: %v", e.BlobRef, err)
	}
}

// kick the scheduler awake.
func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// schedLoop pops due envelopes and hands them to workers.
func (q *Queue) schedLoop() {
	defer q.wg.Done()

	for {
		now := time.Now()
		wait := time.Hour

		q.mu.Lock()
		for q.heap.Len() > 0 {
			top := (*q.heap)[0]
			e, ok := q.q[top.id]
			if !ok || q.leased(top.id) {
				// Removed or already leased; drop the stale entry.
				heap.Pop(q.heap)
				continue
			}

			// Events within the leeway are processed right away, without
			// sleeping; past-due events are processed immediately.
			if top.at.Sub(now) >= schedLeeway {
				wait = top.at.Sub(now)
				break
			}

			heap.Pop(q.heap)
			q.leases[e.ID] = now.Add(leaseTTL)
			q.wg.Add(1)
			go q.deliver(e)
		}
		q.mu.Unlock()

		select {
		case <-time.After(wait):
		case <-q.wake:
		case <-q.stop:
			return
		}
	}
}

// leased checks if the id has a live lease. Caller must hold q.mu.
func (q *Queue) leased(id uint64) bool {
	exp, ok := q.leases[id]
	return ok && time.Now().Before(exp)
}

// reclaimLoop returns envelopes whose lease expired (the worker died) to
// the heap.
func (q *Queue) reclaimLoop() {
	defer q.wg.Done()

	tick := time.NewTicker(time.Minute)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			now := time.Now()
			q.mu.Lock()
			for id, exp := range q.leases {
				if now.Before(exp) {
					continue
				}
				delete(q.leases, id)
				if e, ok := q.q[id]; ok {
					log.Errorf("queue: reclaiming expired lease for %s",
						e.DisplayID())
					heap.Push(q.heap, heapEntry{at: now, id: id})
				}
			}
			q.mu.Unlock()
			q.kick()
		case <-q.stop:
			return
		}
	}
}

// release the lease on the envelope and, if it still has pending
// recipients, put it back on the heap.
func (q *Queue) release(e *Envelope, reschedule bool) {
	q.mu.Lock()
	delete(q.leases, e.ID)
	if reschedule {
		heap.Push(q.heap, heapEntry{at: e.NextEvent, id: e.ID})
	}
	q.mu.Unlock()
	q.kick()
}

// deliver makes one delivery attempt for the envelope's due recipients.
func (q *Queue) deliver(e *Envelope) {
	defer q.wg.Done()

	tr := trace.New("Queue.Deliver", e.DisplayID())
	defer tr.Finish()

	data, err := q.blobs.Get(e.BlobRef)
	if err != nil {
		// Storage is unavailable (or the blob is gone). Retry the queue
		// operation itself shortly; this does not count as a delivery
		// attempt for the recipients.
		tr.Errorf("failed to load message: %v", err)
		e.NextEvent = time.Now().Add(1 * time.Minute)
		q.persist(e)
		q.release(e, true)
		return
	}

	now := time.Now().UTC()
	expired := q.MaxAge > 0 && now.Sub(e.CreatedAt) > q.MaxAge

	// Group the due email recipients by domain partition; pipes are
	// handled individually.
	groups := map[string][]*Recipient{}
	var pipes []*Recipient
	for _, r := range e.Pending() {
		if r.NextAttempt.After(now.Add(schedLeeway)) {
			continue
		}
		if expired {
			r.Status = StatusPermFail
			r.LastError = "4.4.7 Message expired, giving up"
			maillog.Expired(e.DisplayID(), e.From)
			continue
		}
		r.Status = StatusInFlight
		if r.Type == RcptPipe {
			pipes = append(pipes, r)
		} else {
			groups[r.DomainKey] = append(groups[r.DomainKey], r)
		}
	}

	for _, r := range pipes {
		deliverAttempts.WithLabelValues("pipe").Inc()
		err, permanent := deliverPipe(r.Address, data)
		q.recordResult(tr, e, r, err, permanent)
	}

	for domain, rcpts := range groups {
		tgt := q.routes.Lookup(domain, e.From, nil)
		q.deliverGroup(tr, e, tgt, domain, rcpts, data)
	}

	e.LastAttempt = now

	// All recipients terminal: generate bounces if needed, and drop the
	// envelope.
	if !e.UpdateNextEvent() {
		if e.countRcpt(StatusPermFail) > 0 && e.From != "<>" {
			q.sendDSN(tr, e, data)
		}
		tr.Printf("all done")
		q.remove(e)
		q.release(e, false)
		return
	}

	if err := q.persist(e); err != nil {
		tr.Errorf("failed to persist after attempt: %v", err)
	}
	maillog.Reschedule(e.DisplayID(), e.From, time.Until(e.NextEvent))
	q.release(e, true)
}

// deliverGroup attempts one domain group through its route target.
func (q *Queue) deliverGroup(tr *trace.Trace, e *Envelope, tgt route.Target,
	domain string, rcpts []*Recipient, data []byte) {
	if q.deliverer == nil {
		for _, r := range rcpts {
			q.recordResult(tr, e, r,
				fmt.Errorf("no delivery engine configured"), false)
		}
		return
	}

	// Per-(target, source-ip) concurrency. If the target is saturated,
	// leave the recipients for a bit later; it does not count as an
	// attempt.
	src := q.SourceIP
	if src == "" {
		src = "default"
	}
	semKey := "target/" + tgt.String() + "/" + src
	if !q.sem.Acquire(semKey, q.MaxPerTarget) {
		tr.Debugf("no delivery slot for %q, will retry", tgt)
		for _, r := range rcpts {
			r.Status = StatusTempFail
			r.NextAttempt = time.Now().Add(slotRetryDelay)
		}
		return
	}
	defer q.sem.Release(semKey)

	if envelope.DomainIn(rcpts[0].Address, q.localDomains) {
		deliverAttempts.WithLabelValues("email:local").Inc()
	} else {
		deliverAttempts.WithLabelValues("email:remote").Inc()
	}

	to := make([]string, 0, len(rcpts))
	byAddr := map[string]*Recipient{}
	for _, r := range rcpts {
		to = append(to, r.Address)
		byAddr[r.Address] = r
	}

	from := e.From
	if from == "<>" {
		// smtp clients will add the <> for us when the address is empty.
		from = ""
	}

	results := q.deliverer.Deliver(tgt, from, to, data)
	for addr, res := range results {
		if r := byAddr[addr]; r != nil {
			q.recordResult(tr, e, r, res.Error, res.Permanent)
		}
	}

	// Recipients the engine did not report on are treated as transient
	// failures, so they are never lost.
	for _, r := range rcpts {
		if _, ok := results[r.Address]; !ok {
			q.recordResult(tr, e, r,
				fmt.Errorf("no result from delivery engine"), false)
		}
	}
}

// recordResult updates a recipient with the outcome of an attempt.
func (q *Queue) recordResult(tr *trace.Trace, e *Envelope, r *Recipient,
	err error, permanent bool) {
	if err == nil {
		tr.Printf("%s sent", r.Address)
		maillog.SendAttempt(e.DisplayID(), e.From, r.Address, nil, false)
		r.Status = StatusDelivered
		r.LastError = ""
		return
	}

	r.Retries++
	r.LastError = err.Error()
	maillog.SendAttempt(e.DisplayID(), e.From, r.Address, err, permanent)

	if permanent {
		tr.Errorf("%s permanent error: %v", r.Address, err)
		r.Status = StatusPermFail
		return
	}

	tr.Printf("%s temporary error: %v", r.Address, err)
	r.Status = StatusTempFail
	r.NextAttempt = time.Now().Add(q.nextDelay(r.Retries))
}

// nextDelay returns the backoff delay for the given retry count (1-based),
// with up to 25% of jitter so queued mail does not retry in lockstep after
// a restart.
func (q *Queue) nextDelay(retries int) time.Duration {
	i := retries - 1
	if i < 0 {
		i = 0
	}
	if i >= len(q.retrySchedule) {
		i = len(q.retrySchedule) - 1
	}

	delay := q.retrySchedule[i]
	delay += time.Duration(rand.Int63n(int64(delay / 4)))
	return delay
}

// deliverPipe runs the pipe command with the message on stdin.
func deliverPipe(cmdline string, data []byte) (error, bool) {
	c := strings.Fields(cmdline)
	if len(c) == 0 {
		return fmt.Errorf("empty pipe"), true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, c[0], c[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	return cmd.Run(), true
}

// sendDSN generates and queues a bounce for the envelope's failed
// recipients.
func (q *Queue) sendDSN(tr *trace.Trace, e *Envelope, data []byte) {
	tr.Debugf("sending DSN")

	// Pick a (local) domain to send the DSN from. We should always find
	// one, as otherwise we're relaying.
	domain := "unknown"
	if e.From != "<>" && envelope.DomainIn(e.From, q.localDomains) {
		domain = envelope.DomainOf(e.From)
	} else {
		for _, rcpt := range e.Recipients {
			if envelope.DomainIn(rcpt.OriginalAddress, q.localDomains) {
				domain = envelope.DomainOf(rcpt.OriginalAddress)
				break
			}
		}
	}

	msg, err := deliveryStatusNotification(domain, e, data)
	if err != nil {
		tr.Errorf("failed to build DSN: %v", err)
		return
	}

	id, err := q.Put(tr, "<>", []string{e.From}, msg, PutOptions{})
	if err != nil {
		tr.Errorf("failed to queue DSN: %v", err)
		return
	}

	tr.Printf("queued DSN: %s", id)
	maillog.DSN(e.DisplayID(), e.From)
	dsnQueued.Inc()
}

// DumpString returns a human-readable string with the current queue.
// Useful for debugging purposes.
func (q *Queue) DumpString() string {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := "# Queue status\n\n"
	s += fmt.Sprintf("date: %v\n", time.Now())
	s += fmt.Sprintf("length: %d\n\n", len(q.q))

	for _, e := range q.q {
		s += fmt.Sprintf("## Envelope %s\n", e.DisplayID())
		s += fmt.Sprintf("created at: %s\n", e.CreatedAt)
		s += fmt.Sprintf("from: %s\n", e.From)
		s += fmt.Sprintf("next event: %s\n", e.NextEvent)
		for _, rcpt := range e.Recipients {
			s += fmt.Sprintf("%s %s (retries: %d)\n",
				rcpt.Status, rcpt.Address, rcpt.Retries)
			s += fmt.Sprintf("  original address: %s\n", rcpt.OriginalAddress)
			s += fmt.Sprintf("  last failure: %q\n", rcpt.LastError)
		}
		s += "\n"
	}

	return s
}

// heapEntry is an element of the scheduling heap.
type heapEntry struct {
	at time.Time
	id uint64
}

// envHeap is a min-heap of (next-event, id).
type envHeap []heapEntry

func (h envHeap) Len() int { return len(h) }

func (h envHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].id < h[j].id
	}
	return h[i].at.Before(h[j].at)
}

func (h envHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *envHeap) Push(x any) {
	*h = append(*h, x.(heapEntry))
}

func (h *envHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
