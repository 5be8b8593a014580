// Package throttle implements the counters used to rate-limit and bound
// resource usage: windowed rate counters, concurrency counters, and quota
// buckets (messages + bytes).
//
// Counters are keyed by free-form strings (the caller composes them, e.g.
// "ip:192.0.2.1" or "rcpt_domain:example.com") and sharded by key hash.
// Entries idle for longer than the eviction age are dropped opportunistically.
package throttle

import (
	"hash/fnv"
	"sync"
	"time"
)

const (
	numShards = 32

	// Entries unused for this long are evicted.
	evictAfter = 2 * time.Hour

	// How many operations between opportunistic eviction sweeps, per shard.
	sweepEvery = 256
)

// Rate is a windowed count limit.
type Rate struct {
	Max    int64
	Window time.Duration
}

// Quota is a rolling cap on messages and bytes.
type Quota struct {
	MaxMsgs  int64
	MaxBytes int64
	Window   time.Duration
}

type entry struct {
	// Windowed rate counter.
	count       int64
	windowStart time.Time

	// Quota accumulators (share windowStart semantics via their own window).
	msgs       int64
	bytes      int64
	quotaStart time.Time

	// Concurrency counter.
	concurrent int64

	lastUsed time.Time
}

type shard struct {
	sync.Mutex
	entries map[string]*entry
	ops     int
}

// Counters holds sharded throttle state.
type Counters struct {
	shards [numShards]*shard

	// Injectable for testing.
	now func() time.Time
}

// New returns an empty set of counters.
func New() *Counters {
	c := &Counters{now: time.Now}
	for i := range c.shards {
		c.shards[i] = &shard{entries: map[string]*entry{}}
	}
	return c
}

func (c *Counters) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// get the entry for key, creating it if needed. Caller must hold the shard
// lock.
func (c *Counters) get(s *shard, key string) *entry {
	now := c.now()

	s.ops++
	if s.ops >= sweepEvery {
		s.ops = 0
		for k, e := range s.entries {
			// Entries holding concurrency slots must not be dropped, we
			// would lose the release.
			if e.concurrent == 0 && now.Sub(e.lastUsed) > evictAfter {
				delete(s.entries, k)
			}
		}
	}

	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.lastUsed = now
	return e
}

// Allow increments the rate counter for key and checks it against the limit.
// Returns false if the limit is exceeded (the increment still happened, and
// can be undone with Rollback).
func (c *Counters) Allow(key string, r Rate) bool {
	s := c.shardFor(key)
	s.Lock()
	defer s.Unlock()

	e := c.get(s, key)
	now := c.now()

	if now.Sub(e.windowStart) > r.Window {
		e.windowStart = now
		e.count = 0
	}

	e.count++
	return e.count <= r.Max
}

// Rollback undoes one rate increment for key. Used when a later policy stage
// rejects the operation that was counted. Best-effort: windows are not
// tracked, so if the window rolled over in between, this decrements the
// new window's count instead (never below zero).
func (c *Counters) Rollback(key string) {
	s := c.shardFor(key)
	s.Lock()
	defer s.Unlock()

	if e, ok := s.entries[key]; ok && e.count > 0 {
		e.count--
	}
}

// Acquire a concurrency slot for key, if fewer than max are held.
func (c *Counters) Acquire(key string, max int64) bool {
	s := c.shardFor(key)
	s.Lock()
	defer s.Unlock()

	e := c.get(s, key)
	if e.concurrent >= max {
		return false
	}
	e.concurrent++
	return true
}

// Release a concurrency slot for key.
func (c *Counters) Release(key string) {
	s := c.shardFor(key)
	s.Lock()
	defer s.Unlock()

	if e, ok := s.entries[key]; ok && e.concurrent > 0 {
		e.concurrent--
	}
}

// AllowQuota accounts one message of the given size against the quota for
// key, and checks the caps. A zero cap means "no limit" for that dimension.
func (c *Counters) AllowQuota(key string, size int64, q Quota) bool {
	s := c.shardFor(key)
	s.Lock()
	defer s.Unlock()

	e := c.get(s, key)
	now := c.now()

	if now.Sub(e.quotaStart) > q.Window {
		e.quotaStart = now
		e.msgs = 0
		e.bytes = 0
	}

	e.msgs++
	e.bytes += size

	if q.MaxMsgs > 0 && e.msgs > q.MaxMsgs {
		return false
	}
	if q.MaxBytes > 0 && e.bytes > q.MaxBytes {
		return false
	}
	return true
}

// Len returns the total number of live entries, for monitoring.
func (c *Counters) Len() int {
	n := 0
	for _, s := range c.shards {
		s.Lock()
		n += len(s.entries)
		s.Unlock()
	}
	return n
}
