// Package registry implements the resolver's writer client registry:
// per-writer state (TTL, last-seen, owned paths, a cancellation hook) keyed
// by the writer's claimed write address. The map is guarded by an outer
// RWMutex with a per-record mutex for the hot, frequently-touched fields;
// record mutexes are only ever acquired after the outer lock, never before.
package registry

import (
	"sync"
	"time"

	"odin-resolver/internal/path"
	"odin-resolver/internal/protocol"
)

// Record is a single writer's client state. WriteAddr is immutable after
// creation; TTL and every unexported field are guarded by the record's own
// mutex, acquired strictly after any outer Registry lock.
type Record struct {
	WriteAddr protocol.Endpoint

	mu        sync.Mutex
	TTL       time.Duration
	lastSeen  time.Time
	published map[path.Path]struct{}
	cancel    func()
}

// NewSynthetic builds a session-local Record that is never inserted into a
// Registry, used for the read-only hello's synthetic client record.
func NewSynthetic(writeAddr protocol.Endpoint, ttl time.Duration, now time.Time) *Record {
	return &Record{
		WriteAddr: writeAddr,
		TTL:       ttl,
		lastSeen:  now,
		published: make(map[path.Path]struct{}),
	}
}

// Touch refreshes last-seen to now.
func (r *Record) Touch(now time.Time) {
	r.mu.Lock()
	r.lastSeen = now
	r.mu.Unlock()
}

// Idle reports how long it has been since the record was last touched, as
// of now.
func (r *Record) Idle(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return now.Sub(r.lastSeen)
}

// AddPublished records p as owned by this writer.
func (r *Record) AddPublished(p path.Path) {
	r.mu.Lock()
	r.published[p] = struct{}{}
	r.mu.Unlock()
}

// RemovePublished forgets p as owned by this writer.
func (r *Record) RemovePublished(p path.Path) {
	r.mu.Lock()
	delete(r.published, p)
	r.mu.Unlock()
}

// Published returns a snapshot of the paths owned by this writer.
func (r *Record) Published() []path.Path {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]path.Path, 0, len(r.published))
	for p := range r.published {
		out = append(out, p)
	}
	return out
}

// refresh updates the TTL and last-seen clock and installs a new
// cancellation hook, firing the superseded one (if any) after the record
// lock is released.
func (r *Record) refresh(ttl time.Duration, now time.Time, cancel func()) {
	r.mu.Lock()
	r.TTL = ttl
	r.lastSeen = now
	old := r.cancel
	r.cancel = cancel
	r.mu.Unlock()
	if old != nil {
		old()
	}
}

// expiredAt reports whether the record's idle time exceeds its TTL as of now.
func (r *Record) expiredAt(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return now.Sub(r.lastSeen) > r.TTL
}

// Cancel fires the record's current cancellation hook, if any.
func (r *Record) Cancel() {
	r.mu.Lock()
	c := r.cancel
	r.mu.Unlock()
	if c != nil {
		c()
	}
}

// Registry is the writer-endpoint-keyed map of Records.
type Registry struct {
	mu      sync.RWMutex
	records map[protocol.Endpoint]*Record
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{records: make(map[protocol.Endpoint]*Record)}
}

// Upsert reuses a prior record's published set and refreshes last-seen if
// one exists for writeAddr (reporting ttlExpired=false); otherwise it
// creates a new record (reporting ttlExpired=true, so the caller knows to
// ask the client to republish). The supplied cancel hook replaces (and, for
// an existing record, fires) the prior one.
func (rg *Registry) Upsert(writeAddr protocol.Endpoint, ttl time.Duration, now time.Time, cancel func()) (rec *Record, ttlExpired bool) {
	rg.mu.Lock()
	existing, ok := rg.records[writeAddr]
	if ok {
		rg.mu.Unlock()
		existing.refresh(ttl, now, cancel)
		return existing, false
	}
	rec = &Record{
		WriteAddr: writeAddr,
		TTL:       ttl,
		lastSeen:  now,
		published: make(map[path.Path]struct{}),
		cancel:    cancel,
	}
	rg.records[writeAddr] = rec
	rg.mu.Unlock()
	return rec, true
}

// Get returns the record for writeAddr, if any.
func (rg *Registry) Get(writeAddr protocol.Endpoint) (*Record, bool) {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	rec, ok := rg.records[writeAddr]
	return rec, ok
}

// Touch refreshes last-seen for writeAddr, if a record exists.
func (rg *Registry) Touch(writeAddr protocol.Endpoint, now time.Time) {
	rg.mu.RLock()
	rec, ok := rg.records[writeAddr]
	rg.mu.RUnlock()
	if ok {
		rec.Touch(now)
	}
}

// Expired returns every record whose idle time exceeds its TTL, as of now.
func (rg *Registry) Expired(now time.Time) []*Record {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	var out []*Record
	for _, rec := range rg.records {
		if rec.expiredAt(now) {
			out = append(out, rec)
		}
	}
	return out
}

// Forget removes the record for writeAddr and returns the paths it owned,
// so the caller (the scavenger) can clean up the directory. Reports false if no record existed.
func (rg *Registry) Forget(writeAddr protocol.Endpoint) ([]path.Path, bool) {
	rg.mu.Lock()
	rec, ok := rg.records[writeAddr]
	if ok {
		delete(rg.records, writeAddr)
	}
	rg.mu.Unlock()
	if !ok {
		return nil, false
	}
	return rec.Published(), true
}

// Len reports the number of tracked writer records, for metrics.
func (rg *Registry) Len() int {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	return len(rg.records)
}
