// Package pathdir implements the resolver's in-memory path directory: an
// exact-match Path -> ordered set of Endpoints mapping with efficient
// prefix listing, guarded by a single sync.RWMutex so that mutators
// (publish/unpublish/bulk_change) are atomic with respect to readers
// (resolve/list).
//
// The prefix index is a plain sorted slice of keys maintained alongside the
// map: listing is a binary-searched range scan over it. At the sizes a
// single resolver holds (one fabric's worth of advertised paths) this beats
// carrying a tree structure, and it keeps the whole directory under one
// lock so batch visibility stays trivially atomic.
package pathdir

import (
	"sort"
	"sync"

	"odin-resolver/internal/path"
	"odin-resolver/internal/protocol"
)

// ErrRelativePath is returned by Publish, Unpublish and BulkChange when
// given a non-absolute path. Resolve and List do not validate their input.
var ErrRelativePath = path.ErrRelative

// Action discriminates a bulk_change entry.
type Action int

const (
	ActionPublish Action = iota
	ActionUnpublish
)

// Change is one (path, action, endpoint) entry of a bulk_change batch.
type Change struct {
	Path     path.Path
	Action   Action
	Endpoint protocol.Endpoint
}

// Directory is the path -> endpoint-set mapping the resolver serves.
type Directory struct {
	mu      sync.RWMutex
	entries map[path.Path][]protocol.Endpoint
	keys    []path.Path // kept sorted, mirrors entries' key set
}

// New returns an empty Directory.
func New() *Directory {
	return &Directory{entries: make(map[path.Path][]protocol.Endpoint)}
}

// Publish inserts endpoint into the set at path, no-op if already present.
func (d *Directory) Publish(p path.Path, e protocol.Endpoint) error {
	if err := p.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.publishLocked(p, e)
	return nil
}

// Unpublish removes endpoint from the set at path; deletes the entry if the
// set becomes empty.
func (d *Directory) Unpublish(p path.Path, e protocol.Endpoint) error {
	if err := p.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unpublishLocked(p, e)
	return nil
}

// Resolve returns the ordered endpoint set for path, or an empty slice if
// absent.
func (d *Directory) Resolve(p path.Path) []protocol.Endpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.resolveLocked(p)
}

// List returns all paths strictly under prefix, lexicographically ordered
// and deduplicated (the key slice is already both, by construction).
func (d *Directory) List(prefix path.Path) []path.Path {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.listLocked(prefix)
}

// View exposes the directory's read/write operations to a caller that
// already holds the appropriate lock (see WithLock). It exists so that a
// server session can apply a batch mixing Resolve/List with
// Publish/Unpublish/Clear under exactly one lock acquisition: acquire the
// directory's shared lock for read-only batches or the exclusive lock for
// mixed batches, then execute requests in arrival order.
type View struct{ d *Directory }

// Resolve resolves p without taking any lock; the caller must hold at least
// a read lock (via WithLock).
func (v View) Resolve(p path.Path) []protocol.Endpoint { return v.d.resolveLocked(p) }

// List lists prefix without taking any lock; the caller must hold at least
// a read lock (via WithLock).
func (v View) List(prefix path.Path) []path.Path { return v.d.listLocked(prefix) }

// Publish publishes without taking any lock; the caller must hold the
// exclusive lock (via WithLock(true, ...)).
func (v View) Publish(p path.Path, e protocol.Endpoint) { v.d.publishLocked(p, e) }

// Unpublish unpublishes without taking any lock; the caller must hold the
// exclusive lock (via WithLock(true, ...)).
func (v View) Unpublish(p path.Path, e protocol.Endpoint) { v.d.unpublishLocked(p, e) }

// WithLock runs fn with the directory's shared lock (write=false) or
// exclusive lock (write=true) held for fn's entire duration, so that fn may
// freely mix calls to View's methods and see them applied as a single
// atomic unit with respect to other readers.
func (d *Directory) WithLock(write bool, fn func(View)) {
	if write {
		d.mu.Lock()
		defer d.mu.Unlock()
	} else {
		d.mu.RLock()
		defer d.mu.RUnlock()
	}
	fn(View{d: d})
}

func (d *Directory) resolveLocked(p path.Path) []protocol.Endpoint {
	set := d.entries[p]
	out := make([]protocol.Endpoint, len(set))
	copy(out, set)
	return out
}

func (d *Directory) listLocked(prefix path.Path) []path.Path {
	lo := sort.Search(len(d.keys), func(i int) bool { return string(d.keys[i]) > string(prefix) })
	succ := prefix.Successor()
	hi := sort.Search(len(d.keys), func(i int) bool { return string(d.keys[i]) >= succ })

	out := make([]path.Path, 0, hi-lo)
	for _, k := range d.keys[lo:hi] {
		if k.IsStrictDescendantOf(prefix) {
			out = append(out, k)
		}
	}
	return out
}

// BulkChange applies a batch of (path, action, endpoint) entries atomically
// with respect to other readers: the whole batch is applied under a single
// lock acquisition. Every path is validated before the lock is taken: if
// any entry has an invalid path, BulkChange returns that error and applies
// no entry of the batch.
func (d *Directory) BulkChange(changes []Change) error {
	for _, c := range changes {
		if err := c.Path.Validate(); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range changes {
		switch c.Action {
		case ActionPublish:
			d.publishLocked(c.Path, c.Endpoint)
		case ActionUnpublish:
			d.unpublishLocked(c.Path, c.Endpoint)
		}
	}
	return nil
}

// Snapshot returns every (path, endpoints) pair currently held, for
// diagnostics/tests. The returned map is a copy.
func (d *Directory) Snapshot() map[path.Path][]protocol.Endpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[path.Path][]protocol.Endpoint, len(d.entries))
	for k, v := range d.entries {
		cp := make([]protocol.Endpoint, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// Len reports the number of distinct paths currently published, for metrics.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.keys)
}

func (d *Directory) publishLocked(p path.Path, e protocol.Endpoint) {
	set, ok := d.entries[p]
	if !ok {
		d.insertKeyLocked(p)
		d.entries[p] = []protocol.Endpoint{e}
		return
	}
	for _, existing := range set {
		if existing == e {
			return
		}
	}
	d.entries[p] = append(set, e)
}

func (d *Directory) unpublishLocked(p path.Path, e protocol.Endpoint) {
	set, ok := d.entries[p]
	if !ok {
		return
	}
	idx := -1
	for i, existing := range set {
		if existing == e {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	set = append(set[:idx], set[idx+1:]...)
	if len(set) == 0 {
		delete(d.entries, p)
		d.removeKeyLocked(p)
	} else {
		d.entries[p] = set
	}
}

func (d *Directory) insertKeyLocked(p path.Path) {
	i := sort.Search(len(d.keys), func(i int) bool { return d.keys[i] >= p })
	d.keys = append(d.keys, "")
	copy(d.keys[i+1:], d.keys[i:])
	d.keys[i] = p
}

func (d *Directory) removeKeyLocked(p path.Path) {
	i := sort.Search(len(d.keys), func(i int) bool { return d.keys[i] >= p })
	if i < len(d.keys) && d.keys[i] == p {
		d.keys = append(d.keys[:i], d.keys[i+1:]...)
	}
}
