// Package txn implements C5 (transaction registry) and C6 (per-txn write
// buffer). Grounded on service/mvcc/{manager,clog,types}.go's XID/
// Snapshot/commit-log shape, generalized from a wraparound uint32 XID to
// a monotonic, never-recycled uint64 id — see DESIGN.md's resolution of
// the spec's "txn id recycling soundness" open question.
package txn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/oxibase/oxibase/oxierr"
)

// ID identifies a transaction for its entire lifetime. IDs are never
// reused by a live Registry, which is what makes it safe to treat an id
// that is neither active nor in the commit log as "committed, GC'd"
// rather than "never existed".
type ID uint64

// Seq is a monotonic ordering stamp drawn from the same counter as
// commit sequence numbers.
type Seq uint64

// Isolation selects the visibility rule applied by IsVisible.
type Isolation uint8

const (
	ReadCommitted Isolation = iota
	Snapshot
)

// Status is a transaction's lifecycle state as tracked by the commit log.
type Status uint8

const (
	StatusActive Status = iota
	StatusCommitted
	StatusAborted
)

// Txn is one transaction's registry-visible state.
type Txn struct {
	ID        ID
	BeginSeq  Seq
	Isolation Isolation
	CommitSeq Seq // 0 until committed

	mu     sync.Mutex
	status Status
}

func (t *Txn) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// logEntry is one transaction's terminal record in the commit log: its
// status, and — for committed transactions — the commit_seq it
// published under. commit_seq must survive the Txn leaving the
// registry's active set (MarkCommitted deletes it from active
// immediately), or a Snapshot viewer would have no way to order itself
// against a since-vacuumed-from-active-but-still-logged committer.
type logEntry struct {
	status    Status
	commitSeq Seq
}

// commitLog tracks every transaction's terminal status (and commit_seq,
// for committed ones), grounded on service/mvcc/clog.go's CommitLog
// (entries map + oldest watermark), but keyed by a non-wrapping uint64
// id.
type commitLog struct {
	mu            sync.RWMutex
	entries       map[ID]logEntry
	vacuumedBelow ID // ids strictly below this have been GC'd from entries
}

func newCommitLog() *commitLog {
	return &commitLog{entries: make(map[ID]logEntry)}
}

// set records id's terminal status. commitSeq is only meaningful when s
// is StatusCommitted; callers pass 0 otherwise.
func (c *commitLog) set(id ID, s Status, commitSeq Seq) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = logEntry{status: s, commitSeq: commitSeq}
}

// status returns the known status of id. If id has been vacuumed
// (dropped from the log because it is older than the GC watermark and
// was not active at vacuum time), it reports StatusCommitted: per
// DESIGN.md, ids are never recycled, so an id below the watermark that
// left no trace can only have been committed and cleaned up.
func (c *commitLog) status(id ID) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[id]; ok {
		return e.status
	}
	if id < c.vacuumedBelow {
		return StatusCommitted
	}
	return StatusAborted
}

// commitSeq returns the commit_seq logged for id, if id is known to the
// log and was logged as committed.
func (c *commitLog) commitSeq(id ID) (Seq, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok || e.status != StatusCommitted {
		return 0, false
	}
	return e.commitSeq, true
}

func (c *commitLog) vacuum(oldestActive ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		if id < oldestActive && e.status != StatusActive {
			delete(c.entries, id)
		}
	}
	if oldestActive > c.vacuumedBelow {
		c.vacuumedBelow = oldestActive
	}
}

// Registry is the engine-wide transaction registry (C5). It must never
// be reached through an ambient global — callers own one Registry per
// Engine and pass it explicitly, per spec design note "Global mutable
// state".
type Registry struct {
	nextID  uint64
	nextSeq uint64

	mu     sync.RWMutex
	active map[ID]*Txn
	log    *commitLog

	gcStop chan struct{}
	once   sync.Once
}

// GCConfig controls the background vacuum loop.
type GCConfig struct {
	Interval time.Duration
}

func NewRegistry() *Registry {
	return &Registry{
		active: make(map[ID]*Txn),
		log:    newCommitLog(),
	}
}

// Begin allocates a new transaction id and begin_seq, per spec §4.1.
func (r *Registry) Begin(level Isolation) *Txn {
	id := ID(atomic.AddUint64(&r.nextID, 1))
	seq := Seq(atomic.AddUint64(&r.nextSeq, 1))

	t := &Txn{ID: id, BeginSeq: seq, Isolation: level, status: StatusActive}

	r.mu.Lock()
	r.active[id] = t
	r.mu.Unlock()

	r.log.set(id, StatusActive, 0)
	return t
}

// MarkCommitted publishes t as committed with a freshly allocated
// commit_seq. Publication is a single mutex-guarded step: any concurrent
// visibility query either sees t as active or as committed with its
// full commit_seq, never in between (spec §4.1's "observable-atomic"
// requirement, and DESIGN.md's sync_mode=0 atomicity resolution).
func (r *Registry) MarkCommitted(t *Txn) Seq {
	commitSeq := Seq(atomic.AddUint64(&r.nextSeq, 1))

	t.mu.Lock()
	t.CommitSeq = commitSeq
	t.status = StatusCommitted
	t.mu.Unlock()

	r.mu.Lock()
	delete(r.active, t.ID)
	r.mu.Unlock()

	r.log.set(t.ID, StatusCommitted, commitSeq)
	return commitSeq
}

// MarkAborted discards t without publishing any of its writes.
func (r *Registry) MarkAborted(t *Txn) {
	t.mu.Lock()
	t.status = StatusAborted
	t.mu.Unlock()

	r.mu.Lock()
	delete(r.active, t.ID)
	r.mu.Unlock()

	r.log.set(t.ID, StatusAborted, 0)
}

// IsVisible implements the visibility rule of spec §4.1.
func (r *Registry) IsVisible(creator ID, viewer *Txn) bool {
	if creator == viewer.ID {
		return true
	}

	switch viewer.Isolation {
	case ReadCommitted:
		return r.log.status(creator) == StatusCommitted
	case Snapshot:
		if r.log.status(creator) != StatusCommitted {
			return false
		}
		creatorSeq, ok := r.commitSeqOf(creator)
		if !ok {
			// Vacuumed and known-committed but its commit_seq is no
			// longer tracked: it must predate every live viewer's
			// begin_seq, since it was already GC-eligible.
			return true
		}
		return creatorSeq < viewer.BeginSeq
	default:
		return false
	}
}

// commitSeqOf looks up a committed txn's commit_seq. MarkCommitted
// removes the Txn from r.active the instant it commits, so the commit
// log — not r.active — is the only place commit_seq survives past that
// point; this must be consulted even for long-committed ids, not just
// ones still sitting in active. Returns false once the commit log entry
// itself has been vacuumed, in which case IsVisible falls back to the
// vacuumed-implies-old reasoning above.
func (r *Registry) commitSeqOf(id ID) (Seq, bool) {
	return r.log.commitSeq(id)
}

// IsDeletionVisible reports whether a tombstone's deleter is visible to
// viewer under viewer's isolation rule, per spec §4.1.
func (r *Registry) IsDeletionVisible(deleter ID, viewer *Txn) bool {
	if deleter == 0 {
		return false
	}
	return r.IsVisible(deleter, viewer)
}

// OldestActiveBeginSeq returns the begin_seq of the oldest still-active
// transaction, used by the GC boundary (spec §4.10). If no transaction
// is active, it returns the current seq counter (everything is GC-able
// up to "now").
func (r *Registry) OldestActiveBeginSeq() Seq {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var oldest Seq
	found := false
	for _, t := range r.active {
		if !found || t.BeginSeq < oldest {
			oldest = t.BeginSeq
			found = true
		}
	}
	if !found {
		return Seq(atomic.LoadUint64(&r.nextSeq))
	}
	return oldest
}

// oldestActiveID mirrors OldestActiveBeginSeq but in id-space, used to
// vacuum the commit log.
func (r *Registry) oldestActiveID() ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var oldest ID
	found := false
	for id := range r.active {
		if !found || id < oldest {
			oldest = id
			found = true
		}
	}
	if !found {
		return ID(atomic.LoadUint64(&r.nextID)) + 1
	}
	return oldest
}

// StartGC launches the background vacuum loop described in spec §4.10;
// it only ever trims the commit log, never touches version chains
// (version.Store.GC handles that, driven by the same OldestActiveBeginSeq).
func (r *Registry) StartGC(interval time.Duration) {
	r.once.Do(func() {
		r.gcStop = make(chan struct{})
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					r.log.vacuum(r.oldestActiveID())
				case <-r.gcStop:
					return
				}
			}
		}()
	})
}

func (r *Registry) StopGC() {
	if r.gcStop != nil {
		select {
		case <-r.gcStop:
		default:
			close(r.gcStop)
		}
	}
}

// ActiveCount reports the number of in-flight transactions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// Cancelled is returned by cursor boundaries that observe a cancelled
// context; kept here for convenience so callers don't need to import
// oxierr separately in the common case.
func Cancelled(reason string) error { return oxierr.NewCancelled("%s", reason) }
