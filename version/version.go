// Package version implements C4: the per-table version store. Each row
// is a chain of Version records, newest-first, linked by a shared Prev
// pointer that concurrent readers may walk without locking (spec design
// note "Cyclic references (version chains)" — the chain is acyclic in
// practice but the note's name covers the general shared-back-link
// discipline). Grounded on service/mvcc/types.go's TupleVersion
// visibility predicate, generalized from a flat KV tuple store to a
// genuine per-row_id linked chain as spec §3/§4.2 require.
package version

import (
	"sort"
	"sync"
	"time"

	"github.com/oxibase/oxibase/arena"
	"github.com/oxibase/oxibase/oxierr"
	"github.com/oxibase/oxibase/txn"
	"github.com/oxibase/oxibase/value"
)

// Version is one physical row version in a chain.
type Version struct {
	RowID     int64
	Creator   txn.ID
	DeletedBy txn.ID // 0 means live (not a tombstone)
	CreateSeq uint64
	Handle    arena.Handle
	CreatedAt time.Time
	Prev      *Version // shared; never mutated after publication
}

// IsTombstone reports whether this version marks a deletion. The
// deleted payload is still retained at Handle so time-travel reads
// before the delete keep working.
func (v *Version) IsTombstone() bool { return v.DeletedBy != 0 }

// NewVersion builds a Version ready to be appended to a chain; callers
// store the payload in the Arena first so Handle is already valid.
func NewVersion(rowID int64, creator txn.ID, createSeq uint64, h arena.Handle, prev *Version) *Version {
	return &Version{
		RowID:     rowID,
		Creator:   creator,
		CreateSeq: createSeq,
		Handle:    h,
		CreatedAt: time.Now(),
		Prev:      prev,
	}
}

// NewTombstone builds a deletion marker. payloadHandle still points at
// the pre-delete payload (spec §3: "the deletion marker stores the
// pre-delete payload so time-travel reads still see it").
func NewTombstone(rowID int64, deleter txn.ID, createSeq uint64, payloadHandle arena.Handle, prev *Version) *Version {
	return &Version{
		RowID:     rowID,
		Creator:   deleter,
		DeletedBy: deleter,
		CreateSeq: createSeq,
		Handle:    payloadHandle,
		CreatedAt: time.Now(),
		Prev:      prev,
	}
}

// Store is the per-table version store (C4): row_id → chain-head, plus
// the arena holding payloads, plus the uncommitted-write marker set used
// to detect concurrent PK collisions (spec §4.2).
type Store struct {
	mu       sync.RWMutex
	heads    map[int64]*Version
	arena    *arena.Arena
	registry *txn.Registry

	uncommittedMu sync.Mutex
	uncommitted   map[int64]txn.ID
}

func NewStore(a *arena.Arena, reg *txn.Registry) *Store {
	return &Store{
		heads:       make(map[int64]*Version),
		arena:       a,
		registry:    reg,
		uncommitted: make(map[int64]txn.ID),
	}
}

// GetVisible walks the chain newest-to-oldest and returns the first
// version whose creator is visible to viewer and whose deletion (if
// any) is not visible, per spec §4.2.
func (s *Store) GetVisible(rowID int64, viewer *txn.Txn) (*Version, bool) {
	s.mu.RLock()
	head := s.heads[rowID]
	s.mu.RUnlock()

	for v := head; v != nil; v = v.Prev {
		if !s.registry.IsVisible(v.Creator, viewer) {
			continue
		}
		if v.IsTombstone() && s.registry.IsDeletionVisible(v.DeletedBy, viewer) {
			return nil, false
		}
		return v, true
	}
	return nil, false
}

// Visible implements txn.VisibleReader for the write buffer: reports
// whether rowID has a currently visible version and its create_seq.
func (s *Store) Visible(rowID int64, viewer *txn.Txn) (createSeq uint64, ok bool) {
	v, found := s.GetVisible(rowID, viewer)
	if !found {
		return 0, false
	}
	return v.CreateSeq, true
}

// GetAsOfTransaction implements the cutoff-aware walk for AS OF
// TRANSACTION t (spec §4.2/§4.6): the predicate is creator_txn ≤ cutoff,
// with a symmetric deletion predicate.
func (s *Store) GetAsOfTransaction(rowID int64, cutoff txn.ID) (*Version, bool) {
	s.mu.RLock()
	head := s.heads[rowID]
	s.mu.RUnlock()

	for v := head; v != nil; v = v.Prev {
		if v.Creator > cutoff {
			continue
		}
		if v.IsTombstone() && v.DeletedBy <= cutoff {
			return nil, false
		}
		return v, true
	}
	return nil, false
}

// GetAsOfTimestamp implements the cutoff-aware walk for AS OF TIMESTAMP τ.
func (s *Store) GetAsOfTimestamp(rowID int64, cutoff time.Time) (*Version, bool) {
	s.mu.RLock()
	head := s.heads[rowID]
	s.mu.RUnlock()

	for v := head; v != nil; v = v.Prev {
		if v.CreatedAt.After(cutoff) {
			continue
		}
		if v.IsTombstone() && !v.CreatedAt.After(cutoff) {
			return nil, false
		}
		return v, true
	}
	return nil, false
}

// Payload loads the row payload referenced by v's arena handle.
func (s *Store) Payload(v *Version) (value.Row, error) {
	row, err := s.arena.Get(v.Handle)
	if err != nil {
		return nil, oxierr.NewInternalError("arena lookup failed for version of row %d: %v", v.RowID, err)
	}
	s.arena.Release(v.Handle)
	return row, nil
}

// PendingAppend is one row's new chain head, ready for atomic
// publication by AppendVersionsBatch.
type PendingAppend struct {
	RowID   int64
	Version *Version
}

// AppendVersionsBatch atomically prepends new chain heads for a set of
// rows (spec §4.2). It must only be called once the owning transaction
// is marked committed — that ordering is the table façade's
// responsibility (commit protocol step 6).
func (s *Store) AppendVersionsBatch(batch []PendingAppend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range batch {
		b.Version.Prev = s.heads[b.RowID]
		s.heads[b.RowID] = b.Version
	}
}

// MarkUncommittedWrite records that txnID has an in-flight, not-yet-
// committed write against rowID, so concurrent inserts with the same PK
// can be detected before either side commits (spec §4.2/§4.3).
func (s *Store) MarkUncommittedWrite(rowID int64, id txn.ID) {
	s.uncommittedMu.Lock()
	defer s.uncommittedMu.Unlock()
	s.uncommitted[rowID] = id
}

func (s *Store) ClearUncommittedWrite(rowID int64, id txn.ID) {
	s.uncommittedMu.Lock()
	defer s.uncommittedMu.Unlock()
	if cur, ok := s.uncommitted[rowID]; ok && cur == id {
		delete(s.uncommitted, rowID)
	}
}

// UncommittedWriteHolder implements txn.VisibleReader.
func (s *Store) UncommittedWriteHolder(rowID int64) (txn.ID, bool) {
	s.uncommittedMu.Lock()
	defer s.uncommittedMu.Unlock()
	id, ok := s.uncommitted[rowID]
	return id, ok
}

// ScanItem is one row produced by Scan.
type ScanItem struct {
	RowID int64
	Row   value.Row
}

// Scan iterates the table in ascending row_id order, applying
// visibility, and reports cancellation via ctxDone (checked once per
// produced row, per spec §5). Cost is O(N) in live rows plus the length
// of each walked chain, since lock guards are acquired once up front.
func (s *Store) Scan(viewer *txn.Txn, ctxDone <-chan struct{}) ([]ScanItem, error) {
	s.mu.RLock()
	rowIDs := make([]int64, 0, len(s.heads))
	heads := make(map[int64]*Version, len(s.heads))
	for id, h := range s.heads {
		rowIDs = append(rowIDs, id)
		heads[id] = h
	}
	s.mu.RUnlock()

	sort.Slice(rowIDs, func(i, j int) bool { return rowIDs[i] < rowIDs[j] })

	out := make([]ScanItem, 0, len(rowIDs))
	for _, id := range rowIDs {
		select {
		case <-ctxDone:
			return nil, oxierr.NewCancelled("scan cancelled")
		default:
		}

		for v := heads[id]; v != nil; v = v.Prev {
			if !s.registry.IsVisible(v.Creator, viewer) {
				continue
			}
			if v.IsTombstone() && s.registry.IsDeletionVisible(v.DeletedBy, viewer) {
				break
			}
			row, err := s.Payload(v)
			if err != nil {
				return nil, err
			}
			out = append(out, ScanItem{RowID: id, Row: row})
			break
		}
	}
	return out, nil
}

// GC implements spec §4.10: for each chain, detach prev links older than
// the oldest active transaction's anchor, freeing their arena slots.
// Chain heads are always kept, tombstone heads included.
func (s *Store) GC(oldestActiveBeginSeq uint64) {
	s.mu.Lock()
	heads := make(map[int64]*Version, len(s.heads))
	for id, h := range s.heads {
		heads[id] = h
	}
	s.mu.Unlock()

	for rowID, head := range heads {
		s.gcChain(rowID, head, oldestActiveBeginSeq)
	}
}

func (s *Store) gcChain(rowID int64, head *Version, boundary uint64) {
	// Find the newest version at or below the boundary: every active
	// txn with begin_seq >= boundary can still need to see it (or a
	// version at least that old), so it must be kept; anything strictly
	// older than it is unreachable by any live viewer.
	var keepBoundaryAt *Version
	for v := head; v != nil; v = v.Prev {
		if uint64(v.CreateSeq) <= boundary {
			keepBoundaryAt = v
			break
		}
	}
	if keepBoundaryAt == nil || keepBoundaryAt.Prev == nil {
		return
	}

	// Free arena handles for every version strictly older than the
	// boundary version before detaching the link.
	for v := keepBoundaryAt.Prev; v != nil; v = v.Prev {
		s.arena.Free(v.Handle)
	}
	keepBoundaryAt.Prev = nil
}
