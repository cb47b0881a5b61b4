package txn

import (
	"github.com/oxibase/oxibase/oxierr"
	"github.com/oxibase/oxibase/value"
)

// PendingKind distinguishes a buffered insert/update from a buffered
// delete (tombstone), per spec §4.3.
type PendingKind uint8

const (
	PendingInsert PendingKind = iota
	PendingUpdate
	PendingDelete
)

// Pending is one buffered, not-yet-committed row mutation.
type Pending struct {
	Kind PendingKind
	Row  value.Row // nil for PendingDelete
}

// WriteSetEntry records the version a row was at when this txn first
// observed it, for Snapshot-isolation conflict detection at commit
// (spec §3 "Write set entry").
type WriteSetEntry struct {
	RowID       int64
	ObservedSeq uint64 // create_seq of the version observed
}

// VisibleReader is the subset of version.Store's read surface the write
// buffer needs; kept as an interface here (rather than importing
// version directly) to avoid a import cycle, since version.Store needs
// txn.Registry for visibility and the write buffer needs version.Store
// for reads.
type VisibleReader interface {
	// Visible reports whether row_id currently has a version visible to
	// viewer, and that version's create_seq.
	Visible(rowID int64, viewer *Txn) (createSeq uint64, ok bool)
	// UncommittedWriteHolder reports the txn id (if any) that has
	// marked row_id as an in-flight uncommitted write, for PK-collision
	// detection across concurrent txns (spec §4.3).
	UncommittedWriteHolder(rowID int64) (ID, bool)
}

// WriteBuffer is C6: the per-transaction holding area for uncommitted
// inserts/updates/deletes plus the write set used for conflict
// detection at commit. Grounded on the dispatch shape of
// pkg/resource/memory/mvcc_datasource.go's Insert/Update/Delete paths,
// rewritten against real version chains (VisibleReader) instead of COW
// table snapshots.
type WriteBuffer struct {
	txn      *Txn
	reader   VisibleReader
	pending  map[int64]Pending
	writeSet map[int64]WriteSetEntry
}

func NewWriteBuffer(t *Txn, reader VisibleReader) *WriteBuffer {
	return &WriteBuffer{
		txn:      t,
		reader:   reader,
		pending:  make(map[int64]Pending),
		writeSet: make(map[int64]WriteSetEntry),
	}
}

// Insert buffers a new row keyed by rowID (the primary-key value). Fails
// with UniqueViolation if a committed version of rowID is visible to
// this txn (the buffer is not consulted, so this holds even after this
// txn buffered a delete of that row) or rowID is marked uncommitted by
// another live txn. A row this txn already buffered is replaced: the
// last write wins.
func (w *WriteBuffer) Insert(rowID int64, row value.Row) error {
	if _, visible := w.reader.Visible(rowID, w.txn); visible {
		return oxierr.NewUniqueViolation("primary key", rowID)
	}
	if holder, held := w.reader.UncommittedWriteHolder(rowID); held && holder != w.txn.ID {
		return oxierr.NewUniqueViolation("primary key", rowID)
	}
	w.pending[rowID] = Pending{Kind: PendingInsert, Row: row}
	return nil
}

// Update requires a visible version, records it in the write set, and
// buffers the new values.
func (w *WriteBuffer) Update(rowID int64, newValues value.Row) error {
	seq, ok := w.reader.Visible(rowID, w.txn)
	if !ok {
		if _, buffered := w.pending[rowID]; !buffered {
			return oxierr.NewNotFound("row %d not visible to this transaction", rowID)
		}
	} else if _, already := w.writeSet[rowID]; !already {
		w.writeSet[rowID] = WriteSetEntry{RowID: rowID, ObservedSeq: seq}
	}
	w.pending[rowID] = Pending{Kind: PendingUpdate, Row: newValues}
	return nil
}

// Delete requires a visible version, records it in the write set, and
// buffers a tombstone.
func (w *WriteBuffer) Delete(rowID int64) error {
	seq, ok := w.reader.Visible(rowID, w.txn)
	if !ok {
		if _, buffered := w.pending[rowID]; !buffered {
			return oxierr.NewNotFound("row %d not visible to this transaction", rowID)
		}
	} else if _, already := w.writeSet[rowID]; !already {
		w.writeSet[rowID] = WriteSetEntry{RowID: rowID, ObservedSeq: seq}
	}
	w.pending[rowID] = Pending{Kind: PendingDelete}
	return nil
}

// Read returns the buffered version of rowID if any (own-write
// visibility), reporting whether one exists in the buffer at all; a
// buffered delete is reported as present-but-tombstoned via ok=true,
// row=nil.
func (w *WriteBuffer) Read(rowID int64) (row value.Row, buffered bool) {
	p, ok := w.pending[rowID]
	if !ok {
		return nil, false
	}
	if p.Kind == PendingDelete {
		return nil, true
	}
	return p.Row, true
}

// PendingRows returns the full set of buffered mutations keyed by row
// id, for the table façade's commit protocol to walk; the map's
// iteration order is not defined.
func (w *WriteBuffer) PendingRows() map[int64]Pending { return w.pending }

// WriteSet returns the observed-version fingerprints for Snapshot
// conflict detection.
func (w *WriteBuffer) WriteSet() map[int64]WriteSetEntry { return w.writeSet }

// Empty reports whether this txn buffered no writes at all, used to
// implement "a transaction that reads but never writes produces zero
// WAL records" (spec §8 boundary behavior).
func (w *WriteBuffer) Empty() bool { return len(w.pending) == 0 }
