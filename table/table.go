// Package table implements C8: the tabular façade over the lower
// components (schema, arena, version, txn, index) plus the 8-step
// commit protocol. Grounded on pkg/resource/memory/transaction.go's
// CommitTx (lock ordering, unique-constraint pre-check, index
// rebuild-before-publish), adapted from "merge COW snapshot" semantics
// to "append version + maintain index" semantics over real chains.
package table

import (
	"sync"
	"sync/atomic"

	"github.com/oxibase/oxibase/arena"
	"github.com/oxibase/oxibase/index"
	"github.com/oxibase/oxibase/oxierr"
	"github.com/oxibase/oxibase/schema"
	"github.com/oxibase/oxibase/txn"
	"github.com/oxibase/oxibase/value"
	"github.com/oxibase/oxibase/version"
	"github.com/oxibase/oxibase/wal"
)

// WALWriter is the subset of wal.Manager the table façade needs. Kept
// as an interface so recovery/tests can swap in a no-op or fake writer.
type WALWriter interface {
	Append(rec wal.Record) (uint64, error)
}

// Tables is the engine-wide tabular façade (C8): one per Engine,
// holding the catalog, the shared arena, the transaction registry, the
// index manager, and a lazily created version.Store per table.
type Tables struct {
	Catalog  *schema.Catalog
	Arena    *arena.Arena
	Registry *txn.Registry
	Indexes  *index.Manager
	WAL      WALWriter // nil is valid: WAL-less (e.g. memory:// engines)
	Eval     schema.Evaluator

	mu       sync.RWMutex
	stores   map[string]*version.Store
	autoincr map[string]*int64
}

func NewTables(cat *schema.Catalog, a *arena.Arena, reg *txn.Registry, idx *index.Manager) *Tables {
	return &Tables{
		Catalog:  cat,
		Arena:    a,
		Registry: reg,
		Indexes:  idx,
		stores:   make(map[string]*version.Store),
		autoincr: make(map[string]*int64),
	}
}

func (t *Tables) storeFor(name string) *version.Store {
	t.mu.RLock()
	s, ok := t.stores[name]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.stores[name]; ok {
		return s
	}
	s = version.NewStore(t.Arena, t.Registry)
	t.stores[name] = s
	var counter int64
	t.autoincr[name] = &counter
	return s
}

func (t *Tables) nextAutoIncrement(name string) int64 {
	t.mu.RLock()
	counter := t.autoincr[name]
	t.mu.RUnlock()
	return atomic.AddInt64(counter, 1)
}

// writeWAL appends rec if a WAL is configured; a nil WAL is a valid
// no-durability configuration (e.g. memory://).
func (t *Tables) writeWAL(rec wal.Record) error {
	if t.WAL == nil {
		return nil
	}
	_, err := t.WAL.Append(rec)
	return err
}

// CreateTable registers def (and its declared indexes) in the catalog,
// creates its version store, and WAL-logs the DDL. This is its own
// atomic operation, outside of MVCC row transactions, matching the
// common embedded-engine convention that DDL auto-commits immediately
// against the catalog's own lock.
func (t *Tables) CreateTable(def *schema.Table, indexDefs []*schema.IndexDef, callerTxn txn.ID) (uint64, error) {
	id, err := t.Catalog.CreateTable(def)
	if err != nil {
		return 0, err
	}
	t.storeFor(def.Name)

	for _, idxDef := range indexDefs {
		idxDef.Table = def.Name
		if _, err := t.Indexes.Create(idxDef); err != nil {
			return 0, err
		}
		if err := t.Catalog.AddIndex(idxDef); err != nil {
			return 0, err
		}
	}

	if err := t.writeWAL(wal.Record{Type: wal.CreateTable, TxnID: uint64(callerTxn), TableID: id, Payload: schema.Encode(def)}); err != nil {
		return 0, err
	}
	return id, nil
}

// DropTable removes def.Name from the catalog and discards its indexes
// and in-memory version store. Metadata is reversible (RestoreTable can
// re-register the same schema), but the row data held in the version
// store and arena is not retained — dropping a table is a destructive
// operation on data, even though the schema fact can be undone.
func (t *Tables) DropTable(name string, callerTxn txn.ID) (*schema.Table, uint64, error) {
	id, _ := t.Catalog.TableID(name)
	removed, err := t.Catalog.DropTable(name)
	if err != nil {
		return nil, 0, err
	}

	t.Indexes.DropTable(name)

	t.mu.Lock()
	delete(t.stores, name)
	delete(t.autoincr, name)
	t.mu.Unlock()

	if err := t.writeWAL(wal.Record{Type: wal.DropTable, TxnID: uint64(callerTxn), TableID: id, Payload: []byte(name)}); err != nil {
		return removed, id, err
	}
	return removed, id, nil
}

// RestoreTable undoes a DropTable's metadata effect (used by rollback
// paths); row data is not restored, per DropTable's documented warning.
func (t *Tables) RestoreTable(removed *schema.Table, id uint64) {
	t.Catalog.RestoreTable(removed, id)
	t.storeFor(removed.Name)
}

func (t *Tables) CreateIndex(def *schema.IndexDef, callerTxn txn.ID) error {
	tbl, ok := t.Catalog.Table(def.Table)
	if !ok {
		return oxierr.NewNotFound("table %q not found", def.Table)
	}
	idx, err := t.Indexes.Create(def)
	if err != nil {
		return err
	}
	if err := t.Catalog.AddIndex(def); err != nil {
		return err
	}

	// Backfill the new index from every currently visible row, scanning
	// under a fresh read-committed view since index creation has no
	// transactional scope of its own.
	scanTxn := t.Registry.Begin(txn.ReadCommitted)
	defer t.Registry.MarkCommitted(scanTxn)
	store := t.storeFor(def.Table)
	items, err := store.Scan(scanTxn, nil)
	if err != nil {
		return err
	}
	for _, item := range items {
		if ci, ok := idx.(*index.CompositeIndex); ok {
			tuple, terr := tupleValues(tbl, def, item.Row)
			if terr != nil {
				return terr
			}
			if err := ci.AddTuple(tuple, item.RowID); err != nil {
				return err
			}
			continue
		}
		key, kerr := indexKey(tbl, def, item.Row)
		if kerr != nil {
			return kerr
		}
		if err := idx.Add(key, item.RowID); err != nil {
			return err
		}
	}

	id, _ := t.Catalog.TableID(def.Table)
	return t.writeWAL(wal.Record{Type: wal.CreateIndex, TxnID: uint64(callerTxn), TableID: id, Payload: []byte(def.Name)})
}

func (t *Tables) DropIndex(table, name string, callerTxn txn.ID) error {
	if err := t.Catalog.DropIndex(table, name); err != nil {
		return err
	}
	t.Indexes.Drop(table, name)
	id, _ := t.Catalog.TableID(table)
	return t.writeWAL(wal.Record{Type: wal.DropIndex, TxnID: uint64(callerTxn), TableID: id, Payload: []byte(name)})
}

// RenameTable moves a table's schema, version store, and autoincrement
// counter from oldName to newName in a single step.
func (t *Tables) RenameTable(oldName, newName string, callerTxn txn.ID) error {
	if err := t.Catalog.RenameTable(oldName, newName); err != nil {
		return err
	}

	t.mu.Lock()
	if s, ok := t.stores[oldName]; ok {
		delete(t.stores, oldName)
		t.stores[newName] = s
	}
	if c, ok := t.autoincr[oldName]; ok {
		delete(t.autoincr, oldName)
		t.autoincr[newName] = c
	}
	t.mu.Unlock()

	id, _ := t.Catalog.TableID(newName)
	return t.writeWAL(wal.Record{Type: wal.RenameTable, TxnID: uint64(callerTxn), TableID: id, Payload: []byte(newName)})
}

func (t *Tables) CreateView(v *schema.View) error { return t.Catalog.CreateView(v) }
func (t *Tables) DropView(name string) error      { return t.Catalog.DropView(name) }

// indexKey extracts the key a row contributes to a single-column def
// from row, using tbl's column ordinals; a multi-column def is rejected
// with an InternalError. Composite indexes fold
// their columns into one tuple key via index.CompositeIndex's own
// tupleKey logic — callers needing a composite key call AddTuple
// directly instead of going through this helper (see Txn.maintainIndexes).
func indexKey(tbl *schema.Table, def *schema.IndexDef, row value.Row) (value.Value, error) {
	if len(def.Columns) != 1 {
		return value.Null, oxierr.NewInternalError("indexKey called on composite index %q", def.Name)
	}
	ord := tbl.ColumnOrdinal(def.Columns[0])
	if ord < 0 || ord >= len(row) {
		return value.Null, oxierr.NewSchemaError("column %q not found on table %q", def.Columns[0], tbl.Name)
	}
	return row[ord], nil
}
