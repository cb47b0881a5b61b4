package table

import (
	"sync/atomic"

	"github.com/oxibase/oxibase/index"
	"github.com/oxibase/oxibase/oxierr"
	"github.com/oxibase/oxibase/schema"
	"github.com/oxibase/oxibase/txn"
	"github.com/oxibase/oxibase/value"
	"github.com/oxibase/oxibase/version"
)

// Bootstrap registers def and its indexes in the catalog during recovery
// replay, without WAL-logging the DDL — the WAL is what recovery is
// replaying from, not appending to. def.Indexes is reset so Catalog's
// own bookkeeping stays authoritative; indexDefs is re-added afterward.
func (t *Tables) Bootstrap(def *schema.Table, indexDefs []*schema.IndexDef) error {
	def.Indexes = nil
	if _, err := t.Catalog.CreateTable(def); err != nil {
		return err
	}
	t.storeFor(def.Name)
	for _, idxDef := range indexDefs {
		if _, err := t.Indexes.Create(idxDef); err != nil {
			return err
		}
		if err := t.Catalog.AddIndex(idxDef); err != nil {
			return err
		}
	}
	return nil
}

// RestoreRow applies one already-committed row mutation while replaying
// recovery: an insert/update publishes a fresh version; a delete
// publishes a tombstone chained onto whatever version is currently
// visible to viewer. viewer must already be marked committed, so its
// own later lookups within the same replayed transaction see its own
// prior writes (registry visibility treats a creator's own id as always
// visible to itself).
func (t *Tables) RestoreRow(tableName string, rowID int64, row value.Row, isDelete bool, viewer *txn.Txn, commitSeq uint64) {
	store := t.storeFor(tableName)

	var v *version.Version
	if isDelete {
		prev, hadPrev := store.GetVisible(rowID, viewer)
		if !hadPrev {
			// Nothing currently visible to tombstone — e.g. the row was
			// inserted and deleted within a transaction that never made
			// it into a prior snapshot. Matches the live commit
			// protocol's "no prior version, no tombstone needed" rule.
			return
		}
		v = version.NewTombstone(rowID, viewer.ID, commitSeq, prev.Handle, nil)
	} else {
		h := t.Arena.Put(row)
		v = version.NewVersion(rowID, viewer.ID, commitSeq, h, nil)
	}
	store.AppendVersionsBatch([]version.PendingAppend{{RowID: rowID, Version: v}})
}

// IndexRow adds rowID's current value to every index defined on table.
func (t *Tables) IndexRow(tableName string, rowID int64, row value.Row) error {
	tbl, ok := t.Catalog.Table(tableName)
	if !ok {
		return oxierr.NewNotFound("table %q not found", tableName)
	}
	for _, idx := range t.Indexes.All(tableName) {
		def := tbl.Indexes[idx.Name()]
		if def == nil {
			continue
		}
		if ci, ok := idx.(*index.CompositeIndex); ok {
			tuple, err := tupleValues(tbl, def, row)
			if err != nil {
				return err
			}
			if err := ci.AddTuple(tuple, rowID); err != nil {
				return err
			}
			continue
		}
		key, err := indexKey(tbl, def, row)
		if err != nil {
			return err
		}
		if err := idx.Add(key, rowID); err != nil {
			return err
		}
	}
	return nil
}

// IndexAllRows rebuilds every index on table from its currently visible
// rows. Recovery calls this once per table after all versions (snapshot
// baseline plus WAL replay) have been restored, rather than maintaining
// indexes incrementally during replay: a WAL Delete record carries only
// a row id, not the deleted row's values, so incremental removal isn't
// possible mid-replay — building from final state sidesteps that.
func (t *Tables) IndexAllRows(tableName string) error {
	scanTxn := t.Registry.Begin(txn.ReadCommitted)
	defer t.Registry.MarkCommitted(scanTxn)

	store := t.storeFor(tableName)
	items, err := store.Scan(scanTxn, nil)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := t.IndexRow(tableName, item.RowID, item.Row); err != nil {
			return err
		}
	}
	return nil
}

// SeedAutoIncrement ensures table's next auto-increment value is beyond
// maxRowID, so a fresh INSERT after recovery never reissues a row id
// that replay already restored.
func (t *Tables) SeedAutoIncrement(tableName string, maxRowID int64) {
	t.storeFor(tableName)
	t.mu.RLock()
	counter := t.autoincr[tableName]
	t.mu.RUnlock()
	for {
		cur := atomic.LoadInt64(counter)
		if cur >= maxRowID {
			return
		}
		if atomic.CompareAndSwapInt64(counter, cur, maxRowID) {
			return
		}
	}
}
