package table

import (
	"github.com/oxibase/oxibase/schema"
	"github.com/oxibase/oxibase/snapshot"
	"github.com/oxibase/oxibase/txn"
	"github.com/oxibase/oxibase/version"
)

// SnapshotAll captures every table's schema and currently visible rows
// under a single fresh read-committed transaction, packaged for
// snapshot.Manager.Write. Used by the engine's background checkpoint
// loop; the returned slice is a point-in-time view, not a live one.
func (t *Tables) SnapshotAll() ([]snapshot.TableSnapshot, error) {
	viewer := t.Registry.Begin(txn.ReadCommitted)
	defer t.Registry.MarkCommitted(viewer)

	names := t.Catalog.TableNames()
	out := make([]snapshot.TableSnapshot, 0, len(names))
	for _, name := range names {
		def, ok := t.Catalog.Table(name)
		if !ok {
			continue
		}
		store := t.storeFor(name)
		items, err := store.Scan(viewer, nil)
		if err != nil {
			return nil, err
		}
		rows := make([]snapshot.RowRecord, 0, len(items))
		for _, item := range items {
			rows = append(rows, snapshot.RowRecord{RowID: item.RowID, Values: item.Row})
		}
		out = append(out, snapshot.TableSnapshot{Schema: copyTableSchema(def), Rows: rows})
	}
	return out, nil
}

// GCAll runs version.Store.GC over every table's chains, detaching
// versions older than oldestActiveBeginSeq. Driven by the engine's
// background GC loop on the same cadence as the registry's own commit
// log trim.
func (t *Tables) GCAll(oldestActiveBeginSeq uint64) {
	t.mu.RLock()
	stores := make([]*version.Store, 0, len(t.stores))
	for _, s := range t.stores {
		stores = append(stores, s)
	}
	t.mu.RUnlock()

	for _, s := range stores {
		s.GC(oldestActiveBeginSeq)
	}
}

// copyTableSchema returns a shallow copy so the snapshot's view of a
// table's shape can't be mutated by concurrent DDL after the scan.
func copyTableSchema(def *schema.Table) *schema.Table {
	cp := *def
	cp.Columns = append([]schema.Column(nil), def.Columns...)
	cp.Indexes = make(map[string]*schema.IndexDef, len(def.Indexes))
	for k, v := range def.Indexes {
		idxCopy := *v
		idxCopy.Columns = append([]string(nil), v.Columns...)
		cp.Indexes[k] = &idxCopy
	}
	return &cp
}
