package table

import (
	"context"

	"github.com/oxibase/oxibase/index"
	"github.com/oxibase/oxibase/oxierr"
	"github.com/oxibase/oxibase/schema"
	"github.com/oxibase/oxibase/txn"
	"github.com/oxibase/oxibase/value"
	"github.com/oxibase/oxibase/version"
	"github.com/oxibase/oxibase/wal"
)

// Txn is the per-connection handle implementing the tabular API:
// begin, get, get_as_of, scan, insert, update, delete, create_table,
// drop_table, alter_table, create_index, drop_index, create_view,
// drop_view, commit, rollback.
type Txn struct {
	tables *Tables
	inner  *txn.Txn
	ctx    context.Context

	buffers map[string]*txn.WriteBuffer // per-table write buffer
	ddlLog  []ddlUndo                   // DDL this txn applied, for Rollback to unwind
	done    bool
}

// ddlUndo records how to unwind one DDL call this transaction made.
// create_table/drop_table take effect immediately against the catalog
// (unlike row writes, which stay buffered until Commit), so Rollback
// has to explicitly reverse them rather than just discarding a buffer.
type ddlUndo struct {
	dropped  bool // true: undo by restoring removedSchema; false: undo by dropping createdName
	removedSchema *schema.Table
	removedID     uint64
	createdName   string
}

// Begin starts a new transaction against tables at the given isolation
// level. ctx governs cancellation of long-running scans within it.
func Begin(tables *Tables, level txn.Isolation, ctx context.Context) *Txn {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Txn{
		tables:  tables,
		inner:   tables.Registry.Begin(level),
		ctx:     ctx,
		buffers: make(map[string]*txn.WriteBuffer),
	}
}

func (tx *Txn) bufferFor(table string) *txn.WriteBuffer {
	wb, ok := tx.buffers[table]
	if !ok {
		wb = txn.NewWriteBuffer(tx.inner, tx.tables.storeFor(table))
		tx.buffers[table] = wb
	}
	return wb
}

func (tx *Txn) requireOpen() error {
	if tx.done {
		return oxierr.NewInternalError("transaction already committed or rolled back")
	}
	return nil
}

// Get returns the current (this-txn-visible) row for rowID, preferring
// the transaction's own write buffer over the committed version chain
// so writes are visible to their own transaction immediately.
func (tx *Txn) Get(table string, rowID int64) (value.Row, error) {
	if err := tx.requireOpen(); err != nil {
		return nil, err
	}
	if row, buffered := tx.bufferFor(table).Read(rowID); buffered {
		if row == nil {
			return nil, oxierr.NewNotFound("row %d not found in table %q", rowID, table)
		}
		return row, nil
	}
	v, ok := tx.tables.storeFor(table).GetVisible(rowID, tx.inner)
	if !ok {
		return nil, oxierr.NewNotFound("row %d not found in table %q", rowID, table)
	}
	return tx.tables.storeFor(table).Payload(v)
}

// GetAsOfTransaction returns rowID's value as of cutoff, bypassing this
// transaction's own write buffer (time travel only ever looks at
// already-published history).
func (tx *Txn) GetAsOfTransaction(table string, rowID int64, cutoff txn.ID) (value.Row, error) {
	v, ok := tx.tables.storeFor(table).GetAsOfTransaction(rowID, cutoff)
	if !ok {
		return nil, oxierr.NewNotFound("row %d not visible as of transaction %d", rowID, cutoff)
	}
	return tx.tables.storeFor(table).Payload(v)
}

// Row pairs a row id with its value for Scan results.
type Row struct {
	RowID int64
	Value value.Row
}

// Scan returns every row visible to this transaction in table, in
// ascending row_id order, respecting ctx cancellation.
func (tx *Txn) Scan(table string) ([]Row, error) {
	if err := tx.requireOpen(); err != nil {
		return nil, err
	}
	items, err := tx.tables.storeFor(table).Scan(tx.inner, tx.ctx.Done())
	if err != nil {
		return nil, err
	}
	out := make([]Row, 0, len(items))
	for _, it := range items {
		row := it.Row
		if buffered, ok := tx.bufferFor(table).Read(it.RowID); ok {
			if buffered == nil {
				continue // locally deleted
			}
			row = buffered
		}
		out = append(out, Row{RowID: it.RowID, Value: row})
	}
	return out, nil
}

func (tx *Txn) tableSchema(name string) (*schema.Table, error) {
	t, ok := tx.tables.Catalog.Table(name)
	if !ok {
		return nil, oxierr.NewNotFound("table %q not found", name)
	}
	return t, nil
}

func (tx *Txn) validateRow(t *schema.Table, row value.Row) error {
	if len(row) != len(t.Columns) {
		return oxierr.NewSchemaError("table %q expects %d columns, got %d", t.Name, len(t.Columns), len(row))
	}
	for i, col := range t.Columns {
		if row[i].IsNull() && !col.Nullable {
			return oxierr.NewConstraintViolation("column %q of table %q is NOT NULL", col.Name, t.Name)
		}
		if !row[i].IsNull() && row[i].Kind != col.Type {
			return oxierr.NewTypeError("column %q of table %q expects %s, got %s", col.Name, t.Name, col.Type, row[i].Kind)
		}
	}
	return tx.checkConstraints(t, row)
}

// checkConstraints evaluates every declared CHECK constraint against
// row. A nil Evaluator (no expression VM wired in) means CHECK was never
// in use, matching schema.Evaluator's documented contract; in that case
// CHECK constraints are skipped rather than treated as a validation
// failure.
func (tx *Txn) checkConstraints(t *schema.Table, row value.Row) error {
	if tx.tables.Eval == nil {
		return nil
	}
	for _, c := range t.Constraints {
		if c.Kind != schema.ConstraintCheck {
			continue
		}
		result, err := tx.tables.Eval.Eval(c.Check, row, nil)
		if err != nil {
			return oxierr.NewConstraintViolation("table %q CHECK %q: %v", t.Name, c.Check, err)
		}
		ok, isBool := result.AsBool()
		if !isBool || !ok {
			return oxierr.NewConstraintViolation("table %q CHECK %q violated", t.Name, c.Check)
		}
	}
	return nil
}

// Insert buffers a new row. If the primary-key column is zero-valued
// (INT 0), an auto-increment value is assigned, matching the common
// embedded-engine convention for INTEGER PRIMARY KEY columns.
func (tx *Txn) Insert(table string, row value.Row) (int64, error) {
	if err := tx.requireOpen(); err != nil {
		return 0, err
	}
	t, err := tx.tableSchema(table)
	if err != nil {
		return 0, err
	}
	row, err = t.Normalize(row, tx.tables.Eval)
	if err != nil {
		return 0, err
	}
	if err := tx.validateRow(t, row); err != nil {
		return 0, err
	}

	rowID, _ := row[t.PKOrdinal].AsInt()
	if rowID == 0 {
		rowID = tx.tables.nextAutoIncrement(table)
		row[t.PKOrdinal] = value.Int(rowID)
	}

	if err := tx.bufferFor(table).Insert(rowID, row); err != nil {
		return 0, err
	}
	tx.tables.storeFor(table).MarkUncommittedWrite(rowID, tx.inner.ID)
	return rowID, nil
}

func (tx *Txn) Update(table string, rowID int64, row value.Row) error {
	if err := tx.requireOpen(); err != nil {
		return err
	}
	t, err := tx.tableSchema(table)
	if err != nil {
		return err
	}
	row, err = t.Normalize(row, tx.tables.Eval)
	if err != nil {
		return err
	}
	if err := tx.validateRow(t, row); err != nil {
		return err
	}
	return tx.bufferFor(table).Update(rowID, row)
}

func (tx *Txn) Delete(table string, rowID int64) error {
	if err := tx.requireOpen(); err != nil {
		return err
	}
	return tx.bufferFor(table).Delete(rowID)
}

// CreateTable, DropTable, CreateIndex, DropIndex, CreateView, DropView
// are DDL: they take effect immediately against the catalog's own lock,
// tagged with this transaction's id for WAL traceability, rather than
// participating in the row-level MVCC commit protocol below. Rollback
// reverses CreateTable and DropTable; the other four are not undone.
func (tx *Txn) CreateTable(def *schema.Table, indexDefs []*schema.IndexDef) (uint64, error) {
	id, err := tx.tables.CreateTable(def, indexDefs, tx.inner.ID)
	if err != nil {
		return 0, err
	}
	tx.ddlLog = append(tx.ddlLog, ddlUndo{createdName: def.Name})
	return id, nil
}

func (tx *Txn) DropTable(name string) error {
	removed, id, err := tx.tables.DropTable(name, tx.inner.ID)
	if err != nil {
		return err
	}
	tx.ddlLog = append(tx.ddlLog, ddlUndo{dropped: true, removedSchema: removed, removedID: id})
	return nil
}

func (tx *Txn) CreateIndex(def *schema.IndexDef) error {
	return tx.tables.CreateIndex(def, tx.inner.ID)
}

func (tx *Txn) DropIndex(table, name string) error {
	return tx.tables.DropIndex(table, name, tx.inner.ID)
}

func (tx *Txn) CreateView(v *schema.View) error { return tx.tables.CreateView(v) }
func (tx *Txn) DropView(name string) error      { return tx.tables.DropView(name) }

// AlterTableOp enumerates the alter_table operations spec.md names.
type AlterTableOp uint8

const (
	AddColumn AlterTableOp = iota
	DropColumn
	RenameColumn
	ModifyColumn
	RenameTable
)

// AlterTable applies one schema change to table. Stored payloads are
// never rewritten: Insert and Update normalize the rows they write to
// the current schema (schema.Table.Normalize), but Get and Scan return a
// stored row in the shape it was written in, without normalizing it.
func (tx *Txn) AlterTable(table string, op AlterTableOp, oldName, newName string, col schema.Column) error {
	t, err := tx.tableSchema(table)
	if err != nil {
		return err
	}

	switch op {
	case AddColumn:
		t.Columns = append(t.Columns, col)
	case DropColumn:
		ord := t.ColumnOrdinal(oldName)
		if ord < 0 {
			return oxierr.NewNotFound("column %q not found on table %q", oldName, table)
		}
		t.Columns = append(t.Columns[:ord], t.Columns[ord+1:]...)
	case RenameColumn:
		ord := t.ColumnOrdinal(oldName)
		if ord < 0 {
			return oxierr.NewNotFound("column %q not found on table %q", oldName, table)
		}
		t.Columns[ord].Name = newName
	case ModifyColumn:
		ord := t.ColumnOrdinal(oldName)
		if ord < 0 {
			return oxierr.NewNotFound("column %q not found on table %q", oldName, table)
		}
		t.Columns[ord] = col
	case RenameTable:
		return tx.tables.RenameTable(table, newName, tx.inner.ID)
	}

	id, _ := tx.tables.Catalog.TableID(table)
	return tx.tables.writeWAL(wal.Record{Type: recordTypeFor(op), TxnID: uint64(tx.inner.ID), TableID: id})
}

func recordTypeFor(op AlterTableOp) wal.RecordType {
	switch op {
	case AddColumn:
		return wal.AddColumn
	case DropColumn:
		return wal.DropColumn
	case RenameColumn:
		return wal.RenameColumn
	case ModifyColumn:
		return wal.ModifyColumn
	default:
		return wal.ModifyColumn
	}
}

// Rollback discards every buffered write without publishing anything,
// then unwinds any DDL this transaction applied — create_table/
// drop_table take effect immediately against the catalog rather than
// waiting for Commit, so undoing them is an explicit inverse operation
// rather than just dropping a buffer. Unwound in reverse order, since a
// later DDL call may depend on an earlier one having taken effect.
func (tx *Txn) Rollback() error {
	if tx.done {
		return nil
	}
	for table, wb := range tx.buffers {
		for rowID := range wb.PendingRows() {
			tx.tables.storeFor(table).ClearUncommittedWrite(rowID, tx.inner.ID)
		}
	}
	for i := len(tx.ddlLog) - 1; i >= 0; i-- {
		undo := tx.ddlLog[i]
		if undo.dropped {
			tx.tables.RestoreTable(undo.removedSchema, undo.removedID)
		} else {
			tx.tables.DropTable(undo.createdName, tx.inner.ID)
		}
	}
	tx.tables.Registry.MarkAborted(tx.inner)
	tx.done = true
	return nil
}

// Commit executes the commit protocol in order:
//  1. CHECK/NOT NULL validation (already enforced at Insert/Update time)
//  2. unique-index pre-check
//  3. Snapshot-isolation conflict detection
//  4/8. sequence allocation + registry publication, combined into the
//     single atomic Registry.MarkCommitted call (see txn.Registry's own
//     doc: commit_seq and status must become visible together)
//  5. index maintenance
//  6. version publication
//  7. WAL append
//
// Any failure up through step 3 aborts the transaction and returns the
// error; once MarkCommitted has run, nothing is rolled back: index
// maintenance and version publication report no errors, and an error
// from the WAL append is returned as-is although the commit is already
// publicly visible.
func (tx *Txn) Commit() error {
	if err := tx.requireOpen(); err != nil {
		return err
	}
	readOnly := true
	for _, wb := range tx.buffers {
		if !wb.Empty() {
			readOnly = false
			break
		}
	}
	if readOnly {
		tx.tables.Registry.MarkCommitted(tx.inner)
		tx.done = true
		return nil // a read-only transaction produces zero WAL records
	}

	// Step 1 happened at Insert/Update time already (validateRow).

	// Step 2: unique-index pre-check for inserts.
	if err := tx.precheckUnique(); err != nil {
		tx.Rollback()
		return err
	}

	// Step 3: Snapshot-isolation write-write conflict detection.
	if tx.inner.Isolation == txn.Snapshot {
		if err := tx.checkConflicts(); err != nil {
			tx.Rollback()
			return err
		}
	}

	// Steps 4 & 8 (combined, see doc comment above).
	commitSeq := tx.tables.Registry.MarkCommitted(tx.inner)
	tx.done = true

	// Step 5: index maintenance.
	tx.maintainIndexes()

	// Step 6: version publication.
	tx.publishVersions(uint64(commitSeq))

	// Step 7: WAL append (all DML records, then CommitTxn).
	return tx.writeWALRecords()
}

func (tx *Txn) precheckUnique() error {
	for table, wb := range tx.buffers {
		t, err := tx.tableSchema(table)
		if err != nil {
			return err
		}
		for rowID, p := range wb.PendingRows() {
			if p.Kind != txn.PendingInsert {
				continue
			}
			for _, idx := range tx.tables.Indexes.All(table) {
				if !idx.Capabilities().Unique {
					continue
				}
				def := findIndexDef(t, idx.Name())
				if def == nil {
					continue
				}
				if ci, ok := idx.(*index.CompositeIndex); ok {
					tuple, err := tupleValues(t, def, p.Row)
					if err != nil {
						return err
					}
					if existing := ci.LookupEqualTuple(tuple); len(existing) > 0 && !containsRow(existing, rowID) {
						return oxierr.NewUniqueViolation(idx.Name(), tuple)
					}
					continue
				}
				if len(def.Columns) != 1 {
					continue
				}
				key, err := indexKey(t, def, p.Row)
				if err != nil {
					return err
				}
				if existing := idx.LookupEqual(key); len(existing) > 0 && !containsRow(existing, rowID) {
					return oxierr.NewUniqueViolation(idx.Name(), key)
				}
			}
		}
	}
	return nil
}

func containsRow(rows []int64, rowID int64) bool {
	for _, r := range rows {
		if r == rowID {
			return true
		}
	}
	return false
}

func findIndexDef(t *schema.Table, name string) *schema.IndexDef {
	return t.Indexes[name]
}

// tupleValues extracts the values def.Columns names from row, in order,
// for composite index maintenance.
func tupleValues(t *schema.Table, def *schema.IndexDef, row value.Row) ([]value.Value, error) {
	out := make([]value.Value, len(def.Columns))
	for i, col := range def.Columns {
		ord := t.ColumnOrdinal(col)
		if ord < 0 || ord >= len(row) {
			return nil, oxierr.NewSchemaError("column %q not found on table %q", col, t.Name)
		}
		out[i] = row[ord]
	}
	return out, nil
}

// checkConflicts implements Snapshot isolation's first-committer-wins
// rule: if any row in this transaction's write set has advanced past
// the version this transaction observed, abort with a serialization
// failure rather than silently overwrite a concurrent commit. The current
// version is read through a fresh ReadCommitted view, since this
// transaction's own snapshot would hide any later commit; a row deleted
// by a concurrent commit counts as a conflict too.
func (tx *Txn) checkConflicts() error {
	fresh := tx.tables.Registry.Begin(txn.ReadCommitted)
	defer tx.tables.Registry.MarkAborted(fresh)
	for table, wb := range tx.buffers {
		store := tx.tables.storeFor(table)
		for rowID, entry := range wb.WriteSet() {
			current, ok := store.GetVisible(rowID, fresh)
			if !ok || current.CreateSeq != entry.ObservedSeq {
				return oxierr.NewSerializationFailure(table, rowID)
			}
		}
	}
	return nil
}

func (tx *Txn) maintainIndexes() {
	for table, wb := range tx.buffers {
		t, ok := tx.tables.Catalog.Table(table)
		if !ok {
			continue
		}
		for rowID, p := range wb.PendingRows() {
			for _, idx := range tx.tables.Indexes.All(table) {
				def := findIndexDef(t, idx.Name())
				if def == nil {
					continue
				}
				if ci, ok := idx.(*index.CompositeIndex); ok {
					tx.maintainCompositeIndex(ci, t, def, table, rowID, p)
					continue
				}
				if len(def.Columns) != 1 {
					continue
				}
				switch p.Kind {
				case txn.PendingInsert:
					key, err := indexKey(t, def, p.Row)
					if err == nil {
						_ = idx.Add(key, rowID)
					}
				case txn.PendingUpdate:
					if prev, ok := store(tx, table).GetVisible(rowID, tx.inner); ok {
						if oldRow, err := store(tx, table).Payload(prev); err == nil {
							if oldKey, err := indexKey(t, def, oldRow); err == nil {
								idx.Remove(oldKey, rowID)
							}
						}
					}
					if key, err := indexKey(t, def, p.Row); err == nil {
						_ = idx.Add(key, rowID)
					}
				case txn.PendingDelete:
					if prev, ok := store(tx, table).GetVisible(rowID, tx.inner); ok {
						if oldRow, err := store(tx, table).Payload(prev); err == nil {
							if oldKey, err := indexKey(t, def, oldRow); err == nil {
								idx.Remove(oldKey, rowID)
							}
						}
					}
				}
			}
		}
	}
}

func store(tx *Txn, table string) *version.Store { return tx.tables.storeFor(table) }

func (tx *Txn) maintainCompositeIndex(ci *index.CompositeIndex, t *schema.Table, def *schema.IndexDef, table string, rowID int64, p txn.Pending) {
	switch p.Kind {
	case txn.PendingInsert:
		if tuple, err := tupleValues(t, def, p.Row); err == nil {
			_ = ci.AddTuple(tuple, rowID)
		}
	case txn.PendingUpdate:
		if prev, ok := store(tx, table).GetVisible(rowID, tx.inner); ok {
			if oldRow, err := store(tx, table).Payload(prev); err == nil {
				if oldTuple, err := tupleValues(t, def, oldRow); err == nil {
					ci.RemoveTuple(oldTuple, rowID)
				}
			}
		}
		if tuple, err := tupleValues(t, def, p.Row); err == nil {
			_ = ci.AddTuple(tuple, rowID)
		}
	case txn.PendingDelete:
		if prev, ok := store(tx, table).GetVisible(rowID, tx.inner); ok {
			if oldRow, err := store(tx, table).Payload(prev); err == nil {
				if oldTuple, err := tupleValues(t, def, oldRow); err == nil {
					ci.RemoveTuple(oldTuple, rowID)
				}
			}
		}
	}
}

func (tx *Txn) publishVersions(commitSeq uint64) {
	for table, wb := range tx.buffers {
		vs := tx.tables.storeFor(table)
		var batch []version.PendingAppend
		for rowID, p := range wb.PendingRows() {
			prevVersion, hadPrev := vs.GetVisible(rowID, tx.inner)

			var v *version.Version
			switch p.Kind {
			case txn.PendingDelete:
				if !hadPrev {
					// Inserted and deleted within the same uncommitted
					// transaction: nothing was ever published, so there is
					// no prior version to tombstone.
					vs.ClearUncommittedWrite(rowID, tx.inner.ID)
					continue
				}
				v = version.NewTombstone(rowID, tx.inner.ID, commitSeq, prevVersion.Handle, nil)
			default:
				h := tx.tables.Arena.Put(p.Row)
				v = version.NewVersion(rowID, tx.inner.ID, commitSeq, h, nil)
			}
			batch = append(batch, version.PendingAppend{RowID: rowID, Version: v})
			vs.ClearUncommittedWrite(rowID, tx.inner.ID)
		}
		vs.AppendVersionsBatch(batch)
	}
}

func (tx *Txn) writeWALRecords() error {
	for table, wb := range tx.buffers {
		tableID, _ := tx.tables.Catalog.TableID(table)
		for rowID, p := range wb.PendingRows() {
			var rt wal.RecordType
			switch p.Kind {
			case txn.PendingInsert:
				rt = wal.Insert
			case txn.PendingUpdate:
				rt = wal.Update
			case txn.PendingDelete:
				rt = wal.Delete
			}
			payload := encodeRowPayload(rowID, p.Row)
			if err := tx.tables.writeWAL(wal.Record{Type: rt, TxnID: uint64(tx.inner.ID), TableID: tableID, Payload: payload}); err != nil {
				return err
			}
		}
	}
	return tx.tables.writeWAL(wal.Record{Type: wal.CommitTxn, TxnID: uint64(tx.inner.ID)})
}

func encodeRowPayload(rowID int64, row value.Row) []byte {
	return wal.EncodeRowPayload(rowID, row)
}
