package table

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxibase/oxibase/arena"
	"github.com/oxibase/oxibase/index"
	"github.com/oxibase/oxibase/oxierr"
	"github.com/oxibase/oxibase/schema"
	"github.com/oxibase/oxibase/txn"
	"github.com/oxibase/oxibase/value"
	"github.com/oxibase/oxibase/wal"
)

func newTestTables(t *testing.T) *Tables {
	t.Helper()
	cat := schema.NewCatalog()
	a := arena.New(arena.DefaultConfig())
	reg := txn.NewRegistry()
	idxMgr := index.NewManager()
	return NewTables(cat, a, reg, idxMgr)
}

func createUsersTable(t *testing.T, tables *Tables) {
	t.Helper()
	tx := Begin(tables, txn.ReadCommitted, nil)
	def := &schema.Table{
		Name: "users",
		Columns: []schema.Column{
			{Name: "id", Type: value.KindInt, PrimaryKey: true},
			{Name: "email", Type: value.KindText},
		},
	}
	_, err := tx.CreateTable(def, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
}

func TestInsertGetScanRoundTrip(t *testing.T) {
	tables := newTestTables(t)
	createUsersTable(t, tables)

	tx := Begin(tables, txn.ReadCommitted, nil)
	rowID, err := tx.Insert("users", value.Row{value.Int(0), value.Text("a@example.com")})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	reader := Begin(tables, txn.ReadCommitted, nil)
	row, err := reader.Get("users", rowID)
	require.NoError(t, err)
	assert.Equal(t, value.Text("a@example.com"), row[1])

	rows, err := reader.Scan("users")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, rowID, rows[0].RowID)
	require.NoError(t, reader.Commit())
}

func TestDeleteThenTimeTravelStillSeesOldValue(t *testing.T) {
	tables := newTestTables(t)
	createUsersTable(t, tables)

	ins := Begin(tables, txn.ReadCommitted, nil)
	rowID, err := ins.Insert("users", value.Row{value.Int(0), value.Text("a@example.com")})
	require.NoError(t, err)
	require.NoError(t, ins.Commit())
	insertTxnID := ins.inner.ID

	del := Begin(tables, txn.ReadCommitted, nil)
	require.NoError(t, del.Delete("users", rowID))
	require.NoError(t, del.Commit())

	reader := Begin(tables, txn.ReadCommitted, nil)
	_, err = reader.Get("users", rowID)
	assert.Error(t, err, "a deleted row must not be visible to a fresh reader")

	row, err := reader.GetAsOfTransaction("users", rowID, insertTxnID)
	require.NoError(t, err, "a time-travel read as of the insert must still see the row")
	assert.Equal(t, value.Text("a@example.com"), row[1])
	require.NoError(t, reader.Commit())
}

func TestReadCommittedSeesOnlyCommittedConcurrentWrite(t *testing.T) {
	tables := newTestTables(t)
	createUsersTable(t, tables)

	writer := Begin(tables, txn.ReadCommitted, nil)
	rowID, err := writer.Insert("users", value.Row{value.Int(0), value.Text("a@example.com")})
	require.NoError(t, err)

	reader := Begin(tables, txn.ReadCommitted, nil)
	_, err = reader.Get("users", rowID)
	assert.Error(t, err, "an uncommitted insert must not be visible to a concurrent reader")

	require.NoError(t, writer.Commit())

	laterReader := Begin(tables, txn.ReadCommitted, nil)
	row, err := laterReader.Get("users", rowID)
	require.NoError(t, err, "read-committed must see a write as soon as it commits")
	assert.Equal(t, value.Text("a@example.com"), row[1])
	require.NoError(t, reader.Commit())
	require.NoError(t, laterReader.Commit())
}

func TestSnapshotIsolationDetectsWriteWriteConflict(t *testing.T) {
	tables := newTestTables(t)
	createUsersTable(t, tables)

	ins := Begin(tables, txn.ReadCommitted, nil)
	rowID, err := ins.Insert("users", value.Row{value.Int(0), value.Text("a@example.com")})
	require.NoError(t, err)
	require.NoError(t, ins.Commit())

	t1 := Begin(tables, txn.Snapshot, nil)
	t2 := Begin(tables, txn.Snapshot, nil)

	require.NoError(t, t1.Update("users", rowID, value.Row{value.Int(rowID), value.Text("t1@example.com")}))
	require.NoError(t, t2.Update("users", rowID, value.Row{value.Int(rowID), value.Text("t2@example.com")}))

	require.NoError(t, t1.Commit(), "the first committer under snapshot isolation must win")

	err = t2.Commit()
	require.Error(t, err, "a second concurrent writer of the same row must be rejected")
	var oe *oxierr.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, oxierr.CodeSerializationFailure, oe.Code)
}

// checkHandle is a trivial schema.ExprHandle identifying a CHECK
// expression by name only; real expression compilation belongs to the
// external evaluator, not this package.
type checkHandle string

func (h checkHandle) String() string { return string(h) }

// positiveBalanceEvaluator is a fake schema.Evaluator that treats the
// "balance_positive" CHECK as "column 1 (balance) must be >= 0".
type positiveBalanceEvaluator struct{}

func (positiveBalanceEvaluator) Eval(expr schema.ExprHandle, row value.Row, _ map[string]value.Value) (value.Value, error) {
	n, _ := row[1].AsInt()
	return value.Bool(n >= 0), nil
}

func TestCheckConstraintRejectsViolatingRowAtInsertTime(t *testing.T) {
	tables := newTestTables(t)
	tables.Eval = positiveBalanceEvaluator{}

	tx := Begin(tables, txn.ReadCommitted, nil)
	def := &schema.Table{
		Name: "accounts",
		Columns: []schema.Column{
			{Name: "id", Type: value.KindInt, PrimaryKey: true},
			{Name: "balance", Type: value.KindInt},
		},
		Constraints: []schema.Constraint{
			{Kind: schema.ConstraintCheck, Columns: []string{"balance"}, Check: checkHandle("balance_positive")},
		},
	}
	_, err := tx.CreateTable(def, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	writer := Begin(tables, txn.ReadCommitted, nil)
	_, err = writer.Insert("accounts", value.Row{value.Int(0), value.Int(-5)})
	require.Error(t, err, "a row violating a declared CHECK constraint must be rejected")
	var oe *oxierr.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, oxierr.CodeConstraintViolation, oe.Code)
	writer.Rollback()

	ok := Begin(tables, txn.ReadCommitted, nil)
	rowID, err := ok.Insert("accounts", value.Row{value.Int(0), value.Int(5)})
	require.NoError(t, err, "a row satisfying the CHECK constraint must still be accepted")
	require.NoError(t, ok.Commit())

	reader := Begin(tables, txn.ReadCommitted, nil)
	row, err := reader.Get("accounts", rowID)
	require.NoError(t, err)
	assert.Equal(t, value.Int(5), row[1])
	require.NoError(t, reader.Commit())
}

func TestSnapshotReadStableAcrossLaterCommittedUpdate(t *testing.T) {
	tables := newTestTables(t)
	createUsersTable(t, tables)

	ins := Begin(tables, txn.ReadCommitted, nil)
	rowID, err := ins.Insert("users", value.Row{value.Int(42), value.Text("balance=1000")})
	require.NoError(t, err)
	require.NoError(t, ins.Commit())

	snap := Begin(tables, txn.Snapshot, nil)

	writer := Begin(tables, txn.ReadCommitted, nil)
	require.NoError(t, writer.Update("users", rowID, value.Row{value.Int(42), value.Text("balance=900")}))
	require.NoError(t, writer.Commit())

	row, err := snap.Get("users", rowID)
	require.NoError(t, err)
	assert.Equal(t, value.Text("balance=1000"), row[1], "a snapshot transaction must not observe a write committed after its begin_seq")
	require.NoError(t, snap.Commit())

	laterReader := Begin(tables, txn.ReadCommitted, nil)
	row, err = laterReader.Get("users", rowID)
	require.NoError(t, err)
	assert.Equal(t, value.Text("balance=900"), row[1])
	require.NoError(t, laterReader.Commit())
}

func TestUniqueIndexRejectsDuplicateKeyAtCommit(t *testing.T) {
	tables := newTestTables(t)

	tx := Begin(tables, txn.ReadCommitted, nil)
	def := &schema.Table{
		Name: "accounts",
		Columns: []schema.Column{
			{Name: "id", Type: value.KindInt, PrimaryKey: true},
			{Name: "email", Type: value.KindText},
		},
	}
	_, err := tx.CreateTable(def, []*schema.IndexDef{
		{Name: "idx_email", Table: "accounts", Columns: []string{"email"}, Type: schema.IndexHash, Unique: true},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	first := Begin(tables, txn.ReadCommitted, nil)
	_, err = first.Insert("accounts", value.Row{value.Int(0), value.Text("dup@example.com")})
	require.NoError(t, err)
	require.NoError(t, first.Commit())

	second := Begin(tables, txn.ReadCommitted, nil)
	_, err = second.Insert("accounts", value.Row{value.Int(0), value.Text("dup@example.com")})
	require.NoError(t, err, "the conflict is only detected at commit time, not at insert time")

	err = second.Commit()
	require.Error(t, err, "a unique index must reject a duplicate key at commit")
	var oe *oxierr.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, oxierr.CodeUniqueViolation, oe.Code)
}

func TestUniqueIndexAllowsMultipleNullsInNullableColumn(t *testing.T) {
	tables := newTestTables(t)

	tx := Begin(tables, txn.ReadCommitted, nil)
	def := &schema.Table{
		Name: "accounts",
		Columns: []schema.Column{
			{Name: "id", Type: value.KindInt, PrimaryKey: true},
			{Name: "email", Type: value.KindText, Nullable: true},
		},
	}
	_, err := tx.CreateTable(def, []*schema.IndexDef{
		{Name: "idx_email", Table: "accounts", Columns: []string{"email"}, Type: schema.IndexHash, Unique: true},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	first := Begin(tables, txn.ReadCommitted, nil)
	_, err = first.Insert("accounts", value.Row{value.Int(0), value.Null})
	require.NoError(t, err)
	require.NoError(t, first.Commit())

	second := Begin(tables, txn.ReadCommitted, nil)
	_, err = second.Insert("accounts", value.Row{value.Int(0), value.Null})
	require.NoError(t, err)
	require.NoError(t, second.Commit(), "two NULLs under a unique index must never be treated as duplicates")
}

func TestRollbackUndoesCreateTable(t *testing.T) {
	tables := newTestTables(t)

	tx := Begin(tables, txn.ReadCommitted, nil)
	def := &schema.Table{Name: "temp", Columns: []schema.Column{{Name: "id", Type: value.KindInt, PrimaryKey: true}}}
	_, err := tx.CreateTable(def, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	_, ok := tables.Catalog.Table("temp")
	assert.False(t, ok, "a rolled-back CreateTable must not leave the table in the catalog")
}

func TestReadCommittedConvoySeesEachIntermediateCommit(t *testing.T) {
	tables := newTestTables(t)
	createUsersTable(t, tables)

	t1 := Begin(tables, txn.ReadCommitted, nil)

	t2 := Begin(tables, txn.ReadCommitted, nil)
	rowID, err := t2.Insert("users", value.Row{value.Int(7), value.Text("A")})
	require.NoError(t, err)
	require.NoError(t, t2.Commit())

	rows, err := t1.Scan("users")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, value.Text("A"), rows[0].Value[1])

	t3 := Begin(tables, txn.ReadCommitted, nil)
	require.NoError(t, t3.Update("users", rowID, value.Row{value.Int(7), value.Text("B")}))
	require.NoError(t, t3.Commit())

	rows, err = t1.Scan("users")
	require.NoError(t, err, "a read-committed transaction must re-poll visibility on every scan")
	require.Len(t, rows, 1)
	assert.Equal(t, value.Text("B"), rows[0].Value[1])
	require.NoError(t, t1.Commit())
}

func TestTimeTravelAfterDeleteShowsEmptyAsOfTheDeletingTransaction(t *testing.T) {
	tables := newTestTables(t)
	createUsersTable(t, tables)

	ins := Begin(tables, txn.ReadCommitted, nil)
	rowID, err := ins.Insert("users", value.Row{value.Int(5), value.Text("x=100")})
	require.NoError(t, err)
	require.NoError(t, ins.Commit())
	insertTxnID := ins.inner.ID

	del := Begin(tables, txn.ReadCommitted, nil)
	require.NoError(t, del.Delete("users", rowID))
	require.NoError(t, del.Commit())
	deleteTxnID := del.inner.ID

	reader := Begin(tables, txn.ReadCommitted, nil)
	row, err := reader.GetAsOfTransaction("users", rowID, insertTxnID)
	require.NoError(t, err)
	assert.Equal(t, value.Text("x=100"), row[1])

	_, err = reader.GetAsOfTransaction("users", rowID, deleteTxnID)
	assert.Error(t, err, "AS OF the deleting transaction must see the row as gone")
	require.NoError(t, reader.Commit())
}

func TestInsertDeleteInsertSamePKShadowsTombstoneAndKeepsHistory(t *testing.T) {
	tables := newTestTables(t)
	createUsersTable(t, tables)

	first := Begin(tables, txn.ReadCommitted, nil)
	rowID, err := first.Insert("users", value.Row{value.Int(9), value.Text("first")})
	require.NoError(t, err)
	require.NoError(t, first.Commit())
	firstTxnID := first.inner.ID

	del := Begin(tables, txn.ReadCommitted, nil)
	require.NoError(t, del.Delete("users", rowID))
	require.NoError(t, del.Commit())

	second := Begin(tables, txn.ReadCommitted, nil)
	_, err = second.Insert("users", value.Row{value.Int(9), value.Text("second")})
	require.NoError(t, err, "re-inserting the same PK after a delete must succeed and shadow the tombstone")
	require.NoError(t, second.Commit())

	reader := Begin(tables, txn.ReadCommitted, nil)
	row, err := reader.Get("users", rowID)
	require.NoError(t, err)
	assert.Equal(t, value.Text("second"), row[1])

	oldRow, err := reader.GetAsOfTransaction("users", rowID, firstTxnID)
	require.NoError(t, err, "the first insert's version must still be reachable via AS OF")
	assert.Equal(t, value.Text("first"), oldRow[1])
	require.NoError(t, reader.Commit())
}

func TestEmptyTableScanReturnsEmpty(t *testing.T) {
	tables := newTestTables(t)
	createUsersTable(t, tables)

	reader := Begin(tables, txn.ReadCommitted, nil)
	rows, err := reader.Scan("users")
	require.NoError(t, err)
	assert.Empty(t, rows)
	require.NoError(t, reader.Commit())
}

func TestReadOnlyTransactionProducesNoWALRecords(t *testing.T) {
	tables := newTestTables(t)
	createUsersTable(t, tables)
	tables.WAL = &countingWAL{}

	reader := Begin(tables, txn.ReadCommitted, nil)
	_, err := reader.Scan("users")
	require.NoError(t, err)
	require.NoError(t, reader.Commit())

	cw := tables.WAL.(*countingWAL)
	assert.Zero(t, cw.count, "a transaction that only reads must append zero WAL records")
}

type countingWAL struct{ count int }

func (c *countingWAL) Append(rec wal.Record) (uint64, error) {
	c.count++
	return uint64(c.count), nil
}

func TestRollbackDiscardsBufferedInsert(t *testing.T) {
	tables := newTestTables(t)
	createUsersTable(t, tables)

	tx := Begin(tables, txn.ReadCommitted, nil)
	rowID, err := tx.Insert("users", value.Row{value.Int(0), value.Text("a@example.com")})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	reader := Begin(tables, txn.ReadCommitted, nil)
	_, err = reader.Get("users", rowID)
	assert.Error(t, err, "a rolled-back insert must not be visible")
	require.NoError(t, reader.Commit())
}
