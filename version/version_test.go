package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxibase/oxibase/arena"
	"github.com/oxibase/oxibase/txn"
	"github.com/oxibase/oxibase/value"
)

func newStore(t *testing.T) (*Store, *arena.Arena, *txn.Registry) {
	t.Helper()
	a := arena.New(arena.DefaultConfig())
	reg := txn.NewRegistry()
	return NewStore(a, reg), a, reg
}

// insertRow commits a single-version row as creator and returns the version.
func insertRow(t *testing.T, s *Store, reg *txn.Registry, a *arena.Arena, rowID int64, row value.Row) (*Version, *txn.Txn) {
	t.Helper()
	writer := reg.Begin(txn.ReadCommitted)
	h := a.Put(row)
	v := NewVersion(rowID, writer.ID, uint64(writer.BeginSeq), h, nil)
	s.AppendVersionsBatch([]PendingAppend{{RowID: rowID, Version: v}})
	reg.MarkCommitted(writer)
	return v, writer
}

func TestGetVisibleReadCommittedSeesCommittedRows(t *testing.T) {
	s, a, reg := newStore(t)
	insertRow(t, s, reg, a, 1, value.Row{value.Int(1), value.Text("alice")})

	viewer := reg.Begin(txn.ReadCommitted)
	v, ok := s.GetVisible(1, viewer)
	require.True(t, ok)

	row, err := s.Payload(v)
	require.NoError(t, err)
	assert.Equal(t, value.Row{value.Int(1), value.Text("alice")}, row)
}

func TestGetVisibleReadCommittedHidesUncommittedWrites(t *testing.T) {
	s, a, reg := newStore(t)

	writer := reg.Begin(txn.ReadCommitted)
	h := a.Put(value.Row{value.Int(1)})
	v := NewVersion(1, writer.ID, uint64(writer.BeginSeq), h, nil)
	s.AppendVersionsBatch([]PendingAppend{{RowID: 1, Version: v}})
	// writer never committed

	viewer := reg.Begin(txn.ReadCommitted)
	_, ok := s.GetVisible(1, viewer)
	assert.False(t, ok, "an uncommitted writer's version must not be visible to another transaction")
}

func TestGetVisibleSnapshotHidesRowsCommittedAfterBegin(t *testing.T) {
	s, a, reg := newStore(t)

	viewer := reg.Begin(txn.Snapshot)
	insertRow(t, s, reg, a, 1, value.Row{value.Int(1)})

	_, ok := s.GetVisible(1, viewer)
	assert.False(t, ok, "snapshot viewer must not see a row committed after its begin_seq")
}

func TestGetVisibleSnapshotSeesRowsCommittedBeforeBegin(t *testing.T) {
	s, a, reg := newStore(t)
	insertRow(t, s, reg, a, 1, value.Row{value.Int(1)})

	viewer := reg.Begin(txn.Snapshot)
	_, ok := s.GetVisible(1, viewer)
	assert.True(t, ok)
}

func TestGetVisibleOwnUncommittedWriteIsVisibleToSelf(t *testing.T) {
	s, a, reg := newStore(t)

	writer := reg.Begin(txn.ReadCommitted)
	h := a.Put(value.Row{value.Int(7)})
	v := NewVersion(1, writer.ID, uint64(writer.BeginSeq), h, nil)
	s.AppendVersionsBatch([]PendingAppend{{RowID: 1, Version: v}})

	got, ok := s.GetVisible(1, writer)
	require.True(t, ok, "a transaction must see its own uncommitted write")
	assert.Equal(t, writer.ID, got.Creator)
}

func TestTombstoneHidesRowOnceDeletionIsVisible(t *testing.T) {
	s, a, reg := newStore(t)
	insertRow(t, s, reg, a, 1, value.Row{value.Int(1)})

	deleter := reg.Begin(txn.ReadCommitted)
	head := s.heads[1]
	h := a.Put(value.Row{value.Int(1)})
	tomb := NewTombstone(1, deleter.ID, uint64(deleter.BeginSeq), h, head)
	s.AppendVersionsBatch([]PendingAppend{{RowID: 1, Version: tomb}})
	reg.MarkCommitted(deleter)

	viewer := reg.Begin(txn.ReadCommitted)
	_, ok := s.GetVisible(1, viewer)
	assert.False(t, ok, "a row must disappear once its deletion is visible")
}

func TestTombstonePreservesPayloadForTimeTravel(t *testing.T) {
	s, a, reg := newStore(t)
	_, creator := insertRow(t, s, reg, a, 1, value.Row{value.Text("before")})

	deleter := reg.Begin(txn.ReadCommitted)
	head := s.heads[1]
	h := a.Put(value.Row{value.Text("before")})
	tomb := NewTombstone(1, deleter.ID, uint64(deleter.BeginSeq), h, head)
	s.AppendVersionsBatch([]PendingAppend{{RowID: 1, Version: tomb}})
	reg.MarkCommitted(deleter)

	v, ok := s.GetAsOfTransaction(1, creator.ID)
	require.True(t, ok, "a cutoff before the delete must still see the row")
	row, err := s.Payload(v)
	require.NoError(t, err)
	assert.Equal(t, value.Row{value.Text("before")}, row)
}

func TestScanSkipsInvisibleAndDeletedRows(t *testing.T) {
	s, a, reg := newStore(t)
	insertRow(t, s, reg, a, 1, value.Row{value.Int(1)})
	insertRow(t, s, reg, a, 2, value.Row{value.Int(2)})

	deleter := reg.Begin(txn.ReadCommitted)
	head := s.heads[2]
	h := a.Put(value.Row{value.Int(2)})
	tomb := NewTombstone(2, deleter.ID, uint64(deleter.BeginSeq), h, head)
	s.AppendVersionsBatch([]PendingAppend{{RowID: 2, Version: tomb}})
	reg.MarkCommitted(deleter)

	viewer := reg.Begin(txn.ReadCommitted)
	items, err := s.Scan(viewer, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(1), items[0].RowID)
}

func TestGCDetachesVersionsOlderThanOldestActiveButKeepsBoundary(t *testing.T) {
	s, a, reg := newStore(t)

	_, t1 := insertRow(t, s, reg, a, 1, value.Row{value.Int(1)})

	writer2 := reg.Begin(txn.ReadCommitted)
	h2 := a.Put(value.Row{value.Int(2)})
	v2 := NewVersion(1, writer2.ID, uint64(writer2.BeginSeq), h2, s.heads[1])
	s.AppendVersionsBatch([]PendingAppend{{RowID: 1, Version: v2}})
	reg.MarkCommitted(writer2)

	writer3 := reg.Begin(txn.ReadCommitted)
	h3 := a.Put(value.Row{value.Int(3)})
	v3 := NewVersion(1, writer3.ID, uint64(writer3.BeginSeq), h3, s.heads[1])
	s.AppendVersionsBatch([]PendingAppend{{RowID: 1, Version: v3}})
	reg.MarkCommitted(writer3)

	// GC boundary sits between v2 and v3's create_seq: anything at or
	// below the boundary is the newest still-reachable tail, everything
	// strictly older than it can be detached.
	s.GC(uint64(v2.CreateSeq))

	head := s.heads[1]
	require.NotNil(t, head)
	assert.Equal(t, v3.Creator, head.Creator)
	assert.NotNil(t, head.Prev, "the boundary version itself must survive GC")
	assert.Nil(t, head.Prev.Prev, "everything older than the boundary must be detached")
	_ = t1
}

func TestGetAsOfTimestampHonorsCutoff(t *testing.T) {
	s, a, reg := newStore(t)
	insertRow(t, s, reg, a, 1, value.Row{value.Int(1)})

	cutoff := s.heads[1].CreatedAt.Add(-1)
	_, ok := s.GetAsOfTimestamp(1, cutoff)
	assert.False(t, ok, "a cutoff before the row's creation must not see it")
}
