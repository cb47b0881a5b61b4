package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxibase/oxibase/oxierr"
	"github.com/oxibase/oxibase/schema"
	"github.com/oxibase/oxibase/value"
)

func TestOrderedIndexLookupAndRemove(t *testing.T) {
	idx := NewOrderedIndex("idx_age", false)

	require.NoError(t, idx.Add(value.Int(30), 1))
	require.NoError(t, idx.Add(value.Int(30), 2))
	require.NoError(t, idx.Add(value.Int(40), 3))

	assert.ElementsMatch(t, []int64{1, 2}, idx.LookupEqual(value.Int(30)))

	idx.Remove(value.Int(30), 1)
	assert.Equal(t, []int64{2}, idx.LookupEqual(value.Int(30)))
}

func TestOrderedIndexUniqueRejectsDuplicateKey(t *testing.T) {
	idx := NewOrderedIndex("idx_email", true)

	require.NoError(t, idx.Add(value.Text("a@example.com"), 1))
	err := idx.Add(value.Text("a@example.com"), 2)
	require.Error(t, err)
	var uv *oxierr.Error
	require.ErrorAs(t, err, &uv)
}

func TestOrderedIndexScanRange(t *testing.T) {
	idx := NewOrderedIndex("idx_age", false)
	for i, age := range []int64{10, 20, 30, 40, 50} {
		require.NoError(t, idx.Add(value.Int(age), int64(i)))
	}

	min := value.Int(20)
	max := value.Int(40)
	rows, err := idx.Scan(Range{Min: &min, Max: &max, MinInclusive: true, MaxInclusive: true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2, 3}, rows)
}

func TestOrderedIndexMinMax(t *testing.T) {
	idx := NewOrderedIndex("idx_age", false)
	require.NoError(t, idx.Add(value.Int(5), 1))
	require.NoError(t, idx.Add(value.Int(50), 2))
	require.NoError(t, idx.Add(value.Int(25), 3))

	min, ok := idx.Min()
	require.True(t, ok)
	assert.Equal(t, value.Int(5), min)

	max, ok := idx.Max()
	require.True(t, ok)
	assert.Equal(t, value.Int(50), max)
}

func TestHashIndexDoesNotSupportRangeScan(t *testing.T) {
	idx := NewHashIndex("idx_status", false)
	require.NoError(t, idx.Add(value.Text("active"), 1))

	_, err := idx.Scan(Range{})
	assert.Error(t, err)
}

func TestHashIndexUniqueRejectsDuplicate(t *testing.T) {
	idx := NewHashIndex("idx_sku", true)
	require.NoError(t, idx.Add(value.Text("sku-1"), 1))
	err := idx.Add(value.Text("sku-1"), 2)
	assert.Error(t, err)
}

func TestBitmapIndexAndOr(t *testing.T) {
	idx := NewBitmapIndex("idx_flag")
	require.NoError(t, idx.Add(value.Bool(true), 1))
	require.NoError(t, idx.Add(value.Bool(true), 2))
	require.NoError(t, idx.Add(value.Bool(false), 3))

	assert.ElementsMatch(t, []int64{1, 2}, idx.LookupEqual(value.Bool(true)))
	assert.ElementsMatch(t, []int64{1, 2, 3}, idx.Or(value.Bool(true), value.Bool(false)))

	idx.Remove(value.Bool(true), 1)
	assert.ElementsMatch(t, []int64{2}, idx.LookupEqual(value.Bool(true)))
}

func TestCompositeIndexTupleLookup(t *testing.T) {
	idx := NewCompositeIndex("idx_name_dept", []string{"last_name", "dept"}, true)

	require.NoError(t, idx.AddTuple([]value.Value{value.Text("Doe"), value.Text("eng")}, 1))
	err := idx.AddTuple([]value.Value{value.Text("Doe"), value.Text("eng")}, 2)
	assert.Error(t, err, "composite unique index must reject a duplicate tuple")

	rows := idx.LookupEqualTuple([]value.Value{value.Text("Doe"), value.Text("eng")})
	assert.Equal(t, []int64{1}, rows)

	idx.RemoveTuple([]value.Value{value.Text("Doe"), value.Text("eng")}, 1)
	assert.Empty(t, idx.LookupEqualTuple([]value.Value{value.Text("Doe"), value.Text("eng")}))
}

func TestHashIndexUniqueAllowsMultipleNullKeys(t *testing.T) {
	idx := NewHashIndex("idx_email", true)
	require.NoError(t, idx.Add(value.Null, 1))
	err := idx.Add(value.Null, 2)
	require.NoError(t, err, "NULL is not equal to anything, including NULL, so two NULL rows must never collide as a unique violation")

	assert.Empty(t, idx.LookupEqual(value.Null), "an equality probe for NULL must never match, even rows that hold NULL")
}

func TestOrderedIndexUniqueAllowsMultipleNullKeys(t *testing.T) {
	idx := NewOrderedIndex("idx_email", true)
	require.NoError(t, idx.Add(value.Null, 1))
	err := idx.Add(value.Null, 2)
	require.NoError(t, err, "a unique ordered index must not treat two NULLs as duplicates")
}

func TestCompositeIndexUniqueAllowsMultipleNullComponentTuples(t *testing.T) {
	idx := NewCompositeIndex("idx_name_dept", []string{"last_name", "dept"}, true)

	require.NoError(t, idx.AddTuple([]value.Value{value.Text("Doe"), value.Null}, 1))
	err := idx.AddTuple([]value.Value{value.Text("Doe"), value.Null}, 2)
	require.NoError(t, err, "a composite tuple with a NULL component must never collide with another row's tuple")

	assert.Empty(t, idx.LookupEqualTuple([]value.Value{value.Text("Doe"), value.Null}))
}

func TestManagerCreateAndByColumn(t *testing.T) {
	m := NewManager()
	def := &schema.IndexDef{Name: "idx_email", Table: "users", Columns: []string{"email"}, Type: schema.IndexHash, Unique: true}

	idx, err := m.Create(def)
	require.NoError(t, err)
	require.NotNil(t, idx)

	got, ok := m.ByColumn("users", "email")
	require.True(t, ok)
	assert.Equal(t, idx.Name(), got.Name())

	_, err = m.Create(def)
	assert.Error(t, err, "creating a duplicate-named index must fail")

	assert.Len(t, m.All("users"), 1)

	m.Drop("users", "idx_email")
	assert.Empty(t, m.All("users"))
}

func TestManagerDropTableRemovesAllIndexes(t *testing.T) {
	m := NewManager()
	def := &schema.IndexDef{Name: "idx_status", Table: "orders", Columns: []string{"status"}, Type: schema.IndexHash, Unique: false}
	_, err := m.Create(def)
	require.NoError(t, err)

	m.DropTable("orders")
	assert.Empty(t, m.All("orders"))
}
