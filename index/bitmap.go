package index

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/oxibase/oxibase/value"
)

// BitmapIndex keeps a compressed bitmap of row ids per distinct value,
// supporting fast AND/OR/NOT across values and across bitmap indexes.
// Built only when an IndexDef names IndexBitmap: Manager.Create picks
// the implementation from the IndexDef's type alone, so nothing selects
// a bitmap index from a column's type or cardinality. Grounded on the
// teacher's IndexType enum (which names but does not implement a
// bitmap index) and enriched with github.com/RoaringBitmap/roaring/v2,
// the one library in the full retrieval pack that actually provides
// compressed bitmaps (pulled in from AKJUS-bsc-erigon's go.mod).
type BitmapIndex struct {
	name string

	mu       sync.RWMutex
	byValue  map[interface{}]*roaring64.Bitmap
	keyOf    map[interface{}]value.Value
	reverse  map[int64]value.Value
}

func NewBitmapIndex(name string) *BitmapIndex {
	return &BitmapIndex{
		name:    name,
		byValue: make(map[interface{}]*roaring64.Bitmap),
		keyOf:   make(map[interface{}]value.Value),
		reverse: make(map[int64]value.Value),
	}
}

func (idx *BitmapIndex) Name() string { return idx.name }

func (idx *BitmapIndex) Capabilities() Capabilities {
	return Capabilities{Equality: true, BitmapOps: true}
}

func (idx *BitmapIndex) Add(key value.Value, rowID int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	mk := key.MapKey()
	bm, ok := idx.byValue[mk]
	if !ok {
		bm = roaring64.New()
		idx.byValue[mk] = bm
		idx.keyOf[mk] = key
	}
	bm.Add(uint64(rowID))
	idx.reverse[rowID] = key
	return nil
}

func (idx *BitmapIndex) Remove(key value.Value, rowID int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	mk := key.MapKey()
	if bm, ok := idx.byValue[mk]; ok {
		bm.Remove(uint64(rowID))
		if bm.IsEmpty() {
			delete(idx.byValue, mk)
			delete(idx.keyOf, mk)
		}
	}
	delete(idx.reverse, rowID)
}

// LookupEqual never matches a NULL key (spec §3: NULL is not equal to
// anything, including NULL).
func (idx *BitmapIndex) LookupEqual(key value.Value) []int64 {
	if key.IsNull() {
		return nil
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	bm, ok := idx.byValue[key.MapKey()]
	if !ok {
		return nil
	}
	raw := bm.ToArray()
	out := make([]int64, len(raw))
	for i, v := range raw {
		out[i] = int64(v)
	}
	return out
}

func (idx *BitmapIndex) Scan(Range) ([]int64, error) {
	return nil, errNotRange(idx.name)
}

// And returns the row ids present under every given key (bitmap AND
// across values), e.g. for multi-predicate boolean filters.
func (idx *BitmapIndex) And(keys ...value.Value) []int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(keys) == 0 {
		return nil
	}
	result, ok := idx.byValue[keys[0].MapKey()]
	if !ok {
		return nil
	}
	acc := result.Clone()
	for _, k := range keys[1:] {
		bm, ok := idx.byValue[k.MapKey()]
		if !ok {
			return nil
		}
		acc.And(bm)
	}
	raw := acc.ToArray()
	out := make([]int64, len(raw))
	for i, v := range raw {
		out[i] = int64(v)
	}
	return out
}

// Or returns the union of row ids across the given keys.
func (idx *BitmapIndex) Or(keys ...value.Value) []int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	acc := roaring64.New()
	for _, k := range keys {
		if bm, ok := idx.byValue[k.MapKey()]; ok {
			acc.Or(bm)
		}
	}
	raw := acc.ToArray()
	out := make([]int64, len(raw))
	for i, v := range raw {
		out[i] = int64(v)
	}
	return out
}
