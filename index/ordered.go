package index

import (
	"sync"

	"github.com/google/btree"
	"github.com/oxibase/oxibase/oxierr"
	"github.com/oxibase/oxibase/value"
)

type orderedItem struct {
	key   value.Value
	rowID int64
}

func lessItem(a, b orderedItem) bool {
	c, err := a.key.Compare(b.key)
	if err != nil || c == 0 {
		return a.rowID < b.rowID
	}
	return c < 0
}

// OrderedIndex is the dual structure spec §4.5 describes: a sorted tree
// for range/ORDER-BY, an equality map for O(1) lookup, and a reverse map
// for O(1) removal. Grounded on google/btree's generic BTreeG.
type OrderedIndex struct {
	name   string
	unique bool

	mu       sync.RWMutex
	tree     *btree.BTreeG[orderedItem]
	equality map[interface{}][]int64
	reverse  map[int64]value.Value
}

func NewOrderedIndex(name string, unique bool) *OrderedIndex {
	return &OrderedIndex{
		name:     name,
		unique:   unique,
		tree:     btree.NewG(32, lessItem),
		equality: make(map[interface{}][]int64),
		reverse:  make(map[int64]value.Value),
	}
}

func (idx *OrderedIndex) Name() string { return idx.name }

func (idx *OrderedIndex) Capabilities() Capabilities {
	return Capabilities{Range: true, Equality: true, Unique: idx.unique}
}

func (idx *OrderedIndex) Add(key value.Value, rowID int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	mk := equalityMapKey(key, rowID)
	// A NULL key never participates in uniqueness (spec §3: NULL is not
	// equal to anything, including NULL).
	if idx.unique && !key.IsNull() {
		if existing := idx.equality[mk]; len(existing) > 0 {
			return oxierr.NewUniqueViolation(idx.name, key)
		}
	}

	idx.tree.ReplaceOrInsert(orderedItem{key: key, rowID: rowID})
	idx.equality[mk] = append(idx.equality[mk], rowID)
	idx.reverse[rowID] = key
	return nil
}

func (idx *OrderedIndex) Remove(key value.Value, rowID int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.tree.Delete(orderedItem{key: key, rowID: rowID})
	mk := equalityMapKey(key, rowID)
	rows := idx.equality[mk]
	for i, r := range rows {
		if r == rowID {
			idx.equality[mk] = append(rows[:i], rows[i+1:]...)
			break
		}
	}
	if len(idx.equality[mk]) == 0 {
		delete(idx.equality, mk)
	}
	delete(idx.reverse, rowID)
}

// LookupEqual never matches a NULL key (spec §3: NULL is not equal to
// anything, including NULL).
func (idx *OrderedIndex) LookupEqual(key value.Value) []int64 {
	if key.IsNull() {
		return nil
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	rows := idx.equality[key.MapKey()]
	out := make([]int64, len(rows))
	copy(out, rows)
	return out
}

func (idx *OrderedIndex) Scan(r Range) ([]int64, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []int64
	visit := func(it orderedItem) bool {
		out = append(out, it.rowID)
		return true
	}

	switch {
	case r.Min == nil && r.Max == nil:
		idx.tree.Ascend(visit)
	case r.Min != nil && r.Max == nil:
		idx.tree.AscendGreaterOrEqual(orderedItem{key: *r.Min, rowID: -1 << 62}, func(it orderedItem) bool {
			if !r.MinInclusive {
				if c, err := it.key.Compare(*r.Min); err == nil && c == 0 {
					return true
				}
			}
			return visit(it)
		})
	case r.Min == nil && r.Max != nil:
		idx.tree.AscendLessThan(orderedItem{key: *r.Max, rowID: -1 << 62}, visit)
		if r.MaxInclusive {
			idx.tree.AscendGreaterOrEqual(orderedItem{key: *r.Max, rowID: -1 << 62}, func(it orderedItem) bool {
				if c, err := it.key.Compare(*r.Max); err == nil && c == 0 {
					out = append(out, it.rowID)
				}
				return true
			})
		}
	default:
		idx.tree.AscendRange(
			orderedItem{key: *r.Min, rowID: -1 << 62},
			orderedItem{key: *r.Max, rowID: -1 << 62},
			func(it orderedItem) bool {
				if !r.MinInclusive {
					if c, err := it.key.Compare(*r.Min); err == nil && c == 0 {
						return true
					}
				}
				return visit(it)
			},
		)
		if r.MaxInclusive {
			idx.tree.AscendGreaterOrEqual(orderedItem{key: *r.Max, rowID: -1 << 62}, func(it orderedItem) bool {
				if c, err := it.key.Compare(*r.Max); err == nil && c == 0 {
					out = append(out, it.rowID)
				}
				return true
			})
		}
	}

	return out, nil
}

// Min returns the smallest key currently indexed, for aggregate
// short-circuits (spec §4.5).
func (idx *OrderedIndex) Min() (value.Value, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	it, ok := idx.tree.Min()
	if !ok {
		return value.Value{}, false
	}
	return it.key, true
}

func (idx *OrderedIndex) Max() (value.Value, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	it, ok := idx.tree.Max()
	if !ok {
		return value.Value{}, false
	}
	return it.key, true
}
