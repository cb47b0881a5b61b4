package index

import (
	"sync"

	"github.com/oxibase/oxibase/oxierr"
	"github.com/oxibase/oxibase/value"
)

// HashIndex is a pure equality-lookup index: single hash map plus a
// reverse map for removal. It refuses range and ORDER-BY, per spec
// §4.5. Grounded on pkg/resource/memory/index.go's HashIndex, whose
// "triple lock set" (key→rows, row→key, value cache) collapses here to
// one RWMutex guarding both maps, since Go's map type gives us the
// value cache for free.
type HashIndex struct {
	name   string
	unique bool

	mu      sync.RWMutex
	data    map[interface{}][]int64
	reverse map[int64]value.Value
}

func NewHashIndex(name string, unique bool) *HashIndex {
	return &HashIndex{
		name:    name,
		unique:  unique,
		data:    make(map[interface{}][]int64),
		reverse: make(map[int64]value.Value),
	}
}

func (idx *HashIndex) Name() string { return idx.name }

func (idx *HashIndex) Capabilities() Capabilities {
	return Capabilities{Equality: true, Unique: idx.unique}
}

func (idx *HashIndex) Add(key value.Value, rowID int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	mk := equalityMapKey(key, rowID)
	// A NULL key never participates in uniqueness: spec §3's "NULL is
	// not equal to anything, including NULL" means two NULL rows can
	// never collide, so there is nothing to check.
	if idx.unique && !key.IsNull() && len(idx.data[mk]) > 0 {
		return oxierr.NewUniqueViolation(idx.name, key)
	}
	idx.data[mk] = append(idx.data[mk], rowID)
	idx.reverse[rowID] = key
	return nil
}

func (idx *HashIndex) Remove(key value.Value, rowID int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	mk := equalityMapKey(key, rowID)
	rows := idx.data[mk]
	for i, r := range rows {
		if r == rowID {
			idx.data[mk] = append(rows[:i], rows[i+1:]...)
			break
		}
	}
	if len(idx.data[mk]) == 0 {
		delete(idx.data, mk)
	}
	delete(idx.reverse, rowID)
}

// LookupEqual never matches a NULL key: NULL is not equal to anything,
// including NULL (spec §3), so an equality probe for NULL always
// returns empty rather than every NULL-valued row.
func (idx *HashIndex) LookupEqual(key value.Value) []int64 {
	if key.IsNull() {
		return nil
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	rows := idx.data[key.MapKey()]
	out := make([]int64, len(rows))
	copy(out, rows)
	return out
}

func (idx *HashIndex) Scan(Range) ([]int64, error) {
	return nil, errNotRange(idx.name)
}
