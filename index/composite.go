package index

import (
	"sync"

	"github.com/oxibase/oxibase/oxierr"
	"github.com/oxibase/oxibase/value"
)

// CompositeIndex hashes a tuple of column values; it supports equality
// only on the full prefix (no partial-column lookup) and enforces
// multi-column uniqueness, per spec §4.5. It wraps HashIndex's single-
// lock discipline over a tuple-shaped key.
type CompositeIndex struct {
	name    string
	columns []string
	inner   *HashIndex

	mu      sync.RWMutex
	reverse map[int64][]value.Value
}

func NewCompositeIndex(name string, columns []string, unique bool) *CompositeIndex {
	return &CompositeIndex{
		name:    name,
		columns: columns,
		inner:   NewHashIndex(name, unique),
		reverse: make(map[int64][]value.Value),
	}
}

func (idx *CompositeIndex) Name() string { return idx.name }

func (idx *CompositeIndex) Capabilities() Capabilities {
	caps := idx.inner.Capabilities()
	return caps
}

// tupleHasNull reports whether any component of the tuple is NULL.
// Spec §3's "NULL is not equal to anything, including NULL" means such
// a tuple can never match another one for uniqueness or equality
// purposes, composite or not.
func tupleHasNull(values []value.Value) bool {
	for _, v := range values {
		if v.IsNull() {
			return true
		}
	}
	return false
}

// tupleKey folds a tuple into a single TEXT key for hashing purposes
// only; callers always supply AddTuple/LookupEqualTuple with the real
// values, never a synthetic Value elsewhere. A tuple containing a NULL
// component is folded with rowID baked in instead, so it never
// collides with another row's NULL-containing tuple (two such tuples
// must never be treated as equal) while still round-tripping through
// Remove for the same row.
func tupleKey(values []value.Value, rowID int64) value.Value {
	s := ""
	for i, v := range values {
		if i > 0 {
			s += "\x1f"
		}
		s += v.Kind.String() + ":" + v.String()
	}
	if tupleHasNull(values) {
		s += "\x1f#" + value.Int(rowID).String()
	}
	return value.Text(s)
}

// AddTuple indexes a full composite key for rowID. A tuple with a NULL
// component folds to a per-row key (see tupleKey), so it can never
// trigger the inner HashIndex's uniqueness check against another row.
func (idx *CompositeIndex) AddTuple(values []value.Value, rowID int64) error {
	if err := idx.inner.Add(tupleKey(values, rowID), rowID); err != nil {
		return oxierr.NewUniqueViolation(idx.name, values)
	}
	idx.mu.Lock()
	idx.reverse[rowID] = values
	idx.mu.Unlock()
	return nil
}

func (idx *CompositeIndex) RemoveTuple(values []value.Value, rowID int64) {
	idx.inner.Remove(tupleKey(values, rowID), rowID)
	idx.mu.Lock()
	delete(idx.reverse, rowID)
	idx.mu.Unlock()
}

// LookupEqualTuple never matches a tuple with a NULL component (spec
// §3: NULL is not equal to anything, including NULL).
func (idx *CompositeIndex) LookupEqualTuple(values []value.Value) []int64 {
	if tupleHasNull(values) {
		return nil
	}
	return idx.inner.LookupEqual(tupleKey(values, 0))
}

// Add/Remove/LookupEqual/Scan satisfy the Index interface for a
// single-value view (treating key as an already-folded tuple key),
// used when the caller has pre-built the composite key itself.
func (idx *CompositeIndex) Add(key value.Value, rowID int64) error { return idx.inner.Add(key, rowID) }
func (idx *CompositeIndex) Remove(key value.Value, rowID int64)    { idx.inner.Remove(key, rowID) }
func (idx *CompositeIndex) LookupEqual(key value.Value) []int64    { return idx.inner.LookupEqual(key) }
func (idx *CompositeIndex) Scan(r Range) ([]int64, error)          { return idx.inner.Scan(r) }

// Columns reports the ordered column list this composite index covers.
func (idx *CompositeIndex) Columns() []string { return idx.columns }
