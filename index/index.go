// Package index implements C7: the index subsystem. All four flavors —
// ordered, hash, bitmap, and composite — share the Index interface;
// each declares its Capabilities so callers dispatch rather than
// discovering support by trial and error, per spec design note
// "Polymorphic indexes". Grounded on pkg/resource/memory/index.go's
// Index interface and pkg/resource/memory/index_manager.go's per-table
// index collection, generalized onto value.Value keys and backed by
// github.com/google/btree (ordered) and github.com/RoaringBitmap/
// roaring/v2 (bitmap) rather than the teacher's own simplified,
// linear-scan index bodies.
package index

import (
	"github.com/oxibase/oxibase/oxierr"
	"github.com/oxibase/oxibase/value"
)

// Capabilities declares which operations an index actually supports.
// Query consumers must choose an index consistent with their query
// shape; Scan on a non-range index returns a *not-supported* error
// rather than silently degrading.
type Capabilities struct {
	Range     bool
	Equality  bool
	BitmapOps bool
	Unique    bool
}

// Range describes a (possibly open-ended) scan bound. Nil Min/Max means
// unbounded on that side.
type Range struct {
	Min, Max                   *value.Value
	MinInclusive, MaxInclusive bool
}

// Index is the shared trait every index flavor implements.
type Index interface {
	Name() string
	Capabilities() Capabilities
	Add(key value.Value, rowID int64) error
	Remove(key value.Value, rowID int64)
	LookupEqual(key value.Value) []int64
	Scan(r Range) ([]int64, error)
}

func errNotRange(name string) error {
	return oxierr.NewTypeError("index %q does not support range scans", name)
}

// equalityMapKey returns the map key under which (key, rowID) is stored
// in an index's equality/unique-occupancy map. Every non-NULL value
// hashes to the same key across rows, so duplicates collide as
// intended. NULL is different: spec §3 declares "NULL is not equal to
// anything, including NULL", so two rows holding NULL must never be
// treated as occupying the same equality bucket — each gets a key
// scoped to its own rowID instead, keyed identically by Add and Remove
// so both still agree on where the entry lives.
func equalityMapKey(key value.Value, rowID int64) interface{} {
	if key.IsNull() {
		return [2]interface{}{"null-row", rowID}
	}
	return key.MapKey()
}
