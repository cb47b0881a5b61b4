// Package value implements C1: the tagged-union Value type and the Row
// it composes into. Value is a struct with one field per variant rather
// than an interface{} box, so the zero value is well-defined (Kind ==
// KindNull) and every operation is an exhaustive switch on Kind instead
// of a type assertion.
package value

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oxibase/oxibase/oxierr"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindText
	KindBool
	KindTimestamp
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "NULL"
	case KindInt:
		return "INT"
	case KindFloat:
		return "FLOAT"
	case KindText:
		return "TEXT"
	case KindBool:
		return "BOOL"
	case KindTimestamp:
		return "TIMESTAMP"
	case KindJSON:
		return "JSON"
	default:
		return "UNKNOWN"
	}
}

// Value is a single cell: exactly one of the typed fields is meaningful,
// selected by Kind. text and json share the str field since both are
// stored as UTF-8 text.
type Value struct {
	Kind Kind
	i    int64
	f    float64
	str  string
	b    bool
	ts   time.Time
}

// Null is the explicit null value. NULL is not equal to anything,
// including NULL — see Equal.
var Null = Value{Kind: KindNull}

func Int(v int64) Value          { return Value{Kind: KindInt, i: v} }
func Float(v float64) Value      { return Value{Kind: KindFloat, f: v} }
func Text(v string) Value        { return Value{Kind: KindText, str: v} }
func Bool(v bool) Value          { return Value{Kind: KindBool, b: v} }
func Timestamp(v time.Time) Value { return Value{Kind: KindTimestamp, ts: v.UTC()} }

// JSON validates v as UTF-8 JSON text at ingress and stores it verbatim.
func JSON(v string) (Value, error) {
	if !json.Valid([]byte(v)) {
		return Value{}, oxierr.NewTypeError("invalid JSON literal")
	}
	return Value{Kind: KindJSON, str: v}, nil
}

func (v Value) IsNull() bool { return v.Kind == KindNull }

func (v Value) AsInt() (int64, bool)          { return v.i, v.Kind == KindInt }
func (v Value) AsFloat() (float64, bool)      { return v.f, v.Kind == KindFloat }
func (v Value) AsText() (string, bool)        { return v.str, v.Kind == KindText }
func (v Value) AsBool() (bool, bool)          { return v.b, v.Kind == KindBool }
func (v Value) AsTimestamp() (time.Time, bool) { return v.ts, v.Kind == KindTimestamp }
func (v Value) AsJSON() (string, bool)        { return v.str, v.Kind == KindJSON }

// Equal implements value equality: NULL is never equal to anything, and
// cross-kind comparisons are always false (never an error — equality is
// total, unlike ordering).
func (v Value) Equal(o Value) bool {
	if v.Kind == KindNull || o.Kind == KindNull {
		return false
	}
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindText, KindJSON:
		return v.str == o.str
	case KindBool:
		return v.b == o.b
	case KindTimestamp:
		return v.ts.Equal(o.ts)
	default:
		return false
	}
}

// Compare orders two values of the same Kind. Ordering across distinct
// variants is undefined per the spec; callers must reject it as a type
// error rather than receive a spurious answer, so Compare returns an
// error instead of an arbitrary total order.
func (v Value) Compare(o Value) (int, error) {
	if v.Kind != o.Kind {
		return 0, oxierr.NewTypeError("cannot order %s against %s", v.Kind, o.Kind)
	}
	switch v.Kind {
	case KindNull:
		return 0, oxierr.NewTypeError("cannot order NULL")
	case KindInt:
		switch {
		case v.i < o.i:
			return -1, nil
		case v.i > o.i:
			return 1, nil
		default:
			return 0, nil
		}
	case KindFloat:
		switch {
		case v.f < o.f:
			return -1, nil
		case v.f > o.f:
			return 1, nil
		default:
			return 0, nil
		}
	case KindText, KindJSON:
		switch {
		case v.str < o.str:
			return -1, nil
		case v.str > o.str:
			return 1, nil
		default:
			return 0, nil
		}
	case KindBool:
		switch {
		case v.b == o.b:
			return 0, nil
		case !v.b && o.b:
			return -1, nil
		default:
			return 1, nil
		}
	case KindTimestamp:
		switch {
		case v.ts.Before(o.ts):
			return -1, nil
		case v.ts.After(o.ts):
			return 1, nil
		default:
			return 0, nil
		}
	default:
		return 0, oxierr.NewInternalError("unknown value kind %d", v.Kind)
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "NULL"
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindText:
		return v.str
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindTimestamp:
		return v.ts.Format(time.RFC3339Nano)
	case KindJSON:
		return v.str
	default:
		return "?"
	}
}

// MapKey returns a comparable, hashable representation of v suitable for
// use as a Go map key (Value itself embeds a time.Time and is not safe
// to rely on for == semantics). Values of different Kind never compare
// equal as map keys, matching Equal's cross-kind-is-false rule.
func (v Value) MapKey() interface{} {
	switch v.Kind {
	case KindInt:
		return [2]interface{}{v.Kind, v.i}
	case KindFloat:
		return [2]interface{}{v.Kind, v.f}
	case KindText, KindJSON:
		return [2]interface{}{v.Kind, v.str}
	case KindBool:
		return [2]interface{}{v.Kind, v.b}
	case KindTimestamp:
		return [2]interface{}{v.Kind, v.ts.UnixNano()}
	default:
		return [2]interface{}{KindNull, nil}
	}
}

// Row is an ordered sequence of values whose length and per-position
// types are meant to match a schema in effect at read time.
type Row []Value

// Clone returns an independent copy of the row (Value itself is a plain
// struct, so a slice copy suffices — no deep pointers to share).
func (r Row) Clone() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}
