package schema

import (
	"encoding/binary"

	"github.com/oxibase/oxibase/oxierr"
	"github.com/oxibase/oxibase/value"
)

// Encode serializes t's columns and indexes into a self-contained byte
// slice, used both by WAL DDL payloads (CreateTable) and by snapshot
// table blocks, so a table's shape never has to be reconstructed from
// anything other than this one encoding.
func Encode(t *Table) []byte {
	var buf []byte
	buf = append(buf, lenPrefixed(t.Name)...)

	colCount := make([]byte, 2)
	binary.LittleEndian.PutUint16(colCount, uint16(len(t.Columns)))
	buf = append(buf, colCount...)

	for _, c := range t.Columns {
		buf = append(buf, lenPrefixed(c.Name)...)
		buf = append(buf, byte(c.Type))
		flags := byte(0)
		if c.Nullable {
			flags |= 1
		}
		if c.PrimaryKey {
			flags |= 2
		}
		buf = append(buf, flags)
	}

	idxCount := make([]byte, 2)
	binary.LittleEndian.PutUint16(idxCount, uint16(len(t.Indexes)))
	buf = append(buf, idxCount...)
	for _, def := range t.Indexes {
		buf = append(buf, lenPrefixed(def.Name)...)
		idxColCount := make([]byte, 2)
		binary.LittleEndian.PutUint16(idxColCount, uint16(len(def.Columns)))
		buf = append(buf, idxColCount...)
		for _, col := range def.Columns {
			buf = append(buf, lenPrefixed(col)...)
		}
		buf = append(buf, byte(def.Type))
		if def.Unique {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

// Decode is Encode's inverse. It returns the reconstructed table (with
// PKOrdinal set from the primary-key column flag seen while decoding —
// Catalog.CreateTable recomputes it independently anyway, so callers
// that route the result through the catalog don't need to trust it)
// and the number of bytes consumed.
func Decode(buf []byte) (*Table, int, error) {
	offset := 0
	name, n, err := readLenPrefixed(buf[offset:])
	if err != nil {
		return nil, 0, err
	}
	offset += n

	if offset+2 > len(buf) {
		return nil, 0, oxierr.NewCorruptionError("truncated table encoding: column count")
	}
	colCount := int(binary.LittleEndian.Uint16(buf[offset : offset+2]))
	offset += 2

	t := &Table{Name: name}
	for i := 0; i < colCount; i++ {
		colName, n, err := readLenPrefixed(buf[offset:])
		if err != nil {
			return nil, 0, err
		}
		offset += n
		if offset+2 > len(buf) {
			return nil, 0, oxierr.NewCorruptionError("truncated table encoding: column body")
		}
		kind := value.Kind(buf[offset])
		flags := buf[offset+1]
		offset += 2
		t.Columns = append(t.Columns, Column{
			Name:       colName,
			Type:       kind,
			Nullable:   flags&1 != 0,
			PrimaryKey: flags&2 != 0,
		})
		if flags&2 != 0 {
			t.PKOrdinal = i
		}
	}

	t.Indexes = make(map[string]*IndexDef)
	if offset+2 > len(buf) {
		return nil, 0, oxierr.NewCorruptionError("truncated table encoding: index count")
	}
	idxCount := int(binary.LittleEndian.Uint16(buf[offset : offset+2]))
	offset += 2
	for i := 0; i < idxCount; i++ {
		idxName, n, err := readLenPrefixed(buf[offset:])
		if err != nil {
			return nil, 0, err
		}
		offset += n
		if offset+2 > len(buf) {
			return nil, 0, oxierr.NewCorruptionError("truncated table encoding: index column count")
		}
		idxColCount := int(binary.LittleEndian.Uint16(buf[offset : offset+2]))
		offset += 2
		cols := make([]string, idxColCount)
		for j := 0; j < idxColCount; j++ {
			col, n, err := readLenPrefixed(buf[offset:])
			if err != nil {
				return nil, 0, err
			}
			offset += n
			cols[j] = col
		}
		if offset+2 > len(buf) {
			return nil, 0, oxierr.NewCorruptionError("truncated table encoding: index flags")
		}
		idxType := IndexType(buf[offset])
		unique := buf[offset+1] == 1
		offset += 2
		t.Indexes[idxName] = &IndexDef{
			Name:    idxName,
			Table:   t.Name,
			Columns: cols,
			Type:    idxType,
			Unique:  unique,
		}
	}

	return t, offset, nil
}

func lenPrefixed(s string) []byte {
	lenBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(lenBuf, uint16(len(s)))
	return append(lenBuf, s...)
}

func readLenPrefixed(buf []byte) (string, int, error) {
	if len(buf) < 2 {
		return "", 0, oxierr.NewCorruptionError("truncated length-prefixed string")
	}
	n := int(binary.LittleEndian.Uint16(buf[0:2]))
	if len(buf) < 2+n {
		return "", 0, oxierr.NewCorruptionError("truncated length-prefixed string body")
	}
	return string(buf[2 : 2+n]), 2 + n, nil
}
