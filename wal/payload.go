package wal

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/oxibase/oxibase/oxierr"
	"github.com/oxibase/oxibase/value"
)

// EncodeRowPayload serializes a row mutation (row id plus its column
// values) into a WAL record's Payload field. The format is a simple
// tagged tuple list rather than a general serialization format, since
// the only consumer is recovery replay within this same codebase.
func EncodeRowPayload(rowID int64, row value.Row) []byte {
	buf := make([]byte, 8, 64)
	binary.LittleEndian.PutUint64(buf, uint64(rowID))
	buf = append(buf, byte(len(row)))
	for _, v := range row {
		buf = append(buf, byte(v.Kind))
		switch v.Kind {
		case value.KindInt:
			var tmp [8]byte
			i, _ := v.AsInt()
			binary.LittleEndian.PutUint64(tmp[:], uint64(i))
			buf = append(buf, tmp[:]...)
		case value.KindFloat:
			var tmp [8]byte
			f, _ := v.AsFloat()
			binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(f))
			buf = append(buf, tmp[:]...)
		case value.KindBool:
			b, _ := v.AsBool()
			if b {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case value.KindText, value.KindJSON:
			s := v.String()
			var lenBuf [4]byte
			binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
			buf = append(buf, lenBuf[:]...)
			buf = append(buf, s...)
		case value.KindTimestamp:
			ts, _ := v.AsTimestamp()
			var tmp [8]byte
			binary.LittleEndian.PutUint64(tmp[:], uint64(ts.UnixNano()))
			buf = append(buf, tmp[:]...)
		case value.KindNull:
			// no payload bytes
		}
	}
	return buf
}

// DecodeRowPayload is EncodeRowPayload's inverse, used by the recovery
// package to reconstruct the row a WAL DML record described.
func DecodeRowPayload(payload []byte) (int64, value.Row, error) {
	if len(payload) < 9 {
		return 0, nil, oxierr.NewCorruptionError("WAL row payload too short")
	}
	rowID := int64(binary.LittleEndian.Uint64(payload[0:8]))
	count := int(payload[8])
	offset := 9

	row := make(value.Row, 0, count)
	for i := 0; i < count; i++ {
		if offset >= len(payload) {
			return 0, nil, oxierr.NewCorruptionError("WAL row payload truncated")
		}
		kind := value.Kind(payload[offset])
		offset++
		switch kind {
		case value.KindInt:
			if offset+8 > len(payload) {
				return 0, nil, oxierr.NewCorruptionError("WAL row payload truncated (int)")
			}
			row = append(row, value.Int(int64(binary.LittleEndian.Uint64(payload[offset:offset+8]))))
			offset += 8
		case value.KindFloat:
			if offset+8 > len(payload) {
				return 0, nil, oxierr.NewCorruptionError("WAL row payload truncated (float)")
			}
			raw := binary.LittleEndian.Uint64(payload[offset : offset+8])
			row = append(row, value.Float(math.Float64frombits(raw)))
			offset += 8
		case value.KindBool:
			if offset+1 > len(payload) {
				return 0, nil, oxierr.NewCorruptionError("WAL row payload truncated (bool)")
			}
			row = append(row, value.Bool(payload[offset] == 1))
			offset++
		case value.KindText, value.KindJSON:
			if offset+4 > len(payload) {
				return 0, nil, oxierr.NewCorruptionError("WAL row payload truncated (text length)")
			}
			strLen := int(binary.LittleEndian.Uint32(payload[offset : offset+4]))
			offset += 4
			if offset+strLen > len(payload) {
				return 0, nil, oxierr.NewCorruptionError("WAL row payload truncated (text)")
			}
			s := string(payload[offset : offset+strLen])
			offset += strLen
			if kind == value.KindJSON {
				v, err := value.JSON(s)
				if err != nil {
					return 0, nil, err
				}
				row = append(row, v)
			} else {
				row = append(row, value.Text(s))
			}
		case value.KindTimestamp:
			if offset+8 > len(payload) {
				return 0, nil, oxierr.NewCorruptionError("WAL row payload truncated (timestamp)")
			}
			nanos := int64(binary.LittleEndian.Uint64(payload[offset : offset+8]))
			row = append(row, value.Timestamp(time.Unix(0, nanos)))
			offset += 8
		case value.KindNull:
			row = append(row, value.Null)
		default:
			return 0, nil, oxierr.NewCorruptionError("unknown value kind %d in WAL row payload", kind)
		}
	}
	return rowID, row, nil
}
