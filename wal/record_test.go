package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxibase/oxibase/oxierr"
)

func writeSegment(t *testing.T, dir string, id int, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, segmentName(id)), data, 0o644))
}

// TestReadSegmentsTreatsTrailingShortRecordAsCrashTail exercises the
// common case: the final segment ends mid-record, with nothing after
// it. That is exactly what a crash mid-append leaves behind, so it
// must be reported as a truncated tail, not a fatal error.
func TestReadSegmentsTreatsTrailingShortRecordAsCrashTail(t *testing.T) {
	dir := t.TempDir()

	commit := Encode(Record{Type: CommitTxn, LSN: 1, TxnID: 1})
	insert := Encode(Record{Type: Insert, LSN: 2, TxnID: 2, Payload: []byte("row")})
	data := append(append([]byte{}, commit...), insert[:len(insert)-3]...)
	writeSegment(t, dir, 0, data)

	records, truncatedTail, err := ReadSegments(dir)
	require.NoError(t, err)
	assert.True(t, truncatedTail, "a short final record with nothing after it is a crash tail, not corruption")
	require.Len(t, records, 1)
	assert.Equal(t, CommitTxn, records[0].Type)
}

// TestReadSegmentsTreatsTrailingCRCMismatchAsCrashTail covers a CRC
// corruption landing in the very last record of the very last segment:
// with no later decodable data to prove otherwise, it is
// indistinguishable from a crash tail and must be handled the same way.
func TestReadSegmentsTreatsTrailingCRCMismatchAsCrashTail(t *testing.T) {
	dir := t.TempDir()

	commit := Encode(Record{Type: CommitTxn, LSN: 1, TxnID: 1})
	corrupt := Encode(Record{Type: Insert, LSN: 2, TxnID: 2, Payload: []byte("row")})
	corrupt[len(corrupt)-1] ^= 0xFF // flip a CRC byte
	data := append(append([]byte{}, commit...), corrupt...)
	writeSegment(t, dir, 0, data)

	records, truncatedTail, err := ReadSegments(dir)
	require.NoError(t, err)
	assert.True(t, truncatedTail)
	require.Len(t, records, 1)
	assert.Equal(t, CommitTxn, records[0].Type)
}

// TestReadSegmentsRejectsCorruptionBeforeLastSegmentAsFatal is the
// maintainer-flagged regression: a CRC corruption in a non-final
// segment proves later committed data exists (the next segment), so
// it can never be a benign crash tail and must surface as a fatal
// CorruptionError rather than being silently truncated away.
func TestReadSegmentsRejectsCorruptionBeforeLastSegmentAsFatal(t *testing.T) {
	dir := t.TempDir()

	good := Encode(Record{Type: CommitTxn, LSN: 1, TxnID: 1})
	corrupt := Encode(Record{Type: Insert, LSN: 2, TxnID: 2, Payload: []byte("row")})
	corrupt[len(corrupt)-1] ^= 0xFF
	writeSegment(t, dir, 0, append(append([]byte{}, good...), corrupt...))

	later := Encode(Record{Type: CommitTxn, LSN: 3, TxnID: 3})
	writeSegment(t, dir, 1, later)

	_, _, err := ReadSegments(dir)
	require.Error(t, err, "corruption in a non-final segment must be fatal, not truncated away")
	var oe *oxierr.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, oxierr.CodeCorruptionError, oe.Code)
}

// TestReadSegmentsRejectsShortRecordBeforeLastSegmentAsFatal mirrors
// the above for a short/incomplete record (rather than a CRC mismatch)
// sitting in a non-final segment: it is just as impossible a shape for
// a properly sealed, rotated-out segment to have, so it must also be
// fatal.
func TestReadSegmentsRejectsShortRecordBeforeLastSegmentAsFatal(t *testing.T) {
	dir := t.TempDir()

	good := Encode(Record{Type: CommitTxn, LSN: 1, TxnID: 1})
	short := Encode(Record{Type: Insert, LSN: 2, TxnID: 2, Payload: []byte("row")})
	writeSegment(t, dir, 0, append(append([]byte{}, good...), short[:len(short)-3]...))

	later := Encode(Record{Type: CommitTxn, LSN: 3, TxnID: 3})
	writeSegment(t, dir, 1, later)

	_, _, err := ReadSegments(dir)
	require.Error(t, err)
	var oe *oxierr.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, oxierr.CodeCorruptionError, oe.Code)
}

func TestDecodeAllDistinguishesTruncatedFromCorrupt(t *testing.T) {
	commit := Encode(Record{Type: CommitTxn, LSN: 1, TxnID: 1})

	short := Encode(Record{Type: Insert, LSN: 2, TxnID: 2, Payload: []byte("row")})
	records, _, truncated, corrupt := DecodeAll(append(append([]byte{}, commit...), short[:len(short)-3]...))
	require.Len(t, records, 1)
	assert.True(t, truncated)
	assert.False(t, corrupt)

	bad := Encode(Record{Type: Insert, LSN: 2, TxnID: 2, Payload: []byte("row")})
	bad[len(bad)-1] ^= 0xFF
	records, _, truncated, corrupt = DecodeAll(append(append([]byte{}, commit...), bad...))
	require.Len(t, records, 1)
	assert.False(t, truncated)
	assert.True(t, corrupt)
}
