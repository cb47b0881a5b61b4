package wal

import (
	"os"
	"path/filepath"

	"github.com/oxibase/oxibase/oxierr"
)

// ReadSegments decodes every record across every segment file in dir, in
// ascending LSN order. Every segment is read through to the end (or its
// own stopping point) rather than bailing out at the first problem
// segment, because a short/corrupt record in an earlier segment file
// does not imply the segments after it are absent or irrelevant — WAL
// segment rotation means a crash can leave an old, fully-written segment
// followed by newer ones.
//
// A short or corrupt record at the very end of the very last segment is
// indistinguishable from a plain crash-mid-append tail (there is no
// later decodable data to prove otherwise), and is silently dropped the
// same way (truncatedTail=true); recovery.dropUncommittedTail further
// truncates to the last CommitTxn regardless of which case caused the
// stop. A short or corrupt record in a segment that is NOT the last one,
// however, can only mean one thing: committed data exists past it (the
// next segment), so the gap is a genuine integrity failure, not a crash
// tail, and is reported as a fatal CorruptionError (spec §4.9).
func ReadSegments(dir string) (records []Record, truncatedTail bool, err error) {
	ids, err := existingSegmentIDs(dir)
	if err != nil {
		return nil, false, err
	}

	var stoppedShort bool
	for i, id := range ids {
		data, err := os.ReadFile(filepath.Join(dir, segmentName(id)))
		if err != nil {
			return nil, false, oxierr.NewIOError(err, "reading WAL segment %d", id)
		}
		segRecords, _, truncated, corrupt := DecodeAll(data)
		records = append(records, segRecords...)

		isLastSegment := i == len(ids)-1
		if (truncated || corrupt) && !isLastSegment {
			return nil, false, oxierr.NewCorruptionError("WAL segment %d ends early but is followed by segment %d", id, ids[i+1])
		}
		if truncated || corrupt {
			stoppedShort = true
		}
	}

	return records, stoppedShort, nil
}
