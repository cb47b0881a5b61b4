// Package snapshot implements C10: periodic full-state checkpoints that
// bound WAL replay time on recovery. The binary layout is bit-exact
// within this repository (there is no external format to match), but
// the three-step atomic-write discipline and the use of a real
// compression codec are grounded on common embedded-storage practice
// shown across the retrieval pack; payload compression uses
// github.com/golang/snappy, pulled in from the rest of the example
// pack's go.mod since the teacher itself does not ship a snapshotting
// layer.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/snappy"
	"github.com/oxibase/oxibase/oxierr"
	"github.com/oxibase/oxibase/schema"
	"github.com/oxibase/oxibase/value"
	"github.com/oxibase/oxibase/wal"
)

var magic = [8]byte{'O', 'X', 'I', 'S', 'N', 'A', 'P', '1'}

const formatVersion = 1

// RowRecord is one row captured at snapshot time.
type RowRecord struct {
	RowID  int64
	Values value.Row
}

// TableSnapshot is one table's schema plus every row visible at the
// moment the snapshot was taken.
type TableSnapshot struct {
	Schema *schema.Table
	Rows   []RowRecord
}

// Config controls one Manager instance.
type Config struct {
	Dir           string
	KeepSnapshots int // 0 means "keep all"
}

type Manager struct {
	cfg Config
}

func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

func snapshotPath(dir string, unixTimestamp int64) string {
	return filepath.Join(dir, fmt.Sprintf("snapshot_%d.bin", unixTimestamp))
}

// Write serializes tables into a new snapshot file under cfg.Dir using
// a three-step atomic protocol: write to a temp file and fsync it,
// atomically rename it into place, then fsync the directory (the
// directory is not fsynced before the rename). lsnWatermark is
// the highest WAL LSN guaranteed to be reflected in this snapshot;
// recovery only needs to replay records after it.
func (m *Manager) Write(tables []TableSnapshot, lsnWatermark uint64, now int64) (string, error) {
	if err := os.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		return "", oxierr.NewIOError(err, "creating snapshot directory %s", m.cfg.Dir)
	}

	body := encodeBody(tables)

	header := make([]byte, 8+4+8+8+4)
	copy(header[0:8], magic[:])
	binary.LittleEndian.PutUint32(header[8:12], formatVersion)
	binary.LittleEndian.PutUint64(header[12:20], uint64(now))
	binary.LittleEndian.PutUint64(header[20:28], lsnWatermark)
	binary.LittleEndian.PutUint32(header[28:32], uint32(len(tables)))

	headerCRC := crc32.ChecksumIEEE(header[:28])
	binary.LittleEndian.PutUint32(header[28:32], headerCRC)

	tableCountBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(tableCountBuf, uint32(len(tables)))

	full := append(header, tableCountBuf...)
	full = append(full, body...)

	footer := make([]byte, 8+4)
	binary.LittleEndian.PutUint64(footer[0:8], uint64(len(full)))
	overallCRC := crc32.ChecksumIEEE(full)
	binary.LittleEndian.PutUint32(footer[8:12], overallCRC)
	full = append(full, footer...)

	finalPath := snapshotPath(m.cfg.Dir, now)
	tmpPath := finalPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", oxierr.NewIOError(err, "creating temp snapshot file %s", tmpPath)
	}
	if _, err := f.Write(full); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", oxierr.NewIOError(err, "writing temp snapshot file %s", tmpPath)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", oxierr.NewIOError(err, "fsync temp snapshot file %s", tmpPath)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", oxierr.NewIOError(err, "closing temp snapshot file %s", tmpPath)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", oxierr.NewIOError(err, "renaming snapshot into place %s", finalPath)
	}

	dir, err := os.Open(m.cfg.Dir)
	if err == nil {
		dir.Sync()
		dir.Close()
	}

	if err := m.prune(); err != nil {
		return finalPath, err
	}
	return finalPath, nil
}

func encodeBody(tables []TableSnapshot) []byte {
	var body []byte
	for _, t := range tables {
		body = append(body, schema.Encode(t.Schema)...)

		rowCount := make([]byte, 8)
		binary.LittleEndian.PutUint64(rowCount, uint64(len(t.Rows)))
		body = append(body, rowCount...)

		var raw []byte
		for _, r := range t.Rows {
			payload := wal.EncodeRowPayload(r.RowID, r.Values)
			lenBuf := make([]byte, 4)
			binary.LittleEndian.PutUint32(lenBuf, uint32(len(payload)))
			raw = append(raw, lenBuf...)
			raw = append(raw, payload...)
		}

		compressed := snappy.Encode(nil, raw)
		compLen := make([]byte, 4)
		binary.LittleEndian.PutUint32(compLen, uint32(len(compressed)))
		body = append(body, compLen...)
		body = append(body, compressed...)
	}
	return body
}

// Load decodes a snapshot file back into its LSN watermark and table
// contents, validating both CRCs before trusting any of it.
func Load(path string) (lsnWatermark uint64, tables []TableSnapshot, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, oxierr.NewIOError(err, "reading snapshot file %s", path)
	}
	if len(data) < 32+12 {
		return 0, nil, oxierr.NewCorruptionError("snapshot file %s too short", path)
	}

	footer := data[len(data)-12:]
	declaredSize := binary.LittleEndian.Uint64(footer[0:8])
	declaredCRC := binary.LittleEndian.Uint32(footer[8:12])
	body := data[:len(data)-12]
	if uint64(len(body)) != declaredSize {
		return 0, nil, oxierr.NewCorruptionError("snapshot file %s size mismatch", path)
	}
	if crc32.ChecksumIEEE(body) != declaredCRC {
		return 0, nil, oxierr.NewCorruptionError("snapshot file %s failed overall CRC check", path)
	}

	header := body[:32]
	if string(header[0:8]) != string(magic[:]) {
		return 0, nil, oxierr.NewCorruptionError("snapshot file %s has wrong magic", path)
	}
	headerCRC := binary.LittleEndian.Uint32(header[28:32])
	if crc32.ChecksumIEEE(header[:28]) != headerCRC {
		return 0, nil, oxierr.NewCorruptionError("snapshot file %s failed header CRC check", path)
	}

	lsnWatermark = binary.LittleEndian.Uint64(header[20:28])
	tableCount := binary.LittleEndian.Uint32(body[32:36])

	offset := 36
	for i := uint32(0); i < tableCount; i++ {
		t, n, derr := decodeTable(body[offset:])
		if derr != nil {
			return 0, nil, derr
		}
		tables = append(tables, t)
		offset += n
	}
	return lsnWatermark, tables, nil
}

func decodeTable(buf []byte) (TableSnapshot, int, error) {
	tbl, n, err := schema.Decode(buf)
	if err != nil {
		return TableSnapshot{}, 0, err
	}
	offset := n

	if offset+8 > len(buf) {
		return TableSnapshot{}, 0, oxierr.NewCorruptionError("truncated snapshot row count")
	}
	rowCount := binary.LittleEndian.Uint64(buf[offset : offset+8])
	offset += 8

	if offset+4 > len(buf) {
		return TableSnapshot{}, 0, oxierr.NewCorruptionError("truncated snapshot compressed length")
	}
	compLen := int(binary.LittleEndian.Uint32(buf[offset : offset+4]))
	offset += 4
	if offset+compLen > len(buf) {
		return TableSnapshot{}, 0, oxierr.NewCorruptionError("truncated snapshot compressed payload")
	}
	compressed := buf[offset : offset+compLen]
	offset += compLen

	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return TableSnapshot{}, 0, oxierr.NewCorruptionError("snapshot payload failed to decompress: %v", err)
	}

	rows := make([]RowRecord, 0, rowCount)
	rawOffset := 0
	for i := uint64(0); i < rowCount; i++ {
		if rawOffset+4 > len(raw) {
			return TableSnapshot{}, 0, oxierr.NewCorruptionError("truncated snapshot row")
		}
		payloadLen := int(binary.LittleEndian.Uint32(raw[rawOffset : rawOffset+4]))
		rawOffset += 4
		if rawOffset+payloadLen > len(raw) {
			return TableSnapshot{}, 0, oxierr.NewCorruptionError("truncated snapshot row payload")
		}
		rowID, values, derr := wal.DecodeRowPayload(raw[rawOffset : rawOffset+payloadLen])
		if derr != nil {
			return TableSnapshot{}, 0, derr
		}
		rows = append(rows, RowRecord{RowID: rowID, Values: values})
		rawOffset += payloadLen
	}

	return TableSnapshot{Schema: tbl, Rows: rows}, offset, nil
}

// Latest returns the most recent snapshot file in dir, if any.
func Latest(dir string) (string, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, oxierr.NewIOError(err, "reading snapshot directory %s", dir)
	}

	var best string
	var bestTS int64 = -1
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "snapshot_") || !strings.HasSuffix(e.Name(), ".bin") {
			continue
		}
		tsStr := strings.TrimSuffix(strings.TrimPrefix(e.Name(), "snapshot_"), ".bin")
		ts, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			continue
		}
		if ts > bestTS {
			bestTS = ts
			best = e.Name()
		}
	}
	if best == "" {
		return "", false, nil
	}
	return filepath.Join(dir, best), true, nil
}

// prune keeps only the cfg.KeepSnapshots most recent snapshot files,
// deleting older ones. KeepSnapshots <= 0 means keep every snapshot.
func (m *Manager) prune() error {
	if m.cfg.KeepSnapshots <= 0 {
		return nil
	}

	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return oxierr.NewIOError(err, "reading snapshot directory %s", m.cfg.Dir)
	}

	type snap struct {
		name string
		ts   int64
	}
	var snaps []snap
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "snapshot_") || !strings.HasSuffix(e.Name(), ".bin") {
			continue
		}
		tsStr := strings.TrimSuffix(strings.TrimPrefix(e.Name(), "snapshot_"), ".bin")
		ts, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			continue
		}
		snaps = append(snaps, snap{name: e.Name(), ts: ts})
	}

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ts > snaps[j].ts })

	for i := m.cfg.KeepSnapshots; i < len(snaps); i++ {
		if err := os.Remove(filepath.Join(m.cfg.Dir, snaps[i].name)); err != nil {
			return oxierr.NewIOError(err, "removing stale snapshot %s", snaps[i].name)
		}
	}
	return nil
}
