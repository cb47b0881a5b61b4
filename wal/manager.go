package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oxibase/oxibase/oxierr"
	"github.com/oxibase/oxibase/oxilog"
)

// SyncMode selects the fsync policy described in spec §4.7.
type SyncMode int

const (
	SyncNone   SyncMode = 0
	SyncNormal SyncMode = 1
	SyncFull   SyncMode = 2
)

const defaultMaxSegmentBytes = 64 * 1024 * 1024

// Config controls one Manager instance.
type Config struct {
	Dir             string
	SyncMode        SyncMode
	MaxSegmentBytes int64
	FlushTrigger    int // records after which an extra fsync occurs under SyncNormal
}

type segment struct {
	id   int
	path string
	file *os.File
	size int64
}

// Manager is C9: an append-only log of DDL/DML records with CRC,
// segment rotation, and a group-commit fsync policy. Grounded on
// resource/parquet/wal.go's open-append-fsync shape, generalized to
// multiple sealed segments and the exact binary record layout.
type Manager struct {
	cfg Config
	log *oxilog.Logger

	mu               sync.Mutex
	active           *segment
	sealed           []int
	recordsSinceSync int

	nextLSN uint64
}

func segmentName(id int) string { return fmt.Sprintf("wal_%06d.log", id) }

// Open creates or resumes a WAL directory. It does not replay anything —
// that is the recovery package's job; Open only determines the next LSN
// and next segment id by inspecting what is already on disk.
func Open(cfg Config) (*Manager, error) {
	if cfg.MaxSegmentBytes <= 0 {
		cfg.MaxSegmentBytes = defaultMaxSegmentBytes
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, oxierr.NewIOError(err, "creating WAL directory %s", cfg.Dir)
	}

	m := &Manager{cfg: cfg, log: oxilog.Default("wal")}

	ids, err := existingSegmentIDs(cfg.Dir)
	if err != nil {
		return nil, err
	}

	nextID := 1
	if len(ids) > 0 {
		nextID = ids[len(ids)-1] + 1
		m.sealed = ids

		// Cut a crash tail off the newest existing segment before a new
		// segment is opened after it, so no segment that is followed by
		// another ends in a short or corrupt record.
		lastPath := filepath.Join(cfg.Dir, segmentName(ids[len(ids)-1]))
		data, err := os.ReadFile(lastPath)
		if err != nil {
			return nil, oxierr.NewIOError(err, "reading WAL segment %d", ids[len(ids)-1])
		}
		if _, consumed, truncated, corrupt := DecodeAll(data); truncated || corrupt {
			if err := os.Truncate(lastPath, int64(consumed)); err != nil {
				return nil, oxierr.NewIOError(err, "truncating WAL segment %d", ids[len(ids)-1])
			}
		}
	}

	lastLSN, err := lastLSNOf(cfg.Dir, ids)
	if err != nil {
		return nil, err
	}
	m.nextLSN = lastLSN + 1

	if err := m.openNewSegment(nextID); err != nil {
		return nil, err
	}

	return m, nil
}

func existingSegmentIDs(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, oxierr.NewIOError(err, "reading WAL directory %s", dir)
	}
	var ids []int
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "wal_") || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		idStr := strings.TrimSuffix(strings.TrimPrefix(e.Name(), "wal_"), ".log")
		id, err := strconv.Atoi(idStr)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func lastLSNOf(dir string, ids []int) (uint64, error) {
	var last uint64
	for _, id := range ids {
		data, err := os.ReadFile(filepath.Join(dir, segmentName(id)))
		if err != nil {
			return 0, oxierr.NewIOError(err, "reading WAL segment %d", id)
		}
		records, _, _, _ := DecodeAll(data)
		for _, r := range records {
			if r.LSN > last {
				last = r.LSN
			}
		}
	}
	return last, nil
}

func (m *Manager) openNewSegment(id int) error {
	path := filepath.Join(m.cfg.Dir, segmentName(id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return oxierr.NewIOError(err, "opening WAL segment %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return oxierr.NewIOError(err, "stat WAL segment %s", path)
	}
	m.active = &segment{id: id, path: path, file: f, size: info.Size()}
	return nil
}

// Append writes rec (with a freshly assigned LSN) to the active segment
// and applies the durability policy for sync_mode. It returns the LSN
// assigned.
func (m *Manager) Append(rec Record) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lsn := atomic.AddUint64(&m.nextLSN, 1) - 1
	rec.LSN = lsn
	encoded := Encode(rec)

	if _, err := m.active.file.Write(encoded); err != nil {
		return 0, oxierr.NewIOError(err, "writing WAL record")
	}
	m.active.size += int64(len(encoded))
	m.recordsSinceSync++

	switch m.cfg.SyncMode {
	case SyncFull:
		if err := m.fsyncWithRetry(); err != nil {
			return 0, err
		}
	case SyncNormal:
		if rec.Type == CommitTxn {
			if err := m.fsyncWithRetry(); err != nil {
				return 0, err
			}
		} else if m.cfg.FlushTrigger > 0 && m.recordsSinceSync >= m.cfg.FlushTrigger {
			if err := m.fsyncWithRetry(); err != nil {
				return 0, err
			}
		}
	case SyncNone:
		// No fsync. Durability not guaranteed, per spec §4.7. Publication
		// atomicity is unaffected — see DESIGN.md's sync_mode=0 resolution.
	}

	if m.active.size >= m.cfg.MaxSegmentBytes {
		if err := m.rotate(); err != nil {
			return lsn, err
		}
	}

	return lsn, nil
}

// fsyncWithRetry wraps os.File.Sync in a bounded exponential backoff,
// since a transient fsync failure (EIO/EAGAIN under load) should not
// immediately be treated as a fatal IOError.
func (m *Manager) fsyncWithRetry() error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Second
	err := backoff.Retry(func() error {
		return m.active.file.Sync()
	}, b)
	if err != nil {
		return oxierr.NewIOError(err, "fsync WAL segment %s", m.active.path)
	}
	m.recordsSinceSync = 0
	return nil
}

// Sync forces an fsync of the active segment regardless of policy.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsyncWithRetry()
}

func (m *Manager) rotate() error {
	sealedID := m.active.id
	if err := m.active.file.Close(); err != nil {
		return oxierr.NewIOError(err, "closing sealed WAL segment %s", m.active.path)
	}
	m.sealed = append(m.sealed, sealedID)
	m.log.Infof("sealed segment %d, rotating", sealedID)
	return m.openNewSegment(sealedID + 1)
}

// DropSegmentsUpTo removes sealed segments whose highest LSN is ≤
// checkpointLSN, per spec §4.7's checkpoint-driven segment reclamation.
func (m *Manager) DropSegmentsUpTo(checkpointLSN uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var remaining []int
	for _, id := range m.sealed {
		data, err := os.ReadFile(filepath.Join(m.cfg.Dir, segmentName(id)))
		if err != nil {
			return oxierr.NewIOError(err, "reading sealed segment %d", id)
		}
		records, _, _, _ := DecodeAll(data)
		maxLSN := uint64(0)
		for _, r := range records {
			if r.LSN > maxLSN {
				maxLSN = r.LSN
			}
		}
		if maxLSN <= checkpointLSN {
			if err := os.Remove(filepath.Join(m.cfg.Dir, segmentName(id))); err != nil {
				return oxierr.NewIOError(err, "removing reclaimed segment %d", id)
			}
			continue
		}
		remaining = append(remaining, id)
	}
	m.sealed = remaining
	return nil
}

// Close closes the active segment file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.file != nil {
		return m.active.file.Close()
	}
	return nil
}

// NextLSN reports the LSN that will be assigned to the next Append.
func (m *Manager) NextLSN() uint64 {
	return atomic.LoadUint64(&m.nextLSN)
}
