// Package engine implements C12: the top-level lifecycle object a
// caller opens once per database. It resolves a connection string,
// wires together the lower components (schema, arena, txn, index,
// table, and, for file:// databases, wal/snapshot/recovery), and runs
// the background GC and checkpoint loops for as long as it stays
// open. Grounded on mvcc/manager.go's NewManager/Close singleton
// lifecycle shape, generalized from an in-process global to an
// explicit *Engine the caller owns.
package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"

	"github.com/oxibase/oxibase/arena"
	"github.com/oxibase/oxibase/config"
	"github.com/oxibase/oxibase/index"
	"github.com/oxibase/oxibase/oxierr"
	"github.com/oxibase/oxibase/oxilog"
	"github.com/oxibase/oxibase/recovery"
	"github.com/oxibase/oxibase/schema"
	"github.com/oxibase/oxibase/snapshot"
	"github.com/oxibase/oxibase/table"
	"github.com/oxibase/oxibase/txn"
	"github.com/oxibase/oxibase/wal"
)

const (
	walSubdir      = "wal"
	snapshotSubdir = "snapshots"
	lockFileName   = "db.lock"
)

// Option customizes an Engine beyond what the connection string and
// config side-file express.
type Option func(*options)

type options struct {
	cfg *config.Config
}

// WithConfig overrides the config.Config that would otherwise be
// discovered via config.LoadConfigOrDefault.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// Engine is one open database: either a volatile memory:// instance or
// a durable file:// instance with a WAL, periodic snapshots, and
// startup recovery.
type Engine struct {
	tables *table.Tables
	cfg    *config.Config
	log    *oxilog.Logger

	durable bool
	root    string
	lock    *flock.Flock
	wal     *wal.Manager
	snap    *snapshot.Manager

	closeOnce sync.Once
	stopGC    chan struct{}
	stopCkpt  chan struct{}
}

// Open resolves connString (per spec §6) and returns a ready-to-use
// Engine. For file:// databases this runs recovery before returning,
// so by the time Open succeeds every committed transaction up to the
// last fsync'd WAL record is already visible.
func Open(connString string, opts ...Option) (*Engine, error) {
	spec, err := parseConnString(connString)
	if err != nil {
		return nil, err
	}

	o := &options{cfg: config.LoadConfigOrDefault()}
	for _, apply := range opts {
		apply(o)
	}
	cfg := o.cfg

	if spec.memory {
		return openMemory(cfg)
	}
	return openFile(spec, cfg)
}

func openMemory(cfg *config.Config) (*Engine, error) {
	cat := schema.NewCatalog()
	a := arena.New(arenaConfig(cfg))
	reg := txn.NewRegistry()
	idxMgr := index.NewManager()
	tables := table.NewTables(cat, a, reg, idxMgr)

	e := &Engine{
		tables: tables,
		cfg:    cfg,
		log:    oxilog.Default("engine"),
	}
	e.startGCLoop()
	return e, nil
}

func openFile(spec openSpec, cfg *config.Config) (*Engine, error) {
	log := oxilog.Default("engine")

	if err := os.MkdirAll(spec.path, 0o755); err != nil {
		return nil, oxierr.NewIOError(err, "creating database directory %s", spec.path)
	}
	walDir := filepath.Join(spec.path, walSubdir)
	snapDir := filepath.Join(spec.path, snapshotSubdir)

	lock, err := acquireLock(filepath.Join(spec.path, lockFileName))
	if err != nil {
		return nil, err
	}

	cat := schema.NewCatalog()
	a := arena.New(arenaConfig(cfg))
	reg := txn.NewRegistry()
	idxMgr := index.NewManager()

	result, err := recovery.Recover(cat, a, reg, idxMgr, walDir, snapDir)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	walCfg := wal.Config{
		Dir:             walDir,
		SyncMode:        spec.syncMode,
		MaxSegmentBytes: cfg.WAL.MaxSegmentBytes,
		FlushTrigger:    cfg.WAL.FlushTrigger,
	}
	if spec.walFlushTrigger > 0 {
		walCfg.FlushTrigger = spec.walFlushTrigger
	}
	walMgr, err := wal.Open(walCfg)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	result.Tables.WAL = walMgr

	keepSnapshots := cfg.Snapshot.KeepSnapshots
	if spec.keepSnapshots >= 0 {
		keepSnapshots = spec.keepSnapshots
	}
	snapMgr := snapshot.NewManager(snapshot.Config{Dir: snapDir, KeepSnapshots: keepSnapshots})

	snapshotInterval := cfg.Snapshot.Interval
	if spec.snapshotInterval > 0 {
		snapshotInterval = time.Duration(spec.snapshotInterval) * time.Second
	}

	e := &Engine{
		tables:  result.Tables,
		cfg:     cfg,
		log:     log,
		durable: true,
		root:    spec.path,
		lock:    lock,
		wal:     walMgr,
		snap:    snapMgr,
	}
	e.startGCLoop()
	e.startCheckpointLoop(snapshotInterval)

	log.Infof("opened database at %s (lsn watermark %d, next lsn %d)", spec.path, result.LSNWatermark, result.NextLSN)
	return e, nil
}

// acquireLock takes db.lock, retrying with backoff if a predecessor's
// lock looks stale (held but its process is gone is the OS's call to
// make via flock semantics; TryLock simply fails while truly held).
func acquireLock(path string) (*flock.Flock, error) {
	lock := flock.New(path)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 5 * time.Second

	var locked bool
	err := backoff.Retry(func() error {
		ok, err := lock.TryLock()
		if err != nil {
			return backoff.Permanent(oxierr.NewIOError(err, "acquiring database lock %s", path))
		}
		if !ok {
			return oxierr.NewIOError(nil, "database lock %s is held by another process", path)
		}
		locked = true
		return nil
	}, bo)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, oxierr.NewIOError(nil, "could not acquire database lock %s", path)
	}
	return lock, nil
}

func arenaConfig(cfg *config.Config) *arena.Config {
	return &arena.Config{
		Enabled:       true,
		MaxMemoryMB:   cfg.Arena.MaxMemoryMB,
		PageSize:      cfg.Arena.PageSize,
		SpillDir:      cfg.Arena.SpillDir,
		EvictInterval: cfg.Arena.EvictInterval,
	}
}

// Path returns the database's root directory, or "" for memory://
// engines.
func (e *Engine) Path() string { return e.root }

// Begin starts a new transaction at the given isolation level. ctx
// governs cancellation of long-running scans within it; nil is
// equivalent to context.Background().
func (e *Engine) Begin(level txn.Isolation, ctx context.Context) *table.Txn {
	return table.Begin(e.tables, level, ctx)
}

// Checkpoint forces an immediate snapshot, independent of the
// background interval. A no-op (returns "", nil) for memory:// engines.
func (e *Engine) Checkpoint() (string, error) {
	if !e.durable {
		return "", nil
	}
	tables, err := e.tables.SnapshotAll()
	if err != nil {
		return "", err
	}
	return e.snap.Write(tables, e.wal.NextLSN()-1, time.Now().Unix())
}

func (e *Engine) startGCLoop() {
	e.tables.Registry.StartGC(e.cfg.GC.Interval)

	e.stopGC = make(chan struct{})
	go func() {
		ticker := time.NewTicker(e.cfg.GC.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.tables.GCAll(uint64(e.tables.Registry.OldestActiveBeginSeq()))
			case <-e.stopGC:
				return
			}
		}
	}()
}

func (e *Engine) startCheckpointLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	e.stopCkpt = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := e.Checkpoint(); err != nil {
					e.log.Errorf("background checkpoint failed: %v", err)
				}
			case <-e.stopCkpt:
				return
			}
		}
	}()
}

// Close stops background loops, takes a final checkpoint (file://
// only), and releases db.lock. Safe to call more than once.
func (e *Engine) Close() error {
	var closeErr error
	e.closeOnce.Do(func() {
		e.tables.Registry.StopGC()
		if e.stopGC != nil {
			close(e.stopGC)
		}
		if e.stopCkpt != nil {
			close(e.stopCkpt)
		}

		if e.durable {
			if _, err := e.Checkpoint(); err != nil {
				e.log.Errorf("final checkpoint failed: %v", err)
			}
			if err := e.wal.Close(); err != nil {
				closeErr = err
			}
			if err := e.lock.Unlock(); err != nil && closeErr == nil {
				closeErr = oxierr.NewIOError(err, "releasing database lock")
			}
		}
	})
	return closeErr
}
