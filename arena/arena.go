// Package arena implements C3: a contiguous backing store for committed
// row payloads that produces stable integer handles, with LRU eviction
// of cold pages to a disk spill directory and on-demand reload. Grounded
// on pkg/resource/memory/buffer_pool.go's PagingConfig/lruQueue/
// BufferPool shape, adapted from per-table row slices to per-version
// payload handles.
package arena

import (
	"container/list"
	"encoding/gob"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oxibase/oxibase/value"
)

const (
	defaultPageSize      = 512 // payloads per page
	defaultEvictInterval = 5 * time.Second
	autoMemoryFraction   = 0.70
)

// Handle is a stable integer identifier for one stored row payload.
type Handle uint64

// Config controls the arena's memory/spill behavior.
type Config struct {
	Enabled       bool
	MaxMemoryMB   int
	PageSize      int
	SpillDir      string
	EvictInterval time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		Enabled:       true,
		MaxMemoryMB:   0,
		PageSize:      defaultPageSize,
		EvictInterval: defaultEvictInterval,
	}
}

type page struct {
	id        uint64
	mu        sync.Mutex
	payloads  map[Handle]value.Row
	pinCount  int32
	onDisk    bool
	diskPath  string
	sizeBytes int64
}

func (p *page) Pin()   { atomic.AddInt32(&p.pinCount, 1) }
func (p *page) Unpin() { atomic.AddInt32(&p.pinCount, -1) }
func (p *page) IsPinned() bool { return atomic.LoadInt32(&p.pinCount) > 0 }

// lruQueue tracks eviction candidates the same way buffer_pool.go's
// lruQueue does: thread-safe, backed by container/list.
type lruQueue struct {
	mu       sync.Mutex
	list     *list.List
	elements map[uint64]*list.Element
}

func newLRUQueue() *lruQueue {
	return &lruQueue{list: list.New(), elements: make(map[uint64]*list.Element)}
}

func (q *lruQueue) Touch(p *page) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if elem, ok := q.elements[p.id]; ok {
		q.list.MoveToBack(elem)
		return
	}
	q.elements[p.id] = q.list.PushBack(p)
}

func (q *lruQueue) Remove(p *page) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if elem, ok := q.elements[p.id]; ok {
		q.list.Remove(elem)
		delete(q.elements, p.id)
	}
}

func (q *lruQueue) EvictCandidate() *page {
	q.mu.Lock()
	defer q.mu.Unlock()
	for elem := q.list.Front(); elem != nil; elem = elem.Next() {
		p := elem.Value.(*page)
		if p.IsPinned() {
			continue
		}
		p.mu.Lock()
		alreadyEvicted := p.payloads == nil && p.onDisk
		p.mu.Unlock()
		q.list.Remove(elem)
		delete(q.elements, p.id)
		if alreadyEvicted {
			continue
		}
		return p
	}
	return nil
}

// Arena is the shared backing store for one engine instance. Every
// table's version store allocates its payload handles from the same
// Arena, mirroring the teacher's single shared BufferPool.
type Arena struct {
	cfg        *Config
	maxMemory  int64
	usedMemory int64
	spillDir   string
	lru        *lruQueue
	stopCh     chan struct{}
	stopped    int32
	disabled   bool

	mu         sync.Mutex
	nextHandle uint64
	location   map[Handle]*page // which page a handle currently lives on
	pages      map[uint64]*page
	nextPageID uint64
	current    *page
	pageSize   int
}

func New(cfg *Config) *Arena {
	if cfg == nil || !cfg.Enabled {
		return &Arena{disabled: true, location: map[Handle]*page{}, pages: map[uint64]*page{}}
	}

	maxMem := int64(cfg.MaxMemoryMB) * 1024 * 1024
	if maxMem <= 0 {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		maxMem = int64(float64(stats.Sys) * autoMemoryFraction)
		if maxMem < 64*1024*1024 {
			maxMem = 64 * 1024 * 1024
		}
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	spillDir := cfg.SpillDir
	if spillDir == "" {
		spillDir = filepath.Join(os.TempDir(), "oxibase-spill")
	}
	_ = os.MkdirAll(spillDir, 0o755)

	evictInterval := cfg.EvictInterval
	if evictInterval <= 0 {
		evictInterval = defaultEvictInterval
	}

	a := &Arena{
		cfg:       cfg,
		maxMemory: maxMem,
		spillDir:  spillDir,
		lru:       newLRUQueue(),
		stopCh:    make(chan struct{}),
		location:  make(map[Handle]*page),
		pages:     make(map[uint64]*page),
		pageSize:  pageSize,
	}
	go a.backgroundEvictor(evictInterval)
	return a
}

func (a *Arena) newPage() *page {
	a.nextPageID++
	p := &page{id: a.nextPageID, payloads: make(map[Handle]value.Row, a.pageSize)}
	a.pages[p.id] = p
	return p
}

// Put stores row and returns a stable handle for it.
func (a *Arena) Put(row value.Row) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextHandle++
	h := Handle(a.nextHandle)

	if a.disabled {
		if a.current == nil {
			a.current = &page{id: 1, payloads: make(map[Handle]value.Row)}
		}
		a.current.payloads[h] = row
		a.location[h] = a.current
		return h
	}

	if a.current == nil || len(a.current.payloads) >= a.pageSize {
		if a.current != nil {
			a.registerPage(a.current)
		}
		a.current = a.newPage()
	}
	a.current.payloads[h] = row
	a.location[h] = a.current
	a.current.sizeBytes += estimateSize(row)
	return h
}

func (a *Arena) registerPage(p *page) {
	atomic.AddInt64(&a.usedMemory, p.sizeBytes)
	a.lru.Touch(p)
	for i := 0; i < 4 && atomic.LoadInt64(&a.usedMemory) > a.maxMemory; i++ {
		if !a.tryEvict() {
			break
		}
	}
}

// Get loads the payload for h, reviving its page from disk if needed.
// Every Get must be matched by a Release once the caller is done
// reading, so the page can become an eviction candidate again.
func (a *Arena) Get(h Handle) (value.Row, error) {
	a.mu.Lock()
	p, ok := a.location[h]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("arena: unknown handle %d", h)
	}

	p.Pin()
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.payloads == nil && p.onDisk {
		restored, err := loadPageFromDisk(p.diskPath)
		if err != nil {
			p.Unpin()
			return nil, fmt.Errorf("arena: reload page %d: %w", p.id, err)
		}
		p.payloads = restored
		p.onDisk = false
		atomic.AddInt64(&a.usedMemory, p.sizeBytes)
	}

	row, ok := p.payloads[h]
	if !ok {
		p.Unpin()
		return nil, fmt.Errorf("arena: handle %d missing from its page", h)
	}
	return row.Clone(), nil
}

// Release must be called once for every successful Get, symmetric with
// the pin it took.
func (a *Arena) Release(h Handle) {
	a.mu.Lock()
	p, ok := a.location[h]
	a.mu.Unlock()
	if !ok {
		return
	}
	if atomic.LoadInt32(&p.pinCount) <= 0 {
		return
	}
	if atomic.AddInt32(&p.pinCount, -1) == 0 && !a.disabled {
		a.lru.Touch(p)
	}
}

// Free drops a handle entirely; called by GC once a version is unlinked
// and no longer referenced by any chain.
func (a *Arena) Free(h Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.location[h]
	if !ok {
		return
	}
	delete(a.location, h)
	if p.payloads != nil {
		delete(p.payloads, h)
	}
}

func (a *Arena) tryEvict() bool {
	p := a.lru.EvictCandidate()
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.payloads == nil {
		return false
	}
	diskPath := a.spillPath(p.id)
	if err := savePageToDisk(p.payloads, diskPath); err != nil {
		a.lru.Touch(p)
		return false
	}
	p.diskPath = diskPath
	p.onDisk = true
	p.payloads = nil
	atomic.AddInt64(&a.usedMemory, -p.sizeBytes)
	return true
}

func (a *Arena) spillPath(id uint64) string {
	return filepath.Join(a.spillDir, fmt.Sprintf("page_%d.bin", id))
}

func (a *Arena) backgroundEvictor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for atomic.LoadInt64(&a.usedMemory) > a.maxMemory {
				if !a.tryEvict() {
					break
				}
			}
		case <-a.stopCh:
			return
		}
	}
}

// Close stops the background evictor and removes the spill directory.
func (a *Arena) Close() error {
	if a.disabled {
		return nil
	}
	if atomic.CompareAndSwapInt32(&a.stopped, 0, 1) {
		close(a.stopCh)
	}
	if a.spillDir != "" {
		_ = os.RemoveAll(a.spillDir)
	}
	return nil
}

// MemoryUsage reports current/max bytes tracked by the arena.
func (a *Arena) MemoryUsage() (used, max int64) {
	return atomic.LoadInt64(&a.usedMemory), a.maxMemory
}

func estimateSize(row value.Row) int64 {
	size := int64(16)
	for _, v := range row {
		size += int64(len(v.String())) + 16
	}
	return size
}

func savePageToDisk(payloads map[Handle]value.Row, path string) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(encodeRows(payloads)); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func loadPageFromDisk(path string) (map[Handle]value.Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var wire []wireRow
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&wire); err != nil {
		return nil, err
	}
	return decodeRows(wire), nil
}

// wireRow is the gob-friendly projection of a payload entry: Value does
// not gob-encode cleanly (unexported fields), so pages are spilled as a
// plain scalar tuple list instead.
type wireRow struct {
	Handle Handle
	Kinds  []value.Kind
	Ints   []int64
	Floats []float64
	Strs   []string
	Bools  []bool
	Times  []int64 // unix nanos
}

func encodeRows(payloads map[Handle]value.Row) []wireRow {
	out := make([]wireRow, 0, len(payloads))
	for h, row := range payloads {
		w := wireRow{Handle: h}
		for _, v := range row {
			w.Kinds = append(w.Kinds, v.Kind)
			i, _ := v.AsInt()
			f, _ := v.AsFloat()
			s, okStr := v.AsText()
			if !okStr {
				s, _ = v.AsJSON()
			}
			b, _ := v.AsBool()
			t, _ := v.AsTimestamp()
			w.Ints = append(w.Ints, i)
			w.Floats = append(w.Floats, f)
			w.Strs = append(w.Strs, s)
			w.Bools = append(w.Bools, b)
			w.Times = append(w.Times, t.UnixNano())
		}
		out = append(out, w)
	}
	return out
}

func decodeRows(wire []wireRow) map[Handle]value.Row {
	out := make(map[Handle]value.Row, len(wire))
	for _, w := range wire {
		row := make(value.Row, len(w.Kinds))
		for i, k := range w.Kinds {
			switch k {
			case value.KindInt:
				row[i] = value.Int(w.Ints[i])
			case value.KindFloat:
				row[i] = value.Float(w.Floats[i])
			case value.KindText:
				row[i] = value.Text(w.Strs[i])
			case value.KindJSON:
				jv, _ := value.JSON(w.Strs[i])
				row[i] = jv
			case value.KindBool:
				row[i] = value.Bool(w.Bools[i])
			case value.KindTimestamp:
				row[i] = value.Timestamp(time.Unix(0, w.Times[i]))
			default:
				row[i] = value.Null
			}
		}
		out[w.Handle] = row
	}
	return out
}
