package index

import (
	"sync"

	"github.com/oxibase/oxibase/oxierr"
	"github.com/oxibase/oxibase/schema"
)

// TableIndexes holds every index defined over one table, keyed both by
// index name and by the (first) column it covers for quick lookup,
// mirroring pkg/resource/memory/index_manager.go's TableIndexes.
type TableIndexes struct {
	mu        sync.RWMutex
	indexes   map[string]Index
	byColumn  map[string]Index
}

// Manager is the engine-wide index manager (one per Engine, not a
// package-level global, per spec design note "Global mutable state").
type Manager struct {
	mu     sync.RWMutex
	tables map[string]*TableIndexes
}

func NewManager() *Manager {
	return &Manager{tables: make(map[string]*TableIndexes)}
}

func (m *Manager) tableEntry(table string) *TableIndexes {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		t = &TableIndexes{indexes: make(map[string]Index), byColumn: make(map[string]Index)}
		m.tables[table] = t
	}
	return t
}

// Create builds and registers an index per def, choosing the concrete
// implementation from def.Type.
func (m *Manager) Create(def *schema.IndexDef) (Index, error) {
	t := m.tableEntry(def.Table)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.indexes[def.Name]; exists {
		return nil, oxierr.NewSchemaError("index %q already exists", def.Name)
	}

	var idx Index
	switch def.Type {
	case schema.IndexOrdered:
		idx = NewOrderedIndex(def.Name, def.Unique)
	case schema.IndexHash:
		idx = NewHashIndex(def.Name, def.Unique)
	case schema.IndexBitmap:
		idx = NewBitmapIndex(def.Name)
	case schema.IndexComposite:
		idx = NewCompositeIndex(def.Name, def.Columns, def.Unique)
	default:
		return nil, oxierr.NewSchemaError("unsupported index type %d", def.Type)
	}

	t.indexes[def.Name] = idx
	if len(def.Columns) > 0 {
		t.byColumn[def.Columns[0]] = idx
	}
	return idx, nil
}

func (m *Manager) Drop(table, name string) {
	t := m.tableEntry(table)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.indexes, name)
	for col, idx := range t.byColumn {
		if idx.Name() == name {
			delete(t.byColumn, col)
		}
	}
}

// DropTable removes every index defined over table (e.g. on DROP TABLE).
func (m *Manager) DropTable(table string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables, table)
}

// ByColumn returns the index registered under column, if any. A
// composite index is registered under its first column.
func (m *Manager) ByColumn(table, column string) (Index, bool) {
	t := m.tableEntry(table)
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.byColumn[column]
	return idx, ok
}

// All returns every index defined over table, used by the table façade's
// commit protocol to perform index maintenance in a single pass.
func (m *Manager) All(table string) []Index {
	t := m.tableEntry(table)
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Index, 0, len(t.indexes))
	for _, idx := range t.indexes {
		out = append(out, idx)
	}
	return out
}
