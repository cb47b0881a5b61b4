// Package schema implements C2: table schemas, column metadata, index
// metadata, and name-to-id resolution, grounded on the teacher's
// domain.TableInfo / domain.ColumnInfo / domain.Index shapes but
// generalized to the tagged value.Kind type system the spec requires.
package schema

import (
	"sync"

	"github.com/oxibase/oxibase/oxierr"
	"github.com/oxibase/oxibase/value"
)

// ExprHandle is an opaque handle to a DEFAULT or CHECK expression,
// compiled and owned by the external expression VM. The storage engine
// never parses or evaluates it directly; see Evaluator.
type ExprHandle interface {
	String() string
}

// Evaluator is the minimal interface the engine calls to resolve a
// DEFAULT value or test a CHECK constraint, per spec design note
// "Expression evaluation". It is supplied by the external collaborator;
// a nil Evaluator means DEFAULT/CHECK are not in use.
type Evaluator interface {
	Eval(expr ExprHandle, row value.Row, bindings map[string]value.Value) (value.Value, error)
}

// Column describes one column of a table.
type Column struct {
	Name       string
	Type       value.Kind
	Nullable   bool
	Default    ExprHandle
	PrimaryKey bool
}

// IndexType enumerates the three index flavors of C7 plus composite.
type IndexType uint8

const (
	IndexOrdered IndexType = iota
	IndexHash
	IndexBitmap
	IndexComposite
)

// IndexDef is the catalog's record of an index: name, owning table,
// ordered column list (len > 1 only for IndexComposite), and whether it
// enforces uniqueness.
type IndexDef struct {
	Name    string
	Table   string
	Columns []string
	Type    IndexType
	Unique  bool
}

// ConstraintKind enumerates the recognized constraint kinds.
type ConstraintKind uint8

const (
	ConstraintPrimaryKey ConstraintKind = iota
	ConstraintNotNull
	ConstraintUnique
	ConstraintCheck
)

// Constraint is a named constraint over one or more columns.
type Constraint struct {
	Kind    ConstraintKind
	Columns []string
	Check   ExprHandle // only meaningful for ConstraintCheck
}

// Table is one table's schema: its columns (in row-positional order),
// its constraints, and the indexes defined over it. Exactly one column
// must be an INTEGER PRIMARY KEY; row_id is that column's value.
type Table struct {
	Name        string
	Columns     []Column
	Constraints []Constraint
	Indexes     map[string]*IndexDef
	PKOrdinal   int // index into Columns of the primary key column
}

// ColumnOrdinal returns the positional index of a column name, or -1.
func (t *Table) ColumnOrdinal(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// View is a named, storable query-text handle. The engine persists and
// resolves it by name but does not execute it — query execution belongs
// to the external planner/executor.
type View struct {
	Name  string
	Query string // opaque to the engine
}

// Catalog holds every table and view schema for one engine instance,
// plus monotonic table ids used by the WAL's table_id field.
type Catalog struct {
	mu       sync.RWMutex
	tables   map[string]*Table
	views    map[string]*View
	tableIDs map[string]uint64
	nextID   uint64
}

func NewCatalog() *Catalog {
	return &Catalog{
		tables:   make(map[string]*Table),
		views:    make(map[string]*View),
		tableIDs: make(map[string]uint64),
	}
}

// CreateTable registers a new table schema. It validates exactly one
// INTEGER PRIMARY KEY column exists, per spec §3.
func (c *Catalog) CreateTable(t *Table) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tables[t.Name]; exists {
		return 0, oxierr.NewSchemaError("table %q already exists", t.Name)
	}

	pkCount := 0
	pkOrdinal := -1
	for i, col := range t.Columns {
		if col.PrimaryKey {
			pkCount++
			pkOrdinal = i
			if col.Type != value.KindInt {
				return 0, oxierr.NewSchemaError("primary key column %q must be INTEGER", col.Name)
			}
		}
	}
	if pkCount != 1 {
		return 0, oxierr.NewSchemaError("table %q must have exactly one integer primary key, found %d", t.Name, pkCount)
	}
	t.PKOrdinal = pkOrdinal

	if t.Indexes == nil {
		t.Indexes = make(map[string]*IndexDef)
	}

	c.nextID++
	id := c.nextID
	c.tables[t.Name] = t
	c.tableIDs[t.Name] = id
	return id, nil
}

// DropTable removes a table's schema from the catalog. Returns the
// removed schema so the caller (table façade, for rollback purposes) can
// retain it.
func (c *Catalog) DropTable(name string) (*Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tables[name]
	if !ok {
		return nil, oxierr.NewNotFound("table %q not found", name)
	}
	delete(c.tables, name)
	delete(c.tableIDs, name)
	return t, nil
}

// RestoreTable re-inserts a previously dropped table schema under its
// original table id, used to make DROP TABLE's metadata (but not its
// data) reversible on rollback.
func (c *Catalog) RestoreTable(t *Table, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[t.Name] = t
	c.tableIDs[t.Name] = id
}

// RenameTable atomically moves a table's schema and id from oldName to
// newName.
func (c *Catalog) RenameTable(oldName, newName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tables[oldName]
	if !ok {
		return oxierr.NewNotFound("table %q not found", oldName)
	}
	if _, exists := c.tables[newName]; exists {
		return oxierr.NewSchemaError("table %q already exists", newName)
	}

	id := c.tableIDs[oldName]
	t.Name = newName
	delete(c.tables, oldName)
	delete(c.tableIDs, oldName)
	c.tables[newName] = t
	c.tableIDs[newName] = id
	return nil
}

func (c *Catalog) Table(name string) (*Table, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[name]
	return t, ok
}

func (c *Catalog) TableID(name string) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.tableIDs[name]
	return id, ok
}

func (c *Catalog) TableNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.tables))
	for name := range c.tables {
		out = append(out, name)
	}
	return out
}

func (c *Catalog) AddIndex(def *IndexDef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[def.Table]
	if !ok {
		return oxierr.NewNotFound("table %q not found", def.Table)
	}
	if _, exists := t.Indexes[def.Name]; exists {
		return oxierr.NewSchemaError("index %q already exists on table %q", def.Name, def.Table)
	}
	t.Indexes[def.Name] = def
	return nil
}

func (c *Catalog) DropIndex(table, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[table]
	if !ok {
		return oxierr.NewNotFound("table %q not found", table)
	}
	if _, exists := t.Indexes[name]; !exists {
		return oxierr.NewNotFound("index %q not found on table %q", name, table)
	}
	delete(t.Indexes, name)
	return nil
}

func (c *Catalog) CreateView(v *View) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.views[v.Name]; exists {
		return oxierr.NewSchemaError("view %q already exists", v.Name)
	}
	c.views[v.Name] = v
	return nil
}

func (c *Catalog) DropView(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.views[name]; !exists {
		return oxierr.NewNotFound("view %q not found", name)
	}
	delete(c.views, name)
	return nil
}

func (c *Catalog) View(name string) (*View, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.views[name]
	return v, ok
}

// Normalize adapts row to the table's current schema by appending
// default-valued NULL columns for names the row predates, or truncating
// extras, per spec §3's "normalization" step. Evaluator is consulted
// for DEFAULT expressions when present; a nil Evaluator falls back to
// NULL for missing trailing columns.
func (t *Table) Normalize(row value.Row, eval Evaluator) (value.Row, error) {
	out := make(value.Row, len(t.Columns))
	for i, col := range t.Columns {
		if i < len(row) {
			out[i] = row[i]
			continue
		}
		if col.Default != nil && eval != nil {
			v, err := eval.Eval(col.Default, row, nil)
			if err != nil {
				return nil, err
			}
			out[i] = v
			continue
		}
		out[i] = value.Null
	}
	return out, nil
}
