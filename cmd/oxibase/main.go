// Command oxibase is a thin REPL/one-shot driver over the engine's
// tabular API. It is explicitly not a SQL front-end: it tokenizes a
// tiny line protocol (create-table, insert, get, scan, update,
// delete, begin/commit/rollback) into pre-parsed values and calls
// table.Txn directly, the way cmd/service/main.go wires config into a
// server without itself understanding the MySQL wire protocol.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/oxibase/oxibase/engine"
	"github.com/oxibase/oxibase/schema"
	"github.com/oxibase/oxibase/table"
	"github.com/oxibase/oxibase/txn"
	"github.com/oxibase/oxibase/value"
)

func main() {
	dbFlag := flag.String("db", "memory://", "connection string: memory:// or file://<path>[?option=value&...]")
	query := flag.String("q", "", "run a single line of the protocol and exit instead of starting a REPL")
	flag.Parse()

	db, err := engine.Open(*dbFlag)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	defer db.Close()

	repl := &repl{db: db}

	if *query != "" {
		repl.run(*query)
		return
	}

	fmt.Println("oxibase — tiny line protocol, not SQL. Commands:")
	fmt.Println("  create-table <name> <col:TYPE[:pk][:null]>...")
	fmt.Println("  insert <table> <value>...")
	fmt.Println("  get <table> <row_id>")
	fmt.Println("  scan <table>")
	fmt.Println("  update <table> <row_id> <value>...")
	fmt.Println("  delete <table> <row_id>")
	fmt.Println("  begin [read-committed|snapshot] | commit | rollback")
	fmt.Printf("connected to %s\n", *dbFlag)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("oxibase> ")
		if !scanner.Scan() {
			break
		}
		repl.run(scanner.Text())
	}
}

// repl holds the one piece of state the line protocol needs across
// commands: an explicit transaction opened by "begin", if any.
type repl struct {
	db *engine.Engine
	tx *table.Txn
}

func (r *repl) run(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd, args := fields[0], fields[1:]

	var err error
	switch cmd {
	case "begin":
		err = r.begin(args)
	case "commit":
		err = r.endTxn(func(tx *table.Txn) error { return tx.Commit() })
	case "rollback":
		err = r.endTxn(func(tx *table.Txn) error { return tx.Rollback() })
	case "create-table":
		err = r.createTable(args)
	case "insert":
		err = r.insert(args)
	case "get":
		err = r.get(args)
	case "scan":
		err = r.scan(args)
	case "update":
		err = r.update(args)
	case "delete":
		err = r.delete(args)
	default:
		err = fmt.Errorf("unrecognized command %q", cmd)
	}
	if err != nil {
		fmt.Println("error:", err)
	}
}

func (r *repl) begin(args []string) error {
	if r.tx != nil {
		return fmt.Errorf("a transaction is already open")
	}
	level := txn.ReadCommitted
	if len(args) > 0 {
		var err error
		level, err = parseIsolation(args[0])
		if err != nil {
			return err
		}
	}
	r.tx = r.db.Begin(level, nil)
	return nil
}

func parseIsolation(s string) (txn.Isolation, error) {
	switch s {
	case "read-committed":
		return txn.ReadCommitted, nil
	case "snapshot":
		return txn.Snapshot, nil
	default:
		return 0, fmt.Errorf("unrecognized isolation level %q", s)
	}
}

func (r *repl) endTxn(fn func(*table.Txn) error) error {
	if r.tx == nil {
		return fmt.Errorf("no transaction is open")
	}
	tx := r.tx
	r.tx = nil
	return fn(tx)
}

// withTxn runs fn against the explicit transaction if one is open,
// otherwise against a fresh auto-commit transaction of its own.
func (r *repl) withTxn(fn func(*table.Txn) error) error {
	if r.tx != nil {
		return fn(r.tx)
	}
	tx := r.db.Begin(txn.ReadCommitted, nil)
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *repl) createTable(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: create-table <name> <col:TYPE[:pk][:null]>...")
	}
	name := args[0]
	def := &schema.Table{Name: name}
	for _, spec := range args[1:] {
		col, err := parseColumnSpec(spec)
		if err != nil {
			return err
		}
		def.Columns = append(def.Columns, col)
	}
	return r.withTxn(func(tx *table.Txn) error {
		_, err := tx.CreateTable(def, nil)
		return err
	})
}

func parseColumnSpec(spec string) (schema.Column, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 {
		return schema.Column{}, fmt.Errorf("malformed column spec %q, want name:TYPE[:pk][:null]", spec)
	}
	kind, err := parseKind(parts[1])
	if err != nil {
		return schema.Column{}, err
	}
	col := schema.Column{Name: parts[0], Type: kind}
	for _, flag := range parts[2:] {
		switch flag {
		case "pk":
			col.PrimaryKey = true
		case "null":
			col.Nullable = true
		default:
			return schema.Column{}, fmt.Errorf("unrecognized column flag %q", flag)
		}
	}
	return col, nil
}

func parseKind(s string) (value.Kind, error) {
	switch strings.ToUpper(s) {
	case "INT":
		return value.KindInt, nil
	case "FLOAT":
		return value.KindFloat, nil
	case "TEXT":
		return value.KindText, nil
	case "BOOL":
		return value.KindBool, nil
	case "TIMESTAMP":
		return value.KindTimestamp, nil
	case "JSON":
		return value.KindJSON, nil
	default:
		return 0, fmt.Errorf("unrecognized type %q", s)
	}
}

func (r *repl) insert(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: insert <table> <value>...")
	}
	tableName := args[0]
	return r.withTxn(func(tx *table.Txn) error {
		row, err := valuesToRow(args[1:])
		if err != nil {
			return err
		}
		rowID, err := tx.Insert(tableName, row)
		if err != nil {
			return err
		}
		fmt.Println("row_id:", rowID)
		return nil
	})
}

func (r *repl) get(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: get <table> <row_id>")
	}
	rowID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid row_id %q", args[1])
	}
	return r.withTxn(func(tx *table.Txn) error {
		row, err := tx.Get(args[0], rowID)
		if err != nil {
			return err
		}
		fmt.Println(formatRow(row))
		return nil
	})
}

func (r *repl) scan(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: scan <table>")
	}
	return r.withTxn(func(tx *table.Txn) error {
		rows, err := tx.Scan(args[0])
		if err != nil {
			return err
		}
		for _, row := range rows {
			fmt.Printf("%d: %s\n", row.RowID, formatRow(row.Value))
		}
		return nil
	})
}

func (r *repl) update(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: update <table> <row_id> <value>...")
	}
	rowID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid row_id %q", args[1])
	}
	return r.withTxn(func(tx *table.Txn) error {
		row, err := valuesToRow(args[2:])
		if err != nil {
			return err
		}
		return tx.Update(args[0], rowID, row)
	})
}

func (r *repl) delete(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: delete <table> <row_id>")
	}
	rowID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid row_id %q", args[1])
	}
	return r.withTxn(func(tx *table.Txn) error {
		return tx.Delete(args[0], rowID)
	})
}

// valuesToRow parses positional tokens into a row. Every value is
// typed by its own shape: true/false are bool, anything integer-shaped
// is int, anything float-shaped is float, "null" is NULL, everything
// else is text. There is no column-type lookup here — tx.Insert/Update
// validate the parsed row against the table's schema.
func valuesToRow(tokens []string) (value.Row, error) {
	row := make(value.Row, 0, len(tokens))
	for _, tok := range tokens {
		row = append(row, parseValue(tok))
	}
	return row, nil
}

func parseValue(tok string) value.Value {
	switch strings.ToLower(tok) {
	case "null":
		return value.Null
	case "true":
		return value.Bool(true)
	case "false":
		return value.Bool(false)
	}
	if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return value.Int(n)
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return value.Float(f)
	}
	return value.Text(tok)
}

func formatRow(row value.Row) string {
	parts := make([]string, len(row))
	for i, v := range row {
		parts[i] = formatValue(v)
	}
	return strings.Join(parts, ", ")
}

func formatValue(v value.Value) string {
	switch v.Kind {
	case value.KindNull:
		return "NULL"
	case value.KindInt:
		n, _ := v.AsInt()
		return strconv.FormatInt(n, 10)
	case value.KindFloat:
		f, _ := v.AsFloat()
		return strconv.FormatFloat(f, 'g', -1, 64)
	case value.KindText, value.KindJSON:
		s, _ := v.AsText()
		return s
	case value.KindBool:
		b, _ := v.AsBool()
		return strconv.FormatBool(b)
	case value.KindTimestamp:
		ts, _ := v.AsTimestamp()
		return ts.Format("2006-01-02T15:04:05Z")
	default:
		return "?"
	}
}
