package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxibase/oxibase/schema"
	"github.com/oxibase/oxibase/txn"
	"github.com/oxibase/oxibase/value"
)

func createUsersTable(t *testing.T, db *Engine) {
	t.Helper()
	tx := db.Begin(txn.ReadCommitted, nil)
	def := &schema.Table{
		Name: "users",
		Columns: []schema.Column{
			{Name: "id", Type: value.KindInt, PrimaryKey: true},
			{Name: "name", Type: value.KindText},
		},
	}
	_, err := tx.CreateTable(def, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
}

func TestMemoryEngineOpenInsertGet(t *testing.T) {
	db, err := Open("memory://")
	require.NoError(t, err)
	defer db.Close()

	createUsersTable(t, db)

	tx := db.Begin(txn.ReadCommitted, nil)
	rowID, err := tx.Insert("users", value.Row{value.Int(0), value.Text("alice")})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	reader := db.Begin(txn.ReadCommitted, nil)
	row, err := reader.Get("users", rowID)
	require.NoError(t, err)
	assert.Equal(t, value.Text("alice"), row[1])
	require.NoError(t, reader.Commit())
}

func TestFileEngineSurvivesCloseAndReopen(t *testing.T) {
	dir := t.TempDir()
	connString := "file://" + filepath.ToSlash(dir)

	db, err := Open(connString)
	require.NoError(t, err)

	createUsersTable(t, db)

	tx := db.Begin(txn.ReadCommitted, nil)
	rowID, err := tx.Insert("users", value.Row{value.Int(0), value.Text("alice")})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.NoError(t, db.Close())

	db2, err := Open(connString)
	require.NoError(t, err)
	defer db2.Close()

	reader := db2.Begin(txn.ReadCommitted, nil)
	row, err := reader.Get("users", rowID)
	require.NoError(t, err, "a committed row must survive a clean close and reopen")
	assert.Equal(t, value.Text("alice"), row[1])
	require.NoError(t, reader.Commit())
}

func TestFileEngineDoesNotPersistRolledBackWrites(t *testing.T) {
	dir := t.TempDir()
	connString := "file://" + filepath.ToSlash(dir)

	db, err := Open(connString)
	require.NoError(t, err)

	createUsersTable(t, db)

	tx := db.Begin(txn.ReadCommitted, nil)
	rowID, err := tx.Insert("users", value.Row{value.Int(0), value.Text("ghost")})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	require.NoError(t, db.Close())

	db2, err := Open(connString)
	require.NoError(t, err)
	defer db2.Close()

	reader := db2.Begin(txn.ReadCommitted, nil)
	_, err = reader.Get("users", rowID)
	assert.Error(t, err, "a rolled-back insert must not reappear after reopen")
	reader.Rollback()
}

func TestOpenRejectsUnrecognizedScheme(t *testing.T) {
	_, err := Open("postgres://localhost/db")
	assert.Error(t, err)
}

func TestOpenAndExplicitCheckpointProducesASnapshot(t *testing.T) {
	dir := t.TempDir()
	connString := "file://" + filepath.ToSlash(dir)

	db, err := Open(connString)
	require.NoError(t, err)
	defer db.Close()

	createUsersTable(t, db)
	tx := db.Begin(txn.ReadCommitted, nil)
	_, err = tx.Insert("users", value.Row{value.Int(0), value.Text("alice")})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	path, err := db.Checkpoint()
	require.NoError(t, err)
	assert.NotEmpty(t, path)
}
