package sqlstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/versioned/pkg/entity"
	"github.com/rpattn/versioned/pkg/schema"
	"github.com/rpattn/versioned/pkg/versioning"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open(SQLite.DriverName(), filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func defineUsers(t *testing.T, eng *Engine) *Model {
	t.Helper()
	m, err := eng.define(context.Background(), schema.Definition{
		Name:      "User",
		TableName: "user",
		Attributes: schema.Attributes{
			"id":      {Type: schema.FieldTypeInteger, PrimaryKey: true, AutoIncrement: true},
			"name":    {Type: schema.FieldTypeString, NotNull: true},
			"email":   {Type: schema.FieldTypeString, Unique: true},
			"profile": {Type: schema.FieldTypeJSON},
			"active":  {Type: schema.FieldTypeBoolean, Default: true},
		},
	})
	require.NoError(t, err)
	return m
}

func TestSQLiteCRUD(t *testing.T) {
	ctx := context.Background()
	eng := New(openSQLite(t), SQLite)
	users := defineUsers(t, eng)

	row, err := users.Create(ctx, schema.Record{"name": "Ann", "profile": map[string]any{"langs": []any{"go"}}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), row["id"])
	assert.Equal(t, true, row["active"])
	assert.Equal(t, map[string]any{"langs": []any{"go"}}, row["profile"])

	updated, err := users.Update(ctx, schema.Record{"id": 1, "name": "Annie"})
	require.NoError(t, err)
	assert.Equal(t, "Annie", updated["name"])

	saved, err := users.Save(ctx, schema.Record{"id": 7, "name": "Bob"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), saved["id"])

	rows, err := users.Find(ctx, entity.Query{OrderBy: "id", Desc: true})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Bob", rows[0]["name"])

	deleted, err := users.Delete(ctx, schema.Record{"id": 1})
	require.NoError(t, err)
	assert.Equal(t, "Annie", deleted["name"])

	_, err = users.Delete(ctx, schema.Record{"id": 1})
	assert.ErrorIs(t, err, entity.ErrNotFound)

	rows, err = users.Find(ctx, entity.Query{Where: schema.Record{"email": nil}})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSQLiteUniqueViolationIsConflict(t *testing.T) {
	ctx := context.Background()
	eng := New(openSQLite(t), SQLite)
	users := defineUsers(t, eng)

	_, err := users.Create(ctx, schema.Record{"name": "Ann", "email": "a@example.com"})
	require.NoError(t, err)
	_, err = users.Create(ctx, schema.Record{"name": "Other", "email": "a@example.com"})
	assert.ErrorIs(t, err, entity.ErrConflict)
}

func TestSQLiteOpenIntrospects(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	_, err := db.ExecContext(ctx, `CREATE TABLE accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		handle VARCHAR(40) NOT NULL UNIQUE,
		balance REAL,
		opened_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`)
	require.NoError(t, err)

	eng := New(db, SQLite)
	accounts, err := eng.Open(ctx, "Account", "accounts", "")
	require.NoError(t, err)

	attrs := accounts.Attributes()
	assert.Equal(t, []string{"balance", "handle", "id", "opened_at"}, attrs.Names())
	assert.True(t, attrs["id"].PrimaryKey)
	assert.True(t, attrs["id"].AutoIncrement)
	assert.True(t, attrs["handle"].Unique)
	assert.True(t, attrs["handle"].NotNull)
	assert.Equal(t, schema.FieldTypeFloat, attrs["balance"].Type)
	assert.Equal(t, schema.FieldTypeTimestamp, attrs["opened_at"].Type)
	assert.True(t, schema.IsNow(attrs["opened_at"].Default))

	_, err = eng.Open(ctx, "Missing", "missing", "")
	assert.Error(t, err)
}

func TestSQLiteVersioning(t *testing.T) {
	ctx := context.Background()
	eng := New(openSQLite(t), SQLite)
	users := defineUsers(t, eng)

	shadow, err := versioning.Version(ctx, users, versioning.Options{})
	require.NoError(t, err)

	_, err = users.Create(ctx, schema.Record{"id": 1, "name": "Ann"})
	require.NoError(t, err)
	_, err = users.Update(ctx, schema.Record{"id": 1, "name": "Annie"})
	require.NoError(t, err)
	_, err = users.Delete(ctx, schema.Record{"id": 1})
	require.NoError(t, err)

	history, err := shadow.History(ctx, schema.Record{"id": 1})
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []versioning.VersionType{versioning.Create, versioning.Update, versioning.Delete},
		[]versioning.VersionType{history[0].Type, history[1].Type, history[2].Type})
	assert.Equal(t, "Ann", history[0].Data["name"])
	assert.Equal(t, "Annie", history[2].Data["name"])
	assert.WithinDuration(t, time.Now(), history[0].Timestamp, time.Minute)
}

func TestSQLiteCaptureFailureRollsBackWrite(t *testing.T) {
	ctx := context.Background()
	eng := New(openSQLite(t), SQLite)
	users := defineUsers(t, eng)

	shadow, err := versioning.Version(ctx, users, versioning.Options{})
	require.NoError(t, err)

	_, err = users.Create(ctx, schema.Record{"name": "Ann", "email": "a@example.com"})
	require.NoError(t, err)

	// the shadow keeps email unique, so recording the update fails
	_, err = users.Update(ctx, schema.Record{"id": 1, "name": "Annie"})
	require.ErrorIs(t, err, versioning.ErrCapture)

	rows, err := users.Find(ctx, entity.Query{Where: schema.Record{"id": 1}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Ann", rows[0]["name"], "the failed capture must roll the update back")

	history, err := shadow.History(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestWithTxSharesTransaction(t *testing.T) {
	ctx := context.Background()
	eng := New(openSQLite(t), SQLite)
	users := defineUsers(t, eng)

	err := eng.WithTx(ctx, func(ctx context.Context) error {
		if _, err := users.Create(ctx, schema.Record{"name": "Ann"}); err != nil {
			return err
		}
		_, err := users.Create(ctx, schema.Record{"name": "Bob", "nickname": "b"})
		return err
	})
	require.Error(t, err)

	rows, err := users.Find(ctx, entity.Query{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}
