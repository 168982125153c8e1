package gormstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"

	"github.com/rpattn/versioned/pkg/entity"
	"github.com/rpattn/versioned/pkg/schema"
	"github.com/rpattn/versioned/pkg/versioning"
)

type User struct {
	ID    uint   `gorm:"primaryKey"`
	Name  string `gorm:"not null"`
	Email *string
}

// openSQLite opens GORM on an embedded database file through the modernc driver.
func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "gorm.db"))
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(sqlite.New(sqlite.Config{Conn: sqlDB}), &gorm.Config{Logger: NewLogger(zaptest.NewLogger(t))})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&User{}))
	return db
}

func versionedUsers(t *testing.T, db *gorm.DB) (*Model, *versioning.Shadow) {
	t.Helper()
	eng, err := New(db)
	require.NoError(t, err)
	users, err := eng.Model(&User{})
	require.NoError(t, err)
	shadow, err := versioning.Version(context.Background(), users, versioning.Options{})
	require.NoError(t, err)
	return users, shadow
}

func countRows(t *testing.T, db *gorm.DB, table string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Table(table).Count(&n).Error)
	return n
}

func assertLifecycleHistory(t *testing.T, shadow *versioning.Shadow, id uint) {
	t.Helper()
	history, err := shadow.History(context.Background(), schema.Record{"id": id})
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, versioning.Create, history[0].Type)
	assert.Equal(t, "Ann", history[0].Data["name"])
	assert.Equal(t, versioning.Update, history[1].Type)
	assert.Equal(t, "Annie", history[1].Data["name"])
	assert.Equal(t, versioning.Delete, history[2].Type)
	assert.Equal(t, "Annie", history[2].Data["name"])
}

func testVersioning(t *testing.T, db *gorm.DB) {
	ctx := context.Background()
	users, shadow := versionedUsers(t, db)
	assert.Equal(t, "version_users", shadow.TableName())

	u := User{Name: "Ann"}
	require.NoError(t, db.WithContext(ctx).Create(&u).Error)
	assert.Equal(t, int64(1), countRows(t, db, "users"))
	assert.Equal(t, int64(1), countRows(t, db, "version_users"))

	require.NoError(t, db.WithContext(ctx).Model(&u).Update("name", "Annie").Error)
	_, err := users.Delete(ctx, schema.Record{"id": u.ID})
	require.NoError(t, err)

	assert.Zero(t, countRows(t, db, "users"))
	assert.Equal(t, int64(3), countRows(t, db, "version_users"))
	assertLifecycleHistory(t, shadow, u.ID)
}

func testListenerErrorRollsBack(t *testing.T, db *gorm.DB) {
	ctx := context.Background()
	users, _ := versionedUsers(t, db)

	// AfterSave runs after the version row for AfterCreate was written.
	require.NoError(t, users.Hooks().AddHook(entity.AfterSave, "reject", func(context.Context, entity.Event) error {
		return assert.AnError
	}))

	err := db.WithContext(ctx).Create(&User{Name: "Ann"}).Error
	assert.ErrorIs(t, err, assert.AnError)

	assert.Zero(t, countRows(t, db, "users"))
	assert.Zero(t, countRows(t, db, "version_users"))
}

func testModelCreate(t *testing.T, db *gorm.DB) {
	ctx := context.Background()
	eng, err := New(db)
	require.NoError(t, err)
	users, err := eng.Model(&User{})
	require.NoError(t, err)

	var kinds []entity.HookKind
	for _, kind := range entity.HookKinds {
		require.NoError(t, users.Hooks().AddHook(kind, "trace", func(_ context.Context, e entity.Event) error {
			kinds = append(kinds, e.Kind)
			return nil
		}))
	}

	row, err := users.Create(ctx, schema.Record{"name": "Bob"})
	require.NoError(t, err)
	assert.NotZero(t, row["id"])
	assert.Equal(t, []entity.HookKind{entity.AfterCreate, entity.AfterSave}, kinds)

	found, err := users.Find(ctx, entity.Query{Where: schema.Record{"name": "Bob"}})
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func testConditionAddressedWrites(t *testing.T, db *gorm.DB) {
	ctx := context.Background()
	_, shadow := versionedUsers(t, db)

	u := User{Name: "Ann"}
	require.NoError(t, db.WithContext(ctx).Create(&u).Error)
	require.NoError(t, db.WithContext(ctx).Create(&User{Name: "Bob"}).Error)

	res := db.WithContext(ctx).Model(&User{}).Where("name = ?", "Ann").Update("name", "Annie")
	require.NoError(t, res.Error)
	require.Equal(t, int64(1), res.RowsAffected)
	require.NoError(t, db.WithContext(ctx).Delete(&User{}, u.ID).Error)

	assertLifecycleHistory(t, shadow, u.ID)
	// Bob was created and never touched since.
	assert.Equal(t, int64(4), countRows(t, db, "version_users"))
}

func TestSQLiteVersioning(t *testing.T) {
	testVersioning(t, openSQLite(t))
}

func TestSQLiteListenerErrorRollsBack(t *testing.T) {
	testListenerErrorRollsBack(t, openSQLite(t))
}

func TestSQLiteModelCreate(t *testing.T) {
	testModelCreate(t, openSQLite(t))
}

func TestSQLiteConditionAddressedWrites(t *testing.T) {
	testConditionAddressedWrites(t, openSQLite(t))
}
