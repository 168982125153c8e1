//go:build integration

package gormstore

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/rpattn/versioned/internal/testutil/containers"
)

func openPostgres(t *testing.T) *gorm.DB {
	t.Helper()
	pg := containers.NewPostgresContainer(t)
	db, err := gorm.Open(postgres.Open(pg.DSN), &gorm.Config{Logger: NewLogger(zaptest.NewLogger(t))})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&User{}))
	return db
}

func TestPostgresVersioning(t *testing.T) {
	testVersioning(t, openPostgres(t))
}

func TestPostgresListenerErrorRollsBack(t *testing.T) {
	testListenerErrorRollsBack(t, openPostgres(t))
}

func TestPostgresModelCreate(t *testing.T) {
	testModelCreate(t, openPostgres(t))
}

func TestPostgresConditionAddressedWrites(t *testing.T) {
	testConditionAddressedWrites(t, openPostgres(t))
}
