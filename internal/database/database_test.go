package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPostgres(t *testing.T) {
	assert.True(t, IsPostgres("postgres://u:p@localhost:5432/relay"))
	assert.True(t, IsPostgres("postgresql://localhost/relay"))
	assert.False(t, IsPostgres("./data/relay.db"))
	assert.False(t, IsPostgres(""))
}

func TestOpen_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "relay.db")

	db, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, "sqlite", db.Driver)
	assert.Nil(t, db.Pool)
	assert.FileExists(t, path)
	assert.NoError(t, db.Ping(context.Background()))
}

func TestMigrate(t *testing.T) {
	type widget struct {
		ID   uint
		Name string
	}

	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Migrate(&widget{}))
	assert.True(t, db.GORM.Migrator().HasTable(&widget{}))
}
