package telegram

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/celestix/gotgproto"
	"github.com/glebarez/sqlite"
	"github.com/gotd/td/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/blockedby/tg-relay/internal/config"
)

func openSessionDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "session.db")), &gorm.Config{})
	require.NoError(t, err)
	return db
}

func TestManager_Init_NoSession_Unauthorized(t *testing.T) {
	// Arrange
	db := openSessionDB(t)
	cfg := &config.Config{TGApiID: 12345, TGApiHash: "test_hash"}
	m := NewManager(cfg, db)

	called := false
	m.SetClientFactory(func(ctx context.Context, cfg *config.Config, db *gorm.DB) (*gotgproto.Client, error) {
		called = true
		return nil, nil
	})

	// Act
	err := m.Init(context.Background())

	// Assert
	require.NoError(t, err)
	assert.False(t, called, "factory must not run without a session")
	assert.Equal(t, StatusUnauthorized, m.GetStatus())
	assert.ErrorIs(t, m.Ready(), ErrNotAuthorized)
}

func TestManager_Init_FactoryError_Unauthorized(t *testing.T) {
	// Arrange
	db := openSessionDB(t)
	db.Exec("CREATE TABLE sessions (version integer primary key, data blob)")
	db.Exec("INSERT INTO sessions (version, data) VALUES (1, ?)", []byte(`{"mock":"data"}`))

	cfg := &config.Config{TGApiID: 12345, TGApiHash: "test_hash"}
	m := NewManager(cfg, db)
	m.SetClientFactory(func(ctx context.Context, cfg *config.Config, db *gorm.DB) (*gotgproto.Client, error) {
		return nil, errors.New("factory failure")
	})

	// Act
	err := m.Init(context.Background())

	// Assert
	assert.NoError(t, err, "Init should not return error even if factory fails")
	assert.Equal(t, StatusUnauthorized, m.GetStatus())
}

func TestManager_Init_SessionString_Ready(t *testing.T) {
	// Arrange
	db := openSessionDB(t)
	cfg := &config.Config{TGApiID: 12345, TGApiHash: "test_hash", TGSessionStr: "1BAAOMTQ5LjE1NC4xNjcuOTE"}
	m := NewManager(cfg, db)

	var got *config.Config
	m.SetClientFactory(func(ctx context.Context, cfg *config.Config, db *gorm.DB) (*gotgproto.Client, error) {
		got = cfg
		return &gotgproto.Client{}, nil
	})

	// Act
	err := m.Init(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, StatusReady, m.GetStatus())
	assert.NotNil(t, m.GetClient())
	assert.NoError(t, m.Ready())
	assert.Equal(t, cfg, got)
}

func TestManager_SessionFileImport(t *testing.T) {
	// Arrange
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")
	storage := &session.FileStorage{Path: path}
	loader := session.Loader{Storage: storage}
	require.NoError(t, loader.Save(ctx, &session.Data{
		DC:      2,
		Addr:    "149.154.167.40:443",
		AuthKey: make([]byte, 256),
	}))

	db := openSessionDB(t)
	cfg := &config.Config{TGApiID: 12345, TGApiHash: "test_hash", SessionFile: path}
	m := NewManager(cfg, db)
	m.SetClientFactory(func(ctx context.Context, cfg *config.Config, db *gorm.DB) (*gotgproto.Client, error) {
		return &gotgproto.Client{}, nil
	})

	// Act
	err := m.Init(ctx)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.storedSessions())
	assert.Equal(t, StatusReady, m.GetStatus())

	// a second import leaves the stored session alone
	require.NoError(t, m.importSessionFile(ctx, path))
	assert.Equal(t, int64(1), m.storedSessions())
}

func TestManager_SessionFileMissing_Unauthorized(t *testing.T) {
	// Arrange
	db := openSessionDB(t)
	cfg := &config.Config{SessionFile: filepath.Join(t.TempDir(), "missing.json")}
	m := NewManager(cfg, db)

	// Act
	err := m.Init(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, StatusUnauthorized, m.GetStatus())
}
