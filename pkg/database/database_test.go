package database

import (
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.NotNil(t, config)

	assert.Equal(t, "./data/noticeboard.db", config.DatabasePath)
	assert.Equal(t, 10, config.MaxConnections)
	assert.Equal(t, time.Hour, config.ConnMaxLifetime)
	assert.Equal(t, 10*time.Minute, config.ConnMaxIdleTime)
	assert.NoError(t, config.Validate())
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "empty database path", mutate: func(c *Config) { c.DatabasePath = "" }},
		{name: "zero max connections", mutate: func(c *Config) { c.MaxConnections = 0 }},
		{name: "zero lifetime", mutate: func(c *Config) { c.ConnMaxLifetime = 0 }},
		{name: "zero idle time", mutate: func(c *Config) { c.ConnMaxIdleTime = 0 }},
		{name: "zero write timeout", mutate: func(c *Config) { c.WriteTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestMigrationManager_ApplyMigrations(t *testing.T) {
	db := openTestDB(t)
	manager := NewMigrationManager(db)

	require.NoError(t, manager.ApplyMigrations())
	// second run is a no-op
	require.NoError(t, manager.ApplyMigrations())

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 1, count)

	assert.NoError(t, NewSchemaValidator(db).Validate())
}

func TestMigrationManager_LoadMigrationsOrdersByVersion(t *testing.T) {
	source := fstest.MapFS{
		"m/002_second.sql": {Data: []byte("CREATE TABLE b (id TEXT)")},
		"m/001_first.sql":  {Data: []byte("CREATE TABLE a (id TEXT)")},
		"m/README.md":      {Data: []byte("ignored")},
	}
	manager := NewMigrationManagerFS(openTestDB(t), source, "m")

	migrations, err := manager.LoadMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, "001", migrations[0].Version)
	assert.Equal(t, "first", migrations[0].Description)
	assert.Equal(t, "002", migrations[1].Version)
}

func TestMigrationManager_FailedMigrationRollsBack(t *testing.T) {
	db := openTestDB(t)
	source := fstest.MapFS{
		"m/001_broken.sql": {Data: []byte("CREATE TABLE")},
	}

	err := NewMigrationManagerFS(db, source, "m").ApplyMigrations()
	require.Error(t, err)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Zero(t, count)
}

func TestSchemaValidator_MissingTable(t *testing.T) {
	db := openTestDB(t)
	err := NewSchemaValidator(db).ValidateTablesExist()
	assert.ErrorContains(t, err, "channel_attachments")
}

func TestSchemaValidator_WrongColumnType(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec(`CREATE TABLE channel_attachments (
		channel_id TEXT PRIMARY KEY, user_id INTEGER, payload TEXT, created_at DATETIME)`)
	require.NoError(t, err)

	err = NewSchemaValidator(db).ValidateTableStructure()
	assert.ErrorContains(t, err, "user_id")
}

func TestApplySQLiteOptimizations(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, ApplySQLiteOptimizations(db))

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}
